// Package report models one client-submitted observation batch item: an
// optional device position plus the stations the device heard at that moment.
// Reports are ephemeral; they live in the incoming queue until drained and are
// never retained after aggregation.
package report

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"

	"radiolocate/station"
)

const (
	// maxPositionAccuracyM rejects positions too vague to refine a station
	// estimate. A 10 km fix tells us roughly which city the device is in,
	// nothing about which access point it stood next to.
	maxPositionAccuracyM = 10_000.0

	// maxFutureSkew tolerates small client clock drift; anything further in
	// the future is a broken clock and the report cannot be trusted.
	maxFutureSkew = 2 * time.Minute

	maxSightingsPerKind = 100
)

var (
	ErrNoTimestamp   = errors.New("report: missing timestamp")
	ErrFutureReport  = errors.New("report: timestamp in the future")
	ErrBadLatitude   = errors.New("report: latitude out of range")
	ErrBadLongitude  = errors.New("report: longitude out of range")
	ErrVagueAccuracy = errors.New("report: position accuracy too coarse")
	ErrNoSightings   = errors.New("report: no valid station sightings")
)

// Position is a device fix with its accuracy radius in meters.
type Position struct {
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	AccuracyM float64 `json:"accuracy"`
}

// Sighting is one observed station plus optional signal metadata.
// SignalDBM of zero means "not reported"; real readings are negative.
type Sighting struct {
	Kind      station.Kind `json:"kind"`
	ID        string       `json:"id"`
	SignalDBM int          `json:"signal,omitempty"`
}

// Report is the unit the ingestion boundary accepts and the aggregator folds.
type Report struct {
	ReportID  string     `json:"report_id"`
	Timestamp time.Time  `json:"timestamp"`
	Position  *Position  `json:"position,omitempty"`
	Sightings []Sighting `json:"sightings"`
}

// New assigns a fresh report id. Callers that relay externally minted reports
// keep the original id so duplicate resubmissions dedup to the same checksum.
func New(ts time.Time, pos *Position, sightings []Sighting) Report {
	return Report{
		ReportID:  uuid.NewString(),
		Timestamp: ts,
		Position:  pos,
		Sightings: sightings,
	}
}

// Validate checks the report against ingestion rules and returns the cleaned
// report: malformed sightings are dropped (counted by the caller), a position
// that cannot refine estimates is cleared rather than failing the report.
// Returns an error only when nothing in the report is usable.
func Validate(r Report, now time.Time) (Report, int, error) {
	dropped := 0
	if r.Timestamp.IsZero() {
		return Report{}, 0, ErrNoTimestamp
	}
	if r.Timestamp.After(now.Add(maxFutureSkew)) {
		return Report{}, 0, ErrFutureReport
	}
	if r.Position != nil {
		if err := checkPosition(*r.Position); err != nil {
			// Position-less reports are still useful for last-seen tracking.
			r.Position = nil
		}
	}
	clean := make([]Sighting, 0, len(r.Sightings))
	perKind := make(map[station.Kind]int)
	for _, s := range r.Sightings {
		key, err := station.MakeKey(s.Kind, s.ID)
		if err != nil {
			dropped++
			continue
		}
		if perKind[s.Kind] >= maxSightingsPerKind {
			dropped++
			continue
		}
		perKind[s.Kind]++
		s.ID = key.ID
		clean = append(clean, s)
	}
	if len(clean) == 0 {
		return Report{}, dropped, ErrNoSightings
	}
	r.Sightings = clean
	return r, dropped, nil
}

func checkPosition(p Position) error {
	if p.Lat < -90 || p.Lat > 90 || math.IsNaN(p.Lat) {
		return ErrBadLatitude
	}
	if p.Lon < -180 || p.Lon > 180 || math.IsNaN(p.Lon) {
		return ErrBadLongitude
	}
	if p.AccuracyM < 0 || p.AccuracyM > maxPositionAccuracyM {
		return ErrVagueAccuracy
	}
	return nil
}

// Checksum produces the dedup key for a report. Two submissions with the same
// content hash identically regardless of sighting order, so at-least-once
// redelivery of a drained batch cannot double-count sample weight.
func Checksum(r Report) uint64 {
	h := xxh3.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(r.Timestamp.UTC().Unix()))
	_, _ = h.Write(buf[:])
	if r.Position != nil {
		writeFloat(h, r.Position.Lat)
		writeFloat(h, r.Position.Lon)
		writeFloat(h, r.Position.AccuracyM)
	}
	lines := make([]string, 0, len(r.Sightings))
	for _, s := range r.Sightings {
		lines = append(lines, fmt.Sprintf("%s|%s|%d", s.Kind, s.ID, s.SignalDBM))
	}
	sort.Strings(lines)
	_, _ = h.Write([]byte(strings.Join(lines, "\n")))
	return h.Sum64()
}

func writeFloat(h *xxh3.Hasher, v float64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
	_, _ = h.Write(buf[:])
}
