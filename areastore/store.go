// Package areastore persists coarse per-area aggregates: counters, a data
// quality score, and a representative position with coverage radius. Area
// records are a materialized view over the station store. They are always
// recomputed from scratch rather than incremented, so re-running a
// recomputation with unchanged stations yields a byte-identical record and
// at-least-once scheduling cannot cause drift.
package areastore

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"

	"radiolocate/estimator"
	"radiolocate/stationstore"
)

// Area kinds double as the prefix of an area id ("grid:8521...",
// "cellarea:gsm:293:41:100", "country:si").
const (
	KindGrid     = "grid"
	KindCellArea = "cellarea"
	KindCountry  = "country"
)

const recordPrefix = "r|"

var errNotInitialized = errors.New("areastore: store is not initialized")

// Record is the aggregate for one area.
type Record struct {
	AreaID       string
	Stations     uint64
	Blocked      uint64
	Observations uint64
	Lat          float64
	Lon          float64
	RadiusM      float64
	Quality      float64
	RecomputedAt time.Time
}

// HasPosition reports whether enough member stations carried an estimate to
// give the area a usable centroid.
func (r Record) HasPosition() bool {
	return r.Stations > r.Blocked && r.RadiusM > 0
}

// Store manages the Pebble database of area records.
type Store struct {
	db    *pebble.DB
	cache *pebble.Cache
}

// Open opens or creates the area database.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("areastore: database path is empty")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("areastore: ensure directory: %w", err)
	}
	opts := &pebble.Options{
		Cache: pebble.NewCache(8 << 20),
	}
	level := pebble.LevelOptions{
		FilterPolicy: bloom.FilterPolicy(10),
		FilterType:   pebble.TableFilter,
	}
	opts.Levels = make([]pebble.LevelOptions, 7)
	for i := range opts.Levels {
		opts.Levels[i] = level
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		opts.Cache.Unref()
		return nil, fmt.Errorf("areastore: open: %w", err)
	}
	return &Store{db: db, cache: opts.Cache}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	if s.cache != nil {
		s.cache.Unref()
		s.cache = nil
	}
	return err
}

// Get fetches an area record. Returns found=false when absent.
func (s *Store) Get(areaID string) (Record, bool, error) {
	if s == nil || s.db == nil {
		return Record{}, false, errNotInitialized
	}
	value, closer, err := s.db.Get(recordKey(areaID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("areastore: get %s: %w", areaID, err)
	}
	defer closer.Close()
	rec, err := decodeRecord(areaID, value)
	if err != nil {
		return Record{}, false, fmt.Errorf("areastore: decode %s: %w", areaID, err)
	}
	return rec, true, nil
}

// Put writes an area record as a single synced set.
func (s *Store) Put(rec Record) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	if rec.AreaID == "" {
		return errors.New("areastore: empty area id")
	}
	if err := s.db.Set(recordKey(rec.AreaID), encodeRecord(rec), pebble.Sync); err != nil {
		return fmt.Errorf("areastore: put %s: %w", rec.AreaID, err)
	}
	return nil
}

// Recompute rebuilds one area record purely from the current station store
// contents and writes it back. Safe to re-run anytime.
func (s *Store) Recompute(stations *stationstore.Store, areaID string, now time.Time) (Record, error) {
	keys, err := stations.StationsInArea(areaID)
	if err != nil {
		return Record{}, err
	}
	members := make([]stationstore.Record, 0, len(keys))
	for _, key := range keys {
		rec, found, err := stations.Get(key)
		if err != nil {
			return Record{}, err
		}
		if found {
			members = append(members, rec)
		}
	}
	rec := Compute(areaID, members, now)
	if err := s.Put(rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Compute derives an area record from its member stations. Pure: same
// members and clock in, identical record out.
func Compute(areaID string, members []stationstore.Record, now time.Time) Record {
	rec := Record{AreaID: areaID, RecomputedAt: now.UTC().Truncate(time.Second)}

	var sumLat, sumLon, sumWeight float64
	for _, m := range members {
		rec.Stations++
		rec.Observations += m.Samples
		if m.Blocked {
			rec.Blocked++
			continue
		}
		if !m.HasPosition() {
			continue
		}
		sumLat += m.Lat * m.Weight
		sumLon += m.Lon * m.Weight
		sumWeight += m.Weight
	}
	if sumWeight > 0 {
		rec.Lat = sumLat / sumWeight
		rec.Lon = sumLon / sumWeight
		radius := 0.0
		for _, m := range members {
			if m.Blocked || !m.HasPosition() {
				continue
			}
			reach := estimator.DistanceM(rec.Lat, rec.Lon, m.Lat, m.Lon) + m.AccuracyM
			if reach > radius {
				radius = reach
			}
		}
		rec.RadiusM = radius
	}
	rec.Quality = qualityScore(rec)
	return rec
}

// qualityScore blends the blocked ratio with observation density into [0, 1].
// Sparse areas score low even when nothing is blocked; a handful of
// observations is weak evidence however clean it looks.
func qualityScore(rec Record) float64 {
	if rec.Stations == 0 {
		return 0
	}
	clean := float64(rec.Stations-rec.Blocked) / float64(rec.Stations)
	density := math.Log10(float64(rec.Observations)+1) / 4
	if density > 1 {
		density = 1
	}
	return round4(clean * density)
}

func round4(v float64) float64 {
	return math.Round(v*10_000) / 10_000
}

// List returns all area records whose id starts with the given kind prefix.
func (s *Store) List(kind string) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	prefix := recordPrefix + kind + ":"
	lower := []byte(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixUpperBound(lower),
	})
	if err != nil {
		return nil, fmt.Errorf("areastore: list iterator: %w", err)
	}
	defer iter.Close()

	var list []Record
	for iter.First(); iter.Valid(); iter.Next() {
		areaID := strings.TrimPrefix(string(iter.Key()), recordPrefix)
		rec, err := decodeRecord(areaID, iter.Value())
		if err != nil {
			return nil, fmt.Errorf("areastore: decode %s: %w", areaID, err)
		}
		list = append(list, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("areastore: iterate: %w", err)
	}
	return list, nil
}

func recordKey(areaID string) []byte {
	return []byte(recordPrefix + areaID)
}

func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] != 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
