// Package aggregator folds drained report batches into the station store.
// It runs in two stages driven by the external scheduler: Dispatch explodes
// reports into per-shard pending observation groups, and AggregateShard
// applies one shard's group as a single store transaction. One shard's
// failure never touches another shard's records.
package aggregator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/uber/h3-go/v4"

	"radiolocate/dedup"
	"radiolocate/estimator"
	"radiolocate/metrics"
	"radiolocate/queue"
	"radiolocate/station"
	"radiolocate/stationstore"
)

const (
	defaultMobilityThresholdM = 5_000.0
	defaultMaxPendingPerShard = 10_000
	defaultGridResolution     = 5
)

// Config carries the aggregation policy knobs. Zero values get defaults.
type Config struct {
	// MobilityThresholdM blocks a station once its observed positions span
	// more than this distance: fixed infrastructure does not move 5 km.
	MobilityThresholdM float64
	// MaxPendingPerShard bounds the in-memory observation backlog per shard.
	MaxPendingPerShard int
	// GridResolution is the H3 resolution used for grid area membership.
	GridResolution int
}

func (c Config) withDefaults() Config {
	if c.MobilityThresholdM <= 0 {
		c.MobilityThresholdM = defaultMobilityThresholdM
	}
	if c.MaxPendingPerShard <= 0 {
		c.MaxPendingPerShard = defaultMaxPendingPerShard
	}
	if c.GridResolution <= 0 {
		c.GridResolution = defaultGridResolution
	}
	return c
}

// Observation is one station sighting extracted from a report, ready for
// merging. HasPosition is false when the report carried no usable fix; such
// observations still advance last-seen and sample counts.
type Observation struct {
	Key         station.Key
	Lat         float64
	Lon         float64
	AccuracyM   float64
	SignalDBM   int
	At          time.Time
	HasPosition bool
}

// DispatchStats summarizes one Dispatch pass.
type DispatchStats struct {
	Reports    int
	Duplicates int
	Dropped    int
	Overflowed int
}

// Aggregator is the sole writer of station records.
type Aggregator struct {
	stations   *stationstore.Store
	cache      *dedup.Cache
	merge      estimator.MergeFunc
	tracker    *metrics.Tracker
	cfg        Config
	countryFor func(lat, lon float64) string

	mu      sync.Mutex
	pending map[string][]Observation // "kind/shard" -> drained-order observations
}

// New wires an aggregator. countryFor may be nil when country area tracking
// is disabled; merge defaults to estimator.Merge.
func New(stations *stationstore.Store, cache *dedup.Cache, merge estimator.MergeFunc,
	tracker *metrics.Tracker, countryFor func(lat, lon float64) string, cfg Config) *Aggregator {
	if merge == nil {
		merge = estimator.Merge
	}
	return &Aggregator{
		stations:   stations,
		cache:      cache,
		merge:      merge,
		tracker:    tracker,
		cfg:        cfg.withDefaults(),
		countryFor: countryFor,
		pending:    make(map[string][]Observation),
	}
}

// Dispatch routes drained queue entries into per-shard pending groups.
// Exact duplicate reports (same checksum within the dedup window) are
// suppressed here so redelivered batches cannot double-count.
func (a *Aggregator) Dispatch(entries []queue.Entry) DispatchStats {
	stats := DispatchStats{}
	for _, entry := range entries {
		r := entry.Report
		if a.cache.Seen(entry.Checksum, r.Timestamp) {
			stats.Duplicates++
			if a.tracker != nil {
				a.tracker.AddDuplicate(1)
			}
			continue
		}
		stats.Reports++
		for _, s := range r.Sightings {
			key, err := station.MakeKey(s.Kind, s.ID)
			if err != nil {
				stats.Dropped++
				if a.tracker != nil {
					a.tracker.AddSightingsDropped(1)
				}
				continue
			}
			obs := Observation{
				Key:       key,
				SignalDBM: s.SignalDBM,
				At:        r.Timestamp,
			}
			if r.Position != nil {
				obs.Lat = r.Position.Lat
				obs.Lon = r.Position.Lon
				obs.AccuracyM = r.Position.AccuracyM
				obs.HasPosition = true
			}
			if !a.enqueue(key, obs) {
				stats.Overflowed++
			}
		}
	}
	return stats
}

func (a *Aggregator) enqueue(key station.Key, obs Observation) bool {
	group := string(key.Kind) + "/" + key.ShardID()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending[group]) >= a.cfg.MaxPendingPerShard {
		return false
	}
	a.pending[group] = append(a.pending[group], obs)
	return true
}

// PendingCount reports the backlog for one shard.
func (a *Aggregator) PendingCount(kind station.Kind, shardID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending[string(kind)+"/"+shardID])
}

func (a *Aggregator) takePending(kind station.Kind, shardID string) []Observation {
	group := string(kind) + "/" + shardID
	a.mu.Lock()
	defer a.mu.Unlock()
	obs := a.pending[group]
	delete(a.pending, group)
	return obs
}

func (a *Aggregator) requeue(kind station.Kind, shardID string, obs []Observation) {
	group := string(kind) + "/" + shardID
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending[group] = append(obs, a.pending[group]...)
}

// AggregateShard applies one shard's pending observations as a single store
// transaction. Returns the number of observations applied. On failure the
// observations are put back so the next scheduled firing retries them; the
// scheduler owns the retry cadence, not this method.
func (a *Aggregator) AggregateShard(ctx context.Context, kind station.Kind, shardID string) (int, error) {
	obs := a.takePending(kind, shardID)
	if len(obs) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		a.requeue(kind, shardID, obs)
		return 0, err
	}

	started := time.Now()
	byKey := make(map[station.Key][]Observation)
	keys := make([]station.Key, 0, len(obs))
	for _, o := range obs {
		if _, seen := byKey[o.Key]; !seen {
			keys = append(keys, o.Key)
		}
		// Drained order is preserved within a key for last-seen tie-breaking.
		byKey[o.Key] = append(byKey[o.Key], o)
	}

	blocked := 0
	err := a.stations.UpsertShardBatch(kind, shardID, keys,
		func(key station.Key, prior stationstore.Record, found bool) stationstore.Record {
			rec, newlyBlocked := a.foldStation(key, prior, byKey[key])
			if newlyBlocked {
				blocked++
			}
			return rec
		})
	latency := time.Since(started)
	if a.tracker != nil {
		a.tracker.RecordShardRun(string(kind), shardID, len(obs), latency, err != nil)
	}
	if err != nil {
		a.requeue(kind, shardID, obs)
		return 0, fmt.Errorf("aggregator: shard %s/%s: %w", kind, shardID, err)
	}
	if blocked > 0 && a.tracker != nil {
		a.tracker.AddMobilityBlocked(blocked)
	}
	return len(obs), nil
}

// foldStation merges one key's observations into its record. The estimate
// fold is commutative; bounding box, sample count, and last-seen are
// order-independent by construction (min/max/sum).
func (a *Aggregator) foldStation(key station.Key, rec stationstore.Record, obs []Observation) (stationstore.Record, bool) {
	for _, o := range obs {
		rec.Samples++
		if rec.FirstSeen.IsZero() || o.At.Before(rec.FirstSeen) {
			rec.FirstSeen = o.At
		}
		if o.At.After(rec.LastSeen) {
			rec.LastSeen = o.At
		}
		if !o.HasPosition {
			continue
		}
		est := a.merge(estimator.Estimate{
			Lat: rec.Lat, Lon: rec.Lon, AccuracyM: rec.AccuracyM, Weight: rec.Weight,
		}, estimator.Observation{
			Lat: o.Lat, Lon: o.Lon, AccuracyM: o.AccuracyM, SignalDBM: o.SignalDBM,
		})
		rec.Lat, rec.Lon, rec.AccuracyM, rec.Weight = est.Lat, est.Lon, est.AccuracyM, est.Weight
		rec = growObservedBox(rec, o.Lat, o.Lon)
	}

	newlyBlocked := false
	if !rec.Blocked {
		span := rec.ObservedSpanM(estimator.DistanceM)
		if span > a.cfg.MobilityThresholdM {
			rec.Blocked = true
			rec.BlockReason = fmt.Sprintf("observed span %.0f m exceeds mobility threshold", span)
			rec.BlockedAt = rec.LastSeen
			newlyBlocked = true
		}
	}

	if rec.HasPosition() {
		rec.GridArea = a.gridAreaFor(rec.Lat, rec.Lon)
		if a.countryFor != nil {
			rec.Country = a.countryFor(rec.Lat, rec.Lon)
		}
		if key.Kind == station.KindCell {
			rec.CellArea = station.CellAreaID(key.ID)
		}
	}
	return rec, newlyBlocked
}

func growObservedBox(rec stationstore.Record, lat, lon float64) stationstore.Record {
	// All-zero means the box was never seeded; an exact 0,0 fix is treated
	// as unseeded, which only costs one extra grow on the null island.
	if rec.MinLat == 0 && rec.MaxLat == 0 && rec.MinLon == 0 && rec.MaxLon == 0 {
		rec.MinLat, rec.MaxLat = lat, lat
		rec.MinLon, rec.MaxLon = lon, lon
		return rec
	}
	if lat < rec.MinLat {
		rec.MinLat = lat
	}
	if lat > rec.MaxLat {
		rec.MaxLat = lat
	}
	if lon < rec.MinLon {
		rec.MinLon = lon
	}
	if lon > rec.MaxLon {
		rec.MaxLon = lon
	}
	return rec
}

func (a *Aggregator) gridAreaFor(lat, lon float64) string {
	cell, err := h3.LatLngToCell(h3.NewLatLng(lat, lon), a.cfg.GridResolution)
	if err != nil {
		return ""
	}
	return cell.String()
}
