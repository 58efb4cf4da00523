// Package locate fuses a client's currently observed stations into one
// position estimate. Sources are consulted in descending precision order:
// wifi, bluetooth, cell, then cell-area records, then the geo-IP country
// centroid. The first source that yields a confident cluster wins; lower
// precision sources never dilute a higher precision answer.
package locate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"radiolocate/areastore"
	"radiolocate/estimator"
	"radiolocate/geoip"
	"radiolocate/metrics"
	"radiolocate/report"
	"radiolocate/station"
	"radiolocate/stationstore"
)

// ErrNotFound reports a locate miss. A miss is an expected outcome for
// unknown stations, not a failure of the engine.
var ErrNotFound = errors.New("locate: position not found")

// Source names what produced a result, for callers and rate metrics.
type Source string

const (
	SourceWifi      Source = "wifi"
	SourceBluetooth Source = "bluetooth"
	SourceCell      Source = "cell"
	SourceCellArea  Source = "cellarea"
	SourceGeoIP     Source = "geoip"
)

// Query is one locate request: the stations the client currently observes
// plus an optional client network address for the country fallback.
type Query struct {
	Sightings  []report.Sighting
	ClientAddr string
}

// Result is the fused position. Fallback marks results produced below
// station precision (cell-area or geo-IP).
type Result struct {
	Lat       float64
	Lon       float64
	AccuracyM float64
	Source    Source
	Fallback  bool
	Stations  int
}

// Config carries the clustering policy. Zero values get defaults.
type Config struct {
	// ClusterToleranceM is the maximum distance between a record and an
	// existing cluster member for the record to join that cluster.
	ClusterToleranceM map[station.Kind]float64
	// MinStations is the cluster size a kind needs before its answer is
	// trusted. A single wifi record is too easy to poison.
	MinStations map[station.Kind]int
}

var defaultTolerances = map[station.Kind]float64{
	station.KindWifi:      500,
	station.KindBluetooth: 100,
	station.KindCell:      15_000,
}

var defaultMinStations = map[station.Kind]int{
	station.KindWifi:      2,
	station.KindBluetooth: 2,
	station.KindCell:      1,
}

func (c Config) toleranceFor(kind station.Kind) float64 {
	if v, ok := c.ClusterToleranceM[kind]; ok && v > 0 {
		return v
	}
	return defaultTolerances[kind]
}

func (c Config) minStationsFor(kind station.Kind) int {
	if v, ok := c.MinStations[kind]; ok && v > 0 {
		return v
	}
	return defaultMinStations[kind]
}

// Engine serves read-only locate queries. Safe for concurrent use; it
// never writes to either store.
type Engine struct {
	stations *stationstore.Store
	areas    *areastore.Store
	resolver *geoip.Resolver
	tracker  *metrics.Tracker
	cfg      Config
}

// NewEngine wires a locate engine. areas and resolver may be nil, which
// disables the corresponding fallback tiers.
func NewEngine(stations *stationstore.Store, areas *areastore.Store,
	resolver *geoip.Resolver, tracker *metrics.Tracker, cfg Config) *Engine {
	return &Engine{
		stations: stations,
		areas:    areas,
		resolver: resolver,
		tracker:  tracker,
		cfg:      cfg,
	}
}

// Locate runs the precision-ordered source walk for one query.
func (e *Engine) Locate(ctx context.Context, q Query) (Result, error) {
	byKind := groupSightings(q.Sightings)

	// Station record lookups fan out per kind; kinds are independent
	// until the fallback walk below, so the reads overlap.
	records := make(map[station.Kind][]stationstore.Record, len(station.Kinds))
	var mu sync.Mutex
	var wg sync.WaitGroup
	var lookupErr error
	for _, kind := range station.Kinds {
		keys := byKind[kind]
		if len(keys) == 0 {
			continue
		}
		wg.Add(1)
		go func(kind station.Kind, keys []station.Key) {
			defer wg.Done()
			recs, err := e.fetchRecords(keys)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				lookupErr = err
				return
			}
			records[kind] = recs
		}(kind, keys)
	}
	wg.Wait()
	if lookupErr != nil {
		return Result{}, fmt.Errorf("locate: station lookup: %w", lookupErr)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	kinds := make([]station.Kind, 0, len(records))
	for kind := range records {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool {
		return station.Rank(kinds[i]) < station.Rank(kinds[j])
	})
	for _, kind := range kinds {
		recs := records[kind]
		if len(recs) == 0 {
			continue
		}
		cluster := bestCluster(recs, e.cfg.toleranceFor(kind))
		if len(cluster) < e.cfg.minStationsFor(kind) {
			continue
		}
		result := fuseCluster(cluster)
		result.Source = Source(kind)
		e.count(string(kind), metrics.LocateHit)
		return result, nil
	}

	if result, ok := e.cellAreaFallback(byKind[station.KindCell]); ok {
		e.count(string(SourceCellArea), metrics.LocateFallback)
		return result, nil
	}
	if result, ok := e.geoIPFallback(q.ClientAddr); ok {
		e.count(string(SourceGeoIP), metrics.LocateFallback)
		return result, nil
	}
	e.count("none", metrics.LocateMiss)
	return Result{}, ErrNotFound
}

func (e *Engine) count(kind string, outcome metrics.LocateOutcome) {
	if e.tracker != nil {
		e.tracker.IncrementLocate(kind, outcome)
	}
}

// fetchRecords loads the positioned, non-blocked records for a key set.
// Blocked stations are invisible to queries no matter how fresh they are.
func (e *Engine) fetchRecords(keys []station.Key) ([]stationstore.Record, error) {
	recs := make([]stationstore.Record, 0, len(keys))
	for _, key := range keys {
		rec, found, err := e.stations.Get(key)
		if err != nil {
			return nil, err
		}
		if !found || rec.Blocked || !rec.HasPosition() {
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// cellAreaFallback answers from recomputed cell-area records when no
// individual cell tower matched.
func (e *Engine) cellAreaFallback(keys []station.Key) (Result, bool) {
	if e.areas == nil {
		return Result{}, false
	}
	best := areastore.Record{}
	found := false
	for _, key := range keys {
		areaID := station.CellAreaID(key.ID)
		if areaID == "" {
			continue
		}
		rec, ok, err := e.areas.Get("cellarea:" + areaID)
		if err != nil || !ok || !rec.HasPosition() {
			continue
		}
		if !found || rec.Quality > best.Quality {
			best = rec
			found = true
		}
	}
	if !found {
		return Result{}, false
	}
	return Result{
		Lat:       best.Lat,
		Lon:       best.Lon,
		AccuracyM: best.RadiusM,
		Source:    SourceCellArea,
		Fallback:  true,
		Stations:  int(best.Stations - best.Blocked),
	}, true
}

func (e *Engine) geoIPFallback(clientAddr string) (Result, bool) {
	if e.resolver == nil {
		return Result{}, false
	}
	place, ok := e.resolver.PlaceFor(clientAddr)
	if !ok {
		return Result{}, false
	}
	return Result{
		Lat:       place.Lat,
		Lon:       place.Lon,
		AccuracyM: place.RadiusM,
		Source:    SourceGeoIP,
		Fallback:  true,
	}, true
}

func groupSightings(sightings []report.Sighting) map[station.Kind][]station.Key {
	byKind := make(map[station.Kind][]station.Key)
	seen := make(map[station.Key]bool)
	for _, s := range sightings {
		key, err := station.MakeKey(s.Kind, s.ID)
		if err != nil || seen[key] {
			continue
		}
		seen[key] = true
		byKind[key.Kind] = append(byKind[key.Kind], key)
	}
	return byKind
}

// bestCluster groups records by single-linkage distance and returns the
// winning cluster: largest membership, ties broken by smallest mean
// accuracy, then by first-key order for determinism.
func bestCluster(recs []stationstore.Record, toleranceM float64) []stationstore.Record {
	// Stable input order keeps tie-breaking deterministic across runs.
	sorted := make([]stationstore.Record, len(recs))
	copy(sorted, recs)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Key.ID < sorted[j].Key.ID
	})

	var clusters [][]stationstore.Record
next:
	for _, rec := range sorted {
		for i, cluster := range clusters {
			for _, member := range cluster {
				if estimator.DistanceM(rec.Lat, rec.Lon, member.Lat, member.Lon) <= toleranceM {
					clusters[i] = append(clusters[i], rec)
					continue next
				}
			}
		}
		clusters = append(clusters, []stationstore.Record{rec})
	}

	best := -1
	for i, cluster := range clusters {
		if best < 0 {
			best = i
			continue
		}
		switch {
		case len(cluster) > len(clusters[best]):
			best = i
		case len(cluster) == len(clusters[best]) && meanAccuracy(cluster) < meanAccuracy(clusters[best]):
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	return clusters[best]
}

func meanAccuracy(cluster []stationstore.Record) float64 {
	if len(cluster) == 0 {
		return 0
	}
	sum := 0.0
	for _, rec := range cluster {
		sum += rec.AccuracyM
	}
	return sum / float64(len(cluster))
}

// fuseCluster produces the weighted centroid of a cluster. The returned
// accuracy covers both the cluster spread and every member's own accuracy;
// it never narrows below any member.
func fuseCluster(cluster []stationstore.Record) Result {
	var sumLat, sumLon, sumWeight float64
	for _, rec := range cluster {
		w := rec.Weight
		if w <= 0 {
			w = 1
		}
		sumLat += rec.Lat * w
		sumLon += rec.Lon * w
		sumWeight += w
	}
	lat := sumLat / sumWeight
	lon := sumLon / sumWeight

	accuracy := 0.0
	for _, rec := range cluster {
		if rec.AccuracyM > accuracy {
			accuracy = rec.AccuracyM
		}
		if spread := estimator.DistanceM(lat, lon, rec.Lat, rec.Lon) + rec.AccuracyM; spread > accuracy {
			accuracy = spread
		}
	}
	return Result{
		Lat:       lat,
		Lon:       lon,
		AccuracyM: accuracy,
		Stations:  len(cluster),
	}
}
