package sched

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"radiolocate/aggregator"
	"radiolocate/areastore"
	"radiolocate/dedup"
	"radiolocate/metrics"
	"radiolocate/queue"
	"radiolocate/report"
	"radiolocate/station"
	"radiolocate/stationstore"
)

type testPipeline struct {
	runner   *Runner
	queue    *queue.Queue
	stations *stationstore.Store
	areas    *areastore.Store
	tracker  *metrics.Tracker
}

func newTestPipeline(t *testing.T, now func() time.Time) *testPipeline {
	t.Helper()
	dir := t.TempDir()

	stations, err := stationstore.Open(filepath.Join(dir, "stations"), stationstore.Options{})
	if err != nil {
		t.Fatalf("open station store: %v", err)
	}
	t.Cleanup(func() { stations.Close() })

	areas, err := areastore.Open(filepath.Join(dir, "areas"))
	if err != nil {
		t.Fatalf("open area store: %v", err)
	}
	t.Cleanup(func() { areas.Close() })

	q, err := queue.Open(filepath.Join(dir, "queue.db"), queue.Options{})
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	tracker := metrics.NewTracker()
	cache := dedup.NewCache(time.Hour)
	agg := aggregator.New(stations, cache, nil, tracker, nil, aggregator.Config{})
	runner := NewRunner(q, agg, stations, areas, cache, tracker, Config{
		MaxBatchSize: 100,
		MaxAge:       time.Hour,
	}, now)
	return &testPipeline{runner: runner, queue: q, stations: stations, areas: areas, tracker: tracker}
}

func TestDrainAggregateRecomputeRoundTrip(t *testing.T) {
	base := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	p := newTestPipeline(t, func() time.Time { return base })

	r := report.New(base.Add(-time.Minute),
		&report.Position{Lat: 46.05, Lon: 14.50, AccuracyM: 100},
		[]report.Sighting{{Kind: station.KindCell, ID: "gsm:293:41:500:900", SignalDBM: -75}})
	if _, err := p.queue.Submit([]report.Report{r}, base); err != nil {
		t.Fatalf("submit: %v", err)
	}

	drain := p.runner.DrainQueue(context.Background())
	if drain.Err != nil || drain.Applied != 1 {
		t.Fatalf("drain outcome = %+v, want 1 report", drain)
	}
	if depth := p.queue.Depth(); depth != 0 {
		t.Errorf("queue depth after drain = %d, want 0", depth)
	}

	key, _ := station.MakeKey(station.KindCell, "gsm:293:41:500:900")
	agg := p.runner.AggregateShard(context.Background(), station.KindCell, key.ShardID())
	if agg.Err != nil || agg.Applied != 1 {
		t.Fatalf("aggregate outcome = %+v, want 1 applied", agg)
	}

	sweep := p.runner.RecomputeAreas(context.Background(), "cellarea")
	if sweep.Err != nil || sweep.Applied == 0 {
		t.Fatalf("area sweep outcome = %+v, want at least one recompute", sweep)
	}
	rec, found, err := p.areas.Get("cellarea:gsm:293:41:500")
	if err != nil || !found {
		t.Fatalf("area record missing: found=%v err=%v", found, err)
	}
	if rec.Stations != 1 || rec.Observations != 1 {
		t.Errorf("area record = %+v, want one station with one observation", rec)
	}
}

func TestRecomputeIsIdempotent(t *testing.T) {
	base := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	p := newTestPipeline(t, func() time.Time { return base })

	r := report.New(base.Add(-time.Minute),
		&report.Position{Lat: 46.05, Lon: 14.50, AccuracyM: 100},
		[]report.Sighting{{Kind: station.KindCell, ID: "gsm:293:41:500:901", SignalDBM: -75}})
	if _, err := p.queue.Submit([]report.Report{r}, base); err != nil {
		t.Fatalf("submit: %v", err)
	}
	p.runner.DrainQueue(context.Background())
	key, _ := station.MakeKey(station.KindCell, "gsm:293:41:500:901")
	p.runner.AggregateShard(context.Background(), station.KindCell, key.ShardID())

	p.runner.RecomputeAreas(context.Background(), "cellarea")
	first, _, err := p.areas.Get("cellarea:gsm:293:41:500")
	if err != nil {
		t.Fatalf("get after first sweep: %v", err)
	}
	p.runner.RecomputeAreas(context.Background(), "cellarea")
	second, _, err := p.areas.Get("cellarea:gsm:293:41:500")
	if err != nil {
		t.Fatalf("get after second sweep: %v", err)
	}
	if first != second {
		t.Errorf("repeated recompute changed the record:\n first=%+v\nsecond=%+v", first, second)
	}
}

func TestInFlightJobIsSkippedNotQueued(t *testing.T) {
	base := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	p := newTestPipeline(t, func() time.Time { return base })

	p.runner.inflight.Store("drain", struct{}{})
	if got := p.runner.DrainQueue(context.Background()); !got.Skipped {
		t.Errorf("drain outcome = %+v, want skipped while in flight", got)
	}
	p.runner.inflight.Delete("drain")
	if got := p.runner.DrainQueue(context.Background()); got.Skipped {
		t.Errorf("drain outcome = %+v, want run after release", got)
	}

	p.runner.inflight.Store("agg/wifi/0", struct{}{})
	if got := p.runner.AggregateShard(context.Background(), station.KindWifi, "0"); !got.Skipped {
		t.Errorf("aggregate outcome = %+v, want skipped while in flight", got)
	}
	// Other shards of the same kind are independent keys.
	if got := p.runner.AggregateShard(context.Background(), station.KindWifi, "1"); got.Skipped {
		t.Errorf("aggregate outcome = %+v, shard 1 blocked by shard 0", got)
	}
}

func TestStaleEntriesCountedNotAggregated(t *testing.T) {
	base := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	now := base
	p := newTestPipeline(t, func() time.Time { return now })

	r := report.New(base.Add(-time.Minute),
		&report.Position{Lat: 46.05, Lon: 14.50, AccuracyM: 100},
		[]report.Sighting{{Kind: station.KindWifi, ID: "aa:bb:cc:dd:ee:10", SignalDBM: -60}})
	if _, err := p.queue.Submit([]report.Report{r}, base); err != nil {
		t.Fatalf("submit: %v", err)
	}

	now = base.Add(2 * time.Hour) // past the 1h MaxAge
	drain := p.runner.DrainQueue(context.Background())
	if drain.Err != nil || drain.Applied != 0 {
		t.Fatalf("drain outcome = %+v, want nothing applied", drain)
	}
	if got := p.tracker.TakeSnapshot().StaleDropped; got != 1 {
		t.Errorf("stale dropped = %d, want 1", got)
	}
}

func TestEmitMetricsSweepsDedupCache(t *testing.T) {
	base := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	now := base
	p := newTestPipeline(t, func() time.Time { return now })

	cache := dedup.NewCache(time.Minute)
	p.runner.cache = cache
	cache.Seen(42, base)

	now = base.Add(time.Hour)
	outcome := p.runner.EmitMetrics(context.Background())
	if outcome.Err != nil || outcome.Applied != 1 {
		t.Errorf("monitor outcome = %+v, want one swept entry", outcome)
	}
}
