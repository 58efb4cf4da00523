package queue

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"radiolocate/report"
	"radiolocate/station"
)

func openTestQueue(t *testing.T, highWater int) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "incoming.db"), Options{HighWaterMark: highWater})
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func testReport(ts time.Time, mac string) report.Report {
	return report.Report{
		ReportID:  "r-" + mac,
		Timestamp: ts,
		Position:  &report.Position{Lat: 46.05, Lon: 14.5, AccuracyM: 25},
		Sightings: []report.Sighting{{Kind: station.KindWifi, ID: mac, SignalDBM: -60}},
	}
}

func TestSubmitAndPopFIFO(t *testing.T) {
	q := openTestQueue(t, 100)
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

	batch := []report.Report{
		testReport(now, "aabbccddee01"),
		testReport(now, "aabbccddee02"),
		testReport(now, "aabbccddee03"),
	}
	accepted, err := q.Submit(batch, now)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if accepted != 3 {
		t.Fatalf("accepted = %d, want 3", accepted)
	}
	if q.Depth() != 3 {
		t.Errorf("depth = %d, want 3", q.Depth())
	}

	entries, stale, err := q.PopBatch(2, time.Hour, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if stale != 0 {
		t.Errorf("stale = %d, want 0", stale)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Report.ReportID != "r-aabbccddee01" || entries[1].Report.ReportID != "r-aabbccddee02" {
		t.Errorf("pop order wrong: %s, %s", entries[0].Report.ReportID, entries[1].Report.ReportID)
	}
	if q.Depth() != 1 {
		t.Errorf("depth after pop = %d, want 1", q.Depth())
	}
}

func TestBackpressureShedsExcess(t *testing.T) {
	q := openTestQueue(t, 2)
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

	batch := []report.Report{
		testReport(now, "aabbccddee01"),
		testReport(now, "aabbccddee02"),
		testReport(now, "aabbccddee03"),
	}
	accepted, err := q.Submit(batch, now)
	if !errors.Is(err, ErrShed) {
		t.Fatalf("expected ErrShed, got %v", err)
	}
	if accepted != 2 {
		t.Errorf("accepted = %d, want 2", accepted)
	}
	if q.Depth() != 2 {
		t.Errorf("depth = %d, want high-water mark 2", q.Depth())
	}

	// Queue is full: nothing more gets in.
	accepted, err = q.Submit([]report.Report{testReport(now, "aabbccddee04")}, now)
	if !errors.Is(err, ErrShed) || accepted != 0 {
		t.Errorf("full queue: accepted=%d err=%v, want 0/ErrShed", accepted, err)
	}
}

func TestConcurrentSubmitHonorsHighWater(t *testing.T) {
	q := openTestQueue(t, 10)
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	var accepted atomic.Int64
	for g := 0; g < 4; g++ {
		batch := make([]report.Report, 5)
		for i := range batch {
			batch[i] = testReport(now, fmt.Sprintf("aabbccdd%02x%02x", g, i))
		}
		wg.Add(1)
		go func(batch []report.Report) {
			defer wg.Done()
			n, err := q.Submit(batch, now)
			if err != nil && !errors.Is(err, ErrShed) {
				t.Errorf("submit: %v", err)
			}
			accepted.Add(int64(n))
		}(batch)
	}
	wg.Wait()

	if depth := q.Depth(); depth > 10 {
		t.Errorf("depth = %d crossed high-water mark 10", depth)
	}
	if got := accepted.Load(); got != q.Depth() {
		t.Errorf("accepted total = %d, depth = %d", got, q.Depth())
	}
}

func TestStaleEntriesDroppedNotReturned(t *testing.T) {
	q := openTestQueue(t, 100)
	old := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	now := old.Add(10 * time.Hour)

	if _, err := q.Submit([]report.Report{testReport(old, "aabbccddee01")}, old); err != nil {
		t.Fatalf("submit old: %v", err)
	}
	if _, err := q.Submit([]report.Report{testReport(now, "aabbccddee02")}, now); err != nil {
		t.Fatalf("submit fresh: %v", err)
	}

	entries, stale, err := q.PopBatch(10, 6*time.Hour, now)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if stale != 1 {
		t.Errorf("stale = %d, want 1", stale)
	}
	if len(entries) != 1 || entries[0].Report.ReportID != "r-aabbccddee02" {
		t.Errorf("expected only the fresh entry, got %+v", entries)
	}
	if q.StaleDropped() != 1 {
		t.Errorf("stale counter = %d, want 1", q.StaleDropped())
	}
	if q.Depth() != 0 {
		t.Errorf("depth = %d, want 0", q.Depth())
	}
}

func TestPopPreservesChecksumAndPayload(t *testing.T) {
	q := openTestQueue(t, 100)
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

	r := testReport(now, "aabbccddee01")
	want := report.Checksum(r)
	if _, err := q.Submit([]report.Report{r}, now); err != nil {
		t.Fatalf("submit: %v", err)
	}
	entries, _, err := q.PopBatch(1, time.Hour, now)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	got := entries[0]
	if got.Checksum != want {
		t.Errorf("checksum = %d, want %d", got.Checksum, want)
	}
	if got.Report.Position == nil || got.Report.Position.Lat != 46.05 {
		t.Errorf("payload position lost: %+v", got.Report.Position)
	}
	if got.ShardHint == "" {
		t.Error("expected a shard hint")
	}
}

func TestDepthSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "incoming.db")
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

	q, err := Open(path, Options{HighWaterMark: 10})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := q.Submit([]report.Report{testReport(now, "aabbccddee01")}, now); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path, Options{HighWaterMark: 10})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if reopened.Depth() != 1 {
		t.Errorf("depth after reopen = %d, want 1", reopened.Depth())
	}
}
