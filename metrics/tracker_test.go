package metrics

import (
	"testing"
	"time"
)

func TestSnapshotCopiesCounters(t *testing.T) {
	tr := NewTracker()
	tr.AddAccepted(5)
	tr.AddShed(2)
	tr.AddMalformed(1)
	tr.AddStaleDropped(3)
	tr.SetQueueDepth(42)
	tr.IncrementLocate("wifi", LocateHit)
	tr.IncrementLocate("wifi", LocateHit)
	tr.IncrementLocate("country", LocateFallback)
	tr.RecordShardRun("wifi", "a", 10, 5*time.Millisecond, false)
	tr.RecordShardRun("wifi", "b", 0, 0, true)

	snap := tr.TakeSnapshot()
	if snap.ReportsAccepted != 5 || snap.ReportsShed != 2 || snap.ReportsMalformed != 1 {
		t.Errorf("report counters wrong: %+v", snap)
	}
	if snap.StaleDropped != 3 {
		t.Errorf("stale = %d, want 3", snap.StaleDropped)
	}
	if snap.QueueDepth != 42 {
		t.Errorf("queue depth = %d, want 42", snap.QueueDepth)
	}
	if snap.Locate["wifi|hit"] != 2 {
		t.Errorf("wifi hits = %d, want 2", snap.Locate["wifi|hit"])
	}
	if snap.Locate["country|fallback"] != 1 {
		t.Errorf("country fallbacks = %d, want 1", snap.Locate["country|fallback"])
	}
	if snap.ShardFailures != 1 {
		t.Errorf("shard failures = %d, want 1", snap.ShardFailures)
	}
}

func TestFormatLocateLineStableOrder(t *testing.T) {
	counts := map[string]uint64{"wifi|hit": 2, "cell|miss": 1}
	line := formatLocateLine(counts)
	if line != "cell|miss=1 wifi|hit=2" {
		t.Errorf("line = %q", line)
	}
	if formatLocateLine(nil) != "" {
		t.Error("empty counts should produce empty line")
	}
}
