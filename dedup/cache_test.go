package dedup

import (
	"testing"
	"time"
)

func TestSeenSuppressesWithinWindow(t *testing.T) {
	cache := NewCache(time.Minute)
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

	if cache.Seen(42, now) {
		t.Fatal("first sighting should not be a duplicate")
	}
	if !cache.Seen(42, now.Add(10*time.Second)) {
		t.Fatal("resubmission within the window should be a duplicate")
	}
	if cache.Seen(43, now) {
		t.Fatal("different checksum should not be a duplicate")
	}
}

func TestSeenExpiresAfterWindow(t *testing.T) {
	cache := NewCache(time.Minute)
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

	cache.Seen(42, now)
	if cache.Seen(42, now.Add(2*time.Minute)) {
		t.Fatal("checksum past the window should be accepted again")
	}
}

func TestZeroWindowDisablesSuppression(t *testing.T) {
	cache := NewCache(0)
	now := time.Now()
	if cache.Seen(42, now) || cache.Seen(42, now) {
		t.Fatal("zero window must never flag duplicates")
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	cache := NewCache(time.Minute)
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

	cache.Seen(1, now)
	cache.Seen(2, now)
	cache.Seen(3, now.Add(50*time.Second))

	removed := cache.Sweep(now.Add(90 * time.Second))
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	_, _, entries := cache.Stats()
	if entries != 1 {
		t.Errorf("entries = %d, want 1", entries)
	}
}

func TestStatsCounts(t *testing.T) {
	cache := NewCache(time.Minute)
	now := time.Now()
	cache.Seen(7, now)
	cache.Seen(7, now)
	processed, duplicates, _ := cache.Stats()
	if processed != 2 || duplicates != 1 {
		t.Errorf("processed=%d duplicates=%d, want 2/1", processed, duplicates)
	}
}
