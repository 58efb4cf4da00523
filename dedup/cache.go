// Package dedup implements a shard-locked cache of recently seen report
// checksums. The aggregator consults it before folding a report so exact
// duplicate resubmissions within the window cannot double-count sample
// weight, which is what makes at-least-once queue delivery safe.
package dedup

import (
	"sync"
	"time"
)

// shardCount must remain a power of two so shard selection is a bit mask.
const shardCount = 64

// Cache suppresses duplicate report checksums within a time window.
// A zero or negative window disables suppression while keeping the
// pipeline topology intact.
type Cache struct {
	window time.Duration
	shards []cacheShard
}

// cacheShard guards its slice of the checksum map with its own lock so
// concurrent drains do not fight over a single mutex.
type cacheShard struct {
	mu             sync.Mutex
	seen           map[uint64]time.Time
	processedCount uint64
	duplicateCount uint64
}

// NewCache creates a dedup cache with the given suppression window.
func NewCache(window time.Duration) *Cache {
	shards := make([]cacheShard, shardCount)
	for i := range shards {
		shards[i].seen = make(map[uint64]time.Time)
	}
	return &Cache{window: window, shards: shards}
}

// Seen records the checksum and reports whether it was already present
// within the window. The first caller for a checksum gets false; every
// duplicate within the window gets true.
func (c *Cache) Seen(checksum uint64, at time.Time) bool {
	if c == nil {
		return false
	}
	shard := &c.shards[checksum&(shardCount-1)]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	shard.processedCount++
	if c.window > 0 {
		if last, ok := shard.seen[checksum]; ok {
			age := at.Sub(last)
			if age < 0 {
				age = -age
			}
			if age < c.window {
				shard.duplicateCount++
				return true
			}
		}
	}
	shard.seen[checksum] = at
	return false
}

// Sweep drops entries older than the window so the footprint stays bounded.
// Called from the scheduled monitoring pass; returns how many were removed.
func (c *Cache) Sweep(now time.Time) int {
	if c == nil || c.window <= 0 {
		return 0
	}
	removed := 0
	for i := range c.shards {
		shard := &c.shards[i]
		shard.mu.Lock()
		for checksum, last := range shard.seen {
			if now.Sub(last) > c.window {
				delete(shard.seen, checksum)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// Stats returns processed and duplicate totals plus the live entry count.
func (c *Cache) Stats() (processed, duplicates uint64, entries int) {
	if c == nil {
		return 0, 0, 0
	}
	for i := range c.shards {
		shard := &c.shards[i]
		shard.mu.Lock()
		processed += shard.processedCount
		duplicates += shard.duplicateCount
		entries += len(shard.seen)
		shard.mu.Unlock()
	}
	return processed, duplicates, entries
}
