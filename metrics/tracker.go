// Package metrics tracks pipeline and query counters for the periodic
// monitoring job. Counters live in sync.Map + atomic values so hot-path
// increments never contend on a mutex.
package metrics

import (
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// LocateOutcome classifies one locate query for per-kind rate tracking.
type LocateOutcome string

const (
	LocateHit      LocateOutcome = "hit"
	LocateFallback LocateOutcome = "fallback"
	LocateMiss     LocateOutcome = "miss"
)

// Tracker is the shared counter sink for the ingest pipeline, the
// aggregator, and the locate engine.
type Tracker struct {
	start atomic.Int64

	reportsAccepted  atomic.Uint64
	reportsShed      atomic.Uint64
	reportsMalformed atomic.Uint64
	reportsDuplicate atomic.Uint64
	sightingsDropped atomic.Uint64
	staleDropped     atomic.Uint64
	mobilityBlocked  atomic.Uint64

	queueDepth atomic.Int64

	locateCounts sync.Map // "kind|outcome" -> *atomic.Uint64

	shardMu     sync.Mutex
	shardStats  map[string]*shardStat // "kind/shard"
	shardFailed map[string]uint64
}

type shardStat struct {
	runs        uint64
	lastBatch   int
	lastLatency time.Duration
	maxLatency  time.Duration
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	t := &Tracker{
		shardStats:  make(map[string]*shardStat),
		shardFailed: make(map[string]uint64),
	}
	t.start.Store(time.Now().UnixNano())
	return t
}

func (t *Tracker) AddAccepted(n int)         { t.reportsAccepted.Add(uint64(n)) }
func (t *Tracker) AddShed(n int)             { t.reportsShed.Add(uint64(n)) }
func (t *Tracker) AddMalformed(n int)        { t.reportsMalformed.Add(uint64(n)) }
func (t *Tracker) AddDuplicate(n int)        { t.reportsDuplicate.Add(uint64(n)) }
func (t *Tracker) AddSightingsDropped(n int) { t.sightingsDropped.Add(uint64(n)) }
func (t *Tracker) AddStaleDropped(n int)     { t.staleDropped.Add(uint64(n)) }
func (t *Tracker) AddMobilityBlocked(n int)  { t.mobilityBlocked.Add(uint64(n)) }

// SetQueueDepth records the latest backlog size gauge.
func (t *Tracker) SetQueueDepth(depth int64) { t.queueDepth.Store(depth) }

// IncrementLocate counts one locate query outcome for a source kind
// ("wifi", "bluetooth", "cell", "cellarea", "country", "none").
func (t *Tracker) IncrementLocate(kind string, outcome LocateOutcome) {
	key := kind + "|" + string(outcome)
	value, _ := t.locateCounts.LoadOrStore(key, &atomic.Uint64{})
	value.(*atomic.Uint64).Add(1)
}

// LocateCounts returns a copy of the per-kind locate outcome counters.
func (t *Tracker) LocateCounts() map[string]uint64 {
	counts := make(map[string]uint64)
	t.locateCounts.Range(func(key, value any) bool {
		counts[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return counts
}

// RecordShardRun records one per-shard aggregation pass.
func (t *Tracker) RecordShardRun(kind, shardID string, batch int, latency time.Duration, failed bool) {
	key := kind + "/" + shardID
	t.shardMu.Lock()
	defer t.shardMu.Unlock()
	if failed {
		t.shardFailed[key]++
		return
	}
	stat := t.shardStats[key]
	if stat == nil {
		stat = &shardStat{}
		t.shardStats[key] = stat
	}
	stat.runs++
	stat.lastBatch = batch
	stat.lastLatency = latency
	if latency > stat.maxLatency {
		stat.maxLatency = latency
	}
}

// Snapshot is a consistent copy of the counters for logging or assertions.
type Snapshot struct {
	Uptime           time.Duration
	ReportsAccepted  uint64
	ReportsShed      uint64
	ReportsMalformed uint64
	ReportsDuplicate uint64
	SightingsDropped uint64
	StaleDropped     uint64
	MobilityBlocked  uint64
	QueueDepth       int64
	ShardFailures    uint64
	Locate           map[string]uint64
}

// TakeSnapshot copies all counters.
func (t *Tracker) TakeSnapshot() Snapshot {
	snap := Snapshot{
		Uptime:           time.Since(time.Unix(0, t.start.Load())),
		ReportsAccepted:  t.reportsAccepted.Load(),
		ReportsShed:      t.reportsShed.Load(),
		ReportsMalformed: t.reportsMalformed.Load(),
		ReportsDuplicate: t.reportsDuplicate.Load(),
		SightingsDropped: t.sightingsDropped.Load(),
		StaleDropped:     t.staleDropped.Load(),
		MobilityBlocked:  t.mobilityBlocked.Load(),
		QueueDepth:       t.queueDepth.Load(),
		Locate:           t.LocateCounts(),
	}
	t.shardMu.Lock()
	for _, n := range t.shardFailed {
		snap.ShardFailures += n
	}
	t.shardMu.Unlock()
	return snap
}

// LogSummary writes one multi-line counter summary via the standard logger.
// Invoked by the scheduled monitoring job.
func (t *Tracker) LogSummary() {
	snap := t.TakeSnapshot()
	log.Printf("metrics: up %s | queue depth %s | accepted %s shed %s malformed %s dup %s stale %s",
		snap.Uptime.Truncate(time.Second),
		humanize.Comma(snap.QueueDepth),
		humanize.Comma(int64(snap.ReportsAccepted)),
		humanize.Comma(int64(snap.ReportsShed)),
		humanize.Comma(int64(snap.ReportsMalformed)),
		humanize.Comma(int64(snap.ReportsDuplicate)),
		humanize.Comma(int64(snap.StaleDropped)))
	if snap.MobilityBlocked > 0 || snap.ShardFailures > 0 {
		log.Printf("metrics: mobility blocked %d | shard failures %d", snap.MobilityBlocked, snap.ShardFailures)
	}
	if line := formatLocateLine(snap.Locate); line != "" {
		log.Printf("metrics: locate %s", line)
	}
}

func formatLocateLine(counts map[string]uint64) string {
	if len(counts) == 0 {
		return ""
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+humanize.Comma(int64(counts[k])))
	}
	return strings.Join(parts, " ")
}
