// Package sched drives the pipeline's background jobs: queue drain,
// per-shard aggregation, area recomputation, and the monitoring summary.
// Each job key has at most one invocation in flight; a scheduled firing
// that finds its key busy is a no-op rather than a queued duplicate.
package sched

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"radiolocate/aggregator"
	"radiolocate/areastore"
	"radiolocate/dedup"
	"radiolocate/metrics"
	"radiolocate/queue"
	"radiolocate/station"
	"radiolocate/stationstore"
)

// Config carries the drain and expiry policy. Zero values get defaults.
type Config struct {
	MaxBatchSize int
	MaxAge       time.Duration
	JobExpiry    time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 1000
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 6 * time.Hour
	}
	if c.JobExpiry <= 0 {
		c.JobExpiry = 30 * time.Second
	}
	return c
}

// Outcome summarizes one job invocation for logs and tests.
type Outcome struct {
	Job     string
	Skipped bool
	Applied int
	Err     error
}

// Runner owns the job entry points. It is safe to fire the same entry
// point from multiple goroutines; the per-key guard serializes them.
type Runner struct {
	queue    *queue.Queue
	agg      *aggregator.Aggregator
	stations *stationstore.Store
	areas    *areastore.Store
	cache    *dedup.Cache
	tracker  *metrics.Tracker
	cfg      Config

	now func() time.Time

	inflight sync.Map // job key -> struct{}
}

// NewRunner wires the job entry points. now is injectable for tests and
// defaults to time.Now.
func NewRunner(q *queue.Queue, agg *aggregator.Aggregator, stations *stationstore.Store,
	areas *areastore.Store, cache *dedup.Cache, tracker *metrics.Tracker,
	cfg Config, now func() time.Time) *Runner {
	if now == nil {
		now = time.Now
	}
	return &Runner{
		queue:    q,
		agg:      agg,
		stations: stations,
		areas:    areas,
		cache:    cache,
		tracker:  tracker,
		cfg:      cfg.withDefaults(),
		now:      now,
	}
}

// acquire claims a job key. Returns false when an invocation for the same
// key is already in flight.
func (r *Runner) acquire(key string) bool {
	_, loaded := r.inflight.LoadOrStore(key, struct{}{})
	return !loaded
}

func (r *Runner) release(key string) {
	r.inflight.Delete(key)
}

// DrainQueue pops the oldest batch and hands it to the aggregator's
// dispatch stage. Stale entries are dropped by the queue and surface only
// as a counter.
func (r *Runner) DrainQueue(ctx context.Context) Outcome {
	const key = "drain"
	if !r.acquire(key) {
		return Outcome{Job: key, Skipped: true}
	}
	defer r.release(key)

	ctx, cancel := context.WithTimeout(ctx, r.cfg.JobExpiry)
	defer cancel()

	entries, stale, err := r.queue.PopBatch(r.cfg.MaxBatchSize, r.cfg.MaxAge, r.now())
	if err != nil {
		return Outcome{Job: key, Err: fmt.Errorf("sched: drain: %w", err)}
	}
	if stale > 0 && r.tracker != nil {
		r.tracker.AddStaleDropped(stale)
	}
	if r.tracker != nil {
		r.tracker.SetQueueDepth(r.queue.Depth())
	}
	if len(entries) == 0 {
		return Outcome{Job: key}
	}
	if err := ctx.Err(); err != nil {
		return Outcome{Job: key, Err: err}
	}
	stats := r.agg.Dispatch(entries)
	return Outcome{Job: key, Applied: stats.Reports}
}

// AggregateShard folds one shard's pending observations into the station
// store under the job expiry deadline.
func (r *Runner) AggregateShard(ctx context.Context, kind station.Kind, shardID string) Outcome {
	key := "agg/" + string(kind) + "/" + shardID
	if !r.acquire(key) {
		return Outcome{Job: key, Skipped: true}
	}
	defer r.release(key)

	ctx, cancel := context.WithTimeout(ctx, r.cfg.JobExpiry)
	defer cancel()

	applied, err := r.agg.AggregateShard(ctx, kind, shardID)
	return Outcome{Job: key, Applied: applied, Err: err}
}

// RecomputeAreas sweeps every known area of one kind ("grid", "cellarea",
// "country") and recomputes its record from current station contents.
// Idempotent: a sweep with no station changes rewrites identical records.
func (r *Runner) RecomputeAreas(ctx context.Context, areaKind string) Outcome {
	key := "areas/" + areaKind
	if !r.acquire(key) {
		return Outcome{Job: key, Skipped: true}
	}
	defer r.release(key)

	ctx, cancel := context.WithTimeout(ctx, r.cfg.JobExpiry)
	defer cancel()

	areaIDs, err := r.stations.Areas(areaKind + ":")
	if err != nil {
		return Outcome{Job: key, Err: fmt.Errorf("sched: enumerate areas: %w", err)}
	}
	recomputed := 0
	for _, areaID := range areaIDs {
		if err := ctx.Err(); err != nil {
			// Deadline mid-sweep: what recomputed so far is already
			// durable, the rest waits for the next firing.
			return Outcome{Job: key, Applied: recomputed, Err: err}
		}
		if _, err := r.areas.Recompute(r.stations, areaID, r.now()); err != nil {
			return Outcome{Job: key, Applied: recomputed, Err: fmt.Errorf("sched: recompute %s: %w", areaID, err)}
		}
		recomputed++
	}
	return Outcome{Job: key, Applied: recomputed}
}

// EmitMetrics logs the periodic pipeline summary and sweeps the dedup
// cache so its memory tracks the suppression window.
func (r *Runner) EmitMetrics(ctx context.Context) Outcome {
	const key = "monitor"
	if !r.acquire(key) {
		return Outcome{Job: key, Skipped: true}
	}
	defer r.release(key)

	if r.tracker != nil {
		r.tracker.SetQueueDepth(r.queue.Depth())
		r.tracker.LogSummary()
	}
	swept := 0
	if r.cache != nil {
		swept = r.cache.Sweep(r.now())
	}
	return Outcome{Job: key, Applied: swept}
}

// logOutcome reports failed or unusually large runs. Quiet runs stay out
// of the log.
func logOutcome(o Outcome) {
	if o.Err != nil {
		log.Printf("Job %s failed: %v", o.Job, o.Err)
		return
	}
	if o.Skipped {
		return
	}
	if strings.HasPrefix(o.Job, "areas/") && o.Applied > 0 {
		log.Printf("Job %s recomputed %d areas", o.Job, o.Applied)
	}
}
