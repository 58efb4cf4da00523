package sched

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"

	"radiolocate/station"
)

// Cadence carries the firing intervals for the background jobs.
type Cadence struct {
	Drain   time.Duration
	Shards  time.Duration
	Areas   time.Duration
	Monitor time.Duration
}

// areaKinds are the materialized view kinds the area sweep covers.
var areaKinds = []string{"grid", "cellarea", "country"}

// Scheduler wraps gocron around a Runner. Overlap protection comes from
// the Runner's per-key guard, so a slow job simply makes the next firing
// a no-op instead of stacking invocations.
type Scheduler struct {
	scheduler *gocron.Scheduler
	runner    *Runner
	cadence   Cadence
}

// NewScheduler builds the job schedule without starting it.
func NewScheduler(runner *Runner, cadence Cadence) *Scheduler {
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		runner:    runner,
		cadence:   cadence,
	}
}

// Start registers all jobs and starts the scheduler asynchronously.
// Shard jobs are staggered across kinds so the per-shard batches do not
// all land on the same tick.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.scheduler.Every(int(s.cadence.Drain.Seconds())).Seconds().Do(func() {
		logOutcome(s.runner.DrainQueue(ctx))
	}); err != nil {
		return err
	}

	for i, kind := range station.Kinds {
		kind := kind
		// One job per kind walks that kind's shards sequentially; the
		// offset spreads kinds across the interval.
		interval := s.cadence.Shards + time.Duration(i)*2*time.Second
		if _, err := s.scheduler.Every(int(interval.Seconds())).Seconds().Do(func() {
			for _, shardID := range station.Shards(kind) {
				logOutcome(s.runner.AggregateShard(ctx, kind, shardID))
			}
		}); err != nil {
			return err
		}
	}

	if _, err := s.scheduler.Every(int(s.cadence.Areas.Seconds())).Seconds().Do(func() {
		for _, areaKind := range areaKinds {
			logOutcome(s.runner.RecomputeAreas(ctx, areaKind))
		}
	}); err != nil {
		return err
	}

	if _, err := s.scheduler.Every(int(s.cadence.Monitor.Seconds())).Seconds().Do(func() {
		logOutcome(s.runner.EmitMetrics(ctx))
	}); err != nil {
		return err
	}

	s.scheduler.StartAsync()
	return nil
}

// Stop stops the scheduler and cancels any future firings.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
