// Package queue implements the durable incoming report buffer between the
// ingestion boundary and the aggregation pipeline. Reports wait here, oldest
// first, until the scheduled drain pops them in bounded batches. The queue is
// a soft-real-time relay, not a ledger: entries past the staleness bound are
// dropped and counted, and ingestion is told to shed load once the backlog
// crosses the high-water mark.
package queue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"radiolocate/report"
	"radiolocate/sqliteutil"
	"radiolocate/station"
)

// ErrShed tells the ingestion caller to back off. It is an outcome, not a
// failure: the caller decides whether to retry later or drop.
var ErrShed = errors.New("queue: backlog over high-water mark, shedding load")

var errNotInitialized = errors.New("queue: not initialized")

const (
	defaultHighWater    = 50_000
	defaultBusyTimeout  = 5_000
	depthRefreshEntries = 512
)

// Options configures the queue limits.
type Options struct {
	HighWaterMark int // entries; Submit sheds above this
	BusyTimeoutMS int
}

// Entry is one durably queued report awaiting aggregation.
type Entry struct {
	ID         int64
	Report     report.Report
	Checksum   uint64
	EnqueuedAt time.Time
	ShardHint  string
}

// Queue is a SQLite-backed FIFO. Ingestion callers push concurrently;
// only the scheduled drain entry point pops.
type Queue struct {
	db        *sql.DB
	highWater int64

	// depth mirrors the row count so Submit can shed without a query per
	// call. Resynced from the table every depthRefreshEntries submissions.
	depth      atomic.Int64
	sinceSync  atomic.Int64
	staleDrops atomic.Uint64
}

// Open opens or creates the queue database with WAL pragmas.
func Open(path string, opts Options) (*Queue, error) {
	if opts.HighWaterMark <= 0 {
		opts.HighWaterMark = defaultHighWater
	}
	if opts.BusyTimeoutMS <= 0 {
		opts.BusyTimeoutMS = defaultBusyTimeout
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("queue: mkdir: %w", err)
		}
	}
	// A wedged WAL or corrupt file gets quarantined here so the service
	// starts with a fresh queue instead of stalling on first write.
	if _, err := sqliteutil.Preflight(path, 0, nil); err != nil {
		return nil, fmt.Errorf("queue: preflight: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open db: %w", err)
	}
	pragmas := fmt.Sprintf("pragma journal_mode=WAL; pragma synchronous=NORMAL; pragma busy_timeout=%d", opts.BusyTimeoutMS)
	if _, err := db.Exec(pragmas); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: pragmas: %w", err)
	}
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	q := &Queue{db: db, highWater: int64(opts.HighWaterMark)}
	depth, err := q.countRows()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	q.depth.Store(depth)
	return q, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

// Submit enqueues reports, oldest-submitted first. Returns how many were
// accepted; once the backlog would cross the high-water mark the remainder
// is refused with ErrShed so the caller sheds load instead of growing the
// queue unbounded.
func (q *Queue) Submit(reports []report.Report, now time.Time) (int, error) {
	if q == nil || q.db == nil {
		return 0, errNotInitialized
	}
	if len(reports) == 0 {
		return 0, nil
	}
	// Reserve room against the depth gauge before inserting. Concurrent
	// submitters each loading the old depth could otherwise push the
	// backlog past the mark together.
	var accept int
	var shed bool
	for {
		depth := q.depth.Load()
		room := q.highWater - depth
		if room <= 0 {
			q.maybeResyncDepth()
			return 0, ErrShed
		}
		accept = len(reports)
		shed = false
		if int64(accept) > room {
			accept = int(room)
			shed = true
		}
		if q.depth.CompareAndSwap(depth, depth+int64(accept)) {
			break
		}
	}

	tx, err := q.db.Begin()
	if err != nil {
		q.depth.Add(-int64(accept))
		return 0, fmt.Errorf("queue: begin tx: %w", err)
	}
	stmt, err := tx.Prepare(`insert into incoming(enqueued_at, shard_hint, checksum, payload) values(?,?,?,?)`)
	if err != nil {
		_ = tx.Rollback()
		q.depth.Add(-int64(accept))
		return 0, fmt.Errorf("queue: prepare: %w", err)
	}
	inserted := 0
	for _, r := range reports[:accept] {
		payload, err := json.Marshal(r)
		if err != nil {
			// Unencodable report: drop it, the rest of the batch stands.
			continue
		}
		if _, err := stmt.Exec(now.UTC().Unix(), shardHint(r), int64(report.Checksum(r)), payload); err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			q.depth.Add(-int64(accept))
			return 0, fmt.Errorf("queue: insert: %w", err)
		}
		inserted++
	}
	_ = stmt.Close()
	if err := tx.Commit(); err != nil {
		q.depth.Add(-int64(accept))
		return 0, fmt.Errorf("queue: commit: %w", err)
	}
	// Release the part of the reservation that was never inserted.
	if inserted < accept {
		q.depth.Add(int64(inserted - accept))
	}
	q.maybeResyncDepth()
	if shed {
		return inserted, ErrShed
	}
	return inserted, nil
}

// PopBatch removes and returns up to maxBatch of the oldest entries. Entries
// older than maxAge are deleted and counted as stale drops instead of being
// returned. The pop is transactional: entries leave the queue exactly once
// under normal operation.
func (q *Queue) PopBatch(maxBatch int, maxAge time.Duration, now time.Time) ([]Entry, int, error) {
	if q == nil || q.db == nil {
		return nil, 0, errNotInitialized
	}
	if maxBatch <= 0 {
		return nil, 0, nil
	}
	tx, err := q.db.Begin()
	if err != nil {
		return nil, 0, fmt.Errorf("queue: begin tx: %w", err)
	}
	rows, err := tx.Query(`select id, enqueued_at, shard_hint, checksum, payload from incoming order by id asc limit ?`, maxBatch)
	if err != nil {
		_ = tx.Rollback()
		return nil, 0, fmt.Errorf("queue: select batch: %w", err)
	}

	cutoff := now.Add(-maxAge).UTC().Unix()
	var (
		entries []Entry
		ids     []int64
		stale   int
	)
	for rows.Next() {
		var (
			id        int64
			enqueued  int64
			shardHint string
			checksum  int64
			payload   []byte
		)
		if err := rows.Scan(&id, &enqueued, &shardHint, &checksum, &payload); err != nil {
			rows.Close()
			_ = tx.Rollback()
			return nil, 0, fmt.Errorf("queue: scan: %w", err)
		}
		ids = append(ids, id)
		if maxAge > 0 && enqueued < cutoff {
			stale++
			continue
		}
		var r report.Report
		if err := json.Unmarshal(payload, &r); err != nil {
			// Corrupt payload counts as stale-dropped rather than failing the drain.
			stale++
			continue
		}
		entries = append(entries, Entry{
			ID:         id,
			Report:     r,
			Checksum:   uint64(checksum),
			EnqueuedAt: time.Unix(enqueued, 0).UTC(),
			ShardHint:  shardHint,
		})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		_ = tx.Rollback()
		return nil, 0, fmt.Errorf("queue: iterate: %w", err)
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.Exec(`delete from incoming where id = ?`, id); err != nil {
			_ = tx.Rollback()
			return nil, 0, fmt.Errorf("queue: delete %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("queue: commit pop: %w", err)
	}
	q.depth.Add(-int64(len(ids)))
	q.staleDrops.Add(uint64(stale))
	return entries, stale, nil
}

// Depth reports the current backlog size.
func (q *Queue) Depth() int64 {
	if q == nil {
		return 0
	}
	return q.depth.Load()
}

// StaleDropped reports how many entries aged out instead of being drained.
func (q *Queue) StaleDropped() uint64 {
	if q == nil {
		return 0
	}
	return q.staleDrops.Load()
}

// maybeResyncDepth corrects the cached depth from the table periodically so
// a missed decrement cannot wedge Submit into shedding forever.
func (q *Queue) maybeResyncDepth() {
	if q.sinceSync.Add(1)%depthRefreshEntries != 0 {
		return
	}
	if depth, err := q.countRows(); err == nil {
		q.depth.Store(depth)
	}
}

func (q *Queue) countRows() (int64, error) {
	var n int64
	if err := q.db.QueryRow(`select count(*) from incoming`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue: count rows: %w", err)
	}
	return n, nil
}

// shardHint records the first sighting's shard for FIFO bookkeeping. Purely
// advisory: the aggregator re-routes every observation by its own key.
func shardHint(r report.Report) string {
	if len(r.Sightings) == 0 {
		return ""
	}
	s := r.Sightings[0]
	key, err := station.MakeKey(s.Kind, s.ID)
	if err != nil {
		return ""
	}
	return string(key.Kind) + "/" + key.ShardID()
}

func ensureSchema(db *sql.DB) error {
	schema := `
	create table if not exists incoming (
		id integer primary key autoincrement,
		enqueued_at integer not null,
		shard_hint text,
		checksum integer not null,
		payload blob not null
	);
	create index if not exists idx_incoming_enqueued on incoming(enqueued_at);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("queue: schema: %w", err)
	}
	return nil
}
