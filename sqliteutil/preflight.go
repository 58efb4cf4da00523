// Package sqliteutil holds shared helpers for the SQLite-backed queue.
// The caller is responsible for registering a database/sql driver named
// "sqlite" before using this package.
package sqliteutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// PreflightResult reports the outcome of a SQLite preflight check.
type PreflightResult struct {
	Healthy         bool   // No issues detected; safe to proceed.
	Quarantined     bool   // The database was renamed out of the way.
	QuarantinePath  string // Path of the quarantined main database file.
	Elapsed         time.Duration
	CheckpointError error
	CheckError      error
}

// sidecars lists the auxiliary files SQLite keeps beside a database.
var sidecars = []string{"-wal", "-shm", "-journal"}

// Preflight runs a bounded WAL checkpoint plus quick_check before the real
// open path. A damaged or wedged database is renamed to a timestamped
// quarantine path so startup continues with a fresh file instead of
// stalling; a timeout is treated as fatal rather than quarantined, since
// the file may just be held by another process.
func Preflight(path string, timeout time.Duration, logf func(string, ...any)) (PreflightResult, error) {
	if logf == nil {
		logf = log.Printf
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	start := time.Now().UTC()
	res := PreflightResult{}

	if strings.TrimSpace(path) == "" {
		return res, errors.New("preflight: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return res, fmt.Errorf("preflight: ensure dir: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return res, fmt.Errorf("preflight: open: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(ctx, fmt.Sprintf("pragma busy_timeout=%d", timeout.Milliseconds())); err != nil {
		return res, fmt.Errorf("preflight: set busy_timeout: %w", err)
	}

	_, checkpointErr := db.ExecContext(ctx, "pragma wal_checkpoint(TRUNCATE)")
	checkErr := quickCheck(ctx, db)
	res.Elapsed = time.Since(start)
	res.CheckpointError = checkpointErr
	res.CheckError = checkErr

	if checkpointErr == nil && checkErr == nil {
		res.Healthy = true
		return res, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("preflight: database timed out after %s", timeout)
	}

	_ = db.Close()
	quarantinePath, quarantineErr := quarantine(path)
	if quarantineErr != nil {
		return res, fmt.Errorf("preflight: quarantine failed: %w (checkpoint=%v, quick_check=%v)",
			quarantineErr, checkpointErr, checkErr)
	}
	res.Quarantined = true
	res.QuarantinePath = quarantinePath
	failure := checkpointErr
	if failure == nil {
		failure = checkErr
	}
	logf("Queue db preflight failed (%v); quarantined to %s; elapsed=%s",
		failure, quarantinePath, res.Elapsed)
	return res, nil
}

func quickCheck(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, "pragma quick_check")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		if scanErr := rows.Scan(&status); scanErr != nil {
			return scanErr
		}
		if strings.TrimSpace(status) != "ok" {
			return fmt.Errorf("quick_check reported %q", status)
		}
	}
	return rows.Err()
}

// quarantine renames the database and any sidecar files with a shared
// timestamp suffix so they stay grouped for later inspection.
func quarantine(path string) (string, error) {
	suffix := ".bad-" + time.Now().UTC().Format("20060102T150405Z")
	targets := append([]string{path}, sidecarPaths(path)...)
	for _, target := range targets {
		if _, err := os.Stat(target); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", err
		}
		if err := os.Rename(target, target+suffix); err != nil {
			return "", err
		}
	}
	return path + suffix, nil
}

func sidecarPaths(path string) []string {
	out := make([]string, 0, len(sidecars))
	for _, ext := range sidecars {
		out = append(out, path+ext)
	}
	return out
}
