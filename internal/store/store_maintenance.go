package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"capsule/internal/record"
	"capsule/internal/retry"
)

// HealthSummary aggregates record counts by lane position.
type HealthSummary struct {
	Total      int `json:"total"`
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Processed  int `json:"processed"`
	Failed     int `json:"failed"`
	Jobs       int `json:"jobs"`
}

// DatabaseHealth is diagnostic output for `capsule status`.
type DatabaseHealth struct {
	DBPath           string   `json:"db_path"`
	DatabaseExists   bool     `json:"database_exists"`
	DatabaseReadable bool     `json:"database_readable"`
	SchemaVersion    int      `json:"schema_version"`
	TablesPresent    []string `json:"tables_present"`
	MissingTables    []string `json:"missing_tables"`
	TotalRecords     int      `json:"total_records"`
	IntegrityCheck   bool     `json:"integrity_check"`
	Error            string   `json:"error,omitempty"`
}

// Stats returns a count of live records grouped by ingest state.
func (s *Store) Stats(ctx context.Context) (map[record.IngestState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ingest_state, COUNT(1) FROM records WHERE is_archived = 0 GROUP BY ingest_state`)
	if err != nil {
		return nil, fmt.Errorf("record stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[record.IngestState]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		stats[record.IngestState(state)] = count
	}
	return stats, rows.Err()
}

// Health folds Stats into queued/processing/terminal buckets.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	health := HealthSummary{}
	for state, count := range stats {
		health.Total += count
		switch {
		case state == record.IngestProcessed:
			health.Processed += count
		case state == record.IngestFailed:
			health.Failed += count
		case state.IsQueued() || state == record.IngestCaptured:
			health.Queued += count
		case state.IsProcessing():
			health.Processing += count
		}
	}
	jobs, err := s.CountJobs(ctx)
	if err != nil {
		return health, err
	}
	health.Jobs = jobs
	return health, nil
}

// ReclaimStale dead-letters records whose lease holder stopped heartbeating
// before cutoff. Each reclaimed record gets <stage>.dead_lettered with code
// heartbeat_timeout.
func (s *Store) ReclaimStale(ctx context.Context, cutoff time.Time) ([]*record.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records
         WHERE lease_id IS NOT NULL AND last_heartbeat IS NOT NULL AND last_heartbeat < ?
         ORDER BY last_heartbeat`,
		formatTime(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("query stale records: %w", err)
	}
	var stale []*record.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		stale = append(stale, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	var reclaimed []*record.Record
	for _, rec := range stale {
		stage, ok := rec.IngestState.Stage()
		if !ok || !rec.IngestState.IsProcessing() {
			continue
		}
		_, err := s.fail(ctx, s.now(), FailRequest{
			RecordID:   rec.ID,
			Stage:      stage,
			LeaseID:    rec.LeaseID,
			Code:       retry.CodeHeartbeatTimeout,
			Message:    "worker stopped heartbeating",
			DeadLetter: true,
			Actor:      "reclaimer",
		})
		if errors.Is(err, ErrConflict) {
			// Lease holder finished or renewed between the scan and the CAS.
			continue
		}
		if err != nil {
			return reclaimed, err
		}
		updated, err := s.Get(ctx, rec.ID)
		if err != nil {
			return reclaimed, err
		}
		if updated != nil {
			reclaimed = append(reclaimed, updated)
		}
	}
	return reclaimed, nil
}

var expectedTables = []string{"schema_version", "records", "record_events", "jobs"}

// CheckHealth returns diagnostic information about the database.
func (s *Store) CheckHealth(ctx context.Context) (DatabaseHealth, error) {
	health := DatabaseHealth{DBPath: s.path}
	if s.path == "" {
		return health, errors.New("database path is unknown")
	}

	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return health, nil
		}
		return health, fmt.Errorf("stat database: %w", err)
	}
	if info.IsDir() {
		return health, fmt.Errorf("database path %q is a directory", s.path)
	}
	health.DatabaseExists = true

	if s.db == nil {
		return health, errors.New("database connection unavailable")
	}

	connCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(connCtx); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("ping database: %w", err)
	}
	health.DatabaseReadable = true

	for _, table := range expectedTables {
		var name string
		err := s.db.QueryRowContext(connCtx, "SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			health.MissingTables = append(health.MissingTables, table)
		case err != nil:
			health.Error = err.Error()
			return health, fmt.Errorf("query table info: %w", err)
		default:
			health.TablesPresent = append(health.TablesPresent, name)
		}
	}
	if len(health.MissingTables) > 0 {
		return health, nil
	}

	if err := s.db.QueryRowContext(connCtx, "SELECT version FROM schema_version LIMIT 1").Scan(&health.SchemaVersion); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("read schema version: %w", err)
	}
	if err := s.db.QueryRowContext(connCtx, "SELECT COUNT(*) FROM records").Scan(&health.TotalRecords); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("count records: %w", err)
	}

	var integrityResult string
	if err := s.db.QueryRowContext(connCtx, "PRAGMA integrity_check").Scan(&integrityResult); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("integrity check: %w", err)
	}
	health.IntegrityCheck = strings.EqualFold(integrityResult, "ok")
	return health, nil
}
