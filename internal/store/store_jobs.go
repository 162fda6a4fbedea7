package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobRow is one persisted job envelope in the SQLite transport.
type JobRow struct {
	ID         string
	Type       string
	RecordID   string
	Payload    string
	NotBefore  time.Time
	Deliveries int
	LeaseOwner string
	CreatedAt  time.Time
}

// EnqueueJob inserts a job. An empty ID gets a fresh uuid.
func (s *Store) EnqueueJob(ctx context.Context, job JobRow) (string, error) {
	if job.Type == "" || job.RecordID == "" {
		return "", errors.New("enqueue job: type and record id required")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := s.now()
	notBefore := job.NotBefore
	if notBefore.IsZero() {
		notBefore = now
	}
	payload := job.Payload
	if payload == "" {
		payload = "{}"
	}
	if _, err := s.execWithRetry(ctx,
		`INSERT INTO jobs (id, job_type, record_id, payload_json, not_before, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, job.Type, job.RecordID, payload, formatTime(notBefore), formatTime(now),
	); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return job.ID, nil
}

// LeaseJob hands the oldest ready job of one of types to owner for
// visibility. A job whose lease expired is delivered again. Returns nil when
// nothing is ready.
func (s *Store) LeaseJob(ctx context.Context, types []string, owner string, visibility time.Duration) (*JobRow, error) {
	if len(types) == 0 {
		return nil, nil
	}
	now := s.now()
	ts := formatTime(now)
	args := make([]any, 0, len(types)+2)
	for _, t := range types {
		args = append(args, t)
	}
	args = append(args, ts, ts)

	var leased *JobRow
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		leased = nil
		row := tx.QueryRowContext(ctx,
			`SELECT id, job_type, record_id, payload_json, not_before, deliveries, created_at FROM jobs
             WHERE job_type IN (`+makePlaceholders(len(types))+`)
               AND not_before <= ?
               AND (lease_owner IS NULL OR lease_expires_at < ?)
             ORDER BY not_before, created_at
             LIMIT 1`,
			args...,
		)
		var (
			job                  JobRow
			notBefore, createdAt string
		)
		if err := row.Scan(&job.ID, &job.Type, &job.RecordID, &job.Payload, &notBefore, &job.Deliveries, &createdAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select ready job: %w", err)
		}
		job.NotBefore, _ = parseTimeString(notBefore)
		job.CreatedAt, _ = parseTimeString(createdAt)

		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET lease_owner = ?, lease_expires_at = ?, deliveries = deliveries + 1 WHERE id = ?`,
			owner, formatTime(now.Add(visibility)), job.ID,
		)
		if err != nil {
			return fmt.Errorf("lease job: %w", err)
		}
		if err := affectedOne(res, job.ID); err != nil {
			return err
		}
		job.Deliveries++
		job.LeaseOwner = owner
		leased = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

// AckJob removes a job leased by owner.
func (s *Store) AckJob(ctx context.Context, id, owner string) error {
	res, err := s.execWithRetry(ctx, `DELETE FROM jobs WHERE id = ? AND lease_owner = ?`, id, owner)
	if err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	return affectedOne(res, id)
}

// ReleaseJob returns a leased job to the ready set at notBefore.
func (s *Store) ReleaseJob(ctx context.Context, id, owner string, notBefore time.Time) error {
	res, err := s.execWithRetry(ctx,
		`UPDATE jobs SET lease_owner = NULL, lease_expires_at = NULL, not_before = ? WHERE id = ? AND lease_owner = ?`,
		formatTime(notBefore), id, owner,
	)
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	return affectedOne(res, id)
}

// CountJobs returns the number of jobs waiting or in flight.
func (s *Store) CountJobs(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM jobs`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return count, nil
}
