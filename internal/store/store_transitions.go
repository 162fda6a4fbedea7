package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"capsule/internal/record"
)

// ClaimRequest takes the stage lease for one job delivery.
type ClaimRequest struct {
	RecordID      string
	Stage         record.Stage
	RetryCount    int
	LeaseID       string
	Actor         string
	CorrelationID string
}

// Claim takes the stage lease for a job. A first delivery (RetryCount 0)
// expects queued_for_<stage> and moves the record to processing_<stage>,
// emitting <stage>.started. A retry delivery expects processing_<stage> with
// stage_attempt equal to RetryCount and no lease. Any other pre-state fails
// with ErrConflict and leaves the record untouched.
func (s *Store) Claim(ctx context.Context, req ClaimRequest) (*record.Record, error) {
	if req.LeaseID == "" {
		return nil, errors.New("claim: lease id required")
	}
	now := s.now()
	ts := formatTime(now)
	processing := req.Stage.ProcessingState()
	inProgress := req.Stage.Status(record.OutcomeInProgress)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getRecordTx(ctx, tx, req.RecordID)
		if err != nil {
			return err
		}
		if req.RetryCount == 0 {
			if current.IngestState != req.Stage.QueuedState() || current.StageAttempt != 0 || current.LeaseID != "" {
				return fmt.Errorf("%w: %s is %s attempt %d, cannot start %s", ErrConflict, req.RecordID, current.IngestState, current.StageAttempt, req.Stage)
			}
			if err := record.ValidateTransition(current.SourceType, current.IngestState, processing, record.TransitionOptions{}); err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx,
				`UPDATE records SET ingest_state = ?, pipeline_status = ?, lease_id = ?, last_heartbeat = ?,
                    last_stage_started_at = ?, updated_at = ?
                 WHERE id = ? AND ingest_state = ? AND stage_attempt = 0 AND lease_id IS NULL`,
				string(processing), string(inProgress), req.LeaseID, ts, ts, ts,
				req.RecordID, string(current.IngestState),
			)
			if err != nil {
				return fmt.Errorf("claim record: %w", err)
			}
			if err := affectedOne(res, req.RecordID); err != nil {
				return err
			}
			return insertEvent(ctx, tx, now, eventInput{
				recordID: req.RecordID,
				kind:     req.Stage.EventKind(record.SuffixStarted),
				stage:    req.Stage,
				actor:    req.Actor,
				data:     eventData(inProgress, processing, req.CorrelationID, map[string]any{record.DataAttempt: 1}),
			})
		}

		if current.IngestState != processing || current.StageAttempt != req.RetryCount || current.LeaseID != "" {
			return fmt.Errorf("%w: %s is %s attempt %d, cannot retry %s attempt %d", ErrConflict, req.RecordID, current.IngestState, current.StageAttempt, req.Stage, req.RetryCount)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE records SET lease_id = ?, last_heartbeat = ?, last_stage_started_at = ?, updated_at = ?
             WHERE id = ? AND ingest_state = ? AND stage_attempt = ? AND lease_id IS NULL`,
			req.LeaseID, ts, ts, ts,
			req.RecordID, string(processing), req.RetryCount,
		)
		if err != nil {
			return fmt.Errorf("reclaim record for retry: %w", err)
		}
		return affectedOne(res, req.RecordID)
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, req.RecordID)
}

// Heartbeat refreshes last_heartbeat while the lease is held.
func (s *Store) Heartbeat(ctx context.Context, recordID, leaseID string) error {
	now := formatTime(s.now())
	res, err := s.execWithRetry(ctx,
		`UPDATE records SET last_heartbeat = ?, updated_at = ? WHERE id = ? AND lease_id = ?`,
		now, now, recordID, leaseID,
	)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return affectedOne(res, recordID)
}

// CompleteRequest records a successful stage outcome.
type CompleteRequest struct {
	RecordID        string
	Stage           record.Stage
	LeaseID         string
	Next            record.IngestState
	SemanticEnabled bool
	Payload         record.Payload
	// SourcePath, when set, replaces the stored path after a staging move.
	SourcePath      string
	Cognitive       record.CognitiveStatus
	Actor           string
	CorrelationID   string
	Data            map[string]any
}

// Complete writes stage output, sets <stage>_complete, advances the ingest
// lane to Next and emits <stage>.completed, all under the caller's lease.
func (s *Store) Complete(ctx context.Context, req CompleteRequest) (*record.Record, error) {
	now := s.now()
	ts := formatTime(now)
	complete := req.Stage.Status(record.OutcomeComplete)

	payloadJSON, err := record.MarshalPayload(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := s.leasedRecord(ctx, tx, req.RecordID, req.Stage, req.LeaseID)
		if err != nil {
			return err
		}
		opts := record.TransitionOptions{SemanticEnabled: req.SemanticEnabled}
		if err := record.ValidateTransition(current.SourceType, current.IngestState, req.Next, opts); err != nil {
			return err
		}
		if req.Next == current.IngestState {
			return fmt.Errorf("%w: completion must leave %s", ErrIllegalTransition, current.IngestState)
		}
		cognitive := current.CognitiveStatus
		if req.Cognitive != "" {
			if req.Stage != record.StageSemantic {
				return fmt.Errorf("%w: only semantic enrichment advances the cognitive lane", ErrIllegalTransition)
			}
			cognitive = req.Cognitive
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE records SET ingest_state = ?, pipeline_status = ?, cognitive_status = ?, payload_json = ?,
                stage_attempt = 0, lease_id = NULL, last_heartbeat = NULL, error_code = NULL, error_message = NULL,
                source_path = COALESCE(?, source_path), updated_at = ?
             WHERE id = ? AND ingest_state = ? AND lease_id = ?`,
			string(req.Next), string(complete), string(cognitive), payloadJSON, nullableString(req.SourcePath), ts,
			req.RecordID, string(current.IngestState), req.LeaseID,
		)
		if err != nil {
			return fmt.Errorf("complete stage: %w", err)
		}
		if err := affectedOne(res, req.RecordID); err != nil {
			return err
		}
		extra := map[string]any{record.DataAttempt: current.StageAttempt + 1}
		for k, v := range req.Data {
			extra[k] = v
		}
		return insertEvent(ctx, tx, now, eventInput{
			recordID: req.RecordID,
			kind:     req.Stage.EventKind(record.SuffixCompleted),
			stage:    req.Stage,
			actor:    req.Actor,
			data:     eventData(complete, req.Next, req.CorrelationID, extra),
		})
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, req.RecordID)
}

// RetryRequest records a retryable stage failure.
type RetryRequest struct {
	RecordID      string
	Stage         record.Stage
	LeaseID       string
	Code          string
	Message       string
	NotBefore     time.Time
	Actor         string
	CorrelationID string
}

// ScheduleRetry keeps the record in processing_<stage>, bumps stage_attempt,
// releases the lease and emits <stage>.retry_scheduled. The returned record's
// StageAttempt is the retry count the follow-up job must carry.
func (s *Store) ScheduleRetry(ctx context.Context, req RetryRequest) (*record.Record, error) {
	now := s.now()
	ts := formatTime(now)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := s.leasedRecord(ctx, tx, req.RecordID, req.Stage, req.LeaseID)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE records SET stage_attempt = stage_attempt + 1, lease_id = NULL, last_heartbeat = NULL,
                error_code = ?, error_message = ?, updated_at = ?
             WHERE id = ? AND ingest_state = ? AND lease_id = ?`,
			nullableString(req.Code), nullableString(req.Message), ts,
			req.RecordID, string(current.IngestState), req.LeaseID,
		)
		if err != nil {
			return fmt.Errorf("schedule retry: %w", err)
		}
		if err := affectedOne(res, req.RecordID); err != nil {
			return err
		}
		return insertEvent(ctx, tx, now, eventInput{
			recordID: req.RecordID,
			kind:     req.Stage.EventKind(record.SuffixRetryScheduled),
			stage:    req.Stage,
			actor:    req.Actor,
			data: eventData(current.PipelineStatus, current.IngestState, req.CorrelationID, map[string]any{
				record.DataErrorCode:    req.Code,
				record.DataErrorMessage: req.Message,
				record.DataAttempt:      current.StageAttempt + 1,
				"not_before":            formatTime(req.NotBefore),
			}),
		})
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, req.RecordID)
}

// FailRequest records a terminal stage failure.
type FailRequest struct {
	RecordID string
	Stage    record.Stage
	// LeaseID must match the held lease. When empty the record must be
	// unleased and in ExpectedState.
	LeaseID       string
	ExpectedState record.IngestState
	Code          string
	Message       string
	DeadLetter    bool
	EventKind     string
	Payload       *record.Payload
	SourcePath    string
	Actor         string
	CorrelationID string
}

// Fail moves the record to failed with <stage>_failed and emits
// <stage>.failed, or <stage>.dead_lettered when DeadLetter is set.
func (s *Store) Fail(ctx context.Context, req FailRequest) (*record.Record, error) {
	now := s.now()
	_, err := s.fail(ctx, now, req)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, req.RecordID)
}

func (s *Store) fail(ctx context.Context, now time.Time, req FailRequest) (*record.Record, error) {
	ts := formatTime(now)
	failedStatus := req.Stage.Status(record.OutcomeFailed)
	kind := req.EventKind
	if kind == "" {
		suffix := record.SuffixFailed
		if req.DeadLetter {
			suffix = record.SuffixDeadLettered
		}
		kind = req.Stage.EventKind(suffix)
	}

	var current *record.Record
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if req.LeaseID != "" {
			current, err = s.leasedRecord(ctx, tx, req.RecordID, req.Stage, req.LeaseID)
		} else {
			current, err = getRecordTx(ctx, tx, req.RecordID)
			if err == nil && (current.IngestState != req.ExpectedState || current.LeaseID != "") {
				err = fmt.Errorf("%w: %s is %s, expected unleased %s", ErrConflict, req.RecordID, current.IngestState, req.ExpectedState)
			}
		}
		if err != nil {
			return err
		}
		if err := record.ValidateTransition(current.SourceType, current.IngestState, record.IngestFailed, record.TransitionOptions{}); err != nil {
			return err
		}

		payload := current.Payload
		if req.Payload != nil {
			payload = *req.Payload
		}
		payloadJSON, err := record.MarshalPayload(payload)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}

		query := `UPDATE records SET ingest_state = ?, pipeline_status = ?, payload_json = ?, lease_id = NULL,
                last_heartbeat = NULL, error_code = ?, error_message = ?, source_path = COALESCE(?, source_path),
                updated_at = ?
             WHERE id = ? AND ingest_state = ? AND `
		args := []any{
			string(record.IngestFailed), string(failedStatus), payloadJSON,
			nullableString(req.Code), nullableString(req.Message), nullableString(req.SourcePath), ts,
			req.RecordID, string(current.IngestState),
		}
		if req.LeaseID != "" {
			query += "lease_id = ?"
			args = append(args, req.LeaseID)
		} else {
			query += "lease_id IS NULL"
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("fail record: %w", err)
		}
		if err := affectedOne(res, req.RecordID); err != nil {
			return err
		}
		return insertEvent(ctx, tx, now, eventInput{
			recordID: req.RecordID,
			kind:     kind,
			stage:    req.Stage,
			actor:    req.Actor,
			data: eventData(failedStatus, record.IngestFailed, req.CorrelationID, map[string]any{
				record.DataErrorCode:    req.Code,
				record.DataErrorMessage: req.Message,
				record.DataAttempt:      current.StageAttempt + 1,
			}),
		})
	})
	return current, err
}

// leasedRecord loads the record and checks it is processing stage under leaseID.
func (s *Store) leasedRecord(ctx context.Context, tx *sql.Tx, id string, stage record.Stage, leaseID string) (*record.Record, error) {
	current, err := getRecordTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if leaseID == "" || current.LeaseID != leaseID || current.IngestState != stage.ProcessingState() {
		return nil, fmt.Errorf("%w: %s is %s without lease %q", ErrConflict, id, current.IngestState, leaseID)
	}
	return current, nil
}
