package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"capsule/internal/record"
)

// CreateRequest describes an accepted capture.
type CreateRequest struct {
	ID              string
	SourceType      record.SourceType
	Channel         string
	SourcePath      string
	MimeType        string
	Fingerprint     string
	FingerprintAlgo string
	Payload         record.Payload
	Actor           string
	CorrelationID   string
	Metadata        map[string]any
}

// Create persists a new record and moves it to its first stage queue in one
// transaction, emitting capture.created and capture.enqueued. A live record
// with the same fingerprint on the same channel yields ErrDuplicateFingerprint.
func (s *Store) Create(ctx context.Context, req CreateRequest) (*record.Record, error) {
	if _, ok := record.ParseSourceType(string(req.SourceType)); !ok {
		return nil, fmt.Errorf("create record: unknown source type %q", req.SourceType)
	}
	if strings.TrimSpace(req.Fingerprint) == "" || strings.TrimSpace(req.Channel) == "" {
		return nil, errors.New("create record: fingerprint and channel are required")
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	payloadJSON, err := record.MarshalPayload(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	first := req.SourceType.FirstStage()
	queued := first.QueuedState()
	if err := record.ValidateTransition(req.SourceType, record.IngestCaptured, queued, record.TransitionOptions{}); err != nil {
		return nil, err
	}
	queuedStatus := first.Status(record.OutcomeQueued)

	now := s.now()
	ts := formatTime(now)
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO records (
                id, source_type, source_channel, source_path, mime_type, capture_fingerprint, fingerprint_algo,
                ingest_state, pipeline_status, cognitive_status, payload_json, created_at, updated_at
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, string(req.SourceType), req.Channel, nullableString(req.SourcePath), nullableString(req.MimeType),
			req.Fingerprint, req.FingerprintAlgo,
			string(record.IngestCaptured), string(record.PipelineCaptured), string(record.CognitiveUnreviewed),
			payloadJSON, ts, ts,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s on %s", ErrDuplicateFingerprint, req.Fingerprint, req.Channel)
		}
		if err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
		created := map[string]any{
			"source_type":      string(req.SourceType),
			"source_channel":   req.Channel,
			"fingerprint":      req.Fingerprint,
			"fingerprint_algo": req.FingerprintAlgo,
		}
		if req.SourcePath != "" {
			created["source_path"] = req.SourcePath
		}
		for k, v := range req.Metadata {
			created[k] = v
		}
		if err := insertEvent(ctx, tx, now, eventInput{
			recordID: id,
			kind:     record.EventCaptureCreated,
			actor:    req.Actor,
			data:     eventData(record.PipelineCaptured, record.IngestCaptured, req.CorrelationID, created),
		}); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE records SET ingest_state = ?, pipeline_status = ?, updated_at = ? WHERE id = ? AND ingest_state = ?`,
			string(queued), string(queuedStatus), ts, id, string(record.IngestCaptured),
		)
		if err != nil {
			return fmt.Errorf("queue record: %w", err)
		}
		if err := affectedOne(res, id); err != nil {
			return err
		}
		return insertEvent(ctx, tx, now, eventInput{
			recordID: id,
			kind:     record.EventCaptureEnqueued,
			stage:    first,
			actor:    req.Actor,
			data:     eventData(queuedStatus, queued, req.CorrelationID, nil),
		})
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Get fetches a record by id. A missing record yields (nil, nil).
func (s *Store) Get(ctx context.Context, id string) (*record.Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ensureContext(ctx), `SELECT `+recordColumns+` FROM records WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// FindActiveByFingerprint returns the live (non-archived) record holding the
// fingerprint on channel, or nil.
func (s *Store) FindActiveByFingerprint(ctx context.Context, fingerprint, channel string) (*record.Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ensureContext(ctx),
		`SELECT `+recordColumns+` FROM records
         WHERE capture_fingerprint = ? AND source_channel = ? AND is_archived = 0
         ORDER BY created_at LIMIT 1`,
		fingerprint, channel,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find by fingerprint: %w", err)
	}
	return rec, nil
}

// ListFilter narrows List results.
type ListFilter struct {
	States          []record.IngestState
	Channel         string
	IncludeArchived bool
	Limit           int
}

// List returns records newest first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*record.Record, error) {
	var (
		clauses []string
		args    []any
	)
	if !filter.IncludeArchived {
		clauses = append(clauses, "is_archived = 0")
	}
	if len(filter.States) > 0 {
		clauses = append(clauses, "ingest_state IN ("+makePlaceholders(len(filter.States))+")")
		for _, state := range filter.States {
			args = append(args, string(state))
		}
	}
	if filter.Channel != "" {
		clauses = append(clauses, "source_channel = ?")
		args = append(args, filter.Channel)
	}
	query := `SELECT ` + recordColumns + ` FROM records`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []*record.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ReingestRequest re-enters a processed or failed record into its first stage.
type ReingestRequest struct {
	RecordID        string
	ExpectedState   record.IngestState
	Fingerprint     string
	FingerprintAlgo string
	SourcePath      string
	Payload         *record.Payload
	Actor           string
	CorrelationID   string
	Reason          string
}

// Reingest moves a terminal record back to queued_for_<first stage>, clearing
// attempt, lease and error fields, and emits capture.reingested. The record
// keeps its id. The write is a CAS on ExpectedState.
func (s *Store) Reingest(ctx context.Context, req ReingestRequest) (*record.Record, error) {
	if !req.ExpectedState.IsTerminal() {
		return nil, fmt.Errorf("%w: reingest requires a terminal state, got %s", ErrIllegalTransition, req.ExpectedState)
	}
	now := s.now()
	ts := formatTime(now)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getRecordTx(ctx, tx, req.RecordID)
		if err != nil {
			return err
		}
		if current.IngestState != req.ExpectedState {
			return fmt.Errorf("%w: %s is %s, expected %s", ErrConflict, req.RecordID, current.IngestState, req.ExpectedState)
		}
		first := current.SourceType.FirstStage()
		queued := first.QueuedState()
		if err := record.ValidateTransition(current.SourceType, current.IngestState, queued, record.TransitionOptions{Reingest: true}); err != nil {
			return err
		}
		queuedStatus := first.Status(record.OutcomeQueued)

		payload := current.Payload
		if req.Payload != nil {
			payload = *req.Payload
		}
		payloadJSON, err := record.MarshalPayload(payload)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		fingerprint := current.Fingerprint
		algo := current.FingerprintAlgo
		if req.Fingerprint != "" {
			fingerprint, algo = req.Fingerprint, req.FingerprintAlgo
		}
		sourcePath := current.SourcePath
		if req.SourcePath != "" {
			sourcePath = req.SourcePath
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE records SET ingest_state = ?, pipeline_status = ?, cognitive_status = ?, stage_attempt = 0,
                lease_id = NULL, last_heartbeat = NULL, error_code = NULL, error_message = NULL,
                capture_fingerprint = ?, fingerprint_algo = ?, source_path = ?, payload_json = ?, updated_at = ?
             WHERE id = ? AND ingest_state = ?`,
			string(queued), string(queuedStatus), string(record.CognitiveUnreviewed),
			fingerprint, algo, nullableString(sourcePath), payloadJSON, ts,
			req.RecordID, string(req.ExpectedState),
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s on %s", ErrDuplicateFingerprint, fingerprint, current.SourceChannel)
		}
		if err != nil {
			return fmt.Errorf("reingest record: %w", err)
		}
		if err := affectedOne(res, req.RecordID); err != nil {
			return err
		}
		extra := map[string]any{"previous_state": string(current.IngestState)}
		if current.ErrorCode != "" {
			extra["previous_error_code"] = current.ErrorCode
		}
		if req.Reason != "" {
			extra["reason"] = req.Reason
		}
		return insertEvent(ctx, tx, now, eventInput{
			recordID: req.RecordID,
			kind:     record.EventCaptureReingested,
			stage:    first,
			actor:    req.Actor,
			data:     eventData(queuedStatus, queued, req.CorrelationID, extra),
		})
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, req.RecordID)
}

// RecordDuplicate appends capture.duplicate_skipped to an existing record.
// Lanes are untouched.
func (s *Store) RecordDuplicate(ctx context.Context, rec *record.Record, channel, actor, correlationID, reason string) error {
	if rec == nil {
		return errors.New("record duplicate: nil record")
	}
	now := s.now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertEvent(ctx, tx, now, eventInput{
			recordID: rec.ID,
			kind:     record.EventCaptureDuplicate,
			actor:    actor,
			data: eventData(rec.PipelineStatus, rec.IngestState, correlationID, map[string]any{
				"source_channel": channel,
				"reason":         reason,
			}),
		})
	})
}

// Archive flags a record as archived. Archived records are never deleted and
// no longer participate in duplicate matching.
func (s *Store) Archive(ctx context.Context, id, actor string) (*record.Record, error) {
	now := s.now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getRecordTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.Archived {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE records SET is_archived = ?, updated_at = ? WHERE id = ?`,
			boolToInt(true), formatTime(now), id,
		); err != nil {
			return fmt.Errorf("archive record: %w", err)
		}
		return insertEvent(ctx, tx, now, eventInput{
			recordID: id,
			kind:     record.EventArchived,
			actor:    actor,
			data:     eventData(current.PipelineStatus, current.IngestState, "", nil),
		})
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// UpdateClassification writes optional project/type/domain references. A ref
// with an id must carry a label; a zero ref clears id and label together.
func (s *Store) UpdateClassification(ctx context.Context, id string, c record.Classification, actor string) (*record.Record, error) {
	type column struct {
		name string
		ref  *record.ClassificationRef
	}
	columns := []column{{"project", c.Project}, {"type", c.Type}, {"domain", c.Domain}}

	var (
		sets    []string
		args    []any
		changed = map[string]any{}
	)
	for _, col := range columns {
		if col.ref == nil {
			continue
		}
		ref := record.ClassificationRef{ID: strings.TrimSpace(col.ref.ID), Label: strings.TrimSpace(col.ref.Label)}
		if !ref.Valid() {
			return nil, fmt.Errorf("%w: %s", ErrInvalidClassification, col.name)
		}
		sets = append(sets, col.name+"_id = ?", col.name+"_label = ?")
		args = append(args, nullableString(ref.ID), nullableString(ref.Label))
		changed[col.name] = map[string]any{"id": ref.ID, "label": ref.Label}
	}
	if len(sets) == 0 {
		return s.Get(ctx, id)
	}

	now := s.now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getRecordTx(ctx, tx, id)
		if err != nil {
			return err
		}
		query := `UPDATE records SET ` + strings.Join(sets, ", ") + `, updated_at = ? WHERE id = ?`
		if _, err := tx.ExecContext(ctx, query, append(args, formatTime(now), id)...); err != nil {
			return fmt.Errorf("update classification: %w", err)
		}
		return insertEvent(ctx, tx, now, eventInput{
			recordID: id,
			kind:     record.EventClassificationUpdated,
			actor:    actor,
			data:     eventData(current.PipelineStatus, current.IngestState, "", map[string]any{"classification": changed}),
		})
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Events returns a record's audit trail oldest first.
func (s *Store) Events(ctx context.Context, id string) ([]record.Event, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT id, record_id, kind, stage, actor, payload_json, created_at FROM record_events WHERE record_id = ? ORDER BY id`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []record.Event
	for rows.Next() {
		var (
			ev         record.Event
			stage      sql.NullString
			payloadRaw string
			createdRaw string
		)
		if err := rows.Scan(&ev.ID, &ev.RecordID, &ev.Kind, &stage, &ev.Actor, &payloadRaw, &createdRaw); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Stage = stage.String
		if payloadRaw != "" {
			if err := json.Unmarshal([]byte(payloadRaw), &ev.Data); err != nil {
				return nil, fmt.Errorf("decode event %d: %w", ev.ID, err)
			}
		}
		if created, err := parseTimeString(createdRaw); err == nil {
			ev.CreatedAt = created
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
