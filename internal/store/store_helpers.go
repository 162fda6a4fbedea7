package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"capsule/internal/record"
)

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const recordColumns = "id, source_type, source_channel, source_path, mime_type, capture_fingerprint, fingerprint_algo, ingest_state, pipeline_status, cognitive_status, stage_attempt, lease_id, last_heartbeat, last_stage_started_at, error_code, error_message, is_archived, project_id, project_label, type_id, type_label, domain_id, domain_label, payload_json, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(scanner rowScanner) (*record.Record, error) {
	var (
		id, sourceType, channel                string
		sourcePath, mimeType                   sql.NullString
		fingerprint, algo                      string
		ingest, pipeline, cognitive            string
		attempt                                int
		leaseID, heartbeatRaw, stageStartedRaw sql.NullString
		errorCode, errorMessage                sql.NullString
		archived                               int
		projectID, projectLabel                sql.NullString
		typeID, typeLabel                      sql.NullString
		domainID, domainLabel                  sql.NullString
		payloadRaw, createdRaw, updatedRaw     string
	)
	if err := scanner.Scan(
		&id, &sourceType, &channel, &sourcePath, &mimeType, &fingerprint, &algo,
		&ingest, &pipeline, &cognitive, &attempt, &leaseID, &heartbeatRaw, &stageStartedRaw,
		&errorCode, &errorMessage, &archived,
		&projectID, &projectLabel, &typeID, &typeLabel, &domainID, &domainLabel,
		&payloadRaw, &createdRaw, &updatedRaw,
	); err != nil {
		return nil, err
	}

	payload, err := record.UnmarshalPayload(payloadRaw)
	if err != nil {
		return nil, fmt.Errorf("decode payload for %s: %w", id, err)
	}

	rec := &record.Record{
		ID:              id,
		SourceType:      record.SourceType(sourceType),
		SourceChannel:   channel,
		SourcePath:      sourcePath.String,
		MimeType:        mimeType.String,
		Fingerprint:     fingerprint,
		FingerprintAlgo: algo,
		IngestState:     record.IngestState(ingest),
		PipelineStatus:  record.PipelineStatus(pipeline),
		CognitiveStatus: record.CognitiveStatus(cognitive),
		StageAttempt:    attempt,
		LeaseID:         leaseID.String,
		ErrorCode:       errorCode.String,
		ErrorMessage:    errorMessage.String,
		Archived:        archived != 0,
		ProjectID:       projectID.String,
		ProjectLabel:    projectLabel.String,
		TypeID:          typeID.String,
		TypeLabel:       typeLabel.String,
		DomainID:        domainID.String,
		DomainLabel:     domainLabel.String,
		Payload:         payload,
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		rec.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		rec.UpdatedAt = updated
	}
	if heartbeatRaw.Valid {
		if ts, err := parseTimeString(heartbeatRaw.String); err == nil {
			rec.LastHeartbeat = &ts
		}
	}
	if stageStartedRaw.Valid {
		if ts, err := parseTimeString(stageStartedRaw.String); err == nil {
			rec.LastStageStartedAt = &ts
		}
	}
	return rec, nil
}

func getRecordTx(ctx context.Context, tx *sql.Tx, id string) (*record.Record, error) {
	rec, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// eventInput is one audit row written inside a lane transaction.
type eventInput struct {
	recordID string
	kind     string
	stage    record.Stage
	actor    string
	data     map[string]any
}

func insertEvent(ctx context.Context, tx *sql.Tx, at time.Time, ev eventInput) error {
	data := ev.data
	if data == nil {
		data = map[string]any{}
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}
	actor := ev.actor
	if actor == "" {
		actor = "system"
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO record_events (record_id, kind, stage, actor, payload_json, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.recordID, ev.kind, nullableString(string(ev.stage)), actor, string(encoded), formatTime(at),
	); err != nil {
		return fmt.Errorf("insert event %s: %w", ev.kind, err)
	}
	return nil
}

// eventData builds the standard event payload and merges extra keys.
func eventData(pipeline record.PipelineStatus, ingest record.IngestState, correlationID string, extra map[string]any) map[string]any {
	data := map[string]any{
		record.DataPipelineStatus: string(pipeline),
		record.DataIngestState:    string(ingest),
	}
	if correlationID != "" {
		data[record.DataCorrelationID] = correlationID
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}

// affectedOne converts a CAS update result into ErrConflict when no row matched.
func affectedOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrConflict, id)
	}
	return nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
