package api

import (
	"encoding/json"
	"strings"
	"time"

	"capsule/internal/capture"
	"capsule/internal/record"
	"capsule/internal/workflow"
)

// FromRecord converts a stored record to its API representation.
func FromRecord(rec *record.Record) Record {
	if rec == nil {
		return Record{}
	}
	dto := Record{
		ID:              rec.ID,
		SourceType:      string(rec.SourceType),
		SourceChannel:   rec.SourceChannel,
		SourcePath:      rec.SourcePath,
		MimeType:        rec.MimeType,
		Fingerprint:     rec.Fingerprint,
		FingerprintAlgo: rec.FingerprintAlgo,
		IngestState:     string(rec.IngestState),
		PipelineStatus:  string(rec.PipelineStatus),
		CognitiveStatus: string(rec.CognitiveStatus),
		StageAttempt:    rec.StageAttempt,
		ErrorCode:       rec.ErrorCode,
		ErrorMessage:    rec.ErrorMessage,
		Archived:        rec.Archived,
		Project:         classificationRef(rec.ProjectID, rec.ProjectLabel),
		Type:            classificationRef(rec.TypeID, rec.TypeLabel),
		Domain:          classificationRef(rec.DomainID, rec.DomainLabel),
		Title:           Title(rec),
		CreatedAt:       formatTime(rec.CreatedAt),
		UpdatedAt:       formatTime(rec.UpdatedAt),
	}
	if rec.LastHeartbeat != nil {
		dto.LastHeartbeat = formatTime(*rec.LastHeartbeat)
	}
	if raw, err := record.MarshalPayload(rec.Payload); err == nil && raw != "" && raw != "{}" {
		dto.Payload = json.RawMessage(raw)
	}
	return dto
}

// FromRecords converts a slice of records.
func FromRecords(recs []*record.Record) []Record {
	out := make([]Record, 0, len(recs))
	for _, rec := range recs {
		if rec == nil {
			continue
		}
		out = append(out, FromRecord(rec))
	}
	return out
}

// Title picks the best display title: the semantic title, then a title given
// at capture, then the original file name.
func Title(rec *record.Record) string {
	if rec == nil {
		return ""
	}
	if sem := rec.Payload.Semantic; sem != nil && strings.TrimSpace(sem.DisplayTitle) != "" {
		return strings.TrimSpace(sem.DisplayTitle)
	}
	for _, key := range []string{"title", "original_name"} {
		if value, ok := rec.Payload.Metadata[key].(string); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// FromEvents converts audit events.
func FromEvents(events []record.Event) []Event {
	out := make([]Event, 0, len(events))
	for _, ev := range events {
		out = append(out, Event{
			ID:        ev.ID,
			RecordID:  ev.RecordID,
			Kind:      ev.Kind,
			Stage:     ev.Stage,
			Actor:     ev.Actor,
			Data:      ev.Data,
			CreatedAt: formatTime(ev.CreatedAt),
		})
	}
	return out
}

// FromCaptureResult converts a capture decision.
func FromCaptureResult(res capture.Result) CaptureResponse {
	resp := CaptureResponse{
		RecordID:      res.RecordID,
		Action:        string(res.Action),
		Reason:        res.Reason,
		CorrelationID: res.CorrelationID,
	}
	if res.Record != nil {
		dto := FromRecord(res.Record)
		resp.Record = &dto
	}
	return resp
}

// FromStatusSummary converts workflow diagnostics.
func FromStatusSummary(s workflow.StatusSummary) WorkflowStatus {
	status := WorkflowStatus{
		Running:     s.Running,
		Workers:     s.Workers,
		Processed:   s.Processed,
		Reclaimed:   s.Reclaimed,
		LastError:   s.LastError,
		IngestStats: make(map[string]int, len(s.IngestStat)),
	}
	for _, t := range s.JobTypes {
		status.JobTypes = append(status.JobTypes, string(t))
	}
	for state, count := range s.IngestStat {
		status.IngestStats[string(state)] = count
	}
	if s.LastJob != nil {
		status.LastJob = &Job{
			Type:          string(s.LastJob.Type),
			RecordID:      s.LastJob.RecordID,
			RetryCount:    s.LastJob.RetryCount,
			CorrelationID: s.LastJob.CorrelationID,
		}
	}
	return status
}

// ToClassification converts a request into the store's update shape.
func ToClassification(req ClassificationRequest) record.Classification {
	return record.Classification{
		Project: toRef(req.Project),
		Type:    toRef(req.Type),
		Domain:  toRef(req.Domain),
	}
}

func toRef(c *Classification) *record.ClassificationRef {
	if c == nil {
		return nil
	}
	return &record.ClassificationRef{ID: strings.TrimSpace(c.ID), Label: strings.TrimSpace(c.Label)}
}

func classificationRef(id, label string) *Classification {
	if id == "" && label == "" {
		return nil
	}
	return &Classification{ID: id, Label: label}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}
