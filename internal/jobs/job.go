package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"capsule/internal/record"
)

// Type is a job-type name used for dispatch.
type Type string

const (
	TypeTranscribe     Type = "transcribe"
	TypeExtract        Type = "extract"
	TypeNormalize      Type = "normalize"
	TypeSemanticEnrich Type = "semantic_enrich"
)

var stageTypes = map[record.Stage]Type{
	record.StageTranscription: TypeTranscribe,
	record.StageExtraction:    TypeExtract,
	record.StageNormalization: TypeNormalize,
	record.StageSemantic:      TypeSemanticEnrich,
}

// AllTypes lists every job type in pipeline order.
func AllTypes() []Type {
	return []Type{TypeTranscribe, TypeExtract, TypeNormalize, TypeSemanticEnrich}
}

// TypeForStage returns the job type that runs stage.
func TypeForStage(stage record.Stage) Type {
	return stageTypes[stage]
}

// Stage returns the stage a job type runs.
func (t Type) Stage() (record.Stage, bool) {
	for stage, jobType := range stageTypes {
		if jobType == t {
			return stage, true
		}
	}
	return "", false
}

// ParseType converts a string into a known Type.
func ParseType(value string) (Type, bool) {
	normalized := Type(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := normalized.Stage(); ok {
		return normalized, true
	}
	return "", false
}

// Job is one unit of stage work. It is opaque to the record store.
type Job struct {
	ID            string    `json:"id"`
	Type          Type      `json:"job_type"`
	RecordID      string    `json:"record_id"`
	ContentRef    string    `json:"content_ref,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	RetryCount    int       `json:"retry_count"`
	NotBefore     time.Time `json:"not_before,omitempty"`
}

// Validate checks the fields every transport relies on.
func (j Job) Validate() error {
	if _, ok := j.Type.Stage(); !ok {
		return fmt.Errorf("unknown job type %q", j.Type)
	}
	if strings.TrimSpace(j.RecordID) == "" {
		return errors.New("job record id is required")
	}
	if j.RetryCount < 0 {
		return errors.New("job retry count must be >= 0")
	}
	return nil
}

// Retry returns the follow-up job for a retryable failure.
func (j Job) Retry(notBefore time.Time) Job {
	next := j
	next.ID = ""
	next.RetryCount = j.RetryCount + 1
	next.NotBefore = notBefore
	return next
}

// payload is the body persisted by transports; type and id travel alongside.
type payload struct {
	RecordID      string `json:"record_id"`
	ContentRef    string `json:"content_ref,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	RetryCount    int    `json:"retry_count"`
}

// EncodePayload serializes the transport body of j.
func EncodePayload(j Job) (string, error) {
	data, err := json.Marshal(payload{
		RecordID:      j.RecordID,
		ContentRef:    j.ContentRef,
		CorrelationID: j.CorrelationID,
		RetryCount:    j.RetryCount,
	})
	if err != nil {
		return "", fmt.Errorf("encode job payload: %w", err)
	}
	return string(data), nil
}

// DecodePayload fills the body fields of j from raw.
func DecodePayload(raw string, j *Job) error {
	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return fmt.Errorf("decode job payload: %w", err)
	}
	j.ContentRef = p.ContentRef
	j.CorrelationID = p.CorrelationID
	j.RetryCount = p.RetryCount
	if j.RecordID == "" {
		j.RecordID = p.RecordID
	}
	return nil
}
