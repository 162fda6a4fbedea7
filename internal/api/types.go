package api

import (
	"encoding/json"

	"capsule/internal/store"
)

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Record describes a captured record in a transport-friendly format.
type Record struct {
	ID              string          `json:"id"`
	SourceType      string          `json:"sourceType"`
	SourceChannel   string          `json:"sourceChannel"`
	SourcePath      string          `json:"sourcePath,omitempty"`
	MimeType        string          `json:"mimeType,omitempty"`
	Fingerprint     string          `json:"fingerprint"`
	FingerprintAlgo string          `json:"fingerprintAlgorithm"`
	IngestState     string          `json:"ingestState"`
	PipelineStatus  string          `json:"pipelineStatus"`
	CognitiveStatus string          `json:"cognitiveStatus"`
	StageAttempt    int             `json:"stageAttempt"`
	ErrorCode       string          `json:"errorCode,omitempty"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	Archived        bool            `json:"archived"`
	Project         *Classification `json:"project,omitempty"`
	Type            *Classification `json:"type,omitempty"`
	Domain          *Classification `json:"domain,omitempty"`
	Title           string          `json:"title,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	CreatedAt       string          `json:"createdAt,omitempty"`
	UpdatedAt       string          `json:"updatedAt,omitempty"`
	LastHeartbeat   string          `json:"lastHeartbeat,omitempty"`
}

// Classification is an id and label pair. Sending a zero value clears it.
type Classification struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Event is one audit log entry.
type Event struct {
	ID        int64          `json:"id"`
	RecordID  string         `json:"recordId"`
	Kind      string         `json:"kind"`
	Stage     string         `json:"stage,omitempty"`
	Actor     string         `json:"actor"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt string         `json:"createdAt"`
}

// Job is the last job a worker finished.
type Job struct {
	Type          string `json:"type"`
	RecordID      string `json:"recordId"`
	RetryCount    int    `json:"retryCount"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// WorkflowStatus summarizes worker state.
type WorkflowStatus struct {
	Running     bool           `json:"running"`
	Workers     int            `json:"workers"`
	JobTypes    []string       `json:"jobTypes"`
	Processed   int64          `json:"processed"`
	Reclaimed   int64          `json:"reclaimed"`
	LastError   string         `json:"lastError,omitempty"`
	LastJob     *Job           `json:"lastJob,omitempty"`
	IngestStats map[string]int `json:"ingestStats"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running      bool           `json:"running"`
	PID          int            `json:"pid"`
	DatabasePath string         `json:"databasePath"`
	LockFilePath string         `json:"lockFilePath"`
	Transport    string         `json:"transport"`
	WatchRoots   []string       `json:"watchRoots"`
	Workflow     WorkflowStatus `json:"workflow"`
}

// HealthResponse is returned by /api/health.
type HealthResponse struct {
	Status   string               `json:"status"`
	Daemon   DaemonStatus         `json:"daemon"`
	Records  store.HealthSummary  `json:"records"`
	Database store.DatabaseHealth `json:"database"`
}

// CaptureRequest submits text or a file path. Exactly one of Text and Path
// must be set. Path must name a file directly inside a watch root's incoming
// directory.
type CaptureRequest struct {
	Text          string         `json:"text,omitempty"`
	Title         string         `json:"title,omitempty"`
	Path          string         `json:"path,omitempty"`
	Channel       string         `json:"channel,omitempty"`
	Force         bool           `json:"force,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
}

// CaptureResponse reports the idempotency decision for a submission.
type CaptureResponse struct {
	RecordID      string  `json:"recordId"`
	Action        string  `json:"action"`
	Reason        string  `json:"reason,omitempty"`
	CorrelationID string  `json:"correlationId"`
	Record        *Record `json:"record,omitempty"`
}

// ClassificationRequest updates classification references. Omitted fields
// are left unchanged.
type ClassificationRequest struct {
	Project *Classification `json:"project,omitempty"`
	Type    *Classification `json:"type,omitempty"`
	Domain  *Classification `json:"domain,omitempty"`
}

// RecordListResponse wraps a collection of records.
type RecordListResponse struct {
	Records []Record `json:"records"`
}

// RecordResponse wraps a single record.
type RecordResponse struct {
	Record Record `json:"record"`
}

// EventListResponse wraps a record's audit trail.
type EventListResponse struct {
	Events []Event `json:"events"`
}
