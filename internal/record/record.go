package record

import (
	"encoding/json"
	"time"
)

// Record is one captured artifact and its lifecycle state.
type Record struct {
	ID                 string
	SourceType         SourceType
	SourceChannel      string
	SourcePath         string
	MimeType           string
	Fingerprint        string
	FingerprintAlgo    string
	IngestState        IngestState
	PipelineStatus     PipelineStatus
	CognitiveStatus    CognitiveStatus
	StageAttempt       int
	LeaseID            string
	LastHeartbeat      *time.Time
	ErrorCode          string
	ErrorMessage       string
	Archived           bool
	ProjectID          string
	ProjectLabel       string
	TypeID             string
	TypeLabel          string
	DomainID           string
	DomainLabel        string
	Payload            Payload
	CreatedAt          time.Time
	UpdatedAt          time.Time
	LastStageStartedAt *time.Time
}

// CurrentStage returns the stage the record is queued for or processing.
func (r *Record) CurrentStage() (Stage, bool) {
	if r == nil {
		return "", false
	}
	return r.IngestState.Stage()
}

// Payload is the flexible structured document attached to a record. Each
// stage writes its own section; sections survive later stages.
type Payload struct {
	Text          *TextPayload          `json:"text,omitempty"`
	Transcription *TranscriptionPayload `json:"transcription,omitempty"`
	Extraction    *ExtractionPayload    `json:"extraction,omitempty"`
	Normalization *NormalizationPayload `json:"normalization,omitempty"`
	Semantic      *SemanticPayload      `json:"semantic,omitempty"`
	Metadata      map[string]any        `json:"metadata,omitempty"`
}

// TextPayload holds text captured directly.
type TextPayload struct {
	Content string `json:"content"`
}

// TranscriptionPayload holds speech-to-text output.
type TranscriptionPayload struct {
	Text       string  `json:"text"`
	Language   string  `json:"language,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Provider   string  `json:"provider,omitempty"`
}

// ExtractionPayload holds document text extraction output.
type ExtractionPayload struct {
	Text      string `json:"text"`
	MimeType  string `json:"mime_type,omitempty"`
	PageCount int    `json:"page_count,omitempty"`
	Provider  string `json:"provider,omitempty"`
}

// Segment is one block of normalized text.
type Segment struct {
	Index int    `json:"index"`
	Type  string `json:"type"`
	Text  string `json:"text"`
}

// NormalizationPayload holds cleaned text and its segmentation.
type NormalizationPayload struct {
	Text           string    `json:"text"`
	Segments       []Segment `json:"segments"`
	AppliedRules   []string  `json:"applied_rules"`
	InputChars     int       `json:"input_chars"`
	OutputChars    int       `json:"output_chars"`
	InputTruncated bool      `json:"input_truncated,omitempty"`
	Truncated      bool      `json:"truncated,omitempty"`
	SourceSection  string    `json:"source_section"`
}

// Confidence holds per-dimension semantic confidence in [0,1].
type Confidence struct {
	Summary        float64 `json:"summary"`
	Classification float64 `json:"classification"`
}

// SemanticPayload holds summarization and classification hints.
type SemanticPayload struct {
	Mode         string     `json:"mode"`
	Summary      string     `json:"summary"`
	DisplayTitle string     `json:"display_title"`
	Tags         []string   `json:"tags"`
	TypeLabel    string     `json:"type_label,omitempty"`
	DomainLabel  string     `json:"domain_label,omitempty"`
	Confidence   Confidence `json:"confidence"`
	ModelUsed    string     `json:"model_used,omitempty"`
	InputChars   int        `json:"input_chars"`
}

// SourceText returns the best available text for a downstream stage,
// together with the payload section it came from.
func (p Payload) SourceText() (string, string) {
	switch {
	case p.Transcription != nil && p.Transcription.Text != "":
		return p.Transcription.Text, "transcription"
	case p.Extraction != nil && p.Extraction.Text != "":
		return p.Extraction.Text, "extraction"
	case p.Text != nil:
		return p.Text.Content, "text"
	}
	return "", ""
}

// NormalizedText returns normalized text when available.
func (p Payload) NormalizedText() string {
	if p.Normalization == nil {
		return ""
	}
	return p.Normalization.Text
}

// MarshalPayload encodes a payload for storage.
func MarshalPayload(p Payload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// UnmarshalPayload decodes a stored payload. Empty input yields a zero payload.
func UnmarshalPayload(raw string) (Payload, error) {
	var p Payload
	if raw == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Payload{}, err
	}
	return p, nil
}

// Event is one append-only history entry for a record.
type Event struct {
	ID        int64
	RecordID  string
	Kind      string
	Stage     string
	Actor     string
	Data      map[string]any
	CreatedAt time.Time
}

// Event data keys shared by every writer.
const (
	DataPipelineStatus = "pipeline_status"
	DataIngestState    = "ingest_state"
	DataCorrelationID  = "correlation_id"
	DataErrorCode      = "error_code"
	DataErrorMessage   = "error_message"
	DataAttempt        = "attempt"
)

// Well-known event kinds that are not stage-namespaced.
const (
	EventCaptureCreated        = "capture.created"
	EventCaptureEnqueued       = "capture.enqueued"
	EventCaptureDuplicate      = "capture.duplicate_skipped"
	EventCaptureReingested     = "capture.reingested"
	EventCaptureFailed         = "capture.failed"
	EventClassificationUpdated = "record.classification_updated"
	EventArchived              = "record.archived"
)

// Stage event suffixes.
const (
	SuffixStarted        = "started"
	SuffixCompleted      = "completed"
	SuffixFailed         = "failed"
	SuffixRetryScheduled = "retry_scheduled"
	SuffixDeadLettered   = "dead_lettered"
)

// ClassificationRef is an optional id+label pair. A non-empty ID requires a
// non-empty Label.
type ClassificationRef struct {
	ID    string
	Label string
}

// Valid reports whether the reference satisfies the id-requires-label rule.
func (c ClassificationRef) Valid() bool {
	return c.ID == "" || c.Label != ""
}

// Classification carries the three optional references. A nil field leaves the
// stored value unchanged; a non-nil zero ref clears it.
type Classification struct {
	Project *ClassificationRef
	Type    *ClassificationRef
	Domain  *ClassificationRef
}
