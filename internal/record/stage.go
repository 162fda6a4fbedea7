package record

import (
	"fmt"
	"strings"
)

// Stage names one pipeline phase.
type Stage string

const (
	StageTranscription Stage = "transcription"
	StageExtraction    Stage = "extraction"
	StageNormalization Stage = "normalization"
	StageSemantic      Stage = "semantic"
)

var allStages = []Stage{
	StageTranscription,
	StageExtraction,
	StageNormalization,
	StageSemantic,
}

// AllStages returns the stages in pipeline order.
func AllStages() []Stage {
	out := make([]Stage, len(allStages))
	copy(out, allStages)
	return out
}

// ParseStage converts a string into a Stage.
func ParseStage(value string) (Stage, bool) {
	normalized := Stage(strings.ToLower(strings.TrimSpace(value)))
	for _, stage := range allStages {
		if stage == normalized {
			return stage, true
		}
	}
	return "", false
}

// QueuedState is the ingest state a record holds while waiting for stage.
func (s Stage) QueuedState() IngestState {
	return IngestState("queued_for_" + string(s))
}

// ProcessingState is the ingest state a record holds while stage runs.
func (s Stage) ProcessingState() IngestState {
	return IngestState("processing_" + string(s))
}

// Status returns the pipeline status for one outcome of stage.
func (s Stage) Status(outcome StageOutcome) PipelineStatus {
	return PipelineStatus(fmt.Sprintf("%s_%s", s, outcome))
}

// EventKind returns the namespaced event kind for stage.
func (s Stage) EventKind(suffix string) string {
	return string(s) + "." + suffix
}

// StageOutcome is the suffix of a stage-namespaced pipeline status.
type StageOutcome string

const (
	OutcomeQueued     StageOutcome = "queued"
	OutcomeInProgress StageOutcome = "in_progress"
	OutcomeComplete   StageOutcome = "complete"
	OutcomeFailed     StageOutcome = "failed"
)

var allOutcomes = []StageOutcome{OutcomeQueued, OutcomeInProgress, OutcomeComplete, OutcomeFailed}

// SourceType classifies captured content.
type SourceType string

const (
	SourceText     SourceType = "text"
	SourceAudio    SourceType = "audio"
	SourceDocument SourceType = "document"
)

// ParseSourceType converts a string into a SourceType.
func ParseSourceType(value string) (SourceType, bool) {
	switch SourceType(strings.ToLower(strings.TrimSpace(value))) {
	case SourceText:
		return SourceText, true
	case SourceAudio:
		return SourceAudio, true
	case SourceDocument:
		return SourceDocument, true
	default:
		return "", false
	}
}

// FirstStage returns the stage a freshly captured record of this type enters.
func (t SourceType) FirstStage() Stage {
	switch t {
	case SourceAudio:
		return StageTranscription
	case SourceDocument:
		return StageExtraction
	default:
		return StageNormalization
	}
}

// Well-known capture channels.
const (
	ChannelManualText          = "manual_text"
	ChannelAPI                 = "api"
	ChannelWatchFolderAudio    = "watch_folder_audio"
	ChannelWatchFolderDocument = "watch_folder_document"
)

// NextStage returns the stage that follows s, or false when s is the last
// stage. Semantic enrichment can be switched off, in which case normalization
// terminates the pipeline.
func NextStage(s Stage, semanticEnabled bool) (Stage, bool) {
	switch s {
	case StageTranscription, StageExtraction:
		return StageNormalization, true
	case StageNormalization:
		if semanticEnabled {
			return StageSemantic, true
		}
		return "", false
	default:
		return "", false
	}
}
