package record

import "strings"

// IngestState is the authoritative lifecycle lane.
type IngestState string

const (
	IngestCaptured  IngestState = "captured"
	IngestProcessed IngestState = "processed"
	IngestFailed    IngestState = "failed"
)

var allIngestStates = func() []IngestState {
	states := []IngestState{IngestCaptured}
	for _, stage := range allStages {
		states = append(states, stage.QueuedState(), stage.ProcessingState())
	}
	return append(states, IngestProcessed, IngestFailed)
}()

var ingestStateSet = func() map[IngestState]struct{} {
	set := make(map[IngestState]struct{}, len(allIngestStates))
	for _, state := range allIngestStates {
		set[state] = struct{}{}
	}
	return set
}()

// AllIngestStates returns every ingest state in lifecycle order.
func AllIngestStates() []IngestState {
	out := make([]IngestState, len(allIngestStates))
	copy(out, allIngestStates)
	return out
}

// ParseIngestState converts a string into a known IngestState.
func ParseIngestState(value string) (IngestState, bool) {
	state := IngestState(strings.ToLower(strings.TrimSpace(value)))
	_, ok := ingestStateSet[state]
	return state, ok
}

// IsTerminal reports whether the state is processed or failed.
func (s IngestState) IsTerminal() bool {
	return s == IngestProcessed || s == IngestFailed
}

// IsQueued reports whether the state is a queued_for_* state.
func (s IngestState) IsQueued() bool {
	_, ok := s.queuedStage()
	return ok
}

// IsProcessing reports whether the state is a processing_* state.
func (s IngestState) IsProcessing() bool {
	_, ok := s.processingStage()
	return ok
}

// Stage returns the stage a queued or processing state belongs to.
func (s IngestState) Stage() (Stage, bool) {
	if stage, ok := s.queuedStage(); ok {
		return stage, true
	}
	return s.processingStage()
}

func (s IngestState) queuedStage() (Stage, bool) {
	for _, stage := range allStages {
		if stage.QueuedState() == s {
			return stage, true
		}
	}
	return "", false
}

func (s IngestState) processingStage() (Stage, bool) {
	for _, stage := range allStages {
		if stage.ProcessingState() == s {
			return stage, true
		}
	}
	return "", false
}

// PipelineStatus is the stage-namespaced fine-grained lane.
type PipelineStatus string

// PipelineCaptured is the pipeline status a record holds before any stage is queued.
const PipelineCaptured PipelineStatus = "capture_received"

var pipelineStatusSet = func() map[PipelineStatus]struct{} {
	set := map[PipelineStatus]struct{}{PipelineCaptured: {}}
	for _, stage := range allStages {
		for _, outcome := range allOutcomes {
			set[stage.Status(outcome)] = struct{}{}
		}
	}
	return set
}()

// ParsePipelineStatus converts a string into a known PipelineStatus.
func ParsePipelineStatus(value string) (PipelineStatus, bool) {
	status := PipelineStatus(strings.ToLower(strings.TrimSpace(value)))
	_, ok := pipelineStatusSet[status]
	return status, ok
}

// Split returns the stage and outcome encoded in a stage-namespaced status.
func (p PipelineStatus) Split() (Stage, StageOutcome, bool) {
	for _, stage := range allStages {
		prefix := string(stage) + "_"
		if !strings.HasPrefix(string(p), prefix) {
			continue
		}
		outcome := StageOutcome(strings.TrimPrefix(string(p), prefix))
		for _, known := range allOutcomes {
			if known == outcome {
				return stage, outcome, true
			}
		}
	}
	return "", "", false
}

// CognitiveStatus tracks human/semantic review state.
type CognitiveStatus string

const (
	CognitiveUnreviewed   CognitiveStatus = "unreviewed"
	CognitiveReviewNeeded CognitiveStatus = "review_needed"
	CognitiveProcessed    CognitiveStatus = "processed"
	CognitiveComplete     CognitiveStatus = "complete"
)

var allCognitiveStatuses = []CognitiveStatus{
	CognitiveUnreviewed,
	CognitiveReviewNeeded,
	CognitiveProcessed,
	CognitiveComplete,
}

// ParseCognitiveStatus converts a string into a known CognitiveStatus.
func ParseCognitiveStatus(value string) (CognitiveStatus, bool) {
	status := CognitiveStatus(strings.ToLower(strings.TrimSpace(value)))
	for _, known := range allCognitiveStatuses {
		if known == status {
			return status, true
		}
	}
	return "", false
}
