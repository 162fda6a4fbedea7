package record

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned when a lane write is not allowed by the
// transition table.
var ErrIllegalTransition = errors.New("illegal ingest transition")

// TransitionOptions relaxes the table for explicit operator actions.
type TransitionOptions struct {
	// Reingest permits processed or failed records to re-enter their first
	// stage queue.
	Reingest bool
	// SemanticEnabled controls whether normalization hands off to semantic.
	SemanticEnabled bool
}

// CanTransition reports whether from -> to is permitted for a record of the
// given source type.
func CanTransition(sourceType SourceType, from, to IngestState, opts TransitionOptions) bool {
	if to == IngestFailed {
		return !from.IsTerminal()
	}
	first := sourceType.FirstStage()
	switch {
	case from == IngestCaptured:
		return to == first.QueuedState()
	case from.IsTerminal():
		return opts.Reingest && to == first.QueuedState()
	case from.IsQueued():
		stage, _ := from.Stage()
		return to == stage.ProcessingState()
	case from.IsProcessing():
		stage, _ := from.Stage()
		if to == from {
			// retry in place
			return true
		}
		next, ok := NextStage(stage, opts.SemanticEnabled)
		if !ok {
			return to == IngestProcessed
		}
		return to == next.QueuedState()
	}
	return false
}

// ValidateTransition returns ErrIllegalTransition with context when the
// transition is not permitted.
func ValidateTransition(sourceType SourceType, from, to IngestState, opts TransitionOptions) error {
	if _, ok := ingestStateSet[to]; !ok {
		return fmt.Errorf("%w: unknown target state %q", ErrIllegalTransition, to)
	}
	if !CanTransition(sourceType, from, to, opts) {
		return fmt.Errorf("%w: %s -> %s (%s)", ErrIllegalTransition, from, to, sourceType)
	}
	return nil
}

// PipelineFor returns the pipeline status that must accompany ingest state
// to. The previous pipeline status is needed for terminal states, which keep
// the stage that produced them.
func PipelineFor(to IngestState, failedStage Stage, completedStage Stage) PipelineStatus {
	switch {
	case to == IngestCaptured:
		return PipelineCaptured
	case to.IsQueued():
		stage, _ := to.Stage()
		return stage.Status(OutcomeQueued)
	case to.IsProcessing():
		stage, _ := to.Stage()
		return stage.Status(OutcomeInProgress)
	case to == IngestFailed:
		if failedStage == "" {
			return PipelineCaptured
		}
		return failedStage.Status(OutcomeFailed)
	case to == IngestProcessed:
		return completedStage.Status(OutcomeComplete)
	}
	return PipelineCaptured
}

// LanesConsistent reports whether an ingest/pipeline pair is a combination the
// pipeline can legitimately produce.
func LanesConsistent(ingest IngestState, pipeline PipelineStatus) bool {
	if ingest == IngestCaptured {
		return pipeline == PipelineCaptured
	}
	if ingest == IngestFailed && pipeline == PipelineCaptured {
		return true
	}
	stage, outcome, ok := pipeline.Split()
	if !ok {
		return false
	}
	switch {
	case ingest.IsQueued():
		s, _ := ingest.Stage()
		if s == stage && outcome == OutcomeQueued {
			return true
		}
		// a completed stage stays current until the next stage claims the record
		if outcome != OutcomeComplete {
			return false
		}
		withSemantic, ok1 := NextStage(stage, true)
		withoutSemantic, ok2 := NextStage(stage, false)
		return (ok1 && withSemantic == s) || (ok2 && withoutSemantic == s)
	case ingest.IsProcessing():
		s, _ := ingest.Stage()
		return s == stage && outcome == OutcomeInProgress
	case ingest == IngestProcessed:
		return outcome == OutcomeComplete
	case ingest == IngestFailed:
		return outcome == OutcomeFailed
	}
	return false
}
