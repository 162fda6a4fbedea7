package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"capsule/internal/jobs"
	"capsule/internal/logging"
	"capsule/internal/metrics"
	"capsule/internal/notifications"
	"capsule/internal/record"
	"capsule/internal/retry"
	"capsule/internal/services"
	"capsule/internal/staging"
	"capsule/internal/store"
)

func (c *Coordinator) applySuccess(ctx context.Context, logger *slog.Logger, stage record.Stage, job jobs.Job, rec *record.Record, leaseID string, out stageOutput, elapsed time.Duration) ([]jobs.Job, error) {
	nextStage, hasNext := record.NextStage(stage, c.semanticEnabled)
	next := record.IngestProcessed
	if hasNext {
		next = nextStage.QueuedState()
	}

	sourcePath := ""
	var root staging.Root
	moved := false
	if !hasNext {
		sourcePath, root, moved = c.relocate(logger, rec.SourcePath, staging.AreaProcessed)
	}

	updated, err := c.store.Complete(ctx, store.CompleteRequest{
		RecordID:        rec.ID,
		Stage:           stage,
		LeaseID:         leaseID,
		Next:            next,
		SemanticEnabled: c.semanticEnabled,
		Payload:         out.payload,
		Cognitive:       out.cognitive,
		SourcePath:      sourcePath,
		Actor:           actor,
		CorrelationID:   job.CorrelationID,
		Data:            out.data,
	})
	if err != nil {
		if moved {
			c.restore(logger, root, sourcePath)
		}
		if c.writeRejected(logger, stage, err) {
			return nil, nil
		}
		return nil, fmt.Errorf("complete %s for %s: %w", stage, rec.ID, err)
	}

	c.metrics.StageOutcome(string(stage), metrics.OutcomeCompleted)
	logger.Info("stage completed",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.String("ingest_state", string(updated.IngestState)),
		logging.String("pipeline_status", string(updated.PipelineStatus)),
		logging.String("cognitive_status", string(updated.CognitiveStatus)),
		logging.Duration("stage_duration", elapsed),
	)
	if !hasNext {
		return nil, nil
	}
	return []jobs.Job{{
		Type:          jobs.TypeForStage(nextStage),
		RecordID:      rec.ID,
		ContentRef:    updated.SourcePath,
		CorrelationID: job.CorrelationID,
	}}, nil
}

// applyInterrupted releases the lease of a stage cut short by shutdown and
// hands back an immediate retry job. The attempt budget is not consulted, so
// a restart never dead-letters in-flight work.
func (c *Coordinator) applyInterrupted(ctx context.Context, logger *slog.Logger, stage record.Stage, job jobs.Job, rec *record.Record, leaseID string, runErr error) ([]jobs.Job, error) {
	notBefore := c.now()
	updated, err := c.store.ScheduleRetry(ctx, store.RetryRequest{
		RecordID:      rec.ID,
		Stage:         stage,
		LeaseID:       leaseID,
		Code:          retry.CodeInterrupted,
		Message:       failureMessage(runErr),
		NotBefore:     notBefore,
		Actor:         actor,
		CorrelationID: job.CorrelationID,
	})
	if err != nil {
		if c.writeRejected(logger, stage, err) {
			return nil, nil
		}
		return nil, fmt.Errorf("release interrupted %s for %s: %w", stage, rec.ID, err)
	}
	c.metrics.StageOutcome(string(stage), metrics.OutcomeRetried)
	logging.WarnWithContext(logger, "stage interrupted by shutdown, retry scheduled", "stage_interrupted",
		logging.String(logging.FieldErrorCode, retry.CodeInterrupted),
		logging.Int("attempt", rec.StageAttempt+1),
		logging.String(logging.FieldImpact, "stage reruns after restart"),
	)
	follow := job.Retry(notBefore)
	follow.RetryCount = updated.StageAttempt
	follow.ContentRef = updated.SourcePath
	return []jobs.Job{follow}, nil
}

func (c *Coordinator) applyFailure(ctx context.Context, logger *slog.Logger, stage record.Stage, job jobs.Job, rec *record.Record, leaseID string, runErr error) ([]jobs.Job, error) {
	attempt := rec.StageAttempt + 1
	outcome := c.policy.Decide(runErr, attempt)
	message := failureMessage(runErr)

	if outcome.Action == retry.ActionRetry {
		notBefore := c.now().Add(outcome.Delay)
		updated, err := c.store.ScheduleRetry(ctx, store.RetryRequest{
			RecordID:      rec.ID,
			Stage:         stage,
			LeaseID:       leaseID,
			Code:          outcome.Code,
			Message:       message,
			NotBefore:     notBefore,
			Actor:         actor,
			CorrelationID: job.CorrelationID,
		})
		if err != nil {
			if c.writeRejected(logger, stage, err) {
				return nil, nil
			}
			return nil, fmt.Errorf("schedule retry of %s for %s: %w", stage, rec.ID, err)
		}
		c.metrics.StageOutcome(string(stage), metrics.OutcomeRetried)
		logging.WarnWithContext(logger, "stage failed, retry scheduled", "stage_retry",
			logging.String(logging.FieldErrorCode, outcome.Code),
			logging.Int("attempt", attempt),
			logging.Duration("delay", outcome.Delay),
			logging.Error(runErr),
		)
		follow := job.Retry(notBefore)
		follow.RetryCount = updated.StageAttempt
		follow.ContentRef = updated.SourcePath
		return []jobs.Job{follow}, nil
	}

	deadLetter := outcome.Action == retry.ActionDeadLetter
	sourcePath, root, moved := c.relocate(logger, rec.SourcePath, staging.AreaFailed)
	_, err := c.store.Fail(ctx, store.FailRequest{
		RecordID:      rec.ID,
		Stage:         stage,
		LeaseID:       leaseID,
		Code:          outcome.Code,
		Message:       message,
		DeadLetter:    deadLetter,
		SourcePath:    sourcePath,
		Actor:         actor,
		CorrelationID: job.CorrelationID,
	})
	if err != nil {
		if moved {
			c.restore(logger, root, sourcePath)
		}
		if c.writeRejected(logger, stage, err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fail %s for %s: %w", stage, rec.ID, err)
	}

	event := notifications.EventStageFailed
	metricOutcome := metrics.OutcomeFailed
	if deadLetter {
		event = notifications.EventDeadLettered
		metricOutcome = metrics.OutcomeDeadLettered
	}
	c.metrics.StageOutcome(string(stage), metricOutcome)
	logging.ErrorWithContext(logger, "stage failed", "stage_failure",
		logging.String(logging.FieldErrorCode, outcome.Code),
		logging.Int("attempt", attempt),
		logging.Bool("dead_lettered", deadLetter),
		logging.String(logging.FieldImpact, "record moved to failed"),
		logging.String(logging.FieldErrorHint, "fix the cause and run capsule retry <id>"),
		logging.Error(runErr),
	)
	c.notify(ctx, logger, event, rec, stage, outcome.Code, message, attempt)
	return nil, nil
}

// enqueueFailed fails a record whose follow-up job never reached the
// transport. The record is unleased at this point, so the write is a CAS on
// the state the successful outcome left behind.
func (c *Coordinator) enqueueFailed(ctx context.Context, stage record.Stage, from, next jobs.Job, enqueueErr error) {
	logger := logging.WithContext(services.WithRecordID(ctx, next.RecordID), c.logger)
	failStage, ok := next.Type.Stage()
	if !ok {
		failStage = stage
	}
	expected := failStage.QueuedState()
	if next.Type == from.Type {
		expected = failStage.ProcessingState()
	}

	rec, err := c.store.Get(ctx, next.RecordID)
	if err != nil || rec == nil {
		logging.WarnWithContext(logger, "could not load record after enqueue failure", "enqueue_failed",
			logging.Error(errors.Join(enqueueErr, err)),
		)
		return
	}
	sourcePath, root, moved := c.relocate(logger, rec.SourcePath, staging.AreaFailed)
	_, err = c.store.Fail(ctx, store.FailRequest{
		RecordID:      next.RecordID,
		Stage:         failStage,
		ExpectedState: expected,
		Code:          retry.CodeEnqueueFailed,
		Message:       enqueueErr.Error(),
		SourcePath:    sourcePath,
		Actor:         actor,
		CorrelationID: next.CorrelationID,
	})
	if err != nil {
		if moved {
			c.restore(logger, root, sourcePath)
		}
		logging.WarnWithContext(logger, "could not mark record failed after enqueue error", "illegal_transition",
			logging.String(logging.FieldJobType, string(next.Type)),
			logging.Error(err),
		)
		return
	}
	c.metrics.StageOutcome(string(failStage), metrics.OutcomeFailed)
	logging.ErrorWithContext(logger, "follow-up job could not be enqueued", "enqueue_failed",
		logging.String(logging.FieldJobType, string(next.Type)),
		logging.String(logging.FieldErrorCode, retry.CodeEnqueueFailed),
		logging.String(logging.FieldErrorHint, "check the job transport connection"),
		logging.Error(enqueueErr),
	)
	c.notify(ctx, logger, notifications.EventStageFailed, rec, failStage, retry.CodeEnqueueFailed, enqueueErr.Error(), rec.StageAttempt+1)
}

// writeRejected reports whether an outcome write lost its lease or hit an
// illegal transition. The original state is kept and the delivery settled.
func (c *Coordinator) writeRejected(logger *slog.Logger, stage record.Stage, err error) bool {
	eventType := ""
	switch {
	case errors.Is(err, store.ErrConflict):
		eventType = "claim_conflict"
	case errors.Is(err, store.ErrIllegalTransition):
		eventType = "illegal_transition"
	default:
		return false
	}
	logging.WarnWithContext(logger, "stage outcome rejected", eventType,
		logging.String(logging.FieldErrorHint, "the lease was lost, likely reclaimed after a heartbeat timeout"),
		logging.Error(err),
	)
	c.metrics.StageOutcome(string(stage), metrics.OutcomeSkipped)
	return true
}

// relocate moves a staged source file into area. Files outside every watch
// root are left where they are.
func (c *Coordinator) relocate(logger *slog.Logger, path string, area staging.Area) (string, staging.Root, bool) {
	if path == "" {
		return "", staging.Root{}, false
	}
	root, ok := staging.RootFor(c.roots, path)
	if !ok {
		return "", staging.Root{}, false
	}
	var (
		dst string
		err error
	)
	switch area {
	case staging.AreaProcessed:
		dst, err = root.Complete(path)
	case staging.AreaFailed:
		dst, err = root.Fail(path)
	default:
		return "", staging.Root{}, false
	}
	if err != nil {
		logging.WarnWithContext(logger, "could not move source file", "staging_move_failed",
			logging.String("path", path),
			logging.String("area", string(area)),
			logging.Error(err),
		)
		return "", staging.Root{}, false
	}
	return dst, root, dst != path
}

// restore moves a file back to processing after a rejected outcome write.
func (c *Coordinator) restore(logger *slog.Logger, root staging.Root, path string) {
	if _, err := root.Claim(path); err != nil {
		logging.WarnWithContext(logger, "could not restore source file", "staging_move_failed",
			logging.String("path", path),
			logging.Error(err),
		)
	}
}

func (c *Coordinator) notify(ctx context.Context, logger *slog.Logger, event notifications.Event, rec *record.Record, stage record.Stage, code, message string, attempts int) {
	if c.notifier == nil {
		return
	}
	payload := notifications.Payload{
		"recordID":  rec.ID,
		"stage":     string(stage),
		"errorCode": code,
		"error":     message,
		"attempts":  attempts,
	}
	if name, ok := rec.Payload.Metadata["original_name"].(string); ok {
		payload["title"] = name
	} else if title, ok := rec.Payload.Metadata["title"].(string); ok {
		payload["title"] = title
	}
	if err := c.notifier.Publish(ctx, event, payload); err != nil {
		logger.Debug("failure notification failed", logging.Error(err))
	}
}

func failureMessage(err error) string {
	if err == nil {
		return ""
	}
	message := strings.TrimSpace(services.Details(err).Message)
	if message == "" {
		message = strings.TrimSpace(err.Error())
	}
	return truncateRunes(message, 500)
}
