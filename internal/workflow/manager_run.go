package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"capsule/internal/jobs"
	"capsule/internal/logging"
	"capsule/internal/metrics"
	"capsule/internal/notifications"
	"capsule/internal/retry"
	"capsule/internal/services"
	"capsule/internal/staging"
)

// Start launches the worker lanes and the maintenance loop.
func (m *Manager) Start(ctx context.Context) error {
	types := m.registry.Types()
	if len(types) == 0 {
		return errors.New("workflow has no registered job handlers")
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.wg.Add(m.workers + 1)
	m.mu.Unlock()

	for i := 0; i < m.workers; i++ {
		lane := fmt.Sprintf("worker-%d", i+1)
		logger := m.logger.With(logging.String("lane", lane))
		go m.runLane(runCtx, logger, m.laneTransport(lane), types)
	}
	go m.runMaintenance(runCtx)

	m.logger.Info("workflow started",
		logging.Int("workers", m.workers),
		logging.Any("job_types", types),
	)
	return nil
}

// Stop cancels the lanes and waits for in-flight jobs to return.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

// laneTransport gives each lane its own lease owner when the transport
// supports it, so a lane can only settle deliveries it received.
func (m *Manager) laneTransport(lane string) jobs.Transport {
	if lt, ok := m.transport.(jobs.LaneTransport); ok {
		return lt.ForLane(lane)
	}
	return m.transport
}

func (m *Manager) runLane(ctx context.Context, logger *slog.Logger, tr jobs.Transport, types []jobs.Type) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		worked, err := m.runOnce(ctx, logger, tr, types)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			m.setLastError(err)
			logging.ErrorWithContext(logger, "failed to receive job", "job_receive_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check the job transport connection"),
			)
			m.wait(ctx, m.errorInterval)
			continue
		}
		if !worked {
			m.wait(ctx, m.pollInterval)
		}
	}
}

// RunOnce receives and processes at most one job. It reports whether a job
// was found.
func (m *Manager) RunOnce(ctx context.Context) (bool, error) {
	return m.runOnce(ctx, m.logger, m.transport, m.registry.Types())
}

func (m *Manager) runOnce(ctx context.Context, logger *slog.Logger, tr jobs.Transport, types []jobs.Type) (bool, error) {
	delivery, err := tr.Receive(ctx, types)
	if err != nil {
		return false, err
	}
	if delivery == nil {
		return false, nil
	}
	m.process(ctx, logger, tr, delivery)
	return true, nil
}

// process dispatches one delivery. Follow-up jobs are enqueued before the
// delivery is acked so a crash in between redelivers rather than loses work.
func (m *Manager) process(ctx context.Context, logger *slog.Logger, tr jobs.Transport, d *jobs.Delivery) {
	job := d.Job
	ctx = services.WithJobType(ctx, string(job.Type))
	ctx = services.WithRecordID(ctx, job.RecordID)
	if job.CorrelationID != "" {
		ctx = services.WithRequestID(ctx, job.CorrelationID)
	}
	logger = logging.WithContext(ctx, logger)

	handler, ok := m.registry.Get(job.Type)
	if !ok {
		logging.WarnWithContext(logger, "no handler registered for job type", "job_unroutable",
			logging.Int("deliveries", d.Deliveries),
		)
		m.nack(ctx, logger, tr, d)
		return
	}

	next, err := handler.Handle(ctx, job)
	// Settling the delivery outlives shutdown so a handled job is never
	// left unacked with its follow-ups dropped.
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Debug("job interrupted by shutdown before it was claimed")
			return
		}
		m.setLastError(err)
		logging.ErrorWithContext(logger, "job handler failed", "job_failed",
			logging.Error(err),
			logging.Int("deliveries", d.Deliveries),
			logging.String(logging.FieldErrorHint, "job will be redelivered"),
		)
		m.nack(ctx, logger, tr, d)
		return
	}

	for _, follow := range next {
		if err := tr.Enqueue(ctx, follow); err != nil {
			logging.ErrorWithContext(logger, "follow-up enqueue failed", "enqueue_failed",
				logging.String("next_job_type", string(follow.Type)),
				logging.String(logging.FieldErrorCode, retry.CodeEnqueueFailed),
				logging.Error(err),
			)
			if efh, ok := handler.(jobs.EnqueueFailureHandler); ok {
				efh.EnqueueFailed(ctx, job, follow, err)
			}
			continue
		}
		m.metrics.JobEnqueued(string(follow.Type))
		logger.Debug("follow-up job enqueued",
			logging.String("next_job_type", string(follow.Type)),
			logging.Int("retry_count", follow.RetryCount),
		)
	}

	if err := tr.Ack(ctx, d); err != nil {
		logging.WarnWithContext(logger, "job ack failed", "job_ack_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "job may be redelivered and skipped as a duplicate"),
		)
	}
	m.recordProcessed(job)
}

func (m *Manager) nack(ctx context.Context, logger *slog.Logger, tr jobs.Transport, d *jobs.Delivery) {
	if err := tr.Nack(ctx, d, m.errorInterval); err != nil {
		logging.WarnWithContext(logger, "job nack failed", "job_nack_failed", logging.Error(err))
	}
}

func (m *Manager) runMaintenance(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		m.Sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep reclaims stale leases and prunes old processed files. It returns the
// number of records routed to dead-letter.
func (m *Manager) Sweep(ctx context.Context) int {
	reclaimed, err := m.heartbeat.ReclaimStale(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.WarnWithContext(m.logger, "reclaim stale records failed; stuck records may remain", "heartbeat_reclaim_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check record database access"),
		)
	}
	for _, rec := range reclaimed {
		stage := stageOf(rec)
		m.metrics.StageOutcome(stage, metrics.OutcomeDeadLettered)
		if notifyErr := m.notifier.Publish(ctx, notifications.EventDeadLettered, notifications.Payload{
			"recordID":  rec.ID,
			"stage":     stage,
			"errorCode": retry.CodeHeartbeatTimeout,
			"error":     rec.ErrorMessage,
			"attempts":  rec.StageAttempt + 1,
		}); notifyErr != nil {
			m.logger.Debug("dead letter notification failed", logging.Error(notifyErr))
		}
	}
	if len(reclaimed) > 0 {
		m.mu.Lock()
		m.reclaimed += int64(len(reclaimed))
		m.mu.Unlock()
	}
	m.pruneProcessed(ctx)
	return len(reclaimed)
}

func (m *Manager) pruneProcessed(ctx context.Context) {
	days := m.cfg.Capture.ProcessedRetention
	if days <= 0 {
		return
	}
	maxAge := time.Duration(days) * 24 * time.Hour
	for _, root := range m.roots {
		result := root.CleanArea(ctx, staging.AreaProcessed, maxAge, m.logger)
		if len(result.Removed) > 0 {
			m.logger.Info("pruned processed files",
				logging.String("watch_root", root.Name),
				logging.Int("count", len(result.Removed)),
			)
		}
	}
}

func (m *Manager) wait(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
