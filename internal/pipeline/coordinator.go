package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"capsule/internal/config"
	"capsule/internal/jobs"
	"capsule/internal/logging"
	"capsule/internal/metrics"
	"capsule/internal/notifications"
	"capsule/internal/record"
	"capsule/internal/retry"
	"capsule/internal/services"
	"capsule/internal/staging"
	"capsule/internal/store"
	"capsule/internal/textnorm"
)

const actor = "pipeline"

// stageOutput is what a stage function hands back: the full payload to
// persist plus event data. Cognitive is only set by semantic enrichment.
type stageOutput struct {
	payload   record.Payload
	cognitive record.CognitiveStatus
	data      map[string]any
}

type stageFunc func(ctx context.Context, rec *record.Record) (stageOutput, error)

// Coordinator runs stage jobs: it claims the record, calls the stage's
// gateway, and applies the outcome through the record store. Follow-up jobs
// are returned to the worker rather than enqueued here.
type Coordinator struct {
	store             *store.Store
	gateways          Gateways
	policy            retry.Policy
	semanticEnabled   bool
	normalization     textnorm.Options
	semantic          SemanticSettings
	heartbeatInterval time.Duration
	roots             []staging.Root
	metrics           *metrics.Metrics
	notifier          notifications.Service
	logger            *slog.Logger
	now               func() time.Time
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithMetrics records stage outcomes and durations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithNotifier publishes terminal failures.
func WithNotifier(n notifications.Service) Option {
	return func(c *Coordinator) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithClock overrides the time source used for retry scheduling.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCoordinator builds a coordinator from configuration.
func NewCoordinator(cfg *config.Config, st *store.Store, gateways Gateways, logger *slog.Logger, opts ...Option) *Coordinator {
	heartbeat := time.Duration(cfg.Workflow.HeartbeatInterval) * time.Second
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	c := &Coordinator{
		store:    st,
		gateways: gateways,
		policy: retry.Policy{
			MaxAttempts: cfg.Pipeline.MaxAttempts,
			BaseDelay:   cfg.BackoffBase(),
			MaxDelay:    cfg.BackoffMax(),
		},
		semanticEnabled: cfg.Pipeline.SemanticEnabled,
		normalization: textnorm.Options{
			MaxInputChars:         cfg.Normalization.MaxInputChars,
			MaxOutputChars:        cfg.Normalization.MaxOutputChars,
			RemoveTimestamps:      cfg.Normalization.RemoveTimestamps,
			SentenceCaseAllCaps:   cfg.Normalization.SentenceCaseAllCaps,
			EmitSegments:          cfg.Normalization.EmitSegments,
			SegmentThresholdChars: cfg.Normalization.SegmentThresholdChars,
		},
		semantic: SemanticSettings{
			Mode:            cfg.Semantic.Mode,
			MaxDeepChars:    cfg.Semantic.MaxDeepChars,
			MaxPreviewChars: cfg.Semantic.MaxPreviewChars,
			ReviewThreshold: cfg.Pipeline.ReviewConfidenceThreshold,
		},
		heartbeatInterval: heartbeat,
		notifier:          notifications.NewService(cfg),
		logger:            logging.NewComponentLogger(logger, "pipeline"),
		now:               time.Now,
	}
	for _, wr := range cfg.Capture.WatchRoots {
		c.roots = append(c.roots, staging.NewRoot(wr.Name, wr.Path))
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handlers returns one job handler per stage.
func (c *Coordinator) Handlers() []jobs.Handler {
	return []jobs.Handler{
		&stageHandler{c: c, stage: record.StageTranscription, run: c.transcribe},
		&stageHandler{c: c, stage: record.StageExtraction, run: c.extract},
		&stageHandler{c: c, stage: record.StageNormalization, run: c.normalize},
		&stageHandler{c: c, stage: record.StageSemantic, run: c.enrich},
	}
}

// Register adds every stage handler to reg.
func (c *Coordinator) Register(reg *jobs.Registry) error {
	for _, h := range c.Handlers() {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}

type stageHandler struct {
	c     *Coordinator
	stage record.Stage
	run   stageFunc
}

func (h *stageHandler) Type() jobs.Type { return jobs.TypeForStage(h.stage) }

func (h *stageHandler) Handle(ctx context.Context, job jobs.Job) ([]jobs.Job, error) {
	return h.c.handle(ctx, h.stage, h.run, job)
}

func (h *stageHandler) EnqueueFailed(ctx context.Context, from, next jobs.Job, err error) {
	h.c.enqueueFailed(ctx, h.stage, from, next, err)
}

// handle processes one delivery. A nil error means the delivery is settled
// and can be acked, including duplicate deliveries that lose the claim.
func (c *Coordinator) handle(ctx context.Context, stage record.Stage, run stageFunc, job jobs.Job) ([]jobs.Job, error) {
	ctx = services.WithRecordID(ctx, job.RecordID)
	ctx = services.WithStage(ctx, string(stage))
	ctx = services.WithJobType(ctx, string(job.Type))
	if job.CorrelationID != "" {
		ctx = services.WithRequestID(ctx, job.CorrelationID)
	}
	logger := logging.WithContext(ctx, c.logger)

	leaseID := uuid.NewString()
	rec, err := c.store.Claim(ctx, store.ClaimRequest{
		RecordID:      job.RecordID,
		Stage:         stage,
		RetryCount:    job.RetryCount,
		LeaseID:       leaseID,
		Actor:         actor,
		CorrelationID: job.CorrelationID,
	})
	if err != nil {
		if skip := c.claimRejected(logger, stage, job, err); skip {
			return nil, nil
		}
		return nil, fmt.Errorf("claim %s for %s: %w", job.RecordID, stage, err)
	}

	started := time.Now()
	logger.Info("stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.Int("attempt", rec.StageAttempt+1),
		logging.String("source_file", rec.SourcePath),
	)

	out, runErr := c.executeWithHeartbeat(ctx, logger, run, rec, leaseID)
	c.metrics.ObserveStage(string(stage), time.Since(started))
	if ctx.Err() != nil {
		// The outcome must still land after shutdown cancels the worker.
		ctx = context.WithoutCancel(ctx)
		if runErr != nil && retry.Classify(runErr).Retryable {
			return c.applyInterrupted(ctx, logger, stage, job, rec, leaseID, runErr)
		}
	}
	if runErr != nil {
		return c.applyFailure(ctx, logger, stage, job, rec, leaseID, runErr)
	}
	return c.applySuccess(ctx, logger, stage, job, rec, leaseID, out, time.Since(started))
}

// claimRejected reports whether a failed claim is a settled duplicate rather
// than an infrastructure problem.
func (c *Coordinator) claimRejected(logger *slog.Logger, stage record.Stage, job jobs.Job, err error) bool {
	switch {
	case errors.Is(err, store.ErrConflict):
		logging.WarnWithContext(logger, "stage claim rejected", "claim_conflict",
			logging.Int("retry_count", job.RetryCount),
			logging.String(logging.FieldErrorHint, "duplicate or stale delivery; the record has already moved on"),
			logging.Error(err),
		)
	case errors.Is(err, store.ErrIllegalTransition):
		logging.WarnWithContext(logger, "stage claim rejected", "illegal_transition",
			logging.Int("retry_count", job.RetryCount),
			logging.Error(err),
		)
	case errors.Is(err, store.ErrNotFound):
		logging.WarnWithContext(logger, "stage job references unknown record", "record_missing",
			logging.Error(err),
		)
	default:
		return false
	}
	c.metrics.StageOutcome(string(stage), metrics.OutcomeSkipped)
	return true
}

// executeWithHeartbeat runs the stage while refreshing the lease heartbeat.
// A panic inside the stage becomes a terminal internal_error.
func (c *Coordinator) executeWithHeartbeat(ctx context.Context, logger *slog.Logger, run stageFunc, rec *record.Record, leaseID string) (out stageOutput, err error) {
	hbCtx, hbCancel := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go c.heartbeatLoop(hbCtx, &hbWG, logger, rec.ID, leaseID)
	defer func() {
		hbCancel()
		hbWG.Wait()
	}()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("stage panicked",
				logging.String(logging.FieldEventType, "stage_panic"),
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())),
			)
			err = services.WithCode(fmt.Errorf("stage panic: %v", r), retry.CodeInternal)
		}
	}()
	return run(ctx, rec)
}

func (c *Coordinator) heartbeatLoop(ctx context.Context, wg *sync.WaitGroup, logger *slog.Logger, recordID, leaseID string) {
	defer wg.Done()
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.store.Heartbeat(ctx, recordID, leaseID); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				logger.Warn("heartbeat update failed", logging.Error(err))
			}
		}
	}
}
