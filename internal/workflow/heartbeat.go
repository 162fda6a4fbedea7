package workflow

import (
	"context"
	"log/slog"
	"time"

	"capsule/internal/logging"
	"capsule/internal/record"
	"capsule/internal/store"
)

// HeartbeatMonitor finds records whose lease holder stopped heartbeating and
// routes them to the dead-letter path.
type HeartbeatMonitor struct {
	store   *store.Store
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewHeartbeatMonitor creates a monitor. A non-positive timeout disables
// reclamation.
func NewHeartbeatMonitor(st *store.Store, logger *slog.Logger, timeout time.Duration) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		store:   st,
		logger:  logging.NewComponentLogger(logger, "workflow-heartbeat"),
		timeout: timeout,
		now:     time.Now,
	}
}

// ReclaimStale dead-letters every leased record whose last heartbeat is older
// than the timeout. Source files stay where they are so a later retry can pick
// them up from the recorded path.
func (h *HeartbeatMonitor) ReclaimStale(ctx context.Context) ([]*record.Record, error) {
	if h == nil || h.store == nil || h.timeout <= 0 {
		return nil, nil
	}
	cutoff := h.now().Add(-h.timeout)
	reclaimed, err := h.store.ReclaimStale(ctx, cutoff)
	if err != nil {
		return reclaimed, err
	}
	for _, rec := range reclaimed {
		logging.WarnWithContext(h.logger, "reclaimed stale record", "heartbeat_timeout",
			logging.String(logging.FieldRecordID, rec.ID),
			logging.String(logging.FieldStage, stageOf(rec)),
			logging.String("pipeline_status", string(rec.PipelineStatus)),
			logging.Duration("heartbeat_timeout", h.timeout),
			logging.Alert("dead_lettered"),
			logging.String(logging.FieldErrorHint, "worker crashed or hung while holding the lease"),
		)
	}
	return reclaimed, nil
}

// stageOf names the stage a failed record died in, from its pipeline status.
func stageOf(rec *record.Record) string {
	if rec == nil {
		return ""
	}
	if stage, _, ok := rec.PipelineStatus.Split(); ok {
		return string(stage)
	}
	return ""
}
