package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"capsule/internal/config"
	"capsule/internal/jobs"
	"capsule/internal/logging"
	"capsule/internal/metrics"
	"capsule/internal/notifications"
	"capsule/internal/staging"
	"capsule/internal/store"
)

// Manager runs worker lanes that pull jobs from the transport and hand them
// to registered handlers. It also owns the stale-lease reclaimer.
type Manager struct {
	cfg       *config.Config
	store     *store.Store
	transport jobs.Transport
	registry  *jobs.Registry
	logger    *slog.Logger
	notifier  notifications.Service
	metrics   *metrics.Metrics

	heartbeat     *HeartbeatMonitor
	roots         []staging.Root
	workers       int
	pollInterval  time.Duration
	errorInterval time.Duration
	sweepInterval time.Duration

	mu        sync.RWMutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	lastErr   error
	lastJob   *jobs.Job
	processed int64
	reclaimed int64
}

// ManagerOption configures optional Manager behavior.
type ManagerOption func(*Manager)

// WithNotifier overrides the notifier built from configuration.
func WithNotifier(n notifications.Service) ManagerOption {
	return func(m *Manager) {
		if n != nil {
			m.notifier = n
		}
	}
}

// WithMetrics counts enqueued follow-ups and reclaimed records.
func WithMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mt }
}

// WithClock overrides the time source used for stale-lease cutoffs.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.heartbeat.now = now
		}
	}
}

// NewManager constructs a workflow manager. Handlers must be registered on
// registry before Start.
func NewManager(cfg *config.Config, st *store.Store, transport jobs.Transport, registry *jobs.Registry, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	workers := cfg.Workflow.Workers
	if workers <= 0 {
		workers = 1
	}
	m := &Manager{
		cfg:           cfg,
		store:         st,
		transport:     transport,
		registry:      registry,
		logger:        logging.NewComponentLogger(logger, "workflow"),
		notifier:      notifications.NewService(cfg),
		workers:       workers,
		pollInterval:  seconds(cfg.Workflow.PollInterval, time.Second),
		errorInterval: seconds(cfg.Workflow.ErrorRetryInterval, 10*time.Second),
		sweepInterval: seconds(cfg.Workflow.HeartbeatInterval, 15*time.Second),
		heartbeat: NewHeartbeatMonitor(
			st,
			logger,
			time.Duration(cfg.Workflow.HeartbeatTimeout)*time.Second,
		),
	}
	for _, wr := range cfg.Capture.WatchRoots {
		m.roots = append(m.roots, staging.NewRoot(wr.Name, wr.Path))
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func seconds(value int, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return time.Duration(value) * time.Second
}
