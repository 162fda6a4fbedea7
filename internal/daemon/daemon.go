package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"

	"capsule/internal/api"
	"capsule/internal/capture"
	"capsule/internal/config"
	"capsule/internal/logging"
	"capsule/internal/metrics"
	"capsule/internal/notifications"
	"capsule/internal/record"
	"capsule/internal/store"
	"capsule/internal/workflow"
)

// Components are the long-running services the daemon supervises.
type Components struct {
	Workflow *workflow.Manager
	Captures *capture.Coordinator
	Watcher  *capture.Watcher
	Metrics  *metrics.Metrics
	Notifier notifications.Service
}

// Daemon coordinates the background services and enforces single-instance
// execution.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	workflow *workflow.Manager
	captures *capture.Coordinator
	watcher  *capture.Watcher
	metrics  *metrics.Metrics
	notifier notifications.Service
	api      *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	watchWG sync.WaitGroup
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	PID          int
	Workflow     workflow.StatusSummary
	DatabasePath string
	LockFilePath string
	Transport    string
	WatchRoots   []string
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, st *store.Store, logger *slog.Logger, c Components) (*Daemon, error) {
	if cfg == nil || st == nil || c.Workflow == nil || c.Captures == nil {
		return nil, errors.New("daemon requires config, store, workflow manager, and capture coordinator")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	notifier := c.Notifier
	if notifier == nil {
		notifier = notifications.NewService(cfg)
	}
	lockPath := cfg.LockPath()
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    st,
		workflow: c.Workflow,
		captures: c.Captures,
		watcher:  c.Watcher,
		metrics:  c.Metrics,
		notifier: notifier,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the daemon lock and launches the workers, the watcher and
// the HTTP API.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another capsule daemon instance is already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	if err := d.workflow.Start(d.ctx); err != nil {
		d.abortStart()
		return fmt.Errorf("start workflow: %w", err)
	}
	if err := d.api.start(d.ctx); err != nil {
		d.workflow.Stop()
		d.abortStart()
		return fmt.Errorf("start api: %w", err)
	}
	if d.watcher != nil {
		d.watchWG.Add(1)
		go func() {
			defer d.watchWG.Done()
			if err := d.watcher.Run(d.ctx); err != nil {
				logging.ErrorWithContext(d.logger, "watcher stopped", "watcher_failed",
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check watch root paths and permissions"),
				)
			}
		}()
	}

	d.running.Store(true)
	d.logger.Info("capsule daemon started",
		logging.String("lock", d.lockPath),
		logging.String("transport", d.cfg.Transport.Kind),
		logging.Int("watch_roots", len(d.cfg.Capture.WatchRoots)),
	)
	return nil
}

func (d *Daemon) abortStart() {
	_ = d.lock.Unlock()
	d.cancel()
	d.ctx = nil
	d.cancel = nil
}

// Stop stops background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.api.stop()
	d.watchWG.Wait()
	d.workflow.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.ctx = nil
	d.running.Store(false)
	d.logger.Info("capsule daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Addr returns the API listener address once started.
func (d *Daemon) Addr() string {
	return d.api.addr()
}

// SubmitText captures text through the capture coordinator.
func (d *Daemon) SubmitText(ctx context.Context, req capture.TextRequest) (capture.Result, error) {
	res, err := d.captures.SubmitText(ctx, req)
	d.notifyCaptureFailure(ctx, res, err)
	return res, err
}

// SubmitFile captures a file through the capture coordinator.
func (d *Daemon) SubmitFile(ctx context.Context, req capture.FileRequest) (capture.Result, error) {
	res, err := d.captures.SubmitFile(ctx, req)
	d.notifyCaptureFailure(ctx, res, err)
	return res, err
}

// Retry re-enters a failed record under its existing id.
func (d *Daemon) Retry(ctx context.Context, id string) (capture.Result, error) {
	return d.captures.Retry(ctx, id)
}

// notifyCaptureFailure publishes when a record was persisted but its first
// job could not be queued.
func (d *Daemon) notifyCaptureFailure(ctx context.Context, res capture.Result, err error) {
	if err == nil || res.RecordID == "" {
		return
	}
	payload := notifications.Payload{"recordID": res.RecordID, "error": err.Error()}
	if title := api.Title(res.Record); title != "" {
		payload["title"] = title
	}
	if pubErr := d.notifier.Publish(ctx, notifications.EventCaptureFailed, payload); pubErr != nil {
		d.logger.Debug("capture failure notification failed", logging.Error(pubErr))
	}
}

// Record returns one record, or store.ErrNotFound.
func (d *Daemon) Record(ctx context.Context, id string) (*record.Record, error) {
	rec, err := d.store.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return rec, nil
}

// ListRecords returns records matching filter, newest first.
func (d *Daemon) ListRecords(ctx context.Context, filter store.ListFilter) ([]*record.Record, error) {
	return d.store.List(ctx, filter)
}

// Events returns a record's audit trail.
func (d *Daemon) Events(ctx context.Context, id string) ([]record.Event, error) {
	if _, err := d.Record(ctx, id); err != nil {
		return nil, err
	}
	return d.store.Events(ctx, id)
}

// Archive hides a record from listings and idempotency matching.
func (d *Daemon) Archive(ctx context.Context, id, actor string) (*record.Record, error) {
	return d.store.Archive(ctx, id, actor)
}

// UpdateClassification writes classification references.
func (d *Daemon) UpdateClassification(ctx context.Context, id string, c record.Classification, actor string) (*record.Record, error) {
	return d.store.UpdateClassification(ctx, id, c, actor)
}

// Health returns aggregate record counts and database diagnostics.
func (d *Daemon) Health(ctx context.Context) (store.HealthSummary, store.DatabaseHealth, error) {
	summary, err := d.store.Health(ctx)
	if err != nil {
		return summary, store.DatabaseHealth{}, err
	}
	db, err := d.store.CheckHealth(ctx)
	return summary, db, err
}

// TestNotification triggers a test notification using the current configuration.
func (d *Daemon) TestNotification(ctx context.Context) (bool, string, error) {
	if strings.TrimSpace(d.cfg.Notifications.NtfyTopic) == "" {
		return false, "ntfy topic not configured", nil
	}
	if err := d.notifier.Publish(ctx, notifications.EventTest, nil); err != nil {
		return false, "failed to send notification", err
	}
	return true, "test notification sent", nil
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	roots := make([]string, 0, len(d.cfg.Capture.WatchRoots))
	for _, root := range d.cfg.Capture.WatchRoots {
		roots = append(roots, root.Name)
	}
	return Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		Workflow:     d.workflow.Status(ctx),
		DatabasePath: d.store.Path(),
		LockFilePath: d.lockPath,
		Transport:    d.cfg.Transport.Kind,
		WatchRoots:   roots,
	}
}
