package workflow_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"capsule/internal/capture"
	"capsule/internal/config"
	"capsule/internal/jobs"
	"capsule/internal/logging"
	"capsule/internal/notifications"
	"capsule/internal/pipeline"
	"capsule/internal/record"
	"capsule/internal/retry"
	"capsule/internal/services/llm"
	"capsule/internal/staging"
	"capsule/internal/store"
	"capsule/internal/testsupport"
	"capsule/internal/workflow"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notifications.Event
}

func (n *recordingNotifier) Publish(_ context.Context, event notifications.Event, _ notifications.Payload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) snapshot() []notifications.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notifications.Event(nil), n.events...)
}

type stubHandler struct {
	jobType jobs.Type
	next    []jobs.Job
	err     error

	mu            sync.Mutex
	handled       []jobs.Job
	enqueueFailed []jobs.Job
	done          chan struct{}
}

func (h *stubHandler) Type() jobs.Type { return h.jobType }

func (h *stubHandler) Handle(_ context.Context, job jobs.Job) ([]jobs.Job, error) {
	h.mu.Lock()
	h.handled = append(h.handled, job)
	h.mu.Unlock()
	if h.done != nil {
		select {
		case h.done <- struct{}{}:
		default:
		}
	}
	return h.next, h.err
}

func (h *stubHandler) EnqueueFailed(_ context.Context, _ jobs.Job, next jobs.Job, _ error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enqueueFailed = append(h.enqueueFailed, next)
}

type fakeLLM struct{}

func (fakeLLM) Enrich(_ context.Context, req llm.EnrichRequest) (llm.Enrichment, error) {
	confidence := 0.9
	return llm.Enrichment{
		Summary:                  "summary of " + req.Text,
		DisplayTitle:             "Note",
		TypeLabel:                "note",
		DomainLabel:              "personal",
		SummaryConfidence:        &confidence,
		ClassificationConfidence: &confidence,
		ModelUsed:                "test-model",
	}, nil
}

type harness struct {
	cfg       *config.Config
	store     *store.Store
	transport *jobs.MemoryTransport
	registry  *jobs.Registry
	notifier  *recordingNotifier
}

func newHarness(t *testing.T, opts ...testsupport.ConfigOption) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	return &harness{
		cfg:       cfg,
		store:     testsupport.MustOpenStore(t, cfg),
		transport: jobs.NewMemoryTransport(),
		registry:  jobs.NewRegistry(),
		notifier:  &recordingNotifier{},
	}
}

func (h *harness) manager(opts ...workflow.ManagerOption) *workflow.Manager {
	opts = append([]workflow.ManagerOption{workflow.WithNotifier(h.notifier)}, opts...)
	return workflow.NewManager(h.cfg, h.store, h.transport, h.registry, logging.NewNop(), opts...)
}

func TestManagerRunsTextCaptureToCompletion(t *testing.T) {
	h := newHarness(t)
	coord := pipeline.NewCoordinator(h.cfg, h.store, pipeline.Gateways{LLM: fakeLLM{}}, logging.NewNop(),
		pipeline.WithNotifier(h.notifier))
	if err := coord.Register(h.registry); err != nil {
		t.Fatalf("Register: %v", err)
	}
	captures := capture.NewCoordinator(h.cfg, h.store, h.transport, nil, logging.NewNop())
	res, err := captures.SubmitText(context.Background(), capture.TextRequest{Text: "remember the milk"})
	if err != nil {
		t.Fatalf("SubmitText: %v", err)
	}

	mgr := h.manager()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		worked, err := mgr.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		if !worked {
			break
		}
	}

	rec, err := h.store.Get(ctx, res.RecordID)
	if err != nil || rec == nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.IngestState != record.IngestProcessed {
		t.Fatalf("expected processed, got %s", rec.IngestState)
	}
	if rec.PipelineStatus != record.StageSemantic.Status(record.OutcomeComplete) {
		t.Fatalf("expected semantic_complete, got %s", rec.PipelineStatus)
	}
	if rec.CognitiveStatus != record.CognitiveComplete {
		t.Fatalf("expected cognitive complete, got %s", rec.CognitiveStatus)
	}

	status := mgr.Status(ctx)
	if status.Processed != 2 {
		t.Fatalf("expected 2 processed jobs, got %d", status.Processed)
	}
	if status.LastJob == nil || status.LastJob.Type != jobs.TypeSemanticEnrich {
		t.Fatalf("expected last job to be semantic enrichment, got %+v", status.LastJob)
	}
	if status.IngestStat[record.IngestProcessed] != 1 {
		t.Fatalf("expected one processed record in stats, got %v", status.IngestStat)
	}
	if len(h.transport.Pending()) != 0 {
		t.Fatalf("expected no pending jobs, got %v", h.transport.Pending())
	}
}

func TestRunOnceReportsIdleTransport(t *testing.T) {
	h := newHarness(t)
	if err := h.registry.Register(&stubHandler{jobType: jobs.TypeNormalize}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	worked, err := h.manager().RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if worked {
		t.Fatal("expected no work on an empty transport")
	}
}

func TestHandlerErrorNacksDelivery(t *testing.T) {
	h := newHarness(t)
	handler := &stubHandler{jobType: jobs.TypeNormalize, err: errors.New("database locked")}
	if err := h.registry.Register(handler); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ctx := context.Background()
	if err := h.transport.Enqueue(ctx, jobs.Job{Type: jobs.TypeNormalize, RecordID: "r1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	mgr := h.manager()
	before := time.Now()
	if _, err := mgr.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	pending := h.transport.Pending()
	if len(pending) != 1 {
		t.Fatalf("expected the job back in the transport, got %d", len(pending))
	}
	if !pending[0].NotBefore.After(before) {
		t.Fatalf("expected nacked job to be delayed, not_before=%s", pending[0].NotBefore)
	}
	if status := mgr.Status(ctx); status.LastError == "" || status.Processed != 0 {
		t.Fatalf("unexpected status after handler error: %+v", status)
	}
}

func TestFollowUpsEnqueuedBeforeAck(t *testing.T) {
	h := newHarness(t)
	follow := jobs.Job{Type: jobs.TypeSemanticEnrich, RecordID: "r1", CorrelationID: "c1"}
	handler := &stubHandler{jobType: jobs.TypeNormalize, next: []jobs.Job{follow}}
	if err := h.registry.Register(handler); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ctx := context.Background()
	if err := h.transport.Enqueue(ctx, jobs.Job{Type: jobs.TypeNormalize, RecordID: "r1", CorrelationID: "c1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if _, err := h.manager().RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	pending := h.transport.Pending()
	if len(pending) != 1 || pending[0].Type != jobs.TypeSemanticEnrich || pending[0].CorrelationID != "c1" {
		t.Fatalf("expected follow-up semantic job, got %+v", pending)
	}
	if len(handler.enqueueFailed) != 0 {
		t.Fatalf("unexpected enqueue failures: %v", handler.enqueueFailed)
	}
}

func TestFollowUpEnqueueFailureIsReported(t *testing.T) {
	h := newHarness(t)
	follow := jobs.Job{Type: jobs.TypeSemanticEnrich, RecordID: "r1"}
	handler := &stubHandler{jobType: jobs.TypeNormalize, next: []jobs.Job{follow}}
	if err := h.registry.Register(handler); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ctx := context.Background()
	if err := h.transport.Enqueue(ctx, jobs.Job{Type: jobs.TypeNormalize, RecordID: "r1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	h.transport.FailEnqueue = errors.New("broker down")

	mgr := h.manager()
	if _, err := mgr.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(handler.enqueueFailed) != 1 || handler.enqueueFailed[0].Type != jobs.TypeSemanticEnrich {
		t.Fatalf("expected EnqueueFailed for the semantic job, got %v", handler.enqueueFailed)
	}
	// The original delivery is still acked.
	if worked, err := mgr.RunOnce(ctx); err != nil || worked {
		t.Fatalf("expected empty transport after ack, worked=%v err=%v", worked, err)
	}
}

func TestSweepDeadLettersStaleLease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := testsupport.NewTextRecord(t, h.store, "stuck note")
	if _, err := h.store.Claim(ctx, store.ClaimRequest{
		RecordID: rec.ID,
		Stage:    record.StageNormalization,
		LeaseID:  "lease-1",
		Actor:    "worker",
	}); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	timeout := time.Duration(h.cfg.Workflow.HeartbeatTimeout) * time.Second
	fresh := h.manager(workflow.WithClock(func() time.Time { return time.Now().Add(timeout / 2) }))
	if n := fresh.Sweep(ctx); n != 0 {
		t.Fatalf("expected live lease to survive, reclaimed %d", n)
	}

	later := h.manager(workflow.WithClock(func() time.Time { return time.Now().Add(2 * timeout) }))
	if n := later.Sweep(ctx); n != 1 {
		t.Fatalf("expected one reclaimed record, got %d", n)
	}
	got, err := h.store.Get(ctx, rec.ID)
	if err != nil || got == nil {
		t.Fatalf("Get: %v", err)
	}
	if got.IngestState != record.IngestFailed {
		t.Fatalf("expected failed, got %s", got.IngestState)
	}
	if got.PipelineStatus != record.StageNormalization.Status(record.OutcomeFailed) {
		t.Fatalf("expected normalization_failed, got %s", got.PipelineStatus)
	}
	if got.ErrorCode != retry.CodeHeartbeatTimeout {
		t.Fatalf("expected heartbeat_timeout, got %q", got.ErrorCode)
	}
	if got.LeaseID != "" {
		t.Fatalf("expected lease cleared, got %q", got.LeaseID)
	}
	events := h.notifier.snapshot()
	if len(events) != 1 || events[0] != notifications.EventDeadLettered {
		t.Fatalf("expected dead letter notification, got %v", events)
	}
	if status := later.Status(ctx); status.Reclaimed != 1 {
		t.Fatalf("expected reclaimed count 1, got %d", status.Reclaimed)
	}
}

func TestSweepPrunesOldProcessedFiles(t *testing.T) {
	h := newHarness(t, testsupport.WithWatchRoot("docs", "document"))
	h.cfg.Capture.ProcessedRetention = 1
	root := staging.NewRoot("docs", h.cfg.Capture.WatchRoots[0].Path)
	if err := root.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	oldFile := filepath.Join(root.Dir(staging.AreaProcessed), "old.txt")
	newFile := filepath.Join(root.Dir(staging.AreaProcessed), "new.txt")
	failedFile := filepath.Join(root.Dir(staging.AreaFailed), "broken.txt")
	for _, path := range []string{oldFile, newFile, failedFile} {
		testsupport.WriteFile(t, path, 16)
	}
	stale := time.Now().Add(-72 * time.Hour)
	for _, path := range []string{oldFile, failedFile} {
		if err := os.Chtimes(path, stale, stale); err != nil {
			t.Fatalf("Chtimes: %v", err)
		}
	}

	h.manager().Sweep(context.Background())

	if _, err := os.Stat(oldFile); !os.IsNotExist(err) {
		t.Fatalf("expected old processed file removed, stat err=%v", err)
	}
	for _, path := range []string{newFile, failedFile} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("expected %s kept: %v", filepath.Base(path), err)
		}
	}
}

func TestStartRequiresHandlers(t *testing.T) {
	h := newHarness(t)
	if err := h.manager().Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail without handlers")
	}
}

func TestStartedLanesDrainTransport(t *testing.T) {
	h := newHarness(t)
	h.cfg.Workflow.PollInterval = 1
	handler := &stubHandler{jobType: jobs.TypeNormalize, done: make(chan struct{}, 1)}
	if err := h.registry.Register(handler); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ctx := context.Background()
	if err := h.transport.Enqueue(ctx, jobs.Job{Type: jobs.TypeNormalize, RecordID: "r1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	mgr := h.manager()
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := mgr.Start(ctx); err == nil {
		t.Fatal("expected second Start to fail")
	}
	select {
	case <-handler.done:
	case <-time.After(5 * time.Second):
		t.Fatal("job was not processed")
	}
	mgr.Stop()
	if mgr.Status(ctx).Running {
		t.Fatal("expected manager stopped")
	}
}

type shutdownHandler struct {
	started chan struct{}
	once    sync.Once
}

func (h *shutdownHandler) Type() jobs.Type { return jobs.TypeNormalize }

// Handle parks until the lane is cancelled, then hands back a retry the way a
// stage interrupted mid-call does.
func (h *shutdownHandler) Handle(ctx context.Context, job jobs.Job) ([]jobs.Job, error) {
	h.once.Do(func() { close(h.started) })
	<-ctx.Done()
	return []jobs.Job{job.Retry(time.Time{})}, nil
}

func TestStopSettlesDeliveryInterruptedMidHandle(t *testing.T) {
	h := newHarness(t)
	h.cfg.Workflow.PollInterval = 1
	h.cfg.Workflow.Workers = 1
	handler := &shutdownHandler{started: make(chan struct{})}
	if err := h.registry.Register(handler); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ctx := context.Background()
	tr := jobs.NewStoreTransport(h.store, "daemon", time.Hour, nil)
	if err := tr.Enqueue(ctx, jobs.Job{Type: jobs.TypeNormalize, RecordID: "r1", CorrelationID: "c1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	mgr := workflow.NewManager(h.cfg, h.store, tr, h.registry, logging.NewNop(), workflow.WithNotifier(h.notifier))
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-handler.started:
	case <-time.After(5 * time.Second):
		t.Fatal("job was not picked up")
	}
	mgr.Stop()

	// The leased original is acked by its lane and only the retry remains.
	if n, err := h.store.CountJobs(ctx); err != nil || n != 1 {
		t.Fatalf("expected only the follow-up job, got %d (%v)", n, err)
	}
	d, err := tr.Receive(ctx, []jobs.Type{jobs.TypeNormalize})
	if err != nil || d == nil {
		t.Fatalf("expected follow-up to be receivable, got %#v, %v", d, err)
	}
	if d.Job.RetryCount != 1 || d.Job.CorrelationID != "c1" {
		t.Fatalf("unexpected follow-up %#v", d.Job)
	}
}
