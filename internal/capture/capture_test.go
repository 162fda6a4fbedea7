package capture_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"capsule/internal/capture"
	"capsule/internal/config"
	"capsule/internal/idempotency"
	"capsule/internal/jobs"
	"capsule/internal/logging"
	"capsule/internal/metrics"
	"capsule/internal/record"
	"capsule/internal/retry"
	"capsule/internal/services"
	"capsule/internal/staging"
	"capsule/internal/store"
	"capsule/internal/testsupport"
)

type harness struct {
	cfg       *config.Config
	store     *store.Store
	transport *jobs.MemoryTransport
	coord     *capture.Coordinator
	root      staging.Root
}

func newHarness(t *testing.T) harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithWatchRoot("voice", "audio"))
	st := testsupport.MustOpenStore(t, cfg)
	transport := jobs.NewMemoryTransport()
	coord := capture.NewCoordinator(cfg, st, transport, metrics.New(), logging.NewNop())
	root := coord.Roots()[0]
	if err := root.Ensure(); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	return harness{cfg: cfg, store: st, transport: transport, coord: coord, root: root}
}

func eventKinds(t *testing.T, st *store.Store, id string) []string {
	t.Helper()
	events, err := st.Events(context.Background(), id)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	kinds := make([]string, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func hasKind(kinds []string, want string) bool {
	for _, k := range kinds {
		if k == want {
			return true
		}
	}
	return false
}

func TestSubmitFileFromWatchRoot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	path := testsupport.WriteIncoming(t, h.root, "memo.wav", "RIFF-audio-bytes")

	res, err := h.coord.SubmitFile(ctx, capture.FileRequest{Path: path})
	if err != nil {
		t.Fatalf("SubmitFile failed: %v", err)
	}
	if res.Action != idempotency.ActionAccept || res.RecordID == "" {
		t.Fatalf("unexpected result: %#v", res)
	}
	rec := res.Record
	if rec.SourceType != record.SourceAudio || rec.SourceChannel != record.ChannelWatchFolderAudio {
		t.Fatalf("unexpected source: %s/%s", rec.SourceType, rec.SourceChannel)
	}
	if rec.IngestState != record.StageTranscription.QueuedState() {
		t.Fatalf("expected queued_for_transcription, got %s", rec.IngestState)
	}
	if area, ok := h.root.AreaOf(rec.SourcePath); !ok || area != staging.AreaProcessing {
		t.Fatalf("expected source in processing, got %s", rec.SourcePath)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected incoming file to be moved, stat err=%v", err)
	}

	pending := h.transport.Pending()
	if len(pending) != 1 {
		t.Fatalf("expected one job, got %d", len(pending))
	}
	if pending[0].Type != jobs.TypeTranscribe || pending[0].RecordID != rec.ID {
		t.Fatalf("unexpected job: %#v", pending[0])
	}
	if pending[0].CorrelationID != res.CorrelationID {
		t.Fatalf("job correlation %q != result %q", pending[0].CorrelationID, res.CorrelationID)
	}
}

func TestSubmitFileDuplicateIsSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.coord.SubmitFile(ctx, capture.FileRequest{Path: testsupport.WriteIncoming(t, h.root, "one.wav", "same bytes")})
	if err != nil {
		t.Fatalf("first SubmitFile failed: %v", err)
	}
	dupPath := testsupport.WriteIncoming(t, h.root, "two.wav", "same bytes")
	second, err := h.coord.SubmitFile(ctx, capture.FileRequest{Path: dupPath})
	if err != nil {
		t.Fatalf("second SubmitFile failed: %v", err)
	}
	if second.Action != idempotency.ActionSkip || second.Reason != idempotency.ReasonInFlight {
		t.Fatalf("expected in-flight skip, got %#v", second)
	}
	if second.RecordID != first.RecordID {
		t.Fatalf("skip returned %s, want %s", second.RecordID, first.RecordID)
	}
	if len(h.transport.Pending()) != 1 {
		t.Fatalf("duplicate must not enqueue, pending=%d", len(h.transport.Pending()))
	}
	if !hasKind(eventKinds(t, h.store, first.RecordID), record.EventCaptureDuplicate) {
		t.Fatal("expected duplicate event on the live record")
	}
	if _, err := os.Stat(dupPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("duplicate drop should leave incoming, stat err=%v", err)
	}
	processed, err := os.ReadDir(h.root.Dir(staging.AreaProcessed))
	if err != nil || len(processed) != 1 {
		t.Fatalf("expected duplicate in processed area, entries=%d err=%v", len(processed), err)
	}
}

func TestSubmitFileRejectsNonIncomingArea(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(h.root.Dir(staging.AreaProcessed), "old.wav")
	testsupport.WriteFile(t, path, 1)
	_, err := h.coord.SubmitFile(context.Background(), capture.FileRequest{Path: path})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSubmitFileOutsideRootDefaultsToAPI(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(t.TempDir(), "report.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	res, err := h.coord.SubmitFile(context.Background(), capture.FileRequest{Path: path})
	if err != nil {
		t.Fatalf("SubmitFile failed: %v", err)
	}
	if res.Record.SourceChannel != record.ChannelAPI || res.Record.SourceType != record.SourceDocument {
		t.Fatalf("unexpected source: %s/%s", res.Record.SourceChannel, res.Record.SourceType)
	}
	if res.Record.SourcePath != path {
		t.Fatalf("file outside a root must stay put, got %s", res.Record.SourcePath)
	}
	if pending := h.transport.Pending(); len(pending) != 1 || pending[0].Type != jobs.TypeExtract {
		t.Fatalf("expected extract job, got %#v", pending)
	}
}

func TestSubmitText(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.coord.SubmitText(ctx, capture.TextRequest{Text: "call the plumber", Title: "chores"})
	if err != nil {
		t.Fatalf("SubmitText failed: %v", err)
	}
	if res.Record.SourceChannel != record.ChannelManualText {
		t.Fatalf("expected manual_text channel, got %s", res.Record.SourceChannel)
	}
	if res.Record.IngestState != record.StageNormalization.QueuedState() {
		t.Fatalf("expected queued_for_normalization, got %s", res.Record.IngestState)
	}
	if res.Record.Payload.Text == nil || res.Record.Payload.Text.Content != "call the plumber" {
		t.Fatalf("text payload missing: %#v", res.Record.Payload)
	}
	if res.Record.Payload.Metadata["title"] != "chores" {
		t.Fatalf("title not kept in metadata: %#v", res.Record.Payload.Metadata)
	}
	if pending := h.transport.Pending(); len(pending) != 1 || pending[0].Type != jobs.TypeNormalize {
		t.Fatalf("expected normalize job, got %#v", pending)
	}
}

func TestSubmitTextEmptyIsRejected(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.SubmitText(context.Background(), capture.TextRequest{Text: "  \n\t "})
	if !errors.Is(err, services.ErrNoContent) {
		t.Fatalf("expected ErrNoContent, got %v", err)
	}
	if code, ok := services.Code(err); !ok || code != retry.CodeNoContent {
		t.Fatalf("expected no_content code, got %q", code)
	}
	if len(h.transport.Pending()) != 0 {
		t.Fatal("empty text must not enqueue")
	}
}

func TestForcedReingestKeepsRecordID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.coord.SubmitText(ctx, capture.TextRequest{Text: "same thought"})
	if err != nil {
		t.Fatalf("SubmitText failed: %v", err)
	}
	if _, err := h.store.Claim(ctx, store.ClaimRequest{RecordID: first.RecordID, Stage: record.StageNormalization, LeaseID: "l1"}); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if _, err := h.store.Complete(ctx, store.CompleteRequest{
		RecordID: first.RecordID,
		Stage:    record.StageNormalization,
		LeaseID:  "l1",
		Next:     record.IngestProcessed,
		Payload:  first.Record.Payload,
	}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	skipped, err := h.coord.SubmitText(ctx, capture.TextRequest{Text: "same thought"})
	if err != nil {
		t.Fatalf("duplicate SubmitText failed: %v", err)
	}
	if skipped.Action != idempotency.ActionSkip || skipped.Reason != idempotency.ReasonProcessed {
		t.Fatalf("expected processed skip, got %#v", skipped)
	}

	forced, err := h.coord.SubmitText(ctx, capture.TextRequest{Text: "same thought", Force: true})
	if err != nil {
		t.Fatalf("forced SubmitText failed: %v", err)
	}
	if forced.Action != idempotency.ActionReingest || forced.RecordID != first.RecordID {
		t.Fatalf("expected reingest of %s, got %#v", first.RecordID, forced)
	}
	if forced.Record.IngestState != record.StageNormalization.QueuedState() {
		t.Fatalf("expected queued_for_normalization, got %s", forced.Record.IngestState)
	}
	if !hasKind(eventKinds(t, h.store, first.RecordID), record.EventCaptureReingested) {
		t.Fatal("expected reingest event")
	}
}

func TestEnqueueFailureFailsRecordThenRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.transport.FailEnqueue = errors.New("transport down")

	res, err := h.coord.SubmitFile(ctx, capture.FileRequest{Path: testsupport.WriteIncoming(t, h.root, "lost.wav", "audio")})
	if err == nil {
		t.Fatal("expected enqueue error")
	}
	if code, _ := services.Code(err); code != retry.CodeEnqueueFailed {
		t.Fatalf("expected enqueue_failed, got %q (%v)", code, err)
	}
	rec, err := h.store.Get(ctx, res.RecordID)
	if err != nil || rec == nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.IngestState != record.IngestFailed || rec.ErrorCode != retry.CodeEnqueueFailed {
		t.Fatalf("expected failed/enqueue_failed, got %s/%s", rec.IngestState, rec.ErrorCode)
	}
	if !hasKind(eventKinds(t, h.store, rec.ID), record.EventCaptureFailed) {
		t.Fatal("expected capture.failed event")
	}
	if _, err := os.Stat(filepath.Join(h.root.Dir(staging.AreaFailed), "lost.wav")); err != nil {
		t.Fatalf("expected file in failed area: %v", err)
	}

	h.transport.FailEnqueue = nil
	retried, err := h.coord.Retry(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if retried.RecordID != rec.ID || retried.Action != idempotency.ActionRetry {
		t.Fatalf("unexpected retry result: %#v", retried)
	}
	if retried.Record.IngestState != record.StageTranscription.QueuedState() {
		t.Fatalf("expected queued_for_transcription, got %s", retried.Record.IngestState)
	}
	if area, _ := h.root.AreaOf(retried.Record.SourcePath); area != staging.AreaProcessing {
		t.Fatalf("expected source back in processing, got %s", retried.Record.SourcePath)
	}
	if len(h.transport.Pending()) != 1 {
		t.Fatalf("expected one job after retry, got %d", len(h.transport.Pending()))
	}

	if _, err := h.coord.Retry(ctx, rec.ID); !errors.Is(err, store.ErrIllegalTransition) {
		t.Fatalf("retrying a live record should fail, got %v", err)
	}
}

func TestWatcherScanSubmitsSettledFiles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	testsupport.WriteIncoming(t, h.root, "a.wav", "first")
	testsupport.WriteIncoming(t, h.root, ".hidden.wav", "hidden")
	testsupport.WriteIncoming(t, h.root, "b.wav.part", "partial")

	w := capture.NewWatcher(h.cfg, h.coord, logging.NewNop())
	n, err := w.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one submission, got %d", n)
	}
	if len(h.transport.Pending()) != 1 {
		t.Fatalf("expected one job, got %d", len(h.transport.Pending()))
	}

	n, err = w.Scan(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second scan: n=%d err=%v", n, err)
	}
}

func TestIgnored(t *testing.T) {
	cases := map[string]bool{
		"memo.wav":          false,
		"report.pdf":        false,
		".DS_Store":         true,
		"upload.part":       true,
		"scan.PDF.tmp":      true,
		"video.crdownload":  true,
		"notes.partial.txt": false,
	}
	for name, want := range cases {
		if got := capture.Ignored(name); got != want {
			t.Fatalf("Ignored(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestSourceTypeForPath(t *testing.T) {
	if got := capture.SourceTypeForPath("/x/Voice.M4A"); got != record.SourceAudio {
		t.Fatalf("expected audio, got %s", got)
	}
	if got := capture.SourceTypeForPath("/x/scan.png"); got != record.SourceDocument {
		t.Fatalf("expected document, got %s", got)
	}
}

func TestSubmitFileIncomingOnlyRejectsHostPaths(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	outside := filepath.Join(t.TempDir(), "secret.pdf")
	testsupport.WriteFile(t, outside, 32)
	nested := filepath.Join(h.root.Dir(staging.AreaIncoming), "sub", "nested.wav")
	testsupport.WriteFile(t, nested, 32)
	link := filepath.Join(h.root.Dir(staging.AreaIncoming), "link.wav")
	if err := os.Symlink(outside, link); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	escape := filepath.Join(h.root.Dir(staging.AreaIncoming), "..", "..", filepath.Base(outside))

	for name, path := range map[string]string{
		"outside roots": outside,
		"nested":        nested,
		"symlink":       link,
		"dot-dot":       escape,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := h.coord.SubmitFile(ctx, capture.FileRequest{Path: path, IncomingOnly: true})
			if !errors.Is(err, services.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	if pending := h.transport.Pending(); len(pending) != 0 {
		t.Fatalf("expected nothing captured, got %+v", pending)
	}

	path := testsupport.WriteIncoming(t, h.root, "memo.wav", "incoming audio")
	res, err := h.coord.SubmitFile(ctx, capture.FileRequest{Path: path, IncomingOnly: true})
	if err != nil {
		t.Fatalf("SubmitFile failed: %v", err)
	}
	if res.Record.SourceChannel != "watch_folder_audio" {
		t.Fatalf("unexpected channel %s", res.Record.SourceChannel)
	}
}
