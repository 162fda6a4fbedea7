package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"capsule/internal/record"
	"capsule/internal/store"
	"capsule/internal/testsupport"
)

func TestCreateQueuesFirstStage(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	rec, err := st.Create(ctx, store.CreateRequest{
		SourceType:      record.SourceAudio,
		Channel:         record.ChannelWatchFolderAudio,
		SourcePath:      "/inbox/memo.m4a",
		Fingerprint:     "abc-10",
		FingerprintAlgo: "content",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if rec.IngestState != record.StageTranscription.QueuedState() {
		t.Fatalf("expected queued_for_transcription, got %s", rec.IngestState)
	}
	if rec.PipelineStatus != "transcription_queued" {
		t.Fatalf("unexpected pipeline status %s", rec.PipelineStatus)
	}
	if rec.CognitiveStatus != record.CognitiveUnreviewed {
		t.Fatalf("unexpected cognitive status %s", rec.CognitiveStatus)
	}

	events, err := st.Events(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(events) != 2 || events[0].Kind != record.EventCaptureCreated || events[1].Kind != record.EventCaptureEnqueued {
		t.Fatalf("unexpected events: %#v", events)
	}
	if events[1].Data[record.DataPipelineStatus] != "transcription_queued" {
		t.Fatalf("enqueued event missing pipeline status: %#v", events[1].Data)
	}

	found, err := st.FindActiveByFingerprint(ctx, "abc-10", record.ChannelWatchFolderAudio)
	if err != nil || found == nil || found.ID != rec.ID {
		t.Fatalf("FindActiveByFingerprint = %#v, %v", found, err)
	}
}

func TestCreateRejectsDuplicateFingerprintOnChannel(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	first := testsupport.NewTextRecord(t, st, "same note")
	_, err := st.Create(ctx, store.CreateRequest{
		SourceType:      record.SourceText,
		Channel:         record.ChannelManualText,
		Fingerprint:     first.Fingerprint,
		FingerprintAlgo: first.FingerprintAlgo,
	})
	if !errors.Is(err, store.ErrDuplicateFingerprint) {
		t.Fatalf("expected ErrDuplicateFingerprint, got %v", err)
	}

	// Same fingerprint on another channel is a distinct capture.
	if _, err := st.Create(ctx, store.CreateRequest{
		SourceType:      record.SourceText,
		Channel:         record.ChannelAPI,
		Fingerprint:     first.Fingerprint,
		FingerprintAlgo: first.FingerprintAlgo,
	}); err != nil {
		t.Fatalf("Create on api channel failed: %v", err)
	}

	if _, err := st.Archive(ctx, first.ID, "tester"); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	if _, err := st.Create(ctx, store.CreateRequest{
		SourceType:      record.SourceText,
		Channel:         record.ChannelManualText,
		Fingerprint:     first.Fingerprint,
		FingerprintAlgo: first.FingerprintAlgo,
	}); err != nil {
		t.Fatalf("Create after archive failed: %v", err)
	}
}

func TestClaimCompleteAdvancesLanes(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	rec := testsupport.NewTextRecord(t, st, "hello world")

	claimed, err := st.Claim(ctx, store.ClaimRequest{RecordID: rec.ID, Stage: record.StageNormalization, LeaseID: "lease-1"})
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if claimed.IngestState != record.StageNormalization.ProcessingState() || claimed.LeaseID != "lease-1" {
		t.Fatalf("unexpected claimed record: %#v", claimed)
	}
	if claimed.LastHeartbeat == nil {
		t.Fatal("expected heartbeat to be stamped on claim")
	}

	if _, err := st.Claim(ctx, store.ClaimRequest{RecordID: rec.ID, Stage: record.StageNormalization, LeaseID: "lease-2"}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict on second claim, got %v", err)
	}

	if err := st.Heartbeat(ctx, rec.ID, "lease-1"); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if err := st.Heartbeat(ctx, rec.ID, "other"); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict for foreign lease, got %v", err)
	}

	payload := claimed.Payload
	payload.Normalization = &record.NormalizationPayload{Text: "Hello world"}
	done, err := st.Complete(ctx, store.CompleteRequest{
		RecordID:        rec.ID,
		Stage:           record.StageNormalization,
		LeaseID:         "lease-1",
		Next:            record.StageSemantic.QueuedState(),
		SemanticEnabled: true,
		Payload:         payload,
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if done.IngestState != record.StageSemantic.QueuedState() {
		t.Fatalf("expected queued_for_semantic, got %s", done.IngestState)
	}
	if done.PipelineStatus != "normalization_complete" {
		t.Fatalf("expected normalization_complete, got %s", done.PipelineStatus)
	}
	if done.LeaseID != "" || done.StageAttempt != 0 {
		t.Fatalf("expected lease cleared, got %#v", done)
	}
	if done.Payload.Normalization == nil || done.Payload.Normalization.Text != "Hello world" {
		t.Fatalf("payload not persisted: %#v", done.Payload)
	}
	if !record.LanesConsistent(done.IngestState, done.PipelineStatus) {
		t.Fatalf("inconsistent lanes %s/%s", done.IngestState, done.PipelineStatus)
	}

	events, err := st.Events(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	kinds := make([]string, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	want := []string{"capture.created", "capture.enqueued", "normalization.started", "normalization.completed"}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("events = %v, want %v", kinds, want)
		}
	}
}

func TestCompleteRejectsIllegalNextState(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	rec := testsupport.NewTextRecord(t, st, "skip ahead")

	if _, err := st.Claim(ctx, store.ClaimRequest{RecordID: rec.ID, Stage: record.StageNormalization, LeaseID: "l"}); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	_, err := st.Complete(ctx, store.CompleteRequest{
		RecordID:        rec.ID,
		Stage:           record.StageNormalization,
		LeaseID:         "l",
		Next:            record.IngestProcessed,
		SemanticEnabled: true,
	})
	if !errors.Is(err, store.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	current, _ := st.Get(ctx, rec.ID)
	if current.IngestState != record.StageNormalization.ProcessingState() {
		t.Fatalf("record changed after rejected write: %s", current.IngestState)
	}
}

func TestRetryThenDeadLetter(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	rec := testsupport.NewTextRecord(t, st, "flaky")
	stage := record.StageNormalization

	if _, err := st.Claim(ctx, store.ClaimRequest{RecordID: rec.ID, Stage: stage, LeaseID: "a"}); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	retried, err := st.ScheduleRetry(ctx, store.RetryRequest{
		RecordID:  rec.ID,
		Stage:     stage,
		LeaseID:   "a",
		Code:      "timeout",
		Message:   "deadline exceeded",
		NotBefore: time.Now().Add(time.Second),
	})
	if err != nil {
		t.Fatalf("ScheduleRetry failed: %v", err)
	}
	if retried.StageAttempt != 1 || retried.LeaseID != "" || retried.ErrorCode != "timeout" {
		t.Fatalf("unexpected retried record: %#v", retried)
	}
	if retried.IngestState != stage.ProcessingState() {
		t.Fatalf("retry must keep processing state, got %s", retried.IngestState)
	}

	// A stale first-delivery claim cannot take the retried record.
	if _, err := st.Claim(ctx, store.ClaimRequest{RecordID: rec.ID, Stage: stage, LeaseID: "b"}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := st.Claim(ctx, store.ClaimRequest{RecordID: rec.ID, Stage: stage, RetryCount: 1, LeaseID: "b"}); err != nil {
		t.Fatalf("retry Claim failed: %v", err)
	}

	failed, err := st.Fail(ctx, store.FailRequest{
		RecordID:   rec.ID,
		Stage:      stage,
		LeaseID:    "b",
		Code:       "timeout",
		Message:    "still timing out",
		DeadLetter: true,
	})
	if err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if failed.IngestState != record.IngestFailed || failed.PipelineStatus != "normalization_failed" {
		t.Fatalf("unexpected failed lanes %s/%s", failed.IngestState, failed.PipelineStatus)
	}

	events, _ := st.Events(ctx, rec.ID)
	last := events[len(events)-1]
	if last.Kind != "normalization.dead_lettered" || last.Data[record.DataErrorCode] != "timeout" {
		t.Fatalf("unexpected last event %#v", last)
	}
	var sawRetry bool
	for _, ev := range events {
		if ev.Kind == "normalization.retry_scheduled" {
			sawRetry = true
		}
		if ev.Kind == "normalization.started" && ev.Data[record.DataAttempt] != float64(1) {
			t.Fatalf("unexpected started attempt %#v", ev.Data)
		}
	}
	if !sawRetry {
		t.Fatal("expected retry_scheduled event")
	}
}

func TestReingestKeepsRecordID(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	rec := testsupport.NewTextRecord(t, st, "retry me")

	if _, err := st.Fail(ctx, store.FailRequest{
		RecordID:      rec.ID,
		Stage:         record.StageNormalization,
		ExpectedState: record.StageNormalization.QueuedState(),
		Code:          "enqueue_failed",
		Message:       "transport down",
		EventKind:     record.EventCaptureFailed,
	}); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	if _, err := st.Reingest(ctx, store.ReingestRequest{RecordID: rec.ID, ExpectedState: record.IngestProcessed}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict for wrong expected state, got %v", err)
	}

	again, err := st.Reingest(ctx, store.ReingestRequest{RecordID: rec.ID, ExpectedState: record.IngestFailed, Reason: "manual retry"})
	if err != nil {
		t.Fatalf("Reingest failed: %v", err)
	}
	if again.ID != rec.ID {
		t.Fatalf("expected same id, got %s", again.ID)
	}
	if again.IngestState != record.StageNormalization.QueuedState() || again.ErrorCode != "" {
		t.Fatalf("unexpected reingested record: %#v", again)
	}
	events, _ := st.Events(ctx, rec.ID)
	if events[len(events)-1].Kind != record.EventCaptureReingested {
		t.Fatalf("expected capture.reingested, got %s", events[len(events)-1].Kind)
	}
}

func TestEventsAreAppendOnly(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	rec := testsupport.NewTextRecord(t, st, "immutable")

	db, err := sqlOpen(st.Path())
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec(`UPDATE record_events SET kind = 'x' WHERE record_id = ?`, rec.ID); err == nil {
		t.Fatal("expected update of record_events to fail")
	}
	if _, err := db.Exec(`DELETE FROM record_events WHERE record_id = ?`, rec.ID); err == nil {
		t.Fatal("expected delete of record_events to fail")
	}
}

func TestReclaimStaleDeadLetters(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	st.SetClock(func() time.Time { return base })

	stale := testsupport.NewTextRecord(t, st, "stale worker")
	fresh := testsupport.NewTextRecord(t, st, "fresh worker")
	if _, err := st.Claim(ctx, store.ClaimRequest{RecordID: stale.ID, Stage: record.StageNormalization, LeaseID: "s"}); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	st.SetClock(func() time.Time { return base.Add(10 * time.Minute) })
	if _, err := st.Claim(ctx, store.ClaimRequest{RecordID: fresh.ID, Stage: record.StageNormalization, LeaseID: "f"}); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	reclaimed, err := st.ReclaimStale(ctx, base.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("ReclaimStale failed: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].ID != stale.ID {
		t.Fatalf("unexpected reclaimed set %#v", reclaimed)
	}
	if reclaimed[0].IngestState != record.IngestFailed || reclaimed[0].ErrorCode != "heartbeat_timeout" {
		t.Fatalf("unexpected reclaimed record %#v", reclaimed[0])
	}
	still, _ := st.Get(ctx, fresh.ID)
	if still.IngestState != record.StageNormalization.ProcessingState() {
		t.Fatalf("fresh record should remain processing, got %s", still.IngestState)
	}
}

func TestJobLeaseLifecycle(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	st.SetClock(func() time.Time { return base })

	later, err := st.EnqueueJob(ctx, store.JobRow{Type: "normalize", RecordID: "r2", NotBefore: base.Add(time.Minute)})
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	now, err := st.EnqueueJob(ctx, store.JobRow{Type: "normalize", RecordID: "r1"})
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	job, err := st.LeaseJob(ctx, []string{"normalize"}, "w1", time.Minute)
	if err != nil || job == nil {
		t.Fatalf("LeaseJob = %#v, %v", job, err)
	}
	if job.ID != now || job.Deliveries != 1 {
		t.Fatalf("expected ready job first, got %#v", job)
	}
	if next, err := st.LeaseJob(ctx, []string{"normalize"}, "w2", time.Minute); err != nil || next != nil {
		t.Fatalf("expected nothing ready, got %#v, %v", next, err)
	}
	if other, err := st.LeaseJob(ctx, []string{"transcribe"}, "w2", time.Minute); err != nil || other != nil {
		t.Fatalf("expected type filter to exclude, got %#v, %v", other, err)
	}

	// Expired lease is redelivered.
	st.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
	again, err := st.LeaseJob(ctx, []string{"normalize"}, "w2", time.Minute)
	if err != nil || again == nil {
		t.Fatalf("LeaseJob after expiry = %#v, %v", again, err)
	}
	if err := st.AckJob(ctx, again.ID, "w1"); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected stale owner ack to conflict, got %v", err)
	}
	if err := st.AckJob(ctx, again.ID, "w2"); err != nil {
		t.Fatalf("AckJob failed: %v", err)
	}

	delayed, err := st.LeaseJob(ctx, []string{"normalize"}, "w3", time.Minute)
	if err != nil || delayed == nil || delayed.ID != later {
		t.Fatalf("expected delayed job, got %#v, %v", delayed, err)
	}
	if err := st.ReleaseJob(ctx, delayed.ID, "w3", base.Add(time.Hour)); err != nil {
		t.Fatalf("ReleaseJob failed: %v", err)
	}
	count, err := st.CountJobs(ctx)
	if err != nil || count != 1 {
		t.Fatalf("CountJobs = %d, %v", count, err)
	}
}

func TestUpdateClassificationRequiresLabel(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	rec := testsupport.NewTextRecord(t, st, "classify me")

	_, err := st.UpdateClassification(ctx, rec.ID, record.Classification{
		Project: &record.ClassificationRef{ID: "p1"},
	}, "tester")
	if !errors.Is(err, store.ErrInvalidClassification) {
		t.Fatalf("expected ErrInvalidClassification, got %v", err)
	}

	updated, err := st.UpdateClassification(ctx, rec.ID, record.Classification{
		Project: &record.ClassificationRef{ID: "p1", Label: "Garden"},
		Domain:  &record.ClassificationRef{Label: "Home"},
	}, "tester")
	if err != nil {
		t.Fatalf("UpdateClassification failed: %v", err)
	}
	if updated.ProjectID != "p1" || updated.ProjectLabel != "Garden" || updated.DomainLabel != "Home" {
		t.Fatalf("unexpected classification %#v", updated)
	}
}

func TestHealthAndCheckHealth(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	testsupport.NewTextRecord(t, st, "one")
	testsupport.NewTextRecord(t, st, "two")

	health, err := st.Health(ctx)
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if health.Total != 2 || health.Queued != 2 {
		t.Fatalf("unexpected health %#v", health)
	}

	diag, err := st.CheckHealth(ctx)
	if err != nil {
		t.Fatalf("CheckHealth failed: %v", err)
	}
	if !diag.DatabaseExists || !diag.DatabaseReadable || !diag.IntegrityCheck || diag.TotalRecords != 2 {
		t.Fatalf("unexpected diagnostics %#v", diag)
	}
	if len(diag.MissingTables) != 0 {
		t.Fatalf("missing tables %v", diag.MissingTables)
	}
}
