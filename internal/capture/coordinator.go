package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"capsule/internal/config"
	"capsule/internal/fingerprint"
	"capsule/internal/idempotency"
	"capsule/internal/jobs"
	"capsule/internal/logging"
	"capsule/internal/metrics"
	"capsule/internal/record"
	"capsule/internal/retry"
	"capsule/internal/services"
	"capsule/internal/staging"
	"capsule/internal/store"
)

const actor = "capture"

var audioExtensions = map[string]struct{}{
	".wav": {}, ".flac": {}, ".mp3": {}, ".ogg": {}, ".opus": {},
	".webm": {}, ".amr": {}, ".m4a": {}, ".aac": {},
}

// FileRequest submits a file. Files inside a watch root take their channel
// and source type from the root; other files default to the api channel and
// a type inferred from the extension.
type FileRequest struct {
	Path          string
	Channel       string
	SourceType    record.SourceType
	Force         bool
	Metadata      map[string]any
	CorrelationID string
	// IncomingOnly limits the capture to regular files sitting directly in
	// a watch root's incoming area. Remote callers set it.
	IncomingOnly bool
}

// TextRequest submits text directly.
type TextRequest struct {
	Text          string
	Title         string
	Channel       string
	Force         bool
	Metadata      map[string]any
	CorrelationID string
}

// Result describes what happened to a submission.
type Result struct {
	RecordID      string
	Action        idempotency.Action
	Reason        string
	CorrelationID string
	Record        *record.Record
}

// Coordinator accepts captures: it fingerprints content, consults the
// idempotency resolver, persists records and enqueues the first stage job.
type Coordinator struct {
	store     *store.Store
	resolver  *idempotency.Resolver
	transport jobs.Transport
	roots     []rootProfile
	fpOptions fingerprint.Options
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

type rootProfile struct {
	root       staging.Root
	channel    string
	sourceType record.SourceType
}

// NewCoordinator wires a coordinator from configuration.
func NewCoordinator(cfg *config.Config, st *store.Store, transport jobs.Transport, m *metrics.Metrics, logger *slog.Logger) *Coordinator {
	c := &Coordinator{
		store:     st,
		resolver:  idempotency.NewResolver(st, cfg.Capture.ForceReingest),
		transport: transport,
		fpOptions: fingerprint.Options{
			Algorithm:    fingerprint.Algorithm(cfg.Capture.FingerprintAlgo),
			MaxHashBytes: cfg.Capture.MaxHashBytes,
		},
		metrics: m,
		logger:  logging.NewComponentLogger(logger, "capture"),
	}
	for _, wr := range cfg.Capture.WatchRoots {
		sourceType := record.SourceDocument
		if wr.Profile == "audio" {
			sourceType = record.SourceAudio
		}
		c.roots = append(c.roots, rootProfile{
			root:       staging.NewRoot(wr.Name, wr.Path),
			channel:    wr.Channel,
			sourceType: sourceType,
		})
	}
	return c
}

// Roots returns the staging layouts of the configured watch roots.
func (c *Coordinator) Roots() []staging.Root {
	out := make([]staging.Root, 0, len(c.roots))
	for _, p := range c.roots {
		out = append(out, p.root)
	}
	return out
}

// SubmitFile captures the file at req.Path.
func (c *Coordinator) SubmitFile(ctx context.Context, req FileRequest) (Result, error) {
	path, err := filepath.Abs(strings.TrimSpace(req.Path))
	if err != nil || strings.TrimSpace(req.Path) == "" {
		return Result{}, services.Wrap(services.ErrValidation, "capture", "submit file", "path is required", err)
	}
	correlationID := correlationOrNew(req.CorrelationID)
	ctx = services.WithRequestID(ctx, correlationID)

	profile, inRoot := c.profileFor(path)
	if req.IncomingOnly {
		if err := checkIncomingFile(profile.root, inRoot, path); err != nil {
			return Result{}, err
		}
	}
	channel := strings.TrimSpace(req.Channel)
	sourceType := req.SourceType
	if inRoot {
		if area, _ := profile.root.AreaOf(path); area != staging.AreaIncoming {
			return Result{}, services.Wrap(services.ErrValidation, "capture", "submit file",
				fmt.Sprintf("%s is in the %s area, only incoming files can be captured", filepath.Base(path), area), nil)
		}
		if channel == "" {
			channel = profile.channel
		}
		if sourceType == "" {
			sourceType = profile.sourceType
		}
	}
	if channel == "" {
		channel = record.ChannelAPI
	}
	if sourceType == "" {
		sourceType = SourceTypeForPath(path)
	}
	if sourceType == record.SourceText {
		return Result{}, services.Wrap(services.ErrValidation, "capture", "submit file", "text captures must use SubmitText", nil)
	}

	fp, err := fingerprint.File(path, c.fpOptions)
	if err != nil {
		return Result{}, err
	}
	decision, err := c.resolver.Resolve(ctx, fp.Value, channel, req.Force)
	if err != nil {
		return Result{}, err
	}
	c.metrics.CaptureDecision(channel, string(decision.Action))

	if decision.Action == idempotency.ActionSkip {
		if inRoot {
			c.settleDuplicateFile(profile.root, path)
		}
		return c.skip(ctx, decision, channel, correlationID)
	}

	sourcePath := path
	if inRoot {
		claimed, err := profile.root.Claim(path)
		if err != nil {
			return Result{}, fmt.Errorf("claim %s: %w", filepath.Base(path), err)
		}
		sourcePath = claimed
	}

	rec, err := c.persist(ctx, decision, persistInput{
		sourceType:    sourceType,
		channel:       channel,
		sourcePath:    sourcePath,
		mimeType:      mime.TypeByExtension(strings.ToLower(filepath.Ext(path))),
		fingerprint:   fp,
		correlationID: correlationID,
		metadata:      withOriginalName(req.Metadata, path),
	})
	if errors.Is(err, store.ErrDuplicateFingerprint) {
		// Another submitter won the race between resolve and insert.
		existing, findErr := c.store.FindActiveByFingerprint(ctx, fp.Value, channel)
		if findErr == nil && existing != nil {
			if inRoot {
				c.settleDuplicateFile(profile.root, sourcePath)
			}
			return c.skip(ctx, idempotency.Decide(existing, false), channel, correlationID)
		}
	}
	if err != nil {
		if inRoot {
			c.moveToFailed(profile.root, sourcePath)
		}
		return Result{}, err
	}

	result := Result{RecordID: rec.ID, Action: decision.Action, Reason: decision.Reason, CorrelationID: correlationID, Record: rec}
	if err := c.enqueueFirst(ctx, rec, correlationID); err != nil {
		if inRoot {
			c.moveToFailed(profile.root, sourcePath)
		}
		return result, err
	}
	return result, nil
}

// SubmitText captures text directly. The record starts at normalization.
func (c *Coordinator) SubmitText(ctx context.Context, req TextRequest) (Result, error) {
	text := req.Text
	if strings.TrimSpace(text) == "" {
		return Result{}, services.WithCode(
			services.Wrap(services.ErrNoContent, "capture", "submit text", "text is empty", nil),
			retry.CodeNoContent,
		)
	}
	channel := strings.TrimSpace(req.Channel)
	if channel == "" {
		channel = record.ChannelManualText
	}
	correlationID := correlationOrNew(req.CorrelationID)
	ctx = services.WithRequestID(ctx, correlationID)

	fp := fingerprint.Text(text)
	decision, err := c.resolver.Resolve(ctx, fp.Value, channel, req.Force)
	if err != nil {
		return Result{}, err
	}
	c.metrics.CaptureDecision(channel, string(decision.Action))
	if decision.Action == idempotency.ActionSkip {
		return c.skip(ctx, decision, channel, correlationID)
	}

	metadata := req.Metadata
	if title := strings.TrimSpace(req.Title); title != "" {
		metadata = mergeMetadata(metadata, map[string]any{"title": title})
	}
	rec, err := c.persist(ctx, decision, persistInput{
		sourceType:    record.SourceText,
		channel:       channel,
		mimeType:      "text/plain",
		fingerprint:   fp,
		correlationID: correlationID,
		metadata:      metadata,
		text:          text,
	})
	if errors.Is(err, store.ErrDuplicateFingerprint) {
		if existing, findErr := c.store.FindActiveByFingerprint(ctx, fp.Value, channel); findErr == nil && existing != nil {
			return c.skip(ctx, idempotency.Decide(existing, false), channel, correlationID)
		}
	}
	if err != nil {
		return Result{}, err
	}
	result := Result{RecordID: rec.ID, Action: decision.Action, Reason: decision.Reason, CorrelationID: correlationID, Record: rec}
	if err := c.enqueueFirst(ctx, rec, correlationID); err != nil {
		return result, err
	}
	return result, nil
}

// Retry re-enters a failed record under its existing id.
func (c *Coordinator) Retry(ctx context.Context, recordID string) (Result, error) {
	rec, err := c.store.Get(ctx, recordID)
	if err != nil {
		return Result{}, err
	}
	if rec == nil {
		return Result{}, fmt.Errorf("%w: %s", store.ErrNotFound, recordID)
	}
	if rec.IngestState != record.IngestFailed {
		return Result{}, fmt.Errorf("%w: %s is %s, only failed records can be retried", store.ErrIllegalTransition, rec.ID, rec.IngestState)
	}
	correlationID := correlationOrNew("")
	ctx = services.WithRequestID(ctx, correlationID)

	req := store.ReingestRequest{
		RecordID:      rec.ID,
		ExpectedState: record.IngestFailed,
		Actor:         "operator",
		CorrelationID: correlationID,
		Reason:        "manual_retry",
	}
	var root staging.Root
	inRoot := false
	if rec.SourcePath != "" {
		if profile, ok := c.profileFor(rec.SourcePath); ok {
			if area, _ := profile.root.AreaOf(rec.SourcePath); area == staging.AreaFailed {
				claimed, err := profile.root.Claim(rec.SourcePath)
				if err != nil {
					return Result{}, fmt.Errorf("reclaim %s: %w", filepath.Base(rec.SourcePath), err)
				}
				req.SourcePath = claimed
				root, inRoot = profile.root, true
			}
		}
	}
	updated, err := c.store.Reingest(ctx, req)
	if err != nil {
		return Result{}, err
	}
	result := Result{RecordID: updated.ID, Action: idempotency.ActionRetry, Reason: "manual_retry", CorrelationID: correlationID, Record: updated}
	if err := c.enqueueFirst(ctx, updated, correlationID); err != nil {
		if inRoot {
			c.moveToFailed(root, updated.SourcePath)
		}
		return result, err
	}
	return result, nil
}

type persistInput struct {
	sourceType    record.SourceType
	channel       string
	sourcePath    string
	mimeType      string
	fingerprint   fingerprint.Fingerprint
	correlationID string
	metadata      map[string]any
	text          string
}

func (c *Coordinator) persist(ctx context.Context, decision idempotency.Decision, in persistInput) (*record.Record, error) {
	switch decision.Action {
	case idempotency.ActionAccept:
		payload := record.Payload{Metadata: in.metadata}
		if in.sourceType == record.SourceText {
			payload.Text = &record.TextPayload{Content: in.text}
		}
		return c.store.Create(ctx, store.CreateRequest{
			SourceType:      in.sourceType,
			Channel:         in.channel,
			SourcePath:      in.sourcePath,
			MimeType:        in.mimeType,
			Fingerprint:     in.fingerprint.Value,
			FingerprintAlgo: string(in.fingerprint.Algo),
			Payload:         payload,
			Actor:           actor,
			CorrelationID:   in.correlationID,
			Metadata:        in.metadata,
		})
	case idempotency.ActionRetry, idempotency.ActionReingest:
		existing := decision.Existing
		// Stage output from the previous run is discarded; captured content
		// and metadata carry over.
		payload := record.Payload{
			Text:     existing.Payload.Text,
			Metadata: mergeMetadata(existing.Payload.Metadata, in.metadata),
		}
		if in.sourceType == record.SourceText {
			payload.Text = &record.TextPayload{Content: in.text}
		}
		return c.store.Reingest(ctx, store.ReingestRequest{
			RecordID:        existing.ID,
			ExpectedState:   existing.IngestState,
			Fingerprint:     in.fingerprint.Value,
			FingerprintAlgo: string(in.fingerprint.Algo),
			SourcePath:      in.sourcePath,
			Payload:         &payload,
			Actor:           actor,
			CorrelationID:   in.correlationID,
			Reason:          decision.Reason,
		})
	}
	return nil, fmt.Errorf("unexpected capture action %q", decision.Action)
}

func (c *Coordinator) skip(ctx context.Context, decision idempotency.Decision, channel, correlationID string) (Result, error) {
	existing := decision.Existing
	if err := c.store.RecordDuplicate(ctx, existing, channel, actor, correlationID, decision.Reason); err != nil {
		return Result{}, err
	}
	c.logger.Info("duplicate capture skipped",
		logging.String(logging.FieldRecordID, existing.ID),
		logging.String("source_channel", channel),
		logging.String("reason", decision.Reason),
		logging.String("ingest_state", string(existing.IngestState)),
		logging.String(logging.FieldCorrelationID, correlationID),
	)
	return Result{
		RecordID:      existing.ID,
		Action:        idempotency.ActionSkip,
		Reason:        decision.Reason,
		CorrelationID: correlationID,
		Record:        existing,
	}, nil
}

// enqueueFirst hands the first stage job to the transport. When that fails
// the record cannot make progress, so it is failed with enqueue_failed.
func (c *Coordinator) enqueueFirst(ctx context.Context, rec *record.Record, correlationID string) error {
	stage, ok := rec.CurrentStage()
	if !ok {
		return fmt.Errorf("record %s is %s, not queued", rec.ID, rec.IngestState)
	}
	job := jobs.Job{
		Type:          jobs.TypeForStage(stage),
		RecordID:      rec.ID,
		ContentRef:    rec.SourcePath,
		CorrelationID: correlationID,
	}
	err := c.transport.Enqueue(ctx, job)
	if err == nil {
		c.metrics.JobEnqueued(string(job.Type))
		c.logger.Info("capture enqueued",
			logging.String(logging.FieldRecordID, rec.ID),
			logging.String(logging.FieldJobType, string(job.Type)),
			logging.String("source_channel", rec.SourceChannel),
			logging.String(logging.FieldCorrelationID, correlationID),
		)
		return nil
	}

	logging.ErrorWithContext(c.logger, "capture enqueue failed", "enqueue_failed",
		logging.String(logging.FieldRecordID, rec.ID),
		logging.String(logging.FieldJobType, string(job.Type)),
		logging.String(logging.FieldErrorCode, retry.CodeEnqueueFailed),
		logging.String(logging.FieldErrorHint, "check the job transport connection"),
		logging.Error(err),
	)
	if _, failErr := c.store.Fail(ctx, store.FailRequest{
		RecordID:      rec.ID,
		Stage:         stage,
		ExpectedState: stage.QueuedState(),
		Code:          retry.CodeEnqueueFailed,
		Message:       err.Error(),
		EventKind:     record.EventCaptureFailed,
		Actor:         actor,
		CorrelationID: correlationID,
	}); failErr != nil {
		logging.WarnWithContext(c.logger, "could not mark record failed after enqueue error", "illegal_transition",
			logging.String(logging.FieldRecordID, rec.ID),
			logging.Error(failErr),
		)
	}
	return services.WithCode(
		services.Wrap(services.ErrUnavailable, "capture", "enqueue", "job transport rejected first stage job", err),
		retry.CodeEnqueueFailed,
	)
}

// checkIncomingFile rejects paths outside an incoming directory, nested
// paths and symlinks, so a remote caller cannot point capture at arbitrary
// host files.
func checkIncomingFile(root staging.Root, inRoot bool, path string) error {
	if !inRoot || filepath.Dir(path) != root.Dir(staging.AreaIncoming) {
		return services.Wrap(services.ErrValidation, "capture", "submit file",
			fmt.Sprintf("%s is not in a watch root's incoming directory", filepath.Base(path)), nil)
	}
	info, err := os.Lstat(path)
	if err != nil {
		return services.Wrap(services.ErrValidation, "capture", "submit file", "file not readable", err)
	}
	if !info.Mode().IsRegular() {
		return services.Wrap(services.ErrValidation, "capture", "submit file",
			fmt.Sprintf("%s is not a regular file", filepath.Base(path)), nil)
	}
	return nil
}

func (c *Coordinator) profileFor(path string) (rootProfile, bool) {
	for _, p := range c.roots {
		if _, ok := p.root.AreaOf(path); ok {
			return p, true
		}
	}
	return rootProfile{}, false
}

// settleDuplicateFile moves a duplicate drop out of incoming so the watcher
// does not see it again. The live record already owns the content.
func (c *Coordinator) settleDuplicateFile(root staging.Root, path string) {
	if _, err := root.Complete(path); err != nil {
		logging.WarnWithContext(c.logger, "could not move duplicate file", "staging_move_failed",
			logging.String("path", path),
			logging.String(logging.FieldErrorHint, "remove the file from incoming manually"),
			logging.Error(err),
		)
	}
}

func (c *Coordinator) moveToFailed(root staging.Root, path string) {
	if _, err := root.Fail(path); err != nil {
		logging.WarnWithContext(c.logger, "could not move file to failed area", "staging_move_failed",
			logging.String("path", path),
			logging.Error(err),
		)
	}
}

// SourceTypeForPath infers audio or document from a file extension.
func SourceTypeForPath(path string) record.SourceType {
	if _, ok := audioExtensions[strings.ToLower(filepath.Ext(path))]; ok {
		return record.SourceAudio
	}
	return record.SourceDocument
}

func correlationOrNew(id string) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	return uuid.NewString()
}

func withOriginalName(metadata map[string]any, path string) map[string]any {
	return mergeMetadata(metadata, map[string]any{"original_name": filepath.Base(path)})
}

func mergeMetadata(base, patch map[string]any) map[string]any {
	if len(base) == 0 && len(patch) == 0 {
		return nil
	}
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}
