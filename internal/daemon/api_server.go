package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"capsule/internal/api"
	"capsule/internal/capture"
	"capsule/internal/config"
	"capsule/internal/idempotency"
	"capsule/internal/logging"
	"capsule/internal/record"
	"capsule/internal/services"
	"capsule/internal/store"
)

const (
	apiActor         = "api"
	maxRequestBytes  = 4 << 20
	defaultListLimit = 100
)

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon

	handler  http.Handler
	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	srv := &apiServer{
		bind:   strings.TrimSpace(cfg.Paths.APIBind),
		logger: logging.NewComponentLogger(logger, "api-server"),
		daemon: d,
	}

	mux := http.NewServeMux()
	token := cfg.Paths.APIToken
	mux.HandleFunc("POST /api/captures", authMiddleware(token, srv.handleCapture))
	mux.HandleFunc("GET /api/records", authMiddleware(token, srv.handleListRecords))
	mux.HandleFunc("GET /api/records/{id}", authMiddleware(token, srv.handleRecord))
	mux.HandleFunc("GET /api/records/{id}/events", authMiddleware(token, srv.handleEvents))
	mux.HandleFunc("POST /api/records/{id}/archive", authMiddleware(token, srv.handleArchive))
	mux.HandleFunc("POST /api/records/{id}/retry", authMiddleware(token, srv.handleRetry))
	mux.HandleFunc("PUT /api/records/{id}/classification", authMiddleware(token, srv.handleClassification))
	mux.HandleFunc("GET /api/status", authMiddleware(token, srv.handleStatus))
	mux.HandleFunc("GET /api/health", srv.handleHealth)
	if cfg.Metrics.Enabled && d.metrics != nil {
		mux.Handle("GET "+cfg.Metrics.Path, d.metrics.Handler())
	}
	srv.handler = mux

	srv.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil || s.bind == "" {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil || s.listener == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)
	_ = s.listener.Close()
	s.listener = nil
}

func (s *apiServer) addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleCapture(w http.ResponseWriter, r *http.Request) {
	var req api.CaptureRequest
	if !s.decode(w, r, &req) {
		return
	}
	hasText := strings.TrimSpace(req.Text) != ""
	hasPath := strings.TrimSpace(req.Path) != ""
	if hasText == hasPath {
		s.writeError(w, http.StatusBadRequest, "exactly one of text or path is required")
		return
	}

	var (
		res capture.Result
		err error
	)
	if hasText {
		res, err = s.daemon.SubmitText(r.Context(), capture.TextRequest{
			Text:          req.Text,
			Title:         req.Title,
			Channel:       req.Channel,
			Force:         req.Force,
			Metadata:      req.Metadata,
			CorrelationID: req.CorrelationID,
			IncomingOnly:  true,
		})
	} else {
		res, err = s.daemon.SubmitFile(r.Context(), capture.FileRequest{
			Path:          req.Path,
			Channel:       req.Channel,
			Force:         req.Force,
			Metadata:      req.Metadata,
			CorrelationID: req.CorrelationID,
		})
	}
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	status := http.StatusAccepted
	if res.Action == idempotency.ActionSkip {
		status = http.StatusOK
	}
	s.writeJSON(w, status, api.FromCaptureResult(res))
}

func (s *apiServer) handleListRecords(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := store.ListFilter{
		Channel:         strings.TrimSpace(query.Get("channel")),
		IncludeArchived: parseBool(query.Get("archived")),
		Limit:           defaultListLimit,
	}
	for _, value := range query["state"] {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		state, ok := record.ParseIngestState(value)
		if !ok {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown ingest state %q", value))
			return
		}
		filter.States = append(filter.States, state)
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}
	recs, err := s.daemon.ListRecords(r.Context(), filter)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.RecordListResponse{Records: api.FromRecords(recs)})
}

func (s *apiServer) handleRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.daemon.Record(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.RecordResponse{Record: api.FromRecord(rec)})
}

func (s *apiServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.daemon.Events(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.EventListResponse{Events: api.FromEvents(events)})
}

func (s *apiServer) handleArchive(w http.ResponseWriter, r *http.Request) {
	rec, err := s.daemon.Archive(r.Context(), r.PathValue("id"), apiActor)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.RecordResponse{Record: api.FromRecord(rec)})
}

func (s *apiServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	res, err := s.daemon.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.FromCaptureResult(res))
}

func (s *apiServer) handleClassification(w http.ResponseWriter, r *http.Request) {
	var req api.ClassificationRequest
	if !s.decode(w, r, &req) {
		return
	}
	rec, err := s.daemon.UpdateClassification(r.Context(), r.PathValue("id"), api.ToClassification(req), apiActor)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.RecordResponse{Record: api.FromRecord(rec)})
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, toDaemonStatus(s.daemon.Status(r.Context())))
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	summary, db, err := s.daemon.Health(r.Context())
	resp := api.HealthResponse{
		Status:   "ok",
		Daemon:   toDaemonStatus(s.daemon.Status(r.Context())),
		Records:  summary,
		Database: db,
	}
	code := http.StatusOK
	if err != nil || !db.IntegrityCheck {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
		if err != nil && resp.Database.Error == "" {
			resp.Database.Error = err.Error()
		}
	}
	s.writeJSON(w, code, resp)
}

func toDaemonStatus(status Status) api.DaemonStatus {
	return api.DaemonStatus{
		Running:      status.Running,
		PID:          status.PID,
		DatabasePath: status.DatabasePath,
		LockFilePath: status.LockFilePath,
		Transport:    status.Transport,
		WatchRoots:   status.WatchRoots,
		Workflow:     api.FromStatusSummary(status.Workflow),
	}
}

func (s *apiServer) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, store.ErrInvalidClassification),
		errors.Is(err, services.ErrValidation),
		errors.Is(err, services.ErrNoContent),
		errors.Is(err, services.ErrUnsupported):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *apiServer) writeFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("api request failed", logging.Error(err))
	}
	s.writeError(w, status, err.Error())
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func parseBool(value string) bool {
	value = strings.TrimSpace(value)
	return value == "1" || strings.EqualFold(value, "true")
}
