package daemon

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"capsule/internal/api"
	"capsule/internal/services"
	"capsule/internal/store"
	"capsule/internal/testsupport"
)

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

type apiHarness struct {
	d      *Daemon
	server *httptest.Server
}

func newAPIHarness(t *testing.T, token string) *apiHarness {
	t.Helper()
	cfg := testConfig(t)
	cfg.Paths.APIToken = token
	d := newTestDaemon(t, cfg, testsupport.MustOpenStore(t, cfg))
	server := httptest.NewServer(d.api.handler)
	t.Cleanup(server.Close)
	return &apiHarness{d: d, server: server}
}

func (h *apiHarness) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, h.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := h.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (h *apiHarness) capture(t *testing.T, text string) api.CaptureResponse {
	t.Helper()
	resp := h.do(t, http.MethodPost, "/api/captures", fmt.Sprintf(`{"text":%q}`, text))
	if resp.StatusCode != http.StatusAccepted {
		resp.Body.Close()
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var out api.CaptureResponse
	decodeBody(t, resp, &out)
	return out
}

func TestCaptureTextAndDuplicateSkip(t *testing.T) {
	h := newAPIHarness(t, "")
	first := h.capture(t, "buy oat milk")
	if first.Action != "accept" || first.RecordID == "" || first.CorrelationID == "" {
		t.Fatalf("unexpected capture response: %+v", first)
	}
	if first.Record == nil || first.Record.IngestState != "normalization_queued" {
		t.Fatalf("expected queued record in response, got %+v", first.Record)
	}

	resp := h.do(t, http.MethodPost, "/api/captures", `{"text":"buy oat milk"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for duplicate, got %d", resp.StatusCode)
	}
	var second api.CaptureResponse
	decodeBody(t, resp, &second)
	if second.Action != "skip" || second.RecordID != first.RecordID {
		t.Fatalf("expected skip of %s, got %+v", first.RecordID, second)
	}
}

func TestCaptureRequiresExactlyOneSource(t *testing.T) {
	h := newAPIHarness(t, "")
	tests := []struct {
		name string
		body string
	}{
		{"empty", `{}`},
		{"blank text", `{"text":"   "}`},
		{"both", `{"text":"note","path":"/tmp/a.pdf"}`},
		{"unknown field", `{"txt":"note"}`},
		{"not json", `text=note`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := h.do(t, http.MethodPost, "/api/captures", tc.body)
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
		})
	}
}

func TestRecordEndpoints(t *testing.T) {
	h := newAPIHarness(t, "")
	captured := h.capture(t, "draft the quarterly plan")

	resp := h.do(t, http.MethodGet, "/api/records/"+captured.RecordID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var single api.RecordResponse
	decodeBody(t, resp, &single)
	if single.Record.ID != captured.RecordID || single.Record.SourceType != "text" {
		t.Fatalf("unexpected record: %+v", single.Record)
	}

	resp = h.do(t, http.MethodGet, "/api/records/"+captured.RecordID+"/events", "")
	var events api.EventListResponse
	decodeBody(t, resp, &events)
	if len(events.Events) == 0 || events.Events[0].RecordID != captured.RecordID {
		t.Fatalf("expected audit events, got %+v", events.Events)
	}

	resp = h.do(t, http.MethodGet, "/api/records?state=normalization_queued", "")
	var list api.RecordListResponse
	decodeBody(t, resp, &list)
	if len(list.Records) != 1 {
		t.Fatalf("expected one queued record, got %d", len(list.Records))
	}

	resp = h.do(t, http.MethodGet, "/api/records?state=processed", "")
	decodeBody(t, resp, &list)
	if len(list.Records) != 0 {
		t.Fatalf("expected no processed records, got %d", len(list.Records))
	}
}

func TestRecordLookupErrors(t *testing.T) {
	h := newAPIHarness(t, "")
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"missing record", http.MethodGet, "/api/records/nope", "", http.StatusNotFound},
		{"missing events", http.MethodGet, "/api/records/nope/events", "", http.StatusNotFound},
		{"missing archive", http.MethodPost, "/api/records/nope/archive", "", http.StatusNotFound},
		{"unknown state", http.MethodGet, "/api/records?state=bogus", "", http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/api/records?limit=-1", "", http.StatusBadRequest},
		{"wrong method", http.MethodDelete, "/api/records/nope", "", http.StatusMethodNotAllowed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := h.do(t, tc.method, tc.path, tc.body)
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, resp.StatusCode)
			}
		})
	}
}

func TestArchiveHidesRecordFromListing(t *testing.T) {
	h := newAPIHarness(t, "")
	captured := h.capture(t, "old idea")

	resp := h.do(t, http.MethodPost, "/api/records/"+captured.RecordID+"/archive", "")
	var archived api.RecordResponse
	decodeBody(t, resp, &archived)
	if !archived.Record.Archived {
		t.Fatalf("expected archived record, got %+v", archived.Record)
	}

	var list api.RecordListResponse
	decodeBody(t, h.do(t, http.MethodGet, "/api/records", ""), &list)
	if len(list.Records) != 0 {
		t.Fatalf("expected archived record hidden, got %d", len(list.Records))
	}
	decodeBody(t, h.do(t, http.MethodGet, "/api/records?archived=true", ""), &list)
	if len(list.Records) != 1 {
		t.Fatalf("expected archived record listed, got %d", len(list.Records))
	}
}

func TestClassificationUpdate(t *testing.T) {
	h := newAPIHarness(t, "")
	captured := h.capture(t, "fix the bike")
	path := "/api/records/" + captured.RecordID + "/classification"

	resp := h.do(t, http.MethodPut, path, `{"type":{"id":"t-1"}}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for id without label, got %d", resp.StatusCode)
	}

	resp = h.do(t, http.MethodPut, path, `{"type":{"id":"t-1","label":"task"},"project":{"id":"p-9","label":"home"}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var updated api.RecordResponse
	decodeBody(t, resp, &updated)
	if updated.Record.Type == nil || updated.Record.Type.Label != "task" {
		t.Fatalf("unexpected type: %+v", updated.Record.Type)
	}
	if updated.Record.Project == nil || updated.Record.Project.ID != "p-9" {
		t.Fatalf("unexpected project: %+v", updated.Record.Project)
	}
}

func TestRetryRejectsRecordThatHasNotFailed(t *testing.T) {
	h := newAPIHarness(t, "")
	captured := h.capture(t, "still queued")
	resp := h.do(t, http.MethodPost, "/api/records/"+captured.RecordID+"/retry", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestStatusAndHealth(t *testing.T) {
	h := newAPIHarness(t, "")
	h.capture(t, "status check")

	var status api.DaemonStatus
	decodeBody(t, h.do(t, http.MethodGet, "/api/status", ""), &status)
	if status.Running || status.PID == 0 || status.Transport == "" {
		t.Fatalf("unexpected status: %+v", status)
	}

	resp := h.do(t, http.MethodGet, "/api/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthy database, got %d", resp.StatusCode)
	}
	var health api.HealthResponse
	decodeBody(t, resp, &health)
	if health.Status != "ok" || !health.Database.IntegrityCheck {
		t.Fatalf("unexpected health: %+v", health)
	}
	if health.Records.Total != 1 || health.Records.Queued != 1 {
		t.Fatalf("unexpected record summary: %+v", health.Records)
	}
}

func TestBearerTokenRequired(t *testing.T) {
	h := newAPIHarness(t, "s3cret")

	resp := h.do(t, http.MethodGet, "/api/records", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, h.server.URL+"/api/records", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err := h.server.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", resp.StatusCode)
	}

	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = h.server.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", resp.StatusCode)
	}

	resp = h.do(t, http.MethodGet, "/api/health", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health must stay open, got %d", resp.StatusCode)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("get: %w", store.ErrNotFound), http.StatusNotFound},
		{store.ErrConflict, http.StatusConflict},
		{store.ErrIllegalTransition, http.StatusConflict},
		{store.ErrInvalidClassification, http.StatusBadRequest},
		{services.Wrap(services.ErrNoContent, "capture", "submit text", "text is empty", nil), http.StatusBadRequest},
		{services.Wrap(services.ErrUnavailable, "jobs", "enqueue", "redis down", nil), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestCapturePathMustBeInIncoming(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithSemantic(false), testsupport.WithWatchRoot("voice", "audio"))
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	d := newTestDaemon(t, cfg, testsupport.MustOpenStore(t, cfg))
	server := httptest.NewServer(d.api.handler)
	t.Cleanup(server.Close)
	h := &apiHarness{d: d, server: server}
	root := d.captures.Roots()[0]
	if err := root.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	hostFile := filepath.Join(testsupport.BaseDir(cfg), "passwd")
	testsupport.WriteFile(t, hostFile, 64)
	resp := h.do(t, http.MethodPost, "/api/captures", fmt.Sprintf(`{"path":%q}`, hostFile))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a host path, got %d", resp.StatusCode)
	}

	path := testsupport.WriteIncoming(t, root, "memo.wav", "audio from the api")
	resp = h.do(t, http.MethodPost, "/api/captures", fmt.Sprintf(`{"path":%q}`, path))
	if resp.StatusCode != http.StatusAccepted {
		resp.Body.Close()
		t.Fatalf("expected 202 for an incoming file, got %d", resp.StatusCode)
	}
	var out api.CaptureResponse
	decodeBody(t, resp, &out)
	if out.Action != "accept" || out.Record == nil || out.Record.SourceType != "audio" {
		t.Fatalf("unexpected capture response: %+v", out)
	}
}
