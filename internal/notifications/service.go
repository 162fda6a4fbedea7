package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"capsule/internal/config"
)

const userAgent = "Capsule-Go/0.1.0"

// Event names a notification the pipeline can raise.
type Event string

const (
	EventStageFailed   Event = "stage_failed"
	EventDeadLettered  Event = "dead_lettered"
	EventCaptureFailed Event = "capture_failed"
	EventTest          Event = "test"
)

// Payload carries event fields. Values are rendered with fmt.
type Payload map[string]any

// Service defines the notification surface exposed to workflow components.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint:    topic,
		client:      &http.Client{Timeout: timeout},
		failures:    cfg.Notifications.Failures,
		deadLetters: cfg.Notifications.DeadLetters,
	}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint    string
	client      *http.Client
	failures    bool
	deadLetters bool
}

func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	msg, ok := n.render(event, payload)
	if !ok {
		return nil
	}
	return n.send(ctx, msg)
}

func (n *ntfyService) render(event Event, payload Payload) (message, bool) {
	record := payload.text("recordID")
	stage := payload.text("stage")
	code := payload.text("errorCode")
	subject := record
	if title := payload.text("title"); title != "" {
		subject = fmt.Sprintf("%s (%s)", title, record)
	}

	switch event {
	case EventStageFailed:
		if !n.failures {
			return message{}, false
		}
		return message{
			title:    "Capsule - Stage Failed",
			body:     fmt.Sprintf("%s failed for %s: %s", stage, subject, withDetail(code, payload.text("error"))),
			tags:     []string{"capsule", stage, "failed"},
			priority: "high",
		}, true
	case EventDeadLettered:
		if !n.deadLetters {
			return message{}, false
		}
		return message{
			title:    "Capsule - Dead Letter",
			body:     fmt.Sprintf("%s gave up on %s after %s attempts: %s", stage, subject, payload.text("attempts"), withDetail(code, payload.text("error"))),
			tags:     []string{"capsule", stage, "dead_letter"},
			priority: "high",
		}, true
	case EventCaptureFailed:
		if !n.failures {
			return message{}, false
		}
		return message{
			title:    "Capsule - Capture Failed",
			body:     fmt.Sprintf("Could not queue %s: %s", subject, withDetail(code, payload.text("error"))),
			tags:     []string{"capsule", "capture", "failed"},
			priority: "high",
		}, true
	case EventTest:
		return message{
			title:    "Capsule - Test",
			body:     "Notification system test",
			tags:     []string{"capsule", "test"},
			priority: "low",
		}, true
	}
	return message{}, false
}

func withDetail(code, detail string) string {
	switch {
	case code != "" && detail != "":
		return fmt.Sprintf("%s (%s)", detail, code)
	case detail != "":
		return detail
	case code != "":
		return code
	}
	return "unknown error"
}

func (p Payload) text(key string) string {
	if p == nil {
		return ""
	}
	value, ok := p[key]
	if !ok || value == nil {
		return ""
	}
	if err, ok := value.(error); ok {
		return strings.TrimSpace(err.Error())
	}
	return strings.TrimSpace(fmt.Sprint(value))
}

func (n *ntfyService) send(ctx context.Context, msg message) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(msg.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if msg.title != "" {
		req.Header.Set("Title", msg.title)
	}
	if len(msg.tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.tags, ","))
	}
	if msg.priority != "" && msg.priority != "default" {
		req.Header.Set("Priority", msg.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
