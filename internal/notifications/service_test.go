package notifications_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"capsule/internal/config"
	"capsule/internal/notifications"
)

func TestNewServiceReturnsNoopWhenTopicMissing(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = ""
	svc := notifications.NewService(&cfg)
	if err := svc.Publish(context.Background(), notifications.EventStageFailed, notifications.Payload{"recordID": "r1"}); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
}

func TestNtfyServiceFormatsPayloads(t *testing.T) {
	tests := []struct {
		name           string
		event          notifications.Event
		payload        notifications.Payload
		expectTitle    string
		expectMessage  string
		expectTags     string
		expectPriority string
	}{
		{
			name:  "stage failed",
			event: notifications.EventStageFailed,
			payload: notifications.Payload{
				"recordID":  "rec-1",
				"stage":     "extraction",
				"errorCode": "unsupported_format",
				"error":     errors.New("cannot extract .xyz"),
			},
			expectTitle:    "Capsule - Stage Failed",
			expectMessage:  "extraction failed for rec-1: cannot extract .xyz (unsupported_format)",
			expectTags:     "capsule,extraction,failed",
			expectPriority: "high",
		},
		{
			name:  "dead lettered with title",
			event: notifications.EventDeadLettered,
			payload: notifications.Payload{
				"recordID":  "rec-2",
				"title":     "memo.wav",
				"stage":     "transcription",
				"errorCode": "timeout",
				"attempts":  3,
			},
			expectTitle:    "Capsule - Dead Letter",
			expectMessage:  "transcription gave up on memo.wav (rec-2) after 3 attempts: timeout",
			expectTags:     "capsule,transcription,dead_letter",
			expectPriority: "high",
		},
		{
			name:  "capture failed",
			event: notifications.EventCaptureFailed,
			payload: notifications.Payload{
				"recordID":  "rec-3",
				"errorCode": "enqueue_failed",
			},
			expectTitle:    "Capsule - Capture Failed",
			expectMessage:  "Could not queue rec-3: enqueue_failed",
			expectTags:     "capsule,capture,failed",
			expectPriority: "high",
		},
		{
			name:           "test",
			event:          notifications.EventTest,
			expectTitle:    "Capsule - Test",
			expectMessage:  "Notification system test",
			expectTags:     "capsule,test",
			expectPriority: "low",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var captured struct {
				title    string
				tags     string
				priority string
				body     string
			}

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Fatalf("unexpected method: %s", r.Method)
				}
				captured.title = r.Header.Get("Title")
				captured.tags = r.Header.Get("Tags")
				captured.priority = r.Header.Get("Priority")
				body, err := io.ReadAll(r.Body)
				if err != nil {
					t.Fatalf("read body: %v", err)
				}
				captured.body = string(body)
				_ = r.Body.Close()
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			cfg := config.Default()
			cfg.Notifications.NtfyTopic = server.URL
			cfg.Notifications.RequestTimeout = 5

			svc := notifications.NewService(&cfg)
			if err := svc.Publish(context.Background(), tc.event, tc.payload); err != nil {
				t.Fatalf("notification returned error: %v", err)
			}

			if captured.title != tc.expectTitle {
				t.Fatalf("expected title %q, got %q", tc.expectTitle, captured.title)
			}
			if captured.body != tc.expectMessage {
				t.Fatalf("expected message %q, got %q", tc.expectMessage, captured.body)
			}
			if captured.tags != tc.expectTags {
				t.Fatalf("expected tags %q, got %q", tc.expectTags, captured.tags)
			}
			if captured.priority != tc.expectPriority {
				t.Fatalf("expected priority %q, got %q", tc.expectPriority, captured.priority)
			}
		})
	}
}

func TestNtfyServiceHonoursToggles(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected call for suppressed event: %s", r.Header.Get("Title"))
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	cfg.Notifications.Failures = false
	cfg.Notifications.DeadLetters = false

	svc := notifications.NewService(&cfg)
	suppressed := []notifications.Event{
		notifications.EventStageFailed,
		notifications.EventDeadLettered,
		notifications.EventCaptureFailed,
		notifications.Event("unknown"),
	}
	for _, event := range suppressed {
		if err := svc.Publish(context.Background(), event, notifications.Payload{"recordID": "ignored"}); err != nil {
			t.Fatalf("expected no error for suppressed event %s, got %v", event, err)
		}
	}
}

func TestNtfyServiceReportsHTTPErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "topic closed", http.StatusForbidden)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	svc := notifications.NewService(&cfg)
	if err := svc.Publish(context.Background(), notifications.EventTest, nil); err == nil {
		t.Fatal("expected error for 403 response")
	}
}
