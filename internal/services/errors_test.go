package services_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"capsule/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrExternalTool, "transcription", "recognize", "failed", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"transcription", "recognize", "failed"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := services.Wrap(nil, "", "", "", nil)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
	if !strings.Contains(err.Error(), "service failure") {
		t.Fatalf("expected default detail, got %q", err.Error())
	}
}

func TestWithCodeOutermostWins(t *testing.T) {
	inner := services.WithCode(services.Wrap(services.ErrNoContent, "normalization", "clean", "empty", nil), "no_content")
	outer := services.WithCode(fmt.Errorf("stage: %w", inner), "dead_lettered")

	code, ok := services.Code(outer)
	if !ok || code != "dead_lettered" {
		t.Fatalf("expected outer code, got %q %v", code, ok)
	}
	if !errors.Is(outer, services.ErrNoContent) {
		t.Fatal("expected marker to survive code wrapping")
	}
	if services.WithCode(nil, "x") != nil {
		t.Fatal("expected nil error to stay nil")
	}
}

func TestDetails(t *testing.T) {
	err := services.WithCode(services.Wrap(services.ErrRateLimited, "semantic", "complete", "429", nil), "rate_limited")
	details := services.Details(err)
	if details.Kind != "rate_limited" {
		t.Fatalf("unexpected kind %q", details.Kind)
	}
	if details.Code != "rate_limited" {
		t.Fatalf("unexpected code %q", details.Code)
	}
	if !strings.Contains(details.Message, "semantic") {
		t.Fatalf("unexpected message %q", details.Message)
	}
	if got := services.Details(errors.New("plain")).Kind; got != "unknown" {
		t.Fatalf("expected unknown kind, got %q", got)
	}
}
