package pipeline

import (
	"strings"
	"testing"

	"capsule/internal/record"
	"capsule/internal/services/llm"
)

func TestResolveMode(t *testing.T) {
	tests := []struct {
		name   string
		mode   string
		length int
		want   string
	}{
		{"auto short", "auto", 5999, llm.ModeDeep},
		{"auto at limit", "auto", 6000, llm.ModeDeep},
		{"auto long", "auto", 8000, llm.ModePreview},
		{"explicit preview", "preview", 10, llm.ModePreview},
		{"explicit deep", "DEEP", 100000, llm.ModeDeep},
		{"empty means auto", "", 7000, llm.ModePreview},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := SemanticSettings{Mode: tc.mode, MaxDeepChars: 6000, MaxPreviewChars: 400}
			if got := s.ResolveMode(tc.length); got != tc.want {
				t.Fatalf("ResolveMode(%d) = %s, want %s", tc.length, got, tc.want)
			}
		})
	}
}

func TestPromptTruncatesByMode(t *testing.T) {
	s := SemanticSettings{MaxDeepChars: 10, MaxPreviewChars: 4}
	text := "ééééééééééééééé"
	if got := s.Prompt(llm.ModePreview, text); got != "éééé" {
		t.Fatalf("preview prompt = %q", got)
	}
	if got := s.Prompt(llm.ModeDeep, text); got != strings.Repeat("é", 10) {
		t.Fatalf("deep prompt = %q", got)
	}
}

func TestBuildSemanticPayloadFallbacks(t *testing.T) {
	prompt := "\n  First line of the note  \nsecond line"
	p := buildSemanticPayload(llm.ModeDeep, prompt, 42, llm.Enrichment{})
	if p.DisplayTitle != "First line of the note" {
		t.Fatalf("title fallback = %q", p.DisplayTitle)
	}
	if p.Summary != strings.TrimSpace(prompt) {
		t.Fatalf("summary fallback = %q", p.Summary)
	}
	if p.Tags == nil || len(p.Tags) != 0 {
		t.Fatalf("expected empty tag list, got %#v", p.Tags)
	}
	if p.InputChars != 42 || p.Mode != llm.ModeDeep {
		t.Fatalf("unexpected bookkeeping: %#v", p)
	}

	long := strings.Repeat("x", 500)
	p = buildSemanticPayload(llm.ModeDeep, long, 500, llm.Enrichment{})
	if len(p.Summary) != summaryFallbackChars {
		t.Fatalf("summary fallback length = %d", len(p.Summary))
	}
	if len(p.DisplayTitle) != titleFallbackChars {
		t.Fatalf("title fallback length = %d", len(p.DisplayTitle))
	}

	if got := fallbackTitle("   \n\t\n"); got != defaultTitle {
		t.Fatalf("blank prompt title = %q", got)
	}
}

func TestCognitiveFor(t *testing.T) {
	s := SemanticSettings{ReviewThreshold: 0.6}
	base := record.SemanticPayload{TypeLabel: "idea", DomainLabel: "work", Confidence: record.Confidence{Summary: 0.8}}
	if got := s.CognitiveFor(base); got != record.CognitiveComplete {
		t.Fatalf("confident labelled result = %s", got)
	}
	low := base
	low.Confidence.Summary = 0.4
	if got := s.CognitiveFor(low); got != record.CognitiveReviewNeeded {
		t.Fatalf("low confidence = %s", got)
	}
	unlabelled := base
	unlabelled.DomainLabel = ""
	if got := s.CognitiveFor(unlabelled); got != record.CognitiveReviewNeeded {
		t.Fatalf("missing label = %s", got)
	}
}

func TestTitleHint(t *testing.T) {
	rec := &record.Record{Payload: record.Payload{Metadata: map[string]any{"title": " groceries "}}}
	if got := titleHint(rec); got != `The author titled this capture "groceries".` {
		t.Fatalf("titleHint = %q", got)
	}
	if got := titleHint(&record.Record{}); got != "" {
		t.Fatalf("expected no hint, got %q", got)
	}
}
