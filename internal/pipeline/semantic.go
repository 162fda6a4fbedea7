package pipeline

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"capsule/internal/record"
	"capsule/internal/services/llm"
)

const (
	modeAuto = "auto"

	summaryFallbackChars = 400
	titleFallbackChars   = 120
	defaultTitle         = "Semantic Summary"
)

// SemanticSettings controls enrichment depth.
type SemanticSettings struct {
	Mode            string
	MaxDeepChars    int
	MaxPreviewChars int
	ReviewThreshold float64
}

// ResolveMode picks preview or deep for text of the given rune length. Auto
// goes deep when the whole text fits under MaxDeepChars.
func (s SemanticSettings) ResolveMode(length int) string {
	switch strings.ToLower(strings.TrimSpace(s.Mode)) {
	case llm.ModePreview:
		return llm.ModePreview
	case llm.ModeDeep:
		return llm.ModeDeep
	}
	if s.MaxDeepChars <= 0 || length <= s.MaxDeepChars {
		return llm.ModeDeep
	}
	return llm.ModePreview
}

// Prompt truncates text for mode.
func (s SemanticSettings) Prompt(mode, text string) string {
	limit := s.MaxDeepChars
	if mode == llm.ModePreview {
		limit = s.MaxPreviewChars
	}
	if limit <= 0 {
		return text
	}
	return truncateRunes(text, limit)
}

// buildSemanticPayload applies fallbacks to a model response.
func buildSemanticPayload(mode, prompt string, inputChars int, e llm.Enrichment) record.SemanticPayload {
	summary := strings.TrimSpace(e.Summary)
	if summary == "" {
		summary = strings.TrimSpace(truncateRunes(prompt, summaryFallbackChars))
	}
	title := strings.TrimSpace(e.DisplayTitle)
	if title == "" {
		title = fallbackTitle(prompt)
	}
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	return record.SemanticPayload{
		Mode:         mode,
		Summary:      summary,
		DisplayTitle: title,
		Tags:         tags,
		TypeLabel:    strings.TrimSpace(e.TypeLabel),
		DomainLabel:  strings.TrimSpace(e.DomainLabel),
		Confidence: record.Confidence{
			Summary:        valueOrZero(e.SummaryConfidence),
			Classification: valueOrZero(e.ClassificationConfidence),
		},
		ModelUsed:  e.ModelUsed,
		InputChars: inputChars,
	}
}

// CognitiveFor decides the cognitive lane after enrichment. Missing
// confidence counts as zero.
func (s SemanticSettings) CognitiveFor(p record.SemanticPayload) record.CognitiveStatus {
	if p.Confidence.Summary < s.ReviewThreshold || p.TypeLabel == "" || p.DomainLabel == "" {
		return record.CognitiveReviewNeeded
	}
	return record.CognitiveComplete
}

func fallbackTitle(prompt string) string {
	for _, line := range strings.Split(prompt, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return strings.TrimSpace(truncateRunes(line, titleFallbackChars))
		}
	}
	return defaultTitle
}

func titleHint(rec *record.Record) string {
	if rec == nil || rec.Payload.Metadata == nil {
		return ""
	}
	title, ok := rec.Payload.Metadata["title"].(string)
	if !ok || strings.TrimSpace(title) == "" {
		return ""
	}
	return fmt.Sprintf("The author titled this capture %q.", strings.TrimSpace(title))
}

func valueOrZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	count := 0
	for i := range s {
		if count == limit {
			return s[:i]
		}
		count++
	}
	return s
}
