package llm

import (
	"context"
	"encoding/json"
	"strings"

	"capsule/internal/services"
)

// Semantic depth modes.
const (
	ModePreview = "preview"
	ModeDeep    = "deep"
)

const maxTagLength = 32

// SummaryPrompt is the system prompt for enrichment requests.
const SummaryPrompt = `You are summarizing a single captured note, transcript or document.
Respond with a JSON object only, using these keys:
  "summary": a concise summary of 2-5 sentences,
  "display_title": a single-line title under 120 characters,
  "tags": up to 8 short lowercase topic tags,
  "type_label": the kind of content (for example "meeting notes", "idea", "article"),
  "domain_label": the subject area (for example "engineering", "finance", "health"),
  "confidence": {"summary": 0-1, "classification": 0-1}.
Do not create plans, tasks or references to other entries.`

// previewHint is appended when only the beginning of the text is sent.
const previewHint = "Only the beginning of the text is included. Summarize what is present without guessing at the rest."

// EnrichRequest is one enrichment call.
type EnrichRequest struct {
	Mode string
	Text string
	Hint string
}

// Enrichment is the parsed model response. Missing fields stay empty; the
// caller decides fallbacks.
type Enrichment struct {
	Summary                  string
	DisplayTitle             string
	Tags                     []string
	TypeLabel                string
	DomainLabel              string
	SummaryConfidence        *float64
	ClassificationConfidence *float64
	ModelUsed                string
	Raw                      string
}

type enrichmentResponse struct {
	Summary      string          `json:"summary"`
	DisplayTitle string          `json:"display_title"`
	Tags         json.RawMessage `json:"tags"`
	TypeLabel    string          `json:"type_label"`
	DomainLabel  string          `json:"domain_label"`
	Confidence   struct {
		Summary        json.RawMessage `json:"summary"`
		Classification json.RawMessage `json:"classification"`
	} `json:"confidence"`
	ModelUsed string `json:"model_used"`
}

// Enrich asks the model for a summary, title, tags and classification hints.
func (c *Client) Enrich(ctx context.Context, req EnrichRequest) (Enrichment, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Enrichment{}, services.Wrap(services.ErrNoContent, stageName, "enrich", "prompt text is empty", nil)
	}
	userPrompt := text
	var hints []string
	if req.Mode == ModePreview {
		hints = append(hints, previewHint)
	}
	if hint := strings.TrimSpace(req.Hint); hint != "" {
		hints = append(hints, hint)
	}
	if len(hints) > 0 {
		userPrompt = strings.Join(hints, "\n") + "\n\n---\n\n" + text
	}

	content, err := c.CompleteJSON(ctx, SummaryPrompt, userPrompt)
	if err != nil {
		return Enrichment{}, err
	}
	result, err := ParseEnrichment(content)
	if err != nil {
		return Enrichment{}, err
	}
	if result.ModelUsed == "" {
		result.ModelUsed = c.Model()
	}
	return result, nil
}

// ParseEnrichment decodes a model response. Tags are lower-cased, trimmed to
// 32 characters and de-duplicated; confidences outside [0,1] are dropped.
func ParseEnrichment(content string) (Enrichment, error) {
	var parsed enrichmentResponse
	if err := DecodeLLMJSON(content, &parsed); err != nil {
		return Enrichment{}, services.Wrap(services.ErrMalformed, stageName, "enrich", "parse payload", err)
	}
	return Enrichment{
		Summary:                  strings.TrimSpace(parsed.Summary),
		DisplayTitle:             strings.TrimSpace(parsed.DisplayTitle),
		Tags:                     normalizeTags(parsed.Tags),
		TypeLabel:                strings.TrimSpace(parsed.TypeLabel),
		DomainLabel:              strings.TrimSpace(parsed.DomainLabel),
		SummaryConfidence:        coerceConfidence(parsed.Confidence.Summary),
		ClassificationConfidence: coerceConfidence(parsed.Confidence.Classification),
		ModelUsed:                strings.TrimSpace(parsed.ModelUsed),
		Raw:                      content,
	}, nil
}

// normalizeTags accepts either a list of strings or a single string.
func normalizeTags(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var values []string
	var list []any
	if err := json.Unmarshal(raw, &list); err == nil {
		for _, item := range list {
			if s, ok := item.(string); ok {
				values = append(values, s)
			}
		}
	} else {
		var single string
		if err := json.Unmarshal(raw, &single); err == nil {
			values = append(values, single)
		}
	}

	var tags []string
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		tag := strings.ToLower(strings.TrimSpace(value))
		if tag == "" {
			continue
		}
		if runes := []rune(tag); len(runes) > maxTagLength {
			tag = string(runes[:maxTagLength])
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	return tags
}

func coerceConfidence(raw json.RawMessage) *float64 {
	if len(raw) == 0 {
		return nil
	}
	var value float64
	if err := json.Unmarshal(raw, &value); err != nil {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil
		}
		if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &value); err != nil {
			return nil
		}
	}
	if value < 0 || value > 1 {
		return nil
	}
	return &value
}
