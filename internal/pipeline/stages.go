package pipeline

import (
	"context"
	"strings"
	"unicode/utf8"

	"capsule/internal/record"
	"capsule/internal/retry"
	"capsule/internal/services"
	"capsule/internal/services/llm"
	"capsule/internal/textnorm"
)

func (c *Coordinator) transcribe(ctx context.Context, rec *record.Record) (stageOutput, error) {
	if c.gateways.Speech == nil {
		return stageOutput{}, missingGateway(record.StageTranscription, "speech")
	}
	if err := requireSource(record.StageTranscription, rec); err != nil {
		return stageOutput{}, err
	}
	result, err := c.gateways.Speech.Transcribe(ctx, rec.SourcePath, rec.MimeType)
	if err != nil {
		return stageOutput{}, err
	}
	payload := rec.Payload
	payload.Transcription = &record.TranscriptionPayload{
		Text:       result.Text,
		Language:   result.Language,
		Confidence: result.Confidence,
		Provider:   result.Provider,
	}
	return stageOutput{
		payload: payload,
		data: map[string]any{
			"provider": result.Provider,
			"chars":    utf8.RuneCountInString(result.Text),
		},
	}, nil
}

func (c *Coordinator) extract(ctx context.Context, rec *record.Record) (stageOutput, error) {
	if c.gateways.Documents == nil {
		return stageOutput{}, missingGateway(record.StageExtraction, "document")
	}
	if err := requireSource(record.StageExtraction, rec); err != nil {
		return stageOutput{}, err
	}
	result, err := c.gateways.Documents.Extract(ctx, rec.SourcePath)
	if err != nil {
		return stageOutput{}, err
	}
	payload := rec.Payload
	payload.Extraction = &record.ExtractionPayload{
		Text:      result.Text,
		MimeType:  result.MimeType,
		PageCount: result.PageCount,
		Provider:  result.Provider,
	}
	return stageOutput{
		payload: payload,
		data: map[string]any{
			"provider":   result.Provider,
			"page_count": result.PageCount,
			"chars":      utf8.RuneCountInString(result.Text),
		},
	}, nil
}

// normalize never calls out; it only cleans the best available source text.
func (c *Coordinator) normalize(_ context.Context, rec *record.Record) (stageOutput, error) {
	source, section := rec.Payload.SourceText()
	if strings.TrimSpace(source) == "" {
		return stageOutput{}, services.WithCode(
			services.Wrap(services.ErrNoContent, string(record.StageNormalization), "normalize", "no source text to normalize", nil),
			retry.CodeNoContent,
		)
	}
	result, err := textnorm.Normalize(source, c.normalization)
	if err != nil {
		return stageOutput{}, err
	}
	payload := rec.Payload
	payload.Normalization = &record.NormalizationPayload{
		Text:           result.Text,
		Segments:       result.Segments,
		AppliedRules:   result.AppliedRules,
		InputChars:     result.InputChars,
		OutputChars:    result.OutputChars,
		InputTruncated: result.InputTruncated,
		Truncated:      result.Truncated,
		SourceSection:  section,
	}
	return stageOutput{
		payload: payload,
		data: map[string]any{
			"applied_rules":   result.AppliedRules,
			"input_chars":     result.InputChars,
			"output_chars":    result.OutputChars,
			"segment_count":   result.SegmentCount(),
			"truncated":       result.Truncated,
			"input_truncated": result.InputTruncated,
		},
	}, nil
}

func (c *Coordinator) enrich(ctx context.Context, rec *record.Record) (stageOutput, error) {
	if c.gateways.LLM == nil {
		return stageOutput{}, missingGateway(record.StageSemantic, "language model")
	}
	text := strings.TrimSpace(rec.Payload.NormalizedText())
	if text == "" {
		return stageOutput{}, services.WithCode(
			services.Wrap(services.ErrNoContent, string(record.StageSemantic), "enrich", "record has no normalized text", nil),
			retry.CodeNoContent,
		)
	}
	length := utf8.RuneCountInString(text)
	mode := c.semantic.ResolveMode(length)
	prompt := c.semantic.Prompt(mode, text)

	enrichment, err := c.gateways.LLM.Enrich(ctx, llm.EnrichRequest{
		Mode: mode,
		Text: prompt,
		Hint: titleHint(rec),
	})
	if err != nil {
		return stageOutput{}, err
	}
	semantic := buildSemanticPayload(mode, prompt, length, enrichment)
	payload := rec.Payload
	payload.Semantic = &semantic
	return stageOutput{
		payload:   payload,
		cognitive: c.semantic.CognitiveFor(semantic),
		data: map[string]any{
			"mode":         mode,
			"input_chars":  length,
			"prompt_chars": utf8.RuneCountInString(prompt),
			"model_used":   semantic.ModelUsed,
		},
	}, nil
}

func requireSource(stage record.Stage, rec *record.Record) error {
	if strings.TrimSpace(rec.SourcePath) != "" {
		return nil
	}
	return services.Wrap(services.ErrValidation, string(stage), "load source", "record has no source path", nil)
}

func missingGateway(stage record.Stage, name string) error {
	return services.Wrap(services.ErrConfiguration, string(stage), "gateway", name+" gateway is not configured", nil)
}
