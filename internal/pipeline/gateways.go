package pipeline

import (
	"context"

	"capsule/internal/services/docai"
	"capsule/internal/services/llm"
	"capsule/internal/services/speech"
)

// Transcriber turns an audio file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, path, mimeType string) (speech.Result, error)
}

// Extractor pulls text out of a document.
type Extractor interface {
	Extract(ctx context.Context, path string) (docai.Result, error)
}

// Enricher summarizes and classifies normalized text.
type Enricher interface {
	Enrich(ctx context.Context, req llm.EnrichRequest) (llm.Enrichment, error)
}

// Gateways bundles the external capabilities the stages call. A nil gateway
// fails its stage with a configuration error.
type Gateways struct {
	Speech    Transcriber
	Documents Extractor
	LLM       Enricher
}
