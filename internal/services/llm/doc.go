// Package llm provides an OpenRouter-compatible chat client used by the
// semantic enrichment stage.
//
// Enrich sends normalized text (already cut to the preview or deep budget by
// the caller) with SummaryPrompt and parses the JSON reply into an
// Enrichment: summary, display title, tags, type/domain hint labels and
// per-dimension confidence. Missing fields stay empty so the pipeline can
// apply its own fallbacks.
//
// # Errors
//
// Every error carries a services marker: 429 maps to ErrRateLimited, 408/504
// and deadlines to ErrTimeout, other 5xx and network failures to
// ErrUnavailable, 401/403 to ErrConfiguration, undecodable replies to
// ErrMalformed. The retry package turns those into retry or terminal
// decisions.
//
// # Retry Behaviour
//
// The client retries once in-call on 408/429/5xx, empty content and network
// timeouts, honouring Retry-After. Longer retries happen through the job
// pipeline with the configured backoff.
package llm
