// Package services defines shared utilities consumed by the pipeline stage
// handlers and external gateway adapters.
//
// Key responsibilities:
//   - Context helpers that stamp record IDs, stage names, job types, and
//     correlation identifiers for logging and tracing.
//   - Structured error markers plus the Wrap and WithCode helpers that let the
//     retry policy classify failures into retryable and terminal outcomes.
//
// Use these helpers when wiring new stage logic or gateway adapters so
// operational behaviour (error handling, observability, retries) stays
// uniform across the pipeline.
package services
