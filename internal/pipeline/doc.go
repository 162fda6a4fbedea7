// Package pipeline runs the four enrichment stages: transcription,
// extraction, normalization and semantic enrichment.
//
// Every stage follows the same shape. The handler claims the record with a
// compare-and-set on its expected pre-state, calls the stage's gateway while a
// heartbeat keeps the lease fresh, and writes the outcome (lanes, payload and
// audit event) in one store transaction. Retryable failures keep the record in
// processing and return the same job with a higher retry count; terminal
// failures and exhausted retries move the record to failed and its source file
// to the failed staging area.
//
// Handlers never touch the job transport. They return the follow-up jobs and
// the worker enqueues them, calling EnqueueFailed when that is impossible.
package pipeline
