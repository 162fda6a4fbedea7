// Package jobs defines stage jobs, the handler registry that dispatches them
// by job type, and the transports that carry them between the capture
// coordinator and workers.
//
// Transports are at-least-once: a job that is received but never acked is
// delivered again after its visibility timeout. Handlers must therefore be
// safe to run twice for the same job; the pipeline achieves this with
// check-and-set writes against the record's expected pre-state.
package jobs
