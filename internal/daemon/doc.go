// Package daemon supervises the long-running capsule process.
//
// It ties the workflow manager, the capture coordinator and the watch-root
// scanner into one lifecycle guarded by a flock so only one daemon owns a data
// directory. The daemon also serves the operator HTTP API: capture submission,
// record inspection, archive, classification edits, retries, status and
// health. Prometheus metrics are mounted on the same listener when enabled.
//
// Stage logic lives in internal/pipeline and capture logic in
// internal/capture. This package only starts, stops and exposes them.
package daemon
