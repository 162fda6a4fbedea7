// Package idempotency decides what happens to a capture whose fingerprint
// may already be held by a live record on the same channel.
package idempotency

import (
	"context"
	"fmt"

	"capsule/internal/record"
)

// Action is the resolver's verdict.
type Action string

const (
	// ActionAccept creates a new record.
	ActionAccept Action = "accept"
	// ActionSkip leaves the existing record alone and logs a duplicate.
	ActionSkip Action = "skip"
	// ActionRetry re-enters a failed record under its existing id.
	ActionRetry Action = "retry"
	// ActionReingest re-enters a processed record because force was requested.
	ActionReingest Action = "reingest"
)

// Skip reasons recorded on capture.duplicate_skipped events.
const (
	ReasonInFlight  = "in_flight"
	ReasonProcessed = "already_processed"
)

// Decision is the outcome for one capture.
type Decision struct {
	Action   Action
	Existing *record.Record
	Reason   string
}

// Decide applies the decision table to the live record holding the
// fingerprint, or nil when there is none. Force re-ingest takes precedence
// over the processed-skip rule.
func Decide(existing *record.Record, force bool) Decision {
	if existing == nil {
		return Decision{Action: ActionAccept}
	}
	switch existing.IngestState {
	case record.IngestFailed:
		return Decision{Action: ActionRetry, Existing: existing, Reason: "previous_failure"}
	case record.IngestProcessed:
		if force {
			return Decision{Action: ActionReingest, Existing: existing, Reason: "forced"}
		}
		return Decision{Action: ActionSkip, Existing: existing, Reason: ReasonProcessed}
	default:
		// captured, queued_* and processing_* are all in flight.
		return Decision{Action: ActionSkip, Existing: existing, Reason: ReasonInFlight}
	}
}

// Finder looks up the live record for a fingerprint on a channel.
type Finder interface {
	FindActiveByFingerprint(ctx context.Context, fingerprint, channel string) (*record.Record, error)
}

// Resolver combines a Finder with the decision table.
type Resolver struct {
	finder Finder
	force  bool
}

// NewResolver returns a resolver. forceDefault applies when a request does not
// ask for force itself.
func NewResolver(finder Finder, forceDefault bool) *Resolver {
	return &Resolver{finder: finder, force: forceDefault}
}

// Resolve looks up the fingerprint and decides.
func (r *Resolver) Resolve(ctx context.Context, fingerprint, channel string, force bool) (Decision, error) {
	existing, err := r.finder.FindActiveByFingerprint(ctx, fingerprint, channel)
	if err != nil {
		return Decision{}, fmt.Errorf("resolve fingerprint: %w", err)
	}
	return Decide(existing, force || r.force), nil
}
