package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"capsule/internal/logging"
	"capsule/internal/store"
)

// StoreTransport keeps jobs in the record database's jobs table. It is the
// default transport and needs no external broker.
type StoreTransport struct {
	store      *store.Store
	owner      string
	visibility time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewStoreTransport returns a transport leasing jobs as owner. An empty owner
// gets a random consumer name.
func NewStoreTransport(st *store.Store, owner string, visibility time.Duration, logger *slog.Logger) *StoreTransport {
	if owner == "" {
		owner = "worker-" + uuid.NewString()[:8]
	}
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &StoreTransport{
		store:      st,
		owner:      owner,
		visibility: visibility,
		now:        time.Now,
		logger:     logging.NewComponentLogger(logger, "job-transport"),
	}
}

// Owner returns the consumer name leases are taken under.
func (t *StoreTransport) Owner() string {
	return t.owner
}

// ForLane returns a view leasing as owner/lane.
func (t *StoreTransport) ForLane(lane string) Transport {
	view := *t
	view.owner = t.owner + "/" + lane
	return &view
}

// Enqueue inserts job into the jobs table.
func (t *StoreTransport) Enqueue(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	body, err := EncodePayload(job)
	if err != nil {
		return err
	}
	_, err = t.store.EnqueueJob(ctx, store.JobRow{
		ID:        job.ID,
		Type:      string(job.Type),
		RecordID:  job.RecordID,
		Payload:   body,
		NotBefore: job.NotBefore,
	})
	return err
}

// Receive leases the oldest ready job of one of types.
func (t *StoreTransport) Receive(ctx context.Context, types []Type) (*Delivery, error) {
	names := make([]string, 0, len(types))
	for _, jt := range types {
		names = append(names, string(jt))
	}
	row, err := t.store.LeaseJob(ctx, names, t.owner, t.visibility)
	if err != nil || row == nil {
		return nil, err
	}
	job := Job{
		ID:        row.ID,
		Type:      Type(row.Type),
		RecordID:  row.RecordID,
		NotBefore: row.NotBefore,
	}
	if err := DecodePayload(row.Payload, &job); err != nil {
		// Undecodable rows can never succeed; drop them.
		logging.WarnWithContext(t.logger, "dropping undecodable job row", "job_decode_failed",
			logging.String("job_id", row.ID),
			logging.String(logging.FieldErrorHint, "inspect the jobs table for foreign writers"),
			logging.String(logging.FieldImpact, "job discarded"),
			logging.Error(err),
		)
		if ackErr := t.store.AckJob(ctx, row.ID, t.owner); ackErr != nil {
			logging.WarnWithContext(t.logger, "could not drop undecodable job row", "job_ack_failed",
				logging.String("job_id", row.ID),
				logging.String(logging.FieldImpact, "row is redelivered after the visibility timeout"),
				logging.Error(ackErr),
			)
		}
		return nil, fmt.Errorf("job %s: %w", row.ID, err)
	}
	return &Delivery{Job: job, Receipt: row.ID, Deliveries: row.Deliveries}, nil
}

// Ack deletes the leased job.
func (t *StoreTransport) Ack(ctx context.Context, d *Delivery) error {
	if d == nil {
		return errors.New("ack: nil delivery")
	}
	return t.store.AckJob(ctx, d.Receipt, t.owner)
}

// Nack releases the leased job for redelivery after delay.
func (t *StoreTransport) Nack(ctx context.Context, d *Delivery, delay time.Duration) error {
	if d == nil {
		return errors.New("nack: nil delivery")
	}
	return t.store.ReleaseJob(ctx, d.Receipt, t.owner, t.now().Add(delay))
}

// Close is a no-op; the store is owned by the caller.
func (t *StoreTransport) Close() error { return nil }
