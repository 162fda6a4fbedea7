package jobs

import (
	"context"
	"time"
)

// Delivery is one received job. Receipt identifies the delivery to the
// transport that produced it and is only meaningful there.
type Delivery struct {
	Job        Job
	Receipt    string
	Deliveries int
}

// Transport carries jobs between enqueuers and workers with at-least-once
// delivery.
type Transport interface {
	// Enqueue makes job available no earlier than job.NotBefore.
	Enqueue(ctx context.Context, job Job) error
	// Receive returns the next ready job of one of types, or nil when none is
	// ready. The delivery stays invisible to other consumers until acked,
	// nacked, or its visibility timeout passes.
	Receive(ctx context.Context, types []Type) (*Delivery, error)
	// Ack removes a delivered job permanently.
	Ack(ctx context.Context, d *Delivery) error
	// Nack returns a delivered job for redelivery after delay.
	Nack(ctx context.Context, d *Delivery, delay time.Duration) error
	Close() error
}

// LaneTransport is a transport that leases under a consumer name. ForLane
// returns a view sharing the same connection but leasing as its own consumer,
// so one worker lane cannot settle a job another lane has re-leased. Lane
// views are not closed; closing the parent releases the connection.
type LaneTransport interface {
	Transport
	ForLane(lane string) Transport
}
