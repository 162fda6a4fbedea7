package jobs

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryTransport is an in-process transport for tests and single-shot CLI
// runs. Jobs do not survive the process.
type MemoryTransport struct {
	mu       sync.Mutex
	now      func() time.Time
	ready    []*memoryEntry
	inflight map[string]*memoryEntry
	// FailEnqueue, when set, is returned by Enqueue.
	FailEnqueue error
}

type memoryEntry struct {
	job        Job
	deliveries int
}

// NewMemoryTransport returns an empty in-memory transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{now: time.Now, inflight: make(map[string]*memoryEntry)}
}

// SetClock overrides the transport's time source.
func (m *MemoryTransport) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if now != nil {
		m.now = now
	}
}

func (m *MemoryTransport) Enqueue(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailEnqueue != nil {
		return m.FailEnqueue
	}
	if err := job.Validate(); err != nil {
		return err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	m.ready = append(m.ready, &memoryEntry{job: job})
	return nil
}

func (m *MemoryTransport) Receive(_ context.Context, types []Type) (*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := make(map[Type]struct{}, len(types))
	for _, t := range types {
		wanted[t] = struct{}{}
	}
	now := m.now()
	sort.SliceStable(m.ready, func(i, j int) bool {
		return m.ready[i].job.NotBefore.Before(m.ready[j].job.NotBefore)
	})
	for i, entry := range m.ready {
		if _, ok := wanted[entry.job.Type]; !ok {
			continue
		}
		if entry.job.NotBefore.After(now) {
			continue
		}
		m.ready = append(m.ready[:i], m.ready[i+1:]...)
		entry.deliveries++
		m.inflight[entry.job.ID] = entry
		return &Delivery{Job: entry.job, Receipt: entry.job.ID, Deliveries: entry.deliveries}, nil
	}
	return nil, nil
}

func (m *MemoryTransport) Ack(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d == nil {
		return errors.New("ack: nil delivery")
	}
	if _, ok := m.inflight[d.Receipt]; !ok {
		return errors.New("ack: unknown delivery")
	}
	delete(m.inflight, d.Receipt)
	return nil
}

func (m *MemoryTransport) Nack(_ context.Context, d *Delivery, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d == nil {
		return errors.New("nack: nil delivery")
	}
	entry, ok := m.inflight[d.Receipt]
	if !ok {
		return errors.New("nack: unknown delivery")
	}
	delete(m.inflight, d.Receipt)
	entry.job.NotBefore = m.now().Add(delay)
	m.ready = append(m.ready, entry)
	return nil
}

// Redeliver returns an in-flight delivery to the ready set without acking,
// simulating a lost ack.
func (m *MemoryTransport) Redeliver(d *Delivery) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.inflight[d.Receipt]; ok {
		delete(m.inflight, d.Receipt)
		m.ready = append(m.ready, entry)
	}
}

// Pending returns a snapshot of jobs waiting to be received.
func (m *MemoryTransport) Pending() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, 0, len(m.ready))
	for _, entry := range m.ready {
		out = append(out, entry.job)
	}
	return out
}

func (m *MemoryTransport) Close() error { return nil }
