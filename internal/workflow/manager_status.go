package workflow

import (
	"context"

	"capsule/internal/jobs"
	"capsule/internal/logging"
	"capsule/internal/record"
)

// StatusSummary represents lightweight workflow diagnostics.
type StatusSummary struct {
	Running    bool                       `json:"running"`
	Workers    int                        `json:"workers"`
	JobTypes   []jobs.Type                `json:"job_types"`
	LastError  string                     `json:"last_error,omitempty"`
	LastJob    *jobs.Job                  `json:"last_job,omitempty"`
	Processed  int64                      `json:"processed"`
	Reclaimed  int64                      `json:"reclaimed"`
	IngestStat map[record.IngestState]int `json:"ingest_states"`
}

// Status returns the latest workflow information.
func (m *Manager) Status(ctx context.Context) StatusSummary {
	m.mu.RLock()
	summary := StatusSummary{
		Running:   m.running,
		Workers:   m.workers,
		Processed: m.processed,
		Reclaimed: m.reclaimed,
	}
	if m.lastErr != nil {
		summary.LastError = m.lastErr.Error()
	}
	if m.lastJob != nil {
		copy := *m.lastJob
		summary.LastJob = &copy
	}
	m.mu.RUnlock()

	summary.JobTypes = m.registry.Types()
	stats, err := m.store.Stats(ctx)
	if err != nil {
		m.logger.Warn("failed to read ingest stats", logging.Error(err))
	}
	summary.IngestStat = stats
	return summary
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) recordProcessed(job jobs.Job) {
	m.mu.Lock()
	copy := job
	m.lastJob = &copy
	m.processed++
	m.mu.Unlock()
}
