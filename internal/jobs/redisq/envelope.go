package redisq

import (
	"encoding/json"
	"fmt"
	"time"

	"capsule/internal/jobs"
)

// envelope is the JSON body stored under the "envelope" stream field and as
// the delayed-set member.
type envelope struct {
	JobID      string          `json:"job_id"`
	JobType    string          `json:"job_type"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	NotBefore  time.Time       `json:"not_before"`
	Data       json.RawMessage `json:"data"`
}

func encodeEnvelope(job jobs.Job, now time.Time) (string, error) {
	body, err := jobs.EncodePayload(job)
	if err != nil {
		return "", err
	}
	env := envelope{
		JobID:      job.ID,
		JobType:    string(job.Type),
		EnqueuedAt: now.UTC(),
		NotBefore:  job.NotBefore.UTC(),
		Data:       json.RawMessage(body),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(raw), nil
}

func decodeEnvelope(raw string) (jobs.Job, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return jobs.Job{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.JobID == "" || env.JobType == "" || len(env.Data) == 0 {
		return jobs.Job{}, fmt.Errorf("envelope missing job_id, job_type or data")
	}
	job := jobs.Job{ID: env.JobID, Type: jobs.Type(env.JobType), NotBefore: env.NotBefore}
	if err := jobs.DecodePayload(string(env.Data), &job); err != nil {
		return jobs.Job{}, err
	}
	return job, job.Validate()
}
