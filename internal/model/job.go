package model

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a background job.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusFinished JobStatus = "finished"
	JobStatusFailed   JobStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusFinished || s == JobStatusFailed
}

// ProgressEvent is one entry in a job's append-only event log.
type ProgressEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Stage     string         `json:"stage"`
	Data      map[string]any `json:"data,omitempty"`
}

// StageIO is the envelope attached to pipeline stage events so subscribers can
// reconstruct which profiles entered and left a stage without full records.
type StageIO struct {
	Inputs  []ProfileRef   `json:"inputs"`
	Outputs []ProfileRef   `json:"outputs"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// JobRecord is the full state of a background job as stored and as returned
// by the snapshot endpoint.
type JobRecord struct {
	JobID      string          `json:"job_id"`
	Queue      string          `json:"queue"`
	Kind       string          `json:"kind"`
	Status     JobStatus       `json:"status"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Events     []ProgressEvent `json:"events"`
}
