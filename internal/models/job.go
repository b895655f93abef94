package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// JobStatus tracks the lifecycle of an outsourced recognition job.
type JobStatus string

const (
	// JobStatusSubmitted indicates the engine accepted the job.
	JobStatusSubmitted JobStatus = "SUBMITTED"
	// JobStatusProcessing indicates the engine reported progress.
	JobStatusProcessing JobStatus = "PROCESSING"
	// JobStatusCompleted indicates the engine produced a result.
	JobStatusCompleted JobStatus = "COMPLETED"
	// JobStatusFailed indicates the engine gave up on the job.
	JobStatusFailed JobStatus = "FAILED"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusSubmitted:  {JobStatusProcessing, JobStatusCompleted, JobStatusFailed},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed},
}

// ParseJobStatus normalises an external status string.
func ParseJobStatus(raw string) (JobStatus, error) {
	status := JobStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", fmt.Errorf("invalid job status %q", raw)
	}
	return status, nil
}

// Valid reports whether the status is one of the known values.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusSubmitted, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, candidate := range jobTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Job is the process-local view of a recognition job.
type Job struct {
	ID          string          `json:"job_id"`
	Status      JobStatus       `json:"status"`
	Priority    string          `json:"priority,omitempty"`
	SourceURL   string          `json:"source_url,omitempty"`
	Sequence    int64           `json:"sequence"`
	SubmittedAt time.Time       `json:"submitted_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
}

// JobEventKind names the server-push events emitted for a job.
type JobEventKind string

const (
	// JobEventStatus is an intermediate status update.
	JobEventStatus JobEventKind = "JOB_STATUS"
	// JobEventResult is the terminal success event.
	JobEventResult JobEventKind = "JOB_RESULT"
	// JobEventError is the terminal failure event.
	JobEventError JobEventKind = "JOB_ERROR"
)

// JobEvent is delivered to subscribers of a job.
type JobEvent struct {
	Kind       JobEventKind    `json:"kind"`
	JobID      string          `json:"job_id"`
	Status     JobStatus       `json:"status"`
	Sequence   int64           `json:"sequence"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Terminal reports whether the event closes the job's push channels.
func (e JobEvent) Terminal() bool {
	return e.Kind == JobEventResult || e.Kind == JobEventError
}

// EventFromJob builds the event describing the job's current state.
func EventFromJob(job Job) JobEvent {
	event := JobEvent{
		Kind:       JobEventStatus,
		JobID:      job.ID,
		Status:     job.Status,
		Sequence:   job.Sequence,
		OccurredAt: job.UpdatedAt,
	}

	switch job.Status {
	case JobStatusCompleted:
		event.Kind = JobEventResult
		event.Result = job.Result
	case JobStatusFailed:
		event.Kind = JobEventError
		event.Error = job.Error
	}

	return event
}
