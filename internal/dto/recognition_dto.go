package dto

import (
	"encoding/json"
	"time"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

// UploadedFile is an answer-sheet image received from a client.
type UploadedFile struct {
	Name    string `validate:"required"`
	Content []byte `validate:"required"`
}

// RecognitionOptions carries engine cache flags from the request form.
type RecognitionOptions struct {
	UseCache       bool `form:"use_cache"`
	UseContentHash bool `form:"use_content_hash"`
}

// AsyncSubmitRequest captures the form fields of an asynchronous submission.
type AsyncSubmitRequest struct {
	Priority string `form:"priority" validate:"omitempty,oneof=low normal high"`
	UseCache bool   `form:"use_cache"`
}

// BatchSubmitRequest captures the form fields of a batch submission.
type BatchSubmitRequest struct {
	Priority string `form:"priority" validate:"omitempty,oneof=low normal high"`
	UseCache bool   `form:"use_cache"`
}

// RecognitionCallbackRequest is the body the engine posts on job completion.
type RecognitionCallbackRequest struct {
	JobID  string          `json:"jobId" validate:"required,max=128"`
	Status string          `json:"status" validate:"required"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty" validate:"max=4000"`
}

// CallbackAckResponse acknowledges a callback to the engine.
type CallbackAckResponse struct {
	JobID   string `json:"jobId"`
	Status  string `json:"status"`
	Applied bool   `json:"applied"`
}

// RecognitionResponse is the synchronous recognition output.
type RecognitionResponse struct {
	Text       string          `json:"text"`
	Confidence float64         `json:"confidence"`
	Cached     bool            `json:"cached"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// JobResponse describes a recognition job to clients.
type JobResponse struct {
	JobID       string          `json:"jobId"`
	Status      string          `json:"status"`
	Priority    string          `json:"priority,omitempty"`
	SourceURL   string          `json:"sourceUrl,omitempty"`
	SubmittedAt *time.Time      `json:"submittedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Progress    float64         `json:"progress,omitempty"`
	EventsURL   string          `json:"eventsUrl,omitempty"`
}

// BatchResponse is the handle returned for a batch submission.
type BatchResponse struct {
	BatchID           string `json:"batchId"`
	ProgressStreamURL string `json:"progressStreamUrl,omitempty"`
	TotalItems        int    `json:"totalItems"`
	Status            string `json:"status"`
}

// NewJobResponse converts a registry job into a DTO.
func NewJobResponse(job models.Job) JobResponse {
	submitted := job.SubmittedAt
	return JobResponse{
		JobID:       job.ID,
		Status:      string(job.Status),
		Priority:    job.Priority,
		SourceURL:   job.SourceURL,
		SubmittedAt: &submitted,
		CompletedAt: job.CompletedAt,
		Result:      job.Result,
		Error:       job.Error,
	}
}

// JobEventPayload is the data of a pushed job event.
type JobEventPayload struct {
	JobID      string          `json:"jobId"`
	Status     string          `json:"status"`
	Sequence   int64           `json:"sequence"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// NewJobEventPayload converts a hub event into its wire form.
func NewJobEventPayload(event models.JobEvent) JobEventPayload {
	return JobEventPayload{
		JobID:      event.JobID,
		Status:     string(event.Status),
		Sequence:   event.Sequence,
		Result:     event.Result,
		Error:      event.Error,
		OccurredAt: event.OccurredAt,
	}
}
