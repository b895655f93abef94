package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Priority orders asynchronous work on the engine side.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Valid reports whether the priority is understood by the engine.
func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityNormal || p == PriorityHigh
}

// File is an image payload forwarded to the engine.
type File struct {
	Name    string
	Content []byte
}

// Options tune engine-side caching.
type Options struct {
	UseCache       bool
	UseContentHash bool
}

// RecognitionResult is the engine's answer-sheet recognition output.
type RecognitionResult struct {
	Text       string          `json:"text"`
	Confidence float64         `json:"confidence"`
	Regions    []TextRegion    `json:"regions,omitempty"`
	Cached     bool            `json:"cached"`
	Raw        json.RawMessage `json:"-"`
}

// TextRegion is a recognised block of text within the image.
type TextRegion struct {
	Label       string    `json:"label"`
	Text        string    `json:"text"`
	Confidence  float64   `json:"confidence"`
	BoundingBox []float64 `json:"bounding_box,omitempty"`
}

// AsyncSubmission acknowledges an asynchronous submit.
type AsyncSubmission struct {
	JobID       string    `json:"jobId"`
	Status      string    `json:"status"`
	CallbackURL string    `json:"callbackUrl"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// BatchSubmission is the handle for a batch of images.
type BatchSubmission struct {
	BatchID           string `json:"batchId"`
	ProgressStreamURL string `json:"progressStreamUrl"`
	TotalItems        int    `json:"totalItems"`
	Status            string `json:"status"`
}

// JobStatus is the engine's view of an asynchronous job.
type JobStatus struct {
	JobID     string    `json:"jobId"`
	Status    string    `json:"status"`
	Progress  float64   `json:"progress,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// JobResult is the terminal output of an asynchronous job.
type JobResult struct {
	JobID       string          `json:"jobId"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result"`
	Error       string          `json:"error,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// Client is the outbound contract with the recognition engine. No method retries;
// callers decide how to handle an *Error.
type Client interface {
	SubmitSync(ctx context.Context, file File, opts Options) (RecognitionResult, error)
	SubmitAsync(ctx context.Context, file File, callbackURL string, priority Priority, opts Options) (AsyncSubmission, error)
	GetJobStatus(ctx context.Context, jobID string) (JobStatus, error)
	GetJobResult(ctx context.Context, jobID string) (JobResult, error)
	SubmitBatch(ctx context.Context, files []File, priority Priority, opts Options) (BatchSubmission, error)
}

// Error reports a failed exchange with the engine: transport, unexpected
// status, or an unparsable body.
type Error struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("engine %s: status %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("engine %s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether the engine answered 404.
func IsNotFound(err error) bool {
	var engineErr *Error
	return errors.As(err, &engineErr) && engineErr.StatusCode == http.StatusNotFound
}
