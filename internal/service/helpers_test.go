package service

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-api/internal/database"
	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/repository"
	"github.com/noah-isme/gema-grading-api/pkg/engine"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func testValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return db
}

type jobPipeline struct {
	registry  JobRegistry
	hub       SubscriptionHub
	callbacks CallbackHandler
}

func newJobPipeline(t *testing.T, buffer int) jobPipeline {
	t.Helper()
	registry := NewJobRegistry(repository.NewMemoryJobStore(), time.Hour, testLogger())
	hub := NewSubscriptionHub(registry, buffer, time.Minute, testLogger())
	callbacks := NewCallbackHandler(registry, hub, testValidator(), testLogger())
	return jobPipeline{registry: registry, hub: hub, callbacks: callbacks}
}

func drain(t *testing.T, sub *Subscription, timeout time.Duration) []models.JobEvent {
	t.Helper()
	events := make([]models.JobEvent, 0)
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, event)
		case <-deadline:
			t.Fatalf("subscription %s did not close within %s", sub.ID, timeout)
			return events
		}
	}
}

type fakeEngineClient struct {
	mu          sync.Mutex
	nextID      int
	submitErr   error
	callbacks   []string
	statuses    map[string]engine.JobStatus
	results     map[string]engine.JobResult
	statusCalls int
}

func newFakeEngineClient() *fakeEngineClient {
	return &fakeEngineClient{
		statuses: make(map[string]engine.JobStatus),
		results:  make(map[string]engine.JobResult),
	}
}

func (f *fakeEngineClient) SubmitSync(_ context.Context, file engine.File, _ engine.Options) (engine.RecognitionResult, error) {
	if f.submitErr != nil {
		return engine.RecognitionResult{}, f.submitErr
	}
	return engine.RecognitionResult{Text: "recognised " + file.Name, Confidence: 0.9, Raw: []byte(`{"text":"ok"}`)}, nil
}

func (f *fakeEngineClient) SubmitAsync(_ context.Context, _ engine.File, callbackURL string, priority engine.Priority, _ engine.Options) (engine.AsyncSubmission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return engine.AsyncSubmission{}, f.submitErr
	}
	f.nextID++
	f.callbacks = append(f.callbacks, callbackURL)
	return engine.AsyncSubmission{JobID: fmt.Sprintf("job-%d", f.nextID), Status: "SUBMITTED", CallbackURL: callbackURL}, nil
}

func (f *fakeEngineClient) GetJobStatus(_ context.Context, jobID string) (engine.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	status, ok := f.statuses[jobID]
	if !ok {
		return engine.JobStatus{}, &engine.Error{Op: "job_status", StatusCode: http.StatusNotFound, Message: "not found"}
	}
	return status, nil
}

func (f *fakeEngineClient) GetJobResult(_ context.Context, jobID string) (engine.JobResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result, ok := f.results[jobID]
	if !ok {
		return engine.JobResult{}, &engine.Error{Op: "job_result", StatusCode: http.StatusNotFound, Message: "not found"}
	}
	return result, nil
}

func (f *fakeEngineClient) SubmitBatch(_ context.Context, files []engine.File, _ engine.Priority, _ engine.Options) (engine.BatchSubmission, error) {
	if f.submitErr != nil {
		return engine.BatchSubmission{}, f.submitErr
	}
	return engine.BatchSubmission{BatchID: "batch-1", TotalItems: len(files), Status: "QUEUED"}, nil
}
