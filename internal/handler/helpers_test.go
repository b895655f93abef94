package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grading-api/internal/handler"
	"github.com/noah-isme/gema-grading-api/internal/middleware"
	"github.com/noah-isme/gema-grading-api/internal/repository"
	"github.com/noah-isme/gema-grading-api/internal/service"
	"github.com/noah-isme/gema-grading-api/pkg/engine"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Meta    json.RawMessage `json:"meta"`
	Details json.RawMessage `json:"details"`
	Message string          `json:"message"`
}

func decodeResponse(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, json.Unmarshal(data, target))
}

func multipartBody(t *testing.T, field string, files map[string][]byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for name, content := range files {
		part, err := writer.CreateFormFile(field, name)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	for key, value := range fields {
		require.NoError(t, writer.WriteField(key, value))
	}
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func startFiberServer(t *testing.T, app *fiber.App) (string, func()) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		if err := app.Listener(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("fiber listener stopped: %v", err)
		}
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)

	shutdown := func() {
		_ = app.ShutdownWithTimeout(time.Second)
		_ = listener.Close()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}

	return "http://" + listener.Addr().String(), shutdown
}

type stubEngine struct {
	mu        sync.Mutex
	next      int
	submitErr error
}

func (s *stubEngine) SubmitSync(_ context.Context, file engine.File, _ engine.Options) (engine.RecognitionResult, error) {
	if s.submitErr != nil {
		return engine.RecognitionResult{}, s.submitErr
	}
	return engine.RecognitionResult{Text: "text of " + file.Name, Confidence: 0.95}, nil
}

func (s *stubEngine) SubmitAsync(_ context.Context, _ engine.File, callbackURL string, _ engine.Priority, _ engine.Options) (engine.AsyncSubmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submitErr != nil {
		return engine.AsyncSubmission{}, s.submitErr
	}
	s.next++
	return engine.AsyncSubmission{JobID: fmt.Sprintf("J%d", s.next), Status: "SUBMITTED", CallbackURL: callbackURL}, nil
}

func (s *stubEngine) GetJobStatus(_ context.Context, _ string) (engine.JobStatus, error) {
	return engine.JobStatus{}, &engine.Error{Op: "job_status", StatusCode: http.StatusNotFound, Message: "job not found"}
}

func (s *stubEngine) GetJobResult(_ context.Context, _ string) (engine.JobResult, error) {
	return engine.JobResult{}, &engine.Error{Op: "job_result", StatusCode: http.StatusNotFound, Message: "job not found"}
}

func (s *stubEngine) SubmitBatch(_ context.Context, files []engine.File, _ engine.Priority, _ engine.Options) (engine.BatchSubmission, error) {
	return engine.BatchSubmission{BatchID: "B1", TotalItems: len(files), Status: "QUEUED"}, nil
}

type recognitionFixture struct {
	app      *fiber.App
	registry service.JobRegistry
	engine   *stubEngine
}

func newRecognitionFixture(t *testing.T, callbackToken string) recognitionFixture {
	t.Helper()
	logger := zerolog.Nop()
	validate := validator.New(validator.WithRequiredStructEnabled())
	stub := &stubEngine{}

	registry := service.NewJobRegistry(repository.NewMemoryJobStore(), time.Hour, logger)
	hub := service.NewSubscriptionHub(registry, 8, time.Minute, logger)
	callbacks := service.NewCallbackHandler(registry, hub, validate, logger)
	svc := service.NewRecognitionService(stub, registry, hub, callbacks, nil, validate, service.RecognitionConfig{
		CallbackBaseURL: "https://grading.example.com",
	}, logger)

	h := handler.NewRecognitionHandler(svc, logger, time.Second)

	app := fiber.New()
	app.Use(middleware.CorrelationID())
	h.RegisterCallback(app.Group("/api/v1/text-recognition/callback", middleware.CallbackToken(callbackToken)))
	h.Register(app.Group("/api/v1/text-recognition"), nil)

	return recognitionFixture{app: app, registry: registry, engine: stub}
}
