package router_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grading-api/internal/config"
	"github.com/noah-isme/gema-grading-api/internal/handler"
	"github.com/noah-isme/gema-grading-api/internal/repository"
	"github.com/noah-isme/gema-grading-api/internal/router"
	"github.com/noah-isme/gema-grading-api/internal/service"
	"github.com/noah-isme/gema-grading-api/pkg/engine"
)

type notFoundEngine struct{}

func (notFoundEngine) SubmitSync(context.Context, engine.File, engine.Options) (engine.RecognitionResult, error) {
	return engine.RecognitionResult{}, errors.New("not used")
}

func (notFoundEngine) SubmitAsync(context.Context, engine.File, string, engine.Priority, engine.Options) (engine.AsyncSubmission, error) {
	return engine.AsyncSubmission{}, errors.New("not used")
}

func (notFoundEngine) GetJobStatus(context.Context, string) (engine.JobStatus, error) {
	return engine.JobStatus{}, &engine.Error{Op: "job_status", StatusCode: http.StatusNotFound, Message: "job not found"}
}

func (notFoundEngine) GetJobResult(context.Context, string) (engine.JobResult, error) {
	return engine.JobResult{}, &engine.Error{Op: "job_result", StatusCode: http.StatusNotFound, Message: "job not found"}
}

func (notFoundEngine) SubmitBatch(context.Context, []engine.File, engine.Priority, engine.Options) (engine.BatchSubmission, error) {
	return engine.BatchSubmission{}, errors.New("not used")
}

func stubJWT(c *fiber.Ctx) error {
	if c.Get(fiber.HeaderAuthorization) != "Bearer valid" {
		return c.SendStatus(fiber.StatusUnauthorized)
	}
	c.Locals("user_id", uint(1))
	c.Locals("user_role", c.Get("X-Test-Role"))
	return c.Next()
}

func newTestApp(t *testing.T, probes ...handler.HealthProbe) *fiber.App {
	t.Helper()
	logger := zerolog.Nop()
	validate := validator.New(validator.WithRequiredStructEnabled())

	registry := service.NewJobRegistry(repository.NewMemoryJobStore(), time.Hour, logger)
	hub := service.NewSubscriptionHub(registry, 4, time.Minute, logger)
	callbacks := service.NewCallbackHandler(registry, hub, validate, logger)
	recognition := service.NewRecognitionService(notFoundEngine{}, registry, hub, callbacks, nil, validate, service.RecognitionConfig{
		CallbackBaseURL: "https://grading.example.com",
	}, logger)

	cfg := config.Config{AppName: "gema-grading-api", AppEnv: "test", CallbackToken: "secret"}
	app := fiber.New()
	router.Register(app, cfg, router.Dependencies{
		RecognitionHandler: handler.NewRecognitionHandler(recognition, logger, time.Second),
		ExamResultHandler:  handler.NewExamResultHandler(nil, logger),
		JWTMiddleware:      stubJWT,
		HealthProbes:       probes,
	})
	return app
}

func do(t *testing.T, app *fiber.App, req *http.Request) *http.Response {
	t.Helper()
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp
}

func TestCallbackBypassesJWT(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/text-recognition/callback", strings.NewReader(`{"jobId":"missing","status":"COMPLETED"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Callback-Token", "secret")
	require.Equal(t, fiber.StatusNotFound, do(t, app, req).StatusCode)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/text-recognition/callback", strings.NewReader(`{"jobId":"missing","status":"COMPLETED"}`))
	req.Header.Set("Content-Type", "application/json")
	require.Equal(t, fiber.StatusUnauthorized, do(t, app, req).StatusCode)
}

func TestRecognitionRoutesRequireJWT(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/text-recognition/async/status/J1", nil)
	require.Equal(t, fiber.StatusUnauthorized, do(t, app, req).StatusCode)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/text-recognition/async/status/J1", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer valid")
	require.Equal(t, fiber.StatusNotFound, do(t, app, req).StatusCode)
}

func TestExamResultRoutesRequireStaffRole(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/exam-results/abc", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer valid")
	req.Header.Set("X-Test-Role", "student")
	require.Equal(t, fiber.StatusForbidden, do(t, app, req).StatusCode)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/exam-results/abc", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer valid")
	req.Header.Set("X-Test-Role", "teacher")
	require.Equal(t, fiber.StatusBadRequest, do(t, app, req).StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	app := newTestApp(t)

	resp := do(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "gema-grading-api", resp.Header.Get("X-Application"))

	resp = do(t, app, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "gema_jobs_active")
}

func TestHealthReportsDegradedDependency(t *testing.T) {
	app := newTestApp(t, handler.HealthProbe{
		Name:  "redis",
		Check: func(context.Context) error { return errors.New("connection refused") },
	})

	resp := do(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}
