package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	engineDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gema",
		Subsystem: "engine",
		Name:      "request_duration_seconds",
		Help:      "Duration of recognition engine requests",
	}, []string{"operation"})

	engineFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "engine",
		Name:      "request_failures_total",
		Help:      "Number of failed recognition engine requests",
	}, []string{"operation"})
)

const defaultTimeout = 30 * time.Second

// Config defines how to reach the recognition engine.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Logger  zerolog.Logger
}

// HTTPClient implements Client over the engine's HTTP API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	tracer  trace.Tracer
	logger  zerolog.Logger
}

// NewHTTPClient builds a client for the engine at cfg.BaseURL.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("engine base url is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid engine base url: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &HTTPClient{
		baseURL: base,
		apiKey:  cfg.APIKey,
		timeout: timeout,
		tracer:  otel.Tracer("github.com/noah-isme/gema-grading-api/pkg/engine"),
		logger:  cfg.Logger.With().Str("component", "engine_client").Logger(),
	}, nil
}

// SubmitSync blocks until the engine returns the recognition result.
func (c *HTTPClient) SubmitSync(ctx context.Context, file File, opts Options) (RecognitionResult, error) {
	const op = "submit_sync"
	ctx, span := c.tracer.Start(ctx, "engine."+op, trace.WithAttributes(attribute.String("engine.file", file.Name)))
	defer span.End()

	args := fiber.AcquireArgs()
	defer fiber.ReleaseArgs(args)
	args.Set("use_cache", strconv.FormatBool(opts.UseCache))
	args.Set("use_content_hash", strconv.FormatBool(opts.UseContentHash))

	agent := fiber.Post(c.endpoint("/text-recognition/answer-sheet")).
		FileData(&fiber.FormFile{Fieldname: "file", Name: file.Name, Content: file.Content}).
		MultipartForm(args)

	body, err := c.do(ctx, span, op, agent, http.StatusOK)
	if err != nil {
		return RecognitionResult{}, err
	}

	var result RecognitionResult
	if err := c.decode(span, op, body, &result); err != nil {
		return RecognitionResult{}, err
	}
	result.Raw = body
	return result, nil
}

// SubmitAsync queues the file; the engine later calls callbackURL exactly once.
func (c *HTTPClient) SubmitAsync(ctx context.Context, file File, callbackURL string, priority Priority, opts Options) (AsyncSubmission, error) {
	const op = "submit_async"
	ctx, span := c.tracer.Start(ctx, "engine."+op, trace.WithAttributes(
		attribute.String("engine.file", file.Name),
		attribute.String("engine.priority", string(priority)),
	))
	defer span.End()

	args := fiber.AcquireArgs()
	defer fiber.ReleaseArgs(args)
	args.Set("callback_url", callbackURL)
	args.Set("priority", string(priority))
	args.Set("use_cache", strconv.FormatBool(opts.UseCache))

	agent := fiber.Post(c.endpoint("/text-recognition/async/submit")).
		FileData(&fiber.FormFile{Fieldname: "file", Name: file.Name, Content: file.Content}).
		MultipartForm(args)

	body, err := c.do(ctx, span, op, agent, http.StatusOK, http.StatusAccepted)
	if err != nil {
		return AsyncSubmission{}, err
	}

	var submission AsyncSubmission
	if err := c.decode(span, op, body, &submission); err != nil {
		return AsyncSubmission{}, err
	}
	if strings.TrimSpace(submission.JobID) == "" {
		return AsyncSubmission{}, c.fail(span, op, &Error{Op: op, Message: "response missing job id"})
	}

	span.SetAttributes(attribute.String("engine.job_id", submission.JobID))
	return submission, nil
}

// GetJobStatus polls the engine for an asynchronous job's status.
func (c *HTTPClient) GetJobStatus(ctx context.Context, jobID string) (JobStatus, error) {
	const op = "job_status"
	ctx, span := c.tracer.Start(ctx, "engine."+op, trace.WithAttributes(attribute.String("engine.job_id", jobID)))
	defer span.End()

	agent := fiber.Get(c.endpoint("/text-recognition/async/status/" + url.PathEscape(jobID)))
	body, err := c.do(ctx, span, op, agent, http.StatusOK)
	if err != nil {
		return JobStatus{}, err
	}

	var status JobStatus
	if err := c.decode(span, op, body, &status); err != nil {
		return JobStatus{}, err
	}
	if status.JobID == "" {
		status.JobID = jobID
	}
	return status, nil
}

// GetJobResult fetches the terminal output of an asynchronous job.
func (c *HTTPClient) GetJobResult(ctx context.Context, jobID string) (JobResult, error) {
	const op = "job_result"
	ctx, span := c.tracer.Start(ctx, "engine."+op, trace.WithAttributes(attribute.String("engine.job_id", jobID)))
	defer span.End()

	agent := fiber.Get(c.endpoint("/text-recognition/async/result/" + url.PathEscape(jobID)))
	body, err := c.do(ctx, span, op, agent, http.StatusOK)
	if err != nil {
		return JobResult{}, err
	}

	var result JobResult
	if err := c.decode(span, op, body, &result); err != nil {
		return JobResult{}, err
	}
	if result.JobID == "" {
		result.JobID = jobID
	}
	return result, nil
}

// SubmitBatch queues several files under one batch handle.
func (c *HTTPClient) SubmitBatch(ctx context.Context, files []File, priority Priority, opts Options) (BatchSubmission, error) {
	const op = "submit_batch"
	ctx, span := c.tracer.Start(ctx, "engine."+op, trace.WithAttributes(
		attribute.Int("engine.files", len(files)),
		attribute.String("engine.priority", string(priority)),
	))
	defer span.End()

	if len(files) == 0 {
		return BatchSubmission{}, c.fail(span, op, &Error{Op: op, Message: "no files to submit"})
	}

	args := fiber.AcquireArgs()
	defer fiber.ReleaseArgs(args)
	args.Set("priority", string(priority))
	args.Set("use_cache", strconv.FormatBool(opts.UseCache))

	formFiles := make([]*fiber.FormFile, 0, len(files))
	for _, file := range files {
		formFiles = append(formFiles, &fiber.FormFile{Fieldname: "files", Name: file.Name, Content: file.Content})
	}

	agent := fiber.Post(c.endpoint("/text-recognition/batch")).
		FileData(formFiles...).
		MultipartForm(args)

	body, err := c.do(ctx, span, op, agent, http.StatusOK, http.StatusAccepted)
	if err != nil {
		return BatchSubmission{}, err
	}

	var batch BatchSubmission
	if err := c.decode(span, op, body, &batch); err != nil {
		return BatchSubmission{}, err
	}
	return batch, nil
}

func (c *HTTPClient) do(ctx context.Context, span trace.Span, op string, agent *fiber.Agent, accepted ...int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		fiber.ReleaseAgent(agent)
		return nil, c.fail(span, op, &Error{Op: op, Message: "request cancelled", Err: err})
	}

	agent.Set(fiber.HeaderAccept, fiber.MIMEApplicationJSON)
	if c.apiKey != "" {
		agent.Set("X-API-Key", c.apiKey)
	}
	agent.Timeout(c.timeoutFor(ctx))

	start := time.Now()
	status, body, errs := agent.Bytes()
	engineDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if len(errs) > 0 {
		return nil, c.fail(span, op, &Error{Op: op, Message: "request failed", Err: errors.Join(errs...)})
	}

	span.SetAttributes(attribute.Int("http.status_code", status))
	for _, code := range accepted {
		if status == code {
			return body, nil
		}
	}

	return nil, c.fail(span, op, &Error{Op: op, StatusCode: status, Message: errorMessage(body)})
}

func (c *HTTPClient) decode(span trace.Span, op string, body []byte, dest interface{}) error {
	if err := json.Unmarshal(body, dest); err != nil {
		return c.fail(span, op, &Error{Op: op, Message: "invalid response body", Err: err})
	}
	return nil
}

func (c *HTTPClient) fail(span trace.Span, op string, err *Error) error {
	engineFailures.WithLabelValues(op).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.logger.Warn().Err(err).Str("operation", op).Int("status", err.StatusCode).Msg("engine request failed")
	return err
}

func (c *HTTPClient) timeoutFor(ctx context.Context) time.Duration {
	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	return timeout
}

func (c *HTTPClient) endpoint(path string) string {
	return c.baseURL + path
}

func errorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		for _, candidate := range []string{payload.Message, payload.Error, payload.Detail} {
			if strings.TrimSpace(candidate) != "" {
				return candidate
			}
		}
	}

	text := strings.TrimSpace(string(body))
	if len(text) > 256 {
		text = text[:256]
	}
	if text == "" {
		text = "unexpected response"
	}
	return text
}
