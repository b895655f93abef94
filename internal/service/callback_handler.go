package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-grading-api/internal/dto"
	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/observability"
)

// ErrInvalidCallback indicates a callback body that cannot be applied.
var ErrInvalidCallback = errors.New("invalid callback payload")

// CallbackResult reports the job state after a callback and whether it changed it.
type CallbackResult struct {
	Job     models.Job
	Applied bool
}

// CallbackHandler applies engine completion notices to the job registry.
type CallbackHandler interface {
	Handle(ctx context.Context, payload dto.RecognitionCallbackRequest) (CallbackResult, error)
}

type callbackHandler struct {
	registry  JobRegistry
	publisher JobEventPublisher
	validator *validator.Validate
	logger    zerolog.Logger
	tracer    trace.Tracer
}

// NewCallbackHandler wires the registry and the event publisher.
func NewCallbackHandler(registry JobRegistry, publisher JobEventPublisher, validate *validator.Validate, logger zerolog.Logger) CallbackHandler {
	return &callbackHandler{
		registry:  registry,
		publisher: publisher,
		validator: validate,
		logger:    logger.With().Str("component", "callback_handler").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-grading-api/internal/service/callback"),
	}
}

// Handle transitions the job at most once. Duplicate or out-of-order
// callbacks are discarded without error so the engine does not retry them.
func (h *callbackHandler) Handle(ctx context.Context, payload dto.RecognitionCallbackRequest) (CallbackResult, error) {
	if err := h.validator.Struct(payload); err != nil {
		observability.Callbacks().WithLabelValues("rejected").Inc()
		return CallbackResult{}, err
	}

	status, err := models.ParseJobStatus(payload.Status)
	if err != nil {
		observability.Callbacks().WithLabelValues("rejected").Inc()
		return CallbackResult{}, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}
	if status == models.JobStatusSubmitted {
		observability.Callbacks().WithLabelValues("rejected").Inc()
		return CallbackResult{}, fmt.Errorf("%w: status %s cannot be reported", ErrInvalidCallback, status)
	}

	ctx, span := h.tracer.Start(ctx, "jobs.callback", trace.WithAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.status", string(status)),
	))
	defer span.End()

	logger := h.logger.With().Str("job_id", payload.JobID).Str("status", string(status)).Logger()

	job, applied, err := h.registry.Transition(ctx, payload.JobID, status, payload.Result, payload.Error)
	switch {
	case errors.Is(err, ErrJobNotFound):
		observability.Callbacks().WithLabelValues("unknown").Inc()
		logger.Warn().Msg("callback for unknown job")
		return CallbackResult{}, err
	case errors.Is(err, ErrInvalidJobTransition):
		observability.Callbacks().WithLabelValues("noop").Inc()
		logger.Info().Str("current", string(job.Status)).Msg("out-of-order callback discarded")
		return CallbackResult{Job: job}, nil
	case err != nil:
		span.RecordError(err)
		observability.Callbacks().WithLabelValues("error").Inc()
		return CallbackResult{}, err
	}

	if !applied {
		observability.Callbacks().WithLabelValues("noop").Inc()
		logger.Info().Str("current", string(job.Status)).Msg("duplicate callback discarded")
		return CallbackResult{Job: job}, nil
	}

	observability.Callbacks().WithLabelValues("applied").Inc()
	delivered := h.publisher.Publish(ctx, models.EventFromJob(job))
	logger.Info().Int("subscribers", delivered).Msg("job transition applied")

	return CallbackResult{Job: job, Applied: true}, nil
}
