package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-grading-api/internal/dto"
	"github.com/noah-isme/gema-grading-api/pkg/engine"
)

var (
	// ErrUnsupportedFile indicates the upload is not an accepted image type.
	ErrUnsupportedFile = errors.New("unsupported file type")
	// ErrFileTooLarge indicates the upload exceeds the configured limit.
	ErrFileTooLarge = errors.New("file too large")
	// ErrJobNotReady indicates the job has not reached a terminal state yet.
	ErrJobNotReady = errors.New("job result not ready")
)

const callbackPath = "/api/v1/text-recognition/callback"

var allowedSheetTypes = []string{
	"image/png",
	"image/jpeg",
	"image/webp",
	"image/tiff",
	"image/bmp",
	"application/pdf",
}

// Archiver keeps a copy of submitted answer sheets.
type Archiver interface {
	Archive(ctx context.Context, name string, content []byte) (string, error)
}

// RecognitionConfig tunes the recognition orchestrator.
type RecognitionConfig struct {
	CallbackBaseURL string
	MaxUploadBytes  int64
}

// RecognitionService coordinates the engine, the job registry and the
// subscription hub for submit, subscribe and callback use cases.
type RecognitionService interface {
	Recognize(ctx context.Context, file dto.UploadedFile, opts dto.RecognitionOptions) (dto.RecognitionResponse, error)
	SubmitAsync(ctx context.Context, file dto.UploadedFile, req dto.AsyncSubmitRequest) (dto.JobResponse, error)
	SubmitBatch(ctx context.Context, files []dto.UploadedFile, req dto.BatchSubmitRequest) (dto.BatchResponse, error)
	Status(ctx context.Context, jobID string) (dto.JobResponse, error)
	Result(ctx context.Context, jobID string) (dto.JobResponse, error)
	Subscribe(ctx context.Context, jobID string, transport string) (*Subscription, error)
	HandleCallback(ctx context.Context, payload dto.RecognitionCallbackRequest) (CallbackResult, error)
}

type recognitionService struct {
	engine    engine.Client
	registry  JobRegistry
	hub       SubscriptionHub
	callbacks CallbackHandler
	archiver  Archiver
	validator *validator.Validate
	cfg       RecognitionConfig
	logger    zerolog.Logger
	tracer    trace.Tracer
}

// NewRecognitionService constructs the orchestrator. archiver may be nil.
func NewRecognitionService(client engine.Client, registry JobRegistry, hub SubscriptionHub, callbacks CallbackHandler, archiver Archiver, validate *validator.Validate, cfg RecognitionConfig, logger zerolog.Logger) RecognitionService {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	cfg.CallbackBaseURL = strings.TrimRight(cfg.CallbackBaseURL, "/")

	return &recognitionService{
		engine:    client,
		registry:  registry,
		hub:       hub,
		callbacks: callbacks,
		archiver:  archiver,
		validator: validate,
		cfg:       cfg,
		logger:    logger.With().Str("component", "recognition_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-grading-api/internal/service/recognition"),
	}
}

func (s *recognitionService) Recognize(ctx context.Context, file dto.UploadedFile, opts dto.RecognitionOptions) (dto.RecognitionResponse, error) {
	if err := s.checkFile(file); err != nil {
		return dto.RecognitionResponse{}, err
	}

	ctx, span := s.tracer.Start(ctx, "recognition.recognize", trace.WithAttributes(attribute.String("file.name", file.Name)))
	defer span.End()

	result, err := s.engine.SubmitSync(ctx, engine.File{Name: file.Name, Content: file.Content}, engine.Options{
		UseCache:       opts.UseCache,
		UseContentHash: opts.UseContentHash,
	})
	if err != nil {
		span.RecordError(err)
		return dto.RecognitionResponse{}, err
	}

	return dto.RecognitionResponse{
		Text:       result.Text,
		Confidence: result.Confidence,
		Cached:     result.Cached,
		Raw:        result.Raw,
	}, nil
}

// SubmitAsync forwards the sheet to the engine and registers the returned job.
// The engine may call back before registration completes; such a callback is
// answered 404 and the reconciler settles the job later.
func (s *recognitionService) SubmitAsync(ctx context.Context, file dto.UploadedFile, req dto.AsyncSubmitRequest) (dto.JobResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.JobResponse{}, err
	}
	if err := s.checkFile(file); err != nil {
		return dto.JobResponse{}, err
	}

	priority := engine.Priority(strings.ToLower(req.Priority))
	if priority == "" {
		priority = engine.PriorityNormal
	}

	ctx, span := s.tracer.Start(ctx, "recognition.submit_async", trace.WithAttributes(
		attribute.String("file.name", file.Name),
		attribute.String("job.priority", string(priority)),
	))
	defer span.End()

	sourceURL := s.archive(ctx, file)

	submission, err := s.engine.SubmitAsync(ctx, engine.File{Name: file.Name, Content: file.Content}, s.callbackURL(), priority, engine.Options{UseCache: req.UseCache})
	if err != nil {
		span.RecordError(err)
		return dto.JobResponse{}, err
	}

	job, err := s.registry.Create(ctx, submission.JobID, string(priority), sourceURL)
	if err != nil {
		span.RecordError(err)
		return dto.JobResponse{}, fmt.Errorf("register job %s: %w", submission.JobID, err)
	}
	span.SetAttributes(attribute.String("job.id", job.ID))

	s.logger.Info().Str("job_id", job.ID).Str("priority", string(priority)).Msg("recognition job submitted")

	response := dto.NewJobResponse(job)
	response.EventsURL = "/api/v1/text-recognition/jobs/" + job.ID + "/events"
	return response, nil
}

func (s *recognitionService) SubmitBatch(ctx context.Context, files []dto.UploadedFile, req dto.BatchSubmitRequest) (dto.BatchResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.BatchResponse{}, err
	}
	if len(files) == 0 {
		return dto.BatchResponse{}, fmt.Errorf("%w: no files provided", ErrUnsupportedFile)
	}

	engineFiles := make([]engine.File, 0, len(files))
	for _, file := range files {
		if err := s.checkFile(file); err != nil {
			return dto.BatchResponse{}, fmt.Errorf("%s: %w", file.Name, err)
		}
		engineFiles = append(engineFiles, engine.File{Name: file.Name, Content: file.Content})
	}

	priority := engine.Priority(strings.ToLower(req.Priority))
	if priority == "" {
		priority = engine.PriorityNormal
	}

	ctx, span := s.tracer.Start(ctx, "recognition.submit_batch", trace.WithAttributes(attribute.Int("batch.files", len(files))))
	defer span.End()

	batch, err := s.engine.SubmitBatch(ctx, engineFiles, priority, engine.Options{UseCache: req.UseCache})
	if err != nil {
		span.RecordError(err)
		return dto.BatchResponse{}, err
	}

	return dto.BatchResponse{
		BatchID:           batch.BatchID,
		ProgressStreamURL: batch.ProgressStreamURL,
		TotalItems:        batch.TotalItems,
		Status:            batch.Status,
	}, nil
}

// Status answers from the registry and falls back to polling the engine for
// jobs this instance does not know.
func (s *recognitionService) Status(ctx context.Context, jobID string) (dto.JobResponse, error) {
	job, err := s.registry.Get(ctx, jobID)
	if err == nil {
		return dto.NewJobResponse(job), nil
	}
	if !errors.Is(err, ErrJobNotFound) {
		return dto.JobResponse{}, err
	}

	status, err := s.engine.GetJobStatus(ctx, jobID)
	if err != nil {
		if engine.IsNotFound(err) {
			return dto.JobResponse{}, ErrJobNotFound
		}
		return dto.JobResponse{}, err
	}

	return dto.JobResponse{
		JobID:    status.JobID,
		Status:   strings.ToUpper(status.Status),
		Progress: status.Progress,
		Error:    status.Error,
	}, nil
}

// Result returns the terminal payload, from the registry when retained or the
// engine otherwise.
func (s *recognitionService) Result(ctx context.Context, jobID string) (dto.JobResponse, error) {
	job, err := s.registry.Get(ctx, jobID)
	if err == nil {
		if !job.Status.Terminal() {
			return dto.NewJobResponse(job), ErrJobNotReady
		}
		return dto.NewJobResponse(job), nil
	}
	if !errors.Is(err, ErrJobNotFound) {
		return dto.JobResponse{}, err
	}

	result, err := s.engine.GetJobResult(ctx, jobID)
	if err != nil {
		if engine.IsNotFound(err) {
			return dto.JobResponse{}, ErrJobNotFound
		}
		return dto.JobResponse{}, err
	}

	return dto.JobResponse{
		JobID:       result.JobID,
		Status:      strings.ToUpper(result.Status),
		CompletedAt: result.CompletedAt,
		Result:      result.Result,
		Error:       result.Error,
	}, nil
}

func (s *recognitionService) Subscribe(ctx context.Context, jobID string, transport string) (*Subscription, error) {
	return s.hub.Subscribe(ctx, jobID, transport)
}

func (s *recognitionService) HandleCallback(ctx context.Context, payload dto.RecognitionCallbackRequest) (CallbackResult, error) {
	return s.callbacks.Handle(ctx, payload)
}

func (s *recognitionService) checkFile(file dto.UploadedFile) error {
	if len(file.Content) == 0 {
		return fmt.Errorf("%w: empty file", ErrUnsupportedFile)
	}
	if int64(len(file.Content)) > s.cfg.MaxUploadBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrFileTooLarge, len(file.Content), s.cfg.MaxUploadBytes)
	}

	detected := mimetype.Detect(file.Content)
	if !mimetype.EqualsAny(detected.String(), allowedSheetTypes...) {
		return fmt.Errorf("%w: %s", ErrUnsupportedFile, detected.String())
	}
	return nil
}

func (s *recognitionService) archive(ctx context.Context, file dto.UploadedFile) string {
	if s.archiver == nil {
		return ""
	}

	url, err := s.archiver.Archive(ctx, file.Name, file.Content)
	if err != nil {
		s.logger.Warn().Err(err).Str("file", file.Name).Msg("answer sheet archive failed")
		return ""
	}
	return url
}

func (s *recognitionService) callbackURL() string {
	return s.cfg.CallbackBaseURL + callbackPath
}

