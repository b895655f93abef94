package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-api/internal/dto"
	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/observability"
	"github.com/noah-isme/gema-grading-api/internal/repository"
)

var (
	// ErrExamResultNotFound indicates the grading attempt does not exist.
	ErrExamResultNotFound = errors.New("exam result not found")
	// ErrExamSubmissionNotFound indicates the submission does not exist.
	ErrExamSubmissionNotFound = errors.New("exam submission not found")
	// ErrQuestionResultNotFound indicates the question result does not exist.
	ErrQuestionResultNotFound = errors.New("question result not found")
	// ErrDuplicateGrading indicates the submission already has a current attempt.
	ErrDuplicateGrading = errors.New("submission already has an active grading attempt")
	// ErrIncompleteGrading indicates unscored question results remain.
	ErrIncompleteGrading = errors.New("grading incomplete: unscored question results remain")
	// ErrInvalidGradingTransition indicates a move outside the grading state machine.
	ErrInvalidGradingTransition = errors.New("invalid grading status transition")
	// ErrAttemptClosed indicates question results of the attempt can no longer change.
	ErrAttemptClosed = errors.New("grading attempt is closed")
	// ErrScoreExceedsMax indicates a score above the question's max score.
	ErrScoreExceedsMax = errors.New("score exceeds question max score")
)

// GradingLifecycleService drives versioned grading attempts of exam submissions.
type GradingLifecycleService interface {
	StartAutoGrading(ctx context.Context, req dto.StartGradingRequest) (dto.ExamResultResponse, error)
	StartManualGrading(ctx context.Context, req dto.StartManualGradingRequest) (dto.ExamResultResponse, error)
	StartRegrading(ctx context.Context, req dto.RegradeRequest) (dto.ExamResultResponse, error)
	CompleteGrading(ctx context.Context, req dto.CompleteGradingRequest) (dto.ExamResultResponse, error)
	ScoreQuestion(ctx context.Context, questionResultID uint, req dto.ScoreQuestionRequest) (dto.QuestionResultResponse, error)
	AutoScore(ctx context.Context, resultID uint) (dto.ExamResultResponse, error)
	Get(ctx context.Context, resultID uint) (dto.ExamResultResponse, error)
	FindLatestBySubmission(ctx context.Context, submissionID uint) (dto.ExamResultResponse, error)
	FindHistoryBySubmission(ctx context.Context, submissionID uint) ([]dto.ExamResultResponse, error)
}

type gradingLifecycleService struct {
	results     repository.ExamResultRepository
	submissions repository.ExamSubmissionRepository
	scorer      AnswerScorer
	validator   *validator.Validate
	sanitizer   *bluemonday.Policy
	logger      zerolog.Logger
	tracer      trace.Tracer
}

// NewGradingLifecycleService constructs the grading state machine.
func NewGradingLifecycleService(results repository.ExamResultRepository, submissions repository.ExamSubmissionRepository, scorer AnswerScorer, validate *validator.Validate, logger zerolog.Logger) GradingLifecycleService {
	return &gradingLifecycleService{
		results:     results,
		submissions: submissions,
		scorer:      scorer,
		validator:   validate,
		sanitizer:   bluemonday.StrictPolicy(),
		logger:      logger.With().Str("component", "grading_lifecycle_service").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/gema-grading-api/internal/service/grading"),
	}
}

func (s *gradingLifecycleService) StartAutoGrading(ctx context.Context, req dto.StartGradingRequest) (dto.ExamResultResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.ExamResultResponse{}, err
	}
	return s.start(ctx, req.SubmissionID, nil)
}

func (s *gradingLifecycleService) StartManualGrading(ctx context.Context, req dto.StartManualGradingRequest) (dto.ExamResultResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.ExamResultResponse{}, err
	}
	if req.GraderID == 0 {
		return dto.ExamResultResponse{}, fmt.Errorf("grader id is required for manual grading")
	}
	grader := req.GraderID
	return s.start(ctx, req.SubmissionID, &grader)
}

// start creates the next attempt for a submission with no current attempt.
// Any non-REGRADED attempt, COMPLETED included, blocks a new start; a
// completed attempt is superseded through regrading instead.
func (s *gradingLifecycleService) start(ctx context.Context, submissionID uint, graderID *uint) (dto.ExamResultResponse, error) {
	ctx, span := s.tracer.Start(ctx, "grading.start", trace.WithAttributes(
		attribute.Int64("grading.submission_id", int64(submissionID)),
		attribute.Bool("grading.automatic", graderID == nil),
	))
	defer span.End()

	submission, err := s.submissions.GetByID(ctx, submissionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			span.SetStatus(codes.Error, "submission_not_found")
			return dto.ExamResultResponse{}, ErrExamSubmissionNotFound
		}
		span.RecordError(err)
		return dto.ExamResultResponse{}, err
	}

	var created models.ExamResult
	err = s.results.Transaction(ctx, func(repo repository.ExamResultRepository) error {
		current, err := repo.CurrentBySubmission(ctx, submissionID)
		switch {
		case err == nil:
			return fmt.Errorf("%w: attempt %d is %s", ErrDuplicateGrading, current.ID, current.Status)
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		version, err := repo.MaxVersion(ctx, submissionID)
		if err != nil {
			return err
		}

		questionResults := make([]models.QuestionResult, 0, len(submission.Answers))
		for _, answer := range submission.Answers {
			questionResults = append(questionResults, models.QuestionResult{
				AnswerID:      answer.ID,
				MaxScore:      answer.MaxScore,
				GradingMethod: initialMethod(answer, graderID),
			})
		}

		created = models.ExamResult{
			SubmissionID:    submissionID,
			GraderID:        graderID,
			Status:          models.GradingStatusPending,
			Version:         version + 1,
			QuestionResults: questionResults,
		}
		return s.open(ctx, repo, &created)
	})
	if err != nil {
		return dto.ExamResultResponse{}, s.fail(span, err)
	}

	s.logger.Info().
		Uint("submission_id", submissionID).
		Uint("result_id", created.ID).
		Int("version", created.Version).
		Bool("automatic", graderID == nil).
		Msg("grading started")

	return s.Get(ctx, created.ID)
}

// StartRegrading marks the original REGRADED and creates version+1 in one transaction.
func (s *gradingLifecycleService) StartRegrading(ctx context.Context, req dto.RegradeRequest) (dto.ExamResultResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.ExamResultResponse{}, err
	}

	ctx, span := s.tracer.Start(ctx, "grading.regrade", trace.WithAttributes(
		attribute.Int64("grading.original_id", int64(req.OriginalResultID)),
	))
	defer span.End()

	var created models.ExamResult
	err := s.results.Transaction(ctx, func(repo repository.ExamResultRepository) error {
		original, err := repo.GetByID(ctx, req.OriginalResultID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrExamResultNotFound
			}
			return err
		}

		if !original.Status.CanTransitionTo(models.GradingStatusRegraded) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidGradingTransition, original.Status, models.GradingStatusRegraded)
		}

		ok, err := repo.TransitionStatus(ctx, original.ID, original.Status, models.GradingStatusRegraded)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: attempt %d changed concurrently", ErrInvalidGradingTransition, original.ID)
		}
		observability.GradingTransitions().WithLabelValues(string(original.Status), string(models.GradingStatusRegraded)).Inc()

		graderID := req.GraderID
		if graderID == nil {
			graderID = original.GraderID
		}

		questionResults := make([]models.QuestionResult, 0, len(original.QuestionResults))
		for _, previous := range original.QuestionResults {
			method := previous.GradingMethod
			if graderID != nil {
				method = models.GradingMethodManual
			}
			questionResults = append(questionResults, models.QuestionResult{
				AnswerID:      previous.AnswerID,
				MaxScore:      previous.MaxScore,
				GradingMethod: method,
			})
		}

		created = models.ExamResult{
			SubmissionID:    original.SubmissionID,
			GraderID:        graderID,
			Status:          models.GradingStatusPending,
			Version:         original.Version + 1,
			QuestionResults: questionResults,
		}
		return s.open(ctx, repo, &created)
	})
	if err != nil {
		return dto.ExamResultResponse{}, s.fail(span, err)
	}

	s.logger.Info().
		Uint("original_id", req.OriginalResultID).
		Uint("result_id", created.ID).
		Int("version", created.Version).
		Msg("regrading started")

	return s.Get(ctx, created.ID)
}

func (s *gradingLifecycleService) CompleteGrading(ctx context.Context, req dto.CompleteGradingRequest) (dto.ExamResultResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.ExamResultResponse{}, err
	}

	ctx, span := s.tracer.Start(ctx, "grading.complete", trace.WithAttributes(
		attribute.Int64("grading.result_id", int64(req.ResultID)),
	))
	defer span.End()

	comment := strings.TrimSpace(s.sanitizer.Sanitize(req.Comment))

	var total float64
	err := s.results.Transaction(ctx, func(repo repository.ExamResultRepository) error {
		result, err := repo.GetByIDForUpdate(ctx, req.ResultID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrExamResultNotFound
			}
			return err
		}

		if !result.Status.CanTransitionTo(models.GradingStatusCompleted) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidGradingTransition, result.Status, models.GradingStatusCompleted)
		}

		unscored := 0
		total = 0
		for _, question := range result.QuestionResults {
			if !question.Scored() {
				unscored++
				continue
			}
			total += *question.Score
		}
		if unscored > 0 {
			return fmt.Errorf("%w: %d of %d", ErrIncompleteGrading, unscored, len(result.QuestionResults))
		}

		ok, err := repo.Complete(ctx, result.ID, total, comment)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: attempt %d changed concurrently", ErrInvalidGradingTransition, result.ID)
		}
		observability.GradingTransitions().WithLabelValues(string(result.Status), string(models.GradingStatusCompleted)).Inc()
		return nil
	})
	if err != nil {
		return dto.ExamResultResponse{}, s.fail(span, err)
	}

	span.SetAttributes(attribute.Float64("grading.total_score", total))
	s.logger.Info().Uint("result_id", req.ResultID).Float64("total_score", total).Msg("grading completed")

	return s.Get(ctx, req.ResultID)
}

func (s *gradingLifecycleService) ScoreQuestion(ctx context.Context, questionResultID uint, req dto.ScoreQuestionRequest) (dto.QuestionResultResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.QuestionResultResponse{}, err
	}

	ctx, span := s.tracer.Start(ctx, "grading.score_question", trace.WithAttributes(
		attribute.Int64("grading.question_result_id", int64(questionResultID)),
	))
	defer span.End()

	var scored models.QuestionResult
	err := s.results.Transaction(ctx, func(repo repository.ExamResultRepository) error {
		question, err := repo.GetQuestionResult(ctx, questionResultID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrQuestionResultNotFound
			}
			return err
		}

		// Completion locks the same row, so the status checked here holds until commit.
		attempt, err := repo.GetByIDForUpdate(ctx, question.ExamResultID)
		if err != nil {
			return err
		}
		if attempt.Status != models.GradingStatusInProgress {
			return fmt.Errorf("%w: attempt %d is %s", ErrAttemptClosed, attempt.ID, attempt.Status)
		}
		if locked, ok := findQuestionResult(attempt.QuestionResults, questionResultID); ok {
			question = locked
		}

		score := *req.Score
		if score > question.MaxScore+1e-9 {
			return ErrScoreExceedsMax
		}

		correct := score >= question.MaxScore
		if req.IsCorrect != nil {
			correct = *req.IsCorrect
		}

		question.Score = &score
		question.IsCorrect = &correct
		question.GradingMethod = models.GradingMethodManual
		question.ConfidenceScore = nil
		question.Feedback = strings.TrimSpace(s.sanitizer.Sanitize(req.Feedback))
		if err := repo.SaveQuestionResult(ctx, &question); err != nil {
			return err
		}
		scored = question
		return nil
	})
	if err != nil {
		return dto.QuestionResultResponse{}, s.fail(span, err)
	}

	return dto.NewQuestionResultResponse(scored), nil
}

// AutoScore scores every unscored question result it can. Answers that need
// a human stay unscored.
func (s *gradingLifecycleService) AutoScore(ctx context.Context, resultID uint) (dto.ExamResultResponse, error) {
	ctx, span := s.tracer.Start(ctx, "grading.auto_score", trace.WithAttributes(
		attribute.Int64("grading.result_id", int64(resultID)),
	))
	defer span.End()

	attempt, err := s.results.GetByID(ctx, resultID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = ErrExamResultNotFound
		}
		return dto.ExamResultResponse{}, s.fail(span, err)
	}
	if attempt.Status != models.GradingStatusInProgress {
		return dto.ExamResultResponse{}, s.fail(span, fmt.Errorf("%w: attempt %d is %s", ErrAttemptClosed, attempt.ID, attempt.Status))
	}

	answerIDs := make([]uint, 0, len(attempt.QuestionResults))
	for _, question := range attempt.QuestionResults {
		if !question.Scored() {
			answerIDs = append(answerIDs, question.AnswerID)
		}
	}
	answers, err := s.submissions.AnswersByID(ctx, answerIDs)
	if err != nil {
		return dto.ExamResultResponse{}, s.fail(span, err)
	}

	scored := make([]models.QuestionResult, 0, len(answerIDs))
	for _, question := range attempt.QuestionResults {
		if question.Scored() {
			continue
		}
		answer, ok := answers[question.AnswerID]
		if !ok {
			s.logger.Warn().Uint("answer_id", question.AnswerID).Msg("answer missing for question result")
			continue
		}
		if result, ok := s.scorer.Score(ctx, question, answer); ok {
			scored = append(scored, result)
		}
	}

	applied := 0
	err = s.results.Transaction(ctx, func(repo repository.ExamResultRepository) error {
		current, err := repo.GetByIDForUpdate(ctx, resultID)
		if err != nil {
			return err
		}
		if current.Status != models.GradingStatusInProgress {
			return fmt.Errorf("%w: attempt %d is %s", ErrAttemptClosed, current.ID, current.Status)
		}
		applied = 0
		for i := range scored {
			// A manual score recorded while the scorer ran takes precedence.
			if latest, ok := findQuestionResult(current.QuestionResults, scored[i].ID); !ok || latest.Scored() {
				continue
			}
			if err := repo.SaveQuestionResult(ctx, &scored[i]); err != nil {
				return err
			}
			applied++
		}
		return nil
	})
	if err != nil {
		return dto.ExamResultResponse{}, s.fail(span, err)
	}

	span.SetAttributes(attribute.Int("grading.scored", applied))
	s.logger.Info().Uint("result_id", resultID).Int("scored", applied).Int("skipped", len(scored)-applied).Int("pending", len(answerIDs)-len(scored)).Msg("auto scoring finished")

	return s.Get(ctx, resultID)
}

func (s *gradingLifecycleService) Get(ctx context.Context, resultID uint) (dto.ExamResultResponse, error) {
	result, err := s.results.GetByID(ctx, resultID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.ExamResultResponse{}, ErrExamResultNotFound
		}
		return dto.ExamResultResponse{}, err
	}
	return dto.NewExamResultResponse(result), nil
}

func (s *gradingLifecycleService) FindLatestBySubmission(ctx context.Context, submissionID uint) (dto.ExamResultResponse, error) {
	result, err := s.results.LatestBySubmission(ctx, submissionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.ExamResultResponse{}, ErrExamResultNotFound
		}
		return dto.ExamResultResponse{}, err
	}
	return dto.NewExamResultResponse(result), nil
}

func (s *gradingLifecycleService) FindHistoryBySubmission(ctx context.Context, submissionID uint) ([]dto.ExamResultResponse, error) {
	results, err := s.results.HistoryBySubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	return dto.NewExamResultResponseSlice(results), nil
}

func findQuestionResult(results []models.QuestionResult, id uint) (models.QuestionResult, bool) {
	for _, result := range results {
		if result.ID == id {
			return result, true
		}
	}
	return models.QuestionResult{}, false
}

// open persists a PENDING attempt and moves it to IN_PROGRESS.
func (s *gradingLifecycleService) open(ctx context.Context, repo repository.ExamResultRepository, attempt *models.ExamResult) error {
	if err := repo.Create(ctx, attempt); err != nil {
		if repository.IsDuplicateKey(err) {
			return fmt.Errorf("%w: version %d already exists", ErrDuplicateGrading, attempt.Version)
		}
		return err
	}

	ok, err := repo.TransitionStatus(ctx, attempt.ID, models.GradingStatusPending, models.GradingStatusInProgress)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: attempt %d left %s", ErrInvalidGradingTransition, attempt.ID, models.GradingStatusPending)
	}
	attempt.Status = models.GradingStatusInProgress
	observability.GradingTransitions().WithLabelValues(string(models.GradingStatusPending), string(models.GradingStatusInProgress)).Inc()
	return nil
}

func (s *gradingLifecycleService) fail(span trace.Span, err error) error {
	span.RecordError(err)
	switch {
	case errors.Is(err, ErrExamResultNotFound), errors.Is(err, ErrQuestionResultNotFound):
		span.SetStatus(codes.Error, "not_found")
	case errors.Is(err, ErrDuplicateGrading):
		span.SetStatus(codes.Error, "duplicate_grading")
	case errors.Is(err, ErrIncompleteGrading):
		span.SetStatus(codes.Error, "incomplete_grading")
	case errors.Is(err, ErrAttemptClosed), errors.Is(err, ErrInvalidGradingTransition):
		span.SetStatus(codes.Error, "invalid_transition")
	default:
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func initialMethod(answer models.SubmissionAnswer, graderID *uint) models.GradingMethod {
	switch {
	case graderID != nil:
		return models.GradingMethodManual
	case answer.Objective():
		return models.GradingMethodAuto
	default:
		return models.GradingMethodAIAssisted
	}
}
