package service

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/observability"
	"github.com/noah-isme/gema-grading-api/pkg/ai"
)

// AnswerScorer proposes scores for unscored question results.
type AnswerScorer interface {
	// Score returns a scored copy of result, or ok=false when the answer needs a human.
	Score(ctx context.Context, result models.QuestionResult, answer models.SubmissionAnswer) (models.QuestionResult, bool)
}

type answerScorer struct {
	grader    ai.AnswerGrader
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
}

// NewAnswerScorer matches objective answers against the key and delegates
// free-text answers to grader when one is configured.
func NewAnswerScorer(grader ai.AnswerGrader, logger zerolog.Logger) AnswerScorer {
	return &answerScorer{
		grader:    grader,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger.With().Str("component", "answer_scorer").Logger(),
	}
}

func (s *answerScorer) Score(ctx context.Context, result models.QuestionResult, answer models.SubmissionAnswer) (models.QuestionResult, bool) {
	start := time.Now()

	if answer.Objective() {
		correct := normaliseAnswer(answer.Response) == normaliseAnswer(answer.ExpectedAnswer)
		score := 0.0
		if correct {
			score = result.MaxScore
		}
		result.Score = &score
		result.IsCorrect = &correct
		result.GradingMethod = models.GradingMethodAuto
		result.ConfidenceScore = nil
		observability.GradingScoreDuration().WithLabelValues(string(models.GradingMethodAuto)).Observe(time.Since(start).Seconds())
		return result, true
	}

	if s.grader == nil {
		return result, false
	}

	verdict, err := s.grader.GradeAnswer(ctx, ai.GradingInput{
		QuestionType:   answer.QuestionType,
		Prompt:         answer.Prompt,
		ExpectedAnswer: answer.ExpectedAnswer,
		Response:       answer.Response,
		MaxScore:       result.MaxScore,
	})
	if err != nil {
		s.logger.Warn().Err(err).Uint("answer_id", answer.ID).Msg("ai grading failed; answer left for manual grading")
		return result, false
	}

	score := math.Round(verdict.Score*result.MaxScore*100) / 100
	confidence := verdict.Confidence
	correct := verdict.Correct
	result.Score = &score
	result.IsCorrect = &correct
	result.ConfidenceScore = &confidence
	result.GradingMethod = models.GradingMethodAIAssisted
	result.Feedback = strings.TrimSpace(s.sanitizer.Sanitize(verdict.Feedback))
	if len(verdict.Details) > 0 {
		result.Details = datatypes.JSONMap(verdict.Details)
	}

	observability.GradingScoreDuration().WithLabelValues(string(models.GradingMethodAIAssisted)).Observe(time.Since(start).Seconds())
	return result, true
}

func normaliseAnswer(value string) string {
	return strings.ToLower(strings.Join(strings.Fields(value), " "))
}
