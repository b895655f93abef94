package dto

import (
	"time"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

// StartGradingRequest starts an automatic grading attempt.
type StartGradingRequest struct {
	SubmissionID uint `json:"submissionId" validate:"required"`
}

// StartManualGradingRequest starts an attempt owned by a human grader.
// GraderID defaults to the authenticated user.
type StartManualGradingRequest struct {
	SubmissionID uint `json:"submissionId" validate:"required"`
	GraderID     uint `json:"graderId"`
}

// RegradeRequest supersedes an attempt with a new version.
type RegradeRequest struct {
	OriginalResultID uint  `json:"originalResultId" validate:"required"`
	GraderID         *uint `json:"graderId,omitempty"`
}

// CompleteGradingRequest finalises an attempt.
type CompleteGradingRequest struct {
	ResultID uint   `json:"resultId" validate:"required"`
	Comment  string `json:"comment" validate:"max=4000"`
}

// ScoreQuestionRequest records a manual score for one question result.
type ScoreQuestionRequest struct {
	Score     *float64 `json:"score" validate:"required,gte=0"`
	IsCorrect *bool    `json:"isCorrect,omitempty"`
	Feedback  string   `json:"feedback" validate:"max=4000"`
}

// QuestionResultResponse serialises a per-answer outcome.
type QuestionResultResponse struct {
	ID              uint                   `json:"id"`
	AnswerID        uint                   `json:"answerId"`
	IsCorrect       *bool                  `json:"isCorrect"`
	Score           *float64               `json:"score"`
	MaxScore        float64                `json:"maxScore"`
	GradingMethod   string                 `json:"gradingMethod"`
	ConfidenceScore *float64               `json:"confidenceScore,omitempty"`
	Feedback        string                 `json:"feedback,omitempty"`
	Details         map[string]interface{} `json:"details,omitempty"`
	UpdatedAt       time.Time              `json:"updatedAt"`
}

// ExamResultResponse serialises a grading attempt.
type ExamResultResponse struct {
	ID              uint                     `json:"id"`
	SubmissionID    uint                     `json:"submissionId"`
	GraderID        *uint                    `json:"graderId"`
	Automatic       bool                     `json:"automatic"`
	Status          string                   `json:"status"`
	Version         int                      `json:"version"`
	TotalScore      *float64                 `json:"totalScore"`
	GradingComment  string                   `json:"gradingComment,omitempty"`
	CreatedAt       time.Time                `json:"createdAt"`
	UpdatedAt       time.Time                `json:"updatedAt"`
	QuestionResults []QuestionResultResponse `json:"questionResults,omitempty"`
}

// NewQuestionResultResponse converts a question result model into a DTO.
func NewQuestionResultResponse(model models.QuestionResult) QuestionResultResponse {
	return QuestionResultResponse{
		ID:              model.ID,
		AnswerID:        model.AnswerID,
		IsCorrect:       model.IsCorrect,
		Score:           model.Score,
		MaxScore:        model.MaxScore,
		GradingMethod:   string(model.GradingMethod),
		ConfidenceScore: model.ConfidenceScore,
		Feedback:        model.Feedback,
		Details:         map[string]interface{}(model.Details),
		UpdatedAt:       model.UpdatedAt,
	}
}

// NewExamResultResponse converts an attempt model into a DTO.
func NewExamResultResponse(model models.ExamResult) ExamResultResponse {
	response := ExamResultResponse{
		ID:             model.ID,
		SubmissionID:   model.SubmissionID,
		GraderID:       model.GraderID,
		Automatic:      model.IsAutomatic(),
		Status:         string(model.Status),
		Version:        model.Version,
		TotalScore:     model.TotalScore,
		GradingComment: model.GradingComment,
		CreatedAt:      model.CreatedAt,
		UpdatedAt:      model.UpdatedAt,
	}

	if len(model.QuestionResults) > 0 {
		response.QuestionResults = make([]QuestionResultResponse, 0, len(model.QuestionResults))
		for _, result := range model.QuestionResults {
			response.QuestionResults = append(response.QuestionResults, NewQuestionResultResponse(result))
		}
	}

	return response
}

// NewExamResultResponseSlice converts a list of attempts.
func NewExamResultResponseSlice(results []models.ExamResult) []ExamResultResponse {
	responses := make([]ExamResultResponse, 0, len(results))
	for _, result := range results {
		responses = append(responses, NewExamResultResponse(result))
	}
	return responses
}
