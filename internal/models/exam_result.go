package models

import (
	"time"

	"gorm.io/datatypes"
)

// GradingStatus describes where a grading attempt is in its lifecycle.
type GradingStatus string

const (
	// GradingStatusPending indicates the attempt exists but grading has not begun.
	GradingStatusPending GradingStatus = "PENDING"
	// GradingStatusInProgress indicates question results are being scored.
	GradingStatusInProgress GradingStatus = "IN_PROGRESS"
	// GradingStatusCompleted indicates the attempt has a final total score.
	GradingStatusCompleted GradingStatus = "COMPLETED"
	// GradingStatusRegraded indicates the attempt was superseded by a newer version.
	GradingStatusRegraded GradingStatus = "REGRADED"
)

var gradingTransitions = map[GradingStatus][]GradingStatus{
	GradingStatusPending:    {GradingStatusInProgress},
	GradingStatusInProgress: {GradingStatusCompleted, GradingStatusRegraded},
	GradingStatusCompleted:  {GradingStatusRegraded},
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s GradingStatus) CanTransitionTo(next GradingStatus) bool {
	for _, candidate := range gradingTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Open reports whether question results of the attempt may still change.
func (s GradingStatus) Open() bool {
	return s == GradingStatusPending || s == GradingStatusInProgress
}

// GradingMethod records how a question result was scored.
type GradingMethod string

const (
	// GradingMethodAuto is deterministic answer-key matching.
	GradingMethodAuto GradingMethod = "AUTO"
	// GradingMethodManual is a human grader's decision.
	GradingMethodManual GradingMethod = "MANUAL"
	// GradingMethodAIAssisted is a model-proposed score.
	GradingMethodAIAssisted GradingMethod = "AI_ASSISTED"
)

// ExamResult is one versioned grading attempt of a submission.
type ExamResult struct {
	ID              uint             `gorm:"primaryKey" json:"id"`
	SubmissionID    uint             `gorm:"not null;uniqueIndex:idx_exam_results_submission_version" json:"submission_id"`
	GraderID        *uint            `json:"grader_id"`
	Status          GradingStatus    `gorm:"size:32;not null;index" json:"status"`
	Version         int              `gorm:"not null;uniqueIndex:idx_exam_results_submission_version" json:"version"`
	TotalScore      *float64         `json:"total_score"`
	GradingComment  string           `gorm:"type:text" json:"grading_comment"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	QuestionResults []QuestionResult `gorm:"foreignKey:ExamResultID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"question_results"`
}

// IsAutomatic reports whether the attempt has no human grader.
func (r ExamResult) IsAutomatic() bool {
	return r.GraderID == nil
}

// QuestionResult is the scored outcome of a single answer within an attempt.
type QuestionResult struct {
	ID              uint              `gorm:"primaryKey" json:"id"`
	ExamResultID    uint              `gorm:"not null;index" json:"exam_result_id"`
	AnswerID        uint              `gorm:"not null" json:"answer_id"`
	IsCorrect       *bool             `json:"is_correct"`
	Score           *float64          `json:"score"`
	MaxScore        float64           `gorm:"not null" json:"max_score"`
	GradingMethod   GradingMethod     `gorm:"size:32" json:"grading_method"`
	ConfidenceScore *float64          `json:"confidence_score"`
	Feedback        string            `gorm:"type:text" json:"feedback"`
	Details         datatypes.JSONMap `json:"details"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Scored reports whether the result has a score.
func (q QuestionResult) Scored() bool {
	return q.Score != nil
}
