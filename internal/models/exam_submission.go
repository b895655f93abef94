package models

import "time"

// Question types understood by the auto scorer.
const (
	QuestionTypeMultipleChoice = "multiple_choice"
	QuestionTypeTrueFalse      = "true_false"
	QuestionTypeShortAnswer    = "short_answer"
	QuestionTypeEssay          = "essay"
)

// ExamSubmission is a student's set of answers for an exam. It is owned by the
// submission collaborator; grading only reads it.
type ExamSubmission struct {
	ID          uint               `gorm:"primaryKey" json:"id"`
	ExamID      uint               `gorm:"not null;index" json:"exam_id"`
	StudentID   uint               `gorm:"not null;index" json:"student_id"`
	SubmittedAt time.Time          `json:"submitted_at"`
	Answers     []SubmissionAnswer `gorm:"foreignKey:SubmissionID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"answers"`
}

// SubmissionAnswer is one answer within a submission together with the
// question metadata required for scoring.
type SubmissionAnswer struct {
	ID             uint    `gorm:"primaryKey" json:"id"`
	SubmissionID   uint    `gorm:"not null;index" json:"submission_id"`
	QuestionID     uint    `gorm:"not null" json:"question_id"`
	QuestionType   string  `gorm:"size:32;not null" json:"question_type"`
	Prompt         string  `gorm:"type:text" json:"prompt"`
	Response       string  `gorm:"type:text" json:"response"`
	ExpectedAnswer string  `gorm:"type:text" json:"expected_answer"`
	MaxScore       float64 `gorm:"not null" json:"max_score"`
}

// Objective reports whether the answer can be scored by matching the key.
func (a SubmissionAnswer) Objective() bool {
	switch a.QuestionType {
	case QuestionTypeMultipleChoice, QuestionTypeTrueFalse, QuestionTypeShortAnswer:
		return true
	}
	return false
}
