package ai

import "context"

// GradingInput contains what a grader needs to score one free-text answer.
type GradingInput struct {
	QuestionType   string
	Prompt         string
	ExpectedAnswer string
	Response       string
	MaxScore       float64
}

// GradingResult is the structured verdict returned by the AI grader.
// Score is a fraction of the question's max score in [0,1].
type GradingResult struct {
	Score      float64                `json:"score"`
	Confidence float64                `json:"confidence"`
	Correct    bool                   `json:"correct"`
	Feedback   string                 `json:"feedback"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// AnswerGrader describes an AI model capable of scoring exam answers.
type AnswerGrader interface {
	GradeAnswer(ctx context.Context, input GradingInput) (GradingResult, error)
}
