package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	aiDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gema",
		Subsystem: "ai",
		Name:      "grading_duration_seconds",
		Help:      "Duration of AI answer grading requests",
	}, []string{"model"})

	aiFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "ai",
		Name:      "grading_failures_total",
		Help:      "Number of AI answer grading failures",
	}, []string{"model"})
)

// OpenAIConfig defines configuration options for the OpenAI grader.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
	Logger      zerolog.Logger
}

// OpenAIGrader implements AnswerGrader against the OpenAI chat completion API.
type OpenAIGrader struct {
	client *openai.Client
	cfg    OpenAIConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewOpenAIGrader builds a new grader using the provided configuration.
func NewOpenAIGrader(cfg OpenAIConfig) (*OpenAIGrader, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}

	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 384
	}

	tracer := otel.Tracer("github.com/noah-isme/gema-grading-api/pkg/ai/openai")
	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	client := openai.NewClientWithConfig(config)

	return &OpenAIGrader{
		client: client,
		cfg:    cfg,
		tracer: tracer,
		logger: logger.With().Str("component", "openai_grader").Logger(),
	}, nil
}

// GradeAnswer asks the model to score one answer and parses its JSON verdict.
func (g *OpenAIGrader) GradeAnswer(parent context.Context, input GradingInput) (GradingResult, error) {
	ctx, span := g.tracer.Start(parent, "openai.grade_answer", trace.WithAttributes(
		attribute.String("model", g.cfg.Model),
		attribute.String("question.type", input.QuestionType),
	))
	defer span.End()

	start := time.Now()
	request := openai.ChatCompletionRequest{
		Model:       g.cfg.Model,
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: g.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: graderSystemPrompt(),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildUserPrompt(input),
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	}

	resp, err := g.client.CreateChatCompletion(ctx, request)
	aiDuration.WithLabelValues(g.cfg.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		return GradingResult{}, g.fail(span, fmt.Errorf("openai grade answer: %w", err))
	}

	if len(resp.Choices) == 0 {
		return GradingResult{}, g.fail(span, fmt.Errorf("no choices returned from openai"))
	}

	result, err := parseGradingResponse(strings.TrimSpace(resp.Choices[0].Message.Content))
	if err != nil {
		return GradingResult{}, g.fail(span, err)
	}

	g.logger.Debug().
		Float64("score", result.Score).
		Float64("confidence", result.Confidence).
		Int("tokens", resp.Usage.TotalTokens).
		Msg("answer graded")

	return result, nil
}

func (g *OpenAIGrader) fail(span trace.Span, err error) error {
	aiFailures.WithLabelValues(g.cfg.Model).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func graderSystemPrompt() string {
	return "You are an exam grader. Compare the student's answer with the expected answer and respond with a JSON object " +
		"containing score (0-1 fraction of full marks), confidence (0-1), correct (boolean), feedback (one or two sentences " +
		"addressed to the student) and an optional details object."
}

func buildUserPrompt(input GradingInput) string {
	builder := strings.Builder{}
	builder.WriteString("# Question (")
	builder.WriteString(input.QuestionType)
	builder.WriteString(")\n")
	builder.WriteString(input.Prompt)
	builder.WriteString("\n\n## Expected Answer\n")
	builder.WriteString(input.ExpectedAnswer)
	builder.WriteString("\n\n## Student Answer\n")
	builder.WriteString(input.Response)
	builder.WriteString("\n\n## Full Marks\n")
	builder.WriteString(strconv.FormatFloat(input.MaxScore, 'f', -1, 64))
	builder.WriteString("\nReturn JSON.")
	return builder.String()
}

func parseGradingResponse(content string) (GradingResult, error) {
	var data GradingResult
	if err := json.Unmarshal([]byte(content), &data); err != nil {
		return GradingResult{}, fmt.Errorf("parse grading json: %w", err)
	}

	data.Score = clampUnit(data.Score)
	data.Confidence = clampUnit(data.Confidence)
	data.Feedback = strings.TrimSpace(data.Feedback)

	return data, nil
}

func clampUnit(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}
