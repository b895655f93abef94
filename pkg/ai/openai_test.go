package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParseGradingResponseClampsValues(t *testing.T) {
	result, err := parseGradingResponse(`{"score":1.4,"confidence":-0.2,"correct":true,"feedback":"  good  "}`)
	require.NoError(t, err)
	require.Equal(t, 1.0, result.Score)
	require.Equal(t, 0.0, result.Confidence)
	require.True(t, result.Correct)
	require.Equal(t, "good", result.Feedback)

	_, err = parseGradingResponse("not json")
	require.Error(t, err)
}

func TestOpenAIGraderGradesAnswer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "gpt-test", body["model"])

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "gpt-test",
			"choices": []map[string]interface{}{{
				"index":         0,
				"finish_reason": "stop",
				"message": map[string]interface{}{
					"role":    "assistant",
					"content": `{"score":0.5,"confidence":0.8,"correct":false,"feedback":"Partially right."}`,
				},
			}},
			"usage": map[string]interface{}{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}))
	defer server.Close()

	grader, err := NewOpenAIGrader(OpenAIConfig{APIKey: "test", BaseURL: server.URL, Model: "gpt-test", Logger: zerolog.Nop()})
	require.NoError(t, err)

	result, err := grader.GradeAnswer(context.Background(), GradingInput{
		QuestionType:   "essay",
		Prompt:         "Explain photosynthesis",
		ExpectedAnswer: "Plants convert light to chemical energy",
		Response:       "Plants eat sunlight",
		MaxScore:       4,
	})
	require.NoError(t, err)
	require.Equal(t, 0.5, result.Score)
	require.Equal(t, 0.8, result.Confidence)
	require.Equal(t, "Partially right.", result.Feedback)
}

func TestNewOpenAIGraderRequiresKey(t *testing.T) {
	_, err := NewOpenAIGrader(OpenAIConfig{})
	require.Error(t, err)
}
