package handler_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-api/internal/database"
	"github.com/noah-isme/gema-grading-api/internal/dto"
	"github.com/noah-isme/gema-grading-api/internal/handler"
	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/repository"
	"github.com/noah-isme/gema-grading-api/internal/service"
)

func setupGradingApp(t *testing.T) (*fiber.App, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	logger := zerolog.Nop()
	svc := service.NewGradingLifecycleService(
		repository.NewExamResultRepository(db),
		repository.NewExamSubmissionRepository(db),
		service.NewAnswerScorer(nil, logger),
		validator.New(validator.WithRequiredStructEnabled()),
		logger,
	)

	app := fiber.New()
	group := app.Group("/api/v1/exam-results", func(c *fiber.Ctx) error {
		c.Locals("user_id", uint(11))
		c.Locals("user_role", "teacher")
		return c.Next()
	})
	handler.NewExamResultHandler(svc, logger).Register(group)
	return app, db
}

func sendJSON(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)

	var payload envelope
	decodeResponse(t, resp, &payload)
	return resp, payload
}

func TestGradingFlowOverHTTP(t *testing.T) {
	app, db := setupGradingApp(t)

	submission := models.ExamSubmission{ExamID: 3, StudentID: 9, Answers: []models.SubmissionAnswer{
		{QuestionID: 1, QuestionType: models.QuestionTypeEssay, MaxScore: 5},
		{QuestionID: 2, QuestionType: models.QuestionTypeEssay, MaxScore: 5},
		{QuestionID: 3, QuestionType: models.QuestionTypeEssay, MaxScore: 5},
		{QuestionID: 4, QuestionType: models.QuestionTypeEssay, MaxScore: 5},
	}}
	require.NoError(t, db.Create(&submission).Error)

	resp, payload := sendJSON(t, app, http.MethodPost, "/api/v1/exam-results/start", `{"submissionId":`+itoa(submission.ID)+`}`)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	var attempt dto.ExamResultResponse
	require.NoError(t, json.Unmarshal(payload.Data, &attempt))
	require.Equal(t, "IN_PROGRESS", attempt.Status)
	require.Len(t, attempt.QuestionResults, 4)

	resp, _ = sendJSON(t, app, http.MethodPost, "/api/v1/exam-results/start", `{"submissionId":`+itoa(submission.ID)+`}`)
	require.Equal(t, fiber.StatusConflict, resp.StatusCode)

	resp, _ = sendJSON(t, app, http.MethodPut, "/api/v1/exam-results/complete", `{"resultId":`+itoa(attempt.ID)+`}`)
	require.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)

	for i, score := range []string{"5", "5", "0", "5"} {
		path := "/api/v1/exam-results/question-results/" + itoa(attempt.QuestionResults[i].ID) + "/score"
		resp, _ = sendJSON(t, app, http.MethodPut, path, `{"score":`+score+`,"feedback":"ok"}`)
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
	}

	resp, _ = sendJSON(t, app, http.MethodPut, "/api/v1/exam-results/question-results/"+itoa(attempt.QuestionResults[0].ID)+"/score", `{"score":9}`)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, payload = sendJSON(t, app, http.MethodPut, "/api/v1/exam-results/complete", `{"resultId":`+itoa(attempt.ID)+`,"comment":"done"}`)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var completed dto.ExamResultResponse
	require.NoError(t, json.Unmarshal(payload.Data, &completed))
	require.Equal(t, "COMPLETED", completed.Status)
	require.InDelta(t, 15.0, *completed.TotalScore, 1e-9)

	resp, payload = sendJSON(t, app, http.MethodPost, "/api/v1/exam-results/regrade", `{"originalResultId":`+itoa(attempt.ID)+`}`)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	var regraded dto.ExamResultResponse
	require.NoError(t, json.Unmarshal(payload.Data, &regraded))
	require.Equal(t, 2, regraded.Version)

	resp, payload = sendJSON(t, app, http.MethodGet, "/api/v1/exam-results/submission/"+itoa(submission.ID)+"/latest", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var latest dto.ExamResultResponse
	require.NoError(t, json.Unmarshal(payload.Data, &latest))
	require.Equal(t, regraded.ID, latest.ID)

	resp, payload = sendJSON(t, app, http.MethodGet, "/api/v1/exam-results/submission/"+itoa(submission.ID)+"/history", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var history []dto.ExamResultResponse
	require.NoError(t, json.Unmarshal(payload.Data, &history))
	require.Len(t, history, 2)
	require.JSONEq(t, `{"total":2}`, string(payload.Meta))

	resp, payload = sendJSON(t, app, http.MethodGet, "/api/v1/exam-results/"+itoa(attempt.ID), "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var original dto.ExamResultResponse
	require.NoError(t, json.Unmarshal(payload.Data, &original))
	require.Equal(t, "REGRADED", original.Status)
}

func TestManualStartUsesAuthenticatedGrader(t *testing.T) {
	app, db := setupGradingApp(t)
	submission := models.ExamSubmission{ExamID: 1, StudentID: 1, Answers: []models.SubmissionAnswer{
		{QuestionID: 1, QuestionType: models.QuestionTypeEssay, MaxScore: 2},
	}}
	require.NoError(t, db.Create(&submission).Error)

	resp, payload := sendJSON(t, app, http.MethodPost, "/api/v1/exam-results/start-manual", `{"submissionId":`+itoa(submission.ID)+`}`)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	var attempt dto.ExamResultResponse
	require.NoError(t, json.Unmarshal(payload.Data, &attempt))
	require.NotNil(t, attempt.GraderID)
	require.Equal(t, uint(11), *attempt.GraderID)
	require.False(t, attempt.Automatic)
}

func TestGradingErrorsOverHTTP(t *testing.T) {
	app, _ := setupGradingApp(t)

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{name: "missing submission id", method: http.MethodPost, path: "/api/v1/exam-results/start", body: `{}`, status: fiber.StatusBadRequest},
		{name: "unknown submission", method: http.MethodPost, path: "/api/v1/exam-results/start", body: `{"submissionId":404}`, status: fiber.StatusNotFound},
		{name: "unknown original", method: http.MethodPost, path: "/api/v1/exam-results/regrade", body: `{"originalResultId":404}`, status: fiber.StatusNotFound},
		{name: "unknown result", method: http.MethodGet, path: "/api/v1/exam-results/404", status: fiber.StatusNotFound},
		{name: "invalid id", method: http.MethodGet, path: "/api/v1/exam-results/abc", status: fiber.StatusBadRequest},
		{name: "no attempts", method: http.MethodGet, path: "/api/v1/exam-results/submission/404/latest", status: fiber.StatusNotFound},
		{name: "negative score", method: http.MethodPut, path: "/api/v1/exam-results/question-results/1/score", body: `{"score":-1}`, status: fiber.StatusBadRequest},
		{name: "invalid payload", method: http.MethodPut, path: "/api/v1/exam-results/complete", body: `{`, status: fiber.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, payload := sendJSON(t, app, tc.method, tc.path, tc.body)
			require.Equal(t, tc.status, resp.StatusCode)
			require.False(t, payload.Success)
		})
	}

	resp, payload := sendJSON(t, app, http.MethodGet, "/api/v1/exam-results/submission/404/history", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.JSONEq(t, `[]`, string(payload.Data))
}

func itoa(value uint) string {
	return strconv.FormatUint(uint64(value), 10)
}
