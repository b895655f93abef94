package handler_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grading-api/internal/dto"
	"github.com/noah-isme/gema-grading-api/internal/models"
)

func compileSchema(t *testing.T, name string) *jsonschema.Schema {
	t.Helper()
	schemaPath, err := filepath.Abs(filepath.Join("testdata", name))
	require.NoError(t, err)

	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile("file://" + schemaPath)
	require.NoError(t, err)
	return schema
}

func validateBody(t *testing.T, schema *jsonschema.Schema, resp *http.Response) {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var payload interface{}
	require.NoError(t, json.Unmarshal(body, &payload))
	require.NoError(t, schema.Validate(payload))
}

func TestJobResponseContract(t *testing.T) {
	schema := compileSchema(t, "job_response.schema.json")
	fixture := newRecognitionFixture(t, "")

	body, contentType := multipartBody(t, "file", map[string][]byte{"sheet.png": pngHeader}, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/text-recognition/async/submit", body)
	req.Header.Set("Content-Type", contentType)
	resp, err := fixture.app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	validateBody(t, schema, resp)

	ack := postCallback(t, fixture.app, "", `{"jobId":"J1","status":"COMPLETED","result":{"text":"42"}}`)
	require.Equal(t, fiber.StatusOK, ack.StatusCode)

	resp, err = fixture.app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/text-recognition/async/status/J1", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	validateBody(t, schema, resp)
}

func TestExamResultContract(t *testing.T) {
	schema := compileSchema(t, "exam_result.schema.json")
	app, db := setupGradingApp(t)

	submission := models.ExamSubmission{ExamID: 1, StudentID: 2, Answers: []models.SubmissionAnswer{
		{QuestionID: 1, QuestionType: models.QuestionTypeMultipleChoice, Response: "A", ExpectedAnswer: "a", MaxScore: 2},
		{QuestionID: 2, QuestionType: models.QuestionTypeEssay, Response: "because", MaxScore: 5},
	}}
	require.NoError(t, db.Create(&submission).Error)

	resp, payload := sendJSON(t, app, http.MethodPost, "/api/v1/exam-results/start", `{"submissionId":`+itoa(submission.ID)+`}`)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	var attempt dto.ExamResultResponse
	require.NoError(t, json.Unmarshal(payload.Data, &attempt))

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/exam-results/"+strconv.FormatUint(uint64(attempt.ID), 10)+"/auto-score", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	validateBody(t, schema, resp)
}
