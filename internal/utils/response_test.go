package utils_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grading-api/internal/utils"
)

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Meta    json.RawMessage `json:"meta"`
	Details json.RawMessage `json:"details"`
}

func call(t *testing.T, handler fiber.Handler) (int, envelope) {
	t.Helper()
	app := fiber.New()
	app.Get("/", handler)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestSendSuccessWithStatusAccepted(t *testing.T) {
	status, body := call(t, func(c *fiber.Ctx) error {
		return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "", map[string]string{"jobId": "J1"})
	})

	require.Equal(t, fiber.StatusAccepted, status)
	require.True(t, body.Success)
	require.Equal(t, "success", body.Message)
	require.JSONEq(t, `{"jobId":"J1"}`, string(body.Data))
	require.Empty(t, body.Meta)
}

func TestOKCarriesListMeta(t *testing.T) {
	status, body := call(t, func(c *fiber.Ctx) error {
		return utils.OK(c, []int{1, 2}, "history", map[string]int{"total": 2})
	})

	require.Equal(t, fiber.StatusOK, status)
	require.Equal(t, "history", body.Message)
	require.JSONEq(t, `[1,2]`, string(body.Data))
	require.JSONEq(t, `{"total":2}`, string(body.Meta))
}

func TestErrorResponses(t *testing.T) {
	status, body := call(t, func(c *fiber.Ctx) error {
		return utils.SendError(c, fiber.StatusNotFound, "job not found")
	})
	require.Equal(t, fiber.StatusNotFound, status)
	require.False(t, body.Success)
	require.Equal(t, "job not found", body.Message)
	require.Empty(t, body.Data)
	require.Empty(t, body.Details)

	status, body = call(t, func(c *fiber.Ctx) error {
		return utils.Fail(c, 0, "", []map[string]string{{"field": "score", "rule": "gte"}})
	})
	require.Equal(t, fiber.StatusInternalServerError, status)
	require.Equal(t, "error", body.Message)
	require.JSONEq(t, `[{"field":"score","rule":"gte"}]`, string(body.Details))
}
