package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "jwt-test-secret"

func signToken(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func jwtApp() *fiber.App {
	app := fiber.New()
	app.Use(JWTProtected(testSecret))
	handler := func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"user": c.Locals("user_id"), "role": c.Locals("user_role")})
	}
	app.Get("/jobs/:id", handler)
	app.Get("/jobs/:id/events", handler)
	return app
}

func TestJWTProtectedSetsLocals(t *testing.T) {
	token := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{
		"sub":  "42",
		"role": "Teacher",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})

	var captured struct {
		user uint
		role string
	}
	app := fiber.New()
	app.Use(JWTProtected(testSecret))
	app.Get("/jobs/:id", func(c *fiber.Ctx) error {
		captured.user, _ = c.Locals("user_id").(uint)
		captured.role, _ = c.Locals("user_role").(string)
		return c.SendStatus(fiber.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/jobs/J1", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	require.Equal(t, uint(42), captured.user)
	require.Equal(t, "teacher", captured.role)
}

func TestJWTProtectedRejects(t *testing.T) {
	valid := jwt.MapClaims{"sub": float64(1), "exp": time.Now().Add(time.Hour).Unix()}

	cases := []struct {
		name   string
		header string
	}{
		{name: "missing header", header: ""},
		{name: "wrong scheme", header: "Basic " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), valid)},
		{name: "wrong secret", header: "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte("other"), valid)},
		{name: "unsigned", header: "Bearer " + signToken(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, valid)},
		{name: "expired", header: "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{
			"sub": float64(1),
			"exp": time.Now().Add(-time.Hour).Unix(),
		})},
	}

	app := jwtApp()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/jobs/J1", nil)
			if tc.header != "" {
				req.Header.Set(fiber.HeaderAuthorization, tc.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
		})
	}
}

func TestJWTProtectedQueryTokenOnlyOnStreams(t *testing.T) {
	token := signToken(t, jwt.SigningMethodHS512, []byte(testSecret), jwt.MapClaims{
		"sub": float64(7),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	app := jwtApp()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/jobs/J1/events?access_token="+token, nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/jobs/J1?access_token="+token, nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}
