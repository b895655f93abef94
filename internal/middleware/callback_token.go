package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-grading-api/internal/utils"
)

// CallbackTokenHeader carries the shared secret the recognition engine sends with callbacks.
const CallbackTokenHeader = "X-Callback-Token"

// CallbackToken rejects requests whose X-Callback-Token does not match token.
// An empty token leaves the route open.
func CallbackToken(token string) fiber.Handler {
	expected := []byte(strings.TrimSpace(token))

	return func(c *fiber.Ctx) error {
		if len(expected) == 0 {
			return c.Next()
		}

		provided := []byte(strings.TrimSpace(c.Get(CallbackTokenHeader)))
		if subtle.ConstantTimeCompare(provided, expected) != 1 {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid callback token")
		}

		return c.Next()
	}
}
