package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-grading-api/internal/config"
	"github.com/noah-isme/gema-grading-api/internal/handler"
	"github.com/noah-isme/gema-grading-api/internal/middleware"
	"github.com/noah-isme/gema-grading-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	RecognitionHandler *handler.RecognitionHandler
	ExamResultHandler  *handler.ExamResultHandler
	JWTMiddleware      fiber.Handler
	SubmitLimit        fiber.Handler
	HealthProbes       []handler.HealthProbe
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	// Common v1 group for health & headers
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthProbes...))
	app.Get("/metrics", observability.MetricsHandler())

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	if deps.RecognitionHandler != nil {
		// The engine authenticates with the callback token, not a user JWT,
		// so the callback group is registered ahead of the protected group.
		callback := api.Group("/text-recognition/callback", middleware.CallbackToken(cfg.CallbackToken))
		deps.RecognitionHandler.RegisterCallback(callback)

		recognition := api.Group("/text-recognition", jwtMiddleware)
		deps.RecognitionHandler.Register(recognition, deps.SubmitLimit)
	}

	if deps.ExamResultHandler != nil {
		grading := api.Group("/exam-results", jwtMiddleware, middleware.RequireRole("admin", "teacher"))
		deps.ExamResultHandler.Register(grading)
	}
}
