package middleware

import (
	"io"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
)

// Config customises the middleware registration pipeline.
type Config struct {
	Logger *zerolog.Logger
	// AllowOrigins is the CORS origin list; empty allows any origin.
	AllowOrigins string
}

// Register attaches the common middlewares used across the API. The access
// log skips push-channel routes, which stay open for the lifetime of a job.
func Register(app *fiber.App, cfg Config) {
	requestLogger := zerolog.New(io.Discard)
	if cfg.Logger != nil {
		requestLogger = *cfg.Logger
	}

	origins := strings.TrimSpace(cfg.AllowOrigins)
	if origins == "" {
		origins = "*"
	}

	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(CorrelationID())
	app.Use(Observability(requestLogger))
	app.Use(logger.New(logger.Config{
		Next: func(c *fiber.Ctx) bool { return isStreamPath(c.Path()) },
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowHeaders:  strings.Join([]string{"Origin", "Content-Type", "Accept", fiber.HeaderAuthorization, CorrelationHeader, CallbackTokenHeader}, ", "),
		AllowMethods:  "GET,POST,PUT,OPTIONS",
		ExposeHeaders: CorrelationHeader,
	}))
}
