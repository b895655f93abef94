package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/gema-grading-api/internal/config"
	"github.com/noah-isme/gema-grading-api/internal/database"
	"github.com/noah-isme/gema-grading-api/internal/handler"
	"github.com/noah-isme/gema-grading-api/internal/middleware"
	"github.com/noah-isme/gema-grading-api/internal/repository"
	"github.com/noah-isme/gema-grading-api/internal/router"
	"github.com/noah-isme/gema-grading-api/internal/service"
	"github.com/noah-isme/gema-grading-api/pkg/ai"
	cloud "github.com/noah-isme/gema-grading-api/pkg/cloudinary"
	"github.com/noah-isme/gema-grading-api/pkg/engine"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()
	if cfg.AppEnv == "production" {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	probes := []handler.HealthProbe{{
		Name: "postgres",
		Check: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(ctx, cfg.RedisURL, 30*time.Second)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
		probes = append(probes, handler.HealthProbe{
			Name:  "redis",
			Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		})
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("nats unavailable; job events stay on this instance")
		} else {
			defer natsConn.Close()
		}
	}

	var store repository.JobStore
	switch cfg.JobStore {
	case config.JobStoreRedis:
		store = repository.NewRedisJobStore(redisClient, "gema")
	default:
		store = repository.NewMemoryJobStore()
	}

	engineClient, err := engine.NewHTTPClient(engine.Config{
		BaseURL: cfg.EngineBaseURL,
		APIKey:  cfg.EngineAPIKey,
		Timeout: cfg.EngineTimeout,
		Logger:  logger,
	})
	if err != nil {
		log.Fatalf("failed to create recognition engine client: %v", err)
	}

	var archiver service.Archiver
	if cfg.CloudinaryCloudName != "" {
		uploader, err := cloud.New(cloud.Config{
			CloudName: cfg.CloudinaryCloudName,
			APIKey:    cfg.CloudinaryAPIKey,
			APISecret: cfg.CloudinaryAPISecret,
			Folder:    cfg.CloudinaryUploadFolder,
		}, logger)
		if err != nil {
			log.Fatalf("failed to create cloudinary client: %v", err)
		}
		archiver = uploader
	}

	var grader ai.AnswerGrader
	if cfg.OpenAIAPIKey != "" {
		openai, err := ai.NewOpenAIGrader(ai.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.AIModel,
			Logger:  logger,
		})
		if err != nil {
			log.Fatalf("failed to create ai grader: %v", err)
		}
		grader = openai
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	var relayRedis redis.UniversalClient
	if redisClient != nil {
		relayRedis = redisClient
	}

	registry := service.NewJobRegistry(store, cfg.JobRetention, logger)
	hub := service.NewSubscriptionHub(registry, cfg.SubscriptionBuffer, cfg.SubscriptionIdleTimeout, logger)
	relay := service.NewJobEventRelay(hub, relayRedis, natsConn, cfg.RealtimeChannel, logger)
	callbacks := service.NewCallbackHandler(registry, relay, validate, logger)
	recognitionService := service.NewRecognitionService(engineClient, registry, hub, callbacks, archiver, validate, service.RecognitionConfig{
		CallbackBaseURL: cfg.CallbackBaseURL,
		MaxUploadBytes:  cfg.UploadMaxBytes,
	}, logger)
	reconciler := service.NewJobReconciler(registry, engineClient, callbacks, service.JobReconcilerConfig{
		After:         cfg.JobReconcileAfter,
		Interval:      cfg.JobReconcileInterval,
		MaxPendingAge: cfg.JobMaxPendingAge,
		RPS:           cfg.JobReconcileRPS,
	}, logger)

	gradingService := service.NewGradingLifecycleService(
		repository.NewExamResultRepository(db),
		repository.NewExamSubmissionRepository(db),
		service.NewAnswerScorer(grader, logger),
		validate,
		logger,
	)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		BodyLimit:    int(cfg.UploadMaxBytes) * 4,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		RecognitionHandler: handler.NewRecognitionHandler(recognitionService, logger, cfg.SSEKeepAlive),
		ExamResultHandler:  handler.NewExamResultHandler(gradingService, logger),
		JWTMiddleware:      middleware.JWTProtected(cfg.JWTSecret),
		SubmitLimit:        middleware.RateLimit("text-recognition", cfg.SubmitRateLimit, time.Minute),
		HealthProbes:       probes,
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		registry.Run(groupCtx, cfg.JobSweepInterval)
		return nil
	})
	group.Go(func() error {
		hub.Run(groupCtx, cfg.SubscriptionIdleTimeout/2)
		return nil
	})
	group.Go(func() error {
		return reconciler.Run(groupCtx)
	})
	group.Go(func() error {
		return relay.Run(groupCtx)
	})
	group.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddress()).Msg("http server listening")
		if err := app.Listen(cfg.HTTPAddress()); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		return shutdown(app, logger)
	})

	if err := group.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("server stopped")
}

func shutdown(app *fiber.App, logger zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		return err
	}
	return nil
}
