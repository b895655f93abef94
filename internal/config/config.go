package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Job store backends.
const (
	JobStoreMemory = "memory"
	JobStoreRedis  = "redis"
)

// Config holds runtime configuration values for the API service.
type Config struct {
	AppName     string
	AppEnv      string
	AppPort     string
	DatabaseURL string
	RedisURL    string
	NATSURL     string
	JWTSecret   string

	EngineBaseURL   string
	EngineAPIKey    string
	EngineTimeout   time.Duration
	CallbackBaseURL string
	CallbackToken   string

	JobStore             string
	JobRetention         time.Duration
	JobSweepInterval     time.Duration
	JobReconcileAfter    time.Duration
	JobReconcileInterval time.Duration
	JobReconcileRPS      float64
	JobMaxPendingAge     time.Duration

	SubscriptionIdleTimeout time.Duration
	SubscriptionBuffer      int
	SSEKeepAlive            time.Duration
	RealtimeChannel         string

	UploadMaxBytes  int64
	SubmitRateLimit int

	OpenAIAPIKey  string
	OpenAIBaseURL string
	AIModel       string

	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Grading API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("engine.timeout", "30s")
	v.SetDefault("jobs.store", JobStoreMemory)
	v.SetDefault("jobs.retention", "1h")
	v.SetDefault("jobs.sweep_interval", "1m")
	v.SetDefault("jobs.reconcile_after", "5m")
	v.SetDefault("jobs.reconcile_interval", "1m")
	v.SetDefault("jobs.reconcile_rps", 5)
	v.SetDefault("jobs.max_pending_age", "2h")
	v.SetDefault("subscriptions.idle_timeout", "30m")
	v.SetDefault("subscriptions.buffer", 16)
	v.SetDefault("subscriptions.keepalive", "30s")
	v.SetDefault("realtime.channel", "gema")
	v.SetDefault("upload.max_bytes", 10<<20)
	v.SetDefault("upload.rate_limit", 30)
	v.SetDefault("ai.model", "gpt-4o-mini")
	v.SetDefault("cloudinary.folder", "gema/answer-sheets")

	durations := map[string]*time.Duration{}
	cfg := Config{
		AppName:         v.GetString("app.name"),
		AppEnv:          v.GetString("app.env"),
		AppPort:         v.GetString("app.port"),
		DatabaseURL:     v.GetString("database.url"),
		RedisURL:        v.GetString("redis.url"),
		NATSURL:         v.GetString("nats.url"),
		JWTSecret:       v.GetString("jwt.secret"),
		EngineBaseURL:   strings.TrimSpace(v.GetString("engine.base_url")),
		EngineAPIKey:    v.GetString("engine.api_key"),
		CallbackBaseURL: strings.TrimSpace(v.GetString("callback.base_url")),
		CallbackToken:   v.GetString("callback.token"),

		JobStore:        strings.ToLower(strings.TrimSpace(v.GetString("jobs.store"))),
		JobReconcileRPS: v.GetFloat64("jobs.reconcile_rps"),

		SubscriptionBuffer: v.GetInt("subscriptions.buffer"),
		RealtimeChannel:    v.GetString("realtime.channel"),

		UploadMaxBytes:  v.GetInt64("upload.max_bytes"),
		SubmitRateLimit: v.GetInt("upload.rate_limit"),

		OpenAIAPIKey:  v.GetString("openai_api_key"),
		OpenAIBaseURL: v.GetString("openai_base_url"),
		AIModel:       v.GetString("ai.model"),

		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),
	}

	durations["engine.timeout"] = &cfg.EngineTimeout
	durations["jobs.retention"] = &cfg.JobRetention
	durations["jobs.sweep_interval"] = &cfg.JobSweepInterval
	durations["jobs.reconcile_after"] = &cfg.JobReconcileAfter
	durations["jobs.reconcile_interval"] = &cfg.JobReconcileInterval
	durations["jobs.max_pending_age"] = &cfg.JobMaxPendingAge
	durations["subscriptions.idle_timeout"] = &cfg.SubscriptionIdleTimeout
	durations["subscriptions.keepalive"] = &cfg.SSEKeepAlive

	for key, target := range durations {
		parsed, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		if parsed <= 0 {
			return Config{}, fmt.Errorf("invalid %s: must be positive", key)
		}
		*target = parsed
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}
	if cfg.EngineBaseURL == "" {
		return Config{}, fmt.Errorf("engine base url must be provided")
	}
	if cfg.CallbackBaseURL == "" {
		return Config{}, fmt.Errorf("callback base url must be provided")
	}

	switch cfg.JobStore {
	case JobStoreMemory:
	case JobStoreRedis:
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("redis url is required for the redis job store")
		}
	default:
		return Config{}, fmt.Errorf("unknown job store %q", cfg.JobStore)
	}

	if cfg.JobReconcileRPS <= 0 {
		cfg.JobReconcileRPS = 5
	}
	if cfg.SubscriptionBuffer <= 0 {
		cfg.SubscriptionBuffer = 16
	}
	if cfg.UploadMaxBytes <= 0 {
		cfg.UploadMaxBytes = 10 << 20
	}
	if cfg.SubmitRateLimit <= 0 {
		cfg.SubmitRateLimit = 30
	}

	return cfg, nil
}
