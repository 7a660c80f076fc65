package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv   string
	HTTPAddr string

	StoreDriver string // postgres | sqlite
	PostgresDSN string
	SQLitePath  string

	RedisAddr          string
	WebhookQueueKey    string
	WebhookSecret      string
	WebhookRetryWindow time.Duration
	WebhookRetryDelay  time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	CatalogFile string

	SchedulerInterval    time.Duration
	SchedulerBatch       int
	SchedulerConcurrency int

	SweepHourlyCron     string
	SweepDailyCron      string
	JobRetention        time.Duration
	CompletedRetention  time.Duration
	AggregationLookback time.Duration
	AggregateRetention  time.Duration
	ErrorEventRetention time.Duration

	CORSOrigins []string

	OTelEnabled     bool
	OTelEndpoint    string
	OTelInsecure    bool
	OTelHeaders     string
	OTelSampleRatio float64
}

// Load reads the environment, after merging an optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		AppEnv:   envOr("APP_ENV", "development"),
		HTTPAddr: envOr("HTTP_ADDR", ":8080"),

		StoreDriver: strings.ToLower(envOr("STORE_DRIVER", "postgres")),
		PostgresDSN: os.Getenv("POSTGRES_DSN"),
		SQLitePath:  envOr("SQLITE_PATH", "jobs.db"),

		RedisAddr:          os.Getenv("REDIS_ADDR"),
		WebhookQueueKey:    envOr("WEBHOOK_QUEUE_KEY", "webhooks:deferred"),
		WebhookSecret:      os.Getenv("WEBHOOK_SECRET"),
		WebhookRetryWindow: envDurationOr("WEBHOOK_RETRY_WINDOW", 10*time.Minute),
		WebhookRetryDelay:  envDurationOr("WEBHOOK_RETRY_DELAY", 5*time.Second),

		KafkaBrokers: splitCSV(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:   envOr("KAFKA_TOPIC_JOB_EVENTS", "job-events"),

		CatalogFile: os.Getenv("CATALOG_FILE"),

		SchedulerInterval:    envDurationOr("SCHEDULER_INTERVAL", 2*time.Second),
		SchedulerBatch:       envIntOr("SCHEDULER_BATCH", 100),
		SchedulerConcurrency: envIntOr("SCHEDULER_CONCURRENCY", 8),

		SweepHourlyCron:     envOr("SWEEP_HOURLY_CRON", "@hourly"),
		SweepDailyCron:      envOr("SWEEP_DAILY_CRON", "@daily"),
		JobRetention:        envDurationOr("JOB_RETENTION", 7*24*time.Hour),
		CompletedRetention:  envDurationOr("COMPLETED_RETENTION", 30*24*time.Hour),
		AggregationLookback: envDurationOr("AGGREGATION_LOOKBACK", 2*time.Hour),
		AggregateRetention:  envDurationOr("AGGREGATE_RETENTION", 90*24*time.Hour),
		ErrorEventRetention: envDurationOr("ERROR_EVENT_RETENTION", 30*24*time.Hour),

		CORSOrigins: splitCSV(envOr("CORS_ORIGINS", "*")),

		OTelEnabled:     envBool("OTEL_ENABLED"),
		OTelEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTelInsecure:    envBool("OTEL_EXPORTER_OTLP_INSECURE"),
		OTelHeaders:     os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"),
		OTelSampleRatio: envFloatOr("OTEL_SAMPLER_RATIO", 0.1),
	}

	switch cfg.StoreDriver {
	case "postgres":
		if cfg.PostgresDSN == "" {
			return cfg, errors.New("missing env: POSTGRES_DSN")
		}
	case "sqlite":
	default:
		return cfg, fmt.Errorf("unsupported STORE_DRIVER %q", cfg.StoreDriver)
	}
	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func envDurationOr(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func envFloatOr(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var dsnPassword = regexp.MustCompile(`://([^:/?#]+):([^@/]+)@`)

// RedactDSN masks the password in user:pass@ style DSNs.
func RedactDSN(dsn string) string {
	return dsnPassword.ReplaceAllString(dsn, `://$1:****@`)
}
