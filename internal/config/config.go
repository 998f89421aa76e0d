package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are loaded from the environment, optionally seeded from a .env
// file, with defaults that let the binary run locally against the
// in-memory store.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr        string
	RedisPassword    string
	RedisGeoKey      string
	NotifyChannel    string
	ProfileCacheTTL  time.Duration
	ProfileMemoryTTL time.Duration
	RequireVerified  bool

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN         string
	MigrationsDir string
	RunMigrations bool
	MaxTxAttempts int
	TxBackoff     time.Duration

	UnknownSeatsPenalty float64
	NoSeatsPenalty      float64

	LogLevel string
	Env      string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		RedisGeoKey:         "rides_geo",
		ProfileCacheTTL:     10 * time.Minute,
		ProfileMemoryTTL:    time.Minute,
		NotifyChannel:       "notifications",
		RequireVerified:     true,
		KafkaTopic:          "request-events",
		MigrationsDir:       "migrations",
		MaxTxAttempts:       5,
		TxBackoff:           10 * time.Millisecond,
		UnknownSeatsPenalty: 1000,
		NoSeatsPenalty:      1000,
		LogLevel:            "info",
		Env:                 "prod",
	}
}

// LoadServerConfig reads ServerConfig. Every malformed value is reported,
// joined into one error.
func LoadServerConfig() (ServerConfig, error) {
	_ = godotenv.Load()
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setDurationFromEnv(&cfg.ProfileCacheTTL, "PROFILE_CACHE_TTL", &errs)
	setDurationFromEnv(&cfg.ProfileMemoryTTL, "PROFILE_MEMORY_TTL", &errs)
	setStringFromEnv(&cfg.NotifyChannel, "NOTIFY_CHANNEL")
	setBoolFromEnv(&cfg.RequireVerified, "REQUIRE_VERIFIED_DRIVER", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	setStringFromEnv(&cfg.MigrationsDir, "MIGRATIONS_DIR")
	setBoolFromEnv(&cfg.RunMigrations, "MIGRATE", &errs)
	setIntFromEnv(&cfg.MaxTxAttempts, "STORE_MAX_TX_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.TxBackoff, "STORE_TX_BACKOFF", &errs)

	setFloatFromEnv(&cfg.UnknownSeatsPenalty, "MATCHER_UNKNOWN_SEATS_PENALTY", &errs)
	setFloatFromEnv(&cfg.NoSeatsPenalty, "MATCHER_NO_SEATS_PENALTY", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setStringFromEnv(&cfg.Env, "APP_ENV")

	if cfg.MaxTxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("STORE_MAX_TX_ATTEMPTS must be > 0"))
	}
	if cfg.UnknownSeatsPenalty < 0 || cfg.NoSeatsPenalty < 0 {
		errs = append(errs, fmt.Errorf("matcher penalties must be >= 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the notification consumer.
type ConsumerConfig struct {
	MetricsAddr string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	RedisAddr     string
	RedisPassword string
	NotifyChannel string

	FCMEndpoint string
	FCMKey      string

	DeliveryAttempts int
	DeliveryBackoff  time.Duration

	LogLevel string
	Env      string
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		MetricsAddr:      ":2112",
		KafkaBrokers:     []string{"localhost:9092"},
		KafkaTopic:       "request-events",
		KafkaGroup:       "ride-matching-notifier",
		RedisAddr:        "localhost:6379",
		NotifyChannel:    "notifications",
		DeliveryAttempts: 3,
		DeliveryBackoff:  200 * time.Millisecond,
		LogLevel:         "info",
		Env:              "prod",
	}
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	_ = godotenv.Load()
	cfg := defaultConsumerConfig()
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.NotifyChannel, "NOTIFY_CHANNEL")

	cfg.FCMEndpoint = strings.TrimSpace(os.Getenv("FCM_ENDPOINT"))
	cfg.FCMKey = os.Getenv("FCM_KEY")

	setIntFromEnv(&cfg.DeliveryAttempts, "DELIVERY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.DeliveryBackoff, "DELIVERY_BACKOFF", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setStringFromEnv(&cfg.Env, "APP_ENV")

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must not be empty"))
	}
	if cfg.DeliveryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("DELIVERY_ATTEMPTS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := cast.ToDurationE(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := cast.ToFloat64E(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := cast.ToIntE(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := cast.ToBoolE(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
