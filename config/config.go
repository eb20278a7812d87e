/*
Package config loads server configuration from the environment.

SOURCES (later wins):
  1. Defaults in the struct tags below
  2. An optional .env file (joho/godotenv); real environment variables are
     never overwritten by it
  3. Environment variables (kelseyhightower/envconfig)
  4. Command-line flags, applied by cmd/server

REQUIRED:
  JWT_SECRET must be set, at least 32 bytes.
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Port   int    `envconfig:"PORT" default:"8080"`
	DBPath string `envconfig:"DB_PATH" default:"leave.db"`

	JWTSecret string        `envconfig:"JWT_SECRET" required:"true"`
	JWTIssuer string        `envconfig:"JWT_ISSUER" default:"leave-engine"`
	TokenTTL  time.Duration `envconfig:"TOKEN_TTL" default:"12h"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	DevMode  bool   `envconfig:"DEV_MODE" default:"false"`

	CORSOrigins    []string      `envconfig:"CORS_ORIGINS" default:"http://localhost:5173,http://localhost:8080"`
	RateLimit      float64       `envconfig:"RATE_LIMIT" default:"20"`
	RateBurst      int           `envconfig:"RATE_BURST" default:"40"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`

	CancelNotice        time.Duration `envconfig:"CANCEL_NOTICE" default:"0s"`
	EntitlementCacheTTL time.Duration `envconfig:"ENTITLEMENT_CACHE_TTL" default:"30s"`

	AuditEnabled  bool          `envconfig:"AUDIT_ENABLED" default:"true"`
	AuditInterval time.Duration `envconfig:"AUDIT_INTERVAL" default:"1h"`

	NotifyQueueSize int      `envconfig:"NOTIFY_QUEUE_SIZE" default:"1024"`
	KafkaBrokers    []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic      string   `envconfig:"KAFKA_TOPIC" default:"leave.events"`
}

// Load reads envFile (if it exists) and then the environment.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values envconfig cannot express.
func (c Config) Validate() error {
	var errs []error
	if len(c.JWTSecret) < 32 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 32 bytes"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d out of range", c.Port))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("TOKEN_TTL must be positive"))
	}
	if c.CancelNotice < 0 {
		errs = append(errs, errors.New("CANCEL_NOTICE must not be negative"))
	}
	if c.NotifyQueueSize <= 0 {
		errs = append(errs, errors.New("NOTIFY_QUEUE_SIZE must be positive"))
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		errs = append(errs, errors.New("KAFKA_TOPIC is required with KAFKA_BROKERS"))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	return errors.Join(errs...)
}

// Logger builds the process logger: development encoding in dev mode,
// production JSON otherwise.
func (c Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.DevMode {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
