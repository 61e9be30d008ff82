// Package config loads the edge service configuration from D2K_* environment
// variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// Cache backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendS3     = "s3"
)

// Config is the edge service configuration.
type Config struct {
	APIBaseURL     string `env:"API_BASE_URL,required" validate:"required,url"`
	StorageBaseURL string `env:"STORAGE_BASE_URL" validate:"omitempty,url"`
	MapsKey        string `env:"MAPS_KEY"`

	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080" validate:"required"`
	UserAgent  string `env:"USER_AGENT" envDefault:"d2k-storefront-cache/0.1.0" validate:"required"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn warning error"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`

	CacheBackend        string        `env:"CACHE_BACKEND" envDefault:"memory" validate:"oneof=memory redis s3"`
	CacheRetention      time.Duration `env:"CACHE_RETENTION" envDefault:"168h" validate:"gt=0"`
	RevalidateWhenFresh bool          `env:"REVALIDATE_WHEN_FRESH" envDefault:"true"`
	RefreshTimeout      time.Duration `env:"REFRESH_TIMEOUT" envDefault:"15s" validate:"gt=0"`
	RequestTimeout      time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s" validate:"gt=0"`
	MaxRetries          int           `env:"MAX_RETRIES" envDefault:"1" validate:"gte=1,lte=5"`

	Redis RedisConfig `envPrefix:"REDIS_"`
	S3    S3Config    `envPrefix:"S3_"`
}

// RedisConfig configures the shared Redis instance (cache, event bus, rate limit state).
type RedisConfig struct {
	Addr     string `env:"ADDR"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0" validate:"gte=0,lte=15"`
}

// S3Config configures the S3 cache backend.
type S3Config struct {
	Bucket          string `env:"BUCKET"`
	Prefix          string `env:"PREFIX" envDefault:"storefront-cache"`
	Region          string `env:"REGION" envDefault:"us-east-1"`
	Endpoint        string `env:"ENDPOINT" validate:"omitempty,url"`
	AccessKeyID     string `env:"ACCESS_KEY_ID"`
	SecretAccessKey string `env:"SECRET_ACCESS_KEY"`
	UsePathStyle    bool   `env:"USE_PATH_STYLE" envDefault:"false"`
}

var validate = validator.New()

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return parse(env.Options{Prefix: "D2K_"})
}

// LoadFrom reads the configuration from vars (keys include the D2K_ prefix).
func LoadFrom(vars map[string]string) (Config, error) {
	return parse(env.Options{Prefix: "D2K_", Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](opts)
	if err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints and backend-specific requirements.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	switch c.CacheBackend {
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("invalid configuration: D2K_REDIS_ADDR is required for the redis cache backend")
		}
	case BackendS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("invalid configuration: D2K_S3_BUCKET is required for the s3 cache backend")
		}
	}
	return nil
}

// RedisEnabled reports whether a Redis instance is configured. Redis backs
// the event bus and rate limit state even when the cache lives elsewhere.
func (c Config) RedisEnabled() bool {
	return c.Redis.Addr != ""
}
