package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const envPrefix = "EVENTBUS"

type RetryConfig struct {
	MaxAttempts int           `envconfig:"MAX_ATTEMPTS" default:"3" yaml:"max_attempts"`
	Backoff     time.Duration `envconfig:"BACKOFF" default:"1s" yaml:"backoff"`
	MaxBackoff  time.Duration `envconfig:"MAX_BACKOFF" default:"60s" yaml:"max_backoff"`
	Exponential bool          `envconfig:"EXPONENTIAL" default:"true" yaml:"exponential"`
	Jitter      bool          `envconfig:"JITTER" default:"true" yaml:"jitter"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int           `envconfig:"FAILURE_THRESHOLD" default:"5" yaml:"failure_threshold"`
	Window           time.Duration `envconfig:"WINDOW" default:"60s" yaml:"window"`
	RecoveryTimeout  time.Duration `envconfig:"RECOVERY_TIMEOUT" default:"30s" yaml:"recovery_timeout"`
}

type RetentionConfig struct {
	Completed     time.Duration `envconfig:"COMPLETED" default:"24h" yaml:"completed"`
	DeadLetter    time.Duration `envconfig:"DEAD_LETTER" default:"168h" yaml:"dead_letter"`
	ProcessingLog time.Duration `envconfig:"PROCESSING_LOG" default:"168h" yaml:"processing_log"`
	History       time.Duration `envconfig:"HISTORY" default:"168h" yaml:"history"`
}

type LogConfig struct {
	Level       string `envconfig:"LEVEL" default:"info" yaml:"level"`
	Development bool   `envconfig:"DEVELOPMENT" default:"false" yaml:"development"`
}

type DatabaseConfig struct {
	Driver string `envconfig:"DRIVER" default:"sqlite" yaml:"driver"`
	DSN    string `envconfig:"DSN" default:"file:eventbus.db?_pragma=busy_timeout(5000)" yaml:"dsn"`
}

type RedisConfig struct {
	// Addr enables the Redis processing log when set.
	Addr     string `envconfig:"ADDR" yaml:"addr"`
	Password string `envconfig:"PASSWORD" yaml:"password"`
	DB       int    `envconfig:"DB" default:"0" yaml:"db"`
}

type KafkaConfig struct {
	// Brokers enables the Kafka relay when set.
	Brokers string `envconfig:"BROKERS" yaml:"brokers"`
	Topic   string `envconfig:"TOPIC" default:"eventbus-events" yaml:"topic"`
	Codec   string `envconfig:"CODEC" default:"json" yaml:"codec"`
	// Events lists the event names forwarded to Kafka.
	Events []string `envconfig:"EVENTS" yaml:"events"`
}

type HTTPConfig struct {
	Addr string `envconfig:"ADDR" default:":8080" yaml:"addr"`
}

// Config holds every event bus tunable.
type Config struct {
	Enabled             bool                 `envconfig:"ENABLED" default:"true" yaml:"enabled"`
	PollInterval        time.Duration        `envconfig:"POLL_INTERVAL" default:"5s" yaml:"poll_interval"`
	Retry               RetryConfig          `envconfig:"RETRY" yaml:"retry"`
	DefaultTimeout      time.Duration        `envconfig:"DEFAULT_TIMEOUT" default:"30s" yaml:"default_timeout"`
	MaxEventPayloadSize int                  `envconfig:"MAX_EVENT_PAYLOAD_SIZE" default:"1048576" yaml:"max_event_payload_size"`
	EnableHistory       bool                 `envconfig:"ENABLE_HISTORY" default:"true" yaml:"enable_history"`
	ImmediateProcessing bool                 `envconfig:"IMMEDIATE_PROCESSING" default:"true" yaml:"immediate_processing"`
	CircuitBreaker      CircuitBreakerConfig `envconfig:"CIRCUIT_BREAKER" yaml:"circuit_breaker"`
	BatchSize           int                  `envconfig:"BATCH_SIZE" default:"100" yaml:"batch_size"`
	StuckTimeout        time.Duration        `envconfig:"STUCK_TIMEOUT" default:"30m" yaml:"stuck_timeout"`
	Retention           RetentionConfig      `envconfig:"RETENTION" yaml:"retention"`
	QueryTimeout        time.Duration        `envconfig:"QUERY_TIMEOUT" default:"5s" yaml:"query_timeout"`

	Log      LogConfig      `envconfig:"LOG" yaml:"log"`
	Database DatabaseConfig `envconfig:"DATABASE" yaml:"database"`
	Redis    RedisConfig    `envconfig:"REDIS" yaml:"redis"`
	Kafka    KafkaConfig    `envconfig:"KAFKA" yaml:"kafka"`
	HTTP     HTTPConfig     `envconfig:"HTTP" yaml:"http"`
}

// Default returns the built-in defaults, ignoring the environment.
func Default() Config {
	return Config{
		Enabled:      true,
		PollInterval: 5 * time.Second,
		Retry: RetryConfig{
			MaxAttempts: 3,
			Backoff:     time.Second,
			MaxBackoff:  60 * time.Second,
			Exponential: true,
			Jitter:      true,
		},
		DefaultTimeout:      30 * time.Second,
		MaxEventPayloadSize: 1048576,
		EnableHistory:       true,
		ImmediateProcessing: true,
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			Window:           60 * time.Second,
			RecoveryTimeout:  30 * time.Second,
		},
		BatchSize:    100,
		StuckTimeout: 30 * time.Minute,
		Retention: RetentionConfig{
			Completed:     24 * time.Hour,
			DeadLetter:    7 * 24 * time.Hour,
			ProcessingLog: 7 * 24 * time.Hour,
			History:       7 * 24 * time.Hour,
		},
		QueryTimeout: 5 * time.Second,
		Log:          LogConfig{Level: "info"},
		Database:     DatabaseConfig{Driver: "sqlite", DSN: "file:eventbus.db?_pragma=busy_timeout(5000)"},
		Kafka:        KafkaConfig{Topic: "eventbus-events", Codec: "json"},
		HTTP:         HTTPConfig{Addr: ":8080"},
	}
}

// Load reads EVENTBUS_* variables, after loading .env files if present.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to process env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile reads a YAML file over the defaults.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the bus cannot run with.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, v time.Duration) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	positive("poll_interval", c.PollInterval)
	positive("retry.backoff", c.Retry.Backoff)
	positive("retry.max_backoff", c.Retry.MaxBackoff)
	positive("default_timeout", c.DefaultTimeout)
	positive("circuit_breaker.window", c.CircuitBreaker.Window)
	positive("circuit_breaker.recovery_timeout", c.CircuitBreaker.RecoveryTimeout)
	positive("stuck_timeout", c.StuckTimeout)
	positive("query_timeout", c.QueryTimeout)

	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, errors.New("retry.max_attempts must not be negative"))
	}
	if c.MaxEventPayloadSize <= 0 {
		errs = append(errs, errors.New("max_event_payload_size must be positive"))
	}
	if c.CircuitBreaker.FailureThreshold <= 0 {
		errs = append(errs, errors.New("circuit_breaker.failure_threshold must be positive"))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("batch_size must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
