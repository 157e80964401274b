package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"realtime-service/internal/backoff"
	"realtime-service/listener"
)

// Signal source kinds accepted in SIGNAL_SOURCE.
const (
	SourceRedis    = "redis"
	SourceNATS     = "nats"
	SourcePostgres = "postgres"
	SourceBinlog   = "binlog"
	SourceQueue    = "queue"
	SourceWebhook  = "webhook"
)

type Config struct {
	Port      int    `yaml:"port" env:"REALTIME_SERVICE_PORT"`
	Debug     bool   `yaml:"debug" env:"DEBUG"`
	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"` // text, json
	LogFile   string `yaml:"log_file" env:"LOG_FILE"`
	LogMaxAge int    `yaml:"log_max_age" env:"LOG_MAX_AGE"` // days

	SignalSource    string         `yaml:"signal_source" env:"SIGNAL_SOURCE"`
	KeepAlive       time.Duration  `yaml:"keep_alive" env:"KEEP_ALIVE_INTERVAL"`
	ListenerBackoff backoff.Config `yaml:"listener_backoff" envPrefix:"LISTENER_BACKOFF_"`

	RedisConnectionString string `yaml:"redis_connection_string" env:"REDIS_CONNECTION_STRING"`

	NATS     NATSConfig            `yaml:"nats" envPrefix:"NATS_"`
	Postgres PostgresConfig        `yaml:"postgres" envPrefix:"POSTGRES_"`
	Binlog   listener.BinlogConfig `yaml:"binlog" envPrefix:"BINLOG_"`
	Queue    QueueConfig           `yaml:"queue"`
	Webhook  WebhookConfig         `yaml:"webhook" envPrefix:"WEBHOOK_"`

	OutboxSize int             `yaml:"outbox_size" env:"OUTBOX_SIZE"`
	Admission  AdmissionConfig `yaml:"admission" envPrefix:"ADMISSION_"`
	Auth       AuthConfig      `yaml:"auth"`
}

type NATSConfig struct {
	URL           string `yaml:"url" env:"URL"`
	SubjectPrefix string `yaml:"subject_prefix" env:"SUBJECT_PREFIX"`
	Buffer        int    `yaml:"buffer" env:"BUFFER"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn" env:"DSN"`
}

// QueueConfig keeps the variable names used by the storage queue consumers.
type QueueConfig struct {
	ConnectionString string `yaml:"connection_string" env:"STORAGE_CONNECTION_STRING"`
	Name             string `yaml:"name" env:"SIGNAL_QUEUE"`
}

type WebhookConfig struct {
	Token   string `yaml:"token" env:"TOKEN"`
	Backlog int    `yaml:"backlog" env:"BACKLOG"`
}

// AdmissionConfig limits how fast new streaming sessions are accepted.
type AdmissionConfig struct {
	Rate  float64 `yaml:"rate" env:"RATE"`
	Burst int     `yaml:"burst" env:"BURST"`
}

type AuthConfig struct {
	Domain   string `yaml:"domain" env:"AUTH0_DOMAIN"`
	Audience string `yaml:"audience" env:"AUTH0_AUDIENCE"`
	TestMode bool   `yaml:"test_mode" env:"AUTH0_TEST_MODE"`
	// Secret signs HS256 tokens in test mode.
	Secret string `yaml:"secret" env:"AUTH_SECRET"`
}

// Default returns the configuration used when neither a file nor the
// environment overrides a value.
func Default() Config {
	return Config{
		Port:            9000,
		LogLevel:        "info",
		LogFormat:       "text",
		LogMaxAge:       7,
		SignalSource:    SourceRedis,
		KeepAlive:       15 * time.Second,
		ListenerBackoff: backoff.Default,
		NATS:            NATSConfig{URL: "nats://127.0.0.1:4222", Buffer: 1024},
		Binlog:          listener.BinlogConfig{Host: "127.0.0.1", Port: 3306, ServerID: 1001, Flavor: "mysql"},
		Webhook:         WebhookConfig{Backlog: 1024},
		OutboxSize:      256,
		Admission:       AdmissionConfig{Rate: 50, Burst: 100},
	}
}

// Load reads an optional .env file, then the YAML file at path (skipped when
// path is empty), then applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	if c.KeepAlive <= 0 {
		errs = append(errs, errors.New("keep-alive interval must be greater than zero"))
	}
	if c.OutboxSize <= 0 {
		errs = append(errs, errors.New("outbox size must be greater than zero"))
	}
	if c.Admission.Rate <= 0 || c.Admission.Burst <= 0 {
		errs = append(errs, errors.New("admission rate and burst must be greater than zero"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid log format %q", c.LogFormat))
	}

	c.SignalSource = strings.ToLower(c.SignalSource)
	switch c.SignalSource {
	case SourceRedis:
		if c.RedisConnectionString == "" {
			errs = append(errs, errors.New("missing redis config"))
		}
	case SourceNATS:
		if c.NATS.URL == "" {
			errs = append(errs, errors.New("missing NATS url"))
		}
	case SourcePostgres:
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("missing postgres dsn"))
		}
	case SourceBinlog:
		if c.Binlog.User == "" {
			errs = append(errs, errors.New("missing binlog user"))
		}
	case SourceQueue:
		if c.Queue.ConnectionString == "" || c.Queue.Name == "" {
			errs = append(errs, errors.New("missing storage queue config"))
		}
	case SourceWebhook:
		if c.Webhook.Token == "" {
			errs = append(errs, errors.New("missing webhook token"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown signal source %q", c.SignalSource))
	}

	if c.Auth.TestMode {
		if c.Auth.Secret == "" {
			errs = append(errs, errors.New("test mode requires AUTH_SECRET"))
		}
	} else if c.Auth.Domain == "" || c.Auth.Audience == "" {
		errs = append(errs, errors.New("missing Auth0 config"))
	}
	return errors.Join(errs...)
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// JWKSURL is the key set endpoint of the configured Auth0 tenant.
func (c *Config) JWKSURL() string {
	return fmt.Sprintf("https://%s/.well-known/jwks.json", c.Auth.Domain)
}

func (c *Config) Issuer() string {
	return "https://" + c.Auth.Domain + "/"
}
