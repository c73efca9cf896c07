// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store backends.
const (
	BackendDynamoDB = "dynamodb"
	BackendSQLite   = "sqlite"
)

// Config is read once in main and passed down explicitly.
type Config struct {
	StoreBackend string `env:"STORE_BACKEND" envDefault:"dynamodb"`
	StateTable   string `env:"STATE_TABLE"`
	SQLitePath   string `env:"SQLITE_PATH"`
	ParamPrefix  string `env:"PARAM_PREFIX,required"`

	ContextWindow    int `env:"CONTEXT_WINDOW" envDefault:"10"`
	DefaultMaxHints  int `env:"DEFAULT_MAX_HINTS" envDefault:"3"`
	MaxMessageLength int `env:"MAX_MESSAGE_LENGTH" envDefault:"2000"`

	StreamChunkSize   int           `env:"STREAM_CHUNK_SIZE" envDefault:"16"`
	StreamBuffer      int           `env:"STREAM_BUFFER" envDefault:"8"`
	StreamChunkDelay  time.Duration `env:"STREAM_CHUNK_DELAY" envDefault:"0s"`
	GenerationTimeout time.Duration `env:"GENERATION_TIMEOUT" envDefault:"30s"`

	CostPer1KTokens float64 `env:"COST_PER_1K_TOKENS" envDefault:"0.0006"`

	OTelEndpoint string `env:"OTEL_ENDPOINT"`
	ServiceName  string `env:"SERVICE_NAME" envDefault:"facilitator-agent"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints the tags cannot express.
func (c Config) Validate() error {
	var errs []error
	switch c.StoreBackend {
	case BackendDynamoDB:
		if strings.TrimSpace(c.StateTable) == "" {
			errs = append(errs, errors.New("STATE_TABLE is required for the dynamodb backend"))
		}
	case BackendSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND %q is not supported", c.StoreBackend))
	}
	if strings.TrimSpace(c.ParamPrefix) == "" {
		errs = append(errs, errors.New("PARAM_PREFIX is required"))
	}
	if c.ContextWindow <= 0 {
		errs = append(errs, errors.New("CONTEXT_WINDOW must be positive"))
	}
	if c.DefaultMaxHints <= 0 {
		errs = append(errs, errors.New("DEFAULT_MAX_HINTS must be positive"))
	}
	if c.MaxMessageLength <= 0 {
		errs = append(errs, errors.New("MAX_MESSAGE_LENGTH must be positive"))
	}
	if c.StreamChunkSize <= 0 || c.StreamBuffer <= 0 {
		errs = append(errs, errors.New("STREAM_CHUNK_SIZE and STREAM_BUFFER must be positive"))
	}
	if c.StreamChunkDelay < 0 {
		errs = append(errs, errors.New("STREAM_CHUNK_DELAY must not be negative"))
	}
	if c.GenerationTimeout <= 0 {
		errs = append(errs, errors.New("GENERATION_TIMEOUT must be positive"))
	}
	if c.CostPer1KTokens < 0 {
		errs = append(errs, errors.New("COST_PER_1K_TOKENS must not be negative"))
	}
	return errors.Join(errs...)
}
