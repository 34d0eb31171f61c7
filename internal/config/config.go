// Package config loads and validates sabro configuration files. The
// on-disk format is YAML; the shape and value constraints are declared
// in a CUE schema so a bad config fails with a precise message instead
// of a zero value sneaking through.
package config

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

// schema is the CUE contract every loaded config must satisfy.
const schema = `
#Config: {
	database: {
		dsn:             string & !=""
		busy_timeout_ms: int & >=0 | *5000
		max_open_conns:  int & >=1 | *4
	}
	logging: {
		level:  "debug" | "info" | "warn" | "error" | *"info"
		format: "text" | "json" | *"text"
	}
	queue: {
		fail_pending_on_shutdown: bool | *false
	}
}
`

// Config is the root configuration.
type Config struct {
	Database Database `yaml:"database" json:"database"`
	Logging  Logging  `yaml:"logging" json:"logging"`
	Queue    Queue    `yaml:"queue" json:"queue"`
}

// Database configures the SQLite connection shared by all brokers.
type Database struct {
	DSN           string `yaml:"dsn" json:"dsn"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms" json:"busy_timeout_ms"`
	MaxOpenConns  int    `yaml:"max_open_conns" json:"max_open_conns"`
}

// Logging configures the process-wide slog handler.
type Logging struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Queue configures work queue shutdown behavior.
type Queue struct {
	FailPendingOnShutdown bool `yaml:"fail_pending_on_shutdown" json:"fail_pending_on_shutdown"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Database: Database{DSN: "file:sabro.db", BusyTimeoutMS: 5000, MaxOpenConns: 4},
		Logging:  Logging{Level: "info", Format: "text"},
	}
}

// Load reads, defaults, and validates the YAML config at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse defaults and validates raw YAML config bytes.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Database.BusyTimeoutMS == 0 {
		cfg.Database.BusyTimeoutMS = def.Database.BusyTimeoutMS
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = def.Database.MaxOpenConns
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
}

// validate unifies the config with the CUE schema and reports the
// first constraint violation.
func validate(cfg Config) error {
	ctx := cuecontext.New()
	sv := ctx.CompileString(schema)
	if err := sv.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := sv.LookupPath(cue.ParsePath("#Config"))
	unified := def.Unify(ctx.Encode(cfg))
	if err := unified.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
