// Package config contains all knobs and defaults used to configure the
// pipeline engine when running as a standalone server.
package config

import (
	"fmt"
	"time"
)

const (
	DefaultObserverTimeout   = 5 * time.Second
	DefaultMaxRecursionDepth = 10

	DefaultDatastoreMaxOpenConns = 30
	DefaultDatastoreMaxIdleConns = 10

	DefaultModelCacheTTL = time.Minute
)

// DatastoreMetricsConfig enables export of the datastore metrics.
type DatastoreMetricsConfig struct {
	Enabled bool
}

// DatastoreConfig defines the settings of the record datastore.
type DatastoreConfig struct {
	// Engine is the datastore engine to use ('memory' or 'postgres').
	Engine   string
	URI      string
	Username string
	Password string

	// MaxOpenConns is the maximum number of open connections to the database.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of connections in the idle
	// connection pool.
	MaxIdleConns int

	// ConnMaxIdleTime is the maximum amount of time a connection may be idle.
	ConnMaxIdleTime time.Duration

	// ConnMaxLifetime is the maximum amount of time a connection may be reused.
	ConnMaxLifetime time.Duration

	Metrics DatastoreMetricsConfig
}

// PipelineConfig defines the settings of the observer engine.
type PipelineConfig struct {
	// ObserverTimeout is the default execution budget of one observer.
	ObserverTimeout time.Duration

	// MaxRecursionDepth bounds how many pipeline invocations may nest
	// through observer side effects.
	MaxRecursionDepth int
}

// ModelsConfig defines where model definitions are loaded from.
type ModelsConfig struct {
	// Path is the YAML file holding the model definitions.
	Path string

	// CacheTTL is how long a resolved model may be served from cache.
	CacheTTL time.Duration
}

// LogConfig defines the settings of the logger.
type LogConfig struct {
	// Format is the log output format ('text' or 'json').
	Format string

	// Level is the minimum emitted log level ('none', 'debug', 'info',
	// 'warn', 'error', 'fatal').
	Level string
}

// MetricConfig defines the settings of the metrics endpoint.
type MetricConfig struct {
	Enabled bool
	Addr    string
}

// HTTPConfig defines the settings of the health endpoint.
type HTTPConfig struct {
	Enabled bool
	Addr    string
}

// Config is the standalone server configuration.
type Config struct {
	Datastore DatastoreConfig
	Pipeline  PipelineConfig
	Models    ModelsConfig
	Log       LogConfig
	Metrics   MetricConfig
	HTTP      HTTPConfig
}

func (cfg *Config) Verify() error {
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return fmt.Errorf("config 'log.format' must be one of ['text', 'json']")
	}

	if cfg.Log.Level != "none" &&
		cfg.Log.Level != "debug" &&
		cfg.Log.Level != "info" &&
		cfg.Log.Level != "warn" &&
		cfg.Log.Level != "error" &&
		cfg.Log.Level != "fatal" {
		return fmt.Errorf("config 'log.level' must be one of ['none', 'debug', 'info', 'warn', 'error', 'fatal']")
	}

	switch cfg.Datastore.Engine {
	case "memory":
	case "postgres":
		if cfg.Datastore.URI == "" {
			return fmt.Errorf("config 'datastore.uri' must be set when 'datastore.engine' is 'postgres'")
		}
	default:
		return fmt.Errorf("config 'datastore.engine' must be one of ['memory', 'postgres']")
	}

	if cfg.Pipeline.ObserverTimeout <= 0 {
		return fmt.Errorf("config 'pipeline.observerTimeout' must be a positive duration")
	}
	if cfg.Pipeline.MaxRecursionDepth <= 0 {
		return fmt.Errorf("config 'pipeline.maxRecursionDepth' must be a positive integer")
	}

	if cfg.Models.Path == "" {
		return fmt.Errorf("config 'models.path' must be set")
	}

	return nil
}

// DefaultConfig is the standalone server default configuration.
func DefaultConfig() *Config {
	return &Config{
		Datastore: DatastoreConfig{
			Engine:       "memory",
			MaxOpenConns: DefaultDatastoreMaxOpenConns,
			MaxIdleConns: DefaultDatastoreMaxIdleConns,
		},
		Pipeline: PipelineConfig{
			ObserverTimeout:   DefaultObserverTimeout,
			MaxRecursionDepth: DefaultMaxRecursionDepth,
		},
		Models: ModelsConfig{
			Path:     "models.yaml",
			CacheTTL: DefaultModelCacheTTL,
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
		Metrics: MetricConfig{
			Enabled: true,
			Addr:    "0.0.0.0:2112",
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Addr:    "0.0.0.0:8080",
		},
	}
}
