// Package run contains the command to run a standalone pipeline server.
package run

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/modelring/modelring/cmd/util"
	serverconfig "github.com/modelring/modelring/internal/server/config"
	"github.com/modelring/modelring/pkg/logger"
	"github.com/modelring/modelring/pkg/model"
	"github.com/modelring/modelring/pkg/observers"
	"github.com/modelring/modelring/pkg/pipeline"
	"github.com/modelring/modelring/pkg/storage"
	"github.com/modelring/modelring/pkg/storage/memory"
	"github.com/modelring/modelring/pkg/storage/postgres"
)

func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline server",
		Long:  "Run the pipeline server.",
		Run:   run,
		Args:  cobra.NoArgs,
	}

	defaultConfig := serverconfig.DefaultConfig()
	flags := cmd.Flags()

	flags.String("datastore-engine", defaultConfig.Datastore.Engine, "the datastore engine that will be used for persistence ('memory' or 'postgres')")
	util.MustBindPFlag("datastore.engine", flags.Lookup("datastore-engine"))
	util.MustBindEnv("datastore.engine", "MODELRING_DATASTORE_ENGINE")

	flags.String("datastore-uri", defaultConfig.Datastore.URI, "the connection uri of the datastore")
	util.MustBindPFlag("datastore.uri", flags.Lookup("datastore-uri"))
	util.MustBindEnv("datastore.uri", "MODELRING_DATASTORE_URI")

	flags.String("datastore-username", "", "the connection username of the datastore (overwrites any username provided in the connection uri)")
	util.MustBindPFlag("datastore.username", flags.Lookup("datastore-username"))
	util.MustBindEnv("datastore.username", "MODELRING_DATASTORE_USERNAME")

	flags.String("datastore-password", "", "the connection password of the datastore (overwrites any password provided in the connection uri)")
	util.MustBindPFlag("datastore.password", flags.Lookup("datastore-password"))
	util.MustBindEnv("datastore.password", "MODELRING_DATASTORE_PASSWORD")

	flags.Int("datastore-max-open-conns", defaultConfig.Datastore.MaxOpenConns, "the maximum number of open connections to the datastore")
	util.MustBindPFlag("datastore.maxOpenConns", flags.Lookup("datastore-max-open-conns"))
	util.MustBindEnv("datastore.maxOpenConns", "MODELRING_DATASTORE_MAX_OPEN_CONNS")

	flags.Int("datastore-max-idle-conns", defaultConfig.Datastore.MaxIdleConns, "the maximum number of connections to the datastore in the idle connection pool")
	util.MustBindPFlag("datastore.maxIdleConns", flags.Lookup("datastore-max-idle-conns"))
	util.MustBindEnv("datastore.maxIdleConns", "MODELRING_DATASTORE_MAX_IDLE_CONNS")

	flags.Duration("datastore-conn-max-idle-time", defaultConfig.Datastore.ConnMaxIdleTime, "the maximum amount of time a connection to the datastore may be idle")
	util.MustBindPFlag("datastore.connMaxIdleTime", flags.Lookup("datastore-conn-max-idle-time"))
	util.MustBindEnv("datastore.connMaxIdleTime", "MODELRING_DATASTORE_CONN_MAX_IDLE_TIME")

	flags.Duration("datastore-conn-max-lifetime", defaultConfig.Datastore.ConnMaxLifetime, "the maximum amount of time a connection to the datastore may be reused")
	util.MustBindPFlag("datastore.connMaxLifetime", flags.Lookup("datastore-conn-max-lifetime"))
	util.MustBindEnv("datastore.connMaxLifetime", "MODELRING_DATASTORE_CONN_MAX_LIFETIME")

	flags.Bool("datastore-metrics-enabled", defaultConfig.Datastore.Metrics.Enabled, "enable/disable sql metrics for the datastore")
	util.MustBindPFlag("datastore.metrics.enabled", flags.Lookup("datastore-metrics-enabled"))
	util.MustBindEnv("datastore.metrics.enabled", "MODELRING_DATASTORE_METRICS_ENABLED")

	flags.Duration("pipeline-observer-timeout", defaultConfig.Pipeline.ObserverTimeout, "the default execution budget of one observer")
	util.MustBindPFlag("pipeline.observerTimeout", flags.Lookup("pipeline-observer-timeout"))
	util.MustBindEnv("pipeline.observerTimeout", "MODELRING_PIPELINE_OBSERVER_TIMEOUT")

	flags.Int("pipeline-max-recursion-depth", defaultConfig.Pipeline.MaxRecursionDepth, "the maximum nesting depth of observer-triggered pipeline invocations")
	util.MustBindPFlag("pipeline.maxRecursionDepth", flags.Lookup("pipeline-max-recursion-depth"))
	util.MustBindEnv("pipeline.maxRecursionDepth", "MODELRING_PIPELINE_MAX_RECURSION_DEPTH")

	flags.String("models-path", defaultConfig.Models.Path, "the YAML file holding the model definitions")
	util.MustBindPFlag("models.path", flags.Lookup("models-path"))
	util.MustBindEnv("models.path", "MODELRING_MODELS_PATH")

	flags.Duration("models-cache-ttl", defaultConfig.Models.CacheTTL, "how long a resolved model definition may be served from cache")
	util.MustBindPFlag("models.cacheTTL", flags.Lookup("models-cache-ttl"))
	util.MustBindEnv("models.cacheTTL", "MODELRING_MODELS_CACHE_TTL")

	flags.String("log-format", defaultConfig.Log.Format, "the log format to output logs in ('text' or 'json')")
	util.MustBindPFlag("log.format", flags.Lookup("log-format"))
	util.MustBindEnv("log.format", "MODELRING_LOG_FORMAT")

	flags.String("log-level", defaultConfig.Log.Level, "the log level to use ('none', 'debug', 'info', 'warn', 'error', 'fatal')")
	util.MustBindPFlag("log.level", flags.Lookup("log-level"))
	util.MustBindEnv("log.level", "MODELRING_LOG_LEVEL")

	flags.Bool("metrics-enabled", defaultConfig.Metrics.Enabled, "enable/disable prometheus metrics on the '/metrics' endpoint")
	util.MustBindPFlag("metrics.enabled", flags.Lookup("metrics-enabled"))
	util.MustBindEnv("metrics.enabled", "MODELRING_METRICS_ENABLED")

	flags.String("metrics-addr", defaultConfig.Metrics.Addr, "the host:port address to serve the prometheus metrics server on")
	util.MustBindPFlag("metrics.addr", flags.Lookup("metrics-addr"))
	util.MustBindEnv("metrics.addr", "MODELRING_METRICS_ADDR")

	flags.Bool("http-enabled", defaultConfig.HTTP.Enabled, "enable/disable the health endpoint server")
	util.MustBindPFlag("http.enabled", flags.Lookup("http-enabled"))
	util.MustBindEnv("http.enabled", "MODELRING_HTTP_ENABLED")

	flags.String("http-addr", defaultConfig.HTTP.Addr, "the host:port address to serve the health endpoint server on")
	util.MustBindPFlag("http.addr", flags.Lookup("http-addr"))
	util.MustBindEnv("http.addr", "MODELRING_HTTP_ADDR")

	return cmd
}

// ReadConfig returns the server configuration based on the values provided
// in the server's 'config.yaml' file. The 'config.yaml' file is loaded
// from '/etc/modelring', '$HOME/.modelring', or the current working
// directory. If no configuration file is present, the default values are
// returned.
func ReadConfig() (*serverconfig.Config, error) {
	config := serverconfig.DefaultConfig()

	viper.SetTypeByDefaultValue(true)
	err := viper.ReadInConfig()
	if err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("failed to load server config: %w", err)
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal server config: %w", err)
	}

	return config, nil
}

func run(_ *cobra.Command, _ []string) {
	config, err := ReadConfig()
	if err != nil {
		panic(err)
	}

	if err := config.Verify(); err != nil {
		panic(err)
	}

	logger := logger.MustNewLogger(config.Log.Format, config.Log.Level)
	serverCtx := &ServerContext{Logger: logger}
	if err := serverCtx.Run(context.Background(), config); err != nil {
		panic(err)
	}
}

// ServerContext holds the dependencies shared by the server's components.
// Runner is populated by Run and is the entrypoint for embedding
// applications that drive operations programmatically.
type ServerContext struct {
	Logger logger.Logger
	Runner *pipeline.Runner
}

func buildDatastore(config *serverconfig.Config, log logger.Logger) (storage.RecordStore, error) {
	switch config.Datastore.Engine {
	case "memory":
		return memory.New(), nil
	case "postgres":
		opts := []postgres.DatastoreOption{
			postgres.WithUsername(config.Datastore.Username),
			postgres.WithPassword(config.Datastore.Password),
			postgres.WithLogger(log),
			postgres.WithMaxOpenConns(config.Datastore.MaxOpenConns),
			postgres.WithMaxIdleConns(config.Datastore.MaxIdleConns),
			postgres.WithConnMaxIdleTime(config.Datastore.ConnMaxIdleTime),
			postgres.WithConnMaxLifetime(config.Datastore.ConnMaxLifetime),
		}
		if config.Datastore.Metrics.Enabled {
			opts = append(opts, postgres.WithMetrics())
		}
		return postgres.New(config.Datastore.URI, postgres.NewConfig(opts...))
	default:
		return nil, fmt.Errorf("storage engine '%s' is unsupported", config.Datastore.Engine)
	}
}

// Run starts the engine and the auxiliary HTTP servers, then blocks until
// the context is cancelled or a termination signal arrives.
func (s *ServerContext) Run(ctx context.Context, config *serverconfig.Config) error {
	log := s.Logger

	store, err := buildDatastore(config, log)
	if err != nil {
		return fmt.Errorf("initialize datastore: %w", err)
	}
	defer store.Close()

	fileProvider, err := model.NewFileProvider(config.Models.Path)
	if err != nil {
		return fmt.Errorf("load model definitions: %w", err)
	}
	models, err := model.NewCachedProvider(fileProvider, config.Models.CacheTTL)
	if err != nil {
		return fmt.Errorf("initialize model cache: %w", err)
	}

	registry := pipeline.NewRegistry()
	observers.RegisterBuiltins(registry, store, log)

	s.Runner = pipeline.NewRunner(models, store, registry,
		pipeline.WithLogger(log),
		pipeline.WithObserverTimeout(config.Pipeline.ObserverTimeout),
		pipeline.WithMaxRecursionDepth(config.Pipeline.MaxRecursionDepth),
	)

	log.Info("starting modelring service",
		zap.String("datastore", config.Datastore.Engine),
		zap.String("models", config.Models.Path),
	)

	var httpServer *http.Server
	if config.HTTP.Enabled {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		httpServer = &http.Server{Addr: config.HTTP.Addr, Handler: mux}

		go func() {
			log.Info(fmt.Sprintf("health endpoint serving on %s", config.HTTP.Addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal("failed to start health endpoint server", zap.Error(err))
			}
		}()
	}

	var metricsServer *http.Server
	if config.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: config.Metrics.Addr, Handler: mux}

		go func() {
			log.Info(fmt.Sprintf("metrics server serving on %s", config.Metrics.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal("failed to start metrics server", zap.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("attempting to shutdown gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to shutdown the health endpoint server", zap.Error(err))
		}
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to shutdown the metrics server", zap.Error(err))
		}
	}

	log.Info("server exited. goodbye 👋")
	return nil
}
