package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigVerifies(t *testing.T) {
	require.NoError(t, DefaultConfig().Verify())
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:    "bad log format",
			mutate:  func(cfg *Config) { cfg.Log.Format = "xml" },
			wantErr: "log.format",
		},
		{
			name:    "bad log level",
			mutate:  func(cfg *Config) { cfg.Log.Level = "verbose" },
			wantErr: "log.level",
		},
		{
			name:    "unknown datastore engine",
			mutate:  func(cfg *Config) { cfg.Datastore.Engine = "oracle" },
			wantErr: "datastore.engine",
		},
		{
			name:    "postgres without uri",
			mutate:  func(cfg *Config) { cfg.Datastore.Engine = "postgres" },
			wantErr: "datastore.uri",
		},
		{
			name:    "non-positive observer timeout",
			mutate:  func(cfg *Config) { cfg.Pipeline.ObserverTimeout = 0 },
			wantErr: "observerTimeout",
		},
		{
			name:    "non-positive recursion depth",
			mutate:  func(cfg *Config) { cfg.Pipeline.MaxRecursionDepth = -1 },
			wantErr: "maxRecursionDepth",
		},
		{
			name:    "missing models path",
			mutate:  func(cfg *Config) { cfg.Models.Path = "" },
			wantErr: "models.path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			require.ErrorContains(t, cfg.Verify(), tt.wantErr)
		})
	}
}

func TestVerifyPostgresWithURI(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Datastore.Engine = "postgres"
	cfg.Datastore.URI = "postgres://localhost:5432/records"
	cfg.Datastore.ConnMaxLifetime = time.Hour
	require.NoError(t, cfg.Verify())
}
