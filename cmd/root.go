// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/modelring/modelring/internal/build"
)

// NewRootCommand enables all children commands to read flags from CLI
// flags, environment variables prefixed with MODELRING, or config.yaml
// (in that order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("MODELRING")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/modelring", "$HOME/.modelring", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	return &cobra.Command{
		Use:     "modelring",
		Short:   "A ring-based observer pipeline engine for dynamically modeled records",
		Long:    `A ring-based observer pipeline engine for dynamically modeled records. Every create, update, delete, select, access and revert request walks a fixed ring of stages, each running its registered observers around the storage operation, with declarative condition trees compiled to PostgreSQL predicates.`,
		Version: build.Version,
	}
}
