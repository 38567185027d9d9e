package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/poultry-check/internal/config"
	"github.com/example/poultry-check/internal/logging"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "poultry-check",
		Short:         "Poultry disease image classification service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().Bool("log-development", false, "human readable console logs")

	root.AddCommand(newServeCommand(), newTrainCommand(), newHealthcheckCommand())
	return root
}

// flagBindings maps command line flags to configuration keys.
type flagBindings map[string]string

var rootBindings = flagBindings{
	"log-level":       "log.level",
	"log-development": "log.development",
}

// loadConfig merges defaults, POULTRY_ environment variables and every flag
// the user set explicitly.
func loadConfig(cmd *cobra.Command, bindings flagBindings) (*config.Config, error) {
	overrides := make(map[string]any)
	for _, set := range []flagBindings{rootBindings, bindings} {
		for flag, key := range set {
			f := cmd.Flags().Lookup(flag)
			if f == nil || !f.Changed {
				continue
			}
			overrides[key] = f.Value.String()
		}
	}
	return config.NewLoader().Load(overrides)
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.NewLoggerWithOptions(logging.Options{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
	})
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}
