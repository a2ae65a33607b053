// Command server runs the loop library API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"loop-library/internal/config"
)

const programName = "loop-library"

var globalFlags = struct {
	configFile string
	addr       string
	mode       string
	logLevel   string
}{}

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           programName,
		Short:         "Loop submission and moderation API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveRun(cmd)
		},
	}

	root.PersistentFlags().StringVar(&globalFlags.configFile, "config", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&globalFlags.addr, "addr", "", "HTTP listen address (overrides config)")
	root.PersistentFlags().StringVar(&globalFlags.mode, "mode", "", "runtime mode: development or production")
	root.PersistentFlags().StringVar(&globalFlags.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(serveCommand())
	root.AddCommand(migrateCommand())
	root.AddCommand(adminHashCommand())
	return root
}

// loadConfig layers the command-line overrides over config.Load.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(globalFlags.configFile)
	if err != nil {
		return config.Config{}, err
	}
	applyFlagOverrides(&cfg, globalFlags.addr, globalFlags.mode, globalFlags.logLevel)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyFlagOverrides(cfg *config.Config, addr, mode, logLevel string) {
	if addr != "" {
		cfg.Addr = addr
	}
	if mode != "" {
		cfg.Mode = mode
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
}
