// sandboxd runs the persistent sandbox session plane.
//
// It provides:
//   - Agent registry backed by the configured store
//   - Session lifecycle (create, execute, hibernate, resume, stop)
//   - Idle and max-duration sweeps
//   - Offline mock executor when no sandbox API key is configured
package main

import (
	"context"
	"os"
	"time"

	"github.com/agentoven/agentoven/sandbox-plane/internal/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "sandboxd",
		Short:        "Persistent sandbox session manager for agents",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file (environment overrides apply on top)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newSweepCmd(opts))
	cmd.AddCommand(newExecCmd(opts))
	return cmd
}

// load reads the config and applies the log level.
func (o *rootOptions) load() (*config.Config, error) {
	cfg := config.Load()
	if o.configPath != "" {
		var err error
		if cfg, err = config.LoadFile(o.configPath); err != nil {
			return nil, err
		}
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	return cfg, nil
}
