package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/agentoven/agentoven/sandbox-plane/pkg/server"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the session janitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info().Str("version", cfg.Version).Msg("🏺 Sandbox session plane starting...")
			srv, err := server.New(ctx, cfg)
			if err != nil {
				return fmt.Errorf("initialize server: %w", err)
			}
			defer closeServer(srv)

			return srv.Run(ctx)
		},
	}
}

func newSweepCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one idle and max-duration sweep, then exit",
		Long: `Hibernates sessions idle past their agent's timeout and stops sessions
past their maximum duration. Useful from cron when the janitor is disabled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			srv, err := server.New(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("initialize server: %w", err)
			}
			defer closeServer(srv)

			stats := srv.Janitor.RunOnce(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "hibernated=%d expired=%d errors=%d\n",
				stats.Hibernated, stats.Expired, len(stats.Errors))
			if len(stats.Errors) > 0 {
				return stats.Errors[0]
			}
			return nil
		},
	}
}

type execOptions struct {
	agentID   string
	sessionID string
	input     string
	noContext bool
}

func newExecCmd(root *rootOptions) *cobra.Command {
	opts := &execOptions{}
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Execute input against an agent or an existing session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.agentID == "" && opts.sessionID == "" {
				return fmt.Errorf("one of --agent or --session is required")
			}
			cfg, err := root.load()
			if err != nil {
				return err
			}
			srv, err := server.New(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("initialize server: %w", err)
			}
			defer closeServer(srv)

			var out interface{}
			if opts.sessionID != "" {
				out, err = srv.Manager.ExecuteInSession(cmd.Context(), opts.sessionID, opts.input, !opts.noContext)
			} else {
				out, err = srv.Manager.Execute(cmd.Context(), opts.agentID, opts.input)
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&opts.agentID, "agent", "", "agent ID to execute")
	cmd.Flags().StringVar(&opts.sessionID, "session", "", "existing session ID to execute in")
	cmd.Flags().StringVar(&opts.input, "input", "", "input passed to the agent")
	cmd.Flags().BoolVar(&opts.noContext, "no-context", false, "skip conversation history for session executions")
	return cmd
}

func closeServer(srv *server.Server) {
	if err := srv.Close(context.Background()); err != nil {
		log.Warn().Err(err).Msg("Shutdown incomplete")
	}
}

