package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ahrav/quizjudge/internal/server"
	"github.com/ahrav/quizjudge/internal/worker"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the streaming grading API",
		Long: `Start the HTTP server.

Endpoints:
- POST /api/reviews        multipart "file" upload, verdicts as server-sent events
- POST /api/reviews/batch  multipart "file" upload, verdicts as one JSON array
- GET  /healthz            liveness probe`,
		Args: cobra.NoArgs,
		RunE: a.runServe,
	}

	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	_ = a.v.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func (a *app) runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	components, err := worker.Build(ctx, a.cfg, a.opts)
	if err != nil {
		return fmt.Errorf("failed to initialize grading pipeline: %w", err)
	}
	defer func() {
		if err := components.Close(); err != nil {
			a.logger.Warn("failed to release backends", "error", err)
		}
	}()

	return server.New(a.cfg.Server, components.Pipeline, a.logger).Start(ctx)
}
