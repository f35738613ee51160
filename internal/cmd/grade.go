package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	llmerrors "github.com/ahrav/quizjudge/internal/llm/errors"
	"github.com/ahrav/quizjudge/internal/worker"
	"github.com/ahrav/quizjudge/pkg/events"
)

// Output formats for the grade command.
const (
	formatSSE  = "sse"
	formatJSON = "json"
)

func newGradeCmd(a *app) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "grade <file>",
		Short: "Grade a document and print the verdicts",
		Long: `Grade every task of a .docx or .html document.

With --format sse (the default) verdicts are printed as they are produced,
framed exactly as the HTTP stream frames them. With --format json the
verdicts are printed once, as a JSON array, after the run completes.

The command exits non-zero when the run ends with an error.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runGrade(cmd, args[0], format)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", formatSSE, "output format: sse or json")
	cmd.Flags().String("mode", "", "emission mode: sequential or concurrent (overrides pipeline.mode)")
	cmd.Flags().Int("concurrency", 0, "maximum tasks graded at once in concurrent mode, 0 for unbounded")
	_ = a.v.BindPFlag("pipeline.mode", cmd.Flags().Lookup("mode"))
	_ = a.v.BindPFlag("pipeline.max_concurrency", cmd.Flags().Lookup("concurrency"))
	return cmd
}

func (a *app) runGrade(cmd *cobra.Command, path, format string) error {
	if format != formatSSE && format != formatJSON {
		return fmt.Errorf("unknown format %q, want %s or %s", format, formatSSE, formatJSON)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open document: %w", err)
	}
	defer f.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	components, err := worker.Build(ctx, a.cfg, a.opts)
	if err != nil {
		return fmt.Errorf("failed to initialize grading pipeline: %w", err)
	}
	defer func() { _ = components.Close() }()

	out := cmd.OutOrStdout()
	if format == formatSSE {
		_, err = components.Pipeline.RunFile(ctx, filepath.Base(path), f, events.NewSSESink(out))
		return err
	}

	collector := events.NewCollector()
	_, runErr := components.Pipeline.RunFile(ctx, filepath.Base(path), f, collector)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if runErr != nil {
		if err := enc.Encode(llmerrors.Classify(runErr)); err != nil {
			return err
		}
		return runErr
	}
	return enc.Encode(collector.Payloads(events.TypeVerdict))
}
