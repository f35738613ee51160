// Package cmd implements the quizjudge command line.
package cmd

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ahrav/quizjudge/internal/llm/configuration"
	"github.com/ahrav/quizjudge/internal/worker"
)

// app holds state shared by subcommands. A fresh viper instance per app
// keeps commands independent of global state.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *configuration.Config
	logger  *slog.Logger

	// opts is injected by tests to stub the backends.
	opts worker.Options
	// logOut receives process logs; stdout stays reserved for results.
	logOut io.Writer
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&app{v: viper.New(), logOut: os.Stderr})
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "quizjudge",
		Short: "Grade multiple-choice test documents with LLM backends",
		Long: `quizjudge extracts the tasks of an uploaded test document and asks an
LLM backend whether each task has exactly one correct answer. Verdicts are
streamed in task order, over HTTP as server-sent events or to stdout.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.loadConfig,
	}

	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./quizjudge.yaml or $HOME/.config/quizjudge/quizjudge.yaml)")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error")
	_ = a.v.BindPFlag("observability.log_level", root.PersistentFlags().Lookup("log-level"))

	root.AddCommand(newServeCmd(a), newGradeCmd(a), newConfigCmd(a))
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

func (a *app) loadConfig(*cobra.Command, []string) error {
	cfg, err := configuration.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = worker.NewLogger(cfg.Observability, a.logOut)
	slog.SetDefault(a.logger)

	if a.opts.Logger == nil {
		a.opts.Logger = a.logger
	}
	return nil
}
