package commands

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-wer/internal/config"
)

type globalFlags struct {
	configPath string
	logLevel   string
	json       bool
	verbose    bool
}

// Execute runs the CLI with the process arguments.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "wereval",
		Short: "Word error rate scoring and recognizer evaluation",
		Long: `Score speech recognition output against reference sentences.

Scoring aligns the whitespace-separated words of a hypothesis with the
reference using unit-cost edit distance and reports
WER = (substitutions + deletions + insertions) / reference words.

Examples:
  wereval score --ref "where is the check in desk" --hyp "where is check desk"
  wereval run --corpus corpus/airport.yaml --suite english
  wereval history --run 0b6f...`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&g.configPath, "config", "c", "", "Path to configuration file (defaults when empty)")
	flags.StringVar(&g.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	flags.BoolVar(&g.json, "json", false, "Write JSON instead of tables")
	flags.BoolVarP(&g.verbose, "verbose", "v", false, "Print the word alignment of every scored pair")

	root.AddCommand(
		newScoreCmd(g),
		newRunCmd(g),
		newSuitesCmd(g),
		newHistoryCmd(g),
	)
	return root
}

func (g *globalFlags) loadConfig() (config.Config, error) {
	return config.Load(g.configPath)
}

func (g *globalFlags) logger(cmd *cobra.Command) *slog.Logger {
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: config.ParseLogLevel(g.logLevel)}))
}
