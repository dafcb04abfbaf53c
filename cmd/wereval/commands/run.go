package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-wer/internal/bus"
	"github.com/loqalabs/loqa-wer/internal/config"
	"github.com/loqalabs/loqa-wer/internal/corpus"
	"github.com/loqalabs/loqa-wer/internal/evaluation"
	"github.com/loqalabs/loqa-wer/internal/eventstore"
	"github.com/loqalabs/loqa-wer/internal/report"
	"github.com/loqalabs/loqa-wer/internal/stt"
	"github.com/loqalabs/loqa-wer/internal/wer"
)

type runFlags struct {
	corpusPath  string
	suites      []string
	mode        string
	command     string
	concurrency int
	store       bool
	publish     bool
}

func newRunCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Transcribe and score corpus suites",
		Long: `Transcribe every sample of the selected suites and score the
transcripts against their reference sentences.

The recognizer is taken from the stt section of the configuration. A
suite's model, scorer and language override the configured ones. Without
--suite every suite of the corpus is evaluated.

Examples:
  wereval run --corpus corpus/airport.yaml --suite english
  wereval run --suite italian --mode exec --command "vosk-transcribe --json"
  wereval run --store --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			f.apply(cmd, &cfg)
			return runSuites(cmd.Context(), cmd, g, f, cfg)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.corpusPath, "corpus", "", "Corpus file (defaults to evaluation.corpus_path)")
	flags.StringSliceVar(&f.suites, "suite", nil, "Suites to evaluate (repeatable, defaults to all)")
	flags.StringVar(&f.mode, "mode", "", "Recognizer mode override (mock, exec)")
	flags.StringVar(&f.command, "command", "", "Recognizer command for exec mode")
	flags.IntVar(&f.concurrency, "concurrency", 0, "Samples transcribed in parallel (defaults to evaluation.concurrency)")
	flags.BoolVar(&f.store, "store", false, "Record results in the event store")
	flags.BoolVar(&f.publish, "publish", false, "Publish results on the bus")
	return cmd
}

func (f *runFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	if f.corpusPath != "" {
		cfg.Evaluation.CorpusPath = f.corpusPath
	}
	if f.mode != "" {
		cfg.STT.Mode = f.mode
	}
	if f.command != "" {
		cfg.STT.Command = f.command
	}
	if cmd.Flags().Changed("concurrency") {
		cfg.Evaluation.Concurrency = f.concurrency
	}
	if f.publish {
		cfg.Evaluation.PublishResults = true
	}
}

func runSuites(ctx context.Context, cmd *cobra.Command, g *globalFlags, f *runFlags, cfg config.Config) error {
	logger := g.logger(cmd)
	out := cmd.OutOrStdout()

	c, err := loadCorpus(cfg.Evaluation.CorpusPath)
	if err != nil {
		return err
	}
	suites, err := selectSuites(c, f.suites)
	if err != nil {
		return err
	}

	var store evaluation.ResultStore
	if f.store {
		s, err := eventstore.Open(ctx, cfg.EventStore, logger)
		if err != nil {
			return fmt.Errorf("open event store: %w", err)
		}
		defer s.Close()
		store = s
	}

	var publisher evaluation.Publisher
	if cfg.Evaluation.PublishResults {
		client, err := bus.Connect(ctx, cfg.Bus, logger)
		if err != nil {
			return err
		}
		defer client.Close()
		publisher = client
	}

	// JSON output owns stdout, so verbose traces move to stderr.
	var trace io.Writer = out
	if g.json {
		trace = cmd.ErrOrStderr()
	}
	scorer := wer.NewScorer(trace, logger)

	var summaries []report.Summary
	for _, suite := range suites {
		recognizer, err := stt.New(evaluation.RecognizerConfig(cfg.STT, suite))
		if err != nil {
			return fmt.Errorf("suite %s: %w", suite.Name, err)
		}
		runner := evaluation.NewRunner(recognizer, scorer, store, publisher, logger, evaluation.Options{
			Engine:      engineName(cfg.STT),
			Concurrency: cfg.Evaluation.Concurrency,
			Timeout:     time.Duration(cfg.Evaluation.TimeoutMS) * time.Millisecond,
			Verbose:     g.verbose,
		})
		run, err := runner.RunSuite(ctx, suite)
		if err != nil {
			return fmt.Errorf("suite %s: %w", suite.Name, err)
		}
		sum := summarize(run)
		if g.json {
			summaries = append(summaries, sum)
			continue
		}
		title := fmt.Sprintf("%s (%s)", suite.Name, suite.Language)
		fmt.Fprintln(out, report.RenderTable(title, sum.Rows, sum.Total))
		logger.Debug("suite done", slog.String("run_id", run.ID))
	}
	if g.json {
		return report.WriteJSON(out, summaries)
	}
	return nil
}

func loadCorpus(path string) (corpus.Corpus, error) {
	c, err := corpus.Load(path)
	if err != nil {
		return corpus.Corpus{}, err
	}
	if err := corpus.Validate(c); err != nil {
		return corpus.Corpus{}, fmt.Errorf("invalid corpus %s: %w", path, err)
	}
	return c, nil
}

func selectSuites(c corpus.Corpus, names []string) ([]corpus.Suite, error) {
	if len(names) == 0 {
		return c.Suites, nil
	}
	suites := make([]corpus.Suite, 0, len(names))
	for _, name := range names {
		s, ok := c.Suite(name)
		if !ok {
			return nil, fmt.Errorf("unknown suite %q (have %v)", name, c.Names())
		}
		suites = append(suites, s)
	}
	return suites, nil
}

func summarize(run evaluation.Run) report.Summary {
	sum := report.Summary{
		RunID:   run.ID,
		Suite:   run.Suite,
		Rows:    make([]report.Row, 0, len(run.Results)),
		Total:   run.Total,
		Failed:  run.Failed,
		Skipped: run.Skipped,
	}
	for _, res := range run.Results {
		row := report.Row{
			SampleID:   res.Sample.ID,
			Reference:  res.Sample.Reference,
			Hypothesis: res.Hypothesis,
			Report:     res.Report,
		}
		if res.Err != nil {
			row.Err = res.Err.Error()
			row.Skipped = res.Skipped()
		}
		sum.Rows = append(sum.Rows, row)
	}
	return sum
}

func engineName(cfg config.STTConfig) string {
	if cfg.Mode == "" {
		return "mock"
	}
	return cfg.Mode
}
