package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-wer/internal/eventstore"
	"github.com/loqalabs/loqa-wer/internal/report"
	"github.com/loqalabs/loqa-wer/internal/wer"
)

func newHistoryCmd(g *globalFlags) *cobra.Command {
	var (
		runID       string
		limit       int
		resultLimit int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show stored evaluation runs",
		Long: `Show evaluation runs recorded with 'wereval run --store'.

Without --run the most recent runs are listed. With --run the scored
samples of that run are shown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if cfg.EventStore.RetentionMode == "ephemeral" {
				return errors.New("event store is ephemeral, nothing is recorded")
			}
			ctx := cmd.Context()
			store, err := eventstore.Open(ctx, cfg.EventStore, g.logger(cmd))
			if err != nil {
				return fmt.Errorf("open event store: %w", err)
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if runID == "" {
				runs, err := store.ListRuns(ctx, limit)
				if err != nil {
					return err
				}
				if g.json {
					return report.WriteJSON(out, runs)
				}
				rows := make([][]string, 0, len(runs))
				for _, r := range runs {
					rows = append(rows, []string{r.ID, r.Suite, r.Language, r.Engine, r.CreatedAt.Local().Format(time.DateTime)})
				}
				fmt.Fprintln(out, report.RenderList([]string{"RUN", "SUITE", "LANGUAGE", "ENGINE", "CREATED"}, rows))
				return nil
			}

			results, err := store.ListRunResults(ctx, runID, resultLimit)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				return fmt.Errorf("run %q not found", runID)
			}
			if resultLimit > 0 && len(results) == resultLimit {
				g.logger(cmd).Warn("results truncated, total covers the shown samples only", slog.Int("results", resultLimit))
			}
			sum := report.Summary{RunID: runID, Rows: make([]report.Row, 0, len(results))}
			var reports []wer.Report
			for _, res := range results {
				sum.Rows = append(sum.Rows, report.Row{
					SampleID:   res.SampleID,
					Reference:  res.Reference,
					Hypothesis: res.Hypothesis,
					Report:     res.Report,
					Err:        res.Err,
					Skipped:    res.Skipped,
				})
				switch {
				case res.Skipped:
					sum.Skipped++
				case res.Err != "":
					sum.Failed++
				default:
					reports = append(reports, res.Report)
				}
			}
			sum.Total = wer.Merge(reports...)
			if g.json {
				return report.WriteJSON(out, sum)
			}
			fmt.Fprintln(out, report.RenderTable(runID, sum.Rows, sum.Total))
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "Run ID to show results for")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to list")
	cmd.Flags().IntVar(&resultLimit, "results", -1, "Maximum number of samples shown with --run (negative shows all)")
	return cmd
}
