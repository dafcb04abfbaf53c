package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-wer/internal/protocol"
	"github.com/loqalabs/loqa-wer/internal/report"
	"github.com/loqalabs/loqa-wer/internal/wer"
)

func newScoreCmd(g *globalFlags) *cobra.Command {
	var ref, hyp string
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score one hypothesis against a reference",
		Long: `Score one hypothesis against a reference sentence.

With --verbose the alignment is printed as OP/REF/HYP lines followed by
the operation counts. With --json the alignment steps are included in
the response instead.

Examples:
  wereval score --ref "i have lost my parents" --hyp "i lost my parents"
  wereval score --ref "a b c" --hyp "a x c" -v`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if g.json {
				a, err := wer.Align(ref, hyp)
				if err != nil {
					return err
				}
				resp := protocol.ScoreResponse{Report: &a.Report}
				if g.verbose {
					resp.Steps = a.Steps
				}
				return report.WriteJSON(out, resp)
			}

			scorer := wer.NewScorer(out, g.logger(cmd))
			rep, err := scorer.Score(ref, hyp, g.verbose)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "WER %s (%d errors / %d reference words)\n", report.FormatWER(rep.WER), rep.Errors(), rep.RefWords)
			return nil
		},
	}
	cmd.Flags().StringVar(&ref, "ref", "", "Reference sentence")
	cmd.Flags().StringVar(&hyp, "hyp", "", "Hypothesis sentence")
	_ = cmd.MarkFlagRequired("ref")
	return cmd
}
