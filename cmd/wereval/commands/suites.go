package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-wer/internal/report"
)

type suiteInfo struct {
	Name     string `json:"name"`
	Language string `json:"language"`
	Model    string `json:"model,omitempty"`
	Samples  int    `json:"samples"`
}

func newSuitesCmd(g *globalFlags) *cobra.Command {
	var corpusPath string
	cmd := &cobra.Command{
		Use:   "suites",
		Short: "List the suites of a corpus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if corpusPath == "" {
				cfg, err := g.loadConfig()
				if err != nil {
					return err
				}
				corpusPath = cfg.Evaluation.CorpusPath
			}
			c, err := loadCorpus(corpusPath)
			if err != nil {
				return err
			}

			infos := make([]suiteInfo, 0, len(c.Suites))
			rows := make([][]string, 0, len(c.Suites))
			for _, s := range c.Suites {
				infos = append(infos, suiteInfo{Name: s.Name, Language: s.Language, Model: s.Model, Samples: len(s.Samples)})
				rows = append(rows, []string{s.Name, s.Language, strconv.Itoa(len(s.Samples)), s.Model})
			}
			if g.json {
				return report.WriteJSON(cmd.OutOrStdout(), infos)
			}
			fmt.Fprintln(cmd.OutOrStdout(), report.RenderList([]string{"SUITE", "LANGUAGE", "SAMPLES", "MODEL"}, rows))
			return nil
		},
	}
	cmd.Flags().StringVar(&corpusPath, "corpus", "", "Corpus file (defaults to evaluation.corpus_path)")
	return cmd
}
