package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/loqalabs/loqa-wer/internal/wer"
)

// Row is one scored sample.
type Row struct {
	SampleID   string     `json:"sample_id"`
	Reference  string     `json:"reference"`
	Hypothesis string     `json:"hypothesis"`
	Report     wer.Report `json:"report"`
	Err        string     `json:"error,omitempty"`
	Skipped    bool       `json:"skipped,omitempty"`
}

// Summary is the machine-readable form of a suite run.
type Summary struct {
	RunID   string     `json:"run_id,omitempty"`
	Suite   string     `json:"suite,omitempty"`
	Rows    []Row      `json:"results"`
	Total   wer.Report `json:"total"`
	Failed  int        `json:"failed"`
	Skipped int        `json:"skipped"`
}

var (
	accent    = lipgloss.Color("#00ff9f")
	dim       = lipgloss.Color("#6e7681")
	warn      = lipgloss.Color("#ff5f87")
	headStyle = lipgloss.NewStyle().Bold(true).Foreground(accent).Padding(0, 1)
	cellStyle = lipgloss.NewStyle().Padding(0, 1)
	failStyle = cellStyle.Foreground(warn)
	skipStyle = cellStyle.Foreground(dim)
	footStyle = lipgloss.NewStyle().Bold(true).Foreground(accent)
	dimStyle  = lipgloss.NewStyle().Foreground(dim)
)

// RenderTable renders rows and their aggregate as a terminal table.
func RenderTable(title string, rows []Row, total wer.Report) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("SAMPLE", "WER", "COR", "SUB", "DEL", "INS", "HYPOTHESIS")

	failed := make(map[int]bool)
	skipped := make(map[int]bool)
	for i, r := range rows {
		switch {
		case r.Skipped:
			skipped[i] = true
			t.Row(r.SampleID, "-", "-", "-", "-", "-", "skipped: "+r.Err)
			continue
		case r.Err != "":
			failed[i] = true
			t.Row(r.SampleID, "-", "-", "-", "-", "-", "error: "+r.Err)
			continue
		}
		rep := r.Report
		t.Row(r.SampleID, FormatWER(rep.WER),
			strconv.Itoa(rep.Correct), strconv.Itoa(rep.Substitutions),
			strconv.Itoa(rep.Deletions), strconv.Itoa(rep.Insertions),
			r.Hypothesis)
	}
	t.StyleFunc(func(row, col int) lipgloss.Style {
		switch {
		case row == table.HeaderRow:
			return headStyle
		case failed[row]:
			return failStyle
		case skipped[row]:
			return skipStyle
		default:
			return cellStyle
		}
	})

	footer := footStyle.Render(fmt.Sprintf("total WER %s", FormatWER(total.WER))) +
		dimStyle.Render(fmt.Sprintf("  (%d errors / %d reference words, %d failed, %d skipped)", total.Errors(), total.RefWords, len(failed), len(skipped)))
	parts := []string{t.String(), footer}
	if title != "" {
		parts = append([]string{headStyle.Render(title)}, parts...)
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

// FormatWER prints a ratio with the three decimals it is rounded to.
func FormatWER(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// RenderList renders a plain table with the report styling.
func RenderList(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers(headers...).
		Rows(rows...)
	t.StyleFunc(func(row, _ int) lipgloss.Style {
		if row == table.HeaderRow {
			return headStyle
		}
		return cellStyle
	})
	return t.String()
}
