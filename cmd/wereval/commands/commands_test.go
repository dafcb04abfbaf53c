package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-wer/internal/audio"
	"github.com/loqalabs/loqa-wer/internal/config"
	"github.com/loqalabs/loqa-wer/internal/eventstore"
	"github.com/loqalabs/loqa-wer/internal/protocol"
	"github.com/loqalabs/loqa-wer/internal/report"
	"github.com/loqalabs/loqa-wer/internal/wer"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestScoreCommand(t *testing.T) {
	out, err := execute(t, "score", "--ref", "where is the check in desk", "--hyp", "where is check desk")
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if want := "WER 0.333 (2 errors / 6 reference words)\n"; out != want {
		t.Fatalf("unexpected output %q, want %q", out, want)
	}
}

func TestScoreCommandVerbose(t *testing.T) {
	out, err := execute(t, "score", "-v", "--ref", "a b c", "--hyp", "a x c")
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	for _, want := range []string{"OP\tREF\tHYP\n", "SUB\tb\tx\n", "#cor 2\n", "#sub 1\n", "WER 0.333"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestScoreCommandJSON(t *testing.T) {
	out, err := execute(t, "score", "--json", "-v", "--ref", "a b", "--hyp", "b a")
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	var resp protocol.ScoreResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if resp.Report == nil || resp.Report.WER != 1 || resp.Report.Substitutions != 2 {
		t.Fatalf("unexpected report %+v", resp.Report)
	}
	if len(resp.Steps) != 2 || resp.Steps[0].Op != wer.OpSubstitution {
		t.Fatalf("unexpected steps %+v", resp.Steps)
	}
}

func TestScoreCommandEmptyReference(t *testing.T) {
	_, err := execute(t, "score", "--ref", "   ", "--hyp", "hello")
	if !errors.Is(err, wer.ErrEmptyReference) {
		t.Fatalf("expected ErrEmptyReference, got %v", err)
	}
}

func TestScoreCommandRequiresReference(t *testing.T) {
	if _, err := execute(t, "score", "--hyp", "hello"); err == nil {
		t.Fatal("expected error without --ref")
	}
}

func TestSuitesCommand(t *testing.T) {
	out, err := execute(t, "suites", "--corpus", filepath.Join("..", "..", "..", "corpus", "airport.yaml"))
	if err != nil {
		t.Fatalf("suites: %v", err)
	}
	for _, want := range []string{"SUITE", "english", "italian", "spanish"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

// writeFixture lays out a corpus whose audio is one second of silence, which
// the mock recognizer transcribes as "[final transcript 1.00s]".
func writeFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "silence.wav"))
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	if err := audio.EncodeWAV(f, make([]byte, 32000), 16000, 1); err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
	body := `suites:
  - name: mock
    language: en-US
    samples:
      - id: exact
        reference: "[final transcript 1.00s]"
        audio: silence.wav
      - id: short
        reference: final transcript
        audio: silence.wav
      - id: missing
        reference: where is the check in desk
        audio: missing.wav
`
	path := filepath.Join(dir, "corpus.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write corpus: %v", err)
	}
	return path
}

func TestRunCommandJSON(t *testing.T) {
	path := writeFixture(t)
	out, err := execute(t, "run", "--corpus", path, "--mode", "mock", "--json")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var sums []report.Summary
	if err := json.Unmarshal([]byte(out), &sums); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(sums) != 1 {
		t.Fatalf("expected one suite, got %d", len(sums))
	}
	sum := sums[0]
	if sum.Suite != "mock" || sum.RunID == "" || len(sum.Rows) != 3 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if sum.Rows[0].Report.WER != 0 || sum.Rows[1].Report.WER != 1 {
		t.Fatalf("unexpected rows %+v", sum.Rows)
	}
	if sum.Rows[2].Err == "" || sum.Failed != 1 {
		t.Fatalf("expected missing audio to fail, got %+v", sum.Rows[2])
	}
	if sum.Total.RefWords != 5 || sum.Total.WER != 0.4 {
		t.Fatalf("unexpected total %+v", sum.Total)
	}
}

func TestRunCommandTable(t *testing.T) {
	path := writeFixture(t)
	out, err := execute(t, "run", "--corpus", path, "--suite", "mock")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, want := range []string{"mock (en-US)", "exact", "short", "missing", "total WER 0.400"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestRunCommandUnknownSuite(t *testing.T) {
	path := writeFixture(t)
	if _, err := execute(t, "run", "--corpus", path, "--suite", "klingon"); err == nil {
		t.Fatal("expected error for unknown suite")
	}
}

func TestRunCommandRejectsInvalidCorpus(t *testing.T) {
	dir := t.TempDir()
	body := `suites:
  - name: english
    samples:
      - reference: where is the check in desk
        audio: checkin.wav
  - name: english
    samples:
      - reference: what time is my plane
        audio: plane.wav
`
	path := filepath.Join(dir, "corpus.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write corpus: %v", err)
	}
	_, err := execute(t, "run", "--corpus", path)
	if err == nil || !strings.Contains(err.Error(), "declared twice") {
		t.Fatalf("expected duplicate suite error, got %v", err)
	}
	if _, err := execute(t, "suites", "--corpus", path); err == nil {
		t.Fatal("expected suites to reject the corpus too")
	}
}

func TestRunStoreAndHistory(t *testing.T) {
	path := writeFixture(t)
	t.Setenv("LOQA_EVENT_STORE_PATH", filepath.Join(t.TempDir(), "history.db"))
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")

	if _, err := execute(t, "run", "--corpus", path, "--store"); err != nil {
		t.Fatalf("run: %v", err)
	}

	out, err := execute(t, "history", "--json")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var runs []eventstore.Run
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(runs) != 1 || runs[0].Suite != "mock" || runs[0].Engine != "mock" {
		t.Fatalf("unexpected runs %+v", runs)
	}

	out, err = execute(t, "history", "--json", "--run", runs[0].ID)
	if err != nil {
		t.Fatalf("history run: %v", err)
	}
	var sum report.Summary
	if err := json.Unmarshal([]byte(out), &sum); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(sum.Rows) != 3 || sum.Failed != 1 || sum.Total.WER != 0.4 {
		t.Fatalf("unexpected stored summary %+v", sum)
	}

	if _, err := execute(t, "history", "--run", "nope"); err == nil {
		t.Fatal("expected error for unknown run")
	}
}

func TestHistoryShowsEveryResultOfLargeRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	t.Setenv("LOQA_EVENT_STORE_PATH", path)
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")

	ctx := context.Background()
	store, err := eventstore.Open(ctx, config.EventStoreConfig{Path: path, RetentionMode: "persistent"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.AppendRun(ctx, eventstore.Run{ID: "large", Suite: "english", Engine: "mock"}); err != nil {
		t.Fatalf("append run: %v", err)
	}
	// 120 samples of one word each, the last 20 substituted.
	for i := range 120 {
		rep := wer.Report{Correct: 1, RefWords: 1, HypWords: 1}
		if i >= 100 {
			rep = wer.Report{WER: 1, Substitutions: 1, RefWords: 1, HypWords: 1}
		}
		res := eventstore.Result{RunID: "large", SampleID: fmt.Sprintf("s%03d", i), Reference: "desk", Report: rep}
		if err := store.AppendResult(ctx, res); err != nil {
			t.Fatalf("append result %d: %v", i, err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	out, err := execute(t, "history", "--json", "--run", "large")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var sum report.Summary
	if err := json.Unmarshal([]byte(out), &sum); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(sum.Rows) != 120 || sum.Total.RefWords != 120 || sum.Total.WER != 0.167 {
		t.Fatalf("expected all 120 results in the total, got %d rows and %+v", len(sum.Rows), sum.Total)
	}

	out, err = execute(t, "history", "--json", "--run", "large", "--results", "10")
	if err != nil {
		t.Fatalf("history with limit: %v", err)
	}
	sum = report.Summary{}
	if err := json.Unmarshal([]byte(out), &sum); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(sum.Rows) != 10 {
		t.Fatalf("expected 10 rows, got %d", len(sum.Rows))
	}
}

func TestHistoryRejectsEphemeralStore(t *testing.T) {
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "ephemeral")
	if _, err := execute(t, "history"); err == nil {
		t.Fatal("expected error for ephemeral store")
	}
}
