package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-wer/internal/bus"
	"github.com/loqalabs/loqa-wer/internal/config"
	"github.com/loqalabs/loqa-wer/internal/natsserver"
	"github.com/loqalabs/loqa-wer/internal/protocol"
	"github.com/loqalabs/loqa-wer/internal/wer"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newService(t *testing.T, cfg config.ScoringConfig, busClient *bus.Client, trace io.Writer) *Service {
	t.Helper()
	if trace == nil {
		trace = io.Discard
	}
	return NewService(cfg, busClient, wer.NewScorer(trace, nil), newLogger())
}

func post(t *testing.T, h http.Handler, body string) (*httptest.ResponseRecorder, protocol.ScoreResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/score", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var resp protocol.ScoreResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return rec, resp
}

func TestHTTPScore(t *testing.T) {
	svc := newService(t, config.ScoringConfig{Enabled: true}, nil, nil)
	rec, resp := post(t, svc.HTTPHandler(), `{"reference":"where is the check in desk","hypothesis":"where is check desk"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if resp.Report == nil || resp.Report.WER != 0.333 || resp.Report.Deletions != 2 {
		t.Fatalf("unexpected report %+v", resp.Report)
	}
	if len(resp.Steps) != 0 {
		t.Fatalf("expected no steps without verbose, got %d", len(resp.Steps))
	}
}

func TestHTTPScoreVerboseReturnsSteps(t *testing.T) {
	var trace bytes.Buffer
	svc := newService(t, config.ScoringConfig{Enabled: true, Verbose: true}, nil, &trace)
	_, resp := post(t, svc.HTTPHandler(), `{"reference":"a b","hypothesis":"b a","verbose":true}`)
	if resp.Report == nil || resp.Report.Substitutions != 2 {
		t.Fatalf("unexpected report %+v", resp.Report)
	}
	if len(resp.Steps) != 2 || resp.Steps[0].Op != wer.OpSubstitution {
		t.Fatalf("unexpected steps %+v", resp.Steps)
	}
	if !strings.HasPrefix(trace.String(), "OP\tREF\tHYP\nSUB\ta\tb\n") {
		t.Fatalf("expected trace on sink, got %q", trace.String())
	}
}

func TestHTTPScoreErrors(t *testing.T) {
	svc := newService(t, config.ScoringConfig{Enabled: true, MaxWords: 3}, nil, nil)
	h := svc.HTTPHandler()

	tests := []struct {
		name string
		body string
		code int
	}{
		{name: "bad json", body: `{"reference":`, code: http.StatusBadRequest},
		{name: "empty reference", body: `{"reference":"  ","hypothesis":"hello"}`, code: http.StatusUnprocessableEntity},
		{name: "too long", body: `{"reference":"one two three four","hypothesis":"one"}`, code: http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := post(t, h, tt.body)
			if rec.Code != tt.code {
				t.Fatalf("expected %d, got %d", tt.code, rec.Code)
			}
			if resp.Error == "" || resp.Report != nil {
				t.Fatalf("expected error response, got %+v", resp)
			}
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/score", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHTTPScoreDefaultWordLimit(t *testing.T) {
	cfg := config.Default().Scoring
	svc := newService(t, cfg, nil, nil)
	h := svc.HTTPHandler()

	body := func(refWords, hypWords int) string {
		data, err := json.Marshal(protocol.ScoreRequest{
			Reference:  strings.TrimSpace(strings.Repeat("word ", refWords)),
			Hypothesis: strings.TrimSpace(strings.Repeat("word ", hypWords)),
		})
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		return string(data)
	}

	rec, resp := post(t, h, body(cfg.MaxWords, cfg.MaxWords))
	if rec.Code != http.StatusOK || resp.Report == nil || resp.Report.WER != 0 {
		t.Fatalf("expected %d words to score, got %d %+v", cfg.MaxWords, rec.Code, resp)
	}
	for _, tt := range []struct{ ref, hyp int }{{cfg.MaxWords + 1, 1}, {1, cfg.MaxWords + 1}} {
		rec, resp := post(t, h, body(tt.ref, tt.hyp))
		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Fatalf("ref=%d hyp=%d: expected 413, got %d", tt.ref, tt.hyp, rec.Code)
		}
		if !strings.Contains(resp.Error, "max_words") {
			t.Fatalf("unexpected error %q", resp.Error)
		}
	}
}

func TestNATSRequestReply(t *testing.T) {
	log := newLogger()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	svc := newService(t, config.ScoringConfig{Enabled: true}, client, nil)
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("expected healthy service")
	}

	request := func(req protocol.ScoreRequest) protocol.ScoreResponse {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		var resp protocol.ScoreResponse
		if err := client.RequestJSON(ctx, protocol.SubjectScore, req, &resp); err != nil {
			t.Fatalf("request: %v", err)
		}
		return resp
	}

	resp := request(protocol.ScoreRequest{Reference: "where is the check in desk", Hypothesis: "where is the check in desk", Verbose: true})
	if resp.Report == nil || resp.Report.WER != 0 || resp.Report.Correct != 6 || len(resp.Steps) != 6 {
		t.Fatalf("unexpected response %+v", resp)
	}

	resp = request(protocol.ScoreRequest{Reference: "", Hypothesis: "hello"})
	if resp.Error == "" || resp.Report != nil {
		t.Fatalf("expected error for empty reference, got %+v", resp)
	}
}
