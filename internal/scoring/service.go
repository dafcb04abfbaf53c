package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/loqalabs/loqa-wer/internal/bus"
	"github.com/loqalabs/loqa-wer/internal/config"
	"github.com/loqalabs/loqa-wer/internal/protocol"
	"github.com/loqalabs/loqa-wer/internal/wer"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var errTooLong = errors.New("input exceeds scoring.max_words")

type Service struct {
	cfg      config.ScoringConfig
	bus      *bus.Client
	scorer   *wer.Scorer
	logger   *slog.Logger
	sub      *nats.Subscription
	requests metric.Int64Counter
}

// NewService builds the scoring service. busClient may be nil when only the
// HTTP handler is used.
func NewService(cfg config.ScoringConfig, busClient *bus.Client, scorer *wer.Scorer, logger *slog.Logger) *Service {
	s := &Service{
		cfg:    cfg,
		bus:    busClient,
		scorer: scorer,
		logger: logger.With(slog.String("component", "scoring")),
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-wer/scoring").Int64Counter("loqa.score.requests",
		metric.WithDescription("Scoring requests by transport and status"))
	if err != nil {
		s.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	s.requests = counter
	return s
}

func (s *Service) Start() error {
	if !s.cfg.Enabled || s.bus == nil {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectScore, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", protocol.SubjectScore, err)
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	if s.sub != nil {
		_ = s.sub.Drain()
	}
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.bus == nil || s.sub != nil
}

// Score handles one request. Verbose requests get the alignment steps in the
// response; scoring.verbose additionally writes every trace to the scorer's
// sink.
func (s *Service) Score(req protocol.ScoreRequest) (protocol.ScoreResponse, error) {
	// The alignment matrix grows with the product of both lengths.
	if limit := s.cfg.MaxWords; limit > 0 {
		if len(wer.Tokenize(req.Reference)) > limit || len(wer.Tokenize(req.Hypothesis)) > limit {
			return protocol.ScoreResponse{}, errTooLong
		}
	}
	a, err := s.scorer.Align(req.Reference, req.Hypothesis, s.cfg.Verbose)
	if err != nil {
		return protocol.ScoreResponse{}, err
	}
	resp := protocol.ScoreResponse{Report: &a.Report}
	if req.Verbose {
		resp.Steps = a.Steps
	}
	return resp, nil
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.ScoreRequest
	var resp protocol.ScoreResponse
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		resp.Error = fmt.Sprintf("decode request: %v", err)
		s.count("nats", "bad_request")
	} else if out, err := s.Score(req); err != nil {
		resp.Error = err.Error()
		s.count("nats", statusFor(err))
	} else {
		resp = out
		s.count("nats", "ok")
	}
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Warn("failed to marshal score response", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to respond to score request", slog.String("error", err.Error()))
	}
}

// HTTPHandler serves POST /v1/score.
func (s *Service) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSON(w, http.StatusMethodNotAllowed, protocol.ScoreResponse{Error: "method not allowed"})
			return
		}
		var req protocol.ScoreRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
		if err := dec.Decode(&req); err != nil {
			s.count("http", "bad_request")
			writeJSON(w, http.StatusBadRequest, protocol.ScoreResponse{Error: fmt.Sprintf("decode request: %v", err)})
			return
		}
		resp, err := s.Score(req)
		if err != nil {
			status := statusFor(err)
			s.count("http", status)
			code := http.StatusInternalServerError
			switch status {
			case "empty_reference":
				code = http.StatusUnprocessableEntity
			case "too_long":
				code = http.StatusRequestEntityTooLarge
			}
			writeJSON(w, code, protocol.ScoreResponse{Error: err.Error()})
			return
		}
		s.count("http", "ok")
		writeJSON(w, http.StatusOK, resp)
	})
}

func statusFor(err error) string {
	switch {
	case errors.Is(err, wer.ErrEmptyReference):
		return "empty_reference"
	case errors.Is(err, errTooLong):
		return "too_long"
	default:
		return "error"
	}
}

func (s *Service) count(transport, status string) {
	if s.requests == nil {
		return
	}
	s.requests.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("transport", transport),
		attribute.String("status", status),
	))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
