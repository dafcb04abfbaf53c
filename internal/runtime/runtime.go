package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-wer/internal/bus"
	"github.com/loqalabs/loqa-wer/internal/config"
	"github.com/loqalabs/loqa-wer/internal/eventstore"
	"github.com/loqalabs/loqa-wer/internal/natsserver"
	"github.com/loqalabs/loqa-wer/internal/protocol"
	"github.com/loqalabs/loqa-wer/internal/scoring"
	"github.com/loqalabs/loqa-wer/internal/stt"
	"github.com/loqalabs/loqa-wer/internal/wer"
)

const (
	pruneInterval = time.Hour
	evalStream    = "LOQA_EVAL"
)

type Runtime struct {
	cfg           config.Config
	version       string
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	nats          *natsserver.EmbeddedServer
	bus           *bus.Client
	store         *eventstore.Store
	stt           *stt.Service
	scoring       *scoring.Service
	ready         atomic.Bool
	wg            sync.WaitGroup
}

// Option customizes a Runtime.
type Option func(*Runtime)

// WithVersion reports version as service.version on telemetry.
func WithVersion(version string) Option {
	return func(r *Runtime) { r.version = version }
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startServices(ctx); err != nil {
		r.stopServices()
		_ = shutdownTelemetry(context.Background())
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.Handle("/v1/score", r.scoring.HTTPHandler())
	mux.HandleFunc("GET /v1/runs", r.handleListRuns)
	mux.HandleFunc("GET /v1/runs/{id}", r.handleRunResults)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runPrune(ctx)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	r.stopServices()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) startServices(ctx context.Context) error {
	var err error
	r.nats, err = natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	busCfg := r.cfg.Bus
	if r.nats != nil {
		busCfg.Servers = []string{r.nats.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}
	if r.nats != nil {
		maxAge := time.Duration(r.cfg.EventStore.RetentionDays) * 24 * time.Hour
		if err := r.bus.EnsureStream(evalStream, maxAge, protocol.SubjectEvalResult, protocol.SubjectRunCompleted); err != nil {
			r.logger.Warn("evaluation stream unavailable", slog.String("error", err.Error()))
		}
	}

	r.store, err = r.openStore(ctx)
	if err != nil {
		return err
	}

	scorer := wer.NewScorer(os.Stdout, r.logger)

	r.scoring = scoring.NewService(r.cfg.Scoring, r.bus, scorer, r.logger)
	if err := r.scoring.Start(); err != nil {
		return err
	}

	recognizer, err := stt.New(r.cfg.STT)
	if err != nil {
		return fmt.Errorf("create recognizer: %w", err)
	}
	r.stt = stt.NewService(ctx, r.cfg.STT, r.bus, recognizer, scorer, r.cfg.Scoring.Verbose)
	return r.stt.Start()
}

func (r *Runtime) stopServices() {
	if r.stt != nil {
		r.stt.Close()
	}
	if r.scoring != nil {
		r.scoring.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) runPrune(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) healthy() bool {
	return r.bus.Healthy() && r.stt.Healthy() && r.scoring.Healthy()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) openStore(ctx context.Context) (*eventstore.Store, error) {
	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	if err := store.Ensure(); err != nil {
		store.Close()
		return nil, fmt.Errorf("event store: %w", err)
	}
	return store, nil
}

func (r *Runtime) handleListRuns(w http.ResponseWriter, req *http.Request) {
	runs, err := r.store.ListRuns(req.Context(), queryLimit(req))
	if err != nil {
		r.writeError(w, err)
		return
	}
	writeJSON(w, runs)
}

func (r *Runtime) handleRunResults(w http.ResponseWriter, req *http.Request) {
	results, err := r.store.ListRunResults(req.Context(), req.PathValue("id"), queryLimit(req))
	if err != nil {
		r.writeError(w, err)
		return
	}
	if len(results) == 0 {
		http.NotFound(w, req)
		return
	}
	writeJSON(w, results)
}

func (r *Runtime) writeError(w http.ResponseWriter, err error) {
	r.logger.Error("history query failed", slog.String("error", err.Error()))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func queryLimit(req *http.Request) int {
	limit, err := strconv.Atoi(req.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return limit
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
