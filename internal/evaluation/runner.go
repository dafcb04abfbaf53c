// Package evaluation runs corpus suites through a recognizer and scores every
// transcript against its reference sentence.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-wer/internal/audio"
	"github.com/loqalabs/loqa-wer/internal/config"
	"github.com/loqalabs/loqa-wer/internal/corpus"
	"github.com/loqalabs/loqa-wer/internal/eventstore"
	"github.com/loqalabs/loqa-wer/internal/protocol"
	"github.com/loqalabs/loqa-wer/internal/stt"
	"github.com/loqalabs/loqa-wer/internal/wer"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const instrumentationName = "github.com/loqalabs/loqa-wer/evaluation"

// ResultStore persists runs and their sample results.
type ResultStore interface {
	AppendRun(ctx context.Context, run eventstore.Run) error
	AppendResult(ctx context.Context, res eventstore.Result) error
}

// Publisher broadcasts results, usually a *bus.Client.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

type Options struct {
	// Engine labels the recognizer in stored runs, e.g. "vosk" or "mock".
	Engine      string
	Concurrency int
	// Timeout bounds a single transcription. Zero means no limit.
	Timeout time.Duration
	Verbose bool
}

// Result is the outcome of one sample. Err is set when the sample could not be
// transcribed or scored; Report is zero in that case.
type Result struct {
	Sample     corpus.Sample
	Hypothesis string
	Report     wer.Report
	Err        error
	Latency    time.Duration
}

// Skipped reports whether the sample had no reference words to score against.
func (r Result) Skipped() bool {
	return errors.Is(r.Err, wer.ErrEmptyReference)
}

// Run is the outcome of one suite. Results keep corpus order and Total merges
// the reports of successful samples. Skipped samples are not counted as failed.
type Run struct {
	ID        string
	Suite     string
	Language  string
	Engine    string
	StartedAt time.Time
	Results   []Result
	Total     wer.Report
	Failed    int
	Skipped   int
}

type Runner struct {
	recognizer stt.Recognizer
	scorer     *wer.Scorer
	store      ResultStore
	publisher  Publisher
	logger     *slog.Logger
	opts       Options
	tracer     trace.Tracer
	samples    metric.Int64Counter
	werHist    metric.Float64Histogram
	latency    metric.Float64Histogram
	clock      func() time.Time
}

// NewRunner builds a Runner. store and publisher may be nil.
func NewRunner(recognizer stt.Recognizer, scorer *wer.Scorer, store ResultStore, publisher Publisher, logger *slog.Logger, opts Options) *Runner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	r := &Runner{
		recognizer: recognizer,
		scorer:     scorer,
		store:      store,
		publisher:  publisher,
		logger:     logger.With(slog.String("component", "evaluation")),
		opts:       opts,
		tracer:     otel.Tracer(instrumentationName),
		clock:      time.Now,
	}
	if err := r.initMetrics(); err != nil {
		r.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return r
}

func (r *Runner) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	var err error
	r.samples, err = meter.Int64Counter("loqa.eval.samples", metric.WithDescription("Evaluated corpus samples"))
	if err != nil {
		return err
	}
	r.werHist, err = meter.Float64Histogram("loqa.eval.wer", metric.WithDescription("Word error rate per sample"))
	if err != nil {
		return err
	}
	r.latency, err = meter.Float64Histogram("loqa.eval.transcribe.duration",
		metric.WithDescription("Recognizer latency per sample"), metric.WithUnit("ms"))
	return err
}

// RecognizerConfig specializes base for a suite: the suite's model, scorer
// and language take precedence when set.
func RecognizerConfig(base config.STTConfig, suite corpus.Suite) config.STTConfig {
	cfg := base
	if suite.Model != "" {
		cfg.ModelPath = suite.Model
	}
	if suite.Scorer != "" {
		cfg.ScorerPath = suite.Scorer
	}
	if suite.Language != "" {
		cfg.Language = suite.Language
	}
	return cfg
}

// RunSuite evaluates every sample of suite. Sample failures are recorded in
// the results; only context cancellation aborts the run.
func (r *Runner) RunSuite(ctx context.Context, suite corpus.Suite) (Run, error) {
	run := Run{
		ID:        uuid.NewString(),
		Suite:     suite.Name,
		Language:  suite.Language,
		Engine:    r.opts.Engine,
		StartedAt: r.clock().UTC(),
		Results:   make([]Result, len(suite.Samples)),
	}
	log := r.logger.With(slog.String("run_id", run.ID), slog.String("suite", suite.Name))

	if r.store != nil {
		err := r.store.AppendRun(ctx, eventstore.Run{
			ID:        run.ID,
			Suite:     run.Suite,
			Language:  run.Language,
			Engine:    run.Engine,
			CreatedAt: run.StartedAt,
		})
		if err != nil {
			log.Warn("failed to record run", slog.String("error", err.Error()))
		}
	}

	log.Info("evaluation started", slog.Int("samples", len(suite.Samples)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for i, sample := range suite.Samples {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res := r.evaluate(gctx, suite, sample)
			run.Results[i] = res
			r.record(gctx, log, run.ID, suite.Name, res)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return run, err
	}
	if err := ctx.Err(); err != nil {
		return run, err
	}

	var reports []wer.Report
	for _, res := range run.Results {
		switch {
		case res.Skipped():
			run.Skipped++
		case res.Err != nil:
			run.Failed++
		default:
			reports = append(reports, res.Report)
		}
	}
	run.Total = wer.Merge(reports...)

	log.Info("evaluation finished",
		slog.Float64("wer", run.Total.WER),
		slog.Int("failed", run.Failed),
		slog.Int("skipped", run.Skipped))

	if r.publisher != nil {
		done := protocol.RunCompleted{
			RunID:     run.ID,
			Suite:     run.Suite,
			Samples:   len(run.Results),
			Failed:    run.Failed,
			Skipped:   run.Skipped,
			Total:     run.Total,
			Timestamp: r.clock().UTC(),
		}
		if err := r.publisher.PublishJSON(protocol.SubjectRunCompleted, done); err != nil {
			log.Warn("failed to publish run completion", slog.String("error", err.Error()))
		}
	}
	return run, nil
}

func (r *Runner) evaluate(ctx context.Context, suite corpus.Suite, sample corpus.Sample) Result {
	ctx, span := r.tracer.Start(ctx, "evaluation.sample", trace.WithAttributes(
		attribute.String("suite", suite.Name),
		attribute.String("sample", sample.ID),
	))
	defer span.End()

	res := Result{Sample: sample}
	fail := func(err error) Result {
		res.Err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res
	}

	clip, err := audio.LoadWAV(sample.Audio)
	if err != nil {
		return fail(fmt.Errorf("load audio: %w", err))
	}

	tctx := ctx
	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}
	start := time.Now()
	transcript, err := r.recognizer.Transcribe(tctx, clip.PCM, clip.SampleRate, clip.Channels, true)
	res.Latency = time.Since(start)
	if r.latency != nil {
		r.latency.Record(ctx, float64(res.Latency.Milliseconds()), metric.WithAttributes(attribute.String("suite", suite.Name)))
	}
	if err != nil {
		return fail(fmt.Errorf("transcribe: %w", err))
	}
	res.Hypothesis = transcript.Text

	report, err := r.scorer.Score(sample.Reference, transcript.Text, r.opts.Verbose)
	if err != nil {
		return fail(fmt.Errorf("score: %w", err))
	}
	res.Report = report
	span.SetAttributes(attribute.Float64("wer", report.WER))
	return res
}

func (r *Runner) record(ctx context.Context, log *slog.Logger, runID, suite string, res Result) {
	status := "ok"
	var errText string
	switch {
	case res.Skipped():
		status = "skipped"
		errText = res.Err.Error()
		log.Info("sample skipped", slog.String("sample", res.Sample.ID), slog.String("reason", errText))
	case res.Err != nil:
		status = "failed"
		errText = res.Err.Error()
		log.Warn("sample failed", slog.String("sample", res.Sample.ID), slog.String("error", errText))
	default:
		log.Info("sample scored",
			slog.String("sample", res.Sample.ID),
			slog.String("hypothesis", res.Hypothesis),
			slog.Float64("wer", res.Report.WER))
		if r.werHist != nil {
			r.werHist.Record(ctx, res.Report.WER, metric.WithAttributes(attribute.String("suite", suite)))
		}
	}
	if r.samples != nil {
		r.samples.Add(ctx, 1, metric.WithAttributes(attribute.String("suite", suite), attribute.String("status", status)))
	}

	if r.store != nil {
		err := r.store.AppendResult(ctx, eventstore.Result{
			RunID:      runID,
			SampleID:   res.Sample.ID,
			Reference:  res.Sample.Reference,
			Hypothesis: res.Hypothesis,
			Report:     res.Report,
			Err:        errText,
			Skipped:    res.Skipped(),
		})
		if err != nil {
			log.Warn("failed to record result", slog.String("error", err.Error()))
		}
	}

	if r.publisher != nil {
		msg := protocol.EvalResult{
			RunID:      runID,
			Suite:      suite,
			SampleID:   res.Sample.ID,
			Reference:  res.Sample.Reference,
			Hypothesis: res.Hypothesis,
			Error:      errText,
			Skipped:    res.Skipped(),
			Timestamp:  r.clock().UTC(),
		}
		if res.Err == nil {
			report := res.Report
			msg.Report = &report
		}
		if err := r.publisher.PublishJSON(protocol.SubjectEvalResult, msg); err != nil {
			log.Warn("failed to publish result", slog.String("error", err.Error()))
		}
	}
}
