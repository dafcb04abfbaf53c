package wer

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// Scorer wraps Align with an optional verbose trace sink. It is safe for
// concurrent use; traces from concurrent calls are written one at a time.
type Scorer struct {
	trace  io.Writer
	logger *slog.Logger
	mu     sync.Mutex
}

// NewScorer returns a Scorer writing verbose traces to trace. A nil trace
// writes to stdout and a nil logger discards log output.
func NewScorer(trace io.Writer, logger *slog.Logger) *Scorer {
	if trace == nil {
		trace = os.Stdout
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scorer{trace: trace, logger: logger}
}

// Score aligns hypothesis against reference. With verbose set the operation
// trace and counts are written to the trace sink. Sink failures are logged
// and do not affect the returned report.
func (s *Scorer) Score(reference, hypothesis string, verbose bool) (Report, error) {
	a, err := s.Align(reference, hypothesis, verbose)
	if err != nil {
		return Report{}, err
	}
	return a.Report, nil
}

// Align is Score returning the full alignment.
func (s *Scorer) Align(reference, hypothesis string, verbose bool) (Alignment, error) {
	a, err := Align(reference, hypothesis)
	if err != nil {
		return Alignment{}, err
	}
	if verbose {
		s.mu.Lock()
		err := WriteTrace(s.trace, a)
		s.mu.Unlock()
		if err != nil {
			s.logger.Warn("failed to write wer trace", slog.String("error", err.Error()))
		}
	}
	return a, nil
}
