package protocol

import (
	"time"

	"github.com/loqalabs/loqa-wer/internal/wer"
)

// AudioFrame represents PCM audio data streamed from edge devices. Any frame
// of a session may carry the reference sentence the speaker was asked to read.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
	Reference  string `json:"reference,omitempty"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID  string      `json:"session_id"`
	Text       string      `json:"text"`
	Partial    bool        `json:"partial"`
	Timestamp  time.Time   `json:"timestamp"`
	Confidence float64     `json:"confidence,omitempty"`
	Reference  string      `json:"reference,omitempty"`
	Score      *wer.Report `json:"score,omitempty"`
}

// ScoreRequest asks for a reference/hypothesis pair to be scored.
type ScoreRequest struct {
	Reference  string `json:"reference"`
	Hypothesis string `json:"hypothesis"`
	Verbose    bool   `json:"verbose,omitempty"`
}

// ScoreResponse carries the report, the alignment when verbose was requested,
// or an error message.
type ScoreResponse struct {
	Report *wer.Report `json:"report,omitempty"`
	Steps  []wer.Step  `json:"steps,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// EvalResult is published for every scored corpus sample.
type EvalResult struct {
	RunID      string      `json:"run_id"`
	Suite      string      `json:"suite"`
	SampleID   string      `json:"sample_id"`
	Reference  string      `json:"reference"`
	Hypothesis string      `json:"hypothesis"`
	Report     *wer.Report `json:"report,omitempty"`
	Error      string      `json:"error,omitempty"`
	Skipped    bool        `json:"skipped,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// RunCompleted is published once a corpus suite has been evaluated.
type RunCompleted struct {
	RunID     string     `json:"run_id"`
	Suite     string     `json:"suite"`
	Samples   int        `json:"samples"`
	Failed    int        `json:"failed"`
	Skipped   int        `json:"skipped"`
	Total     wer.Report `json:"total"`
	Timestamp time.Time  `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectScore             = "wer.score"
	SubjectEvalResult        = "eval.result"
	SubjectRunCompleted      = "eval.run.completed"
)
