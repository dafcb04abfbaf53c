package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error) {
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	mode := "partial"
	if final {
		mode = "final"
	}
	var seconds float64
	if sampleRate > 0 && channels > 0 {
		seconds = float64(len(pcm)/2/channels) / float64(sampleRate)
	}
	return TranscriptResult{
		Text:       fmt.Sprintf("[%s transcript %.2fs]", mode, seconds),
		Confidence: 0,
	}, nil
}
