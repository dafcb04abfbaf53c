package audio

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func pcmRamp(n int) []byte {
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(i*100-8000)))
	}
	return pcm
}

func writeWAV(t *testing.T, pcm []byte, sampleRate, channels int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	if err := EncodeWAV(f, pcm, sampleRate, channels); err != nil {
		f.Close()
		t.Fatalf("encode wav: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
	return path
}

func TestEncodeDecodeMono(t *testing.T) {
	pcm := pcmRamp(1600)
	path := writeWAV(t, pcm, 16000, 1)

	clip, err := LoadWAV(path)
	if err != nil {
		t.Fatalf("load wav: %v", err)
	}
	if clip.SampleRate != 16000 || clip.Channels != 1 {
		t.Fatalf("unexpected format %d Hz / %d ch", clip.SampleRate, clip.Channels)
	}
	if string(clip.PCM) != string(pcm) {
		t.Fatalf("pcm mismatch: got %d bytes, want %d", len(clip.PCM), len(pcm))
	}
	if clip.Duration() != 100*time.Millisecond {
		t.Fatalf("expected 100ms, got %v", clip.Duration())
	}
}

func TestDecodeRejectsStereo(t *testing.T) {
	path := writeWAV(t, pcmRamp(400), 16000, 2)
	if _, err := LoadWAV(path); !errors.Is(err, ErrNotMono) {
		t.Fatalf("expected ErrNotMono, got %v", err)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "noise.wav")
	if err := os.WriteFile(path, []byte("definitely not riff data"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := LoadWAV(path); !errors.Is(err, ErrInvalidWAV) {
		t.Fatalf("expected ErrInvalidWAV, got %v", err)
	}
}

func TestEncodeRejectsOddPayload(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "odd.wav"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := EncodeWAV(f, []byte{1, 2, 3}, 16000, 1); err == nil {
		t.Fatal("expected alignment error")
	}
}
