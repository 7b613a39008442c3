package stt

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-bridge/internal/audio"
	"github.com/lexiqai/voice-bridge/internal/resilience"
)

func fastRetry() *resilience.RetryConfig {
	return &resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1}
}

func TestTranscribe_UploadsWAV(t *testing.T) {
	var uploaded []byte
	tr := newTranscriber(Options{Timeout: time.Second}, func(ctx context.Context, wav io.Reader) (Result, error) {
		uploaded, _ = io.ReadAll(wav)
		return Result{Text: "  I need to reschedule  ", Confidence: 0.93}, nil
	}, nil, zerolog.Nop())

	mulaw := bytes.Repeat([]byte{0xff}, 160)
	text, err := tr.Transcribe(context.Background(), mulaw, audio.CodecMulaw)
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if text != "I need to reschedule" {
		t.Errorf("Expected trimmed text, got %q", text)
	}

	if len(uploaded) != 44+2*len(mulaw) {
		t.Fatalf("Expected a 44-byte header plus PCM16, got %d bytes", len(uploaded))
	}
	if string(uploaded[0:4]) != "RIFF" || string(uploaded[8:12]) != "WAVE" {
		t.Errorf("Expected a WAV container, got %q", uploaded[0:12])
	}
}

func TestTranscribe_PCMPassesThrough(t *testing.T) {
	var size int
	tr := newTranscriber(Options{Timeout: time.Second}, func(ctx context.Context, wav io.Reader) (Result, error) {
		b, _ := io.ReadAll(wav)
		size = len(b)
		return Result{Text: "yes"}, nil
	}, nil, zerolog.Nop())

	pcm := make([]byte, 320)
	if _, err := tr.Transcribe(context.Background(), pcm, audio.CodecPCM16); err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if size != 44+len(pcm) {
		t.Errorf("Expected PCM to be wrapped as-is, got %d bytes", size)
	}
}

func TestTranscribe_EmptyAudio(t *testing.T) {
	tr := newTranscriber(Options{Timeout: time.Second}, func(ctx context.Context, wav io.Reader) (Result, error) {
		t.Error("recognize must not be called")
		return Result{}, nil
	}, nil, zerolog.Nop())

	if _, err := tr.Transcribe(context.Background(), nil, audio.CodecMulaw); !errors.Is(err, ErrEmptyAudio) {
		t.Errorf("Expected ErrEmptyAudio, got %v", err)
	}
}

func TestTranscribe_RetriesTransientErrors(t *testing.T) {
	calls := 0
	tr := newTranscriber(Options{Timeout: time.Second}, func(ctx context.Context, wav io.Reader) (Result, error) {
		calls++
		if calls < 3 {
			return Result{}, errors.New("503 service unavailable")
		}
		return Result{Text: "ok"}, nil
	}, nil, zerolog.Nop())
	tr.retry = fastRetry()

	text, err := tr.Transcribe(context.Background(), []byte{0xff, 0xff}, audio.CodecMulaw)
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if text != "ok" || calls != 3 {
		t.Errorf("Expected success on the third attempt, got %q after %d calls", text, calls)
	}
}

func TestTranscribe_PermanentErrorStops(t *testing.T) {
	calls := 0
	tr := newTranscriber(Options{Timeout: time.Second}, func(ctx context.Context, wav io.Reader) (Result, error) {
		calls++
		return Result{}, errors.New("invalid credentials")
	}, nil, zerolog.Nop())
	tr.retry = fastRetry()

	if _, err := tr.Transcribe(context.Background(), []byte{0xff}, audio.CodecMulaw); err == nil {
		t.Fatal("Expected an error")
	}
	if calls != 1 {
		t.Errorf("Expected a single attempt, got %d", calls)
	}
}

func TestTranscribe_OpenBreaker(t *testing.T) {
	breaker := resilience.NewCircuitBreaker("deepgram", 1, time.Minute)
	breaker.RecordResult(false)

	tr := newTranscriber(Options{Timeout: time.Second}, func(ctx context.Context, wav io.Reader) (Result, error) {
		t.Error("recognize must not be called while the breaker is open")
		return Result{}, nil
	}, breaker, zerolog.Nop())

	if _, err := tr.Transcribe(context.Background(), []byte{0xff}, audio.CodecMulaw); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
}
