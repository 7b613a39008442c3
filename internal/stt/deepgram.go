// Package stt is the fallback speech-to-text service used when the AI
// engine does not transcribe a caller utterance.
package stt

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-bridge/internal/audio"
	"github.com/lexiqai/voice-bridge/internal/resilience"
)

// recognizeFunc sends one WAV file for pre-recorded recognition
type recognizeFunc func(ctx context.Context, wav io.Reader) (Result, error)

// DeepgramTranscriber implements the bridge Transcriber with Deepgram's
// pre-recorded API
type DeepgramTranscriber struct {
	opts      Options
	recognize recognizeFunc
	breaker   *resilience.CircuitBreaker
	retry     *resilience.RetryConfig
	logger    zerolog.Logger
}

// NewDeepgramTranscriber creates a transcriber. breaker may be nil.
func NewDeepgramTranscriber(opts Options, breaker *resilience.CircuitBreaker, logger zerolog.Logger) *DeepgramTranscriber {
	if opts.Model == "" {
		opts.Model = "nova-2"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	client := listenClient.NewREST(opts.APIKey, &interfaces.ClientOptions{})
	dg := api.New(client)

	options := &interfaces.PreRecordedTranscriptionOptions{
		Model:       opts.Model,
		Language:    opts.Language,
		Punctuate:   true,
		SmartFormat: true,
	}

	recognize := func(ctx context.Context, wav io.Reader) (Result, error) {
		res, err := dg.FromStream(ctx, wav, options)
		if err != nil {
			return Result{}, err
		}
		if res == nil || res.Results == nil || len(res.Results.Channels) == 0 ||
			len(res.Results.Channels[0].Alternatives) == 0 {
			return Result{}, nil
		}
		alt := res.Results.Channels[0].Alternatives[0]
		return Result{Text: alt.Transcript, Confidence: alt.Confidence}, nil
	}

	return newTranscriber(opts, recognize, breaker, logger)
}

func newTranscriber(opts Options, recognize recognizeFunc, breaker *resilience.CircuitBreaker, logger zerolog.Logger) *DeepgramTranscriber {
	return &DeepgramTranscriber{
		opts:      opts,
		recognize: recognize,
		breaker:   breaker,
		retry:     resilience.DefaultRetryConfig(),
		logger:    logger.With().Str("component", "stt").Str("provider", "deepgram").Logger(),
	}
}

// Transcribe converts a buffered utterance to text. μ-law input is decoded
// to PCM16 and wrapped as WAV before upload.
func (d *DeepgramTranscriber) Transcribe(ctx context.Context, payload []byte, codec audio.Codec) (string, error) {
	if len(payload) == 0 {
		return "", ErrEmptyAudio
	}

	pcm := payload
	if codec != audio.CodecPCM16 {
		decoded, err := audio.ConvertPCMUToPCM(payload)
		if err != nil {
			return "", fmt.Errorf("decode utterance: %w", err)
		}
		pcm = decoded
	}
	wav := audio.WrapWAV(pcm, audio.SampleRate, 1)

	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	var result Result
	call := func(ctx context.Context) error {
		r, err := d.recognize(ctx, bytes.NewReader(wav))
		if err != nil {
			return err
		}
		result = r
		return nil
	}
	guarded := call
	if d.breaker != nil {
		guarded = func(ctx context.Context) error { return d.breaker.Execute(ctx, call) }
	}

	start := time.Now()
	if err := resilience.RetryWithLogger(ctx, d.logger, guarded, d.retry, resilience.IsRetryableNetworkError); err != nil {
		return "", fmt.Errorf("deepgram transcription failed: %w", err)
	}

	text := strings.TrimSpace(result.Text)
	d.logger.Debug().
		Dur("latency", time.Since(start)).
		Int("audio_bytes", len(payload)).
		Float64("confidence", result.Confidence).
		Int("text_len", len(text)).
		Msg("Fallback transcription complete")
	return text, nil
}
