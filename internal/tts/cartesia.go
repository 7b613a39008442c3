// Package tts synthesizes short spoken prompts, such as the apology played
// when the AI engine fails mid-call.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-bridge/internal/audio"
	"github.com/lexiqai/voice-bridge/internal/resilience"
)

const (
	cartesiaVersion = "2024-06-10"
	// Cartesia renders at 24kHz; Twilio plays 8kHz μ-law
	sourceSampleRate = 24000
	maxAudioBytes    = 8 * 1024 * 1024
)

// CartesiaPrompter implements the bridge Prompter using Cartesia's TTS API
type CartesiaPrompter struct {
	opts       Options
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	retry      *resilience.RetryConfig
	logger     zerolog.Logger
}

// NewCartesiaPrompter creates a prompter. breaker may be nil.
func NewCartesiaPrompter(opts Options, breaker *resilience.CircuitBreaker, logger zerolog.Logger) *CartesiaPrompter {
	if opts.URL == "" {
		opts.URL = "https://api.cartesia.ai/tts/bytes"
	}
	if opts.ModelID == "" {
		opts.ModelID = "sonic"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &CartesiaPrompter{
		opts:       opts,
		httpClient: &http.Client{Timeout: opts.Timeout},
		breaker:    breaker,
		retry:      resilience.DefaultRetryConfig(),
		logger:     logger.With().Str("component", "tts").Str("provider", "cartesia").Logger(),
	}
}

// Synthesize renders text as 8kHz μ-law ready to stream to the caller
func (c *CartesiaPrompter) Synthesize(ctx context.Context, text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("nothing to synthesize")
	}

	body, err := json.Marshal(cartesiaRequest{
		ModelID:    c.opts.ModelID,
		Transcript: text,
		Voice:      voiceSpec{Mode: "id", ID: c.opts.VoiceID},
		OutputFormat: outputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: sourceSampleRate,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var pcm []byte
	call := func(ctx context.Context) error {
		b, err := c.post(ctx, body)
		if err != nil {
			return err
		}
		pcm = b
		return nil
	}
	guarded := call
	if c.breaker != nil {
		guarded = func(ctx context.Context) error { return c.breaker.Execute(ctx, call) }
	}

	start := time.Now()
	if err := resilience.RetryWithLogger(ctx, c.logger, guarded, c.retry, resilience.IsRetryableNetworkError); err != nil {
		return nil, fmt.Errorf("cartesia synthesis failed: %w", err)
	}

	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	if len(pcm) == 0 {
		return nil, errors.New("cartesia returned empty audio")
	}

	mulaw, err := audio.ConvertPCMToPCMU(pcm, sourceSampleRate, audio.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to convert audio: %w", err)
	}

	c.logger.Debug().
		Dur("latency", time.Since(start)).
		Int("pcm_bytes", len(pcm)).
		Int("mulaw_bytes", len(mulaw)).
		Msg("Prompt synthesized")
	return mulaw, nil
}

func (c *CartesiaPrompter) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.opts.APIKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, resilience.NewRetryableError(fmt.Errorf("failed to make request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("cartesia API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, resilience.NewRetryableError(err)
		}
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		return nil, resilience.NewRetryableError(fmt.Errorf("failed to read audio: %w", err))
	}
	return data, nil
}
