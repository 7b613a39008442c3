package stt

import (
	"errors"
	"time"
)

// ErrEmptyAudio is returned when there is nothing to transcribe
var ErrEmptyAudio = errors.New("no audio to transcribe")

// Options configures the Deepgram transcriber
type Options struct {
	APIKey string
	// Model is the Deepgram model, e.g. nova-2
	Model    string
	Language string
	// Timeout bounds one recognition request including retries
	Timeout time.Duration
}

// Result is one pre-recorded recognition
type Result struct {
	Text       string
	Confidence float64
}
