// Package events defines the fixed event vocabulary shared by the telephony
// adapter, the AI engine adapter and the session manager. Adapters validate
// wire payloads and translate them into these variants before they reach a
// session.
package events

import (
	"github.com/lexiqai/voice-bridge/internal/audio"
)

// Event is a tagged union of everything a session can react to
type Event interface {
	Kind() string
}

// Telephony side

// Start is the first event of a telephony stream
type Start struct {
	StreamID       string
	ExternalCallID string
	Direction      string
	Params         map[string]string
}

// Media carries one inbound audio frame
type Media struct {
	Frame audio.Frame
}

// Mark is a playback acknowledgement for a previously sent mark
type Mark struct {
	Name string
}

// Stop ends the telephony stream
type Stop struct{}

// TelephonyClosed is posted when the telephony transport fails or closes
type TelephonyClosed struct {
	Err error
}

func (Start) Kind() string           { return "telephony.start" }
func (Media) Kind() string           { return "telephony.media" }
func (Mark) Kind() string            { return "telephony.mark" }
func (Stop) Kind() string            { return "telephony.stop" }
func (TelephonyClosed) Kind() string { return "telephony.closed" }

// AI engine side

// SessionCreated is sent by the engine once the session is ready
type SessionCreated struct {
	ID string
}

// ResponseCreated marks the start of a new model response
type ResponseCreated struct {
	ID string
}

// AudioDelta is one chunk of synthesized μ-law audio for an output item
type AudioDelta struct {
	ResponseID string
	ItemID     string
	Payload    []byte
}

// SpeechStarted reports that the caller started speaking
type SpeechStarted struct {
	ItemID string
	// AudioStartMs is the engine's offset into the input buffer
	AudioStartMs int64
}

// SpeechStopped reports the end of a caller utterance
type SpeechStopped struct {
	ItemID string
}

// TranscriptCompleted carries a finished transcript for either speaker
type TranscriptCompleted struct {
	Role   string // "user" or "assistant"
	Text   string
	ItemID string
}

// FunctionCall is a complete tool invocation issued by the engine
type FunctionCall struct {
	ResponseID string
	CallID     string
	Name       string
	Arguments  []byte
}

// ResponseDone marks the end of a model response
type ResponseDone struct {
	ID     string
	Status string
}

// EngineError is a non-fatal error reported in-band by the engine
type EngineError struct {
	Code    string
	Message string
}

// EngineClosed is posted when the engine transport fails or closes
type EngineClosed struct {
	Err error
}

func (SessionCreated) Kind() string      { return "engine.session_created" }
func (ResponseCreated) Kind() string     { return "engine.response_created" }
func (AudioDelta) Kind() string          { return "engine.audio_delta" }
func (SpeechStarted) Kind() string       { return "engine.speech_started" }
func (SpeechStopped) Kind() string       { return "engine.speech_stopped" }
func (TranscriptCompleted) Kind() string { return "engine.transcript_completed" }
func (FunctionCall) Kind() string        { return "engine.function_call" }
func (ResponseDone) Kind() string        { return "engine.response_done" }
func (EngineError) Kind() string         { return "engine.error" }
func (EngineClosed) Kind() string        { return "engine.closed" }

// Roles used in transcripts and injected conversation items
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Directions of a call
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)
