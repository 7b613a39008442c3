package bridge

import (
	"context"
	"time"

	"github.com/lexiqai/voice-bridge/internal/audio"
	"github.com/lexiqai/voice-bridge/internal/events"
	"github.com/lexiqai/voice-bridge/internal/tools"
)

// Telephony is one caller-side media stream
type Telephony interface {
	// ReadEvent blocks for the next validated inbound event
	ReadEvent() (events.Event, error)
	SendMedia(payload []byte) error
	SendMark(name string) error
	SendClear() error
	Close() error
}

// Engine is one duplex conversation with the AI engine
type Engine interface {
	ReadEvent() (events.Event, error)
	UpdateSession(instructions string, defs []tools.Definition) error
	CreateItem(role, text string) error
	CreateResponse() error
	CancelResponse() error
	// Truncate tells the engine only audioEndMs of itemID was heard
	Truncate(itemID string, audioEndMs int64) error
	SendFunctionOutput(callID string, output []byte) error
	AppendAudio(payload []byte) error
	Close() error
}

// EngineDialer opens a new engine conversation
type EngineDialer interface {
	Dial(ctx context.Context) (Engine, error)
}

// EngineDialerFunc adapts a function to EngineDialer
type EngineDialerFunc func(ctx context.Context) (Engine, error)

func (f EngineDialerFunc) Dial(ctx context.Context) (Engine, error) { return f(ctx) }

// BusinessContext is the caller and hospital identity attached to a call.
// The bridge treats it as opaque apart from building instructions.
type BusinessContext struct {
	CallerNumber string            `json:"caller_number,omitempty" bson:"caller_number,omitempty"`
	CallerName   string            `json:"caller_name,omitempty" bson:"caller_name,omitempty"`
	PatientID    string            `json:"patient_id,omitempty" bson:"patient_id,omitempty"`
	HospitalID   string            `json:"hospital_id,omitempty" bson:"hospital_id,omitempty"`
	HospitalName string            `json:"hospital_name,omitempty" bson:"hospital_name,omitempty"`
	Language     string            `json:"language,omitempty" bson:"language,omitempty"`
	Extra        map[string]string `json:"extra,omitempty" bson:"extra,omitempty"`
}

// ContextResolver looks up business context by external call id or by a
// short-lived token handed to the telephony stream
type ContextResolver interface {
	Resolve(ctx context.Context, externalCallID, token string) (BusinessContext, error)
}

// Transcriber is the fallback speech-to-text service
type Transcriber interface {
	Transcribe(ctx context.Context, payload []byte, codec audio.Codec) (string, error)
}

// CallStart is handed to the call log when a session starts
type CallStart struct {
	StreamID       string
	ExternalCallID string
	Direction      string
	Context        BusinessContext
	StartedAt      time.Time
}

// TranscriptEntry is one line of the conversation
type TranscriptEntry struct {
	Speaker string    `json:"speaker" bson:"speaker"`
	Text    string    `json:"text" bson:"text"`
	Source  string    `json:"source" bson:"source"` // "engine" or "fallback"
	ItemID  string    `json:"item_id,omitempty" bson:"item_id,omitempty"`
	At      time.Time `json:"at" bson:"at"`
}

// ToolCallRecord summarizes one tool call for the call log
type ToolCallRecord struct {
	Name    string        `json:"name" bson:"name"`
	Success bool          `json:"success" bson:"success"`
	Error   string        `json:"error,omitempty" bson:"error,omitempty"`
	Latency time.Duration `json:"latency" bson:"latency_ns"`
	At      time.Time     `json:"at" bson:"at"`
}

// CallSummary is the final outcome persisted on finalization
type CallSummary struct {
	StreamID       string
	ExternalCallID string
	Direction      string
	Context        BusinessContext
	Transcript     []TranscriptEntry
	Intent         string
	Entities       map[string]any
	ToolCalls      []ToolCallRecord
	Reason         string
	TransferredTo  string
	StartedAt      time.Time
	EndedAt        time.Time
}

// CallLog persists call records, keyed by the id returned from Start
type CallLog interface {
	Start(ctx context.Context, start CallStart) (logID string, err error)
	// Finish writes the summary. An empty logID means Start failed and the
	// whole record must be written now.
	Finish(ctx context.Context, logID string, summary CallSummary) error
}

// CallControl redirects a live telephony call
type CallControl interface {
	Redirect(ctx context.Context, externalCallID, number string) error
}

// Prompter synthesizes a short prompt as 8kHz μ-law audio
type Prompter interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// ToolDispatcher runs engine-issued tool calls
type ToolDispatcher interface {
	Dispatch(ctx context.Context, call tools.Call, info tools.SessionInfo) tools.Result
}
