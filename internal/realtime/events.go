package realtime

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lexiqai/voice-bridge/internal/events"
)

// ErrMalformedEvent is returned for engine frames that fail validation
var ErrMalformedEvent = errors.New("malformed realtime event")

// errSkip marks frames that are valid but carry nothing the session uses
var errSkip = errors.New("skip")

// serverEvent is the union of the server event fields the bridge reads
type serverEvent struct {
	Type       string        `json:"type"`
	EventID    string        `json:"event_id"`
	ResponseID string        `json:"response_id"`
	ItemID     string        `json:"item_id"`
	CallID     string        `json:"call_id"`
	Name       string        `json:"name"`
	Arguments  string        `json:"arguments"`
	Delta      string        `json:"delta"`
	Transcript string        `json:"transcript"`
	AudioStart int64         `json:"audio_start_ms"`
	Session    *sessionInfo  `json:"session"`
	Response   *responseInfo `json:"response"`
	Error      *errorInfo    `json:"error"`
}

type sessionInfo struct {
	ID string `json:"id"`
}

type responseInfo struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type errorInfo struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ParseEvent validates one server frame and translates it into the bridge's
// event vocabulary
func ParseEvent(data []byte) (events.Event, error) {
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch ev.Type {
	case "session.created":
		if ev.Session == nil {
			return nil, fmt.Errorf("%w: session.created without session", ErrMalformedEvent)
		}
		return events.SessionCreated{ID: ev.Session.ID}, nil

	case "response.created":
		if ev.Response == nil || ev.Response.ID == "" {
			return nil, fmt.Errorf("%w: response.created without id", ErrMalformedEvent)
		}
		return events.ResponseCreated{ID: ev.Response.ID}, nil

	case "response.done":
		if ev.Response == nil || ev.Response.ID == "" {
			return nil, fmt.Errorf("%w: response.done without id", ErrMalformedEvent)
		}
		return events.ResponseDone{ID: ev.Response.ID, Status: ev.Response.Status}, nil

	case "response.audio.delta", "response.output_audio.delta":
		if ev.ItemID == "" {
			return nil, fmt.Errorf("%w: audio delta without item_id", ErrMalformedEvent)
		}
		payload, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			return nil, fmt.Errorf("%w: audio delta payload: %v", ErrMalformedEvent, err)
		}
		if len(payload) == 0 {
			return nil, errSkip
		}
		return events.AudioDelta{ResponseID: ev.ResponseID, ItemID: ev.ItemID, Payload: payload}, nil

	case "input_audio_buffer.speech_started":
		return events.SpeechStarted{ItemID: ev.ItemID, AudioStartMs: ev.AudioStart}, nil

	case "input_audio_buffer.speech_stopped":
		return events.SpeechStopped{ItemID: ev.ItemID}, nil

	case "conversation.item.input_audio_transcription.completed":
		return events.TranscriptCompleted{Role: events.RoleUser, Text: ev.Transcript, ItemID: ev.ItemID}, nil

	case "response.audio_transcript.done", "response.output_audio_transcript.done":
		return events.TranscriptCompleted{Role: events.RoleAssistant, Text: ev.Transcript, ItemID: ev.ItemID}, nil

	case "response.function_call_arguments.done":
		if ev.CallID == "" || ev.Name == "" {
			return nil, fmt.Errorf("%w: function call without call_id or name", ErrMalformedEvent)
		}
		args := ev.Arguments
		if args == "" {
			args = "{}"
		}
		return events.FunctionCall{
			ResponseID: ev.ResponseID,
			CallID:     ev.CallID,
			Name:       ev.Name,
			Arguments:  []byte(args),
		}, nil

	case "error":
		if ev.Error == nil {
			return events.EngineError{Message: "unspecified engine error"}, nil
		}
		code := ev.Error.Code
		if code == "" {
			code = ev.Error.Type
		}
		return events.EngineError{Code: code, Message: ev.Error.Message}, nil

	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}

	// session.updated, rate_limits.updated, *.delta transcripts and the rest
	return nil, errSkip
}
