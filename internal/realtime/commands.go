package realtime

import (
	"github.com/lexiqai/voice-bridge/internal/events"
	"github.com/lexiqai/voice-bridge/internal/tools"
)

// command is any client event. Unused fields are omitted on the wire.
type command struct {
	Type         string         `json:"type"`
	Session      *sessionConfig `json:"session,omitempty"`
	Item         *item          `json:"item,omitempty"`
	ItemID       string         `json:"item_id,omitempty"`
	ContentIndex *int           `json:"content_index,omitempty"`
	AudioEndMs   *int64         `json:"audio_end_ms,omitempty"`
	Audio        string         `json:"audio,omitempty"`
}

type sessionConfig struct {
	Modalities              []string           `json:"modalities"`
	Instructions            string             `json:"instructions"`
	Voice                   string             `json:"voice,omitempty"`
	InputAudioFormat        string             `json:"input_audio_format"`
	OutputAudioFormat       string             `json:"output_audio_format"`
	InputAudioTranscription *transcription     `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection     `json:"turn_detection,omitempty"`
	Tools                   []tools.Definition `json:"tools"`
	ToolChoice              string             `json:"tool_choice,omitempty"`
}

type transcription struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type item struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []contentPart `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func sessionUpdate(instructions, voice string, defs []tools.Definition) command {
	if defs == nil {
		defs = []tools.Definition{}
	}
	return command{
		Type: "session.update",
		Session: &sessionConfig{
			Modalities:              []string{"audio", "text"},
			Instructions:            instructions,
			Voice:                   voice,
			InputAudioFormat:        audioFormat,
			OutputAudioFormat:       audioFormat,
			InputAudioTranscription: &transcription{Model: transcriptionModel},
			TurnDetection:           &turnDetection{Type: "server_vad"},
			Tools:                   defs,
			ToolChoice:              "auto",
		},
	}
}

// messageItem builds a conversation message. Assistant content is plain
// text; user and system content is input text.
func messageItem(role, text string) command {
	partType := "input_text"
	if role == events.RoleAssistant {
		partType = "text"
	}
	return command{
		Type: "conversation.item.create",
		Item: &item{
			Type:    "message",
			Role:    role,
			Content: []contentPart{{Type: partType, Text: text}},
		},
	}
}
