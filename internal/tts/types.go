package tts

import "time"

// Options configures the Cartesia prompter
type Options struct {
	APIKey  string
	URL     string // bytes endpoint, e.g. https://api.cartesia.ai/tts/bytes
	VoiceID string
	ModelID string
	Timeout time.Duration
}

// cartesiaRequest is the payload of the Cartesia bytes endpoint
type cartesiaRequest struct {
	ModelID      string       `json:"model_id"`
	Transcript   string       `json:"transcript"`
	Voice        voiceSpec    `json:"voice"`
	OutputFormat outputFormat `json:"output_format"`
	Language     string       `json:"language,omitempty"`
}

type voiceSpec struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type outputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}
