package audio

import "time"

// Codec tags the encoding of a frame payload
type Codec string

const (
	// CodecMulaw is 8-bit G.711 μ-law (Twilio's wire format)
	CodecMulaw Codec = "audio/x-mulaw"
	// CodecPCM16 is 16-bit signed little-endian linear PCM
	CodecPCM16 Codec = "audio/x-l16"
)

// SampleRate is the telephony sample rate in Hz
const SampleRate = 8000

// Frame is one chunk of inbound telephony audio. It is never persisted.
type Frame struct {
	Payload []byte
	Codec   Codec
	// Timestamp is the telephony-side clock, monotonic per stream
	Timestamp time.Duration
}

// Duration returns the playback length of the payload at 8kHz mono
func (f Frame) Duration() time.Duration {
	samples := len(f.Payload)
	if f.Codec == CodecPCM16 {
		samples /= 2
	}
	return time.Duration(samples) * time.Second / SampleRate
}
