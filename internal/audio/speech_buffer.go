package audio

import "time"

// DefaultMinSpeech is the utterance length a fallback transcription needs to exceed
const DefaultMinSpeech = 800 * time.Millisecond

// SpeechBuffer accumulates raw inbound audio for one user utterance.
// It is confined to the owning session's handler goroutine and is not safe for concurrent use.
type SpeechBuffer struct {
	chunks      [][]byte
	totalSize   int
	duration    time.Duration
	startedAt   time.Duration
	endsAt      time.Duration
	codec       Codec
	minDuration time.Duration
}

// NewSpeechBuffer creates a buffer that reports readiness after minDuration of audio
func NewSpeechBuffer(minDuration time.Duration) *SpeechBuffer {
	if minDuration <= 0 {
		minDuration = DefaultMinSpeech
	}
	return &SpeechBuffer{minDuration: minDuration, codec: CodecMulaw}
}

// AddChunk appends a frame's payload. The first chunk fixes the start timestamp and codec.
func (b *SpeechBuffer) AddChunk(f Frame) {
	if len(f.Payload) == 0 {
		return
	}
	if len(b.chunks) == 0 {
		b.startedAt = f.Timestamp
		if f.Codec != "" {
			b.codec = f.Codec
		}
	}
	chunk := make([]byte, len(f.Payload))
	copy(chunk, f.Payload)
	b.chunks = append(b.chunks, chunk)
	b.totalSize += len(chunk)
	b.duration += f.Duration()
	b.endsAt = max(b.endsAt, f.Timestamp+f.Duration())
}

// HasEnoughAudio reports whether at least one chunk exists and the transport
// time spanned since the first chunk exceeds the minimum threshold. Streams
// without timestamps fall back to the buffered payload length.
func (b *SpeechBuffer) HasEnoughAudio() bool {
	return len(b.chunks) > 0 && b.Elapsed() > b.minDuration
}

// Elapsed returns the telephony time covered from the first chunk to the end
// of the latest one
func (b *SpeechBuffer) Elapsed() time.Duration {
	return max(b.endsAt-b.startedAt, b.duration)
}

// Bytes returns a copy of all buffered audio, in arrival order
func (b *SpeechBuffer) Bytes() []byte {
	out := make([]byte, 0, b.totalSize)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	return out
}

// Duration returns the buffered audio length
func (b *SpeechBuffer) Duration() time.Duration { return b.duration }

// StartedAt returns the telephony timestamp of the first chunk
func (b *SpeechBuffer) StartedAt() time.Duration { return b.startedAt }

// Codec returns the codec of the buffered audio
func (b *SpeechBuffer) Codec() Codec { return b.codec }

// Len returns the number of buffered chunks
func (b *SpeechBuffer) Len() int { return len(b.chunks) }

// Clear resets the buffer for the next utterance
func (b *SpeechBuffer) Clear() {
	b.chunks = b.chunks[:0]
	b.totalSize = 0
	b.duration = 0
	b.startedAt = 0
	b.endsAt = 0
}
