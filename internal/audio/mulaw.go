package audio

import (
	"errors"
	"math/bits"
)

// ErrOddSampleLength is returned when linear PCM input is not a whole number of 16-bit samples
var ErrOddSampleLength = errors.New("pcm16 data length must be even (16-bit samples)")

// G.711 μ-law constants (ITU-T G.711, 16-bit linear domain)
const (
	mulawBias = 0x84  // 132, added to the magnitude before segment search
	mulawClip = 32635 // magnitudes above this saturate the top segment
)

var (
	// mulawExpTable maps bits 7..14 of a biased magnitude to its segment (exponent)
	mulawExpTable [256]byte

	// mulawDecodeTable holds the linear value of every μ-law code word
	mulawDecodeTable [256]int16
)

func init() {
	for i := 1; i < 256; i++ {
		mulawExpTable[i] = byte(bits.Len8(uint8(i)) - 1)
	}
	for i := 0; i < 256; i++ {
		mulawDecodeTable[i] = decodeMulawSample(byte(i))
	}
}

// decodeMulawSample expands a single code word. Only used to build the decode table.
func decodeMulawSample(code byte) int16 {
	u := ^code
	t := (int32(u&0x0F) << 3) + mulawBias
	t <<= (u & 0x70) >> 4
	if u&0x80 != 0 {
		return int16(mulawBias - t)
	}
	return int16(t - mulawBias)
}

// LinearToMulaw compresses one 16-bit linear sample into a μ-law code word
func LinearToMulaw(sample int16) byte {
	magnitude := int32(sample)
	var sign byte
	if magnitude < 0 {
		sign = 0x80
		magnitude = -magnitude
	}
	if magnitude > mulawClip {
		magnitude = mulawClip
	}
	magnitude += mulawBias

	exponent := mulawExpTable[(magnitude>>7)&0xFF]
	mantissa := byte(magnitude>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}

// MulawToLinear expands one μ-law code word into a 16-bit linear sample
func MulawToLinear(code byte) int16 {
	return mulawDecodeTable[code]
}

// EncodeMulaw converts 16-bit signed little-endian PCM at 8kHz mono to μ-law
func EncodeMulaw(pcm16 []byte) ([]byte, error) {
	if len(pcm16)%2 != 0 {
		return nil, ErrOddSampleLength
	}
	out := make([]byte, len(pcm16)/2)
	for i := range out {
		out[i] = LinearToMulaw(int16(uint16(pcm16[i*2]) | uint16(pcm16[i*2+1])<<8))
	}
	return out, nil
}

// DecodeMulaw converts μ-law bytes to 16-bit signed little-endian PCM.
// Every byte is a valid code word, so decoding cannot fail.
func DecodeMulaw(mulaw []byte) []byte {
	out := make([]byte, len(mulaw)*2)
	for i, code := range mulaw {
		s := mulawDecodeTable[code]
		out[i*2] = byte(s)
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}
