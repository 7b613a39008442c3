package audio

import (
	"bytes"
	"math"
	"testing"
)

func TestLinearToMulaw_KnownValues(t *testing.T) {
	tests := []struct {
		sample int16
		code   byte
	}{
		{0, 0xFF},
		{-1, 0x7F},
		{32767, 0x80},
		{-32768, 0x00},
		{8, 0xFE},
		{-8, 0x7E},
	}

	for _, tt := range tests {
		if got := LinearToMulaw(tt.sample); got != tt.code {
			t.Errorf("LinearToMulaw(%d) = %#x, want %#x", tt.sample, got, tt.code)
		}
	}
}

func TestMulawToLinear_KnownValues(t *testing.T) {
	tests := []struct {
		code   byte
		sample int16
	}{
		{0xFF, 0},
		{0x7F, 0},
		{0x80, 32124},
		{0x00, -32124},
		{0xFE, 8},
		{0x7E, -8},
	}

	for _, tt := range tests {
		if got := MulawToLinear(tt.code); got != tt.sample {
			t.Errorf("MulawToLinear(%#x) = %d, want %d", tt.code, got, tt.sample)
		}
	}
}

// quantizationBound is the worst-case G.711 μ-law error for a magnitude:
// half a quantization step inside the companding range, saturation above it.
func quantizationBound(magnitude int32) int32 {
	if magnitude > mulawClip {
		return magnitude - 32124 + 1
	}
	return (magnitude+mulawBias)/32 + 1
}

func TestMulaw_RoundTripAllSamples(t *testing.T) {
	for s := math.MinInt16; s <= math.MaxInt16; s++ {
		sample := int16(s)
		decoded := MulawToLinear(LinearToMulaw(sample))

		diff := int32(sample) - int32(decoded)
		if diff < 0 {
			diff = -diff
		}
		magnitude := int32(sample)
		if magnitude < 0 {
			magnitude = -magnitude
		}
		if bound := quantizationBound(magnitude); diff > bound {
			t.Fatalf("sample %d decoded to %d (error %d > bound %d)", sample, decoded, diff, bound)
		}
	}
}

func TestMulaw_CodeWordsAreStable(t *testing.T) {
	// decode(encode(decode(c))) must equal decode(c) for every code word
	for c := 0; c < 256; c++ {
		linear := MulawToLinear(byte(c))
		if again := MulawToLinear(LinearToMulaw(linear)); again != linear {
			t.Errorf("code %#x: %d re-encoded to %d", c, linear, again)
		}
	}
}

func TestEncodeDecodeMulaw_Pure(t *testing.T) {
	pcm := SamplesToBytes([]int16{0, 100, -100, 1000, -1000, 12000, -12000, 32767, -32768})

	first, err := EncodeMulaw(pcm)
	if err != nil {
		t.Fatalf("EncodeMulaw failed: %v", err)
	}
	second, err := EncodeMulaw(pcm)
	if err != nil {
		t.Fatalf("EncodeMulaw failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("EncodeMulaw is not a pure function of its input")
	}

	if !bytes.Equal(DecodeMulaw(first), DecodeMulaw(second)) {
		t.Error("DecodeMulaw is not a pure function of its input")
	}

	if len(DecodeMulaw(first)) != len(pcm) {
		t.Errorf("Expected decoded length %d, got %d", len(pcm), len(DecodeMulaw(first)))
	}
}

func TestEncodeMulaw_OddLength(t *testing.T) {
	if _, err := EncodeMulaw([]byte{0x01, 0x02, 0x03}); err != ErrOddSampleLength {
		t.Errorf("Expected ErrOddSampleLength, got %v", err)
	}
}

func TestEncodeMulaw_Empty(t *testing.T) {
	out, err := EncodeMulaw(nil)
	if err != nil {
		t.Fatalf("Expected no error for empty input, got %v", err)
	}
	if len(out) != 0 {
		t.Errorf("Expected empty output, got %d bytes", len(out))
	}
}
