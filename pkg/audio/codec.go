package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrDecode is matched by every [DecodeError].
var ErrDecode = errors.New("audio: malformed transport payload")

// ErrMisaligned is returned by [PCM16ToFloatSamples] when the byte length is not
// a whole number of sample frames.
var ErrMisaligned = errors.New("audio: pcm length is not a multiple of 2*channels")

// DecodeError reports a transport payload that could not be decoded.
type DecodeError struct {
	// Len is the length of the offending text.
	Len int
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("audio: decode transport (%d bytes): %v", e.Len, e.Err)
}

func (e *DecodeError) Unwrap() []error { return []error{ErrDecode, e.Err} }

// EncodeTransport encodes raw bytes as padded standard base64.
func EncodeTransport(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeTransport is the inverse of [EncodeTransport]. Malformed input yields
// a [*DecodeError].
func DecodeTransport(text string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, &DecodeError{Len: len(text), Err: err}
	}
	return b, nil
}

// clampSample limits s to [-1, 1]. NaN becomes silence.
func clampSample(s float32) float32 {
	switch {
	case math.IsNaN(float64(s)):
		return 0
	case s > 1:
		return 1
	case s < -1:
		return -1
	}
	return s
}

// toPCM16 scales a sample by 32768 after clamping and saturates the result,
// so 1.0 becomes 32767 rather than wrapping to -32768.
func toPCM16(s float32) int16 {
	v := math.Round(float64(clampSample(s)) * 32768)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// SamplesToPCM16 converts float samples to signed 16-bit integers. Inputs
// outside [-1, 1] are clamped before scaling.
func SamplesToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = toPCM16(s)
	}
	return out
}

// SamplesToPCM16Bytes is [SamplesToPCM16] serialised as little-endian bytes.
func SamplesToPCM16Bytes(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(toPCM16(s)))
	}
	return out
}

// PCM16ToFloatSamples de-interleaves little-endian 16-bit PCM into one float
// buffer per channel, dividing every sample by 32768.
func PCM16ToFloatSamples(data []byte, sampleRate, channels int) ([][]float32, error) {
	if channels < 1 {
		return nil, fmt.Errorf("audio: invalid channel count %d", channels)
	}
	if sampleRate < 1 {
		return nil, fmt.Errorf("audio: invalid sample rate %d", sampleRate)
	}
	if len(data)%(2*channels) != 0 {
		return nil, fmt.Errorf("%w: %d bytes, %d channels", ErrMisaligned, len(data), channels)
	}

	frames := len(data) / 2 / channels
	out := make([][]float32, channels)
	for ch := range out {
		out[ch] = make([]float32, frames)
	}
	for i := range frames {
		for ch := range channels {
			off := (i*channels + ch) * 2
			out[ch][i] = float32(int16(binary.LittleEndian.Uint16(data[off:]))) / 32768.0
		}
	}
	return out, nil
}

// PCMMIMEType returns the descriptor for raw 16-bit PCM at rate Hz.
func PCMMIMEType(rate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(rate)
}

// ParsePCMMIMEType extracts the sample rate from a descriptor such as
// "audio/pcm;rate=24000". A descriptor without a rate parameter returns 0.
func ParsePCMMIMEType(s string) (int, error) {
	typ, params, _ := strings.Cut(s, ";")
	if !strings.EqualFold(strings.TrimSpace(typ), "audio/pcm") {
		return 0, fmt.Errorf("audio: unsupported mime type %q", s)
	}
	for p := range strings.SplitSeq(params, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		rate, err := strconv.Atoi(v)
		if err != nil || rate <= 0 {
			return 0, fmt.Errorf("audio: bad rate in mime type %q", s)
		}
		return rate, nil
	}
	return 0, nil
}

// EncodeFrame converts a frame to PCM16 and wraps it for transport.
func EncodeFrame(f AudioFrame) EncodedBlob {
	return EncodedBlob{
		Data:     EncodeTransport(SamplesToPCM16Bytes(f.Samples)),
		MIMEType: PCMMIMEType(f.SampleRate),
	}
}
