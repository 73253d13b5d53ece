package audio_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/dworldbd-stack/red698/pkg/audio"
)

func TestTransport_RoundTrip(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(1, 2))

	cases := [][]byte{nil, {}, {0}, {0xff, 0x00}, {1, 2, 3}, {0, 0, 0, 0}}
	for n := range 64 {
		b := make([]byte, n*7+1)
		for i := range b {
			b[i] = byte(rng.UintN(256))
		}
		cases = append(cases, b)
	}

	for _, b := range cases {
		got, err := audio.DecodeTransport(audio.EncodeTransport(b))
		if err != nil {
			t.Fatalf("DecodeTransport(%x): %v", b, err)
		}
		if !bytes.Equal(got, b) {
			t.Errorf("round trip mismatch: got %x, want %x", got, b)
		}
	}
}

func TestDecodeTransport_Malformed(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"!!!!", "abc", "QUJD=QUJD"} {
		_, err := audio.DecodeTransport(in)
		if err == nil {
			t.Fatalf("DecodeTransport(%q): expected error", in)
		}
		if !errors.Is(err, audio.ErrDecode) {
			t.Errorf("DecodeTransport(%q): error %v does not match ErrDecode", in, err)
		}
		var de *audio.DecodeError
		if !errors.As(err, &de) {
			t.Errorf("DecodeTransport(%q): error is not *DecodeError", in)
		}
	}
}

func TestPCM_RoundTripWithinQuantisation(t *testing.T) {
	t.Parallel()
	const tol = 1.0 / 32768
	for i := -100; i <= 100; i++ {
		s := float32(i) / 100
		pcm := audio.SamplesToPCM16Bytes([]float32{s})
		chans, err := audio.PCM16ToFloatSamples(pcm, 16000, 1)
		if err != nil {
			t.Fatalf("PCM16ToFloatSamples: %v", err)
		}
		if d := math.Abs(float64(chans[0][0] - s)); d > tol {
			t.Errorf("sample %v: round trip %v differs by %v", s, chans[0][0], d)
		}
	}
}

func TestSamplesToPCM16_Clamping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   float32
		want int16
	}{
		{"zero", 0, 0},
		{"half", 0.5, 16384},
		{"negative half", -0.5, -16384},
		{"full scale positive saturates", 1, 32767},
		{"full scale negative", -1, -32768},
		{"over range clamps", 1.7, 32767},
		{"under range clamps", -3, -32768},
		{"positive infinity", float32(math.Inf(1)), 32767},
		{"negative infinity", float32(math.Inf(-1)), -32768},
		{"nan is silence", float32(math.NaN()), 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := audio.SamplesToPCM16([]float32{tc.in})
			if got[0] != tc.want {
				t.Errorf("SamplesToPCM16(%v) = %d, want %d", tc.in, got[0], tc.want)
			}
		})
	}
}

func TestPCM16ToFloatSamples_Deinterleaves(t *testing.T) {
	t.Parallel()
	raw := make([]byte, 8)
	for i, s := range []int16{16384, -16384, 8192, -32768} {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(s))
	}
	chans, err := audio.PCM16ToFloatSamples(raw, 24000, 2)
	if err != nil {
		t.Fatalf("PCM16ToFloatSamples: %v", err)
	}
	if len(chans) != 2 || len(chans[0]) != 2 || len(chans[1]) != 2 {
		t.Fatalf("unexpected shape %d x %d", len(chans), len(chans[0]))
	}
	want := [][]float32{{0.5, 0.25}, {-0.5, -1}}
	for c := range want {
		for i := range want[c] {
			if chans[c][i] != want[c][i] {
				t.Errorf("chans[%d][%d] = %v, want %v", c, i, chans[c][i], want[c][i])
			}
		}
	}
}

func TestPCM16ToFloatSamples_Errors(t *testing.T) {
	t.Parallel()
	if _, err := audio.PCM16ToFloatSamples(make([]byte, 3), 24000, 1); !errors.Is(err, audio.ErrMisaligned) {
		t.Errorf("odd length: got %v, want ErrMisaligned", err)
	}
	if _, err := audio.PCM16ToFloatSamples(make([]byte, 6), 24000, 2); !errors.Is(err, audio.ErrMisaligned) {
		t.Errorf("partial stereo frame: got %v, want ErrMisaligned", err)
	}
	if _, err := audio.PCM16ToFloatSamples(make([]byte, 4), 24000, 0); err == nil {
		t.Error("zero channels: expected error")
	}
	if _, err := audio.PCM16ToFloatSamples(make([]byte, 4), 0, 1); err == nil {
		t.Error("zero rate: expected error")
	}
}

func TestParsePCMMIMEType(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"audio/pcm;rate=16000", 16000, false},
		{"audio/pcm; rate=24000", 24000, false},
		{"AUDIO/PCM;RATE=8000", 8000, false},
		{"audio/pcm", 0, false},
		{"audio/pcm;rate=abc", 0, true},
		{"audio/opus;rate=48000", 0, true},
	}
	for _, tc := range tests {
		got, err := audio.ParsePCMMIMEType(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParsePCMMIMEType(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("ParsePCMMIMEType(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
	if got := audio.PCMMIMEType(16000); got != "audio/pcm;rate=16000" {
		t.Errorf("PCMMIMEType(16000) = %q", got)
	}
}

func TestEncodeFrame(t *testing.T) {
	t.Parallel()
	blob := audio.EncodeFrame(audio.AudioFrame{
		Samples:    []float32{0.5, -0.5},
		SampleRate: 16000,
		Channels:   1,
	})
	if blob.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("MIMEType = %q", blob.MIMEType)
	}
	raw, err := audio.DecodeTransport(blob.Data)
	if err != nil {
		t.Fatalf("DecodeTransport: %v", err)
	}
	if len(raw) != 4 {
		t.Fatalf("len(raw) = %d, want 4", len(raw))
	}
	if got := int16(binary.LittleEndian.Uint16(raw)); got != 16384 {
		t.Errorf("first sample = %d, want 16384", got)
	}
}
