package audio

import "time"

// Sample rates used by the live voice session.
const (
	// InputSampleRate is the microphone capture rate expected by the live model.
	InputSampleRate = 16000

	// OutputSampleRate is the rate of synthesised speech returned by the live model.
	OutputSampleRate = 24000
)

// AudioFrame is one fixed-size chunk of PCM audio flowing through the capture
// or playback path. A frame is immutable once produced; each stage hands it to
// the next rather than sharing it.
type AudioFrame struct {
	// Samples holds interleaved float samples, nominally in [-1, 1].
	Samples []float32

	// SampleRate in Hz (16000 for capture, 24000 for playback).
	SampleRate int

	// Channels is the interleave factor of Samples. Always 1 for capture.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Frames returns the number of sample frames (samples per channel) in f.
func (f AudioFrame) Frames() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Samples) / f.Channels
}

// Duration returns the playback duration of f.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Frames()) * time.Second / time.Duration(f.SampleRate)
}

// EncodedBlob is a wire-ready audio payload: base64 text plus a MIME-like
// descriptor such as "audio/pcm;rate=16000". It is created once by
// [EncodeFrame] and consumed once by the session channel.
type EncodedBlob struct {
	Data     string
	MIMEType string
}
