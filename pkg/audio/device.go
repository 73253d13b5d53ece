// Package audio defines the sample types, wire codec, format conversion, and
// device abstractions used by the Red AI live voice path.
//
// The device abstractions mirror a browser audio graph:
//
//   - [InputDevice] opens an [InputStream] of float samples (the microphone).
//   - [OutputDevice] opens an [OutputContext], a clocked output timeline on
//     which decoded [Buffer] values are scheduled to start at absolute times.
//     Each scheduled buffer is represented by a [Voice].
//
// Implementations live in sub-packages (audio/ffmpeg for real hardware via
// ffmpeg/ffplay, audio/mock for tests). The conversation controller owns every
// device for the lifetime of one conversation.
package audio

import (
	"context"
	"errors"
)

// ErrDeviceUnavailable is returned (wrapped) when a device cannot be acquired,
// either because no device exists or access was denied.
var ErrDeviceUnavailable = errors.New("audio: device unavailable")

// InputDevice is a capture source such as a microphone.
type InputDevice interface {
	// Open acquires exclusive use of the device and starts delivering samples
	// in (or as close as possible to) format f. Failures wrap
	// [ErrDeviceUnavailable].
	Open(ctx context.Context, f Format) (InputStream, error)
}

// InputStream delivers interleaved float samples from an open input device.
type InputStream interface {
	// Read fills buf with samples and returns how many were written. It
	// returns io.EOF once the stream has ended or been closed.
	Read(buf []float32) (int, error)

	// Format reports the actual format of the delivered samples.
	Format() Format

	// Close releases the device. It is safe to call more than once.
	Close() error
}

// OutputDevice is a playback sink such as a speaker.
type OutputDevice interface {
	// Open creates an output timeline rendering at format f. Failures wrap
	// [ErrDeviceUnavailable].
	Open(ctx context.Context, f Format) (OutputContext, error)
}

// OutputContext is a clocked output timeline. Time is measured in seconds
// since the context was opened and only moves forward.
type OutputContext interface {
	// CurrentTime returns the playback position of the timeline in seconds.
	CurrentTime() float64

	// Format returns the rendering format of the timeline.
	Format() Format

	// Schedule queues buf to start playing at time at. If at lies in the past
	// playback starts immediately.
	Schedule(buf Buffer, at float64) (Voice, error)

	// Close stops rendering and releases the device. Idempotent.
	Close() error
}

// Voice is a handle to one scheduled buffer.
type Voice interface {
	// Start is the timeline instant at which the buffer begins.
	Start() float64

	// Duration is the length of the buffer in seconds.
	Duration() float64

	// Stop halts playback immediately. Stopping a finished voice is a no-op.
	Stop()

	// Done is closed once the voice has finished playing or was stopped.
	Done() <-chan struct{}
}

// Buffer is decoded, playable audio with one sample slice per channel.
type Buffer struct {
	Channels   [][]float32
	SampleRate int
}

// Frames returns the number of samples per channel.
func (b Buffer) Frames() int {
	if len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration returns the buffer length in seconds.
func (b Buffer) Duration() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(b.Frames()) / float64(b.SampleRate)
}

// Mono returns the buffer averaged down to a single channel.
func (b Buffer) Mono() []float32 {
	switch len(b.Channels) {
	case 0:
		return nil
	case 1:
		return b.Channels[0]
	}
	out := make([]float32, b.Frames())
	for _, ch := range b.Channels {
		for i := range out {
			out[i] += ch[i]
		}
	}
	n := float32(len(b.Channels))
	for i := range out {
		out[i] /= n
	}
	return out
}
