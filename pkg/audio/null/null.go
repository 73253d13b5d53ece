// Package null provides silent audio devices for headless runs and smoke tests.
// The input produces zero samples at real-time pace; the output renders into
// [io.Discard] on a real-time [audio.Timeline], so scheduling and clock
// behaviour match the ffmpeg backend without touching hardware.
package null

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dworldbd-stack/red698/pkg/audio"
)

var (
	_ audio.InputDevice  = Input{}
	_ audio.OutputDevice = Output{}
)

// pollInterval bounds how long Read sleeps waiting for more silence to fall due.
const pollInterval = 10 * time.Millisecond

// Input is a silent microphone.
type Input struct{}

// Open implements [audio.InputDevice].
func (Input) Open(_ context.Context, f audio.Format) (audio.InputStream, error) {
	if f.SampleRate <= 0 {
		f.SampleRate = audio.InputSampleRate
	}
	if f.Channels <= 0 {
		f.Channels = 1
	}
	return &silence{format: f, start: time.Now(), done: make(chan struct{})}, nil
}

type silence struct {
	format    audio.Format
	start     time.Time
	delivered int64

	done      chan struct{}
	closeOnce sync.Once
}

// Read blocks until at least one sample is due, then fills buf with zeros.
func (s *silence) Read(buf []float32) (int, error) {
	for {
		select {
		case <-s.done:
			return 0, io.EOF
		default:
		}
		due := int64(time.Since(s.start).Seconds()*float64(s.format.SampleRate*s.format.Channels)) - s.delivered
		if due > 0 {
			n := min(int(due), len(buf))
			clear(buf[:n])
			s.delivered += int64(n)
			return n, nil
		}
		select {
		case <-s.done:
			return 0, io.EOF
		case <-time.After(pollInterval):
		}
	}
}

func (s *silence) Format() audio.Format { return s.format }

func (s *silence) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Output is a speaker that discards everything it plays.
type Output struct{}

// Open implements [audio.OutputDevice].
func (Output) Open(_ context.Context, f audio.Format) (audio.OutputContext, error) {
	if f.SampleRate <= 0 {
		f.SampleRate = audio.OutputSampleRate
	}
	tl := audio.NewTimeline(io.Discard, f)
	go func() {
		if err := tl.Run(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("null output: render stopped", "err", err)
		}
	}()
	return tl, nil
}
