// Package ffmpeg implements the audio device interfaces on top of the ffmpeg
// and ffplay command line tools. Capture runs ffmpeg against the platform
// audio server (PulseAudio by default) and reads raw PCM from its stdout;
// playback feeds a software [audio.Timeline] into ffplay's stdin.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/dworldbd-stack/red698/pkg/audio"
)

var (
	_ audio.InputDevice = (*Capture)(nil)
	_ audio.InputStream = (*captureStream)(nil)
)

const (
	defaultStartupWait = 250 * time.Millisecond
	stopGrace          = 1200 * time.Millisecond
)

// ── Options ────────────────────────────────────────────────────────────────────

// CaptureOption configures a [Capture].
type CaptureOption func(*Capture)

// WithFFmpegPath overrides the ffmpeg executable. Default "ffmpeg".
func WithFFmpegPath(path string) CaptureOption {
	return func(c *Capture) {
		if path != "" {
			c.command = path
		}
	}
}

// WithInputFormat sets the ffmpeg input format (-f), e.g. "pulse", "alsa",
// "avfoundation". Default "pulse".
func WithInputFormat(format string) CaptureOption {
	return func(c *Capture) {
		if format != "" {
			c.inputFormat = format
		}
	}
}

// WithInputDevice sets the ffmpeg input device (-i). Default "default".
func WithInputDevice(device string) CaptureOption {
	return func(c *Capture) {
		if device != "" {
			c.inputDevice = device
		}
	}
}

// WithStartupWait sets how long Open waits for ffmpeg to fail before treating
// the capture as started.
func WithStartupWait(d time.Duration) CaptureOption {
	return func(c *Capture) {
		if d > 0 {
			c.startupWait = d
		}
	}
}

// ── Capture ────────────────────────────────────────────────────────────────────

// Capture is an [audio.InputDevice] backed by an ffmpeg subprocess.
type Capture struct {
	command     string
	inputFormat string
	inputDevice string
	startupWait time.Duration
}

// NewCapture creates a microphone capture device.
func NewCapture(opts ...CaptureOption) *Capture {
	c := &Capture{
		command:     "ffmpeg",
		inputFormat: "pulse",
		inputDevice: "default",
		startupWait: defaultStartupWait,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// captureArgs builds the ffmpeg command line for format f.
func (c *Capture) captureArgs(f audio.Format) []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", c.inputFormat,
		"-i", c.inputDevice,
		"-ac", strconv.Itoa(f.Channels),
		"-ar", strconv.Itoa(f.SampleRate),
		"-f", "s16le",
		"-",
	}
}

// Open implements [audio.InputDevice]. The process is started outside ctx so
// that the stream outlives the call; ctx only bounds the startup check.
func (c *Capture) Open(ctx context.Context, f audio.Format) (audio.InputStream, error) {
	if f.SampleRate <= 0 {
		f.SampleRate = audio.InputSampleRate
	}
	if f.Channels <= 0 {
		f.Channels = 1
	}

	cmd := exec.Command(c.command, c.captureArgs(f)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", audio.ErrDeviceUnavailable, c.command, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		if err != nil {
			return nil, fmt.Errorf("%w: ffmpeg exited before capture started: %v: %s",
				audio.ErrDeviceUnavailable, err, bytes.TrimSpace(stderr.Bytes()))
		}
		return nil, fmt.Errorf("%w: ffmpeg exited before capture started", audio.ErrDeviceUnavailable)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitErr
		return nil, ctx.Err()
	case <-time.After(c.startupWait):
	}

	return &captureStream{
		stdout:  stdout,
		stderr:  &stderr,
		process: cmd.Process,
		waitErr: waitErr,
		format:  f,
	}, nil
}

// ── captureStream ──────────────────────────────────────────────────────────────

type captureStream struct {
	stdout io.ReadCloser
	stderr *bytes.Buffer

	process *os.Process
	waitErr <-chan error
	format  audio.Format

	raw []byte

	stopOnce sync.Once
	stopErr  error
}

// Read fills buf with converted samples. It blocks until len(buf) samples are
// available or the process ends.
func (s *captureStream) Read(buf []float32) (int, error) {
	need := len(buf) * 2
	if cap(s.raw) < need {
		s.raw = make([]byte, need)
	}
	raw := s.raw[:need]

	n, err := io.ReadFull(s.stdout, raw)
	samples := n / 2
	if samples > 0 {
		chans, convErr := audio.PCM16ToFloatSamples(raw[:samples*2], s.format.SampleRate, 1)
		if convErr != nil {
			return 0, convErr
		}
		copy(buf, chans[0])
	}
	switch {
	case err == nil:
		return samples, nil
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, os.ErrClosed):
		return samples, io.EOF
	default:
		return samples, err
	}
}

func (s *captureStream) Format() audio.Format { return s.format }

// Close interrupts ffmpeg, escalating to kill after a grace period, and
// releases the pipe. Subsequent calls return the first result.
func (s *captureStream) Close() error {
	s.stopOnce.Do(func() {
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		case <-time.After(stopGrace):
			if s.process != nil {
				_ = s.process.Kill()
			}
			if err, ok := <-s.waitErr; ok {
				s.stopErr = normalizeStopErr(err)
			}
		}

		if closeErr := s.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) && s.stopErr == nil {
			s.stopErr = closeErr
		}

		if s.stopErr != nil && s.stderr.Len() > 0 {
			s.stopErr = fmt.Errorf("ffmpeg: %w: %s", s.stopErr, bytes.TrimSpace(s.stderr.Bytes()))
		}
	})
	return s.stopErr
}

// normalizeStopErr treats a non-zero exit caused by our own interrupt as a
// clean stop.
func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
