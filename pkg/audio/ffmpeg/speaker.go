package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"

	"github.com/dworldbd-stack/red698/pkg/audio"
)

var (
	_ audio.OutputDevice  = (*Speaker)(nil)
	_ audio.OutputContext = (*speakerOutput)(nil)
)

// SpeakerOption configures a [Speaker].
type SpeakerOption func(*Speaker)

// WithFFplayPath overrides the ffplay executable. Default "ffplay".
func WithFFplayPath(path string) SpeakerOption {
	return func(s *Speaker) {
		if path != "" {
			s.path = path
		}
	}
}

// WithVolume sets the ffplay volume in [0, 100]. Default 100.
func WithVolume(v int) SpeakerOption {
	return func(s *Speaker) {
		if v > 0 && v <= 100 {
			s.volume = v
		}
	}
}

// Speaker is an [audio.OutputDevice] that plays through an ffplay subprocess.
// Each Open starts a new ffplay process fed by an [audio.Timeline].
type Speaker struct {
	path     string
	logLevel string
	volume   int
}

// NewSpeaker creates a speaker output device.
func NewSpeaker(opts ...SpeakerOption) *Speaker {
	s := &Speaker{path: "ffplay", logLevel: "error", volume: 100}
	for _, o := range opts {
		o(s)
	}
	return s
}

// playArgs builds the ffplay command line for raw s16le input in format f.
// ffplay takes -ch_layout rather than ffmpeg's -ac.
func (s *Speaker) playArgs(f audio.Format) []string {
	layout := "mono"
	if f.Channels == 2 {
		layout = "stereo"
	}
	return []string{
		"-hide_banner",
		"-loglevel", s.logLevel,
		"-nostats",
		"-nodisp",
		"-autoexit",
		"-volume", strconv.Itoa(s.volume),
		"-f", "s16le",
		"-ch_layout", layout,
		"-ar", strconv.Itoa(f.SampleRate),
		"-i", "-",
	}
}

// Open implements [audio.OutputDevice].
func (s *Speaker) Open(_ context.Context, f audio.Format) (audio.OutputContext, error) {
	if f.SampleRate <= 0 {
		f.SampleRate = audio.OutputSampleRate
	}
	if f.Channels <= 0 {
		f.Channels = 1
	}

	cmd := exec.Command(s.path, s.playArgs(f)...)
	if runtime.GOOS == "darwin" && os.Getenv("SDL_AUDIODRIVER") == "" {
		// SDL may otherwise pick a silent dummy backend.
		cmd.Env = append(os.Environ(), "SDL_AUDIODRIVER=coreaudio")
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffplay: stdin pipe: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("%w: start %s: %v", audio.ErrDeviceUnavailable, s.path, err)
	}
	slog.Debug("ffplay started", "pid", cmd.Process.Pid, "format", f.String())

	out := &speakerOutput{
		Timeline: audio.NewTimeline(stdin, f),
		cmd:      cmd,
		stdin:    stdin,
	}
	runCtx, cancel := context.WithCancel(context.Background())
	out.cancel = cancel
	go func() {
		if err := out.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("ffplay: render stopped", "err", err)
		}
	}()
	return out, nil
}

// speakerOutput couples a timeline with the ffplay process it feeds.
type speakerOutput struct {
	*audio.Timeline

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	cancel context.CancelFunc

	closeOnce sync.Once
}

// Close stops rendering, then closes ffplay's stdin and kills the process.
func (o *speakerOutput) Close() error {
	o.closeOnce.Do(func() {
		_ = o.Timeline.Close()
		o.cancel()
		_ = o.stdin.Close()
		if o.cmd.Process != nil {
			_ = o.cmd.Process.Kill()
		}
		_ = o.cmd.Wait()
	})
	return nil
}
