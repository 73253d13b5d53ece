package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/dworldbd-stack/red698/internal/chat"
	"github.com/dworldbd-stack/red698/internal/conversation"
	"github.com/dworldbd-stack/red698/internal/mode"
	"github.com/dworldbd-stack/red698/internal/resilience"
	"github.com/dworldbd-stack/red698/internal/transcript"
	"github.com/dworldbd-stack/red698/pkg/audio"
	"github.com/dworldbd-stack/red698/pkg/provider/live"
)

const helpText = `commands:
  /voice          start a voice conversation
  /stop           end the voice conversation
  /mode [name]    show or switch the assistant mode
  /modes          list assistant modes
  /transcript     print the whole transcript
  /status         show voice, mode and provider status
  /help           show this help
  /quit           exit
anything else is sent as a text message`

// statusReporter is implemented by providers that expose breaker state, such
// as [resilience.LLMFallback].
type statusReporter interface {
	Status() []resilience.EntryStatus
}

// Console is the line-oriented user interface on a reader and a writer.
// Transcript items are printed as they are appended, from any source.
type Console struct {
	in    io.Reader
	chat  *chat.Service           // nil when no text provider is configured
	voice *conversation.Controller // nil when no live provider is configured
	modes *mode.Registry
	log   *transcript.Log

	mu            sync.Mutex // serialises writes to out
	out           io.Writer
	wasListening  bool
	announced     bool
	providerState statusReporter
}

// NewConsole creates a console. chat and voice may be nil.
func NewConsole(in io.Reader, out io.Writer, chat *chat.Service, voice *conversation.Controller, modes *mode.Registry, log *transcript.Log) *Console {
	return &Console{in: in, out: out, chat: chat, voice: voice, modes: modes, log: log}
}

// closeInput unblocks the reader goroutine when the input is closable.
// Stdin is left open for the rest of the process.
func (c *Console) closeInput() {
	if c.in == io.Reader(os.Stdin) {
		return
	}
	if cl, ok := c.in.(io.Closer); ok {
		_ = cl.Close()
	}
}

// Run prints the transcript so far and processes input lines until /quit,
// end of input, or ctx is cancelled. Items appended before Run returns are
// always printed.
func (c *Console) Run(ctx context.Context) error {
	items, cancel := c.log.Subscribe()
	seen := make(map[string]struct{})
	for _, it := range c.log.Items() {
		seen[it.ID] = struct{}{}
		c.printItem(it)
	}
	active := c.modes.Active()
	c.printf("mode: %s. type /help for commands\n", active.Title)

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for it := range items {
			if _, dup := seen[it.ID]; dup {
				continue
			}
			c.printItem(it)
		}
	}()
	defer func() {
		cancel()
		<-printed
	}()

	// The reader goroutine sits in Scan until a line arrives or the input
	// ends. On cancel Run closes inputs that can be closed; a scan of
	// os.Stdin outlives Run and ends with the process.
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			c.closeInput()
			return nil
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("app: console: read: %w", err)
			}
			return nil
		case line := <-lines:
			if quit := c.dispatch(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

// dispatch executes one input line and reports whether the user asked to quit.
func (c *Console) dispatch(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		c.send(ctx, line)
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/voice":
		c.startVoice(ctx)
	case "/stop":
		c.stopVoice()
	case "/mode":
		c.switchMode(arg)
	case "/modes":
		c.listModes()
	case "/transcript":
		for _, it := range c.log.Items() {
			c.printItem(it)
		}
	case "/status":
		c.printStatus()
	case "/help":
		c.printf("%s\n", helpText)
	case "/quit", "/exit":
		return true
	default:
		c.printf("unknown command %s, type /help\n", cmd)
	}
	return false
}

func (c *Console) send(ctx context.Context, text string) {
	if c.chat == nil {
		c.printf("text chat is not configured\n")
		return
	}
	if _, err := c.chat.Send(ctx, text); err != nil {
		c.printf("message not sent: %v\n", err)
	}
}

func (c *Console) startVoice(ctx context.Context) {
	if c.voice == nil {
		c.printf("voice is not configured\n")
		return
	}
	err := c.voice.Start(ctx)
	switch {
	case err == nil:
	case errors.Is(err, conversation.ErrAlreadyActive):
		c.printf("a voice conversation is already running, /stop ends it\n")
	case errors.Is(err, audio.ErrDeviceUnavailable):
		c.printf("microphone or speaker unavailable: %v\n", err)
	default:
		c.printf("voice failed to start: %v\n", err)
	}
}

func (c *Console) stopVoice() {
	if c.voice == nil || c.voice.State() == conversation.StateIdle {
		c.printf("no voice conversation is running\n")
		return
	}
	c.voice.Stop()
}

func (c *Console) switchMode(name string) {
	if name == "" {
		m := c.modes.Active()
		c.printf("mode: %s (%s)\n", m.Title, m.Name)
		return
	}
	if err := c.modes.SetActive(name); err != nil {
		if errors.Is(err, mode.ErrUnknownMode) {
			c.printf("unknown mode %q, see /modes\n", name)
			return
		}
		c.printf("mode switch failed: %v\n", err)
		return
	}
	m := c.modes.Active()
	c.printf("mode: %s\n", m.Title)
	if c.voice != nil && c.voice.State() != conversation.StateIdle {
		c.printf("the running voice conversation keeps its mode until restarted\n")
	}
}

func (c *Console) listModes() {
	active := c.modes.Active().Name
	for _, m := range c.modes.List() {
		marker := " "
		if m.Name == active {
			marker = "*"
		}
		c.printf("%s %-10s %s\n", marker, m.Name, m.Title)
	}
}

func (c *Console) printStatus() {
	voice := "not configured"
	if c.voice != nil {
		voice = c.voice.State().String()
		if c.voice.Listening() {
			voice += ", listening"
		}
		if err := c.voice.Err(); err != nil && c.voice.State() == conversation.StateIdle {
			voice += fmt.Sprintf(" (last error: %v)", err)
		}
	}
	c.printf("voice: %s\n", voice)
	c.printf("mode: %s\n", c.modes.Active().Title)
	c.printf("transcript: %d items\n", c.log.Len())
	if c.providerState != nil {
		for _, s := range c.providerState.Status() {
			c.printf("llm %s: %s\n", s.Name, s.State)
		}
	}
}

// OnNotice renders controller state changes. It is registered as the
// controller's notify hook.
func (c *Console) OnNotice(n conversation.Notice) {
	if n.Err != nil {
		var chErr *live.ChannelError
		switch {
		case errors.As(n.Err, &chErr), errors.Is(n.Err, live.ErrChannelClosed):
			c.printf("connection error, type /voice to retry (%v)\n", n.Err)
		case errors.Is(n.Err, audio.ErrDeviceUnavailable):
			c.printf("microphone lost: %v\n", n.Err)
		default:
			c.printf("voice ended: %v\n", n.Err)
		}
		c.resetVoice()
		return
	}

	switch n.State {
	case conversation.StateConnecting:
		c.printf("connecting...\n")
	case conversation.StateOpen:
		if c.voiceOpen() {
			c.printf("voice connected, speak now\n")
		}
	case conversation.StateIdle:
		c.printf("voice stopped\n")
		c.resetVoice()
		return
	}
	c.setListening(n.Listening)
}

func (c *Console) resetVoice() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.announced = false
	c.wasListening = false
}

// voiceOpen reports whether this is the first Open notice of the current
// conversation.
func (c *Console) voiceOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	first := !c.announced
	c.announced = true
	return first
}

// setListening prints the [listening] marker on a rising edge.
func (c *Console) setListening(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v && !c.wasListening {
		fmt.Fprintln(c.out, "[listening]")
	}
	c.wasListening = v
}

func (c *Console) printItem(it transcript.Item) {
	c.printf("%s: %s\n", it.Speaker, it.Text)
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}
