// Package live defines the Provider interface for full-duplex voice sessions
// with a remote speech model.
//
// A live session streams microphone audio out and receives synthesised speech,
// partial transcriptions of both speakers, and turn boundaries back. All
// inbound traffic is delivered as a single ordered stream of [Event] values so
// that a consumer can process it in one loop without callbacks.
//
// Implementations must be safe for concurrent use.
package live

import (
	"context"
	"errors"
	"fmt"

	"github.com/dworldbd-stack/red698/pkg/audio"
)

// ErrChannelClosed is returned by Session methods after the channel has ended,
// and is the cause reported by an unexpected remote close.
var ErrChannelClosed = errors.New("live: channel closed")

// ErrBackpressure is returned by SendRealtimeInput when the outbound queue is
// full and the frame was dropped.
var ErrBackpressure = errors.New("live: outbound queue full, frame dropped")

// ChannelError reports a failure of the remote session.
type ChannelError struct {
	// Op names the failing step, e.g. "dial", "read", "server".
	Op  string
	Err error
}

func (e *ChannelError) Error() string { return fmt.Sprintf("live: %s: %v", e.Op, e.Err) }

func (e *ChannelError) Unwrap() error { return e.Err }

// EventKind classifies an inbound session event.
type EventKind int

const (
	// EventOpen is emitted once when the remote end acknowledged the session
	// setup and is ready for audio.
	EventOpen EventKind = iota

	// EventMessage carries model output or transcription for the current turn.
	EventMessage

	// EventError reports that the channel entered a failed state.
	EventError

	// EventClose is always the last event. The events channel is closed after it.
	EventClose
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Message holds every field of one server message. Any subset may be set.
type Message struct {
	// InputText is a partial transcription of the user's speech.
	InputText string

	// OutputText is a partial transcription of the model's speech.
	OutputText string

	// Audio holds encoded speech chunks in arrival order.
	Audio []audio.EncodedBlob

	// TurnComplete marks the end of one conversational turn.
	TurnComplete bool

	// Interrupted reports that the model stopped speaking because the user
	// started talking.
	Interrupted bool
}

// Empty reports whether m carries no content at all.
func (m Message) Empty() bool {
	return m.InputText == "" && m.OutputText == "" && len(m.Audio) == 0 && !m.TurnComplete && !m.Interrupted
}

// Transport close codes a remote uses to end a session on purpose.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
)

// CloseInfo describes how the channel ended.
type CloseInfo struct {
	// Code is the transport close code, if any.
	Code int

	// Reason is the transport close reason, if any.
	Reason string

	// Local is true when the close was requested through Session.Close.
	Local bool
}

// Clean reports whether the remote ended the channel on purpose. Any other
// code, including none at all, means the channel was lost.
func (ci CloseInfo) Clean() bool {
	return ci.Code == CloseNormal || ci.Code == CloseGoingAway
}

// Event is one inbound session event. Only the field matching Kind is set.
type Event struct {
	Kind    EventKind
	Message Message
	Err     error
	Close   CloseInfo
}

// SessionConfig carries the per-session parameters sent at setup.
type SessionConfig struct {
	// Model overrides the provider's default model for this session.
	Model string

	// Voice is the prebuilt voice name, e.g. "Zephyr".
	Voice string

	// Instructions is the system instruction for the session.
	Instructions string

	// InputTranscription requests transcription of the user's speech.
	InputTranscription bool

	// OutputTranscription requests transcription of the model's speech.
	OutputTranscription bool
}

// Session is an open duplex voice channel.
type Session interface {
	// SendRealtimeInput queues one encoded audio frame for transmission and
	// returns without waiting for the network. Frames are written in the order
	// they were queued. Frames queued before the session is open are held and
	// written once it opens.
	SendRealtimeInput(ctx context.Context, blob audio.EncodedBlob) error

	// Events returns the ordered stream of inbound events. The channel is
	// closed after the EventClose event.
	Events() <-chan Event

	// Close requests a graceful shutdown. It never fails on an already closed
	// session.
	Close() error
}

// Provider creates live sessions.
type Provider interface {
	// Connect dials the remote service and sends the session setup. It
	// returns as soon as the setup is on the wire; readiness is signalled by
	// EventOpen on the returned session.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}
