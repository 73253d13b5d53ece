// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions. Use
// Session to script the inbound event stream and inspect the frames the
// caller sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Open()
//	sess.Deliver(live.Message{OutputText: "Hello", TurnComplete: true})
package mock

import (
	"context"
	"sync"

	"github.com/dworldbd-stack/red698/pkg/audio"
	"github.com/dworldbd-stack/red698/pkg/provider/live"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg live.SessionConfig
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. If nil, Connect returns a new Session.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Gate, if non-nil, makes Connect block until it is closed or the context
	// is cancelled.
	Gate chan struct{}

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	sessions []*Session
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	gate := p.Gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	sess := p.Session
	if sess == nil {
		sess = NewSession()
	}
	p.sessions = append(p.sessions, sess)
	return sess, nil
}

// CallCountConnect returns the number of Connect calls. Thread-safe.
func (p *Provider) CallCountConnect() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// LastSession returns the most recently handed out session, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

var _ live.Provider = (*Provider)(nil)

// Session is a mock implementation of live.Session. Events are scripted with
// Open, Deliver, Fail and End; Close ends the stream with a local close event.
type Session struct {
	mu     sync.Mutex
	events chan live.Event
	ended  bool

	// SendErr, if non-nil, is returned by every SendRealtimeInput call.
	SendErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	sent       []audio.EncodedBlob
	closeCalls int
}

// NewSession returns a Session with a buffered event stream.
func NewSession() *Session {
	return &Session{events: make(chan live.Event, 64)}
}

// SendRealtimeInput records blob and returns SendErr, or live.ErrChannelClosed
// once the stream has ended.
func (s *Session) SendRealtimeInput(_ context.Context, blob audio.EncodedBlob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return live.ErrChannelClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.sent = append(s.sent, blob)
	return nil
}

// Events returns the scripted event stream.
func (s *Session) Events() <-chan live.Event { return s.events }

// Close records the call and, on first use, ends the stream with a local
// EventClose.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCalls++
	err := s.CloseErr
	s.mu.Unlock()
	s.End(live.CloseInfo{Local: true})
	return err
}

// Emit delivers ev. An EventClose ends the stream. Emits after the end are
// ignored.
func (s *Session) Emit(ev live.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.events <- ev
	if ev.Kind == live.EventClose {
		s.ended = true
		close(s.events)
	}
}

// Open emits EventOpen.
func (s *Session) Open() { s.Emit(live.Event{Kind: live.EventOpen}) }

// Deliver emits an EventMessage carrying m.
func (s *Session) Deliver(m live.Message) { s.Emit(live.Event{Kind: live.EventMessage, Message: m}) }

// Fail emits EventError followed by a remote EventClose.
func (s *Session) Fail(err error) {
	s.Emit(live.Event{Kind: live.EventError, Err: &live.ChannelError{Op: "read", Err: err}})
	s.End(live.CloseInfo{Code: 1011, Reason: err.Error()})
}

// End emits EventClose with info.
func (s *Session) End(info live.CloseInfo) { s.Emit(live.Event{Kind: live.EventClose, Close: info}) }

// Sent returns a copy of the frames passed to SendRealtimeInput.
func (s *Session) Sent() []audio.EncodedBlob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.EncodedBlob, len(s.sent))
	copy(out, s.sent)
	return out
}

// CallCountClose returns the number of Close calls.
func (s *Session) CallCountClose() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Ended reports whether EventClose has been emitted.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

var _ live.Session = (*Session)(nil)
