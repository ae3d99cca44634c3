// Package mock provides test doubles for the realtime package interfaces.
//
// Use Provider to verify Connect calls and hand out a controlled Session.
// Use Session to script upstream events and inspect what the relay sent.
//
// Example:
//
//	sess := mock.NewSession(8)
//	sess.Push(realtime.AudioDelta{Audio: pcm})
//	p := &mock.Provider{Session: sess}
//	upstream, _ := p.Connect(ctx, "gpt-realtime")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/callrelay/pkg/realtime"
)

// Provider is a mock implementation of realtime.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. If nil, Connect returns a new Session
	// with a small event buffer.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCallCount is the number of times Connect was called.
	ConnectCallCount int

	// ConnectModels holds the model of every Connect call, in order.
	ConnectModels []string
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(_ context.Context, model string) (realtime.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCallCount++
	p.ConnectModels = append(p.ConnectModels, model)
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session == nil {
		p.Session = NewSession(16)
	}
	return p.Session, nil
}

// Connects returns ConnectCallCount. Thread-safe.
func (p *Provider) Connects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ConnectCallCount
}

// Models returns a copy of ConnectModels. Thread-safe.
func (p *Provider) Models() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ConnectModels...)
}

// Ensure Provider implements realtime.Provider at compile time.
var _ realtime.Provider = (*Provider)(nil)

// Call names recorded in Session.Ops.
const (
	OpUpdateSession = "update_session"
	OpSendAudio     = "send_audio"
	OpClose         = "close"
)

// Session is a mock implementation of realtime.Session.
//
// Receive returns events pushed with Push (or sent on Events) in order. Once
// the session is closed, or EndStream has been called and the queue is
// drained, Receive returns realtime.ErrClosed.
type Session struct {
	mu sync.Mutex

	// Events feeds Receive. Created by NewSession.
	Events chan realtime.Event

	// --- Configurable errors ---

	// UpdateSessionErr, if non-nil, is returned by every UpdateSession call.
	UpdateSessionErr error

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// --- Call records ---

	// UpdateSessionCalls records every config passed to UpdateSession.
	UpdateSessionCalls []realtime.SessionConfig

	// SendAudioCalls records a copy of every chunk passed to SendAudio.
	SendAudioCalls [][]byte

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	// Ops records the name of every method call in order.
	Ops []string

	done      chan struct{}
	closeOnce sync.Once
}

// NewSession returns a Session whose event queue holds up to buffer events.
func NewSession(buffer int) *Session {
	return &Session{
		Events: make(chan realtime.Event, buffer),
		done:   make(chan struct{}),
	}
}

// Push queues ev for Receive.
func (s *Session) Push(ev realtime.Event) {
	s.Events <- ev
}

// EndStream makes Receive return realtime.ErrClosed once queued events are
// consumed, as if the upstream hung up.
func (s *Session) EndStream() {
	close(s.Events)
}

// UpdateSession records the call and returns UpdateSessionErr.
func (s *Session) UpdateSession(_ context.Context, cfg realtime.SessionConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpdateSessionCalls = append(s.UpdateSessionCalls, cfg)
	s.Ops = append(s.Ops, OpUpdateSession)
	return s.UpdateSessionErr
}

// SendAudio records the call and returns SendAudioErr, or realtime.ErrClosed
// after Close.
func (s *Session) SendAudio(_ context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.SendAudioCalls = append(s.SendAudioCalls, cp)
	s.Ops = append(s.Ops, OpSendAudio)
	if s.isClosed() {
		return realtime.ErrClosed
	}
	return s.SendAudioErr
}

// Receive returns the next queued event.
func (s *Session) Receive(ctx context.Context) (realtime.Event, error) {
	select {
	case <-s.done:
		return nil, realtime.ErrClosed
	default:
	}
	select {
	case ev, ok := <-s.Events:
		if !ok {
			return nil, realtime.ErrClosed
		}
		return ev, nil
	case <-s.done:
		return nil, realtime.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close records the call and unblocks Receive.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	s.Ops = append(s.Ops, OpClose)
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Done is closed once Close has been called.
func (s *Session) Done() <-chan struct{} { return s.done }

// Closes returns CloseCallCount. Thread-safe.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// SentAudio returns a copy of SendAudioCalls. Thread-safe.
func (s *Session) SentAudio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.SendAudioCalls...)
}

// Updates returns a copy of UpdateSessionCalls. Thread-safe.
func (s *Session) Updates() []realtime.SessionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]realtime.SessionConfig(nil), s.UpdateSessionCalls...)
}

// Calls returns a copy of Ops. Thread-safe.
func (s *Session) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Ops...)
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Ensure Session implements realtime.Session at compile time.
var _ realtime.Session = (*Session)(nil)
