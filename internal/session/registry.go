// Package session tracks the calls callrelay is currently bridging.
//
// A [Session] pairs one telephony call with the upstream speech model session
// opened for it. Sessions live in a [Registry], the only state shared between
// concurrent calls and between the two forwarders of a single call. The
// Registry is injected into whoever needs it; there is no package-level
// instance.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/callrelay/pkg/realtime"
)

// ErrDuplicateSession is returned by [Registry.Create] when a session for the
// call already exists.
var ErrDuplicateSession = errors.New("session: duplicate call id")

// Session is a snapshot of one active call.
type Session struct {
	// CallID is the carrier's call identifier. Unique among active sessions.
	CallID string

	// Upstream is the speech model session owned by this call. It never
	// changes after creation.
	Upstream realtime.Session

	// StreamID is the media stream identifier. Empty until HasStreamID.
	StreamID string

	// HasStreamID reports whether the telephony start event has been seen.
	HasStreamID bool

	// CreatedAt is when the session was registered.
	CreatedAt time.Time
}

// Registry is a concurrency-safe map from call id to [Session].
type Registry interface {
	// Create registers a new session. It returns ErrDuplicateSession, and
	// leaves the existing entry untouched, if callID is already present.
	Create(callID string, upstream realtime.Session) (Session, error)

	// Get returns a snapshot of the session for callID.
	Get(callID string) (Session, bool)

	// SetStreamID records the media stream id. No-op if callID is absent.
	SetStreamID(callID, streamID string)

	// StreamID returns the recorded media stream id. ok is false if the
	// session is absent or the id has not been recorded yet.
	StreamID(callID string) (streamID string, ok bool)

	// Remove evicts the session for callID. Idempotent.
	Remove(callID string)

	// Len returns the number of active sessions.
	Len() int
}

// Compile-time assertion that MemRegistry satisfies Registry.
var _ Registry = (*MemRegistry)(nil)

// MemRegistry is the in-process [Registry].
//
// All methods are safe for concurrent use.
type MemRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewMemRegistry creates an empty registry.
func NewMemRegistry() *MemRegistry {
	return &MemRegistry{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Create implements [Registry].
func (r *MemRegistry) Create(callID string, upstream realtime.Session) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[callID]; ok {
		return Session{}, ErrDuplicateSession
	}
	s := &Session{
		CallID:    callID,
		Upstream:  upstream,
		CreatedAt: r.now(),
	}
	r.sessions[callID] = s
	return *s, nil
}

// Get implements [Registry].
func (r *MemRegistry) Get(callID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[callID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// SetStreamID implements [Registry].
func (r *MemRegistry) SetStreamID(callID, streamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if streamID == "" {
		return
	}
	if s, ok := r.sessions[callID]; ok {
		s.StreamID = streamID
		s.HasStreamID = true
	}
}

// StreamID implements [Registry].
func (r *MemRegistry) StreamID(callID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[callID]
	if !ok || !s.HasStreamID {
		return "", false
	}
	return s.StreamID, true
}

// Remove implements [Registry].
func (r *MemRegistry) Remove(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, callID)
}

// Len implements [Registry].
func (r *MemRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
