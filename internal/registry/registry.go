// Package registry holds the authoritative set of live relay sessions.
package registry

import (
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// ErrDuplicateSession is returned by Add when the session id is already
// registered. It indicates a programming error, not a runtime condition.
var ErrDuplicateSession = errors.New("session already registered")

// Frame is one relayed websocket message.
type Frame struct {
	Binary  bool
	Payload []byte
}

// Text builds a text frame.
func Text(s string) Frame {
	return Frame{Payload: []byte(s)}
}

// Channel is the send side of a peer connection.
type Channel interface {
	// Open reports whether the underlying transport can still accept frames.
	Open() bool
	// Deliver queues f for the peer. It must not block and returns false if
	// the frame was not accepted.
	Deliver(f Frame) bool
}

// Session is one admitted connection. All fields are fixed at creation.
type Session struct {
	id       string
	username string
	channel  Channel
	joinedAt time.Time
}

// NewSession creates a session with a fresh id.
func NewSession(username string, ch Channel) *Session {
	return &Session{
		id:       uuid.NewString(),
		username: username,
		channel:  ch,
		joinedAt: time.Now(),
	}
}

// ID returns the session's unique handle.
func (s *Session) ID() string { return s.id }

// Username returns the identity supplied at connection time.
func (s *Session) Username() string { return s.username }

// Channel returns the peer's send capability.
func (s *Session) Channel() Channel { return s.channel }

// JoinedAt returns when the session was admitted.
func (s *Session) JoinedAt() time.Time { return s.joinedAt }

func (s *Session) String() string {
	return fmt.Sprintf("%s(%s)", s.username, s.id)
}

// Registry is safe for concurrent use. Readers get copies of the membership,
// so iteration never observes a half-applied Add or Remove.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers s.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, s.id)
	}
	r.sessions[s.id] = s
	return nil
}

// Remove unregisters the session with id and returns it. Removing an absent
// id is a no-op that reports false.
func (r *Registry) Remove(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	delete(r.sessions, id)
	return s, true
}

// Get returns the session with id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of registered sessions, open or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ActiveCount returns the number of registered sessions whose channel is
// still open. A session whose transport failed but whose removal has not run
// yet is not counted.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.CountBy(lo.Values(r.sessions), func(s *Session) bool {
		return s.channel.Open()
	})
}

// All returns a point-in-time snapshot of every session.
func (r *Registry) All() iter.Seq[*Session] {
	return r.snapshot("")
}

// AllExcept returns a point-in-time snapshot of every session but id.
func (r *Registry) AllExcept(id string) iter.Seq[*Session] {
	return r.snapshot(id)
}

func (r *Registry) snapshot(exclude string) iter.Seq[*Session] {
	r.mu.RLock()
	sessions := lo.Filter(lo.Values(r.sessions), func(s *Session, _ int) bool {
		return exclude == "" || s.id != exclude
	})
	r.mu.RUnlock()

	return func(yield func(*Session) bool) {
		for _, s := range sessions {
			if !yield(s) {
				return
			}
		}
	}
}

// Usernames returns the usernames of all registered sessions.
func (r *Registry) Usernames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Map(lo.Values(r.sessions), func(s *Session, _ int) string {
		return s.username
	})
}
