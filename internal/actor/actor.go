// Package actor runs message handlers on their own goroutine behind a
// bounded mailbox, so that callers can hand work off without waiting for it.
package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/wsrelay/internal/logger"
)

// ErrMailboxFull is returned by Send when the mailbox has no free slot.
var ErrMailboxFull = errors.New("mailbox is full")

// ErrStopped is returned by Send after Stop has been called.
var ErrStopped = errors.New("actor is stopped")

// Message represents a message sent between actors
type Message interface {
	Type() string
}

// Actor represents an actor in the actor model
type Actor interface {
	// Receive processes one message. Errors are logged by the runtime.
	Receive(ctx context.Context, msg Message) error
	// Start is called once before the first message.
	Start(ctx context.Context) error
	// Stop is called once after the mailbox has drained.
	Stop(ctx context.Context) error
	// ID returns the actor's unique identifier
	ID() string
}

// ActorRef is a handle for sending messages to a running actor.
type ActorRef struct {
	id      string
	mailbox chan Message
	actor   Actor

	mu      sync.RWMutex
	stopped bool
	quit    chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc

	startTime    time.Time
	processed    atomic.Int64
	failures     atomic.Int64
	lastActivity atomic.Int64 // unix nanoseconds
}

// NewActorRef creates a reference for actor with a mailbox of mailboxSize.
func NewActorRef(id string, actor Actor, mailboxSize int) *ActorRef {
	return &ActorRef{
		id:      id,
		actor:   actor,
		mailbox: make(chan Message, mailboxSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// ID returns the actor's ID
func (ref *ActorRef) ID() string {
	return ref.id
}

// Pending returns the number of queued messages.
func (ref *ActorRef) Pending() int {
	return len(ref.mailbox)
}

// Send queues msg without blocking.
func (ref *ActorRef) Send(msg Message) error {
	ref.mu.RLock()
	defer ref.mu.RUnlock()

	if ref.stopped {
		return fmt.Errorf("actor %s: %w", ref.id, ErrStopped)
	}

	select {
	case ref.mailbox <- msg:
		return nil
	default:
		return fmt.Errorf("actor %s: %w", ref.id, ErrMailboxFull)
	}
}

// Start starts the actor's message processing loop. Cancelling ctx aborts
// in-flight work.
func (ref *ActorRef) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	ref.cancel = cancel
	ref.startTime = time.Now()

	if err := ref.actor.Start(ctx); err != nil {
		cancel()
		return err
	}

	go ref.run(ctx)
	return nil
}

// Stop refuses new messages, lets the queued ones finish and then stops the
// actor. If ctx expires first, in-flight work is cancelled and ctx.Err() is
// returned.
func (ref *ActorRef) Stop(ctx context.Context) error {
	ref.mu.Lock()
	if ref.stopped {
		ref.mu.Unlock()
		return nil
	}
	ref.stopped = true
	close(ref.quit)
	ref.mu.Unlock()

	if ref.cancel == nil {
		return nil
	}

	select {
	case <-ref.done:
		ref.cancel()
		return ref.actor.Stop(ctx)
	case <-ctx.Done():
		ref.cancel()
		<-ref.done
		return ctx.Err()
	}
}

func (ref *ActorRef) run(ctx context.Context) {
	defer close(ref.done)

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ref.mailbox:
			ref.receive(ctx, msg)
		case <-ref.quit:
			// Send is closed to new messages once quit is closed, so the
			// mailbox can only shrink from here.
			for {
				select {
				case msg := <-ref.mailbox:
					ref.receive(ctx, msg)
				default:
					return
				}
			}
		}
	}
}

func (ref *ActorRef) receive(ctx context.Context, msg Message) {
	defer func() {
		ref.processed.Add(1)
		ref.lastActivity.Store(time.Now().UnixNano())
		if r := recover(); r != nil {
			ref.failures.Add(1)
			logger.Error("Actor %s panicked processing %s: %v", ref.id, msg.Type(), r)
		}
	}()

	if err := ref.actor.Receive(ctx, msg); err != nil {
		ref.failures.Add(1)
		logger.Error("Actor %s error processing %s: %v", ref.id, msg.Type(), err)
	}
}

// System manages a collection of actors
type System struct {
	actors map[string]*ActorRef
	mu     sync.RWMutex
}

// NewSystem creates a new actor system
func NewSystem() *System {
	return &System{
		actors: make(map[string]*ActorRef),
	}
}

// Spawn creates and starts a new actor
func (s *System) Spawn(ctx context.Context, id string, actor Actor, mailboxSize int) (*ActorRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.actors[id]; exists {
		return nil, fmt.Errorf("actor with id %s already exists", id)
	}

	ref := NewActorRef(id, actor, mailboxSize)
	if err := ref.Start(ctx); err != nil {
		return nil, err
	}

	s.actors[id] = ref
	return ref, nil
}

// Get retrieves an actor reference by ID
func (s *System) Get(id string) (*ActorRef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.actors[id]
	return ref, ok
}

// StopAll stops all actors in the system and returns the first error.
func (s *System) StopAll(ctx context.Context) error {
	s.mu.Lock()
	actors := make([]*ActorRef, 0, len(s.actors))
	for _, ref := range s.actors {
		actors = append(actors, ref)
	}
	s.actors = make(map[string]*ActorRef)
	s.mu.Unlock()

	var firstErr error
	for _, ref := range actors {
		if err := ref.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
