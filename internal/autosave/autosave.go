// Package autosave persists the shared document once the relay empties.
//
// A trigger runs in two steps: the local Finalizer is called synchronously
// for the configured document, then a notification to the persistence
// service is queued on an actor mailbox. The notification is attempted once;
// its outcome is only logged.
package autosave

import (
	"context"
	"errors"
	"fmt"

	"github.com/codefionn/wsrelay/internal/actor"
	"github.com/codefionn/wsrelay/internal/logger"
)

// ActorID is the id the notifier actor is spawned under.
const ActorID = "autosave-notifier"

// Finalizer prepares the shared document before the persistence service is
// told to save it.
type Finalizer interface {
	Finalize(ctx context.Context, docID string) error
}

// Notifier performs the downstream call.
type Notifier interface {
	Notify(ctx context.Context, username, reason string) (string, error)
}

// Mailbox accepts work without blocking. *actor.ActorRef satisfies it.
type Mailbox interface {
	Send(msg actor.Message) error
}

// LogFinalizer records the finalize stages of a document in the log. The
// relay holds no document state of its own, so there is nothing to flush.
type LogFinalizer struct {
	Log *logger.Logger
}

// Finalize logs the fetch, snapshot and discard stages for docID.
func (f LogFinalizer) Finalize(_ context.Context, docID string) error {
	if docID == "" {
		return errors.New("document id is empty")
	}
	f.Log.Info("Autosave: fetched document %s", docID)
	f.Log.Info("Autosave: rendered snapshot of %s", docID)
	f.Log.Info("Autosave: discarded working copy of %s", docID)
	return nil
}

// Request asks the notifier actor to report a departure.
type Request struct {
	Username string
	Reason   string
}

// Type implements actor.Message.
func (Request) Type() string { return "autosave_request" }

// NotifierActor performs queued Requests one at a time.
type NotifierActor struct {
	notifier Notifier
	log      *logger.Logger
	results  chan<- Result
}

// Result is the outcome of one notification, published when a results
// channel is configured.
type Result struct {
	Request Request
	Body    string
	Err     error
}

// NewNotifierActor creates the actor. results may be nil; when set, every
// outcome is offered to it without blocking.
func NewNotifierActor(n Notifier, log *logger.Logger, results chan<- Result) *NotifierActor {
	return &NotifierActor{notifier: n, log: log, results: results}
}

func (a *NotifierActor) ID() string { return ActorID }

func (a *NotifierActor) Start(context.Context) error { return nil }

func (a *NotifierActor) Stop(context.Context) error { return nil }

// Receive sends one notification. Failures are logged and swallowed so the
// runtime does not log them a second time.
func (a *NotifierActor) Receive(ctx context.Context, msg actor.Message) error {
	req, ok := msg.(Request)
	if !ok {
		return fmt.Errorf("unexpected message type %s", msg.Type())
	}

	body, err := a.notifier.Notify(ctx, req.Username, req.Reason)
	if err != nil {
		a.log.Error("Autosave notification for %s failed: %v", req.Username, err)
	} else {
		a.log.Info("Autosave notification for %s delivered: %s", req.Username, body)
	}

	if a.results != nil {
		select {
		case a.results <- Result{Request: req, Body: body, Err: err}:
		default:
		}
	}
	return nil
}

// Service is the zero-transition hook used by the lifecycle notifier.
type Service struct {
	docID     string
	reason    string
	finalizer Finalizer
	mailbox   Mailbox
	log       *logger.Logger
}

// NewService creates a service that finalizes docID and queues a
// notification with reason on mailbox.
func NewService(docID, reason string, f Finalizer, mailbox Mailbox, log *logger.Logger) *Service {
	return &Service{docID: docID, reason: reason, finalizer: f, mailbox: mailbox, log: log}
}

// Trigger runs the finalize step and queues the notification for username.
// It never blocks on the network and never returns an error to the caller.
func (s *Service) Trigger(username string) {
	s.log.Info("Last session left (%s), autosaving document %s", username, s.docID)

	if err := s.finalizer.Finalize(context.Background(), s.docID); err != nil {
		s.log.Error("Autosave finalize of %s failed: %v", s.docID, err)
	}

	if err := s.mailbox.Send(Request{Username: username, Reason: s.reason}); err != nil {
		s.log.Error("Autosave notification for %s dropped: %v", username, err)
	}
}
