// Package lifecycle turns session joins and departures into registry
// updates, system notices and the autosave trigger.
package lifecycle

import (
	"fmt"
	"sync"

	"github.com/codefionn/wsrelay/internal/broadcast"
	"github.com/codefionn/wsrelay/internal/logger"
	"github.com/codefionn/wsrelay/internal/registry"
)

// ZeroTrigger is invoked when the last live session leaves.
type ZeroTrigger interface {
	Trigger(username string)
}

// Disconnect describes how a peer went away.
type Disconnect struct {
	Code   int
	Reason string
}

// String returns the reason text, or the code when no text was given.
func (d Disconnect) String() string {
	if d.Reason != "" {
		return d.Reason
	}
	return fmt.Sprintf("code=%d", d.Code)
}

// JoinNotice is the text broadcast when username joins.
func JoinNotice(username string) string {
	return username + " joined"
}

// LeaveNotice is the text broadcast when username leaves and active sessions
// remain open.
func LeaveNotice(username string, active int) string {
	return fmt.Sprintf("%s left, %d active", username, active)
}

// Notifier owns the joined/left transitions of every session.
type Notifier struct {
	registry *registry.Registry
	router   *broadcast.Router
	trigger  ZeroTrigger
	log      *logger.Logger

	// mu serializes membership changes with the count read that follows
	// them. armed is set by every join and cleared by the departure that
	// fires the trigger, so an empty transition fires once even when a
	// closed-but-unremoved session makes two departures both see zero.
	mu    sync.Mutex
	armed bool
}

// New creates a notifier. trigger may be nil.
func New(reg *registry.Registry, router *broadcast.Router, trigger ZeroTrigger, log *logger.Logger) *Notifier {
	return &Notifier{registry: reg, router: router, trigger: trigger, log: log}
}

// Join registers s and announces it to everyone else. A duplicate id is a
// programming error and panics.
func (n *Notifier) Join(s *registry.Session) {
	active := n.join(s)

	n.log.Info("Session joined: %s (active: %d)", s, active)
	n.router.Broadcast(registry.Text(JoinNotice(s.Username())), s.ID())
}

func (n *Notifier) join(s *registry.Session) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.registry.Add(s); err != nil {
		panic(fmt.Sprintf("lifecycle: %v", err))
	}
	n.armed = true
	return n.registry.ActiveCount()
}

// Leave unregisters s, announces the departure and fires the zero trigger
// if s was the last open session. Calling Leave again for the same session
// does nothing.
func (n *Notifier) Leave(s *registry.Session, d Disconnect) {
	active, fire, ok := n.leave(s)
	if !ok {
		n.log.Debug("Session %s already removed", s)
		return
	}

	n.log.Info("Session left: %s, reason: %s (active: %d)", s, d, active)
	n.router.Broadcast(registry.Text(LeaveNotice(s.Username(), active)), s.ID())

	if fire && n.trigger != nil {
		n.trigger.Trigger(s.Username())
	}
}

// leave removes s and decides, under the same lock as join, whether this
// departure is the one that empties the relay.
func (n *Notifier) leave(s *registry.Session) (active int, fire bool, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, removed := n.registry.Remove(s.ID()); !removed {
		return 0, false, false
	}

	active = n.registry.ActiveCount()
	if active == 0 && n.armed {
		n.armed = false
		fire = true
	}
	return active, fire, true
}
