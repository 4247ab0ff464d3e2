// Package broadcast fans frames out to the sessions of a registry.
//
// Delivery is best-effort: a recipient whose channel is closed or whose send
// queue is full is skipped without error, and a failure for one recipient
// never stops delivery to the rest.
package broadcast

import (
	"github.com/codefionn/wsrelay/internal/logger"
	"github.com/codefionn/wsrelay/internal/registry"
)

// Router delivers frames to every session in a registry snapshot.
type Router struct {
	registry *registry.Registry
	log      *logger.Logger
}

// NewRouter creates a router over reg.
func NewRouter(reg *registry.Registry, log *logger.Logger) *Router {
	return &Router{registry: reg, log: log}
}

// Broadcast delivers f to every session except the one with id excludeID.
// An empty excludeID delivers to all sessions. It returns the number of
// sessions that accepted the frame.
func (r *Router) Broadcast(f registry.Frame, excludeID string) int {
	delivered := 0
	for s := range r.registry.AllExcept(excludeID) {
		if deliver(s, f) {
			delivered++
			continue
		}
		r.log.Debug("Skipped delivery to %s: channel not open or full", s)
	}
	return delivered
}

// Relay forwards an inbound payload from sender. With echo set the sender
// receives its own frame too.
func (r *Router) Relay(sender *registry.Session, f registry.Frame, echo bool) int {
	if echo {
		return r.Broadcast(f, "")
	}
	return r.Broadcast(f, sender.ID())
}

// deliver isolates a misbehaving channel so that its panic cannot abort the
// remaining fan-out.
func deliver(s *registry.Session, f registry.Frame) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	ch := s.Channel()
	if !ch.Open() {
		return false
	}
	return ch.Deliver(f)
}
