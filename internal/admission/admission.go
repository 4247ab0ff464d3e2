// Package admission decides whether a connection attempt may join the relay.
//
// Evaluation is a pure function of the candidate username and the current
// active session count. It never touches the session registry; the caller
// registers the session only once the websocket handshake has completed.
//
// Gates run in a fixed order and the first failing gate wins:
//
//  1. capacity: active count above Limits.MaxConnections
//  2. identity: username missing or its length outside [MinUsername, MaxUsername]
//  3. policy:   username longer than PolicyMaxUsername
package admission

import (
	"fmt"
	"sync/atomic"
	"unicode/utf8"
)

// Application close codes sent to rejected peers. They sit in the 4000-4999
// range reserved for private use by RFC 6455.
const (
	CodeAuthInvalid      = 4001
	CodePolicyViolation  = 4002
	CodeCapacityExceeded = 4003
)

// Reason identifies which gate rejected an attempt.
type Reason int

const (
	// AuthInvalid means the identity string failed the format check.
	AuthInvalid Reason = iota + 1
	// PolicyViolation means the identity is well-formed but not allowed.
	PolicyViolation
	// CapacityExceeded means too many sessions are already open.
	CapacityExceeded
)

// String returns the short name used in logs.
func (r Reason) String() string {
	switch r {
	case AuthInvalid:
		return "auth_invalid"
	case PolicyViolation:
		return "policy_violation"
	case CapacityExceeded:
		return "capacity_exceeded"
	default:
		return "unknown"
	}
}

// Code returns the websocket close code for the reason.
func (r Reason) Code() int {
	switch r {
	case AuthInvalid:
		return CodeAuthInvalid
	case PolicyViolation:
		return CodePolicyViolation
	case CapacityExceeded:
		return CodeCapacityExceeded
	default:
		return 0
	}
}

// Text returns the human-readable close reason sent to the peer.
func (r Reason) Text() string {
	switch r {
	case AuthInvalid:
		return "invalid identity"
	case PolicyViolation:
		return "policy violation"
	case CapacityExceeded:
		return "capacity exceeded"
	default:
		return ""
	}
}

// Rejection is returned by Evaluate when a gate fails. It is an error so that
// callers can pass it through ordinary error plumbing, but it is never a
// server fault.
type Rejection struct {
	Reason Reason
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("admission rejected: %s (%d %s)", r.Reason, r.Reason.Code(), r.Reason.Text())
}

// Code returns the close code for the rejection.
func (r *Rejection) Code() int { return r.Reason.Code() }

// Text returns the close reason for the rejection.
func (r *Rejection) Text() string { return r.Reason.Text() }

// Limits holds the tunable bounds of the gate chain.
type Limits struct {
	MaxConnections    int
	MinUsername       int
	MaxUsername       int
	PolicyMaxUsername int
}

// DefaultLimits returns the limits the relay ships with.
func DefaultLimits() Limits {
	return Limits{
		MaxConnections:    2,
		MinUsername:       3,
		MaxUsername:       20,
		PolicyMaxUsername: 6,
	}
}

// Validate reports limits that would make the gate chain meaningless.
func (l Limits) Validate() error {
	if l.MaxConnections < 0 {
		return fmt.Errorf("max connections must not be negative, got %d", l.MaxConnections)
	}
	if l.MinUsername < 1 || l.MinUsername > l.MaxUsername {
		return fmt.Errorf("username length bounds invalid: [%d, %d]", l.MinUsername, l.MaxUsername)
	}
	if l.PolicyMaxUsername < 1 {
		return fmt.Errorf("policy username length must be positive, got %d", l.PolicyMaxUsername)
	}
	return nil
}

// Controller evaluates attempts against the current limits. Limits can be
// swapped at runtime (config reload) without locking evaluators out.
type Controller struct {
	limits atomic.Pointer[Limits]
}

// NewController creates a controller using limits.
func NewController(limits Limits) *Controller {
	c := &Controller{}
	c.SetLimits(limits)
	return c
}

// SetLimits replaces the limits used by subsequent evaluations.
func (c *Controller) SetLimits(limits Limits) {
	c.limits.Store(&limits)
}

// Limits returns the limits currently in force.
func (c *Controller) Limits() Limits {
	return *c.limits.Load()
}

// Evaluate runs the gate chain. A nil result means accept. present
// distinguishes an omitted username from an empty one; both fail the
// identity gate.
func (c *Controller) Evaluate(username string, present bool, activeCount int) *Rejection {
	limits := c.limits.Load()

	if activeCount > limits.MaxConnections {
		return &Rejection{Reason: CapacityExceeded}
	}

	n := utf8.RuneCountInString(username)
	if !present || n < limits.MinUsername || n > limits.MaxUsername {
		return &Rejection{Reason: AuthInvalid}
	}

	if n > limits.PolicyMaxUsername {
		return &Rejection{Reason: PolicyViolation}
	}

	return nil
}
