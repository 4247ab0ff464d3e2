package actor

import (
	"slices"
	"strings"
	"time"
)

// HealthStatus represents the health status of an actor
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// degradedMailboxUsage is the mailbox fill percentage at which an actor is
// reported as degraded.
const degradedMailboxUsage = 80.0

// HealthReport is a point-in-time view of one actor.
type HealthReport struct {
	ActorID         string       `json:"actor_id"`
	Status          HealthStatus `json:"status"`
	MailboxDepth    int          `json:"mailbox_depth"`
	MailboxCapacity int          `json:"mailbox_capacity"`
	MailboxUsage    float64      `json:"mailbox_usage"` // percentage
	Processed       int64        `json:"processed"`
	Errors          int64        `json:"errors"`
	LastActivity    time.Time    `json:"last_activity,omitzero"`
	Uptime          string       `json:"uptime"`
}

// Health reports the state of ref. A stopped actor is unhealthy and one
// whose mailbox is nearly full is degraded.
func (ref *ActorRef) Health() HealthReport {
	ref.mu.RLock()
	stopped := ref.stopped
	ref.mu.RUnlock()

	depth, capacity := len(ref.mailbox), cap(ref.mailbox)
	var usage float64
	if capacity > 0 {
		usage = float64(depth) / float64(capacity) * 100
	}

	report := HealthReport{
		ActorID:         ref.id,
		Status:          HealthStatusHealthy,
		MailboxDepth:    depth,
		MailboxCapacity: capacity,
		MailboxUsage:    usage,
		Processed:       ref.processed.Load(),
		Errors:          ref.failures.Load(),
	}
	if ns := ref.lastActivity.Load(); ns != 0 {
		report.LastActivity = time.Unix(0, ns)
	}
	if !ref.startTime.IsZero() {
		report.Uptime = time.Since(ref.startTime).Round(time.Second).String()
	}

	switch {
	case stopped || ref.cancel == nil:
		report.Status = HealthStatusUnhealthy
	case usage >= degradedMailboxUsage:
		report.Status = HealthStatusDegraded
	}
	return report
}

// Health reports every actor of the system, ordered by id.
func (s *System) Health() []HealthReport {
	s.mu.RLock()
	reports := make([]HealthReport, 0, len(s.actors))
	for _, ref := range s.actors {
		reports = append(reports, ref.Health())
	}
	s.mu.RUnlock()

	slices.SortFunc(reports, func(a, b HealthReport) int {
		return strings.Compare(a.ActorID, b.ActorID)
	})
	return reports
}
