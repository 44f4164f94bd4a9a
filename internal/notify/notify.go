// Package notify is the collaborator boundary for outbound notification
// delivery (Slack, Discord, email, the web UI's toast stream). Per spec
// §1, delivery adapters are explicitly out of core scope — this package
// only defines the record shape the core emits and a Sink that publishes
// it onto the Event Broadcaster (C15), where a real adapter subscribes.
package notify

import (
	"time"

	"github.com/atlasgw/atlas/internal/broadcast"
)

// Topic is the broadcast topic every Notification is published under.
const Topic = "notify"

// Kind classifies a notification for adapter routing/formatting.
type Kind string

const (
	KindBudgetThreshold  Kind = "budget_threshold"
	KindApprovalPending  Kind = "approval_pending"
	KindTrustHalt        Kind = "trust_halt"
	KindRolloutFreeze    Kind = "rollout_freeze"
	KindRolloutUnfreeze  Kind = "rollout_unfreeze"
)

// Notification is an outbound, collaborator-delivered record.
type Notification struct {
	Kind      Kind
	Title     string
	Body      string
	Owner     string
	Metadata  map[string]any
	CreatedAt time.Time
}

// Sink publishes Notifications onto the broadcaster for delivery adapters
// to consume.
type Sink struct {
	bus *broadcast.Broadcaster
}

// NewSink builds a Sink over the given Broadcaster.
func NewSink(bus *broadcast.Broadcaster) *Sink {
	return &Sink{bus: bus}
}

// Send stamps CreatedAt if unset and publishes n.
func (s *Sink) Send(n Notification) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	s.bus.Publish(Topic, n)
}
