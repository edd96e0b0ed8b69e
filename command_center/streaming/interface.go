package streaming

import (
	"context"
	"time"
)

// Topics published by the coordination core. Consumers subscribe via the
// event feed and must be idempotent on event ID.
const (
	TopicIncidentCreated   = "incident-created"
	TopicIncidentEscalated = "incident-escalated"
	TopicSLAWarning        = "incident-sla-warning"
	TopicUnitReassigned    = "unit-reassigned"
	TopicUnitStale         = "unit-stale"
	TopicCoverageGap       = "coverage-gap-detected"
	TopicMultiIncidentMode = "multi-incident-mode"
)

type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// Publisher delivers state-change events to downstream consumers.
// Delivery is at-least-once; publishing must never block core dispatch logic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
	Close() error
}
