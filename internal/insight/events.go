package insight

import (
	"context"
	"strings"
	"time"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventCreated           EventType = "insight:created"
	EventPromoted          EventType = "insight:promoted"
	EventReopened          EventType = "insight:reopened"
	EventReopenCapExceeded EventType = "insight:reopen_cap_exceeded"
)

// Name returns the part after "insight:", used for subjects and labels.
func (t EventType) Name() string {
	return strings.TrimPrefix(string(t), "insight:")
}

// Event is a lifecycle notification. Delivery is at-most-once from the
// engine's side and consumers must tolerate redelivery; ID identifies a
// single emission.
type Event struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	InsightID   string    `json:"insight_id"`
	Priority    Priority  `json:"priority,omitempty"`
	Score       float64   `json:"score,omitempty"`
	ReopenCount int       `json:"reopen_count,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Publisher delivers lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, e Event) error

func (f PublisherFunc) Publish(ctx context.Context, e Event) error { return f(ctx, e) }

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }
