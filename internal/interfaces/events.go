package interfaces

import (
	"context"
)

// EventType identifies an event category on the internal bus.
type EventType string

const (
	// EventJobStatus carries a job status transition or milestone.
	EventJobStatus EventType = "job_status"
)

// Event is a message on the internal bus.
type Event struct {
	Type    EventType
	Payload interface{}
}

// EventHandler processes a published event.
type EventHandler func(ctx context.Context, event Event) error

// EventService is an in-process pub/sub bus.
type EventService interface {
	Subscribe(eventType EventType, handler EventHandler) error
	Publish(ctx context.Context, event Event) error

	// PublishSync delivers to all subscribers before returning. Used for
	// job status events so subscribers observe them in production order.
	PublishSync(ctx context.Context, event Event) error

	Close() error
}

// JobStatusPayload is the payload of EventJobStatus events.
type JobStatusPayload struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	Milestone bool   `json:"milestone,omitempty"` // Progress update, not a lifecycle transition
}
