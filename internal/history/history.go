package history

import (
	"context"
	"time"

	"github.com/loykin/experimentd/internal/experiment"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventResumed   EventType = "resumed"
)

// Event represents an experiment lifecycle transition to be exported
// to external systems.
type Event struct {
	Type         EventType         `json:"type"`
	OccurredAt   time.Time         `json:"occurred_at"`
	ExperimentID string            `json:"experiment_id"`
	GroupID      string            `json:"group_id"`
	Model        string            `json:"model"`
	Owner        string            `json:"owner"`
	Status       experiment.Status `json:"status"`
	Detail       string            `json:"detail,omitempty"`
}

// Sink is a destination for lifecycle events (analytics/statistics
// systems). Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Fanout forwards an event to all sinks, ignoring individual sink
// errors; history export never blocks orchestration.
func Fanout(ctx context.Context, sinks []Sink, e Event) {
	for _, s := range sinks {
		_ = s.Send(ctx, e)
	}
}
