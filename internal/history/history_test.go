package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loykin/experimentd/internal/experiment"
)

type recordingSink struct {
	events []Event
	err    error
}

func (r *recordingSink) Send(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return r.err
}

func TestFanoutDeliversToAllSinks(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{err: errors.New("sink down")}
	c := &recordingSink{}
	e := Event{
		Type:         EventCompleted,
		OccurredAt:   time.Now().UTC(),
		ExperimentID: "e1",
		Status:       experiment.StatusCompleted,
	}
	Fanout(context.Background(), []Sink{a, b, c}, e)
	for i, s := range []*recordingSink{a, b, c} {
		if len(s.events) != 1 {
			t.Fatalf("sink %d got %d events", i, len(s.events))
		}
		if s.events[0].ExperimentID != "e1" {
			t.Fatalf("sink %d got wrong event %+v", i, s.events[0])
		}
	}
}

func TestFanoutNilSinks(t *testing.T) {
	// must not panic
	Fanout(context.Background(), nil, Event{Type: EventStarted})
}
