package workflow

import (
	"context"
	"time"

	"github.com/c360studio/docbot/article"
)

// EventKind classifies workflow events.
type EventKind string

const (
	// EventStage is emitted on every stage transition.
	EventStage EventKind = "stage"
	// EventImage is emitted per rendered (or failed) image.
	EventImage EventKind = "image"
	// EventPublish is emitted per publish attempt.
	EventPublish EventKind = "publish"
	// EventFinished is emitted once when a conversation leaves the store's active set.
	EventFinished EventKind = "finished"
)

// Outcome is how a conversation ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// Event describes something that happened to a conversation.
type Event struct {
	Kind           EventKind
	ConversationID string
	Key            ThreadKey
	TicketKey      string
	Stage          Stage
	Outcome        Outcome
	Step           int
	Platform       article.Platform
	PageURL        string
	Err            error
	Time           time.Time
}

// Recorder observes workflow events (metrics, audit trail).
// Record must not block for long; it runs inside transitions.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

// Recorders fans an event out to several recorders.
type Recorders []Recorder

// Record implements Recorder.
func (rs Recorders) Record(ctx context.Context, ev Event) {
	for _, r := range rs {
		if r != nil {
			r.Record(ctx, ev)
		}
	}
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, Event) {}
