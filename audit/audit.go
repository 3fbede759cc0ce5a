// Package audit publishes conversation lifecycle events to NATS.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/c360studio/docbot/workflow"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// DefaultPrefix is the subject prefix when none is configured.
const DefaultPrefix = "docbot"

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Message is the JSON body of an audit event.
type Message struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	ConversationID string    `json:"conversation_id"`
	Channel        string    `json:"channel"`
	Thread         string    `json:"thread"`
	TicketKey      string    `json:"ticket_key"`
	Stage          string    `json:"stage,omitempty"`
	Outcome        string    `json:"outcome,omitempty"`
	Step           int       `json:"step,omitempty"`
	Platform       string    `json:"platform,omitempty"`
	PageURL        string    `json:"page_url,omitempty"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Publisher implements workflow.Recorder over NATS. Publishing is fire and
// forget; failures are logged. A nil Publisher records nothing.
type Publisher struct {
	conn   Conn
	prefix string
	logger *slog.Logger
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) { p.logger = l }
}

// NewPublisher creates a publisher sending under prefix.
func NewPublisher(conn Conn, prefix string, opts ...Option) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	p := &Publisher{conn: conn, prefix: prefix, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Connect dials NATS with reconnects enabled.
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("docbot"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
}

// Record implements workflow.Recorder.
func (p *Publisher) Record(_ context.Context, ev workflow.Event) {
	if p == nil || p.conn == nil {
		return
	}

	msg := NewMessage(ev)
	data, err := json.Marshal(msg)
	if err != nil {
		p.logger.Warn("Failed to encode audit event", "kind", ev.Kind, "error", err)
		return
	}
	subject := Subject(p.prefix, ev)
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("Failed to publish audit event", "subject", subject, "error", err)
	}
}

// NewMessage converts a workflow event into its audit form with a fresh id.
func NewMessage(ev workflow.Event) Message {
	msg := Message{
		ID:             uuid.New().String(),
		Kind:           string(ev.Kind),
		ConversationID: ev.ConversationID,
		Channel:        ev.Key.Channel,
		Thread:         ev.Key.Thread,
		TicketKey:      ev.TicketKey,
		Stage:          string(ev.Stage),
		Outcome:        string(ev.Outcome),
		Step:           ev.Step,
		Platform:       string(ev.Platform),
		PageURL:        ev.PageURL,
		Timestamp:      ev.Time.UTC(),
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	return msg
}

// Subject is <prefix>.conversation.<stage> for transitions,
// <prefix>.conversation.<outcome> when a conversation ends and
// <prefix>.conversation.<kind> otherwise.
func Subject(prefix string, ev workflow.Event) string {
	base := prefix + ".conversation."
	switch ev.Kind {
	case workflow.EventStage:
		return base + string(ev.Stage)
	case workflow.EventFinished:
		return base + string(ev.Outcome)
	default:
		return base + string(ev.Kind)
	}
}
