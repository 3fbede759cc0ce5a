// Package slack connects the bot to Slack: Socket Mode for inbound events and
// the Web API for outbound messages and file uploads.
package slack

import (
	"encoding/json"
	"fmt"
)

// EventType classifies inbound events.
type EventType string

const (
	EventMessage EventType = "message"
	EventMention EventType = "mention"
	EventAction  EventType = "action"
)

// Event is an inbound Slack event reduced to what the bot routes on.
type Event struct {
	Type     EventType
	Channel  string
	User     string
	BotID    string
	Subtype  string
	Text     string
	TS       string
	ThreadTS string
	Edited   bool

	// ActionID and ActionValue are set for button clicks.
	ActionID    string
	ActionValue string
}

// Thread returns the thread timestamp the event belongs to. Top-level
// messages start their own thread.
func (e Event) Thread() string {
	if e.ThreadTS != "" {
		return e.ThreadTS
	}
	return e.TS
}

// InThread reports whether the event was posted as a thread reply.
func (e Event) InThread() bool {
	return e.ThreadTS != "" && e.ThreadTS != e.TS
}

// Envelope types sent over Socket Mode.
const (
	envelopeHello       = "hello"
	envelopeDisconnect  = "disconnect"
	envelopeEventsAPI   = "events_api"
	envelopeInteractive = "interactive"
)

type envelope struct {
	EnvelopeID string          `json:"envelope_id,omitempty"`
	Type       string          `json:"type"`
	Reason     string          `json:"reason,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type eventsAPIPayload struct {
	Type  string        `json:"type"`
	Event callbackEvent `json:"event"`
}

type callbackEvent struct {
	Type     string           `json:"type"`
	Channel  string           `json:"channel"`
	User     string           `json:"user"`
	BotID    string           `json:"bot_id"`
	Subtype  string           `json:"subtype"`
	Text     string           `json:"text"`
	TS       string           `json:"ts"`
	ThreadTS string           `json:"thread_ts"`
	Edited   *json.RawMessage `json:"edited"`
}

type interactivePayload struct {
	Type string `json:"type"`
	User struct {
		ID string `json:"id"`
	} `json:"user"`
	Channel struct {
		ID string `json:"id"`
	} `json:"channel"`
	Container struct {
		ChannelID string `json:"channel_id"`
		MessageTS string `json:"message_ts"`
		ThreadTS  string `json:"thread_ts"`
	} `json:"container"`
	Message struct {
		TS       string `json:"ts"`
		ThreadTS string `json:"thread_ts"`
	} `json:"message"`
	Actions []struct {
		ActionID string `json:"action_id"`
		Value    string `json:"value"`
	} `json:"actions"`
}

// decodeEnvelope turns an events_api or interactive envelope into events.
// Unsupported payloads yield no events.
func decodeEnvelope(env envelope) ([]Event, error) {
	switch env.Type {
	case envelopeEventsAPI:
		var p eventsAPIPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode events_api payload: %w", err)
		}
		ev, ok := fromCallback(p.Event)
		if !ok {
			return nil, nil
		}
		return []Event{ev}, nil

	case envelopeInteractive:
		var p interactivePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode interactive payload: %w", err)
		}
		if p.Type != "block_actions" {
			return nil, nil
		}
		return fromBlockActions(p), nil

	default:
		return nil, nil
	}
}

func fromCallback(ce callbackEvent) (Event, bool) {
	ev := Event{
		Channel:  ce.Channel,
		User:     ce.User,
		BotID:    ce.BotID,
		Subtype:  ce.Subtype,
		Text:     ce.Text,
		TS:       ce.TS,
		ThreadTS: ce.ThreadTS,
		Edited:   ce.Edited != nil,
	}
	switch ce.Type {
	case "app_mention":
		ev.Type = EventMention
	case "message":
		ev.Type = EventMessage
	default:
		return Event{}, false
	}
	return ev, true
}

func fromBlockActions(p interactivePayload) []Event {
	channel := p.Channel.ID
	if channel == "" {
		channel = p.Container.ChannelID
	}
	ts := p.Message.TS
	if ts == "" {
		ts = p.Container.MessageTS
	}
	threadTS := p.Message.ThreadTS
	if threadTS == "" {
		threadTS = p.Container.ThreadTS
	}

	events := make([]Event, 0, len(p.Actions))
	for _, a := range p.Actions {
		events = append(events, Event{
			Type:        EventAction,
			Channel:     channel,
			User:        p.User.ID,
			TS:          ts,
			ThreadTS:    threadTS,
			ActionID:    a.ActionID,
			ActionValue: a.Value,
		})
	}
	return events
}
