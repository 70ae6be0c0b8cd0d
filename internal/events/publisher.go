// Package events publishes approval domain events to NATS for consumption by
// notification, broadcast, and analytics subscribers.
//
// Subject convention: approvals.<event_type>
//
// All publish operations are non-fatal — errors are logged but never propagated
// to the caller, so event delivery failures never interrupt approval operations.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Event types emitted by the engine.
const (
	TypeRequestUpdated  = "request_updated"
	TypeActionTaken     = "action_taken"
	TypeWorkflowUpdated = "workflow_updated"
	TypeRequestStuck    = "request_stuck"
	TypeEscalation      = "escalation"
	TypeReminder        = "reminder"
)

// Event is the JSON schema published to NATS.
type Event struct {
	Type       string         `json:"event_type"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id,omitempty"`
	Recipients []string       `json:"recipients,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	Action     string         `json:"action,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Sink accepts domain events. The engine only publishes; it never awaits
// subscriber completion.
type Sink interface {
	Publish(ctx context.Context, ev *Event)
}

// Publisher is the NATS-backed Sink.
type Publisher struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// NewPublisher creates a publisher over an established NATS connection.
// A nil connection yields a publisher that drops events (useful in tests).
func NewPublisher(conn *nats.Conn, log zerolog.Logger) *Publisher {
	return &Publisher{conn: conn, log: log}
}

// Publish sends the event on approvals.<event_type>. Failures are logged and
// swallowed.
func (p *Publisher) Publish(ctx context.Context, ev *Event) {
	if p.conn == nil || ev == nil {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", ev.Type).Msg("events: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("approvals.%s", ev.Type)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("request_id", ev.RequestID).
			Msg("events: failed to publish (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("request_id", ev.RequestID).
		Int("recipients", len(ev.Recipients)).
		Msg("events: published")
}
