package server

import (
	"log"
	"time"

	natsio "github.com/nats-io/nats.go"

	"github.com/huenique/claude-code-server/internal/nats"
)

// eventSubjectPrefix namespaces lifecycle events on the NATS plane.
const eventSubjectPrefix = "events."

// EventPlane fans lifecycle events through NATS into the websocket hub.
// When the NATS plane is disabled it degrades to broadcasting directly,
// so websocket subscribers see the same stream either way.
type EventPlane struct {
	client *nats.Client
	hub    *Hub
	sub    *natsio.Subscription
}

// NewEventPlane wires the hub to the event stream. client may be nil.
func NewEventPlane(client *nats.Client, hub *Hub) (*EventPlane, error) {
	p := &EventPlane{client: client, hub: hub}
	if client == nil {
		return p, nil
	}

	sub, err := client.Subscribe(eventSubjectPrefix+">", func(msg *nats.Message) {
		hub.Broadcast(msg.Data)
	})
	if err != nil {
		return nil, err
	}
	p.sub = sub
	return p, nil
}

// PublishEvent satisfies the queue's EventPublisher interface.
func (p *EventPlane) PublishEvent(event string, data any) {
	if p.client == nil {
		p.hub.BroadcastEvent(event, data)
		return
	}
	err := p.client.PublishJSON(eventSubjectPrefix+event, map[string]any{
		"event":     event,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	})
	if err != nil {
		log.Printf("[EVENTS] Failed to publish %s: %v", event, err)
		p.hub.BroadcastEvent(event, data)
	}
}

// Close drops the hub subscription.
func (p *EventPlane) Close() {
	if p.sub != nil {
		if err := p.sub.Unsubscribe(); err != nil {
			log.Printf("[EVENTS] Failed to unsubscribe: %v", err)
		}
	}
}
