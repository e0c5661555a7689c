package ws

import (
	"encoding/json"
	"log/slog"

	"github.com/branchbox/branchbox/internal/service/lifecycle"
)

// EventPublisher bridges lifecycle events onto the hub as JSON payloads.
type EventPublisher struct {
	hub *Hub
	log *slog.Logger
}

// NewEventPublisher constructs a publisher for the given hub.
func NewEventPublisher(hub *Hub, logger *slog.Logger) *EventPublisher {
	return &EventPublisher{hub: hub, log: logger}
}

// Publish marshals the event and broadcasts it to every subscriber.
func (p *EventPublisher) Publish(event lifecycle.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.log.Warn("event marshal failed", "type", event.Type, "error", err)
		return
	}
	p.hub.Broadcast(payload)
}
