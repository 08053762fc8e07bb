// Package msg defines the interface for message brokers carrying the wallet domain events between services.
package msg

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tarancss/waas/lib/events"
)

// Exchange all domain events are published to, routed by event name.
const Exchange = "waas.events"

// Message is a consumed domain event. Data is left raw for the handler to decode into the payload it expects.
type Message struct {
	Event    string          `json:"event"`
	TenantID string          `json:"tenantId,omitempty"`
	Data     json.RawMessage `json:"data"`
	At       time.Time       `json:"timestamp"`
}

// Handler processes a message. Returning nil acknowledges it.
type Handler func(ctx context.Context, m Message) error

// MsgBroker publishes domain events and lets workers consume them.
type MsgBroker interface {
	events.Publisher

	Setup() error
	Close() error

	// Consume binds queue to the given event names and runs h for each message until ctx is done.
	Consume(ctx context.Context, queue string, names []string, h Handler) error
}
