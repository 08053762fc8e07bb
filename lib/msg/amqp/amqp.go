// Package amqp implements the message broker interface for AMQP compliant brokers (ie RabbitMQ)
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/tarancss/waas/lib/events"
	"github.com/tarancss/waas/lib/msg"
)

// Amqp implements a connection to a broker and a publishing channel for reuse.
type Amqp struct {
	conn *amqp.Connection
	log  *zap.Logger

	mu sync.Mutex
	ch *amqp.Channel
}

// New instantiates a new amqp broker.
func New(uri string, log *zap.Logger) (*Amqp, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, fmt.Errorf("amqp: cannot dial broker: %w", err)
	}

	log.Info("connected to message broker")

	return &Amqp{conn: conn, log: log}, nil
}

// Setup declares the durable topic exchange the domain events are published to.
func (r *Amqp) Setup() error {
	// obtain a one-use channel
	channel, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer channel.Close()

	return channel.ExchangeDeclare(msg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil)
}

// Close terminates gracefully the connection to the AMQP message broker
func (r *Amqp) Close() error {
	r.mu.Lock()
	if r.ch != nil {
		if err := r.ch.Close(); err != nil {
			r.log.Warn("error closing amqp channel", zap.Error(err))
		}

		r.ch = nil
	}
	r.mu.Unlock()

	return r.conn.Close()
}

// encode builds the publishing for e. The routing key is the event name.
func encode(e events.Event) (string, amqp.Publishing, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return "", amqp.Publishing{}, fmt.Errorf("amqp: cannot marshal event: %w", err)
	}

	return e.Name, amqp.Publishing{
		Headers:      amqp.Table{"x-tenant": e.TenantID},
		Body:         body,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.At,
	}, nil
}

// Publish sends e to the events exchange.
func (r *Amqp) Publish(_ context.Context, e events.Event) error {
	key, p, err := encode(e)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// obtain channel if not present
	if r.ch == nil {
		if r.ch, err = r.conn.Channel(); err != nil {
			return fmt.Errorf("amqp: cannot open channel: %w", err)
		}
	}

	if err = r.ch.Publish(msg.Exchange, key, false, false, p); err != nil {
		// a failed publish closes the channel, get a new one next time
		r.ch = nil
		r.log.Error("error sending event to message broker", zap.String("event", e.Name), zap.Error(err))

		return fmt.Errorf("amqp: publish %s: %w", e.Name, err)
	}

	return nil
}

// Consume declares queue, binds it to the given event names and hands each message to h. A message is acknowledged
// once h returns nil; a message that cannot be decoded or that h fails is rejected without requeue.
func (r *Amqp) Consume(ctx context.Context, queue string, names []string, h msg.Handler) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp: cannot open channel: %w", err)
	}
	defer ch.Close()

	if _, err = ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("amqp: cannot declare queue %s: %w", queue, err)
	}

	for _, n := range names {
		if err = ch.QueueBind(queue, n, msg.Exchange, false, nil); err != nil {
			return fmt.Errorf("amqp: cannot bind %s to %s: %w", queue, n, err)
		}
	}

	msgs, err := ch.Consume(queue, queue, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp: cannot consume %s: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("amqp: consumer %s closed", queue)
			}

			r.handle(ctx, d, h)
		}
	}
}

func (r *Amqp) handle(ctx context.Context, d amqp.Delivery, h msg.Handler) {
	var m msg.Message
	if err := json.Unmarshal(d.Body, &m); err != nil {
		r.log.Warn("discarding undecodable message", zap.String("key", d.RoutingKey), zap.Error(err))
		_ = d.Reject(false)

		return
	}

	if err := h(ctx, m); err != nil {
		r.log.Warn("message handler failed", zap.String("event", m.Event), zap.Error(err))
		_ = d.Reject(false)

		return
	}

	_ = d.Ack(false)
}
