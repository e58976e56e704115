package graphcache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"

	"github.com/danielorbach/go-component"
	"gocloud.dev/pubsub"
)

// Register the concrete types a Record may hold, so that records survive gob
// encoding inside pushed and broadcast events.
func init() {
	gob.Register(Record{})
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register(NodeRef{})
	gob.Register([]NodeRef{})
}

// EntityPushed notifies a Client about an entity the backend changed on its own
// accord, outside any fetch or mutation of that Client.
type EntityPushed struct {
	// Type is the entity type of Record.
	Type string
	// Record holds the fields that changed; it is normalized like a fetched record,
	// so a record holding the "*" key covers every field.
	Record Record
	// Deleted marks the removal of the entity identified by ID (or by Record,
	// when ID is empty).
	Deleted bool
	ID      EntityID
}

// EncodePush gob-encodes the pushed entity into a message body.
func EncodePush(p EntityPushed) ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(p); err != nil {
		return nil, fmt.Errorf("encode gob: %w", err)
	}
	return b.Bytes(), nil
}

// ApplyPush normalizes a pushed entity into the Store, or deletes it, and
// returns its identifier.
func (c *Client) ApplyPush(ctx context.Context, p EntityPushed) (EntityID, error) {
	logger := component.Logger(ctx)
	id := p.ID
	if id == "" {
		var err error
		if id, err = c.schema.Identify(p.Type, p.Record); err != nil {
			return "", fmt.Errorf("push: %w", err)
		}
	}
	if p.Deleted {
		c.store.Delete(id)
		logger.Debug("Applied pushed deletion", slog.Any("entity", id))
		return id, nil
	}
	out, err := newWriter(ctx, c.store, c.schema, nil).writeAs(id, p.Record, Plan{}, nil)
	if err != nil {
		return "", fmt.Errorf("push %v: %w", id, err)
	}
	logger.Debug("Applied pushed entity", slog.Any("entity", out.id))
	return out.id, nil
}

// ConsumePushes returns a component.Proc that receives EntityPushed messages
// from the subscription and applies them to the Client's Store, in the order
// they arrive.
func (c *Client) ConsumePushes(sub *pubsub.Subscription) component.Proc {
	source := EventSource[EntityPushed]{Subscription: sub}
	return source.Stream(func(ctx context.Context, p EntityPushed) error {
		_, err := c.ApplyPush(ctx, p)
		return err
	})
}

// EventSource wraps a pubsub subscription and gob-decodes incoming messages into
// events of type E.
type EventSource[E any] struct {
	Subscription *pubsub.Subscription
}

// EventHandler processes a decoded event.
type EventHandler[E any] func(ctx context.Context, event E) error

// Stream returns a component.Proc that continuously receives messages from the
// subscription, decodes them, and passes them to the provided EventHandler.
//
// Messages are acknowledged as soon as they are received, even if they fail to
// decode; otherwise we might get stuck processing the same failed message.
// Messages that fail to decode or to be handled are logged and skipped. Only a
// failure to receive stops the stream.
func (s EventSource[E]) Stream(h EventHandler[E]) component.Proc {
	return func(l *component.L) {
		logger := component.Logger(l.Context())
		for l.Continue() {
			msg, err := s.Subscription.Receive(l.Context())
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					// we're shutting down
					return
				}
				l.Fatal(fmt.Errorf("receive: %w", err))
			}
			msg.Ack()

			var event E
			if err := gob.NewDecoder(bytes.NewReader(msg.Body)).Decode(&event); err != nil {
				logger.Warn("Skipping undecodable message", slog.String("logging-id", msg.LoggableID), slog.Any("error", err))
				continue
			}
			if err := h(l.Context(), event); err != nil {
				logger.Warn("Skipping unprocessable event", slog.String("logging-id", msg.LoggableID), slog.Any("error", err))
			}
		}
	}
}
