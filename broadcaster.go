package graphcache

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gocloud.dev/pubsub"
	"golang.org/x/sync/errgroup"
)

// EntityIDKey is the message metadata key holding the identifier of the entity a
// broadcast change is about.
const EntityIDKey = "entityID"

// ChangePublished notifies about a single change in a Store, as broadcast by a
// Broadcaster.
type ChangePublished struct {
	Change Change
	// Record is the entity's record right after the change; it is nil for
	// deletions and list changes.
	Record Record
	// The time, in UTC, the change was published.
	Timestamp time.Time
}

type broadcaster struct {
	name  string
	store *Store
	sink  *pubsub.Topic
}

// NewBroadcaster returns a [component.Procedure] that publishes every change of
// the given Store to the specified sink, one ChangePublished message per change.
//
// Changes of the same entity are sent in the order they happened, but a
// subscription may receive them in any order. Consumers order the changes of an
// entity by their Change.Version, or rely on brokers that partition by the
// EntityIDKey metadata. The broadcaster measures the duration of publishing each batch of changes and
// labels each measurement record with the provided name.
func NewBroadcaster(name string, store *Store, sink *pubsub.Topic) component.Procedure {
	return broadcaster{name: name, store: store, sink: sink}
}

func (b broadcaster) Exec(l *component.L) {
	logger := component.Logger(l.Context()).With(slog.String("broadcaster", b.name))
	var q changeQueue
	q.ready = make(chan struct{}, 1)
	cancel := b.store.Watch(q.push)
	defer cancel()
	logger.Info("Broadcasting store changes")

	for l.Continue() {
		select {
		case <-l.GraceContext().Done():
			return
		case <-q.ready:
		}
		batch := q.drain()
		if len(batch) == 0 {
			continue
		}
		if err := b.publish(l.GraceContext(), logger, batch); err != nil {
			// Subscribers must never observe a later change of an entity without the
			// earlier ones, so a failed batch stops the broadcast.
			logger.Error("Couldn't publish store changes", slog.Any("error", err))
			l.Fatal(fmt.Errorf("publish: %w", err))
		}
	}
}

// publish sends the batch of changes to the sink. Changes of distinct entities
// are sent concurrently, while those of the same entity are sent in order.
func (b broadcaster) publish(ctx context.Context, logger *slog.Logger, batch []Change) (err error) {
	ctx, span := tracer.Start(ctx, "broadcaster.publish", trace.WithAttributes(
		attribute.Int("changes", len(batch)),
	))
	defer span.End()
	defer func(start time.Time) {
		measureBroadcast(ctx, b.name, err == nil, time.Since(start))
	}(time.Now())

	var order []string
	byEntity := make(map[string][]Change)
	for _, c := range batch {
		key := string(c.ID)
		if c.Kind == ListChanged {
			key = string(c.List)
		}
		if _, ok := byEntity[key]; !ok {
			order = append(order, key)
		}
		byEntity[key] = append(byEntity[key], c)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, key := range order {
		changes := byEntity[key]
		g.Go(func() error {
			for _, c := range changes {
				if err := b.send(ctx, logger, c); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		err = fmt.Errorf("send changes: %w", err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	logger.Debug("Published store changes", slog.Int("changes", len(batch)))
	return nil
}

func (b broadcaster) send(ctx context.Context, logger *slog.Logger, c Change) error {
	msg := ChangePublished{Change: c, Timestamp: time.Now().UTC()}
	if c.Kind == Created || c.Kind == Updated {
		// The record may have changed again since; subscribers then receive the
		// newer record twice, which is harmless.
		msg.Record, _ = b.store.Read(c.ID)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return fmt.Errorf("encode gob: %w", err)
	}

	// The entity identifier is carried as metadata to enable key-based
	// partitioning by brokers that support it, preserving the order of changes of
	// each entity for consumers of a single partition.
	m := &pubsub.Message{Body: buf.Bytes(), Metadata: map[string]string{EntityIDKey: string(c.ID)}}
	if err := b.sink.Send(ctx, m); err != nil {
		return fmt.Errorf("send %v: %w", c.ID, err)
	}
	logger.Debug("Sent change", slog.Any("entity", c.ID), slog.Any("kind", c.Kind))
	return nil
}

// DecodeChange decodes a message body sent by a Broadcaster.
func DecodeChange(p []byte) (ChangePublished, error) {
	var msg ChangePublished
	if err := gob.NewDecoder(bytes.NewReader(p)).Decode(&msg); err != nil {
		return ChangePublished{}, fmt.Errorf("decode gob: %w", err)
	}
	return msg, nil
}

// changeQueue buffers Store changes without ever blocking the writer that
// produced them.
type changeQueue struct {
	mu      sync.Mutex
	pending []Change
	ready   chan struct{}
}

func (q *changeQueue) push(c Change) {
	q.mu.Lock()
	q.pending = append(q.pending, c)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *changeQueue) drain() []Change {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch := q.pending
	q.pending = nil
	return batch
}
