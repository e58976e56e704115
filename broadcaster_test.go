package graphcache

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/google/go-cmp/cmp"
	"gocloud.dev/pubsub/mempubsub"
)

func TestBroadcasterPublish(t *testing.T) {
	ctx := context.Background()
	topic := mempubsub.NewTopic()
	defer topic.Shutdown(ctx)
	sub := mempubsub.NewSubscription(topic, time.Minute)
	defer sub.Shutdown(ctx)

	s := NewStore(nil)
	var batch []Change
	cancel := s.Watch(func(c Change) { batch = append(batch, c) })
	s.Merge("Post:p1", Record{"id": "p1", "title": "Hello"}, CoverAll)
	s.Merge("Post:p2", Record{"id": "p2", "title": "Other"}, CoverAll)
	s.Merge("Post:p1", Record{"title": "Hello, World"}, CoverPaths("title"))
	s.Delete("Post:p2")
	cancel()

	b := NewBroadcaster("test", s, topic).(broadcaster)
	if err := b.publish(ctx, slog.Default(), batch); err != nil {
		t.Fatalf("publish: %v", err)
	}

	received := make(map[string][]ChangePublished)
	for range batch {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		msg, err := sub.Receive(ctx)
		cancel()
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		msg.Ack()
		change, err := DecodeChange(msg.Body)
		if err != nil {
			t.Fatalf("DecodeChange: %v", err)
		}
		if got := msg.Metadata[EntityIDKey]; got != string(change.Change.ID) {
			t.Errorf("message of %v carries entity metadata %q", change.Change.ID, got)
		}
		received[msg.Metadata[EntityIDKey]] = append(received[msg.Metadata[EntityIDKey]], change)
	}

	// Receive order is up to the subscription; versions restore the order in
	// which the changes of each entity happened.
	kinds := func(id string) []ChangeKind {
		changes := slices.SortedFunc(slices.Values(received[id]), func(a, b ChangePublished) int {
			switch {
			case a.Change.Version < b.Change.Version:
				return -1
			case a.Change.Version > b.Change.Version:
				return 1
			}
			return 0
		})
		var out []ChangeKind
		for i, c := range changes {
			if i > 0 && c.Change.Version == changes[i-1].Change.Version {
				t.Errorf("changes of %s share version %d", id, c.Change.Version)
			}
			out = append(out, c.Change.Kind)
		}
		return out
	}
	if diff := cmp.Diff([]ChangeKind{Created, Updated}, kinds("Post:p1")); diff != "" {
		t.Errorf("Post:p1 changes mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]ChangeKind{Created, Deleted}, kinds("Post:p2")); diff != "" {
		t.Errorf("Post:p2 changes mismatch (-want +got):\n%s", diff)
	}

	// Published records reflect the Store at the time of publishing.
	for _, c := range received["Post:p1"] {
		if c.Record["title"] != "Hello, World" {
			t.Errorf("published %v record = %v, want the latest title", c.Change.Kind, c.Record)
		}
	}
	for _, c := range received["Post:p2"] {
		if c.Record != nil {
			t.Errorf("published %v of a deleted entity carries record %v", c.Change.Kind, c.Record)
		}
	}
}

// ExampleNewBroadcaster an example [component.Descriptor] for a broadcaster of
// cache changes, and a consumer of backend pushes, with an example bootstrap
// function.
func ExampleNewBroadcaster() {
	pushesInterest := "graphcache.entity-pushed"
	changesAspect := "graphcache.changed"

	d := &component.Descriptor{
		Name: "graphcache-broadcaster",
		Doc:  "....",
		Bootstrap: func(l *component.L, target component.Linker, options any) error {
			logger := component.Logger(l.Context())
			client := New(MustSchema(EntityType{Name: "Post"}), nil)

			logger.Debug("Opening interest subscription...", slog.String("topic-name", pushesInterest))
			pushes, err := target.LinkInterest(l.GraceContext(), pushesInterest)
			if err != nil {
				return fmt.Errorf("open interest %q: %w", pushesInterest, err)
			}
			l.CleanupBackground(pushes.Shutdown)
			logger.Info("Interest subscription opened successfully")

			logger.Debug("Opening aspect topic...", slog.String("topic-name", changesAspect))
			changes, err := target.LinkAspect(l.GraceContext(), changesAspect)
			if err != nil {
				return fmt.Errorf("open aspect %q: %w", changesAspect, err)
			}
			l.CleanupContext(changes.Shutdown)
			logger.Info("Aspect topic opened successfully")

			l.Fork("pushes", client.ConsumePushes(pushes))
			l.Fork("broadcaster", NewBroadcaster("posts", client.Store(), changes))

			return nil
		},
		Aspects:   []string{changesAspect},
		Interests: []string{pushesInterest},
	}

	fmt.Print(d)
}
