package graphcache

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/go-graphcache")
var meter = otel.Meter("github.com/go-digitaltwin/go-graphcache")

const (
	// entityTypeKey is the attribute key associating fetch records with the
	// entity type (or root list) they fetched.
	entityTypeKey = "graphcache.type"
	// errorClassKey is the attribute key associating mutation failures with their
	// classification: "recoverable" or "fatal".
	errorClassKey = "graphcache.error.class"
	// broadcasterKey is the attribute key associating broadcast records with the
	// name of the broadcaster.
	broadcasterKey = "graphcache.broadcaster"
)

var (
	// fetchDuration measures the duration of a single Transport fetch, including
	// the normalization of its response into the Store.
	//
	// Each record is associated with the entityTypeKey.
	fetchDuration metric.Float64Histogram
	// fetchFailures counts the Transport fetches that have failed.
	//
	// Each record is associated with the entityTypeKey.
	fetchFailures metric.Int64Counter
	// memoHits counts view resolutions served from the View Data Cache.
	memoHits metric.Int64Counter
	// memoMisses counts view resolutions that had to re-hydrate from the Store.
	memoMisses metric.Int64Counter
	// rollbacks counts mutations whose optimistic writes were rolled back.
	rollbacks metric.Int64Counter
	// mutationFailures counts failed mutations, labeled with errorClassKey.
	mutationFailures metric.Int64Counter
	// broadcastDuration measures the duration of publishing a batch of Store
	// changes. Each record is associated with the broadcasterKey.
	broadcastDuration metric.Float64Histogram
	// broadcastFailures counts the batches of Store changes that failed to publish.
	// Each record is associated with the broadcasterKey.
	broadcastFailures metric.Int64Counter
)

func init() {
	var err error
	fetchDuration, err = meter.Float64Histogram(
		"graphcache.fetch.duration",
		metric.WithDescription("The duration of a single transport fetch, including normalizing its response."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("graphcache: failed to init 'graphcache.fetch.duration' instrument")
	}

	fetchFailures, err = meter.Int64Counter(
		"graphcache.fetch.failures",
		metric.WithDescription("The number of transport fetches that have failed."),
	)
	if err != nil {
		panic("graphcache: failed to init 'graphcache.fetch.failures' instrument")
	}

	memoHits, err = meter.Int64Counter(
		"graphcache.memo.hits",
		metric.WithDescription("The number of view resolutions served from the view data cache."),
	)
	if err != nil {
		panic("graphcache: failed to init 'graphcache.memo.hits' instrument")
	}

	memoMisses, err = meter.Int64Counter(
		"graphcache.memo.misses",
		metric.WithDescription("The number of view resolutions re-hydrated from the store."),
	)
	if err != nil {
		panic("graphcache: failed to init 'graphcache.memo.misses' instrument")
	}

	rollbacks, err = meter.Int64Counter(
		"graphcache.mutation.rollbacks",
		metric.WithDescription("The number of mutations whose optimistic writes were rolled back."),
	)
	if err != nil {
		panic("graphcache: failed to init 'graphcache.mutation.rollbacks' instrument")
	}

	mutationFailures, err = meter.Int64Counter(
		"graphcache.mutation.failures",
		metric.WithDescription("The number of mutations that have failed, by error class."),
	)
	if err != nil {
		panic("graphcache: failed to init 'graphcache.mutation.failures' instrument")
	}

	broadcastDuration, err = meter.Float64Histogram(
		"graphcache.broadcast.duration",
		metric.WithDescription("The duration of publishing a batch of store changes."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("graphcache: failed to init 'graphcache.broadcast.duration' instrument")
	}

	broadcastFailures, err = meter.Int64Counter(
		"graphcache.broadcast.failures",
		metric.WithDescription("The number of batches of store changes that failed to publish."),
	)
	if err != nil {
		panic("graphcache: failed to init 'graphcache.broadcast.failures' instrument")
	}
}

// measureFetch records a fetch using fetchDuration and fetchFailures. If the
// fetch succeeded, we record its duration; otherwise we increment the failure
// counter.
//
// According to [metric] documentation, [metric.WithAttributeSet] should be used
// instead of [metric.WithAttributes] for performance optimization.
func measureFetch(ctx context.Context, typename string, succeeded bool, d time.Duration) {
	attrs := attribute.NewSet(attribute.String(entityTypeKey, typename))
	if succeeded {
		// We use floating-point division here for higher precision (instead of the
		// Millisecond method).
		duration := float64(d) / float64(time.Millisecond)
		fetchDuration.Record(ctx, duration, metric.WithAttributeSet(attrs))
	} else {
		fetchFailures.Add(ctx, 1, metric.WithAttributeSet(attrs))
	}
}

// measureMutationFailure counts a failed mutation under its error class.
func measureMutationFailure(ctx context.Context, recoverable bool) {
	class := "fatal"
	if recoverable {
		class = "recoverable"
	}
	attrs := attribute.NewSet(attribute.String(errorClassKey, class))
	mutationFailures.Add(ctx, 1, metric.WithAttributeSet(attrs))
}

// measureBroadcast records a published batch using broadcastDuration and
// broadcastFailures.
func measureBroadcast(ctx context.Context, name string, succeeded bool, d time.Duration) {
	attrs := attribute.NewSet(attribute.String(broadcasterKey, name))
	if succeeded {
		broadcastDuration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributeSet(attrs))
	} else {
		broadcastFailures.Add(ctx, 1, metric.WithAttributeSet(attrs))
	}
}
