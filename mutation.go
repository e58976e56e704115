package graphcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/danielorbach/go-component"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TempIDPrefix starts the raw identifier of every entity created optimistically
// before the backend assigned it an identifier of its own.
const TempIDPrefix = "tmp-"

// Mutation describes a backend write and the optimistic writes that anticipate
// its outcome.
type Mutation struct {
	// Key names the mutation to the Transport.
	Key string
	// Type is the entity type of the record the mutation returns.
	Type string
	// Input is sent to the Transport as is. When the target entity can be
	// identified from it, optimistic writes apply to that entity.
	Input map[string]any
	// View selects the fields of the returned record; it may be nil for
	// mutations that return nothing worth reading.
	View *View
	Vars map[string]any

	// Optimistic, when set, is merged into the target entity before the
	// Transport is called. If the target cannot be identified from Input or from
	// Optimistic itself, it is written under a temporary identifier.
	Optimistic Record
	// Delete marks a mutation that removes its target entity. The entity is
	// deleted before the Transport is called, and again once it succeeded.
	Delete bool
	// Update records additional optimistic steps, given the identifier of the
	// target entity (which may be temporary).
	Update func(r *Recorder, target EntityID)
}

// MutationResult is the outcome of a mutation that did not fail fatally.
type MutationResult struct {
	// ID identifies the entity the backend returned (or deleted).
	ID EntityID
	// Data is the result read through the mutation's view.
	Data Data
	// Err is a recoverable failure; the optimistic writes have been rolled back.
	Err error
}

var errMissingTarget = errors.New("delete mutation without an identifiable target")

// Mutate performs the mutation. Optimistic writes are applied to the Store (and
// visible to readers) before the Transport is called. On success the returned
// record is normalized over them; on failure they are rolled back.
//
// Failures are classified with IsRecoverable once the Store has been restored:
// recoverable ones are reported in MutationResult.Err, while anything else is
// returned as the error.
func (c *Client) Mutate(ctx context.Context, m Mutation) (_ MutationResult, err error) {
	ctx, span := tracer.Start(ctx, "Client.Mutate", trace.WithAttributes(
		attribute.String("mutation", m.Key),
		attribute.String("type", m.Type),
	))
	defer span.End()
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}()
	logger := component.Logger(ctx).With(slog.String("mutation", m.Key))

	var plan Plan
	if m.View != nil {
		plan, err = compileSelection(m.View, m.View.Selection(), m.Vars)
		if err != nil {
			return MutationResult{}, err
		}
	}

	target, temporary := c.mutationTarget(m)
	if m.Delete && target == "" {
		return MutationResult{}, fmt.Errorf("mutate %s: %w", m.Key, errMissingTarget)
	}

	var r Recorder
	if m.Optimistic != nil {
		r.MergeAs(target, m.Optimistic)
	}
	if m.Delete {
		r.Delete(target)
	}
	if m.Update != nil {
		m.Update(&r, target)
	}
	rollback, err := c.Apply(ctx, r.Steps())
	if err != nil {
		return MutationResult{}, fmt.Errorf("mutate %s: %w", m.Key, err)
	}

	paths := plan.Paths
	if m.Optimistic != nil {
		paths = unionPaths(paths, payloadPaths(m.Optimistic))
	}
	rec, err := c.transport.Mutate(ctx, MutateRequest{Key: m.Key, Input: m.Input, Paths: paths})
	if err == nil && !m.Delete && rec == nil {
		err = fmt.Errorf("mutation returned no %s: %w", m.Type, ErrEntityNotFound)
	}
	if err != nil {
		return c.rollbackMutation(ctx, m, rollback, err)
	}

	if m.Delete {
		c.store.Delete(target)
		logger.Debug("Committed deletion", slog.Any("entity", target))
		return MutationResult{ID: target}, nil
	}

	w := newWriter(ctx, c.store, c.schema, nil)
	out, err := w.write(m.Type, rec, plan, nil)
	if err != nil {
		return c.rollbackMutation(ctx, m, rollback, err)
	}
	if temporary && out.id != target {
		c.store.Replace(target, out.id)
		logger.Debug("Replaced temporary entity",
			slog.Any("temporary", target),
			slog.Any("entity", out.id),
		)
	}

	result := MutationResult{ID: out.id}
	if m.View != nil {
		varsKey := ""
		if len(m.Vars) > 0 {
			varsKey = StableString(m.Vars)
		}
		result.Data, err = c.rehydrate(m.View.Ref(out.id), plan, varsKey)
		if err != nil {
			return MutationResult{}, fmt.Errorf("mutate %s: %w", m.Key, err)
		}
	}
	return result, nil
}

// rollbackMutation restores the Store and classifies the failure.
func (c *Client) rollbackMutation(ctx context.Context, m Mutation, rollback *Rollback, cause error) (MutationResult, error) {
	rollback.Restore()
	rollbacks.Add(ctx, 1)
	recoverable := IsRecoverable(cause)
	measureMutationFailure(ctx, recoverable)
	component.Logger(ctx).Debug("Rolled back optimistic writes",
		slog.String("mutation", m.Key),
		slog.Bool("recoverable", recoverable),
		slog.Any("error", cause),
	)
	err := fmt.Errorf("mutate %s: %w", m.Key, cause)
	if recoverable {
		return MutationResult{Err: err}, nil
	}
	return MutationResult{}, err
}

// mutationTarget identifies the entity the mutation applies to, from its input
// or else its optimistic payload. Optimistic creations that cannot be
// identified get a temporary identifier.
func (c *Client) mutationTarget(m Mutation) (id EntityID, temporary bool) {
	if _, ok := c.schema.Type(m.Type); !ok {
		return "", false
	}
	for _, rec := range []Record{m.Input, m.Optimistic} {
		if rec == nil {
			continue
		}
		if id, err := c.schema.Identify(m.Type, rec); err == nil {
			return id, false
		}
	}
	if m.Optimistic == nil || m.Delete {
		return "", false
	}
	return NewEntityID(m.Type, TempIDPrefix+uuid.NewString()), true
}

// payloadPaths returns the dot paths of every field present in the record,
// descending into nested objects and lists of objects.
func payloadPaths(rec map[string]any) []string {
	var out []string
	for _, k := range slices.Sorted(maps.Keys(rec)) {
		if k == AllFields {
			continue
		}
		var nested []string
		if m := asMap(rec[k]); m != nil {
			nested = payloadPaths(m)
		} else if items, ok := asSlice(rec[k]); ok {
			for _, item := range items {
				if m := asMap(item); m != nil {
					nested = unionPaths(nested, payloadPaths(m))
				}
			}
		}
		out = append(out, pathsUnder(k, nested)...)
	}
	return out
}

// unionPaths returns the sorted union of both path sets.
func unionPaths(a, b []string) []string {
	out := slices.Concat(a, b)
	slices.Sort(out)
	return slices.Compact(out)
}
