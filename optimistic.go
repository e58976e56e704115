package graphcache

import (
	"context"
	"fmt"
	"iter"
	"log/slog"

	"github.com/danielorbach/go-component"
)

// Step is a single optimistic write to the Store, recorded by a Recorder and
// applied ahead of the backend call it anticipates.
//
// Steps are undone as a whole: before a Step modifies an entity or a list, the
// state it is about to overwrite is captured so that Rollback can restore it.
type Step interface {
	// apply performs the write through the given writer.
	apply(w *writer) error
	// targets yields the entities and lists the step is about to modify, as the
	// Store stands right before the step is applied.
	targets(s *Store, schema *Schema) iter.Seq[Target]
}

// Target is an entity or a list modified by a Step. Exactly one of the fields is
// set.
type Target struct {
	Entity EntityID
	List   ListKey
}

func (t Target) String() string {
	if t.List != "" {
		return "list " + string(t.List)
	}
	return string(t.Entity)
}

// Recorder collects a sequence of optimistic writes in the order they were
// added. Each write is kept as a separate Step.
//
// The zero value of Recorder is ready to use. Do not copy a non-zero Recorder.
type Recorder struct {
	steps []Step
}

// Reset clears all accumulated steps, so the Recorder can be reused.
func (r *Recorder) Reset() {
	r.steps = nil
}

// Steps returns a copy of the recorded steps.
func (r *Recorder) Steps() []Step {
	s := make([]Step, len(r.steps))
	copy(s, r.steps)
	return s
}

// Merge records a step normalizing the record of the given type into the Store,
// exactly like a fetched record would be.
func (r *Recorder) Merge(typename string, rec Record) {
	r.steps = append(r.steps, mergeStep{Type: typename, Record: rec})
}

// MergeAs records a step normalizing the record under the given identifier,
// regardless of the identifier the record itself carries. It is how entities
// with temporary identifiers are written.
func (r *Recorder) MergeAs(id EntityID, rec Record) {
	r.steps = append(r.steps, mergeStep{Type: id.Type(), ID: id, Record: rec})
}

// Delete records a step deleting the entity and scrubbing every reference to it.
func (r *Recorder) Delete(id EntityID) {
	r.steps = append(r.steps, deleteStep{ID: id})
}

// InsertIntoList records a step inserting the entity into the list, at its end,
// or at its start when prepend is set.
func (r *Recorder) InsertIntoList(key ListKey, id EntityID, prepend bool) {
	r.steps = append(r.steps, insertStep{List: key, ID: id, Prepend: prepend})
}

// RemoveFromList records a step removing the entity from the list.
func (r *Recorder) RemoveFromList(key ListKey, id EntityID) {
	r.steps = append(r.steps, removeStep{List: key, ID: id})
}

// Targets iterates over everything the given steps modify, yielding each target
// once. Targets are computed against the current state of the Store, as if all
// steps were about to be applied now.
func Targets(steps []Step, s *Store, schema *Schema) iter.Seq[Target] {
	return func(yield func(Target) bool) {
		seen := make(map[Target]struct{})
		for _, step := range steps {
			for t := range step.targets(s, schema) {
				if _, ok := seen[t]; ok {
					continue
				}
				seen[t] = struct{}{}
				if !yield(t) {
					return
				}
			}
		}
	}
}

// A mergeStep normalizes a record into the Store.
type mergeStep struct {
	Type   string
	ID     EntityID // overrides the identifier computed from Record
	Record Record
}

func (s mergeStep) apply(w *writer) error {
	var err error
	if s.ID != "" {
		_, err = w.writeAs(s.ID, s.Record, Plan{}, nil)
	} else {
		_, err = w.write(s.Type, s.Record, Plan{}, nil)
	}
	return err
}

func (s mergeStep) targets(_ *Store, schema *Schema) iter.Seq[Target] {
	return func(yield func(Target) bool) {
		id := s.ID
		if id == "" {
			// Records that cannot be keyed fail when applied; nested entities and
			// lists are reported by the writer as it reaches them.
			var err error
			if id, err = schema.Identify(s.Type, s.Record); err != nil {
				return
			}
		}
		yield(Target{Entity: id})
	}
}

// A deleteStep removes an entity along with every reference to it.
type deleteStep struct {
	ID EntityID
}

func (s deleteStep) apply(w *writer) error {
	w.store.Delete(s.ID)
	return nil
}

func (s deleteStep) targets(st *Store, _ *Schema) iter.Seq[Target] {
	return func(yield func(Target) bool) {
		if !yield(Target{Entity: s.ID}) {
			return
		}
		owners, lists := st.ReferencesTo(s.ID)
		for _, owner := range owners {
			if !yield(Target{Entity: owner}) {
				return
			}
		}
		for _, key := range lists {
			if !yield(Target{List: key}) {
				return
			}
			// Scrubbing a list rewrites its owner's list field.
			if l, ok := st.List(key); ok && l.Owner != "" {
				if !yield(Target{Entity: l.Owner}) {
					return
				}
			}
		}
		for _, key := range st.ListsOwnedBy(s.ID) {
			if !yield(Target{List: key}) {
				return
			}
		}
	}
}

// An insertStep adds an entity to a list.
type insertStep struct {
	List    ListKey
	ID      EntityID
	Prepend bool
}

func (s insertStep) apply(w *writer) error {
	if _, ok := w.store.List(s.List); !ok {
		return fmt.Errorf("insert %v into %s: %w", s.ID, s.List, ErrListNotFound)
	}
	w.store.InsertIntoList(s.List, s.ID, s.Prepend)
	return nil
}

func (s insertStep) targets(st *Store, _ *Schema) iter.Seq[Target] {
	return listTargets(st, s.List)
}

// A removeStep drops an entity from a list.
type removeStep struct {
	List ListKey
	ID   EntityID
}

func (s removeStep) apply(w *writer) error {
	w.store.RemoveFromList(s.List, s.ID)
	return nil
}

func (s removeStep) targets(st *Store, _ *Schema) iter.Seq[Target] {
	return listTargets(st, s.List)
}

func listTargets(st *Store, key ListKey) iter.Seq[Target] {
	return func(yield func(Target) bool) {
		if !yield(Target{List: key}) {
			return
		}
		if l, ok := st.List(key); ok && l.Owner != "" {
			yield(Target{Entity: l.Owner})
		}
	}
}

// A snapshotSet captures the state of every entity and list an optimistic
// write touches, at most once each, the first time it is about to be modified.
// Restoring the set reverts the Store to the state it had before the first
// capture, for everything the set captured.
type snapshotSet struct {
	store    *Store
	entities []EntitySnapshot
	lists    []ListSnapshot
	seen     map[Target]struct{}
}

func newSnapshotSet(s *Store) *snapshotSet {
	return &snapshotSet{store: s, seen: make(map[Target]struct{})}
}

func (s *snapshotSet) capture(t Target) {
	if _, ok := s.seen[t]; ok {
		return
	}
	s.seen[t] = struct{}{}
	if t.List != "" {
		s.lists = append(s.lists, s.store.SnapshotList(t.List))
	} else {
		s.entities = append(s.entities, s.store.SnapshotEntity(t.Entity))
	}
}

func (s *snapshotSet) touchEntity(id EntityID) { s.capture(Target{Entity: id}) }
func (s *snapshotSet) touchList(key ListKey)   { s.capture(Target{List: key}) }

// Len returns the number of captured entities and lists.
func (s *snapshotSet) Len() int { return len(s.entities) + len(s.lists) }

// restore puts back every captured entity, then every captured list, in reverse
// capture order.
func (s *snapshotSet) restore() {
	for i := len(s.entities) - 1; i >= 0; i-- {
		s.store.RestoreEntity(s.entities[i])
	}
	for i := len(s.lists) - 1; i >= 0; i-- {
		s.store.RestoreList(s.lists[i])
	}
}

// Rollback undoes a set of optimistic writes applied by Client.Apply.
type Rollback struct {
	snaps *snapshotSet
	done  bool
}

// Restore reverts every entity and list the optimistic writes touched to the
// state it had before them. Restoring more than once has no effect.
func (r *Rollback) Restore() {
	if r.done {
		return
	}
	r.done = true
	r.snaps.restore()
}

// Apply applies the steps to the Store in order, capturing the state of each
// entity and list right before it is first modified. The returned Rollback
// reverts all of them.
//
// If a step fails, the steps applied so far are rolled back before Apply
// returns the error.
func (c *Client) Apply(ctx context.Context, steps []Step) (*Rollback, error) {
	snaps := newSnapshotSet(c.store)
	w := newWriter(ctx, c.store, c.schema, snaps)
	for i, step := range steps {
		for t := range step.targets(c.store, c.schema) {
			snaps.capture(t)
		}
		if err := step.apply(w); err != nil {
			snaps.restore()
			return nil, fmt.Errorf("apply step %d: %w", i, err)
		}
	}
	component.Logger(ctx).Debug("Applied optimistic steps",
		slog.Int("steps", len(steps)),
		slog.Int("snapshots", snaps.Len()),
	)
	return &Rollback{snaps: snaps}, nil
}
