package graphcache

import (
	"fmt"
	"maps"
	"slices"
)

// Data is the resolved value of a view: field names mapped to scalars, nested
// Data, ViewRefs (for sub-views), slices of those, or ConnectionData.
type Data map[string]any

// ConnectionData is the resolved value of a Connection selection.
type ConnectionData struct {
	Edges []EdgeData
	Page  PageInfo
}

// EdgeData is a single resolved connection item. An empty Cursor stands for a
// null cursor.
type EdgeData struct {
	Cursor string
	Node   any
}

// rehydrator reads resolved views back out of the Store, collecting every
// entity it reads from.
type rehydrator struct {
	store *Store
	deps  map[EntityID]struct{}
}

func newRehydrator(store *Store) *rehydrator {
	return &rehydrator{store: store, deps: make(map[EntityID]struct{})}
}

// dependencies returns the entities read so far, sorted.
func (r *rehydrator) dependencies() []EntityID {
	return slices.Sorted(maps.Keys(r.deps))
}

// entity resolves the given selection against the stored entity. It fails if
// the entity is unknown.
func (r *rehydrator) entity(id EntityID, plan Plan) (Data, error) {
	r.deps[id] = struct{}{}
	rec, ok := r.store.Read(id)
	if !ok {
		return nil, fmt.Errorf("resolve %v: %w", id, ErrEntityNotFound)
	}
	out := make(Data, len(plan.Selection))
	for _, k := range slices.Sorted(maps.Keys(plan.Selection)) {
		v, err := r.field(id, rec, k, plan.Selection[k], plan)
		if err != nil {
			return nil, err
		}
		if v != nil || hasField(rec, k) {
			out[k] = v
		}
	}
	return out, nil
}

func hasField(rec Record, k string) bool {
	_, ok := rec[k]
	return ok
}

// field resolves one field of an entity's record.
func (r *rehydrator) field(owner EntityID, rec Record, k string, sel Selection, plan Plan) (any, error) {
	v := rec[k]
	switch s := sel.(type) {
	case Field:
		return v, nil

	case Object:
		sub := plan.Under(k)
		switch x := v.(type) {
		case nil:
			return nil, nil
		case NodeRef:
			return r.related(x.ID, sub)
		case []NodeRef:
			return r.items(owner, k, ListKeyFor(owner, k, plan.Args[k].Hash), x, sub)
		}
		return project(v, s), nil

	case Sub:
		switch x := v.(type) {
		case nil:
			return nil, nil
		case NodeRef:
			r.deps[x.ID] = struct{}{}
			return s.View.Ref(x.ID), nil
		case []NodeRef:
			refs := make([]any, len(x))
			for i, ref := range x {
				refs[i] = s.View.Ref(ref.ID)
			}
			return refs, nil
		}
		return nil, &SchemaError{Field: k, Reason: fmt.Sprintf("sub-view %s over non-entity value %T", s.View.Name(), v)}

	case Connection:
		key := ListKeyFor(owner, k, plan.Args[k].Hash)
		l, ok := r.store.List(key)
		if !ok {
			return nil, fmt.Errorf("resolve %v.%s: %w", owner, k, ErrListNotFound)
		}
		return r.connection(l, s.Node, plan.Under(k))

	case Args:
		if s.Selection == nil {
			return v, nil
		}
		return r.field(owner, rec, k, s.Selection, plan)

	default:
		panic(fmt.Sprintf("graphcache: unknown selection %T", sel))
	}
}

// related resolves an entity reached through a single-entity relation. A
// dangling reference resolves to nil.
func (r *rehydrator) related(id EntityID, plan Plan) (any, error) {
	d, err := r.entity(id, plan)
	if err != nil {
		if _, ok := r.store.Read(id); !ok {
			return nil, nil
		}
		return nil, err
	}
	return d, nil
}

// items resolves a plain list field, preferring the list state over the record
// field so that appended entries are seen.
func (r *rehydrator) items(owner EntityID, field string, key ListKey, refs []NodeRef, plan Plan) ([]any, error) {
	if l, ok := r.store.List(key); ok {
		refs = l.Refs()
	}
	out := make([]any, 0, len(refs))
	for _, ref := range refs {
		d, err := r.related(ref.ID, plan)
		if err != nil {
			return nil, fmt.Errorf("resolve %v.%s: %w", owner, field, err)
		}
		if d == nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// connection resolves every item of a list into connection edges.
func (r *rehydrator) connection(l ListState, node Selection, plan Plan) (ConnectionData, error) {
	c := ConnectionData{Edges: make([]EdgeData, 0, len(l.IDs))}
	if l.Page != nil {
		c.Page = *l.Page
	}
	for i, id := range l.IDs {
		e := EdgeData{}
		if len(l.Cursors) > 0 {
			e.Cursor = l.Cursors[i]
		}
		switch n := node.(type) {
		case nil, Field:
			e.Node = NodeRef{ID: id}
		case Sub:
			r.deps[id] = struct{}{}
			e.Node = n.View.Ref(id)
		default:
			d, err := r.related(id, plan)
			if err != nil {
				return ConnectionData{}, err
			}
			if d == nil {
				continue
			}
			e.Node = d
		}
		c.Edges = append(c.Edges, e)
	}
	return c, nil
}

// project applies an Object selection to plain nested data.
func project(v any, sel Object) any {
	if m := asMap(v); m != nil {
		out := make(map[string]any, len(sel))
		for k, s := range sel {
			fv, ok := m[k]
			if !ok {
				continue
			}
			if o, ok := s.(Object); ok {
				out[k] = project(fv, o)
				continue
			}
			out[k] = fv
		}
		return out
	}
	if xs, ok := asSlice(v); ok {
		out := make([]any, len(xs))
		for i, x := range xs {
			out[i] = project(x, sel)
		}
		return out
	}
	return v
}
