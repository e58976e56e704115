package graphcache

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/danielorbach/go-component"
)

// An observer is told about every entity and list the writer is about to
// modify, before the modification happens.
type observer interface {
	touchEntity(id EntityID)
	touchList(key ListKey)
}

// writer normalizes nested records into flat entity writes to the Store.
type writer struct {
	store  *Store
	schema *Schema
	obs    observer // may be nil
	logger *slog.Logger
}

func newWriter(ctx context.Context, store *Store, schema *Schema, obs observer) *writer {
	return &writer{store: store, schema: schema, obs: obs, logger: component.Logger(ctx)}
}

// listScope names the list field whose items are being written, so that the
// items do not re-insert themselves into it through the parent-list index.
type listScope struct {
	owner EntityID
	field string
}

// written is the outcome of normalizing a single record.
type written struct {
	id EntityID
	// covered lists the plan paths (relative to the record) the record populated;
	// all is set when the record declared every field present.
	covered []string
	all     bool
}

// write normalizes the record of the given type, as selected by the plan, into
// the Store and returns its identifier.
func (w *writer) write(typename string, rec Record, plan Plan, scope *listScope) (written, error) {
	if _, ok := w.schema.Type(typename); !ok {
		return written{}, &SchemaError{Type: typename, Reason: "unknown type"}
	}
	id, err := w.schema.Identify(typename, rec)
	if err != nil {
		return written{}, err
	}
	return w.writeAs(id, rec, plan, scope)
}

// writeAs is like write but stores the record under the given identifier
// instead of the one computed from the record.
func (w *writer) writeAs(id EntityID, rec Record, plan Plan, scope *listScope) (written, error) {
	typename := id.Type()
	t, ok := w.schema.Type(typename)
	if !ok {
		return written{}, &SchemaError{Type: typename, Reason: "unknown type"}
	}
	_, all := rec[AllFields]

	out := make(Record, len(rec))
	var covered []string
	type pendingList struct {
		key   ListKey
		state ListState
	}
	var lists []pendingList

	for _, k := range slices.Sorted(maps.Keys(rec)) {
		if k == AllFields || k == TypenameField {
			continue
		}
		v := rec[k]
		rel := t.Fields[k]
		sub := plan.Under(k)
		switch {
		case rel.IsScalar():
			out[k] = v
			covered = append(covered, k)

		case rel.Type != "":
			switch x := v.(type) {
			case nil:
				out[k] = nil
				covered = append(covered, k)
			case NodeRef:
				out[k] = x
				covered = append(covered, pathsUnder(k, sub.Paths)...)
			default:
				m := asMap(v)
				if m == nil {
					return written{}, &SchemaError{Type: typename, Field: k, Reason: fmt.Sprintf("expected a %s object, got %T", rel.Type, v)}
				}
				child, err := w.write(rel.Type, m, sub, nil)
				if err != nil {
					return written{}, fmt.Errorf("%s.%s: %w", typename, k, err)
				}
				out[k] = NodeRef{ID: child.id}
				covered = append(covered, coveredUnder(k, sub.Paths, child)...)
			}

		default:
			items, page, err := listPayload(v)
			if err != nil {
				return written{}, &SchemaError{Type: typename, Field: k, Reason: err.Error()}
			}
			state := ListState{Owner: id, Field: k, Args: plan.Args[k].Value, IDs: make([]EntityID, 0, len(items))}
			if page != nil {
				state.Page = page
				state.Cursors = make([]string, 0, len(items))
			}
			common := slices.Clone(sub.Paths)
			itemScope := &listScope{owner: id, field: k}
			for _, item := range items {
				var childID EntityID
				if item.ref != nil {
					childID = item.ref.ID
					common = nil
				} else {
					child, err := w.write(rel.ListOf, item.node, sub, itemScope)
					if err != nil {
						return written{}, fmt.Errorf("%s.%s: %w", typename, k, err)
					}
					childID = child.id
					if !child.all {
						common = intersect(common, child.covered)
					}
				}
				if slices.Contains(state.IDs, childID) {
					continue
				}
				state.IDs = append(state.IDs, childID)
				if page != nil {
					state.Cursors = append(state.Cursors, item.cursor)
				}
			}
			out[k] = state.Refs()
			if len(sub.Paths) == 0 {
				covered = append(covered, k)
			}
			for _, p := range common {
				covered = append(covered, k+"."+p)
			}
			lists = append(lists, pendingList{key: ListKeyFor(id, k, plan.Args[k].Hash), state: state})
		}
	}

	cov := CoverPaths(covered...)
	if all {
		cov = CoverAll
	}
	if w.obs != nil {
		w.obs.touchEntity(id)
	}
	changed := w.store.Merge(id, out, cov)
	if len(changed) > 0 {
		w.logger.Debug("Normalized entity", slog.Any("entity", id), slog.Any("changed", changed))
	}

	for _, l := range lists {
		if w.obs != nil {
			w.obs.touchList(l.key)
		}
		if err := w.store.SetList(l.key, l.state); err != nil {
			return written{}, err
		}
	}

	w.appendToParents(typename, id, out, scope)
	return written{id: id, covered: covered, all: all}, nil
}

// appendToParents inserts the entity into every cached list of a parent it
// references through the parent-list index, unless it is being written as part
// of that very list.
func (w *writer) appendToParents(typename string, id EntityID, rec Record, scope *listScope) {
	for _, pl := range w.schema.parentsOf(typename) {
		ref, ok := rec[pl.ChildField].(NodeRef)
		if !ok {
			continue
		}
		if scope != nil && scope.owner == ref.ID && scope.field == pl.ListField {
			continue
		}
		for _, key := range w.store.ListsOf(ref.ID, pl.ListField) {
			l, _ := w.store.List(key)
			if slices.Contains(l.IDs, id) {
				continue
			}
			if w.obs != nil {
				w.obs.touchList(key)
				w.obs.touchEntity(ref.ID)
			}
			if w.store.InsertIntoList(key, id, false) {
				w.logger.Debug("Appended entity into parent list",
					slog.Any("entity", id),
					slog.Any("list", key),
				)
			}
		}
	}
}

// pathsUnder prefixes each of the given relative paths with field; with no paths
// the field itself is returned.
func pathsUnder(field string, paths []string) []string {
	if len(paths) == 0 {
		return []string{field}
	}
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = field + "." + p
	}
	return out
}

// coveredUnder returns the paths a nested entity written through field covers
// on its owner.
func coveredUnder(field string, planned []string, child written) []string {
	if child.all {
		return pathsUnder(field, planned)
	}
	if len(planned) == 0 {
		return []string{field}
	}
	var out []string
	for _, p := range planned {
		if coveredBy(p, child.covered) {
			out = append(out, field+"."+p)
		}
	}
	return out
}

// coveredBy reports whether path is one of covered or lies below one of them.
func coveredBy(path string, covered []string) bool {
	for _, c := range covered {
		if path == c || strings.HasPrefix(path, c+".") {
			return true
		}
	}
	return false
}

func intersect(planned, covered []string) []string {
	var out []string
	for _, p := range planned {
		if coveredBy(p, covered) {
			out = append(out, p)
		}
	}
	return out
}

type listItem struct {
	cursor string
	node   Record
	ref    *NodeRef
}

// listPayload accepts the value of a list field: a bare array of records (or
// NodeRefs), a typed Page, or a connection-shaped map
// {items: [{cursor, node}], pagination: {...}}. The returned PageInfo is nil for
// bare arrays.
func listPayload(v any) ([]listItem, *PageInfo, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil, nil
	case Page:
		items := make([]listItem, len(x.Items))
		for i, e := range x.Items {
			items[i] = listItem{cursor: e.Cursor, node: e.Node}
		}
		p := x.Pagination
		return items, &p, nil
	case []NodeRef:
		items := make([]listItem, len(x))
		for i := range x {
			items[i] = listItem{ref: &x[i]}
		}
		return items, nil, nil
	}
	if m := asMap(v); m != nil {
		raw, ok := asSlice(m["items"])
		if !ok && m["items"] != nil {
			return nil, nil, fmt.Errorf("connection items must be a list, got %T", m["items"])
		}
		items := make([]listItem, 0, len(raw))
		for _, e := range raw {
			edge := asMap(e)
			node := asMap(edge["node"])
			if node == nil {
				return nil, nil, fmt.Errorf("connection item without a node")
			}
			cursor, _ := edge["cursor"].(string)
			items = append(items, listItem{cursor: cursor, node: node})
		}
		page := pageInfoOf(asMap(m["pagination"]))
		return items, &page, nil
	}
	raw, ok := asSlice(v)
	if !ok {
		return nil, nil, fmt.Errorf("expected a list or a connection, got %T", v)
	}
	items := make([]listItem, 0, len(raw))
	for _, e := range raw {
		if ref, ok := e.(NodeRef); ok {
			items = append(items, listItem{ref: &ref})
			continue
		}
		node := asMap(e)
		if node == nil {
			return nil, nil, fmt.Errorf("expected list items to be objects, got %T", e)
		}
		items = append(items, listItem{node: node})
	}
	return items, nil, nil
}

func pageInfoOf(m map[string]any) PageInfo {
	var p PageInfo
	p.HasNext, _ = m["hasNext"].(bool)
	p.HasPrevious, _ = m["hasPrevious"].(bool)
	p.NextCursor, _ = m["nextCursor"].(string)
	p.PreviousCursor, _ = m["previousCursor"].(string)
	return p
}
