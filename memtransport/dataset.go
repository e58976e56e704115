package memtransport

import (
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/go-digitaltwin/go-graphcache"
)

// Dataset is the normalized content of an in-memory backend. Fields relating to
// other entities hold a graphcache.NodeRef (or a []graphcache.NodeRef for list
// fields), exactly as the cache itself stores them.
//
// A Dataset is not safe for concurrent use; a Transport serialises access to the
// Dataset it serves.
type Dataset struct {
	schema  *graphcache.Schema
	records map[graphcache.EntityID]graphcache.Record
	lists   map[string][]graphcache.EntityID
	keys    map[string][]string
	seq     int
}

// NewDataset returns an empty Dataset of entities of the given schema.
func NewDataset(schema *graphcache.Schema) *Dataset {
	return &Dataset{
		schema:  schema,
		records: make(map[graphcache.EntityID]graphcache.Record),
		lists:   make(map[string][]graphcache.EntityID),
		keys:    make(map[string][]string),
	}
}

// Schema returns the schema of the entities in the Dataset.
func (d *Dataset) Schema() *graphcache.Schema { return d.schema }

// Keys declares the fields identifying entities of the given type. These fields
// are part of every record served for the type, requested or not. Types without
// declared keys are identified by their "id" field.
func (d *Dataset) Keys(typename string, fields ...string) {
	d.keys[typename] = slices.Clone(fields)
}

func (d *Dataset) keyFields(typename string) []string {
	if k, ok := d.keys[typename]; ok {
		return k
	}
	return []string{"id"}
}

// NextID returns a fresh raw identifier with the given prefix, the way a server
// assigns identifiers to created entities.
func (d *Dataset) NextID(prefix string) string {
	d.seq++
	return prefix + strconv.Itoa(d.seq)
}

// Put merges the given record into the entity it identifies and returns that
// entity's identifier. Nested records of relation fields are put recursively and
// replaced by references.
func (d *Dataset) Put(typename string, rec graphcache.Record) (graphcache.EntityID, error) {
	id, err := d.schema.Identify(typename, rec)
	if err != nil {
		return "", err
	}
	t, _ := d.schema.Type(typename)
	cur, ok := d.records[id]
	if !ok {
		cur = make(graphcache.Record, len(rec))
		d.records[id] = cur
	}
	for k, v := range rec {
		if k == graphcache.AllFields || k == graphcache.TypenameField {
			continue
		}
		rel := t.Fields[k]
		switch {
		case rel.IsScalar():
			cur[k] = v
		case rel.Type != "":
			ref, err := d.ref(rel.Type, v)
			if err != nil {
				return "", fmt.Errorf("%s.%s: %w", typename, k, err)
			}
			if ref == nil {
				cur[k] = nil
			} else {
				cur[k] = *ref
			}
		default:
			items, ok := v.([]any)
			if !ok && v != nil {
				if refs, isRefs := v.([]graphcache.NodeRef); isRefs {
					cur[k] = slices.Clone(refs)
					continue
				}
				return "", fmt.Errorf("%s.%s: expected a list, got %T", typename, k, v)
			}
			refs := make([]graphcache.NodeRef, 0, len(items))
			for _, item := range items {
				ref, err := d.ref(rel.ListOf, item)
				if err != nil {
					return "", fmt.Errorf("%s.%s: %w", typename, k, err)
				}
				if ref != nil {
					refs = append(refs, *ref)
				}
			}
			cur[k] = refs
		}
	}
	return id, nil
}

// ref normalizes the value of a relation field.
func (d *Dataset) ref(typename string, v any) (*graphcache.NodeRef, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case graphcache.NodeRef:
		return &x, nil
	case graphcache.EntityID:
		return &graphcache.NodeRef{ID: x}, nil
	case graphcache.Record:
		id, err := d.Put(typename, x)
		if err != nil {
			return nil, err
		}
		return &graphcache.NodeRef{ID: id}, nil
	case map[string]any:
		return d.ref(typename, graphcache.Record(x))
	}
	return nil, fmt.Errorf("expected a %s, got %T", typename, v)
}

// Get returns a copy of the stored record of the given entity.
func (d *Dataset) Get(id graphcache.EntityID) (graphcache.Record, bool) {
	rec, ok := d.records[id]
	if !ok {
		return nil, false
	}
	return maps.Clone(rec), true
}

// Delete removes the given entity along with every reference to it from other
// records and from the root lists.
func (d *Dataset) Delete(id graphcache.EntityID) {
	delete(d.records, id)
	for _, rec := range d.records {
		for k, v := range rec {
			switch x := v.(type) {
			case graphcache.NodeRef:
				if x.ID == id {
					rec[k] = nil
				}
			case []graphcache.NodeRef:
				rec[k] = slices.DeleteFunc(x, func(r graphcache.NodeRef) bool { return r.ID == id })
			}
		}
	}
	for name, ids := range d.lists {
		d.lists[name] = slices.DeleteFunc(ids, func(x graphcache.EntityID) bool { return x == id })
	}
}

// Link appends the given entity to a list field of its owner, unless it is
// already there.
func (d *Dataset) Link(owner graphcache.EntityID, field string, id graphcache.EntityID) error {
	rec, ok := d.records[owner]
	if !ok {
		return fmt.Errorf("link %v.%s: %w", owner, field, graphcache.ErrEntityNotFound)
	}
	refs, _ := rec[field].([]graphcache.NodeRef)
	if slices.ContainsFunc(refs, func(r graphcache.NodeRef) bool { return r.ID == id }) {
		return nil
	}
	rec[field] = append(refs, graphcache.NodeRef{ID: id})
	return nil
}

// SetList replaces the content of the named root list.
func (d *Dataset) SetList(name string, ids ...graphcache.EntityID) {
	d.lists[name] = slices.Clone(ids)
}

// PushList inserts the given entity at the start of the named root list, or at
// its end when prepend is false.
func (d *Dataset) PushList(name string, id graphcache.EntityID, prepend bool) {
	ids := slices.DeleteFunc(d.lists[name], func(x graphcache.EntityID) bool { return x == id })
	if prepend {
		d.lists[name] = slices.Insert(ids, 0, id)
		return
	}
	d.lists[name] = append(ids, id)
}

// List returns the content of the named root list.
func (d *Dataset) List(name string) ([]graphcache.EntityID, bool) {
	ids, ok := d.lists[name]
	return slices.Clone(ids), ok
}
