package graphcache

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
)

// Relation describes how a field of an entity type relates to other entities.
// The zero Relation is a scalar field: its value is copied through as is.
type Relation struct {
	// Type names the entity type a single-entity field points at.
	Type string
	// ListOf names the entity type of the items of a list field.
	ListOf string
}

// IsScalar reports whether the field holds plain data.
func (r Relation) IsScalar() bool { return r.Type == "" && r.ListOf == "" }

// EntityType declares one type of entity known to the cache.
type EntityType struct {
	Name string
	// ID derives the raw identifier of an entity of this type from a record. When
	// nil, the record's "id" field is used.
	ID func(Record) (string, error)
	// Fields maps field names to relations; fields not listed are scalars.
	Fields map[string]Relation
}

// Schema is the set of entity types the cache can normalize. It is the sole
// source of truth deciding which fields are normalized recursively.
//
// A Schema is immutable once built.
type Schema struct {
	types map[string]EntityType
	// parents maps a child type to the list fields of parent types its entities
	// belong to: for every A.f listOf B with a matching B.g of type A.
	parents map[string][]parentList
}

// parentList records that entities of a child type referencing a parent through
// ChildField logically belong to the parent's ListField.
type parentList struct {
	ParentType string
	ListField  string
	ChildField string
}

// NewSchema validates the given entity types and derives the parent-list index.
// It fails with a *SchemaError if a relation targets an undeclared type.
func NewSchema(types ...EntityType) (*Schema, error) {
	s := &Schema{
		types:   make(map[string]EntityType, len(types)),
		parents: make(map[string][]parentList),
	}
	for _, t := range types {
		if t.Name == "" {
			return nil, &SchemaError{Reason: "entity type without a name"}
		}
		if _, ok := s.types[t.Name]; ok {
			return nil, &SchemaError{Type: t.Name, Reason: "declared twice"}
		}
		s.types[t.Name] = t
	}
	for _, t := range types {
		for _, f := range slices.Sorted(maps.Keys(t.Fields)) {
			rel := t.Fields[f]
			if rel.Type != "" && rel.ListOf != "" {
				return nil, &SchemaError{Type: t.Name, Field: f, Reason: "relation is both a single entity and a list"}
			}
			target := rel.Type + rel.ListOf
			if target == "" {
				continue
			}
			if _, ok := s.types[target]; !ok {
				return nil, &SchemaError{Type: t.Name, Field: f, Reason: fmt.Sprintf("unknown relation target %q", target)}
			}
		}
	}

	// A.f listOf B, with B.g → A, makes every B referencing some A through g a
	// member of that A's f list.
	for _, parent := range types {
		for _, listField := range slices.Sorted(maps.Keys(parent.Fields)) {
			child := parent.Fields[listField].ListOf
			if child == "" {
				continue
			}
			ct := s.types[child]
			for _, childField := range slices.Sorted(maps.Keys(ct.Fields)) {
				if ct.Fields[childField].Type == parent.Name {
					s.parents[child] = append(s.parents[child], parentList{
						ParentType: parent.Name,
						ListField:  listField,
						ChildField: childField,
					})
				}
			}
		}
	}
	return s, nil
}

// MustSchema is like NewSchema but panics on an invalid schema.
func MustSchema(types ...EntityType) *Schema {
	s, err := NewSchema(types...)
	if err != nil {
		panic(fmt.Sprintf("graphcache: %v", err))
	}
	return s
}

// Type returns the declared entity type of the given name.
func (s *Schema) Type(name string) (EntityType, bool) {
	t, ok := s.types[name]
	return t, ok
}

// Types returns the names of all declared entity types, sorted.
func (s *Schema) Types() []string {
	return slices.Sorted(maps.Keys(s.types))
}

// Relation returns the relation of the given field of the given type.
func (s *Schema) Relation(typename, field string) Relation {
	return s.types[typename].Fields[field]
}

// Identify returns the EntityID of the given record of the given type.
func (s *Schema) Identify(typename string, r Record) (EntityID, error) {
	t, ok := s.types[typename]
	if !ok {
		return "", &SchemaError{Type: typename, Reason: "unknown type"}
	}
	var raw string
	if t.ID != nil {
		var err error
		raw, err = t.ID(r)
		if err != nil {
			return "", &IdentifierError{Type: typename, Err: err}
		}
	} else {
		raw = scalarID(r["id"])
	}
	if raw == "" {
		return "", &IdentifierError{Type: typename, Err: errMissingID}
	}
	return NewEntityID(typename, raw), nil
}

// scalarID formats a scalar identifier value, returning the empty string for
// anything that cannot serve as an identifier.
func scalarID(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case EntityID:
		return x.Raw()
	}
	if i, ok := toInteger(v); ok {
		return i.String()
	}
	if f, ok := toFloat(v); ok {
		// JSON decoders hand integral identifiers over as floats.
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return ""
}

// parentsOf returns the parent lists entities of the given type belong to.
func (s *Schema) parentsOf(typename string) []parentList {
	return s.parents[typename]
}
