package graphcache

import (
	"maps"
	"slices"
)

// A Visitor defines a Visit method invoked for each Selection encountered by
// Walk, together with the dot-separated path of the field it selects. If the
// result visitor w is not nil, Walk visits each child of the selection with the
// visitor w, followed by a call of w.Visit(path, nil).
type Visitor interface {
	Visit(path string, sel Selection) (w Visitor)
}

// Walk traverses a Selection in depth-first order, visiting the fields of an
// Object in lexicographic order. Structural variants (Sub, Connection and Args)
// are visited at the path of the field they annotate, and so are their children:
// a connection's node fields are flattened through the connection itself.
func Walk(v Visitor, sel Selection) {
	walk(v, "", sel)
}

func walk(v Visitor, path string, sel Selection) {
	// Start by calling v.Visit(path, sel).
	if v = v.Visit(path, sel); v == nil {
		return
	}
	// Then traverse the children of the selection, depth-first.
	switch s := sel.(type) {
	case Object:
		for _, k := range slices.Sorted(maps.Keys(s)) {
			walk(v, join(path, k), s[k])
		}
	case Sub:
		walk(v, path, s.View.Selection())
	case Connection:
		if s.Node != nil {
			walk(v, path, s.Node)
		}
	case Args:
		if s.Selection != nil {
			walk(v, path, s.Selection)
		}
	}
	// Finally, call v.Visit(path, nil).
	v.Visit(path, nil)
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

type inspector func(path string, sel Selection) bool

func (f inspector) Visit(path string, sel Selection) Visitor {
	if f(path, sel) {
		return f
	}
	return nil
}

// Inspect traverses a Selection in depth-first order: It starts by calling
// f("", sel). If f returns true, Inspect invokes f recursively for each child of
// the selection, followed by a call of f(path, nil).
func Inspect(sel Selection, f func(path string, sel Selection) bool) {
	Walk(inspector(f), sel)
}
