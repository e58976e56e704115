package graphcache

import (
	"maps"
	"slices"
)

// Selection declares which data of an entity a view needs. It is one of:
//
//   - Field, a leaf: the field's value is needed as a whole;
//   - Object, a nested plain selection keyed by field name;
//   - Sub, a nested registered view, resolved into a ViewRef;
//   - Connection, a paginated list of entities ({items: [{cursor, node}], pagination});
//   - Args, an argument marker wrapping another selection.
//
// The set of variants is closed.
type Selection interface {
	isSelection()
}

// Field selects the value of a field as a whole.
type Field struct{}

// Object selects fields of a nested value (a related entity or plain data).
type Object map[string]Selection

// Sub selects the fields a registered view needs from a related entity. The
// resolved value is a ViewRef, which may only read the data of that view.
type Sub struct {
	View *View
}

// Connection selects a paginated list of related entities; Node selects the data
// of each entity. Its Args are the connection's outer arguments, whose
// pagination keys (after, before, cursor) are navigation state rather than part
// of the list's identity.
type Connection struct {
	Args map[string]any
	Node Selection
}

// Args attaches arguments to the wrapped selection; the field is fetched (and
// its lists are keyed) per distinct set of resolved arguments.
type Args struct {
	Args      map[string]any
	Selection Selection
}

// Var stands for a named variable inside an argument set, substituted when a
// view is compiled. An unbound variable omits its argument.
type Var string

func (Field) isSelection()      {}
func (Object) isSelection()     {}
func (Sub) isSelection()        {}
func (Connection) isSelection() {}
func (Args) isSelection()       {}

// Fields is shorthand for an Object selecting each of the given fields as a
// whole.
func Fields(names ...string) Object {
	o := make(Object, len(names))
	for _, n := range names {
		o[n] = Field{}
	}
	return o
}

// mergeSelections combines two selections of the same field. Objects merge
// key by key; a Field yields to any more specific selection.
func mergeSelections(a, b Selection) Selection {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if _, ok := a.(Field); ok {
		return b
	}
	if _, ok := b.(Field); ok {
		return a
	}
	switch x := a.(type) {
	case Object:
		if y, ok := objectOf(b); ok {
			return mergeObjects(x, y)
		}
	case Sub:
		if y, ok := b.(Sub); ok && x.View == y.View {
			return x
		}
		if y, ok := objectOf(b); ok {
			return mergeObjects(x.View.Selection(), y)
		}
	case Connection:
		if y, ok := b.(Connection); ok {
			return Connection{Args: x.Args, Node: mergeSelections(x.Node, y.Node)}
		}
	case Args:
		if y, ok := b.(Args); ok {
			return Args{Args: x.Args, Selection: mergeSelections(x.Selection, y.Selection)}
		}
	}
	// Incompatible variants; the earlier declaration wins.
	return a
}

func objectOf(s Selection) (Object, bool) {
	switch x := s.(type) {
	case Object:
		return x, true
	case Sub:
		return x.View.Selection(), true
	}
	return nil, false
}

func mergeObjects(a, b Object) Object {
	out := make(Object, len(a)+len(b))
	maps.Copy(out, a)
	for _, k := range slices.Sorted(maps.Keys(b)) {
		out[k] = mergeSelections(out[k], b[k])
	}
	return out
}

// bindArgs substitutes variables in the given argument set from vars. Unbound
// variables drop their argument; nested maps and slices are bound recursively.
func bindArgs(args map[string]any, vars map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if bound, ok := bindValue(v, vars); ok {
			out[k] = bound
		}
	}
	return out
}

func bindValue(v any, vars map[string]any) (any, bool) {
	switch x := v.(type) {
	case Var:
		bound, ok := vars[string(x)]
		return bound, ok
	case map[string]any:
		return bindArgs(x, vars), true
	case []any:
		out := make([]any, 0, len(x))
		for _, e := range x {
			if bound, ok := bindValue(e, vars); ok {
				out = append(out, bound)
			}
		}
		return out, true
	}
	return v, true
}
