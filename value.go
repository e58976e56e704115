package graphcache

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// EntityID identifies a single entity across the entire cache. It is formatted
// as "<TypeName>:<rawId>", so two entities of different types never collide
// even if the server reuses raw identifiers between types.
//
// An EntityID is immutable once created.
type EntityID string

// NewEntityID returns the EntityID of the entity of the given type and raw
// identifier.
func NewEntityID(typename, raw string) EntityID {
	return EntityID(typename + ":" + raw)
}

// ParseEntityID splits the given EntityID into its type name and raw
// identifier. Only the first colon separates the two, so raw identifiers may
// contain colons themselves.
func ParseEntityID(s string) (typename, raw string, err error) {
	typename, raw, ok := strings.Cut(s, ":")
	if !ok || typename == "" || raw == "" {
		return "", "", fmt.Errorf("malformed entity id %q", s)
	}
	return typename, raw, nil
}

// Type returns the type name of the entity.
func (id EntityID) Type() string {
	t, _, _ := strings.Cut(string(id), ":")
	return t
}

// Raw returns the server-assigned identifier of the entity.
func (id EntityID) Raw() string {
	_, raw, _ := strings.Cut(string(id), ":")
	return raw
}

func (id EntityID) String() string { return string(id) }

// Record maps field names to values for a single entity. Values are either
// scalars, plain nested objects (map[string]any, []any) holding non-entity
// structured data, a NodeRef, or a []NodeRef.
//
// Records handed out by the Store are shared; do not modify them.
type Record map[string]any

// A NodeRef is stored inside a Record wherever a field points at another
// entity. It is a weak link: the referenced entity's lifetime is owned by the
// Store alone, and the reference may dangle until the Store scrubs it.
type NodeRef struct {
	ID EntityID
}

func (r NodeRef) String() string { return "ref(" + string(r.ID) + ")" }

// Ref is shorthand for NodeRef{ID: NewEntityID(typename, raw)}.
func Ref(typename, raw string) NodeRef {
	return NodeRef{ID: NewEntityID(typename, raw)}
}

// valuesEqual reports whether a and b hold the same value. NodeRefs compare by
// the identifier they wrap and numbers compare by value regardless of their Go
// type, since payloads decoded from different transports disagree on numeric
// representation.
func valuesEqual(a, b any) bool {
	if x, ok := toInteger(a); ok {
		if y, ok := toInteger(b); ok {
			return x == y
		}
	}
	if x, ok := toFloat(a); ok {
		y, ok := toFloat(b)
		return ok && x == y
	}
	switch x := a.(type) {
	case NodeRef:
		y, ok := b.(NodeRef)
		return ok && x.ID == y.ID
	case []NodeRef:
		y, ok := b.([]NodeRef)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if x[i].ID != y[i].ID {
				return false
			}
		}
		return true
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, v := range x {
			w, ok := y[k]
			if !ok || !valuesEqual(v, w) {
				return false
			}
		}
		return true
	case Record:
		return valuesEqual(map[string]any(x), asMap(b))
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !valuesEqual(x[i], y[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

// integer holds the value of any Go integer exactly: int64 and uint64 both fit
// a sign and a 64-bit magnitude.
type integer struct {
	neg bool
	mag uint64
}

func (i integer) String() string {
	s := strconv.FormatUint(i.mag, 10)
	if i.neg {
		return "-" + s
	}
	return s
}

func signed(n int64) integer {
	if n < 0 {
		// -(n+1) cannot overflow, even for math.MinInt64.
		return integer{neg: true, mag: uint64(-(n + 1)) + 1}
	}
	return integer{mag: uint64(n)}
}

func toInteger(v any) (integer, bool) {
	switch n := v.(type) {
	case int:
		return signed(int64(n)), true
	case int8:
		return signed(int64(n)), true
	case int16:
		return signed(int64(n)), true
	case int32:
		return signed(int64(n)), true
	case int64:
		return signed(n), true
	case uint:
		return integer{mag: uint64(n)}, true
	case uint8:
		return integer{mag: uint64(n)}, true
	case uint16:
		return integer{mag: uint64(n)}, true
	case uint32:
		return integer{mag: uint64(n)}, true
	case uint64:
		return integer{mag: n}, true
	}
	return integer{}, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// asMap returns v as a plain map when it holds one (either a Record or a
// map[string]any), and nil otherwise.
func asMap(v any) map[string]any {
	switch m := v.(type) {
	case Record:
		return m
	case map[string]any:
		return m
	}
	return nil
}

// asSlice returns v as a []any when it holds any kind of list of plain values.
func asSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []Record:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out, true
	case []map[string]any:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out, true
	}
	return nil, false
}
