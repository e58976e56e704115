package graphcache

import (
	"slices"
	"strings"
)

// A Mask records which field paths of an entity are currently known.
//
// It is a tree of dot-separated path segments. A node is either full (all of
// its descendants are implicitly covered and its children are pruned), or
// partial (it has named children). Paths are registered as full leaves, so
// registering "author" covers "author.name" as well.
//
// Coverage grows monotonically through AddPath and Union; nothing shrinks a
// Mask except replacing it wholesale with an earlier Clone.
//
// The zero value is an empty mask that covers nothing. A Mask is not safe for
// concurrent use; the Store guards the masks it owns.
type Mask struct {
	full     bool
	children map[string]*Mask
}

// EmptyMask returns a mask that covers no paths.
func EmptyMask() *Mask { return &Mask{} }

// FullMask returns a mask that covers every path.
func FullMask() *Mask { return &Mask{full: true} }

// MaskOf returns a mask covering exactly the given paths.
func MaskOf(paths ...string) *Mask {
	m := EmptyMask()
	for _, p := range paths {
		m.AddPath(p)
	}
	return m
}

// IsFull reports whether m covers every path.
func (m *Mask) IsFull() bool { return m != nil && m.full }

// AddPath marks the given dot-separated path as covered. Adding a path below a
// full node is a no-op; adding the empty path makes the whole mask full.
func (m *Mask) AddPath(path string) {
	if path == "" {
		m.setFull()
		return
	}
	node := m
	for _, seg := range strings.Split(path, ".") {
		if node.full {
			return
		}
		if node.children == nil {
			node.children = make(map[string]*Mask)
		}
		child, ok := node.children[seg]
		if !ok {
			child = &Mask{}
			node.children[seg] = child
		}
		node = child
	}
	node.setFull()
}

func (m *Mask) setFull() {
	m.full = true
	m.children = nil
}

// Union adds every path covered by other into m. If either mask is full, m
// becomes full; otherwise children merge recursively.
func (m *Mask) Union(other *Mask) {
	if other == nil || m.full {
		return
	}
	if other.full {
		m.setFull()
		return
	}
	for seg, theirs := range other.children {
		if m.children == nil {
			m.children = make(map[string]*Mask, len(other.children))
		}
		ours, ok := m.children[seg]
		if !ok {
			m.children[seg] = theirs.Clone()
			continue
		}
		ours.Union(theirs)
	}
}

// Covers reports whether the given path is covered by m: either m is full, or
// walking the path's segments reaches a full node.
func (m *Mask) Covers(path string) bool {
	if m == nil {
		return false
	}
	if m.full {
		return true
	}
	if path == "" {
		return false
	}
	node := m
	for _, seg := range strings.Split(path, ".") {
		child, ok := node.children[seg]
		if !ok {
			return false
		}
		if child.full || len(child.children) == 0 {
			return true
		}
		node = child
	}
	// The path ends on a partial node: only some of its descendants are known.
	return false
}

// Diff returns the subset of paths not covered by m, in their given order.
func (m *Mask) Diff(paths []string) (missing []string) {
	for _, p := range paths {
		if !m.Covers(p) {
			missing = append(missing, p)
		}
	}
	return missing
}

// Clone returns a deep copy of m.
func (m *Mask) Clone() *Mask {
	if m == nil {
		return nil
	}
	c := &Mask{full: m.full}
	if len(m.children) > 0 {
		c.children = make(map[string]*Mask, len(m.children))
		for seg, child := range m.children {
			c.children[seg] = child.Clone()
		}
	}
	return c
}

// Paths returns the covered leaf paths of m, sorted lexicographically. A full
// mask returns a single empty path.
func (m *Mask) Paths() []string {
	if m == nil {
		return nil
	}
	if m.full {
		return []string{""}
	}
	var out []string
	var walk func(prefix string, node *Mask)
	walk = func(prefix string, node *Mask) {
		for seg, child := range node.children {
			p := seg
			if prefix != "" {
				p = prefix + "." + seg
			}
			if child.full || len(child.children) == 0 {
				out = append(out, p)
				continue
			}
			walk(p, child)
		}
	}
	walk("", m)
	slices.Sort(out)
	return out
}
