package graphcache

import (
	"testing"
)

func TestViewCacheTransitiveInvalidation(t *testing.T) {
	reg := NewRegistry()
	view := reg.Define("view", Fields("title"))
	root, middle, leaf := EntityID("Post:root"), EntityID("Post:middle"), EntityID("Post:leaf")

	c := NewViewCache()
	c.Set(root, view, view.Ref(root), "root", nil)
	c.Set(middle, view, view.Ref(middle), "middle", []EntityID{root})
	c.Set(leaf, view, view.Ref(leaf), "leaf", []EntityID{middle})
	if n := c.Len(); n != 3 {
		t.Fatalf("Len = %d, want 3", n)
	}

	c.Invalidate(root)

	for _, id := range []EntityID{root, middle, leaf} {
		if v, ok := c.Get(id, view, view.Ref(id)); ok {
			t.Errorf("memo of %v survived invalidating %v: %v", id, root, v)
		}
	}
}

func TestViewCacheInvalidatesOnlyDependents(t *testing.T) {
	reg := NewRegistry()
	view := reg.Define("view", Fields("title"))
	a, b, c := EntityID("Post:a"), EntityID("Post:b"), EntityID("Post:c")

	cache := NewViewCache()
	cache.Set(a, view, view.Ref(a), "a", []EntityID{b})
	cache.Set(c, view, view.Ref(c), "c", nil)

	cache.Invalidate(b)

	if _, ok := cache.Get(a, view, view.Ref(a)); ok {
		t.Errorf("memo of %v survived invalidating its dependency %v", a, b)
	}
	if v, ok := cache.Get(c, view, view.Ref(c)); !ok || v != "c" {
		t.Errorf("unrelated memo of %v = %v, %v; want it kept", c, v, ok)
	}
}

func TestViewCacheCycles(t *testing.T) {
	reg := NewRegistry()
	view := reg.Define("view", Fields("title"))
	a, b := EntityID("User:a"), EntityID("User:b")

	// a and b follow each other.
	c := NewViewCache()
	c.Set(a, view, view.Ref(a), "a", []EntityID{a, b})
	c.Set(b, view, view.Ref(b), "b", []EntityID{a})

	c.Invalidate(a)

	if n := c.Len(); n != 0 {
		t.Errorf("Len = %d after invalidating a cycle, want 0", n)
	}
}

func TestViewCacheKeysByReference(t *testing.T) {
	reg := NewRegistry()
	header := reg.Define("header", Fields("title"))
	post := reg.Define("post", Fields("body"), header)
	id := EntityID("Post:p1")

	c := NewViewCache()
	c.Set(id, header, header.Ref(id), "masked", nil)
	if _, ok := c.Get(id, header, post.Ref(id)); ok {
		t.Errorf("a memo made through %v was served to a reference carrying more tags", header.Ref(id))
	}
	if v, ok := c.Get(id, header, header.Ref(id)); !ok || v != "masked" {
		t.Errorf("Get = %v, %v; want the memo", v, ok)
	}
}
