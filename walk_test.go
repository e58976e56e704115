package graphcache

import (
	"fmt"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestInspect(t *testing.T) {
	reg := NewRegistry()
	user := reg.Define("user", Fields("name"))
	// The selection for the test.
	//
	//   ┌─ title
	//   │
	// ──┼─ author ── (user) ── name
	//   │
	//   └─ comments ── (connection) ─┬─ text
	//                                └─ likes (args)
	sel := Object{
		"title":  Field{},
		"author": Sub{View: user},
		"comments": Connection{
			Args: map[string]any{"first": 2},
			Node: Object{
				"text":  Field{},
				"likes": Args{Args: map[string]any{"since": "2024"}},
			},
		},
	}

	var leaves []string
	var order []string
	Inspect(sel, func(path string, s Selection) bool {
		// Must check for the closing call before inspecting the variant.
		if s == nil {
			return false
		}
		order = append(order, path)
		switch s.(type) {
		case Field:
			leaves = append(leaves, path)
		case Args:
			if s.(Args).Selection == nil {
				leaves = append(leaves, path)
			}
		}
		return true
	})

	want := []string{"author.name", "comments.likes", "comments.text", "title"}
	if diff := cmp.Diff(want, leaves); diff != "" {
		t.Errorf("Inspect leaves mismatch (-want +got):\n%s", diff)
	}
	for _, leaf := range leaves {
		// A leaf is visited after every structural selection above it.
		for i := 0; i < len(leaf); i++ {
			if leaf[i] != '.' {
				continue
			}
			parent := leaf[:i]
			if slices.Index(order, parent) > slices.Index(order, leaf) {
				t.Errorf("Leaf %q was visited before its parent %q", leaf, parent)
			}
		}
	}
}

func TestInspectStopsDescending(t *testing.T) {
	sel := Object{
		"author": Object{"name": Field{}},
		"title":  Field{},
	}
	var visited []string
	Inspect(sel, func(path string, s Selection) bool {
		if s == nil {
			return false
		}
		visited = append(visited, path)
		// Only the root is descended into.
		return path == ""
	})
	want := []string{"", "author", "title"}
	if diff := cmp.Diff(want, visited); diff != "" {
		t.Errorf("Inspect visited mismatch (-want +got):\n%s", diff)
	}
}

func ExampleInspect() {
	sel := Object{
		"title":  Field{},
		"author": Fields("name"),
	}

	printFunc := func(path string, s Selection) bool {
		fmt.Printf("%q %T\n", path, s)
		return true
	}

	Inspect(sel, printFunc)
	// Output:
	// "" graphcache.Object
	// "author" graphcache.Object
	// "author.name" graphcache.Field
	// "author.name" <nil>
	// "author" <nil>
	// "title" graphcache.Field
	// "title" <nil>
	// "" <nil>
}
