package graphcache

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestArrayToConnection(t *testing.T) {
	items := []string{"one", "two", "three", "four", "five"}
	cursors := []string{"c1", "c2", "c3", "c4", "c5"}

	tests := []struct {
		name string
		args map[string]any
		want Window[string]
	}{
		{
			name: "first after",
			args: map[string]any{"first": 1, "after": "c2"},
			want: Window[string]{
				Items:   []string{"three"},
				Cursors: []string{"c3"},
				Page:    PageInfo{HasNext: true, HasPrevious: true, NextCursor: "c3", PreviousCursor: "c3"},
			},
		},
		{
			name: "last before",
			args: map[string]any{"last": 2, "before": "c5"},
			want: Window[string]{
				Items:   []string{"three", "four"},
				Cursors: []string{"c3", "c4"},
				Page:    PageInfo{HasNext: true, HasPrevious: true, NextCursor: "c4", PreviousCursor: "c3"},
			},
		},
		{
			name: "first beyond the end",
			args: map[string]any{"first": float64(10)},
			want: Window[string]{
				Items:   items,
				Cursors: cursors,
				Page:    PageInfo{NextCursor: "c5", PreviousCursor: "c1"},
			},
		},
		{
			name: "after the last item",
			args: map[string]any{"after": "c5"},
			want: Window[string]{
				Items:   []string{},
				Cursors: []string{},
				Page:    PageInfo{HasPrevious: true},
			},
		},
		{
			// An unknown cursor does not narrow the window.
			name: "unknown cursor",
			args: map[string]any{"first": 2, "after": "c9"},
			want: Window[string]{
				Items:   []string{"one", "two"},
				Cursors: []string{"c1", "c2"},
				Page:    PageInfo{HasNext: true, NextCursor: "c2", PreviousCursor: "c1"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ArrayToConnection(items, cursors, tt.args)
			if err != nil {
				t.Fatalf("ArrayToConnection: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("window mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestArrayToConnectionErrors(t *testing.T) {
	items := []int{1, 2}
	if _, err := ArrayToConnection(items, []string{"a"}, nil); err == nil {
		t.Errorf("ArrayToConnection accepted misaligned cursors")
	}
	for _, args := range []map[string]any{
		{"first": -1},
		{"after": "a", "before": "b"},
		{"last": 1},
	} {
		if _, err := ArrayToConnection(items, []string{"a", "b"}, args); !errors.Is(err, ErrInvalidConnectionArgs) {
			t.Errorf("ArrayToConnection(%v) = %v, want %v", args, err, ErrInvalidConnectionArgs)
		}
	}
}

func TestMergePage(t *testing.T) {
	l := ListState{
		Field:   "feed",
		IDs:     []EntityID{"Post:a", "Post:b"},
		Cursors: []string{"ca", "cb"},
		Page:    &PageInfo{HasNext: true, NextCursor: "cb", HasPrevious: true, PreviousCursor: "ca"},
	}

	t.Run("forward", func(t *testing.T) {
		got := mergePage(l, []EntityID{"Post:b", "Post:c"}, []string{"cb", "cc"}, PageInfo{NextCursor: "cc"}, Forward)
		want := ListState{
			Field:   "feed",
			IDs:     []EntityID{"Post:a", "Post:b", "Post:c"},
			Cursors: []string{"ca", "cb", "cc"},
			Page:    &PageInfo{NextCursor: "cc", HasPrevious: true, PreviousCursor: "ca"},
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("merged list mismatch (-want +got):\n%s", diff)
		}
	})
	t.Run("backward", func(t *testing.T) {
		got := mergePage(l, []EntityID{"Post:z", "Post:a"}, []string{"cz", "ca"}, PageInfo{PreviousCursor: "cz"}, Backward)
		want := ListState{
			Field:   "feed",
			IDs:     []EntityID{"Post:z", "Post:a", "Post:b"},
			Cursors: []string{"cz", "ca", "cb"},
			Page:    &PageInfo{HasNext: true, NextCursor: "cb", PreviousCursor: "cz"},
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("merged list mismatch (-want +got):\n%s", diff)
		}
	})
	// Merging never modifies the list it was given.
	if diff := cmp.Diff([]EntityID{"Post:a", "Post:b"}, l.IDs); diff != "" {
		t.Errorf("original list modified (-want +got):\n%s", diff)
	}
}

func TestLoadMoreRootList(t *testing.T) {
	fake := newFakeTransport()
	fake.lists["feed"] = Page{
		Items: []Edge{
			{Cursor: "c1", Node: Record{TypenameField: "Post", "id": "p1", "title": "One"}},
			{Cursor: "c2", Node: Record{TypenameField: "Post", "id": "p2", "title": "Two"}},
		},
		Pagination: PageInfo{HasNext: true, NextCursor: "c2"},
	}
	fake.lists[listKey("feed", map[string]any{"after": "c2", "first": 2})] = Page{
		Items: []Edge{
			{Cursor: "c2", Node: Record{TypenameField: "Post", "id": "p2", "title": "Two"}},
			{Cursor: "c3", Node: Record{TypenameField: "Post", "id": "p3", "title": "Three"}},
		},
		Pagination: PageInfo{HasPrevious: true, NextCursor: "c3"},
	}
	c := New(blogSchema(), fake)
	view := c.Define("post", Fields("title"))
	ctx := context.Background()

	if _, err := c.ResolveList(ctx, "feed", view, nil, nil); err != nil {
		t.Fatalf("ResolveList: %v", err)
	}
	added, err := c.LoadMore(ctx, "feed", view, Forward, 2)
	if err != nil {
		t.Fatalf("LoadMore: %v", err)
	}
	if added != 1 {
		t.Errorf("LoadMore added %d items, want 1", added)
	}
	l, _ := c.Store().List("feed")
	if diff := cmp.Diff([]EntityID{"Post:p1", "Post:p2", "Post:p3"}, l.IDs); diff != "" {
		t.Errorf("list ids mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"c1", "c2", "c3"}, l.Cursors); diff != "" {
		t.Errorf("list cursors mismatch (-want +got):\n%s", diff)
	}
	if l.Page.HasNext {
		t.Errorf("list still has a next page: %+v", l.Page)
	}

	// Nothing is left to load forward.
	added, err = c.LoadMore(ctx, "feed", view, Forward, 2)
	if err != nil || added != 0 {
		t.Errorf("LoadMore at the end = %d, %v; want 0, nil", added, err)
	}
	if n := len(fake.listed); n != 2 {
		t.Errorf("FetchList was called %d times, want 2", n)
	}

	if _, err := c.LoadMore(ctx, "unknown", view, Forward, 2); !errors.Is(err, ErrListNotFound) {
		t.Errorf("LoadMore of an unknown list = %v, want %v", err, ErrListNotFound)
	}
}

func TestLoadMoreOwnedList(t *testing.T) {
	fake := newFakeTransport()
	fake.put("Post:p1", Record{"id": "p1", "comments": map[string]any{
		"items": []any{
			map[string]any{"cursor": "a", "node": map[string]any{"id": "c1", "text": "first"}},
		},
		"pagination": map[string]any{"hasNext": true, "nextCursor": "a"},
	}})
	c := New(blogSchema(), fake)
	comment := c.Define("comment", Fields("text"))
	post := c.Define("post", Object{
		"comments": Connection{Args: map[string]any{"first": 1}, Node: Fields("text")},
	})
	ctx := context.Background()

	if _, err := c.Resolve(ctx, post, post.Ref("Post:p1"), nil); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	keys := c.Store().ListsOf("Post:p1", "comments")
	if len(keys) != 1 {
		t.Fatalf("Post:p1 owns lists %v, want exactly one", keys)
	}

	// The backend now serves the next page.
	fake.put("Post:p1", Record{"id": "p1", "comments": map[string]any{
		"items": []any{
			map[string]any{"cursor": "b", "node": map[string]any{"id": "c2", "text": "second"}},
		},
		"pagination": map[string]any{"hasPrevious": true, "nextCursor": "b"},
	}})
	added, err := c.LoadMore(ctx, keys[0], comment, Forward, 1)
	if err != nil {
		t.Fatalf("LoadMore: %v", err)
	}
	if added != 1 {
		t.Errorf("LoadMore added %d items, want 1", added)
	}
	if diff := cmp.Diff(map[string]any{"after": "a", "first": 1}, fake.fetches[1].Args["comments"]); diff != "" {
		t.Errorf("page arguments mismatch (-want +got):\n%s", diff)
	}

	data, err := c.Resolve(ctx, post, post.Ref("Post:p1"), nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := ConnectionData{
		Edges: []EdgeData{
			{Cursor: "a", Node: Data{"text": "first"}},
			{Cursor: "b", Node: Data{"text": "second"}},
		},
		Page: PageInfo{NextCursor: "b"},
	}
	if diff := cmp.Diff(want, data["comments"]); diff != "" {
		t.Errorf("comments mismatch (-want +got):\n%s", diff)
	}
	if n := fake.fetchCount(); n != 2 {
		t.Errorf("Transport was called %d times, want 2", n)
	}
}
