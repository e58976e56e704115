package graphcache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestResolveFetchesOnlyMissingPaths(t *testing.T) {
	fake := newFakeTransport()
	fake.put("Post:p1", Record{"id": "p1", "title": "Hello", "likes": 5})
	c := New(blogSchema(), fake)
	c.Store().Merge("Post:p1", Record{"id": "p1", "title": "Hello"}, CoverPaths("id", "title"))
	view := c.Define("post", Fields("title", "likes"))
	ref := view.Ref("Post:p1")

	missing, err := c.Missing(view, ref, nil)
	if err != nil {
		t.Fatalf("Missing: %v", err)
	}
	if diff := cmp.Diff([]string{"likes"}, missing); diff != "" {
		t.Errorf("Missing mismatch (-want +got):\n%s", diff)
	}

	data, err := c.Resolve(context.Background(), view, ref, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if diff := cmp.Diff(Data{"title": "Hello", "likes": 5}, data); diff != "" {
		t.Errorf("resolved data mismatch (-want +got):\n%s", diff)
	}
	want := []FetchRequest{{Type: "Post", IDs: []string{"p1"}, Paths: []string{"likes"}}}
	if diff := cmp.Diff(want, fake.fetches); diff != "" {
		t.Errorf("fetches mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveManyBatchesByMissingPaths(t *testing.T) {
	fake := newFakeTransport()
	fake.put("Post:p1", Record{"id": "p1", "title": "One"})
	fake.put("Post:p2", Record{"id": "p2", "title": "Two"})
	c := New(blogSchema(), fake)
	view := c.Define("post", Fields("title"))

	res, err := c.ResolveMany(context.Background(), view, []ViewRef{view.Ref("Post:p2"), view.Ref("Post:p1")}, nil)
	if err != nil {
		t.Fatalf("ResolveMany: %v", err)
	}
	// The fake answers in reverse order; records are matched by identity.
	for i, want := range []string{"Two", "One"} {
		if res[i].Err != nil {
			t.Errorf("resolution %d: %v", i, res[i].Err)
			continue
		}
		if got := res[i].Data["title"]; got != want {
			t.Errorf("resolution %d title = %v, want %v", i, got, want)
		}
	}
	want := []FetchRequest{{Type: "Post", IDs: []string{"p1", "p2"}, Paths: []string{"title"}}}
	if diff := cmp.Diff(want, fake.fetches); diff != "" {
		t.Errorf("fetches mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveManyEntityNotFound(t *testing.T) {
	fake := newFakeTransport()
	fake.put("Post:p1", Record{"id": "p1", "title": "One"})
	c := New(blogSchema(), fake)
	view := c.Define("post", Fields("title"))

	res, err := c.ResolveMany(context.Background(), view, []ViewRef{view.Ref("Post:p1"), view.Ref("Post:p9")}, nil)
	if err != nil {
		t.Fatalf("ResolveMany: %v", err)
	}
	if res[0].Err != nil {
		t.Errorf("resolution of the returned entity failed: %v", res[0].Err)
	}
	if !errors.Is(res[1].Err, ErrEntityNotFound) {
		t.Errorf("resolution of the absent entity = %v, want %v", res[1].Err, ErrEntityNotFound)
	}
}

func TestResolveFailedBatchLeavesStoreUntouched(t *testing.T) {
	fake := newFakeTransport()
	fake.put("Post:p1", Record{"id": "p1", "title": "One"})
	fake.err = &TransportError{Code: CodeInternal, Message: "boom"}
	c := New(blogSchema(), fake)
	view := c.Define("post", Fields("title"))

	_, err := c.Resolve(context.Background(), view, view.Ref("Post:p1"), nil)
	var te *TransportError
	if !errors.As(err, &te) || te.Code != CodeInternal {
		t.Fatalf("Resolve error = %v, want an internal transport error", err)
	}
	if IsRecoverable(err) {
		t.Errorf("IsRecoverable(%v) = true", err)
	}
	if n := c.Store().Clock(); n != 0 {
		t.Errorf("Store clock = %d after a failed fetch, want 0", n)
	}
	if ids := c.Store().Entities(); len(ids) != 0 {
		t.Errorf("Store holds %v after a failed fetch", ids)
	}
}

func TestResolveCoalescesInFlightFetches(t *testing.T) {
	fake := newFakeTransport()
	fake.put("Post:p1", Record{"id": "p1", "title": "One"})
	fake.gate = make(chan struct{})
	fake.entered = make(chan struct{}, 2)
	c := New(blogSchema(), fake)
	view := c.Define("post", Fields("title"))

	var wg sync.WaitGroup
	results := make([]Data, 2)
	errs := make([]error, 2)
	resolve := func(i int) {
		defer wg.Done()
		results[i], errs[i] = c.Resolve(context.Background(), view, view.Ref("Post:p1"), nil)
	}
	wg.Add(2)
	go resolve(0)
	<-fake.entered
	go resolve(1)
	// Give the second resolution time to join the fetch in flight.
	time.Sleep(50 * time.Millisecond)
	close(fake.gate)
	wg.Wait()

	for i := range 2 {
		if errs[i] != nil {
			t.Errorf("Resolve %d: %v", i, errs[i])
		}
		if diff := cmp.Diff(Data{"title": "One"}, results[i]); diff != "" {
			t.Errorf("Resolve %d data mismatch (-want +got):\n%s", i, diff)
		}
	}
	if n := fake.fetchCount(); n != 1 {
		t.Errorf("Transport was called %d times, want 1", n)
	}
}

func TestResolveMemoizes(t *testing.T) {
	fake := newFakeTransport()
	fake.put("Post:p1", Record{"id": "p1", "title": "One", "author": Record{"id": "u1", "name": "Ada"}})
	c := New(blogSchema(), fake)
	view := c.Define("post", Object{"title": Field{}, "author": Fields("name")})
	ref := view.Ref("Post:p1")
	ctx := context.Background()

	if _, err := c.Resolve(ctx, view, ref, nil); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if n := c.views.Len(); n != 1 {
		t.Fatalf("ViewCache holds %d memos, want 1", n)
	}

	// A change of the author evicts the memo of the post that read it.
	c.Store().Merge("User:u1", Record{"name": "Ada Lovelace"}, CoverPaths("name"))
	if n := c.views.Len(); n != 0 {
		t.Errorf("ViewCache holds %d memos after a dependency changed, want 0", n)
	}
	data, err := c.Resolve(ctx, view, ref, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := Data{"title": "One", "author": Data{"name": "Ada Lovelace"}}
	if diff := cmp.Diff(want, data); diff != "" {
		t.Errorf("resolved data mismatch (-want +got):\n%s", diff)
	}
	if n := fake.fetchCount(); n != 1 {
		t.Errorf("Transport was called %d times, want 1", n)
	}
}

func TestStaleDependencies(t *testing.T) {
	c := New(blogSchema(), newFakeTransport())
	s := c.Store()
	s.Merge("Post:p1", Record{"id": "p1", "title": "One"}, CoverAll)
	s.Merge("User:u1", Record{"id": "u1", "name": "Ada"}, CoverAll)
	deps := []EntityID{"Post:p1", "User:u1"}

	before := s.Clock()
	if c.stale(before, deps) {
		t.Errorf("dependencies are stale without any change")
	}

	s.Merge("User:u2", Record{"id": "u2"}, CoverAll)
	if c.stale(before, deps) {
		t.Errorf("a change of an unrelated entity made the dependencies stale")
	}

	before = s.Clock()
	s.Delete("User:u1")
	if !c.stale(before, deps) {
		t.Errorf("a dependency deleted after the read is not stale")
	}
}

func TestResolveSubViews(t *testing.T) {
	fake := newFakeTransport()
	fake.put("Post:p1", Record{"id": "p1", "title": "One", "body": "secret", "author": Record{"id": "u1", "name": "Ada"}})
	c := New(blogSchema(), fake)
	user := c.Define("user", Fields("name"))
	post := c.Define("post", Object{"title": Field{}, "author": Sub{View: user}})
	ctx := context.Background()

	data, err := c.Resolve(ctx, post, post.Ref("Post:p1"), nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	author, ok := data["author"].(ViewRef)
	if !ok {
		t.Fatalf("author resolved to %T, want a ViewRef", data["author"])
	}
	if author.ID != "User:u1" || !author.Satisfies(user) {
		t.Errorf("author = %v, want a reference to User:u1 readable as %v", author, user)
	}
	if _, ok := data["body"]; ok {
		t.Errorf("data holds a field the view did not select: %v", data)
	}

	// The sub-view reads through the reference without fetching again.
	got, err := c.Resolve(ctx, user, author, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if diff := cmp.Diff(Data{"name": "Ada"}, got); diff != "" {
		t.Errorf("sub-view data mismatch (-want +got):\n%s", diff)
	}
	if n := fake.fetchCount(); n != 1 {
		t.Errorf("Transport was called %d times, want 1", n)
	}

	// The reference cannot read the parent view.
	if _, err := c.Resolve(ctx, post, author, nil); !errors.Is(err, ErrViewNotAuthorized) {
		t.Errorf("Resolve through a masked reference = %v, want %v", err, ErrViewNotAuthorized)
	}
}

func TestResolveList(t *testing.T) {
	fake := newFakeTransport()
	fake.lists["feed"] = Page{
		Items: []Edge{
			{Cursor: "c1", Node: Record{TypenameField: "Post", "id": "p1", "title": "One"}},
			{Cursor: "c2", Node: Record{TypenameField: "Post", "id": "p2", "title": "Two"}},
		},
		Pagination: PageInfo{HasNext: true, NextCursor: "c2"},
	}
	c := New(blogSchema(), fake)
	view := c.Define("post", Fields("title"))
	ctx := context.Background()

	want := ConnectionData{
		Edges: []EdgeData{
			{Cursor: "c1", Node: Data{"title": "One"}},
			{Cursor: "c2", Node: Data{"title": "Two"}},
		},
		Page: PageInfo{HasNext: true, NextCursor: "c2"},
	}
	for range 2 {
		got, err := c.ResolveList(ctx, "feed", view, nil, nil)
		if err != nil {
			t.Fatalf("ResolveList: %v", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("ResolveList mismatch (-want +got):\n%s", diff)
		}
	}
	if n := len(fake.listed); n != 1 {
		t.Errorf("FetchList was called %d times, want 1", n)
	}

	if _, err := c.ResolveList(ctx, "feed", view, map[string]any{"last": 2}, nil); !errors.Is(err, ErrInvalidConnectionArgs) {
		t.Errorf("ResolveList with last alone = %v, want %v", err, ErrInvalidConnectionArgs)
	}
}

func TestResolveListRequiresTypename(t *testing.T) {
	fake := newFakeTransport()
	fake.lists["feed"] = Page{Items: []Edge{{Cursor: "c1", Node: Record{"id": "p1"}}}}
	c := New(blogSchema(), fake)
	view := c.Define("post", Fields("title"))

	_, err := c.ResolveList(context.Background(), "feed", view, nil, nil)
	if !errors.Is(err, errMissingTypename) {
		t.Errorf("ResolveList error = %v, want %v", err, errMissingTypename)
	}
}
