package graphcache

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestWriteNormalizesNestedEntities(t *testing.T) {
	fake := newFakeTransport()
	c := New(blogSchema(), fake)
	view := c.Define("postWithAuthor", Object{
		"id":     Field{},
		"author": Fields("id", "name"),
	})
	post := NewEntityID("Post", "p1")
	plan, err := Compile(view, view.Ref(post), nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	id, err := c.Write(context.Background(), "Post", Record{
		"id":     "p1",
		"author": map[string]any{"id": "u1", "name": "Ada"},
	}, plan)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if id != post {
		t.Errorf("Write returned %v, want %v", id, post)
	}

	rec, _ := c.Store().Read(post)
	if diff := cmp.Diff(Record{"id": "p1", "author": Ref("User", "u1")}, rec); diff != "" {
		t.Errorf("stored post mismatch (-want +got):\n%s", diff)
	}
	user, _ := c.Store().Read(NewEntityID("User", "u1"))
	if diff := cmp.Diff(Record{"id": "u1", "name": "Ada"}, user); diff != "" {
		t.Errorf("stored author mismatch (-want +got):\n%s", diff)
	}

	// Everything the view needs is known now, so resolving it fetches nothing.
	data, err := c.Resolve(context.Background(), view, view.Ref(post), nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := Data{"id": "p1", "author": Data{"id": "u1", "name": "Ada"}}
	if diff := cmp.Diff(want, data); diff != "" {
		t.Errorf("resolved data mismatch (-want +got):\n%s", diff)
	}
	if n := fake.fetchCount(); n != 0 {
		t.Errorf("Resolve issued %d fetches, want 0", n)
	}
}

func TestWriteCoverage(t *testing.T) {
	s := NewStore(nil)
	schema := blogSchema()
	w := newWriter(context.Background(), s, schema, nil)
	reg := NewRegistry()
	view := reg.Define("post", Object{
		"title":  Field{},
		"author": Fields("name", "email"),
	})
	plan, err := compileSelection(view, view.Selection(), nil)
	if err != nil {
		t.Fatalf("compileSelection: %v", err)
	}

	// The author came back without an email, so author.email stays unknown.
	_, err = w.write("Post", Record{
		"id":     "p1",
		"title":  "Hello",
		"author": Record{"id": "u1", "name": "Ada"},
	}, plan, nil)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	missing, _ := s.Missing("Post:p1", plan.Paths)
	if diff := cmp.Diff([]string{"author.email"}, missing); diff != "" {
		t.Errorf("missing paths mismatch (-want +got):\n%s", diff)
	}

	// A record holding "*" declares every field present.
	_, err = w.write("User", Record{AllFields: true, "id": "u2", "name": "Grace"}, Plan{}, nil)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if !s.Coverage("User:u2").IsFull() {
		t.Errorf("a record holding %q was not fully covered", AllFields)
	}
	rec, _ := s.Read("User:u2")
	if _, ok := rec[AllFields]; ok {
		t.Errorf("the %q marker was stored: %v", AllFields, rec)
	}
}

func TestWriteConnection(t *testing.T) {
	s := NewStore(nil)
	w := newWriter(context.Background(), s, blogSchema(), nil)
	reg := NewRegistry()
	view := reg.Define("post", Object{
		"comments": Connection{Args: map[string]any{"first": 2}, Node: Fields("text")},
	})
	plan, err := compileSelection(view, view.Selection(), nil)
	if err != nil {
		t.Fatalf("compileSelection: %v", err)
	}

	_, err = w.write("Post", Record{
		"id": "p1",
		"comments": map[string]any{
			"items": []any{
				map[string]any{"cursor": "a", "node": map[string]any{"id": "c1", "text": "first"}},
				map[string]any{"cursor": "b", "node": map[string]any{"id": "c2", "text": "second"}},
				// Duplicates are dropped.
				map[string]any{"cursor": "b", "node": map[string]any{"id": "c2", "text": "second"}},
			},
			"pagination": map[string]any{"hasNext": true, "nextCursor": "b"},
		},
	}, plan, nil)
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	key := ListKeyFor("Post:p1", "comments", plan.Args["comments"].Hash)
	l, ok := s.List(key)
	if !ok {
		t.Fatalf("list %s was not stored", key)
	}
	want := ListState{
		Owner:   "Post:p1",
		Field:   "comments",
		Args:    map[string]any{"first": 2},
		IDs:     []EntityID{"Comment:c1", "Comment:c2"},
		Cursors: []string{"a", "b"},
		Page:    &PageInfo{HasNext: true, NextCursor: "b"},
	}
	if diff := cmp.Diff(want, l); diff != "" {
		t.Errorf("list mismatch (-want +got):\n%s", diff)
	}
	if missing, _ := s.Missing("Post:p1", plan.Paths); len(missing) != 0 {
		t.Errorf("post is missing %v after writing every item's text", missing)
	}
}

func TestWriteAppendsToParentLists(t *testing.T) {
	s := NewStore(nil)
	w := newWriter(context.Background(), s, blogSchema(), nil)

	// Loading the post's comments writes the items through the list itself.
	_, err := w.write("Post", Record{
		"id": "p1",
		"comments": []any{
			map[string]any{"id": "c1", "text": "first", "post": Ref("Post", "p1")},
		},
	}, Plan{}, nil)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	key := ListKeyFor("Post:p1", "comments", ArgsHash{})
	if l, _ := s.List(key); len(l.IDs) != 1 {
		t.Fatalf("comments = %v, want exactly the loaded comment", l.IDs)
	}

	// A comment written later on its own joins the cached list of its post.
	_, err = w.write("Comment", Record{"id": "c2", "text": "second", "post": Ref("Post", "p1")}, Plan{}, nil)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	l, _ := s.List(key)
	if diff := cmp.Diff([]EntityID{"Comment:c1", "Comment:c2"}, l.IDs); diff != "" {
		t.Errorf("comments mismatch (-want +got):\n%s", diff)
	}
	post, _ := s.Read("Post:p1")
	if diff := cmp.Diff([]NodeRef{Ref("Comment", "c1"), Ref("Comment", "c2")}, post["comments"]); diff != "" {
		t.Errorf("post's comments field mismatch (-want +got):\n%s", diff)
	}

	// Writing it again changes nothing.
	_, err = w.write("Comment", Record{"id": "c2", "text": "second", "post": Ref("Post", "p1")}, Plan{}, nil)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if l, _ := s.List(key); len(l.IDs) != 2 {
		t.Errorf("comments = %v after rewriting a member", l.IDs)
	}
}

func TestWriteErrors(t *testing.T) {
	w := newWriter(context.Background(), NewStore(nil), blogSchema(), nil)
	tests := []struct {
		name     string
		typename string
		rec      Record
		check    func(error) bool
	}{
		{
			name:     "unknown type",
			typename: "Tag",
			rec:      Record{"id": "t1"},
			check: func(err error) bool {
				var se *SchemaError
				return errors.As(err, &se)
			},
		},
		{
			name:     "missing identifier",
			typename: "Post",
			rec:      Record{"title": "untitled"},
			check:    func(err error) bool { return errors.Is(err, errMissingID) },
		},
		{
			name:     "scalar relation",
			typename: "Post",
			rec:      Record{"id": "p1", "author": "u1"},
			check: func(err error) bool {
				var se *SchemaError
				return errors.As(err, &se) && se.Field == "author"
			},
		},
		{
			name:     "nested identifier",
			typename: "Post",
			rec:      Record{"id": "p1", "author": map[string]any{"name": "Ada"}},
			check:    func(err error) bool { return errors.Is(err, errMissingID) },
		},
		{
			name:     "malformed list",
			typename: "Post",
			rec:      Record{"id": "p1", "comments": "none"},
			check: func(err error) bool {
				var se *SchemaError
				return errors.As(err, &se) && se.Field == "comments"
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := w.write(tt.typename, tt.rec, Plan{}, nil)
			if err == nil || !tt.check(err) {
				t.Errorf("write error = %v", err)
			}
		})
	}
}
