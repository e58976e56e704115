package graphcache

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMutateAppliesOptimisticWrites(t *testing.T) {
	fake := newFakeTransport()
	c := New(blogSchema(), fake)
	seedPost(t, c)
	view := c.Define("post", Fields("title"))

	var seen any
	fake.mutate = func(req MutateRequest) (Record, error) {
		rec, _ := c.Store().Read("Post:p1")
		seen = rec["title"]
		return Record{"id": "p1", "title": "B"}, nil
	}
	res, err := c.Mutate(context.Background(), Mutation{
		Key:        "renamePost",
		Type:       "Post",
		Input:      map[string]any{"id": "p1", "title": "B"},
		View:       view,
		Optimistic: Record{"title": "B (saving)"},
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if res.Err != nil {
		t.Fatalf("Mutate failed: %v", res.Err)
	}
	if seen != "B (saving)" {
		t.Errorf("title during the mutation = %v, want the optimistic one", seen)
	}
	if res.ID != "Post:p1" {
		t.Errorf("result ID = %v, want Post:p1", res.ID)
	}
	if diff := cmp.Diff(Data{"title": "B"}, res.Data); diff != "" {
		t.Errorf("result data mismatch (-want +got):\n%s", diff)
	}
	want := []MutateRequest{{
		Key:   "renamePost",
		Input: map[string]any{"id": "p1", "title": "B"},
		Paths: []string{"title"},
	}}
	if diff := cmp.Diff(want, fake.mutated); diff != "" {
		t.Errorf("mutate requests mismatch (-want +got):\n%s", diff)
	}
}

func TestMutateRollsBackEverything(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		recoverable bool
	}{
		{name: "conflict", err: &TransportError{Code: CodeConflict, Message: "stale"}, recoverable: true},
		{name: "timeout", err: context.DeadlineExceeded, recoverable: true},
		{name: "forbidden", err: &TransportError{Code: CodeForbidden}, recoverable: false},
		{name: "unclassified", err: errors.New("connection reset"), recoverable: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeTransport()
			fake.mutate = func(MutateRequest) (Record, error) { return nil, tt.err }
			c := New(blogSchema(), fake)
			key := seedPost(t, c)
			s := c.Store()
			s.Merge("User:u1", Record{"id": "u1", "name": "Ada"}, CoverAll)
			_ = s.SetList("feed", ListState{Field: "feed", IDs: []EntityID{"Post:p1"}})
			post, _ := s.Read("Post:p1")
			user, _ := s.Read("User:u1")

			res, err := c.Mutate(context.Background(), Mutation{
				Key:        "likePost",
				Type:       "Post",
				Input:      map[string]any{"id": "p1"},
				Optimistic: Record{"likes": 2},
				Update: func(r *Recorder, target EntityID) {
					r.Merge("User", Record{"id": "u1", "name": "Ada (liked)"})
					r.InsertIntoList("feed", "Post:p2", true)
					r.RemoveFromList(key, "Comment:c1")
				},
			})

			if tt.recoverable {
				if err != nil {
					t.Fatalf("Mutate returned %v, want the failure in the result", err)
				}
				if !errors.Is(res.Err, tt.err) {
					t.Errorf("result error = %v, want %v", res.Err, tt.err)
				}
			} else if !errors.Is(err, tt.err) {
				t.Errorf("Mutate error = %v, want %v", err, tt.err)
			}

			got, _ := s.Read("Post:p1")
			if diff := cmp.Diff(post, got); diff != "" {
				t.Errorf("post mismatch (-want +got):\n%s", diff)
			}
			got, _ = s.Read("User:u1")
			if diff := cmp.Diff(user, got); diff != "" {
				t.Errorf("user mismatch (-want +got):\n%s", diff)
			}
			feed, _ := s.List("feed")
			if diff := cmp.Diff([]EntityID{"Post:p1"}, feed.IDs); diff != "" {
				t.Errorf("feed mismatch (-want +got):\n%s", diff)
			}
			comments, _ := s.List(key)
			if diff := cmp.Diff([]EntityID{"Comment:c1"}, comments.IDs); diff != "" {
				t.Errorf("comments mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMutateReplacesTemporaryEntity(t *testing.T) {
	fake := newFakeTransport()
	c := New(blogSchema(), fake)
	key := seedPost(t, c)
	view := c.Define("comment", Fields("text"))

	var temp EntityID
	fake.mutate = func(req MutateRequest) (Record, error) {
		l, _ := c.Store().List(key)
		if len(l.IDs) == 2 {
			temp = l.IDs[1]
		}
		return Record{"id": "c9", "text": "hello", "post": map[string]any{"id": "p1"}}, nil
	}
	res, err := c.Mutate(context.Background(), Mutation{
		Key:        "addComment",
		Type:       "Comment",
		Input:      map[string]any{"post": "p1", "text": "hello"},
		View:       view,
		Optimistic: Record{"text": "hello", "post": Ref("Post", "p1")},
	})
	if err != nil || res.Err != nil {
		t.Fatalf("Mutate: %v, %v", err, res.Err)
	}
	if !strings.HasPrefix(temp.Raw(), TempIDPrefix) {
		t.Fatalf("optimistic comment %q does not carry a temporary identifier", temp)
	}
	if res.ID != "Comment:c9" {
		t.Errorf("result ID = %v, want Comment:c9", res.ID)
	}
	if diff := cmp.Diff(Data{"text": "hello"}, res.Data); diff != "" {
		t.Errorf("result data mismatch (-want +got):\n%s", diff)
	}

	s := c.Store()
	if _, ok := s.Read(temp); ok {
		t.Errorf("temporary comment %v survived the mutation", temp)
	}
	l, _ := s.List(key)
	if diff := cmp.Diff([]EntityID{"Comment:c1", "Comment:c9"}, l.IDs); diff != "" {
		t.Errorf("comments mismatch (-want +got):\n%s", diff)
	}
	post, _ := s.Read("Post:p1")
	if diff := cmp.Diff([]NodeRef{Ref("Comment", "c1"), Ref("Comment", "c9")}, post["comments"]); diff != "" {
		t.Errorf("post's comments field mismatch (-want +got):\n%s", diff)
	}
}

func TestMutateDelete(t *testing.T) {
	fake := newFakeTransport()
	fake.mutate = func(MutateRequest) (Record, error) { return nil, nil }
	c := New(blogSchema(), fake)
	key := seedPost(t, c)

	res, err := c.Mutate(context.Background(), Mutation{
		Key:    "deleteComment",
		Type:   "Comment",
		Input:  map[string]any{"id": "c1"},
		Delete: true,
	})
	if err != nil || res.Err != nil {
		t.Fatalf("Mutate: %v, %v", err, res.Err)
	}
	if res.ID != "Comment:c1" {
		t.Errorf("result ID = %v, want Comment:c1", res.ID)
	}
	if _, ok := c.Store().Read("Comment:c1"); ok {
		t.Errorf("deleted comment is still readable")
	}
	if l, _ := c.Store().List(key); len(l.IDs) != 0 {
		t.Errorf("comments = %v after deleting the only comment", l.IDs)
	}

	_, err = c.Mutate(context.Background(), Mutation{Key: "deleteComment", Type: "Comment", Delete: true})
	if !errors.Is(err, errMissingTarget) {
		t.Errorf("Mutate without a target = %v, want %v", err, errMissingTarget)
	}
}

func TestMutateMissingResult(t *testing.T) {
	fake := newFakeTransport()
	fake.mutate = func(MutateRequest) (Record, error) { return nil, nil }
	c := New(blogSchema(), fake)
	seedPost(t, c)

	_, err := c.Mutate(context.Background(), Mutation{
		Key:        "likePost",
		Type:       "Post",
		Input:      map[string]any{"id": "p1"},
		Optimistic: Record{"likes": 2},
	})
	if !errors.Is(err, ErrEntityNotFound) {
		t.Errorf("Mutate error = %v, want %v", err, ErrEntityNotFound)
	}
	if got, _ := c.Store().Read("Post:p1"); got["likes"] != 1 {
		t.Errorf("likes = %v after a failed mutation, want 1", got["likes"])
	}
}

func TestPayloadPaths(t *testing.T) {
	got := payloadPaths(map[string]any{
		AllFields: true,
		"title":   "x",
		"author":  map[string]any{"id": "u1", "name": "Ada"},
		"tags": []any{
			map[string]any{"label": "go"},
			map[string]any{"color": "blue"},
		},
	})
	want := []string{"author.id", "author.name", "tags.color", "tags.label", "title"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("payloadPaths mismatch (-want +got):\n%s", diff)
	}
}
