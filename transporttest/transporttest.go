/*
Package transporttest provides a suite of tests designed to assess
graphcache.Transport implementations (e.g. in-memory, neo4j).

The suite drives the tested Transport through a graphcache.Client, so it checks
what consumers actually observe: resolved views, nested entities, list fields
and paginated connections. Every case starts from an empty cache, and expects
the backend to serve the Blog fixture.

Call transporttest.Run in its own test to invoke the test-suite:

	func TestTransport(t *testing.T) {
		// Seed the backend with the fixture used by the suite.
		tr := newTransport(t, transporttest.Blog())
		// Call transporttest.Run, passing the seeded transport.
		transporttest.Run(t, tr)
	}

The suite never mutates the backend, so mutations are left for every Transport
to test on its own terms.
*/
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/go-digitaltwin/go-graphcache"
)

// Entity is a single normalized record of a Fixture.
type Entity struct {
	Type   string
	Record graphcache.Record
}

// Fixture is the content a backend serves to the suite. Records are normalized:
// single-entity fields hold a graphcache.NodeRef, and list fields hold a
// []graphcache.NodeRef in list order.
type Fixture struct {
	Entities []Entity
	// Lists maps the names of root lists to their entities, in order.
	Lists map[string][]graphcache.EntityID
}

// Schema returns the schema of the Blog fixture: users author posts, and posts
// carry comments authored by users.
func Schema() *graphcache.Schema {
	return graphcache.MustSchema(
		graphcache.EntityType{Name: "User", Fields: map[string]graphcache.Relation{
			"posts": {ListOf: "Post"},
		}},
		graphcache.EntityType{Name: "Post", Fields: map[string]graphcache.Relation{
			"author":   {Type: "User"},
			"comments": {ListOf: "Comment"},
		}},
		graphcache.EntityType{Name: "Comment", Fields: map[string]graphcache.Relation{
			"post":   {Type: "Post"},
			"author": {Type: "User"},
		}},
	)
}

// Blog returns the fixture every tested backend must serve.
//
// Integers are int64 because that is what most databases hand back.
func Blog() Fixture {
	ref := graphcache.Ref
	return Fixture{
		Entities: []Entity{
			{"User", graphcache.Record{"id": "u1", "name": "Ada", "posts": []graphcache.NodeRef{ref("Post", "p1"), ref("Post", "p2")}}},
			{"User", graphcache.Record{"id": "u2", "name": "Grace", "posts": []graphcache.NodeRef{ref("Post", "p3")}}},
			{"Post", graphcache.Record{"id": "p1", "title": "Hello", "likes": int64(3), "author": ref("User", "u1"), "comments": []graphcache.NodeRef{ref("Comment", "c1"), ref("Comment", "c2"), ref("Comment", "c3")}}},
			{"Post", graphcache.Record{"id": "p2", "title": "Second", "likes": int64(0), "author": ref("User", "u1"), "comments": []graphcache.NodeRef{}}},
			{"Post", graphcache.Record{"id": "p3", "title": "Third", "likes": int64(7), "author": ref("User", "u2"), "comments": []graphcache.NodeRef{}}},
			{"Comment", graphcache.Record{"id": "c1", "text": "first", "post": ref("Post", "p1"), "author": ref("User", "u2")}},
			{"Comment", graphcache.Record{"id": "c2", "text": "second", "post": ref("Post", "p1"), "author": ref("User", "u1")}},
			{"Comment", graphcache.Record{"id": "c3", "text": "third", "post": ref("Post", "p1"), "author": ref("User", "u2")}},
		},
		Lists: map[string][]graphcache.EntityID{
			"feed": {"Post:p3", "Post:p1", "Post:p2"},
		},
	}
}

type testCase struct {
	// Subtest name.
	name string
	// A path leading to the test-case's file and line in the source code.
	location string
	// do reads from a fresh client backed by the tested transport, and returns what
	// it observed.
	do func(ctx context.Context, c *graphcache.Client) (any, error)
	// want is what do is expected to observe.
	want any
}

// notFound stands for an entity the backend does not know.
const notFound = "not-found"

// window is the transport-neutral part of a resolved connection: the nodes and
// whether more pages exist. Cursors are opaque to the suite.
type window struct {
	Nodes       []any
	HasNext     bool
	HasPrevious bool
}

func windowOf(c graphcache.ConnectionData) window {
	w := window{Nodes: make([]any, len(c.Edges)), HasNext: c.Page.HasNext, HasPrevious: c.Page.HasPrevious}
	for i, e := range c.Edges {
		w.Nodes[i] = e.Node
	}
	return w
}

// resolve resolves the selection for the given entity through the case's view,
// which it defines on first use.
func resolve(c *graphcache.Client, ctx context.Context, sel graphcache.Object, id graphcache.EntityID) (any, error) {
	view, ok := c.Registry().Lookup("view")
	if !ok {
		view = c.Define("view", sel)
	}
	return c.Resolve(ctx, view, view.Ref(id), nil)
}

var cases = []testCase{
	{
		name:     "scalar-fields",
		location: locateSource(),
		do: func(ctx context.Context, c *graphcache.Client) (any, error) {
			return resolve(c, ctx, graphcache.Fields("title", "likes"), "Post:p1")
		},
		want: graphcache.Data{"title": "Hello", "likes": int64(3)},
	},
	{
		name:     "missing-entity",
		location: locateSource(),
		do: func(ctx context.Context, c *graphcache.Client) (any, error) {
			_, err := resolve(c, ctx, graphcache.Fields("title"), "Post:missing")
			if errors.Is(err, graphcache.ErrEntityNotFound) {
				return notFound, nil
			}
			return nil, err
		},
		want: notFound,
	},
	{
		name:     "many-entities",
		location: locateSource(),
		do: func(ctx context.Context, c *graphcache.Client) (any, error) {
			view := c.Define("view", graphcache.Fields("title"))
			res, err := c.ResolveMany(ctx, view, []graphcache.ViewRef{
				view.Ref("Post:p3"), view.Ref("Post:missing"), view.Ref("Post:p1"),
			}, nil)
			if err != nil {
				return nil, err
			}
			out := make([]any, len(res))
			for i, r := range res {
				switch {
				case errors.Is(r.Err, graphcache.ErrEntityNotFound):
					out[i] = notFound
				case r.Err != nil:
					return nil, r.Err
				default:
					out[i] = r.Data
				}
			}
			return out, nil
		},
		want: []any{graphcache.Data{"title": "Third"}, notFound, graphcache.Data{"title": "Hello"}},
	},
	{
		name:     "related-entity",
		location: locateSource(),
		do: func(ctx context.Context, c *graphcache.Client) (any, error) {
			return resolve(c, ctx, graphcache.Object{
				"title":  graphcache.Field{},
				"author": graphcache.Fields("name"),
			}, "Post:p3")
		},
		want: graphcache.Data{"title": "Third", "author": graphcache.Data{"name": "Grace"}},
	},
	{
		name:     "list-field",
		location: locateSource(),
		do: func(ctx context.Context, c *graphcache.Client) (any, error) {
			return resolve(c, ctx, graphcache.Object{
				"comments": graphcache.Object{
					"text":   graphcache.Field{},
					"author": graphcache.Fields("name"),
				},
			}, "Post:p1")
		},
		want: graphcache.Data{"comments": []any{
			graphcache.Data{"text": "first", "author": graphcache.Data{"name": "Grace"}},
			graphcache.Data{"text": "second", "author": graphcache.Data{"name": "Ada"}},
			graphcache.Data{"text": "third", "author": graphcache.Data{"name": "Grace"}},
		}},
	},
	{
		name:     "empty-list-field",
		location: locateSource(),
		do: func(ctx context.Context, c *graphcache.Client) (any, error) {
			return resolve(c, ctx, graphcache.Object{"comments": graphcache.Fields("text")}, "Post:p2")
		},
		want: graphcache.Data{"comments": []any{}},
	},
	{
		name:     "back-references",
		location: locateSource(),
		do: func(ctx context.Context, c *graphcache.Client) (any, error) {
			return resolve(c, ctx, graphcache.Object{
				"name":  graphcache.Field{},
				"posts": graphcache.Object{"author": graphcache.Fields("name")},
			}, "User:u2")
		},
		want: graphcache.Data{"name": "Grace", "posts": []any{
			graphcache.Data{"author": graphcache.Data{"name": "Grace"}},
		}},
	},
	{
		name:     "connection-field",
		location: locateSource(),
		do: func(ctx context.Context, c *graphcache.Client) (any, error) {
			d, err := resolve(c, ctx, graphcache.Object{
				"comments": graphcache.Connection{Args: map[string]any{"first": 2}, Node: graphcache.Fields("text")},
			}, "Post:p1")
			if err != nil {
				return nil, err
			}
			return windowOf(d.(graphcache.Data)["comments"].(graphcache.ConnectionData)), nil
		},
		want: window{
			Nodes:   []any{graphcache.Data{"text": "first"}, graphcache.Data{"text": "second"}},
			HasNext: true,
		},
	},
	{
		name:     "connection-field-load-more",
		location: locateSource(),
		do: func(ctx context.Context, c *graphcache.Client) (any, error) {
			sel := graphcache.Object{
				"comments": graphcache.Connection{Args: map[string]any{"first": 2}, Node: graphcache.Fields("text")},
			}
			if _, err := resolve(c, ctx, sel, "Post:p1"); err != nil {
				return nil, err
			}
			keys := c.Store().ListsOf("Post:p1", "comments")
			if len(keys) != 1 {
				return nil, fmt.Errorf("Post:p1 owns comment lists %v, want exactly one", keys)
			}
			if _, err := c.LoadMore(ctx, keys[0], c.Define("comment", graphcache.Fields("text")), graphcache.Forward, 2); err != nil {
				return nil, err
			}
			d, err := resolve(c, ctx, sel, "Post:p1")
			if err != nil {
				return nil, err
			}
			return windowOf(d.(graphcache.Data)["comments"].(graphcache.ConnectionData)), nil
		},
		want: window{
			Nodes: []any{graphcache.Data{"text": "first"}, graphcache.Data{"text": "second"}, graphcache.Data{"text": "third"}},
		},
	},
	{
		name:     "root-list",
		location: locateSource(),
		do: func(ctx context.Context, c *graphcache.Client) (any, error) {
			conn, err := c.ResolveList(ctx, "feed", c.Define("post", graphcache.Fields("title")), map[string]any{"first": 2}, nil)
			if err != nil {
				return nil, err
			}
			return windowOf(conn), nil
		},
		want: window{
			Nodes:   []any{graphcache.Data{"title": "Third"}, graphcache.Data{"title": "Hello"}},
			HasNext: true,
		},
	},
	{
		name:     "root-list-load-more",
		location: locateSource(),
		do: func(ctx context.Context, c *graphcache.Client) (any, error) {
			view := c.Define("post", graphcache.Fields("title"))
			args := map[string]any{"first": 2}
			if _, err := c.ResolveList(ctx, "feed", view, args, nil); err != nil {
				return nil, err
			}
			keys := c.Store().ListsOf("", "feed")
			if len(keys) != 1 {
				return nil, fmt.Errorf("cached feeds %v, want exactly one", keys)
			}
			if _, err := c.LoadMore(ctx, keys[0], view, graphcache.Forward, 2); err != nil {
				return nil, err
			}
			conn, err := c.ResolveList(ctx, "feed", view, args, nil)
			if err != nil {
				return nil, err
			}
			return windowOf(conn), nil
		},
		want: window{
			Nodes: []any{graphcache.Data{"title": "Third"}, graphcache.Data{"title": "Hello"}, graphcache.Data{"title": "Second"}},
		},
	},
	{
		name:     "root-list-load-backward",
		location: locateSource(),
		do: func(ctx context.Context, c *graphcache.Client) (any, error) {
			view := c.Define("post", graphcache.Fields("title"))
			// Cursors are opaque, so the cursor of the last post comes from the
			// transport itself.
			all, err := c.ResolveList(ctx, "feed", view, map[string]any{"first": 3}, nil)
			if err != nil {
				return nil, err
			}
			if len(all.Edges) != 3 {
				return nil, fmt.Errorf("feed holds %d posts, want 3", len(all.Edges))
			}
			args := map[string]any{"last": 1, "before": all.Edges[2].Cursor}
			if _, err := c.ResolveList(ctx, "feed", view, args, nil); err != nil {
				return nil, err
			}
			key := graphcache.ListKeyFor("", "feed", graphcache.HashArgs(args, "after", "before", "cursor"))
			if _, err := c.LoadMore(ctx, key, view, graphcache.Backward, 1); err != nil {
				return nil, err
			}
			conn, err := c.ResolveList(ctx, "feed", view, args, nil)
			if err != nil {
				return nil, err
			}
			return windowOf(conn), nil
		},
		// Loading backward leaves the forward pagination fields as they were.
		want: window{
			Nodes:   []any{graphcache.Data{"title": "Third"}, graphcache.Data{"title": "Hello"}},
			HasNext: true,
		},
	},
}

// Run executes every test case against the given Transport, which must serve
// the Blog fixture. Every case resolves through its own graphcache.Client, so
// the cases are independent of each other.
//
// We deliberately use the background context because this test-suite does not
// check performance, and transports should not depend on specific context
// values.
func Run(t *testing.T, tr graphcache.Transport) {
	t.Helper()

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			// We encourage developers to read the source code directly, especially when
			// failures are not clear enough.
			t.Logf("Read the source for test-case %v at %v", c.name, c.location)

			client := graphcache.New(Schema(), tr)
			got, err := c.do(context.Background(), client)
			if err != nil {
				t.Fatalf("%v failed: %v", c.name, err)
			}
			if diff := cmp.Diff(c.want, got); diff != "" {
				t.Errorf("%v mismatch (-want +got):\n%s", c.name, diff)
			}
		})
	}
}

// Call this function to set the location of every test-case in the source file.
// The returned string is used to guide developers of transports to the
// appropriate test-case.
func locateSource() (path string) {
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		panic("runtime.Caller failed")
	}
	return fmt.Sprintf("%v:%v", file, line)
}
