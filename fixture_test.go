package graphcache

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
)

// blogSchema is the schema most tests of this package normalize with.
func blogSchema() *Schema {
	return MustSchema(
		EntityType{Name: "User", Fields: map[string]Relation{
			"posts": {ListOf: "Post"},
		}},
		EntityType{Name: "Post", Fields: map[string]Relation{
			"author":   {Type: "User"},
			"comments": {ListOf: "Comment"},
		}},
		EntityType{Name: "Comment", Fields: map[string]Relation{
			"post":   {Type: "Post"},
			"author": {Type: "User"},
		}},
	)
}

// fakeTransport serves canned records, projected to the top-level fields a
// request asks for. Nested values are served whole.
type fakeTransport struct {
	mu      sync.Mutex
	records map[EntityID]Record
	lists   map[string]Page
	// err, when set, fails every fetch.
	err error
	// mutate serves Mutate calls.
	mutate func(MutateRequest) (Record, error)
	// gate, when set, is received from before serving a fetch.
	gate chan struct{}
	// entered, when set, is sent to as a fetch starts.
	entered chan struct{}

	fetches []FetchRequest
	listed  []ListRequest
	mutated []MutateRequest
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{records: make(map[EntityID]Record), lists: make(map[string]Page)}
}

func (f *fakeTransport) put(id EntityID, rec Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[id] = rec
}

func (f *fakeTransport) FetchByID(ctx context.Context, req FetchRequest) ([]Record, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, req)
	if f.err != nil {
		return nil, f.err
	}
	var out []Record
	// Serve in reverse order; records are matched by identifier.
	for _, raw := range slices.Backward(req.IDs) {
		rec, ok := f.records[NewEntityID(req.Type, raw)]
		if !ok {
			continue
		}
		out = append(out, projectTop(rec, req.Paths))
	}
	return out, nil
}

func (f *fakeTransport) FetchList(ctx context.Context, req ListRequest) (Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listed = append(f.listed, req)
	if f.err != nil {
		return Page{}, f.err
	}
	return f.lists[listKey(req.Key, req.Args)], nil
}

// listKey keys the pages of the fake by list name and arguments.
func listKey(name string, args map[string]any) string {
	if len(args) == 0 {
		return name
	}
	return name + "|" + StableString(args)
}

func (f *fakeTransport) Mutate(ctx context.Context, req MutateRequest) (Record, error) {
	f.mu.Lock()
	f.mutated = append(f.mutated, req)
	mutate := f.mutate
	f.mu.Unlock()
	return mutate(req)
}

func (f *fakeTransport) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetches)
}

// projectTop keeps the identifier and the top-level fields of the given paths.
func projectTop(rec Record, paths []string) Record {
	keep := map[string]bool{"id": true}
	for _, p := range paths {
		f, _, _ := strings.Cut(p, ".")
		keep[f] = true
	}
	out := make(Record)
	for k, v := range maps.All(rec) {
		if keep[k] {
			out[k] = v
		}
	}
	return out
}
