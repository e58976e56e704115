// Package memtransport serves a graphcache.Client from an in-memory Dataset. It
// answers requests the way a real server would: records are shaped by the
// requested paths, relation fields nest only when sub-fields are requested, and
// list fields called with connection arguments are paginated.
//
// Tests use a Transport to observe what the cache asks for (see Calls) and to
// inject failures (see Fail).
package memtransport

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/danielorbach/go-component"
	"github.com/go-digitaltwin/go-graphcache"
)

// Method names a Transport method in a Call and in Fail.
type Method string

const (
	FetchByID Method = "FetchByID"
	FetchList Method = "FetchList"
	Mutate    Method = "Mutate"
)

// Call records one request served by a Transport. Name is the entity type of a
// FetchByID, or the key of a FetchList or Mutate.
type Call struct {
	Method Method
	Name   string
	IDs    []string
	Paths  []string
	Args   map[string]any
}

type failure struct {
	method Method
	name   string
}

// MutationFunc performs a mutation against the Dataset and returns the entity
// to answer with. An empty identifier answers with no record, as deletions do.
type MutationFunc func(d *Dataset, input map[string]any) (graphcache.EntityID, error)

// Transport implements graphcache.Transport on top of a Dataset.
type Transport struct {
	mu        sync.Mutex
	data      *Dataset
	mutations map[string]MutationFunc
	failures  map[failure]error
	calls     []Call
	hook      func(context.Context, Call)
}

var _ graphcache.Transport = (*Transport)(nil)

// New returns a Transport serving the given Dataset. From now on, the Dataset
// may only be modified through Update.
func New(d *Dataset) *Transport {
	return &Transport{
		data:      d,
		mutations: make(map[string]MutationFunc),
		failures:  make(map[failure]error),
	}
}

// Update calls fn with exclusive access to the served Dataset.
func (t *Transport) Update(fn func(d *Dataset) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fn(t.data)
}

// HandleMutation registers the function performing the named mutation.
func (t *Transport) HandleMutation(key string, fn MutationFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mutations[key] = fn
}

// Fail makes every following call of the given method and name fail with err.
// A nil err clears the failure.
func (t *Transport) Fail(m Method, name string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := failure{m, name}
	if err == nil {
		delete(t.failures, k)
		return
	}
	t.failures[k] = err
}

// OnCall installs a hook called with every request before it is served, outside
// of any lock. Tests use it to hold requests in flight.
func (t *Transport) OnCall(fn func(context.Context, Call)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hook = fn
}

// Calls returns the requests served so far, in order.
func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.calls)
}

// CallsOf returns the served requests of the given method.
func (t *Transport) CallsOf(m Method) []Call {
	var out []Call
	for _, c := range t.Calls() {
		if c.Method == m {
			out = append(out, c)
		}
	}
	return out
}

// begin logs the call, runs the hook and reports the injected failure, if any.
func (t *Transport) begin(ctx context.Context, c Call) error {
	t.mu.Lock()
	t.calls = append(t.calls, c)
	hook := t.hook
	err := t.failures[failure{c.Method, c.Name}]
	t.mu.Unlock()

	component.Logger(ctx).Debug("Serving request",
		slog.String("method", string(c.Method)),
		slog.String("name", c.Name),
		slog.Any("paths", c.Paths),
	)
	if hook != nil {
		hook(ctx, c)
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (t *Transport) FetchByID(ctx context.Context, req graphcache.FetchRequest) ([]graphcache.Record, error) {
	if err := t.begin(ctx, Call{Method: FetchByID, Name: req.Type, IDs: slices.Clone(req.IDs), Paths: slices.Clone(req.Paths), Args: flattenArgs(req.Args)}); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	var out []graphcache.Record
	for _, raw := range req.IDs {
		id := graphcache.NewEntityID(req.Type, raw)
		rec, ok := t.data.records[id]
		if !ok {
			continue
		}
		shaped, err := t.data.shape(id, rec, req.Paths, req.Args, "")
		if err != nil {
			return nil, &graphcache.TransportError{Code: graphcache.CodeBadRequest, Message: err.Error(), Err: err}
		}
		out = append(out, shaped)
	}
	return out, nil
}

func (t *Transport) FetchList(ctx context.Context, req graphcache.ListRequest) (graphcache.Page, error) {
	if err := t.begin(ctx, Call{Method: FetchList, Name: req.Key, Paths: slices.Clone(req.Paths), Args: maps.Clone(req.Args)}); err != nil {
		return graphcache.Page{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	ids, ok := t.data.lists[req.Key]
	if !ok {
		return graphcache.Page{}, &graphcache.TransportError{Code: graphcache.CodeBadRequest, Message: "unknown list " + req.Key}
	}
	page, err := t.data.page(ids, req.Args, req.Paths, req.FieldArgs, "")
	if err != nil {
		return graphcache.Page{}, &graphcache.TransportError{Code: graphcache.CodeBadRequest, Message: err.Error(), Err: err}
	}
	return page, nil
}

func (t *Transport) Mutate(ctx context.Context, req graphcache.MutateRequest) (graphcache.Record, error) {
	if err := t.begin(ctx, Call{Method: Mutate, Name: req.Key, Paths: slices.Clone(req.Paths), Args: maps.Clone(req.Input)}); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	fn, ok := t.mutations[req.Key]
	if !ok {
		return nil, &graphcache.TransportError{Code: graphcache.CodeNotImplemented, Message: "unknown mutation " + req.Key}
	}
	id, err := fn(t.data, req.Input)
	if err != nil || id == "" {
		return nil, err
	}
	rec, ok := t.data.records[id]
	if !ok {
		return nil, nil
	}
	return t.data.shape(id, rec, req.Paths, nil, "")
}

// shape projects a stored record onto the requested paths. at is the path of
// the record relative to the root of the request, and keys args.
func (d *Dataset) shape(id graphcache.EntityID, rec graphcache.Record, paths []string, args map[string]map[string]any, at string) (graphcache.Record, error) {
	typename := id.Type()
	out := make(graphcache.Record, len(paths)+1)
	for _, k := range d.keyFields(typename) {
		if v, ok := rec[k]; ok {
			out[k] = v
		}
	}

	for _, field := range topFields(paths) {
		v, ok := rec[field]
		if !ok {
			continue
		}
		sub := under(paths, field)
		path := join(at, field)
		rel := d.schema.Relation(typename, field)
		switch {
		case rel.IsScalar():
			out[field] = v

		case rel.Type != "":
			ref, ok := v.(graphcache.NodeRef)
			if !ok {
				out[field] = nil
				continue
			}
			if len(sub) == 0 {
				out[field] = ref
				continue
			}
			target, ok := d.records[ref.ID]
			if !ok {
				out[field] = nil
				continue
			}
			nested, err := d.shape(ref.ID, target, sub, args, path)
			if err != nil {
				return nil, err
			}
			out[field] = nested

		default:
			refs, _ := v.([]graphcache.NodeRef)
			ids := make([]graphcache.EntityID, len(refs))
			for i, r := range refs {
				ids[i] = r.ID
			}
			if a := args[path]; isConnection(a) {
				page, err := d.page(ids, a, sub, args, path)
				if err != nil {
					return nil, err
				}
				out[field] = page
				continue
			}
			items := make([]any, 0, len(ids))
			for _, item := range ids {
				target, ok := d.records[item]
				if !ok {
					continue
				}
				nested, err := d.shape(item, target, sub, args, path)
				if err != nil {
					return nil, err
				}
				items = append(items, map[string]any(nested))
			}
			out[field] = items
		}
	}
	return out, nil
}

// page cuts the window the connection arguments ask for out of the given
// entities and shapes each of its nodes.
func (d *Dataset) page(ids []graphcache.EntityID, args map[string]any, paths []string, fieldArgs map[string]map[string]any, at string) (graphcache.Page, error) {
	w, err := graphcache.ArrayToConnection(ids, cursorsOf(ids), args)
	if err != nil {
		return graphcache.Page{}, err
	}
	p := graphcache.Page{Items: make([]graphcache.Edge, 0, len(w.Items)), Pagination: w.Page}
	for i, id := range w.Items {
		rec, ok := d.records[id]
		if !ok {
			continue
		}
		node, err := d.shape(id, rec, paths, fieldArgs, at)
		if err != nil {
			return graphcache.Page{}, err
		}
		if at == "" {
			// Root lists may mix entity types.
			node[graphcache.TypenameField] = id.Type()
		}
		p.Items = append(p.Items, graphcache.Edge{Cursor: w.Cursors[i], Node: node})
	}
	return p, nil
}

// Cursor returns the cursor a Transport assigns to the given entity in every
// list it is served in.
func Cursor(id graphcache.EntityID) string { return "cursor:" + id.Raw() }

func cursorsOf(ids []graphcache.EntityID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = Cursor(id)
	}
	return out
}

func isConnection(args map[string]any) bool {
	for _, k := range []string{"first", "last", "after", "before"} {
		if _, ok := args[k]; ok {
			return true
		}
	}
	return false
}

// topFields returns the distinct first segments of the given paths, in order.
func topFields(paths []string) []string {
	var out []string
	for _, p := range paths {
		head, _, _ := strings.Cut(p, ".")
		if !slices.Contains(out, head) {
			out = append(out, head)
		}
	}
	return out
}

// under returns the remainders of the paths below the given field.
func under(paths []string, field string) []string {
	var out []string
	for _, p := range paths {
		if rest, ok := strings.CutPrefix(p, field+"."); ok {
			out = append(out, rest)
		}
	}
	return out
}

func join(at, field string) string {
	if at == "" {
		return field
	}
	return at + "." + field
}

// flattenArgs folds per-path arguments into a single map for a Call.
func flattenArgs(args map[string]map[string]any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
