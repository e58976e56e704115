package graphcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Client wires a Store, a View Data Cache and a view Registry to a Transport,
// and resolves views against them, fetching only what the Store is missing.
//
// A Client is safe for concurrent use.
type Client struct {
	schema    *Schema
	transport Transport
	registry  *Registry
	store     *Store
	views     *ViewCache // nil when memoization is disabled
	flight    singleflight.Group
}

// An Option configures a Client.
type Option func(*Client)

// WithRegistry makes the Client allocate view tags from the given Registry
// instead of a private one.
func WithRegistry(r *Registry) Option {
	return func(c *Client) { c.registry = r }
}

// WithoutViewCache disables memoization of resolved views; every resolution
// re-hydrates from the Store.
func WithoutViewCache() Option {
	return func(c *Client) { c.views = nil }
}

// New returns a Client normalizing data according to the given schema and
// fetching it through the given Transport.
func New(schema *Schema, transport Transport, opts ...Option) *Client {
	c := &Client{
		schema:    schema,
		transport: transport,
		registry:  NewRegistry(),
		views:     NewViewCache(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.views != nil {
		c.store = NewStore(c.views)
	} else {
		c.store = NewStore(nil)
	}
	return c
}

// Store returns the Client's Store.
func (c *Client) Store() *Store { return c.store }

// Schema returns the Client's Schema.
func (c *Client) Schema() *Schema { return c.schema }

// Registry returns the Registry the Client's views are defined in.
func (c *Client) Registry() *Registry { return c.registry }

// Define registers a view in the Client's Registry.
func (c *Client) Define(name string, sel Object, spreads ...*View) *View {
	return c.registry.Define(name, sel, spreads...)
}

// Write normalizes a record of the given type, as selected by the plan, into
// the Store and returns its identifier.
func (c *Client) Write(ctx context.Context, typename string, rec Record, plan Plan) (EntityID, error) {
	w, err := newWriter(ctx, c.store, c.schema, nil).write(typename, rec, plan, nil)
	if err != nil {
		return "", fmt.Errorf("write %s: %w", typename, err)
	}
	return w.id, nil
}

// Missing returns the paths of the view that are not available for the entity
// the reference points at, following references into related entities.
func (c *Client) Missing(view *View, ref ViewRef, vars map[string]any) ([]string, error) {
	plan, err := Compile(view, ref, vars)
	if err != nil {
		return nil, err
	}
	return c.missing(ref.ID, plan), nil
}

// missing returns the plan's paths that cannot be read for the entity right
// now. Paths through relations are checked against the related entities (and
// lists) themselves.
func (c *Client) missing(id EntityID, plan Plan) []string {
	rec, ok := c.store.Read(id)
	if !ok {
		return slices.Clone(plan.Paths)
	}
	own, _ := c.store.Missing(id, plan.Paths)
	set := make(map[string]struct{}, len(own))
	for _, p := range own {
		set[p] = struct{}{}
	}
	add := func(field string, paths []string) {
		for _, p := range pathsUnder(field, paths) {
			set[p] = struct{}{}
		}
	}
	for _, f := range plan.Fields() {
		rel := c.schema.Relation(id.Type(), f)
		sub := plan.Under(f)
		switch {
		case rel.Type != "":
			ref, ok := rec[f].(NodeRef)
			if !ok || len(sub.Paths) == 0 {
				continue
			}
			for _, p := range c.missing(ref.ID, sub) {
				set[f+"."+p] = struct{}{}
			}
		case rel.ListOf != "":
			l, ok := c.store.List(ListKeyFor(id, f, plan.Args[f].Hash))
			if !ok {
				add(f, sub.Paths)
				continue
			}
			if len(sub.Paths) == 0 {
				continue
			}
			for _, item := range l.IDs {
				for _, p := range c.missing(item, sub) {
					set[f+"."+p] = struct{}{}
				}
			}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Resolution is the outcome of resolving a view for a single reference.
type Resolution struct {
	Ref  ViewRef
	Data Data
	Err  error
}

// Resolve returns the data of the view for the entity the reference points at,
// fetching whatever the Store is missing.
func (c *Client) Resolve(ctx context.Context, view *View, ref ViewRef, vars map[string]any) (Data, error) {
	res, err := c.ResolveMany(ctx, view, []ViewRef{ref}, vars)
	if err != nil {
		return nil, err
	}
	return res[0].Data, res[0].Err
}

// ResolveMany resolves the view for every given reference. Entities missing the
// same paths are fetched together in a single Transport call.
//
// A failed Transport call fails the whole resolution and leaves the Store
// untouched for that batch. Entities absent from a successful response resolve
// with ErrEntityNotFound in their Resolution.
func (c *Client) ResolveMany(ctx context.Context, view *View, refs []ViewRef, vars map[string]any) (_ []Resolution, err error) {
	ctx, span := tracer.Start(ctx, "Client.ResolveMany", trace.WithAttributes(
		attribute.String("view", view.Name()),
		attribute.Int("refs", len(refs)),
	))
	defer span.End()
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	logger := component.Logger(ctx).With(slog.String("view", view.Name()))
	results := make([]Resolution, len(refs))
	plans := make([]Plan, len(refs))
	pending := make([]bool, len(refs))
	varsKey := ""
	if len(vars) > 0 {
		varsKey = StableString(vars)
	}

	type batch struct {
		typename string
		paths    []string
		plan     Plan
		ids      []string
		indices  []int
	}
	batches := make(map[string]*batch)
	var order []string

	for i, ref := range refs {
		results[i].Ref = ref
		plan, err := Compile(view, ref, vars)
		if err != nil {
			results[i].Err = err
			continue
		}
		plans[i] = plan
		if c.views != nil {
			if v, ok := c.views.lookup(ref.ID, memoKey{view: view.tag, ref: ref.key(), vars: varsKey}); ok {
				memoHits.Add(ctx, 1)
				results[i].Data = v.(Data)
				continue
			}
			memoMisses.Add(ctx, 1)
		}
		pending[i] = true
		missing := c.missing(ref.ID, plan)
		if len(missing) == 0 {
			continue
		}
		key := ref.ID.Type() + "|" + strings.Join(missing, ",")
		b, ok := batches[key]
		if !ok {
			b = &batch{typename: ref.ID.Type(), paths: missing, plan: plan}
			batches[key] = b
			order = append(order, key)
		}
		if !slices.Contains(b.ids, ref.ID.Raw()) {
			b.ids = append(b.ids, ref.ID.Raw())
		}
		b.indices = append(b.indices, i)
	}

	g, gctx := errgroup.WithContext(ctx)
	found := make([]map[EntityID]bool, len(order))
	for n, key := range order {
		b := batches[key]
		g.Go(func() error {
			logger.Debug("Fetching missing paths",
				slog.String("type", b.typename),
				slog.Any("ids", b.ids),
				slog.Any("paths", b.paths),
			)
			ids, err := c.fetch(gctx, b.typename, b.ids, b.paths, b.plan)
			if err != nil {
				return err
			}
			found[n] = ids
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("resolve %s: %w", view.Name(), err)
	}
	for n, key := range order {
		for _, i := range batches[key].indices {
			if !found[n][refs[i].ID] {
				results[i].Err = fmt.Errorf("resolve %s for %v: %w", view.Name(), refs[i].ID, ErrEntityNotFound)
				pending[i] = false
			}
		}
	}

	for i, ref := range refs {
		if !pending[i] {
			continue
		}
		results[i].Data, results[i].Err = c.rehydrate(ref, plans[i], varsKey)
	}
	return results, nil
}

// rehydrate reads the plan out of the Store and memoizes the result, unless the
// Store changed any of the entities read while they were being read.
func (c *Client) rehydrate(ref ViewRef, plan Plan, varsKey string) (Data, error) {
	before := c.store.Clock()
	r := newRehydrator(c.store)
	data, err := r.entity(ref.ID, plan)
	if err != nil {
		return nil, err
	}
	deps := r.dependencies()
	if c.views == nil {
		return data, nil
	}
	if c.stale(before, deps) {
		return data, nil
	}
	c.views.remember(ref.ID, memoKey{view: plan.View.tag, ref: ref.key(), vars: varsKey}, data, deps)
	return data, nil
}

// stale reports whether the Store changed any of the given entities after its
// clock read before. A deleted entity has no version left to compare, so it is
// stale as soon as the Store changed at all.
func (c *Client) stale(before uint64, deps []EntityID) bool {
	for _, dep := range deps {
		v := c.store.Version(dep)
		if v > before || v == 0 && c.store.Clock() != before {
			return true
		}
	}
	return false
}

// fetch fetches the given paths of the given entities and normalizes the
// response. Identical in-flight fetches are coalesced. It returns the
// identifiers of the entities the Transport returned.
func (c *Client) fetch(ctx context.Context, typename string, ids, paths []string, plan Plan) (map[EntityID]bool, error) {
	args := argsFor(plan, paths)
	sorted := slices.Sorted(slices.Values(ids))
	key := typename + "|" + strings.Join(sorted, ",") + "|" + strings.Join(paths, ",")
	if len(args) > 0 {
		key += "|" + StableString(anyMap(args))
	}
	v, err, shared := c.flight.Do(key, func() (any, error) {
		return c.fetchAndWrite(ctx, FetchRequest{Type: typename, IDs: sorted, Paths: paths, Args: args}, plan)
	})
	if shared {
		component.Logger(ctx).Debug("Joined an in-flight fetch", slog.String("key", key))
	}
	if err != nil {
		return nil, err
	}
	return v.(map[EntityID]bool), nil
}

func (c *Client) fetchAndWrite(ctx context.Context, req FetchRequest, plan Plan) (_ map[EntityID]bool, err error) {
	ctx, span := tracer.Start(ctx, "Client.fetch", trace.WithAttributes(
		attribute.String("type", req.Type),
		attribute.StringSlice("ids", req.IDs),
		attribute.StringSlice("paths", req.Paths),
	))
	defer span.End()
	defer func(start time.Time) {
		measureFetch(ctx, req.Type, err == nil, time.Since(start))
	}(time.Now())

	records, err := c.transport.FetchByID(ctx, req)
	if err != nil {
		err = fmt.Errorf("fetch %s: %w", req.Type, err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// Key every record before writing any, so a malformed response leaves the
	// Store untouched.
	for _, rec := range records {
		if _, err := c.schema.Identify(req.Type, rec); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}
	w := newWriter(ctx, c.store, c.schema, nil)
	found := make(map[EntityID]bool, len(records))
	for _, rec := range records {
		out, err := w.write(req.Type, rec, plan, nil)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		found[out.id] = true
	}
	return found, nil
}

// ResolveList resolves the view for every item of the named root list, fetching
// the list from the Transport unless it is cached with all the paths the view
// needs.
func (c *Client) ResolveList(ctx context.Context, name string, view *View, args, vars map[string]any) (_ ConnectionData, err error) {
	ctx, span := tracer.Start(ctx, "Client.ResolveList", trace.WithAttributes(
		attribute.String("list", name),
		attribute.String("view", view.Name()),
	))
	defer span.End()
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if err := ValidateConnectionArgs(args); err != nil {
		return ConnectionData{}, fmt.Errorf("resolve list %s: %w", name, err)
	}
	plan, err := compileSelection(view, view.Selection(), vars)
	if err != nil {
		return ConnectionData{}, err
	}
	key := ListKeyFor("", name, HashArgs(args, paginationKeys...))

	l, ok := c.store.List(key)
	stale := !ok
	for _, id := range l.IDs {
		if stale {
			break
		}
		stale = len(c.missing(id, plan)) > 0
	}
	if stale {
		if err := c.fetchList(ctx, name, key, args, plan); err != nil {
			return ConnectionData{}, err
		}
		l, _ = c.store.List(key)
	}

	r := newRehydrator(c.store)
	return r.connection(l, plan.Selection, plan)
}

// fetchList fetches the first page of a root list and stores it under key.
func (c *Client) fetchList(ctx context.Context, name string, key ListKey, args map[string]any, plan Plan) (err error) {
	defer func(start time.Time) {
		measureFetch(ctx, name, err == nil, time.Since(start))
	}(time.Now())

	page, err := c.transport.FetchList(ctx, ListRequest{
		Key:       name,
		Args:      args,
		Paths:     plan.Paths,
		FieldArgs: argsFor(plan, plan.Paths),
	})
	if err != nil {
		return fmt.Errorf("fetch list %s: %w", name, err)
	}
	ids, cursors, err := c.writeEdges(ctx, page.Items, plan, "")
	if err != nil {
		return fmt.Errorf("fetch list %s: %w", name, err)
	}
	p := page.Pagination
	return c.store.SetList(key, ListState{Field: name, Args: args, IDs: ids, Cursors: cursors, Page: &p})
}

// writeEdges normalizes the nodes of a page's edges, returning their identifiers
// and cursors in order, without duplicates. Nodes without a TypenameField are of
// the given item type.
func (c *Client) writeEdges(ctx context.Context, edges []Edge, plan Plan, itemType string) ([]EntityID, []string, error) {
	w := newWriter(ctx, c.store, c.schema, nil)
	ids := make([]EntityID, 0, len(edges))
	cursors := make([]string, 0, len(edges))
	for _, e := range edges {
		typename, err := c.typeOf(e.Node, itemType)
		if err != nil {
			return nil, nil, err
		}
		out, err := w.write(typename, e.Node, plan, nil)
		if err != nil {
			return nil, nil, err
		}
		if slices.Contains(ids, out.id) {
			continue
		}
		ids = append(ids, out.id)
		cursors = append(cursors, e.Cursor)
	}
	return ids, cursors, nil
}

// TypenameField is the record field naming the entity type of root list items
// returned by FetchList.
const TypenameField = "__typename"

var errMissingTypename = errors.New("list item without " + TypenameField)

func (c *Client) typeOf(rec Record, fallback string) (string, error) {
	t, _ := rec[TypenameField].(string)
	if t == "" {
		t = fallback
	}
	if t == "" {
		return "", errMissingTypename
	}
	if _, ok := c.schema.Type(t); !ok {
		return "", &SchemaError{Type: t, Reason: "unknown type"}
	}
	return t, nil
}

func anyMap(m map[string]map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
