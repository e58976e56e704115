package graphcache

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Window is a page cut out of a fully known array by ArrayToConnection.
type Window[T any] struct {
	Items   []T
	Cursors []string
	Page    PageInfo
}

// ArrayToConnection slices a fully known array into the page the given
// connection arguments ask for. cursors holds the cursor of each item. The
// after and before cursors exclude their own items; first keeps the leading
// items of what remains, and last the trailing ones.
//
// For example, first:1 with after:"c2" over items with cursors c1…c5 yields
// the single item at c3, with both HasNext and HasPrevious set.
func ArrayToConnection[T any](items []T, cursors []string, args map[string]any) (Window[T], error) {
	if len(cursors) != len(items) {
		return Window[T]{}, fmt.Errorf("misaligned cursors: %d cursors for %d items", len(cursors), len(items))
	}
	if err := ValidateConnectionArgs(args); err != nil {
		return Window[T]{}, err
	}
	start, end := 0, len(items)
	if after, ok := args["after"].(string); ok {
		if i := slices.Index(cursors, after); i >= 0 {
			start = i + 1
		}
	}
	if before, ok := args["before"].(string); ok {
		if i := slices.Index(cursors, before); i >= 0 {
			end = i
		}
	}
	if end < start {
		end = start
	}
	if first, ok := toFloat(args["first"]); ok {
		if first < 0 {
			return Window[T]{}, fmt.Errorf("%w: negative first", ErrInvalidConnectionArgs)
		}
		end = min(end, start+int(first))
	}
	if last, ok := toFloat(args["last"]); ok {
		if last < 0 {
			return Window[T]{}, fmt.Errorf("%w: negative last", ErrInvalidConnectionArgs)
		}
		start = max(start, end-int(last))
	}

	w := Window[T]{
		Items:   slices.Clone(items[start:end]),
		Cursors: slices.Clone(cursors[start:end]),
		Page: PageInfo{
			HasNext:     end < len(items),
			HasPrevious: start > 0,
		},
	}
	if end > start {
		w.Page.PreviousCursor = cursors[start]
		w.Page.NextCursor = cursors[end-1]
	}
	return w, nil
}

// Direction tells LoadMore which end of a list to extend.
type Direction int

const (
	// Forward appends the next page at the end of the list.
	Forward Direction = iota
	// Backward prepends the previous page at the start of the list.
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// mergePage merges a newly loaded page into the list. New entries are
// deduplicated by identity against the known ones; forward pages are appended
// and update only the forward pagination fields, backward pages are prepended
// and update only the backward ones.
func mergePage(l ListState, ids []EntityID, cursors []string, page PageInfo, dir Direction) ListState {
	out := l.clone()
	if len(out.Cursors) == 0 && len(out.IDs) > 0 {
		out.Cursors = make([]string, len(out.IDs))
	}
	var addIDs []EntityID
	var addCursors []string
	for i, id := range ids {
		if slices.Contains(out.IDs, id) || slices.Contains(addIDs, id) {
			continue
		}
		addIDs = append(addIDs, id)
		addCursors = append(addCursors, cursors[i])
	}
	if out.Page == nil {
		out.Page = &PageInfo{}
	}
	switch dir {
	case Forward:
		out.IDs = append(out.IDs, addIDs...)
		out.Cursors = append(out.Cursors, addCursors...)
		out.Page.HasNext = page.HasNext
		out.Page.NextCursor = page.NextCursor
	case Backward:
		out.IDs = append(addIDs, out.IDs...)
		out.Cursors = append(addCursors, out.Cursors...)
		out.Page.HasPrevious = page.HasPrevious
		out.Page.PreviousCursor = page.PreviousCursor
	}
	return out
}

// pageArgs returns the list's arguments moved to the next page in the given
// direction.
func pageArgs(args map[string]any, page *PageInfo, dir Direction, count int) (map[string]any, error) {
	out := maps.Clone(args)
	if out == nil {
		out = make(map[string]any)
	}
	for _, k := range []string{"after", "before", "first", "last", "cursor"} {
		delete(out, k)
	}
	switch dir {
	case Forward:
		if page == nil || page.NextCursor == "" {
			return nil, fmt.Errorf("load %v: no next cursor", dir)
		}
		out["after"], out["first"] = page.NextCursor, count
	case Backward:
		if page == nil || page.PreviousCursor == "" {
			return nil, fmt.Errorf("load %v: no previous cursor", dir)
		}
		out["before"], out["last"] = page.PreviousCursor, count
	}
	return out, nil
}

// LoadMore loads up to count more items of the list in the given direction,
// using the list's stored cursors, and merges them into the list. Items are
// normalized with the paths of the given view. It returns the number of items
// that were not already in the list; a list with no more items in that
// direction loads nothing.
func (c *Client) LoadMore(ctx context.Context, key ListKey, view *View, dir Direction, count int) (_ int, err error) {
	ctx, span := tracer.Start(ctx, "Client.LoadMore", trace.WithAttributes(
		attribute.String("list", string(key)),
		attribute.Stringer("direction", dir),
	))
	defer span.End()
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	l, ok := c.store.List(key)
	if !ok {
		return 0, fmt.Errorf("load more %s: %w", key, ErrListNotFound)
	}
	if l.Page != nil && (dir == Forward && !l.Page.HasNext || dir == Backward && !l.Page.HasPrevious) {
		return 0, nil
	}
	args, err := pageArgs(l.Args, l.Page, dir, count)
	if err != nil {
		return 0, fmt.Errorf("load more %s: %w", key, err)
	}
	plan, err := compileSelection(view, view.Selection(), nil)
	if err != nil {
		return 0, err
	}

	var edges []Edge
	var page PageInfo
	if l.Owner == "" {
		p, err := c.transport.FetchList(ctx, ListRequest{
			Key:       l.Field,
			Args:      args,
			Paths:     plan.Paths,
			FieldArgs: argsFor(plan, plan.Paths),
		})
		if err != nil {
			return 0, fmt.Errorf("load more %s: %w", key, err)
		}
		edges, page = p.Items, p.Pagination
	} else {
		edges, page, err = c.fetchOwnedPage(ctx, l, args, plan)
		if err != nil {
			return 0, fmt.Errorf("load more %s: %w", key, err)
		}
	}

	itemType := ""
	if l.Owner != "" {
		itemType = c.schema.Relation(l.Owner.Type(), l.Field).ListOf
	}
	ids, cursors, err := c.writeEdges(ctx, edges, plan, itemType)
	if err != nil {
		return 0, fmt.Errorf("load more %s: %w", key, err)
	}
	// The list may have changed while the page was in flight.
	l, ok = c.store.List(key)
	if !ok {
		return 0, fmt.Errorf("load more %s: %w", key, ErrListNotFound)
	}
	merged := mergePage(l, ids, cursors, page, dir)
	if err := c.store.SetList(key, merged); err != nil {
		return 0, err
	}
	if l.Owner != "" {
		c.store.Merge(l.Owner, Record{l.Field: merged.Refs()}, Covered{})
	}
	added := len(merged.IDs) - len(l.IDs)
	component.Logger(ctx).Debug("Loaded more list items",
		slog.Any("list", key),
		slog.Any("direction", dir),
		slog.Int("added", added),
	)
	return added, nil
}

// fetchOwnedPage fetches the next page of a list reached through a field of its
// owner, by fetching the owner's field with the page's arguments.
func (c *Client) fetchOwnedPage(ctx context.Context, l ListState, args map[string]any, plan Plan) ([]Edge, PageInfo, error) {
	fieldArgs := map[string]map[string]any{l.Field: args}
	for path, a := range argsFor(plan, plan.Paths) {
		fieldArgs[l.Field+"."+path] = a
	}
	records, err := c.transport.FetchByID(ctx, FetchRequest{
		Type:  l.Owner.Type(),
		IDs:   []string{l.Owner.Raw()},
		Paths: pathsUnder(l.Field, plan.Paths),
		Args:  fieldArgs,
	})
	if err != nil {
		return nil, PageInfo{}, err
	}
	for _, rec := range records {
		id, err := c.schema.Identify(l.Owner.Type(), rec)
		if err != nil || id != l.Owner {
			continue
		}
		items, page, err := listPayload(rec[l.Field])
		if err != nil {
			return nil, PageInfo{}, err
		}
		edges := make([]Edge, 0, len(items))
		for _, item := range items {
			if item.node == nil {
				continue
			}
			edges = append(edges, Edge{Cursor: item.cursor, Node: item.node})
		}
		var p PageInfo
		if page != nil {
			p = *page
		}
		return edges, p, nil
	}
	return nil, PageInfo{}, fmt.Errorf("owner %v: %w", l.Owner, ErrEntityNotFound)
}
