package neo4jtransport

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/go-digitaltwin/go-graphcache"
)

// A reader shapes entities stored in Neo4j into the records a request asks for.
//
// Reads are batched per level: a reader runs one query for the nodes of an
// entity type and one query per requested relation, whatever the number of
// entities involved.
type reader struct {
	tx      neo4j.ManagedTransaction
	schema  *graphcache.Schema
	keys    map[string][]string
	queries int64
}

// records returns the shaped records of the given entities, keyed by their raw
// identifiers. Entities not stored in the graph are left out. at is the path of
// the entities relative to the root of the request, and keys args.
func (r *reader) records(ctx context.Context, typename string, ids, paths []string, args map[string]map[string]any, at string) (map[string]graphcache.Record, error) {
	props, err := r.nodes(ctx, typename, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]graphcache.Record, len(props))
	for id, p := range props {
		rec := make(graphcache.Record, len(paths)+1)
		for _, k := range keyFields(r.keys, typename) {
			if v, ok := p[k]; ok {
				rec[k] = v
			}
		}
		out[id] = rec
	}
	if len(out) == 0 {
		return out, nil
	}
	owners := slices.Sorted(maps.Keys(out))

	for _, field := range topFields(paths) {
		rel := r.schema.Relation(typename, field)
		if rel.IsScalar() {
			// Neo4j does not store null properties, so an absent property is null.
			for id, rec := range out {
				rec[field] = props[id][field]
			}
			continue
		}

		target := rel.Type
		if target == "" {
			target = rel.ListOf
		}
		sub := under(paths, field)
		path := join(at, field)
		connArgs := args[path]
		paginated := rel.ListOf != "" && isConnection(connArgs)

		edges, err := r.edges(ctx, typename, field, target, owners)
		if err != nil {
			return nil, err
		}
		var children map[string]graphcache.Record
		if len(sub) > 0 || paginated {
			var all []string
			for _, targets := range edges {
				all = append(all, targets...)
			}
			slices.Sort(all)
			children, err = r.records(ctx, target, slices.Compact(all), sub, args, path)
			if err != nil {
				return nil, err
			}
		}

		for id, rec := range out {
			targets := edges[id]
			switch {
			case rel.Type != "":
				rec[field] = nil
				if len(targets) == 0 {
					continue
				}
				if children == nil {
					rec[field] = graphcache.Ref(target, targets[0])
				} else if child, ok := children[targets[0]]; ok {
					rec[field] = child
				}

			case paginated:
				w, err := graphcache.ArrayToConnection(targets, cursorsOf(target, targets), connArgs)
				if err != nil {
					return nil, fmt.Errorf("%s.%s: %w", typename, field, err)
				}
				page := graphcache.Page{Items: make([]graphcache.Edge, 0, len(w.Items)), Pagination: w.Page}
				for i, t := range w.Items {
					if child, ok := children[t]; ok {
						page.Items = append(page.Items, graphcache.Edge{Cursor: w.Cursors[i], Node: child})
					}
				}
				rec[field] = page

			case children == nil:
				refs := make([]graphcache.NodeRef, len(targets))
				for i, t := range targets {
					refs[i] = graphcache.Ref(target, t)
				}
				rec[field] = refs

			default:
				items := make([]any, 0, len(targets))
				for _, t := range targets {
					if child, ok := children[t]; ok {
						items = append(items, map[string]any(child))
					}
				}
				rec[field] = items
			}
		}
	}
	return out, nil
}

// nodes returns the properties of the nodes of the given entities, keyed by
// their raw identifiers.
func (r *reader) nodes(ctx context.Context, typename string, ids []string) (map[string]map[string]any, error) {
	r.queries++
	result, err := r.tx.Run(ctx, `
		MATCH (n:`+quote(typename)+`)
		WHERE n.id IN $ids
		RETURN n.id AS id, properties(n) AS props
	`, map[string]any{"ids": ids})
	if err != nil {
		return nil, fmt.Errorf("match %s nodes: %w", typename, err)
	}
	out := make(map[string]map[string]any, len(ids))
	for result.Next(ctx) {
		id, err := getRecordProperty[string](result.Record(), "id")
		if err != nil {
			return nil, fmt.Errorf("match %s nodes: id: %w", typename, err)
		}
		props, err := getRecordProperty[map[string]any](result.Record(), "props")
		if err != nil {
			return nil, fmt.Errorf("match %s nodes: props: %w", typename, err)
		}
		out[id] = props
	}
	// Neo4j's result cursor is exhausted by now. We check its Err method to get the
	// error that caused the iteration to stop, if any.
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("match %s nodes: %w", typename, err)
	}
	return out, nil
}

// edges returns the raw identifiers of the targets of the given relation of
// each owner, in list order.
func (r *reader) edges(ctx context.Context, typename, field, target string, owners []string) (map[string][]string, error) {
	r.queries++
	result, err := r.tx.Run(ctx, `
		MATCH (n:`+quote(typename)+`)-[r:`+quote(field)+`]->(m:`+quote(target)+`)
		WHERE n.id IN $ids
		RETURN n.id AS owner, m.id AS id
		ORDER BY owner, r.position
	`, map[string]any{"ids": owners})
	if err != nil {
		return nil, fmt.Errorf("match %s.%s: %w", typename, field, err)
	}
	out := make(map[string][]string)
	for result.Next(ctx) {
		owner, err := getRecordProperty[string](result.Record(), "owner")
		if err != nil {
			return nil, fmt.Errorf("match %s.%s: owner: %w", typename, field, err)
		}
		id, err := getRecordProperty[string](result.Record(), "id")
		if err != nil {
			return nil, fmt.Errorf("match %s.%s: id: %w", typename, field, err)
		}
		out[owner] = append(out[owner], id)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("match %s.%s: %w", typename, field, err)
	}
	return out, nil
}

// list returns the entities of the named root list, in order. It reports false
// if the list does not exist.
func (r *reader) list(ctx context.Context, name string) ([]graphcache.EntityID, bool, error) {
	r.queries++
	result, err := r.tx.Run(ctx, `
		MATCH (l:`+listLabel+` {name: $name})
		OPTIONAL MATCH (l)-[r:ITEM]->(m)
		RETURN m.id AS id, labels(m) AS labels
		ORDER BY r.position
	`, map[string]any{"name": name})
	if err != nil {
		return nil, false, fmt.Errorf("match list %s: %w", name, err)
	}
	var found bool
	var ids []graphcache.EntityID
	for result.Next(ctx) {
		found = true
		rec := result.Record()
		// A list without items yields a single row of nulls.
		if v, _ := rec.Get("id"); v == nil {
			continue
		}
		id, err := getRecordProperty[string](rec, "id")
		if err != nil {
			return nil, false, fmt.Errorf("match list %s: id: %w", name, err)
		}
		labels, err := getRecordProperty[[]any](rec, "labels")
		if err != nil {
			return nil, false, fmt.Errorf("match list %s: labels: %w", name, err)
		}
		typename := r.typeOf(labels)
		if typename == "" {
			return nil, false, fmt.Errorf("match list %s: item %s has no entity label among %v", name, id, labels)
		}
		ids = append(ids, graphcache.NewEntityID(typename, id))
	}
	if err := result.Err(); err != nil {
		return nil, false, fmt.Errorf("match list %s: %w", name, err)
	}
	return ids, found, nil
}

// typeOf returns the first of the given labels naming an entity type.
func (r *reader) typeOf(labels []any) string {
	for _, l := range labels {
		s, _ := l.(string)
		if _, ok := r.schema.Type(s); ok {
			return s
		}
	}
	return ""
}

// listLabel is the label of the nodes standing for root lists.
const listLabel = "GraphcacheList"

// quote escapes a label, relationship type or property name for use in Cypher.
func quote(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func keyFields(keys map[string][]string, typename string) []string {
	if k, ok := keys[typename]; ok {
		return k
	}
	return []string{"id"}
}

// Cursor returns the cursor a Transport assigns to the given entity in every
// list it is served in.
func Cursor(id graphcache.EntityID) string { return string(id) }

func cursorsOf(typename string, ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = Cursor(graphcache.NewEntityID(typename, id))
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
