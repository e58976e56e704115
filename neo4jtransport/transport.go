// Package neo4jtransport serves a graphcache.Client from entities stored in a
// Neo4j graph.
//
// Every entity is a node labeled with its type, identified by its raw identifier
// in the id property, and holding its scalar fields as properties. A relation
// field is a relationship named after the field, from the owner to each related
// entity, ordered by its position property. Root lists are nodes labeled
// GraphcacheList, identified by their name, with ITEM relationships to their
// entities.
//
// Call BootstrapDatabase to create the constraints a Transport relies on.
package neo4jtransport

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/danielorbach/go-component"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-digitaltwin/go-graphcache"
)

// Mutation declares how a Transport performs a named mutation.
type Mutation struct {
	// Cypher runs in a write transaction with the mutation's input as the $input
	// parameter. It returns the raw identifier of the resulting entity in an id
	// column, or no rows at all for deletions.
	Cypher string
	// Type is the entity type of the resulting entity.
	Type string
}

// Config configures a Transport.
type Config struct {
	// Database names the Neo4j database holding the entities.
	Database string
	// Mutations maps the keys of the mutations the Transport supports to their
	// definitions.
	Mutations map[string]Mutation
	// Keys maps entity types to the fields identifying their entities, which are
	// part of every record served for the type. Types without keys are identified
	// by their "id" field.
	Keys map[string][]string
}

// Transport implements graphcache.Transport on top of a Neo4j graph.
type Transport struct {
	driver neo4j.DriverWithContext
	schema *graphcache.Schema
	cfg    Config

	// Reads span several queries, each of which observes whatever was committed
	// before it started. Writes by this Transport are exclusive to reads so that a
	// single read never observes a write half-way.
	mu sync.RWMutex
}

var _ graphcache.Transport = (*Transport)(nil)

// New returns a Transport serving the entities of the given schema from the
// configured database.
func New(driver neo4j.DriverWithContext, schema *graphcache.Schema, cfg Config) *Transport {
	return &Transport{driver: driver, schema: schema, cfg: cfg}
}

// FetchByID fetches the requested paths of the requested entities.
func (t *Transport) FetchByID(ctx context.Context, req graphcache.FetchRequest) (_ []graphcache.Record, err error) {
	ctx, span := tracer.Start(ctx, "FetchByID", trace.WithAttributes(
		attribute.String(databaseKey, t.cfg.Database),
		attribute.String("graphcache.type", req.Type),
		attribute.StringSlice("graphcache.paths", req.Paths),
	))
	defer span.End()

	var found map[string]graphcache.Record
	err = t.read(ctx, func(r *reader) error {
		var err error
		found, err = r.records(ctx, req.Type, req.IDs, req.Paths, req.Args, "")
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	out := make([]graphcache.Record, 0, len(found))
	for _, id := range req.IDs {
		if rec, ok := found[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// FetchList fetches one page of a root list. Items carry the
// graphcache.TypenameField as root lists may mix entity types.
func (t *Transport) FetchList(ctx context.Context, req graphcache.ListRequest) (_ graphcache.Page, err error) {
	ctx, span := tracer.Start(ctx, "FetchList", trace.WithAttributes(
		attribute.String(databaseKey, t.cfg.Database),
		attribute.String("graphcache.list", req.Key),
	))
	defer span.End()

	var page graphcache.Page
	err = t.read(ctx, func(r *reader) error {
		ids, ok, err := r.list(ctx, req.Key)
		if err != nil {
			return err
		}
		if !ok {
			return &graphcache.TransportError{Code: graphcache.CodeBadRequest, Message: "unknown list " + req.Key}
		}
		cursors := make([]string, len(ids))
		for i, id := range ids {
			cursors[i] = Cursor(id)
		}
		w, err := graphcache.ArrayToConnection(ids, cursors, req.Args)
		if err != nil {
			return &graphcache.TransportError{Code: graphcache.CodeBadRequest, Err: err}
		}

		byType := make(map[string][]string)
		for _, id := range w.Items {
			byType[id.Type()] = append(byType[id.Type()], id.Raw())
		}
		records := make(map[graphcache.EntityID]graphcache.Record, len(w.Items))
		for typename, raw := range byType {
			found, err := r.records(ctx, typename, raw, req.Paths, req.FieldArgs, "")
			if err != nil {
				return err
			}
			for id, rec := range found {
				rec[graphcache.TypenameField] = typename
				records[graphcache.NewEntityID(typename, id)] = rec
			}
		}

		page = graphcache.Page{Items: make([]graphcache.Edge, 0, len(w.Items)), Pagination: w.Page}
		for i, id := range w.Items {
			if rec, ok := records[id]; ok {
				page.Items = append(page.Items, graphcache.Edge{Cursor: w.Cursors[i], Node: rec})
			}
		}
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return graphcache.Page{}, err
	}
	return page, nil
}

// Mutate runs the configured Cypher of the mutation and returns the requested
// paths of the resulting entity, as read within the same transaction.
func (t *Transport) Mutate(ctx context.Context, req graphcache.MutateRequest) (_ graphcache.Record, err error) {
	ctx, span := tracer.Start(ctx, "Mutate", trace.WithAttributes(
		attribute.String(databaseKey, t.cfg.Database),
		attribute.String("graphcache.mutation", req.Key),
	))
	defer span.End()
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	m, ok := t.cfg.Mutations[req.Key]
	if !ok {
		return nil, &graphcache.TransportError{Code: graphcache.CodeNotImplemented, Message: "unknown mutation " + req.Key}
	}

	var rec graphcache.Record
	err = t.write(ctx, func(tx neo4j.ManagedTransaction) error {
		rec = nil
		result, err := tx.Run(ctx, m.Cypher, map[string]any{"input": req.Input})
		if err != nil {
			return fmt.Errorf("run mutation %s: %w", req.Key, err)
		}
		rows, err := result.Collect(ctx)
		if err != nil {
			return fmt.Errorf("run mutation %s: %w", req.Key, err)
		}
		if len(rows) == 0 {
			return nil
		}
		id, err := getRecordProperty[string](rows[0], "id")
		if err != nil {
			return fmt.Errorf("run mutation %s: id: %w", req.Key, err)
		}
		r := &reader{tx: tx, schema: t.schema, keys: t.cfg.Keys}
		found, err := r.records(ctx, m.Type, []string{id}, req.Paths, nil, "")
		if err != nil {
			return err
		}
		rec = found[id]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Put stores the given record of the given type, merging its scalar fields into
// the entity's node and replacing the relationships of its relation fields.
// Nested records of relation fields are put recursively.
func (t *Transport) Put(ctx context.Context, typename string, rec graphcache.Record) (id graphcache.EntityID, err error) {
	err = t.write(ctx, func(tx neo4j.ManagedTransaction) error {
		var err error
		id, err = put(ctx, tx, t.schema, typename, rec)
		return err
	})
	return id, err
}

// SetList replaces the content of the named root list, creating it if needed.
func (t *Transport) SetList(ctx context.Context, name string, ids ...graphcache.EntityID) error {
	return t.write(ctx, func(tx neo4j.ManagedTransaction) error {
		_, err := tx.Run(ctx, `
			MERGE (l:`+listLabel+` {name: $name})
			WITH l
			OPTIONAL MATCH (l)-[r:ITEM]->()
			DELETE r
		`, map[string]any{"name": name})
		if err != nil {
			return fmt.Errorf("clear list %s: %w", name, err)
		}
		for i, id := range ids {
			_, err := tx.Run(ctx, `
				MATCH (l:`+listLabel+` {name: $name})
				MERGE (m:`+quote(id.Type())+` {id: $id})
				CREATE (l)-[:ITEM {position: $position}]->(m)
			`, map[string]any{"name": name, "id": id.Raw(), "position": i})
			if err != nil {
				return fmt.Errorf("append %v to list %s: %w", id, name, err)
			}
		}
		return nil
	})
}

// Delete removes the given entity along with all of its relationships.
func (t *Transport) Delete(ctx context.Context, id graphcache.EntityID) error {
	return t.write(ctx, func(tx neo4j.ManagedTransaction) error {
		_, err := tx.Run(ctx, `
			MATCH (n:`+quote(id.Type())+` {id: $id})
			DETACH DELETE n
		`, map[string]any{"id": id.Raw()})
		return err
	})
}

// read runs fn with a reader in a read transaction of its own.
func (t *Transport) read(ctx context.Context, fn func(r *reader) error) error {
	logger := component.Logger(ctx).With(databaseKey, t.cfg.Database)

	// We open a new session for every request to ensure transactional isolation
	// and to prevent any state carryover between different requests.
	s := t.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: t.cfg.Database,
		AccessMode:   neo4j.AccessModeRead,
	})
	defer func() {
		if err := s.Close(ctx); err != nil {
			logger.Error("Failed to close session", "error", err, "mode", "read")
		}
	}()

	t.mu.RLock()
	defer t.mu.RUnlock()

	var queries int64
	_, err := s.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		// The driver retries transient failures, running this function again.
		r := &reader{tx: tx, schema: t.schema, keys: t.cfg.Keys}
		err := fn(r)
		queries += r.queries
		return nil, err
	})
	readQueries.Record(ctx, queries, metric.WithAttributes(attribute.String(databaseKey, t.cfg.Database)))
	logger.Debug("Served read", slog.Int64("queries", queries), slog.Any("error", err))
	return classify(err)
}

// write runs fn in a write transaction of its own, which is rolled back should
// fn fail.
func (t *Transport) write(ctx context.Context, fn func(tx neo4j.ManagedTransaction) error) error {
	logger := component.Logger(ctx).With(databaseKey, t.cfg.Database)

	s := t.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: t.cfg.Database,
		AccessMode:   neo4j.AccessModeWrite,
	})
	defer func() {
		if err := s.Close(ctx); err != nil {
			logger.Error("Failed to close session", "error", err, "mode", "write")
		}
	}()

	t.mu.Lock()
	defer t.mu.Unlock()

	// We use managed transactions because the neo4j SDK can provide transaction
	// management features such as retries, error handling, and deadlock resolution.
	_, err := s.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, fn(tx)
	})
	return classify(err)
}

// put writes a record and the records nested in its relation fields.
func put(ctx context.Context, tx neo4j.ManagedTransaction, schema *graphcache.Schema, typename string, rec graphcache.Record) (graphcache.EntityID, error) {
	id, err := schema.Identify(typename, rec)
	if err != nil {
		return "", err
	}
	t, _ := schema.Type(typename)

	props := make(map[string]any, len(rec))
	type link struct {
		field   string
		targets []graphcache.EntityID
	}
	var links []link
	for k, v := range rec {
		if k == graphcache.AllFields || k == graphcache.TypenameField {
			continue
		}
		rel := t.Fields[k]
		if rel.IsScalar() {
			props[k] = v
			continue
		}
		target := rel.Type
		if target == "" {
			target = rel.ListOf
		}
		var values []any
		switch x := v.(type) {
		case nil:
		case []graphcache.NodeRef:
			for _, ref := range x {
				values = append(values, ref)
			}
		case []any:
			values = x
		default:
			values = []any{v}
		}
		l := link{field: k, targets: make([]graphcache.EntityID, 0, len(values))}
		for _, value := range values {
			ref, err := refOf(ctx, tx, schema, target, value)
			if err != nil {
				return "", fmt.Errorf("%s.%s: %w", typename, k, err)
			}
			l.targets = append(l.targets, ref)
		}
		links = append(links, l)
	}
	props["id"] = id.Raw()

	label := quote(typename)
	_, err = tx.Run(ctx, `
		MERGE (n:`+label+` {id: $id})
		SET n += $props
	`, map[string]any{"id": id.Raw(), "props": props})
	if err != nil {
		return "", fmt.Errorf("merge %v: %w", id, err)
	}

	slices.SortFunc(links, func(a, b link) int { return strings.Compare(a.field, b.field) })
	for _, l := range links {
		_, err := tx.Run(ctx, `
			MATCH (n:`+label+` {id: $id})-[r:`+quote(l.field)+`]->()
			DELETE r
		`, map[string]any{"id": id.Raw()})
		if err != nil {
			return "", fmt.Errorf("unlink %v.%s: %w", id, l.field, err)
		}
		for i, target := range l.targets {
			_, err := tx.Run(ctx, `
				MATCH (n:`+label+` {id: $id})
				MERGE (m:`+quote(target.Type())+` {id: $target})
				CREATE (n)-[:`+quote(l.field)+` {position: $position}]->(m)
			`, map[string]any{"id": id.Raw(), "target": target.Raw(), "position": i})
			if err != nil {
				return "", fmt.Errorf("link %v.%s to %v: %w", id, l.field, target, err)
			}
		}
	}
	return id, nil
}

// refOf returns the entity a relation value points at, putting nested records.
func refOf(ctx context.Context, tx neo4j.ManagedTransaction, schema *graphcache.Schema, typename string, v any) (graphcache.EntityID, error) {
	switch x := v.(type) {
	case graphcache.NodeRef:
		return x.ID, nil
	case graphcache.EntityID:
		return x, nil
	case graphcache.Record:
		return put(ctx, tx, schema, typename, x)
	case map[string]any:
		return put(ctx, tx, schema, typename, x)
	}
	return "", fmt.Errorf("expected a %s, got %T", typename, v)
}
