package graphcache

import (
	"context"
)

// Transport is the boundary between the cache and the server. The cache never
// encodes requests itself; it hands the Transport the entity type, identifiers
// and flat field paths it needs, and normalizes whatever records come back.
//
// Records are matched back to the requested identifiers through the schema,
// never by position, so they may be returned in any order. A record containing
// the key "*" declares that every field of the entity is present; otherwise a
// requested field missing from a record is simply "not returned".
//
// Transports classify their failures with *TransportError.
type Transport interface {
	// FetchByID returns the records of the requested entities. Entities the server
	// does not know are left out.
	FetchByID(ctx context.Context, req FetchRequest) ([]Record, error)
	// FetchList returns one page of the named list.
	FetchList(ctx context.Context, req ListRequest) (Page, error)
	// Mutate performs the named mutation and returns the resulting record.
	Mutate(ctx context.Context, req MutateRequest) (Record, error)
}

// FetchRequest asks for the given paths of entities of a single type.
type FetchRequest struct {
	Type  string
	IDs   []string
	Paths []string
	// Args maps the paths carrying arguments to their resolved arguments.
	Args map[string]map[string]any
}

// ListRequest asks for one page of a root list.
type ListRequest struct {
	Key   string
	Args  map[string]any
	Paths []string
	// FieldArgs maps the item paths carrying arguments to their resolved
	// arguments.
	FieldArgs map[string]map[string]any
}

// MutateRequest asks the server to perform a mutation and return the paths of
// the resulting record.
type MutateRequest struct {
	Key   string
	Input map[string]any
	Paths []string
}

// Page is one page of a connection as returned by a Transport.
type Page struct {
	Items      []Edge
	Pagination PageInfo
}

// Edge is one item of a Page. An empty Cursor stands for a null cursor.
type Edge struct {
	Cursor string
	Node   Record
}

// AllFields is the record key with which a Transport declares that a returned
// record holds every field of its entity.
const AllFields = "*"

// argsFor returns the resolved arguments of the plan that apply to at least one
// of the given paths.
func argsFor(plan Plan, paths []string) map[string]map[string]any {
	var out map[string]map[string]any
	for at, a := range plan.Args {
		if len(a.Value) == 0 {
			continue
		}
		for _, p := range paths {
			if p == at || len(p) > len(at) && p[:len(at)+1] == at+"." {
				if out == nil {
					out = make(map[string]map[string]any)
				}
				out[at] = a.Value
				break
			}
		}
	}
	return out
}
