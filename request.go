package graphcache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrReleased is returned when resolving a Request that has been released.
var ErrReleased = errors.New("request released")

// A Request aggregates several view and list needs that are resolved together,
// and keeps them tracked for changes until it is released.
//
// Needs are added before Resolve is called. A Request that tracks changes holds
// Store subscriptions until Release; failing to release it leaks them.
type Request struct {
	client *Client
	needs  []need

	mu       sync.Mutex
	cancels  []func()
	released bool
}

type need struct {
	view *View
	vars map[string]any
	refs []ViewRef
	list string
	args map[string]any
}

// Outcome is the resolved value of a single need of a Request.
type Outcome struct {
	// Resolutions holds one entry per reference of a view need.
	Resolutions []Resolution
	// List is the resolved value of a list need.
	List ConnectionData
}

// NewRequest returns an empty Request against the Client.
func (c *Client) NewRequest() *Request {
	return &Request{client: c}
}

// View adds the need to resolve the view for the given references. It returns
// the index of the need's Outcome.
func (r *Request) View(view *View, vars map[string]any, refs ...ViewRef) int {
	r.needs = append(r.needs, need{view: view, vars: vars, refs: refs})
	return len(r.needs) - 1
}

// List adds the need to resolve the view for the items of the named root list.
// It returns the index of the need's Outcome.
func (r *Request) List(name string, view *View, args, vars map[string]any) int {
	r.needs = append(r.needs, need{view: view, vars: vars, list: name, args: args})
	return len(r.needs) - 1
}

// Resolve resolves every need concurrently, returning their outcomes in the order
// the needs were added. The first failing need fails the whole request.
//
// If onChange is not nil, it is called for every later change of an entity or
// root list the outcomes were read from, until the Request is released.
func (r *Request) Resolve(ctx context.Context, onChange func(Change)) ([]Outcome, error) {
	r.mu.Lock()
	released := r.released
	r.mu.Unlock()
	if released {
		return nil, ErrReleased
	}

	outcomes := make([]Outcome, len(r.needs))
	g, gctx := errgroup.WithContext(ctx)
	for i, n := range r.needs {
		g.Go(func() error {
			var err error
			if n.list != "" {
				outcomes[i].List, err = r.client.ResolveList(gctx, n.list, n.view, n.args, n.vars)
			} else {
				outcomes[i].Resolutions, err = r.client.ResolveMany(gctx, n.view, n.refs, n.vars)
			}
			if err != nil {
				return fmt.Errorf("need %d: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if onChange != nil {
		r.track(outcomes, onChange)
	}
	return outcomes, nil
}

// track subscribes onChange to every entity and list the outcomes were read
// from.
func (r *Request) track(outcomes []Outcome, onChange func(Change)) {
	store := r.client.store
	var cancels []func()
	for i, n := range r.needs {
		if n.list != "" {
			key := ListKeyFor("", n.list, HashArgs(n.args, paginationKeys...))
			cancels = append(cancels, store.Watch(func(c Change) {
				if c.Kind == ListChanged && c.List == key {
					onChange(c)
				}
			}))
			continue
		}
		fields := n.view.Selection()
		paths := make([]string, 0, len(fields))
		for k := range fields {
			paths = append(paths, k)
		}
		for _, res := range outcomes[i].Resolutions {
			if res.Err != nil {
				continue
			}
			cancels = append(cancels, store.Subscribe(res.Ref.ID, paths, onChange))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		for _, cancel := range cancels {
			cancel()
		}
		return
	}
	r.cancels = append(r.cancels, cancels...)
}

// Release cancels every subscription the Request holds. Releasing more than once
// is harmless.
func (r *Request) Release() {
	r.mu.Lock()
	cancels := r.cancels
	r.cancels = nil
	r.released = true
	r.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}
