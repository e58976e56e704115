package graphcache

import (
	"sync"
)

// ViewCache memoizes resolved views per (entity, view, reference) and tracks
// which entities each memo was derived from, so that a change anywhere in the
// data a view read evicts it.
//
// Dependencies are recorded as edges dependency -> dependent. Invalidating an
// entity removes its memos and, transitively, the memos of every entity that
// depends on it; cycles are safe.
//
// A ViewCache is safe for concurrent use. It implements Invalidator.
type ViewCache struct {
	mu         sync.Mutex
	memos      map[EntityID]map[memoKey]any
	dependents map[EntityID]map[EntityID]struct{}
}

type memoKey struct {
	view Tag
	ref  string
	vars string // stable serialization of the variables, if any
}

// NewViewCache returns an empty ViewCache.
func NewViewCache() *ViewCache {
	return &ViewCache{
		memos:      make(map[EntityID]map[memoKey]any),
		dependents: make(map[EntityID]map[EntityID]struct{}),
	}
}

// Get returns the memoized resolution of the view for the given entity and
// reference.
func (c *ViewCache) Get(id EntityID, view *View, ref ViewRef) (any, bool) {
	return c.lookup(id, memoKey{view: view.tag, ref: ref.key()})
}

func (c *ViewCache) lookup(id EntityID, key memoKey) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.memos[id][key]
	return v, ok
}

// Set memoizes the resolution of the view for the given entity and reference,
// and registers the entity as a dependent of every entity in deps.
func (c *ViewCache) Set(id EntityID, view *View, ref ViewRef, value any, deps []EntityID) {
	c.remember(id, memoKey{view: view.tag, ref: ref.key()}, value, deps)
}

func (c *ViewCache) remember(id EntityID, key memoKey, value any, deps []EntityID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.memos[id] == nil {
		c.memos[id] = make(map[memoKey]any)
	}
	c.memos[id][key] = value
	for _, dep := range deps {
		if dep == id {
			continue
		}
		if c.dependents[dep] == nil {
			c.dependents[dep] = make(map[EntityID]struct{})
		}
		c.dependents[dep][id] = struct{}{}
	}
}

// Invalidate removes every memo of the given entity and, transitively, of every
// entity that depends on it.
func (c *ViewCache) Invalidate(id EntityID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	visited := make(map[EntityID]struct{})
	queue := []EntityID{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if _, ok := visited[cur]; ok {
			continue
		}
		visited[cur] = struct{}{}
		delete(c.memos, cur)
		for dep := range c.dependents[cur] {
			queue = append(queue, dep)
		}
		// The edges are re-registered when the dependents are resolved again.
		delete(c.dependents, cur)
	}
}

// Len returns the number of memoized resolutions.
func (c *ViewCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.memos {
		n += len(m)
	}
	return n
}
