package graphcache

import (
	"maps"
	"slices"
	"strings"
	"sync"
)

// Covered describes which field paths a write to the Store makes known. Either
// every path of the entity (All), or an explicit set of dot-separated Paths.
type Covered struct {
	All   bool
	Paths []string
}

// CoverAll marks every field of the written entity as known.
var CoverAll = Covered{All: true}

// CoverPaths marks the given dot-separated paths as known.
func CoverPaths(paths ...string) Covered {
	return Covered{Paths: paths}
}

func (c Covered) mask() *Mask {
	if c.All {
		return FullMask()
	}
	return MaskOf(c.Paths...)
}

// An Invalidator is told about every entity whose data is about to change,
// before the Store commits the change. The View Data Cache implements it to drop
// memoized views derived from that entity.
//
// Implementations must not call back into the Store.
type Invalidator interface {
	Invalidate(id EntityID)
}

// Store is the single source of truth of a cache: it holds every normalized
// entity (its record, coverage mask and version) and every list.
//
// All methods are safe for concurrent use. Notifications triggered by a write are
// delivered after the Store's lock is released, so subscribers may call back
// into the Store.
//
// The Store never errors or panics because an entity is unknown; reads of unknown
// entities report their absence instead.
type Store struct {
	mu       sync.Mutex
	entities map[EntityID]*entry
	lists    map[ListKey]*ListState
	subs     map[EntityID]map[int]*subscription
	watchers map[int]func(Change)
	nextSub  int
	clock    uint64

	invalidator Invalidator
}

type entry struct {
	record  Record
	mask    *Mask
	version uint64
}

type subscription struct {
	paths []string
	fn    func(Change)
}

// NewStore returns an empty Store that reports every data change to the given
// Invalidator (which may be nil).
func NewStore(inv Invalidator) *Store {
	return &Store{
		entities:    make(map[EntityID]*entry),
		lists:       make(map[ListKey]*ListState),
		subs:        make(map[EntityID]map[int]*subscription),
		watchers:    make(map[int]func(Change)),
		invalidator: inv,
	}
}

// notification is a pending subscriber callback, collected while holding the
// lock and delivered after it is released.
type notification struct {
	fn     func(Change)
	change Change
}

func deliver(pending []notification) {
	for _, n := range pending {
		n.fn(n.change)
	}
}

// Merge shallow-merges the given partial record into the entity's stored record,
// replacing only values that differ (NodeRefs compare by identifier), and grows
// the entity's coverage mask by cov. An unknown entity is created.
//
// It returns the top-level fields whose values actually changed. Subscribers are
// notified only when that set intersects their path filter; merging identical
// data therefore notifies nobody and leaves the version untouched.
func (s *Store) Merge(id EntityID, partial Record, cov Covered) (changed []string) {
	s.mu.Lock()
	pending, changed := s.merge(id, partial, cov)
	s.mu.Unlock()
	deliver(pending)
	return changed
}

// merge must be called while holding s.mu.
func (s *Store) merge(id EntityID, partial Record, cov Covered) ([]notification, []string) {
	e, exists := s.entities[id]
	if !exists {
		e = &entry{record: Record{}, mask: EmptyMask()}
	}

	var changed []string
	for k, v := range partial {
		old, ok := e.record[k]
		if ok && valuesEqual(old, v) {
			continue
		}
		changed = append(changed, k)
	}
	slices.Sort(changed)

	if exists && len(changed) == 0 {
		// Nothing observable changed, but new paths may have become known.
		e.mask.Union(cov.mask())
		return nil, nil
	}

	if s.invalidator != nil {
		s.invalidator.Invalidate(id)
	}

	// Stored records are shared with readers, so every change stores a new map.
	next := make(Record, len(e.record)+len(changed))
	maps.Copy(next, e.record)
	for _, k := range changed {
		next[k] = partial[k]
	}
	mask := e.mask.Clone()
	mask.Union(cov.mask())

	s.clock++
	s.entities[id] = &entry{record: next, mask: mask, version: s.clock}

	kind := Updated
	if !exists {
		kind = Created
	}
	return s.notifications(Change{Kind: kind, ID: id, Fields: changed, Version: s.clock}), changed
}

// notifications returns the callbacks interested in the given change. It must
// be called while holding s.mu.
func (s *Store) notifications(c Change) []notification {
	var pending []notification
	for _, sub := range s.subs[c.ID] {
		if c.Kind != Deleted && !intersects(sub.paths, c.Fields) {
			continue
		}
		pending = append(pending, notification{fn: sub.fn, change: c})
	}
	for _, fn := range s.watchers {
		pending = append(pending, notification{fn: fn, change: c})
	}
	return pending
}

// intersects reports whether any of the subscribed paths overlaps any of the
// changed paths. An empty filter matches everything. Two paths overlap when they
// are equal or one is a dot-prefix of the other.
func intersects(filter, changed []string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		for _, c := range changed {
			if f == c || strings.HasPrefix(f, c+".") || strings.HasPrefix(c, f+".") {
				return true
			}
		}
	}
	return false
}

// Read returns the stored record of the entity, and false if it is unknown.
func (s *Store) Read(id EntityID) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, false
	}
	return e.record, true
}

// Version returns the stamp of the entity's latest change; stamps grow
// monotonically across the whole Store. Unknown entities have version zero.
func (s *Store) Version(id EntityID) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entities[id]; ok {
		return e.version
	}
	return 0
}

// Clock returns the stamp of the latest change committed to the Store.
func (s *Store) Clock() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}

// Coverage returns a copy of the entity's coverage mask, or nil if the entity is
// unknown.
func (s *Store) Coverage(id EntityID) *Mask {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entities[id]; ok {
		return e.mask.Clone()
	}
	return nil
}

// Missing returns the subset of paths the entity's coverage mask does not cover.
// If the entity is unknown, known is false and every path is missing.
func (s *Store) Missing(id EntityID, paths []string) (missing []string, known bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return slices.Clone(paths), false
	}
	return e.mask.Diff(paths), true
}

// Subscribe registers fn to be called after every change of the entity that
// touches one of the given paths (or any change, if no paths are given).
// Deletion of the entity is always delivered. It returns a function that
// cancels the subscription; calling it more than once is harmless.
func (s *Store) Subscribe(id EntityID, paths []string, fn func(Change)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	n := s.nextSub
	if s.subs[id] == nil {
		s.subs[id] = make(map[int]*subscription)
	}
	s.subs[id][n] = &subscription{paths: slices.Clone(paths), fn: fn}
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[id], n)
		if len(s.subs[id]) == 0 {
			delete(s.subs, id)
		}
	}
}

// Watch registers fn to be called after every change in the Store, regardless of
// the entity. It returns a function that cancels the registration.
func (s *Store) Watch(fn func(Change)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	n := s.nextSub
	s.watchers[n] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers, n)
	}
}

// Entities returns the identifiers of all known entities, sorted.
func (s *Store) Entities() []EntityID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := slices.Collect(maps.Keys(s.entities))
	slices.Sort(ids)
	return ids
}

// Delete removes the entity from the Store, first scrubbing every list entry and
// record field that references it (see RemoveReferencesTo). Lists owned by the
// entity are dropped as well. Deleting an unknown entity only scrubs references.
func (s *Store) Delete(id EntityID) {
	s.mu.Lock()
	pending := s.removeReferencesTo(id)
	pending = append(pending, s.drop(id)...)
	s.mu.Unlock()
	deliver(pending)
}

// drop removes the entity and the lists it owns. It must be called while
// holding s.mu.
func (s *Store) drop(id EntityID) []notification {
	if _, ok := s.entities[id]; !ok {
		return nil
	}
	if s.invalidator != nil {
		s.invalidator.Invalidate(id)
	}
	delete(s.entities, id)
	for key, l := range s.lists {
		if l.Owner == id {
			delete(s.lists, key)
		}
	}
	s.clock++
	return s.notifications(Change{Kind: Deleted, ID: id, Version: s.clock})
}

// Replace rewrites every reference to old into a reference to new, in lists
// (keeping their cursors) and in record fields, and then deletes old. A list
// already holding new drops old instead.
//
// It is how an entity written under a temporary identifier hands its place
// over to the entity the backend created.
func (s *Store) Replace(old, new EntityID) {
	s.mu.Lock()
	var pending []notification
	for _, key := range slices.Sorted(maps.Keys(s.lists)) {
		l := s.lists[key]
		i := slices.Index(l.IDs, old)
		if i < 0 {
			continue
		}
		if slices.Contains(l.IDs, new) {
			l.remove(old)
		} else {
			l.IDs[i] = new
		}
		pending = append(pending, s.syncOwnerField(key)...)
		s.clock++
		pending = append(pending, s.listNotifications(key, l.Owner)...)
	}
	for owner, e := range s.entities {
		var rewritten Record
		for k, v := range e.record {
			switch ref := v.(type) {
			case NodeRef:
				if ref.ID != old {
					continue
				}
				if rewritten == nil {
					rewritten = Record{}
				}
				rewritten[k] = NodeRef{ID: new}
			case []NodeRef:
				if !slices.ContainsFunc(ref, func(r NodeRef) bool { return r.ID == old }) {
					continue
				}
				if rewritten == nil {
					rewritten = Record{}
				}
				refs := make([]NodeRef, 0, len(ref))
				for _, r := range ref {
					if r.ID == old {
						r.ID = new
					}
					if !slices.Contains(refs, r) {
						refs = append(refs, r)
					}
				}
				rewritten[k] = refs
			}
		}
		if rewritten == nil {
			continue
		}
		n, _ := s.merge(owner, rewritten, Covered{})
		pending = append(pending, n...)
	}
	pending = append(pending, s.drop(old)...)
	s.mu.Unlock()
	deliver(pending)
}

// RemoveReferencesTo scrubs every reference to the given entity: its entries are
// removed from all lists (with cursors removed at the same positions), and
// record fields holding a NodeRef to it are cleared or filtered. Every affected
// owner is invalidated and its subscribers notified.
func (s *Store) RemoveReferencesTo(id EntityID) {
	s.mu.Lock()
	pending := s.removeReferencesTo(id)
	s.mu.Unlock()
	deliver(pending)
}

func (s *Store) removeReferencesTo(id EntityID) []notification {
	var pending []notification
	for key, l := range s.lists {
		if !slices.Contains(l.IDs, id) {
			continue
		}
		l.remove(id)
		if l.Owner != "" && s.invalidator != nil {
			s.invalidator.Invalidate(l.Owner)
		}
		s.clock++
		pending = append(pending, s.listNotifications(key, l.Owner)...)
	}

	for owner, e := range s.entities {
		var scrubbed Record
		for k, v := range e.record {
			switch ref := v.(type) {
			case NodeRef:
				if ref.ID != id {
					continue
				}
				if scrubbed == nil {
					scrubbed = Record{}
				}
				scrubbed[k] = nil
			case []NodeRef:
				if !slices.ContainsFunc(ref, func(r NodeRef) bool { return r.ID == id }) {
					continue
				}
				if scrubbed == nil {
					scrubbed = Record{}
				}
				scrubbed[k] = slices.DeleteFunc(slices.Clone(ref), func(r NodeRef) bool { return r.ID == id })
			}
		}
		if scrubbed == nil {
			continue
		}
		n, _ := s.merge(owner, scrubbed, Covered{})
		pending = append(pending, n...)
	}
	return pending
}

// ReferencesTo returns the entities holding a NodeRef to the given entity and
// the keys of the lists containing it. Both are sorted.
func (s *Store) ReferencesTo(id EntityID) (owners []EntityID, lists []ListKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for owner, e := range s.entities {
		for _, v := range e.record {
			if refersTo(v, id) {
				owners = append(owners, owner)
				break
			}
		}
	}
	for key, l := range s.lists {
		if slices.Contains(l.IDs, id) {
			lists = append(lists, key)
		}
	}
	slices.Sort(owners)
	slices.Sort(lists)
	return owners, lists
}

func refersTo(v any, id EntityID) bool {
	switch ref := v.(type) {
	case NodeRef:
		return ref.ID == id
	case []NodeRef:
		return slices.ContainsFunc(ref, func(r NodeRef) bool { return r.ID == id })
	}
	return false
}

// EntitySnapshot is an immutable capture of a single entity, taken before an
// optimistic write so that the write can be undone.
type EntitySnapshot struct {
	ID     EntityID
	Exists bool
	Record Record
	Mask   *Mask
}

// SnapshotEntity captures the current state of the entity, including the fact
// that it does not exist.
func (s *Store) SnapshotEntity(id EntityID) EntitySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return EntitySnapshot{ID: id}
	}
	return EntitySnapshot{ID: id, Exists: true, Record: e.record, Mask: e.mask.Clone()}
}

// RestoreEntity puts the entity back into the captured state. An entity that did
// not exist at capture time is removed (without scrubbing references, which
// the restoration of the referring entities and lists takes care of).
//
// Subscribers are notified of the fields that differ from the current state.
func (s *Store) RestoreEntity(snap EntitySnapshot) {
	s.mu.Lock()
	cur, exists := s.entities[snap.ID]
	var pending []notification
	switch {
	case !snap.Exists && !exists:
	case !snap.Exists:
		if s.invalidator != nil {
			s.invalidator.Invalidate(snap.ID)
		}
		delete(s.entities, snap.ID)
		s.clock++
		pending = s.notifications(Change{Kind: Deleted, ID: snap.ID, Version: s.clock})
	default:
		var changed []string
		var before Record
		if exists {
			before = cur.record
		}
		for k, v := range snap.Record {
			if old, ok := before[k]; !ok || !valuesEqual(old, v) {
				changed = append(changed, k)
			}
		}
		for k := range before {
			if _, ok := snap.Record[k]; !ok {
				changed = append(changed, k)
			}
		}
		slices.Sort(changed)
		if s.invalidator != nil {
			s.invalidator.Invalidate(snap.ID)
		}
		s.clock++
		s.entities[snap.ID] = &entry{record: snap.Record, mask: snap.Mask.Clone(), version: s.clock}
		kind := Updated
		if !exists {
			kind = Created
		}
		pending = s.notifications(Change{Kind: kind, ID: snap.ID, Fields: changed, Version: s.clock})
	}
	s.mu.Unlock()
	deliver(pending)
}
