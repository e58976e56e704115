package graphcache

import (
	"fmt"
	"maps"
	"slices"
)

// ListKey identifies a cached list. Lists reached through a field of an entity
// are keyed by their owner, field and argument hash (see ListKeyFor); root lists
// fetched directly from the Transport are keyed by a bare name.
type ListKey string

// ListKeyFor returns the key of the list stored under the given owner's field
// for the given arguments. An empty owner yields a root list key, and a zero
// hash is omitted.
func ListKeyFor(owner EntityID, field string, hash ArgsHash) ListKey {
	key := field
	if owner != "" {
		key = string(owner) + "." + field
	}
	if !hash.IsZero() {
		key += "(" + hash.String() + ")"
	}
	return ListKey(key)
}

// PageInfo describes where a connection page sits within the complete list.
// NextCursor and PreviousCursor are optional; without them no further page can be
// loaded in that direction.
type PageInfo struct {
	HasNext        bool
	HasPrevious    bool
	NextCursor     string
	PreviousCursor string
}

// ListState is the cached content of a single list: the ordered identifiers of
// its entities, the cursor of each entry, and the page information of the
// connection it was loaded from (nil for plain arrays).
//
// When Cursors is not empty it has exactly one entry per identifier; an empty
// string stands for a null cursor.
type ListState struct {
	Owner EntityID
	Field string
	// Args are the resolved arguments the list was loaded with, which later pages
	// are loaded with too.
	Args    map[string]any
	IDs     []EntityID
	Cursors []string
	Page    *PageInfo
}

func (l ListState) clone() ListState {
	c := l
	c.Args = maps.Clone(l.Args)
	c.IDs = slices.Clone(l.IDs)
	c.Cursors = slices.Clone(l.Cursors)
	if l.Page != nil {
		p := *l.Page
		c.Page = &p
	}
	return c
}

func (l ListState) validate() error {
	if len(l.Cursors) != 0 && len(l.Cursors) != len(l.IDs) {
		return fmt.Errorf("misaligned cursors: %d cursors for %d entries", len(l.Cursors), len(l.IDs))
	}
	return nil
}

// remove drops every entry of the given entity, keeping cursors aligned.
func (l *ListState) remove(id EntityID) {
	for i := len(l.IDs) - 1; i >= 0; i-- {
		if l.IDs[i] != id {
			continue
		}
		l.IDs = slices.Delete(l.IDs, i, i+1)
		if len(l.Cursors) > i {
			l.Cursors = slices.Delete(l.Cursors, i, i+1)
		}
	}
}

// Refs returns the list entries as NodeRefs, in order.
func (l ListState) Refs() []NodeRef {
	refs := make([]NodeRef, len(l.IDs))
	for i, id := range l.IDs {
		refs[i] = NodeRef{ID: id}
	}
	return refs
}

// SetList replaces the state of the given list. It fails if the state carries
// cursors that are not aligned with its identifiers. The list's owner (if any)
// is invalidated so that views reading the list are recomputed.
func (s *Store) SetList(key ListKey, state ListState) error {
	if err := state.validate(); err != nil {
		return fmt.Errorf("set list %s: %w", key, err)
	}
	s.mu.Lock()
	if state.Owner != "" && s.invalidator != nil {
		s.invalidator.Invalidate(state.Owner)
	}
	next := state.clone()
	s.lists[key] = &next
	s.clock++
	pending := s.listNotifications(key, state.Owner)
	s.mu.Unlock()
	deliver(pending)
	return nil
}

func (s *Store) listNotifications(key ListKey, owner EntityID) []notification {
	var pending []notification
	c := Change{Kind: ListChanged, ID: owner, List: key, Version: s.clock}
	for _, fn := range s.watchers {
		pending = append(pending, notification{fn: fn, change: c})
	}
	return pending
}

// List returns a copy of the state of the given list, and false if the list is
// unknown.
func (s *Store) List(key ListKey) (ListState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lists[key]
	if !ok {
		return ListState{}, false
	}
	return l.clone(), true
}

// ListsOf returns the keys of every list owned by the given entity under the
// given field, for any arguments.
func (s *Store) ListsOf(owner EntityID, field string) []ListKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []ListKey
	for key, l := range s.lists {
		if l.Owner == owner && l.Field == field {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys
}

// ListsOwnedBy returns the keys of every list owned by the given entity.
func (s *Store) ListsOwnedBy(owner EntityID) []ListKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []ListKey
	for key, l := range s.lists {
		if l.Owner == owner {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys
}

// ListSnapshot is an immutable capture of a single list.
type ListSnapshot struct {
	Key    ListKey
	Exists bool
	State  ListState
}

// SnapshotList captures the current state of the list, including the fact that
// it does not exist.
func (s *Store) SnapshotList(key ListKey) ListSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lists[key]
	if !ok {
		return ListSnapshot{Key: key}
	}
	return ListSnapshot{Key: key, Exists: true, State: l.clone()}
}

// RestoreList puts the list back into the captured state.
func (s *Store) RestoreList(snap ListSnapshot) {
	s.mu.Lock()
	owner := snap.State.Owner
	if cur, ok := s.lists[snap.Key]; ok {
		owner = cur.Owner
	}
	if owner != "" && s.invalidator != nil {
		s.invalidator.Invalidate(owner)
	}
	if snap.Exists {
		next := snap.State.clone()
		s.lists[snap.Key] = &next
	} else {
		delete(s.lists, snap.Key)
	}
	s.clock++
	pending := s.listNotifications(snap.Key, owner)
	s.mu.Unlock()
	deliver(pending)
}

// appendToList adds the entity at the end (or the start) of the list unless it is
// already present, keeping cursors aligned with a null cursor. It reports
// whether the list changed. It must be called while holding s.mu.
func (s *Store) appendToList(key ListKey, id EntityID, prepend bool) bool {
	l, ok := s.lists[key]
	if !ok || slices.Contains(l.IDs, id) {
		return false
	}
	if prepend {
		l.IDs = slices.Insert(l.IDs, 0, id)
		if len(l.Cursors) > 0 {
			l.Cursors = slices.Insert(l.Cursors, 0, "")
		}
	} else {
		l.IDs = append(l.IDs, id)
		if len(l.Cursors) > 0 {
			l.Cursors = append(l.Cursors, "")
		}
	}
	return true
}

// InsertIntoList adds the entity to the given list unless it is already present,
// appending it (or prepending, if prepend is set) with a null cursor. The
// owner's list field, if it mirrors the list, is rewritten to match.
// It reports whether the list changed.
func (s *Store) InsertIntoList(key ListKey, id EntityID, prepend bool) bool {
	s.mu.Lock()
	if !s.appendToList(key, id, prepend) {
		s.mu.Unlock()
		return false
	}
	pending := s.syncOwnerField(key)
	s.clock++
	pending = append(pending, s.listNotifications(key, s.lists[key].Owner)...)
	s.mu.Unlock()
	deliver(pending)
	return true
}

// RemoveFromList drops the entity from the given list (keeping cursors aligned)
// without touching other lists or the entity itself.
func (s *Store) RemoveFromList(key ListKey, id EntityID) bool {
	s.mu.Lock()
	l, ok := s.lists[key]
	if !ok || !slices.Contains(l.IDs, id) {
		s.mu.Unlock()
		return false
	}
	l.remove(id)
	pending := s.syncOwnerField(key)
	s.clock++
	pending = append(pending, s.listNotifications(key, l.Owner)...)
	s.mu.Unlock()
	deliver(pending)
	return true
}

// syncOwnerField rewrites the owner's field holding the list so that it matches
// the list's entries. It must be called while holding s.mu.
func (s *Store) syncOwnerField(key ListKey) []notification {
	l := s.lists[key]
	if l.Owner == "" {
		return nil
	}
	if s.invalidator != nil {
		s.invalidator.Invalidate(l.Owner)
	}
	e, ok := s.entities[l.Owner]
	if !ok {
		return nil
	}
	if _, ok := e.record[l.Field].([]NodeRef); !ok {
		return nil
	}
	pending, _ := s.merge(l.Owner, Record{l.Field: l.Refs()}, Covered{})
	return pending
}
