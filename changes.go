package graphcache

import (
	"fmt"
	"strings"
)

// ChangeKind tells what happened to the entity (or list) a Change is about.
type ChangeKind int

const (
	// Created means the entity was written for the first time.
	Created ChangeKind = iota + 1
	// Updated means some fields of an existing entity changed.
	Updated
	// Deleted means the entity was removed from the Store.
	Deleted
	// ListChanged means the entries of a list changed; ID names its owner, if any.
	ListChanged
)

func (k ChangeKind) String() string {
	switch k {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	case ListChanged:
		return "list-changed"
	default:
		return fmt.Sprintf("ChangeKind(%d)", int(k))
	}
}

// Change notifies about a single committed modification of the Store.
type Change struct {
	Kind ChangeKind
	ID   EntityID
	// Fields lists the top-level fields whose values changed, sorted. It is empty
	// for deletions and list changes.
	Fields []string
	// List is the key of the changed list, set only for ListChanged.
	List ListKey
	// Version is the Store's clock right after the change was committed.
	Version uint64
}

// FormatChanges returns a human-readable representation of a sequence of
// changes, one line per change. The indent string is prepended to each line.
func FormatChanges(changes []Change, indent string) string {
	var b strings.Builder
	for _, c := range changes {
		switch c.Kind {
		case Created:
			fmt.Fprintf(&b, indent+"+ %v @%d %v\n", c.ID, c.Version, c.Fields)
		case Updated:
			fmt.Fprintf(&b, indent+"* %v @%d %v\n", c.ID, c.Version, c.Fields)
		case Deleted:
			fmt.Fprintf(&b, indent+"- %v @%d\n", c.ID, c.Version)
		case ListChanged:
			fmt.Fprintf(&b, indent+"~ %v @%d\n", c.List, c.Version)
		}
	}
	return b.String()
}
