package graphcache

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// ErrViewNotAuthorized is returned when a ViewRef is used to read a view whose
// tag it does not carry.
var ErrViewNotAuthorized = errors.New("view not readable through this reference")

// Tag uniquely identifies a declared view within a Registry.
type Tag uint64

// A View is a named, registered Selection. Views may spread other views into
// themselves, in which case a reference to the view may read the spread views
// too.
//
// Views are immutable once defined.
type View struct {
	name    string
	tag     Tag
	sel     Object
	spreads []*View
	tags    []Tag // sorted closure of tag and the spreads' tags
}

// Name returns the name the view was defined with.
func (v *View) Name() string { return v.name }

// Tag returns the unique tag the Registry allocated for the view.
func (v *View) Tag() Tag { return v.tag }

// Selection returns the view's selection merged with the selections of all of
// its spreads.
func (v *View) Selection() Object {
	out := v.sel
	for _, s := range v.spreads {
		out = mergeObjects(out, s.Selection())
	}
	return out
}

// selectionFor returns the view's selection merged with the selections of the
// spreads readable through the given reference.
func (v *View) selectionFor(ref ViewRef) Object {
	out := v.sel
	for _, s := range v.spreads {
		if !ref.Carries(s.tag) {
			continue
		}
		out = mergeObjects(out, s.selectionFor(ref))
	}
	return out
}

// Ref returns a reference to the given entity that may read this view and every
// view spread into it.
func (v *View) Ref(id EntityID) ViewRef {
	return ViewRef{Typename: id.Type(), ID: id, tags: v.tags}
}

func (v *View) String() string { return v.name + "#" + strconv.FormatUint(uint64(v.tag), 10) }

// A Registry allocates a unique Tag for every declared view. Each Client owns
// one; tags are never shared between registries.
//
// A Registry is safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	next  Tag
	views map[string]*View
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{views: make(map[string]*View)}
}

// Define registers a view under the given name, allocating its tag. Defining two
// views with the same name is a programming error and panics.
func (r *Registry) Define(name string, sel Object, spreads ...*View) *View {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.views[name]; ok {
		panic(fmt.Sprintf("graphcache: view %q defined twice", name))
	}
	r.next++
	v := &View{name: name, tag: r.next, sel: sel, spreads: spreads}
	v.tags = []Tag{v.tag}
	for _, s := range spreads {
		v.tags = append(v.tags, s.tags...)
	}
	slices.Sort(v.tags)
	v.tags = slices.Compact(v.tags)
	r.views[name] = v
	return v
}

// Lookup returns the view registered under the given name.
func (r *Registry) Lookup(name string) (*View, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.views[name]
	return v, ok
}

// A ViewRef points at an entity together with the set of view tags it may read.
// Sub selections resolve into ViewRefs masked to the sub-view, so a component
// receiving one can read exactly the data it declared and nothing its parent
// happened to fetch.
type ViewRef struct {
	Typename string
	ID       EntityID
	tags     []Tag
}

// Carries reports whether the reference carries the given view tag.
func (r ViewRef) Carries(t Tag) bool {
	_, ok := slices.BinarySearch(r.tags, t)
	return ok
}

// Satisfies reports whether the reference may read the given view.
func (r ViewRef) Satisfies(v *View) bool { return r.Carries(v.tag) }

// key returns a string identifying both the entity and the tag set, used to key
// memoized resolutions.
func (r ViewRef) key() string {
	var b strings.Builder
	b.WriteString(string(r.ID))
	for _, t := range r.tags {
		b.WriteByte('#')
		b.WriteString(strconv.FormatUint(uint64(t), 10))
	}
	return b.String()
}

func (r ViewRef) String() string { return "viewref(" + r.key() + ")" }
