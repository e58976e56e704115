package graphcache

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// ErrInvalidConnectionArgs is returned when the arguments of a connection
// violate the pagination rules: after and before together, first and last
// together, or last without before.
var ErrInvalidConnectionArgs = errors.New("invalid connection arguments")

// ResolvedArgs are the arguments attached to a single path of a Plan, after
// variable substitution.
type ResolvedArgs struct {
	Value map[string]any
	// Hash is the stable hash of Value without the Ignore keys.
	Hash ArgsHash
	// Ignore lists the keys left out of Hash; set for connection arguments.
	Ignore []string
	// Connection reports whether the arguments belong to a connection.
	Connection bool
}

// Plan is the immutable compiled form of a view: the flat, sorted set of
// dot-separated field paths it needs, and the resolved arguments attached to
// some of those paths (keyed by the path of the field they annotate).
type Plan struct {
	View      *View
	Selection Object
	Paths     []string
	Args      map[string]ResolvedArgs
}

// Compile compiles the given view, as readable through ref, into a Plan.
// Variables in argument sets are substituted from vars. Spreads of the view are
// included only if ref carries their tags.
//
// Connection arguments are validated here, before anything is fetched.
func Compile(view *View, ref ViewRef, vars map[string]any) (Plan, error) {
	if !ref.Satisfies(view) {
		return Plan{}, fmt.Errorf("compile %v for %v: %w", view, ref, ErrViewNotAuthorized)
	}
	return compileSelection(view, view.selectionFor(ref), vars)
}

func compileSelection(view *View, sel Object, vars map[string]any) (Plan, error) {
	p := Plan{View: view, Selection: sel, Args: make(map[string]ResolvedArgs)}
	var err error
	Inspect(sel, func(path string, s Selection) bool {
		if err != nil || s == nil {
			return false
		}
		switch s := s.(type) {
		case Field:
			p.Paths = append(p.Paths, path)
			return false
		case Object, Sub:
			return true
		case Connection:
			value := bindArgs(s.Args, vars)
			if e := ValidateConnectionArgs(value); e != nil {
				err = fmt.Errorf("compile %s: %w", path, e)
				return false
			}
			p.Args[path] = ResolvedArgs{
				Value:      value,
				Hash:       HashArgs(value, paginationKeys...),
				Ignore:     paginationKeys,
				Connection: true,
			}
			if s.Node == nil {
				p.Paths = append(p.Paths, path)
			}
			return true
		case Args:
			value := bindArgs(s.Args, vars)
			p.Args[path] = ResolvedArgs{Value: value, Hash: HashArgs(value)}
			if s.Selection == nil {
				p.Paths = append(p.Paths, path)
			}
			return true
		default:
			panic(fmt.Sprintf("graphcache: unknown selection %T", s))
		}
	})
	if err != nil {
		return Plan{}, err
	}
	slices.Sort(p.Paths)
	p.Paths = slices.Compact(p.Paths)
	return p, nil
}

// Under returns the part of the plan below the given top-level field: paths and
// arguments relative to that field. It is the plan a related entity reached
// through the field is written and read with.
func (p Plan) Under(field string) Plan {
	prefix := field + "."
	sub := Plan{View: p.View, Args: make(map[string]ResolvedArgs)}
	for _, path := range p.Paths {
		if rest, ok := strings.CutPrefix(path, prefix); ok {
			sub.Paths = append(sub.Paths, rest)
		}
	}
	for path, a := range p.Args {
		if rest, ok := strings.CutPrefix(path, prefix); ok {
			sub.Args[rest] = a
		}
	}
	if o, ok := nodeObject(p.Selection[field]); ok {
		sub.Selection = o
	}
	return sub
}

// Fields returns the distinct top-level fields of the plan's paths, sorted.
func (p Plan) Fields() []string {
	seen := make(map[string]struct{}, len(p.Paths))
	for _, path := range p.Paths {
		f, _, _ := strings.Cut(path, ".")
		seen[f] = struct{}{}
	}
	for path := range p.Args {
		if !strings.Contains(path, ".") {
			seen[path] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(seen))
}

// nodeObject unwraps structural selections down to the Object selecting the
// fields of the value itself.
func nodeObject(s Selection) (Object, bool) {
	switch x := s.(type) {
	case Object:
		return x, true
	case Sub:
		return x.View.Selection(), true
	case Connection:
		return nodeObject(x.Node)
	case Args:
		return nodeObject(x.Selection)
	}
	return nil, false
}

// ValidateConnectionArgs rejects connection arguments that combine after with
// before, first with last, or give last without before.
func ValidateConnectionArgs(args map[string]any) error {
	has := func(k string) bool { return args[k] != nil }
	switch {
	case has("after") && has("before"):
		return fmt.Errorf("%w: both after and before", ErrInvalidConnectionArgs)
	case has("first") && has("last"):
		return fmt.Errorf("%w: both first and last", ErrInvalidConnectionArgs)
	case has("last") && !has("before"):
		return fmt.Errorf("%w: last without before", ErrInvalidConnectionArgs)
	}
	return nil
}
