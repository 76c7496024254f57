// Package hierarchy resolves derived_from chains of node types,
// relationships and plugins into fully merged definitions, and autowires
// abstract node types to their unique concrete descendant.
//
// This is part of the Functional Core - no I/O, no side effects.
package hierarchy

import (
	"slices"
	"sort"

	"github.com/artpar/blueprint/internal/core/dsl"
)

// Kind names the kind of definition being resolved.
type Kind string

const (
	KindType         Kind = "type"
	KindRelationship Kind = "relationship"
	KindPlugin       Kind = "plugin"
)

// allowsExternalRoot reports whether a derived_from may name something that
// is not declared. Plugin chains end in a well-known plugin kind that is
// never declared as a plugin itself.
func (k Kind) allowsExternalRoot() bool {
	return k == KindPlugin
}

// Definition is a named definition with an optional parent.
type Definition[T any] interface {
	Parent() string
	Clone() T
}

// Merger merges a fully resolved parent with a child definition. The child
// wins on conflicts. Implementations must return a new value that shares
// nothing with either argument.
type Merger[T any] interface {
	Merge(parent, child T) T
}

// Resolved is a definition merged along its whole derived_from chain.
type Resolved[T any] struct {
	Name       string
	Definition T

	// Hierarchy lists the declared names of the chain, root first.
	Hierarchy []string

	// ExternalRoot is the undeclared name the chain ends in, if any.
	// Only set for kinds that allow it.
	ExternalRoot string
}

// =============================================================================
// Resolve
// =============================================================================

// Resolve walks the derived_from chain of name upwards, keeping the path of
// visited names, then merges the chain root to leaf with merger.
//
// A name repeated on the way up fails with CodeCircularDependency carrying
// the path. A parent missing from defs fails with CodeMissingDefinition,
// except for plugins, where it becomes Resolved.ExternalRoot.
//
// This is a pure function.
func Resolve[T Definition[T]](kind Kind, name string, defs map[string]T, merger Merger[T]) (Resolved[T], error) {
	leaf, ok := defs[name]
	if !ok {
		return Resolved[T]{}, dsl.NewLogicError(dsl.CodeMissingDefinition,
			"missing definition for %s %s", kind, name)
	}

	path := []string{name}
	chain := []T{leaf}
	external := ""

	for current := leaf; current.Parent() != ""; {
		parentName := current.Parent()
		if slices.Contains(path, parentName) {
			return Resolved[T]{}, dsl.NewCircularDependencyError(string(kind), name, append(path, parentName))
		}

		parent, ok := defs[parentName]
		if !ok {
			if kind.allowsExternalRoot() {
				external = parentName
				break
			}
			return Resolved[T]{}, dsl.NewLogicError(dsl.CodeMissingDefinition,
				"missing definition for %s %s which is declared as derived by %s %s",
				kind, parentName, kind, path[len(path)-1])
		}

		path = append(path, parentName)
		chain = append(chain, parent)
		current = parent
	}

	merged := chain[len(chain)-1].Clone()
	for i := len(chain) - 2; i >= 0; i-- {
		merged = merger.Merge(merged, chain[i])
	}

	slices.Reverse(path)
	return Resolved[T]{
		Name:         name,
		Definition:   merged,
		Hierarchy:    path,
		ExternalRoot: external,
	}, nil
}

// =============================================================================
// Derivation Queries
// =============================================================================

// IsDerivedFrom reports whether name is ancestor or reaches it through
// derived_from links. Undeclared names end the walk; so does a cycle.
func IsDerivedFrom[T Definition[T]](name, ancestor string, defs map[string]T) bool {
	seen := make(map[string]bool)
	for current := name; current != "" && !seen[current]; {
		if current == ancestor {
			return true
		}
		seen[current] = true

		def, ok := defs[current]
		if !ok {
			return false
		}
		current = def.Parent()
	}
	return false
}

// Family returns the set of declared names derived from ancestor,
// including ancestor itself when declared.
func Family[T Definition[T]](ancestor string, defs map[string]T) map[string]bool {
	family := make(map[string]bool)
	for name := range defs {
		if IsDerivedFrom(name, ancestor, defs) {
			family[name] = true
		}
	}
	return family
}

// =============================================================================
// Autowiring
// =============================================================================

// Descendants maps every node type name, and every name a type derives from
// or implements, to the sorted names of its direct children.
//
// This is a pure function.
func Descendants(types map[string]dsl.NodeType) map[string][]string {
	children := make(map[string]map[string]bool, len(types))
	for name := range types {
		children[name] = make(map[string]bool)
	}

	add := func(parent, child string) {
		if parent == "" {
			return
		}
		if children[parent] == nil {
			children[parent] = make(map[string]bool)
		}
		children[parent][child] = true
	}
	for name, t := range types {
		add(t.DerivedFrom, name)
		add(t.Implements, name)
	}

	out := make(map[string][]string, len(children))
	for parent, set := range children {
		names := make([]string, 0, len(set))
		for child := range set {
			names = append(names, child)
		}
		sort.Strings(names)
		out[parent] = names
	}
	return out
}

// Autowire walks down from the declared type while it has exactly one
// child and returns the type where the walk stops. A type with several
// children fails with CodeAmbiguousAutowire listing them; revisiting a type
// fails with CodeCircularDependency.
//
// This is a pure function.
func Autowire(name string, descendants map[string][]string) (string, error) {
	path := []string{name}
	current := name

	for {
		children := descendants[current]
		switch {
		case len(children) == 0:
			return current, nil
		case len(children) > 1:
			err := dsl.NewLogicError(dsl.CodeAmbiguousAutowire,
				"ambiguous autowiring of type %s detected, more than one candidate - %v", name, children)
			err.Candidates = slices.Clone(children)
			return "", err
		}

		next := children[0]
		if slices.Contains(path, next) {
			return "", dsl.NewCircularDependencyError(string(KindType), name, append(path, next))
		}
		path = append(path, next)
		current = next
	}
}
