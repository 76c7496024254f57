// Package operations resolves interface operations to the plugins that
// implement them and merges operation lists along a type hierarchy.
//
// This is part of the Functional Core - no I/O, no side effects.
package operations

import (
	"sort"
	"strings"

	"github.com/artpar/blueprint/internal/core/dsl"
)

// =============================================================================
// Resolution
// =============================================================================

// Mapping is one declared operation after plugin resolution.
type Mapping struct {
	// Name is the operation name.
	Name string
	// Plugin is the matched plugin, or "" when nothing matched.
	Plugin string
	// Operation is the mapping with the "plugin." prefix removed. When no
	// plugin matched it holds the whole mapping for error reporting.
	Operation string
	// Declared reports whether a mapping string was given at all. Bare
	// operations are abstract and resolve to nothing.
	Declared bool
}

// Resolved reports whether a plugin was found.
func (m Mapping) Resolved() bool {
	return m.Plugin != ""
}

// ResolveOperation maps one declaration to a plugin by choosing, among the
// plugin names p for which the mapping starts with "p.", the longest one.
//
// Two distinct plugin names of equal length cannot both be prefixes of the
// same string, so the longest match is always unique.
//
// This is a pure function.
func ResolveOperation(decl dsl.OperationDecl, plugins []string) Mapping {
	if !decl.IsMapped() {
		return Mapping{Name: decl.Name}
	}

	best := ""
	for _, plugin := range plugins {
		if len(plugin) > len(best) && strings.HasPrefix(decl.Mapping, plugin+".") {
			best = plugin
		}
	}
	if best == "" {
		return Mapping{Name: decl.Name, Operation: decl.Mapping, Declared: true}
	}
	return Mapping{
		Name:      decl.Name,
		Plugin:    best,
		Operation: decl.Mapping[len(best)+1:],
		Declared:  true,
	}
}

// ResolveInterface resolves every operation of one interface, in order.
func ResolveInterface(ops []dsl.OperationDecl, plugins []string) []Mapping {
	out := make([]Mapping, 0, len(ops))
	for _, op := range ops {
		out = append(out, ResolveOperation(op, plugins))
	}
	return out
}

// =============================================================================
// Inheritance Merge
// =============================================================================

// MergeList merges an overriding operation list into an overridden one.
// Operations are keyed by name. The result keeps the overridden order,
// substituting redefined operations in place, then appends operations new
// to the overriding side in their own order.
//
// This is a pure function.
func MergeList(overridden, overriding []dsl.OperationDecl) []dsl.OperationDecl {
	redefined := make(map[string]dsl.OperationDecl, len(overriding))
	for _, op := range overriding {
		redefined[op.Name] = op
	}

	existing := make(map[string]bool, len(overridden))
	result := make([]dsl.OperationDecl, 0, len(overridden)+len(overriding))
	for _, op := range overridden {
		existing[op.Name] = true
		if replacement, ok := redefined[op.Name]; ok {
			result = append(result, replacement)
			continue
		}
		result = append(result, op)
	}

	added := make(map[string]bool)
	for _, op := range overriding {
		if existing[op.Name] || added[op.Name] {
			continue
		}
		added[op.Name] = true
		result = append(result, op)
	}
	return result
}

// MergeInterfaces merges interface maps with MergeList applied to every
// interface both sides declare. The result shares nothing with its inputs.
func MergeInterfaces(overridden, overriding dsl.Interfaces) dsl.Interfaces {
	if overridden == nil && overriding == nil {
		return nil
	}

	merged := overridden.Clone()
	if merged == nil {
		merged = make(dsl.Interfaces, len(overriding))
	}
	for name, ops := range overriding {
		if base, ok := merged[name]; ok {
			merged[name] = MergeList(base, ops)
			continue
		}
		merged[name] = append([]dsl.OperationDecl(nil), ops...)
	}
	return merged
}

// =============================================================================
// Flattening
// =============================================================================

// Flattened is the flat operation view of a set of interfaces.
type Flattened struct {
	// Operations holds every resolved operation under "interface.op" and,
	// unless the bare name is declared by more than one interface, "op".
	Operations map[string]dsl.Operation
	// Plugins lists the plugins referenced by resolved operations, sorted.
	Plugins []string
}

// Owner describes what declares a set of interfaces. It selects the error
// code for unresolved mappings and appears in error messages.
type Owner struct {
	Description    string
	UnresolvedCode int
}

// NodeOwner describes interfaces declared by a node.
func NodeOwner(nodeID, nodeType string) Owner {
	return Owner{
		Description:    "node " + nodeID + " of type " + nodeType,
		UnresolvedCode: dsl.CodeUnresolvedNodeOperation,
	}
}

// RelationshipOwner describes interfaces declared by a relationship.
func RelationshipOwner(description string) Owner {
	return Owner{
		Description:    description,
		UnresolvedCode: dsl.CodeUnresolvedRelationshipOperation,
	}
}

// Flatten resolves all interfaces (in name order) into one operation map.
//
// A mapping that matches no plugin fails with owner.UnresolvedCode. An
// operation name repeated within one interface fails with
// CodeDuplicateOperation. The same name in two different interfaces is
// legal; only its unqualified alias is dropped.
//
// This is a pure function.
func Flatten(ifaces dsl.Interfaces, plugins []string, owner Owner) (Flattened, error) {
	collected := make(map[string]*dsl.Operation)
	used := make(map[string]bool)

	for _, ifaceName := range ifaces.Names() {
		mappings := ResolveInterface(ifaces[ifaceName], plugins)

		for _, m := range mappings {
			if !m.Resolved() {
				if m.Declared {
					return Flattened{}, dsl.NewLogicError(owner.UnresolvedCode,
						"could not extract plugin from operation mapping %s, which is declared for operation %s in interface %s in %s",
						m.Operation, m.Name, ifaceName, owner.Description)
				}
				continue
			}

			used[m.Plugin] = true
			op := &dsl.Operation{Plugin: m.Plugin, Operation: m.Operation}
			if _, exists := collected[m.Name]; exists {
				collected[m.Name] = nil
			} else {
				collected[m.Name] = op
			}
			collected[ifaceName+"."+m.Name] = op
		}

		if err := checkDuplicates(mappings, ifaceName, owner); err != nil {
			return Flattened{}, err
		}
	}

	out := Flattened{
		Operations: make(map[string]dsl.Operation, len(collected)),
		Plugins:    make([]string, 0, len(used)),
	}
	for name, op := range collected {
		if op != nil {
			out.Operations[name] = *op
		}
	}
	for plugin := range used {
		out.Plugins = append(out.Plugins, plugin)
	}
	sort.Strings(out.Plugins)
	return out, nil
}

// Validate checks interfaces without building the flat view.
func Validate(ifaces dsl.Interfaces, plugins []string, owner Owner) error {
	_, err := Flatten(ifaces, plugins, owner)
	return err
}

func checkDuplicates(mappings []Mapping, ifaceName string, owner Owner) error {
	seen := make(map[string]bool, len(mappings))
	for _, m := range mappings {
		if seen[m.Name] {
			return dsl.NewLogicError(dsl.CodeDuplicateOperation,
				"duplicate operation %s found in interface %s in %s", m.Name, ifaceName, owner.Description)
		}
		seen[m.Name] = true
	}
	return nil
}
