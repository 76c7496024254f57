package hierarchy

import (
	"maps"

	"github.com/artpar/blueprint/internal/core/dsl"
	"github.com/artpar/blueprint/internal/core/operations"
)

// =============================================================================
// Merge Strategies
// =============================================================================

// NodeTypeMerger merges node types: properties and workflows by key,
// policies by name, interfaces by MergeInterfaces.
type NodeTypeMerger struct{}

// Merge implements Merger.
func (NodeTypeMerger) Merge(parent, child dsl.NodeType) dsl.NodeType {
	workflows := maps.Clone(parent.Workflows)
	if workflows == nil {
		workflows = make(map[string]dsl.WorkflowDecl, len(child.Workflows))
	}
	maps.Copy(workflows, child.Workflows)

	return dsl.NodeType{
		DerivedFrom: child.DerivedFrom,
		Implements:  child.Implements,
		Properties:  dsl.MergeMaps(parent.Properties, child.Properties),
		Interfaces:  operations.MergeInterfaces(parent.Interfaces, child.Interfaces),
		Workflows:   workflows,
		Policies:    MergePolicies(parent.Policies, child.Policies),
	}
}

// RelationshipMerger merges relationships: properties by key, source and
// target interfaces by MergeInterfaces.
type RelationshipMerger struct{}

// Merge implements Merger.
func (RelationshipMerger) Merge(parent, child dsl.RelationshipType) dsl.RelationshipType {
	return dsl.RelationshipType{
		DerivedFrom:      child.DerivedFrom,
		Properties:       dsl.MergeMaps(parent.Properties, child.Properties),
		SourceInterfaces: operations.MergeInterfaces(parent.SourceInterfaces, child.SourceInterfaces),
		TargetInterfaces: operations.MergeInterfaces(parent.TargetInterfaces, child.TargetInterfaces),
	}
}

// PluginMerger merges plugin properties by key.
type PluginMerger struct{}

// Merge implements Merger.
func (PluginMerger) Merge(parent, child dsl.PluginDef) dsl.PluginDef {
	return dsl.PluginDef{
		DerivedFrom: child.DerivedFrom,
		Properties:  dsl.MergeMaps(parent.Properties, child.Properties),
	}
}

// MergePolicies merges policy lists keyed by name: parent order first with
// redefined entries replaced, then new child entries in their order.
func MergePolicies(parent, child []dsl.Policy) []dsl.Policy {
	redefined := make(map[string]dsl.Policy, len(child))
	for _, p := range child {
		redefined[p.Name] = p
	}

	seen := make(map[string]bool, len(parent)+len(child))
	out := make([]dsl.Policy, 0, len(parent)+len(child))
	for _, p := range parent {
		if seen[p.Name] {
			continue
		}
		seen[p.Name] = true
		if replacement, ok := redefined[p.Name]; ok {
			p = replacement
		}
		out = append(out, p)
	}
	for _, p := range child {
		if seen[p.Name] {
			continue
		}
		seen[p.Name] = true
		out = append(out, p)
	}
	return dsl.ClonePolicies(out)
}
