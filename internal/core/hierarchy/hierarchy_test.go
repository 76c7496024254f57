package hierarchy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/blueprint/internal/core/dsl"
)

// =============================================================================
// Resolve Tests
// =============================================================================

func TestResolve_ThreeLevelOverride(t *testing.T) {
	types := map[string]dsl.NodeType{
		"root": {Properties: map[string]any{"a": "root", "b": "root", "c": "root"}},
		"mid":  {DerivedFrom: "root", Properties: map[string]any{"b": "mid", "c": "mid"}},
		"leaf": {DerivedFrom: "mid", Properties: map[string]any{"c": "leaf", "d": "leaf"}},
	}

	resolved, err := Resolve(KindType, "leaf", types, NodeTypeMerger{})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"a": "root", "b": "mid", "c": "leaf", "d": "leaf"}, resolved.Definition.Properties)
	assert.Equal(t, []string{"root", "mid", "leaf"}, resolved.Hierarchy)
	assert.Empty(t, resolved.ExternalRoot)

	// definitions are untouched
	assert.Equal(t, map[string]any{"c": "leaf", "d": "leaf"}, types["leaf"].Properties)
}

func TestResolve_RootIsCopied(t *testing.T) {
	types := map[string]dsl.NodeType{
		"root": {Properties: map[string]any{"a": "root"}},
	}

	resolved, err := Resolve(KindType, "root", types, NodeTypeMerger{})
	require.NoError(t, err)

	resolved.Definition.Properties["a"] = "changed"
	assert.Equal(t, "root", types["root"].Properties["a"])
}

func TestResolve_Cycle(t *testing.T) {
	types := map[string]dsl.NodeType{
		"A": {DerivedFrom: "B"},
		"B": {DerivedFrom: "A"},
	}

	_, err := Resolve(KindType, "A", types, NodeTypeMerger{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, dsl.ErrLogic))

	var logicErr *dsl.LogicError
	require.True(t, errors.As(err, &logicErr))
	assert.Equal(t, dsl.CodeCircularDependency, logicErr.Code)
	assert.Equal(t, []string{"A", "B", "A"}, logicErr.CircularDependency)
}

func TestResolve_MissingParent(t *testing.T) {
	rels := map[string]dsl.RelationshipType{
		"child": {DerivedFrom: "ghost"},
	}

	_, err := Resolve(KindRelationship, "child", rels, RelationshipMerger{})
	require.Error(t, err)
	code, _ := dsl.CodeOf(err)
	assert.Equal(t, dsl.CodeMissingDefinition, code)
	assert.Contains(t, err.Error(), "relationship ghost")
}

func TestResolve_PluginExternalRoot(t *testing.T) {
	plugins := map[string]dsl.PluginDef{
		"base":    {DerivedFrom: "cloudify.plugins.agent_plugin", Properties: map[string]any{"url": "base", "folder": "x"}},
		"special": {DerivedFrom: "base", Properties: map[string]any{"url": "special"}},
	}

	resolved, err := Resolve(KindPlugin, "special", plugins, PluginMerger{})
	require.NoError(t, err)

	assert.Equal(t, "cloudify.plugins.agent_plugin", resolved.ExternalRoot)
	assert.Equal(t, []string{"base", "special"}, resolved.Hierarchy)
	assert.Equal(t, map[string]any{"url": "special", "folder": "x"}, resolved.Definition.Properties)
}

func TestResolve_RelationshipInterfaces(t *testing.T) {
	rels := map[string]dsl.RelationshipType{
		"base": {
			SourceInterfaces: dsl.Interfaces{"i": {{Name: "a", Mapping: "p.a"}, {Name: "b", Mapping: "p.b"}}},
		},
		"derived": {
			DerivedFrom:      "base",
			SourceInterfaces: dsl.Interfaces{"i": {{Name: "b", Mapping: "q.b"}}},
			TargetInterfaces: dsl.Interfaces{"t": {{Name: "c", Mapping: "q.c"}}},
		},
	}

	resolved, err := Resolve(KindRelationship, "derived", rels, RelationshipMerger{})
	require.NoError(t, err)

	assert.Equal(t, []dsl.OperationDecl{{Name: "a", Mapping: "p.a"}, {Name: "b", Mapping: "q.b"}},
		resolved.Definition.SourceInterfaces["i"])
	assert.Len(t, resolved.Definition.TargetInterfaces["t"], 1)
}

// =============================================================================
// Derivation Query Tests
// =============================================================================

func TestFamily(t *testing.T) {
	types := map[string]dsl.NodeType{
		"host":      {},
		"vm":        {DerivedFrom: "host"},
		"big_vm":    {DerivedFrom: "vm"},
		"app":       {},
		"loop_a":    {DerivedFrom: "loop_b"},
		"loop_b":    {DerivedFrom: "loop_a"},
		"undeclare": {DerivedFrom: "nowhere"},
	}

	family := Family("host", types)
	assert.Equal(t, map[string]bool{"host": true, "vm": true, "big_vm": true}, family)

	assert.True(t, IsDerivedFrom("big_vm", "host", types))
	assert.False(t, IsDerivedFrom("loop_a", "host", types))
	assert.False(t, IsDerivedFrom("undeclare", "host", types))
}

func TestFamily_UndeclaredAncestor(t *testing.T) {
	types := map[string]dsl.NodeType{
		"vm": {DerivedFrom: "cloudify.types.host"},
	}
	assert.Equal(t, map[string]bool{"vm": true}, Family("cloudify.types.host", types))
}

// =============================================================================
// Autowire Tests
// =============================================================================

func TestAutowire(t *testing.T) {
	types := map[string]dsl.NodeType{
		"abstract": {},
		"middle":   {DerivedFrom: "abstract"},
		"concrete": {Implements: "middle"},
		"lonely":   {},
		"fork":     {},
		"left":     {DerivedFrom: "fork"},
		"right":    {DerivedFrom: "fork"},
	}
	descendants := Descendants(types)

	got, err := Autowire("abstract", descendants)
	require.NoError(t, err)
	assert.Equal(t, "concrete", got)

	got, err = Autowire("lonely", descendants)
	require.NoError(t, err)
	assert.Equal(t, "lonely", got)

	_, err = Autowire("fork", descendants)
	require.Error(t, err)
	var logicErr *dsl.LogicError
	require.True(t, errors.As(err, &logicErr))
	assert.Equal(t, dsl.CodeAmbiguousAutowire, logicErr.Code)
	assert.Equal(t, []string{"left", "right"}, logicErr.Candidates)
}

func TestAutowire_Cycle(t *testing.T) {
	descendants := map[string][]string{
		"a": {"b"},
		"b": {"a"},
	}

	_, err := Autowire("a", descendants)
	require.Error(t, err)
	var logicErr *dsl.LogicError
	require.True(t, errors.As(err, &logicErr))
	assert.Equal(t, dsl.CodeCircularDependency, logicErr.Code)
	assert.Equal(t, []string{"a", "b", "a"}, logicErr.CircularDependency)
}

func TestDescendants_IncludesUndeclaredParents(t *testing.T) {
	types := map[string]dsl.NodeType{
		"vm": {DerivedFrom: "cloudify.types.host"},
	}

	descendants := Descendants(types)
	assert.Equal(t, []string{"vm"}, descendants["cloudify.types.host"])
	assert.Empty(t, descendants["vm"])
}

// =============================================================================
// Merger Tests
// =============================================================================

func TestNodeTypeMerger(t *testing.T) {
	parent := dsl.NodeType{
		Workflows: map[string]dsl.WorkflowDecl{"install": {Radial: "parent"}, "uninstall": {Radial: "parent"}},
		Policies: []dsl.Policy{
			{Name: "p1", Rules: []dsl.Rule{{Type: "r1"}}},
			{Name: "p2"},
		},
	}
	child := dsl.NodeType{
		DerivedFrom: "parent",
		Workflows:   map[string]dsl.WorkflowDecl{"install": {Radial: "child"}},
		Policies: []dsl.Policy{
			{Name: "p3"},
			{Name: "p1", Rules: []dsl.Rule{{Type: "r2"}}},
		},
	}

	merged := NodeTypeMerger{}.Merge(parent, child)

	assert.Equal(t, "parent", merged.DerivedFrom)
	assert.Equal(t, "child", merged.Workflows["install"].Radial)
	assert.Equal(t, "parent", merged.Workflows["uninstall"].Radial)
	require.Len(t, merged.Policies, 3)
	assert.Equal(t, "p1", merged.Policies[0].Name)
	assert.Equal(t, "r2", merged.Policies[0].Rules[0].Type)
	assert.Equal(t, "p2", merged.Policies[1].Name)
	assert.Equal(t, "p3", merged.Policies[2].Name)
}
