package multiinstance

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/blueprint/internal/core/compiler"
	"github.com/artpar/blueprint/internal/core/dsl"
)

// =============================================================================
// Test Fixtures
// =============================================================================

const scaledBlueprint = `
types:
  cloudify.types.host: {}
  vm:
    derived_from: cloudify.types.host
  app: {}
  database: {}
relationships:
  cloudify.relationships.contained_in: {}
  cloudify.relationships.connected_to: {}
blueprint:
  name: shop
  topology:
    - name: server
      type: vm
      instances:
        deploy: 3
    - name: web
      type: app
      instances:
        deploy: 7
      relationships:
        - type: cloudify.relationships.contained_in
          target: server
        - type: cloudify.relationships.connected_to
          target: db
    - name: db
      type: database
`

// counter returns "_00001", "_00002", ... in order.
func counter() TokenSource {
	n := 0
	return TokenFunc(func() string {
		n++
		return fmt.Sprintf("_%05x", n)
	})
}

func compiled(t *testing.T) *dsl.Plan {
	t.Helper()
	plan, err := compiler.New(nil).Compile(context.Background(), []byte(scaledBlueprint), nil)
	require.NoError(t, err)
	return plan
}

func byName(nodes []*dsl.Node, name string) []*dsl.Node {
	var out []*dsl.Node
	for _, n := range nodes {
		if n.Name == name {
			out = append(out, n)
		}
	}
	return out
}

// =============================================================================
// Expand Tests
// =============================================================================

func TestExpand_ParallelWiring(t *testing.T) {
	plan := compiled(t)

	expanded, err := Expand(plan, NewSeededSource(42))
	require.NoError(t, err)

	servers := byName(expanded.Nodes, "server")
	webs := byName(expanded.Nodes, "web")
	dbs := byName(expanded.Nodes, "db")

	// hosted nodes follow the host count, not their own
	require.Len(t, servers, 3)
	require.Len(t, webs, 3)
	require.Len(t, dbs, 1)

	ids := make(map[string]bool)
	for _, n := range expanded.Nodes {
		assert.False(t, ids[n.ID], "duplicate id %s", n.ID)
		ids[n.ID] = true
	}

	for i := range 3 {
		assert.Equal(t, servers[i].ID, servers[i].HostID)
		assert.Equal(t, servers[i].ID, webs[i].HostID)
		assert.Equal(t, servers[i].ID, webs[i].Relationships[0].TargetID)
		assert.Equal(t, dbs[0].ID, webs[i].Relationships[1].TargetID)
		assert.Equal(t, []string{webs[i].ID}, servers[i].Dependents)
	}
}

func TestExpand_SuffixFormat(t *testing.T) {
	expanded, err := Expand(compiled(t), counter())
	require.NoError(t, err)

	ids := make([]string, 0, len(expanded.Nodes))
	for _, n := range expanded.Nodes {
		ids = append(ids, n.ID)
	}

	// hosts and unhosted nodes draw suffixes first, in plan order
	assert.Equal(t, []string{
		"shop.server_00001", "shop.server_00002", "shop.server_00003",
		"shop.web_00005", "shop.web_00006", "shop.web_00007",
		"shop.db_00004",
	}, ids)
}

func TestExpand_DoesNotModifyInput(t *testing.T) {
	plan := compiled(t)
	before := plan.Clone()

	_, err := Expand(plan, NewRandomSource())
	require.NoError(t, err)

	assert.Equal(t, before, plan)
}

func TestExpand_SeededIsReproducible(t *testing.T) {
	plan := compiled(t)

	a, err := Expand(plan, NewSeededSource(7))
	require.NoError(t, err)
	b, err := Expand(plan, NewSeededSource(7))
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestExpand_RetriesDuplicateSuffix(t *testing.T) {
	plan := &dsl.Plan{Nodes: []*dsl.Node{
		{ID: "a.n", Name: "n", Instances: dsl.Instances{Deploy: 2}},
	}}
	tokens := []string{"_aaaaa", "_aaaaa", "_bbbbb"}
	i := 0
	source := TokenFunc(func() string {
		token := tokens[i]
		i++
		return token
	})

	expanded, err := Expand(plan, source)
	require.NoError(t, err)
	require.Len(t, expanded.Nodes, 2)
	assert.Equal(t, "a.n_aaaaa", expanded.Nodes[0].ID)
	assert.Equal(t, "a.n_bbbbb", expanded.Nodes[1].ID)
}

func TestExpand_SuffixExhausted(t *testing.T) {
	plan := &dsl.Plan{Nodes: []*dsl.Node{
		{ID: "a.n", Instances: dsl.Instances{Deploy: 2}},
	}}

	_, err := Expand(plan, TokenFunc(func() string { return "_same" }))
	assert.ErrorIs(t, err, ErrSuffixExhausted)
}

func TestExpand_UnknownHost(t *testing.T) {
	plan := &dsl.Plan{Nodes: []*dsl.Node{
		{ID: "a.n", HostID: "a.missing", Instances: dsl.Instances{Deploy: 1}},
	}}

	_, err := Expand(plan, counter())
	assert.ErrorIs(t, err, ErrUnknownHost)
}

func TestExpand_InvalidInstances(t *testing.T) {
	tests := []struct {
		name  string
		nodes []*dsl.Node
	}{
		{"negative deploy", []*dsl.Node{{ID: "a.n", Instances: dsl.Instances{Deploy: -1}}}},
		{"missing instances", []*dsl.Node{{ID: "a.n"}}},
		{"null node", []*dsl.Node{{ID: "a.n", Instances: dsl.Instances{Deploy: 1}}, nil}},
		{"hosted node without instances", []*dsl.Node{
			{ID: "a.host", HostID: "a.host", Instances: dsl.Instances{Deploy: 1}},
			{ID: "a.app", HostID: "a.host"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expanded, err := Expand(&dsl.Plan{Name: "a", Nodes: tt.nodes}, counter())
			assert.ErrorIs(t, err, ErrInvalidInstances)
			assert.Nil(t, expanded)
		})
	}
}

func TestInstanceID(t *testing.T) {
	assert.Equal(t, "a.n_00001", instanceID("a.n", "_00001"))
	assert.Equal(t, "a.n", instanceID("a.n", "a.n"))
	assert.Equal(t, "a.n", instanceID("a.n", ""))
}

func TestSeededSource_Format(t *testing.T) {
	source := NewSeededSource(1)
	for range 10 {
		assert.Regexp(t, `^_[0-9a-f]{5}$`, source.NextToken())
	}
	assert.Regexp(t, `^_[0-9a-f]{5}$`, NewRandomSource().NextToken())
}
