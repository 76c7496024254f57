package compiler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/blueprint/internal/core/dsl"
)

// =============================================================================
// Test Fixtures
// =============================================================================

const library = `
types:
  cloudify.types.host:
    interfaces:
      cloudify.interfaces.lifecycle:
        - start: host_plugin.start
  vm:
    derived_from: cloudify.types.host
  middleware: {}
  app_module:
    properties:
      port: 8080
      debug: false
    interfaces:
      cloudify.interfaces.lifecycle:
        - configure: app_plugin.configure
        - start: app_plugin.start
relationships:
  cloudify.relationships.depends_on: {}
  cloudify.relationships.contained_in:
    derived_from: cloudify.relationships.depends_on
  cloudify.relationships.connected_to:
    derived_from: cloudify.relationships.depends_on
  custom_link:
    derived_from: cloudify.relationships.depends_on
  standalone: {}
plugins:
  host_plugin:
    derived_from: cloudify.plugins.remote_plugin
  app_plugin:
    derived_from: cloudify.plugins.agent_plugin
    properties:
      url: http://plugins.local/app.zip
  cloudify.plugins.kv_store:
    derived_from: cloudify.plugins.agent_plugin
`

func blueprint(topology string) []byte {
	return []byte(library + "\nblueprint:\n  name: app\n  topology:\n" + topology)
}

func compile(t *testing.T, topology string) *dsl.Plan {
	t.Helper()
	plan, err := New(nil).Compile(context.Background(), blueprint(topology), nil)
	require.NoError(t, err)
	return plan
}

func compileErr(t *testing.T, text []byte) *dsl.LogicError {
	t.Helper()
	_, err := New(nil).Compile(context.Background(), text, nil)
	require.Error(t, err)
	var logicErr *dsl.LogicError
	require.True(t, errors.As(err, &logicErr), "expected logic error, got %v", err)
	return logicErr
}

// memResolver serves documents from memory under "mem:/".
type memResolver struct {
	files map[string]string
}

func (m *memResolver) Resolve(_ context.Context, ref, _ string) (string, error) {
	location := ref
	if !strings.HasPrefix(ref, "mem:/") {
		location = "mem:/" + ref
	}
	if _, ok := m.files[location]; !ok {
		return "", fmt.Errorf("%s not found", ref)
	}
	return location, nil
}

func (m *memResolver) Fetch(_ context.Context, location string) ([]byte, error) {
	content, ok := m.files[location]
	if !ok {
		return nil, fmt.Errorf("%s not found", location)
	}
	return []byte(content), nil
}

// =============================================================================
// Node Compilation Tests
// =============================================================================

func TestCompile_MinimalBlueprint(t *testing.T) {
	plan := compile(t, `
    - name: server
      type: vm
`)

	assert.Equal(t, "app", plan.Name)
	require.Len(t, plan.Nodes, 1)

	server := plan.Nodes[0]
	assert.Equal(t, "app.server", server.ID)
	assert.Equal(t, "server", server.Name)
	assert.Equal(t, "vm", server.Type)
	assert.Equal(t, "vm", server.DeclaredType)
	assert.Equal(t, []string{"cloudify.types.host", "vm"}, server.TypeHierarchy)
	assert.Equal(t, map[string]any{}, server.Properties["cloudify_runtime"])
	assert.Equal(t, dsl.Instances{Deploy: 1}, server.Instances)
	assert.Equal(t, "app.server", server.HostID)
	assert.True(t, server.IsHost())

	start := dsl.Operation{Plugin: "host_plugin", Operation: "start"}
	assert.Equal(t, map[string]dsl.Operation{
		"start":                               start,
		"cloudify.interfaces.lifecycle.start": start,
	}, server.Operations)

	require.Contains(t, server.Plugins, "host_plugin")
	assert.False(t, server.Plugins["host_plugin"].AgentPlugin)

	// remote plugins are never installed
	assert.NotNil(t, server.PluginsToInstall)
	assert.Empty(t, server.PluginsToInstall)
}

func TestCompile_NodeOverridesType(t *testing.T) {
	plan := compile(t, `
    - name: server
      type: vm
    - name: web
      type: app_module
      instances:
        deploy: 3
      properties:
        port: 9090
        extra: true
      interfaces:
        cloudify.interfaces.lifecycle:
          - start: host_plugin.start
          - stop: app_plugin.stop
      relationships:
        - type: cloudify.relationships.contained_in
          target: server
`)

	web := plan.Node("app.web")
	require.NotNil(t, web)

	assert.Equal(t, 9090, web.Properties["port"])
	assert.Equal(t, false, web.Properties["debug"])
	assert.Equal(t, true, web.Properties["extra"])
	assert.Equal(t, dsl.Instances{Deploy: 3}, web.Instances)

	assert.Equal(t, dsl.Operation{Plugin: "app_plugin", Operation: "configure"}, web.Operations["configure"])
	assert.Equal(t, dsl.Operation{Plugin: "host_plugin", Operation: "start"}, web.Operations["start"])
	assert.Equal(t, dsl.Operation{Plugin: "app_plugin", Operation: "stop"}, web.Operations["cloudify.interfaces.lifecycle.stop"])
	assert.Contains(t, web.Plugins, "host_plugin")
	assert.Contains(t, web.Plugins, "app_plugin")
}

func TestCompile_Autowire(t *testing.T) {
	plan := compile(t, `
    - name: server
      type: cloudify.types.host
`)

	server := plan.Nodes[0]
	assert.Equal(t, "vm", server.Type)
	assert.Equal(t, "cloudify.types.host", server.DeclaredType)
	assert.Equal(t, "app.server", server.HostID)
}

func TestCompile_OperationNameInTwoInterfaces(t *testing.T) {
	plan := compile(t, `
    - name: server
      type: vm
      interfaces:
        custom:
          - start: app_plugin.start
`)

	ops := plan.Nodes[0].Operations
	assert.NotContains(t, ops, "start")
	assert.Equal(t, "host_plugin", ops["cloudify.interfaces.lifecycle.start"].Plugin)
	assert.Equal(t, "app_plugin", ops["custom.start"].Plugin)
}

// =============================================================================
// Relationship and Post-processing Tests
// =============================================================================

func TestCompile_HostedNode(t *testing.T) {
	plan := compile(t, `
    - name: server
      type: vm
    - name: web
      type: app_module
      relationships:
        - type: cloudify.relationships.contained_in
          target: server
          properties:
            mount: /srv
`)

	server := plan.Node("app.server")
	web := plan.Node("app.web")

	assert.Equal(t, "app.server", web.HostID)
	assert.False(t, web.IsHost())
	assert.Equal(t, []string{"app.web"}, server.Dependents)
	assert.Nil(t, web.PluginsToInstall)

	require.Len(t, server.PluginsToInstall, 1)
	assert.Equal(t, "app_plugin", server.PluginsToInstall[0].Name)
	assert.True(t, server.PluginsToInstall[0].AgentPlugin)
	assert.Equal(t, "http://plugins.local/app.zip", server.PluginsToInstall[0].Properties["url"])

	require.Len(t, web.Relationships, 1)
	rel := web.Relationships[0]
	assert.Equal(t, "cloudify.relationships.contained_in", rel.Type)
	assert.Equal(t, "app.server", rel.TargetID)
	assert.Equal(t, dsl.StateReachable, rel.State)
	assert.Equal(t, dsl.BaseContained, rel.Base)
	assert.Equal(t, []string{"cloudify.relationships.depends_on", "cloudify.relationships.contained_in"}, rel.TypeHierarchy)
	assert.Equal(t, map[string]any{"mount": "/srv"}, rel.Properties)
}

func TestCompile_HostInferenceChain(t *testing.T) {
	plan := compile(t, `
    - name: server
      type: vm
    - name: container
      type: middleware
      relationships:
        - type: cloudify.relationships.contained_in
          target: server
    - name: web
      type: app_module
      relationships:
        - type: cloudify.relationships.connected_to
          target: container
        - type: cloudify.relationships.contained_in
          target: container
`)

	assert.Equal(t, "app.server", plan.Node("app.container").HostID)
	assert.Equal(t, "app.server", plan.Node("app.web").HostID)

	server := plan.Node("app.server")
	require.Len(t, server.PluginsToInstall, 1)
	assert.Equal(t, "app_plugin", server.PluginsToInstall[0].Name)

	// one dependent entry per source node
	assert.Equal(t, []string{"app.web"}, plan.Node("app.container").Dependents)
}

func TestCompile_ContainmentCycle(t *testing.T) {
	err := compileErr(t, blueprint(`
    - name: a
      type: middleware
      relationships:
        - type: cloudify.relationships.contained_in
          target: b
    - name: b
      type: middleware
      relationships:
        - type: cloudify.relationships.contained_in
          target: a
`))

	assert.Equal(t, dsl.CodeCircularDependency, err.Code)
	assert.Equal(t, []string{"app.a", "app.b", "app.a"}, err.CircularDependency)
}

func TestCompile_RelationshipBases(t *testing.T) {
	plan := compile(t, `
    - name: server
      type: vm
    - name: other
      type: middleware
      relationships:
        - type: cloudify.relationships.connected_to
          target: server
        - type: custom_link
          target: server
        - type: standalone
          target: server
`)

	rels := plan.Node("app.other").Relationships
	require.Len(t, rels, 3)
	assert.Equal(t, dsl.BaseConnected, rels[0].Base)
	assert.Equal(t, dsl.BaseDepends, rels[1].Base)
	assert.Equal(t, dsl.BaseUndefined, rels[2].Base)
	assert.Empty(t, plan.Node("app.other").HostID)
}

func TestCompile_RelationshipOperations(t *testing.T) {
	plan := compile(t, `
    - name: server
      type: vm
    - name: db
      type: middleware
      relationships:
        - type: cloudify.relationships.contained_in
          target: server
    - name: web
      type: middleware
      relationships:
        - type: cloudify.relationships.contained_in
          target: server
        - type: cloudify.relationships.connected_to
          target: db
          source_interfaces:
            cloudify.interfaces.relationship_lifecycle:
              - preconfigure: app_plugin.configure_source
          target_interfaces:
            cloudify.interfaces.relationship_lifecycle:
              - establish: host_plugin.establish
`)

	web := plan.Node("app.web")
	db := plan.Node("app.db")

	rel := web.Relationships[1]
	preconfigure := dsl.Operation{Plugin: "app_plugin", Operation: "configure_source"}
	assert.Equal(t, map[string]dsl.Operation{
		"preconfigure": preconfigure,
		"cloudify.interfaces.relationship_lifecycle.preconfigure": preconfigure,
	}, rel.SourceOperations)
	assert.Equal(t, "establish", rel.TargetOperations["establish"].Operation)

	// source-side plugins go to the source node, target-side to the target
	assert.Contains(t, web.Plugins, "app_plugin")
	assert.NotContains(t, web.Plugins, "host_plugin")
	assert.Contains(t, db.Plugins, "host_plugin")

	assert.Equal(t, []string{"app.db", "app.web"}, plan.Node("app.server").Dependents)
	assert.Equal(t, []string{"app.web"}, db.Dependents)

	server := plan.Node("app.server")
	require.Len(t, server.PluginsToInstall, 1)
	assert.Equal(t, "app_plugin", server.PluginsToInstall[0].Name)
}

func TestCompile_TopLevelRelationships(t *testing.T) {
	plan := compile(t, `
    - name: server
      type: vm
`)

	def := plan.Relationships["cloudify.relationships.contained_in"]
	require.NotNil(t, def)
	assert.Equal(t, "cloudify.relationships.contained_in", def.Name)
	assert.Equal(t, []string{"cloudify.relationships.depends_on", "cloudify.relationships.contained_in"}, def.TypeHierarchy)
	assert.Len(t, plan.Relationships, 5)
}

func TestCompile_ExcludedPluginsNotInstalled(t *testing.T) {
	plan := compile(t, `
    - name: server
      type: vm
      interfaces:
        kv:
          - put: cloudify.plugins.kv_store.put
`)

	server := plan.Nodes[0]
	assert.Contains(t, server.Plugins, "cloudify.plugins.kv_store")
	assert.Empty(t, server.PluginsToInstall)
}

func TestCompile_PluginKindsDeclaredAsPlugins(t *testing.T) {
	text := []byte(library + `
  cloudify.plugins.remote_plugin:
    derived_from: cloudify.plugins.plugin
  cloudify.plugins.agent_plugin:
    derived_from: cloudify.plugins.plugin
  remote:
    derived_from: cloudify.plugins.remote_plugin
  chained:
    derived_from: remote
  agent:
    derived_from: cloudify.plugins.agent_plugin
blueprint:
  name: app
  topology:
    - name: server
      type: vm
      interfaces:
        custom:
          - run: remote.run
          - walk: chained.walk
          - talk: agent.talk
`)

	plan, err := New(nil).Compile(context.Background(), text, nil)
	require.NoError(t, err)

	server := plan.Nodes[0]
	require.Contains(t, server.Plugins, "remote")
	assert.False(t, server.Plugins["remote"].AgentPlugin)
	require.Contains(t, server.Plugins, "chained")
	assert.False(t, server.Plugins["chained"].AgentPlugin)
	require.Contains(t, server.Plugins, "agent")
	assert.True(t, server.Plugins["agent"].AgentPlugin)
}

// =============================================================================
// Policies and Workflows Tests
// =============================================================================

func TestCompile_PoliciesAndWorkflows(t *testing.T) {
	text := []byte(library + `
workflows:
  install:
    radial: define install
policies:
  types:
    start_detection:
      message: start detection
      policy: detect start
  rules:
    state_equals:
      message: state equals
blueprint:
  name: app
  topology:
    - name: server
      type: vm
      workflows:
        heal:
          radial: define heal
      policies:
        - name: start_detection
          rules:
            - type: state_equals
              properties:
                state: running
`)

	plan, err := New(nil).Compile(context.Background(), text, nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"install": "define install"}, plan.Workflows)
	assert.Equal(t, dsl.PolicyEvent{Message: "start detection", Policy: "detect start"}, plan.PoliciesEvents["start_detection"])
	assert.Equal(t, map[string]any{"message": "state equals"}, plan.Rules["state_equals"])

	server := plan.Nodes[0]
	assert.Equal(t, "define heal", server.Workflows["heal"])
	require.Len(t, server.Policies, 1)
	assert.Equal(t, "state_equals", server.Policies[0].Rules[0].Type)
	assert.Equal(t, "running", server.Policies[0].Rules[0].Properties["state"])
	assert.Equal(t, server.Policies, plan.Policies["app.server"])
}

// =============================================================================
// Error Tests
// =============================================================================

func TestCompile_LogicErrors(t *testing.T) {
	tests := []struct {
		name     string
		text     []byte
		wantCode int
		contains string
	}{
		{
			name: "undefined node type",
			text: blueprint(`
    - name: server
      type: nothing
`),
			wantCode: dsl.CodeUndefinedNodeType,
			contains: "nothing",
		},
		{
			name: "duplicate node",
			text: blueprint(`
    - name: server
      type: vm
    - name: server
      type: vm
`),
			wantCode: dsl.CodeDuplicateNode,
			contains: "2 nodes with name server",
		},
		{
			name: "undefined target",
			text: blueprint(`
    - name: server
      type: vm
      relationships:
        - type: cloudify.relationships.connected_to
          target: ghost
`),
			wantCode: dsl.CodeUndefinedTarget,
			contains: "ghost",
		},
		{
			name: "self target",
			text: blueprint(`
    - name: server
      type: vm
      relationships:
        - type: cloudify.relationships.connected_to
          target: server
`),
			wantCode: dsl.CodeSelfTarget,
		},
		{
			name: "undefined relationship type",
			text: blueprint(`
    - name: server
      type: vm
    - name: other
      type: middleware
      relationships:
        - type: nowhere
          target: server
`),
			wantCode: dsl.CodeUndefinedRelationshipType,
			contains: "nowhere",
		},
		{
			name: "unresolved node operation",
			text: blueprint(`
    - name: server
      type: vm
      interfaces:
        custom:
          - run: missing_plugin.run
`),
			wantCode: dsl.CodeUnresolvedNodeOperation,
			contains: "missing_plugin.run",
		},
		{
			name: "unresolved relationship operation",
			text: blueprint(`
    - name: server
      type: vm
    - name: other
      type: middleware
      relationships:
        - type: cloudify.relationships.connected_to
          target: server
          source_interfaces:
            link:
              - connect: missing_plugin.connect
`),
			wantCode: dsl.CodeUnresolvedRelationshipOperation,
		},
		{
			name: "duplicate operation",
			text: blueprint(`
    - name: server
      type: vm
      interfaces:
        custom:
          - run: host_plugin.run
          - run: host_plugin.run_again
`),
			wantCode: dsl.CodeDuplicateOperation,
		},
		{
			name: "agent plugin without host",
			text: blueprint(`
    - name: web
      type: app_module
`),
			wantCode: dsl.CodeAgentPluginWithoutHost,
			contains: "app_plugin",
		},
		{
			name: "undefined policy",
			text: blueprint(`
    - name: server
      type: vm
      policies:
        - name: missing
          rules: []
`),
			wantCode: dsl.CodeUndefinedPolicy,
		},
		{
			name: "illegal plugin kind",
			text: []byte(library + `
  bad_plugin:
    derived_from: something.else
blueprint:
  name: app
  topology:
    - name: server
      type: vm
      interfaces:
        custom:
          - run: bad_plugin.run
`),
			wantCode: dsl.CodeIllegalPluginKind,
			contains: "something.else",
		},
		{
			name: "undefined rule",
			text: []byte(library + `
policies:
  types:
    start_detection:
      message: start detection
blueprint:
  name: app
  topology:
    - name: server
      type: vm
      policies:
        - name: start_detection
          rules:
            - type: missing_rule
`),
			wantCode: dsl.CodeUndefinedRule,
			contains: "missing_rule",
		},
		{
			name: "node type cycle",
			text: []byte(`
types:
  a:
    derived_from: b
  b:
    derived_from: a
blueprint:
  name: app
  topology:
    - name: n
      type: a
`),
			wantCode: dsl.CodeCircularDependency,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := compileErr(t, tt.text)
			assert.Equal(t, tt.wantCode, err.Code)
			if tt.contains != "" {
				assert.Contains(t, err.Error(), tt.contains)
			}
		})
	}
}

func TestCompile_DuplicateNodeField(t *testing.T) {
	err := compileErr(t, blueprint(`
    - name: server
      type: vm
    - name: server
      type: vm
`))
	assert.Equal(t, "server", err.DuplicateNode)
}

func TestCompile_FormatErrors(t *testing.T) {
	_, err := New(nil).Compile(context.Background(), []byte("blueprint: [unclosed"), nil)
	require.Error(t, err)
	code, ok := dsl.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, dsl.CodeIllegalYAML, code)

	_, err = New(nil).Compile(context.Background(), []byte("types: {}"), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, dsl.ErrFormat))
	code, _ = dsl.CodeOf(err)
	assert.Equal(t, dsl.CodeSchemaInvalid, code)
}

// =============================================================================
// Location and Import Tests
// =============================================================================

func TestCompileFromLocation_WithImports(t *testing.T) {
	resolver := &memResolver{files: map[string]string{
		"mem:/library.yaml": library,
		"mem:/install.radial": "define install from ref",
		"mem:/app.yaml": `
imports:
  - library.yaml
  - app.yaml
workflows:
  install:
    ref: install.radial
blueprint:
  name: app
  topology:
    - name: server
      type: vm
`,
	}}

	plan, err := New(resolver).CompileFromLocation(context.Background(), "main", map[string]string{"main": "app.yaml"})
	require.NoError(t, err)

	assert.Equal(t, "app.server", plan.Nodes[0].ID)
	assert.Equal(t, "define install from ref", plan.Workflows["install"])
}

func TestCompileFromLocation_SelfImportIsIdempotent(t *testing.T) {
	withSelf := &memResolver{files: map[string]string{
		"mem:/library.yaml": library,
		"mem:/app.yaml":     "imports: [library.yaml, app.yaml]\nblueprint:\n  name: app\n  topology:\n    - name: server\n      type: vm\n",
	}}
	without := &memResolver{files: map[string]string{
		"mem:/library.yaml": library,
		"mem:/app.yaml":     "imports: [library.yaml]\nblueprint:\n  name: app\n  topology:\n    - name: server\n      type: vm\n",
	}}

	a, err := New(withSelf).CompileFromLocation(context.Background(), "app.yaml", nil)
	require.NoError(t, err)
	b, err := New(without).CompileFromLocation(context.Background(), "app.yaml", nil)
	require.NoError(t, err)

	assert.Equal(t, b, a)
}

func TestCompileFromLocation_NotFound(t *testing.T) {
	_, err := New(&memResolver{}).CompileFromLocation(context.Background(), "missing.yaml", nil)
	require.Error(t, err)

	var logicErr *dsl.LogicError
	require.True(t, errors.As(err, &logicErr))
	assert.Equal(t, dsl.CodeLocationNotFound, logicErr.Code)
	assert.Equal(t, "missing.yaml", logicErr.Location)
}

func TestCompile_ImportWithoutResolver(t *testing.T) {
	text := []byte("imports: [library.yaml]\nblueprint:\n  name: app\n  topology:\n    - name: server\n      type: vm\n")

	_, err := New(nil).Compile(context.Background(), text, nil)
	require.Error(t, err)
	code, _ := dsl.CodeOf(err)
	assert.Equal(t, dsl.CodeImportFailed, code)
}

func TestNew_WithVocabulary(t *testing.T) {
	c := New(nil, WithVocabulary(dsl.Vocabulary{HostType: "my.host"}))

	assert.Equal(t, "my.host", c.Vocabulary().HostType)
	assert.Equal(t, "cloudify.relationships.contained_in", c.Vocabulary().ContainedInRelationship)

	plan, err := c.Compile(context.Background(), []byte(`
types:
  my.host: {}
blueprint:
  name: app
  topology:
    - name: box
      type: my.host
`), nil)
	require.NoError(t, err)
	assert.Equal(t, "app.box", plan.Nodes[0].HostID)
}
