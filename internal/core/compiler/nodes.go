package compiler

import (
	"fmt"
	"slices"
	"sort"

	"github.com/artpar/blueprint/internal/core/dsl"
	"github.com/artpar/blueprint/internal/core/hierarchy"
	"github.com/artpar/blueprint/internal/core/operations"
)

// builder holds the state of one compilation.
type builder struct {
	doc   *dsl.Document
	vocab dsl.Vocabulary

	appName     string
	nodeNames   map[string]bool
	pluginNames []string
	descendants map[string][]string

	relationships  map[string]hierarchy.Resolved[dsl.RelationshipType]
	policiesEvents map[string]dsl.PolicyEvent
	rules          map[string]map[string]any
	plugins        map[string]dsl.Plugin
}

func newBuilder(doc *dsl.Document, vocab dsl.Vocabulary) *builder {
	pluginNames := make([]string, 0, len(doc.Plugins))
	for name := range doc.Plugins {
		pluginNames = append(pluginNames, name)
	}
	sort.Strings(pluginNames)

	nodeNames := make(map[string]bool, len(doc.Blueprint.Topology))
	for _, decl := range doc.Blueprint.Topology {
		nodeNames[decl.Name] = true
	}

	return &builder{
		doc:           doc,
		vocab:         vocab,
		appName:       doc.Blueprint.Name,
		nodeNames:     nodeNames,
		pluginNames:   pluginNames,
		relationships: make(map[string]hierarchy.Resolved[dsl.RelationshipType]),
		plugins:       make(map[string]dsl.Plugin),
	}
}

func (b *builder) build() (*dsl.Plan, error) {
	if err := b.checkDuplicateNodes(); err != nil {
		return nil, err
	}

	topLevel, err := b.processRelationships()
	if err != nil {
		return nil, err
	}
	b.processPolicies()
	b.descendants = hierarchy.Descendants(b.doc.Types)

	nodes := make([]*dsl.Node, 0, len(b.doc.Blueprint.Topology))
	for _, decl := range b.doc.Blueprint.Topology {
		node, err := b.compileNode(decl)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}

	if err := b.postProcess(nodes); err != nil {
		return nil, err
	}

	plan := &dsl.Plan{
		Name:           b.appName,
		Nodes:          nodes,
		Relationships:  topLevel,
		Workflows:      workflowTexts(b.doc.Workflows),
		Policies:       make(map[string][]dsl.Policy, len(nodes)),
		PoliciesEvents: b.policiesEvents,
		Rules:          b.rules,
	}
	for _, node := range nodes {
		plan.Policies[node.ID] = dsl.ClonePolicies(node.Policies)
	}
	return plan, nil
}

// =============================================================================
// Top-level Sections
// =============================================================================

func (b *builder) checkDuplicateNodes() error {
	counts := make(map[string]int, len(b.doc.Blueprint.Topology))
	for _, decl := range b.doc.Blueprint.Topology {
		counts[decl.Name]++
	}

	names := make([]string, 0, len(counts))
	for name, count := range counts {
		if count > 1 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)

	err := dsl.NewLogicError(dsl.CodeDuplicateNode,
		"duplicate node definition detected, there are %d nodes with name %s defined", counts[names[0]], names[0])
	err.DuplicateNode = names[0]
	return err
}

// processRelationships resolves every declared relationship and validates
// its interface operations.
func (b *builder) processRelationships() (map[string]*dsl.RelationshipDef, error) {
	names := make([]string, 0, len(b.doc.Relationships))
	for name := range b.doc.Relationships {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]*dsl.RelationshipDef, len(names))
	for _, name := range names {
		resolved, err := hierarchy.Resolve(hierarchy.KindRelationship, name, b.doc.Relationships, hierarchy.RelationshipMerger{})
		if err != nil {
			return nil, err
		}

		owner := operations.RelationshipOwner("relationship " + name)
		if err := operations.Validate(resolved.Definition.SourceInterfaces, b.pluginNames, owner); err != nil {
			return nil, err
		}
		if err := operations.Validate(resolved.Definition.TargetInterfaces, b.pluginNames, owner); err != nil {
			return nil, err
		}

		b.relationships[name] = resolved
		def := resolved.Definition.Clone()
		out[name] = &dsl.RelationshipDef{
			Name:             name,
			TypeHierarchy:    slices.Clone(resolved.Hierarchy),
			Properties:       def.Properties,
			SourceInterfaces: def.SourceInterfaces,
			TargetInterfaces: def.TargetInterfaces,
		}
	}
	return out, nil
}

func (b *builder) processPolicies() {
	b.policiesEvents = make(map[string]dsl.PolicyEvent, len(b.doc.Policies.Types))
	for name, decl := range b.doc.Policies.Types {
		b.policiesEvents[name] = dsl.PolicyEvent{
			Message: decl.Message,
			Policy:  decl.Content(),
		}
	}

	b.rules = make(map[string]map[string]any, len(b.doc.Policies.Rules))
	for name, rule := range b.doc.Policies.Rules {
		b.rules[name] = dsl.CloneMap(rule)
		if b.rules[name] == nil {
			b.rules[name] = map[string]any{}
		}
	}
}

func workflowTexts(decls map[string]dsl.WorkflowDecl) map[string]string {
	out := make(map[string]string, len(decls))
	for name, decl := range decls {
		out[name] = decl.Content()
	}
	return out
}

// =============================================================================
// Nodes
// =============================================================================

func (b *builder) nodeID(name string) string {
	return b.appName + "." + name
}

func (b *builder) compileNode(decl dsl.NodeDecl) (*dsl.Node, error) {
	id := b.nodeID(decl.Name)

	if _, ok := b.doc.Types[decl.Type]; !ok {
		return nil, dsl.NewLogicError(dsl.CodeUndefinedNodeType,
			"could not locate node type: %s; existing types: %v", decl.Type, sortedTypeNames(b.doc.Types))
	}

	typeName, err := hierarchy.Autowire(decl.Type, b.descendants)
	if err != nil {
		return nil, err
	}
	resolved, err := hierarchy.Resolve(hierarchy.KindType, typeName, b.doc.Types, hierarchy.NodeTypeMerger{})
	if err != nil {
		return nil, err
	}

	// node-level declarations override the type
	complete := hierarchy.NodeTypeMerger{}.Merge(resolved.Definition, dsl.NodeType{
		Properties: decl.Properties,
		Interfaces: decl.Interfaces,
		Workflows:  decl.Workflows,
		Policies:   decl.Policies,
	})

	flat, err := operations.Flatten(complete.Interfaces, b.pluginNames, operations.NodeOwner(id, typeName))
	if err != nil {
		return nil, err
	}
	plugins := make(map[string]dsl.Plugin, len(flat.Plugins))
	for _, name := range flat.Plugins {
		plugin, err := b.plugin(name)
		if err != nil {
			return nil, err
		}
		plugins[name] = plugin
	}

	relationships, err := b.compileRelationships(decl)
	if err != nil {
		return nil, err
	}

	complete.Properties[b.vocab.RuntimePropertiesKey] = map[string]any{}

	if err := b.checkPolicies(decl.Name, complete.Policies); err != nil {
		return nil, err
	}

	instances := dsl.Instances{Deploy: 1}
	if decl.Instances != nil {
		instances = *decl.Instances
	}

	return &dsl.Node{
		ID:            id,
		Name:          decl.Name,
		Type:          typeName,
		DeclaredType:  decl.Type,
		TypeHierarchy: resolved.Hierarchy,
		Properties:    complete.Properties,
		Operations:    flat.Operations,
		Plugins:       plugins,
		Relationships: relationships,
		Workflows:     workflowTexts(complete.Workflows),
		Policies:      complete.Policies,
		Instances:     instances,
	}, nil
}

func (b *builder) checkPolicies(nodeName string, policies []dsl.Policy) error {
	for _, policy := range policies {
		if _, ok := b.policiesEvents[policy.Name]; !ok {
			return dsl.NewLogicError(dsl.CodeUndefinedPolicy,
				"failed to parse node %s: policy %s not defined", nodeName, policy.Name)
		}
		for _, rule := range policy.Rules {
			if _, ok := b.rules[rule.Type]; !ok {
				return dsl.NewLogicError(dsl.CodeUndefinedRule,
					"failed to parse node %s: rule %s under policy %s not defined", nodeName, rule.Type, policy.Name)
			}
		}
	}
	return nil
}

// plugin resolves a plugin's derived_from chain. The chain must end in the
// agent or remote plugin kind.
func (b *builder) plugin(name string) (dsl.Plugin, error) {
	if cached, ok := b.plugins[name]; ok {
		return cached.Clone(), nil
	}

	resolved, err := hierarchy.Resolve(hierarchy.KindPlugin, name, b.doc.Plugins, hierarchy.PluginMerger{})
	if err != nil {
		return dsl.Plugin{}, err
	}

	kind, ok := b.pluginKind(resolved.Hierarchy, resolved.ExternalRoot)
	if !ok {
		return dsl.Plugin{}, dsl.NewLogicError(dsl.CodeIllegalPluginKind,
			"plugin %s has an illegal \"derived_from\" value %s; value must be either %s or %s",
			name, kind, b.vocab.AgentPluginKind, b.vocab.RemotePluginKind)
	}

	plugin := dsl.Plugin{
		Name:        name,
		AgentPlugin: kind == b.vocab.AgentPluginKind,
		Properties:  resolved.Definition.Properties,
	}
	b.plugins[name] = plugin
	return plugin.Clone(), nil
}

// pluginKind returns the first agent or remote plugin kind met walking up
// from the plugin, which may itself be declared as a plugin. When none is
// met it returns the name the chain ended at.
func (b *builder) pluginKind(hierarchy []string, externalRoot string) (string, bool) {
	ancestors := slices.Clone(hierarchy[:len(hierarchy)-1])
	slices.Reverse(ancestors)
	if externalRoot != "" {
		ancestors = append(ancestors, externalRoot)
	}

	for _, ancestor := range ancestors {
		if ancestor == b.vocab.AgentPluginKind || ancestor == b.vocab.RemotePluginKind {
			return ancestor, true
		}
	}
	return externalRoot, false
}

// =============================================================================
// Relationship Instances
// =============================================================================

func (b *builder) compileRelationships(decl dsl.NodeDecl) ([]dsl.Relationship, error) {
	out := make([]dsl.Relationship, 0, len(decl.Relationships))

	for _, rd := range decl.Relationships {
		if !b.nodeNames[rd.Target] {
			return nil, dsl.NewLogicError(dsl.CodeUndefinedTarget,
				"a relationship instance under node %s of type %s declares an undefined target node %s",
				decl.Name, rd.Type, rd.Target)
		}
		if rd.Target == decl.Name {
			return nil, dsl.NewLogicError(dsl.CodeSelfTarget,
				"a relationship instance under node %s of type %s illegally declares the source node as the target node",
				decl.Name, rd.Type)
		}
		relType, ok := b.relationships[rd.Type]
		if !ok {
			return nil, dsl.NewLogicError(dsl.CodeUndefinedRelationshipType,
				"a relationship instance under node %s declares an undefined relationship type %s",
				decl.Name, rd.Type)
		}

		merged := hierarchy.RelationshipMerger{}.Merge(relType.Definition, dsl.RelationshipType{
			Properties:       rd.Properties,
			SourceInterfaces: rd.SourceInterfaces,
			TargetInterfaces: rd.TargetInterfaces,
		})

		out = append(out, dsl.Relationship{
			Type:             rd.Type,
			TargetID:         b.nodeID(rd.Target),
			State:            dsl.StateReachable,
			Base:             b.base(relType.Hierarchy),
			TypeHierarchy:    slices.Clone(relType.Hierarchy),
			Properties:       merged.Properties,
			SourceInterfaces: merged.SourceInterfaces,
			TargetInterfaces: merged.TargetInterfaces,
		})
	}
	return out, nil
}

// base walks the hierarchy from the leaf up and returns the category of
// the first well-known relationship on it.
func (b *builder) base(typeHierarchy []string) string {
	for i := len(typeHierarchy) - 1; i >= 0; i-- {
		if base, ok := b.vocab.BaseRelationships[typeHierarchy[i]]; ok {
			return base
		}
	}
	return dsl.BaseUndefined
}

func sortedTypeNames(types map[string]dsl.NodeType) []string {
	names := make([]string, 0, len(types))
	for name := range types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func relationshipOwner(rel *dsl.Relationship, nodeID string) operations.Owner {
	return operations.RelationshipOwner(fmt.Sprintf("relationship of type %s in node %s", rel.Type, nodeID))
}
