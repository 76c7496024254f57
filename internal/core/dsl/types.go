package dsl

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Operation Declarations
// =============================================================================

// OperationDecl is one entry of an interface's operation list. A bare entry
// ("start") has no Mapping; a mapped entry ({start: "plugin.start"}) carries
// the plugin-qualified mapping string.
type OperationDecl struct {
	Name    string
	Mapping string
}

// IsMapped reports whether the declaration carries a mapping string.
func (o OperationDecl) IsMapped() bool {
	return o.Mapping != ""
}

// value returns the document form: a string or a single-entry map.
func (o OperationDecl) value() any {
	if !o.IsMapped() {
		return o.Name
	}
	return map[string]string{o.Name: o.Mapping}
}

// MarshalJSON writes the declaration in its document form.
func (o OperationDecl) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.value())
}

// UnmarshalJSON reads either document form.
func (o *OperationDecl) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	decl, err := ParseOperationDecl(raw)
	if err != nil {
		return err
	}
	*o = decl
	return nil
}

// MarshalYAML writes the declaration in its document form.
func (o OperationDecl) MarshalYAML() (any, error) {
	return o.value(), nil
}

// ParseOperationDecl converts a raw interface list entry.
func ParseOperationDecl(raw any) (OperationDecl, error) {
	switch v := raw.(type) {
	case string:
		return OperationDecl{Name: v}, nil
	case map[string]any:
		if len(v) != 1 {
			return OperationDecl{}, fmt.Errorf("operation mapping must have exactly one entry, got %d", len(v))
		}
		for name, mapping := range v {
			s, ok := mapping.(string)
			if !ok {
				return OperationDecl{}, fmt.Errorf("operation %s: mapping must be a string, got %T", name, mapping)
			}
			return OperationDecl{Name: name, Mapping: s}, nil
		}
	case map[string]string:
		return ParseOperationDecl(CloneValue(v))
	}
	return OperationDecl{}, fmt.Errorf("operation must be a string or a single-entry mapping, got %T", raw)
}

// Interfaces maps interface names to their ordered operation lists.
type Interfaces map[string][]OperationDecl

// Names returns the interface names in sorted order.
func (i Interfaces) Names() []string {
	names := make([]string, 0, len(i))
	for name := range i {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy.
func (i Interfaces) Clone() Interfaces {
	if i == nil {
		return nil
	}
	out := make(Interfaces, len(i))
	for name, ops := range i {
		out[name] = slices.Clone(ops)
	}
	return out
}

// =============================================================================
// Definitions (decoded from the combined document)
// =============================================================================

// Document is the typed view of a combined blueprint document.
type Document struct {
	Blueprint     BlueprintDecl               `mapstructure:"blueprint"`
	Types         map[string]NodeType         `mapstructure:"types"`
	Relationships map[string]RelationshipType `mapstructure:"relationships"`
	Plugins       map[string]PluginDef        `mapstructure:"plugins"`
	Workflows     map[string]WorkflowDecl     `mapstructure:"workflows"`
	Policies      PoliciesDecl                `mapstructure:"policies"`
}

// BlueprintDecl is the blueprint section: the application name and topology.
type BlueprintDecl struct {
	Name     string     `mapstructure:"name"`
	Topology []NodeDecl `mapstructure:"topology"`
}

// NodeDecl is one topology entry as written in the document.
type NodeDecl struct {
	Name          string                  `mapstructure:"name"`
	Type          string                  `mapstructure:"type"`
	Properties    map[string]any          `mapstructure:"properties"`
	Interfaces    Interfaces              `mapstructure:"interfaces"`
	Workflows     map[string]WorkflowDecl `mapstructure:"workflows"`
	Policies      []Policy                `mapstructure:"policies"`
	Relationships []RelationshipDecl      `mapstructure:"relationships"`
	Instances     *Instances              `mapstructure:"instances"`
}

// RelationshipDecl is a relationship instance declared under a node.
type RelationshipDecl struct {
	Type             string         `mapstructure:"type"`
	Target           string         `mapstructure:"target"`
	Properties       map[string]any `mapstructure:"properties"`
	SourceInterfaces Interfaces     `mapstructure:"source_interfaces"`
	TargetInterfaces Interfaces     `mapstructure:"target_interfaces"`
}

// NodeType is a named node type definition.
type NodeType struct {
	DerivedFrom string                  `mapstructure:"derived_from"`
	Implements  string                  `mapstructure:"implements"`
	Properties  map[string]any          `mapstructure:"properties"`
	Interfaces  Interfaces              `mapstructure:"interfaces"`
	Workflows   map[string]WorkflowDecl `mapstructure:"workflows"`
	Policies    []Policy                `mapstructure:"policies"`
}

// Parent returns the derived_from name.
func (t NodeType) Parent() string { return t.DerivedFrom }

// Clone returns a deep copy.
func (t NodeType) Clone() NodeType {
	t.Properties = CloneMap(t.Properties)
	t.Interfaces = t.Interfaces.Clone()
	t.Workflows = maps.Clone(t.Workflows)
	t.Policies = ClonePolicies(t.Policies)
	return t
}

// RelationshipType is a named top-level relationship definition.
type RelationshipType struct {
	DerivedFrom      string         `mapstructure:"derived_from"`
	Properties       map[string]any `mapstructure:"properties"`
	SourceInterfaces Interfaces     `mapstructure:"source_interfaces"`
	TargetInterfaces Interfaces     `mapstructure:"target_interfaces"`
}

// Parent returns the derived_from name.
func (r RelationshipType) Parent() string { return r.DerivedFrom }

// Clone returns a deep copy.
func (r RelationshipType) Clone() RelationshipType {
	r.Properties = CloneMap(r.Properties)
	r.SourceInterfaces = r.SourceInterfaces.Clone()
	r.TargetInterfaces = r.TargetInterfaces.Clone()
	return r
}

// PluginDef is a named plugin definition.
type PluginDef struct {
	DerivedFrom string         `mapstructure:"derived_from"`
	Properties  map[string]any `mapstructure:"properties"`
}

// Parent returns the derived_from name.
func (p PluginDef) Parent() string { return p.DerivedFrom }

// Clone returns a deep copy.
func (p PluginDef) Clone() PluginDef {
	p.Properties = CloneMap(p.Properties)
	return p
}

// WorkflowDecl is a workflow given inline (radial) or by reference. Refs are
// inlined by the import combiner, so Ref holds fetched text by the time the
// compiler sees it.
type WorkflowDecl struct {
	Radial string `mapstructure:"radial"`
	Ref    string `mapstructure:"ref"`
}

// Content returns the workflow text, preferring the ref.
func (w WorkflowDecl) Content() string {
	if w.Ref != "" {
		return w.Ref
	}
	return w.Radial
}

// PoliciesDecl is the top-level policies section.
type PoliciesDecl struct {
	Types map[string]PolicyTypeDecl `mapstructure:"types"`
	Rules map[string]map[string]any `mapstructure:"rules"`
}

// PolicyTypeDecl is a policy event definition, inline or by reference.
type PolicyTypeDecl struct {
	Message string `mapstructure:"message"`
	Policy  string `mapstructure:"policy"`
	Ref     string `mapstructure:"ref"`
}

// Content returns the policy text, preferring the ref.
func (p PolicyTypeDecl) Content() string {
	if p.Ref != "" {
		return p.Ref
	}
	return p.Policy
}

// =============================================================================
// Deployment Plan
// =============================================================================

// Plan is the compiled deployment plan.
type Plan struct {
	Name           string                      `json:"name" yaml:"name"`
	Nodes          []*Node                     `json:"nodes" yaml:"nodes"`
	Relationships  map[string]*RelationshipDef `json:"relationships" yaml:"relationships"`
	Workflows      map[string]string           `json:"workflows" yaml:"workflows"`
	Policies       map[string][]Policy         `json:"policies" yaml:"policies"`
	PoliciesEvents map[string]PolicyEvent      `json:"policies_events" yaml:"policies_events"`
	Rules          map[string]map[string]any   `json:"rules" yaml:"rules"`
}

// Node returns the node with the given id, or nil.
func (p *Plan) Node(id string) *Node {
	for _, n := range p.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	out := &Plan{
		Name:           p.Name,
		Nodes:          make([]*Node, 0, len(p.Nodes)),
		Relationships:  make(map[string]*RelationshipDef, len(p.Relationships)),
		Workflows:      maps.Clone(p.Workflows),
		Policies:       make(map[string][]Policy, len(p.Policies)),
		PoliciesEvents: maps.Clone(p.PoliciesEvents),
		Rules:          make(map[string]map[string]any, len(p.Rules)),
	}
	for _, n := range p.Nodes {
		out.Nodes = append(out.Nodes, n.Clone())
	}
	for name, rel := range p.Relationships {
		out.Relationships[name] = rel.Clone()
	}
	for id, policies := range p.Policies {
		out.Policies[id] = ClonePolicies(policies)
	}
	for name, rule := range p.Rules {
		out.Rules[name] = CloneMap(rule)
	}
	return out
}

// Node is one compiled topology entry.
type Node struct {
	ID               string               `json:"id" yaml:"id"`
	Name             string               `json:"name" yaml:"name"`
	Type             string               `json:"type" yaml:"type"`
	DeclaredType     string               `json:"declared_type" yaml:"declared_type"`
	TypeHierarchy    []string             `json:"type_hierarchy" yaml:"type_hierarchy"`
	Properties       map[string]any       `json:"properties" yaml:"properties"`
	Operations       map[string]Operation `json:"operations" yaml:"operations"`
	Plugins          map[string]Plugin    `json:"plugins" yaml:"plugins"`
	Relationships    []Relationship       `json:"relationships" yaml:"relationships"`
	Workflows        map[string]string    `json:"workflows" yaml:"workflows"`
	Policies         []Policy             `json:"policies" yaml:"policies"`
	Instances        Instances            `json:"instances" yaml:"instances"`
	HostID           string               `json:"host_id,omitempty" yaml:"host_id,omitempty"`
	Dependents       []string             `json:"dependents,omitempty" yaml:"dependents,omitempty"`
	PluginsToInstall []Plugin             `json:"plugins_to_install,omitzero" yaml:"-"`
}

// nodeFields is Node without its YAML methods.
type nodeFields Node

// nodeYAML carries plugins_to_install with the JSON presence rule: emitted
// for host nodes even when empty, absent for every other node.
type nodeYAML struct {
	nodeFields       `yaml:",inline"`
	PluginsToInstall *[]Plugin `yaml:"plugins_to_install,omitempty"`
}

// MarshalYAML emits plugins_to_install exactly when it is non-nil.
func (n Node) MarshalYAML() (any, error) {
	out := nodeYAML{nodeFields: nodeFields(n)}
	if n.PluginsToInstall != nil {
		out.PluginsToInstall = &n.PluginsToInstall
	}
	return out, nil
}

// UnmarshalYAML reads plugins_to_install back as non-nil when present.
func (n *Node) UnmarshalYAML(value *yaml.Node) error {
	var in nodeYAML
	if err := value.Decode(&in); err != nil {
		return err
	}
	*n = Node(in.nodeFields)
	if in.PluginsToInstall != nil {
		n.PluginsToInstall = *in.PluginsToInstall
		if n.PluginsToInstall == nil {
			n.PluginsToInstall = []Plugin{}
		}
	}
	return nil
}

// IsHosted reports whether the node has a host.
func (n *Node) IsHosted() bool {
	return n.HostID != ""
}

// IsHost reports whether the node is its own host.
func (n *Node) IsHost() bool {
	return n.IsHosted() && n.HostID == n.ID
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	c := *n
	c.TypeHierarchy = slices.Clone(n.TypeHierarchy)
	c.Properties = CloneMap(n.Properties)
	c.Operations = maps.Clone(n.Operations)
	c.Workflows = maps.Clone(n.Workflows)
	c.Policies = ClonePolicies(n.Policies)
	c.Dependents = slices.Clone(n.Dependents)
	if n.Plugins != nil {
		c.Plugins = make(map[string]Plugin, len(n.Plugins))
		for name, p := range n.Plugins {
			c.Plugins[name] = p.Clone()
		}
	}
	if n.Relationships != nil {
		c.Relationships = make([]Relationship, len(n.Relationships))
		for i, r := range n.Relationships {
			c.Relationships[i] = r.Clone()
		}
	}
	if n.PluginsToInstall != nil {
		c.PluginsToInstall = make([]Plugin, len(n.PluginsToInstall))
		for i, p := range n.PluginsToInstall {
			c.PluginsToInstall[i] = p.Clone()
		}
	}
	return &c
}

// Instances holds the requested instance count.
type Instances struct {
	Deploy int `json:"deploy" yaml:"deploy" mapstructure:"deploy"`
}

// Operation is a resolved operation: the plugin that runs it and the
// operation name within that plugin.
type Operation struct {
	Plugin    string `json:"plugin" yaml:"plugin"`
	Operation string `json:"operation" yaml:"operation"`
}

// Plugin is a resolved plugin. It serializes flat: its properties plus
// name and agent_plugin.
type Plugin struct {
	Name        string
	AgentPlugin bool
	Properties  map[string]any
}

// Clone returns a deep copy.
func (p Plugin) Clone() Plugin {
	p.Properties = CloneMap(p.Properties)
	return p
}

func (p Plugin) flat() map[string]any {
	out := CloneMap(p.Properties)
	if out == nil {
		out = make(map[string]any, 2)
	}
	out["name"] = p.Name
	out["agent_plugin"] = p.AgentPlugin
	return out
}

// MarshalJSON writes the flat form.
func (p Plugin) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.flat())
}

// MarshalYAML writes the flat form.
func (p Plugin) MarshalYAML() (any, error) {
	return p.flat(), nil
}

// UnmarshalJSON reads the flat form. agent_plugin is accepted as a boolean
// or as the strings "true"/"false".
func (p *Plugin) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	name, _ := raw["name"].(string)
	var agent bool
	switch v := raw["agent_plugin"].(type) {
	case bool:
		agent = v
	case string:
		agent = v == "true"
	}
	delete(raw, "name")
	delete(raw, "agent_plugin")
	*p = Plugin{Name: name, AgentPlugin: agent, Properties: raw}
	return nil
}

// Relationship is a resolved relationship instance on a node.
type Relationship struct {
	Type             string               `json:"type" yaml:"type"`
	TargetID         string               `json:"target_id" yaml:"target_id"`
	State            string               `json:"state" yaml:"state"`
	Base             string               `json:"base" yaml:"base"`
	TypeHierarchy    []string             `json:"type_hierarchy" yaml:"type_hierarchy"`
	Properties       map[string]any       `json:"properties,omitempty" yaml:"properties,omitempty"`
	SourceInterfaces Interfaces           `json:"source_interfaces,omitempty" yaml:"source_interfaces,omitempty"`
	TargetInterfaces Interfaces           `json:"target_interfaces,omitempty" yaml:"target_interfaces,omitempty"`
	SourceOperations map[string]Operation `json:"source_operations,omitempty" yaml:"source_operations,omitempty"`
	TargetOperations map[string]Operation `json:"target_operations,omitempty" yaml:"target_operations,omitempty"`
}

// Clone returns a deep copy.
func (r Relationship) Clone() Relationship {
	r.TypeHierarchy = slices.Clone(r.TypeHierarchy)
	r.Properties = CloneMap(r.Properties)
	r.SourceInterfaces = r.SourceInterfaces.Clone()
	r.TargetInterfaces = r.TargetInterfaces.Clone()
	r.SourceOperations = maps.Clone(r.SourceOperations)
	r.TargetOperations = maps.Clone(r.TargetOperations)
	return r
}

// RelationshipDef is a top-level relationship resolved through its hierarchy.
type RelationshipDef struct {
	Name             string         `json:"name" yaml:"name"`
	TypeHierarchy    []string       `json:"type_hierarchy" yaml:"type_hierarchy"`
	Properties       map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`
	SourceInterfaces Interfaces     `json:"source_interfaces,omitempty" yaml:"source_interfaces,omitempty"`
	TargetInterfaces Interfaces     `json:"target_interfaces,omitempty" yaml:"target_interfaces,omitempty"`
}

// Clone returns a deep copy.
func (r *RelationshipDef) Clone() *RelationshipDef {
	c := *r
	c.TypeHierarchy = slices.Clone(r.TypeHierarchy)
	c.Properties = CloneMap(r.Properties)
	c.SourceInterfaces = r.SourceInterfaces.Clone()
	c.TargetInterfaces = r.TargetInterfaces.Clone()
	return &c
}

// Policy is a node policy: a declared policy type and its rules.
type Policy struct {
	Name  string `json:"name" yaml:"name" mapstructure:"name"`
	Rules []Rule `json:"rules" yaml:"rules" mapstructure:"rules"`
}

// Rule is one rule of a node policy.
type Rule struct {
	Type       string         `json:"type" yaml:"type" mapstructure:"type"`
	Properties map[string]any `json:"properties,omitempty" yaml:"properties,omitempty" mapstructure:"properties"`
}

// ClonePolicies returns a deep copy of a policy list.
func ClonePolicies(policies []Policy) []Policy {
	if policies == nil {
		return nil
	}
	out := make([]Policy, len(policies))
	for i, p := range policies {
		out[i] = Policy{Name: p.Name}
		if p.Rules != nil {
			out[i].Rules = make([]Rule, len(p.Rules))
			for j, r := range p.Rules {
				out[i].Rules[j] = Rule{Type: r.Type, Properties: CloneMap(r.Properties)}
			}
		}
	}
	return out
}

// PolicyEvent is a processed top-level policy type.
type PolicyEvent struct {
	Message string `json:"message" yaml:"message"`
	Policy  string `json:"policy" yaml:"policy"`
}
