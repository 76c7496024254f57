package dsl

// =============================================================================
// Relationship Bases and States
// =============================================================================

// Base relationship categories assigned to relationship instances.
const (
	BaseContained = "contained"
	BaseConnected = "connected"
	BaseDepends   = "depends"
	BaseUndefined = "undefined"
)

// StateReachable is the state of every resolved relationship instance.
const StateReachable = "reachable"

// =============================================================================
// Vocabulary
// =============================================================================

// Vocabulary names the well-known types the compiler gives special meaning
// to. It is configuration so that a renamed type system can be targeted
// without touching the compiler.
type Vocabulary struct {
	// HostType is the node type whose descendants are hosts.
	HostType string `mapstructure:"host_type"`

	// ContainedInRelationship is the relationship whose descendants place a
	// node inside another node.
	ContainedInRelationship string `mapstructure:"contained_in_relationship"`

	// BaseRelationships maps well-known relationship names to the base
	// category of every relationship derived from them.
	BaseRelationships map[string]string `mapstructure:"base_relationships"`

	// AgentPluginKind and RemotePluginKind are the only legal roots of a
	// plugin's derived_from chain.
	AgentPluginKind  string `mapstructure:"agent_plugin_kind"`
	RemotePluginKind string `mapstructure:"remote_plugin_kind"`

	// InstallExclusions are agent plugins never added to plugins_to_install.
	InstallExclusions []string `mapstructure:"install_exclusions"`

	// RuntimePropertiesKey is the always-present runtime placeholder property.
	RuntimePropertiesKey string `mapstructure:"runtime_properties_key"`
}

// DefaultVocabulary returns the type names used by the standard type library.
func DefaultVocabulary() Vocabulary {
	return Vocabulary{
		HostType:                "cloudify.types.host",
		ContainedInRelationship: "cloudify.relationships.contained_in",
		BaseRelationships: map[string]string{
			"cloudify.relationships.contained_in": BaseContained,
			"cloudify.relationships.connected_to": BaseConnected,
			"cloudify.relationships.depends_on":   BaseDepends,
		},
		AgentPluginKind:  "cloudify.plugins.agent_plugin",
		RemotePluginKind: "cloudify.plugins.remote_plugin",
		InstallExclusions: []string{
			"cloudify.plugins.plugin_installer",
			"cloudify.plugins.kv_store",
		},
		RuntimePropertiesKey: "cloudify_runtime",
	}
}

// IsExcludedFromInstall reports whether the plugin is on the exclusion list.
func (v Vocabulary) IsExcludedFromInstall(pluginName string) bool {
	for _, name := range v.InstallExclusions {
		if name == pluginName {
			return true
		}
	}
	return false
}

// WithDefaults fills every empty field from DefaultVocabulary.
func (v Vocabulary) WithDefaults() Vocabulary {
	def := DefaultVocabulary()
	if v.HostType == "" {
		v.HostType = def.HostType
	}
	if v.ContainedInRelationship == "" {
		v.ContainedInRelationship = def.ContainedInRelationship
	}
	if len(v.BaseRelationships) == 0 {
		v.BaseRelationships = def.BaseRelationships
	}
	if v.AgentPluginKind == "" {
		v.AgentPluginKind = def.AgentPluginKind
	}
	if v.RemotePluginKind == "" {
		v.RemotePluginKind = def.RemotePluginKind
	}
	if v.InstallExclusions == nil {
		v.InstallExclusions = def.InstallExclusions
	}
	if v.RuntimePropertiesKey == "" {
		v.RuntimePropertiesKey = def.RuntimePropertiesKey
	}
	return v
}
