package compiler

import (
	"slices"
	"sort"

	"github.com/artpar/blueprint/internal/core/dsl"
	"github.com/artpar/blueprint/internal/core/hierarchy"
	"github.com/artpar/blueprint/internal/core/operations"
)

// =============================================================================
// Post-processing
// =============================================================================

// postProcess runs the passes that need every compiled node: relationship
// operations and dependents, host inference, plugins to install, and the
// agent plugin placement check.
func (b *builder) postProcess(nodes []*dsl.Node) error {
	byID := make(map[string]*dsl.Node, len(nodes))
	for _, node := range nodes {
		byID[node.ID] = node
	}

	for _, node := range nodes {
		if err := b.processRelationshipOperations(node, byID); err != nil {
			return err
		}
	}

	hostTypes := hierarchy.Family(b.vocab.HostType, b.doc.Types)
	containedIn := hierarchy.Family(b.vocab.ContainedInRelationship, b.doc.Relationships)
	for _, node := range nodes {
		hostID, err := findHost(node, byID, hostTypes, containedIn)
		if err != nil {
			return err
		}
		node.HostID = hostID
	}

	for _, node := range nodes {
		if hostTypes[node.Type] {
			node.PluginsToInstall = b.pluginsToInstall(node, nodes)
		}
	}

	return checkAgentPlugins(nodes)
}

// processRelationshipOperations records node as a dependent of each target
// and flattens relationship operations. Source-side plugins belong to the
// node, target-side plugins to the target node.
func (b *builder) processRelationshipOperations(node *dsl.Node, byID map[string]*dsl.Node) error {
	for i := range node.Relationships {
		rel := &node.Relationships[i]
		target := byID[rel.TargetID]
		if !slices.Contains(target.Dependents, node.ID) {
			target.Dependents = append(target.Dependents, node.ID)
		}

		owner := relationshipOwner(rel, node.ID)

		if len(rel.SourceInterfaces) > 0 {
			flat, err := operations.Flatten(rel.SourceInterfaces, b.pluginNames, owner)
			if err != nil {
				return err
			}
			if err := b.addPlugins(node, flat.Plugins); err != nil {
				return err
			}
			rel.SourceOperations = flat.Operations
		}

		if len(rel.TargetInterfaces) > 0 {
			flat, err := operations.Flatten(rel.TargetInterfaces, b.pluginNames, owner)
			if err != nil {
				return err
			}
			if err := b.addPlugins(target, flat.Plugins); err != nil {
				return err
			}
			rel.TargetOperations = flat.Operations
		}
	}
	return nil
}

func (b *builder) addPlugins(node *dsl.Node, names []string) error {
	for _, name := range names {
		plugin, err := b.plugin(name)
		if err != nil {
			return err
		}
		node.Plugins[name] = plugin
	}
	return nil
}

// findHost follows the first contained-in relationship of each node until
// a node of a host type is reached. A node contained in itself, directly or
// through other nodes, is a circular dependency.
func findHost(node *dsl.Node, byID map[string]*dsl.Node, hostTypes, containedIn map[string]bool) (string, error) {
	var path []string
	current := node

	for {
		if hostTypes[current.Type] {
			return current.ID, nil
		}
		if slices.Contains(path, current.ID) {
			return "", dsl.NewCircularDependencyError("node", node.ID, append(path, current.ID))
		}
		path = append(path, current.ID)

		next := ""
		for _, rel := range current.Relationships {
			if containedIn[rel.Type] {
				next = rel.TargetID
				break
			}
		}
		if next == "" {
			return "", nil
		}
		current = byID[next]
	}
}

// pluginsToInstall collects the agent plugins of every node hosted on
// host, deduplicated and sorted by name.
func (b *builder) pluginsToInstall(host *dsl.Node, nodes []*dsl.Node) []dsl.Plugin {
	collected := make(map[string]dsl.Plugin)
	for _, other := range nodes {
		if other.HostID != host.ID {
			continue
		}
		for name, plugin := range other.Plugins {
			if !plugin.AgentPlugin || b.vocab.IsExcludedFromInstall(plugin.Name) {
				continue
			}
			if _, ok := collected[name]; !ok {
				collected[name] = plugin.Clone()
			}
		}
	}

	out := make([]dsl.Plugin, 0, len(collected))
	for _, plugin := range collected {
		out = append(out, plugin)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func checkAgentPlugins(nodes []*dsl.Node) error {
	for _, node := range nodes {
		if node.IsHosted() {
			continue
		}
		names := make([]string, 0, len(node.Plugins))
		for name := range node.Plugins {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			if node.Plugins[name].AgentPlugin {
				return dsl.NewLogicError(dsl.CodeAgentPluginWithoutHost,
					"node %s has no relationship which makes it contained within a host and it has an agent plugin named %s, agent plugins must be installed on a host",
					node.ID, name)
			}
		}
	}
	return nil
}
