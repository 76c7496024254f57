// Package multiinstance expands a compiled plan into node instances.
//
// Every node becomes N copies with suffixed ids. Hosts and unhosted nodes
// take N from their own instance count; hosted nodes follow their host so
// that instance i of a contained node lives on instance i of its host.
//
// This is part of the Functional Core - no I/O, no side effects. Suffixes
// come from an injected TokenSource.
package multiinstance

import (
	"errors"
	"fmt"

	"github.com/artpar/blueprint/internal/core/dsl"
)

// maxAttempts bounds the retries for a unique suffix within one node.
const maxAttempts = 1000

var (
	// ErrSuffixExhausted is returned when a token source keeps producing
	// suffixes already taken by the same node.
	ErrSuffixExhausted = errors.New("could not generate a unique instance suffix")

	// ErrUnknownHost is returned when a node names a host that is not in
	// the plan.
	ErrUnknownHost = errors.New("host node not found in plan")

	// ErrInvalidInstances is returned for a null node or a node whose
	// instance count is below one.
	ErrInvalidInstances = errors.New("invalid node instances")
)

// Expand returns a new plan where every node is replaced by its instances.
// The input plan is not modified.
func Expand(plan *dsl.Plan, tokens TokenSource) (*dsl.Plan, error) {
	if err := validateInstances(plan.Nodes); err != nil {
		return nil, err
	}

	out := plan.Clone()

	suffixes, err := suffixMap(out.Nodes, tokens)
	if err != nil {
		return nil, err
	}

	nodes := make([]*dsl.Node, 0, len(out.Nodes))
	for _, node := range out.Nodes {
		nodes = append(nodes, instances(node, suffixes)...)
	}
	out.Nodes = nodes
	return out, nil
}

// validateInstances rejects plans that did not come out of the compiler
// intact, such as hand-edited JSON.
func validateInstances(nodes []*dsl.Node) error {
	for i, node := range nodes {
		if node == nil {
			return fmt.Errorf("node at index %d: %w: node is null", i, ErrInvalidInstances)
		}
		if node.Instances.Deploy < 1 {
			return fmt.Errorf("node %s: %w: deploy must be at least 1, got %d",
				node.ID, ErrInvalidInstances, node.Instances.Deploy)
		}
	}
	return nil
}

// suffixMap assigns each node id its list of instance suffixes. Hosts and
// unhosted nodes go first since hosted nodes take their count from the host.
func suffixMap(nodes []*dsl.Node, tokens TokenSource) (map[string][]string, error) {
	out := make(map[string][]string, len(nodes))

	for _, node := range nodes {
		if node.IsHost() || !node.IsHosted() {
			ids, err := uniqueSuffixes(node.Instances.Deploy, tokens)
			if err != nil {
				return nil, fmt.Errorf("node %s: %w", node.ID, err)
			}
			out[node.ID] = ids
		}
	}

	for _, node := range nodes {
		if node.IsHost() || !node.IsHosted() {
			continue
		}
		hostSuffixes, ok := out[node.HostID]
		if !ok {
			return nil, fmt.Errorf("node %s: %w: %s", node.ID, ErrUnknownHost, node.HostID)
		}
		ids, err := uniqueSuffixes(len(hostSuffixes), tokens)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", node.ID, err)
		}
		out[node.ID] = ids
	}

	return out, nil
}

func uniqueSuffixes(n int, tokens TokenSource) ([]string, error) {
	ids := make([]string, 0, n)
	seen := make(map[string]bool, n)

	for attempts := 0; len(ids) < n; attempts++ {
		if attempts >= maxAttempts {
			return nil, ErrSuffixExhausted
		}
		token := tokens.NextToken()
		if seen[token] {
			continue
		}
		seen[token] = true
		ids = append(ids, token)
	}
	return ids, nil
}

// instances builds the copies of one node.
func instances(node *dsl.Node, suffixes map[string][]string) []*dsl.Node {
	own := suffixes[node.ID]
	hostSuffixes := suffixes[node.HostID]

	out := make([]*dsl.Node, 0, len(own))
	for i, suffix := range own {
		instance := node.Clone()
		instance.ID = instanceID(node.ID, suffix)

		if node.IsHosted() && len(hostSuffixes) > 0 {
			instance.HostID = instanceID(node.HostID, pick(hostSuffixes, i))
		}

		for j := range instance.Relationships {
			rel := &instance.Relationships[j]
			targetSuffixes := suffixes[rel.TargetID]
			if rel.Base == dsl.BaseContained {
				rel.TargetID = instanceID(rel.TargetID, pick(targetSuffixes, i))
			} else {
				// non-contained relationships always target the first instance
				rel.TargetID = instanceID(rel.TargetID, pick(targetSuffixes, 0))
			}
		}

		for j, dependent := range instance.Dependents {
			instance.Dependents[j] = instanceID(dependent, pick(suffixes[dependent], i))
		}

		out = append(out, instance)
	}
	return out
}

// pick returns suffixes[i], falling back to the first suffix when the
// other node has fewer instances.
func pick(suffixes []string, i int) string {
	switch {
	case i < len(suffixes):
		return suffixes[i]
	case len(suffixes) > 0:
		return suffixes[0]
	default:
		return ""
	}
}

// instanceID appends suffix to id. An empty suffix, or one equal to the id
// itself, leaves the id unchanged.
func instanceID(id, suffix string) string {
	if suffix == "" || suffix == id {
		return id
	}
	return id + suffix
}
