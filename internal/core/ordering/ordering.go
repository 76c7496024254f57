// Package ordering derives the install order of a plan's nodes from their
// relationships. A node is installed after every node it has a relationship
// to, and its host.
//
// This is part of the Functional Core - all functions are pure with no I/O.
package ordering

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/artpar/blueprint/internal/core/dsl"
)

// ErrDependencyCycle is returned when relationships form a cycle, so no
// install order exists.
var ErrDependencyCycle = errors.New("relationship dependency cycle")

// ErrNullNode is returned for a plan whose node list holds a null entry.
var ErrNullNode = errors.New("plan contains a null node")

// =============================================================================
// Install Order
// =============================================================================

// InstallOrder groups node ids into batches using Kahn's algorithm. Every
// node in a batch depends only on nodes of earlier batches, so a batch can
// be installed in parallel. Ids within a batch are sorted.
//
// Example:
//
//	// web contained_in server, web connected_to db
//	InstallOrder(plan) // [[app.db app.server] [app.web]]
//
// Relationships to nodes outside the plan are ignored.
func InstallOrder(plan *dsl.Plan) ([][]string, error) {
	if len(plan.Nodes) == 0 {
		return [][]string{}, nil
	}

	inDegree := make(map[string]int, len(plan.Nodes))
	dependents := make(map[string][]string)

	for i, node := range plan.Nodes {
		if node == nil {
			return nil, fmt.Errorf("%w at index %d", ErrNullNode, i)
		}
		inDegree[node.ID] += 0
	}
	for _, node := range plan.Nodes {
		for _, dep := range dependencies(node, inDegree) {
			inDegree[node.ID]++
			dependents[dep] = append(dependents[dep], node.ID)
		}
	}

	var ready []string
	for id, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, id)
		}
	}

	var batches [][]string
	placed := 0
	for len(ready) > 0 {
		slices.Sort(ready)
		batches = append(batches, ready)
		placed += len(ready)

		var next []string
		for _, id := range ready {
			for _, dep := range dependents[id] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		ready = next
	}

	if placed < len(inDegree) {
		var remaining []string
		for id, degree := range inDegree {
			if degree > 0 {
				remaining = append(remaining, id)
			}
		}
		slices.Sort(remaining)
		return nil, fmt.Errorf("%w among nodes: %s", ErrDependencyCycle, strings.Join(remaining, ", "))
	}

	return batches, nil
}

// dependencies lists the distinct in-plan nodes node must wait for.
func dependencies(node *dsl.Node, known map[string]int) []string {
	var deps []string
	add := func(id string) {
		if id == "" || id == node.ID || slices.Contains(deps, id) {
			return
		}
		if _, ok := known[id]; ok {
			deps = append(deps, id)
		}
	}

	add(node.HostID)
	for _, rel := range node.Relationships {
		add(rel.TargetID)
	}
	return deps
}
