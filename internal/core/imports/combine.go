// Package imports merges a blueprint document with every document it
// imports, transitively, into one combined document.
//
// Retrieval is delegated to a Resolver; everything else here is pure.
package imports

import (
	"context"
	"maps"
	"sort"
	"strings"

	"github.com/artpar/blueprint/internal/core/dsl"
	"github.com/artpar/blueprint/internal/core/schema"
)

// Document section names with special meaning during combination.
const (
	SectionImports  = "imports"
	SectionPolicies = "policies"
	refKey          = "ref"
)

// noOverrideSections merge their top-level keys; a key defined by two
// documents is a conflict.
var noOverrideSections = map[string]bool{
	"interfaces":    true,
	"types":         true,
	"plugins":       true,
	"workflows":     true,
	"relationships": true,
}

// nestedSections merge one level deeper with the same conflict rule.
var nestedSections = map[string]bool{
	SectionPolicies: true,
}

// Resolver locates and retrieves documents.
type Resolver interface {
	// Resolve turns a reference into a retrievable location. Relative
	// references are looked up next to contextLocation when it is set.
	Resolve(ctx context.Context, ref, contextLocation string) (string, error)

	// Fetch returns the content stored at a resolved location.
	Fetch(ctx context.Context, location string) ([]byte, error)
}

// =============================================================================
// Combine
// =============================================================================

// Combine returns a new document holding root merged with all of its
// transitive imports. rootLocation is where root was read from and may be
// empty for documents given as text. aliases rewrite import and ref names
// before resolution.
//
// Every "ref" value in root and in each imported document is replaced by
// the text it points to, resolved relative to the document that holds it.
// Imports are ordered depth-first and deduplicated by resolved location;
// a location already visited (including rootLocation) is not merged again.
// root is not modified.
func Combine(ctx context.Context, root map[string]any, rootLocation string, aliases map[string]string, r Resolver) (map[string]any, error) {
	c := &combiner{
		ctx:      ctx,
		aliases:  aliases,
		resolver: r,
		visited:  make(map[string]bool),
		docs:     make(map[string]map[string]any),
	}

	inlined, err := c.inlineRefs(root, rootLocation)
	if err != nil {
		return nil, err
	}
	combined := inlined.(map[string]any)

	if _, ok := root[SectionImports]; !ok {
		return combined, nil
	}

	if rootLocation != "" {
		c.visited[rootLocation] = true
	}
	if err := c.collect(root, rootLocation); err != nil {
		return nil, err
	}

	for _, location := range c.order {
		imported, err := c.inlineRefs(c.docs[location], location)
		if err != nil {
			return nil, err
		}
		combined, err = merge(combined, imported.(map[string]any))
		if err != nil {
			return nil, err
		}
	}

	delete(combined, SectionImports)
	return combined, nil
}

type combiner struct {
	ctx      context.Context
	aliases  map[string]string
	resolver Resolver

	visited map[string]bool
	order   []string
	docs    map[string]map[string]any
}

func (c *combiner) alias(name string) string {
	if target, ok := c.aliases[name]; ok {
		return target
	}
	return name
}

// collect walks doc's imports depth-first, recording each new location in
// visit order.
func (c *combiner) collect(doc map[string]any, location string) error {
	section, ok := doc[SectionImports]
	if !ok {
		return nil
	}
	if err := schema.ValidateImports(section, location); err != nil {
		return err
	}

	refs, _ := section.([]any)
	for _, raw := range refs {
		ref := c.alias(raw.(string))

		importLocation, err := c.resolver.Resolve(c.ctx, ref, location)
		if err != nil {
			return importError(ref, "no suitable location found for import %s: %v", ref, err)
		}
		if c.visited[importLocation] {
			continue
		}
		c.visited[importLocation] = true

		data, err := c.resolver.Fetch(c.ctx, importLocation)
		if err != nil {
			return importError(importLocation, "unable to open import %s: %v", importLocation, err)
		}
		imported, err := dsl.ParseDocument(data, "failed to parse import "+importLocation)
		if err != nil {
			return err
		}

		c.order = append(c.order, importLocation)
		c.docs[importLocation] = imported

		if err := c.collect(imported, importLocation); err != nil {
			return err
		}
	}
	return nil
}

// inlineRefs returns a copy of v with every string "ref" value replaced by
// the content it points to.
func (c *combiner) inlineRefs(v any, location string) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for key, value := range t {
			if name, ok := value.(string); ok && key == refKey {
				content, err := c.fetchRef(name, location)
				if err != nil {
					return nil, err
				}
				out[key] = content
				continue
			}
			inlined, err := c.inlineRefs(value, location)
			if err != nil {
				return nil, err
			}
			out[key] = inlined
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, value := range t {
			inlined, err := c.inlineRefs(value, location)
			if err != nil {
				return nil, err
			}
			out[i] = inlined
		}
		return out, nil
	default:
		return dsl.CloneValue(v), nil
	}
}

func (c *combiner) fetchRef(name, location string) (string, error) {
	name = c.alias(name)

	refLocation, err := c.resolver.Resolve(c.ctx, name, location)
	if err != nil {
		return "", refError(name, "failed on ref - unable to locate ref %s: %v", name, err)
	}
	data, err := c.resolver.Fetch(c.ctx, refLocation)
	if err != nil {
		return "", refError(name, "failed on ref - unable to open file %s (searched for %s): %v", name, refLocation, err)
	}
	return string(data), nil
}

// =============================================================================
// Merge
// =============================================================================

// merge returns a new document with imported's sections merged into
// combined according to each section's merge rule.
func merge(combined, imported map[string]any) (map[string]any, error) {
	out := maps.Clone(combined)

	for _, key := range sortedKeys(imported) {
		if key == SectionImports {
			continue
		}
		value := imported[key]

		existing, ok := out[key]
		if !ok {
			out[key] = value
			continue
		}

		switch {
		case noOverrideSections[key]:
			merged, err := mergeNoOverride(existing, value, key, []string{key})
			if err != nil {
				return nil, err
			}
			out[key] = merged

		case nestedSections[key]:
			existingMap, ok1 := asMap(existing)
			importedMap, ok2 := asMap(value)
			if !ok1 || !ok2 {
				return nil, dsl.NewLogicError(dsl.CodeNonMergeableField,
					"failed on import: section %s must be a mapping to be merged", key)
			}
			result := maps.Clone(existingMap)
			for _, nestedKey := range sortedKeys(importedMap) {
				nestedValue := importedMap[nestedKey]
				current, ok := result[nestedKey]
				if !ok {
					result[nestedKey] = nestedValue
					continue
				}
				merged, err := mergeNoOverride(current, nestedValue, key, []string{key, nestedKey})
				if err != nil {
					return nil, err
				}
				result[nestedKey] = merged
			}
			out[key] = result

		default:
			return nil, dsl.NewLogicError(dsl.CodeNonMergeableField,
				"failed on import: non-mergeable field %s", key)
		}
	}
	return out, nil
}

// mergeNoOverride adds from's keys to a copy of into; a key present in both
// is a conflict reported with its path.
func mergeNoOverride(into, from any, section string, path []string) (map[string]any, error) {
	intoMap, ok1 := asMap(into)
	fromMap, ok2 := asMap(from)
	if !ok1 || !ok2 {
		return nil, dsl.NewLogicError(dsl.CodeNonMergeableField,
			"failed on import: %s must be a mapping to be merged", strings.Join(path, " --> "))
	}

	out := maps.Clone(intoMap)
	if out == nil {
		out = make(map[string]any, len(fromMap))
	}
	for _, key := range sortedKeys(fromMap) {
		if _, exists := out[key]; exists {
			conflict := append(append([]string(nil), path...), key)
			return nil, dsl.NewLogicError(dsl.CodeMergeConflict,
				"failed on import: could not merge %s due to conflict on path %s",
				section, strings.Join(conflict, " --> "))
		}
		out[key] = fromMap[key]
	}
	return out, nil
}

// =============================================================================
// Helpers
// =============================================================================

// asMap treats a missing (nil) section as empty.
func asMap(v any) (map[string]any, bool) {
	if v == nil {
		return map[string]any{}, true
	}
	m, ok := v.(map[string]any)
	return m, ok
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func importError(location, format string, args ...any) *dsl.LogicError {
	err := dsl.NewLogicError(dsl.CodeImportFailed, format, args...)
	err.Location = location
	return err
}

func refError(location, format string, args ...any) *dsl.LogicError {
	err := dsl.NewLogicError(dsl.CodeRefFailed, format, args...)
	err.Location = location
	return err
}
