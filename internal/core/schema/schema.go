// Package schema defines the structural grammar of blueprint documents and
// validates parsed documents against it.
//
// The grammar is expressed as OpenAPI 3 schema objects so it can be served
// to tooling as-is. Validation only checks shape; semantic checks belong to
// the compiler.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/artpar/blueprint/internal/core/dsl"
)

var (
	blueprintSchema = newBlueprintSchema()
	importsSchema   = newImportsSchema()
)

// Blueprint returns the schema of a combined blueprint document.
// The returned schema is shared and must not be modified.
func Blueprint() *openapi3.Schema {
	return blueprintSchema
}

// Imports returns the schema of a single document's imports section.
// The returned schema is shared and must not be modified.
func Imports() *openapi3.Schema {
	return importsSchema
}

// =============================================================================
// Validation
// =============================================================================

// ValidateBlueprint checks a combined document against the blueprint schema.
// A violation is returned as a FormatError with code CodeSchemaInvalid whose
// Path points at the offending value.
func ValidateBlueprint(doc map[string]any) error {
	if err := visit(blueprintSchema, doc); err != nil {
		return toFormatError(dsl.CodeSchemaInvalid, "", err)
	}
	return nil
}

// ValidateImports checks one document's imports section. location names the
// document for the error message and may be empty.
func ValidateImports(section any, location string) error {
	if err := visit(importsSchema, section); err != nil {
		prefix := "improper \"imports\" section"
		if location != "" {
			prefix += " in " + location
		}
		return toFormatError(dsl.CodeImportsInvalid, prefix, err)
	}
	return nil
}

// visit validates a JSON-normalized copy of value so YAML-decoded scalars
// (ints, map[any]any) are seen the way the schema describes them.
func visit(s *openapi3.Schema, value any) error {
	data, err := json.Marshal(dsl.CloneValue(value))
	if err != nil {
		return err
	}
	var normalized any
	if err := json.Unmarshal(data, &normalized); err != nil {
		return err
	}
	return s.VisitJSON(normalized)
}

func toFormatError(code int, prefix string, err error) *dsl.FormatError {
	message := err.Error()
	var path []string

	var schemaErr *openapi3.SchemaError
	if errors.As(err, &schemaErr) {
		if schemaErr.Reason != "" {
			message = schemaErr.Reason
		}
		path = schemaErr.JSONPointer()
	}
	if prefix != "" {
		message = fmt.Sprintf("%s; %s", prefix, message)
	}
	return &dsl.FormatError{Code: code, Message: message, Path: path}
}

// =============================================================================
// Grammar
// =============================================================================

func newImportsSchema() *openapi3.Schema {
	return openapi3.NewArraySchema().WithItems(nonEmptyString()).WithUniqueItems(true)
}

func newBlueprintSchema() *openapi3.Schema {
	blueprint := closedObject(map[string]*openapi3.Schema{
		"name":     nonEmptyString(),
		"topology": nonEmptyArray(nodeSchema()),
	}, "name", "topology")

	policies := closedObject(map[string]*openapi3.Schema{
		"types": mapOf(closedObject(map[string]*openapi3.Schema{
			"message": openapi3.NewStringSchema(),
			"policy":  openapi3.NewStringSchema(),
			"ref":     openapi3.NewStringSchema(),
		}, "message")),
		"rules": mapOf(openapi3.NewObjectSchema()),
	})

	root := closedObject(map[string]*openapi3.Schema{
		"blueprint": blueprint,
		"imports":   newImportsSchema(),
		"types": mapOf(closedObject(map[string]*openapi3.Schema{
			"derived_from": nonEmptyString(),
			"implements":   nonEmptyString(),
			"properties":   openapi3.NewObjectSchema(),
			"interfaces":   interfacesSchema(),
			"workflows":    workflowsSchema(),
			"policies":     policiesListSchema(),
		})),
		"relationships": mapOf(closedObject(map[string]*openapi3.Schema{
			"derived_from":      nonEmptyString(),
			"properties":        openapi3.NewObjectSchema(),
			"source_interfaces": interfacesSchema(),
			"target_interfaces": interfacesSchema(),
		})),
		"plugins": mapOf(closedObject(map[string]*openapi3.Schema{
			"derived_from": nonEmptyString(),
			"properties":   openapi3.NewObjectSchema(),
		}, "derived_from")),
		"interfaces": openapi3.NewObjectSchema(),
		"workflows":  workflowsSchema(),
		"policies":   policies,
	}, "blueprint")

	root.Title = "blueprint"
	return root
}

func nodeSchema() *openapi3.Schema {
	instances := closedObject(map[string]*openapi3.Schema{
		"deploy": openapi3.NewIntegerSchema().WithMin(1),
	}, "deploy")

	relationship := closedObject(map[string]*openapi3.Schema{
		"type":              nonEmptyString(),
		"target":            nonEmptyString(),
		"properties":        openapi3.NewObjectSchema(),
		"source_interfaces": interfacesSchema(),
		"target_interfaces": interfacesSchema(),
	}, "type", "target")

	return closedObject(map[string]*openapi3.Schema{
		"name":          nonEmptyString(),
		"type":          nonEmptyString(),
		"properties":    openapi3.NewObjectSchema(),
		"interfaces":    interfacesSchema(),
		"workflows":     workflowsSchema(),
		"policies":      policiesListSchema(),
		"relationships": openapi3.NewArraySchema().WithItems(relationship),
		"instances":     instances,
	}, "name", "type")
}

// interfacesSchema: interface name -> non-empty list of operations, each a
// bare name or a single {name: mapping} entry.
func interfacesSchema() *openapi3.Schema {
	mapped := openapi3.NewObjectSchema().
		WithAdditionalProperties(nonEmptyString()).
		WithMinProperties(1).
		WithMaxProperties(1)

	operation := openapi3.NewOneOfSchema(nonEmptyString(), mapped)
	return mapOf(nonEmptyArray(operation))
}

func workflowsSchema() *openapi3.Schema {
	workflow := closedObject(map[string]*openapi3.Schema{
		"radial": openapi3.NewStringSchema(),
		"ref":    openapi3.NewStringSchema(),
	}).WithMinProperties(1).WithMaxProperties(1)
	return mapOf(workflow)
}

func policiesListSchema() *openapi3.Schema {
	rule := closedObject(map[string]*openapi3.Schema{
		"type":       nonEmptyString(),
		"properties": openapi3.NewObjectSchema(),
	}, "type")

	policy := closedObject(map[string]*openapi3.Schema{
		"name":  nonEmptyString(),
		"rules": openapi3.NewArraySchema().WithItems(rule),
	}, "name", "rules")

	return openapi3.NewArraySchema().WithItems(policy)
}

// =============================================================================
// Helpers
// =============================================================================

func nonEmptyString() *openapi3.Schema {
	return openapi3.NewStringSchema().WithMinLength(1)
}

func nonEmptyArray(items *openapi3.Schema) *openapi3.Schema {
	return openapi3.NewArraySchema().WithItems(items).WithMinItems(1)
}

// mapOf is an object whose every value matches value.
func mapOf(value *openapi3.Schema) *openapi3.Schema {
	return openapi3.NewObjectSchema().WithAdditionalProperties(value)
}

// closedObject is an object with exactly the given properties allowed.
func closedObject(properties map[string]*openapi3.Schema, required ...string) *openapi3.Schema {
	return openapi3.NewObjectSchema().
		WithProperties(properties).
		WithRequired(required).
		WithoutAdditionalProperties()
}
