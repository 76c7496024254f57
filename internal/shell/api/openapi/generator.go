// Package openapi generates the OpenAPI 3.0 document of the plan API by
// reflecting on the request and response types of registered resources.
package openapi

import (
	"encoding/json"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
)

// =============================================================================
// Generator
// =============================================================================

// Generator produces an OpenAPI 3.0 document from registered resources.
type Generator struct {
	title       string
	version     string
	description string
	servers     []string
	resources   []ResourceInfo
	schemas     map[string]*openapi3.Schema
	mu          sync.RWMutex
	cachedSpec  *openapi3.T
}

// ResourceInfo describes a REST collection under /api/v1.
type ResourceInfo struct {
	Name    string // collection name, e.g. "plans"
	Model   any    // response struct
	Request any    // create request struct, nil when create is not supported
	Find    bool   // GET /{name} and GET /{name}/{id}
	Delete  bool   // DELETE /{name}/{id}
	Actions []ActionInfo
}

// ActionInfo describes a POST /{name}/{id}/{action} endpoint returning Model.
type ActionInfo struct {
	Name    string
	Summary string
}

// Option configures the generator.
type Option func(*Generator)

// WithTitle sets the API title.
func WithTitle(title string) Option {
	return func(g *Generator) {
		g.title = title
	}
}

// WithVersion sets the API version.
func WithVersion(version string) Option {
	return func(g *Generator) {
		g.version = version
	}
}

// WithServer adds a server URL.
func WithServer(url string) Option {
	return func(g *Generator) {
		g.servers = append(g.servers, url)
	}
}

// WithSchema adds a named component schema as-is.
func WithSchema(name string, schema *openapi3.Schema) Option {
	return func(g *Generator) {
		g.schemas[name] = schema
	}
}

// NewGenerator creates a new OpenAPI generator.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		title:       "Blueprint API",
		version:     "1.0.0",
		description: "Compiles deployment blueprints into plans and expands plans into node instances",
		schemas:     make(map[string]*openapi3.Schema),
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// RegisterResource adds a resource to the document.
func (g *Generator) RegisterResource(info ResourceInfo) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resources = append(g.resources, info)
	g.cachedSpec = nil
}

// Generate produces the OpenAPI document. The result is cached until the
// next RegisterResource.
func (g *Generator) Generate() *openapi3.T {
	g.mu.RLock()
	if g.cachedSpec != nil {
		spec := g.cachedSpec
		g.mu.RUnlock()
		return spec
	}
	g.mu.RUnlock()

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cachedSpec != nil {
		return g.cachedSpec
	}

	spec := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       g.title,
			Version:     g.version,
			Description: g.description,
		},
		Servers: make(openapi3.Servers, 0, len(g.servers)),
		Paths:   &openapi3.Paths{},
		Components: &openapi3.Components{
			Schemas: make(openapi3.Schemas),
		},
	}

	for _, url := range g.servers {
		spec.Servers = append(spec.Servers, &openapi3.Server{URL: url})
	}

	for name, schema := range g.schemas {
		spec.Components.Schemas[name] = &openapi3.SchemaRef{Value: schema}
	}
	spec.Components.Schemas["Error"] = errorSchema()

	for _, res := range g.resources {
		g.addResourceToSpec(spec, res)
	}

	g.cachedSpec = spec
	return spec
}

// Handler returns an HTTP handler that serves the document.
func (g *Generator) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		spec := g.Generate()

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(spec); err != nil {
			http.Error(w, "failed to encode OpenAPI document", http.StatusInternalServerError)
		}
	}
}

// =============================================================================
// Schema Generation
// =============================================================================

func errorSchema() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"error":    stringSchema(),
				"code":     stringSchema(),
				"dsl_code": {Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}}},
			},
			Required: []string{"error", "code"},
		},
	}
}

func (g *Generator) addResourceToSpec(spec *openapi3.T, res ResourceInfo) {
	basePath := "/api/v1/" + res.Name
	schemaName := capitalize(singularize(res.Name))
	ref := "#/components/schemas/" + schemaName

	spec.Components.Schemas[schemaName] = extractSchema(res.Model)
	if res.Request != nil {
		spec.Components.Schemas[schemaName+"Request"] = extractSchema(res.Request)
	}

	collectionPath := &openapi3.PathItem{}
	if res.Find {
		collectionPath.Get = &openapi3.Operation{
			OperationID: "list" + capitalize(res.Name),
			Summary:     "List " + res.Name,
			Tags:        []string{capitalize(res.Name)},
			Parameters: openapi3.Parameters{
				queryParam("limit", "integer"),
				queryParam("offset", "integer"),
				queryParam("kind", "string"),
			},
			Responses: responses(200, &openapi3.SchemaRef{
				Value: &openapi3.Schema{
					Type: &openapi3.Types{"object"},
					Properties: openapi3.Schemas{
						res.Name: {Value: &openapi3.Schema{
							Type:  &openapi3.Types{"array"},
							Items: &openapi3.SchemaRef{Ref: ref},
						}},
						"total":  {Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}}},
						"limit":  {Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}}},
						"offset": {Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}}},
					},
				},
			}),
		}
	}
	if res.Request != nil {
		collectionPath.Post = &openapi3.Operation{
			OperationID: "create" + schemaName,
			Summary:     "Create a " + singularize(res.Name),
			Tags:        []string{capitalize(res.Name)},
			RequestBody: &openapi3.RequestBodyRef{
				Value: &openapi3.RequestBody{
					Required: true,
					Content:  openapi3.NewContentWithJSONSchemaRef(&openapi3.SchemaRef{Ref: ref + "Request"}),
				},
			},
			Responses: responses(201, &openapi3.SchemaRef{Ref: ref}),
		}
	}
	spec.Paths.Set(basePath, collectionPath)

	idParam := &openapi3.ParameterRef{
		Value: &openapi3.Parameter{
			Name:     "id",
			In:       "path",
			Required: true,
			Schema:   stringSchema(),
		},
	}

	itemPath := &openapi3.PathItem{Parameters: openapi3.Parameters{idParam}}
	if res.Find {
		itemPath.Get = &openapi3.Operation{
			OperationID: "get" + schemaName,
			Summary:     "Get a " + singularize(res.Name),
			Tags:        []string{capitalize(res.Name)},
			Responses:   responses(200, &openapi3.SchemaRef{Ref: ref}),
		}
	}
	if res.Delete {
		itemPath.Delete = &openapi3.Operation{
			OperationID: "delete" + schemaName,
			Summary:     "Delete a " + singularize(res.Name),
			Tags:        []string{capitalize(res.Name)},
			Responses:   responses(204, nil),
		}
	}
	spec.Paths.Set(basePath+"/{id}", itemPath)

	for _, action := range res.Actions {
		spec.Paths.Set(basePath+"/{id}/"+action.Name, &openapi3.PathItem{
			Parameters: openapi3.Parameters{idParam},
			Post: &openapi3.Operation{
				OperationID: action.Name + schemaName,
				Summary:     action.Summary,
				Tags:        []string{capitalize(res.Name)},
				Responses:   responses(201, &openapi3.SchemaRef{Ref: ref}),
			},
		})
	}
}

// extractSchema builds an object schema from a struct's json fields.
func extractSchema(model any) *openapi3.SchemaRef {
	t := reflect.TypeOf(model)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	schema := &openapi3.Schema{
		Type:       &openapi3.Types{"object"},
		Properties: make(openapi3.Schemas),
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		jsonTag := field.Tag.Get("json")
		if jsonTag == "-" {
			continue
		}

		name := field.Name
		parts := strings.Split(jsonTag, ",")
		if parts[0] != "" {
			name = parts[0]
		}

		schema.Properties[name] = goTypeToSchema(field.Type)
	}

	return &openapi3.SchemaRef{Value: schema}
}

// goTypeToSchema converts a Go type to an OpenAPI schema. Recursive struct
// types are not supported.
func goTypeToSchema(t reflect.Type) *openapi3.SchemaRef {
	switch t.Kind() {
	case reflect.String:
		return stringSchema()

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32"}}

	case reflect.Int64:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int64"}}

	case reflect.Float32, reflect.Float64:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"number"}}}

	case reflect.Bool:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"boolean"}}}

	case reflect.Slice, reflect.Array:
		return &openapi3.SchemaRef{
			Value: &openapi3.Schema{
				Type:  &openapi3.Types{"array"},
				Items: goTypeToSchema(t.Elem()),
			},
		}

	case reflect.Map:
		return &openapi3.SchemaRef{
			Value: &openapi3.Schema{
				Type:                 &openapi3.Types{"object"},
				AdditionalProperties: openapi3.AdditionalProperties{Schema: goTypeToSchema(t.Elem())},
			},
		}

	case reflect.Ptr:
		schema := goTypeToSchema(t.Elem())
		if schema.Value != nil {
			schema.Value.Nullable = true
		}
		return schema

	case reflect.Struct:
		if t == reflect.TypeOf(time.Time{}) {
			return &openapi3.SchemaRef{
				Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Format: "date-time"},
			}
		}
		return extractSchema(reflect.New(t).Interface())

	default:
		// any and other dynamic values
		return &openapi3.SchemaRef{Value: &openapi3.Schema{}}
	}
}

// =============================================================================
// Helpers
// =============================================================================

func stringSchema() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}}
}

func queryParam(name, typ string) *openapi3.ParameterRef {
	return &openapi3.ParameterRef{
		Value: &openapi3.Parameter{
			Name:   name,
			In:     "query",
			Schema: &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{typ}}},
		},
	}
}

// responses builds a success response plus the shared error response.
func responses(status int, body *openapi3.SchemaRef) *openapi3.Responses {
	success := openapi3.NewResponse().WithDescription(http.StatusText(status))
	if body != nil {
		success.Content = openapi3.NewContentWithJSONSchemaRef(body)
	}
	failure := openapi3.NewResponse().
		WithDescription("Error").
		WithContent(openapi3.NewContentWithJSONSchemaRef(&openapi3.SchemaRef{Ref: "#/components/schemas/Error"}))

	return openapi3.NewResponses(
		openapi3.WithStatus(status, &openapi3.ResponseRef{Value: success}),
		openapi3.WithName("default", failure),
	)
}

// capitalize returns the string with the first letter capitalized.
func capitalize(s string) string {
	if s == "" {
		return ""
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// singularize removes a trailing "s".
func singularize(s string) string {
	return strings.TrimSuffix(s, "s")
}
