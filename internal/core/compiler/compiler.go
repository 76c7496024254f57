// Package compiler turns blueprint text into a deployment plan.
//
// Compilation runs as a fixed pipeline: parse, combine imports, validate
// structure, decode, compile every node and relationship, then post-process
// the node set (dependents, host containment, plugins to install). The
// first failure aborts compilation; no partial plan is returned.
//
// The only I/O is document retrieval through the injected Resolver.
package compiler

import (
	"context"
	"errors"

	"github.com/artpar/blueprint/internal/core/dsl"
	"github.com/artpar/blueprint/internal/core/imports"
	"github.com/artpar/blueprint/internal/core/schema"
)

// Compiler compiles blueprints. It holds no per-compilation state and is
// safe for concurrent use when its Resolver is.
type Compiler struct {
	resolver   imports.Resolver
	vocabulary dsl.Vocabulary
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithVocabulary sets the well-known type names. Empty fields keep their
// defaults.
func WithVocabulary(v dsl.Vocabulary) Option {
	return func(c *Compiler) {
		c.vocabulary = v.WithDefaults()
	}
}

// New creates a Compiler retrieving imports, refs and locations through
// resolver. A nil resolver fails any retrieval.
func New(resolver imports.Resolver, opts ...Option) *Compiler {
	if resolver == nil {
		resolver = noResolver{}
	}
	c := &Compiler{
		resolver:   resolver,
		vocabulary: dsl.DefaultVocabulary(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Vocabulary returns the type names the compiler uses.
func (c *Compiler) Vocabulary() dsl.Vocabulary {
	return c.vocabulary
}

// Compile compiles blueprint text. Imports and refs with relative names are
// resolved by the resolver without a document context.
func (c *Compiler) Compile(ctx context.Context, text []byte, aliases map[string]string) (*dsl.Plan, error) {
	return c.compile(ctx, text, "", aliases)
}

// CompileFromLocation fetches the blueprint at location (after alias
// substitution) and compiles it. Relative imports resolve next to it.
func (c *Compiler) CompileFromLocation(ctx context.Context, location string, aliases map[string]string) (*dsl.Plan, error) {
	if target, ok := aliases[location]; ok {
		location = target
	}

	resolved, err := c.resolver.Resolve(ctx, location, "")
	if err != nil {
		return nil, locationError(location, "failed on converting dsl location to url - no suitable location found for dsl %s: %v", location, err)
	}
	text, err := c.resolver.Fetch(ctx, resolved)
	if err != nil {
		return nil, locationError(resolved, "failed reading dsl %s: %v", resolved, err)
	}
	return c.compile(ctx, text, resolved, aliases)
}

func (c *Compiler) compile(ctx context.Context, text []byte, location string, aliases map[string]string) (*dsl.Plan, error) {
	parsed, err := dsl.ParseDocument(text, "failed to parse blueprint")
	if err != nil {
		return nil, err
	}

	combined, err := imports.Combine(ctx, parsed, location, aliases, c.resolver)
	if err != nil {
		return nil, err
	}

	if err := schema.ValidateBlueprint(combined); err != nil {
		return nil, err
	}

	doc, err := dsl.DecodeDocument(combined)
	if err != nil {
		return nil, err
	}

	return newBuilder(doc, c.vocabulary).build()
}

func locationError(location, format string, args ...any) *dsl.LogicError {
	err := dsl.NewLogicError(dsl.CodeLocationNotFound, format, args...)
	err.Location = location
	return err
}

var errNoResolver = errors.New("no resolver configured")

type noResolver struct{}

func (noResolver) Resolve(context.Context, string, string) (string, error) {
	return "", errNoResolver
}

func (noResolver) Fetch(context.Context, string) ([]byte, error) {
	return nil, errNoResolver
}
