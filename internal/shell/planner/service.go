// Package planner provides the compile and expand service with I/O.
// This is part of the Imperative Shell - it handles retrieval, persistence,
// logging and metrics around the pure compiler and expander.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"time"

	"github.com/artpar/blueprint/internal/core/compiler"
	"github.com/artpar/blueprint/internal/core/domain"
	"github.com/artpar/blueprint/internal/core/dsl"
	"github.com/artpar/blueprint/internal/core/multiinstance"
	"github.com/artpar/blueprint/internal/shell/store"
)

// =============================================================================
// Service Errors
// =============================================================================

var (
	// ErrNoStore is returned by persistence operations when the service was
	// created without a store.
	ErrNoStore = errors.New("no plan store configured")

	// ErrEmptyRequest is returned when neither text nor location is given.
	ErrEmptyRequest = errors.New("blueprint text or location is required")
)

// =============================================================================
// Service
// =============================================================================

// Config holds service settings.
type Config struct {
	// Aliases apply to every compilation; request aliases override them.
	Aliases map[string]string

	// Tokens generates instance suffixes. Defaults to a random source.
	Tokens multiinstance.TokenSource

	// Metrics may be nil.
	Metrics *Metrics
}

// Service compiles blueprints and expands plans.
type Service struct {
	compiler *compiler.Compiler
	store    store.Store
	aliases  map[string]string
	tokens   multiinstance.TokenSource
	metrics  *Metrics
	logger   *slog.Logger
}

// NewService creates a planner service. s may be nil when plans are not
// persisted.
func NewService(c *compiler.Compiler, s store.Store, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Tokens == nil {
		cfg.Tokens = multiinstance.NewRandomSource()
	}
	return &Service{
		compiler: c,
		store:    s,
		aliases:  maps.Clone(cfg.Aliases),
		tokens:   cfg.Tokens,
		metrics:  cfg.Metrics,
		logger:   logger,
	}
}

// Compile compiles blueprint text.
func (s *Service) Compile(ctx context.Context, text []byte, aliases map[string]string) (*dsl.Plan, error) {
	return s.observe("text", func() (*dsl.Plan, error) {
		return s.compiler.Compile(ctx, text, s.mergeAliases(aliases))
	})
}

// CompileFromLocation fetches and compiles the blueprint at location.
func (s *Service) CompileFromLocation(ctx context.Context, location string, aliases map[string]string) (*dsl.Plan, error) {
	return s.observe(location, func() (*dsl.Plan, error) {
		return s.compiler.CompileFromLocation(ctx, location, s.mergeAliases(aliases))
	})
}

// Expand expands a compiled plan into node instances.
func (s *Service) Expand(plan *dsl.Plan) (*dsl.Plan, error) {
	expanded, err := multiinstance.Expand(plan, s.tokens)
	s.metrics.observeExpand(err)
	if err != nil {
		s.logger.Warn("expansion failed", "name", plan.Name, "error", err)
		return nil, err
	}
	s.logger.Info("plan expanded",
		"name", plan.Name,
		"nodes", len(plan.Nodes),
		"instances", len(expanded.Nodes),
	)
	return expanded, nil
}

// =============================================================================
// Stored Plans
// =============================================================================

// CompileRequest describes a blueprint to compile and store. Exactly one
// of Text and Location is expected; Text wins when both are set.
type CompileRequest struct {
	Text     []byte
	Location string
	Aliases  map[string]string
}

// CompileAndStore compiles a blueprint and persists the plan.
func (s *Service) CompileAndStore(ctx context.Context, req CompileRequest) (*domain.PlanRecord, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}

	var plan *dsl.Plan
	var err error
	location := ""
	switch {
	case len(req.Text) > 0:
		plan, err = s.Compile(ctx, req.Text, req.Aliases)
	case req.Location != "":
		location = req.Location
		plan, err = s.CompileFromLocation(ctx, req.Location, req.Aliases)
	default:
		return nil, ErrEmptyRequest
	}
	if err != nil {
		return nil, err
	}

	record, err := domain.NewCompiledRecord(plan, location)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreatePlan(ctx, record); err != nil {
		return nil, err
	}

	s.logger.Info("plan stored", "id", record.ID, "name", record.Name)
	return record, nil
}

// ExpandStored expands the stored compiled plan id and stores the result.
func (s *Service) ExpandStored(ctx context.Context, id string) (*domain.PlanRecord, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}

	var record *domain.PlanRecord
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		source, err := tx.GetPlan(ctx, id)
		if err != nil {
			return err
		}
		if source.Kind != domain.KindCompiled {
			return fmt.Errorf("plan %s: %w", id, domain.ErrNotCompiled)
		}

		expanded, err := s.Expand(source.Plan)
		if err != nil {
			return err
		}

		record, err = domain.NewExpandedRecord(source, expanded)
		if err != nil {
			return err
		}
		return tx.CreatePlan(ctx, record)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("expanded plan stored", "id", record.ID, "source_id", id)
	return record, nil
}

// =============================================================================
// Helpers
// =============================================================================

func (s *Service) mergeAliases(aliases map[string]string) map[string]string {
	if len(aliases) == 0 {
		return s.aliases
	}
	out := maps.Clone(s.aliases)
	if out == nil {
		out = make(map[string]string, len(aliases))
	}
	maps.Copy(out, aliases)
	return out
}

func (s *Service) observe(source string, compile func() (*dsl.Plan, error)) (*dsl.Plan, error) {
	start := time.Now()
	s.logger.Debug("compiling blueprint", "source", source)

	plan, err := compile()
	elapsed := time.Since(start)

	if err != nil {
		code := "unknown"
		if c, ok := dsl.CodeOf(err); ok {
			code = strconv.Itoa(c)
		}
		s.metrics.observeCompile(code, elapsed)
		s.logger.Warn("compilation failed", "source", source, "code", code, "error", err)
		return nil, err
	}

	s.metrics.observeCompile("", elapsed)
	s.logger.Info("blueprint compiled",
		"source", source,
		"name", plan.Name,
		"nodes", len(plan.Nodes),
		"duration", elapsed,
	)
	return plan, nil
}
