// Package domain contains the stored plan record and its validation.
// This is part of the Functional Core - all functions are pure with no I/O.
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/artpar/blueprint/internal/core/dsl"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrPlanRequired     = errors.New("plan is required")
	ErrPlanNameRequired = errors.New("plan name is required")
	ErrInvalidKind      = errors.New("invalid plan kind")
	ErrSourceRequired   = errors.New("expanded plan requires a source plan id")
	ErrNotCompiled      = errors.New("only compiled plans can be expanded")
)

// =============================================================================
// Plan Kind
// =============================================================================

// PlanKind tells compiled plans from their expanded instances.
type PlanKind string

const (
	KindCompiled PlanKind = "compiled"
	KindExpanded PlanKind = "expanded"
)

// IsValid checks if the kind is known.
func (k PlanKind) IsValid() bool {
	switch k {
	case KindCompiled, KindExpanded:
		return true
	default:
		return false
	}
}

// =============================================================================
// Plan Record
// =============================================================================

// PlanRecord is a stored deployment plan.
type PlanRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      PlanKind  `json:"kind"`
	SourceID  string    `json:"source_id,omitempty"`
	Location  string    `json:"location,omitempty"`
	Plan      *dsl.Plan `json:"plan"`
	CreatedAt time.Time `json:"created_at"`
}

// NewCompiledRecord wraps a freshly compiled plan. location is where the
// blueprint came from, empty for inline text.
func NewCompiledRecord(plan *dsl.Plan, location string) (*PlanRecord, error) {
	record := &PlanRecord{
		ID:        uuid.NewString(),
		Kind:      KindCompiled,
		Location:  location,
		Plan:      plan,
		CreatedAt: time.Now().UTC(),
	}
	if plan != nil {
		record.Name = plan.Name
	}
	if err := record.Validate(); err != nil {
		return nil, err
	}
	return record, nil
}

// NewExpandedRecord wraps the expansion of source.
func NewExpandedRecord(source *PlanRecord, expanded *dsl.Plan) (*PlanRecord, error) {
	if source.Kind != KindCompiled {
		return nil, ErrNotCompiled
	}
	record := &PlanRecord{
		ID:        uuid.NewString(),
		Name:      source.Name,
		Kind:      KindExpanded,
		SourceID:  source.ID,
		Location:  source.Location,
		Plan:      expanded,
		CreatedAt: time.Now().UTC(),
	}
	if err := record.Validate(); err != nil {
		return nil, err
	}
	return record, nil
}

// Validate reports whether the record is well formed.
func (r *PlanRecord) Validate() error {
	if r.Plan == nil {
		return ErrPlanRequired
	}
	if r.Name == "" {
		return ErrPlanNameRequired
	}
	if !r.Kind.IsValid() {
		return ErrInvalidKind
	}
	if r.Kind == KindExpanded && r.SourceID == "" {
		return ErrSourceRequired
	}
	return nil
}

// NodeCount returns the number of nodes in the plan.
func (r *PlanRecord) NodeCount() int {
	if r.Plan == nil {
		return 0
	}
	return len(r.Plan.Nodes)
}
