package api

import (
	"time"

	"github.com/artpar/blueprint/internal/core/domain"
	"github.com/artpar/blueprint/internal/core/dsl"
)

// =============================================================================
// Request Types
// =============================================================================

// CompileRequest is the request body for compiling a blueprint. Blueprint
// holds inline YAML; Location names a document for the resolver.
type CompileRequest struct {
	Blueprint string            `json:"blueprint,omitempty"`
	Location  string            `json:"location,omitempty"`
	Aliases   map[string]string `json:"aliases,omitempty"`
}

// ExpandRequest is the request body for expanding an unstored plan.
type ExpandRequest struct {
	Plan *dsl.Plan `json:"plan"`
}

// =============================================================================
// Response Types
// =============================================================================

// PlanResponse is the response for stored plan operations. Plan is left
// out of list responses.
type PlanResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	SourceID  string    `json:"source_id,omitempty"`
	Location  string    `json:"location,omitempty"`
	NodeCount int       `json:"node_count"`
	CreatedAt time.Time `json:"created_at"`
	Plan      *dsl.Plan `json:"plan,omitempty"`
}

// ListPlansResponse is the response for listing plans.
type ListPlansResponse struct {
	Plans  []PlanResponse `json:"plans"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// OrderResponse lists a plan's node ids in install batches. Nodes within a
// batch do not depend on each other.
type OrderResponse struct {
	PlanID  string     `json:"plan_id"`
	Batches [][]string `json:"batches"`
}

// ErrorResponse is the error response format. DSLCode and Details are set
// for blueprint errors.
type ErrorResponse struct {
	Error   string        `json:"error"`
	Code    string        `json:"code"`
	DSLCode *int          `json:"dsl_code,omitempty"`
	Details *ErrorDetails `json:"details,omitempty"`
}

// ErrorDetails carries the diagnostic fields of a blueprint error.
type ErrorDetails struct {
	Path               []string `json:"path,omitempty"`
	Location           string   `json:"location,omitempty"`
	CircularDependency []string `json:"circular_dependency,omitempty"`
	Candidates         []string `json:"candidates,omitempty"`
	DuplicateNode      string   `json:"duplicate_node,omitempty"`
}

// HealthResponse is the health check response.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// ReadyResponse is the readiness check response.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// =============================================================================
// Conversions
// =============================================================================

func planToResponse(r *domain.PlanRecord, withPlan bool) PlanResponse {
	resp := PlanResponse{
		ID:        r.ID,
		Name:      r.Name,
		Kind:      string(r.Kind),
		SourceID:  r.SourceID,
		Location:  r.Location,
		NodeCount: r.NodeCount(),
		CreatedAt: r.CreatedAt,
	}
	if withPlan {
		resp.Plan = r.Plan
	}
	return resp
}
