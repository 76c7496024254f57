// Package api provides HTTP handlers for the Blueprint API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/artpar/blueprint/internal/core/domain"
	"github.com/artpar/blueprint/internal/core/dsl"
	"github.com/artpar/blueprint/internal/core/multiinstance"
	"github.com/artpar/blueprint/internal/core/ordering"
	"github.com/artpar/blueprint/internal/core/schema"
	"github.com/artpar/blueprint/internal/shell/api/openapi"
	"github.com/artpar/blueprint/internal/shell/planner"
	"github.com/artpar/blueprint/internal/shell/store"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 10 << 20

// =============================================================================
// Handler
// =============================================================================

// Config holds handler dependencies.
type Config struct {
	Planner *planner.Service
	Store   store.Store
	Logger  *slog.Logger

	// Metrics serves /metrics when set.
	Metrics http.Handler

	// AllowLocations permits compile requests that name a location instead
	// of carrying the blueprint inline. Locations may point at local files.
	AllowLocations bool

	Version string
}

// Handler provides HTTP handlers for the API.
type Handler struct {
	planner        *planner.Service
	store          store.Store
	logger         *slog.Logger
	metrics        http.Handler
	openapi        *openapi.Generator
	allowLocations bool
	version        string
}

// NewHandler creates a new API handler.
func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	gen := openapi.NewGenerator(
		openapi.WithVersion(version),
		openapi.WithSchema("Blueprint", schema.Blueprint()),
	)
	gen.RegisterResource(openapi.ResourceInfo{
		Name:    "plans",
		Model:   PlanResponse{},
		Request: CompileRequest{},
		Find:    true,
		Delete:  true,
		Actions: []openapi.ActionInfo{
			{Name: "expand", Summary: "Expand a compiled plan into node instances"},
		},
	})

	return &Handler{
		planner:        cfg.Planner,
		store:          cfg.Store,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		openapi:        gen,
		allowLocations: cfg.AllowLocations,
		version:        version,
	}
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.requestIDHeader)

	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)
	r.Get("/openapi.json", h.openapi.Handler())
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.jsonContentType)

		r.Get("/schema", h.handleSchema)
		r.Post("/compile", h.handleCompile)
		r.Post("/expand", h.handleExpand)

		r.Route("/plans", func(r chi.Router) {
			r.Post("/", h.handleCreatePlan)
			r.Get("/", h.handleListPlans)
			r.Get("/{id}", h.handleGetPlan)
			r.Delete("/{id}", h.handleDeletePlan)
			r.Post("/{id}/expand", h.handleExpandPlan)
			r.Get("/{id}/expansions", h.handleListExpansions)
			r.Get("/{id}/order", h.handleGetOrder)
		})
	})

	return r
}

// =============================================================================
// Middleware
// =============================================================================

// jsonContentType sets Content-Type header to application/json.
func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Health Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Version: h.version})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	checks := map[string]string{"database": "ok"}

	if _, err := h.store.ListPlans(r.Context(), store.ListOptions{Limit: 1}); err != nil {
		h.logger.Warn("readiness check failed", "error", err)
		checks["database"] = "failed"
		h.writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Checks: checks})
		return
	}

	h.writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready", Checks: checks})
}

// =============================================================================
// Stateless Handlers
// =============================================================================

func (h *Handler) handleSchema(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, schema.Blueprint())
}

func (h *Handler) handleCompile(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeCompileRequest(w, r)
	if !ok {
		return
	}

	var plan *dsl.Plan
	var err error
	if req.Blueprint != "" {
		plan, err = h.planner.Compile(r.Context(), []byte(req.Blueprint), req.Aliases)
	} else {
		plan, err = h.planner.CompileFromLocation(r.Context(), req.Location, req.Aliases)
	}
	if err != nil {
		h.writeServiceError(w, err, "failed to compile blueprint")
		return
	}

	h.writeJSON(w, http.StatusOK, plan)
}

func (h *Handler) handleExpand(w http.ResponseWriter, r *http.Request) {
	var req ExpandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}
	if req.Plan == nil {
		h.writeError(w, http.StatusBadRequest, "plan is required", "validation_error")
		return
	}

	expanded, err := h.planner.Expand(req.Plan)
	if err != nil {
		h.writeServiceError(w, err, "failed to expand plan")
		return
	}

	h.writeJSON(w, http.StatusOK, expanded)
}

// =============================================================================
// Plan Handlers
// =============================================================================

func (h *Handler) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeCompileRequest(w, r)
	if !ok {
		return
	}

	record, err := h.planner.CompileAndStore(r.Context(), planner.CompileRequest{
		Text:     []byte(req.Blueprint),
		Location: req.Location,
		Aliases:  req.Aliases,
	})
	if err != nil {
		h.writeServiceError(w, err, "failed to create plan")
		return
	}

	h.writeJSON(w, http.StatusCreated, planToResponse(record, true))
}

func (h *Handler) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	record, err := h.store.GetPlan(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "failed to get plan")
		return
	}

	h.writeJSON(w, http.StatusOK, planToResponse(record, true))
}

func (h *Handler) handleListPlans(w http.ResponseWriter, r *http.Request) {
	opts, ok := h.listOptions(w, r)
	if !ok {
		return
	}

	records, err := h.store.ListPlans(r.Context(), opts)
	if err != nil {
		h.writeServiceError(w, err, "failed to list plans")
		return
	}

	h.writeJSON(w, http.StatusOK, listResponse(records, opts))
}

func (h *Handler) handleDeletePlan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.store.DeletePlan(r.Context(), id); err != nil {
		h.writeServiceError(w, err, "failed to delete plan")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleExpandPlan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	record, err := h.planner.ExpandStored(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "failed to expand plan")
		return
	}

	h.writeJSON(w, http.StatusCreated, planToResponse(record, true))
}

func (h *Handler) handleListExpansions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	opts, ok := h.listOptions(w, r)
	if !ok {
		return
	}

	if _, err := h.store.GetPlan(r.Context(), id); err != nil {
		h.writeServiceError(w, err, "failed to get plan")
		return
	}

	records, err := h.store.ListExpansions(r.Context(), id, opts)
	if err != nil {
		h.writeServiceError(w, err, "failed to list expansions")
		return
	}

	h.writeJSON(w, http.StatusOK, listResponse(records, opts))
}

func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	record, err := h.store.GetPlan(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "failed to get plan")
		return
	}

	batches, err := ordering.InstallOrder(record.Plan)
	if err != nil {
		h.writeServiceError(w, err, "failed to order plan")
		return
	}

	h.writeJSON(w, http.StatusOK, OrderResponse{PlanID: record.ID, Batches: batches})
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handler) decodeCompileRequest(w http.ResponseWriter, r *http.Request) (CompileRequest, bool) {
	var req CompileRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return req, false
	}
	if req.Blueprint == "" && req.Location == "" {
		h.writeError(w, http.StatusBadRequest, "blueprint or location is required", "validation_error")
		return req, false
	}
	if req.Blueprint == "" && !h.allowLocations {
		h.writeError(w, http.StatusBadRequest, "compiling from a location is disabled", "locations_disabled")
		return req, false
	}
	return req, true
}

func (h *Handler) listOptions(w http.ResponseWriter, r *http.Request) (store.ListOptions, bool) {
	opts := store.DefaultListOptions()
	query := r.URL.Query()

	if limit := query.Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			opts.Limit = l
		}
	}
	if offset := query.Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil {
			opts.Offset = o
		}
	}
	if kind := query.Get("kind"); kind != "" {
		opts.Kind = domain.PlanKind(kind)
		if !opts.Kind.IsValid() {
			h.writeError(w, http.StatusBadRequest, "kind must be compiled or expanded", "validation_error")
			return opts, false
		}
	}

	return opts.Normalize(), true
}

func listResponse(records []domain.PlanRecord, opts store.ListOptions) ListPlansResponse {
	resp := ListPlansResponse{
		Plans:  make([]PlanResponse, 0, len(records)),
		Total:  len(records),
		Limit:  opts.Limit,
		Offset: opts.Offset,
	}
	for i := range records {
		resp.Plans = append(resp.Plans, planToResponse(&records[i], false))
	}
	return resp
}

// writeServiceError maps planner, compiler and store errors to responses.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, fallback string) {
	var formatErr *dsl.FormatError
	var logicErr *dsl.LogicError

	switch {
	case errors.As(err, &formatErr):
		code := formatErr.Code
		h.writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   formatErr.Error(),
			Code:    "format_error",
			DSLCode: &code,
			Details: &ErrorDetails{Path: formatErr.Path},
		})
	case errors.As(err, &logicErr):
		code := logicErr.Code
		h.writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:   logicErr.Error(),
			Code:    "logic_error",
			DSLCode: &code,
			Details: &ErrorDetails{
				Location:           logicErr.Location,
				CircularDependency: logicErr.CircularDependency,
				Candidates:         logicErr.Candidates,
				DuplicateNode:      logicErr.DuplicateNode,
			},
		})
	case isNotFound(err):
		h.writeError(w, http.StatusNotFound, "plan not found", "plan_not_found")
	case errors.Is(err, domain.ErrNotCompiled):
		h.writeError(w, http.StatusConflict, err.Error(), "plan_not_compiled")
	case errors.Is(err, multiinstance.ErrUnknownHost), errors.Is(err, multiinstance.ErrSuffixExhausted),
		errors.Is(err, multiinstance.ErrInvalidInstances):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error(), "expansion_error")
	case errors.Is(err, ordering.ErrDependencyCycle):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error(), "dependency_cycle")
	case errors.Is(err, ordering.ErrNullNode):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error(), "invalid_plan")
	case errors.Is(err, planner.ErrEmptyRequest):
		h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
	default:
		h.logger.Error(fallback, "error", err)
		h.writeError(w, http.StatusInternalServerError, fallback, "internal_error")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

func isNotFound(err error) bool {
	var storeErr *store.StoreError
	if errors.As(err, &storeErr) {
		return errors.Is(storeErr.Unwrap(), store.ErrNotFound)
	}
	return false
}
