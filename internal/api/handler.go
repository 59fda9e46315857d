package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-crm/shrike/internal/bulk"
	"github.com/opensource-crm/shrike/internal/domain"
	"github.com/opensource-crm/shrike/internal/group"
	"github.com/opensource-crm/shrike/internal/match"
	"github.com/opensource-crm/shrike/internal/merge"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo        domain.Repository
	cache       domain.Cache
	bus         domain.EventBus
	finder      *match.Finder
	merger      *merge.Engine
	groups      *group.Manager
	coordinator *bulk.Coordinator
	version     string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, finder *match.Finder, merger *merge.Engine, groups *group.Manager, coordinator *bulk.Coordinator, version string) *Handler {
	return &Handler{
		repo:        repo,
		cache:       cache,
		bus:         bus,
		finder:      finder,
		merger:      merger,
		groups:      groups,
		coordinator: coordinator,
		version:     version,
	}
}

// CheckRequest is the request body for POST /leads/check.
type CheckRequest struct {
	Payload map[string]string `json:"payload"`
}

// CheckResponse is the response for POST /leads/check.
type CheckResponse struct {
	DuplicateFound bool         `json:"duplicateFound"`
	Lead           *domain.Lead `json:"lead,omitempty"`
	Strategy       string       `json:"strategy,omitempty"`
	Similarity     float64      `json:"similarityScore,omitempty"`
	Confidence     float64      `json:"confidenceScore,omitempty"`
	MatchedFields  []string     `json:"matchedFields,omitempty"`
	Metadata       struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// CheckLead handles POST /leads/check requests: a single-lead
// duplicate check through the strategy cascade.
func (h *Handler) CheckLead(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if len(req.Payload) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "payload is required",
		})
		return
	}

	found, err := h.finder.FindDuplicate(ctx, tenantID, req.Payload)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := CheckResponse{}
	if found != nil {
		resp.DuplicateFound = true
		resp.Lead = found.Lead
		resp.Strategy = found.Strategy
		resp.Similarity = found.Similarity
		resp.Confidence = found.Confidence
		resp.MatchedFields = found.MatchedFields
	}
	resp.Metadata.TraceID = traceID
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// CandidatesRequest is the request body for POST /leads/candidates.
type CandidatesRequest struct {
	Payload map[string]string `json:"payload"`

	// Threshold overrides the tenant default when set.
	Threshold *float64 `json:"threshold,omitempty"`
}

// FindCandidates handles POST /leads/candidates requests: every
// candidate at or above threshold, not just the first hit.
func (h *Handler) FindCandidates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req CandidatesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if len(req.Payload) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "payload is required",
		})
		return
	}

	threshold := h.finder.Config(ctx, tenantID).Threshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	candidates, err := h.finder.FindCandidates(ctx, tenantID, req.Payload, threshold)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"candidates": candidates,
		"count":      len(candidates),
		"threshold":  threshold,
	})
}

// MergeRequest is the request body for POST /merge.
type MergeRequest struct {
	SourceLeadID     string                            `json:"sourceLeadId"`
	TargetLeadID     string                            `json:"targetLeadId"`
	FieldResolutions map[string]domain.FieldResolution `json:"fieldResolutions,omitempty"`
	PerformedBy      string                            `json:"performedBy"`
	Reason           string                            `json:"reason,omitempty"`
}

// MergeLeads handles POST /merge requests.
func (h *Handler) MergeLeads(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req MergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.PerformedBy == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "performedBy is required",
		})
		return
	}

	op, err := h.merger.MergeLeads(ctx, tenantID, req.SourceLeadID, req.TargetLeadID, req.FieldResolutions, req.PerformedBy, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, op)
}

// BulkCheckRequest is the request body for POST /bulk/check.
type BulkCheckRequest struct {
	Records   []bulk.CheckRecord `json:"records"`
	Threshold *float64           `json:"threshold,omitempty"`
}

// BulkCheck handles POST /bulk/check requests: concurrent candidate
// scans across a batch, clustered into duplicate groups.
func (h *Handler) BulkCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req BulkCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if len(req.Records) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "records are required",
		})
		return
	}

	threshold := h.finder.Config(ctx, tenantID).Threshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	result, err := h.coordinator.BulkCheck(ctx, tenantID, req.Records, threshold)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// BulkMergeRequest is the request body for POST /bulk/merge.
type BulkMergeRequest struct {
	Pairs       []bulk.MergePair `json:"pairs"`
	BatchSize   int              `json:"batchSize,omitempty"`
	StopOnError bool             `json:"stopOnError,omitempty"`
	PerformedBy string           `json:"performedBy"`
}

// BulkMerge handles POST /bulk/merge requests.
func (h *Handler) BulkMerge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req BulkMergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if len(req.Pairs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "pairs are required",
		})
		return
	}
	if req.PerformedBy == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "performedBy is required",
		})
		return
	}

	result, err := h.coordinator.BulkMerge(ctx, tenantID, req.Pairs, bulk.BulkMergeOptions{
		BatchSize:   req.BatchSize,
		StopOnError: req.StopOnError,
		PerformedBy: req.PerformedBy,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// ListGroups handles GET /groups requests, returning open duplicate
// groups for the tenant.
func (h *Handler) ListGroups(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	groups, err := h.repo.ListOpenGroups(ctx, tenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"groups": groups,
		"count":  len(groups),
	})
}

// GetGroup retrieves a duplicate group by ID.
func (h *Handler) GetGroup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	groupID := chi.URLParam(r, "id")

	if groupID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "group id is required",
		})
		return
	}

	g, err := h.repo.GetGroup(ctx, tenantID, groupID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, g)
}

// ResolveGroupRequest is the request body for POST /groups/{id}/resolve.
type ResolveGroupRequest struct {
	Method        string `json:"method"`
	PrimaryLeadID string `json:"primaryLeadId,omitempty"`
	PerformedBy   string `json:"performedBy"`
}

// ResolveGroup handles POST /groups/{id}/resolve requests.
func (h *Handler) ResolveGroup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	groupID := chi.URLParam(r, "id")

	if groupID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "group id is required",
		})
		return
	}

	var req ResolveGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.PerformedBy == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "performedBy is required",
		})
		return
	}

	result, err := h.groups.ResolveGroup(ctx, tenantID, groupID, req.Method, req.PrimaryLeadID, req.PerformedBy)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GetConfig handles GET /config requests, returning the tenant's
// current detection configuration.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	cfg, err := h.repo.GetDetectionConfig(ctx, tenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, cfg)
}

// PutConfig handles PUT /config requests. The stored config is a new
// immutable version; the cached snapshot is refreshed so the next
// detection picks it up without waiting for TTL expiry.
func (h *Handler) PutConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var cfg domain.DetectionConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if err := h.finder.ValidateConfig(&cfg); err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.repo.PutDetectionConfig(ctx, tenantID, &cfg); err != nil {
		writeError(w, r, err)
		return
	}

	if h.cache != nil {
		if err := h.cache.SetDetectionConfig(ctx, tenantID, &cfg, 30*time.Second); err != nil {
			slog.Warn("config cache refresh failed", "tenant_id", tenantID, "error", err)
		}
	}

	slog.Info("detection config updated",
		"tenant_id", tenantID,
		"version", cfg.Version,
		"custom_rules", len(cfg.CustomRules),
	)
	writeJSON(w, http.StatusOK, &cfg)
}

// GetLead retrieves a lead by ID.
func (h *Handler) GetLead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	leadID := chi.URLParam(r, "id")

	if leadID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "lead id is required",
		})
		return
	}

	lead, err := h.repo.GetLead(ctx, tenantID, leadID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, lead)
}

// GetLeadAudit retrieves the audit timeline for a lead, from either
// side of its merges.
func (h *Handler) GetLeadAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	leadID := chi.URLParam(r, "id")

	if leadID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "lead id is required",
		})
		return
	}

	events, err := h.repo.ListAuditEvents(ctx, tenantID, leadID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// writeError maps domain errors to HTTP status codes: validation 400,
// not found 404, conflict 409, transient store 502, anything else 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrTransientStore):
		status = http.StatusBadGateway
	}

	if status >= 500 {
		slog.Error("request failed",
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	}

	writeJSON(w, status, map[string]string{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
