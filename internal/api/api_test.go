package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-crm/shrike/internal/audit"
	"github.com/opensource-crm/shrike/internal/bulk"
	"github.com/opensource-crm/shrike/internal/domain"
	"github.com/opensource-crm/shrike/internal/group"
	"github.com/opensource-crm/shrike/internal/match"
	"github.com/opensource-crm/shrike/internal/merge"
	"github.com/opensource-crm/shrike/internal/repository"
)

// newTestServer wires a full stack against a throwaway SQLite file.
func newTestServer(t *testing.T) (*Server, domain.Repository) {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	sink := audit.NewStoreSink(repo, time.Second, 100)
	t.Cleanup(func() { sink.Close() })

	finder := match.NewFinder(repo, repo, nil)
	merger := merge.NewEngine(repo, repo, repo, sink, nil)
	groups := group.NewManager(repo, repo, merger, sink, nil)
	coordinator := bulk.NewCoordinator(finder, merger, groups, 4)

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}

	return NewServer(cfg, repo, nil, nil, finder, merger, groups, coordinator, "test-v1"), repo
}

func seedLead(t *testing.T, repo domain.Repository, tenantID, id string, payload map[string]string, age time.Duration) {
	t.Helper()
	now := time.Now().UTC()
	lead := &domain.Lead{
		ID:        id,
		TenantID:  tenantID,
		Payload:   payload,
		Status:    domain.LeadStatusActive,
		Version:   1,
		CreatedAt: now.Add(-age),
		UpdatedAt: now.Add(-age),
	}
	if err := repo.SaveLead(context.Background(), tenantID, lead); err != nil {
		t.Fatalf("failed to seed lead %s: %v", id, err)
	}
}

func doJSON(t *testing.T, server *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", "tenant-001")

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func TestCheckEndpoint(t *testing.T) {
	server, repo := newTestServer(t)
	seedLead(t, repo, "tenant-001", "lead-alice", map[string]string{
		"email": "Alice@Example.com",
		"name":  "Alice Jensen",
	}, time.Hour)

	t.Run("DuplicateFound", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/leads/check", CheckRequest{
			Payload: map[string]string{"email": "alice@example.com"},
		})

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp CheckResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if !resp.DuplicateFound {
			t.Fatal("expected a duplicate to be found")
		}
		if resp.Lead == nil || resp.Lead.ID != "lead-alice" {
			t.Errorf("expected lead-alice, got %+v", resp.Lead)
		}
		if resp.Strategy != domain.StrategyEmailExact {
			t.Errorf("expected strategy email_exact, got %s", resp.Strategy)
		}
		if resp.Metadata.Version != "test-v1" {
			t.Errorf("expected version test-v1, got %s", resp.Metadata.Version)
		}
		if resp.Metadata.TraceID == "" {
			t.Error("expected traceId in metadata")
		}
	})

	t.Run("NoDuplicate", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/leads/check", CheckRequest{
			Payload: map[string]string{"email": "nobody@example.com"},
		})

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp CheckResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.DuplicateFound {
			t.Error("expected no duplicate")
		}
	})

	t.Run("MissingTenantID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/leads/check", bytes.NewBufferString("{}"))
		req.Header.Set("Content-Type", "application/json")
		// No X-Tenant-ID header

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/leads/check", bytes.NewBufferString("not-json"))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("EmptyPayload", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/leads/check", CheckRequest{})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ResponseHeaders", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/leads/check", CheckRequest{
			Payload: map[string]string{"email": "alice@example.com"},
		})

		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID header in response")
		}
		if rr.Header().Get("X-Trace-ID") == "" {
			t.Error("expected X-Trace-ID header in response")
		}
		if rr.Header().Get("Content-Type") != "application/json" {
			t.Error("expected Content-Type: application/json")
		}
	})
}

func TestCandidatesEndpoint(t *testing.T) {
	server, repo := newTestServer(t)
	seedLead(t, repo, "tenant-001", "lead-bob", map[string]string{
		"email": "bob@example.com",
		"name":  "Bob Smith",
	}, 2*time.Hour)
	seedLead(t, repo, "tenant-001", "lead-bobby", map[string]string{
		"phone": "+1 555 0100",
		"name":  "Bob Smith",
	}, time.Hour)

	t.Run("ReturnsAllCandidates", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/leads/candidates", CandidatesRequest{
			Payload: map[string]string{
				"email": "bob@example.com",
				"phone": "+1 (555) 0100",
			},
		})

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp struct {
			Candidates []domain.Candidate `json:"candidates"`
			Count      int                `json:"count"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Count != 2 {
			t.Fatalf("expected 2 candidates, got %d", resp.Count)
		}
	})

	t.Run("ThresholdOutOfRange", func(t *testing.T) {
		bad := 1.5
		rr := doJSON(t, server, http.MethodPost, "/leads/candidates", CandidatesRequest{
			Payload:   map[string]string{"email": "bob@example.com"},
			Threshold: &bad,
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestMergeEndpoint(t *testing.T) {
	server, repo := newTestServer(t)
	seedLead(t, repo, "tenant-001", "lead-old", map[string]string{
		"email": "carol@example.com",
		"name":  "Carol",
	}, 2*time.Hour)
	seedLead(t, repo, "tenant-001", "lead-new", map[string]string{
		"email": "carol@example.com",
		"phone": "+1 555 0200",
	}, time.Hour)

	t.Run("SuccessfulMerge", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/merge", MergeRequest{
			SourceLeadID: "lead-new",
			TargetLeadID: "lead-old",
			PerformedBy:  "operator-1",
			Reason:       "manual review",
		})

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var op domain.MergeOperation
		if err := json.Unmarshal(rr.Body.Bytes(), &op); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if op.MergedFields["phone"] != "+1 555 0200" {
			t.Errorf("expected merged phone, got %q", op.MergedFields["phone"])
		}

		source, err := repo.GetLead(context.Background(), "tenant-001", "lead-new")
		if err != nil {
			t.Fatalf("failed to reload source: %v", err)
		}
		if source.Status != domain.LeadStatusMerged || source.MergedInto != "lead-old" {
			t.Errorf("expected source merged into lead-old, got %+v", source)
		}
	})

	t.Run("RepeatMergeConflicts", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/merge", MergeRequest{
			SourceLeadID: "lead-new",
			TargetLeadID: "lead-old",
			PerformedBy:  "operator-1",
		})
		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("UnknownLeadNotFound", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/merge", MergeRequest{
			SourceLeadID: "lead-ghost",
			TargetLeadID: "lead-old",
			PerformedBy:  "operator-1",
		})
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("SelfMergeRejected", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/merge", MergeRequest{
			SourceLeadID: "lead-old",
			TargetLeadID: "lead-old",
			PerformedBy:  "operator-1",
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingPerformedBy", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/merge", MergeRequest{
			SourceLeadID: "lead-new",
			TargetLeadID: "lead-old",
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestBulkAndGroupEndpoints(t *testing.T) {
	server, repo := newTestServer(t)
	seedLead(t, repo, "tenant-001", "lead-a", map[string]string{
		"email": "dana@example.com",
		"name":  "Dana",
	}, 3*time.Hour)
	seedLead(t, repo, "tenant-001", "lead-b", map[string]string{
		"email": "dana@example.com",
		"phone": "+1 555 0300",
	}, 2*time.Hour)

	var groupID string

	t.Run("BulkCheckBuildsGroup", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/bulk/check", BulkCheckRequest{
			Records: []bulk.CheckRecord{
				{LeadID: "lead-a", Payload: map[string]string{"email": "dana@example.com", "name": "Dana"}},
				{LeadID: "lead-b", Payload: map[string]string{"email": "dana@example.com"}},
			},
		})

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var result bulk.BulkCheckResult
		if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if result.Scanned != 2 || result.Failed != 0 {
			t.Fatalf("expected 2 scanned / 0 failed, got %d / %d", result.Scanned, result.Failed)
		}
		if len(result.Groups) != 1 {
			t.Fatalf("expected 1 group, got %d", len(result.Groups))
		}
		if result.Groups[0].PrimaryLeadID != "lead-a" {
			t.Errorf("expected oldest lead as primary, got %s", result.Groups[0].PrimaryLeadID)
		}
		groupID = result.Groups[0].ID
	})

	t.Run("ListGroups", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/groups", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Groups []*domain.Group `json:"groups"`
			Count  int             `json:"count"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Count != 1 {
			t.Fatalf("expected 1 open group, got %d", resp.Count)
		}
	})

	t.Run("ResolveGroupMerged", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/groups/"+groupID+"/resolve", ResolveGroupRequest{
			Method:      domain.ResolutionMerged,
			PerformedBy: "operator-1",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var result group.ResolveResult
		if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if !result.Group.Resolved {
			t.Error("expected group to be resolved")
		}
		if len(result.Merged) != 1 || result.Merged[0] != "lead-b" {
			t.Errorf("expected lead-b merged, got %v", result.Merged)
		}
	})

	t.Run("ResolveIsTerminal", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/groups/"+groupID+"/resolve", ResolveGroupRequest{
			Method:      domain.ResolutionSeparate,
			PerformedBy: "operator-1",
		})
		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409, got %d", rr.Code)
		}
	})

	t.Run("GroupNotFound", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/groups/no-such-group", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("AuditTimeline", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/leads/lead-b/audit", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Events []*domain.AuditEvent `json:"events"`
			Count  int                  `json:"count"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Count < 2 {
			t.Fatalf("expected at least started+committed events, got %d", resp.Count)
		}
		if resp.Events[0].Kind != domain.AuditMergeStarted {
			t.Errorf("expected merge_started first, got %s", resp.Events[0].Kind)
		}
	})
}

func TestConfigEndpoints(t *testing.T) {
	server, _ := newTestServer(t)

	t.Run("DefaultConfigWhenUnset", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/config", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var cfg domain.DetectionConfig
		if err := json.Unmarshal(rr.Body.Bytes(), &cfg); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if cfg.Version != 0 || cfg.Threshold != 0.7 {
			t.Errorf("expected default config, got version=%d threshold=%v", cfg.Version, cfg.Threshold)
		}
	})

	t.Run("PutStoresNewVersion", func(t *testing.T) {
		update := domain.DefaultDetectionConfig("tenant-001")
		update.Threshold = 0.9
		rr := doJSON(t, server, http.MethodPut, "/config", update)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = doJSON(t, server, http.MethodGet, "/config", nil)
		var cfg domain.DetectionConfig
		json.Unmarshal(rr.Body.Bytes(), &cfg)
		if cfg.Version != 1 || cfg.Threshold != 0.9 {
			t.Errorf("expected version 1 with threshold 0.9, got version=%d threshold=%v", cfg.Version, cfg.Threshold)
		}
	})

	t.Run("PutRejectsInvalidThreshold", func(t *testing.T) {
		update := domain.DefaultDetectionConfig("tenant-001")
		update.Threshold = 1.5
		rr := doJSON(t, server, http.MethodPut, "/config", update)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("PutRejectsBadCustomRule", func(t *testing.T) {
		update := domain.DefaultDetectionConfig("tenant-001")
		update.CustomRules = []domain.CustomRule{{
			Name:      "broken",
			Fields:    []string{"email"},
			Weight:    1,
			Condition: domain.RuleConditionRegex,
			Pattern:   "(",
		}}
		rr := doJSON(t, server, http.MethodPut, "/config", update)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
		}
	})
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	t.Run("HealthCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)

		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp["version"])
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("TenantMiddlewareExtractsID", func(t *testing.T) {
		var capturedTenantID string

		handler := TenantMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capturedTenantID = GetTenantID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Tenant-ID", "my-tenant-123")

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedTenantID != "my-tenant-123" {
			t.Errorf("expected tenant ID 'my-tenant-123', got '%s'", capturedTenantID)
		}
	})

	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var capturedRequestID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v, ok := r.Context().Value(RequestIDKey).(string); ok {
				capturedRequestID = v
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID == "" {
			t.Error("expected request ID to be set")
		}

		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()

		// Should not panic
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})
}
