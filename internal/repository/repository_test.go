package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/opensource-crm/shrike/internal/domain"
)

func TestSQLiteRepository(t *testing.T) {
	// Create temp database file
	tmpFile, err := os.CreateTemp("", "shrike-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	cfg := domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	}

	repo, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetLead", func(t *testing.T) {
		lead := &domain.Lead{
			ID: "lead-001",
			Payload: map[string]string{
				"email":       " Anna@Example.COM ",
				"phone":       "12 34 56 78",
				"name":        "Anna Jensen",
				"postal_code": "dk-2100",
			},
			CreatedAt: time.Now().UTC().Add(-time.Hour),
		}

		if err := repo.SaveLead(ctx, tenantID, lead); err != nil {
			t.Fatalf("SaveLead failed: %v", err)
		}

		retrieved, err := repo.GetLead(ctx, tenantID, lead.ID)
		if err != nil {
			t.Fatalf("GetLead failed: %v", err)
		}

		if retrieved.ID != lead.ID {
			t.Errorf("expected ID %s, got %s", lead.ID, retrieved.ID)
		}
		if retrieved.TenantID != tenantID {
			t.Errorf("expected TenantID %s, got %s", tenantID, retrieved.TenantID)
		}
		if retrieved.Status != domain.LeadStatusActive {
			t.Errorf("expected active status, got %s", retrieved.Status)
		}
		if retrieved.Version != 1 {
			t.Errorf("expected version 1, got %d", retrieved.Version)
		}
		if retrieved.Payload["email"] != " Anna@Example.COM " {
			t.Errorf("payload must keep the raw value, got %q", retrieved.Payload["email"])
		}
	})

	t.Run("FindByExactFieldIsNormalized", func(t *testing.T) {
		// A differently formatted probe must hit the same lead.
		leads, err := repo.FindByExactField(ctx, tenantID, domain.FieldEmail, "anna@example.com")
		if err != nil {
			t.Fatalf("FindByExactField failed: %v", err)
		}
		if len(leads) != 1 || leads[0].ID != "lead-001" {
			t.Fatalf("expected lead-001, got %v", leads)
		}

		leads, err = repo.FindByExactField(ctx, tenantID, domain.FieldPhone, "(+45) 12 34 56 78")
		if err != nil {
			t.Fatalf("FindByExactField failed: %v", err)
		}
		if len(leads) != 1 || leads[0].ID != "lead-001" {
			t.Fatalf("phone probe should match lead-001, got %v", leads)
		}
	})

	t.Run("FindByExactFieldNewestFirst", func(t *testing.T) {
		newer := &domain.Lead{
			ID:        "lead-002",
			Payload:   map[string]string{"email": "anna@example.com"},
			CreatedAt: time.Now().UTC(),
		}
		if err := repo.SaveLead(ctx, tenantID, newer); err != nil {
			t.Fatalf("SaveLead failed: %v", err)
		}

		leads, err := repo.FindByExactField(ctx, tenantID, domain.FieldEmail, "anna@example.com")
		if err != nil {
			t.Fatalf("FindByExactField failed: %v", err)
		}
		if len(leads) != 2 {
			t.Fatalf("expected 2 leads, got %d", len(leads))
		}
		if leads[0].ID != "lead-002" {
			t.Errorf("newest lead must come first, got %s", leads[0].ID)
		}
	})

	t.Run("FindWithField", func(t *testing.T) {
		leads, err := repo.FindWithField(ctx, tenantID, domain.FieldPhone)
		if err != nil {
			t.Fatalf("FindWithField failed: %v", err)
		}
		// Only lead-001 carries a phone.
		if len(leads) != 1 || leads[0].ID != "lead-001" {
			t.Errorf("expected only lead-001, got %v", leads)
		}
	})

	t.Run("UnknownFieldRejected", func(t *testing.T) {
		_, err := repo.FindByExactField(ctx, tenantID, "ssn", "123")
		if !errors.Is(err, domain.ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		_, err := repo.GetLead(ctx, "tenant-002", "lead-001")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound for different tenant, got: %v", err)
		}

		leads, err := repo.FindByExactField(ctx, "tenant-002", domain.FieldEmail, "anna@example.com")
		if err != nil {
			t.Fatalf("FindByExactField failed: %v", err)
		}
		if len(leads) != 0 {
			t.Errorf("other tenant must not see leads, got %v", leads)
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		if err := repo.SaveLead(ctx, "", &domain.Lead{ID: "x"}); err == nil {
			t.Error("expected error for empty tenantID")
		}
		if _, err := repo.GetLead(ctx, "", "lead-001"); err == nil {
			t.Error("expected error for empty tenantID")
		}
	})

	t.Run("CommitMerge", func(t *testing.T) {
		source, err := repo.GetLead(ctx, tenantID, "lead-002")
		if err != nil {
			t.Fatalf("GetLead failed: %v", err)
		}
		target, err := repo.GetLead(ctx, tenantID, "lead-001")
		if err != nil {
			t.Fatalf("GetLead failed: %v", err)
		}

		merged := map[string]string{"email": "anna@example.com", "name": "Anna Jensen"}
		if err := repo.CommitMerge(ctx, tenantID, source.ID, target.ID, merged, source.Version, target.Version); err != nil {
			t.Fatalf("CommitMerge failed: %v", err)
		}

		after, err := repo.GetLead(ctx, tenantID, source.ID)
		if err != nil {
			t.Fatalf("GetLead failed: %v", err)
		}
		if after.Status != domain.LeadStatusMerged || after.MergedInto != target.ID {
			t.Errorf("source should be merged into %s, got status=%s merged_into=%s",
				target.ID, after.Status, after.MergedInto)
		}
		if after.Version != source.Version+1 {
			t.Errorf("version should bump, got %d", after.Version)
		}

		// Merged leads drop out of the active candidate pool.
		leads, err := repo.FindByExactField(ctx, tenantID, domain.FieldEmail, "anna@example.com")
		if err != nil {
			t.Fatalf("FindByExactField failed: %v", err)
		}
		if len(leads) != 1 || leads[0].ID != target.ID {
			t.Errorf("only the surviving lead should match, got %v", leads)
		}
	})

	t.Run("CommitMergeVersionConflict", func(t *testing.T) {
		// Replay of the previous merge must be rejected, not applied.
		source, _ := repo.GetLead(ctx, tenantID, "lead-002")
		target, _ := repo.GetLead(ctx, tenantID, "lead-001")

		err := repo.CommitMerge(ctx, tenantID, source.ID, target.ID,
			map[string]string{"email": "anna@example.com"}, source.Version-1, target.Version-1)
		if !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}

		// The transaction must not have touched the target.
		check, _ := repo.GetLead(ctx, tenantID, target.ID)
		if check.Version != target.Version {
			t.Errorf("target version moved from %d to %d inside a failed merge", target.Version, check.Version)
		}
	})

	t.Run("MarkMergedNotActive", func(t *testing.T) {
		source, _ := repo.GetLead(ctx, tenantID, "lead-002")
		err := repo.MarkMerged(ctx, tenantID, source.ID, "lead-001", source.Version)
		if !errors.Is(err, domain.ErrConflict) {
			t.Errorf("merging an already merged lead should conflict, got %v", err)
		}
	})

	t.Run("WriteNotFound", func(t *testing.T) {
		err := repo.MarkMerged(ctx, tenantID, "nonexistent", "lead-001", 1)
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("DetectionConfigDefaultsWhenEmpty", func(t *testing.T) {
		cfg, err := repo.GetDetectionConfig(ctx, "tenant-fresh")
		if err != nil {
			t.Fatalf("GetDetectionConfig failed: %v", err)
		}
		if cfg.Threshold != 0.7 || !cfg.Enabled {
			t.Errorf("expected default config, got %+v", cfg)
		}
	})

	t.Run("DetectionConfigVersioning", func(t *testing.T) {
		first := domain.DefaultDetectionConfig(tenantID)
		first.Threshold = 0.75
		if err := repo.PutDetectionConfig(ctx, tenantID, first); err != nil {
			t.Fatalf("PutDetectionConfig failed: %v", err)
		}
		second := domain.DefaultDetectionConfig(tenantID)
		second.Threshold = 0.9
		if err := repo.PutDetectionConfig(ctx, tenantID, second); err != nil {
			t.Fatalf("PutDetectionConfig failed: %v", err)
		}

		cfg, err := repo.GetDetectionConfig(ctx, tenantID)
		if err != nil {
			t.Fatalf("GetDetectionConfig failed: %v", err)
		}
		if cfg.Version != 2 || cfg.Threshold != 0.9 {
			t.Errorf("expected version 2 threshold 0.9, got version %d threshold %v", cfg.Version, cfg.Threshold)
		}
	})

	t.Run("DetectionConfigRejectsInvalid", func(t *testing.T) {
		bad := domain.DefaultDetectionConfig(tenantID)
		bad.Threshold = 3
		if err := repo.PutDetectionConfig(ctx, tenantID, bad); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
	})

	t.Run("GroupLifecycle", func(t *testing.T) {
		group := &domain.Group{
			ID:       "group-001",
			TenantID: tenantID,
			Candidates: []domain.Candidate{
				{LeadID: "lead-001", Similarity: 1.0},
				{LeadID: "lead-003", Similarity: 0.85},
			},
			PrimaryLeadID: "lead-001",
			CreatedAt:     time.Now().UTC(),
		}
		if err := repo.SaveGroup(ctx, tenantID, group); err != nil {
			t.Fatalf("SaveGroup failed: %v", err)
		}

		open, err := repo.ListOpenGroups(ctx, tenantID)
		if err != nil {
			t.Fatalf("ListOpenGroups failed: %v", err)
		}
		if len(open) != 1 || open[0].ID != "group-001" {
			t.Fatalf("expected group-001 open, got %v", open)
		}
		if len(open[0].Candidates) != 2 {
			t.Errorf("candidates did not round-trip: %v", open[0].Candidates)
		}

		now := time.Now().UTC()
		if err := repo.MarkGroupResolved(ctx, tenantID, "group-001", domain.ResolutionMerged, "lead-001", now); err != nil {
			t.Fatalf("MarkGroupResolved failed: %v", err)
		}

		resolved, err := repo.GetGroup(ctx, tenantID, "group-001")
		if err != nil {
			t.Fatalf("GetGroup failed: %v", err)
		}
		if !resolved.Resolved || resolved.ResolutionMethod != domain.ResolutionMerged || resolved.ResolvedAt == nil {
			t.Errorf("resolution state wrong: %+v", resolved)
		}

		// Resolution is terminal.
		err = repo.MarkGroupResolved(ctx, tenantID, "group-001", domain.ResolutionSeparate, "lead-001", now)
		if !errors.Is(err, domain.ErrConflict) {
			t.Errorf("expected ErrConflict on second resolve, got %v", err)
		}

		open, _ = repo.ListOpenGroups(ctx, tenantID)
		if len(open) != 0 {
			t.Errorf("resolved group still listed as open")
		}
	})

	t.Run("AuditTimeline", func(t *testing.T) {
		base := time.Now().UTC()
		events := []*domain.AuditEvent{
			{ID: "ev-1", Kind: domain.AuditMergeStarted, SourceLeadID: "lead-002", TargetLeadID: "lead-001", Actor: "alice", Timestamp: base},
			{ID: "ev-2", Kind: domain.AuditMergeCommitted, SourceLeadID: "lead-002", TargetLeadID: "lead-001", Actor: "alice", Detail: map[string]string{"fields": "email"}, Timestamp: base.Add(time.Millisecond)},
		}
		for _, ev := range events {
			if err := repo.AppendAuditEvent(ctx, tenantID, ev); err != nil {
				t.Fatalf("AppendAuditEvent failed: %v", err)
			}
		}

		timeline, err := repo.ListAuditEvents(ctx, tenantID, "lead-002")
		if err != nil {
			t.Fatalf("ListAuditEvents failed: %v", err)
		}
		if len(timeline) != 2 {
			t.Fatalf("expected 2 events, got %d", len(timeline))
		}
		if timeline[0].Kind != domain.AuditMergeStarted || timeline[1].Kind != domain.AuditMergeCommitted {
			t.Errorf("timeline out of order: %s then %s", timeline[0].Kind, timeline[1].Kind)
		}
		if timeline[1].Detail["fields"] != "email" {
			t.Errorf("detail did not round-trip: %v", timeline[1].Detail)
		}

		// The target side sees the same events.
		timeline, err = repo.ListAuditEvents(ctx, tenantID, "lead-001")
		if err != nil || len(timeline) != 2 {
			t.Errorf("target timeline = %d events, err %v", len(timeline), err)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if _, err := repo.GetLead(ctx, tenantID, "nonexistent"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
		if _, err := repo.GetGroup(ctx, tenantID, "nonexistent"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})
}

func TestUnsupportedDriver(t *testing.T) {
	cfg := domain.RepositoryConfig{
		Driver: "mysql",
	}

	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		result := repo.rebind(tt.input)
		if result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}
