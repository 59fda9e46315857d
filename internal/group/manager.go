// Package group clusters duplicate candidates found across a batch
// into resolvable groups and drives their resolution.
package group

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-crm/shrike/internal/domain"
)

// Merger is the slice of the merge engine the manager needs.
type Merger interface {
	MergeLeads(ctx context.Context, tenantID, sourceID, targetID string, fieldResolutions map[string]domain.FieldResolution, performedBy, reason string) (*domain.MergeOperation, error)
}

// Manager owns duplicate group lifecycle: creation from scan results
// and terminal resolution.
type Manager struct {
	groups domain.GroupStore
	leads  domain.LeadStore
	merger Merger
	audit  domain.AuditSink // optional
	bus    domain.EventBus  // optional
}

// NewManager creates a group manager. audit and bus may be nil.
func NewManager(groups domain.GroupStore, leads domain.LeadStore, merger Merger, audit domain.AuditSink, bus domain.EventBus) *Manager {
	return &Manager{
		groups: groups,
		leads:  leads,
		merger: merger,
		audit:  audit,
		bus:    bus,
	}
}

// ScanResult pairs one scanned lead with the candidates found for it.
type ScanResult struct {
	LeadID     string
	Candidates []domain.Candidate
}

// BuildGroups clusters scan results into duplicate groups: two leads
// share a group when any candidate set links them, computed with a
// disjoint-set union over lead ids. Members are ordered oldest first
// and the oldest member becomes the primary. Groups are persisted
// before being returned.
func (m *Manager) BuildGroups(ctx context.Context, tenantID string, scans []ScanResult) ([]*domain.Group, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrValidation)
	}

	d := newDisjointSet()
	best := make(map[string]domain.Candidate) // highest-scoring candidate per lead

	for _, scan := range scans {
		if len(scan.Candidates) == 0 {
			continue
		}
		d.add(scan.LeadID)
		keepBest(best, domain.Candidate{LeadID: scan.LeadID, Similarity: 1.0, Confidence: 1.0})
		for _, c := range scan.Candidates {
			d.add(c.LeadID)
			d.union(scan.LeadID, c.LeadID)
			keepBest(best, c)
		}
	}

	var groups []*domain.Group
	for _, members := range d.components() {
		if len(members) < 2 {
			continue
		}

		type member struct {
			candidate domain.Candidate
			createdAt time.Time
		}
		resolved := make([]member, 0, len(members))
		for _, id := range members {
			lead, err := m.leads.GetLead(ctx, tenantID, id)
			if err != nil {
				slog.Warn("group member lookup failed, dropping from group",
					"tenant_id", tenantID,
					"lead_id", id,
					"error", err,
				)
				continue
			}
			resolved = append(resolved, member{candidate: best[id], createdAt: lead.CreatedAt})
		}
		if len(resolved) < 2 {
			continue
		}

		sort.SliceStable(resolved, func(i, j int) bool {
			if !resolved[i].createdAt.Equal(resolved[j].createdAt) {
				return resolved[i].createdAt.Before(resolved[j].createdAt)
			}
			return resolved[i].candidate.LeadID < resolved[j].candidate.LeadID
		})

		candidates := make([]domain.Candidate, len(resolved))
		for i, mem := range resolved {
			candidates[i] = mem.candidate
		}

		g := &domain.Group{
			ID:            uuid.New().String(),
			TenantID:      tenantID,
			Candidates:    candidates,
			PrimaryLeadID: candidates[0].LeadID,
			CreatedAt:     time.Now().UTC(),
		}
		if err := m.groups.SaveGroup(ctx, tenantID, g); err != nil {
			return nil, fmt.Errorf("save group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// MergeFailure describes one member merge that failed during a
// merged-resolution attempt.
type MergeFailure struct {
	SourceLeadID string `json:"sourceLeadId"`
	TargetLeadID string `json:"targetLeadId"`
	Reason       string `json:"reason"`
}

// ResolveResult reports the outcome of a resolve call.
type ResolveResult struct {
	Group    *domain.Group  `json:"group"`
	Merged   []string       `json:"merged,omitempty"`
	Failures []MergeFailure `json:"failures,omitempty"`
}

// ResolveGroup transitions a group to a terminal resolution. For the
// merged method every non-primary member is merged into the primary
// in ascending age order; a member failure does not stop the rest,
// but the group is only marked resolved when all members merged.
// Partial failures come back in the result, not as an error.
func (m *Manager) ResolveGroup(ctx context.Context, tenantID, groupID, method, primaryLeadID, performedBy string) (*ResolveResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrValidation)
	}
	if !domain.ValidResolutionMethod(method) {
		return nil, fmt.Errorf("%w: unknown resolution method %q", domain.ErrValidation, method)
	}

	g, err := m.groups.GetGroup(ctx, tenantID, groupID)
	if err != nil {
		return nil, fmt.Errorf("load group: %w", err)
	}
	if g.Resolved {
		return nil, fmt.Errorf("%w: group %s is already resolved", domain.ErrConflict, groupID)
	}

	primary := g.PrimaryLeadID
	if primaryLeadID != "" {
		primary = primaryLeadID
	}
	if !containsLead(g.Candidates, primary) {
		return nil, fmt.Errorf("%w: primary lead %s is not a group member", domain.ErrValidation, primary)
	}

	result := &ResolveResult{Group: g}

	if method == domain.ResolutionMerged {
		// Candidates are stored oldest first; merge in that order.
		for _, c := range g.Candidates {
			if c.LeadID == primary {
				continue
			}
			// A retried resolution must not trip over members a
			// previous attempt already merged into the primary.
			if lead, err := m.leads.GetLead(ctx, tenantID, c.LeadID); err == nil &&
				lead.Status == domain.LeadStatusMerged && lead.MergedInto == primary {
				result.Merged = append(result.Merged, c.LeadID)
				continue
			}
			if _, err := m.merger.MergeLeads(ctx, tenantID, c.LeadID, primary, nil, performedBy, "group resolution"); err != nil {
				result.Failures = append(result.Failures, MergeFailure{
					SourceLeadID: c.LeadID,
					TargetLeadID: primary,
					Reason:       err.Error(),
				})
				continue
			}
			result.Merged = append(result.Merged, c.LeadID)
		}
		if len(result.Failures) > 0 {
			slog.Warn("group resolution incomplete, leaving group open",
				"tenant_id", tenantID,
				"group_id", groupID,
				"merged", len(result.Merged),
				"failed", len(result.Failures),
			)
			return result, nil
		}
	}

	now := time.Now().UTC()
	if err := m.groups.MarkGroupResolved(ctx, tenantID, groupID, method, primary, now); err != nil {
		return nil, fmt.Errorf("mark group resolved: %w", err)
	}
	g.Resolved = true
	g.ResolutionMethod = method
	g.PrimaryLeadID = primary
	g.ResolvedAt = &now

	if m.audit != nil {
		m.audit.Emit(&domain.AuditEvent{
			ID:       uuid.New().String(),
			TenantID: tenantID,
			Kind:     domain.AuditGroupResolved,
			Actor:    performedBy,
			Detail: map[string]string{
				"group_id": groupID,
				"method":   method,
				"primary":  primary,
			},
			Timestamp: now,
		})
	}
	m.publishResolved(ctx, g)

	slog.Info("duplicate group resolved",
		"tenant_id", tenantID,
		"group_id", groupID,
		"method", method,
		"primary_lead_id", primary,
	)
	return result, nil
}

func (m *Manager) publishResolved(ctx context.Context, g *domain.Group) {
	if m.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"groupId":       g.ID,
		"method":        g.ResolutionMethod,
		"primaryLeadId": g.PrimaryLeadID,
		"members":       g.MemberIDs(),
	})
	if err := m.bus.Publish(ctx, g.TenantID, domain.TopicGroupResolved, payload); err != nil {
		slog.Warn("group notification dropped",
			"tenant_id", g.TenantID,
			"group_id", g.ID,
			"error", err,
		)
	}
}

func containsLead(candidates []domain.Candidate, leadID string) bool {
	for _, c := range candidates {
		if c.LeadID == leadID {
			return true
		}
	}
	return false
}

func keepBest(best map[string]domain.Candidate, c domain.Candidate) {
	if existing, ok := best[c.LeadID]; !ok || c.Similarity > existing.Similarity {
		best[c.LeadID] = c
	}
}
