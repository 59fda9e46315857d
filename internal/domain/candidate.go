package domain

import (
	"time"
)

// Match strategy names, in cascade order. NoneFound is the terminal
// outcome recorded when no strategy produced a hit.
const (
	StrategyEmailExact       = "email_exact"
	StrategyPhoneExact       = "phone_exact"
	StrategyNameAddressFuzzy = "name_address_fuzzy"
	StrategyNamePhoneFuzzy   = "name_phone_fuzzy"
	StrategyCustomRule       = "custom_rule"
	StrategyNoneFound        = "none_found"
)

// Candidate is a lead suspected of duplicating another, produced
// transiently by a detection scan.
type Candidate struct {
	LeadID string `json:"leadId"`

	// Similarity is the match score in [0,1]; exact strategies score 1.
	Similarity float64 `json:"similarityScore"`

	// Confidence is 1 for exact strategies and the strategy score for
	// fuzzy ones, independent of rule weighting.
	Confidence float64 `json:"confidenceScore"`

	// MatchedFields lists the attributes that contributed to the match.
	MatchedFields []string `json:"matchedFields"`

	// Details carries free-form diagnostics (strategy name, per-field
	// scores) for operators.
	Details map[string]string `json:"details,omitempty"`
}

// Group resolution methods.
const (
	ResolutionMerged   = "merged"
	ResolutionSeparate = "separate"
	ResolutionManual   = "manual"
)

// Group clusters candidates discovered across a batch scan. Once
// resolved it is terminal; the engine never reopens a resolved group.
type Group struct {
	ID       string `json:"groupId"`
	TenantID string `json:"tenantId"`

	// Candidates are ordered by ascending lead age (oldest first).
	Candidates []Candidate `json:"candidates"`

	// PrimaryLeadID is the representative record, defaulting to the
	// oldest member unless overridden at resolution time.
	PrimaryLeadID string `json:"primaryLeadId"`

	CreatedAt        time.Time  `json:"createdAt"`
	Resolved         bool       `json:"resolved"`
	ResolutionMethod string     `json:"resolutionMethod,omitempty"`
	ResolvedAt       *time.Time `json:"resolvedAt,omitempty"`
}

// MemberIDs returns the lead ids of every candidate in the group.
func (g *Group) MemberIDs() []string {
	ids := make([]string, len(g.Candidates))
	for i, c := range g.Candidates {
		ids[i] = c.LeadID
	}
	return ids
}

// ValidResolutionMethod reports whether m is a recognized resolution.
func ValidResolutionMethod(m string) bool {
	switch m {
	case ResolutionMerged, ResolutionSeparate, ResolutionManual:
		return true
	}
	return false
}
