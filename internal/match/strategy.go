package match

import (
	"context"
	"fmt"
	"sort"

	"github.com/opensource-crm/shrike/internal/domain"
	"github.com/opensource-crm/shrike/internal/normalize"
	"github.com/opensource-crm/shrike/internal/similarity"
)

// StrategyMatch is one hit produced by a match strategy.
type StrategyMatch struct {
	Lead          *domain.Lead
	Similarity    float64
	Confidence    float64
	MatchedFields []string
	Details       map[string]string
}

// Strategy locates duplicate candidates for a normalized payload.
// Scan returns hits best-first and an empty slice when the strategy
// does not apply to the payload.
type Strategy interface {
	Name() string
	Scan(ctx context.Context, tenantID string, n map[string]string, cfg *domain.DetectionConfig) ([]StrategyMatch, error)
}

// defaultStrategies returns the cascade in evaluation order.
func defaultStrategies(store domain.LeadStore) []Strategy {
	return []Strategy{
		&exactFieldStrategy{store: store, field: domain.FieldEmail, name: domain.StrategyEmailExact},
		&exactFieldStrategy{store: store, field: domain.FieldPhone, name: domain.StrategyPhoneExact},
		&nameAddressStrategy{store: store},
		&namePhoneStrategy{store: store},
	}
}

// exactFieldStrategy matches on an exact normalized field value.
// The store returns hits newest first, which is also the tie-break.
type exactFieldStrategy struct {
	store domain.LeadStore
	field string
	name  string
}

func (s *exactFieldStrategy) Name() string { return s.name }

func (s *exactFieldStrategy) Scan(ctx context.Context, tenantID string, n map[string]string, cfg *domain.DetectionConfig) ([]StrategyMatch, error) {
	value := n[s.field]
	if value == "" || !fieldsEnabled(cfg, s.field) {
		return nil, nil
	}

	leads, err := s.store.FindByExactField(ctx, tenantID, s.field, value)
	if err != nil {
		return nil, fmt.Errorf("%s lookup: %w", s.name, err)
	}

	matches := make([]StrategyMatch, 0, len(leads))
	for _, lead := range leads {
		matches = append(matches, StrategyMatch{
			Lead:          lead,
			Similarity:    1.0,
			Confidence:    1.0,
			MatchedFields: []string{s.field},
			Details:       map[string]string{"strategy": s.name},
		})
	}
	return matches, nil
}

// nameAddressStrategy fuzzy-matches name and address against leads
// sharing the same normalized postal code. Both similarities must
// clear the fuzzy threshold.
type nameAddressStrategy struct {
	store domain.LeadStore
}

func (s *nameAddressStrategy) Name() string { return domain.StrategyNameAddressFuzzy }

func (s *nameAddressStrategy) Scan(ctx context.Context, tenantID string, n map[string]string, cfg *domain.DetectionConfig) ([]StrategyMatch, error) {
	if !cfg.FuzzyMatchingEnabled {
		return nil, nil
	}
	name, addr, postal := n[domain.FieldName], n[domain.FieldAddress], n[domain.FieldPostalCode]
	if name == "" || addr == "" || postal == "" {
		return nil, nil
	}
	if !fieldsEnabled(cfg, domain.FieldName, domain.FieldAddress, domain.FieldPostalCode) {
		return nil, nil
	}

	pool, err := s.store.FindByExactField(ctx, tenantID, domain.FieldPostalCode, postal)
	if err != nil {
		return nil, fmt.Errorf("postal pool lookup: %w", err)
	}

	var matches []StrategyMatch
	for _, lead := range pool {
		cn := normalize.Name(lead.Payload[domain.FieldName])
		ca := normalize.Address(lead.Payload[domain.FieldAddress])
		if cn == "" || ca == "" {
			continue
		}
		nameScore := similarity.Ratio(name, cn)
		addrScore := similarity.Ratio(addr, ca)
		if nameScore < cfg.FuzzyThreshold || addrScore < cfg.FuzzyThreshold {
			continue
		}
		combined := (nameScore + addrScore) / 2
		matches = append(matches, StrategyMatch{
			Lead:          lead,
			Similarity:    combined,
			Confidence:    combined,
			MatchedFields: []string{domain.FieldName, domain.FieldAddress, domain.FieldPostalCode},
			Details: map[string]string{
				"strategy":      domain.StrategyNameAddressFuzzy,
				"name_score":    fmt.Sprintf("%.3f", nameScore),
				"address_score": fmt.Sprintf("%.3f", addrScore),
			},
		})
	}
	sortMatches(matches)
	return matches, nil
}

// namePhoneStrategy fuzzy-matches name against leads whose normalized
// phone is identical. The phone itself is never fuzzy-compared.
type namePhoneStrategy struct {
	store domain.LeadStore
}

func (s *namePhoneStrategy) Name() string { return domain.StrategyNamePhoneFuzzy }

func (s *namePhoneStrategy) Scan(ctx context.Context, tenantID string, n map[string]string, cfg *domain.DetectionConfig) ([]StrategyMatch, error) {
	if !cfg.FuzzyMatchingEnabled {
		return nil, nil
	}
	name, phone := n[domain.FieldName], n[domain.FieldPhone]
	if name == "" || phone == "" {
		return nil, nil
	}
	if !fieldsEnabled(cfg, domain.FieldName, domain.FieldPhone) {
		return nil, nil
	}

	pool, err := s.store.FindWithField(ctx, tenantID, domain.FieldPhone)
	if err != nil {
		return nil, fmt.Errorf("phone pool lookup: %w", err)
	}

	var matches []StrategyMatch
	for _, lead := range pool {
		if normalize.Phone(lead.Payload[domain.FieldPhone]) != phone {
			continue
		}
		cn := normalize.Name(lead.Payload[domain.FieldName])
		if cn == "" {
			continue
		}
		nameScore := similarity.Ratio(name, cn)
		if nameScore < cfg.FuzzyThreshold {
			continue
		}
		matches = append(matches, StrategyMatch{
			Lead:          lead,
			Similarity:    nameScore,
			Confidence:    nameScore,
			MatchedFields: []string{domain.FieldName, domain.FieldPhone},
			Details: map[string]string{
				"strategy":   domain.StrategyNamePhoneFuzzy,
				"name_score": fmt.Sprintf("%.3f", nameScore),
			},
		})
	}
	sortMatches(matches)
	return matches, nil
}

// fieldsEnabled reports whether every field participates in
// comparison per the tenant config. An empty FieldsToCompare means
// all fields are compared.
func fieldsEnabled(cfg *domain.DetectionConfig, fields ...string) bool {
	if len(cfg.FieldsToCompare) == 0 {
		return true
	}
	enabled := make(map[string]bool, len(cfg.FieldsToCompare))
	for _, f := range cfg.FieldsToCompare {
		enabled[f] = true
	}
	for _, f := range fields {
		if !enabled[f] {
			return false
		}
	}
	return true
}

// sortMatches orders hits by descending similarity, newest lead first
// on ties.
func sortMatches(matches []StrategyMatch) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Lead.CreatedAt.After(matches[j].Lead.CreatedAt)
	})
}
