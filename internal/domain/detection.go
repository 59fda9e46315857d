package domain

import (
	"fmt"
	"time"
)

// Custom rule condition kinds.
const (
	RuleConditionExact      = "exact"
	RuleConditionFuzzy      = "fuzzy"
	RuleConditionRegex      = "regex"
	RuleConditionExpression = "expression"
)

// Rule score combination modes. When several custom rules match the
// same lead pair, this controls how their weighted scores collapse
// into one similarity value.
const (
	CombineMax             = "max"
	CombineSum             = "sum"
	CombineWeightedAverage = "weighted_average"
)

// CustomRule is a tenant-defined match rule evaluated during bulk
// candidate scans.
type CustomRule struct {
	Name   string   `json:"name"`
	Fields []string `json:"fields"`
	Weight float64  `json:"weight"`

	// Condition is one of exact, fuzzy, regex, or expression.
	Condition string `json:"condition"`

	// Pattern is required for regex conditions.
	Pattern string `json:"pattern,omitempty"`

	// Expression is a CEL predicate over the normalized payloads,
	// bound as "source" and "candidate". Required for expression
	// conditions.
	Expression string `json:"expression,omitempty"`
}

// DetectionConfig is the tenant-scoped duplicate detection
// configuration. It is immutable per version: updates replace the
// whole object under a new version, so an in-flight operation always
// works against one consistent snapshot.
type DetectionConfig struct {
	TenantID string `json:"tenantId"`
	Version  int64  `json:"version"`

	Enabled bool `json:"enabled"`

	// Threshold is the minimum similarity for a bulk-scan candidate.
	Threshold float64 `json:"threshold"`

	FieldsToCompare []string `json:"fieldsToCompare"`

	FuzzyMatchingEnabled bool    `json:"fuzzyMatchingEnabled"`
	FuzzyThreshold       float64 `json:"fuzzyThreshold"`

	AutoMergeEnabled    bool `json:"autoMergeEnabled"`
	NotificationEnabled bool `json:"notificationEnabled"`

	// RuleCombination selects how multiple matching custom rules
	// combine: max, sum, or weighted_average. Defaults to max.
	RuleCombination string `json:"ruleCombination,omitempty"`

	// LookupTimeoutMs bounds each candidate lookup so a degraded
	// store cannot stall a bulk job. A timed-out lookup counts as
	// no match.
	LookupTimeoutMs int `json:"lookupTimeoutMs,omitempty"`

	CustomRules []CustomRule `json:"customRules,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// DefaultDetectionConfig returns the configuration used when a tenant
// has not stored one.
func DefaultDetectionConfig(tenantID string) *DetectionConfig {
	return &DetectionConfig{
		TenantID:             tenantID,
		Version:              0,
		Enabled:              true,
		Threshold:            0.7,
		FieldsToCompare:      []string{FieldEmail, FieldPhone, FieldName, FieldAddress, FieldPostalCode},
		FuzzyMatchingEnabled: true,
		FuzzyThreshold:       0.8,
		RuleCombination:      CombineMax,
		LookupTimeoutMs:      2000,
	}
}

// LookupTimeout returns the per-lookup timeout as a duration.
func (c *DetectionConfig) LookupTimeout() time.Duration {
	if c.LookupTimeoutMs <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.LookupTimeoutMs) * time.Millisecond
}

// Combination returns the configured rule combination mode, falling
// back to max.
func (c *DetectionConfig) Combination() string {
	switch c.RuleCombination {
	case CombineSum, CombineWeightedAverage:
		return c.RuleCombination
	}
	return CombineMax
}

// Validate checks value ranges and rule shapes. Expression and regex
// compilation is checked by the match engine before a config version
// is accepted.
func (c *DetectionConfig) Validate() error {
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("%w: threshold must be in [0,1], got %v", ErrValidation, c.Threshold)
	}
	if c.FuzzyThreshold < 0 || c.FuzzyThreshold > 1 {
		return fmt.Errorf("%w: fuzzyThreshold must be in [0,1], got %v", ErrValidation, c.FuzzyThreshold)
	}
	switch c.RuleCombination {
	case "", CombineMax, CombineSum, CombineWeightedAverage:
	default:
		return fmt.Errorf("%w: unknown ruleCombination %q", ErrValidation, c.RuleCombination)
	}
	if c.LookupTimeoutMs < 0 {
		return fmt.Errorf("%w: lookupTimeoutMs must not be negative", ErrValidation)
	}
	for i, rule := range c.CustomRules {
		if rule.Name == "" {
			return fmt.Errorf("%w: custom rule %d has no name", ErrValidation, i)
		}
		if len(rule.Fields) == 0 {
			return fmt.Errorf("%w: custom rule %q lists no fields", ErrValidation, rule.Name)
		}
		if rule.Weight < 0 {
			return fmt.Errorf("%w: custom rule %q has negative weight", ErrValidation, rule.Name)
		}
		switch rule.Condition {
		case RuleConditionExact, RuleConditionFuzzy:
		case RuleConditionRegex:
			if rule.Pattern == "" {
				return fmt.Errorf("%w: custom rule %q needs a pattern", ErrValidation, rule.Name)
			}
		case RuleConditionExpression:
			if rule.Expression == "" {
				return fmt.Errorf("%w: custom rule %q needs an expression", ErrValidation, rule.Name)
			}
		default:
			return fmt.Errorf("%w: custom rule %q has unknown condition %q", ErrValidation, rule.Name, rule.Condition)
		}
	}
	return nil
}
