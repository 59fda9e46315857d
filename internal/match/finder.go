// Package match implements duplicate candidate detection: an ordered
// strategy cascade for single-lead checks and a full multi-strategy
// scan for bulk jobs. Detection is best-effort; store failures and
// lookup timeouts degrade to "no match" instead of propagating.
package match

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-crm/shrike/internal/domain"
	"github.com/opensource-crm/shrike/internal/normalize"
)

var tracer = otel.Tracer("shrike-match")

const configCacheTTL = 30 * time.Second

// Match is the outcome of a single-lead duplicate check.
type Match struct {
	Lead          *domain.Lead `json:"lead"`
	Strategy      string       `json:"strategy"`
	Similarity    float64      `json:"similarity"`
	Confidence    float64      `json:"confidence"`
	MatchedFields []string     `json:"matchedFields"`
}

// Finder runs the detection cascade against a lead store.
type Finder struct {
	store      domain.LeadStore
	configs    domain.ConfigStore
	cache      domain.Cache // optional
	strategies []Strategy
	rules      *ruleEngine
}

// NewFinder creates a finder with the default strategy cascade.
// cache may be nil.
func NewFinder(store domain.LeadStore, configs domain.ConfigStore, cache domain.Cache) *Finder {
	return &Finder{
		store:      store,
		configs:    configs,
		cache:      cache,
		strategies: defaultStrategies(store),
		rules:      newRuleEngine(store),
	}
}

// FindDuplicate runs the cascade for one payload: first strategy with
// a hit wins, later strategies are never consulted. Returns nil when
// the payload carries no identifying field, when the tenant has
// detection disabled, or when nothing matched.
func (f *Finder) FindDuplicate(ctx context.Context, tenantID string, payload map[string]string) (*Match, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrValidation)
	}

	ctx, span := tracer.Start(ctx, "match.find_duplicate")
	defer span.End()

	cfg := f.Config(ctx, tenantID)
	n := normalize.Payload(payload)

	if !cfg.Enabled || !hasIdentifying(n) {
		f.recordStrategy(ctx, tenantID, domain.StrategyNoneFound)
		return nil, nil
	}

	for _, strategy := range f.strategies {
		matches := f.scan(ctx, tenantID, strategy, n, cfg)
		if len(matches) == 0 {
			continue
		}
		hit := matches[0]
		f.recordStrategy(ctx, tenantID, strategy.Name())
		return &Match{
			Lead:          hit.Lead,
			Strategy:      strategy.Name(),
			Similarity:    hit.Similarity,
			Confidence:    hit.Confidence,
			MatchedFields: hit.MatchedFields,
		}, nil
	}

	f.recordStrategy(ctx, tenantID, domain.StrategyNoneFound)
	return nil, nil
}

// FindCandidates runs every applicable strategy plus the tenant's
// custom rules, deduplicates by lead id, and returns all candidates
// at or above threshold sorted by descending similarity.
func (f *Finder) FindCandidates(ctx context.Context, tenantID string, payload map[string]string, threshold float64) ([]domain.Candidate, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrValidation)
	}
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("%w: threshold must be in [0,1], got %v", domain.ErrValidation, threshold)
	}

	ctx, span := tracer.Start(ctx, "match.find_candidates")
	defer span.End()

	cfg := f.Config(ctx, tenantID)
	n := normalize.Payload(payload)

	if !cfg.Enabled || !hasIdentifying(n) {
		return nil, nil
	}

	byLead := make(map[string]*domain.Candidate)

	for _, strategy := range f.strategies {
		for _, m := range f.scan(ctx, tenantID, strategy, n, cfg) {
			mergeCandidate(byLead, domain.Candidate{
				LeadID:        m.Lead.ID,
				Similarity:    m.Similarity,
				Confidence:    m.Confidence,
				MatchedFields: m.MatchedFields,
				Details:       m.Details,
			})
		}
	}

	ruleCands, err := f.rules.Evaluate(ctx, tenantID, n, cfg)
	if err != nil {
		slog.Warn("custom rule evaluation degraded",
			"tenant_id", tenantID,
			"error", err,
		)
	}
	for _, c := range ruleCands {
		mergeCandidate(byLead, c)
	}

	candidates := make([]domain.Candidate, 0, len(byLead))
	for _, c := range byLead {
		if c.Similarity >= threshold {
			candidates = append(candidates, *c)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Similarity != candidates[j].Similarity {
			return candidates[i].Similarity > candidates[j].Similarity
		}
		return candidates[i].LeadID < candidates[j].LeadID
	})

	span.SetAttributes(attribute.Int("match.candidates", len(candidates)))
	return candidates, nil
}

// ValidateConfig checks a detection config including rule
// compilation (regex patterns and CEL expressions) before it is
// stored as a new version.
func (f *Finder) ValidateConfig(cfg *domain.DetectionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return f.rules.Compile(cfg)
}

// Config returns the tenant's current detection config, preferring
// the cache. Store failures fall back to the default config: a
// degraded config store must not block lead intake.
func (f *Finder) Config(ctx context.Context, tenantID string) *domain.DetectionConfig {
	if f.cache != nil {
		if cfg, err := f.cache.GetDetectionConfig(ctx, tenantID); err == nil && cfg != nil {
			return cfg
		}
	}

	cfg, err := f.configs.GetDetectionConfig(ctx, tenantID)
	if err != nil || cfg == nil {
		if err != nil {
			slog.Warn("detection config lookup failed, using defaults",
				"tenant_id", tenantID,
				"error", err,
			)
		}
		return domain.DefaultDetectionConfig(tenantID)
	}

	if f.cache != nil {
		_ = f.cache.SetDetectionConfig(ctx, tenantID, cfg, configCacheTTL)
	}
	return cfg
}

// scan runs one strategy under the per-lookup timeout. Errors and
// timeouts are logged and degrade to no match.
func (f *Finder) scan(ctx context.Context, tenantID string, strategy Strategy, n map[string]string, cfg *domain.DetectionConfig) []StrategyMatch {
	sctx, cancel := context.WithTimeout(ctx, cfg.LookupTimeout())
	defer cancel()

	matches, err := strategy.Scan(sctx, tenantID, n, cfg)
	if err != nil {
		slog.Warn("match strategy degraded",
			"tenant_id", tenantID,
			"strategy", strategy.Name(),
			"error", err,
		)
		return nil
	}
	return matches
}

// recordStrategy emits the resolving strategy as an observability
// signal: span attribute, debug log, and a windowed scan counter.
func (f *Finder) recordStrategy(ctx context.Context, tenantID, strategy string) {
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("match.strategy", strategy))
	slog.Debug("duplicate check resolved",
		"tenant_id", tenantID,
		"strategy", strategy,
	)
	if f.cache != nil {
		_, _ = f.cache.IncrementCounter(ctx, tenantID, "scan:"+strategy, time.Hour)
	}
}

func hasIdentifying(n map[string]string) bool {
	if n[domain.FieldEmail] != "" || n[domain.FieldPhone] != "" || n[domain.FieldName] != "" {
		return true
	}
	return n[domain.FieldAddress] != "" && n[domain.FieldPostalCode] != ""
}

// mergeCandidate folds a new hit into the per-lead map, keeping the
// highest similarity and the union of matched fields.
func mergeCandidate(byLead map[string]*domain.Candidate, c domain.Candidate) {
	existing, ok := byLead[c.LeadID]
	if !ok {
		copied := c
		byLead[c.LeadID] = &copied
		return
	}
	if c.Similarity > existing.Similarity {
		existing.Similarity = c.Similarity
		existing.Details = c.Details
	}
	if c.Confidence > existing.Confidence {
		existing.Confidence = c.Confidence
	}
	existing.MatchedFields = unionFields(existing.MatchedFields, c.MatchedFields)
}

func unionFields(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, f := range append(append([]string{}, a...), b...) {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}
