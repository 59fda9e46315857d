package match

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/opensource-crm/shrike/internal/domain"
	"github.com/opensource-crm/shrike/internal/normalize"
	"github.com/opensource-crm/shrike/internal/similarity"
)

// ruleEngine evaluates tenant-defined custom rules during bulk scans.
// Regex patterns and CEL programs are compiled once and cached per
// config version.
type ruleEngine struct {
	store domain.LeadStore
	env   *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
	patterns map[string]*regexp.Regexp
}

func newRuleEngine(store domain.LeadStore) *ruleEngine {
	// The environment exposes both normalized payloads; expressions
	// return bool or a double score.
	env, err := cel.NewEnv(
		cel.Variable("source", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("candidate", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		// The environment is static; a failure here is a programming
		// error, not runtime input.
		panic(fmt.Sprintf("cel environment: %v", err))
	}
	return &ruleEngine{
		store:    store,
		env:      env,
		programs: make(map[string]cel.Program),
		patterns: make(map[string]*regexp.Regexp),
	}
}

// Compile validates and caches every rule in cfg. Returns a
// validation error naming the first broken rule.
func (e *ruleEngine) Compile(cfg *domain.DetectionConfig) error {
	for _, rule := range cfg.CustomRules {
		switch rule.Condition {
		case domain.RuleConditionRegex:
			if _, err := e.pattern(rule.Pattern); err != nil {
				return fmt.Errorf("%w: custom rule %q: %v", domain.ErrValidation, rule.Name, err)
			}
		case domain.RuleConditionExpression:
			if _, err := e.compileExpression(rule.Expression); err != nil {
				return fmt.Errorf("%w: custom rule %q: %v", domain.ErrValidation, rule.Name, err)
			}
		}
	}
	return nil
}

// Evaluate scores every custom rule against the candidate pools and
// combines per-rule weighted scores per the config's combination
// mode. A pool lookup failure degrades that rule to no matches.
func (e *ruleEngine) Evaluate(ctx context.Context, tenantID string, n map[string]string, cfg *domain.DetectionConfig) ([]domain.Candidate, error) {
	if len(cfg.CustomRules) == 0 {
		return nil, nil
	}

	pool, err := e.candidatePool(ctx, tenantID, cfg)
	if err != nil {
		return nil, err
	}

	var out []domain.Candidate
	for _, lead := range pool {
		candN := normalize.Payload(lead.Payload)

		type hit struct {
			rule  domain.CustomRule
			score float64
		}
		var hits []hit
		for _, rule := range cfg.CustomRules {
			score := e.ruleScore(rule, n, candN, cfg)
			if score > 0 {
				hits = append(hits, hit{rule: rule, score: score})
			}
		}
		if len(hits) == 0 {
			continue
		}

		var combined, weightSum, maxScore float64
		fields := map[string]bool{}
		details := map[string]string{"strategy": domain.StrategyCustomRule}
		for _, h := range hits {
			weighted := h.score * h.rule.Weight
			if weighted > 1 {
				weighted = 1
			}
			switch cfg.Combination() {
			case domain.CombineSum:
				combined += weighted
			case domain.CombineWeightedAverage:
				combined += h.score * h.rule.Weight
				weightSum += h.rule.Weight
			default: // max
				if weighted > combined {
					combined = weighted
				}
			}
			if h.score > maxScore {
				maxScore = h.score
			}
			for _, f := range h.rule.Fields {
				fields[f] = true
			}
			details["rule:"+h.rule.Name] = fmt.Sprintf("%.3f", h.score)
		}
		if cfg.Combination() == domain.CombineWeightedAverage && weightSum > 0 {
			combined /= weightSum
		}
		if combined > 1 {
			combined = 1
		}

		matched := make([]string, 0, len(fields))
		for f := range fields {
			matched = append(matched, f)
		}
		sort.Strings(matched)

		out = append(out, domain.Candidate{
			LeadID:        lead.ID,
			Similarity:    combined,
			Confidence:    maxScore,
			MatchedFields: matched,
			Details:       details,
		})
	}
	return out, nil
}

// candidatePool unions the fuzzy pools of every field named by a
// rule, deduplicated by lead id.
func (e *ruleEngine) candidatePool(ctx context.Context, tenantID string, cfg *domain.DetectionConfig) ([]*domain.Lead, error) {
	seen := make(map[string]bool)
	var pool []*domain.Lead
	fetched := make(map[string]bool)

	for _, rule := range cfg.CustomRules {
		for _, field := range rule.Fields {
			if fetched[field] {
				continue
			}
			fetched[field] = true
			leads, err := e.store.FindWithField(ctx, tenantID, field)
			if err != nil {
				return nil, fmt.Errorf("rule pool lookup for %q: %w", field, err)
			}
			for _, lead := range leads {
				if !seen[lead.ID] {
					seen[lead.ID] = true
					pool = append(pool, lead)
				}
			}
		}
	}
	return pool, nil
}

// ruleScore returns the unweighted score of one rule for one
// candidate, 0 when the rule does not match.
func (e *ruleEngine) ruleScore(rule domain.CustomRule, n, candN map[string]string, cfg *domain.DetectionConfig) float64 {
	switch rule.Condition {
	case domain.RuleConditionExact:
		for _, f := range rule.Fields {
			if n[f] == "" || n[f] != candN[f] {
				return 0
			}
		}
		return 1.0

	case domain.RuleConditionFuzzy:
		var sum float64
		for _, f := range rule.Fields {
			if n[f] == "" || candN[f] == "" {
				return 0
			}
			sum += similarity.Ratio(n[f], candN[f])
		}
		avg := sum / float64(len(rule.Fields))
		if avg < cfg.FuzzyThreshold {
			return 0
		}
		return avg

	case domain.RuleConditionRegex:
		// The pattern gates which values count; equality decides the
		// match.
		re, err := e.pattern(rule.Pattern)
		if err != nil {
			return 0
		}
		for _, f := range rule.Fields {
			if n[f] == "" || n[f] != candN[f] || !re.MatchString(n[f]) {
				return 0
			}
		}
		return 1.0

	case domain.RuleConditionExpression:
		prog, err := e.programFor(rule)
		if err != nil {
			return 0
		}
		out, _, err := prog.Eval(map[string]any{
			"source":    toAnyMap(n),
			"candidate": toAnyMap(candN),
		})
		if err != nil {
			return 0
		}
		return toScore(out)
	}
	return 0
}

func (e *ruleEngine) pattern(expr string) (*regexp.Regexp, error) {
	e.mu.RLock()
	re, ok := e.patterns[expr]
	e.mu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.patterns[expr] = re
	e.mu.Unlock()
	return re, nil
}

func (e *ruleEngine) programFor(rule domain.CustomRule) (cel.Program, error) {
	e.mu.RLock()
	prog, ok := e.programs[rule.Expression]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}
	return e.compileExpression(rule.Expression)
}

func (e *ruleEngine) compileExpression(expr string) (cel.Program, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("expression must return bool, int, or double, got %s", outputType)
	}
	prog, err := e.env.Program(ast)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.programs[expr] = prog
	e.mu.Unlock()
	return prog, nil
}

// toScore converts a CEL value to a match score clamped to [0,1].
func toScore(val ref.Val) float64 {
	var score float64
	switch v := val.(type) {
	case types.Bool:
		if v {
			score = 1.0
		}
	case types.Double:
		score = float64(v)
	case types.Int:
		score = float64(v)
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func toAnyMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
