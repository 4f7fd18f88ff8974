package moderation

import (
	"cmp"
	"context"
	"regexp"
	"slices"
	"strings"

	"github.com/deemkeen/cardfed/domain"
	"github.com/deemkeen/cardfed/util"
	"go.uber.org/zap"
)

// DefaultTargetFields are searched by keyword and regex rules that name no fields.
var DefaultTargetFields = []string{"name", "description", "personality", "scenario"}

// MatchedRule is one rule that matched during evaluation.
type MatchedRule struct {
	PolicyID string                   `json:"policyId"`
	Rule     domain.ContentPolicyRule `json:"rule"`
}

type PolicyResult struct {
	Action       domain.PolicyAction `json:"action"`
	HasMatch     bool                `json:"hasMatch"`
	MatchedRules []MatchedRule       `json:"matchedRules,omitempty"`
}

// PolicyEngine evaluates cards against the enabled content policies.
type PolicyEngine struct {
	fed      *util.Federation
	policies PolicyStore
}

func NewPolicyEngine(fed *util.Federation, policies PolicyStore) *PolicyEngine {
	return &PolicyEngine{fed: fed, policies: policies}
}

// EvaluateCard checks every enabled rule in ascending priority order. The
// first match decides the action; every match is reported. Without a match
// the first enabled policy's default applies, or allow when there is none.
func (e *PolicyEngine) EvaluateCard(ctx context.Context, card *domain.Card, instanceDomain string) (PolicyResult, error) {
	if err := e.fed.Check(); err != nil {
		return PolicyResult{}, err
	}

	policies, err := e.policies.ListPolicies(ctx)
	if err != nil {
		return PolicyResult{}, err
	}

	res := PolicyResult{Action: domain.ActionAllow}
	var defaultSet bool
	var rules []MatchedRule
	for _, p := range policies {
		if !p.Enabled {
			continue
		}
		if !defaultSet && p.DefaultAction != "" {
			res.Action = p.DefaultAction
			defaultSet = true
		}
		for _, r := range p.Rules {
			if r.Enabled {
				rules = append(rules, MatchedRule{PolicyID: p.ID, Rule: r})
			}
		}
	}
	slices.SortStableFunc(rules, func(a, b MatchedRule) int {
		return cmp.Compare(a.Rule.Priority, b.Rule.Priority)
	})

	for _, mr := range rules {
		if !ruleMatches(mr.Rule, card, instanceDomain) {
			continue
		}
		if !res.HasMatch {
			res.Action = mr.Rule.Action
			res.HasMatch = true
		}
		res.MatchedRules = append(res.MatchedRules, mr)
	}

	policyDecisions.WithLabelValues(string(res.Action)).Inc()
	return res, nil
}

func ruleMatches(r domain.ContentPolicyRule, card *domain.Card, instanceDomain string) bool {
	switch r.Type {
	case domain.RuleKeyword:
		needle := strings.ToLower(r.Pattern)
		if needle == "" {
			return false
		}
		for _, f := range targetFields(r) {
			if strings.Contains(strings.ToLower(card.Field(f)), needle) {
				return true
			}
		}
	case domain.RuleRegex:
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			zap.S().Warnf("Policy rule %s has an invalid pattern: %v", r.ID, err)
			return false
		}
		for _, f := range targetFields(r) {
			if re.MatchString(card.Field(f)) {
				return true
			}
		}
	case domain.RuleTag:
		return slices.Contains(card.Data.Tags, r.Pattern)
	case domain.RuleCreator:
		return card.Data.Creator != "" && card.Data.Creator == r.Pattern
	case domain.RuleInstance:
		return instanceMatches(r.Pattern, instanceDomain)
	}
	return false
}

func targetFields(r domain.ContentPolicyRule) []string {
	if len(r.TargetFields) == 0 {
		return DefaultTargetFields
	}
	return r.TargetFields
}

// instanceMatches compares exactly, or by suffix for "*.example.com"
// which matches subdomains but not example.com itself.
func instanceMatches(pattern, instanceDomain string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	instanceDomain = strings.ToLower(strings.TrimSpace(instanceDomain))
	if pattern == "" || instanceDomain == "" {
		return false
	}
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return strings.HasSuffix(instanceDomain, "."+suffix)
	}
	return pattern == instanceDomain
}
