package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/codeready-toolchain/planexec/pkg/planmodel"
)

// CapabilityRule grants one capability to subjects holding any of the named
// roles or scopes. RequireApproval demands a human sign-off even for a
// subject the rule otherwise allows.
type CapabilityRule struct {
	Capability      string
	AnyRole         []string
	AnyScope        []string
	RequireApproval bool
}

// RuleEnforcer is the default Enforcer: a capability allow-list keyed by
// subject role/scope, with an optional decision cache in front.
type RuleEnforcer struct {
	rules map[string]CapabilityRule
	cache Cache
}

// NewRuleEnforcer builds an enforcer over the given rule set. cache may be
// nil (no caching).
func NewRuleEnforcer(rules []CapabilityRule, cache Cache) *RuleEnforcer {
	byCapability := make(map[string]CapabilityRule, len(rules))
	for _, r := range rules {
		byCapability[r.Capability] = r
	}
	return &RuleEnforcer{rules: byCapability, cache: cache}
}

// EnforcePlanStep evaluates one step against the rule set.
func (e *RuleEnforcer) EnforcePlanStep(ctx context.Context, step planmodel.Step, in Input) (Decision, error) {
	key := decisionKey(step.Capability, in)
	if e.cache != nil {
		if d, ok := e.cache.Get(ctx, key); ok {
			return d, nil
		}
	}

	d := e.evaluate(step, in)

	if e.cache != nil {
		e.cache.Put(ctx, key, d)
	}
	return d, nil
}

func (e *RuleEnforcer) evaluate(step planmodel.Step, in Input) Decision {
	var deny []DenyEntry

	rule, known := e.rules[step.Capability]
	if !known || !subjectHolds(in.Subject, rule) {
		deny = append(deny, DenyEntry{Reason: ReasonMissingCapability, Capability: step.Capability})
		return finalize(step, deny)
	}

	needsApproval := rule.RequireApproval || step.ApprovalRequired
	if needsApproval && !in.Approvals[step.Capability] {
		deny = append(deny, DenyEntry{Reason: ReasonApprovalRequired, Capability: step.Capability})
	}

	return finalize(step, deny)
}

func subjectHolds(subject *planmodel.Subject, rule CapabilityRule) bool {
	if len(rule.AnyRole) == 0 && len(rule.AnyScope) == 0 {
		return true
	}
	if subject == nil {
		return false
	}
	for _, want := range rule.AnyRole {
		for _, have := range subject.Roles {
			if want == have {
				return true
			}
		}
	}
	for _, want := range rule.AnyScope {
		for _, have := range subject.Scopes {
			if want == have {
				return true
			}
		}
	}
	return false
}

// decisionKey builds the cache key (capability, subject-hash, tenant,
// approvals-hash). Subject and approvals are hashed so the key stays short
// and never leaks identity fields into cache storage.
func decisionKey(capability string, in Input) string {
	tenant := ""
	subjectHash := ""
	if in.Subject != nil {
		tenant = in.Subject.TenantID
		raw, _ := json.Marshal(in.Subject)
		sum := sha256.Sum256(raw)
		subjectHash = hex.EncodeToString(sum[:8])
	}

	keys := make([]string, 0, len(in.Approvals))
	for k, v := range in.Approvals {
		if v {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	sum := sha256.Sum256([]byte(strings.Join(keys, ",")))
	approvalsHash := hex.EncodeToString(sum[:8])

	return capability + ":" + subjectHash + ":" + tenant + ":" + approvalsHash
}
