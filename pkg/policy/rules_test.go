package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/planexec/pkg/planmodel"
)

var testRules = []CapabilityRule{
	{Capability: "repo.read", AnyRole: []string{"developer"}},
	{Capability: "repo.write", AnyRole: []string{"developer"}},
	{Capability: "prod.deploy", AnyRole: []string{"operator"}, RequireApproval: true},
}

func developer() *planmodel.Subject {
	return &planmodel.Subject{UserID: "u1", TenantID: "acme", Roles: []string{"developer"}}
}

func TestAllowWhenRuleMatchesRole(t *testing.T) {
	e := NewRuleEnforcer(testRules, nil)
	step := planmodel.Step{ID: "s1", Capability: "repo.read"}

	d, err := e.EnforcePlanStep(context.Background(), step, Input{Subject: developer()})
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Empty(t, d.Deny)
}

func TestBlockingDenyForUnknownCapability(t *testing.T) {
	e := NewRuleEnforcer(testRules, nil)
	step := planmodel.Step{ID: "s1", Capability: "cluster.admin"}

	d, err := e.EnforcePlanStep(context.Background(), step, Input{Subject: developer()})
	require.NoError(t, err)
	assert.False(t, d.Allow)
	require.Len(t, d.Deny, 1)
	assert.Equal(t, ReasonMissingCapability, d.Deny[0].Reason)
	assert.Len(t, d.Blocking(), 1)
}

func TestBlockingDenyForMissingRole(t *testing.T) {
	e := NewRuleEnforcer(testRules, nil)
	step := planmodel.Step{ID: "s1", Capability: "prod.deploy"}
	subject := developer() // not an operator

	d, err := e.EnforcePlanStep(context.Background(), step, Input{Subject: subject})
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Len(t, d.Blocking(), 1)
}

func TestApprovalRequiredDenyIsNonBlockingWhenStepAllowsApproval(t *testing.T) {
	e := NewRuleEnforcer(testRules, nil)
	operator := &planmodel.Subject{UserID: "u2", Roles: []string{"operator"}}
	step := planmodel.Step{ID: "s1", Capability: "prod.deploy", ApprovalRequired: true}

	d, err := e.EnforcePlanStep(context.Background(), step, Input{Subject: operator})
	require.NoError(t, err)
	assert.True(t, d.Allow)
	require.Len(t, d.Deny, 1)
	assert.Equal(t, ReasonApprovalRequired, d.Deny[0].Reason)
	assert.Empty(t, d.Blocking())
}

func TestApprovalSatisfiedClearsDeny(t *testing.T) {
	e := NewRuleEnforcer(testRules, nil)
	operator := &planmodel.Subject{UserID: "u2", Roles: []string{"operator"}}
	step := planmodel.Step{ID: "s1", Capability: "prod.deploy", ApprovalRequired: true}

	d, err := e.EnforcePlanStep(context.Background(), step, Input{
		Subject:   operator,
		Approvals: map[string]bool{"prod.deploy": true},
	})
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Empty(t, d.Deny)
}

func TestApprovalRequiredDenyBlocksWhenStepDoesNotAllowApproval(t *testing.T) {
	e := NewRuleEnforcer(testRules, nil)
	operator := &planmodel.Subject{UserID: "u2", Roles: []string{"operator"}}
	// the rule demands approval but the step refuses the approval path
	step := planmodel.Step{ID: "s1", Capability: "prod.deploy", ApprovalRequired: false}

	d, err := e.EnforcePlanStep(context.Background(), step, Input{Subject: operator})
	require.NoError(t, err)
	assert.False(t, d.Allow)
}

func TestDecisionCacheKeyVariesWithApprovals(t *testing.T) {
	in := Input{Subject: developer()}
	approved := Input{Subject: developer(), Approvals: map[string]bool{"prod.deploy": true}}

	assert.NotEqual(t, decisionKey("prod.deploy", in), decisionKey("prod.deploy", approved))
	// a false approval hashes like no approval at all
	denied := Input{Subject: developer(), Approvals: map[string]bool{"prod.deploy": false}}
	assert.Equal(t, decisionKey("prod.deploy", in), decisionKey("prod.deploy", denied))
}

func TestMemoryCacheShortCircuits(t *testing.T) {
	cache := NewMemoryCache(time.Minute, 10)
	e := NewRuleEnforcer(testRules, cache)
	step := planmodel.Step{ID: "s1", Capability: "repo.read"}

	d1, err := e.EnforcePlanStep(context.Background(), step, Input{Subject: developer()})
	require.NoError(t, err)

	key := decisionKey("repo.read", Input{Subject: developer()})
	cached, ok := cache.Get(context.Background(), key)
	require.True(t, ok)
	assert.Equal(t, d1, cached)
}

func TestMemoryCacheExpiry(t *testing.T) {
	cache := NewMemoryCache(10*time.Millisecond, 10)
	cache.Put(context.Background(), "k", Decision{Allow: true})

	_, ok := cache.Get(context.Background(), "k")
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = cache.Get(context.Background(), "k")
	assert.False(t, ok)
}
