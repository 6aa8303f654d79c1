package dedupe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryClaimerClaimOnce(t *testing.T) {
	c := NewMemoryClaimer()
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	assert.True(t, c.Claim(ctx, "p1:s1", time.Minute))
	assert.False(t, c.Claim(ctx, "p1:s1", time.Minute))
	assert.True(t, c.IsClaimed(ctx, "p1:s1"))

	// distinct keys claim independently
	assert.True(t, c.Claim(ctx, "p1:s2", time.Minute))
}

func TestMemoryClaimerExpiry(t *testing.T) {
	c := NewMemoryClaimer()
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	require.True(t, c.Claim(ctx, "p1:s1", 10*time.Millisecond))
	assert.Eventually(t, func() bool {
		return !c.IsClaimed(ctx, "p1:s1")
	}, time.Second, 5*time.Millisecond)

	// expired key can be reclaimed
	assert.True(t, c.Claim(ctx, "p1:s1", time.Minute))
}

func TestMemoryClaimerRelease(t *testing.T) {
	c := NewMemoryClaimer()
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	require.True(t, c.Claim(ctx, "p1:s1", time.Minute))
	c.Release(ctx, "p1:s1")
	assert.False(t, c.IsClaimed(ctx, "p1:s1"))
	assert.True(t, c.Claim(ctx, "p1:s1", time.Minute))
}
