package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitPermitsImmediatelyWithinBurst(t *testing.T) {
	g := NewGate(10, 2)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, g.Wait(ctx, "openai"))
	require.NoError(t, g.Wait(ctx, "openai"))
}

func TestWaitIsScopedPerProvider(t *testing.T) {
	g := NewGate(1, 1)
	ctx := context.Background()

	require.NoError(t, g.Wait(ctx, "openai"))
	// A different provider has its own independent bucket, so this
	// must not block on openai's exhausted burst.
	start := time.Now()
	require.NoError(t, g.Wait(ctx, "perplexity"))
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	g := NewGate(0.1, 1)
	ctx := context.Background()
	require.NoError(t, g.Wait(ctx, "openai")) // consume the single burst slot

	cctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.Wait(cctx, "openai")
	assert.Error(t, err)
}
