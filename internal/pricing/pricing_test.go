package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hermes/internal/adapters/config"
	"hermes/pkg/errors"
)

func fallbackConfig() config.PricingConfig {
	return config.PricingConfig{Strict: false, FallbackModel: "gpt-4o-mini"}
}

func TestTableLookup(t *testing.T) {
	table := DefaultTable()

	r, ok := table.Lookup("gpt-4o")
	require.True(t, ok)
	assert.Equal(t, 2.50, r.Input)
	assert.Equal(t, 10.00, r.Output)

	// Dated snapshot names resolve via longest prefix
	r, ok = table.Lookup("gpt-4o-2024-11-20")
	require.True(t, ok)
	assert.Equal(t, 2.50, r.Input)

	// "gpt-4o-mini-x" must match gpt-4o-mini, not gpt-4o
	r, ok = table.Lookup("gpt-4o-mini-2024-07-18")
	require.True(t, ok)
	assert.Equal(t, 0.15, r.Input)

	_, ok = table.Lookup("claude-sonnet-4")
	assert.False(t, ok)
}

func TestResolverCost(t *testing.T) {
	resolver, err := NewResolver(DefaultTable(), fallbackConfig())
	require.NoError(t, err)

	cost, err := resolver.Cost("gpt-4o", 100, 50)
	require.NoError(t, err)
	// 100/1M * 2.50 + 50/1M * 10.00
	assert.InDelta(t, 0.00075, cost, 1e-12)
}

func TestResolverCost_Deterministic(t *testing.T) {
	resolver, err := NewResolver(DefaultTable(), fallbackConfig())
	require.NoError(t, err)

	first, err := resolver.Cost("gpt-4.1-mini", 12345, 678)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := resolver.Cost("gpt-4.1-mini", 12345, 678)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestResolverCost_ZeroTokens(t *testing.T) {
	resolver, err := NewResolver(DefaultTable(), fallbackConfig())
	require.NoError(t, err)

	cost, err := resolver.Cost("gpt-4o", 0, 0)
	require.NoError(t, err)
	assert.Zero(t, cost)
}

func TestResolverCost_UnknownModelFallback(t *testing.T) {
	resolver, err := NewResolver(DefaultTable(), fallbackConfig())
	require.NoError(t, err)

	cost, err := resolver.Cost("some-future-model", 1_000_000, 1_000_000)
	require.NoError(t, err)
	// Priced at the gpt-4o-mini tier
	assert.InDelta(t, 0.15+0.60, cost, 1e-12)
}

func TestResolverCost_UnknownModelStrict(t *testing.T) {
	resolver, err := NewResolver(DefaultTable(), config.PricingConfig{Strict: true})
	require.NoError(t, err)

	_, err = resolver.Cost("some-future-model", 10, 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnknownModel))
}

func TestNewResolver_BadFallback(t *testing.T) {
	_, err := NewResolver(DefaultTable(), config.PricingConfig{FallbackModel: "nope"})
	require.Error(t, err)
}
