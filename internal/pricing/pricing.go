package pricing

import (
	"strings"
	"sync"

	"hermes/internal/adapters/config"
	"hermes/pkg/errors"
	"hermes/pkg/logger"
)

// Rate holds USD prices per 1,000,000 tokens for one model.
type Rate struct {
	Input  float64
	Output float64
}

// Table maps model names to their rates. Tables are loaded once at startup
// and never mutated, so lookups are safe without synchronization.
type Table map[string]Rate

// DefaultTable returns the built-in OpenAI price table (USD per 1M tokens).
func DefaultTable() Table {
	return Table{
		"gpt-5":        {Input: 1.25, Output: 10.00},
		"gpt-5-mini":   {Input: 0.25, Output: 2.00},
		"gpt-5-nano":   {Input: 0.05, Output: 0.40},
		"gpt-4.1":      {Input: 2.00, Output: 8.00},
		"gpt-4.1-mini": {Input: 0.40, Output: 1.60},
		"gpt-4.1-nano": {Input: 0.10, Output: 0.40},
		"gpt-4o":       {Input: 2.50, Output: 10.00},
		"gpt-4o-mini":  {Input: 0.15, Output: 0.60},
		"o3":           {Input: 2.00, Output: 8.00},
		"o3-mini":      {Input: 1.10, Output: 4.40},
		"o4-mini":      {Input: 1.10, Output: 4.40},
	}
}

// Lookup finds the rate for a model, trying exact match then longest prefix
// match (so "gpt-4o-2024-11-20" resolves to "gpt-4o").
func (t Table) Lookup(model string) (Rate, bool) {
	if r, ok := t[model]; ok {
		return r, true
	}
	var bestKey string
	var bestRate Rate
	for key, r := range t {
		if strings.HasPrefix(model, key) && len(key) > len(bestKey) {
			bestKey = key
			bestRate = r
		}
	}
	if bestKey != "" {
		return bestRate, true
	}
	return Rate{}, false
}

// Resolver computes the monetary cost of token usage from a fixed table.
//
// Cost is deterministic for a given table and safe for concurrent use.
// Unknown models are either rejected (strict mode) or priced at the
// configured fallback tier; the substitution is logged once per model.
type Resolver struct {
	table    Table
	strict   bool
	fallback string
	log      *logger.Logger
	warned   sync.Map // model -> struct{}
}

// NewResolver creates a resolver over the given table.
// In fallback mode the fallback model must exist in the table.
func NewResolver(table Table, cfg config.PricingConfig) (*Resolver, error) {
	if !cfg.Strict {
		if _, ok := table[cfg.FallbackModel]; !ok {
			return nil, errors.Newf("pricing fallback model %q not in table", cfg.FallbackModel)
		}
	}
	return &Resolver{
		table:    table,
		strict:   cfg.Strict,
		fallback: cfg.FallbackModel,
		log:      logger.Get().With("component", "pricing"),
	}, nil
}

// Cost returns the USD cost of a single usage event.
// Computed in float64 and never rounded; rounding is a display concern.
// Returns ErrUnknownModel in strict mode for models missing from the table.
func (r *Resolver) Cost(model string, promptTokens, completionTokens int64) (float64, error) {
	rate, ok := r.table.Lookup(model)
	if !ok {
		if r.strict {
			return 0, errors.Wrapf(errors.ErrUnknownModel, "model %q", model)
		}
		rate = r.table[r.fallback]
		if _, seen := r.warned.LoadOrStore(model, struct{}{}); !seen {
			r.log.Warnw("unknown model priced at fallback tier",
				"model", model,
				"fallback", r.fallback,
			)
		}
	}

	inputCost := float64(promptTokens) / 1_000_000 * rate.Input
	outputCost := float64(completionTokens) / 1_000_000 * rate.Output
	return inputCost + outputCost, nil
}
