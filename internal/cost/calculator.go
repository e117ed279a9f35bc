package cost

import (
	"github.com/sells-group/clinical-extractor/internal/config"
	"github.com/sells-group/clinical-extractor/pkg/anthropic"
)

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate = config.ModelPricing

// Calculator computes costs for Anthropic API usage.
type Calculator struct {
	rates map[string]ModelRate
}

// NewCalculator creates a Calculator from DefaultRates with overrides
// applied on top. Override multipliers left at zero take the default
// cache multipliers.
func NewCalculator(overrides map[string]ModelRate) *Calculator {
	rates := DefaultRates()
	for model, r := range overrides {
		if r.CacheWriteMul == 0 {
			r.CacheWriteMul = 1.25
		}
		if r.CacheReadMul == 0 {
			r.CacheReadMul = 0.1
		}
		rates[model] = r
	}
	return &Calculator{rates: rates}
}

// Known reports whether the model has a configured rate.
func (c *Calculator) Known(model string) bool {
	_, ok := c.rates[model]
	return ok
}

// Claude computes the cost in USD for a single Claude message. Unknown
// models cost 0.
func (c *Calculator) Claude(model string, u anthropic.TokenUsage) float64 {
	rate, ok := c.rates[model]
	if !ok {
		return 0
	}

	inCost := (float64(u.InputTokens) / 1e6) * rate.Input
	outCost := (float64(u.OutputTokens) / 1e6) * rate.Output
	cwCost := (float64(u.CacheCreationInputTokens) / 1e6) * rate.Input * rate.CacheWriteMul
	crCost := (float64(u.CacheReadInputTokens) / 1e6) * rate.Input * rate.CacheReadMul

	return inCost + outCost + cwCost + crCost
}

// DefaultRates returns the default Anthropic pricing.
func DefaultRates() map[string]ModelRate {
	return map[string]ModelRate{
		"claude-haiku-4-5-20251001": {
			Input: 1.00, Output: 5.00,
			CacheWriteMul: 1.25, CacheReadMul: 0.1,
		},
		"claude-sonnet-4-5-20250929": {
			Input: 3.00, Output: 15.00,
			CacheWriteMul: 1.25, CacheReadMul: 0.1,
		},
		"claude-opus-4-6": {
			Input: 15.00, Output: 75.00,
			CacheWriteMul: 1.25, CacheReadMul: 0.1,
		},
	}
}
