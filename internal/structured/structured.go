// Package structured implements the Tier D extractor: a schema-constrained
// Claude call whose nested medication attributes are unpacked into
// standalone entities.
package structured

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/clinical-extractor/internal/config"
	"github.com/sells-group/clinical-extractor/internal/cost"
	"github.com/sells-group/clinical-extractor/internal/model"
	"github.com/sells-group/clinical-extractor/internal/resilience"
	"github.com/sells-group/clinical-extractor/internal/vocab"
	"github.com/sells-group/clinical-extractor/pkg/anthropic"
)

// ErrMalformed marks a response that does not follow the schema.
var ErrMalformed = eris.New("structured: malformed response")

const (
	defaultMaxTokens = 2048
	cacheTTL         = "1h"
)

// Option configures an Extractor.
type Option func(*Extractor)

// WithCalculator sets the pricing used for CostUSD.
func WithCalculator(c *cost.Calculator) Option {
	return func(x *Extractor) { x.costs = c }
}

// WithVocabulary enables canonical names for recognised terms.
func WithVocabulary(v *vocab.Vocabulary) Option {
	return func(x *Extractor) { x.vocab = v }
}

// WithRetry sets the retry policy for transient API errors. Retries share the
// caller's deadline.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(x *Extractor) { x.retry = cfg }
}

// WithBreaker guards the API with b. A nil breaker disables guarding.
func WithBreaker(b *resilience.Breaker) Option {
	return func(x *Extractor) { x.breaker = b }
}

// Extractor is the Tier D extractor.
type Extractor struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	baseline  float64
	costs     *cost.Calculator
	vocab     *vocab.Vocabulary
	retry     resilience.RetryConfig
	breaker   *resilience.Breaker
}

// New creates an Extractor that calls client with the model from aiCfg.
func New(client anthropic.Client, aiCfg config.AnthropicConfig, dCfg config.TierDConfig, opts ...Option) *Extractor {
	x := &Extractor{
		client:    client,
		model:     aiCfg.Model,
		maxTokens: int64(aiCfg.MaxTokens),
		baseline:  dCfg.BaselineConfidence,
		costs:     cost.NewCalculator(nil),
		retry:     resilience.DefaultRetryConfig(),
	}
	if x.maxTokens <= 0 {
		x.maxTokens = defaultMaxTokens
	}
	x.retry.OnRetry = resilience.LogRetries(resilience.BackendAnthropic, "tier_d")
	for _, o := range opts {
		o(x)
	}
	return x
}

// Tier implements the pipeline extractor contract.
func (x *Extractor) Tier() model.Tier { return model.TierD }

// Extract calls the model once, retrying only transient API errors. A
// response that cannot be decoded returns ErrMalformed together with a
// Partial carrying the cost already incurred.
func (x *Extractor) Extract(ctx context.Context, text string, prior []model.MedicalEntity) (*model.Partial, error) {
	temp := 0.0
	req := anthropic.MessageRequest{
		Model:       x.model,
		MaxTokens:   x.maxTokens,
		System:      anthropic.BuildCachedSystemBlocks(systemPrompt, cacheTTL),
		Messages:    []anthropic.Message{{Role: "user", Content: userPrompt(text, prior)}},
		Temperature: &temp,
	}

	resp, err := resilience.Retry(ctx, x.retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return resilience.Guard(ctx, x.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
			resp, err := x.client.CreateMessage(ctx, req)
			if err != nil {
				if status := anthropic.StatusCode(err); resilience.RetryableStatus(status) {
					return nil, resilience.MarkTransient(err, status)
				}
				return nil, err
			}
			return resp, nil
		})
	})
	if err != nil {
		return nil, eris.Wrap(err, "structured: create message")
	}

	usage := resp.Usage
	p := &model.Partial{
		Tier:    model.TierD,
		CostUSD: x.costs.Claude(x.model, usage),
		Tokens:  usage.InputTokens + usage.OutputTokens + usage.CacheCreationInputTokens + usage.CacheReadInputTokens,
	}
	usage.LogUsage(x.model, "tier_d", p.CostUSD)

	parsed, err := Parse(resp.Text())
	if err != nil {
		if resp.StopReason == "max_tokens" {
			return p, eris.Wrap(err, "structured: response truncated at max_tokens")
		}
		return p, err
	}

	p.Entities = Unpack(parsed, text, x.baseline, x.vocab)
	zap.L().Debug("structured: extracted",
		zap.Int("entities", len(p.Entities)),
		zap.Int("medications", len(parsed.Medications)),
		zap.String("stop_reason", resp.StopReason),
	)
	return p, nil
}
