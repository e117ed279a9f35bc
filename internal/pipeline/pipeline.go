// Package pipeline runs the tiered extraction cascade for one request.
package pipeline

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sells-group/clinical-extractor/internal/budget"
	"github.com/sells-group/clinical-extractor/internal/config"
	"github.com/sells-group/clinical-extractor/internal/escalation"
	"github.com/sells-group/clinical-extractor/internal/merge"
	"github.com/sells-group/clinical-extractor/internal/model"
	"github.com/sells-group/clinical-extractor/internal/pattern"
	"github.com/sells-group/clinical-extractor/internal/rules"
	"github.com/sells-group/clinical-extractor/internal/scorer"
	"github.com/sells-group/clinical-extractor/internal/vocab"
)

var tracer = otel.Tracer("github.com/sells-group/clinical-extractor/internal/pipeline")

var errPanic = eris.New("pipeline: extractor panicked")

// Extractor is one tier of the cascade. prior holds the merged entities found
// by the tiers that already ran.
type Extractor interface {
	Tier() model.Tier
	Extract(ctx context.Context, text string, prior []model.MedicalEntity) (*model.Partial, error)
}

// Config holds the pipeline knobs that are not owned by a tier.
type Config struct {
	EscalationEnabled bool
	TierCTimeout      time.Duration
	TierDTimeout      time.Duration
}

// NewConfig extracts the pipeline settings from the application config.
func NewConfig(c *config.Config) Config {
	return Config{
		EscalationEnabled: c.Escalation.Enabled,
		TierCTimeout:      time.Duration(c.NER.TimeoutMS) * time.Millisecond,
		TierDTimeout:      time.Duration(c.TierD.TimeoutMS) * time.Millisecond,
	}
}

// Hooks receives pipeline events. Nil fields are skipped.
type Hooks struct {
	OnTier         func(tier model.Tier, seconds float64, failed bool)
	OnRule         func(tier model.Tier, rule string)
	OnBudgetDenied func()
	OnTierDUsage   func(tokens int64, costUSD float64)
	OnComplete     func(res *model.ExtractionResult, seconds float64)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithExtractor installs x as the extractor for its tier.
func WithExtractor(x Extractor) Option {
	return func(p *Pipeline) {
		if x != nil {
			p.tiers[x.Tier()] = x
		}
	}
}

// WithScorer overrides the default scorer.
func WithScorer(s *scorer.Scorer) Option {
	return func(p *Pipeline) { p.scorer = s }
}

// WithBudget sets the Tier D counter. Without one Tier D never runs.
func WithBudget(c budget.Counter) Option {
	return func(p *Pipeline) { p.budget = c }
}

// WithHooks sets the event hooks.
func WithHooks(h Hooks) Option {
	return func(p *Pipeline) { p.hooks = h }
}

// WithClock sets the time source used for processing times.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// Pipeline runs B, then C, A and D as the escalation manager directs. It is
// safe for concurrent use.
type Pipeline struct {
	cfg    Config
	tiers  map[model.Tier]Extractor
	scorer *scorer.Scorer
	budget budget.Counter
	hooks  Hooks
	now    func() time.Time
}

// New creates a Pipeline. Tiers A and B default to the built-in pattern and
// rule extractors over the default vocabulary; C and D only run when
// installed.
func New(cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:   cfg,
		tiers: make(map[model.Tier]Extractor),
		now:   time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if p.tiers[model.TierA] == nil {
		p.tiers[model.TierA] = pattern.New(vocab.Default())
	}
	if p.tiers[model.TierB] == nil {
		p.tiers[model.TierB] = rules.New(vocab.Default())
	}
	if p.scorer == nil {
		p.scorer = scorer.New(scorer.DefaultConfig(), vocab.Default())
	}
	return p
}

// Run extracts entities from req. It never fails: tier errors are recorded in
// the trace and the best result so far is returned.
func (p *Pipeline) Run(ctx context.Context, req model.Request) *model.ExtractionResult {
	start := p.now()
	ctx, span := tracer.Start(ctx, "pipeline.Run", trace.WithAttributes(
		attribute.String("request.id", req.RequestID),
		attribute.Int("text.length", len(req.ClinicalText)),
	))
	defer span.End()

	res := model.NewExtractionResult(req)
	if strings.TrimSpace(req.ClinicalText) != "" {
		r := &run{
			p:    p,
			text: req.ClinicalText,
			res:  res,
			log:  zap.L().With(zap.String("request_id", req.RequestID)),
		}
		r.cascade(ctx)
	}

	elapsed := p.now().Sub(start)
	res.ProcessingTimeMS = elapsed.Milliseconds()
	span.SetAttributes(
		attribute.String("tier.highest", string(res.HighestTierUsed)),
		attribute.Float64("confidence", res.OverallConfidence),
		attribute.Bool("escalation.denied", res.EscalationDenied),
	)
	if p.hooks.OnComplete != nil {
		p.hooks.OnComplete(res, elapsed.Seconds())
	}
	return res
}

// run is the state of a single invocation.
type run struct {
	p      *Pipeline
	text   string
	res    *model.ExtractionResult
	log    *zap.Logger
	groups [][]model.MedicalEntity
	ran    []model.Tier
	merged merge.Result
}

func (r *run) cascade(ctx context.Context) {
	p := r.p
	tier := model.TierB
	for tier != model.TierNone {
		failed := r.runTier(ctx, tier)
		r.ran = append(r.ran, tier)
		r.merged = merge.Merge(r.groups...)

		verdict := p.scorer.Evaluate(r.text, r.merged.Entities)
		in := escalation.Input{
			Tier:           tier,
			Verdict:        verdict,
			Failed:         failed,
			EntityCount:    len(r.merged.Entities),
			Ran:            r.ran,
			Enabled:        p.cfg.EscalationEnabled,
			TierCAvailable: p.tiers[model.TierC] != nil,
			TierDAvailable: p.tiers[model.TierD] != nil && p.budget != nil,
			Cancelled:      ctx.Err() != nil,
		}
		if tier == model.TierA && in.Enabled && verdict.Escalate && in.TierDAvailable && !in.Cancelled {
			in.BudgetAvailable = r.budgetAvailable(ctx)
		}

		d := escalation.Decide(in)
		if d.Next == model.TierD && !r.reserve(ctx) {
			d = escalation.Decision{Action: model.DecisionBudgetDenied, Reason: escalation.ReasonBudgetExhausted}
		}
		if d.Action == model.DecisionBudgetDenied {
			r.res.EscalationDenied = true
			if p.hooks.OnBudgetDenied != nil {
				p.hooks.OnBudgetDenied()
			}
		}
		if verdict.TriggeredRule != "" && p.hooks.OnRule != nil {
			p.hooks.OnRule(tier, verdict.TriggeredRule)
		}

		r.res.EscalationTrace = append(r.res.EscalationTrace, model.TraceStep{
			Tier:          tier,
			TriggeredRule: verdict.TriggeredRule,
			Score:         round4(verdict.WeightedConfidence),
			Decision:      d.Action,
			Failed:        failed,
		})
		r.log.Debug("pipeline: tier evaluated",
			zap.String("tier", string(tier)),
			zap.String("rule", verdict.TriggeredRule),
			zap.Float64("score", verdict.WeightedConfidence),
			zap.String("decision", string(d.Action)),
			zap.String("next", string(d.Next)),
			zap.String("reason", d.Reason),
		)
		tier = d.Next
	}

	r.res.Entities = r.merged.ByCategory()
	r.res.Superseded = r.merged.Superseded
	r.res.OverallConfidence = model.ClampConfidence(p.scorer.Weighted(r.text, r.merged.Entities))
	r.res.HighestTierUsed = highestSucceeded(r.res.EscalationTrace)
	r.res.Cancelled = ctx.Err() != nil
}

// runTier executes one tier and records its entities. It reports whether the
// tier failed.
func (r *run) runTier(ctx context.Context, tier model.Tier) (failed bool) {
	p := r.p
	x := p.tiers[tier]

	ctx, span := tracer.Start(ctx, "pipeline.tier", trace.WithAttributes(
		attribute.String("tier", string(tier)),
	))
	defer span.End()

	start := p.now()
	defer func() {
		if p.hooks.OnTier != nil {
			p.hooks.OnTier(tier, p.now().Sub(start).Seconds(), failed)
		}
	}()

	if x == nil {
		span.SetStatus(codes.Error, "extractor not configured")
		r.log.Warn("pipeline: tier not configured", zap.String("tier", string(tier)))
		return true
	}

	var cancel context.CancelFunc = func() {}
	switch tier {
	case model.TierC:
		if p.cfg.TierCTimeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, p.cfg.TierCTimeout)
		}
	case model.TierD:
		if p.cfg.TierDTimeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, p.cfg.TierDTimeout)
		}
	}
	defer cancel()

	part, err := safeExtract(ctx, x, r.text, r.merged.Entities)
	if tier == model.TierD && part != nil {
		r.res.TierDCostUSD += part.CostUSD
		if p.hooks.OnTierDUsage != nil {
			p.hooks.OnTierDUsage(part.Tokens, part.CostUSD)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.log.Warn("pipeline: tier failed",
			zap.String("tier", string(tier)),
			zap.Int("text_len", len(r.text)),
			zap.Error(err),
		)
		return true
	}

	ents := stamp(part, tier)
	span.SetAttributes(attribute.Int("entities", len(ents)))
	r.groups = append(r.groups, ents)
	return false
}

// safeExtract converts a panicking extractor into a tier failure.
func safeExtract(ctx context.Context, x Extractor, text string, prior []model.MedicalEntity) (part *model.Partial, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			zap.L().Error("pipeline: extractor panic", zap.String("tier", string(x.Tier())), zap.Any("panic", rec))
			part, err = nil, errPanic
		}
	}()
	return x.Extract(ctx, text, prior)
}

// stamp returns the partial's entities with source tier set and confidence
// clamped.
func stamp(part *model.Partial, tier model.Tier) []model.MedicalEntity {
	if part == nil {
		return nil
	}
	out := make([]model.MedicalEntity, 0, len(part.Entities))
	for _, e := range part.Entities {
		if !e.Category.Valid() {
			continue
		}
		e = e.WithConfidence(e.Confidence)
		e.SourceTier = tier
		out = append(out, e)
	}
	return out
}

func (r *run) budgetAvailable(ctx context.Context) bool {
	ok, err := r.p.budget.Available(ctx)
	if err != nil {
		r.log.Warn("pipeline: budget check failed", zap.Error(err))
		return false
	}
	return ok
}

// reserve takes one Tier D slot. Errors count as a denial.
func (r *run) reserve(ctx context.Context) bool {
	ok, err := r.p.budget.Reserve(ctx)
	if err != nil {
		r.log.Warn("pipeline: budget reserve failed", zap.Error(err))
		return false
	}
	return ok
}

func highestSucceeded(trace []model.TraceStep) model.Tier {
	best := model.TierNone
	for _, s := range trace {
		if !s.Failed && s.Tier.Rank() > best.Rank() {
			best = s.Tier
		}
	}
	return best
}

func round4(f float64) float64 {
	return math.Round(f*1e4) / 1e4
}
