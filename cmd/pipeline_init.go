package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/clinical-extractor/internal/budget"
	"github.com/sells-group/clinical-extractor/internal/cost"
	"github.com/sells-group/clinical-extractor/internal/metrics"
	"github.com/sells-group/clinical-extractor/internal/ner"
	"github.com/sells-group/clinical-extractor/internal/pattern"
	"github.com/sells-group/clinical-extractor/internal/pipeline"
	"github.com/sells-group/clinical-extractor/internal/resilience"
	"github.com/sells-group/clinical-extractor/internal/rules"
	"github.com/sells-group/clinical-extractor/internal/scorer"
	"github.com/sells-group/clinical-extractor/internal/store"
	"github.com/sells-group/clinical-extractor/internal/structured"
	"github.com/sells-group/clinical-extractor/internal/telemetry"
	"github.com/sells-group/clinical-extractor/internal/vocab"
	anthropicpkg "github.com/sells-group/clinical-extractor/pkg/anthropic"
)

// pipelineEnv holds the pipeline and everything it needs released on exit.
type pipelineEnv struct {
	Pipeline *pipeline.Pipeline
	Store    store.Store // nil unless runs are recorded
	Registry *prometheus.Registry
	Breakers *resilience.Breakers

	closers []func() error
}

// Close releases resources in reverse order of acquisition.
func (pe *pipelineEnv) Close() {
	if pe.Breakers != nil {
		for backend, st := range pe.Breakers.Snapshot() {
			zap.L().Debug("breaker state at exit", zap.String("backend", backend), zap.Stringer("state", st))
		}
	}
	for i := len(pe.closers) - 1; i >= 0; i-- {
		if err := pe.closers[i](); err != nil {
			zap.L().Warn("close resource", zap.Error(err))
		}
	}
	pe.closers = nil
	if pe.Store != nil {
		_ = pe.Store.Close()
		pe.Store = nil
	}
}

// initPipeline validates the config for mode and wires every enabled tier.
// Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(reg)

	breakerCfg := resilience.BreakerFromConfig(cfg.Resilience)
	breakerCfg.OnStateChange = m.BreakerChanged

	env := &pipelineEnv{
		Registry: reg,
		Breakers: resilience.NewBreakers(breakerCfg),
	}
	fail := func(err error) (*pipelineEnv, error) {
		env.Close()
		return nil, err
	}

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	env.closers = append(env.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(sctx)
	})

	v := vocab.Default()
	if cfg.Vocab.Path != "" {
		if v, err = vocab.Load(cfg.Vocab.Path); err != nil {
			return fail(eris.Wrap(err, "load vocabulary"))
		}
		zap.L().Info("vocabulary loaded", zap.String("path", cfg.Vocab.Path))
	}

	retry := resilience.RetryFromConfig(cfg.Resilience)

	opts := []pipeline.Option{
		pipeline.WithExtractor(pattern.New(v)),
		pipeline.WithExtractor(rules.New(v, rules.WithConfig(rules.Config{
			FuzzyThreshold: cfg.Rules.FuzzyThreshold,
			AttachWindow:   cfg.Rules.AttachWindow,
			ModifierScope:  cfg.Rules.ModifierScope,
		}))),
		pipeline.WithScorer(scorer.New(cfg.Scorer, v)),
	}

	if cfg.NER.Enabled {
		nerModel := ner.NewHTTPModel(cfg.NER.URL,
			ner.WithToken(cfg.NER.Token),
			ner.WithRateLimit(cfg.NER.RatePerSec, cfg.NER.Burst),
			ner.WithRetry(retry),
			ner.WithBreaker(env.Breakers.For(resilience.BackendNER)),
		)
		x, err := ner.New(nerModel, v, cfg.NER.Labels, cfg.NER.MinScore)
		if err != nil {
			return fail(eris.Wrap(err, "init ner"))
		}
		opts = append(opts, pipeline.WithExtractor(x))
		zap.L().Info("tier C enabled", zap.String("url", cfg.NER.URL))
	}

	if cfg.TierD.Enabled {
		var aiOpts []anthropicpkg.Option
		if cfg.Anthropic.BaseURL != "" {
			aiOpts = append(aiOpts, anthropicpkg.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		client := anthropicpkg.NewClient(cfg.Anthropic.Key, aiOpts...)

		counter, closeCounter, err := budget.New(ctx, cfg.Budget)
		if err != nil {
			return fail(err)
		}
		env.closers = append(env.closers, closeCounter)

		opts = append(opts,
			pipeline.WithExtractor(structured.New(client, cfg.Anthropic, cfg.TierD,
				structured.WithCalculator(cost.NewCalculator(cfg.Pricing.Anthropic)),
				structured.WithVocabulary(v),
				structured.WithRetry(retry),
				structured.WithBreaker(env.Breakers.For(resilience.BackendAnthropic)),
			)),
			pipeline.WithBudget(counter),
		)
		zap.L().Info("tier D enabled",
			zap.String("model", cfg.Anthropic.Model),
			zap.Int("hourly_ceiling", cfg.Budget.HourlyCeiling),
		)
	}

	opts = append(opts, pipeline.WithHooks(m.Hooks()))

	env.Pipeline = pipeline.New(pipeline.NewConfig(cfg), opts...)
	return env, nil
}

// initStore opens the configured audit store and applies its schema.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}
