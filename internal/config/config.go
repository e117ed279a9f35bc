package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Escalation EscalationConfig `yaml:"escalation" mapstructure:"escalation"`
	Scorer     ScorerConfig     `yaml:"scorer" mapstructure:"scorer"`
	Rules      RulesConfig      `yaml:"rules" mapstructure:"rules"`
	NER        NERConfig        `yaml:"ner" mapstructure:"ner"`
	TierD      TierDConfig      `yaml:"tier_d" mapstructure:"tier_d"`
	Budget     BudgetConfig     `yaml:"budget" mapstructure:"budget"`
	Vocab      VocabConfig      `yaml:"vocab" mapstructure:"vocab"`
	Resilience ResilienceConfig `yaml:"resilience" mapstructure:"resilience"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" mapstructure:"telemetry"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the audit store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// AnthropicConfig holds Anthropic API settings used by Tier D.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
	BaseURL   string `yaml:"base_url" mapstructure:"base_url"`
}

// PricingConfig holds per-model Anthropic pricing rates.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// EscalationConfig switches escalation beyond Tier B on or off.
type EscalationConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// ScorerConfig configures the quality scorer.
type ScorerConfig struct {
	SufficiencyThreshold float64 `yaml:"sufficiency_threshold" mapstructure:"sufficiency_threshold"`
	MinEntityCount       int     `yaml:"min_entity_count" mapstructure:"min_entity_count"`
	WordsPerEntity       int     `yaml:"words_per_entity" mapstructure:"words_per_entity"`

	// SpecialtyMultipliers maps a keyword found in the text (e.g. "pediatric")
	// to a factor applied to every entity confidence before weighting.
	SpecialtyMultipliers map[string]float64 `yaml:"specialty_multipliers" mapstructure:"specialty_multipliers"`
}

// RulesConfig tunes the Tier B rule engine.
type RulesConfig struct {
	FuzzyThreshold float64 `yaml:"fuzzy_threshold" mapstructure:"fuzzy_threshold"`
	AttachWindow   int     `yaml:"attach_window" mapstructure:"attach_window"`
	ModifierScope  int     `yaml:"modifier_scope" mapstructure:"modifier_scope"`
}

// NERConfig configures the Tier C token-classification endpoint.
type NERConfig struct {
	Enabled    bool              `yaml:"enabled" mapstructure:"enabled"`
	URL        string            `yaml:"url" mapstructure:"url"`
	Token      string            `yaml:"token" mapstructure:"token"`
	TimeoutMS  int               `yaml:"timeout_ms" mapstructure:"timeout_ms"`
	MinScore   float64           `yaml:"min_score" mapstructure:"min_score"`
	RatePerSec float64           `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst      int               `yaml:"burst" mapstructure:"burst"`
	Labels     map[string]string `yaml:"labels" mapstructure:"labels"`
}

// TierDConfig configures the structured LLM tier.
type TierDConfig struct {
	Enabled            bool    `yaml:"enabled" mapstructure:"enabled"`
	TimeoutMS          int     `yaml:"timeout_ms" mapstructure:"timeout_ms"`
	BaselineConfidence float64 `yaml:"baseline_confidence" mapstructure:"baseline_confidence"`
}

// BudgetConfig configures the Tier D invocation ceiling.
type BudgetConfig struct {
	Backend       string `yaml:"backend" mapstructure:"backend"`
	HourlyCeiling int    `yaml:"hourly_ceiling" mapstructure:"hourly_ceiling"`
	WindowSecs    int    `yaml:"window_secs" mapstructure:"window_secs"`
	RedisAddr     string `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword string `yaml:"redis_password" mapstructure:"redis_password"`
	RedisDB       int    `yaml:"redis_db" mapstructure:"redis_db"`
	RedisKey      string `yaml:"redis_key" mapstructure:"redis_key"`
}

// VocabConfig points at an optional vocabulary override file.
type VocabConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ResilienceConfig configures retry and circuit breaking for Tier C and D.
type ResilienceConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMS int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMS     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
	FailureThreshold int     `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int     `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	MaxConcurrent int `yaml:"max_concurrent" mapstructure:"max_concurrent"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	RecordRuns  bool     `yaml:"record_runs" mapstructure:"record_runs"`
}

// TelemetryConfig configures OpenTelemetry tracing. An empty endpoint
// disables export.
type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint" mapstructure:"endpoint"`
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`
	Insecure    bool   `yaml:"insecure" mapstructure:"insecure"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CLINICAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "clinical-extractor.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.record_runs", true)
	v.SetDefault("batch.max_concurrent", 8)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("escalation.enabled", true)
	v.SetDefault("scorer.sufficiency_threshold", 0.85)
	v.SetDefault("scorer.min_entity_count", 1)
	v.SetDefault("scorer.words_per_entity", 20)
	v.SetDefault("rules.fuzzy_threshold", 0.85)
	v.SetDefault("rules.attach_window", 6)
	v.SetDefault("rules.modifier_scope", 6)
	v.SetDefault("ner.timeout_ms", 2000)
	v.SetDefault("ner.min_score", 0.5)
	v.SetDefault("ner.rate_per_sec", 20)
	v.SetDefault("ner.burst", 5)
	v.SetDefault("tier_d.timeout_ms", 20000)
	v.SetDefault("tier_d.baseline_confidence", 0.9)
	v.SetDefault("budget.backend", "memory")
	v.SetDefault("budget.hourly_ceiling", 100)
	v.SetDefault("budget.window_secs", 3600)
	v.SetDefault("budget.redis_key", "clinical:tier_d:calls")
	v.SetDefault("resilience.max_attempts", 3)
	v.SetDefault("resilience.initial_backoff_ms", 200)
	v.SetDefault("resilience.max_backoff_ms", 2000)
	v.SetDefault("resilience.multiplier", 2.0)
	v.SetDefault("resilience.jitter_fraction", 0.25)
	v.SetDefault("resilience.failure_threshold", 5)
	v.SetDefault("resilience.reset_timeout_secs", 30)
	v.SetDefault("telemetry.service_name", "clinical-extractor")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the configuration for the given command mode
// ("extract", "batch", "serve", "runs").
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "extract", "batch", "serve", "runs":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}
	if (mode == "serve" || mode == "runs") && c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	if mode == "runs" {
		return joinErrs(errs)
	}

	if c.Scorer.SufficiencyThreshold <= 0 || c.Scorer.SufficiencyThreshold > 1 {
		errs = append(errs, "scorer.sufficiency_threshold must be in (0, 1]")
	}
	if c.Scorer.WordsPerEntity <= 0 {
		errs = append(errs, "scorer.words_per_entity must be > 0")
	}
	if c.Scorer.MinEntityCount < 0 {
		errs = append(errs, "scorer.min_entity_count must be >= 0")
	}
	for k, m := range c.Scorer.SpecialtyMultipliers {
		if m <= 0 {
			errs = append(errs, fmt.Sprintf("scorer.specialty_multipliers.%s must be > 0", k))
		}
	}
	if c.Rules.FuzzyThreshold <= 0 || c.Rules.FuzzyThreshold > 1 {
		errs = append(errs, "rules.fuzzy_threshold must be in (0, 1]")
	}

	if c.NER.Enabled {
		if c.NER.URL == "" {
			errs = append(errs, "ner.url is required when ner.enabled")
		}
		if c.NER.TimeoutMS <= 0 {
			errs = append(errs, "ner.timeout_ms must be > 0")
		}
		if c.NER.RatePerSec <= 0 {
			errs = append(errs, "ner.rate_per_sec must be > 0")
		}
	}

	if c.TierD.Enabled {
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required when tier_d.enabled")
		}
		if c.TierD.TimeoutMS <= 0 {
			errs = append(errs, "tier_d.timeout_ms must be > 0")
		}
	}
	if c.TierD.BaselineConfidence < 0 || c.TierD.BaselineConfidence > 1 {
		errs = append(errs, "tier_d.baseline_confidence must be between 0 and 1")
	}

	if c.Budget.HourlyCeiling < 0 {
		errs = append(errs, "budget.hourly_ceiling must be >= 0")
	}
	if c.Budget.WindowSecs <= 0 {
		errs = append(errs, "budget.window_secs must be > 0")
	}
	switch c.Budget.Backend {
	case "memory":
	case "redis":
		if c.Budget.RedisAddr == "" {
			errs = append(errs, "budget.redis_addr is required when budget.backend is redis")
		}
	default:
		errs = append(errs, fmt.Sprintf("budget.backend must be memory or redis, got %q", c.Budget.Backend))
	}

	if mode == "batch" && (c.Batch.MaxConcurrent < 1 || c.Batch.MaxConcurrent > 64) {
		errs = append(errs, "batch.max_concurrent must be between 1 and 64")
	}
	if mode == "serve" && c.Server.Port <= 0 {
		errs = append(errs, "server.port must be > 0")
	}

	return joinErrs(errs)
}

func joinErrs(errs []string) error {
	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
