package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "clinical-extractor.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.True(t, cfg.Server.RecordRuns)
	assert.Equal(t, 8, cfg.Batch.MaxConcurrent)
	assert.True(t, cfg.Escalation.Enabled)
	assert.InDelta(t, 0.85, cfg.Scorer.SufficiencyThreshold, 0.001)
	assert.Equal(t, 1, cfg.Scorer.MinEntityCount)
	assert.Equal(t, 20, cfg.Scorer.WordsPerEntity)
	assert.InDelta(t, 0.85, cfg.Rules.FuzzyThreshold, 0.001)
	assert.Equal(t, 2000, cfg.NER.TimeoutMS)
	assert.False(t, cfg.NER.Enabled)
	assert.False(t, cfg.TierD.Enabled)
	assert.Equal(t, 20000, cfg.TierD.TimeoutMS)
	assert.InDelta(t, 0.9, cfg.TierD.BaselineConfidence, 0.001)
	assert.Equal(t, "memory", cfg.Budget.Backend)
	assert.Equal(t, 100, cfg.Budget.HourlyCeiling)
	assert.Equal(t, 3600, cfg.Budget.WindowSecs)
	assert.Equal(t, "claude-sonnet-4-5-20250929", cfg.Anthropic.Model)
	assert.Equal(t, 3, cfg.Resilience.MaxAttempts)
	assert.Equal(t, "clinical-extractor", cfg.Telemetry.ServiceName)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/clinical
log:
  level: debug
  format: console
scorer:
  sufficiency_threshold: 0.9
  specialty_multipliers:
    pediatric: 0.9
ner:
  enabled: true
  url: http://ner.local/predict
  labels:
    DRUG: medication
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.InDelta(t, 0.9, cfg.Scorer.SufficiencyThreshold, 0.001)
	assert.InDelta(t, 0.9, cfg.Scorer.SpecialtyMultipliers["pediatric"], 0.001)
	assert.True(t, cfg.NER.Enabled)
	assert.Equal(t, "medication", cfg.NER.Labels["drug"])
	// Defaults still apply for unset values
	assert.Equal(t, 20, cfg.Scorer.WordsPerEntity)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
budget:
  hourly_ceiling: 10
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("CLINICAL_BUDGET_HOURLY_CEILING", "3")
	t.Setenv("CLINICAL_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, 3, cfg.Budget.HourlyCeiling)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("CLINICAL_SERVER_PORT", "3000")
	t.Setenv("CLINICAL_ESCALATION_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.False(t, cfg.Escalation.Enabled)
}

func TestLoadBadFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("scorer: [unterminated"), 0644))

	_, err := Load()
	assert.Error(t, err)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "runs.db"
	cfg.Scorer.SufficiencyThreshold = 0.85
	cfg.Scorer.WordsPerEntity = 20
	cfg.Scorer.MinEntityCount = 1
	cfg.Rules.FuzzyThreshold = 0.85
	cfg.TierD.TimeoutMS = 20000
	cfg.TierD.BaselineConfidence = 0.9
	cfg.Budget.Backend = "memory"
	cfg.Budget.HourlyCeiling = 100
	cfg.Budget.WindowSecs = 3600
	cfg.Batch.MaxConcurrent = 8
	cfg.Server.Port = 8080
	return cfg
}

func TestValidate_Defaults(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"extract", "batch", "serve", "runs"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidate_Thresholds(t *testing.T) {
	cfg := validDefaults()

	cfg.Scorer.SufficiencyThreshold = 0
	err := cfg.Validate("extract")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sufficiency_threshold")

	cfg.Scorer.SufficiencyThreshold = 1.1
	assert.Error(t, cfg.Validate("extract"))

	cfg.Scorer.SufficiencyThreshold = 1
	cfg.Scorer.WordsPerEntity = 0
	err = cfg.Validate("extract")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "words_per_entity must be > 0")

	cfg.Scorer.WordsPerEntity = 20
	cfg.Scorer.SpecialtyMultipliers = map[string]float64{"pediatric": 0}
	err = cfg.Validate("extract")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "specialty_multipliers.pediatric")
}

func TestValidate_TierDRequiresKey(t *testing.T) {
	cfg := validDefaults()
	cfg.TierD.Enabled = true

	err := cfg.Validate("extract")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")

	cfg.Anthropic.Key = "sk-ant-key"
	assert.NoError(t, cfg.Validate("extract"))

	cfg.TierD.BaselineConfidence = 1.5
	assert.Error(t, cfg.Validate("extract"))
}

func TestValidate_NERRequiresURL(t *testing.T) {
	cfg := validDefaults()
	cfg.NER.Enabled = true
	cfg.NER.TimeoutMS = 1000
	cfg.NER.RatePerSec = 5

	err := cfg.Validate("extract")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ner.url is required")

	cfg.NER.URL = "http://ner.local"
	assert.NoError(t, cfg.Validate("extract"))
}

func TestValidate_Budget(t *testing.T) {
	cfg := validDefaults()

	cfg.Budget.Backend = "redis"
	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "budget.redis_addr is required")

	cfg.Budget.RedisAddr = "localhost:6379"
	assert.NoError(t, cfg.Validate("serve"))

	cfg.Budget.Backend = "etcd"
	assert.Error(t, cfg.Validate("serve"))

	cfg.Budget.Backend = "memory"
	cfg.Budget.HourlyCeiling = -1
	err = cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hourly_ceiling")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")

	// Port only matters when serving.
	assert.NoError(t, cfg.Validate("extract"))
}

func TestValidateBatchConcurrencyBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Batch.MaxConcurrent = 0
	err := cfg.Validate("batch")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent must be between 1 and 64")

	cfg.Batch.MaxConcurrent = 65
	assert.Error(t, cfg.Validate("batch"))

	cfg.Batch.MaxConcurrent = 64
	assert.NoError(t, cfg.Validate("batch"))
}

func TestValidateRuns_OnlyChecksStore(t *testing.T) {
	cfg := validDefaults()
	cfg.Scorer.WordsPerEntity = 0
	assert.NoError(t, cfg.Validate("runs"))

	cfg.Store.DatabaseURL = ""
	err := cfg.Validate("runs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.DatabaseURL = "x"
	cfg.Store.Driver = "mysql"
	assert.Error(t, cfg.Validate("runs"))
}
