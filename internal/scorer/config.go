// Package scorer evaluates the quality of an extraction and decides whether
// the current tier's output is sufficient.
package scorer

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/clinical-extractor/internal/config"
)

// DefaultConfig returns a config.ScorerConfig with sensible defaults.
func DefaultConfig() config.ScorerConfig {
	return config.ScorerConfig{
		SufficiencyThreshold: 0.85,
		MinEntityCount:       1,
		WordsPerEntity:       20,
	}
}

// ValidateConfig checks that a ScorerConfig is internally consistent.
func ValidateConfig(c config.ScorerConfig) error {
	var errs []string

	if c.SufficiencyThreshold <= 0 || c.SufficiencyThreshold > 1 {
		errs = append(errs, fmt.Sprintf("sufficiency_threshold must be in (0, 1], got %.2f", c.SufficiencyThreshold))
	}
	if c.WordsPerEntity <= 0 {
		errs = append(errs, "words_per_entity must be > 0")
	}
	if c.MinEntityCount < 0 {
		errs = append(errs, "min_entity_count must be >= 0")
	}
	for k, m := range c.SpecialtyMultipliers {
		if strings.TrimSpace(k) == "" {
			errs = append(errs, "specialty multiplier keyword must not be empty")
		}
		if m <= 0 {
			errs = append(errs, fmt.Sprintf("specialty multiplier %q must be > 0", k))
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("scorer: config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
