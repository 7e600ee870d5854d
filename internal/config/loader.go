package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load reads the config file at path (optional; empty path skips the file),
// applies the environment overlay, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants the overlays cannot repair.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Summaries.MinChars < 0 {
		return fmt.Errorf("summaries.min_chars must be non-negative")
	}
	if c.Costs.WarnInterval < 0 {
		return fmt.Errorf("costs.warn_interval must be non-negative")
	}
	return nil
}

func applyEnv(cfg *Config) {
	envInt("PORT", &cfg.Server.Port)

	envFloat("P90_FILES", &cfg.Risk.P90Files)
	envFloat("P90_LINES", &cfg.Risk.P90Lines)
	envFloat("P90_CHURN", &cfg.Risk.P90Churn)
	envFloat("P90_DIR", &cfg.Risk.P90Dir)
	envFloat("P90_CYCLO", &cfg.Risk.P90Cyclo)

	envFloat("W_FILES", &cfg.Risk.WFiles)
	envFloat("W_LOC", &cfg.Risk.WLOC)
	envFloat("W_ENTROPY", &cfg.Risk.WEntropy)
	envFloat("W_CHURN", &cfg.Risk.WChurn)
	envFloat("W_DISPERSION", &cfg.Risk.WDispersion)
	envFloat("W_COMPLEXITY", &cfg.Risk.WComplexity)
	envFloat("W_UNFAMILIAR", &cfg.Risk.WUnfamiliar)
	envFloat("W_HAZARD", &cfg.Risk.WHazard)
	envFloat("W_SECRET", &cfg.Risk.WSecret)
	envFloat("W_SEMANTIC", &cfg.Risk.WSemantic)

	envInt("MAX_PATCHES_PER_HOUR", &cfg.Anomaly.MaxPatchesPerHour)
	envFloat("MAX_FAILURE_RATE", &cfg.Anomaly.MaxFailureRate)
	envInt("MAX_USER_PATCHES_PER_HOUR", &cfg.Anomaly.MaxUserPatchesPerHour)

	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		setProviderKey(cfg, "openai", v)
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		setProviderKey(cfg, "anthropic", v)
	}
}

func setProviderKey(cfg *Config, provider, key string) {
	if cfg.LLM.Providers == nil {
		cfg.LLM.Providers = make(map[string]ProviderConfig)
	}
	pc := cfg.LLM.Providers[provider]
	if pc.APIKey == "" {
		pc.APIKey = key
	}
	cfg.LLM.Providers[provider] = pc
}

func envInt(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}

func envFloat(name string, dst *float64) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return
	}
	*dst = f
}
