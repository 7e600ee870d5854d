// Package config loads controller configuration from a yaml file with an
// environment-variable overlay.
package config

import (
	"path/filepath"
	"time"
)

// Config is the main configuration structure for the controller.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Costs     CostsConfig     `yaml:"costs"`
	Summaries SummariesConfig `yaml:"summaries"`
	LLM       LLMConfig       `yaml:"llm"`
	Risk      RiskConfig      `yaml:"risk"`
	Anomaly   AnomalyConfig   `yaml:"anomaly"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	// Port is the controller port announced in the connect handshake.
	Port        int `yaml:"port"`
	MetricsPort int `yaml:"metrics_port"`
}

type StorageConfig struct {
	// MessageDir holds per-process message history files
	// (<processId>_messages.json).
	MessageDir string `yaml:"message_dir"`
	// SummaryDir holds the summary hash map and summary/original files.
	SummaryDir string `yaml:"summary_dir"`
	// DatabasePath is the sqlite file backing the process record store.
	// Empty selects the in-memory store.
	DatabasePath string `yaml:"database_path"`
}

type CostsConfig struct {
	// DailyLimitFile is the JSON file holding {"dailyLimit": number|null}.
	// Loaded on every cost update.
	DailyLimitFile string `yaml:"daily_limit_file"`
	// WarnInterval is the minimum gap between "approaching limit" warnings.
	WarnInterval time.Duration `yaml:"warn_interval"`
}

type SummariesConfig struct {
	// MinChars is the document length below which no summary is stored.
	MinChars int `yaml:"min_chars"`
}

type LLMConfig struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
	// DefaultClass is the model class used when an agent sets neither a
	// model nor a class.
	DefaultClass string `yaml:"default_class"`
}

type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// RiskConfig carries the static p90 baselines and weights for patch risk
// scoring. Overridable via P90_* and W_* environment variables.
type RiskConfig struct {
	P90Files float64 `yaml:"p90_files"`
	P90Lines float64 `yaml:"p90_lines"`
	P90Churn float64 `yaml:"p90_churn"`
	P90Dir   float64 `yaml:"p90_dir"`
	P90Cyclo float64 `yaml:"p90_cyclo"`

	WFiles      float64 `yaml:"w_files"`
	WLOC        float64 `yaml:"w_loc"`
	WEntropy    float64 `yaml:"w_entropy"`
	WChurn      float64 `yaml:"w_churn"`
	WDispersion float64 `yaml:"w_dispersion"`
	WComplexity float64 `yaml:"w_complexity"`
	WUnfamiliar float64 `yaml:"w_unfamiliar"`
	WHazard     float64 `yaml:"w_hazard"`
	WSecret     float64 `yaml:"w_secret"`
	WSemantic   float64 `yaml:"w_semantic"`
}

// AnomalyConfig carries patch anomaly thresholds. Overridable via MAX_*
// environment variables.
type AnomalyConfig struct {
	MaxPatchesPerHour     int     `yaml:"max_patches_per_hour"`
	MaxFailureRate        float64 `yaml:"max_failure_rate"`
	MaxUserPatchesPerHour int     `yaml:"max_user_patches_per_hour"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration defaults applied before file and
// environment overlays.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        3010,
			MetricsPort: 9090,
		},
		Storage: StorageConfig{
			MessageDir: filepath.Join("dist", ".server", "task_messages"),
			SummaryDir: "summaries",
		},
		Costs: CostsConfig{
			DailyLimitFile: "dailyCostLimit.json",
			WarnInterval:   time.Minute,
		},
		Summaries: SummariesConfig{
			MinChars: 5000,
		},
		LLM: LLMConfig{
			DefaultClass: "standard",
		},
		Risk: RiskConfig{
			P90Files: 20, P90Lines: 800, P90Churn: 1200, P90Dir: 6, P90Cyclo: 40,
			WFiles: 1, WLOC: 1, WEntropy: 1, WChurn: 1, WDispersion: 1,
			WComplexity: 1, WUnfamiliar: 1, WHazard: 1.5, WSecret: 2, WSemantic: 1,
		},
		Anomaly: AnomalyConfig{
			MaxPatchesPerHour:     30,
			MaxFailureRate:        0.5,
			MaxUserPatchesPerHour: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
