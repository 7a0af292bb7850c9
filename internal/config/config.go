// Package config loads the runtime principal topology and launcher
// settings from config.yaml, with PARLEY_* environment overrides.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/parley/internal/otel"
)

// Reviewer providers supported by the execution adapter.
const (
	ProviderCodex  = "codex"
	ProviderClaude = "claude"
)

// ReviewerProfile configures one reviewer principal.
type ReviewerProfile struct {
	ID          string `yaml:"id"`
	Provider    string `yaml:"provider"`
	Model       string `yaml:"model"`
	DisplayName string `yaml:"display_name"`
	Instruction string `yaml:"instruction"`
	PromptFile  string `yaml:"prompt_file"`
	// CommandTemplate is the argv used to launch the reviewer CLI.
	// {prompt} and {model} placeholders are substituted per call.
	CommandTemplate []string          `yaml:"command_template"`
	Env             map[string]string `yaml:"env"`
}

// Config is the effective runtime configuration.
type Config struct {
	RootDir string `yaml:"-"`

	OrchestratorID string            `yaml:"orchestrator_id"`
	AggregatorID   string            `yaml:"aggregator_id"`
	Reviewers      []ReviewerProfile `yaml:"reviewers"`

	// Mode selects the reviewer runner: "deterministic" or "cli".
	Mode              string `yaml:"mode"`
	MaxPasses         int    `yaml:"max_passes"`
	CLITimeoutSeconds int    `yaml:"cli_timeout_seconds"`
	ConsumeLimit      int    `yaml:"consume_limit"`

	LogLevel   string `yaml:"log_level"`
	PolicyPath string `yaml:"policy_path"`

	Otel otel.Config `yaml:"otel"`
}

// ReviewerIDs returns the reviewer ids in declaration order.
func (c Config) ReviewerIDs() []string {
	ids := make([]string, 0, len(c.Reviewers))
	for _, r := range c.Reviewers {
		ids = append(ids, r.ID)
	}
	return ids
}

// Principals returns every configured principal id: orchestrator,
// reviewers in order, aggregator.
func (c Config) Principals() []string {
	out := []string{c.OrchestratorID}
	out = append(out, c.ReviewerIDs()...)
	return append(out, c.AggregatorID)
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "orch=%s|agg=%s|mode=%s|passes=%d|log=%s",
		c.OrchestratorID, c.AggregatorID, c.Mode, c.MaxPasses, c.LogLevel)
	for _, r := range c.Reviewers {
		fmt.Fprintf(h, "|rev=%s:%s:%s", r.ID, r.Provider, r.Model)
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		OrchestratorID:    "orchestrator",
		AggregatorID:      "aggregator",
		Mode:              "deterministic",
		MaxPasses:         10,
		CLITimeoutSeconds: 420,
		ConsumeLimit:      100,
		LogLevel:          "info",
		Reviewers: []ReviewerProfile{
			{
				ID:          "codex",
				Provider:    ProviderCodex,
				Model:       "gpt-5-codex",
				DisplayName: "Codex Reviewer",
				CommandTemplate: []string{
					"codex", "exec", "--model", "{model}", "{prompt}",
				},
			},
			{
				ID:          "claude",
				Provider:    ProviderClaude,
				Model:       "claude-sonnet-4-5",
				DisplayName: "Claude Reviewer",
				CommandTemplate: []string{
					"claude", "-p", "--model", "{model}", "--output-format", "json", "{prompt}",
				},
			},
		},
	}
}

// RootDir resolves the runtime root, honoring the PARLEY_ROOT override.
func RootDir() string {
	if override := os.Getenv("PARLEY_ROOT"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".parley")
}

// ConfigPath returns the path to config.yaml within the given root.
func ConfigPath(rootDir string) string {
	return filepath.Join(rootDir, "config.yaml")
}

// Load reads config.yaml under rootDir (created if missing), applies
// environment overrides, normalizes defaults, and validates the topology.
// Validation failures are fatal at startup.
func Load(rootDir string) (Config, error) {
	return LoadFile(rootDir, "")
}

// LoadFile is Load with an explicit config file path. An empty path
// falls back to config.yaml under the root.
func LoadFile(rootDir, path string) (Config, error) {
	cfg := defaultConfig()
	if rootDir == "" {
		rootDir = RootDir()
	}
	cfg.RootDir = rootDir

	if err := os.MkdirAll(cfg.RootDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create runtime root: %w", err)
	}

	if path == "" {
		path = ConfigPath(cfg.RootDir)
	}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PARLEY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PARLEY_MODE"); v != "" {
		cfg.Mode = v
	}
	if v := os.Getenv("PARLEY_MAX_PASSES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxPasses = n
		}
	}
	if v := os.Getenv("PARLEY_CLI_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CLITimeoutSeconds = n
		}
	}
	if v := os.Getenv("PARLEY_POLICY_PATH"); v != "" {
		cfg.PolicyPath = v
	}
}

func normalize(cfg *Config) {
	if cfg.OrchestratorID == "" {
		cfg.OrchestratorID = "orchestrator"
	}
	if cfg.AggregatorID == "" {
		cfg.AggregatorID = "aggregator"
	}
	if cfg.Mode == "" {
		cfg.Mode = "deterministic"
	}
	if cfg.MaxPasses <= 0 {
		cfg.MaxPasses = 10
	}
	if cfg.CLITimeoutSeconds <= 0 {
		cfg.CLITimeoutSeconds = 420
	}
	if cfg.ConsumeLimit <= 0 {
		cfg.ConsumeLimit = 100
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	for i := range cfg.Reviewers {
		cfg.Reviewers[i].ID = strings.TrimSpace(cfg.Reviewers[i].ID)
	}
}

// Validate checks the principal topology. Misconfiguration here is a
// deployment defect, so the runtime refuses to start on any violation.
func Validate(cfg Config) error {
	if cfg.OrchestratorID == "" || cfg.AggregatorID == "" {
		return fmt.Errorf("orchestrator_id and aggregator_id must be set")
	}
	if cfg.OrchestratorID == cfg.AggregatorID {
		return fmt.Errorf("orchestrator_id and aggregator_id must differ")
	}
	if len(cfg.Reviewers) == 0 {
		return fmt.Errorf("at least one reviewer must be configured")
	}
	switch cfg.Mode {
	case "deterministic", "cli":
	default:
		return fmt.Errorf("unknown mode %q (supported: deterministic, cli)", cfg.Mode)
	}
	seen := make(map[string]bool, len(cfg.Reviewers))
	for _, r := range cfg.Reviewers {
		if r.ID == "" {
			return fmt.Errorf("reviewer with empty id")
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate reviewer id %q", r.ID)
		}
		seen[r.ID] = true
		if r.ID == cfg.OrchestratorID || r.ID == cfg.AggregatorID {
			return fmt.Errorf("reviewer id %q conflicts with a coordinator principal", r.ID)
		}
		switch r.Provider {
		case ProviderCodex, ProviderClaude:
		default:
			return fmt.Errorf("reviewer %q has unknown provider %q", r.ID, r.Provider)
		}
	}
	return nil
}
