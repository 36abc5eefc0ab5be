// Package config loads the engine's runtime configuration: cache TTL
// tables, confidence thresholds, escalation budgets, and distillation
// policy. The raw file bytes are integrity-checked against a
// registry-provided hash before the parsed values are trusted.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "15m" parse directly.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the runtime configuration consumed, not produced, by the core.
type Config struct {
	Version string `yaml:"version"`

	Confidence struct {
		CacheableThreshold float32 `yaml:"cacheable_threshold"`
		DistillThreshold   float32 `yaml:"distill_threshold"`
	} `yaml:"confidence"`

	Cache struct {
		ProductionNamespaces []string            `yaml:"production_namespaces"`
		ProductionCap        Duration            `yaml:"production_cap"`
		TTLByRisk            map[string]Duration `yaml:"ttl_by_risk"`
		SweepInterval        Duration            `yaml:"sweep_interval"`
	} `yaml:"cache"`

	Classifier struct {
		Model   string   `yaml:"model"`
		Timeout Duration `yaml:"timeout"`
	} `yaml:"classifier"`

	Escalation struct {
		Model           string   `yaml:"model"`
		Timeout         Duration `yaml:"timeout"`
		MaxOutputTokens int      `yaml:"max_output_tokens"`
		TokensPerMinute int      `yaml:"tokens_per_minute"`
	} `yaml:"escalation"`

	Distillation struct {
		MinOccurrences int      `yaml:"min_occurrences"`
		Window         Duration `yaml:"window"`
		QueueSize      int      `yaml:"queue_size"`
	} `yaml:"distillation"`

	Tiers struct {
		MinTierByVerb     map[string]int `yaml:"min_tier_by_verb"`
		ProductionMinTier int            `yaml:"production_min_tier"`
	} `yaml:"tiers"`
}

// Default returns the design-default configuration, used when no config
// file is supplied and as the base that a loaded file overrides.
func Default() *Config {
	cfg := &Config{Version: "default"}
	cfg.Confidence.CacheableThreshold = 0.85
	cfg.Confidence.DistillThreshold = 0.85
	cfg.Cache.ProductionNamespaces = []string{"production", "prod"}
	cfg.Cache.ProductionCap = Duration(15 * time.Minute)
	cfg.Cache.TTLByRisk = map[string]Duration{
		"low":      Duration(2 * time.Hour),
		"medium":   Duration(1 * time.Hour),
		"high":     Duration(30 * time.Minute),
		"critical": 0,
	}
	cfg.Cache.SweepInterval = Duration(1 * time.Minute)
	cfg.Classifier.Model = "gemini-2.0-flash"
	cfg.Classifier.Timeout = Duration(2 * time.Second)
	cfg.Escalation.Model = "gemini-2.0-pro"
	cfg.Escalation.Timeout = Duration(5 * time.Second)
	cfg.Escalation.MaxOutputTokens = 2048
	cfg.Escalation.TokensPerMinute = 20000
	cfg.Distillation.MinOccurrences = 5
	cfg.Distillation.Window = Duration(7 * 24 * time.Hour)
	cfg.Distillation.QueueSize = 1024
	cfg.Tiers.MinTierByVerb = map[string]int{
		"create": 2,
		"modify": 2,
		"delete": 3,
		"access": 1,
		"comply": 1,
	}
	cfg.Tiers.ProductionMinTier = 3
	return cfg
}

// Parse decodes a YAML config on top of the defaults.
func Parse(raw []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Confidence.CacheableThreshold <= 0 || cfg.Confidence.CacheableThreshold > 1 {
		return nil, fmt.Errorf("cacheable_threshold must be in (0, 1], got %v", cfg.Confidence.CacheableThreshold)
	}
	if cfg.Distillation.MinOccurrences < 1 {
		return nil, fmt.Errorf("min_occurrences must be >= 1, got %d", cfg.Distillation.MinOccurrences)
	}
	return cfg, nil
}

// Load reads and parses a config file, verifying its content hash against
// the expected registry hash when one is supplied. An empty wantHash skips
// verification (local development only).
func Load(path, wantHash string) (*Config, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read config: %w", err)
	}
	gotHash := Hash(raw)
	if wantHash != "" && gotHash != wantHash {
		return nil, gotHash, fmt.Errorf("config integrity check failed: have %s, registry says %s", gotHash, wantHash)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, gotHash, err
	}
	return cfg, gotHash, nil
}

// Hash returns the hex SHA-256 of the raw configuration bytes.
func Hash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
