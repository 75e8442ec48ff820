// Package poolconfig loads and persists the typed, per-provider engine
// configuration, preserving any unrecognized JSON keys across updates the
// way a hand-edited config file demands, generalizing the teacher's
// pure-struct Config/DefaultConfig idiom (pkg/auth/config.go) with a raw
// side-map merge.
package poolconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Strategy is the account-selection algorithm.
type Strategy string

const (
	StrategySticky     Strategy = "sticky"
	StrategyRoundRobin Strategy = "round-robin"
	StrategyHybrid     Strategy = "hybrid"
)

// Config is the typed view of the engine's configuration file. All fields
// have defaults (DefaultConfig) so a missing file is not an error.
type Config struct {
	AccountSelectionStrategy    Strategy `json:"account_selection_strategy" yaml:"account_selection_strategy"`
	CrossProcessClaims          bool     `json:"cross_process_claims" yaml:"cross_process_claims"`
	SoftQuotaThresholdPercent   float64  `json:"soft_quota_threshold_percent" yaml:"soft_quota_threshold_percent"`
	RateLimitMinBackoffMS       int64    `json:"rate_limit_min_backoff_ms" yaml:"rate_limit_min_backoff_ms"`
	DefaultRetryAfterMS         int64    `json:"default_retry_after_ms" yaml:"default_retry_after_ms"`
	MaxConsecutiveAuthFailures  int      `json:"max_consecutive_auth_failures" yaml:"max_consecutive_auth_failures"`
	TokenFailureBackoffMS       int64    `json:"token_failure_backoff_ms" yaml:"token_failure_backoff_ms"`
	ProactiveRefresh            bool     `json:"proactive_refresh" yaml:"proactive_refresh"`
	ProactiveRefreshBufferSec   int64    `json:"proactive_refresh_buffer_seconds" yaml:"proactive_refresh_buffer_seconds"`
	ProactiveRefreshIntervalSec int64    `json:"proactive_refresh_interval_seconds" yaml:"proactive_refresh_interval_seconds"`
	QuietMode                   bool     `json:"quiet_mode" yaml:"quiet_mode"`
	Debug                       bool     `json:"debug" yaml:"debug"`

	// raw holds every key parsed from disk, known or not, so UpdateField can
	// round-trip fields this type doesn't model.
	raw map[string]json.RawMessage
}

// DefaultConfig returns the configuration that applies when no config file
// (and no seed) exists yet.
func DefaultConfig() *Config {
	return &Config{
		AccountSelectionStrategy:    StrategySticky,
		CrossProcessClaims:          true,
		SoftQuotaThresholdPercent:   100,
		RateLimitMinBackoffMS:       30_000,
		DefaultRetryAfterMS:         60_000,
		MaxConsecutiveAuthFailures:  3,
		TokenFailureBackoffMS:       30_000,
		ProactiveRefresh:            true,
		ProactiveRefreshBufferSec:   1800,
		ProactiveRefreshIntervalSec: 300,
		QuietMode:                   false,
		Debug:                       false,
		raw:                         map[string]json.RawMessage{},
	}
}

// Loader loads and persists a Config at a fixed path, with an optional
// one-time YAML seed consulted only when no JSON config exists yet.
type Loader struct {
	path     string
	seedPath string
}

// NewLoader returns a Loader for the config file at path, optionally
// consulting seedPath (a YAML file) on first run.
func NewLoader(path, seedPath string) *Loader {
	return &Loader{path: path, seedPath: seedPath}
}

// Load reads the config file, falling back to the YAML seed (if present and
// the JSON file does not exist) and finally to DefaultConfig.
func (l *Loader) Load() (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("poolconfig: read %s: %w", l.path, err)
		}
		return l.loadFromSeedOrDefault()
	}
	return parse(data)
}

func (l *Loader) loadFromSeedOrDefault() (*Config, error) {
	cfg := DefaultConfig()
	if l.seedPath == "" {
		return cfg, nil
	}
	seedData, err := os.ReadFile(l.seedPath)
	if err != nil {
		return cfg, nil // no seed file: plain defaults
	}
	var seeded Config
	if err := yaml.Unmarshal(seedData, &seeded); err != nil {
		return cfg, nil // malformed seed: ignore, fall back to defaults
	}
	applyNonZero(cfg, &seeded)
	return cfg, nil
}

func parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return DefaultConfig(), nil // config-file issues recover locally (§7.7)
	}
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err == nil {
		cfg.raw = raw
	}
	return cfg, nil
}

// applyNonZero copies fields set in seed over cfg's defaults, used for the
// YAML bootstrap seed where an empty Strategy/zero duration means "unset".
// Boolean fields are not copied: they always keep cfg's defaults.
func applyNonZero(cfg, seed *Config) {
	if seed.AccountSelectionStrategy != "" {
		cfg.AccountSelectionStrategy = seed.AccountSelectionStrategy
	}
	if seed.SoftQuotaThresholdPercent != 0 {
		cfg.SoftQuotaThresholdPercent = seed.SoftQuotaThresholdPercent
	}
	if seed.RateLimitMinBackoffMS != 0 {
		cfg.RateLimitMinBackoffMS = seed.RateLimitMinBackoffMS
	}
	if seed.DefaultRetryAfterMS != 0 {
		cfg.DefaultRetryAfterMS = seed.DefaultRetryAfterMS
	}
	if seed.MaxConsecutiveAuthFailures != 0 {
		cfg.MaxConsecutiveAuthFailures = seed.MaxConsecutiveAuthFailures
	}
	if seed.TokenFailureBackoffMS != 0 {
		cfg.TokenFailureBackoffMS = seed.TokenFailureBackoffMS
	}
	if seed.ProactiveRefreshBufferSec != 0 {
		cfg.ProactiveRefreshBufferSec = seed.ProactiveRefreshBufferSec
	}
	if seed.ProactiveRefreshIntervalSec != 0 {
		cfg.ProactiveRefreshIntervalSec = seed.ProactiveRefreshIntervalSec
	}
}

// UpdateField sets a single field by its JSON key, preserving every other
// key already present on disk (including keys this type doesn't model),
// then atomically rewrites the file.
func (l *Loader) UpdateField(key string, value any) error {
	cfg, err := l.Load()
	if err != nil {
		return err
	}

	merged, err := toRawMap(cfg)
	if err != nil {
		return err
	}
	encodedValue, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("poolconfig: marshal value for %s: %w", key, err)
	}
	merged[key] = encodedValue

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return fmt.Errorf("poolconfig: marshal merged config: %w", err)
	}
	return atomicWrite(l.path, data)
}

// toRawMap folds the typed fields of cfg back into its raw map so both
// known and unknown keys are represented before a write.
func toRawMap(cfg *Config) (map[string]json.RawMessage, error) {
	typedJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("poolconfig: marshal typed fields: %w", err)
	}
	var typed map[string]json.RawMessage
	if err := json.Unmarshal(typedJSON, &typed); err != nil {
		return nil, err
	}

	merged := map[string]json.RawMessage{}
	for k, v := range cfg.raw {
		merged[k] = v
	}
	for k, v := range typed {
		merged[k] = v
	}
	return merged, nil
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("poolconfig: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("poolconfig: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	success = true
	return nil
}
