package config

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/preconfoor/pkg/chain"
)

// Loader handles configuration loading from files and flags.
type Loader struct {
	log logrus.FieldLogger
}

// NewLoader creates a new configuration loader.
func NewLoader(log logrus.FieldLogger) *Loader {
	return &Loader{
		log: log.WithField("component", "config"),
	}
}

// LoadConfig loads configuration from a YAML file.
func (l *Loader) LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	l.log.WithField("path", path).Debug("Loaded config file")

	return cfg, nil
}

// LoadConfigFromFlags loads the explicitly set flags into an otherwise empty
// config, ready to be merged over a file or default config.
func (l *Loader) LoadConfigFromFlags(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Chain:                  v.GetString("chain"),
		PrivateKey:             v.GetString("private-key"),
		BeaconAPIURL:           v.GetString("beacon-api-url"),
		ExecutionAPIURL:        v.GetString("execution-api-url"),
		EngineAPIURL:           v.GetString("engine-api-url"),
		JWTSecret:              v.GetString("jwt-secret"),
		FeeRecipient:           v.GetString("fee-recipient"),
		CollectorURL:           v.GetString("collector-url"),
		BuilderURLs:            v.GetStringSlice("builder-urls"),
		CommitmentDeadlineMs:   v.GetInt64("commitment-deadline"),
		SlotTimeMs:             v.GetInt64("slot-time"),
		FallbackBuildTimeoutMs: v.GetInt64("fallback-build-timeout"),
		DedupCacheSize:         v.GetInt("dedup-cache-size"),
	}

	if v.IsSet("api-port") {
		cfg.APIPort = v.GetInt("api-port")
	}

	if val := v.GetString("validator-indexes"); val != "" {
		indexes, err := ParseValidatorIndexes(val)
		if err != nil {
			return nil, fmt.Errorf("validator_indexes: %w", err)
		}

		cfg.ValidatorIndexes = indexes
	}

	return cfg, nil
}

// ValidateConfig validates the configuration for consistency and completeness.
func ValidateConfig(cfg *Config) error {
	params, err := cfg.ChainParams()
	if err != nil {
		return fmt.Errorf("chain: %w", err)
	}

	if cfg.PrivateKey == "" {
		return fmt.Errorf("private_key is required")
	}

	decoded, err := hex.DecodeString(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return fmt.Errorf("private_key: invalid hex encoding: %w", err)
	}

	if len(decoded) != 32 {
		return fmt.Errorf("private_key: must be 32 bytes, got %d", len(decoded))
	}

	if len(cfg.ValidatorIndexes) == 0 {
		return fmt.Errorf("validator_indexes: at least one index is required")
	}

	if cfg.BeaconAPIURL == "" {
		return fmt.Errorf("beacon_api_url is required")
	}

	if cfg.ExecutionAPIURL == "" {
		return fmt.Errorf("execution_api_url is required")
	}

	for name, raw := range map[string]string{
		"beacon_api_url":    cfg.BeaconAPIURL,
		"execution_api_url": cfg.ExecutionAPIURL,
		"collector_url":     cfg.CollectorURL,
		"engine_api_url":    cfg.EngineAPIURL,
	} {
		if raw == "" {
			continue
		}

		if _, err := url.ParseRequestURI(raw); err != nil {
			return fmt.Errorf("%s: invalid URL: %w", name, err)
		}
	}

	if (cfg.EngineAPIURL == "") != (cfg.JWTSecret == "") {
		return fmt.Errorf("engine_api_url and jwt_secret must be set together")
	}

	if cfg.FeeRecipient != "" && !common.IsHexAddress(cfg.FeeRecipient) {
		return fmt.Errorf("fee_recipient: invalid address %q", cfg.FeeRecipient)
	}

	for _, raw := range cfg.BuilderURLs {
		if _, err := url.ParseRequestURI(raw); err != nil {
			return fmt.Errorf("builder_urls: invalid URL %q: %w", raw, err)
		}
	}

	if cfg.CommitmentDeadlineMs < 0 || cfg.SlotTimeMs < 0 {
		return fmt.Errorf("commitment_deadline_ms and slot_time_ms must be >= 0")
	}

	if params.CommitmentDeadline >= params.SlotTime {
		return fmt.Errorf("commitment deadline %s must be shorter than the slot time %s",
			params.CommitmentDeadline, params.SlotTime)
	}

	if cfg.FallbackBuildTimeoutMs <= 0 {
		return fmt.Errorf("fallback_build_timeout_ms must be > 0")
	}

	return nil
}

// ChainParams resolves the selected chain and applies the duration overrides.
func (c *Config) ChainParams() (*chain.Params, error) {
	name, err := chain.ParseChain(c.Chain)
	if err != nil {
		return nil, err
	}

	params, err := chain.ParamsFor(name)
	if err != nil {
		return nil, err
	}

	return params.WithOverrides(
		time.Duration(c.SlotTimeMs)*time.Millisecond,
		time.Duration(c.CommitmentDeadlineMs)*time.Millisecond,
	), nil
}

// FallbackBuildTimeout returns the fallback build time box.
func (c *Config) FallbackBuildTimeout() time.Duration {
	return time.Duration(c.FallbackBuildTimeoutMs) * time.Millisecond
}

// MergeConfigs merges override config values into the base config.
// Non-zero values in override replace values in base.
func MergeConfigs(base, override *Config) *Config {
	result := *base

	if override.Chain != "" {
		result.Chain = override.Chain
	}

	if override.CommitmentDeadlineMs != 0 {
		result.CommitmentDeadlineMs = override.CommitmentDeadlineMs
	}

	if override.SlotTimeMs != 0 {
		result.SlotTimeMs = override.SlotTimeMs
	}

	if len(override.ValidatorIndexes) > 0 {
		result.ValidatorIndexes = override.ValidatorIndexes
	}

	if override.PrivateKey != "" {
		result.PrivateKey = override.PrivateKey
	}

	if override.BeaconAPIURL != "" {
		result.BeaconAPIURL = override.BeaconAPIURL
	}

	if override.ExecutionAPIURL != "" {
		result.ExecutionAPIURL = override.ExecutionAPIURL
	}

	if override.EngineAPIURL != "" {
		result.EngineAPIURL = override.EngineAPIURL
	}

	if override.JWTSecret != "" {
		result.JWTSecret = override.JWTSecret
	}

	if override.FeeRecipient != "" {
		result.FeeRecipient = override.FeeRecipient
	}

	if override.CollectorURL != "" {
		result.CollectorURL = override.CollectorURL
	}

	if len(override.BuilderURLs) > 0 {
		result.BuilderURLs = override.BuilderURLs
	}

	if override.APIPort != 0 {
		result.APIPort = override.APIPort
	}

	if override.FallbackBuildTimeoutMs != 0 {
		result.FallbackBuildTimeoutMs = override.FallbackBuildTimeoutMs
	}

	if override.DedupCacheSize != 0 {
		result.DedupCacheSize = override.DedupCacheSize
	}

	return &result
}
