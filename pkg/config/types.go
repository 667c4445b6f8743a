// Package config handles configuration loading and validation for preconfoor.
package config

// Config represents the complete configuration for the preconfoor sidecar.
type Config struct {
	Chain                  string           `yaml:"chain" json:"chain"`
	CommitmentDeadlineMs   int64            `yaml:"commitment_deadline_ms" json:"commitment_deadline_ms"` // 0 = chain default
	SlotTimeMs             int64            `yaml:"slot_time_ms" json:"slot_time_ms"`                     // 0 = chain default
	ValidatorIndexes       ValidatorIndexes `yaml:"validator_indexes" json:"validator_indexes"`
	PrivateKey             string           `yaml:"private_key" json:"private_key,omitempty"` // BLS commitment signing key
	BeaconAPIURL           string           `yaml:"beacon_api_url" json:"beacon_api_url"`
	ExecutionAPIURL        string           `yaml:"execution_api_url" json:"execution_api_url"`
	EngineAPIURL           string           `yaml:"engine_api_url" json:"engine_api_url"` // Optional: enables engine API fallback builds
	JWTSecret              string           `yaml:"jwt_secret" json:"jwt_secret"`         // Path to the engine API JWT secret
	FeeRecipient           string           `yaml:"fee_recipient" json:"fee_recipient"`   // Fee recipient of fallback payloads
	CollectorURL           string           `yaml:"collector_url" json:"collector_url"`   // Optional: websocket link to the constraints collector
	BuilderURLs            []string         `yaml:"builder_urls" json:"builder_urls"`     // Optional: finalized constraints are posted here
	APIPort                int              `yaml:"api_port" json:"api_port"`             // 0 = disabled
	FallbackBuildTimeoutMs int64            `yaml:"fallback_build_timeout_ms" json:"fallback_build_timeout_ms"`
	DedupCacheSize         int              `yaml:"dedup_cache_size" json:"dedup_cache_size"`
}
