package config

import "github.com/ethpandaops/preconfoor/pkg/chain"

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Chain:                  string(chain.Holesky),
		CommitmentDeadlineMs:   0,
		SlotTimeMs:             0,
		APIPort:                8000,
		FallbackBuildTimeoutMs: 2000, // builds stall the event loop, keep them short
		DedupCacheSize:         100,
	}
}
