package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
)

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.UpstreamMessageTimeout == 0 {
		cfg.UpstreamMessageTimeout = DefaultUpstreamMessageTimeout
	}
	if cfg.UpstreamReconnectInterval == 0 {
		cfg.UpstreamReconnectInterval = DefaultUpstreamReconnectInterval
	}
	if cfg.DedupCacheSize == 0 {
		cfg.DedupCacheSize = DefaultDedupCacheSize
	}
	if cfg.BlocksPerFetch == 0 {
		cfg.BlocksPerFetch = DefaultBlocksPerFetch
	}
	// BatchSize default is 0, meaning no cap
}

// validate checks the configuration for errors
func validate(cfg *Config) error {
	if cfg.RPCURL == "" {
		return errors.New("rpcUrl is required")
	}
	if cfg.WSURL == "" {
		return errors.New("wsUrl is required")
	}
	if cfg.MulticallAddress == "" {
		return errors.New("multicallAddress is required")
	}
	if !common.IsHexAddress(cfg.MulticallAddress) {
		return fmt.Errorf("multicallAddress '%s' is not a valid address", cfg.MulticallAddress)
	}
	for name, addr := range cfg.Contracts {
		if name == "" {
			return errors.New("contracts: empty contract name")
		}
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("contract '%s': '%s' is not a valid address", name, addr)
		}
	}
	for _, addr := range cfg.Tokens {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("token '%s' is not a valid address", addr)
		}
	}
	if cfg.BatchSize < 0 {
		return errors.New("batchSize must not be negative")
	}
	return nil
}
