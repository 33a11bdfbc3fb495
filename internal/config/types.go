package config

import "time"

// Config represents the main configuration structure
type Config struct {
	RPCURL           string `json:"rpcUrl"`           // HTTP endpoint for eth_call
	WSURL            string `json:"wsUrl"`            // WebSocket endpoint for newHeads
	MulticallAddress string `json:"multicallAddress"` // Multicall2-compatible deployment
	LogLevel         string `json:"logLevel"`

	RequestTimeout            int `json:"requestTimeout"`            // ms - timeout per multicall round trip
	UpstreamMessageTimeout    int `json:"upstreamMessageTimeout"`    // ms - timeout for receiving messages from upstream WebSocket
	UpstreamReconnectInterval int `json:"upstreamReconnectInterval"` // ms - interval between reconnection attempts
	DedupCacheSize            int `json:"dedupCacheSize"`

	BlocksPerFetch uint64 `json:"blocksPerFetch"` // refetch the aggregate batch every N blocks
	BatchSize      int    `json:"batchSize"`      // max calls per multicall round trip, 0 = unlimited

	// Contracts maps declared contract names to deployed addresses; it
	// backs the engine's address resolver.
	Contracts map[string]string `json:"contracts,omitempty"`

	// Tokens lists ERC-20 addresses the demo watcher binary registers
	// queries for.
	Tokens []string `json:"tokens,omitempty"`
}

// Default values
const (
	DefaultLogLevel                  = "info"
	DefaultRequestTimeout            = 5000  // ms
	DefaultUpstreamMessageTimeout    = 60000 // ms
	DefaultUpstreamReconnectInterval = 5000  // ms
	DefaultDedupCacheSize            = 10000
	DefaultBlocksPerFetch            = uint64(1)
)

// GetRequestTimeoutDuration returns request timeout as time.Duration
func (c *Config) GetRequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Millisecond
}

// GetUpstreamMessageTimeoutDuration returns upstream message timeout as time.Duration
func (c *Config) GetUpstreamMessageTimeoutDuration() time.Duration {
	return time.Duration(c.UpstreamMessageTimeout) * time.Millisecond
}

// GetUpstreamReconnectIntervalDuration returns reconnect interval as time.Duration
func (c *Config) GetUpstreamReconnectIntervalDuration() time.Duration {
	return time.Duration(c.UpstreamReconnectInterval) * time.Millisecond
}
