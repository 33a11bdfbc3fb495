// Package jsonrpc holds the minimal JSON-RPC 2.0 framing used to talk to
// an Ethereum node over WebSocket: requests, responses, ids and the
// newHeads subscription notification shape.
package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Version is the JSON-RPC version
const Version = "2.0"

// ID represents a JSON-RPC request/response ID
// It can be a string, number, or null
type ID struct {
	value interface{}
}

// NewIDInt creates an ID from an integer
func NewIDInt(n int64) ID {
	return ID{value: n}
}

// IsNull returns true if the ID is null
func (id ID) IsNull() bool {
	return id.value == nil
}

// Value returns the underlying value
func (id ID) Value() interface{} {
	return id.value
}

// MarshalJSON implements json.Marshaler
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler
func (id *ID) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &id.value)
}

// Error represents a JSON-RPC error
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface
func (e *Error) Error() string {
	return e.Message
}

// SubscriptionNotification represents a subscription event notification
type SubscriptionNotification struct {
	JSONRPC string             `json:"jsonrpc"`
	Method  string             `json:"method"`
	Params  SubscriptionParams `json:"params"`
}

// SubscriptionParams contains the subscription notification parameters
type SubscriptionParams struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// BlockHeader carries the fields of a newHeads event this module reads.
type BlockHeader struct {
	Hash       string `json:"hash"`
	ParentHash string `json:"parentHash"`
	Number     string `json:"number"`
	Timestamp  string `json:"timestamp"`
}

// BlockNumber decodes the hex-quantity Number field.
func (h BlockHeader) BlockNumber() (uint64, error) {
	raw := strings.TrimPrefix(h.Number, "0x")
	if raw == "" {
		return 0, fmt.Errorf("header has no block number")
	}
	n, err := strconv.ParseUint(raw, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid block number %q: %w", h.Number, err)
	}
	return n, nil
}
