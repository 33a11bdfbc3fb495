package query

import (
	"fmt"
	"math/big"
	"reflect"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// AddressResolver maps a declared contract name to a deployed address.
// The second return value reports whether the resolver knows the contract.
type AddressResolver func(contract string) (common.Address, bool)

// Call describes a single contract read: where to call, which method, with
// which arguments. A Call is immutable once constructed; callers that want a
// different call build a new one.
//
// The ABI is referenced through a getter so that large generated artifacts
// are not held by value in every descriptor.
type Call struct {
	Contract string         // declared contract name, looked up via an AddressResolver
	Target   common.Address // explicit target address, takes precedence over resolution
	Fallback common.Address // baked-in deployment address, used when resolution fails
	Method   string
	Args     []interface{}
	ChainID  *big.Int // optional explicit chain; nil means the connected chain
	Default  interface{}
	ABI      func() *abi.ABI
}

// ResolveTarget determines the address the call should be sent to:
// explicit target first, then the resolver applied to the contract name,
// then the baked-in fallback. A call with no resolvable address is a
// caller configuration error.
func (c Call) ResolveTarget(resolver AddressResolver) (common.Address, error) {
	if c.Target != (common.Address{}) {
		return c.Target, nil
	}
	if resolver != nil && c.Contract != "" {
		if addr, ok := resolver(c.Contract); ok {
			return addr, nil
		}
	}
	if c.Fallback != (common.Address{}) {
		return c.Fallback, nil
	}
	return common.Address{}, fmt.Errorf("no resolvable address for call %s.%s", c.Contract, c.Method)
}

// Pack encodes the method selector and arguments.
func (c Call) Pack() ([]byte, error) {
	if c.ABI == nil {
		return nil, fmt.Errorf("call %s.%s has no ABI getter", c.Contract, c.Method)
	}
	contractABI := c.ABI()
	if contractABI == nil {
		return nil, fmt.Errorf("call %s.%s: ABI getter returned nil", c.Contract, c.Method)
	}
	data, err := contractABI.Pack(c.Method, c.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s.%s: %w", c.Contract, c.Method, err)
	}
	return data, nil
}

// Unpack decodes raw return data. Methods with a single output decode to
// that value directly; multi-output methods decode to a slice.
func (c Call) Unpack(data []byte) (interface{}, error) {
	if c.ABI == nil {
		return nil, fmt.Errorf("call %s.%s has no ABI getter", c.Contract, c.Method)
	}
	contractABI := c.ABI()
	if contractABI == nil {
		return nil, fmt.Errorf("call %s.%s: ABI getter returned nil", c.Contract, c.Method)
	}
	values, err := contractABI.Unpack(c.Method, data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s.%s: %w", c.Contract, c.Method, err)
	}
	if len(values) == 1 {
		return values[0], nil
	}
	return values, nil
}

// Equal reports structural equality between two calls. The ABI getter is
// deliberately excluded: descriptors are rebuilt on every registration and
// a fresh closure must not register as a change.
func (c Call) Equal(o Call) bool {
	if c.Contract != o.Contract || c.Target != o.Target || c.Fallback != o.Fallback || c.Method != o.Method {
		return false
	}
	if (c.ChainID == nil) != (o.ChainID == nil) {
		return false
	}
	if c.ChainID != nil && c.ChainID.Cmp(o.ChainID) != 0 {
		return false
	}
	return reflect.DeepEqual(c.Args, o.Args)
}
