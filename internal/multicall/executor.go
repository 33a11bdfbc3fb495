// Package multicall executes many contract reads in a single eth_call
// against a Multicall2-compatible aggregator contract, returning one
// positional entry per input call.
package multicall

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"multiquery/internal/batcher"
	"multiquery/internal/query"
)

// tryAggregate((address,bytes)[]) from the Multicall2 contract, which is
// also present verbatim on Multicall3 deployments.
const multicallABIString = `[{"inputs":[{"internalType":"bool","name":"requireSuccess","type":"bool"},{"components":[{"internalType":"address","name":"target","type":"address"},{"internalType":"bytes","name":"callData","type":"bytes"}],"internalType":"struct Multicall2.Call[]","name":"calls","type":"tuple[]"}],"name":"tryAggregate","outputs":[{"components":[{"internalType":"bool","name":"success","type":"bool"},{"internalType":"bytes","name":"returnData","type":"bytes"}],"internalType":"struct Multicall2.Result[]","name":"returnData","type":"tuple[]"}],"stateMutability":"nonpayable","type":"function"}]`

var (
	multicallABI     *abi.ABI
	multicallABIOnce sync.Once
)

func contractABI() *abi.ABI {
	multicallABIOnce.Do(func() {
		parsed, err := abi.JSON(strings.NewReader(multicallABIString))
		if err != nil {
			panic(fmt.Sprintf("invalid multicall ABI: %v", err))
		}
		multicallABI = &parsed
	})
	return multicallABI
}

type multicallCall struct {
	Target   common.Address `json:"target"`
	CallData []byte         `json:"callData"`
}

type multicallResult struct {
	Success    bool   `json:"success"`
	ReturnData []byte `json:"returnData"`
}

// ContractCaller is the execution-client binding the executor needs,
// typically satisfied by ethclient.Client.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Options tune one execution.
type Options struct {
	BlockNumber *big.Int // pin the eth_call to a historical block
	BatchSize   int      // max calls per round trip; zero means all at once
}

// Executor batches contract reads through a multicall contract. An error
// return means the whole round trip failed at the transport level;
// call-level failures (reverts, decode errors) come back as failed entries
// in the positional result.
type Executor struct {
	caller   ContractCaller
	contract common.Address
	logger   zerolog.Logger
}

// NewExecutor creates an executor against the given multicall contract
// deployment.
func NewExecutor(caller ContractCaller, contract common.Address, logger zerolog.Logger) *Executor {
	return &Executor{
		caller:   caller,
		contract: contract,
		logger:   logger.With().Str("component", "multicall").Logger(),
	}
}

// ExecuteBatch runs all calls and returns one entry per call, same order.
// Calls that cannot be packed, that revert, or whose return data cannot be
// decoded become failed entries; the other entries are unaffected.
func (e *Executor) ExecuteBatch(ctx context.Context, calls []batcher.ResolvedCall, opts Options) ([]query.CallResult, error) {
	results := make([]query.CallResult, len(calls))

	chunk := opts.BatchSize
	if chunk <= 0 {
		chunk = len(calls)
	}
	for start := 0; start < len(calls); start += chunk {
		end := start + chunk
		if end > len(calls) {
			end = len(calls)
		}
		if err := e.executeChunk(ctx, calls[start:end], results[start:end], opts.BlockNumber); err != nil {
			return nil, err
		}
	}
	return results, nil
}

func (e *Executor) executeChunk(ctx context.Context, calls []batcher.ResolvedCall, results []query.CallResult, blockNumber *big.Int) error {
	aggregated := make([]multicallCall, 0, len(calls))
	positions := make([]int, 0, len(calls))
	for i, c := range calls {
		data, err := c.Pack()
		if err != nil {
			results[i] = query.CallResult{Err: err}
			continue
		}
		aggregated = append(aggregated, multicallCall{Target: c.To, CallData: data})
		positions = append(positions, i)
	}
	if len(aggregated) == 0 {
		return nil
	}

	callData, err := contractABI().Pack("tryAggregate", false, aggregated)
	if err != nil {
		return fmt.Errorf("failed to pack aggregated call: %w", err)
	}

	e.logger.Debug().Int("calls", len(aggregated)).Msg("executing multicall")
	resp, err := e.caller.CallContract(ctx, ethereum.CallMsg{To: &e.contract, Data: callData}, blockNumber)
	if err != nil {
		return fmt.Errorf("multicall failed: %w", err)
	}

	var raw []multicallResult
	if err := contractABI().UnpackIntoInterface(&raw, "tryAggregate", resp); err != nil {
		return fmt.Errorf("failed to unpack aggregated response: %w", err)
	}
	if len(raw) != len(aggregated) {
		return fmt.Errorf("multicall result size mismatch: expected %d, got %d", len(aggregated), len(raw))
	}

	for j, r := range raw {
		i := positions[j]
		c := calls[i]
		if !r.Success {
			results[i] = query.CallResult{Err: fmt.Errorf("call %s.%s reverted", c.Contract, c.Method)}
			continue
		}
		value, err := c.Unpack(r.ReturnData)
		if err != nil {
			results[i] = query.CallResult{Err: err}
			continue
		}
		results[i] = query.CallResult{Ok: true, Value: value}
	}
	return nil
}

// ExecuteStrict is the single-shot variant for ad-hoc fetches outside the
// reactive flow: it returns decoded values positionally and fails on the
// first call-level error instead of reporting partial data.
func (e *Executor) ExecuteStrict(ctx context.Context, calls []batcher.ResolvedCall, opts Options) ([]interface{}, error) {
	results, err := e.ExecuteBatch(ctx, calls, opts)
	if err != nil {
		return nil, err
	}
	values := make([]interface{}, len(results))
	for i, r := range results {
		if !r.Ok {
			return nil, fmt.Errorf("call %d failed: %w", i, r.Err)
		}
		values[i] = r.Value
	}
	return values, nil
}
