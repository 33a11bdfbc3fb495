package multicall

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"multiquery/internal/batcher"
	"multiquery/internal/query"
)

const valueABIString = `[{"constant":true,"inputs":[],"name":"value","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`

var valueABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(valueABIString))
	if err != nil {
		panic(err)
	}
	valueABI = parsed
}

func valueCall(target common.Address) batcher.ResolvedCall {
	return batcher.ResolvedCall{
		Call: query.Call{
			Method: "value",
			ABI:    func() *abi.ABI { return &valueABI },
		},
		To: target,
	}
}

// fakeCaller answers each CallContract with the next canned response.
type fakeCaller struct {
	responses [][]byte
	errs      []error
	calls     int
	gotTo     []common.Address
}

func (f *fakeCaller) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	i := f.calls
	f.calls++
	f.gotTo = append(f.gotTo, *call.To)
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return f.responses[i], nil
}

// encodeResponse builds the return data of tryAggregate for the given
// per-call outcomes.
func encodeResponse(t *testing.T, entries []multicallResult) []byte {
	t.Helper()
	data, err := contractABI().Methods["tryAggregate"].Outputs.Pack(entries)
	if err != nil {
		t.Fatalf("failed to encode response: %v", err)
	}
	return data
}

func encodeUint(t *testing.T, n int64) []byte {
	t.Helper()
	data, err := valueABI.Methods["value"].Outputs.Pack(big.NewInt(n))
	if err != nil {
		t.Fatalf("failed to encode uint: %v", err)
	}
	return data
}

func TestExecutor_PositionalResults(t *testing.T) {
	mcAddr := common.HexToAddress("0x0000000000000000000000000000000000000011")
	target := common.HexToAddress("0x0000000000000000000000000000000000000022")

	caller := &fakeCaller{responses: [][]byte{
		encodeResponse(t, []multicallResult{
			{Success: true, ReturnData: encodeUint(t, 42)},
			{Success: false},
			{Success: true, ReturnData: encodeUint(t, 7)},
		}),
	}}
	e := NewExecutor(caller, mcAddr, zerolog.Nop())

	results, err := e.ExecuteBatch(context.Background(), []batcher.ResolvedCall{
		valueCall(target), valueCall(target), valueCall(target),
	}, Options{})
	if err != nil {
		t.Fatalf("ExecuteBatch: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d entries, want 3", len(results))
	}
	if !results[0].Ok || results[0].Value.(*big.Int).Int64() != 42 {
		t.Errorf("result 0 = %+v", results[0])
	}
	if results[1].Ok || results[1].Err == nil {
		t.Errorf("result 1 should be a failed entry: %+v", results[1])
	}
	if !results[2].Ok || results[2].Value.(*big.Int).Int64() != 7 {
		t.Errorf("result 2 = %+v", results[2])
	}
	if caller.gotTo[0] != mcAddr {
		t.Errorf("eth_call went to %s, want multicall contract", caller.gotTo[0])
	}
}

func TestExecutor_TransportFailure(t *testing.T) {
	transport := errors.New("connection refused")
	caller := &fakeCaller{responses: [][]byte{nil}, errs: []error{transport}}
	e := NewExecutor(caller, common.HexToAddress("0x11"), zerolog.Nop())

	_, err := e.ExecuteBatch(context.Background(), []batcher.ResolvedCall{
		valueCall(common.HexToAddress("0x22")),
	}, Options{})
	if !errors.Is(err, transport) {
		t.Fatalf("err = %v, want transport failure", err)
	}
}

func TestExecutor_BatchSizeSplitsRoundTrips(t *testing.T) {
	caller := &fakeCaller{responses: [][]byte{
		encodeResponse(t, []multicallResult{{Success: true, ReturnData: encodeUint(t, 1)}}),
		encodeResponse(t, []multicallResult{{Success: true, ReturnData: encodeUint(t, 2)}}),
	}}
	e := NewExecutor(caller, common.HexToAddress("0x11"), zerolog.Nop())

	target := common.HexToAddress("0x22")
	results, err := e.ExecuteBatch(context.Background(), []batcher.ResolvedCall{
		valueCall(target), valueCall(target),
	}, Options{BatchSize: 1})
	if err != nil {
		t.Fatalf("ExecuteBatch: %v", err)
	}
	if caller.calls != 2 {
		t.Errorf("round trips = %d, want 2", caller.calls)
	}
	if results[0].Value.(*big.Int).Int64() != 1 || results[1].Value.(*big.Int).Int64() != 2 {
		t.Errorf("results = %+v", results)
	}
}

func TestExecutor_PackFailureIsPerEntry(t *testing.T) {
	bad := batcher.ResolvedCall{
		Call: query.Call{Method: "missing", ABI: func() *abi.ABI { return &valueABI }},
		To:   common.HexToAddress("0x22"),
	}
	caller := &fakeCaller{responses: [][]byte{
		encodeResponse(t, []multicallResult{{Success: true, ReturnData: encodeUint(t, 5)}}),
	}}
	e := NewExecutor(caller, common.HexToAddress("0x11"), zerolog.Nop())

	results, err := e.ExecuteBatch(context.Background(), []batcher.ResolvedCall{
		bad, valueCall(common.HexToAddress("0x22")),
	}, Options{})
	if err != nil {
		t.Fatalf("ExecuteBatch: %v", err)
	}
	if results[0].Ok || results[0].Err == nil {
		t.Errorf("unpackable call not reported per entry: %+v", results[0])
	}
	if !results[1].Ok || results[1].Value.(*big.Int).Int64() != 5 {
		t.Errorf("neighbor affected by pack failure: %+v", results[1])
	}
}

func TestExecutor_Strict(t *testing.T) {
	caller := &fakeCaller{responses: [][]byte{
		encodeResponse(t, []multicallResult{{Success: true, ReturnData: encodeUint(t, 9)}}),
	}}
	e := NewExecutor(caller, common.HexToAddress("0x11"), zerolog.Nop())

	values, err := e.ExecuteStrict(context.Background(), []batcher.ResolvedCall{
		valueCall(common.HexToAddress("0x22")),
	}, Options{})
	if err != nil {
		t.Fatalf("ExecuteStrict: %v", err)
	}
	if values[0].(*big.Int).Int64() != 9 {
		t.Errorf("values = %+v", values)
	}

	caller = &fakeCaller{responses: [][]byte{
		encodeResponse(t, []multicallResult{{Success: false}}),
	}}
	e = NewExecutor(caller, common.HexToAddress("0x11"), zerolog.Nop())
	if _, err := e.ExecuteStrict(context.Background(), []batcher.ResolvedCall{
		valueCall(common.HexToAddress("0x22")),
	}, Options{}); err == nil {
		t.Fatal("ExecuteStrict accepted a failed entry")
	}
}
