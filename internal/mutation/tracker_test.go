package mutation

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

const setterABIString = `[{"inputs":[{"name":"value","type":"uint256"}],"name":"setValue","outputs":[],"stateMutability":"nonpayable","type":"function"}]`

var setterABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(setterABIString))
	if err != nil {
		panic(err)
	}
	setterABI = parsed
}

type fakeSender struct {
	hash common.Hash
	err  error
}

func (s *fakeSender) SignAndSend(ctx context.Context, to common.Address, data []byte, value *big.Int) (common.Hash, error) {
	return s.hash, s.err
}

type fakeWaiter struct {
	mined bool
	err   error
}

func (w *fakeWaiter) WaitMined(ctx context.Context, tx common.Hash) (bool, error) {
	return w.mined, w.err
}

func testWrite() Write {
	return Write{
		To:     common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Method: "setValue",
		Args:   []interface{}{big.NewInt(7)},
		ABI:    func() *abi.ABI { return &setterABI },
	}
}

func collectEvents(t *testing.T, tr *Tracker, w Write) []Event {
	t.Helper()
	events := make(chan Event, 8)
	id := tr.Submit(context.Background(), w, func(e Event) {
		events <- e
	})
	tr.Wait()
	close(events)

	var got []Event
	for e := range events {
		if e.ID != id {
			t.Errorf("event carried id %s, want %s", e.ID, id)
		}
		got = append(got, e)
	}
	return got
}

func TestTracker_SuccessLifecycle(t *testing.T) {
	txHash := common.HexToHash("0x01")
	tr := NewTracker(&fakeSender{hash: txHash}, &fakeWaiter{mined: true}, zerolog.Nop())

	got := collectEvents(t, tr, testWrite())
	want := []Status{StatusSubmitted, StatusSigned, StatusSuccess}
	if len(got) != len(want) {
		t.Fatalf("events = %+v, want statuses %v", got, want)
	}
	for i, status := range want {
		if got[i].Status != status {
			t.Fatalf("event %d status = %s, want %s", i, got[i].Status, status)
		}
	}
	if got[1].TxHash != txHash || got[2].TxHash != txHash {
		t.Errorf("tx hash not carried through: %+v", got)
	}
}

func TestTracker_SendFailure(t *testing.T) {
	sendErr := errors.New("nonce too low")
	tr := NewTracker(&fakeSender{err: sendErr}, &fakeWaiter{}, zerolog.Nop())

	got := collectEvents(t, tr, testWrite())
	if len(got) != 2 || got[0].Status != StatusSubmitted || got[1].Status != StatusError {
		t.Fatalf("events = %+v", got)
	}
	if !errors.Is(got[1].Err, sendErr) {
		t.Errorf("error not propagated: %v", got[1].Err)
	}
}

func TestTracker_RevertedTransaction(t *testing.T) {
	tr := NewTracker(&fakeSender{hash: common.HexToHash("0x02")}, &fakeWaiter{mined: false}, zerolog.Nop())

	got := collectEvents(t, tr, testWrite())
	if len(got) != 3 || got[2].Status != StatusError {
		t.Fatalf("events = %+v", got)
	}
	if got[2].Err == nil {
		t.Error("revert reported without error")
	}
}

func TestTracker_PackFailure(t *testing.T) {
	tr := NewTracker(&fakeSender{}, &fakeWaiter{}, zerolog.Nop())

	w := testWrite()
	w.Args = []interface{}{"not a number"}
	got := collectEvents(t, tr, w)
	if len(got) != 2 || got[1].Status != StatusError {
		t.Fatalf("events = %+v", got)
	}
}

func TestTracker_DistinctCorrelationIDs(t *testing.T) {
	tr := NewTracker(&fakeSender{hash: common.HexToHash("0x03")}, &fakeWaiter{mined: true}, zerolog.Nop())

	id1 := tr.Submit(context.Background(), testWrite(), func(Event) {})
	id2 := tr.Submit(context.Background(), testWrite(), func(Event) {})
	tr.Wait()
	if id1 == id2 {
		t.Error("two submissions shared a correlation id")
	}
}
