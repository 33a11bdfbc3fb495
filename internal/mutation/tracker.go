// Package mutation submits state-changing contract calls and reports their
// lifecycle back to the caller. Signing and transport are injected; this
// package only sequences the states and correlates them per submission.
package mutation

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Status is a lifecycle state of one submission.
type Status string

const (
	StatusSubmitted Status = "submitted" // accepted by the tracker
	StatusSigned    Status = "signed"    // signed and sent to the network
	StatusSuccess   Status = "success"   // mined successfully
	StatusError     Status = "error"     // failed at any stage
)

// Event is one lifecycle notification. ID is stable across all events of
// one submission.
type Event struct {
	ID     uuid.UUID
	Status Status
	TxHash common.Hash
	Err    error
}

// Write describes a state-changing contract call.
type Write struct {
	To     common.Address
	Method string
	Args   []interface{}
	Value  *big.Int
	ABI    func() *abi.ABI
}

// Sender signs and submits a transaction. Wallet mechanics live entirely
// behind this interface.
type Sender interface {
	SignAndSend(ctx context.Context, to common.Address, data []byte, value *big.Int) (common.Hash, error)
}

// ReceiptWaiter blocks until a transaction is mined and reports whether it
// succeeded.
type ReceiptWaiter interface {
	WaitMined(ctx context.Context, tx common.Hash) (bool, error)
}

// Tracker submits writes and walks each one through
// submitted -> signed -> success|error.
type Tracker struct {
	sender Sender
	waiter ReceiptWaiter
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// NewTracker creates a tracker over the given sender and receipt waiter.
func NewTracker(sender Sender, waiter ReceiptWaiter, logger zerolog.Logger) *Tracker {
	return &Tracker{
		sender: sender,
		waiter: waiter,
		logger: logger.With().Str("component", "mutation").Logger(),
	}
}

// Submit starts a submission and returns its correlation id immediately.
// The submitted event fires synchronously before Submit returns; the rest
// of the lifecycle is reported asynchronously through onEvent. onEvent is
// never called concurrently for one submission.
func (t *Tracker) Submit(ctx context.Context, w Write, onEvent func(Event)) uuid.UUID {
	id := uuid.New()
	onEvent(Event{ID: id, Status: StatusSubmitted})

	data, err := t.pack(w)
	if err != nil {
		t.logger.Error().Err(err).Str("id", id.String()).Msg("failed to pack write")
		onEvent(Event{ID: id, Status: StatusError, Err: err})
		return id
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.track(ctx, id, w, data, onEvent)
	}()
	return id
}

// Wait blocks until every in-flight submission has finished reporting.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

func (t *Tracker) pack(w Write) ([]byte, error) {
	if w.ABI == nil {
		return nil, fmt.Errorf("write %s has no ABI getter", w.Method)
	}
	contractABI := w.ABI()
	if contractABI == nil {
		return nil, fmt.Errorf("write %s: ABI getter returned nil", w.Method)
	}
	data, err := contractABI.Pack(w.Method, w.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", w.Method, err)
	}
	return data, nil
}

func (t *Tracker) track(ctx context.Context, id uuid.UUID, w Write, data []byte, onEvent func(Event)) {
	tx, err := t.sender.SignAndSend(ctx, w.To, data, w.Value)
	if err != nil {
		t.logger.Warn().Err(err).Str("id", id.String()).Str("method", w.Method).Msg("send failed")
		onEvent(Event{ID: id, Status: StatusError, Err: err})
		return
	}
	onEvent(Event{ID: id, Status: StatusSigned, TxHash: tx})

	mined, err := t.waiter.WaitMined(ctx, tx)
	if err != nil {
		onEvent(Event{ID: id, Status: StatusError, TxHash: tx, Err: err})
		return
	}
	if !mined {
		onEvent(Event{ID: id, Status: StatusError, TxHash: tx, Err: fmt.Errorf("transaction %s reverted", tx.Hex())})
		return
	}
	t.logger.Debug().Str("id", id.String()).Str("tx", tx.Hex()).Msg("mutation mined")
	onEvent(Event{ID: id, Status: StatusSuccess, TxHash: tx})
}
