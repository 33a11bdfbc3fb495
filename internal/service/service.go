// Package service wires the data-fetching stack together: an aggregation
// engine fed by registered queries, a multicall executor dispatching the
// merged batch, and a head watcher driving block-based refetching.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"multiquery/internal/batcher"
	"multiquery/internal/blockwatch"
	"multiquery/internal/config"
	"multiquery/internal/multicall"
	"multiquery/internal/mutation"
	"multiquery/internal/query"
	"multiquery/internal/scheduler"
)

const receiptPollInterval = 2 * time.Second

// BatchExecutor runs a set of resolved calls against the chain. Satisfied
// by multicall.Executor.
type BatchExecutor interface {
	ExecuteBatch(ctx context.Context, calls []batcher.ResolvedCall, opts multicall.Options) ([]query.CallResult, error)
}

// Service owns one engine instance and its collaborators. It is
// constructed explicitly and injected wherever queries are registered;
// there is no ambient shared instance.
type Service struct {
	cfg      *config.Config
	logger   zerolog.Logger
	client   *ethclient.Client
	engine   *batcher.Engine
	executor BatchExecutor
	resolver query.AddressResolver
	notifier *blockwatch.Notifier
	watcher  *blockwatch.HeadWatcher
	sched    *scheduler.BlockScheduler

	// Per-registration batch size caps, read by Dispatch when sizing the
	// multicall round trips.
	capMu sync.Mutex
	caps  map[int]int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Service from config. The network is not touched until
// Start.
func New(cfg *config.Config, logger zerolog.Logger) (*Service, error) {
	resolver := resolverFromConfig(cfg.Contracts)
	engine := batcher.NewEngine(logger)
	engine.SetResolver(resolver)

	notifier := blockwatch.NewNotifier(logger)
	watcher, err := blockwatch.NewHeadWatcher(
		cfg.WSURL,
		notifier,
		cfg.DedupCacheSize,
		cfg.GetUpstreamMessageTimeoutDuration(),
		cfg.GetUpstreamReconnectIntervalDuration(),
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create head watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:      cfg,
		logger:   logger.With().Str("component", "service").Logger(),
		engine:   engine,
		resolver: resolver,
		notifier: notifier,
		watcher:  watcher,
		caps:     make(map[int]int),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.sched = scheduler.NewBlockScheduler(cfg.BlocksPerFetch, engine.Refetch, logger)
	return s, nil
}

// Start connects to the node, plugs the dispatcher into the engine and
// begins watching the chain head.
func (s *Service) Start(ctx context.Context) error {
	client, err := ethclient.DialContext(ctx, s.cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", s.cfg.RPCURL, err)
	}
	s.client = client
	s.executor = multicall.NewExecutor(client, common.HexToAddress(s.cfg.MulticallAddress), s.logger)
	s.engine.SetDispatcher(s)
	s.watcher.Start()
	s.sched.Start(s.notifier)

	s.logger.Info().
		Str("rpc", s.cfg.RPCURL).
		Str("ws", s.cfg.WSURL).
		Str("multicall", s.cfg.MulticallAddress).
		Msg("service started")
	return nil
}

// Stop tears everything down: schedulers first so nothing new dispatches,
// then the watcher, then in-flight executions are awaited.
func (s *Service) Stop(ctx context.Context) error {
	s.sched.Stop()
	s.watcher.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("shutdown timed out waiting for in-flight batches")
		return ctx.Err()
	}

	if s.client != nil {
		s.client.Close()
	}
	s.logger.Info().Msg("service stopped")
	return nil
}

// Engine exposes the aggregation engine for direct registration.
func (s *Service) Engine() *batcher.Engine {
	return s.engine
}

// Notifier exposes the block change notifier.
func (s *Service) Notifier() *blockwatch.Notifier {
	return s.notifier
}

// NewTracker returns a mutation tracker whose receipts are awaited
// through the connected client. Signing and broadcasting stay behind the
// caller's sender.
func (s *Service) NewTracker(sender mutation.Sender) (*mutation.Tracker, error) {
	if s.client == nil {
		return nil, errors.New("service not started")
	}
	waiter := &receiptWaiter{source: s.client, interval: receiptPollInterval}
	return mutation.NewTracker(sender, waiter, s.logger), nil
}

// Dispatch implements batcher.Dispatcher: it runs the batch through the
// multicall executor asynchronously and feeds the outcome back into the
// engine tagged with the batch's version.
func (s *Service) Dispatch(batch *batcher.Batch) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.GetRequestTimeoutDuration())
		defer cancel()

		opts := multicall.Options{BatchSize: s.batchSizeFor(batch)}
		entries, err := s.executor.ExecuteBatch(ctx, batch.Calls, opts)
		if err != nil {
			s.logger.Warn().Err(err).Uint64("version", batch.Version).Msg("batch execution failed")
			s.engine.OnResult(batcher.Result{Err: err}, batch.Version)
			return
		}
		s.engine.OnResult(batcher.Result{Entries: entries}, batch.Version)
	}()
}

// batchSizeFor combines the global round-trip cap with the caps of every
// query contributing to the batch; the tightest one wins.
func (s *Service) batchSizeFor(batch *batcher.Batch) int {
	size := s.cfg.BatchSize
	s.capMu.Lock()
	for _, contrib := range batch.Contributions {
		if c, ok := s.caps[contrib.ID]; ok {
			size = tighterCap(size, c)
		}
	}
	s.capMu.Unlock()
	return size
}

// tighterCap returns the smaller of two round-trip caps, where zero means
// uncapped.
func tighterCap(a, b int) int {
	if b > 0 && (a == 0 || b < a) {
		return b
	}
	return a
}

// Watch registers a query and keeps delivering its keyed, merged values:
// defaults first, then each applied batch result folded over the previous
// values. Queries pinned to a historical block are served by a single
// fetch at that block instead of joining the shared latest-block batch.
// The returned stop function deregisters the query and releases the
// query's scheduler exactly once, no matter how often it is called.
func (s *Service) Watch(q *query.Query, opts query.Options, onValues func(values map[string]interface{}, failed bool, err error)) (func(), error) {
	if opts.Paused || q.Len() == 0 {
		// Nothing to fetch; the caller still gets the defaults.
		onValues(query.Defaults(q), false, nil)
		return func() {}, nil
	}
	if opts.BlockNumber != nil {
		return s.watchPinned(q, opts, onValues)
	}

	var mu sync.Mutex
	previous := query.Defaults(q)
	onValues(previous, false, nil)

	// The cap is recorded under the same lock Dispatch reads it, so the
	// dispatch triggered by Register already sees this query's cap.
	s.capMu.Lock()
	id, err := s.engine.Register(q, func(upd query.Update) {
		// Delivery stays inside the lock so a slow consumer cannot see
		// merged states out of order.
		mu.Lock()
		merged := query.MergeResult(q, upd, previous)
		previous = merged
		onValues(merged, upd.Failed, upd.Err)
		mu.Unlock()
	})
	if err != nil {
		s.capMu.Unlock()
		return nil, err
	}
	if opts.BatchSize > 0 {
		s.caps[id] = opts.BatchSize
	}
	s.capMu.Unlock()

	var blockSched *scheduler.BlockScheduler
	var pollSched *scheduler.PollScheduler
	switch {
	case opts.WatchBlocks():
		blockSched = scheduler.NewBlockScheduler(opts.Cadence(), s.engine.Refetch, s.logger)
		blockSched.Start(s.notifier)
	case opts.PollInterval > 0 && !opts.Static:
		pollSched = scheduler.NewPollScheduler(opts.PollInterval, s.engine.Refetch, s.logger)
		pollSched.Start()
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			if blockSched != nil {
				blockSched.Stop()
			}
			if pollSched != nil {
				pollSched.Stop()
			}
			s.engine.Deregister(id)
			s.capMu.Lock()
			delete(s.caps, id)
			s.capMu.Unlock()
		})
	}
	return stop, nil
}

// watchPinned fetches a query once at its pinned block. Pinned data is
// immutable, so there is nothing to keep watching afterwards: the caller
// gets defaults, then the fetched values, and the stop function merely
// abandons a fetch still in flight.
func (s *Service) watchPinned(q *query.Query, opts query.Options, onValues func(values map[string]interface{}, failed bool, err error)) (func(), error) {
	if s.executor == nil {
		return nil, errors.New("service not started")
	}
	calls, err := s.resolveCalls(q)
	if err != nil {
		return nil, err
	}

	defaults := query.Defaults(q)
	onValues(defaults, false, nil)

	ctx, cancel := context.WithCancel(s.ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		fetchCtx, fetchCancel := context.WithTimeout(ctx, s.cfg.GetRequestTimeoutDuration())
		defer fetchCancel()

		entries, err := s.executor.ExecuteBatch(fetchCtx, calls, multicall.Options{
			BlockNumber: opts.BlockNumber,
			BatchSize:   tighterCap(s.cfg.BatchSize, opts.BatchSize),
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("block", opts.BlockNumber.String()).Msg("pinned fetch failed")
			onValues(defaults, true, err)
			return
		}
		upd := updateFromEntries(entries)
		onValues(query.MergeResult(q, upd, defaults), upd.Failed, upd.Err)
	}()
	return cancel, nil
}

// resolveCalls resolves each call's target the same way the engine does
// when building the shared batch.
func (s *Service) resolveCalls(q *query.Query) ([]batcher.ResolvedCall, error) {
	calls := make([]batcher.ResolvedCall, 0, q.Len())
	for _, c := range q.Calls() {
		to, err := c.ResolveTarget(s.resolver)
		if err != nil {
			return nil, err
		}
		calls = append(calls, batcher.ResolvedCall{Call: c, To: to})
	}
	return calls, nil
}

// updateFromEntries wraps positional entries into an update, flagging the
// first failed entry the way the engine does for batch results.
func updateFromEntries(entries []query.CallResult) query.Update {
	upd := query.Update{Results: entries}
	for _, entry := range entries {
		if !entry.Ok {
			upd.Failed = true
			upd.Err = entry.Err
			break
		}
	}
	return upd
}

// receiptWaiter polls the client for a transaction receipt until it lands
// or the context ends.
type receiptWaiter struct {
	source   receiptSource
	interval time.Duration
}

// receiptSource is the client surface the waiter polls; satisfied by
// ethclient.Client.
type receiptSource interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

func (w *receiptWaiter) WaitMined(ctx context.Context, tx common.Hash) (bool, error) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		receipt, err := w.source.TransactionReceipt(ctx, tx)
		if err == nil {
			return receipt.Status == types.ReceiptStatusSuccessful, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return false, fmt.Errorf("failed to fetch receipt for %s: %w", tx.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// resolverFromConfig builds the engine's address resolver from the
// configured name-to-address table.
func resolverFromConfig(contracts map[string]string) query.AddressResolver {
	if len(contracts) == 0 {
		return nil
	}
	table := make(map[string]common.Address, len(contracts))
	for name, addr := range contracts {
		table[name] = common.HexToAddress(addr)
	}
	return func(contract string) (common.Address, bool) {
		addr, ok := table[contract]
		return addr, ok
	}
}
