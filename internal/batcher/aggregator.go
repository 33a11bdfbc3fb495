package batcher

import (
	"sync"

	"github.com/rs/zerolog"

	"multiquery/internal/query"
)

// Dispatcher receives committed batches for execution. The engine calls it
// after releasing its own lock; implementations are expected to run the
// remote round trip asynchronously and hand the outcome back through
// OnResult with the batch's version.
type Dispatcher interface {
	Dispatch(batch *Batch)
}

// Callback receives this query's slice of each applied batch result.
type Callback func(upd query.Update)

type registration struct {
	query    *query.Query
	callback Callback
}

// Engine aggregates all active queries into one versioned batch. Queries
// register and deregister continuously; every membership change rebuilds
// the batch from scratch, bumps the version, and notifies the dispatcher
// only when the rebuilt batch actually differs. Results are applied only
// when their version and shape still match the current batch, so a dispatch
// that was superseded mid-flight is silently discarded instead of being
// delivered misaligned.
//
// Engines are constructed explicitly and injected; there is no package
// level instance.
type Engine struct {
	mu         sync.Mutex
	regs       map[int]*registration
	order      []int // registration order; ids are never reused
	nextID     int
	version    uint64
	batch      *Batch
	resolver   query.AddressResolver
	dispatcher Dispatcher
	logger     zerolog.Logger
}

// NewEngine creates an aggregation engine.
func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{
		regs:   make(map[int]*registration),
		nextID: 1,
		logger: logger.With().Str("component", "batcher").Logger(),
	}
}

// SetDispatcher sets the downstream dispatcher.
func (e *Engine) SetDispatcher(d Dispatcher) {
	e.mu.Lock()
	e.dispatcher = d
	e.mu.Unlock()
}

// SetResolver replaces the contract-name address resolver and recomputes
// the batch. If the new resolver leaves some registered call without any
// resolvable address the previous batch is kept and the error is logged;
// that situation is a caller configuration error.
func (e *Engine) SetResolver(r query.AddressResolver) {
	e.mu.Lock()
	e.resolver = r
	candidate, err := e.recomputeLocked()
	d := e.dispatcher
	e.mu.Unlock()

	if err != nil {
		e.logger.Error().Err(err).Msg("resolver change left a registered call unresolvable")
		return
	}
	e.dispatch(candidate, d)
}

// Register adds a query and returns its id for later deregistration. The
// query has been folded into the latest batch by the time Register returns.
// An error is returned only when some call has no resolvable address; the
// query is not retained in that case.
func (e *Engine) Register(q *query.Query, callback Callback) (int, error) {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.regs[id] = &registration{query: q, callback: callback}
	e.order = append(e.order, id)

	candidate, err := e.recomputeLocked()
	if err != nil {
		delete(e.regs, id)
		e.order = e.order[:len(e.order)-1]
		e.mu.Unlock()
		return 0, err
	}
	d := e.dispatcher
	e.mu.Unlock()

	e.logger.Debug().Int("id", id).Int("calls", q.Len()).Msg("query registered")
	e.dispatch(candidate, d)
	return id, nil
}

// Deregister removes a query. Removing an unknown id is a no-op; cleanup
// is allowed to race with result processing.
func (e *Engine) Deregister(id int) {
	e.mu.Lock()
	if _, exists := e.regs[id]; !exists {
		e.mu.Unlock()
		return
	}
	delete(e.regs, id)
	for i, other := range e.order {
		if other == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}

	candidate, err := e.recomputeLocked()
	d := e.dispatcher
	e.mu.Unlock()

	if err != nil {
		// Can only happen if a resolver change already broke resolution;
		// the previous batch stays in place.
		e.logger.Error().Err(err).Int("id", id).Msg("recompute failed after deregistration")
		return
	}
	e.logger.Debug().Int("id", id).Msg("query deregistered")
	e.dispatch(candidate, d)
}

// Version returns the recomputation counter. It advances on every
// register, deregister and resolver change, including ones that leave the
// batch unchanged.
func (e *Engine) Version() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

// Current returns the committed batch, or nil before the first commit.
// The returned batch is immutable.
func (e *Engine) Current() *Batch {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.batch
}

// Refetch re-dispatches the current batch. Used by refetch schedulers and
// pollers; a no-op when the batch is empty.
func (e *Engine) Refetch() {
	e.mu.Lock()
	b := e.batch
	d := e.dispatcher
	e.mu.Unlock()
	e.dispatch(b, d)
}

// recomputeLocked rebuilds the batch from the full active set. Returns the
// newly committed batch, or nil when the rebuilt batch equals the current
// one. The version counter advances either way. Caller holds e.mu.
func (e *Engine) recomputeLocked() (*Batch, error) {
	e.version++
	v := e.version

	var calls []ResolvedCall
	var contribs []Contribution
	for _, id := range e.order {
		reg := e.regs[id]
		count := 0
		for _, c := range reg.query.Calls() {
			to, err := c.ResolveTarget(e.resolver)
			if err != nil {
				return nil, err
			}
			calls = append(calls, ResolvedCall{Call: c, To: to})
			count++
		}
		if count > 0 {
			contribs = append(contribs, Contribution{ID: id, Count: count})
		}
	}

	candidate := &Batch{Version: v, Calls: calls, Contributions: contribs}
	if candidate.Equal(e.batch) {
		return nil, nil
	}
	// Guard against a newer recomputation having landed between building
	// and committing the candidate. Unreachable while recomputation stays
	// synchronous under the lock, but the commit must stay guarded.
	if v != e.version {
		return nil, nil
	}
	e.batch = candidate
	return candidate, nil
}

// dispatch hands a freshly committed batch to the dispatcher. Empty
// batches are not dispatched: a query set that aggregates to zero calls
// means "nothing to fetch".
func (e *Engine) dispatch(b *Batch, d Dispatcher) {
	if b == nil || d == nil || len(b.Calls) == 0 {
		return
	}
	e.logger.Debug().
		Uint64("version", b.Version).
		Int("calls", len(b.Calls)).
		Int("queries", len(b.Contributions)).
		Msg("dispatching batch")
	d.Dispatch(b)
}

// OnResult applies a completed execution previously dispatched with the
// given version. The result is applied only when it is not loading, its
// version matches the current batch, and (for data-bearing results) its
// entry count matches the current batch's call count; anything else is
// dropped silently — a fresher dispatch supersedes it, or the requests
// were withdrawn. Both the version and the length check are required.
func (e *Engine) OnResult(res Result, version uint64) {
	type delivery struct {
		callback Callback
		upd      query.Update
	}

	e.mu.Lock()
	b := e.batch
	if b == nil || version != b.Version || res.Loading {
		e.mu.Unlock()
		e.logger.Debug().Uint64("version", version).Msg("dropping stale or loading result")
		return
	}

	var deliveries []delivery
	if res.Err != nil {
		// Transport failure for the whole batch: every still-active
		// contributing query learns about it; data stays at whatever the
		// caller last saw.
		for _, contrib := range b.Contributions {
			reg, active := e.regs[contrib.ID]
			if !active {
				continue
			}
			deliveries = append(deliveries, delivery{
				callback: reg.callback,
				upd:      query.Update{Failed: true, Err: res.Err},
			})
		}
	} else {
		if len(res.Entries) != len(b.Calls) {
			e.mu.Unlock()
			e.logger.Debug().
				Uint64("version", version).
				Int("expected", len(b.Calls)).
				Int("got", len(res.Entries)).
				Msg("dropping misshapen result")
			return
		}
		// Walk the batch's own contribution order; the offset advances for
		// every contribution whether or not its query is still active, so
		// the slices stay aligned with the positions the calls occupied.
		offset := 0
		for _, contrib := range b.Contributions {
			slice := res.Entries[offset : offset+contrib.Count]
			offset += contrib.Count
			reg, active := e.regs[contrib.ID]
			if !active {
				continue
			}
			upd := query.Update{Results: slice}
			for _, entry := range slice {
				if !entry.Ok {
					upd.Failed = true
					upd.Err = entry.Err
					break
				}
			}
			deliveries = append(deliveries, delivery{callback: reg.callback, upd: upd})
		}
	}
	e.mu.Unlock()

	for _, d := range deliveries {
		if d.callback != nil {
			d.callback(d.upd)
		}
	}
}
