// Package batcher coalesces contract read queries into one multicall batch.
//
// Callers register named collections of calls from anywhere in the
// application; the engine merges every active collection into a single flat
// ordered call array, versions each merge, and hands the merged batch to a
// dispatcher for one remote round trip. When the positional result comes
// back it is sliced by each query's contribution count and delivered to the
// query's own callback.
//
// Registrations change continuously while dispatches are in flight, so a
// result is applied only when its version and shape still match the batch
// that is current at arrival time. A mismatch means the batch changed
// underneath the dispatch; the stale result is dropped rather than
// delivered misaligned.
package batcher
