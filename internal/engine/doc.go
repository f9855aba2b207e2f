// Package engine dispatches calls onto a worker pool. Calls wait in a FIFO
// queue until any worker is free, so at most one call is in flight per
// worker. Each call resolves exactly once: with its result, with the error
// the worker reported, or with a cancellation. Calls can optionally be
// journaled to a store, and their custom messages fanned out to subscribers.
package engine
