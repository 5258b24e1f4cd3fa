// Package store holds the canonical traffic state for one signal
// installation: the four lanes, the currently green lane and the time of the
// last lane mutation.
//
// Store is the only path through which other components observe or mutate
// that state. Every method takes the internal lock, so callers never need
// their own locking, and Get always returns a consistent copy. The store does
// not publish anything; callers publish after mutating so that a batch of
// lane updates can be announced once.
package store
