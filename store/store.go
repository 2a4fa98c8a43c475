// Package store defines the shared circuit-breaker state contract: the Stats
// record persisted per service key, its canonical JSON form, and the watchable
// key/value interface breakers read and write through. Drivers live in the
// mem and etcd subpackages.
package store

import (
	"context"
	"errors"
)

// KeyPrefix is prepended to every service key before it reaches the backing
// store. Peers sharing a store must agree on it.
const KeyPrefix = "circuit-breaker/"

// Key returns the namespaced store key for a service key.
func Key(serviceKey string) string {
	return KeyPrefix + serviceKey
}

// ErrNotFound is returned by Get when no record exists for the key.
var ErrNotFound = errors.New("stats not found")

// WatchFunc receives the post-mutation record each time a key changes.
// Delivery is at-least-once and best-effort ordered; slow consumers observe
// coalesced updates rather than blocking the store.
type WatchFunc func(*Stats)

// CancelWatch detaches a watcher registered with Watch. Safe to call more
// than once.
type CancelWatch func()

// Store is the coordination-store interface breakers depend on. Keys are
// plain service keys; implementations apply the KeyPrefix namespace.
type Store interface {
	// Get is a point read. Returns ErrNotFound when the key is absent.
	Get(ctx context.Context, serviceKey string) (*Stats, error)

	// Put writes the record unconditionally.
	Put(ctx context.Context, serviceKey string, stats *Stats) error

	// IncrementFailureCount bumps failureCount, failedRequests, and
	// totalRequests, stamps lastFailureTime, and returns the new
	// failureCount. An absent key is materialized with those counters at 1.
	// Implementations backed by a CAS-capable store perform the
	// read-modify-write atomically.
	IncrementFailureCount(ctx context.Context, serviceKey string) (int, error)

	// Reset zeroes failureCount and clears lastFailureTime and lastError,
	// leaving the monotonic totals untouched.
	Reset(ctx context.Context, serviceKey string) error

	// Watch registers fn to run with the latest record whenever the key
	// changes.
	Watch(serviceKey string, fn WatchFunc) (CancelWatch, error)

	// Close releases watchers and connections.
	Close() error
}
