// Package circuit implements the distributed circuit breaker core: the
// three-state machine per service key, admission control with per-call
// timeouts and an in-flight cap, a sliding-window metrics calculator, and the
// composition of breakers into sharded service groups behind a factory.
// Persisted state lives in a store.Store shared across processes.
package circuit

import "github.com/dskow/circuitmesh/store"

// State re-exports the persisted circuit state for callers that only import
// this package.
type State = store.State

const (
	StateClosed   = store.StateClosed
	StateOpen     = store.StateOpen
	StateHalfOpen = store.StateHalfOpen
)

// stateValue maps a state onto the gauge scale used by the metrics package.
func stateValue(s State) float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}
