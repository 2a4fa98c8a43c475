package circuit

import "errors"

var (
	// ErrCircuitOpen rejects a call because the circuit is open and the
	// cool-down has not elapsed. The protected function is not invoked.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrOverloaded rejects a call because the breaker already has
	// MaxConcurrent calls in flight.
	ErrOverloaded = errors.New("too many calls in flight")

	// ErrServiceTimeout reports that the per-call deadline elapsed before
	// the protected function returned.
	ErrServiceTimeout = errors.New("service timeout")

	// ErrAlreadyExists reports a duplicate group registration.
	ErrAlreadyExists = errors.New("service group already exists")

	// ErrUnknownService reports a lookup of an unregistered group name.
	ErrUnknownService = errors.New("unknown service")

	// ErrInvalidShard reports an out-of-range shard id.
	ErrInvalidShard = errors.New("invalid shard id")
)
