package circuit

import "time"

// Default option values, applied by withDefaults for any field left at zero.
const (
	DefaultFailureThreshold   = 5
	DefaultResetTimeout       = 60 * time.Second
	DefaultHalfOpenRetryLimit = 1
	DefaultMonitorInterval    = 30 * time.Second
	DefaultServiceTimeout     = 5 * time.Second
	DefaultMaxConcurrent      = 10_000
)

// Options configures a single breaker. Options are immutable once a breaker
// is constructed.
type Options struct {
	// FailureThreshold is the number of consecutive failures in the closed
	// state that trips the circuit open.
	FailureThreshold int

	// ResetTimeout is the minimum time spent open before a transition to
	// half-open is considered.
	ResetTimeout time.Duration

	// HalfOpenRetryLimit is the number of trial calls admitted while
	// half-open. The present state machine treats the first outcome as
	// decisive; the option is reserved for a future multi-probe quorum.
	HalfOpenRetryLimit int

	// MonitorInterval is the upper bound on health-check cadence. The
	// actual period is min(MonitorInterval, ResetTimeout/2) so open
	// circuits are observed promptly.
	MonitorInterval time.Duration

	// ServiceTimeout is the per-call deadline. Zero selects the default;
	// a negative value disables the deadline entirely.
	ServiceTimeout time.Duration

	// MaxConcurrent caps in-flight calls per breaker instance.
	MaxConcurrent int64
}

// DefaultOptions returns a fully populated Options.
func DefaultOptions() Options {
	return Options{
		FailureThreshold:   DefaultFailureThreshold,
		ResetTimeout:       DefaultResetTimeout,
		HalfOpenRetryLimit: DefaultHalfOpenRetryLimit,
		MonitorInterval:    DefaultMonitorInterval,
		ServiceTimeout:     DefaultServiceTimeout,
		MaxConcurrent:      DefaultMaxConcurrent,
	}
}

// withDefaults fills zero fields and clamps nonsensical values.
func (o Options) withDefaults() Options {
	if o.FailureThreshold < 1 {
		o.FailureThreshold = DefaultFailureThreshold
	}
	if o.ResetTimeout <= 0 {
		o.ResetTimeout = DefaultResetTimeout
	}
	if o.HalfOpenRetryLimit < 1 {
		o.HalfOpenRetryLimit = DefaultHalfOpenRetryLimit
	}
	if o.MonitorInterval <= 0 {
		o.MonitorInterval = DefaultMonitorInterval
	}
	if o.ServiceTimeout == 0 {
		o.ServiceTimeout = DefaultServiceTimeout
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = DefaultMaxConcurrent
	}
	return o
}

// healthCheckPeriod returns the effective health-check cadence.
func (o Options) healthCheckPeriod() time.Duration {
	period := o.MonitorInterval
	if half := o.ResetTimeout / 2; half < period {
		period = half
	}
	if period < 10*time.Millisecond {
		period = 10 * time.Millisecond
	}
	return period
}
