package circuit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dskow/circuitmesh/internal/metrics"
	"github.com/dskow/circuitmesh/store"
)

// storeOpTimeout bounds bookkeeping writes that run outside the caller's
// deadline (health ticks, post-timeout accounting).
const storeOpTimeout = 5 * time.Second

// Thunk is the protected call. It must respect ctx cancellation; when the
// service deadline elapses first, the thunk's eventual completion is ignored.
type Thunk func(ctx context.Context) (any, error)

// Breaker is the state machine and admission controller for one service key.
// Persisted stats live in the store and are shared with every other breaker
// instance watching the same key; the metrics window, active-call set, and
// event subscribers are local to this instance. Stop does not clear them.
type Breaker struct {
	service string
	st      store.Store
	opts    Options
	logger  *slog.Logger

	events *dispatcher
	win    *window
	sem    *semaphore.Weighted

	mu     sync.Mutex
	active map[uint64]time.Time
	nextID uint64

	// cached is the last record successfully read or written. Execute
	// falls back to it when the store is unreachable.
	cached atomic.Pointer[store.Stats]

	// halfOpenProbes counts calls admitted while half-open; it gates
	// admission at HalfOpenRetryLimit until a transition decides the
	// probe outcome.
	halfOpenProbes atomic.Int32

	// transitionMu serializes state transitions for this instance so a
	// racing health tick and admission converge on one transition.
	transitionMu sync.Mutex

	stopOnce    sync.Once
	stopCh      chan struct{}
	cancelWatch store.CancelWatch
}

// NewBreaker builds a breaker for the service key and starts its health-check
// and metrics loops. Stop must be called to release them.
func NewBreaker(service string, st store.Store, opts Options, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()

	b := &Breaker{
		service: service,
		st:      st,
		opts:    opts,
		logger:  logger,
		events:  newDispatcher(),
		win:     newWindow(),
		sem:     semaphore.NewWeighted(opts.MaxConcurrent),
		active:  make(map[uint64]time.Time),
		stopCh:  make(chan struct{}),
	}

	cancel, err := st.Watch(service, b.onStoreUpdate)
	if err != nil {
		logger.Error("store watch failed, continuing without updates",
			"service", service, "error", err)
	} else {
		b.cancelWatch = cancel
	}

	go b.healthLoop()
	go b.metricsLoop()
	return b
}

// Service returns the breaker's service key.
func (b *Breaker) Service() string {
	return b.service
}

// Options returns the effective (defaulted) options.
func (b *Breaker) Options() Options {
	return b.opts
}

// Execute runs fn under the breaker's admission control. It rejects with
// ErrCircuitOpen or ErrOverloaded without invoking fn, races fn against the
// service deadline, records exactly one outcome per invocation, and returns
// fn's result or error verbatim.
func (b *Breaker) Execute(ctx context.Context, fn Thunk) (any, error) {
	stats := b.loadStats(ctx)

	if stats.State == StateOpen {
		if coolDownElapsed(stats, b.opts.ResetTimeout, time.Now()) {
			b.transitionTo(ctx, StateHalfOpen, nil)
			stats = b.loadStats(ctx)
		}
		if stats.State == StateOpen {
			b.reject(ErrCircuitOpen, "open", stats)
			return nil, ErrCircuitOpen
		}
	}

	if !b.sem.TryAcquire(1) {
		b.reject(ErrOverloaded, "overloaded", stats)
		return nil, ErrOverloaded
	}

	if stats.State == StateHalfOpen {
		if b.halfOpenProbes.Add(1) > int32(b.opts.HalfOpenRetryLimit) {
			b.halfOpenProbes.Add(-1)
			b.sem.Release(1)
			b.reject(ErrCircuitOpen, "open", stats)
			return nil, ErrCircuitOpen
		}
	}

	id := b.register()
	start := time.Now()

	callCtx := ctx
	cancel := func() {}
	if b.opts.ServiceTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.opts.ServiceTimeout)
	}
	defer cancel()

	type result struct {
		val any
		err error
	}
	done := make(chan result, 1)
	go func() {
		val, err := fn(callCtx)
		done <- result{val, err}
	}()

	select {
	case r := <-done:
		elapsed := time.Since(start)
		if r.err != nil {
			b.recordFailure(ctx, id, r.err, elapsed, false)
			return nil, r.err
		}
		b.recordSuccess(ctx, id, elapsed)
		return r.val, nil

	case <-callCtx.Done():
		elapsed := time.Since(start)
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			b.recordFailure(ctx, id, ErrServiceTimeout, elapsed, true)
			return nil, ErrServiceTimeout
		}
		// Caller cancellation still counts as a failed call.
		err := ctx.Err()
		b.recordFailure(ctx, id, err, elapsed, false)
		return nil, err
	}
}

// Stats reads the persisted record for this service key.
func (b *Breaker) Stats(ctx context.Context) (*store.Stats, error) {
	return b.st.Get(ctx, b.service)
}

// State returns the current persisted state, falling back to the cached view
// when the store is unreachable.
func (b *Breaker) State(ctx context.Context) State {
	s, err := b.st.Get(ctx, b.service)
	if err != nil {
		if cached := b.cached.Load(); cached != nil {
			return cached.State
		}
		return StateClosed
	}
	b.cached.Store(s)
	return s.State
}

// Metrics snapshots the in-memory window.
func (b *Breaker) Metrics() Metrics {
	return b.win.snapshot(b.service, b.activeCount(), time.Now())
}

// Subscribe registers a listener for the event kind and returns a handle for
// Unsubscribe.
func (b *Breaker) Subscribe(ev Event, fn Listener) int {
	return b.events.subscribe(ev, fn)
}

// Unsubscribe detaches a listener registered with Subscribe.
func (b *Breaker) Unsubscribe(ev Event, id int) {
	b.events.unsubscribe(ev, id)
}

// Stop halts the health-check and metrics loops and detaches the store
// watch. Idempotent. Persisted stats are left untouched.
func (b *Breaker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		if b.cancelWatch != nil {
			b.cancelWatch()
		}
	})
}

func (b *Breaker) onStoreUpdate(s *store.Stats) {
	b.cached.Store(s.Clone())
	b.events.emit(EventStateUpdate, StatsEvent{Service: b.service, Stats: s})
}

// loadStats reads the record, materializing a fresh one on first access. A
// store failure is logged and the last-known view returned; it never turns
// into a call failure.
func (b *Breaker) loadStats(ctx context.Context) *store.Stats {
	s, err := b.st.Get(ctx, b.service)
	switch {
	case err == nil:
		b.cached.Store(s.Clone())
		return s
	case errors.Is(err, store.ErrNotFound):
		fresh := store.NewStats(time.Now())
		if perr := b.st.Put(ctx, b.service, fresh); perr != nil {
			b.storeError("put", perr)
		}
		b.cached.Store(fresh.Clone())
		return fresh
	default:
		b.storeError("get", err)
		if cached := b.cached.Load(); cached != nil {
			return cached.Clone()
		}
		return store.NewStats(time.Now())
	}
}

func (b *Breaker) reject(cause error, reason string, stats *store.Stats) {
	metrics.Rejections.WithLabelValues(b.service, reason).Inc()
	b.events.emit(EventRejected, FailureEvent{Service: b.service, Err: cause, Stats: stats})
}

// register adds the call to the active set and the rate window.
func (b *Breaker) register() uint64 {
	now := time.Now()
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.active[id] = now
	load := len(b.active)
	b.mu.Unlock()

	b.win.recordRequest(now)
	metrics.InFlight.WithLabelValues(b.service).Set(float64(load))
	return id
}

// release removes the call from the active set, returning false if it was
// already released. The first claimant records the outcome; a late completion
// after a timeout finds its id gone and is ignored.
func (b *Breaker) release(id uint64) bool {
	b.mu.Lock()
	_, ok := b.active[id]
	if ok {
		delete(b.active, id)
	}
	load := len(b.active)
	b.mu.Unlock()

	if ok {
		b.sem.Release(1)
		metrics.InFlight.WithLabelValues(b.service).Set(float64(load))
	}
	return ok
}

func (b *Breaker) activeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.active)
}

func (b *Breaker) recordSuccess(ctx context.Context, id uint64, elapsed time.Duration) {
	if !b.release(id) {
		return
	}
	now := time.Now()
	b.win.recordResponse(elapsed)
	metrics.CallDuration.WithLabelValues(b.service, "success").Observe(elapsed.Seconds())

	bctx, cancel := bookkeepingContext(ctx)
	defer cancel()

	stats := b.loadStats(bctx)
	stats.SuccessfulRequests++
	stats.TotalRequests++
	stats.LastSuccessTime = &now
	stats.LastUpdateTime = &now
	stats.CurrentLoad = b.activeCount()
	stats.AverageResponseTime = b.win.averageResponse()
	if err := b.st.Put(bctx, b.service, stats); err != nil {
		b.storeError("put", err)
	} else {
		b.cached.Store(stats.Clone())
	}

	if stats.State == StateHalfOpen {
		b.transitionTo(bctx, StateClosed, nil)
	}

	b.events.emit(EventSuccess, SuccessEvent{Service: b.service, ResponseTime: elapsed, Stats: stats})
	b.emitMetrics()
}

func (b *Breaker) recordFailure(ctx context.Context, id uint64, cause error, elapsed time.Duration, timedOut bool) {
	if !b.release(id) {
		return
	}
	now := time.Now()
	b.win.recordError(now)
	b.win.recordResponse(elapsed)
	outcome := "failure"
	if timedOut {
		outcome = "timeout"
	}
	metrics.CallDuration.WithLabelValues(b.service, outcome).Observe(elapsed.Seconds())

	bctx, cancel := bookkeepingContext(ctx)
	defer cancel()

	state := b.loadStats(bctx).State

	count, err := b.st.IncrementFailureCount(bctx, b.service)
	if err != nil {
		b.storeError("increment", err)
		// Fall back to one more than the last-known failure count so the
		// trip check still runs; the cached view itself is not advanced.
		count = 1
		if cached := b.cached.Load(); cached != nil {
			count = cached.FailureCount + 1
		}
	}

	tripped := false
	if state == StateHalfOpen || count >= b.opts.FailureThreshold {
		tripped = b.transitionTo(bctx, StateOpen, cause)
	}
	if !tripped {
		b.recordLastError(bctx, cause)
	}

	stats := b.loadStats(bctx)
	if timedOut {
		b.events.emit(EventTimeout, FailureEvent{Service: b.service, Err: cause, Stats: stats})
	}
	b.events.emit(EventFailure, FailureEvent{Service: b.service, Err: cause, Stats: stats})
	if tripped {
		b.events.emit(EventCircuitOpen, FailureEvent{Service: b.service, Err: cause, Stats: stats})
	}
	b.emitMetrics()
}

// recordLastError stamps the failure message on the record for failures that
// did not trip the circuit (a trip writes it as part of the transition).
func (b *Breaker) recordLastError(ctx context.Context, cause error) {
	s, err := b.st.Get(ctx, b.service)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			b.storeError("get", err)
		}
		return
	}
	now := time.Now()
	s.LastError = cause.Error()
	s.LastUpdateTime = &now
	if err := b.st.Put(ctx, b.service, s); err != nil {
		b.storeError("put", err)
		return
	}
	b.cached.Store(s.Clone())
}

// transitionTo moves the persisted state to target. The record is re-read
// under the transition lock so racing triggers (admission and health tick)
// collapse into a single transition; a target equal to the persisted state is
// a no-op that emits nothing. Returns whether the transition was persisted.
func (b *Breaker) transitionTo(ctx context.Context, target State, cause error) bool {
	b.transitionMu.Lock()
	defer b.transitionMu.Unlock()

	stats, err := b.st.Get(ctx, b.service)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			b.storeError("get", err)
			return false
		}
		stats = store.NewStats(time.Now())
	}
	if stats.State == target {
		return false
	}

	from := stats.State
	now := time.Now()
	switch target {
	case StateOpen:
		stats.FailureCount = b.opts.FailureThreshold
		stats.LastFailureTime = &now
		if cause != nil {
			stats.LastError = cause.Error()
		}
	case StateHalfOpen:
		stats.FailureCount = 0
	case StateClosed:
		stats.FailureCount = 0
		stats.LastSuccessTime = &now
	}
	stats.State = target
	stats.LastUpdateTime = &now

	if err := b.st.Put(ctx, b.service, stats); err != nil {
		// Subscribers must never observe a state that is not persisted.
		b.storeError("put", err)
		return false
	}
	b.cached.Store(stats.Clone())
	b.halfOpenProbes.Store(0)

	metrics.StateChanges.WithLabelValues(b.service, string(from), string(target)).Inc()
	metrics.BreakerState.WithLabelValues(b.service).Set(stateValue(target))
	b.logger.Info("circuit state change",
		"service", b.service, "from", string(from), "to", string(target))
	b.events.emit(EventStateChange, StateChangeEvent{Service: b.service, From: from, To: target})
	return true
}

func (b *Breaker) healthLoop() {
	ticker := time.NewTicker(b.opts.healthCheckPeriod())
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.healthCheck()
		}
	}
}

// healthCheck drives the time-based open→half-open transition independently
// of request traffic and writes the advisory fields back.
func (b *Breaker) healthCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()

	s, err := b.st.Get(ctx, b.service)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			b.storeError("get", err)
		}
		return
	}
	b.cached.Store(s.Clone())

	now := time.Now()
	if s.State == StateOpen && coolDownElapsed(s, b.opts.ResetTimeout, now) {
		b.transitionTo(ctx, StateHalfOpen, nil)
		return
	}

	load := b.activeCount()
	snap := b.win.snapshot(b.service, load, now)
	s.CurrentLoad = load
	s.AverageResponseTime = snap.AverageResponseTime
	s.LastMinuteRequests = int64(snap.LastMinute.Total)
	s.LastUpdateTime = &now
	if err := b.st.Put(ctx, b.service, s); err != nil {
		b.storeError("put", err)
		return
	}
	b.cached.Store(s.Clone())

	metrics.BreakerState.WithLabelValues(b.service).Set(stateValue(s.State))
	b.events.emit(EventHealthCheck, StatsEvent{Service: b.service, Stats: s})
}

func (b *Breaker) metricsLoop() {
	ticker := time.NewTicker(metricsTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.emitMetrics()
		}
	}
}

func (b *Breaker) emitMetrics() {
	b.events.emit(EventMetrics, b.Metrics())
}

func (b *Breaker) storeError(op string, err error) {
	metrics.StoreErrors.WithLabelValues(op).Inc()
	b.logger.Error("store operation failed", "service", b.service, "op", op, "error", err)
}

func coolDownElapsed(s *store.Stats, resetTimeout time.Duration, now time.Time) bool {
	return s.LastFailureTime != nil && now.Sub(*s.LastFailureTime) >= resetTimeout
}

// bookkeepingContext detaches outcome recording from the caller's deadline so
// a timed-out or cancelled call still gets its stats written.
func bookkeepingContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), storeOpTimeout)
}
