package circuit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dskow/circuitmesh/internal/metrics"
	"github.com/dskow/circuitmesh/store"
	"github.com/dskow/circuitmesh/store/mem"
)

func init() {
	// Register metrics once for all tests in this package.
	metrics.Init()
}

var errBoom = errors.New("boom")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBreaker(t *testing.T, st store.Store, opts Options) *Breaker {
	t.Helper()
	b := NewBreaker("orders-0", st, opts, testLogger())
	t.Cleanup(b.Stop)
	return b
}

// recorder collects event payloads across goroutines.
type recorder struct {
	mu       sync.Mutex
	payloads []any
}

func (r *recorder) listen(p any) {
	r.mu.Lock()
	r.payloads = append(r.payloads, p)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.payloads...)
}

func failingThunk(ctx context.Context) (any, error) { return nil, errBoom }

func okThunk(ctx context.Context) (any, error) { return "ok", nil }

func TestExecute_TripsAtFailureThreshold(t *testing.T) {
	st := mem.New()
	defer st.Close()
	b := newTestBreaker(t, st, Options{
		FailureThreshold: 3,
		ResetTimeout:     time.Minute,
		ServiceTimeout:   500 * time.Millisecond,
	})

	opened := &recorder{}
	changes := &recorder{}
	b.Subscribe(EventCircuitOpen, opened.listen)
	b.Subscribe(EventStateChange, changes.listen)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := b.Execute(ctx, failingThunk); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: expected boom, got %v", i, err)
		}
	}

	stats, err := b.Stats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.State != StateOpen {
		t.Fatalf("expected OPEN, got %v", stats.State)
	}
	if stats.FailureCount != 3 || stats.FailedRequests != 3 || stats.TotalRequests != 3 {
		t.Fatalf("unexpected counters: %+v", stats)
	}

	if got := len(opened.snapshot()); got != 1 {
		t.Fatalf("expected exactly one circuitOpen event, got %d", got)
	}
	sc := changes.snapshot()
	if len(sc) != 1 {
		t.Fatalf("expected one stateChange, got %d", len(sc))
	}
	ev := sc[0].(StateChangeEvent)
	if ev.From != StateClosed || ev.To != StateOpen {
		t.Fatalf("unexpected transition %v -> %v", ev.From, ev.To)
	}
}

func TestExecute_RejectsWhileOpen(t *testing.T) {
	st := mem.New()
	defer st.Close()
	b := newTestBreaker(t, st, Options{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
	})

	rejected := &recorder{}
	b.Subscribe(EventRejected, rejected.listen)

	ctx := context.Background()
	b.Execute(ctx, failingThunk) // trips

	var invoked atomic.Bool
	_, err := b.Execute(ctx, func(context.Context) (any, error) {
		invoked.Store(true)
		return nil, nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if invoked.Load() {
		t.Fatal("thunk must not run while open")
	}
	if len(rejected.snapshot()) != 1 {
		t.Fatalf("expected one rejected event, got %d", len(rejected.snapshot()))
	}
}

func TestExecute_RecoveryToClosed(t *testing.T) {
	st := mem.New()
	defer st.Close()
	b := newTestBreaker(t, st, Options{
		FailureThreshold: 3,
		ResetTimeout:     600 * time.Millisecond,
		ServiceTimeout:   500 * time.Millisecond,
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		b.Execute(ctx, failingThunk)
	}

	// The health-check loop runs at resetTimeout/2 and must flip the
	// circuit to half-open without any traffic.
	time.Sleep(1200 * time.Millisecond)

	stats, err := b.Stats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.State != StateHalfOpen {
		t.Fatalf("expected HALF_OPEN after cool-down, got %v", stats.State)
	}

	if _, err := b.Execute(ctx, okThunk); err != nil {
		t.Fatalf("probe should succeed, got %v", err)
	}

	stats, _ = b.Stats(ctx)
	if stats.State != StateClosed {
		t.Fatalf("expected CLOSED after successful probe, got %v", stats.State)
	}
	if stats.FailureCount != 0 {
		t.Fatalf("expected failureCount reset, got %d", stats.FailureCount)
	}
}

func TestExecute_HalfOpenFailureReopens(t *testing.T) {
	st := mem.New()
	defer st.Close()
	b := newTestBreaker(t, st, Options{
		FailureThreshold: 1,
		ResetTimeout:     200 * time.Millisecond,
	})

	ctx := context.Background()
	b.Execute(ctx, failingThunk) // trips
	time.Sleep(450 * time.Millisecond)

	if _, err := b.Execute(ctx, failingThunk); !errors.Is(err, errBoom) {
		t.Fatalf("probe should reach the thunk, got %v", err)
	}

	stats, _ := b.Stats(ctx)
	if stats.State != StateOpen {
		t.Fatalf("expected OPEN after failed probe, got %v", stats.State)
	}
}

func TestExecute_TimeoutRecordedAsFailure(t *testing.T) {
	st := mem.New()
	defer st.Close()
	b := newTestBreaker(t, st, Options{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		ServiceTimeout:   50 * time.Millisecond,
	})

	timeouts := &recorder{}
	b.Subscribe(EventTimeout, timeouts.listen)

	_, err := b.Execute(context.Background(), func(ctx context.Context) (any, error) {
		select {
		case <-time.After(100 * time.Millisecond):
			return "late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	if !errors.Is(err, ErrServiceTimeout) {
		t.Fatalf("expected ErrServiceTimeout, got %v", err)
	}

	stats, _ := b.Stats(context.Background())
	if stats.State != StateOpen {
		t.Fatalf("expected OPEN, got %v", stats.State)
	}
	if stats.FailureCount != 1 || stats.FailedRequests != 1 {
		t.Fatalf("unexpected counters: %+v", stats)
	}
	if stats.LastError != ErrServiceTimeout.Error() {
		t.Fatalf("unexpected lastError %q", stats.LastError)
	}
	if len(timeouts.snapshot()) != 1 {
		t.Fatalf("expected one timeout event, got %d", len(timeouts.snapshot()))
	}
}

func TestExecute_ConcurrencyCap(t *testing.T) {
	st := mem.New()
	defer st.Close()
	b := newTestBreaker(t, st, Options{
		MaxConcurrent:  5,
		ServiceTimeout: time.Second,
	})

	const calls = 6
	start := make(chan struct{})
	results := make(chan error, calls)

	var wg sync.WaitGroup
	wg.Add(calls)
	for i := 0; i < calls; i++ {
		go func() {
			defer wg.Done()
			<-start
			_, err := b.Execute(context.Background(), func(context.Context) (any, error) {
				time.Sleep(50 * time.Millisecond)
				return nil, nil
			})
			results <- err
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	var overloaded, ok int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrOverloaded):
			overloaded++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if overloaded < 1 {
		t.Fatal("expected at least one overload rejection")
	}
	if ok+overloaded != calls {
		t.Fatalf("results do not add up: ok=%d overloaded=%d", ok, overloaded)
	}
}

func TestExecute_LateCompletionDoesNotDoubleCount(t *testing.T) {
	st := mem.New()
	defer st.Close()
	b := newTestBreaker(t, st, Options{
		FailureThreshold: 10,
		ResetTimeout:     time.Minute,
		ServiceTimeout:   50 * time.Millisecond,
	})

	done := make(chan struct{})
	_, err := b.Execute(context.Background(), func(ctx context.Context) (any, error) {
		defer close(done)
		time.Sleep(150 * time.Millisecond) // ignores cancellation on purpose
		return "late", nil
	})
	if !errors.Is(err, ErrServiceTimeout) {
		t.Fatalf("expected ErrServiceTimeout, got %v", err)
	}

	<-done
	time.Sleep(50 * time.Millisecond)

	stats, _ := b.Stats(context.Background())
	if stats.TotalRequests != 1 || stats.FailedRequests != 1 || stats.SuccessfulRequests != 0 {
		t.Fatalf("late completion was double-counted: %+v", stats)
	}
}

func TestExecute_SuccessUpdatesStats(t *testing.T) {
	st := mem.New()
	defer st.Close()
	b := newTestBreaker(t, st, Options{})

	successes := &recorder{}
	b.Subscribe(EventSuccess, successes.listen)

	val, err := b.Execute(context.Background(), okThunk)
	if err != nil || val != "ok" {
		t.Fatalf("unexpected result %v, %v", val, err)
	}

	stats, _ := b.Stats(context.Background())
	if stats.TotalRequests != 1 || stats.SuccessfulRequests != 1 || stats.FailedRequests != 0 {
		t.Fatalf("unexpected counters: %+v", stats)
	}
	if stats.LastSuccessTime == nil {
		t.Fatal("expected lastSuccessTime to be stamped")
	}
	if len(successes.snapshot()) != 1 {
		t.Fatalf("expected one success event, got %d", len(successes.snapshot()))
	}
}

func TestExecute_HalfOpenProbeLimit(t *testing.T) {
	st := mem.New()
	defer st.Close()
	b := newTestBreaker(t, st, Options{
		FailureThreshold:   1,
		ResetTimeout:       200 * time.Millisecond,
		HalfOpenRetryLimit: 1,
		ServiceTimeout:     5 * time.Second,
	})

	ctx := context.Background()
	b.Execute(ctx, failingThunk) // trips
	time.Sleep(450 * time.Millisecond)

	started := make(chan struct{})
	release := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		_, err := b.Execute(ctx, func(context.Context) (any, error) {
			close(started)
			<-release
			return nil, nil
		})
		probeDone <- err
	}()
	<-started

	// A second call while the probe is undecided must be rejected.
	if _, err := b.Execute(ctx, okThunk); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen for excess probe, got %v", err)
	}

	close(release)
	if err := <-probeDone; err != nil {
		t.Fatalf("probe failed: %v", err)
	}

	stats, _ := b.Stats(ctx)
	if stats.State != StateClosed {
		t.Fatalf("expected CLOSED after probe success, got %v", stats.State)
	}
}

// brokenStore errors on every operation, standing in for a store outage.
type brokenStore struct{}

var errStoreDown = errors.New("store down")

func (brokenStore) Get(context.Context, string) (*store.Stats, error)     { return nil, errStoreDown }
func (brokenStore) Put(context.Context, string, *store.Stats) error       { return errStoreDown }
func (brokenStore) IncrementFailureCount(context.Context, string) (int, error) {
	return 0, errStoreDown
}
func (brokenStore) Reset(context.Context, string) error { return errStoreDown }
func (brokenStore) Watch(string, store.WatchFunc) (store.CancelWatch, error) {
	return nil, errStoreDown
}
func (brokenStore) Close() error { return nil }

func TestExecute_StoreOutageDoesNotFailCalls(t *testing.T) {
	b := newTestBreaker(t, brokenStore{}, Options{ServiceTimeout: time.Second})

	val, err := b.Execute(context.Background(), okThunk)
	if err != nil {
		t.Fatalf("store outage must not fail the call: %v", err)
	}
	if val != "ok" {
		t.Fatalf("unexpected value %v", val)
	}

	if _, err := b.Execute(context.Background(), failingThunk); !errors.Is(err, errBoom) {
		t.Fatalf("thunk error must surface verbatim, got %v", err)
	}
}

func TestStateChange_EmittedAfterPersist(t *testing.T) {
	st := mem.New()
	defer st.Close()
	b := newTestBreaker(t, st, Options{FailureThreshold: 1, ResetTimeout: time.Minute})

	persisted := make(chan State, 1)
	b.Subscribe(EventStateChange, func(p any) {
		ev := p.(StateChangeEvent)
		if stats, err := st.Get(context.Background(), b.Service()); err == nil {
			if stats.State == ev.To {
				persisted <- ev.To
				return
			}
		}
		persisted <- StateClosed
	})

	b.Execute(context.Background(), failingThunk)

	select {
	case got := <-persisted:
		if got != StateOpen {
			t.Fatal("stateChange observed before the store write")
		}
	case <-time.After(time.Second):
		t.Fatal("no stateChange emitted")
	}
}

func TestTransitionTo_NoOpWhenAlreadyInState(t *testing.T) {
	st := mem.New()
	defer st.Close()
	b := newTestBreaker(t, st, Options{})

	changes := &recorder{}
	b.Subscribe(EventStateChange, changes.listen)

	b.loadStats(context.Background()) // materialize CLOSED
	if b.transitionTo(context.Background(), StateClosed, nil) {
		t.Fatal("transition to the current state must be a no-op")
	}
	if len(changes.snapshot()) != 0 {
		t.Fatal("no-op transition must not emit events")
	}
}

func TestStop_Idempotent(t *testing.T) {
	st := mem.New()
	defer st.Close()
	b := NewBreaker("stoppable", st, Options{}, testLogger())
	b.Stop()
	b.Stop()
}

func TestMetrics_SnapshotReflectsTraffic(t *testing.T) {
	st := mem.New()
	defer st.Close()
	b := newTestBreaker(t, st, Options{})

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		b.Execute(ctx, okThunk)
	}
	b.Execute(ctx, failingThunk)

	m := b.Metrics()
	if m.LastMinute.Total != 5 {
		t.Fatalf("expected 5 requests in window, got %d", m.LastMinute.Total)
	}
	if m.LastMinute.Failure != 1 {
		t.Fatalf("expected 1 failure in window, got %d", m.LastMinute.Failure)
	}
	if m.RequestRate != 1.0 {
		t.Fatalf("expected 1.0 req/s over 5s, got %v", m.RequestRate)
	}
	if m.CurrentLoad != 0 {
		t.Fatalf("expected no in-flight calls, got %d", m.CurrentLoad)
	}
}
