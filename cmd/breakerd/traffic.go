package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dskow/circuitmesh/circuit"
	"github.com/dskow/circuitmesh/config"
)

// errSimulated is what simulated downstream failures return.
var errSimulated = fmt.Errorf("simulated downstream failure")

// groupTraffic is the active simulation settings for one group.
type groupTraffic struct {
	limiter     *rate.Limiter
	failureRate float64
	latency     time.Duration
}

// simulator drives paced synthetic traffic through the factory so breaker
// behavior shows up on the metrics and status endpoints without a real
// downstream. Rates are hot-reloadable via Configure.
type simulator struct {
	factory *circuit.Factory
	logger  *slog.Logger

	mu     sync.RWMutex
	groups map[string]*groupTraffic
}

func newSimulator(factory *circuit.Factory, logger *slog.Logger) *simulator {
	return &simulator{
		factory: factory,
		logger:  logger,
		groups:  make(map[string]*groupTraffic),
	}
}

// Configure replaces the traffic settings from config. Groups without a
// traffic section are not driven.
func (s *simulator) Configure(groups []config.GroupConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, g := range groups {
		if g.Traffic == nil || g.Traffic.RatePerSecond <= 0 {
			delete(s.groups, g.Name)
			continue
		}
		burst := g.Traffic.Burst
		if burst < 1 {
			burst = 1
		}
		existing, ok := s.groups[g.Name]
		if ok {
			existing.limiter.SetLimit(rate.Limit(g.Traffic.RatePerSecond))
			existing.limiter.SetBurst(burst)
			existing.failureRate = g.Traffic.FailureRate
			existing.latency = g.Traffic.Latency
			continue
		}
		s.groups[g.Name] = &groupTraffic{
			limiter:     rate.NewLimiter(rate.Limit(g.Traffic.RatePerSecond), burst),
			failureRate: g.Traffic.FailureRate,
			latency:     g.Traffic.Latency,
		}
	}
}

// Run drives one goroutine per configured group until ctx is cancelled.
func (s *simulator) Run(ctx context.Context) error {
	s.mu.RLock()
	names := make([]string, 0, len(s.groups))
	for name := range s.groups {
		names = append(names, name)
	}
	s.mu.RUnlock()

	if len(names) == 0 {
		return nil
	}

	eg, ctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		eg.Go(func() error {
			return s.driveGroup(ctx, name)
		})
	}
	return eg.Wait()
}

func (s *simulator) driveGroup(ctx context.Context, name string) error {
	s.logger.Info("traffic simulation started", "service", name)

	for i := 0; ; i++ {
		s.mu.RLock()
		gt, ok := s.groups[name]
		s.mu.RUnlock()
		if !ok {
			return nil
		}

		if err := gt.limiter.Wait(ctx); err != nil {
			return nil // ctx cancelled
		}

		key := fmt.Sprintf("%s-key-%d", name, i%256)
		failureRate := gt.failureRate
		latency := gt.latency

		res := s.factory.ExecuteWithKey(ctx, name, key, func(callCtx context.Context) (any, error) {
			if latency > 0 {
				select {
				case <-time.After(latency):
				case <-callCtx.Done():
					return nil, callCtx.Err()
				}
			}
			if rand.Float64() < failureRate {
				return nil, errSimulated
			}
			return "ok", nil
		})

		if res.CircuitOpen {
			s.logger.Debug("call short-circuited",
				"service", name, "shard", res.ShardID)
		}
	}
}
