package circuit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dskow/circuitmesh/store"
)

// DefaultShardCount is used when a group is created without one.
const DefaultShardCount = 4

// CallResult is the outcome of a routed call through a shard group.
type CallResult struct {
	Success      bool
	Data         any
	Err          error
	Service      string
	ShardID      int
	ResponseTime time.Duration

	// CircuitOpen is true iff the call was rejected because the shard's
	// circuit was open.
	CircuitOpen bool
}

// ShardGroup fans one logical service out over a fixed number of breakers,
// keyed "{name}-{i}". A key always routes to the same shard for a fixed
// shard count, across processes and restarts.
type ShardGroup struct {
	name       string
	shardCount int
	breakers   []*Breaker
}

// NewShardGroup builds shardCount breakers against the store. A shardCount
// below 1 selects DefaultShardCount.
func NewShardGroup(name string, shardCount int, st store.Store, opts Options, logger *slog.Logger) *ShardGroup {
	if shardCount < 1 {
		shardCount = DefaultShardCount
	}
	g := &ShardGroup{
		name:       name,
		shardCount: shardCount,
		breakers:   make([]*Breaker, shardCount),
	}
	for i := 0; i < shardCount; i++ {
		g.breakers[i] = NewBreaker(fmt.Sprintf("%s-%d", name, i), st, opts, logger)
	}
	return g
}

// Name returns the group's service name.
func (g *ShardGroup) Name() string {
	return g.name
}

// ShardCount returns the fixed number of shards.
func (g *ShardGroup) ShardCount() int {
	return g.shardCount
}

// Breaker returns the shard's breaker, or ErrInvalidShard when out of range.
func (g *ShardGroup) Breaker(shardID int) (*Breaker, error) {
	if shardID < 0 || shardID >= g.shardCount {
		return nil, fmt.Errorf("%w: %d of %d for %q", ErrInvalidShard, shardID, g.shardCount, g.name)
	}
	return g.breakers[shardID], nil
}

// State returns the shard's current circuit state.
func (g *ShardGroup) State(ctx context.Context, shardID int) (State, error) {
	br, err := g.Breaker(shardID)
	if err != nil {
		return StateClosed, err
	}
	return br.State(ctx), nil
}

// States returns the current state of every shard.
func (g *ShardGroup) States(ctx context.Context) map[int]State {
	out := make(map[int]State, g.shardCount)
	for i, br := range g.breakers {
		out[i] = br.State(ctx)
	}
	return out
}

// Route returns the shard id the key maps to.
func (g *ShardGroup) Route(key string) int {
	return shardIndex(key, g.shardCount)
}

// ExecuteOn runs the thunk on a specific shard.
func (g *ShardGroup) ExecuteOn(ctx context.Context, shardID int, fn Thunk) CallResult {
	br, err := g.Breaker(shardID)
	if err != nil {
		return CallResult{Err: err, Service: g.name, ShardID: shardID}
	}

	start := time.Now()
	val, err := br.Execute(ctx, fn)
	return CallResult{
		Success:      err == nil,
		Data:         val,
		Err:          err,
		Service:      g.name,
		ShardID:      shardID,
		ResponseTime: time.Since(start),
		CircuitOpen:  errors.Is(err, ErrCircuitOpen),
	}
}

// ExecuteWithKey routes the key to its shard and runs the thunk there.
func (g *ShardGroup) ExecuteWithKey(ctx context.Context, key string, fn Thunk) CallResult {
	return g.ExecuteOn(ctx, g.Route(key), fn)
}

// Stop stops every shard's breaker.
func (g *ShardGroup) Stop() {
	for _, br := range g.breakers {
		br.Stop()
	}
}

// shardIndex maps a key onto [0, shardCount) with the djb2-style iterative
// hash h = (h<<5 - h) + c under 32-bit wrap. Persisted shard affinity of
// keys depends on this exact function; do not change it.
func shardIndex(key string, shardCount int) int {
	var h int32
	for i := 0; i < len(key); i++ {
		h = (h << 5) - h + int32(key[i])
	}
	idx := int(h)
	if idx < 0 {
		idx = -idx
	}
	return idx % shardCount
}
