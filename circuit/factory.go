package circuit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/dskow/circuitmesh/store"
)

// GroupConfig describes one shard group to register. Options, when non-nil,
// override the factory's base options for this group.
type GroupConfig struct {
	Name       string
	ShardCount int
	Options    *Options
}

// listenerRef remembers an attached listener so Cleanup can detach it before
// stopping the breakers.
type listenerRef struct {
	breaker *Breaker
	event   Event
	id      int
}

// Factory is a registry of named shard groups built against one shared store
// and a common set of base options.
type Factory struct {
	st     store.Store
	base   Options
	logger *slog.Logger

	mu        sync.RWMutex
	groups    map[string]*ShardGroup
	configs   map[string]GroupConfig
	listeners map[string][]listenerRef
}

// NewFactory returns an empty registry. base is applied to every group that
// does not override it.
func NewFactory(st store.Store, base Options, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		st:        st,
		base:      base,
		logger:    logger,
		groups:    make(map[string]*ShardGroup),
		configs:   make(map[string]GroupConfig),
		listeners: make(map[string][]listenerRef),
	}
}

// CreateGroup registers a new shard group. Fails with ErrAlreadyExists when
// the name is taken.
func (f *Factory) CreateGroup(cfg GroupConfig) (*ShardGroup, error) {
	opts := f.base
	if cfg.Options != nil {
		opts = *cfg.Options
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.groups[cfg.Name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrAlreadyExists, cfg.Name)
	}

	g := NewShardGroup(cfg.Name, cfg.ShardCount, f.st, opts, f.logger)
	f.groups[cfg.Name] = g
	f.configs[cfg.Name] = cfg
	f.logger.Info("service group created", "service", cfg.Name, "shards", g.ShardCount())
	return g, nil
}

// AddListeners attaches each subscription to every shard of the named group.
// Listeners are retained and detached by Cleanup.
func (f *Factory) AddListeners(name string, subs []Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	g, ok := f.groups[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownService, name)
	}
	for _, sub := range subs {
		for _, br := range g.breakers {
			id := br.Subscribe(sub.Event, sub.Listener)
			f.listeners[name] = append(f.listeners[name], listenerRef{
				breaker: br,
				event:   sub.Event,
				id:      id,
			})
		}
	}
	return nil
}

// Group returns the named shard group.
func (f *Factory) Group(name string) (*ShardGroup, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	g, ok := f.groups[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, name)
	}
	return g, nil
}

// Breaker returns one shard's breaker of the named group.
func (f *Factory) Breaker(name string, shardID int) (*Breaker, error) {
	g, err := f.Group(name)
	if err != nil {
		return nil, err
	}
	return g.Breaker(shardID)
}

// HasService reports whether the name is registered.
func (f *Factory) HasService(name string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.groups[name]
	return ok
}

// Services returns the registered group names, sorted.
func (f *Factory) Services() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.groups))
	for name := range f.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Config returns the registration config of the named group.
func (f *Factory) Config(name string) (GroupConfig, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	cfg, ok := f.configs[name]
	if !ok {
		return GroupConfig{}, fmt.Errorf("%w: %q", ErrUnknownService, name)
	}
	return cfg, nil
}

// ExecuteOn delegates to the named group's shard.
func (f *Factory) ExecuteOn(ctx context.Context, name string, shardID int, fn Thunk) CallResult {
	g, err := f.Group(name)
	if err != nil {
		return CallResult{Err: err, Service: name, ShardID: shardID}
	}
	return g.ExecuteOn(ctx, shardID, fn)
}

// ExecuteWithKey routes the key within the named group and runs the thunk.
func (f *Factory) ExecuteWithKey(ctx context.Context, name, key string, fn Thunk) CallResult {
	g, err := f.Group(name)
	if err != nil {
		return CallResult{Err: err, Service: name}
	}
	return g.ExecuteWithKey(ctx, key, fn)
}

// Cleanup detaches every retained listener, stops every breaker, and clears
// the registry. Idempotent and safe during shutdown; a cleanup of an empty
// factory is a no-op.
func (f *Factory) Cleanup() {
	f.mu.Lock()
	groups := f.groups
	listeners := f.listeners
	f.groups = make(map[string]*ShardGroup)
	f.configs = make(map[string]GroupConfig)
	f.listeners = make(map[string][]listenerRef)
	f.mu.Unlock()

	// Listeners first, so subscribers see no events from stopping breakers.
	for _, refs := range listeners {
		for _, ref := range refs {
			ref.breaker.Unsubscribe(ref.event, ref.id)
		}
	}
	for _, g := range groups {
		g.Stop()
	}
}
