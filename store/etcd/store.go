// Package etcd provides a Store backed by an etcd cluster, giving a fleet of
// identically configured callers a shared view of each service's health.
// Writes land under the circuit-breaker namespace as canonical JSON; the
// failure-count increment uses a compare-and-swap loop on the key's mod
// revision so concurrent trips do not lose updates.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/dskow/circuitmesh/store"
)

// casAttempts bounds the retry loop on revision conflicts.
const casAttempts = 8

// Config holds connection settings for the etcd client.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	Username    string
	Password    string
}

// Store implements store.Store on top of etcd.
type Store struct {
	client   *clientv3.Client
	logger   *slog.Logger
	notifier *store.Notifier

	mu      sync.Mutex
	cancels []context.CancelFunc
	closed  bool
	ownsCli bool
}

// New dials etcd and returns a Store. The caller owns nothing on error.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing etcd: %w", err)
	}
	s := NewWithClient(cli, logger)
	s.ownsCli = true
	return s, nil
}

// NewWithClient wraps an existing client. Close leaves the client open.
func NewWithClient(cli *clientv3.Client, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client:   cli,
		logger:   logger,
		notifier: store.NewNotifier(),
	}
}

func (s *Store) Get(ctx context.Context, serviceKey string) (*store.Stats, error) {
	stats, _, err := s.getWithRevision(ctx, store.Key(serviceKey))
	return stats, err
}

// getWithRevision returns the decoded record and the key's mod revision, or
// revision 0 when absent.
func (s *Store) getWithRevision(ctx context.Context, key string) (*store.Stats, int64, error) {
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return nil, 0, fmt.Errorf("etcd get %q: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, store.ErrNotFound
	}
	kv := resp.Kvs[0]
	stats, err := store.DecodeStats(kv.Value)
	if err != nil {
		return nil, 0, fmt.Errorf("decoding stats for %q: %w", key, err)
	}
	return stats, kv.ModRevision, nil
}

func (s *Store) Put(ctx context.Context, serviceKey string, stats *store.Stats) error {
	key := store.Key(serviceKey)
	data, err := store.EncodeStats(stats)
	if err != nil {
		return fmt.Errorf("encoding stats for %q: %w", key, err)
	}
	if _, err := s.client.Put(ctx, key, string(data)); err != nil {
		return fmt.Errorf("etcd put %q: %w", key, err)
	}
	return nil
}

func (s *Store) IncrementFailureCount(ctx context.Context, serviceKey string) (int, error) {
	key := store.Key(serviceKey)

	for attempt := 0; attempt < casAttempts; attempt++ {
		stats, rev, err := s.getWithRevision(ctx, key)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return 0, err
		}

		now := time.Now()
		if stats == nil {
			stats = &store.Stats{State: store.StateClosed}
		}
		stats.FailureCount++
		stats.FailedRequests++
		stats.TotalRequests++
		stats.LastFailureTime = &now
		stats.LastUpdateTime = &now

		data, err := store.EncodeStats(stats)
		if err != nil {
			return 0, fmt.Errorf("encoding stats for %q: %w", key, err)
		}

		// Commit only if nobody raced us past the revision we read.
		// Revision 0 means the key must still be absent.
		cmp := clientv3.Compare(clientv3.ModRevision(key), "=", rev)
		if rev == 0 {
			cmp = clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
		}
		resp, err := s.client.Txn(ctx).
			If(cmp).
			Then(clientv3.OpPut(key, string(data))).
			Commit()
		if err != nil {
			return 0, fmt.Errorf("etcd txn %q: %w", key, err)
		}
		if resp.Succeeded {
			return stats.FailureCount, nil
		}
	}
	return 0, fmt.Errorf("incrementing %q: too many revision conflicts", key)
}

func (s *Store) Reset(ctx context.Context, serviceKey string) error {
	key := store.Key(serviceKey)

	for attempt := 0; attempt < casAttempts; attempt++ {
		stats, rev, err := s.getWithRevision(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		now := time.Now()
		stats.FailureCount = 0
		stats.LastFailureTime = nil
		stats.LastError = ""
		stats.LastUpdateTime = &now

		data, err := store.EncodeStats(stats)
		if err != nil {
			return fmt.Errorf("encoding stats for %q: %w", key, err)
		}
		resp, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
			Then(clientv3.OpPut(key, string(data))).
			Commit()
		if err != nil {
			return fmt.Errorf("etcd txn %q: %w", key, err)
		}
		if resp.Succeeded {
			return nil
		}
	}
	return fmt.Errorf("resetting %q: too many revision conflicts", key)
}

// Watch streams etcd events for the key through the coalescing notifier. One
// etcd watch is opened per registration; a decode failure is logged and the
// event skipped rather than tearing the watch down.
func (s *Store) Watch(serviceKey string, fn store.WatchFunc) (store.CancelWatch, error) {
	key := store.Key(serviceKey)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancels = append(s.cancels, cancel)
	s.mu.Unlock()

	cancelNotify := s.notifier.Watch(key, fn)
	wch := s.client.Watch(ctx, key)

	go func() {
		for resp := range wch {
			if err := resp.Err(); err != nil {
				s.logger.Error("etcd watch failed, abandoning watcher",
					"key", key, "error", err)
				return
			}
			for _, ev := range resp.Events {
				if ev.Type != mvccpb.PUT {
					continue
				}
				stats, err := store.DecodeStats(ev.Kv.Value)
				if err != nil {
					s.logger.Warn("skipping undecodable watch event",
						"key", key, "error", err)
					continue
				}
				s.notifier.Publish(key, stats)
			}
		}
	}()

	return func() {
		cancel()
		cancelNotify()
	}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	s.notifier.Close()
	if s.ownsCli {
		return s.client.Close()
	}
	return nil
}
