// Package mem provides an in-process Store. It backs every test in the repo
// and serves single-process deployments where no external coordination store
// is configured. All mutations happen under one lock, so the increment
// contract is trivially atomic here.
package mem

import (
	"context"
	"sync"
	"time"

	"github.com/dskow/circuitmesh/store"
)

// Store is a mutex-guarded map of records with per-key watch fan-out.
type Store struct {
	mu       sync.RWMutex
	records  map[string]*store.Stats
	notifier *store.Notifier
	closed   bool
}

// New returns an empty in-process store.
func New() *Store {
	return &Store{
		records:  make(map[string]*store.Stats),
		notifier: store.NewNotifier(),
	}
}

func (s *Store) Get(_ context.Context, serviceKey string) (*store.Stats, error) {
	key := store.Key(serviceKey)

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *Store) Put(_ context.Context, serviceKey string, stats *store.Stats) error {
	key := store.Key(serviceKey)

	s.mu.Lock()
	s.records[key] = stats.Clone()
	s.mu.Unlock()

	s.notifier.Publish(key, stats)
	return nil
}

func (s *Store) IncrementFailureCount(_ context.Context, serviceKey string) (int, error) {
	key := store.Key(serviceKey)
	now := time.Now()

	s.mu.Lock()
	rec, ok := s.records[key]
	if !ok {
		rec = store.NewStats(now)
		rec.LastSuccessTime = nil
		s.records[key] = rec
	}
	rec.FailureCount++
	rec.FailedRequests++
	rec.TotalRequests++
	rec.LastFailureTime = &now
	rec.LastUpdateTime = &now
	count := rec.FailureCount
	snapshot := rec.Clone()
	s.mu.Unlock()

	s.notifier.Publish(key, snapshot)
	return count, nil
}

func (s *Store) Reset(_ context.Context, serviceKey string) error {
	key := store.Key(serviceKey)
	now := time.Now()

	s.mu.Lock()
	rec, ok := s.records[key]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	rec.FailureCount = 0
	rec.LastFailureTime = nil
	rec.LastError = ""
	rec.LastUpdateTime = &now
	snapshot := rec.Clone()
	s.mu.Unlock()

	s.notifier.Publish(key, snapshot)
	return nil
}

func (s *Store) Watch(serviceKey string, fn store.WatchFunc) (store.CancelWatch, error) {
	return s.notifier.Watch(store.Key(serviceKey), fn), nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.notifier.Close()
	return nil
}
