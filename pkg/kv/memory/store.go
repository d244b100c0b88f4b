package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/flowbridge/flowbridge-backend/pkg/kv"
)

// Store is an in-memory implementation of kv.Store with TTL support.
type Store struct {
	mu          sync.RWMutex
	values      map[string][]byte
	expirations map[string]time.Time

	janitorStop chan struct{}
	janitorDone chan struct{}
	closeOnce   sync.Once
}

// New creates a store; a positive janitorInterval starts background cleanup
// of expired keys.
func New(janitorInterval time.Duration) *Store {
	s := &Store{
		values:      make(map[string][]byte),
		expirations: make(map[string]time.Time),
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	if janitorInterval > 0 {
		go s.janitor(janitorInterval)
	} else {
		close(s.janitorDone)
	}
	return s
}

func (s *Store) janitor(interval time.Duration) {
	defer close(s.janitorDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.evictExpired()
		case <-s.janitorStop:
			return
		}
	}
}

func (s *Store) evictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for key, expiry := range s.expirations {
		if now.After(expiry) {
			delete(s.values, key)
			delete(s.expirations, key)
		}
	}
}

// isExpired must be called with at least the read lock held.
func (s *Store) isExpired(key string) bool {
	if expiry, ok := s.expirations[key]; ok {
		return time.Now().After(expiry)
	}
	return false
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl ...time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	delete(s.expirations, key)
	if len(ttl) > 0 && ttl[0] > 0 {
		s.expirations[key] = time.Now().Add(ttl[0])
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	if !ok || s.isExpired(key) {
		return nil, kv.ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for _, key := range keys {
		if _, ok := s.values[key]; ok && !s.isExpired(key) {
			removed++
		}
		delete(s.values, key)
		delete(s.expirations, key)
	}
	return removed, nil
}

func (s *Store) Exists(ctx context.Context, keys ...string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int64
	for _, key := range keys {
		if _, ok := s.values[key]; ok && !s.isExpired(key) {
			count++
		}
	}
	return count, nil
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; !ok || s.isExpired(key) {
		return false, nil
	}
	if ttl > 0 {
		s.expirations[key] = time.Now().Add(ttl)
	} else {
		delete(s.values, key)
		delete(s.expirations, key)
	}
	return true, nil
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.values[key]; !ok || s.isExpired(key) {
		return -2 * time.Second, nil
	}
	expiry, ok := s.expirations[key]
	if !ok {
		return -1 * time.Second, nil
	}
	return time.Until(expiry), nil
}

func (s *Store) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var current int64
	if raw, ok := s.values[key]; ok && !s.isExpired(key) {
		parsed, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return 0, err
		}
		current = parsed
	}
	current += n
	s.values[key] = []byte(strconv.FormatInt(current, 10))
	return current, nil
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.janitorStop)
	})
	<-s.janitorDone
	return nil
}
