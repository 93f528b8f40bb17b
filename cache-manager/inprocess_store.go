package cachemanager

import (
	"context"
	"sync"
	"time"

	"github.com/o-tero/tiered-cache/pkg/utils"
)

type storedValue struct {
	data      []byte
	expiresAt time.Time
}

// InProcessStore is a RemoteStore kept in process memory. It stands in for
// Redis in tests and single-node deployments where the remote tier should
// still exercise serialization.
type InProcessStore struct {
	mu   sync.Mutex
	data map[string]storedValue
	now  func() time.Time
}

// NewInProcessStore creates an empty store.
func NewInProcessStore() *InProcessStore {
	return &InProcessStore{data: make(map[string]storedValue), now: time.Now}
}

func (s *InProcessStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	if !v.expiresAt.IsZero() && s.now().After(v.expiresAt) {
		delete(s.data, key)
		return nil, false, nil
	}
	out := make([]byte, len(v.data))
	copy(out, v.data)
	return out, true, nil
}

func (s *InProcessStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	v := storedValue{data: append([]byte(nil), value...)}
	if ttl > 0 {
		v.expiresAt = s.now().Add(ttl)
	}

	s.mu.Lock()
	s.data[key] = v
	s.mu.Unlock()
	return nil
}

// Put stores raw bytes, bypassing any encoding. Used to simulate foreign or
// corrupt writers.
func (s *InProcessStore) Put(key string, raw []byte) {
	_ = s.Set(context.Background(), key, raw, 0)
}

func (s *InProcessStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.data[key]
	delete(s.data, key)
	return ok, nil
}

func (s *InProcessStore) DeletePattern(_ context.Context, pattern string) (int, error) {
	p, err := utils.CompilePattern(pattern)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k := range s.data {
		if p.Match(k) {
			delete(s.data, k)
			n++
		}
	}
	return n, nil
}

func (s *InProcessStore) Clear(_ context.Context) error {
	s.mu.Lock()
	s.data = make(map[string]storedValue)
	s.mu.Unlock()
	return nil
}

func (s *InProcessStore) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data), nil
}

func (s *InProcessStore) Ping(context.Context) error { return nil }
func (s *InProcessStore) Close() error               { return nil }
