package kv

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"
)

type memEntry struct {
	value    string
	list     []string
	isList   bool
	expireAt time.Time // zero means no expiry
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && now.After(e.expireAt)
}

// MemoryStore is an in-process Store implementation for tests, mirroring
// BadgerStore's TTL and list semantics without touching disk.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry)}
}

func (s *MemoryStore) getLocked(key string) (memEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if e.expired(time.Now()) {
		delete(s.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.getLocked(key)
	if !ok {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := memEntry{value: value}
	if ttl > 0 {
		e.expireAt = time.Now().Add(ttl)
	}
	s.entries[key] = e
	return nil
}

func (s *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.getLocked(key)
	var current int64
	if ok {
		if n, err := strconv.ParseInt(e.value, 10, 64); err == nil {
			current = n
		}
	}
	current++
	e.value = strconv.FormatInt(current, 10)
	s.entries[key] = e
	return current, nil
}

func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.getLocked(key)
	if !ok {
		return ErrNotFound
	}
	if ttl > 0 {
		e.expireAt = time.Now().Add(ttl)
	} else {
		e.expireAt = time.Time{}
	}
	s.entries[key] = e
	return nil
}

func (s *MemoryStore) LPush(ctx context.Context, key string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, _ := s.getLocked(key)
	e.isList = true
	e.list = append([]string{value}, e.list...)
	s.entries[key] = e
	return nil
}

func (s *MemoryStore) LTrim(ctx context.Context, key string, start, stop int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.getLocked(key)
	if !ok {
		return nil
	}
	e.list = sliceRange(e.list, start, stop)
	s.entries[key] = e
	return nil
}

func (s *MemoryStore) LRange(ctx context.Context, key string, start, stop int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.getLocked(key)
	if !ok {
		return nil, nil
	}
	return sliceRange(e.list, start, stop), nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.getLocked(key)
	return ok, nil
}

func (s *MemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var matches []string
	for key, e := range s.entries {
		if e.expired(now) {
			continue
		}
		if wildcard.Match(pattern, key) {
			matches = append(matches, key)
		}
	}
	return matches, nil
}

func (s *MemoryStore) Del(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
