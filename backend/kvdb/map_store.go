package kvdb

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type mapEntry struct {
	val      []byte
	expireAt time.Time
}

func (e *mapEntry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && !now.Before(e.expireAt)
}

// MapStore 进程内存储，用于测试和单机场景
type MapStore struct {
	mu sync.RWMutex
	m  map[string]*mapEntry
}

func NewMapStoreWithOptions() *MapStore {
	return &MapStore{m: map[string]*mapEntry{}}
}

func (s *MapStore) Set(_ context.Context, key string, val []byte, opts ...SetOption) error {
	options := newSetOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if options.IfNotExist {
		if e, ok := s.m[key]; ok && !e.expired(now) {
			return ErrConditionFailed
		}
	}
	e := &mapEntry{val: append([]byte(nil), val...)}
	if options.Expiration > 0 {
		e.expireAt = now.Add(options.Expiration)
	}
	s.m[key] = e
	return nil
}

func (s *MapStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.m[key]
	if !ok || e.expired(time.Now()) {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), e.val...), nil
}

func (s *MapStore) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

func (s *MapStore) Scan(_ context.Context, prefix string, fn func(key string, val []byte) error) error {
	s.mu.RLock()
	now := time.Now()
	keys := make([]string, 0, len(s.m))
	vals := map[string][]byte{}
	for k, e := range s.m {
		if strings.HasPrefix(k, prefix) && !e.expired(now) {
			keys = append(keys, k)
			vals[k] = e.val
		}
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(k, vals[k]); err != nil {
			return err
		}
	}
	return nil
}

func (s *MapStore) Close() error {
	return nil
}
