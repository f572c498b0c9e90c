package clientstate

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrMiss is returned by a Remote store when the key is absent.
var ErrMiss = errors.New("clientstate: key not found")

// Remote is the server-side persistent store that mirrors a visitor's cookies.
type Remote interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Scope binds a Remote to one visitor so it can act as a KV.
func Scope(ctx context.Context, remote Remote, namespace string) KV {
	if remote == nil || namespace == "" {
		return nil
	}
	return &scoped{ctx: ctx, remote: remote, prefix: namespace + ":"}
}

type scoped struct {
	ctx    context.Context
	remote Remote
	prefix string
}

func (s *scoped) Get(key string) (string, bool) {
	v, err := s.remote.Get(s.ctx, s.prefix+key)
	if err != nil || v == "" {
		return "", false
	}
	return v, true
}

func (s *scoped) Set(key, value string, maxAge time.Duration) error {
	return s.remote.Set(s.ctx, s.prefix+key, value, maxAge)
}

func (s *scoped) Delete(key string) error {
	return s.remote.Delete(s.ctx, s.prefix+key)
}

// Memory is an in-process Remote for tests. Expired keys are dropped on read.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value   string
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return "", ErrMiss
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.entries, key)
		return "", ErrMiss
	}
	return e.value, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Len reports the number of stored keys, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
