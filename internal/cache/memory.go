package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"fitgen/internal/shared"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process TTL cache. Expired entries are dropped lazily on read
// and swept on write.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	clock   shared.Clock
	entries map[string]entry
}

// NewMemory creates a memory cache. A nil clock uses the wall clock.
func NewMemory(ttl time.Duration, clock shared.Clock) *Memory {
	if clock == nil {
		clock = shared.RealClock{}
	}
	return &Memory{
		ttl:     ttl,
		clock:   clock,
		entries: make(map[string]entry),
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !m.clock.Now().Before(e.expiresAt) {
		delete(m.entries, key)
		return nil, false
	}
	return e.value, true
}

func (m *Memory) Set(_ context.Context, key string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
		}
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	m.entries[key] = entry{value: buf, expiresAt: now.Add(m.ttl)}
}

func (m *Memory) Clear(_ context.Context, prefix string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			delete(m.entries, k)
		}
	}
}

// Len reports the number of stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
