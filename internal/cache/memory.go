package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
)

type memoryEntry struct {
	ids       []int64
	expiresAt time.Time
}

// Memory is an in-process Membership for single-binary deployments and tests.
type Memory struct {
	clock   clock.Clock
	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemory creates an empty cache. A nil clock means the wall clock.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Memory{clock: clk, entries: make(map[string]memoryEntry)}
}

func (m *Memory) Store(_ context.Context, key string, ids []int64, ttl time.Duration) error {
	if len(ids) == 0 {
		return errors.New("cache: refusing to store an empty membership")
	}

	cp := make([]int64, len(ids))
	copy(cp, ids)
	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	// Keys that are never read again would otherwise stay forever.
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
		}
	}
	m.entries[key] = memoryEntry{ids: cp, expiresAt: now.Add(ttl)}
	return nil
}

func (m *Memory) Members(_ context.Context, key string) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || !m.clock.Now().Before(e.expiresAt) {
		delete(m.entries, key)
		return nil, fmt.Errorf("%s: %w", key, ErrMembershipExpired)
	}

	out := make([]int64, len(e.ids))
	copy(out, e.ids)
	return out, nil
}

// Expire drops a key immediately.
func (m *Memory) Expire(key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}
