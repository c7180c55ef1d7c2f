package kvstore

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/peyvand-edu/sabt-core/pkg/clock"
)

type entry struct {
	value     string
	expiresAt time.Time // zero = never
}

// Memory is the in-process reference store. Expiry is evaluated against
// the injected clock, so frozen clocks in tests control TTL behavior.
type Memory struct {
	mu   sync.Mutex
	clk  clock.Clock
	data map[string]entry
}

// NewMemory builds an empty store on the given clock.
func NewMemory(clk clock.Clock) *Memory {
	return &Memory{clk: clk, data: make(map[string]entry)}
}

// live returns the entry if present and unexpired, pruning it otherwise.
// Callers hold m.mu.
func (m *Memory) live(key string) (entry, bool) {
	e, ok := m.data[key]
	if !ok {
		return entry{}, false
	}
	if !e.expiresAt.IsZero() && !m.clk.Now().Before(e.expiresAt) {
		delete(m.data, key)
		return entry{}, false
	}
	return e, true
}

func (m *Memory) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.clk.Now().Add(ttl)
}

func (m *Memory) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok {
		m.data[key] = entry{value: "1", expiresAt: m.deadline(ttl)}
		return 1, nil
	}

	n, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("kvstore: value at %q is not an integer", key)
	}
	n++
	e.value = strconv.FormatInt(n, 10)
	m.data[key] = e
	return n, nil
}

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = entry{value: value, expiresAt: m.deadline(ttl)}
	return nil
}

func (m *Memory) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.data[key] = entry{value: value, expiresAt: m.deadline(ttl)}
	return true, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

// Len reports the number of unexpired keys. Test helper.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	now := m.clk.Now()
	for _, e := range m.data {
		if e.expiresAt.IsZero() || now.Before(e.expiresAt) {
			n++
		}
	}
	return n
}
