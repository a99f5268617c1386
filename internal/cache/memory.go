package cache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/bigdegenenergy/open-cloud-ops/bulwark/internal/clock"
	"github.com/bigdegenenergy/open-cloud-ops/bulwark/pkg/models"
)

// Memory is the in-process cache store. Expiry is checked lazily on Get and
// reclaimed in bulk by Sweep. Writes are last-writer-wins; identical
// fingerprints produce identical payloads within a TTL, so no further
// conflict handling is needed.
type Memory struct {
	clk clock.Clock

	mu      sync.RWMutex
	entries map[string]Entry

	hits   atomic.Int64
	misses atomic.Int64
}

// NewMemory creates an empty in-memory store.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.New()
	}
	return &Memory{clk: clk, entries: make(map[string]Entry)}
}

// Get returns the live entry for the fingerprint, if any.
func (m *Memory) Get(_ context.Context, fingerprint string) (Entry, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[fingerprint]
	m.mu.RUnlock()

	if ok && m.expired(e) {
		m.mu.Lock()
		// Re-check: a fresher entry may have replaced it meanwhile.
		if cur, still := m.entries[fingerprint]; still && m.expired(cur) {
			delete(m.entries, fingerprint)
		}
		m.mu.Unlock()
		ok = false
	}

	if !ok {
		m.misses.Add(1)
		return Entry{}, false, nil
	}
	m.hits.Add(1)
	return e, true, nil
}

// Put stores the entry, replacing any previous one for the fingerprint.
// Entries with a non-positive TTL are not stored.
func (m *Memory) Put(_ context.Context, fingerprint string, e Entry) error {
	if e.TTL <= 0 {
		return nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.clk.Now()
	}
	m.mu.Lock()
	m.entries[fingerprint] = e
	m.mu.Unlock()
	return nil
}

// Stats reports entry count and hit/miss totals.
func (m *Memory) Stats() models.CacheStats {
	m.mu.RLock()
	n := len(m.entries)
	m.mu.RUnlock()
	return models.CacheStats{
		Entries: int64(n),
		Hits:    m.hits.Load(),
		Misses:  m.misses.Load(),
	}
}

// Sweep removes expired entries and returns how many were reclaimed.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, e := range m.entries {
		if m.expired(e) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

func (m *Memory) expired(e Entry) bool {
	return m.clk.Now().Sub(e.CreatedAt) >= e.TTL
}

var _ Store = (*Memory)(nil)
