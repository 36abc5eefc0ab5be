package cache

import (
	"context"
	"sync"
	"time"

	"github.com/suhlabs/gatekeeper/internal/engine"
)

// Memory is the in-process decision cache. sync.Map keeps reads lock-free
// on the hot path; per-key last-writer-wins is acceptable because
// decisions for the same fingerprint are expected to be equivalent.
//
// Expiry is lazy-checked on read, with a background sweep bounding memory
// held by keys that are never looked up again.
type Memory struct {
	store sync.Map // map[string]*memEntry
	done  chan struct{}
	once  sync.Once
}

type memEntry struct {
	decision  engine.Decision
	expiresAt time.Time
}

// NewMemory creates a memory cache and starts its sweep loop.
func NewMemory(sweepInterval time.Duration) *Memory {
	m := &Memory{done: make(chan struct{})}
	if sweepInterval > 0 {
		go m.sweepLoop(sweepInterval)
	}
	return m
}

// Lookup returns the cached decision for a fingerprint. Expired entries
// are deleted on sight and reported as a miss.
func (m *Memory) Lookup(_ context.Context, fingerprint string) (engine.Decision, bool) {
	val, ok := m.store.Load(fingerprint)
	if !ok {
		return engine.Decision{}, false
	}
	entry := val.(*memEntry)
	if !time.Now().Before(entry.expiresAt) {
		m.store.Delete(fingerprint)
		return engine.Decision{}, false
	}
	return entry.decision, true
}

// Store caches a decision under the fingerprint. A non-positive TTL is a
// no-op, which covers the critical-risk never-cache rule.
func (m *Memory) Store(_ context.Context, fingerprint string, d engine.Decision, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	m.store.Store(fingerprint, &memEntry{
		decision:  d,
		expiresAt: time.Now().Add(ttl),
	})
}

// Len reports the number of live (unexpired) entries.
func (m *Memory) Len() int {
	n := 0
	now := time.Now()
	m.store.Range(func(_, v any) bool {
		if now.Before(v.(*memEntry).expiresAt) {
			n++
		}
		return true
	})
	return n
}

// Close stops the sweep loop. Safe to call once.
func (m *Memory) Close() {
	m.once.Do(func() { close(m.done) })
}

func (m *Memory) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.done:
			return
		}
	}
}

func (m *Memory) sweep() {
	now := time.Now()
	m.store.Range(func(k, v any) bool {
		if !now.Before(v.(*memEntry).expiresAt) {
			m.store.Delete(k)
		}
		return true
	})
}
