package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps per-key windows in process. Each key has its own lock,
// so callers on different keys never contend.
type MemoryStore struct {
	windows sync.Map // string -> *window
}

type window struct {
	mu     sync.Mutex
	stamps []time.Time
	length time.Duration
	dead   bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Hit evicts, records and counts for key under the key's lock.
func (s *MemoryStore) Hit(_ context.Context, key string, now time.Time, length time.Duration) (int, error) {
	for {
		v, _ := s.windows.LoadOrStore(key, &window{})
		w := v.(*window)
		w.mu.Lock()
		if w.dead {
			// Pruned between load and lock; retry with a fresh window.
			w.mu.Unlock()
			continue
		}
		start := now.Add(-length)
		w.evict(start)
		w.stamps = append(w.stamps, now)
		w.length = length
		count := 0
		for _, ts := range w.stamps {
			if !ts.Before(start) {
				count++
			}
		}
		w.mu.Unlock()
		return count, nil
	}
}

// Prune drops windows whose entries have all expired at now.
func (s *MemoryStore) Prune(now time.Time) int {
	removed := 0
	s.windows.Range(func(k, v any) bool {
		w := v.(*window)
		w.mu.Lock()
		w.evict(now.Add(-w.length))
		if len(w.stamps) == 0 {
			w.dead = true
			s.windows.Delete(k)
			removed++
		}
		w.mu.Unlock()
		return true
	})
	return removed
}

// evict drops timestamps strictly older than start. Stamps are appended in
// call order, which under clock skew may not be sorted, so all are checked.
func (w *window) evict(start time.Time) {
	kept := w.stamps[:0]
	for _, ts := range w.stamps {
		if !ts.Before(start) {
			kept = append(kept, ts)
		}
	}
	clear(w.stamps[len(kept):])
	w.stamps = kept
}
