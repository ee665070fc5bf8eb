// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"sync"
	"time"
)

// =============================================================================
// Generic Cache
// =============================================================================

// Entry is one key/value pair returned by Cache.Entries.
type Entry[K comparable, V any] struct {
	Key   K
	Value V
}

// Cache is an in-memory keyed store safe for concurrent use.
//
// # Description
//
// Every mutation is a single atomic operation (insert-or-replace, delete,
// update-in-place, sweep). No operation holds the lock across a call the
// caller supplies except Update and Sweep, whose callbacks must not block.
//
// The cache has no expiry policy of its own. Callers decide what a stale
// value means.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Cache[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V
}

// NewCache creates an empty cache.
func NewCache[K comparable, V any]() *Cache[K, V] {
	return &Cache[K, V]{items: make(map[K]V)}
}

// Get returns the value for key and whether it was present.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[key]
	return v, ok
}

// Put inserts or replaces the value for key.
func (c *Cache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = value
}

// Delete removes key and returns the removed value, if any.
func (c *Cache[K, V]) Delete(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	if ok {
		delete(c.items, key)
	}
	return v, ok
}

// Update replaces the value for key with fn(old) if key is present.
// Returns false when the key is absent.
func (c *Cache[K, V]) Update(key K, fn func(V) V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	if !ok {
		return false
	}
	c.items[key] = fn(v)
	return true
}

// Sweep removes every entry for which pred returns true and returns the
// removed values.
func (c *Cache[K, V]) Sweep(pred func(K, V) bool) []V {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed []V
	for k, v := range c.items {
		if pred(k, v) {
			removed = append(removed, v)
			delete(c.items, k)
		}
	}
	return removed
}

// Entries returns a point-in-time copy of all entries.
func (c *Cache[K, V]) Entries() []Entry[K, V] {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Entry[K, V], 0, len(c.items))
	for k, v := range c.items {
		out = append(out, Entry[K, V]{Key: k, Value: v})
	}
	return out
}

// Len returns the number of entries.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// =============================================================================
// Session Store
// =============================================================================

// Store is the process-wide session cache.
//
// # Description
//
// Store wraps Cache[Key, *Record] with the record-aware operations the
// broker needs: in-place rotation and expiry sweeps. It is constructed once
// per process and handed to the authenticator, executor, reaper and drainer.
// Nothing is persisted; a restart starts from an empty store.
type Store struct {
	*Cache[Key, *Record]
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{Cache: NewCache[Key, *Record]()}
}

// Rotate applies rot to the record stored under key.
// Returns false if no record is cached for key.
func (s *Store) Rotate(key Key, rot Rotation) bool {
	return s.Update(key, func(r *Record) *Record {
		return r.rotated(rot)
	})
}

// SweepExpired removes and returns every record expired at now.
func (s *Store) SweepExpired(now time.Time) []*Record {
	return s.Sweep(func(_ Key, r *Record) bool {
		return r.Expired(now)
	})
}

// Records returns a copy of all cached records.
func (s *Store) Records() []*Record {
	entries := s.Entries()
	out := make([]*Record, len(entries))
	for i, e := range entries {
		out[i] = e.Value
	}
	return out
}
