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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func testDestination() Destination {
	return Destination{Provider: "pihole", Host: "10.0.0.2", Port: 80}
}

func testRecord(key Key, expiresIn time.Duration) *Record {
	now := time.Now()
	return NewRecord(key, testDestination(), Tokens{"sid": "abc", "csrf": "xyz"}, now, now.Add(expiresIn))
}

// =============================================================================
// Cache Tests
// =============================================================================

func TestCache_PutGetRoundTrip(t *testing.T) {
	store := NewStore()
	rec := testRecord("k1", time.Hour)

	store.Put("k1", rec)

	got, ok := store.Get("k1")
	require.True(t, ok)
	assert.Equal(t, Tokens{"sid": "abc", "csrf": "xyz"}, got.Tokens)
	assert.Equal(t, rec.ExpiresAt, got.ExpiresAt)
	assert.Equal(t, rec.Destination, got.Destination)
}

func TestCache_GetMissing(t *testing.T) {
	store := NewStore()

	_, ok := store.Get("missing")

	assert.False(t, ok)
}

func TestCache_Delete(t *testing.T) {
	store := NewStore()
	store.Put("k1", testRecord("k1", time.Hour))

	removed, ok := store.Delete("k1")
	require.True(t, ok)
	assert.Equal(t, Key("k1"), removed.Key)

	_, ok = store.Get("k1")
	assert.False(t, ok)

	_, ok = store.Delete("k1")
	assert.False(t, ok, "second delete should report absence")
}

func TestCache_PutOverwrites(t *testing.T) {
	store := NewStore()
	store.Put("k1", testRecord("k1", time.Hour))

	replacement := NewRecord("k1", testDestination(), Tokens{"sid": "new"}, time.Now(), time.Now().Add(time.Hour))
	store.Put("k1", replacement)

	got, _ := store.Get("k1")
	assert.Equal(t, "new", got.Tokens["sid"])
	assert.Equal(t, 1, store.Len())
}

func TestCache_SweepRemovesOnlyMatching(t *testing.T) {
	store := NewStore()
	for i := 0; i < 5; i++ {
		key := Key(fmt.Sprintf("live-%d", i))
		store.Put(key, testRecord(key, time.Hour))
	}
	for i := 0; i < 3; i++ {
		key := Key(fmt.Sprintf("dead-%d", i))
		store.Put(key, testRecord(key, -time.Minute))
	}

	removed := store.SweepExpired(time.Now())

	assert.Len(t, removed, 3)
	assert.Equal(t, 5, store.Len())
	for _, r := range removed {
		assert.Contains(t, string(r.Key), "dead-")
	}
}

func TestCache_EntriesIsCopy(t *testing.T) {
	cache := NewCache[string, int]()
	cache.Put("a", 1)
	cache.Put("b", 2)

	entries := cache.Entries()
	cache.Delete("a")

	assert.Len(t, entries, 2)
	assert.Equal(t, 1, cache.Len())
}

func TestCache_UpdateAbsentKey(t *testing.T) {
	cache := NewCache[string, int]()

	ok := cache.Update("nope", func(v int) int { return v + 1 })

	assert.False(t, ok)
	assert.Equal(t, 0, cache.Len())
}

func TestStore_RotateMergesTokens(t *testing.T) {
	store := NewStore()
	store.Put("k1", testRecord("k1", time.Hour))
	newExpiry := time.Now().Add(2 * time.Hour)

	ok := store.Rotate("k1", Rotation{Tokens: Tokens{"csrf": "rotated"}, ExpiresAt: newExpiry})
	require.True(t, ok)

	got, _ := store.Get("k1")
	assert.Equal(t, "abc", got.Tokens["sid"])
	assert.Equal(t, "rotated", got.Tokens["csrf"])
	assert.Equal(t, newExpiry, got.ExpiresAt)
}

func TestStore_RotateDoesNotTouchSnapshots(t *testing.T) {
	store := NewStore()
	store.Put("k1", testRecord("k1", time.Hour))
	rec, _ := store.Get("k1")
	snap := rec.Snapshot()

	store.Rotate("k1", Rotation{Tokens: Tokens{"sid": "rotated"}})

	assert.Equal(t, "abc", snap.Token("sid"))
	assert.Equal(t, "abc", rec.Tokens["sid"], "stored records are replaced, not mutated")
}

func TestStore_RotateMissing(t *testing.T) {
	store := NewStore()

	assert.False(t, store.Rotate("missing", Rotation{Tokens: Tokens{"sid": "x"}}))
}

func TestCache_ConcurrentAccess(t *testing.T) {
	store := NewStore()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := Key(fmt.Sprintf("k-%d", i%5))
			store.Put(key, testRecord(key, time.Hour))
			_, _ = store.Get(key)
			store.Rotate(key, Rotation{Tokens: Tokens{"csrf": "r"}})
			_ = store.Records()
			if i%7 == 0 {
				store.Delete(key)
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, store.Len(), 5)
}
