// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/observability"
	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/session"
)

// fillStore adds live and expired records and returns the expired keys.
func fillStore(t *testing.T, store *session.Store, live, expired int) []session.Key {
	t.Helper()
	now := time.Now()
	var dead []session.Key
	for i := 0; i < live+expired; i++ {
		key := session.Key(fmt.Sprintf("k%d", i))
		dest := session.Destination{Provider: "pihole", Host: fmt.Sprintf("10.0.0.%d", i), Port: 80}
		exp := now.Add(time.Hour)
		if i >= live {
			exp = now.Add(-time.Minute)
			dead = append(dead, key)
		}
		store.Put(key, session.NewRecord(key, dest, session.Tokens{"sid": "s"}, now.Add(-time.Hour), exp))
	}
	return dead
}

type logoutRecorder struct {
	mu    sync.Mutex
	keys  []session.Key
	err   error
	block chan struct{}
}

func (l *logoutRecorder) logout(ctx context.Context, rec *session.Record) error {
	if l.block != nil {
		<-l.block
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = append(l.keys, rec.Key)
	return l.err
}

func (l *logoutRecorder) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

func TestReaper_RemovesExactlyExpired(t *testing.T) {
	store := session.NewStore()
	dead := fillStore(t, store, 5, 3)
	rec := &logoutRecorder{}
	r := NewReaper(store, rec.logout, DefaultReaperConfig(), nil)

	result := r.RunNow(context.Background())

	assert.Equal(t, 3, result.Evicted)
	assert.Equal(t, 5, store.Len())
	assert.ElementsMatch(t, dead, rec.keys)
	for _, key := range dead {
		_, ok := store.Get(key)
		assert.False(t, ok)
	}
}

func TestReaper_RemovesEvenWhenLogoutFails(t *testing.T) {
	store := session.NewStore()
	fillStore(t, store, 2, 4)
	rec := &logoutRecorder{err: errors.New("connection refused")}
	reg := prometheus.NewRegistry()
	metrics := observability.NewBrokerMetrics(reg)
	r := NewReaper(store, rec.logout, DefaultReaperConfig(), metrics)

	result := r.RunNow(context.Background())

	assert.Equal(t, 4, result.Evicted)
	assert.Equal(t, 4, result.LogoutsFailed)
	assert.Len(t, result.Errors, 4)
	assert.Equal(t, 2, store.Len())
	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.LogoutsTotal.WithLabelValues("pihole", "reaper", "error")))
	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.ReaperEvictedTotal))
}

func TestReaper_PanickingLogoutIsContained(t *testing.T) {
	store := session.NewStore()
	fillStore(t, store, 0, 2)
	r := NewReaper(store, func(ctx context.Context, rec *session.Record) error {
		panic("adapter bug")
	}, DefaultReaperConfig(), nil)

	var result SweepResult
	require.NotPanics(t, func() { result = r.RunNow(context.Background()) })
	assert.Equal(t, 2, result.LogoutsFailed)
	assert.Equal(t, 0, store.Len())
}

func TestReaper_HooksRunAndPanicsAreIsolated(t *testing.T) {
	store := session.NewStore()
	r := NewReaper(store, (&logoutRecorder{}).logout, DefaultReaperConfig(), nil)
	var ran int32
	r.AddHook("bad", func(ctx context.Context) { panic("boom") })
	r.AddHook("good", func(ctx context.Context) { atomic.AddInt32(&ran, 1) })

	result := r.RunNow(context.Background())

	assert.Equal(t, 1, result.HooksFailed)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestReaper_BoundedConcurrency(t *testing.T) {
	store := session.NewStore()
	fillStore(t, store, 0, 10)
	config := DefaultReaperConfig()
	config.LogoutConcurrency = 2

	var inFlight, peak int32
	r := NewReaper(store, func(ctx context.Context, rec *session.Record) error {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil
	}, config, nil)

	r.RunNow(context.Background())

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestReaper_StartStop(t *testing.T) {
	store := session.NewStore()
	fillStore(t, store, 1, 2)
	config := DefaultReaperConfig()
	config.Interval = 10 * time.Millisecond
	rec := &logoutRecorder{}
	r := NewReaper(store, rec.logout, config, nil)

	require.NoError(t, r.Start(context.Background()))
	assert.Error(t, r.Start(context.Background()), "second start must fail")

	assert.Eventually(t, func() bool { return store.Len() == 1 }, time.Second, 5*time.Millisecond)

	r.Stop()
	r.Stop()
	assert.Equal(t, 2, rec.count())
}

func TestReaper_StopsOnContextCancel(t *testing.T) {
	config := DefaultReaperConfig()
	config.Interval = time.Millisecond
	r := NewReaper(session.NewStore(), (&logoutRecorder{}).logout, config, nil)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, r.Start(ctx))
	cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper loop did not exit after cancel")
	}
}
