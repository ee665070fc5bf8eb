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
	"sync"
)

// Manager owns the reaper and drainer for one process.
//
// # Thread Safety
//
// Start and Shutdown are safe to call concurrently and more than once.
// Only the first Shutdown drains.
type Manager struct {
	reaper  *Reaper
	drainer *Drainer

	shutdownOnce sync.Once
	drained      DrainResult
}

// NewManager creates a manager.
func NewManager(reaper *Reaper, drainer *Drainer) *Manager {
	return &Manager{reaper: reaper, drainer: drainer}
}

// Start starts the reaper. Starting an already running manager is a no-op.
func (m *Manager) Start(ctx context.Context) {
	_ = m.reaper.Start(ctx)
}

// Shutdown stops the reaper and drains the store.
//
// # Outputs
//
//   - DrainResult: Result of the first drain. Later calls return it again.
func (m *Manager) Shutdown(ctx context.Context) DrainResult {
	m.shutdownOnce.Do(func() {
		m.reaper.Stop()
		m.drained = m.drainer.Drain(ctx)
	})
	return m.drained
}

// Reaper returns the managed reaper.
func (m *Manager) Reaper() *Reaper {
	return m.reaper
}
