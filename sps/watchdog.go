// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sps

import "sync"

// DefaultHeartbeatLimit is the number of pulse-less ticks after which the
// heartbeat is considered absent.
const DefaultHeartbeatLimit = 2

// Watchdog counts consecutive ticks without a heartbeat pulse. The counter
// saturates at its limit; it starts saturated so the heartbeat is absent
// until the first pulse arrives.
type Watchdog struct {
	mu     sync.RWMutex
	misses int
	limit  int
}

// NewWatchdog creates a watchdog. A limit below 1 uses DefaultHeartbeatLimit.
func NewWatchdog(limit int) *Watchdog {
	if limit < 1 {
		limit = DefaultHeartbeatLimit
	}
	return &Watchdog{misses: limit, limit: limit}
}

// Observe records one tick and returns the updated miss count.
func (w *Watchdog) Observe(pulse bool) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	if pulse {
		w.misses = 0
	} else if w.misses < w.limit {
		w.misses++
	}
	return w.misses
}

// Misses returns the number of consecutive ticks without a pulse.
func (w *Watchdog) Misses() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.misses
}

// Present reports whether the heartbeat is currently considered present.
func (w *Watchdog) Present() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.misses < w.limit
}

// Limit returns the saturation limit.
func (w *Watchdog) Limit() int {
	return w.limit
}
