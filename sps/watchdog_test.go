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

import "testing"

func TestWatchdog_StartsAbsent(t *testing.T) {
	w := NewWatchdog(0)

	if w.Limit() != DefaultHeartbeatLimit {
		t.Errorf("Limit: expected %d, got %d", DefaultHeartbeatLimit, w.Limit())
	}
	if w.Misses() != 2 || w.Present() {
		t.Errorf("Expected absent with 2 misses, got %d present=%v", w.Misses(), w.Present())
	}
}

func TestWatchdog_Sequence(t *testing.T) {
	w := NewWatchdog(2)

	steps := []struct {
		pulse   bool
		misses  int
		present bool
	}{
		{true, 0, true},
		{false, 1, true},
		{false, 2, false},
		{false, 2, false},
		{false, 2, false},
		{true, 0, true},
		{true, 0, true},
		{false, 1, true},
	}

	for i, step := range steps {
		if got := w.Observe(step.pulse); got != step.misses {
			t.Errorf("Step %d: expected %d misses, got %d", i, step.misses, got)
		}
		if w.Present() != step.present {
			t.Errorf("Step %d: expected present=%v", i, step.present)
		}
	}
}

func TestWatchdog_CustomLimit(t *testing.T) {
	w := NewWatchdog(4)
	w.Observe(true)

	for i := 1; i <= 6; i++ {
		misses := w.Observe(false)
		expected := i
		if expected > 4 {
			expected = 4
		}
		if misses != expected {
			t.Errorf("Observe #%d: expected %d, got %d", i, expected, misses)
		}
	}
	if w.Present() {
		t.Error("Heartbeat should be absent after saturating")
	}
}
