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

package modbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a simple atomic counter.
type Counter struct {
	value int64
}

// Add adds delta to the counter.
func (c *Counter) Add(delta int64) {
	atomic.AddInt64(&c.value, delta)
}

// Value returns the current counter value.
func (c *Counter) Value() int64 {
	return atomic.LoadInt64(&c.value)
}

// Reset resets the counter to zero.
func (c *Counter) Reset() {
	atomic.StoreInt64(&c.value, 0)
}

// latencyBounds are the histogram bucket upper bounds in milliseconds.
var latencyBounds = []float64{0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000}

var latencyLabels = []string{"100us", "500us", "1ms", "5ms", "10ms", "50ms", "100ms", "500ms", "1s", "1s+"}

// LatencyHistogram tracks how long requests spend between decode and response.
type LatencyHistogram struct {
	mu      sync.Mutex
	buckets []int64 // one per bound plus overflow
	sum     float64 // ms
	count   int64
	min     float64
	max     float64
}

// NewLatencyHistogram creates a new latency histogram.
func NewLatencyHistogram() *LatencyHistogram {
	return &LatencyHistogram{
		buckets: make([]int64, len(latencyBounds)+1),
		min:     -1,
		max:     -1,
	}
}

// Observe records a latency observation.
func (h *LatencyHistogram) Observe(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0

	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += ms
	h.count++
	if h.min < 0 || ms < h.min {
		h.min = ms
	}
	if ms > h.max {
		h.max = ms
	}

	for i, bound := range latencyBounds {
		if ms <= bound {
			h.buckets[i]++
			return
		}
	}
	h.buckets[len(latencyBounds)]++
}

// Stats returns histogram statistics.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := LatencyStats{
		Count:   h.count,
		Sum:     h.sum,
		Buckets: make(map[string]int64, len(h.buckets)),
	}
	if h.count > 0 {
		stats.Avg = h.sum / float64(h.count)
		stats.Min = h.min
		stats.Max = h.max
	}
	for i, n := range h.buckets {
		stats.Buckets[latencyLabels[i]] = n
	}
	return stats
}

// Cumulative returns the cumulative count per upper bound in milliseconds
// together with the total count and sum. The overflow bucket is only part
// of the total.
func (h *LatencyHistogram) Cumulative() (map[float64]uint64, uint64, float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	buckets := make(map[float64]uint64, len(latencyBounds))
	var total uint64
	for i, bound := range latencyBounds {
		total += uint64(h.buckets[i])
		buckets[bound] = total
	}
	return buckets, uint64(h.count), h.sum
}

// Reset resets the histogram.
func (h *LatencyHistogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range h.buckets {
		h.buckets[i] = 0
	}
	h.sum = 0
	h.count = 0
	h.min = -1
	h.max = -1
}

// LatencyStats holds latency statistics in milliseconds.
type LatencyStats struct {
	Count   int64
	Sum     float64
	Avg     float64
	Min     float64
	Max     float64
	Buckets map[string]int64
}

// ServerMetrics holds server-side metrics.
type ServerMetrics struct {
	RequestsTotal   Counter
	RequestsSuccess Counter
	RequestsErrors  Counter
	Exceptions      Counter
	MalformedFrames Counter
	ActiveConns     Counter
	TotalConns      Counter
	RejectedConns   Counter
	Latency         *LatencyHistogram

	funcMetrics sync.Map // FunctionCode -> *FunctionMetrics
}

// FunctionMetrics holds metrics for a specific function code.
type FunctionMetrics struct {
	Requests   Counter
	Exceptions Counter
}

// NewServerMetrics creates a new ServerMetrics instance.
func NewServerMetrics() *ServerMetrics {
	return &ServerMetrics{
		Latency: NewLatencyHistogram(),
	}
}

// ForFunction returns metrics for a specific function code.
func (m *ServerMetrics) ForFunction(fc FunctionCode) *FunctionMetrics {
	if val, ok := m.funcMetrics.Load(fc); ok {
		return val.(*FunctionMetrics)
	}
	actual, _ := m.funcMetrics.LoadOrStore(fc, &FunctionMetrics{})
	return actual.(*FunctionMetrics)
}

// RangeFunctions calls fn for every function code seen so far.
func (m *ServerMetrics) RangeFunctions(fn func(FunctionCode, *FunctionMetrics)) {
	m.funcMetrics.Range(func(key, value any) bool {
		fn(key.(FunctionCode), value.(*FunctionMetrics))
		return true
	})
}

// Collect returns all metrics as a map.
func (m *ServerMetrics) Collect() map[string]any {
	result := map[string]any{
		"requests_total":   m.RequestsTotal.Value(),
		"requests_success": m.RequestsSuccess.Value(),
		"requests_errors":  m.RequestsErrors.Value(),
		"exceptions":       m.Exceptions.Value(),
		"malformed_frames": m.MalformedFrames.Value(),
		"active_conns":     m.ActiveConns.Value(),
		"total_conns":      m.TotalConns.Value(),
		"rejected_conns":   m.RejectedConns.Value(),
		"latency":          m.Latency.Stats(),
	}

	funcStats := make(map[string]any)
	m.RangeFunctions(func(fc FunctionCode, fm *FunctionMetrics) {
		funcStats[fc.String()] = map[string]any{
			"requests":   fm.Requests.Value(),
			"exceptions": fm.Exceptions.Value(),
		}
	})
	if len(funcStats) > 0 {
		result["functions"] = funcStats
	}

	return result
}

// Reset resets all counters except the connection gauges.
func (m *ServerMetrics) Reset() {
	m.RequestsTotal.Reset()
	m.RequestsSuccess.Reset()
	m.RequestsErrors.Reset()
	m.Exceptions.Reset()
	m.MalformedFrames.Reset()
	m.TotalConns.Reset()
	m.RejectedConns.Reset()
	m.Latency.Reset()

	m.RangeFunctions(func(_ FunctionCode, fm *FunctionMetrics) {
		fm.Requests.Reset()
		fm.Exceptions.Reset()
	})
}
