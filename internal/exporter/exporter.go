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

// Package exporter publishes server and simulation state as Prometheus
// metrics. Values are read at scrape time.
package exporter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgeo-scada/sps-mockup/modbus"
	"github.com/edgeo-scada/sps-mockup/sps"
)

const namespace = "spsmockup"

// ServerSource exposes Modbus server counters.
type ServerSource interface {
	Metrics() *modbus.ServerMetrics
}

// SimulationSource exposes the simulation state.
type SimulationSource interface {
	Status() sps.Status
	Snapshot() (*sps.Snapshot, error)
}

// Collector is a prometheus.Collector over a server and a simulator.
// Either source may be nil.
type Collector struct {
	server ServerSource
	sim    SimulationSource
	logger *slog.Logger

	requests        *prometheus.Desc
	requestErrors   *prometheus.Desc
	exceptions      *prometheus.Desc
	functionCalls   *prometheus.Desc
	functionErrors  *prometheus.Desc
	malformed       *prometheus.Desc
	activeConns     *prometheus.Desc
	totalConns      *prometheus.Desc
	rejectedConns   *prometheus.Desc
	latency         *prometheus.Desc
	heartbeat       *prometheus.Desc
	heartbeatMisses *prometheus.Desc
	ticks           *prometheus.Desc
	lastTick        *prometheus.Desc
	tickFailing     *prometheus.Desc
	register        *prometheus.Desc
}

// NewCollector creates a collector.
func NewCollector(server ServerSource, sim SimulationSource, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
	}

	return &Collector{
		server: server,
		sim:    sim,
		logger: logger,

		requests:        desc("modbus", "requests_total", "Modbus requests received."),
		requestErrors:   desc("modbus", "response_errors_total", "Responses that could not be written."),
		exceptions:      desc("modbus", "exceptions_total", "Exception responses sent."),
		functionCalls:   desc("modbus", "function_requests_total", "Requests per function code.", "function"),
		functionErrors:  desc("modbus", "function_exceptions_total", "Exception responses per function code.", "function"),
		malformed:       desc("modbus", "malformed_frames_total", "Connections closed on a malformed frame."),
		activeConns:     desc("modbus", "connections_active", "Open client connections."),
		totalConns:      desc("modbus", "connections_total", "Accepted client connections."),
		rejectedConns:   desc("modbus", "connections_rejected_total", "Connections refused at the connection limit."),
		latency:         desc("modbus", "request_duration_seconds", "Time from request decode to response write."),
		heartbeat:       desc("heartbeat", "present", "1 while the SCADA heartbeat is present."),
		heartbeatMisses: desc("heartbeat", "misses", "Consecutive ticks without a heartbeat pulse."),
		ticks:           desc("simulation", "ticks_total", "Completed simulation ticks."),
		lastTick:        desc("simulation", "last_tick_timestamp_seconds", "Unix time of the last completed tick."),
		tickFailing:     desc("simulation", "tick_failing", "1 if the last tick failed."),
		register:        desc("", "register_value", "Named register value.", "zone", "field"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.requests, c.requestErrors, c.exceptions, c.functionCalls, c.functionErrors,
		c.malformed, c.activeConns, c.totalConns, c.rejectedConns, c.latency,
		c.heartbeat, c.heartbeatMisses, c.ticks, c.lastTick, c.tickFailing, c.register,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.server != nil {
		c.collectServer(ch)
	}
	if c.sim != nil {
		c.collectSimulation(ch)
	}
}

func (c *Collector) collectServer(ch chan<- prometheus.Metric) {
	m := c.server.Metrics()

	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	counter(c.requests, m.RequestsTotal.Value())
	counter(c.requestErrors, m.RequestsErrors.Value())
	counter(c.exceptions, m.Exceptions.Value())
	counter(c.malformed, m.MalformedFrames.Value())
	counter(c.totalConns, m.TotalConns.Value())
	counter(c.rejectedConns, m.RejectedConns.Value())
	ch <- prometheus.MustNewConstMetric(c.activeConns, prometheus.GaugeValue, float64(m.ActiveConns.Value()))

	m.RangeFunctions(func(fc modbus.FunctionCode, fm *modbus.FunctionMetrics) {
		counter(c.functionCalls, fm.Requests.Value(), fc.String())
		counter(c.functionErrors, fm.Exceptions.Value(), fc.String())
	})

	bucketsMs, count, sumMs := m.Latency.Cumulative()
	buckets := make(map[float64]uint64, len(bucketsMs))
	for bound, n := range bucketsMs {
		buckets[bound/1000] = n
	}
	ch <- prometheus.MustNewConstHistogram(c.latency, count, sumMs/1000, buckets)
}

func (c *Collector) collectSimulation(ch chan<- prometheus.Metric) {
	st := c.sim.Status()

	ch <- prometheus.MustNewConstMetric(c.heartbeat, prometheus.GaugeValue, boolFloat(st.Present))
	ch <- prometheus.MustNewConstMetric(c.heartbeatMisses, prometheus.GaugeValue, float64(st.Misses))
	ch <- prometheus.MustNewConstMetric(c.ticks, prometheus.CounterValue, float64(st.Ticks))
	ch <- prometheus.MustNewConstMetric(c.tickFailing, prometheus.GaugeValue, boolFloat(st.LastError != nil))
	if !st.LastTick.IsZero() {
		ch <- prometheus.MustNewConstMetric(c.lastTick, prometheus.GaugeValue,
			float64(st.LastTick.UnixNano())/float64(time.Second))
	}

	snap, err := c.sim.Snapshot()
	if err != nil {
		c.logger.Warn("register snapshot failed", slog.String("error", err.Error()))
		ch <- prometheus.NewInvalidMetric(c.register, err)
		return
	}
	for zone, values := range map[string]map[string]uint16{"write": snap.Write, "feedback": snap.Feedback} {
		for field, v := range values {
			ch <- prometheus.MustNewConstMetric(c.register, prometheus.GaugeValue, float64(v), zone, field)
		}
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// NewRegistry returns a registry holding c plus the Go runtime and process
// collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Serve exposes reg over HTTP at path until ctx is done.
func Serve(ctx context.Context, addr, path string, reg *prometheus.Registry, logger *slog.Logger) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	return ServeListener(ctx, listener, path, reg, logger)
}

// ServeListener is Serve on an existing listener. The listener is closed
// on return.
func ServeListener(ctx context.Context, listener net.Listener, path string, reg *prometheus.Registry, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()
	logger.Info("metrics listening",
		slog.String("addr", listener.Addr().String()),
		slog.String("path", path))

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics shutdown: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics: %w", err)
		}
		return nil
	}
}
