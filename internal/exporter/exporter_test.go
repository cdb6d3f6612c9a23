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

package exporter

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/edgeo-scada/sps-mockup/modbus"
	"github.com/edgeo-scada/sps-mockup/sps"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeServer struct {
	m *modbus.ServerMetrics
}

func (f fakeServer) Metrics() *modbus.ServerMetrics { return f.m }

func newSimulator(t *testing.T) (*modbus.RegisterStore, *sps.Simulator) {
	t.Helper()
	store, err := modbus.NewRegisterStore(32001, 64)
	if err != nil {
		t.Fatal(err)
	}
	sim, err := sps.New(store, nil, sps.WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	return store, sim
}

func TestCollector_Simulation(t *testing.T) {
	store, sim := newSimulator(t)
	sim.Seed()
	store.Set(32030, []uint16{1})
	if err := sim.Tick(); err != nil {
		t.Fatal(err)
	}

	c := NewCollector(nil, sim, quietLogger())

	expected := `
# HELP spsmockup_heartbeat_misses Consecutive ticks without a heartbeat pulse.
# TYPE spsmockup_heartbeat_misses gauge
spsmockup_heartbeat_misses 0
# HELP spsmockup_heartbeat_present 1 while the SCADA heartbeat is present.
# TYPE spsmockup_heartbeat_present gauge
spsmockup_heartbeat_present 1
# HELP spsmockup_simulation_ticks_total Completed simulation ticks.
# TYPE spsmockup_simulation_ticks_total counter
spsmockup_simulation_ticks_total 1
# HELP spsmockup_simulation_tick_failing 1 if the last tick failed.
# TYPE spsmockup_simulation_tick_failing gauge
spsmockup_simulation_tick_failing 0
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"spsmockup_heartbeat_misses",
		"spsmockup_heartbeat_present",
		"spsmockup_simulation_ticks_total",
		"spsmockup_simulation_tick_failing")
	if err != nil {
		t.Errorf("Unexpected metrics: %v", err)
	}

	if n := testutil.CollectAndCount(c, "spsmockup_register_value"); n != 64 {
		t.Errorf("Register gauges: expected 64, got %d", n)
	}
	if n := testutil.CollectAndCount(c, "spsmockup_simulation_last_tick_timestamp_seconds"); n != 1 {
		t.Errorf("Last tick timestamp: expected 1 series, got %d", n)
	}
}

func TestCollector_Server(t *testing.T) {
	m := modbus.NewServerMetrics()
	m.RequestsTotal.Add(5)
	m.Exceptions.Add(1)
	m.ActiveConns.Add(2)
	m.ForFunction(modbus.FuncReadHoldingRegisters).Requests.Add(3)
	m.ForFunction(modbus.FuncReadHoldingRegisters).Exceptions.Add(1)
	m.ForFunction(modbus.FunctionCode(0x01)).Requests.Add(1)
	m.ForFunction(modbus.FunctionCode(0x04)).Requests.Add(1)
	m.Latency.Observe(300 * time.Microsecond)

	c := NewCollector(fakeServer{m}, nil, quietLogger())

	expected := `
# HELP spsmockup_modbus_connections_active Open client connections.
# TYPE spsmockup_modbus_connections_active gauge
spsmockup_modbus_connections_active 2
# HELP spsmockup_modbus_function_exceptions_total Exception responses per function code.
# TYPE spsmockup_modbus_function_exceptions_total counter
spsmockup_modbus_function_exceptions_total{function="ReadHoldingRegisters"} 1
spsmockup_modbus_function_exceptions_total{function="Unknown(0x01)"} 0
spsmockup_modbus_function_exceptions_total{function="Unknown(0x04)"} 0
# HELP spsmockup_modbus_requests_total Modbus requests received.
# TYPE spsmockup_modbus_requests_total counter
spsmockup_modbus_requests_total 5
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"spsmockup_modbus_connections_active",
		"spsmockup_modbus_function_exceptions_total",
		"spsmockup_modbus_requests_total")
	if err != nil {
		t.Errorf("Unexpected metrics: %v", err)
	}

	if n := testutil.CollectAndCount(c, "spsmockup_modbus_request_duration_seconds"); n != 1 {
		t.Errorf("Latency histogram: expected 1 series, got %d", n)
	}
	if n := testutil.CollectAndCount(c, "spsmockup_register_value"); n != 0 {
		t.Errorf("No simulator: expected no register gauges, got %d", n)
	}
}

func TestCollector_Lint(t *testing.T) {
	_, sim := newSimulator(t)
	c := NewCollector(fakeServer{modbus.NewServerMetrics()}, sim, quietLogger())

	problems, err := testutil.CollectAndLint(c)
	if err != nil {
		t.Fatalf("CollectAndLint failed: %v", err)
	}
	for _, p := range problems {
		t.Errorf("%s: %s", p.Metric, p.Text)
	}
}

func TestServeListener(t *testing.T) {
	_, sim := newSimulator(t)
	sim.Seed()
	reg := NewRegistry(NewCollector(nil, sim, quietLogger()))

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := listener.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ServeListener(ctx, listener, "/metrics", reg, quietLogger())
	}()

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Status: expected 200, got %d", resp.StatusCode)
	}
	for _, want := range []string{
		`spsmockup_register_value{field="RO_PH",zone="feedback"} 1360`,
		`spsmockup_register_value{field="TEMP_SETPOINT_A",zone="write"} 1200`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("Response missing %q", want)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ServeListener returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ServeListener did not stop")
	}
}
