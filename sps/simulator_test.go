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

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"

	mb "github.com/goburrow/modbus"

	"github.com/edgeo-scada/sps-mockup/modbus"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *modbus.RegisterStore {
	t.Helper()
	store, err := modbus.NewRegisterStore(32001, 64)
	if err != nil {
		t.Fatalf("NewRegisterStore failed: %v", err)
	}
	return store
}

func newTestSimulator(t *testing.T, store Store, opts ...Option) *Simulator {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	sim, err := New(store, DefaultSchema(), opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return sim
}

func register(t *testing.T, store Store, addr uint16) uint16 {
	t.Helper()
	values, err := store.Get(addr, 1)
	if err != nil {
		t.Fatalf("Get(%d) failed: %v", addr, err)
	}
	return values[0]
}

func TestSimulator_Seed(t *testing.T) {
	store := newTestStore(t)
	sim := newTestSimulator(t, store)

	if err := sim.Seed(); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	snap, err := sim.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snap.Write["TEMP_SETPOINT_A"] != 1200 || snap.Write["LAST_STEP_NUMBER"] != 2 {
		t.Errorf("Unexpected write zone: %v", snap.Write)
	}
	if snap.Feedback["RO_TEMP"] != 1250 || snap.Feedback["RO_OXYGEN"] != 1580 {
		t.Errorf("Unexpected feedback zone: %v", snap.Feedback)
	}
}

func TestSimulator_TickMirrorsWriteZone(t *testing.T) {
	store := newTestStore(t)
	sim := newTestSimulator(t, store)
	sim.Seed()

	// Commanded values from the SCADA side.
	store.Set(32001, []uint16{0, 1, 1, 0, 0})
	store.Set(32014, []uint16{1150, 1300})
	store.Set(32031, []uint16{7, 1})
	store.Set(32019, []uint16{55}) // SPARE_19 has no feedback field

	before, _ := sim.Snapshot()

	if err := sim.Tick(); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	after, _ := sim.Snapshot()
	for _, p := range sim.Schema().MirrorPairs() {
		if after.Feedback[p.Name] != after.Write[p.Name] {
			t.Errorf("%s: feedback %d != write %d", p.Name, after.Feedback[p.Name], after.Write[p.Name])
		}
	}
	for name, v := range before.Feedback {
		if _, mirrored := sim.Schema().Write.Field(name); mirrored {
			continue
		}
		if after.Feedback[name] != v {
			t.Errorf("%s: feedback-only field changed from %d to %d", name, v, after.Feedback[name])
		}
	}

	if after.Feedback["LAST_STEP_NUMBER"] != 7 || after.Feedback["MANUAL_CONTROL"] != 1 {
		t.Errorf("Expected LAST_STEP_NUMBER=7 MANUAL_CONTROL=1, got %v", after.Feedback)
	}
	if after.Feedback["TEMP_SETPOINT_B"] != 1300 {
		t.Errorf("TEMP_SETPOINT_B: expected 1300, got %d", after.Feedback["TEMP_SETPOINT_B"])
	}
}

func TestSimulator_TelemetryRestoredOnTick(t *testing.T) {
	store := newTestStore(t)
	sim := newTestSimulator(t, store)
	sim.Seed()

	// RO_TEMP is simulated; a client write does not stick.
	store.Set(32053, []uint16{9999})
	sim.Tick()

	if v := register(t, store, 32053); v != 1250 {
		t.Errorf("RO_TEMP: expected 1250, got %d", v)
	}
}

func TestSimulator_Heartbeat(t *testing.T) {
	store := newTestStore(t)
	sim := newTestSimulator(t, store)
	sim.Seed()

	if st := sim.Status(); st.Misses != 2 || st.Present {
		t.Fatalf("Expected absent before first tick, got %+v", st)
	}

	store.Set(32030, []uint16{1})
	sim.Tick()

	if st := sim.Status(); st.Misses != 0 || !st.Present || st.Ticks != 1 {
		t.Errorf("After pulse: expected 0 misses present, got %+v", st)
	}
	if v := register(t, store, 32030); v != 0 {
		t.Errorf("HEARTBEAT should be cleared after tick, got %d", v)
	}

	sim.Tick()
	if st := sim.Status(); st.Misses != 1 || !st.Present {
		t.Errorf("After one miss: expected 1 miss present, got %+v", st)
	}

	sim.Tick()
	sim.Tick()
	if st := sim.Status(); st.Misses != 2 || st.Present {
		t.Errorf("After misses: expected 2 misses absent, got %+v", st)
	}
}

func TestSimulator_KeepHeartbeat(t *testing.T) {
	store := newTestStore(t)
	sim := newTestSimulator(t, store, WithClearHeartbeat(false))
	sim.Seed()

	store.Set(32030, []uint16{1})
	for i := 0; i < 3; i++ {
		sim.Tick()
	}

	if v := register(t, store, 32030); v != 1 {
		t.Errorf("HEARTBEAT: expected 1, got %d", v)
	}
	if st := sim.Status(); st.Misses != 0 {
		t.Errorf("A held pulse keeps the watchdog at 0, got %d", st.Misses)
	}
}

func TestSimulator_StatusField(t *testing.T) {
	store := newTestStore(t)
	sim := newTestSimulator(t, store, WithStatusField("RO_SPARE_25"))
	sim.Seed()

	// RO_SPARE_25 is feedback offset 24.
	const statusReg = 32033 + 24

	sim.Tick()
	if v := register(t, store, statusReg); v != 0 {
		t.Errorf("Status before pulse: expected 0, got %d", v)
	}

	store.Set(32030, []uint16{1})
	sim.Tick()
	if v := register(t, store, statusReg); v != 1 {
		t.Errorf("Status after pulse: expected 1, got %d", v)
	}

	sim.Tick()
	sim.Tick()
	if v := register(t, store, statusReg); v != 0 {
		t.Errorf("Status after misses: expected 0, got %d", v)
	}
}

func TestNew_InvalidStatusField(t *testing.T) {
	store := newTestStore(t)

	for _, name := range []string{"NOPE", "V1", "HEARTBEAT"} {
		if _, err := New(store, DefaultSchema(), WithStatusField(name)); !errors.Is(err, ErrInvalidSchema) {
			t.Errorf("%s: expected ErrInvalidSchema, got %v", name, err)
		}
	}
}

func TestSimulator_TickError(t *testing.T) {
	// Too small for the feedback zone.
	store, err := modbus.NewRegisterStore(32001, 32)
	if err != nil {
		t.Fatal(err)
	}
	sim := newTestSimulator(t, store)

	err = sim.Tick()
	if !errors.Is(err, modbus.ErrOutOfRange) {
		t.Fatalf("Expected ErrOutOfRange, got %v", err)
	}
	if st := sim.Status(); st.LastError == nil || st.Ticks != 0 {
		t.Errorf("Expected recorded error and no ticks, got %+v", st)
	}
	if err := sim.Seed(); err == nil {
		t.Error("Seed should fail on a short store")
	}
}

func TestSimulator_Run(t *testing.T) {
	store := newTestStore(t)
	sim := newTestSimulator(t, store, WithStartDelay(0), WithPeriod(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- sim.Run(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for sim.Status().Ticks < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected at least 3 ticks, got %d", sim.Status().Ticks)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}

	if v := register(t, store, 32053); v != 1250 {
		t.Errorf("RO_TEMP: expected seeded 1250, got %d", v)
	}
}

// flakyStore fails its first reads.
type flakyStore struct {
	*modbus.RegisterStore
	failures atomic.Int32
}

func (f *flakyStore) Get(addr, count uint16) ([]uint16, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("link down")
	}
	return f.RegisterStore.Get(addr, count)
}

func TestSimulator_RunContinuesAfterTickError(t *testing.T) {
	store := &flakyStore{RegisterStore: newTestStore(t)}
	store.failures.Store(2)
	sim := newTestSimulator(t, store, WithStartDelay(0), WithPeriod(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- sim.Run(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for sim.Status().Ticks < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("Loop did not recover from failed ticks: %+v", sim.Status())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if st := sim.Status(); st.LastError != nil {
		t.Errorf("LastError should clear after a good tick, got %v", st.LastError)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
}

func TestSimulator_RunCancelledDuringStartDelay(t *testing.T) {
	store := newTestStore(t)
	sim := newTestSimulator(t, store, WithStartDelay(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := sim.Run(ctx); err != nil {
		t.Errorf("Run returned %v", err)
	}
	if v := register(t, store, 32001); v != 0 {
		t.Errorf("Store should not be seeded, V1=%d", v)
	}
}

func TestSimulator_ModbusClient(t *testing.T) {
	store := newTestStore(t)
	sim := newTestSimulator(t, store)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server := modbus.NewServer(store, modbus.WithServerLogger(quietLogger()))
	go server.Serve(listener)
	defer server.Close()

	handler := mb.NewTCPClientHandler(listener.Addr().String())
	handler.Timeout = 2 * time.Second
	handler.SlaveId = 1
	if err := handler.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer handler.Close()
	client := mb.NewClient(handler)

	// Before the simulation starts the feedback zone is all zeros.
	results, err := client.ReadHoldingRegisters(32033, 32)
	if err != nil {
		t.Fatalf("ReadHoldingRegisters failed: %v", err)
	}
	if !bytes.Equal(results, make([]byte, 64)) {
		t.Errorf("Expected 64 zero bytes, got %x", results)
	}

	if err := sim.Seed(); err != nil {
		t.Fatal(err)
	}

	echo, err := client.WriteSingleRegister(32030, 1)
	if err != nil {
		t.Fatalf("WriteSingleRegister failed: %v", err)
	}
	if !bytes.Equal(echo, []byte{0x00, 0x01}) {
		t.Errorf("Expected echoed value 0001, got %x", echo)
	}
	if _, err := client.WriteMultipleRegisters(32014, 2, []byte{0x04, 0x7E, 0x04, 0x7E}); err != nil {
		t.Fatalf("WriteMultipleRegisters failed: %v", err)
	}

	if err := sim.Tick(); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if st := sim.Status(); st.Misses != 0 || !st.Present {
		t.Errorf("Expected heartbeat present, got %+v", st)
	}

	// TEMP_SETPOINT_A/B are feedback offsets 13 and 14.
	results, err = client.ReadHoldingRegisters(32046, 2)
	if err != nil {
		t.Fatalf("ReadHoldingRegisters failed: %v", err)
	}
	if !bytes.Equal(results, []byte{0x04, 0x7E, 0x04, 0x7E}) {
		t.Errorf("Expected mirrored setpoints 1150, got %x", results)
	}
}
