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

// Package sps simulates the process side of an SPS (PLC) behind a Modbus
// register block: commanded values written by a SCADA client are echoed
// into a feedback zone and a heartbeat pulse is supervised by a watchdog.
package sps

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Store is the register block the simulator works on. Each call must be
// atomic with respect to the others.
type Store interface {
	Get(addr, count uint16) ([]uint16, error)
	Set(addr uint16, values []uint16) error
}

// Default timing of the simulation loop.
const (
	DefaultPeriod     = 5 * time.Second
	DefaultStartDelay = 5 * time.Second
)

// Option configures a Simulator.
type Option func(*options)

type options struct {
	period         time.Duration
	startDelay     time.Duration
	logger         *slog.Logger
	heartbeatLimit int
	clearHeartbeat bool
	statusField    string
}

func defaultOptions() options {
	return options{
		period:         DefaultPeriod,
		startDelay:     DefaultStartDelay,
		logger:         slog.Default(),
		heartbeatLimit: DefaultHeartbeatLimit,
		clearHeartbeat: true,
	}
}

// WithPeriod sets the tick period.
func WithPeriod(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.period = d
		}
	}
}

// WithStartDelay sets how long Run waits before seeding the zones.
func WithStartDelay(d time.Duration) Option {
	return func(o *options) {
		o.startDelay = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithHeartbeatLimit sets after how many pulse-less ticks the heartbeat is
// reported absent.
func WithHeartbeatLimit(n int) Option {
	return func(o *options) {
		o.heartbeatLimit = n
	}
}

// WithClearHeartbeat controls whether the heartbeat register is reset to 0
// after every tick, so that each pulse is counted once. Enabled by default.
func WithClearHeartbeat(enable bool) Option {
	return func(o *options) {
		o.clearHeartbeat = enable
	}
}

// WithStatusField publishes the watchdog state (1 present, 0 absent) into
// the named feedback zone field on every tick. The field must not be
// mirrored from the write zone.
func WithStatusField(name string) Option {
	return func(o *options) {
		o.statusField = name
	}
}

// Status is a point-in-time view of the simulation.
type Status struct {
	Misses    int
	Present   bool
	Ticks     uint64
	LastTick  time.Time
	LastError error
}

// Snapshot holds the named register values of both zones.
type Snapshot struct {
	Write    map[string]uint16
	Feedback map[string]uint16
}

// Simulator runs the SPS simulation loop against a Store.
type Simulator struct {
	store    Store
	schema   *Schema
	opts     options
	watchdog *Watchdog

	pairs     []MirrorPair
	heartbeat Field
	status    *Field

	mu       sync.Mutex
	feedback []uint16 // feedback zone image, owned by the loop
	ticks    uint64
	lastTick time.Time
	lastErr  error
	reported *bool // last logged heartbeat presence
}

// New creates a simulator for schema on store.
func New(store Store, schema *Schema, opts ...Option) (*Simulator, error) {
	if schema == nil {
		schema = DefaultSchema()
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	s := &Simulator{
		store:    store,
		schema:   schema,
		opts:     o,
		watchdog: NewWatchdog(o.heartbeatLimit),
		pairs:    schema.MirrorPairs(),
		feedback: schema.Feedback.Initial(),
	}
	s.heartbeat, _ = schema.Write.Field(schema.Heartbeat)

	if o.statusField != "" {
		f, ok := schema.Feedback.Field(o.statusField)
		if !ok {
			return nil, fmt.Errorf("%w: status field %s not in feedback zone", ErrInvalidSchema, o.statusField)
		}
		if _, mirrored := schema.Write.Field(o.statusField); mirrored {
			return nil, fmt.Errorf("%w: status field %s is mirrored from the write zone", ErrInvalidSchema, o.statusField)
		}
		s.status = &f
	}

	return s, nil
}

// Schema returns the register map.
func (s *Simulator) Schema() *Schema {
	return s.schema
}

// Run waits the start delay, seeds both zones and then ticks every period
// until ctx is done. A failed tick is logged and the loop goes on. Run
// returns nil when ctx is cancelled and an error only if seeding fails.
func (s *Simulator) Run(ctx context.Context) error {
	log := s.opts.logger

	if s.opts.startDelay > 0 {
		log.Info("simulation waiting", slog.Duration("delay", s.opts.startDelay))
		timer := time.NewTimer(s.opts.startDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}

	if err := s.Seed(); err != nil {
		return err
	}
	log.Info("simulation started",
		slog.Duration("period", s.opts.period),
		slog.Int("write_zone", int(s.schema.Write.Address)),
		slog.Int("feedback_zone", int(s.schema.Feedback.Address)))

	ticker := time.NewTicker(s.opts.period)
	defer ticker.Stop()

	for {
		if err := s.Tick(); err != nil {
			log.Error("simulation tick failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			log.Info("simulation stopped", slog.Uint64("ticks", s.Status().Ticks))
			return nil
		case <-ticker.C:
		}
	}
}

// Seed writes the initial values of both zones to the store.
func (s *Simulator) Seed() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Set(s.schema.Write.Address, s.schema.Write.Initial()); err != nil {
		return fmt.Errorf("seed write zone: %w", err)
	}
	s.feedback = s.schema.Feedback.Initial()
	if err := s.store.Set(s.schema.Feedback.Address, s.feedback); err != nil {
		return fmt.Errorf("seed feedback zone: %w", err)
	}
	return nil
}

// Tick runs one simulation step: it reads the write zone, updates the
// watchdog, rewrites the feedback zone in a single Set and finally resets
// the heartbeat register if configured to.
func (s *Simulator) Tick() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	written, err := s.store.Get(s.schema.Write.Address, s.schema.Write.Size)
	if err != nil {
		return s.fail(fmt.Errorf("read write zone: %w", err))
	}

	misses := s.watchdog.Observe(written[s.heartbeat.Offset] == 1)
	present := s.watchdog.Present()

	for _, p := range s.pairs {
		s.feedback[p.Feedback] = written[p.Write]
	}
	if s.status != nil {
		s.feedback[s.status.Offset] = boolToRegister(present)
	}

	if err := s.store.Set(s.schema.Feedback.Address, s.feedback); err != nil {
		return s.fail(fmt.Errorf("write feedback zone: %w", err))
	}

	if s.opts.clearHeartbeat {
		if err := s.store.Set(s.schema.Write.Address+s.heartbeat.Offset, []uint16{0}); err != nil {
			return s.fail(fmt.Errorf("clear heartbeat: %w", err))
		}
	}

	s.ticks++
	s.lastTick = time.Now()
	s.lastErr = nil

	log := s.opts.logger
	if log.Enabled(context.Background(), slog.LevelDebug) {
		log.Debug("simulation tick",
			slog.Uint64("tick", s.ticks),
			slog.Any("write", s.schema.Write.Named(written)),
			slog.Any("feedback", s.schema.Feedback.Named(s.feedback)))
	}
	if s.reported == nil || *s.reported != present {
		if present {
			log.Info("heartbeat present", slog.Int("misses", misses))
		} else {
			log.Warn("heartbeat absent", slog.Int("misses", misses))
		}
		s.reported = &present
	}
	return nil
}

func (s *Simulator) fail(err error) error {
	s.lastErr = err
	return err
}

// Status returns the current simulation state.
func (s *Simulator) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Status{
		Misses:    s.watchdog.Misses(),
		Present:   s.watchdog.Present(),
		Ticks:     s.ticks,
		LastTick:  s.lastTick,
		LastError: s.lastErr,
	}
}

// Snapshot reads both zones from the store and names their values.
func (s *Simulator) Snapshot() (*Snapshot, error) {
	return ReadSnapshot(s.store, s.schema)
}

// ReadSnapshot reads both zones of schema from store.
func ReadSnapshot(store Store, schema *Schema) (*Snapshot, error) {
	written, err := store.Get(schema.Write.Address, schema.Write.Size)
	if err != nil {
		return nil, fmt.Errorf("read write zone: %w", err)
	}
	feedback, err := store.Get(schema.Feedback.Address, schema.Feedback.Size)
	if err != nil {
		return nil, fmt.Errorf("read feedback zone: %w", err)
	}
	return &Snapshot{
		Write:    schema.Write.Named(written),
		Feedback: schema.Feedback.Named(feedback),
	}, nil
}

func boolToRegister(b bool) uint16 {
	if b {
		return 1
	}
	return 0
}
