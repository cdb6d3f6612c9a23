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
	"fmt"
	"sync"
)

// RegisterStore is a contiguous block of holding registers starting at a
// base address. Every Get and Set holds the store lock for the duration of
// the copy, so a reader never observes a partially applied Set.
//
// RegisterStore implements Handler; all unit identifiers address the same
// block.
type RegisterStore struct {
	mu   sync.RWMutex
	base uint16
	regs []uint16

	// offset is added to protocol addresses before they hit the block.
	offset uint16
}

// StoreOption is a functional option for configuring a RegisterStore.
type StoreOption func(*RegisterStore)

// WithZeroMode selects how protocol addresses map onto registers. In zero
// mode (the default) protocol address N is register N. With zero mode off,
// protocol address N is register N+1, as in the Modbus data model where
// register 1 is addressed as 0.
func WithZeroMode(enable bool) StoreOption {
	return func(s *RegisterStore) {
		if enable {
			s.offset = 0
		} else {
			s.offset = 1
		}
	}
}

// NewRegisterStore creates a zero-initialized store of size registers
// starting at base.
func NewRegisterStore(base uint16, size int, opts ...StoreOption) (*RegisterStore, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: store size must be positive, got %d", ErrInvalidQuantity, size)
	}
	if int(base)+size > 65536 {
		return nil, fmt.Errorf("%w: %d registers from %d exceed address space", ErrInvalidAddress, size, base)
	}

	s := &RegisterStore{
		base: base,
		regs: make([]uint16, size),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Base returns the first valid register address.
func (s *RegisterStore) Base() uint16 {
	return s.base
}

// Size returns the number of registers in the store.
func (s *RegisterStore) Size() int {
	return len(s.regs)
}

// index validates [addr, addr+count) and returns its offset into regs.
func (s *RegisterStore) index(addr uint16, count int) (int, error) {
	if count < 1 {
		return 0, fmt.Errorf("%w: empty register range", ErrInvalidQuantity)
	}
	start := int(addr) - int(s.base)
	if start < 0 || start+count > len(s.regs) {
		return 0, fmt.Errorf("%w: [%d, %d) not within [%d, %d)",
			ErrOutOfRange, addr, int(addr)+count, s.base, int(s.base)+len(s.regs))
	}
	return start, nil
}

// Get returns a copy of count registers starting at addr.
func (s *RegisterStore) Get(addr, count uint16) ([]uint16, error) {
	start, err := s.index(addr, int(count))
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]uint16, count)
	copy(result, s.regs[start:])
	return result, nil
}

// Set writes values starting at addr. Nothing is written unless the whole
// range is valid.
func (s *RegisterStore) Set(addr uint16, values []uint16) error {
	start, err := s.index(addr, len(values))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copy(s.regs[start:], values)
	return nil
}

// protocolAddr converts a wire address to a register address.
func (s *RegisterStore) protocolAddr(fc FunctionCode, addr uint16) (uint16, error) {
	if uint32(addr)+uint32(s.offset) > 0xFFFF {
		return 0, NewModbusError(fc, ExceptionIllegalDataAddress)
	}
	return addr + s.offset, nil
}

func (s *RegisterStore) ReadHoldingRegisters(unitID UnitID, addr, qty uint16) ([]uint16, error) {
	reg, err := s.protocolAddr(FuncReadHoldingRegisters, addr)
	if err != nil {
		return nil, err
	}
	values, err := s.Get(reg, qty)
	if err != nil {
		return nil, exceptionFor(FuncReadHoldingRegisters, err)
	}
	return values, nil
}

func (s *RegisterStore) WriteSingleRegister(unitID UnitID, addr, value uint16) error {
	reg, err := s.protocolAddr(FuncWriteSingleRegister, addr)
	if err != nil {
		return err
	}
	if err := s.Set(reg, []uint16{value}); err != nil {
		return exceptionFor(FuncWriteSingleRegister, err)
	}
	return nil
}

func (s *RegisterStore) WriteMultipleRegisters(unitID UnitID, addr uint16, values []uint16) error {
	reg, err := s.protocolAddr(FuncWriteMultipleRegisters, addr)
	if err != nil {
		return err
	}
	if err := s.Set(reg, values); err != nil {
		return exceptionFor(FuncWriteMultipleRegisters, err)
	}
	return nil
}
