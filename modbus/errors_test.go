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
	"errors"
	"fmt"
	"testing"
)

func TestExceptionCode_String(t *testing.T) {
	tests := []struct {
		code     ExceptionCode
		expected string
	}{
		{ExceptionIllegalFunction, "illegal function"},
		{ExceptionIllegalDataAddress, "illegal data address"},
		{ExceptionIllegalDataValue, "illegal data value"},
		{ExceptionServerDeviceFailure, "server device failure"},
		{ExceptionServerDeviceBusy, "server device busy"},
		{ExceptionCode(0xFF), "unknown exception (0xFF)"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if tt.code.String() != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, tt.code.String())
			}
		})
	}
}

func TestModbusError(t *testing.T) {
	err := NewModbusError(FuncReadHoldingRegisters, ExceptionIllegalDataAddress)

	if err.FunctionCode != FuncReadHoldingRegisters {
		t.Errorf("FunctionCode: expected %d, got %d", FuncReadHoldingRegisters, err.FunctionCode)
	}
	if err.ExceptionCode != ExceptionIllegalDataAddress {
		t.Errorf("ExceptionCode: expected %d, got %d", ExceptionIllegalDataAddress, err.ExceptionCode)
	}

	expected := "modbus: exception illegal data address (FC=03)"
	if err.Error() != expected {
		t.Errorf("Error(): expected %q, got %q", expected, err.Error())
	}
}

func TestIsException(t *testing.T) {
	err := NewModbusError(FuncWriteSingleRegister, ExceptionIllegalFunction)

	if !IsException(err, ExceptionIllegalFunction) {
		t.Error("IsException should return true for matching exception")
	}
	if IsException(err, ExceptionIllegalDataAddress) {
		t.Error("IsException should return false for non-matching exception")
	}
	if IsException(errors.New("other error"), ExceptionIllegalFunction) {
		t.Error("IsException should return false for non-Modbus error")
	}
	if !IsIllegalFunction(fmt.Errorf("wrapped: %w", err)) {
		t.Error("IsIllegalFunction should see through wrapping")
	}
}

func TestIsPredicates(t *testing.T) {
	if !IsIllegalDataAddress(NewModbusError(FuncReadHoldingRegisters, ExceptionIllegalDataAddress)) {
		t.Error("IsIllegalDataAddress should return true")
	}
	if !IsIllegalDataValue(NewModbusError(FuncWriteMultipleRegisters, ExceptionIllegalDataValue)) {
		t.Error("IsIllegalDataValue should return true")
	}
	if !IsServerDeviceFailure(NewModbusError(FuncReadHoldingRegisters, ExceptionServerDeviceFailure)) {
		t.Error("IsServerDeviceFailure should return true")
	}
	if IsIllegalFunction(NewModbusError(FuncReadHoldingRegisters, ExceptionIllegalDataAddress)) {
		t.Error("IsIllegalFunction should return false for other exception")
	}
}

func TestModbusError_Is(t *testing.T) {
	err1 := NewModbusError(FuncReadHoldingRegisters, ExceptionIllegalFunction)
	err2 := NewModbusError(FuncWriteSingleRegister, ExceptionIllegalFunction)
	err3 := NewModbusError(FuncReadHoldingRegisters, ExceptionIllegalDataAddress)

	if !errors.Is(err1, err2) {
		t.Error("Errors with same exception code should match")
	}
	if errors.Is(err1, err3) {
		t.Error("Errors with different exception codes should not match")
	}
}

func TestExceptionFor(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ExceptionCode
	}{
		{"out of range", fmt.Errorf("%w: [1, 2)", ErrOutOfRange), ExceptionIllegalDataAddress},
		{"invalid address", ErrInvalidAddress, ExceptionIllegalDataAddress},
		{"invalid quantity", ErrInvalidQuantity, ExceptionIllegalDataValue},
		{"modbus error", NewModbusError(FuncReadHoldingRegisters, ExceptionServerDeviceBusy), ExceptionServerDeviceBusy},
		{"other", errors.New("disk on fire"), ExceptionServerDeviceFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exc := exceptionFor(FuncWriteMultipleRegisters, tt.err)
			if exc.FunctionCode != FuncWriteMultipleRegisters {
				t.Errorf("FunctionCode: expected %v, got %v", FuncWriteMultipleRegisters, exc.FunctionCode)
			}
			if exc.ExceptionCode != tt.expected {
				t.Errorf("ExceptionCode: expected %v, got %v", tt.expected, exc.ExceptionCode)
			}
		})
	}
}
