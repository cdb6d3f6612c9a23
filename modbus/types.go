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

// Package modbus provides the Modbus TCP server side of the SPS mockup: the
// MBAP frame codec, the exception taxonomy, a thread-safe holding register
// store and the TCP server that serves it.
package modbus

import "fmt"

// UnitID represents the Modbus unit identifier (slave address).
type UnitID uint8

// FunctionCode represents a Modbus function code.
type FunctionCode uint8

// Function codes understood by the server.
const (
	FuncReadHoldingRegisters   FunctionCode = 0x03
	FuncWriteSingleRegister    FunctionCode = 0x06
	FuncWriteMultipleRegisters FunctionCode = 0x10
	FuncReportServerID         FunctionCode = 0x11
	FuncEncapsulatedInterface  FunctionCode = 0x2B
)

// String returns a string representation of FunctionCode.
func (fc FunctionCode) String() string {
	switch fc {
	case FuncReadHoldingRegisters:
		return "ReadHoldingRegisters"
	case FuncWriteSingleRegister:
		return "WriteSingleRegister"
	case FuncWriteMultipleRegisters:
		return "WriteMultipleRegisters"
	case FuncReportServerID:
		return "ReportServerID"
	case FuncEncapsulatedInterface:
		return "EncapsulatedInterface"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", uint8(fc))
	}
}

// Protocol constants.
const (
	// MaxQuantityRegisters is the maximum number of registers that can be read.
	MaxQuantityRegisters = 125

	// MaxQuantityWriteRegisters is the maximum number of registers that can be written.
	MaxQuantityWriteRegisters = 123

	// MBAPHeaderSize is the size of the MBAP header in bytes.
	MBAPHeaderSize = 7

	// MaxPDUSize is the largest PDU a Modbus TCP frame may carry.
	MaxPDUSize = 253

	// ProtocolID is the Modbus protocol identifier (always 0 for Modbus TCP).
	ProtocolID = 0

	// DefaultPort is the port the SPS mockup listens on.
	DefaultPort = 5020
)

// Handler defines the register operations the server dispatches to.
// Errors of type *ModbusError are sent to the client as exception responses;
// any other error is reported as a server device failure.
type Handler interface {
	ReadHoldingRegisters(unitID UnitID, addr, qty uint16) ([]uint16, error)
	WriteSingleRegister(unitID UnitID, addr, value uint16) error
	WriteMultipleRegisters(unitID UnitID, addr uint16, values []uint16) error
}
