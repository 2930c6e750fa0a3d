// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

/*
Package modbus provides a client and a server for MODBUS TCP.

The client multiplexes concurrent callers onto a single TCP connection and
pipelines requests by transaction identifier. The server accepts many
sessions and dispatches each request to a user supplied RequestHandler.
*/
package modbus

const (
	// FuncCodeReadCoils for bit wise access
	FuncCodeReadCoils = 1
	// FuncCodeReadDiscreteInputs for bit wise access
	FuncCodeReadDiscreteInputs = 2
	// FuncCodeWriteSingleCoil for bit wise access
	FuncCodeWriteSingleCoil = 5
	// FuncCodeWriteMultipleCoils for bit wise access
	FuncCodeWriteMultipleCoils = 15

	// FuncCodeReadHoldingRegisters 16-bit wise access
	FuncCodeReadHoldingRegisters = 3
	// FuncCodeReadInputRegisters 16-bit wise access
	FuncCodeReadInputRegisters = 4
	// FuncCodeWriteSingleRegister 16-bit wise access
	FuncCodeWriteSingleRegister = 6
	// FuncCodeWriteMultipleRegisters 16-bit wise access
	FuncCodeWriteMultipleRegisters = 16
)

// Quantity limits defined by the MODBUS application protocol.
const (
	// MaxReadBits is the largest quantity for ReadCoils and ReadDiscreteInputs.
	MaxReadBits = 2000
	// MaxReadRegisters is the largest quantity for ReadHoldingRegisters and
	// ReadInputRegisters.
	MaxReadRegisters = 125
	// MaxWriteBits is the largest quantity for WriteMultipleCoils.
	MaxWriteBits = 1968
	// MaxWriteRegisters is the largest quantity for WriteMultipleRegisters.
	MaxWriteRegisters = 123
)

// exceptionMask is set on the function code of an exception response.
const exceptionMask = 0x80

// ProtocolDataUnit (PDU) is independent of underlying communication layers.
type ProtocolDataUnit struct {
	FunctionCode byte
	Data         []byte
}

// AddressRange addresses Count consecutive points starting at Start.
type AddressRange struct {
	Start uint16
	Count uint16
}

// validate checks the quantity against a per-function limit and ensures the
// range does not wrap past the end of the 16-bit address space.
func (r AddressRange) validate(limit uint16) error {
	if r.Count < 1 || r.Count > limit {
		return badRequestf("quantity '%v' must be between '%v' and '%v'", r.Count, 1, limit)
	}
	if int(r.Start)+int(r.Count) > 0x10000 {
		return badRequestf("range start '%v' quantity '%v' exceeds the address space", r.Start, r.Count)
	}
	return nil
}
