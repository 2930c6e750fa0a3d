// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"encoding/binary"
)

// Request is a typed MODBUS request.
type Request interface {
	// FunctionCode returns the function code the request is issued with.
	FunctionCode() byte

	// validate checks the arguments against MODBUS constraints. Requests
	// failing validation never reach the wire.
	validate() error
	// encode serializes the request into a PDU.
	encode() (ProtocolDataUnit, error)
	// decodeResponse parses the data of a response carrying the same
	// function code and verifies it against the request.
	decodeResponse(data []byte) (Response, error)
}

// Response is a typed MODBUS response.
type Response interface {
	// FunctionCode returns the function code the response echoes.
	FunctionCode() byte

	// encode serializes the response into a PDU.
	encode() (ProtocolDataUnit, error)
}

// Bit packing. Coil values are packed LSB first; trailing bits of the last
// byte are zero.

func packBits(values []bool) []byte {
	packed := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			packed[i/8] |= 1 << uint(i%8)
		}
	}
	return packed
}

func unpackBits(data []byte, count uint16) []bool {
	values := make([]bool, count)
	for i := range values {
		values[i] = data[i/8]&(1<<uint(i%8)) != 0
	}
	return values
}

// dataBlock creates a sequence of uint16 data.
func dataBlock(value ...uint16) []byte {
	data := make([]byte, 2*len(value))
	for i, v := range value {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	return data
}

func coilValue(on bool) uint16 {
	if on {
		return 0xFF00
	}
	return 0x0000
}

// ReadCoilsRequest reads from 1 to 2000 contiguous coils.
//
// Request:
//
//	Function code         : 1 byte (0x01)
//	Starting address      : 2 bytes
//	Quantity of coils     : 2 bytes
type ReadCoilsRequest struct {
	Range AddressRange
}

// ReadCoilsResponse carries one boolean per requested coil.
//
// Response:
//
//	Function code         : 1 byte (0x01)
//	Byte count            : 1 byte
//	Coil status           : N* bytes (=N or N+1)
type ReadCoilsResponse struct {
	Values []bool
}

// FunctionCode implements Request.
func (r ReadCoilsRequest) FunctionCode() byte { return FuncCodeReadCoils }

// FunctionCode implements Response.
func (r ReadCoilsResponse) FunctionCode() byte { return FuncCodeReadCoils }

func (r ReadCoilsRequest) validate() error {
	return r.Range.validate(MaxReadBits)
}

func (r ReadCoilsRequest) encode() (ProtocolDataUnit, error) {
	return encodeReadRequest(r, r.Range)
}

func (r ReadCoilsRequest) decodeResponse(data []byte) (Response, error) {
	values, err := decodeBitsResponse(data, r.Range.Count)
	if err != nil {
		return nil, err
	}
	return ReadCoilsResponse{Values: values}, nil
}

func (r ReadCoilsResponse) encode() (ProtocolDataUnit, error) {
	return encodeBitsResponse(r.FunctionCode(), r.Values, MaxReadBits)
}

// ReadDiscreteInputsRequest reads from 1 to 2000 contiguous discrete inputs.
//
// Request:
//
//	Function code         : 1 byte (0x02)
//	Starting address      : 2 bytes
//	Quantity of inputs    : 2 bytes
type ReadDiscreteInputsRequest struct {
	Range AddressRange
}

// ReadDiscreteInputsResponse carries one boolean per requested input.
type ReadDiscreteInputsResponse struct {
	Values []bool
}

// FunctionCode implements Request.
func (r ReadDiscreteInputsRequest) FunctionCode() byte { return FuncCodeReadDiscreteInputs }

// FunctionCode implements Response.
func (r ReadDiscreteInputsResponse) FunctionCode() byte { return FuncCodeReadDiscreteInputs }

func (r ReadDiscreteInputsRequest) validate() error {
	return r.Range.validate(MaxReadBits)
}

func (r ReadDiscreteInputsRequest) encode() (ProtocolDataUnit, error) {
	return encodeReadRequest(r, r.Range)
}

func (r ReadDiscreteInputsRequest) decodeResponse(data []byte) (Response, error) {
	values, err := decodeBitsResponse(data, r.Range.Count)
	if err != nil {
		return nil, err
	}
	return ReadDiscreteInputsResponse{Values: values}, nil
}

func (r ReadDiscreteInputsResponse) encode() (ProtocolDataUnit, error) {
	return encodeBitsResponse(r.FunctionCode(), r.Values, MaxReadBits)
}

// ReadHoldingRegistersRequest reads from 1 to 125 contiguous holding
// registers.
//
// Request:
//
//	Function code         : 1 byte (0x03)
//	Starting address      : 2 bytes
//	Quantity of registers : 2 bytes
type ReadHoldingRegistersRequest struct {
	Range AddressRange
}

// ReadHoldingRegistersResponse carries one value per requested register.
//
// Response:
//
//	Function code         : 1 byte (0x03)
//	Byte count            : 1 byte
//	Register value        : Nx2 bytes
type ReadHoldingRegistersResponse struct {
	Values []uint16
}

// FunctionCode implements Request.
func (r ReadHoldingRegistersRequest) FunctionCode() byte { return FuncCodeReadHoldingRegisters }

// FunctionCode implements Response.
func (r ReadHoldingRegistersResponse) FunctionCode() byte { return FuncCodeReadHoldingRegisters }

func (r ReadHoldingRegistersRequest) validate() error {
	return r.Range.validate(MaxReadRegisters)
}

func (r ReadHoldingRegistersRequest) encode() (ProtocolDataUnit, error) {
	return encodeReadRequest(r, r.Range)
}

func (r ReadHoldingRegistersRequest) decodeResponse(data []byte) (Response, error) {
	values, err := decodeRegistersResponse(data, r.Range.Count)
	if err != nil {
		return nil, err
	}
	return ReadHoldingRegistersResponse{Values: values}, nil
}

func (r ReadHoldingRegistersResponse) encode() (ProtocolDataUnit, error) {
	return encodeRegistersResponse(r.FunctionCode(), r.Values)
}

// ReadInputRegistersRequest reads from 1 to 125 contiguous input registers.
//
// Request:
//
//	Function code         : 1 byte (0x04)
//	Starting address      : 2 bytes
//	Quantity of registers : 2 bytes
type ReadInputRegistersRequest struct {
	Range AddressRange
}

// ReadInputRegistersResponse carries one value per requested register.
type ReadInputRegistersResponse struct {
	Values []uint16
}

// FunctionCode implements Request.
func (r ReadInputRegistersRequest) FunctionCode() byte { return FuncCodeReadInputRegisters }

// FunctionCode implements Response.
func (r ReadInputRegistersResponse) FunctionCode() byte { return FuncCodeReadInputRegisters }

func (r ReadInputRegistersRequest) validate() error {
	return r.Range.validate(MaxReadRegisters)
}

func (r ReadInputRegistersRequest) encode() (ProtocolDataUnit, error) {
	return encodeReadRequest(r, r.Range)
}

func (r ReadInputRegistersRequest) decodeResponse(data []byte) (Response, error) {
	values, err := decodeRegistersResponse(data, r.Range.Count)
	if err != nil {
		return nil, err
	}
	return ReadInputRegistersResponse{Values: values}, nil
}

func (r ReadInputRegistersResponse) encode() (ProtocolDataUnit, error) {
	return encodeRegistersResponse(r.FunctionCode(), r.Values)
}

// WriteSingleCoilRequest writes a single output to either ON or OFF.
//
// Request:
//
//	Function code         : 1 byte (0x05)
//	Output address        : 2 bytes
//	Output value          : 2 bytes (0xFF00 or 0x0000)
type WriteSingleCoilRequest struct {
	Address uint16
	Value   bool
}

// WriteSingleCoilResponse echoes the request.
type WriteSingleCoilResponse struct {
	Address uint16
	Value   bool
}

// FunctionCode implements Request.
func (r WriteSingleCoilRequest) FunctionCode() byte { return FuncCodeWriteSingleCoil }

// FunctionCode implements Response.
func (r WriteSingleCoilResponse) FunctionCode() byte { return FuncCodeWriteSingleCoil }

func (r WriteSingleCoilRequest) validate() error { return nil }

func (r WriteSingleCoilRequest) encode() (ProtocolDataUnit, error) {
	return ProtocolDataUnit{
		FunctionCode: r.FunctionCode(),
		Data:         dataBlock(r.Address, coilValue(r.Value)),
	}, nil
}

func (r WriteSingleCoilRequest) decodeResponse(data []byte) (Response, error) {
	address, value, err := decodeEcho(data)
	if err != nil {
		return nil, err
	}
	if address != r.Address {
		return nil, badResponsef("response address '%v' does not match request '%v'", address, r.Address)
	}
	// The echoed ON/OFF state can only be 0xFF00 and 0x0000.
	if value != coilValue(r.Value) {
		return nil, badResponsef("response value '%#04x' does not match request '%#04x'", value, coilValue(r.Value))
	}
	return WriteSingleCoilResponse{Address: address, Value: r.Value}, nil
}

func (r WriteSingleCoilResponse) encode() (ProtocolDataUnit, error) {
	return ProtocolDataUnit{
		FunctionCode: r.FunctionCode(),
		Data:         dataBlock(r.Address, coilValue(r.Value)),
	}, nil
}

// WriteSingleRegisterRequest writes a single holding register.
//
// Request:
//
//	Function code         : 1 byte (0x06)
//	Register address      : 2 bytes
//	Register value        : 2 bytes
type WriteSingleRegisterRequest struct {
	Address uint16
	Value   uint16
}

// WriteSingleRegisterResponse echoes the request.
type WriteSingleRegisterResponse struct {
	Address uint16
	Value   uint16
}

// FunctionCode implements Request.
func (r WriteSingleRegisterRequest) FunctionCode() byte { return FuncCodeWriteSingleRegister }

// FunctionCode implements Response.
func (r WriteSingleRegisterResponse) FunctionCode() byte { return FuncCodeWriteSingleRegister }

func (r WriteSingleRegisterRequest) validate() error { return nil }

func (r WriteSingleRegisterRequest) encode() (ProtocolDataUnit, error) {
	return ProtocolDataUnit{
		FunctionCode: r.FunctionCode(),
		Data:         dataBlock(r.Address, r.Value),
	}, nil
}

func (r WriteSingleRegisterRequest) decodeResponse(data []byte) (Response, error) {
	address, value, err := decodeEcho(data)
	if err != nil {
		return nil, err
	}
	if address != r.Address {
		return nil, badResponsef("response address '%v' does not match request '%v'", address, r.Address)
	}
	if value != r.Value {
		return nil, badResponsef("response value '%v' does not match request '%v'", value, r.Value)
	}
	return WriteSingleRegisterResponse{Address: address, Value: value}, nil
}

func (r WriteSingleRegisterResponse) encode() (ProtocolDataUnit, error) {
	return ProtocolDataUnit{
		FunctionCode: r.FunctionCode(),
		Data:         dataBlock(r.Address, r.Value),
	}, nil
}

// WriteMultipleCoilsRequest forces a sequence of 1 to 1968 coils.
//
// Request:
//
//	Function code         : 1 byte (0x0F)
//	Starting address      : 2 bytes
//	Quantity of outputs   : 2 bytes
//	Byte count            : 1 byte
//	Outputs value         : N* bytes
type WriteMultipleCoilsRequest struct {
	Start  uint16
	Values []bool
}

// WriteMultipleCoilsResponse echoes starting address and quantity.
//
// Response:
//
//	Function code         : 1 byte (0x0F)
//	Starting address      : 2 bytes
//	Quantity of outputs   : 2 bytes
type WriteMultipleCoilsResponse struct {
	Range AddressRange
}

// FunctionCode implements Request.
func (r WriteMultipleCoilsRequest) FunctionCode() byte { return FuncCodeWriteMultipleCoils }

// FunctionCode implements Response.
func (r WriteMultipleCoilsResponse) FunctionCode() byte { return FuncCodeWriteMultipleCoils }

func (r WriteMultipleCoilsRequest) addressRange() AddressRange {
	return AddressRange{Start: r.Start, Count: uint16(len(r.Values))}
}

func (r WriteMultipleCoilsRequest) validate() error {
	if len(r.Values) > 0x10000 {
		return badRequestf("quantity '%v' must be between '%v' and '%v'", len(r.Values), 1, MaxWriteBits)
	}
	return r.addressRange().validate(MaxWriteBits)
}

func (r WriteMultipleCoilsRequest) encode() (ProtocolDataUnit, error) {
	if err := r.validate(); err != nil {
		return ProtocolDataUnit{}, err
	}
	packed := packBits(r.Values)
	data := dataBlock(r.Start, uint16(len(r.Values)))
	data = append(data, byte(len(packed)))
	data = append(data, packed...)
	return ProtocolDataUnit{FunctionCode: r.FunctionCode(), Data: data}, nil
}

func (r WriteMultipleCoilsRequest) decodeResponse(data []byte) (Response, error) {
	start, count, err := decodeEcho(data)
	if err != nil {
		return nil, err
	}
	want := r.addressRange()
	if start != want.Start || count != want.Count {
		return nil, badResponsef("response range '%v+%v' does not match request '%v+%v'",
			start, count, want.Start, want.Count)
	}
	return WriteMultipleCoilsResponse{Range: want}, nil
}

func (r WriteMultipleCoilsResponse) encode() (ProtocolDataUnit, error) {
	return ProtocolDataUnit{
		FunctionCode: r.FunctionCode(),
		Data:         dataBlock(r.Range.Start, r.Range.Count),
	}, nil
}

// WriteMultipleRegistersRequest writes a block of 1 to 123 contiguous
// holding registers.
//
// Request:
//
//	Function code         : 1 byte (0x10)
//	Starting address      : 2 bytes
//	Quantity of registers : 2 bytes
//	Byte count            : 1 byte
//	Registers value       : N*2 bytes
type WriteMultipleRegistersRequest struct {
	Start  uint16
	Values []uint16
}

// WriteMultipleRegistersResponse echoes starting address and quantity.
type WriteMultipleRegistersResponse struct {
	Range AddressRange
}

// FunctionCode implements Request.
func (r WriteMultipleRegistersRequest) FunctionCode() byte { return FuncCodeWriteMultipleRegisters }

// FunctionCode implements Response.
func (r WriteMultipleRegistersResponse) FunctionCode() byte { return FuncCodeWriteMultipleRegisters }

func (r WriteMultipleRegistersRequest) addressRange() AddressRange {
	return AddressRange{Start: r.Start, Count: uint16(len(r.Values))}
}

func (r WriteMultipleRegistersRequest) validate() error {
	if len(r.Values) > 0x10000 {
		return badRequestf("quantity '%v' must be between '%v' and '%v'", len(r.Values), 1, MaxWriteRegisters)
	}
	return r.addressRange().validate(MaxWriteRegisters)
}

func (r WriteMultipleRegistersRequest) encode() (ProtocolDataUnit, error) {
	if err := r.validate(); err != nil {
		return ProtocolDataUnit{}, err
	}
	data := dataBlock(r.Start, uint16(len(r.Values)))
	data = append(data, byte(2*len(r.Values)))
	data = append(data, dataBlock(r.Values...)...)
	return ProtocolDataUnit{FunctionCode: r.FunctionCode(), Data: data}, nil
}

func (r WriteMultipleRegistersRequest) decodeResponse(data []byte) (Response, error) {
	start, count, err := decodeEcho(data)
	if err != nil {
		return nil, err
	}
	want := r.addressRange()
	if start != want.Start || count != want.Count {
		return nil, badResponsef("response range '%v+%v' does not match request '%v+%v'",
			start, count, want.Start, want.Count)
	}
	return WriteMultipleRegistersResponse{Range: want}, nil
}

func (r WriteMultipleRegistersResponse) encode() (ProtocolDataUnit, error) {
	return ProtocolDataUnit{
		FunctionCode: r.FunctionCode(),
		Data:         dataBlock(r.Range.Start, r.Range.Count),
	}, nil
}

// Shared codec helpers.

func encodeReadRequest(r Request, rng AddressRange) (ProtocolDataUnit, error) {
	if err := r.validate(); err != nil {
		return ProtocolDataUnit{}, err
	}
	return ProtocolDataUnit{
		FunctionCode: r.FunctionCode(),
		Data:         dataBlock(rng.Start, rng.Count),
	}, nil
}

// decodeBitsResponse parses byte count plus packed bits and returns exactly
// count booleans.
func decodeBitsResponse(data []byte, count uint16) ([]bool, error) {
	if len(data) < 1 {
		return nil, badResponsef("response data is empty")
	}
	byteCount := int(data[0])
	if byteCount != len(data)-1 {
		return nil, badResponsef("response data size '%v' does not match count '%v'", len(data)-1, byteCount)
	}
	if byteCount != (int(count)+7)/8 {
		return nil, badResponsef("response byte count '%v' does not match quantity '%v'", byteCount, count)
	}
	return unpackBits(data[1:], count), nil
}

func encodeBitsResponse(functionCode byte, values []bool, limit uint16) (ProtocolDataUnit, error) {
	if len(values) < 1 || len(values) > int(limit) {
		return ProtocolDataUnit{}, badRequestf("quantity '%v' must be between '%v' and '%v'", len(values), 1, limit)
	}
	packed := packBits(values)
	data := make([]byte, 1+len(packed))
	data[0] = byte(len(packed))
	copy(data[1:], packed)
	return ProtocolDataUnit{FunctionCode: functionCode, Data: data}, nil
}

// decodeRegistersResponse parses byte count plus big-endian values and
// returns exactly count registers.
func decodeRegistersResponse(data []byte, count uint16) ([]uint16, error) {
	if len(data) < 1 {
		return nil, badResponsef("response data is empty")
	}
	byteCount := int(data[0])
	if byteCount != len(data)-1 {
		return nil, badResponsef("response data size '%v' does not match count '%v'", len(data)-1, byteCount)
	}
	if byteCount != 2*int(count) {
		return nil, badResponsef("response byte count '%v' does not match quantity '%v'", byteCount, count)
	}
	values := make([]uint16, count)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(data[1+2*i:])
	}
	return values, nil
}

func encodeRegistersResponse(functionCode byte, values []uint16) (ProtocolDataUnit, error) {
	if len(values) < 1 || len(values) > MaxReadRegisters {
		return ProtocolDataUnit{}, badRequestf("quantity '%v' must be between '%v' and '%v'", len(values), 1, MaxReadRegisters)
	}
	data := make([]byte, 1+2*len(values))
	data[0] = byte(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(data[1+2*i:], v)
	}
	return ProtocolDataUnit{FunctionCode: functionCode, Data: data}, nil
}

// decodeEcho parses the fixed four byte body shared by the write responses.
func decodeEcho(data []byte) (uint16, uint16, error) {
	if len(data) != 4 {
		return 0, 0, badResponsef("response data size '%v' does not match expected '%v'", len(data), 4)
	}
	return binary.BigEndian.Uint16(data), binary.BigEndian.Uint16(data[2:]), nil
}

// decodeRequest parses a request PDU on the server side. Errors are
// ExceptionCode values ready to be put on the wire: an unsupported function
// code yields ExceptionCodeIllegalFunction, a quantity or byte count
// violation yields ExceptionCodeIllegalDataValue.
func decodeRequest(pdu ProtocolDataUnit) (Request, error) {
	switch pdu.FunctionCode {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs:
		rng, err := decodeRequestRange(pdu.Data, MaxReadBits)
		if err != nil {
			return nil, err
		}
		if pdu.FunctionCode == FuncCodeReadCoils {
			return ReadCoilsRequest{Range: rng}, nil
		}
		return ReadDiscreteInputsRequest{Range: rng}, nil

	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		rng, err := decodeRequestRange(pdu.Data, MaxReadRegisters)
		if err != nil {
			return nil, err
		}
		if pdu.FunctionCode == FuncCodeReadHoldingRegisters {
			return ReadHoldingRegistersRequest{Range: rng}, nil
		}
		return ReadInputRegistersRequest{Range: rng}, nil

	case FuncCodeWriteSingleCoil:
		if len(pdu.Data) != 4 {
			return nil, ExceptionCodeIllegalDataValue
		}
		address := binary.BigEndian.Uint16(pdu.Data)
		switch binary.BigEndian.Uint16(pdu.Data[2:]) {
		case 0xFF00:
			return WriteSingleCoilRequest{Address: address, Value: true}, nil
		case 0x0000:
			return WriteSingleCoilRequest{Address: address, Value: false}, nil
		default:
			return nil, ExceptionCodeIllegalDataValue
		}

	case FuncCodeWriteSingleRegister:
		if len(pdu.Data) != 4 {
			return nil, ExceptionCodeIllegalDataValue
		}
		return WriteSingleRegisterRequest{
			Address: binary.BigEndian.Uint16(pdu.Data),
			Value:   binary.BigEndian.Uint16(pdu.Data[2:]),
		}, nil

	case FuncCodeWriteMultipleCoils:
		rng, payload, err := decodeRequestRangeSuffix(pdu.Data, MaxWriteBits)
		if err != nil {
			return nil, err
		}
		if len(payload) != (int(rng.Count)+7)/8 {
			return nil, ExceptionCodeIllegalDataValue
		}
		return WriteMultipleCoilsRequest{
			Start:  rng.Start,
			Values: unpackBits(payload, rng.Count),
		}, nil

	case FuncCodeWriteMultipleRegisters:
		rng, payload, err := decodeRequestRangeSuffix(pdu.Data, MaxWriteRegisters)
		if err != nil {
			return nil, err
		}
		if len(payload) != 2*int(rng.Count) {
			return nil, ExceptionCodeIllegalDataValue
		}
		values := make([]uint16, rng.Count)
		for i := range values {
			values[i] = binary.BigEndian.Uint16(payload[2*i:])
		}
		return WriteMultipleRegistersRequest{Start: rng.Start, Values: values}, nil

	default:
		return nil, ExceptionCodeIllegalFunction
	}
}

func decodeRequestRange(data []byte, limit uint16) (AddressRange, error) {
	if len(data) != 4 {
		return AddressRange{}, ExceptionCodeIllegalDataValue
	}
	rng := AddressRange{
		Start: binary.BigEndian.Uint16(data),
		Count: binary.BigEndian.Uint16(data[2:]),
	}
	if err := rng.validate(limit); err != nil {
		return AddressRange{}, ExceptionCodeIllegalDataValue
	}
	return rng, nil
}

func decodeRequestRangeSuffix(data []byte, limit uint16) (AddressRange, []byte, error) {
	if len(data) < 5 {
		return AddressRange{}, nil, ExceptionCodeIllegalDataValue
	}
	rng := AddressRange{
		Start: binary.BigEndian.Uint16(data),
		Count: binary.BigEndian.Uint16(data[2:]),
	}
	if err := rng.validate(limit); err != nil {
		return AddressRange{}, nil, ExceptionCodeIllegalDataValue
	}
	byteCount := int(data[4])
	if byteCount != len(data)-5 {
		return AddressRange{}, nil, ExceptionCodeIllegalDataValue
	}
	return rng, data[5:], nil
}
