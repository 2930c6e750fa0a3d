// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import "context"

// RequestHandler answers typed read and write requests for the server. Read
// methods must return exactly Count values; a short or long slice is
// reported to the client as a server device failure.
//
// Handlers signal MODBUS exceptions by returning an ExceptionCode (possibly
// wrapped); any other error maps to ExceptionCodeServerDeviceFailure. A
// handler that does not serve a unit id should return
// ExceptionCodeGatewayTargetDeviceFailedToRespond.
//
// Methods are invoked serially per connection, but concurrently across
// connections. The handler is responsible for its own synchronization.
type RequestHandler interface {
	ReadCoils(ctx context.Context, unitID byte, r AddressRange) ([]bool, error)
	ReadDiscreteInputs(ctx context.Context, unitID byte, r AddressRange) ([]bool, error)
	ReadHoldingRegisters(ctx context.Context, unitID byte, r AddressRange) ([]uint16, error)
	ReadInputRegisters(ctx context.Context, unitID byte, r AddressRange) ([]uint16, error)
	WriteSingleCoil(ctx context.Context, unitID byte, address uint16, value bool) error
	WriteSingleRegister(ctx context.Context, unitID byte, address, value uint16) error
	WriteMultipleCoils(ctx context.Context, unitID byte, r AddressRange, values []bool) error
	WriteMultipleRegisters(ctx context.Context, unitID byte, r AddressRange, values []uint16) error
}

// dispatch routes a decoded request to the handler and returns the typed
// response. Errors returned by the handler are mapped to exception codes by
// the connection task.
func dispatch(ctx context.Context, h RequestHandler, unitID byte, req Request) (Response, error) {
	switch r := req.(type) {
	case ReadCoilsRequest:
		values, err := h.ReadCoils(ctx, unitID, r.Range)
		if err != nil {
			return nil, err
		}
		if len(values) != int(r.Range.Count) {
			return nil, errShortHandlerResult
		}
		return ReadCoilsResponse{Values: values}, nil
	case ReadDiscreteInputsRequest:
		values, err := h.ReadDiscreteInputs(ctx, unitID, r.Range)
		if err != nil {
			return nil, err
		}
		if len(values) != int(r.Range.Count) {
			return nil, errShortHandlerResult
		}
		return ReadDiscreteInputsResponse{Values: values}, nil
	case ReadHoldingRegistersRequest:
		values, err := h.ReadHoldingRegisters(ctx, unitID, r.Range)
		if err != nil {
			return nil, err
		}
		if len(values) != int(r.Range.Count) {
			return nil, errShortHandlerResult
		}
		return ReadHoldingRegistersResponse{Values: values}, nil
	case ReadInputRegistersRequest:
		values, err := h.ReadInputRegisters(ctx, unitID, r.Range)
		if err != nil {
			return nil, err
		}
		if len(values) != int(r.Range.Count) {
			return nil, errShortHandlerResult
		}
		return ReadInputRegistersResponse{Values: values}, nil
	case WriteSingleCoilRequest:
		if err := h.WriteSingleCoil(ctx, unitID, r.Address, r.Value); err != nil {
			return nil, err
		}
		return WriteSingleCoilResponse{Address: r.Address, Value: r.Value}, nil
	case WriteSingleRegisterRequest:
		if err := h.WriteSingleRegister(ctx, unitID, r.Address, r.Value); err != nil {
			return nil, err
		}
		return WriteSingleRegisterResponse{Address: r.Address, Value: r.Value}, nil
	case WriteMultipleCoilsRequest:
		if err := h.WriteMultipleCoils(ctx, unitID, r.addressRange(), r.Values); err != nil {
			return nil, err
		}
		return WriteMultipleCoilsResponse{Range: r.addressRange()}, nil
	case WriteMultipleRegistersRequest:
		if err := h.WriteMultipleRegisters(ctx, unitID, r.addressRange(), r.Values); err != nil {
			return nil, err
		}
		return WriteMultipleRegistersResponse{Range: r.addressRange()}, nil
	default:
		return nil, ExceptionCodeIllegalFunction
	}
}
