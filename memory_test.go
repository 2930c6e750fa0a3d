// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataModelCoils(t *testing.T) {
	m := NewDataModel(DataModelConfig{})
	ctx := context.Background()

	require.NoError(t, m.WriteSingleCoil(ctx, 1, 2, true))
	require.NoError(t, m.WriteMultipleCoils(ctx, 1, AddressRange{Start: 4, Count: 3},
		[]bool{true, true, false}))

	values, err := m.ReadCoils(ctx, 1, AddressRange{Start: 0, Count: 8})
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false, true, false, true, true, false, false}, values)
	assert.True(t, m.Coil(2))

	require.NoError(t, m.WriteSingleCoil(ctx, 1, 2, false))
	assert.False(t, m.Coil(2))
}

func TestDataModelRegisters(t *testing.T) {
	m := NewDataModel(DataModelConfig{})
	ctx := context.Background()

	require.NoError(t, m.WriteSingleRegister(ctx, 1, 0, 7))
	require.NoError(t, m.WriteMultipleRegisters(ctx, 1, AddressRange{Start: 1, Count: 2},
		[]uint16{8, 9}))

	values, err := m.ReadHoldingRegisters(ctx, 1, AddressRange{Start: 0, Count: 3})
	require.NoError(t, err)
	assert.Equal(t, []uint16{7, 8, 9}, values)
	assert.Equal(t, uint16(7), m.HoldingRegister(0))

	// Reads return copies; later writes must not alter earlier results.
	require.NoError(t, m.WriteSingleRegister(ctx, 1, 0, 1000))
	assert.Equal(t, []uint16{7, 8, 9}, values)
}

func TestDataModelReadOnlySpaces(t *testing.T) {
	m := NewDataModel(DataModelConfig{})
	ctx := context.Background()

	m.SetDiscreteInput(1, true)
	m.SetInputRegister(2, 0xFFFF)

	bits, err := m.ReadDiscreteInputs(ctx, 1, AddressRange{Start: 0, Count: 2})
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true}, bits)

	regs, err := m.ReadInputRegisters(ctx, 1, AddressRange{Start: 2, Count: 1})
	require.NoError(t, err)
	assert.Equal(t, []uint16{0xFFFF}, regs)
}

func TestDataModelIllegalDataAddress(t *testing.T) {
	m := NewDataModel(DataModelConfig{
		Coils:            16,
		DiscreteInputs:   16,
		HoldingRegisters: 16,
		InputRegisters:   16,
	})
	ctx := context.Background()

	_, err := m.ReadCoils(ctx, 1, AddressRange{Start: 10, Count: 7})
	assert.ErrorIs(t, err, ExceptionCodeIllegalDataAddress)
	_, err = m.ReadDiscreteInputs(ctx, 1, AddressRange{Start: 16, Count: 1})
	assert.ErrorIs(t, err, ExceptionCodeIllegalDataAddress)
	_, err = m.ReadHoldingRegisters(ctx, 1, AddressRange{Start: 0, Count: 17})
	assert.ErrorIs(t, err, ExceptionCodeIllegalDataAddress)
	_, err = m.ReadInputRegisters(ctx, 1, AddressRange{Start: 15, Count: 2})
	assert.ErrorIs(t, err, ExceptionCodeIllegalDataAddress)

	assert.ErrorIs(t, m.WriteSingleCoil(ctx, 1, 16, true), ExceptionCodeIllegalDataAddress)
	assert.ErrorIs(t, m.WriteSingleRegister(ctx, 1, 16, 0), ExceptionCodeIllegalDataAddress)
	assert.ErrorIs(t, m.WriteMultipleCoils(ctx, 1, AddressRange{Start: 15, Count: 2},
		[]bool{true, true}), ExceptionCodeIllegalDataAddress)
	assert.ErrorIs(t, m.WriteMultipleRegisters(ctx, 1, AddressRange{Start: 15, Count: 2},
		[]uint16{1, 2}), ExceptionCodeIllegalDataAddress)

	// In-range accesses still work.
	_, err = m.ReadCoils(ctx, 1, AddressRange{Start: 0, Count: 16})
	assert.NoError(t, err)
}

func TestDataModelUnitFilter(t *testing.T) {
	m := NewDataModel(DataModelConfig{Units: []byte{1, 2}})
	ctx := context.Background()

	_, err := m.ReadCoils(ctx, 1, AddressRange{Start: 0, Count: 1})
	assert.NoError(t, err)
	_, err = m.ReadCoils(ctx, 2, AddressRange{Start: 0, Count: 1})
	assert.NoError(t, err)
	_, err = m.ReadCoils(ctx, 3, AddressRange{Start: 0, Count: 1})
	assert.ErrorIs(t, err, ExceptionCodeGatewayTargetDeviceFailedToRespond)
	assert.ErrorIs(t, m.WriteSingleCoil(ctx, 3, 0, true),
		ExceptionCodeGatewayTargetDeviceFailedToRespond)
}

func TestDataModelExactLength(t *testing.T) {
	m := NewDataModel(DataModelConfig{})
	ctx := context.Background()

	values, err := m.ReadCoils(ctx, 1, AddressRange{Start: 100, Count: 37})
	require.NoError(t, err)
	assert.Len(t, values, 37)

	regs, err := m.ReadInputRegisters(ctx, 1, AddressRange{Start: 0, Count: 125})
	require.NoError(t, err)
	assert.Len(t, regs, 125)
}
