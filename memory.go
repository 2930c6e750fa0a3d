// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"sync"
)

// DataModelConfig sizes the address spaces of a DataModel. A zero size
// selects the full 16-bit space.
type DataModelConfig struct {
	// Coils, DiscreteInputs, HoldingRegisters and InputRegisters give the
	// number of addressable points per space, up to 65536. Requests past
	// the end answer with ExceptionCodeIllegalDataAddress.
	Coils            int
	DiscreteInputs   int
	HoldingRegisters int
	InputRegisters   int
	// Units lists the unit ids served. Empty serves every unit id;
	// requests for other units answer with
	// ExceptionCodeGatewayTargetDeviceFailedToRespond.
	Units []byte
}

const fullSpace = 0x10000

func (cfg DataModelConfig) withDefaults() DataModelConfig {
	if cfg.Coils <= 0 || cfg.Coils > fullSpace {
		cfg.Coils = fullSpace
	}
	if cfg.DiscreteInputs <= 0 || cfg.DiscreteInputs > fullSpace {
		cfg.DiscreteInputs = fullSpace
	}
	if cfg.HoldingRegisters <= 0 || cfg.HoldingRegisters > fullSpace {
		cfg.HoldingRegisters = fullSpace
	}
	if cfg.InputRegisters <= 0 || cfg.InputRegisters > fullSpace {
		cfg.InputRegisters = fullSpace
	}
	return cfg
}

// DataModel is an in-memory RequestHandler over the four MODBUS address
// spaces. Coils and discrete inputs are stored as one byte per point,
// holding the value 0 or 1, registers as one uint16 per point. A mutex
// makes it safe for the parallel per-connection calls of a Server.
type DataModel struct {
	mu    sync.RWMutex
	units map[byte]struct{}

	coils    []byte
	discrete []byte
	holding  []uint16
	input    []uint16

	// onWrite, when set, runs after every successful write while the
	// write lock is still held. The mmap store uses it to flush.
	onWrite func()
}

// NewDataModel allocates a zero-initialized data model.
func NewDataModel(cfg DataModelConfig) *DataModel {
	cfg = cfg.withDefaults()
	m := &DataModel{
		coils:    make([]byte, cfg.Coils),
		discrete: make([]byte, cfg.DiscreteInputs),
		holding:  make([]uint16, cfg.HoldingRegisters),
		input:    make([]uint16, cfg.InputRegisters),
	}
	m.setUnits(cfg.Units)
	return m
}

func (m *DataModel) setUnits(units []byte) {
	if len(units) == 0 {
		return
	}
	m.units = make(map[byte]struct{}, len(units))
	for _, u := range units {
		m.units[u] = struct{}{}
	}
}

// checkUnit answers for unknown unit ids with the gateway exception.
func (m *DataModel) checkUnit(unitID byte) error {
	if m.units == nil {
		return nil
	}
	if _, ok := m.units[unitID]; !ok {
		return ExceptionCodeGatewayTargetDeviceFailedToRespond
	}
	return nil
}

func checkSpace(r AddressRange, size int) error {
	if int(r.Start)+int(r.Count) > size {
		return ExceptionCodeIllegalDataAddress
	}
	return nil
}

// ReadCoils implements RequestHandler.
func (m *DataModel) ReadCoils(_ context.Context, unitID byte, r AddressRange) ([]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkUnit(unitID); err != nil {
		return nil, err
	}
	if err := checkSpace(r, len(m.coils)); err != nil {
		return nil, err
	}
	return bitsOf(m.coils, r), nil
}

// ReadDiscreteInputs implements RequestHandler.
func (m *DataModel) ReadDiscreteInputs(_ context.Context, unitID byte, r AddressRange) ([]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkUnit(unitID); err != nil {
		return nil, err
	}
	if err := checkSpace(r, len(m.discrete)); err != nil {
		return nil, err
	}
	return bitsOf(m.discrete, r), nil
}

// ReadHoldingRegisters implements RequestHandler.
func (m *DataModel) ReadHoldingRegisters(_ context.Context, unitID byte, r AddressRange) ([]uint16, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkUnit(unitID); err != nil {
		return nil, err
	}
	if err := checkSpace(r, len(m.holding)); err != nil {
		return nil, err
	}
	return append([]uint16(nil), m.holding[r.Start:int(r.Start)+int(r.Count)]...), nil
}

// ReadInputRegisters implements RequestHandler.
func (m *DataModel) ReadInputRegisters(_ context.Context, unitID byte, r AddressRange) ([]uint16, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkUnit(unitID); err != nil {
		return nil, err
	}
	if err := checkSpace(r, len(m.input)); err != nil {
		return nil, err
	}
	return append([]uint16(nil), m.input[r.Start:int(r.Start)+int(r.Count)]...), nil
}

// WriteSingleCoil implements RequestHandler.
func (m *DataModel) WriteSingleCoil(_ context.Context, unitID byte, address uint16, value bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkUnit(unitID); err != nil {
		return err
	}
	if int(address) >= len(m.coils) {
		return ExceptionCodeIllegalDataAddress
	}
	m.coils[address] = bitByte(value)
	m.wrote()
	return nil
}

// WriteSingleRegister implements RequestHandler.
func (m *DataModel) WriteSingleRegister(_ context.Context, unitID byte, address, value uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkUnit(unitID); err != nil {
		return err
	}
	if int(address) >= len(m.holding) {
		return ExceptionCodeIllegalDataAddress
	}
	m.holding[address] = value
	m.wrote()
	return nil
}

// WriteMultipleCoils implements RequestHandler.
func (m *DataModel) WriteMultipleCoils(_ context.Context, unitID byte, r AddressRange, values []bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkUnit(unitID); err != nil {
		return err
	}
	if err := checkSpace(r, len(m.coils)); err != nil {
		return err
	}
	for i, v := range values {
		m.coils[int(r.Start)+i] = bitByte(v)
	}
	m.wrote()
	return nil
}

// WriteMultipleRegisters implements RequestHandler.
func (m *DataModel) WriteMultipleRegisters(_ context.Context, unitID byte, r AddressRange, values []uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkUnit(unitID); err != nil {
		return err
	}
	if err := checkSpace(r, len(m.holding)); err != nil {
		return err
	}
	copy(m.holding[r.Start:], values)
	m.wrote()
	return nil
}

func (m *DataModel) wrote() {
	if m.onWrite != nil {
		m.onWrite()
	}
}

// SetDiscreteInput updates a read-only input point, e.g. from an
// acquisition loop feeding the server.
func (m *DataModel) SetDiscreteInput(address uint16, value bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(address) < len(m.discrete) {
		m.discrete[address] = bitByte(value)
		m.wrote()
	}
}

// SetInputRegister updates a read-only register point.
func (m *DataModel) SetInputRegister(address uint16, value uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(address) < len(m.input) {
		m.input[address] = value
		m.wrote()
	}
}

// SetHoldingRegister updates a holding register outside the protocol.
func (m *DataModel) SetHoldingRegister(address uint16, value uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(address) < len(m.holding) {
		m.holding[address] = value
		m.wrote()
	}
}

// SetCoil updates a coil outside the protocol.
func (m *DataModel) SetCoil(address uint16, value bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(address) < len(m.coils) {
		m.coils[address] = bitByte(value)
		m.wrote()
	}
}

// Coil reads one coil outside the protocol.
func (m *DataModel) Coil(address uint16) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int(address) < len(m.coils) && m.coils[address] != 0
}

// HoldingRegister reads one holding register outside the protocol.
func (m *DataModel) HoldingRegister(address uint16) uint16 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if int(address) >= len(m.holding) {
		return 0
	}
	return m.holding[address]
}

func bitsOf(space []byte, r AddressRange) []bool {
	values := make([]bool, r.Count)
	for i := range values {
		values[i] = space[int(r.Start)+i] != 0
	}
	return values
}

func bitByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
