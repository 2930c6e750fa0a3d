// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/edsrzf/mmap-go"
)

// File layout of a memory-mapped data model, all four spaces at full size:
//
//	Coils: 65536 bytes (offset 0)
//	DiscreteInputs: 65536 bytes (offset 65536)
//	HoldingRegisters: 65536 * 2 bytes (offset 131072)
//	InputRegisters: 65536 * 2 bytes (offset 262144)
//
// Register values are stored in host byte order; the file is not portable
// across architectures of different endianness.
const (
	mmapSizeCoils    = fullSpace
	mmapSizeDiscrete = fullSpace
	mmapSizeHolding  = fullSpace * 2
	mmapSizeInput    = fullSpace * 2
	mmapTotalSize    = mmapSizeCoils + mmapSizeDiscrete + mmapSizeHolding + mmapSizeInput

	mmapOffsetDiscrete = mmapSizeCoils
	mmapOffsetHolding  = mmapOffsetDiscrete + mmapSizeDiscrete
	mmapOffsetInput    = mmapOffsetHolding + mmapSizeHolding
)

// MmapStore persists a DataModel in a memory-mapped file. The model's
// spaces alias the mapping directly; every write through the model is
// followed by a flush.
type MmapStore struct {
	path  string
	file  *os.File
	data  mmap.MMap
	model *DataModel
}

// OpenMmapStore maps the file at path, creating and sizing it if
// necessary, and returns the store with its model.
func OpenMmapStore(path string, units []byte) (*MmapStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("modbus: open mmap file: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() != int64(mmapTotalSize) {
		if err := f.Truncate(int64(mmapTotalSize)); err != nil {
			f.Close()
			return nil, fmt.Errorf("modbus: resize mmap file: %w", err)
		}
	}
	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("modbus: mmap: %w", err)
	}

	store := &MmapStore{path: path, file: f, data: data}
	store.model = store.mapModel(units)
	return store, nil
}

// mapModel constructs a DataModel whose spaces alias the mapping.
func (ms *MmapStore) mapModel(units []byte) *DataModel {
	m := &DataModel{
		coils:    ms.data[:mmapSizeCoils],
		discrete: ms.data[mmapOffsetDiscrete : mmapOffsetDiscrete+mmapSizeDiscrete],
	}
	holdingBytes := ms.data[mmapOffsetHolding : mmapOffsetHolding+mmapSizeHolding]
	m.holding = unsafe.Slice((*uint16)(unsafe.Pointer(&holdingBytes[0])), mmapSizeHolding/2)
	inputBytes := ms.data[mmapOffsetInput : mmapOffsetInput+mmapSizeInput]
	m.input = unsafe.Slice((*uint16)(unsafe.Pointer(&inputBytes[0])), mmapSizeInput/2)
	m.setUnits(units)
	m.onWrite = func() {
		ms.Flush()
	}
	return m
}

// Model returns the DataModel backed by the mapping.
func (ms *MmapStore) Model() *DataModel {
	return ms.model
}

// Flush writes dirty pages back to the file.
func (ms *MmapStore) Flush() error {
	if ms.data == nil {
		return fmt.Errorf("modbus: mmap store is closed")
	}
	return ms.data.Flush()
}

// Close unmaps and closes the file. The model must not be used afterwards.
func (ms *MmapStore) Close() error {
	var err error
	if ms.data != nil {
		if e := ms.data.Unmap(); e != nil {
			err = e
		}
		ms.data = nil
	}
	if ms.file != nil {
		if e := ms.file.Close(); e != nil {
			err = e
		}
		ms.file = nil
	}
	return err
}
