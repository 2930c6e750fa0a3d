// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"encoding/binary"
	"fmt"
)

const (
	tcpProtocolIdentifier uint16 = 0x0000

	// Modbus Application Protocol header
	mbapHeaderSize = 7
	// Largest ADU on the wire: header + function code + 252 data bytes.
	tcpMaxLength = 260
	// Largest PDU: function code + data.
	maxPDULength = 253
	// Header length field counts unit id + PDU.
	minFrameLength = 2
	maxFrameLength = maxPDULength + 1
)

// ErrFrameLength informs about an invalid length field in an MBAP header.
type ErrFrameLength int

func (length ErrFrameLength) Error() string {
	return fmt.Sprintf("modbus: length in header '%d' must be between '%v' and '%v'",
		int(length), minFrameLength, maxFrameLength)
}

// ErrFrameProtocol informs about a nonzero protocol identifier.
type ErrFrameProtocol uint16

func (id ErrFrameProtocol) Error() string {
	return fmt.Sprintf("modbus: protocol identifier '%d' must be '0'", uint16(id))
}

// encodeADU prepends the MBAP header to a PDU:
//
//	Transaction identifier: 2 bytes
//	Protocol identifier: 2 bytes
//	Length: 2 bytes
//	Unit identifier: 1 byte
//	Function code: 1 byte
//	Data: n bytes
func encodeADU(transactionID uint16, unitID byte, pdu ProtocolDataUnit) ([]byte, error) {
	if len(pdu.Data)+1 > maxPDULength {
		return nil, badRequestf("pdu length '%v' exceeds '%v'", len(pdu.Data)+1, maxPDULength)
	}
	adu := make([]byte, mbapHeaderSize+1+len(pdu.Data))
	binary.BigEndian.PutUint16(adu, transactionID)
	binary.BigEndian.PutUint16(adu[2:], tcpProtocolIdentifier)
	// Length = sizeof(UnitID) + sizeof(FunctionCode) + Data
	binary.BigEndian.PutUint16(adu[4:], uint16(1+1+len(pdu.Data)))
	adu[6] = unitID
	adu[mbapHeaderSize] = pdu.FunctionCode
	copy(adu[mbapHeaderSize+1:], pdu.Data)
	return adu, nil
}

// frame is one complete ADU sliced out of the stream.
type frame struct {
	transactionID uint16
	unitID        byte
	pdu           ProtocolDataUnit
}

// frameDecoder slices a byte stream into complete MBAP frames. It is
// stateful per connection: it holds the bytes received so far and the
// current header once that has been parsed. A framing violation is fatal
// for the connection; the decoder must not be used afterwards.
type frameDecoder struct {
	buf []byte
	// header of the frame currently being assembled
	haveHeader    bool
	transactionID uint16
	length        int
	unitID        byte
}

// feed appends freshly received bytes to the decoder.
func (d *frameDecoder) feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// next returns the next complete frame. ok is false when more bytes are
// needed; no input is consumed in that case. The returned PDU data aliases
// an internal buffer and is only valid until the next call to feed.
func (d *frameDecoder) next() (f frame, ok bool, err error) {
	if !d.haveHeader {
		if len(d.buf) < mbapHeaderSize {
			return frame{}, false, nil
		}
		if id := binary.BigEndian.Uint16(d.buf[2:]); id != tcpProtocolIdentifier {
			return frame{}, false, ErrFrameProtocol(id)
		}
		length := int(binary.BigEndian.Uint16(d.buf[4:]))
		if length < minFrameLength || length > maxFrameLength {
			return frame{}, false, ErrFrameLength(length)
		}
		d.transactionID = binary.BigEndian.Uint16(d.buf)
		d.unitID = d.buf[6]
		d.length = length
		d.buf = d.buf[mbapHeaderSize:]
		d.haveHeader = true
	}
	// length counts the unit id already consumed with the header
	pduLen := d.length - 1
	if len(d.buf) < pduLen {
		return frame{}, false, nil
	}
	f = frame{
		transactionID: d.transactionID,
		unitID:        d.unitID,
		pdu: ProtocolDataUnit{
			FunctionCode: d.buf[0],
			Data:         d.buf[1:pduLen],
		},
	}
	d.buf = d.buf[pduLen:]
	d.haveHeader = false
	return f, true, nil
}
