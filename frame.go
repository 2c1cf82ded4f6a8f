package modbus

import (
	"encoding/binary"
	"io"
)

// maxADULength is the largest an MBAP header + PDU may be (260 bytes: 7
// byte header + 253 byte PDU, per the Modbus/TCP spec).
const maxADULength = maxMBAPHeaderLength + maxPDULength

const maxMBAPHeaderLength = 7

// modbusProtocolId is the only protocol identifier value this engine
// accepts; anything else marks the peer as not speaking Modbus/TCP.
const modbusProtocolId uint16 = 0x0000

// Frame is a fully decoded Modbus/TCP application data unit: an MBAP
// header plus the PDU bytes it wraps (function code included).
type Frame struct {
	TransactionId uint16
	UnitId        UnitId
	PDUBytes      []byte
}

// ReadMBAPFrame reads one complete MBAP header + PDU off r. It rejects
// non-zero protocol identifiers and oversized/zero length fields before
// reading the PDU body, so a misbehaving peer can never make the engine
// allocate or block past maxADULength.
func ReadMBAPFrame(r io.Reader) (Frame, error) {
	header := make([]byte, maxMBAPHeaderLength)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, newIoError(err)
	}

	txnId := binary.BigEndian.Uint16(header[0:2])
	protocolId := binary.BigEndian.Uint16(header[2:4])
	length := binary.BigEndian.Uint16(header[4:6])
	unitId := header[6]

	if protocolId != modbusProtocolId {
		return Frame{}, newBadRequestError(ErrUnknownProtocolId)
	}

	// length counts the unit id byte plus the PDU; we already read the
	// unit id, so what remains to read is length-1.
	if length == 0 {
		return Frame{}, newBadRequestError(ErrInvalidFrameLength)
	}
	pduLen := int(length) - 1
	if pduLen <= 0 || pduLen > maxPDULength {
		return Frame{}, newBadRequestError(ErrInvalidFrameLength)
	}

	pduBytes := make([]byte, pduLen)
	if _, err := io.ReadFull(r, pduBytes); err != nil {
		return Frame{}, newIoError(err)
	}

	return Frame{TransactionId: txnId, UnitId: UnitId(unitId), PDUBytes: pduBytes}, nil
}

// WriteMBAPFrame assembles f into an MBAP frame and writes it to w in a
// single call.
func WriteMBAPFrame(w io.Writer, f Frame) error {
	buf := make([]byte, maxMBAPHeaderLength+len(f.PDUBytes))
	binary.BigEndian.PutUint16(buf[0:2], f.TransactionId)
	binary.BigEndian.PutUint16(buf[2:4], modbusProtocolId)
	binary.BigEndian.PutUint16(buf[4:6], uint16(1+len(f.PDUBytes)))
	buf[6] = uint8(f.UnitId)
	copy(buf[7:], f.PDUBytes)

	_, err := w.Write(buf)
	if err != nil {
		return newIoError(err)
	}
	return nil
}
