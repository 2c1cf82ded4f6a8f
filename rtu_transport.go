package modbus

import (
	"io"
	"time"
)

const maxRTUFrameLength int = 256

var _ transport = (*rtuTransport)(nil)

// rtuLink is the byte-level contract a serial port (or any link carrying
// RTU framing) must satisfy.
type rtuLink interface {
	Close() error
	Read([]byte) (int, error)
	Write([]byte) (int, error)
	SetDeadline(time.Time) error
}

// rtuTransport frames PDUs as Modbus RTU ADUs: unit id + function code +
// body + 2-byte CRC16, with inter-frame timing derived from the link
// speed.
type rtuTransport struct {
	logger       LeveledLogger
	link         rtuLink
	timeout      time.Duration
	lastActivity time.Time
	t35          time.Duration
	t1           time.Duration
	txnId        uint16
}

func newRTUTransport(link rtuLink, speed int, timeout time.Duration) *rtuTransport {
	rt := &rtuTransport{
		logger:  newLogger("rtu-transport"),
		link:    link,
		timeout: timeout,
		t1:      serialCharTime(speed),
	}

	if speed >= 19200 {
		rt.t35 = 1750 * time.Microsecond
	} else {
		rt.t35 = (serialCharTime(speed) * 35) / 10
	}

	return rt
}

func (rt *rtuTransport) Close() error {
	return rt.link.Close()
}

// ReadFrame reads one RTU ADU (unit id, function code, body, CRC),
// validates the CRC, and returns it as a Frame. Serial links carry no
// transaction id of their own, so the frame is tagged with rt's own
// monotonic counter purely so the session/pending-request machinery can
// still key off tx_id uniformly with TCP.
func (rt *rtuTransport) ReadFrame() (Frame, error) {
	if err := rt.link.SetDeadline(time.Now().Add(rt.timeout)); err != nil {
		return Frame{}, newIoError(err)
	}

	rxbuf := make([]byte, maxRTUFrameLength)

	n, err := io.ReadFull(rt.link, rxbuf[0:3])
	if err != nil && err != io.ErrUnexpectedEOF {
		return Frame{}, newIoError(err)
	}
	if n != 3 {
		return Frame{}, newBadRequestError(ErrShortFrame)
	}

	bodyLen, err := expectedResponseLength(rxbuf[1], rxbuf[2])
	if err != nil {
		return Frame{}, newBadRequestError(ErrProtocolError)
	}
	bodyLen += 2 // trailing CRC

	if 3+bodyLen > maxRTUFrameLength {
		return Frame{}, newBadRequestError(ErrProtocolError)
	}

	n, err = io.ReadFull(rt.link, rxbuf[3:3+bodyLen])
	if err != nil && err != io.ErrUnexpectedEOF {
		return Frame{}, newIoError(err)
	}
	if n != bodyLen {
		return Frame{}, newBadRequestError(ErrShortFrame)
	}

	var c crc
	c.init()
	c.add(rxbuf[0 : 3+bodyLen-2])
	if !c.isEqual(rxbuf[3+bodyLen-2], rxbuf[3+bodyLen-1]) {
		return Frame{}, newBadRequestError(ErrBadCRC)
	}

	rt.lastActivity = time.Now()
	rt.txnId++

	return Frame{
		TransactionId: rt.txnId,
		UnitId:        UnitId(rxbuf[0]),
		PDUBytes:      rxbuf[1 : 3+bodyLen-2],
	}, nil
}

// WriteFrame waits out the t3.5 inter-frame silence if the line was
// recently active, then writes f as an RTU ADU.
func (rt *rtuTransport) WriteFrame(f Frame) error {
	if idle := time.Since(rt.lastActivity.Add(rt.t35)); idle < 0 {
		time.Sleep(-idle)
	}

	adu := rt.assembleRTUFrame(f)
	ts := time.Now()
	n, err := rt.link.Write(adu)
	if err != nil {
		return newIoError(err)
	}
	rt.lastActivity = ts.Add(time.Duration(n) * rt.t1)

	return nil
}

func (rt *rtuTransport) assembleRTUFrame(f Frame) []byte {
	adu := make([]byte, 0, 2+len(f.PDUBytes))
	adu = append(adu, uint8(f.UnitId))
	adu = append(adu, f.PDUBytes...)

	var c crc
	c.init()
	c.add(adu)
	adu = append(adu, c.value()...)

	return adu
}

// expectedResponseLength returns how many body bytes follow the 3-byte
// unit-id/function-code/length-or-exception header, keyed by function
// code and the third ADU byte (read byte count, or fixed for
// echo-shaped responses).
func expectedResponseLength(functionCode uint8, thirdByte uint8) (int, error) {
	switch functionCode {
	case fcReadHoldingRegisters, fcReadInputRegisters, fcReadCoils, fcReadDiscreteInputs:
		return int(thirdByte), nil
	case fcWriteSingleRegister, fcWriteMultipleRegisters, fcWriteSingleCoil, fcWriteMultipleCoils:
		return 3, nil
	case fcMaskWriteRegister:
		return 5, nil
	case fcReadHoldingRegisters | errorBit, fcReadInputRegisters | errorBit,
		fcReadCoils | errorBit, fcReadDiscreteInputs | errorBit,
		fcWriteSingleRegister | errorBit, fcWriteMultipleRegisters | errorBit,
		fcWriteSingleCoil | errorBit, fcWriteMultipleCoils | errorBit,
		fcMaskWriteRegister | errorBit:
		return 0, nil
	default:
		return 0, ErrProtocolError
	}
}

// serialCharTime returns how long one RTU byte (1 start + 8 data + 1
// parity/stop + 1 stop) takes to transmit at rate_bps.
func serialCharTime(rateBps int) time.Duration {
	return 11 * time.Second / time.Duration(rateBps)
}
