// Package modbus implements a Modbus protocol engine: a client and a server
// that exchange Modbus Application Data Units over TCP (and, through the
// transport contract, TLS, RTU serial and RTU over TCP or UDP),
// covering the standard function code catalogue plus user-extensible
// custom function codes. Modbus ASCII framing is not implemented.
package modbus

import (
	"errors"
	"fmt"
)

// Function codes for the standard Modbus catalogue this engine routes
// through its typed decoders.
const (
	fcReadCoils              uint8 = 0x01
	fcReadDiscreteInputs     uint8 = 0x02
	fcReadHoldingRegisters   uint8 = 0x03
	fcReadInputRegisters     uint8 = 0x04
	fcWriteSingleCoil        uint8 = 0x05
	fcWriteSingleRegister    uint8 = 0x06
	fcReadExceptionStatus    uint8 = 0x07
	fcDiagnostics            uint8 = 0x08
	fcWriteMultipleCoils     uint8 = 0x0f
	fcWriteMultipleRegisters uint8 = 0x10
	fcReportServerID         uint8 = 0x11
	fcReadFileRecord         uint8 = 0x14
	fcWriteFileRecord        uint8 = 0x15
	fcMaskWriteRegister      uint8 = 0x16
	fcReadWriteRegisters     uint8 = 0x17
	fcReadFIFOQueue          uint8 = 0x18

	errorBit uint8 = 0x80
)

// publicStandardFunctionCodes are always routed through the standard
// request/response decoders, never through the custom handler.
var publicStandardFunctionCodes = map[uint8]bool{
	1: true, 2: true, 3: true, 4: true, 5: true, 6: true, 7: true, 8: true,
	11: true, 12: true, 15: true, 16: true, 17: true,
	20: true, 21: true, 22: true, 23: true, 24: true,
}

// isUserDefinedFunctionCode reports whether code falls in one of the two
// Modbus user-defined function code ranges (65-72 and 100-110), which are
// routed to the custom function code handler instead of being rejected.
func isUserDefinedFunctionCode(code uint8) bool {
	return (code >= 65 && code <= 72) || (code >= 100 && code <= 110)
}

// ExceptionCode is the one-byte error code carried by a Modbus exception
// response (function byte = request function | 0x80).
type ExceptionCode uint8

const (
	ExIllegalFunction              ExceptionCode = 0x01
	ExIllegalDataAddress           ExceptionCode = 0x02
	ExIllegalDataValue             ExceptionCode = 0x03
	ExServerDeviceFailure          ExceptionCode = 0x04
	ExAcknowledge                  ExceptionCode = 0x05
	ExServerDeviceBusy             ExceptionCode = 0x06
	ExMemoryParityError            ExceptionCode = 0x08
	ExGatewayPathUnavailable       ExceptionCode = 0x0a
	ExGatewayTargetFailedToRespond ExceptionCode = 0x0b
)

func (e ExceptionCode) String() string {
	switch e {
	case ExIllegalFunction:
		return "illegal function"
	case ExIllegalDataAddress:
		return "illegal data address"
	case ExIllegalDataValue:
		return "illegal data value"
	case ExServerDeviceFailure:
		return "server device failure"
	case ExAcknowledge:
		return "request acknowledged"
	case ExServerDeviceBusy:
		return "server device busy"
	case ExMemoryParityError:
		return "memory parity error"
	case ExGatewayPathUnavailable:
		return "gateway path unavailable"
	case ExGatewayTargetFailedToRespond:
		return "gateway target device failed to respond"
	default:
		return fmt.Sprintf("unknown exception code (0x%02x)", uint8(e))
	}
}

// Sentinel errors for caller-visible conditions that sit outside the
// RequestError taxonomy in errors.go.
var (
	ErrConfigurationError       = errors.New("configuration error")
	ErrTransportIsAlreadyOpen   = errors.New("transport is already open")
	ErrTransportIsAlreadyClosed = errors.New("transport is already closed")
)
