package modbus

// maxPDULength is the largest a PDU (function code byte + body) may be
// inside an MBAP frame (ADU <= 260, minus 7 bytes of header).
const maxPDULength = 253

// PDUBody is implemented by every request/response payload shape this
// engine knows about. The set of PDU shapes is closed and small: one
// struct per function code plus CustomFunctionCode, dispatched by
// function code rather than by open-ended interface hierarchies.
type PDUBody interface {
	FunctionCode() uint8
	Encode(w *WriteCursor) error
}

// --- Read coils / discrete inputs ------------------------------------------------

type ReadCoilsRequest struct{ Range AddressRange }

func (r ReadCoilsRequest) FunctionCode() uint8 { return fcReadCoils }
func (r ReadCoilsRequest) Encode(w *WriteCursor) error {
	return encodeAddressRange(w, r.Range)
}

type ReadDiscreteInputsRequest struct{ Range AddressRange }

func (r ReadDiscreteInputsRequest) FunctionCode() uint8 { return fcReadDiscreteInputs }
func (r ReadDiscreteInputsRequest) Encode(w *WriteCursor) error {
	return encodeAddressRange(w, r.Range)
}

// ReadBoolsResponse is shared by read-coils and read-discrete-inputs
// responses: a byte count followed by packed bits.
type ReadBoolsResponse struct{ Values []bool }

func (r ReadBoolsResponse) encode(w *WriteCursor) error {
	packed := encodeBools(r.Values)
	if err := w.WriteU8(uint8(len(packed))); err != nil {
		return err
	}
	return w.WriteBytes(packed)
}

func parseReadBoolsResponse(count uint16, cursor *ReadCursor) (ReadBoolsResponse, error) {
	byteCount, err := cursor.ReadU8()
	if err != nil {
		return ReadBoolsResponse{}, err
	}
	expected := packedByteCount(count)
	if int(byteCount) != expected {
		return ReadBoolsResponse{}, newInternalError(ErrBadByteCount)
	}
	data, err := cursor.ReadBytes(expected)
	if err != nil {
		return ReadBoolsResponse{}, err
	}
	return ReadBoolsResponse{Values: decodeBools(count, data)}, nil
}

// --- Read holding / input registers ------------------------------------------------

type ReadHoldingRegistersRequest struct{ Range AddressRange }

func (r ReadHoldingRegistersRequest) FunctionCode() uint8 { return fcReadHoldingRegisters }
func (r ReadHoldingRegistersRequest) Encode(w *WriteCursor) error {
	return encodeAddressRange(w, r.Range)
}

type ReadInputRegistersRequest struct{ Range AddressRange }

func (r ReadInputRegistersRequest) FunctionCode() uint8 { return fcReadInputRegisters }
func (r ReadInputRegistersRequest) Encode(w *WriteCursor) error {
	return encodeAddressRange(w, r.Range)
}

// ReadRegistersResponse is shared by read-holding and read-input responses.
type ReadRegistersResponse struct{ Values []uint16 }

func (r ReadRegistersResponse) encode(w *WriteCursor) error {
	if err := w.WriteU8(uint8(2 * len(r.Values))); err != nil {
		return err
	}
	for _, v := range r.Values {
		if err := w.WriteU16BE(v); err != nil {
			return err
		}
	}
	return nil
}

func parseReadRegistersResponse(count uint16, cursor *ReadCursor) (ReadRegistersResponse, error) {
	byteCount, err := cursor.ReadU8()
	if err != nil {
		return ReadRegistersResponse{}, err
	}
	if int(byteCount) != 2*int(count) {
		return ReadRegistersResponse{}, newInternalError(ErrBadByteCount)
	}
	values, err := cursor.ReadU16sBE(int(count))
	if err != nil {
		return ReadRegistersResponse{}, err
	}
	return ReadRegistersResponse{Values: values}, nil
}

// --- Write single coil / register ------------------------------------------------

type WriteSingleCoilRequest struct{ Point Indexed[bool] }

func (r WriteSingleCoilRequest) FunctionCode() uint8 { return fcWriteSingleCoil }
func (r WriteSingleCoilRequest) Encode(w *WriteCursor) error {
	if err := w.WriteU16BE(r.Point.Index); err != nil {
		return err
	}
	return w.WriteU16BE(coilToUint16(r.Point.Value))
}

func parseWriteSingleCoil(cursor *ReadCursor) (Indexed[bool], error) {
	index, err := cursor.ReadU16BE()
	if err != nil {
		return Indexed[bool]{}, err
	}
	raw, err := cursor.ReadU16BE()
	if err != nil {
		return Indexed[bool]{}, err
	}
	value, err := coilFromUint16(raw)
	if err != nil {
		return Indexed[bool]{}, err
	}
	return Indexed[bool]{Index: index, Value: value}, nil
}

type WriteSingleRegisterRequest struct{ Point Indexed[uint16] }

func (r WriteSingleRegisterRequest) FunctionCode() uint8 { return fcWriteSingleRegister }
func (r WriteSingleRegisterRequest) Encode(w *WriteCursor) error {
	if err := w.WriteU16BE(r.Point.Index); err != nil {
		return err
	}
	return w.WriteU16BE(r.Point.Value)
}

func parseWriteSingleRegister(cursor *ReadCursor) (Indexed[uint16], error) {
	index, err := cursor.ReadU16BE()
	if err != nil {
		return Indexed[uint16]{}, err
	}
	value, err := cursor.ReadU16BE()
	if err != nil {
		return Indexed[uint16]{}, err
	}
	return Indexed[uint16]{Index: index, Value: value}, nil
}

// --- Write multiple coils / registers ------------------------------------------------

type WriteMultipleCoilsRequest struct{ Write WriteMultiple[bool] }

func (r WriteMultipleCoilsRequest) FunctionCode() uint8 { return fcWriteMultipleCoils }
func (r WriteMultipleCoilsRequest) Encode(w *WriteCursor) error {
	if err := w.WriteU16BE(r.Write.Start); err != nil {
		return err
	}
	if err := w.WriteU16BE(uint16(len(r.Write.Values))); err != nil {
		return err
	}
	packed := encodeBools(r.Write.Values)
	if err := w.WriteU8(uint8(len(packed))); err != nil {
		return err
	}
	return w.WriteBytes(packed)
}

func parseWriteMultipleCoilsRequest(cursor *ReadCursor) (WriteMultipleCoilsRequest, error) {
	start, err := cursor.ReadU16BE()
	if err != nil {
		return WriteMultipleCoilsRequest{}, err
	}
	count, err := cursor.ReadU16BE()
	if err != nil {
		return WriteMultipleCoilsRequest{}, err
	}
	if count == 0 || count > maxCoilsPerWrite {
		return WriteMultipleCoilsRequest{}, newInternalError(ErrBadByteCount)
	}
	byteCount, err := cursor.ReadU8()
	if err != nil {
		return WriteMultipleCoilsRequest{}, err
	}
	expected := packedByteCount(count)
	if int(byteCount) != expected {
		return WriteMultipleCoilsRequest{}, newInternalError(ErrBadByteCount)
	}
	data, err := cursor.ReadBytes(expected)
	if err != nil {
		return WriteMultipleCoilsRequest{}, err
	}
	return WriteMultipleCoilsRequest{Write: WriteMultiple[bool]{
		Start:  start,
		Values: decodeBools(count, data),
	}}, nil
}

type WriteMultipleRegistersRequest struct{ Write WriteMultiple[uint16] }

func (r WriteMultipleRegistersRequest) FunctionCode() uint8 { return fcWriteMultipleRegisters }
func (r WriteMultipleRegistersRequest) Encode(w *WriteCursor) error {
	if err := w.WriteU16BE(r.Write.Start); err != nil {
		return err
	}
	if err := w.WriteU16BE(uint16(len(r.Write.Values))); err != nil {
		return err
	}
	if err := w.WriteU8(uint8(2 * len(r.Write.Values))); err != nil {
		return err
	}
	for _, v := range r.Write.Values {
		if err := w.WriteU16BE(v); err != nil {
			return err
		}
	}
	return nil
}

func parseWriteMultipleRegistersRequest(cursor *ReadCursor) (WriteMultipleRegistersRequest, error) {
	start, err := cursor.ReadU16BE()
	if err != nil {
		return WriteMultipleRegistersRequest{}, err
	}
	count, err := cursor.ReadU16BE()
	if err != nil {
		return WriteMultipleRegistersRequest{}, err
	}
	if count == 0 || count > maxRegistersPerWrite {
		return WriteMultipleRegistersRequest{}, newInternalError(ErrBadByteCount)
	}
	byteCount, err := cursor.ReadU8()
	if err != nil {
		return WriteMultipleRegistersRequest{}, err
	}
	if int(byteCount) != 2*int(count) {
		return WriteMultipleRegistersRequest{}, newInternalError(ErrBadByteCount)
	}
	values, err := cursor.ReadU16sBE(int(count))
	if err != nil {
		return WriteMultipleRegistersRequest{}, err
	}
	return WriteMultipleRegistersRequest{Write: WriteMultiple[uint16]{Start: start, Values: values}}, nil
}

// WriteMultipleResponse is shared by write-multiple-coils and
// write-multiple-registers responses: an echoed address range.
type WriteMultipleResponse struct{ Range AddressRange }

func (r WriteMultipleResponse) encode(w *WriteCursor) error {
	return encodeAddressRange(w, r.Range)
}

func parseWriteMultipleResponse(cursor *ReadCursor) (WriteMultipleResponse, error) {
	start, err := cursor.ReadU16BE()
	if err != nil {
		return WriteMultipleResponse{}, err
	}
	count, err := cursor.ReadU16BE()
	if err != nil {
		return WriteMultipleResponse{}, err
	}
	return WriteMultipleResponse{Range: AddressRange{Start: start, Count: count}}, nil
}

// --- Custom function codes ------------------------------------------------

func (c CustomFunctionCode) FunctionCode() uint8 { return c.Code }
func (c CustomFunctionCode) Encode(w *WriteCursor) error {
	for _, v := range c.Data {
		if err := w.WriteU16BE(v); err != nil {
			return err
		}
	}
	return nil
}

func parseCustomFunctionCode(code uint8, wordCount int, cursor *ReadCursor) (CustomFunctionCode, error) {
	data, err := cursor.ReadU16sBE(wordCount)
	if err != nil {
		return CustomFunctionCode{}, err
	}
	return CustomFunctionCode{Code: code, Data: data}, nil
}

// --- shared helpers ------------------------------------------------

func encodeAddressRange(w *WriteCursor, r AddressRange) error {
	if err := w.WriteU16BE(r.Start); err != nil {
		return err
	}
	return w.WriteU16BE(r.Count)
}

func parseAddressRange(cursor *ReadCursor) (AddressRange, error) {
	start, err := cursor.ReadU16BE()
	if err != nil {
		return AddressRange{}, err
	}
	count, err := cursor.ReadU16BE()
	if err != nil {
		return AddressRange{}, err
	}
	return AddressRange{Start: start, Count: count}, nil
}

// EncodePDU serializes a function code byte followed by body.Encode into a
// fresh scratch buffer.
func EncodePDU(body PDUBody) ([]byte, error) {
	buf := make([]byte, 1, maxPDULength)
	buf[0] = body.FunctionCode()
	w := &WriteCursor{buf: buf[:cap(buf)], pos: 1}
	if err := body.Encode(w); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func encodeResponseBody(functionCode uint8, encode func(*WriteCursor) error) ([]byte, error) {
	buf := make([]byte, 1, maxPDULength)
	buf[0] = functionCode
	w := &WriteCursor{buf: buf[:cap(buf)], pos: 1}
	if err := encode(w); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// EncodeExceptionResponse serializes an exception frame: function|0x80
// followed by the one-byte exception code.
func EncodeExceptionResponse(requestFunctionCode uint8, code ExceptionCode) []byte {
	return []byte{requestFunctionCode | errorBit, uint8(code)}
}

// EncodeReadBoolsResponse serializes a read-coils/read-discrete-inputs
// success response (server side).
func EncodeReadBoolsResponse(functionCode uint8, values []bool) ([]byte, error) {
	return encodeResponseBody(functionCode, ReadBoolsResponse{Values: values}.encode)
}

// EncodeReadRegistersResponse serializes a read-holding/read-input success
// response (server side).
func EncodeReadRegistersResponse(functionCode uint8, values []uint16) ([]byte, error) {
	return encodeResponseBody(functionCode, ReadRegistersResponse{Values: values}.encode)
}

// EncodeWriteMultipleResponse serializes the echoed address range response
// shared by write-multiple-coils and write-multiple-registers (server
// side).
func EncodeWriteMultipleResponse(functionCode uint8, r AddressRange) ([]byte, error) {
	return encodeResponseBody(functionCode, WriteMultipleResponse{Range: r}.encode)
}

// splitResponseFC peels the function code byte off a received PDU and
// classifies it against the function code expected for a success response.
// body is invoked only when the function byte signals success; the
// trailing-bytes check runs after body returns, so every parser below only
// has to worry about decoding its own fields.
func splitResponseFC(expectedFC uint8, pduBytes []byte, body func(*ReadCursor) (any, error)) (any, error) {
	if len(pduBytes) == 0 {
		return nil, newInternalError(ErrInsufficientBytes)
	}
	gotFC := pduBytes[0]
	cursor := NewReadCursor(pduBytes[1:])

	switch gotFC {
	case expectedFC:
		resp, err := body(cursor)
		if err != nil {
			return nil, err
		}
		if err := cursor.ExpectEmpty(); err != nil {
			return nil, err
		}
		return resp, nil

	case expectedFC | errorBit:
		code, err := cursor.ReadU8()
		if err != nil {
			return nil, err
		}
		if err := cursor.ExpectEmpty(); err != nil {
			return nil, err
		}
		return nil, newExceptionError(ExceptionCode(code))

	default:
		return nil, newBadResponseError(&UnknownResponseFunctionError{
			Got: gotFC, ExpectedOk: expectedFC, ExpectedErr: expectedFC | errorBit,
		})
	}
}

// ParseReadResponse decodes the response to a read-coils/discrete-inputs/
// holding-registers/input-registers request, given the quantity that was
// requested (needed to validate the byte-count field).
func ParseReadResponse(expectedFC uint8, quantity uint16, pduBytes []byte) (any, error) {
	return splitResponseFC(expectedFC, pduBytes, func(cursor *ReadCursor) (any, error) {
		switch expectedFC {
		case fcReadCoils, fcReadDiscreteInputs:
			return parseReadBoolsResponse(quantity, cursor)
		case fcReadHoldingRegisters, fcReadInputRegisters:
			return parseReadRegistersResponse(quantity, cursor)
		default:
			return nil, newInternalError(ErrInsufficientBytes)
		}
	})
}

// ParseWriteSingleCoilResponse decodes the echo response to a write-single-
// coil request.
func ParseWriteSingleCoilResponse(pduBytes []byte) (Indexed[bool], error) {
	resp, err := splitResponseFC(fcWriteSingleCoil, pduBytes, func(cursor *ReadCursor) (any, error) {
		return parseWriteSingleCoil(cursor)
	})
	if err != nil {
		return Indexed[bool]{}, err
	}
	return resp.(Indexed[bool]), nil
}

// ParseWriteSingleRegisterResponse decodes the echo response to a
// write-single-register request.
func ParseWriteSingleRegisterResponse(pduBytes []byte) (Indexed[uint16], error) {
	resp, err := splitResponseFC(fcWriteSingleRegister, pduBytes, func(cursor *ReadCursor) (any, error) {
		return parseWriteSingleRegister(cursor)
	})
	if err != nil {
		return Indexed[uint16]{}, err
	}
	return resp.(Indexed[uint16]), nil
}

// ParseWriteMultipleResponse decodes the echoed address range from a
// write-multiple-coils or write-multiple-registers response.
func ParseWriteMultipleResponse(expectedFC uint8, pduBytes []byte) (AddressRange, error) {
	resp, err := splitResponseFC(expectedFC, pduBytes, func(cursor *ReadCursor) (any, error) {
		return parseWriteMultipleResponse(cursor)
	})
	if err != nil {
		return AddressRange{}, err
	}
	return resp.(WriteMultipleResponse).Range, nil
}

// ParseCustomResponse decodes a custom-function-code response given the
// number of 16-bit words declared by the client for that exchange.
func ParseCustomResponse(code uint8, wordCount int, pduBytes []byte) (CustomFunctionCode, error) {
	resp, err := splitResponseFC(code, pduBytes, func(cursor *ReadCursor) (any, error) {
		return parseCustomFunctionCode(code, wordCount, cursor)
	})
	if err != nil {
		return CustomFunctionCode{}, err
	}
	return resp.(CustomFunctionCode), nil
}

// --- server-side request decoding ------------------------------------------------

// requestBody skips the function code byte of a received PDU without
// inspecting it (the caller has already dispatched on it) and hands the
// remaining bytes to body. Unlike splitResponseFC, a request never carries
// an error-bit form: the server decodes exactly the function code it read
// off the wire.
func requestBody(pduBytes []byte, body func(*ReadCursor) (any, error)) (any, error) {
	if len(pduBytes) < 1 {
		return nil, newInternalError(ErrInsufficientBytes)
	}
	cursor := NewReadCursor(pduBytes[1:])
	resp, err := body(cursor)
	if err != nil {
		return nil, err
	}
	if err := cursor.ExpectEmpty(); err != nil {
		return nil, err
	}
	return resp, nil
}

// DecodeReadRequest decodes the address range shared by the four read
// function codes.
func DecodeReadRequest(pduBytes []byte) (AddressRange, error) {
	resp, err := requestBody(pduBytes, func(cursor *ReadCursor) (any, error) {
		return parseAddressRange(cursor)
	})
	if err != nil {
		return AddressRange{}, err
	}
	return resp.(AddressRange), nil
}

// DecodeWriteSingleCoilRequest decodes a write-single-coil request body.
func DecodeWriteSingleCoilRequest(pduBytes []byte) (Indexed[bool], error) {
	resp, err := requestBody(pduBytes, func(cursor *ReadCursor) (any, error) {
		return parseWriteSingleCoil(cursor)
	})
	if err != nil {
		return Indexed[bool]{}, err
	}
	return resp.(Indexed[bool]), nil
}

// DecodeWriteSingleRegisterRequest decodes a write-single-register request
// body.
func DecodeWriteSingleRegisterRequest(pduBytes []byte) (Indexed[uint16], error) {
	resp, err := requestBody(pduBytes, func(cursor *ReadCursor) (any, error) {
		return parseWriteSingleRegister(cursor)
	})
	if err != nil {
		return Indexed[uint16]{}, err
	}
	return resp.(Indexed[uint16]), nil
}

// DecodeWriteMultipleCoilsRequest decodes a write-multiple-coils request
// body.
func DecodeWriteMultipleCoilsRequest(pduBytes []byte) (WriteMultiple[bool], error) {
	resp, err := requestBody(pduBytes, func(cursor *ReadCursor) (any, error) {
		return parseWriteMultipleCoilsRequest(cursor)
	})
	if err != nil {
		return WriteMultiple[bool]{}, err
	}
	return resp.(WriteMultipleCoilsRequest).Write, nil
}

// DecodeWriteMultipleRegistersRequest decodes a write-multiple-registers
// request body.
func DecodeWriteMultipleRegistersRequest(pduBytes []byte) (WriteMultiple[uint16], error) {
	resp, err := requestBody(pduBytes, func(cursor *ReadCursor) (any, error) {
		return parseWriteMultipleRegistersRequest(cursor)
	})
	if err != nil {
		return WriteMultiple[uint16]{}, err
	}
	return resp.(WriteMultipleRegistersRequest).Write, nil
}

// DecodeCustomFunctionCodeRequest decodes a custom-function-code request
// body, given the byte count the peer declared for it.
func DecodeCustomFunctionCodeRequest(pduBytes []byte, byteCountIn uint8) (CustomFunctionCode, error) {
	if len(pduBytes) < 1 {
		return CustomFunctionCode{}, newInternalError(ErrInsufficientBytes)
	}
	code := pduBytes[0]
	wordCount := int(byteCountIn) / 2
	resp, err := requestBody(pduBytes, func(cursor *ReadCursor) (any, error) {
		return parseCustomFunctionCode(code, wordCount, cursor)
	})
	if err != nil {
		return CustomFunctionCode{}, err
	}
	cfc := resp.(CustomFunctionCode)
	cfc.ByteCountIn = byteCountIn
	return cfc, nil
}
