package modbus

// CoilsRequest is passed to RequestHandler.HandleCoils for both the read
// and write coil function codes.
type CoilsRequest struct {
	WriteFuncCode uint8
	ClientAddr    string
	UnitId        UnitId
	Addr          uint16
	Quantity      uint16
	IsWrite       bool
	Args          []bool
}

// DiscreteInputsRequest is passed to RequestHandler.HandleDiscreteInputs.
type DiscreteInputsRequest struct {
	ClientAddr string
	UnitId     UnitId
	Addr       uint16
	Quantity   uint16
}

// HoldingRegistersRequest is passed to RequestHandler.HandleHoldingRegisters
// for both the read and write holding-register function codes.
type HoldingRegistersRequest struct {
	WriteFuncCode uint8
	ClientAddr    string
	UnitId        UnitId
	Addr          uint16
	Quantity      uint16
	IsWrite       bool
	Args          []uint16
}

// InputRegistersRequest is passed to RequestHandler.HandleInputRegisters.
type InputRegistersRequest struct {
	ClientAddr string
	UnitId     UnitId
	Addr       uint16
	Quantity   uint16
}

// CustomFunctionCodeRequest is passed to the optional
// CustomFunctionCodeHandler for function codes outside the standard table.
type CustomFunctionCodeRequest struct {
	ClientAddr string
	UnitId     UnitId
	Request    CustomFunctionCode
}

// RequestHandler is implemented by the object passed to NewServer. After
// decoding and validating an incoming request, the server invokes the
// handler method matching its function code, holding a single lock across
// the call so a handler never needs its own synchronization.
type RequestHandler interface {
	// HandleCoils serves read coils (0x01), write single coil (0x05) and
	// write multiple coils (0x0f). The returned bools are only used for
	// reads. A non-nil error maps to an exception response on the wire.
	HandleCoils(req *CoilsRequest) ([]bool, error)

	// HandleDiscreteInputs serves read discrete inputs (0x02).
	HandleDiscreteInputs(req *DiscreteInputsRequest) ([]bool, error)

	// HandleHoldingRegisters serves read holding registers (0x03), write
	// single register (0x06) and write multiple registers (0x10).
	HandleHoldingRegisters(req *HoldingRegistersRequest) ([]uint16, error)

	// HandleInputRegisters serves read input registers (0x04).
	HandleInputRegisters(req *InputRegistersRequest) ([]uint16, error)
}

// CustomFunctionCodeHandler is an optional extension of RequestHandler: a
// handler implementing it is consulted for any function code in the
// user-defined ranges (65-72, 100-110) instead of having the server return
// IllegalFunction.
type CustomFunctionCodeHandler interface {
	HandleCustomFunctionCode(req *CustomFunctionCodeRequest) (CustomFunctionCode, error)
}

// DummyHandler rejects every standard request with IllegalFunction. It is
// useful as a RequestHandler base for servers that only care about a
// handful of function codes, or in tests that only exercise framing.
type DummyHandler struct{}

func (h *DummyHandler) HandleCoils(req *CoilsRequest) ([]bool, error) {
	return nil, newExceptionError(ExIllegalFunction)
}

func (h *DummyHandler) HandleDiscreteInputs(req *DiscreteInputsRequest) ([]bool, error) {
	return nil, newExceptionError(ExIllegalFunction)
}

func (h *DummyHandler) HandleHoldingRegisters(req *HoldingRegistersRequest) ([]uint16, error) {
	return nil, newExceptionError(ExIllegalFunction)
}

func (h *DummyHandler) HandleInputRegisters(req *InputRegistersRequest) ([]uint16, error) {
	return nil, newExceptionError(ExIllegalFunction)
}
