package modbus

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// AddressFilterKind selects which client source addresses a server accepts
// connections from.
type AddressFilterKind int

const (
	// AddressFilterAny accepts connections from any source address.
	AddressFilterAny AddressFilterKind = iota
	// AddressFilterAnyV4 accepts only IPv4 source addresses.
	AddressFilterAnyV4
	// AddressFilterAnyV6 accepts only IPv6 source addresses.
	AddressFilterAnyV6
	// AddressFilterExact accepts only the single IP given in AddressFilter.IP.
	AddressFilterExact
)

// AddressFilter is the server's address-allow policy: one of Any, AnyV4,
// AnyV6 or Exact(ip).
type AddressFilter struct {
	Kind AddressFilterKind
	IP   net.IP
}

func (f AddressFilter) allows(addr net.Addr) bool {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return true
	}
	ip := tcpAddr.IP
	switch f.Kind {
	case AddressFilterAny:
		return true
	case AddressFilterAnyV4:
		return ip.To4() != nil
	case AddressFilterAnyV6:
		return ip.To4() == nil
	case AddressFilterExact:
		return ip.Equal(f.IP)
	default:
		return false
	}
}

// ServerConfiguration stores the configuration needed to create a Modbus
// server, addressed by URL the same way ClientConfiguration is:
// tcp://host:port or tcp+tls://host:port.
type ServerConfiguration struct {
	// URL sets the listen mode and bind address.
	URL string
	// MaxClients bounds the number of concurrent connections; 0 means
	// unlimited. A connection past the limit is closed immediately.
	MaxClients uint
	// Timeout sets the idle read/write deadline applied to every
	// connection.
	Timeout time.Duration
	// AddressFilter restricts which client source addresses may connect.
	// The zero value is AddressFilterAny.
	AddressFilter AddressFilter
	// TLSServerCert sets the server-side TLS key pair (tcp+tls only).
	TLSServerCert *tls.Certificate
	// TLSClientCAs authenticates client certificates for mutual TLS
	// (tcp+tls only); nil disables client certificate verification.
	TLSClientCAs *x509.CertPool
	// Logger provides a custom logging sink; the zero value uses the
	// package default.
	Logger LeveledLogger
	// DecodeLevel selects the initial PDU tracing verbosity.
	DecodeLevel DecodeLevel
}

// ModbusServer is the Modbus/TCP server dispatcher: an accept loop plus
// one goroutine per connection, all sharing the user-supplied
// RequestHandler under a single exclusive lock held only for the duration
// of one handler call.
type ModbusServer struct {
	conf        ServerConfiguration
	logger      LeveledLogger
	handler     RequestHandler
	cfcHandler  CustomFunctionCodeHandler
	handlerLock sync.Mutex

	lock     sync.Mutex
	listener net.Listener
	clients  []net.Conn

	decodeLevel int32
}

// NewServer builds a ModbusServer around handler. If handler also
// implements CustomFunctionCodeHandler, user-defined function codes
// (65-72, 100-110) are routed to it instead of IllegalFunction.
func NewServer(conf ServerConfiguration, handler RequestHandler) (*ModbusServer, error) {
	if conf.Timeout <= 0 {
		conf.Timeout = 30 * time.Second
	}
	if conf.Logger == nil {
		conf.Logger = newLogger(fmt.Sprintf("modbus-server(%s)", conf.URL))
	}

	ms := &ModbusServer{
		conf:    conf,
		logger:  conf.Logger,
		handler: handler,
	}
	if cfc, ok := handler.(CustomFunctionCodeHandler); ok {
		ms.cfcHandler = cfc
	}
	atomic.StoreInt32(&ms.decodeLevel, int32(conf.DecodeLevel))

	return ms, nil
}

// SetDecodeLevel atomically updates the per-frame tracing verbosity.
func (ms *ModbusServer) SetDecodeLevel(level DecodeLevel) {
	atomic.StoreInt32(&ms.decodeLevel, int32(level))
}

func (ms *ModbusServer) decodeLevelNow() DecodeLevel {
	return DecodeLevel(atomic.LoadInt32(&ms.decodeLevel))
}

// Start binds the configured listener and begins accepting connections.
func (ms *ModbusServer) Start() error {
	ms.lock.Lock()
	defer ms.lock.Unlock()

	if ms.listener != nil {
		return newBadRequestError(ErrTransportIsAlreadyOpen)
	}

	mode, addr, found := strings.Cut(ms.conf.URL, "://")
	if !found {
		return newBadRequestError(ErrConfigurationError)
	}

	var l net.Listener
	var err error
	switch mode {
	case "tcp":
		l, err = net.Listen("tcp", addr)
	case "tcp+tls":
		tlsConf := &tls.Config{ClientCAs: ms.conf.TLSClientCAs}
		if ms.conf.TLSServerCert != nil {
			tlsConf.Certificates = []tls.Certificate{*ms.conf.TLSServerCert}
		}
		if ms.conf.TLSClientCAs != nil {
			tlsConf.ClientAuth = tls.RequireAndVerifyClientCert
		}
		l, err = tls.Listen("tcp", addr, tlsConf)
	default:
		return newBadRequestError(ErrConfigurationError)
	}
	if err != nil {
		return newIoError(err)
	}

	ms.listener = l
	go ms.acceptLoop(l)

	return nil
}

// Stop stops accepting new connections and closes every active one.
func (ms *ModbusServer) Stop() error {
	ms.lock.Lock()
	defer ms.lock.Unlock()

	if ms.listener == nil {
		return newBadRequestError(ErrTransportIsAlreadyClosed)
	}

	err := ms.listener.Close()
	for _, conn := range ms.clients {
		conn.Close()
	}
	ms.listener = nil
	ms.clients = nil

	if err != nil {
		return newIoError(err)
	}
	return nil
}

// acceptLoop accepts connections on l until it is closed, applying
// MaxClients and AddressFilter before handing each one to its own
// goroutine.
func (ms *ModbusServer) acceptLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			ms.lock.Lock()
			stopped := ms.listener != l
			ms.lock.Unlock()
			if stopped {
				return
			}
			ms.logger.Warningf("failed to accept client connection: %v", err)
			continue
		}

		if !ms.conf.AddressFilter.allows(conn.RemoteAddr()) {
			ms.logger.Warningf("rejecting connection from disallowed address %v", conn.RemoteAddr())
			conn.Close()
			continue
		}

		ms.lock.Lock()
		accepted := ms.conf.MaxClients == 0 || uint(len(ms.clients)) < ms.conf.MaxClients
		if accepted {
			ms.clients = append(ms.clients, conn)
		}
		ms.lock.Unlock()

		if !accepted {
			ms.logger.Warningf("max. number of concurrent connections reached, rejecting %v", conn.RemoteAddr())
			conn.Close()
			continue
		}

		go ms.handleConnection(conn)
	}
}

func (ms *ModbusServer) handleConnection(conn net.Conn) {
	clientAddr := conn.RemoteAddr().String()
	t := newTCPTransport(conn, ms.conf.Timeout)
	ms.dispatchLoop(t, clientAddr)

	ms.lock.Lock()
	for i := range ms.clients {
		if ms.clients[i] == conn {
			ms.clients[i] = ms.clients[len(ms.clients)-1]
			ms.clients = ms.clients[:len(ms.clients)-1]
			break
		}
	}
	ms.lock.Unlock()
	conn.Close()
}

// dispatchLoop is the per-connection loop: read one frame, decode, call
// the handler under lock, encode a response or exception, and write it
// back, in request order. A framing or decode error closes the
// connection; an IllegalFunction or handler-returned exception does not.
func (ms *ModbusServer) dispatchLoop(t transport, clientAddr string) {
	for {
		f, err := t.ReadFrame()
		if err != nil {
			return
		}
		if ms.decodeLevelNow() >= DecodeHeader {
			ms.logger.Infof("rx frame: tx_id=0x%04x unit_id=%d len=%d", f.TransactionId, f.UnitId, len(f.PDUBytes))
		}

		respBytes, closeConn := ms.serveFrame(f, clientAddr)
		if closeConn {
			ms.logger.Warningf("protocol error, closing link (client address: '%s')", clientAddr)
			t.Close()
			return
		}
		if respBytes == nil {
			// Broadcast write (unit id 0): per Modbus, no response is sent.
			continue
		}

		resp := Frame{TransactionId: f.TransactionId, UnitId: f.UnitId, PDUBytes: respBytes}
		if err := t.WriteFrame(resp); err != nil {
			ms.logger.Warningf("failed to write response: %v", err)
			return
		}
	}
}

// serveFrame wraps handleFrame with panic containment: a panicking handler
// call must never take down the whole server, only the connection it was
// serving. The handler lock is released on the way out because every
// locked section below holds it via defer.
func (ms *ModbusServer) serveFrame(f Frame, clientAddr string) (respBytes []byte, closeConn bool) {
	defer func() {
		if r := recover(); r != nil {
			ms.logger.Errorf("handler panic serving client '%s': %v", clientAddr, r)
			respBytes, closeConn = nil, true
		}
	}()
	return ms.handleFrame(f, clientAddr)
}

// handleFrame decodes and serves a single request frame, returning the
// response PDU bytes to write back (nil for a unit-id-0 broadcast write,
// which per Modbus gets no reply) and whether the connection must be
// closed because of a framing/decode error.
func (ms *ModbusServer) handleFrame(f Frame, clientAddr string) (respBytes []byte, closeConn bool) {
	if len(f.PDUBytes) < 1 {
		return nil, true
	}
	functionCode := f.PDUBytes[0]
	broadcast := f.UnitId.IsBroadcast()

	switch {
	case publicStandardFunctionCodes[functionCode]:
		respBytes, closeConn = ms.handleStandardFunction(functionCode, f, clientAddr)
	case isUserDefinedFunctionCode(functionCode):
		respBytes, closeConn = ms.handleCustomFunction(functionCode, f, clientAddr)
	default:
		respBytes = EncodeExceptionResponse(functionCode, ExIllegalFunction)
	}

	if broadcast {
		return nil, closeConn
	}
	return respBytes, closeConn
}

func (ms *ModbusServer) handleStandardFunction(functionCode uint8, f Frame, clientAddr string) (respBytes []byte, closeConn bool) {
	switch functionCode {
	case fcReadCoils, fcReadDiscreteInputs:
		return ms.handleReadBools(functionCode, f, clientAddr)
	case fcReadHoldingRegisters, fcReadInputRegisters:
		return ms.handleReadRegisters(functionCode, f, clientAddr)
	case fcWriteSingleCoil:
		return ms.handleWriteSingleCoil(f, clientAddr)
	case fcWriteSingleRegister:
		return ms.handleWriteSingleRegister(f, clientAddr)
	case fcWriteMultipleCoils:
		return ms.handleWriteMultipleCoils(f, clientAddr)
	case fcWriteMultipleRegisters:
		return ms.handleWriteMultipleRegisters(f, clientAddr)
	default:
		// Public standard codes with no handler wired (diagnostics, file
		// records, report-server-id, etc.): reply IllegalFunction rather
		// than closing the link.
		return EncodeExceptionResponse(functionCode, ExIllegalFunction), false
	}
}

func (ms *ModbusServer) handleReadBools(functionCode uint8, f Frame, clientAddr string) ([]byte, bool) {
	r, err := DecodeReadRequest(f.PDUBytes)
	if err != nil {
		return nil, true
	}
	if _, err := NewAddressRange(r.Start, r.Count); err != nil || r.Count > maxCoilsPerWrite {
		return EncodeExceptionResponse(functionCode, ExIllegalDataAddress), false
	}

	values, err := func() ([]bool, error) {
		ms.handlerLock.Lock()
		defer ms.handlerLock.Unlock()
		if functionCode == fcReadCoils {
			return ms.handler.HandleCoils(&CoilsRequest{
				ClientAddr: clientAddr,
				UnitId:     f.UnitId,
				Addr:       r.Start,
				Quantity:   r.Count,
			})
		}
		return ms.handler.HandleDiscreteInputs(&DiscreteInputsRequest{
			ClientAddr: clientAddr,
			UnitId:     f.UnitId,
			Addr:       r.Start,
			Quantity:   r.Count,
		})
	}()

	if err != nil {
		return EncodeExceptionResponse(functionCode, exceptionCodeFor(err)), false
	}
	if len(values) != int(r.Count) {
		ms.logger.Errorf("handler returned %d bools, expected %d", len(values), r.Count)
		return EncodeExceptionResponse(functionCode, ExServerDeviceFailure), false
	}

	resp, err := EncodeReadBoolsResponse(functionCode, values)
	if err != nil {
		return EncodeExceptionResponse(functionCode, ExServerDeviceFailure), false
	}
	return resp, false
}

func (ms *ModbusServer) handleReadRegisters(functionCode uint8, f Frame, clientAddr string) ([]byte, bool) {
	r, err := DecodeReadRequest(f.PDUBytes)
	if err != nil {
		return nil, true
	}
	if _, err := NewAddressRange(r.Start, r.Count); err != nil || r.Count > maxRegistersPerRead {
		return EncodeExceptionResponse(functionCode, ExIllegalDataAddress), false
	}

	values, err := func() ([]uint16, error) {
		ms.handlerLock.Lock()
		defer ms.handlerLock.Unlock()
		if functionCode == fcReadHoldingRegisters {
			return ms.handler.HandleHoldingRegisters(&HoldingRegistersRequest{
				ClientAddr: clientAddr,
				UnitId:     f.UnitId,
				Addr:       r.Start,
				Quantity:   r.Count,
			})
		}
		return ms.handler.HandleInputRegisters(&InputRegistersRequest{
			ClientAddr: clientAddr,
			UnitId:     f.UnitId,
			Addr:       r.Start,
			Quantity:   r.Count,
		})
	}()

	if err != nil {
		return EncodeExceptionResponse(functionCode, exceptionCodeFor(err)), false
	}
	if len(values) != int(r.Count) {
		ms.logger.Errorf("handler returned %d registers, expected %d", len(values), r.Count)
		return EncodeExceptionResponse(functionCode, ExServerDeviceFailure), false
	}

	resp, err := EncodeReadRegistersResponse(functionCode, values)
	if err != nil {
		return EncodeExceptionResponse(functionCode, ExServerDeviceFailure), false
	}
	return resp, false
}

func (ms *ModbusServer) handleWriteSingleCoil(f Frame, clientAddr string) ([]byte, bool) {
	point, err := DecodeWriteSingleCoilRequest(f.PDUBytes)
	if err != nil {
		return nil, true
	}

	_, err = func() ([]bool, error) {
		ms.handlerLock.Lock()
		defer ms.handlerLock.Unlock()
		return ms.handler.HandleCoils(&CoilsRequest{
			WriteFuncCode: fcWriteSingleCoil,
			ClientAddr:    clientAddr,
			UnitId:        f.UnitId,
			Addr:          point.Index,
			Quantity:      1,
			IsWrite:       true,
			Args:          []bool{point.Value},
		})
	}()
	if err != nil {
		return EncodeExceptionResponse(fcWriteSingleCoil, exceptionCodeFor(err)), false
	}

	resp, err := EncodePDU(WriteSingleCoilRequest{Point: point})
	if err != nil {
		return EncodeExceptionResponse(fcWriteSingleCoil, ExServerDeviceFailure), false
	}
	return resp, false
}

func (ms *ModbusServer) handleWriteSingleRegister(f Frame, clientAddr string) ([]byte, bool) {
	point, err := DecodeWriteSingleRegisterRequest(f.PDUBytes)
	if err != nil {
		return nil, true
	}

	_, err = func() ([]uint16, error) {
		ms.handlerLock.Lock()
		defer ms.handlerLock.Unlock()
		return ms.handler.HandleHoldingRegisters(&HoldingRegistersRequest{
			WriteFuncCode: fcWriteSingleRegister,
			ClientAddr:    clientAddr,
			UnitId:        f.UnitId,
			Addr:          point.Index,
			Quantity:      1,
			IsWrite:       true,
			Args:          []uint16{point.Value},
		})
	}()
	if err != nil {
		return EncodeExceptionResponse(fcWriteSingleRegister, exceptionCodeFor(err)), false
	}

	resp, err := EncodePDU(WriteSingleRegisterRequest{Point: point})
	if err != nil {
		return EncodeExceptionResponse(fcWriteSingleRegister, ExServerDeviceFailure), false
	}
	return resp, false
}

func (ms *ModbusServer) handleWriteMultipleCoils(f Frame, clientAddr string) ([]byte, bool) {
	w, err := DecodeWriteMultipleCoilsRequest(f.PDUBytes)
	if err != nil {
		return nil, true
	}
	if _, err := NewAddressRange(w.Start, uint16(len(w.Values))); err != nil {
		return EncodeExceptionResponse(fcWriteMultipleCoils, ExIllegalDataAddress), false
	}

	_, err = func() ([]bool, error) {
		ms.handlerLock.Lock()
		defer ms.handlerLock.Unlock()
		return ms.handler.HandleCoils(&CoilsRequest{
			WriteFuncCode: fcWriteMultipleCoils,
			ClientAddr:    clientAddr,
			UnitId:        f.UnitId,
			Addr:          w.Start,
			Quantity:      uint16(len(w.Values)),
			IsWrite:       true,
			Args:          w.Values,
		})
	}()
	if err != nil {
		return EncodeExceptionResponse(fcWriteMultipleCoils, exceptionCodeFor(err)), false
	}

	r := AddressRange{Start: w.Start, Count: uint16(len(w.Values))}
	resp, err := EncodeWriteMultipleResponse(fcWriteMultipleCoils, r)
	if err != nil {
		return EncodeExceptionResponse(fcWriteMultipleCoils, ExServerDeviceFailure), false
	}
	return resp, false
}

func (ms *ModbusServer) handleWriteMultipleRegisters(f Frame, clientAddr string) ([]byte, bool) {
	w, err := DecodeWriteMultipleRegistersRequest(f.PDUBytes)
	if err != nil {
		return nil, true
	}
	if _, err := NewAddressRange(w.Start, uint16(len(w.Values))); err != nil {
		return EncodeExceptionResponse(fcWriteMultipleRegisters, ExIllegalDataAddress), false
	}

	_, err = func() ([]uint16, error) {
		ms.handlerLock.Lock()
		defer ms.handlerLock.Unlock()
		return ms.handler.HandleHoldingRegisters(&HoldingRegistersRequest{
			WriteFuncCode: fcWriteMultipleRegisters,
			ClientAddr:    clientAddr,
			UnitId:        f.UnitId,
			Addr:          w.Start,
			Quantity:      uint16(len(w.Values)),
			IsWrite:       true,
			Args:          w.Values,
		})
	}()
	if err != nil {
		return EncodeExceptionResponse(fcWriteMultipleRegisters, exceptionCodeFor(err)), false
	}

	r := AddressRange{Start: w.Start, Count: uint16(len(w.Values))}
	resp, err := EncodeWriteMultipleResponse(fcWriteMultipleRegisters, r)
	if err != nil {
		return EncodeExceptionResponse(fcWriteMultipleRegisters, ExServerDeviceFailure), false
	}
	return resp, false
}

// handleCustomFunction routes a user-defined function code (65-72,
// 100-110) to the optional CustomFunctionCodeHandler. A handler that
// doesn't implement it gets IllegalFunction instead.
func (ms *ModbusServer) handleCustomFunction(functionCode uint8, f Frame, clientAddr string) ([]byte, bool) {
	if ms.cfcHandler == nil {
		return EncodeExceptionResponse(functionCode, ExIllegalFunction), false
	}

	byteCountIn := uint8(len(f.PDUBytes) - 1)
	req, err := DecodeCustomFunctionCodeRequest(f.PDUBytes, byteCountIn)
	if err != nil {
		return nil, true
	}

	resp, err := func() (CustomFunctionCode, error) {
		ms.handlerLock.Lock()
		defer ms.handlerLock.Unlock()
		return ms.cfcHandler.HandleCustomFunctionCode(&CustomFunctionCodeRequest{
			ClientAddr: clientAddr,
			UnitId:     f.UnitId,
			Request:    req,
		})
	}()

	if err != nil {
		return EncodeExceptionResponse(functionCode, exceptionCodeFor(err)), false
	}

	respBytes, err := EncodePDU(resp)
	if err != nil {
		return EncodeExceptionResponse(functionCode, ExServerDeviceFailure), false
	}
	return respBytes, false
}

// exceptionCodeFor maps a handler-returned error to the wire exception
// code: an already-typed ExceptionCode passes through unchanged (the
// common case, via newExceptionError's *RequestError), and anything else
// becomes ServerDeviceFailure.
func exceptionCodeFor(err error) ExceptionCode {
	if re, ok := err.(*RequestError); ok && re.Kind == KindException {
		return re.Exception
	}
	return ExServerDeviceFailure
}
