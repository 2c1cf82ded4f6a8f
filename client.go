package modbus

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"strings"
	"time"

	"go.bug.st/serial"
)

// ClientConfiguration stores the configuration needed to create a Modbus
// client, addressed by URL: <mode>://<target>, e.g.
// tcp://plc:502, tcp+tls://plc:802, rtu:///dev/ttyUSB0, rtuovertcp://gw:502
// or rtuoverudp://gw:502.
type ClientConfiguration struct {
	// URL sets the client mode and target location.
	URL string
	// Speed sets the serial link speed in bps (rtu only).
	Speed int
	// DataBits sets the number of bits per serial character (rtu only).
	DataBits int
	// Parity sets the serial link parity mode (rtu only).
	Parity serial.Parity
	// StopBits sets the number of serial stop bits (rtu only).
	StopBits serial.StopBits
	// Timeout sets the default per-request timeout.
	Timeout time.Duration
	// TLSClientCert sets the client-side TLS key pair (tcp+tls only).
	TLSClientCert *tls.Certificate
	// TLSRootCAs authenticates the server's certificate (tcp+tls only).
	// Leaf (server) certificates can also be used here directly, e.g. for
	// pinning self-signed certs.
	TLSRootCAs *x509.CertPool
	// Channel overrides the pipeline/supervisor configuration; zero value
	// uses DefaultChannelConfig().
	Channel ChannelConfig
}

// Client is a Modbus client: a thin, unit-id-scoped facade in front of a
// supervised Channel. Every method blocks the calling goroutine until its
// request completes, fails, or times out; concurrent callers are safe,
// since all they ever touch is the Channel's intake queue.
type Client struct {
	channel *Channel
	unitId  UnitId
	timeout time.Duration
}

// NewClient builds a Client and starts (but does not enable) its
// supervised Channel; call Open to begin connecting.
func NewClient(conf ClientConfiguration) (*Client, error) {
	mode, target, found := strings.Cut(conf.URL, "://")
	if !found {
		return nil, newBadRequestError(ErrConfigurationError)
	}

	if conf.Timeout <= 0 {
		conf.Timeout = 1 * time.Second
	}
	chCfg := conf.Channel
	if chCfg.RequestTimeout <= 0 {
		chCfg.RequestTimeout = conf.Timeout
	}
	if chCfg.Logger == nil {
		chCfg.Logger = newLogger(fmt.Sprintf("modbus-client(%s)", conf.URL))
	}

	var dial Dialer
	switch mode {
	case "tcp":
		dial = tcpDialer(target, conf.Timeout)
	case "tcp+tls":
		dial = tlsDialer(target, conf)
	case "rtu":
		dial = rtuDialer(target, conf)
	case "rtuovertcp":
		dial = rtuOverTCPDialer(target, conf.Timeout)
	case "rtuoverudp":
		dial = rtuOverUDPDialer(target, conf.Timeout)
	case "tcpoverudp":
		dial = tcpOverUDPDialer(target, conf.Timeout)
	default:
		return nil, newBadRequestError(ErrConfigurationError)
	}

	return &Client{
		channel: NewChannel(dial, chCfg),
		unitId:  1,
		timeout: conf.Timeout,
	}, nil
}

func tcpDialer(addr string, timeout time.Duration) Dialer {
	return func(ctx context.Context) (transport, error) {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, newIoError(err)
		}
		return newTCPTransport(conn, timeout), nil
	}
}

// tlsDialer dials a TCP/TLS link, wrapping the resulting socket in
// tlsSockWrapper before handing it to the same tcpTransport used for plain
// TCP; TLS is just another byte stream behind the transport contract.
func tlsDialer(addr string, conf ClientConfiguration) Dialer {
	return func(ctx context.Context) (transport, error) {
		d := net.Dialer{Timeout: conf.Timeout}
		tlsConf := &tls.Config{RootCAs: conf.TLSRootCAs}
		if conf.TLSClientCert != nil {
			tlsConf.Certificates = []tls.Certificate{*conf.TLSClientCert}
		}
		conn, err := tls.DialWithDialer(&d, "tcp", addr, tlsConf)
		if err != nil {
			return nil, newIoError(err)
		}
		return newTCPTransport(newTLSSockWrapper(conn), conf.Timeout), nil
	}
}

// rtuOverTCPDialer dials a plain TCP socket but frames it as RTU (CRC
// trailer, no MBAP header), for serial-to-Ethernet gateways that forward
// raw RTU bytes over a TCP stream rather than re-wrapping them in MBAP.
func rtuOverTCPDialer(addr string, timeout time.Duration) Dialer {
	return func(ctx context.Context) (transport, error) {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, newIoError(err)
		}
		return newRTUTransport(newSocketWrapper(conn), 19200, timeout), nil
	}
}

// rtuOverUDPDialer is rtuOverTCPDialer's UDP counterpart: RTU framing over
// a UDP socket, reassembling datagrams byte-by-byte through
// udpSockWrapper.
func rtuOverUDPDialer(addr string, timeout time.Duration) Dialer {
	return func(ctx context.Context) (transport, error) {
		conn, err := net.DialTimeout("udp", addr, timeout)
		if err != nil {
			return nil, newIoError(err)
		}
		return newRTUTransport(newUDPSockWrapper(conn), 19200, timeout), nil
	}
}

// tcpOverUDPDialer runs the regular MBAP/TCP framing over a UDP socket
// (some gateways tunnel Modbus/TCP ADUs over UDP datagrams instead of a
// TCP stream).
func tcpOverUDPDialer(addr string, timeout time.Duration) Dialer {
	return func(ctx context.Context) (transport, error) {
		conn, err := net.DialTimeout("udp", addr, timeout)
		if err != nil {
			return nil, newIoError(err)
		}
		return newTCPTransport(newUDPSockWrapper(conn), timeout), nil
	}
}

func rtuDialer(device string, conf ClientConfiguration) Dialer {
	speed := conf.Speed
	if speed == 0 {
		speed = 19200
	}
	dataBits := conf.DataBits
	if dataBits == 0 {
		dataBits = 8
	}
	mode := &serial.Mode{
		BaudRate: speed,
		DataBits: dataBits,
		Parity:   conf.Parity,
		StopBits: conf.StopBits,
	}

	return func(ctx context.Context) (transport, error) {
		port, err := serial.Open(device, mode)
		if err != nil {
			return nil, newIoError(err)
		}
		return newRTUTransport(newSerialPortWrapper(port), speed, conf.Timeout), nil
	}
}

// SetUnitId sets the unit id used on every subsequent request issued by
// this client.
func (c *Client) SetUnitId(id UnitId) {
	c.unitId = id
}

// Open enables the underlying Channel, starting its connect/retry loop.
func (c *Client) Open() {
	c.channel.Enable()
}

// Close disables the Channel without shutting it down; Open resumes it.
func (c *Client) Close() {
	c.channel.Disable()
}

// Shutdown permanently tears the client down.
func (c *Client) Shutdown() {
	c.channel.Shutdown()
}

// SetDecodeLevel controls frame/PDU tracing verbosity.
func (c *Client) SetDecodeLevel(level DecodeLevel) {
	c.channel.SetDecodeLevel(level)
}

func (c *Client) send(body PDUBody, expectedFunction uint8, parse func([]byte) (any, error)) (any, error) {
	return c.channel.send(c.unitId, body, expectedFunction, parse, c.timeout)
}

// newReadRange validates a read request's range against both the address
// space and the per-PDU quantity ceiling for the point type.
func newReadRange(addr, count, maxCount uint16) (AddressRange, error) {
	if count > maxCount {
		return AddressRange{}, newBadRequestError(ErrCountTooBigForType)
	}
	return NewAddressRange(addr, count)
}

// ReadCoils reads count coils starting at addr.
func (c *Client) ReadCoils(addr, count uint16) ([]bool, error) {
	r, err := newReadRange(addr, count, maxCoilsPerWrite)
	if err != nil {
		return nil, err
	}
	v, err := c.send(ReadCoilsRequest{Range: r}, fcReadCoils, func(b []byte) (any, error) {
		return ParseReadResponse(fcReadCoils, count, b)
	})
	if err != nil {
		return nil, err
	}
	return v.(ReadBoolsResponse).Values, nil
}

// ReadDiscreteInputs reads count discrete inputs starting at addr.
func (c *Client) ReadDiscreteInputs(addr, count uint16) ([]bool, error) {
	r, err := newReadRange(addr, count, maxCoilsPerWrite)
	if err != nil {
		return nil, err
	}
	v, err := c.send(ReadDiscreteInputsRequest{Range: r}, fcReadDiscreteInputs, func(b []byte) (any, error) {
		return ParseReadResponse(fcReadDiscreteInputs, count, b)
	})
	if err != nil {
		return nil, err
	}
	return v.(ReadBoolsResponse).Values, nil
}

// ReadHoldingRegisters reads count holding registers starting at addr.
func (c *Client) ReadHoldingRegisters(addr, count uint16) ([]uint16, error) {
	r, err := newReadRange(addr, count, maxRegistersPerRead)
	if err != nil {
		return nil, err
	}
	v, err := c.send(ReadHoldingRegistersRequest{Range: r}, fcReadHoldingRegisters, func(b []byte) (any, error) {
		return ParseReadResponse(fcReadHoldingRegisters, count, b)
	})
	if err != nil {
		return nil, err
	}
	return v.(ReadRegistersResponse).Values, nil
}

// ReadInputRegisters reads count input registers starting at addr.
func (c *Client) ReadInputRegisters(addr, count uint16) ([]uint16, error) {
	r, err := newReadRange(addr, count, maxRegistersPerRead)
	if err != nil {
		return nil, err
	}
	v, err := c.send(ReadInputRegistersRequest{Range: r}, fcReadInputRegisters, func(b []byte) (any, error) {
		return ParseReadResponse(fcReadInputRegisters, count, b)
	})
	if err != nil {
		return nil, err
	}
	return v.(ReadRegistersResponse).Values, nil
}

// WriteSingleCoil writes a single coil and returns the server's echoed
// value.
func (c *Client) WriteSingleCoil(point Indexed[bool]) (Indexed[bool], error) {
	v, err := c.send(WriteSingleCoilRequest{Point: point}, fcWriteSingleCoil, func(b []byte) (any, error) {
		return ParseWriteSingleCoilResponse(b)
	})
	if err != nil {
		return Indexed[bool]{}, err
	}
	return v.(Indexed[bool]), nil
}

// WriteSingleRegister writes a single holding register and returns the
// server's echoed value.
func (c *Client) WriteSingleRegister(point Indexed[uint16]) (Indexed[uint16], error) {
	v, err := c.send(WriteSingleRegisterRequest{Point: point}, fcWriteSingleRegister, func(b []byte) (any, error) {
		return ParseWriteSingleRegisterResponse(b)
	})
	if err != nil {
		return Indexed[uint16]{}, err
	}
	return v.(Indexed[uint16]), nil
}

// WriteMultipleCoils writes a run of coils and returns the server's
// echoed address range.
func (c *Client) WriteMultipleCoils(start uint16, values []bool) (AddressRange, error) {
	w, err := NewWriteMultipleCoils(start, values)
	if err != nil {
		return AddressRange{}, err
	}
	v, err := c.send(WriteMultipleCoilsRequest{Write: w}, fcWriteMultipleCoils, func(b []byte) (any, error) {
		return ParseWriteMultipleResponse(fcWriteMultipleCoils, b)
	})
	if err != nil {
		return AddressRange{}, err
	}
	return v.(AddressRange), nil
}

// WriteMultipleRegisters writes a run of holding registers and returns the
// server's echoed address range.
func (c *Client) WriteMultipleRegisters(start uint16, values []uint16) (AddressRange, error) {
	w, err := NewWriteMultipleRegisters(start, values)
	if err != nil {
		return AddressRange{}, err
	}
	v, err := c.send(WriteMultipleRegistersRequest{Write: w}, fcWriteMultipleRegisters, func(b []byte) (any, error) {
		return ParseWriteMultipleResponse(fcWriteMultipleRegisters, b)
	})
	if err != nil {
		return AddressRange{}, err
	}
	return v.(AddressRange), nil
}

// SendCustomFunctionCode issues a user-defined function code request and
// returns the server's response payload.
func (c *Client) SendCustomFunctionCode(cfc CustomFunctionCode) (CustomFunctionCode, error) {
	v, err := c.send(cfc, cfc.Code, func(b []byte) (any, error) {
		return ParseCustomResponse(cfc.Code, int(cfc.ByteCountOut)/2, b)
	})
	if err != nil {
		return CustomFunctionCode{}, err
	}
	return v.(CustomFunctionCode), nil
}
