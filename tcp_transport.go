package modbus

import (
	"fmt"
	"net"
	"time"
)

var _ transport = (*tcpTransport)(nil)

// tcpTransport is the Modbus/TCP transport: frames are MBAP-wrapped PDUs
// read and written directly over a net.Conn, with a fixed idle deadline
// applied before every read and write.
type tcpTransport struct {
	logger  LeveledLogger
	socket  net.Conn
	timeout time.Duration
}

// newTCPTransport wraps an already-connected or already-accepted socket.
func newTCPTransport(socket net.Conn, timeout time.Duration) *tcpTransport {
	return &tcpTransport{
		socket:  socket,
		timeout: timeout,
		logger:  newLogger(fmt.Sprintf("tcp-transport(%s)", socket.RemoteAddr())),
	}
}

func (tt *tcpTransport) Close() error {
	return tt.socket.Close()
}

func (tt *tcpTransport) ReadFrame() (Frame, error) {
	if tt.timeout > 0 {
		if err := tt.socket.SetReadDeadline(time.Now().Add(tt.timeout)); err != nil {
			return Frame{}, newIoError(err)
		}
	}
	return ReadMBAPFrame(tt.socket)
}

func (tt *tcpTransport) WriteFrame(f Frame) error {
	if tt.timeout > 0 {
		if err := tt.socket.SetWriteDeadline(time.Now().Add(tt.timeout)); err != nil {
			return newIoError(err)
		}
	}
	return WriteMBAPFrame(tt.socket, f)
}
