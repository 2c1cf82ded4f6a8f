package modbus

import (
	"time"

	"go.bug.st/serial"
)

// serialPortWrapper adapts a go.bug.st/serial.Port to the rtuLink
// interface, translating SetDeadline into the port's own read-timeout
// knob the way socket.go's wrapper does for net.Conn.
type serialPortWrapper struct {
	port     serial.Port
	deadline time.Time
}

func newSerialPortWrapper(port serial.Port) *serialPortWrapper {
	return &serialPortWrapper{port: port}
}

func (spw *serialPortWrapper) Close() error {
	return spw.port.Close()
}

// Read fails with ErrRequestTimedOut once the deadline has passed.
// Otherwise it bounds a single port read to at most 10ms (or the time
// left before the deadline) and returns whatever the port returns, errors
// included.
func (spw *serialPortWrapper) Read(rxbuf []byte) (int, error) {
	if !spw.deadline.IsZero() && time.Now().After(spw.deadline) {
		return 0, ErrRequestTimedOut
	}

	remaining := 10 * time.Millisecond
	if !spw.deadline.IsZero() {
		if d := time.Until(spw.deadline); d > 0 && d < remaining {
			remaining = d
		}
	}
	if err := spw.port.SetReadTimeout(remaining); err != nil {
		return 0, err
	}

	return spw.port.Read(rxbuf)
}

func (spw *serialPortWrapper) Write(txbuf []byte) (int, error) {
	return spw.port.Write(txbuf)
}

func (spw *serialPortWrapper) SetDeadline(deadline time.Time) error {
	spw.deadline = deadline
	return nil
}
