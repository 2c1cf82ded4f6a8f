package modbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-memory transport: frames the session writes land
// on out, frames pushed into in are delivered to the session's read loop.
type fakeTransport struct {
	in        chan Frame
	out       chan Frame
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan Frame, 4),
		out:    make(chan Frame, 4),
		closed: make(chan struct{}),
	}
}

func (ft *fakeTransport) ReadFrame() (Frame, error) {
	select {
	case f := <-ft.in:
		return f, nil
	case <-ft.closed:
		return Frame{}, newIoError(ErrConnectionClosed)
	}
}

func (ft *fakeTransport) WriteFrame(f Frame) error {
	select {
	case ft.out <- f:
		return nil
	case <-ft.closed:
		return ErrConnectionClosed
	}
}

func (ft *fakeTransport) Close() error {
	ft.closeOnce.Do(func() { close(ft.closed) })
	return nil
}

func newFakeChannel(t *testing.T, cfg ChannelConfig) (*Channel, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	ch := NewChannel(func(ctx context.Context) (transport, error) {
		return ft, nil
	}, cfg)
	t.Cleanup(ch.Shutdown)
	return ch, ft
}

func waitConnected(t *testing.T, ch *Channel) {
	t.Helper()
	ch.Enable()
	require.Eventually(t, func() bool {
		return ch.State() == ChannelConnected
	}, time.Second, time.Millisecond)
}

func sendReadHolding(ch *Channel, count uint16, timeout time.Duration) (any, error) {
	r := AddressRange{Start: 0, Count: count}
	return ch.send(1, ReadHoldingRegistersRequest{Range: r}, fcReadHoldingRegisters, func(b []byte) (any, error) {
		return ParseReadResponse(fcReadHoldingRegisters, count, b)
	}, timeout)
}

func TestChannelSendWhileDisabledFailsNoConnection(t *testing.T) {
	ch, _ := newFakeChannel(t, DefaultChannelConfig())

	_, err := sendReadHolding(ch, 1, time.Second)
	require.Error(t, err)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, KindNoConnection, reqErr.Kind)
}

func TestChannelResolvesMatchedResponse(t *testing.T) {
	ch, ft := newFakeChannel(t, DefaultChannelConfig())
	waitConnected(t, ch)

	go func() {
		f := <-ft.out
		respBytes, _ := EncodeReadRegistersResponse(fcReadHoldingRegisters, []uint16{0xcafe, 0x0001})
		ft.in <- Frame{TransactionId: f.TransactionId, UnitId: f.UnitId, PDUBytes: respBytes}
	}()

	v, err := sendReadHolding(ch, 2, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0xcafe, 0x0001}, v.(ReadRegistersResponse).Values)
}

func TestChannelTimesOutUnansweredRequest(t *testing.T) {
	ch, _ := newFakeChannel(t, DefaultChannelConfig())
	waitConnected(t, ch)

	start := time.Now()
	_, err := sendReadHolding(ch, 1, 100*time.Millisecond)
	require.Error(t, err)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, KindResponseTimeout, reqErr.Kind)
	assert.Less(t, time.Since(start), time.Second)
}

func TestChannelIgnoresStrayResponse(t *testing.T) {
	ch, ft := newFakeChannel(t, DefaultChannelConfig())
	waitConnected(t, ch)

	go func() {
		f := <-ft.out
		respBytes, _ := EncodeReadRegistersResponse(fcReadHoldingRegisters, []uint16{0xbeef})

		// a frame with an unknown tx_id must be ignored without affecting
		// the outstanding request
		ft.in <- Frame{TransactionId: f.TransactionId + 100, UnitId: f.UnitId, PDUBytes: respBytes}
		ft.in <- Frame{TransactionId: f.TransactionId, UnitId: f.UnitId, PDUBytes: respBytes}
	}()

	v, err := sendReadHolding(ch, 1, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0xbeef}, v.(ReadRegistersResponse).Values)
}

func TestChannelDeliversExceptionResponse(t *testing.T) {
	ch, ft := newFakeChannel(t, DefaultChannelConfig())
	waitConnected(t, ch)

	go func() {
		f := <-ft.out
		ft.in <- Frame{
			TransactionId: f.TransactionId,
			UnitId:        f.UnitId,
			PDUBytes:      EncodeExceptionResponse(fcReadHoldingRegisters, ExIllegalDataAddress),
		}
	}()

	_, err := sendReadHolding(ch, 1, time.Second)
	require.Error(t, err)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, KindException, reqErr.Kind)
	assert.Equal(t, ExIllegalDataAddress, reqErr.Exception)
}

func TestChannelShutdownFailsInFlightRequest(t *testing.T) {
	ch, _ := newFakeChannel(t, DefaultChannelConfig())
	waitConnected(t, ch)

	errs := make(chan error, 1)
	go func() {
		_, err := sendReadHolding(ch, 1, 10*time.Second)
		errs <- err
	}()

	// let the request reach the session before shutting down
	time.Sleep(50 * time.Millisecond)
	ch.Shutdown()

	select {
	case err := <-errs:
		var reqErr *RequestError
		require.ErrorAs(t, err, &reqErr)
		assert.Equal(t, KindShutdown, reqErr.Kind)
	case <-time.After(time.Second):
		t.Fatal("send did not resolve after shutdown")
	}
}

func TestChannelAcceptsGatewayUnitIdSubstitution(t *testing.T) {
	ch, ft := newFakeChannel(t, DefaultChannelConfig())
	waitConnected(t, ch)

	go func() {
		f := <-ft.out
		respBytes, _ := EncodeReadRegistersResponse(fcReadHoldingRegisters, []uint16{7})
		ft.in <- Frame{TransactionId: f.TransactionId, UnitId: 0xff, PDUBytes: respBytes}
	}()

	v, err := sendReadHolding(ch, 1, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []uint16{7}, v.(ReadRegistersResponse).Values)
}

func TestRetryStrategyBackoff(t *testing.T) {
	rs := RetryStrategy{MinDelay: 100 * time.Millisecond, MaxDelay: 1 * time.Second}

	d := rs.next(0)
	assert.Equal(t, 100*time.Millisecond, d)
	d = rs.next(d)
	assert.Equal(t, 200*time.Millisecond, d)
	d = rs.next(d)
	assert.Equal(t, 400*time.Millisecond, d)
	d = rs.next(d)
	assert.Equal(t, 800*time.Millisecond, d)
	d = rs.next(d)
	assert.Equal(t, 1*time.Second, d)
	d = rs.next(d)
	assert.Equal(t, 1*time.Second, d)
}

func TestIntakeQueueReportsFull(t *testing.T) {
	q := newIntakeQueue(1)

	require.NoError(t, q.enqueue(&outgoingRequest{promise: newPromise()}))

	err := q.enqueue(&outgoingRequest{promise: newPromise()})
	require.Error(t, err)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, KindQueueFull, reqErr.Kind)
}

func TestPendingMapExpiry(t *testing.T) {
	m := newPendingMap(2)
	now := time.Now()

	p1 := &pendingRequest{txnId: 1, deadline: now.Add(-time.Millisecond), promise: newPromise()}
	p2 := &pendingRequest{txnId: 2, deadline: now.Add(time.Hour), promise: newPromise()}
	m.insert(p1)
	m.insert(p2)
	assert.True(t, m.full())

	expired := m.expireDeadlines(now)
	require.Len(t, expired, 1)
	assert.Equal(t, uint16(1), expired[0].txnId)

	deadline, ok := m.nextDeadline()
	require.True(t, ok)
	assert.Equal(t, p2.deadline, deadline)

	_, ok = m.take(1)
	assert.False(t, ok)
	taken, ok := m.take(2)
	require.True(t, ok)
	assert.Equal(t, p2, taken)
}
