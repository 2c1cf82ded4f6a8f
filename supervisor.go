package modbus

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ChannelState is the client session state machine: a Channel sits in
// Disabled until enabled, cycles Connecting/Connected/WaitRetry while
// enabled, and lands in Shutdown permanently once shut down.
type ChannelState int32

const (
	ChannelDisabled ChannelState = iota
	ChannelConnecting
	ChannelConnected
	ChannelWaitRetry
	ChannelShutdown
)

func (s ChannelState) String() string {
	switch s {
	case ChannelDisabled:
		return "disabled"
	case ChannelConnecting:
		return "connecting"
	case ChannelConnected:
		return "connected"
	case ChannelWaitRetry:
		return "wait-retry"
	case ChannelShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// RetryStrategy configures the supervisor's reconnect backoff: exponential
// growth from MinDelay to MaxDelay, reset to MinDelay on every successful
// connect.
type RetryStrategy struct {
	MinDelay time.Duration
	MaxDelay time.Duration
}

func (r RetryStrategy) next(delay time.Duration) time.Duration {
	if delay <= 0 {
		return r.MinDelay
	}
	delay *= 2
	if delay > r.MaxDelay {
		delay = r.MaxDelay
	}
	return delay
}

// Dialer establishes the byte-stream transport a Channel drives. It is the
// only thing a Channel knows about how its link is actually made; TCP,
// TLS, and RTU serial links are all just different Dialers.
type Dialer func(ctx context.Context) (transport, error)

// ChannelConfig configures a Channel's pipeline and supervisor behavior.
type ChannelConfig struct {
	MaxQueuedRequests int
	RequestTimeout    time.Duration
	PendingCapacity   int
	Retry             RetryStrategy
	DecodeLevel       DecodeLevel
	Logger            LeveledLogger
}

// DefaultChannelConfig returns the recommended defaults for a TCP channel.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		MaxQueuedRequests: 16,
		RequestTimeout:    1 * time.Second,
		PendingCapacity:   16,
		Retry:             RetryStrategy{MinDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second},
		DecodeLevel:       DecodeNothing,
	}
}

// Channel is a supervised client session: it owns exactly one transport at
// a time, reconnecting on fault per its RetryStrategy, and its intake
// queue is the sole way external callers interact with it.
type Channel struct {
	id          uuid.UUID
	dial        Dialer
	cfg         ChannelConfig
	logger      LeveledLogger
	queue       *intakeQueue
	shutdown    *shutdownToken
	control     chan controlMsg
	decodeLevel int32
	state       int32
	nextTxnId   uint32
}

type controlMsg struct {
	enable bool
}

// NewChannel builds a Channel around dial and immediately starts its
// supervisor loop in Disabled state; call Enable to start connecting.
func NewChannel(dial Dialer, cfg ChannelConfig) *Channel {
	if cfg.MaxQueuedRequests <= 0 {
		cfg.MaxQueuedRequests = 16
	}
	if cfg.PendingCapacity <= 0 {
		cfg.PendingCapacity = 16
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 1 * time.Second
	}
	if cfg.Retry.MinDelay <= 0 {
		cfg.Retry.MinDelay = 100 * time.Millisecond
	}
	if cfg.Retry.MaxDelay < cfg.Retry.MinDelay {
		cfg.Retry.MaxDelay = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = newLogger("modbus-channel")
	}

	c := &Channel{
		id:       uuid.New(),
		dial:     dial,
		cfg:      cfg,
		logger:   cfg.Logger,
		queue:    newIntakeQueue(cfg.MaxQueuedRequests),
		shutdown: newShutdownToken(),
		control:  make(chan controlMsg, 1),
	}
	atomic.StoreInt32(&c.decodeLevel, int32(cfg.DecodeLevel))

	go c.run()

	return c
}

// ID identifies this channel for correlation in logs across reconnects.
func (c *Channel) ID() uuid.UUID { return c.id }

// State reports where the supervisor loop currently sits.
func (c *Channel) State() ChannelState {
	return ChannelState(atomic.LoadInt32(&c.state))
}

func (c *Channel) setState(s ChannelState) {
	atomic.StoreInt32(&c.state, int32(s))
}

// Enable starts (or resumes) connecting. Idempotent.
func (c *Channel) Enable() {
	select {
	case c.control <- controlMsg{enable: true}:
	case <-c.shutdown.wait():
	}
}

// Disable tears down the current connection, if any, and stops
// reconnecting until Enable is called again. Idempotent.
func (c *Channel) Disable() {
	select {
	case c.control <- controlMsg{enable: false}:
	case <-c.shutdown.wait():
	}
}

// SetDecodeLevel atomically updates the frame tracing verbosity; read on
// every logging decision in the pipeline.
func (c *Channel) SetDecodeLevel(level DecodeLevel) {
	atomic.StoreInt32(&c.decodeLevel, int32(level))
}

func (c *Channel) decodeLevelNow() DecodeLevel {
	return DecodeLevel(atomic.LoadInt32(&c.decodeLevel))
}

// Shutdown permanently stops the channel: the supervisor loop exits, the
// intake queue is drained, and every outstanding and newly submitted
// request fails with KindShutdown.
func (c *Channel) Shutdown() {
	c.shutdown.trip()
}

// send enqueues req and blocks until it completes or timeout elapses.
// This is the single chokepoint every public Client method funnels
// through.
func (c *Channel) send(unitId UnitId, body PDUBody, expectedFunction uint8, parse func([]byte) (any, error), timeout time.Duration) (any, error) {
	if c.shutdown.tripped() {
		return nil, errShutdown
	}
	if c.State() == ChannelDisabled {
		return nil, errNoConnection
	}
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}

	req := &outgoingRequest{
		unitId:           unitId,
		body:             body,
		expectedFunction: expectedFunction,
		parse:            parse,
		timeout:          timeout,
		promise:          newPromise(),
	}

	if err := c.queue.enqueue(req); err != nil {
		return nil, err
	}

	// The session resolves requests it has written to the wire; the timer
	// and shutdown arms cover requests still sitting in the intake queue
	// (e.g. while the supervisor waits out a retry delay), so a send can
	// never block past its deadline. resolve is idempotent: if the session
	// settles the promise first, the local resolve is a no-op.
	select {
	case r := <-req.promise.done:
		return r.value, r.err
	case <-time.After(timeout):
		req.promise.resolve(nil, errResponseTimeout)
	case <-c.shutdown.wait():
		req.promise.resolve(nil, errShutdown)
	}
	return req.promise.wait()
}

// run is the supervisor loop: Disabled -> Connecting -> Connected, with
// WaitRetry on any fault.
func (c *Channel) run() {
	state := ChannelDisabled
	var backoff time.Duration

	for {
		c.setState(state)

		switch state {
		case ChannelDisabled:
			select {
			case msg := <-c.control:
				if msg.enable {
					state = ChannelConnecting
					backoff = 0
				}
			case <-c.shutdown.wait():
				state = ChannelShutdown
			}

		case ChannelConnecting:
			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				select {
				case <-c.shutdown.wait():
					cancel()
				case <-ctx.Done():
				}
			}()
			t, err := c.dial(ctx)
			cancel()
			if err != nil {
				c.logger.Warningf("channel %s: connect failed: %v", c.id, err)
				if c.shutdown.tripped() {
					state = ChannelShutdown
				} else {
					state = ChannelWaitRetry
				}
				continue
			}
			backoff = 0
			c.setState(ChannelConnected)
			disabled := c.runSession(t)
			t.Close()
			switch {
			case c.shutdown.tripped():
				state = ChannelShutdown
			case disabled:
				state = ChannelDisabled
			default:
				state = ChannelWaitRetry
			}

		case ChannelWaitRetry:
			backoff = c.cfg.Retry.next(backoff)
			select {
			case <-time.After(backoff):
				state = ChannelConnecting
			case msg := <-c.control:
				if !msg.enable {
					state = ChannelDisabled
				}
			case <-c.shutdown.wait():
				state = ChannelShutdown
			}

		case ChannelShutdown:
			c.drainAndFailAll()
			return
		}
	}
}

// drainAndFailAll fails every request left sitting in the intake queue
// once the channel has shut down; anything already handed to a session's
// pendingMap was already failed by runSession's own cleanup.
func (c *Channel) drainAndFailAll() {
	for {
		select {
		case req := <-c.queue.ch:
			req.promise.resolve(nil, errShutdown)
		default:
			return
		}
	}
}

// runSession is the Connected-state intake/read/timeout loop. It returns
// true if it exited because of an explicit Disable rather than a
// transport fault or shutdown.
func (c *Channel) runSession(t transport) (disabled bool) {
	pending := newPendingMap(c.cfg.PendingCapacity)
	frames := make(chan Frame, 1)
	readErrs := make(chan error, 1)
	sessionDone := make(chan struct{})
	defer close(sessionDone)

	go func() {
		for {
			f, err := t.ReadFrame()
			if err != nil {
				select {
				case readErrs <- err:
				case <-sessionDone:
				}
				return
			}
			select {
			case frames <- f:
			case <-sessionDone:
				return
			}
		}
	}()

	defer pending.failAll(errIoDisconnected())

	for {
		var timer <-chan time.Time
		if deadline, ok := pending.nextDeadline(); ok {
			timer = time.After(time.Until(deadline))
		}

		var queueCh chan *outgoingRequest
		if !pending.full() {
			queueCh = c.queue.ch
		}

		select {
		case <-c.shutdown.wait():
			pending.failAll(errShutdown)
			return false

		case msg := <-c.control:
			if !msg.enable {
				return true
			}

		case req := <-queueCh:
			if req.promise.resolved() {
				// The caller already timed out while this request sat in
				// the queue; don't waste a wire exchange on it.
				continue
			}
			txnId := uint16(atomic.AddUint32(&c.nextTxnId, 1))
			pduBytes, err := EncodePDU(req.body)
			if err != nil {
				req.promise.resolve(nil, err)
				continue
			}
			if lvl := c.decodeLevelNow(); lvl >= DecodeHeader {
				if lvl >= DecodeDataHeaders {
					c.logger.Infof("channel %s: tx frame: tx_id=0x%04x unit_id=%d fc=0x%02x len=%d",
						c.id, txnId, req.unitId, req.expectedFunction, len(pduBytes))
				} else {
					c.logger.Infof("channel %s: tx frame: tx_id=0x%04x unit_id=%d len=%d",
						c.id, txnId, req.unitId, len(pduBytes))
				}
			}
			if err := t.WriteFrame(Frame{TransactionId: txnId, UnitId: req.unitId, PDUBytes: pduBytes}); err != nil {
				req.promise.resolve(nil, newIoError(err))
				return false
			}
			pending.insert(&pendingRequest{
				txnId:            txnId,
				unitId:           req.unitId,
				expectedFunction: req.expectedFunction,
				deadline:         time.Now().Add(req.timeout),
				promise:          req.promise,
				parse:            req.parse,
			})

		case f := <-frames:
			if c.decodeLevelNow() >= DecodeHeader {
				c.logger.Infof("channel %s: rx frame: tx_id=0x%04x unit_id=%d len=%d",
					c.id, f.TransactionId, f.UnitId, len(f.PDUBytes))
			}
			p, ok := pending.take(f.TransactionId)
			if !ok {
				c.logger.Warningf("channel %s: stray response, tx_id=0x%04x", c.id, f.TransactionId)
				continue
			}
			// A gateway may echo back unit id 0xff instead of the unit id
			// that was actually addressed; accept that one substitution
			// and reject every other mismatch as a stray/misrouted frame.
			if p.unitId != f.UnitId && f.UnitId != 0xff {
				p.promise.resolve(nil, newBadResponseError(&UnknownResponseFunctionError{
					Got: f.PDUBytes[0], ExpectedOk: p.expectedFunction, ExpectedErr: p.expectedFunction | errorBit,
				}))
				continue
			}
			value, err := p.parse(f.PDUBytes)
			p.promise.resolve(value, err)

		case err := <-readErrs:
			c.logger.Warningf("channel %s: transport read failed: %v", c.id, err)
			return false

		case <-timer:
			for _, p := range pending.expireDeadlines(time.Now()) {
				p.promise.resolve(nil, errResponseTimeout)
			}
		}
	}
}

func errIoDisconnected() error {
	return newIoError(ErrConnectionClosed)
}
