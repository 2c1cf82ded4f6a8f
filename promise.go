package modbus

import (
	"sync"
	"sync/atomic"
)

// promise is a single-slot completion handle: resolved exactly once,
// observed by exactly one waiter (the caller blocked in Channel.send).
// Implemented as a buffered channel of capacity 1 whose single send is
// guarded by a sync.Once, so the one buffered value gives the "observable
// once" contract and composes directly with select in Channel.send.
type promise struct {
	done    chan result
	once    sync.Once
	settled atomic.Bool
}

type result struct {
	value any
	err   error
}

func newPromise() *promise {
	return &promise{done: make(chan result, 1)}
}

// resolve completes the promise. Calling it more than once is a no-op: the
// first resolution wins, matching the "exactly once" contract even if a
// caller path races a timeout against a late response.
func (p *promise) resolve(value any, err error) {
	p.once.Do(func() {
		p.settled.Store(true)
		p.done <- result{value: value, err: err}
	})
}

// resolved reports whether resolve has already run. Used by the session
// intake to skip requests whose caller has already given up on them.
func (p *promise) resolved() bool {
	return p.settled.Load()
}

// wait blocks until the promise resolves.
func (p *promise) wait() (any, error) {
	r := <-p.done
	return r.value, r.err
}
