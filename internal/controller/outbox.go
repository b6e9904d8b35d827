package controller

import (
	"sync"

	"github.com/fmueller/voxstream/internal/protocol"
)

// outbox is an unbounded FIFO between request producers and the transport,
// so a tick never waits for the host to accept a request.
type outbox struct {
	mu     sync.Mutex
	queue  []protocol.Request
	closed bool
	wake   chan struct{}
}

func newOutbox() *outbox {
	return &outbox{wake: make(chan struct{}, 1)}
}

func (o *outbox) push(req protocol.Request) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.queue = append(o.queue, req)
	o.mu.Unlock()
	o.signal()
}

func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.signal()
}

func (o *outbox) drain() ([]protocol.Request, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	reqs := o.queue
	o.queue = nil
	return reqs, o.closed
}

func (o *outbox) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}
