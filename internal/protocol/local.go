package protocol

import (
	"context"
	"errors"
	"sync"
)

const channelDepth = 16

// Transport is a controller's view of an engine host: requests go in,
// responses come out, and Responses is closed once the host is gone.
type Transport interface {
	Requests() chan<- Request
	Responses() <-chan Response
	Close() error
}

// Local runs a Host on its own goroutine in this process.
type Local struct {
	requests  chan Request
	responses chan Response
	done      chan struct{}
	err       error
	closeOnce sync.Once
}

func StartLocal(ctx context.Context, host *Host) *Local {
	l := &Local{
		requests:  make(chan Request, channelDepth),
		responses: make(chan Response, channelDepth),
		done:      make(chan struct{}),
	}
	go func() {
		defer close(l.done)
		l.err = host.Serve(ctx, l.requests, l.responses)
	}()
	return l
}

func (l *Local) Requests() chan<- Request {
	return l.requests
}

func (l *Local) Responses() <-chan Response {
	return l.responses
}

// Close stops accepting requests and waits for the host to answer the ones
// already queued. Responses must keep being drained until it is closed.
func (l *Local) Close() error {
	l.closeOnce.Do(func() { close(l.requests) })
	<-l.done
	if errors.Is(l.err, context.Canceled) {
		return nil
	}
	return l.err
}
