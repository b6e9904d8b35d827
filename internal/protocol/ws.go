package protocol

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fmueller/voxstream/internal/metrics"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	closeTimeout   = 10 * time.Second
	maxMessageSize = 64 << 20
)

// Conn is a Transport to an engine host served over WebSocket.
type Conn struct {
	ws     *websocket.Conn
	logger *zap.Logger

	requests   chan Request
	responses  chan Response
	writerDone chan struct{}
	readerDone chan struct{}
	closeOnce  sync.Once

	// mu serializes sends on responses with its close.
	mu              sync.Mutex
	responsesClosed bool
}

func Dial(ctx context.Context, url string, logger *zap.Logger) (*Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial engine host %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial engine host %s: %w", url, err)
	}
	ws.SetReadLimit(maxMessageSize)

	c := &Conn{
		ws:         ws,
		logger:     logger,
		requests:   make(chan Request, channelDepth),
		responses:  make(chan Response, channelDepth),
		writerDone: make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	go c.writeLoop()
	go c.readLoop()

	logger.Debug("connected to remote engine host", zap.String("url", url))
	return c, nil
}

func (c *Conn) Requests() chan<- Request {
	return c.requests
}

func (c *Conn) Responses() <-chan Response {
	return c.responses
}

// Close sends the queued requests, tells the host no more are coming and
// waits for it to finish answering.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.requests) })
	<-c.writerDone

	timer := time.NewTimer(closeTimeout)
	defer timer.Stop()
	select {
	case <-c.readerDone:
	case <-timer.C:
		c.logger.Warn("remote engine host did not close the connection in time")
	}
	return c.ws.Close()
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)

	var engineID string
	for req := range c.requests {
		if load, ok := req.(Load); ok {
			engineID = load.EngineID
		}
		data, err := EncodeRequest(req)
		if err != nil {
			c.logger.Warn("rejecting unencodable request", zap.Error(err))
			c.deliver(Error{
				EngineID:  engineID,
				RequestID: requestIDOf(req),
				Code:      CodeBadRequest,
				Message:   err.Error(),
			})
			continue
		}
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			c.logger.Warn("write to engine host failed", zap.Error(err))
			for range c.requests {
			}
			return
		}
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func (c *Conn) readLoop() {
	defer close(c.readerDone)
	defer c.closeResponses()

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("engine host connection lost", zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}

		resp, err := DecodeResponse(data)
		if err != nil {
			c.logger.Warn("dropping undecodable response", zap.Error(err))
			continue
		}
		c.deliver(resp)
	}
}

// deliver hands resp to the controller unless the connection is gone.
func (c *Conn) deliver(resp Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.responsesClosed {
		return
	}
	c.responses <- resp
}

func (c *Conn) closeResponses() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responsesClosed = true
	close(c.responses)
}

func requestIDOf(req Request) string {
	switch r := req.(type) {
	case Transcribe:
		return r.RequestID
	case invalid:
		return r.RequestID
	}
	return ""
}

// WebSocketHandler serves a fresh Host from newHost on every connection.
func WebSocketHandler(newHost func() *Host, logger *zap.Logger, m *metrics.Metrics) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	upgrader := websocket.Upgrader{
		CheckOrigin:     func(r *http.Request) bool { return true },
		ReadBufferSize:  1024 * 64,
		WriteBufferSize: 1024 * 64,
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		defer ws.Close()
		ws.SetReadLimit(maxMessageSize)
		// Pending responses are flushed before the close frame goes out.
		ws.SetCloseHandler(func(int, string) error { return nil })

		m.ConnectionOpened()
		defer m.ConnectionClosed()

		connLogger := logger.With(zap.String("remote", r.RemoteAddr))
		connLogger.Info("engine host connection opened")

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		requests := make(chan Request, channelDepth)
		responses := make(chan Response, channelDepth)

		go serveReads(ctx, ws, requests, connLogger)

		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			serveWrites(ws, responses, cancel, connLogger)
		}()

		err = newHost().Serve(ctx, requests, responses)
		<-writerDone
		if err != nil && !errors.Is(err, context.Canceled) {
			connLogger.Warn("engine host stopped", zap.Error(err))
		}
		connLogger.Info("engine host connection closed")
	})
}

func serveReads(ctx context.Context, ws *websocket.Conn, requests chan<- Request, logger *zap.Logger) {
	defer close(requests)

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("engine host read ended", zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}

		select {
		case requests <- decodeOrInvalid(data):
		case <-ctx.Done():
			return
		}
	}
}

func serveWrites(ws *websocket.Conn, responses <-chan Response, cancel context.CancelFunc, logger *zap.Logger) {
	for resp := range responses {
		data, err := EncodeResponse(resp)
		if err != nil {
			logger.Warn("dropping unencodable response", zap.Error(err))
			continue
		}
		if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
			logger.Warn("write to controller failed", zap.Error(err))
			cancel()
			for range responses {
			}
			return
		}
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
