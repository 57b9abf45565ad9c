package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrSendTimeout reports that a frame could not be written to the peer
// within the configured send timeout.
var ErrSendTimeout = errors.New("tunnel send timed out")

// Connection abstracts the WebSocket so the registry and proxy can be
// tested against fakes.
type Connection interface {
	// Send marshals and writes a frame, honoring the connection's write
	// timeout.
	Send(frame any) error
	// Receive blocks for the next frame and returns its sniffed type
	// plus the raw JSON payload.
	Receive() (MessageType, []byte, error)
	// IsExpectedReceiveError reports whether a Receive error is a normal
	// disconnect rather than a protocol failure worth logging.
	IsExpectedReceiveError(err error) bool
	// Close shuts the connection down. Safe to call more than once.
	Close() error
	// IsClosed reports whether Close has been called.
	IsClosed() bool
	// SendRequest sends a request frame and waits for the matching
	// response, using pending to correlate by request ID. A nil response
	// with a nil error means the tunnel died before answering.
	SendRequest(ctx context.Context, req *RequestFrame, pending *sync.Map) (*ResponseFrame, error)
}

// Conn wraps a WebSocket connection with the locking the protocol needs:
// writes are serialized, reads stay single-consumer, and Close is
// idempotent.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	sendMu   sync.Mutex
	closed   bool
	closedMu sync.RWMutex
}

// NewConn wraps ws. writeTimeout bounds every Send; zero disables the
// deadline.
func NewConn(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	ws.SetReadLimit(MaxFrameSize)
	return &Conn{ws: ws, writeTimeout: writeTimeout}
}

func (c *Conn) Send(frame any) error {
	c.closedMu.RLock()
	if c.closed {
		c.closedMu.RUnlock()
		return websocket.ErrCloseSent
	}
	c.closedMu.RUnlock()

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal tunnel frame: %w", err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return ErrSendTimeout
		}
		return err
	}
	return nil
}

// Receive reads the next frame. Text and binary messages are both
// accepted; either way the payload must be a JSON object with a type.
func (c *Conn) Receive() (MessageType, []byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return "", nil, err
	}
	msgType, err := SniffType(data)
	if err != nil {
		return "", nil, err
	}
	return msgType, data, nil
}

func (c *Conn) IsExpectedReceiveError(err error) bool {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}

func (c *Conn) Close() error {
	c.closedMu.Lock()
	if c.closed {
		c.closedMu.Unlock()
		return nil
	}
	c.closed = true
	c.closedMu.Unlock()

	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.ws.Close()
}

func (c *Conn) IsClosed() bool {
	c.closedMu.RLock()
	defer c.closedMu.RUnlock()
	return c.closed
}

func (c *Conn) SendRequest(ctx context.Context, req *RequestFrame, pending *sync.Map) (*ResponseFrame, error) {
	return sendRequestWithPending(ctx, c, req, pending)
}

// sendRequestWithPending registers the pending entry before sending so a
// fast response cannot race the registration.
func sendRequestWithPending(ctx context.Context, conn Connection, req *RequestFrame, pending *sync.Map) (*ResponseFrame, error) {
	entry := &PendingRequest{
		ResponseCh: make(chan *ResponseFrame, 1),
		CreatedAt:  time.Now(),
	}
	pending.Store(req.RequestID, entry)
	defer pending.Delete(req.RequestID)

	if err := conn.Send(req); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-entry.ResponseCh:
		return resp, nil
	}
}
