package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/passage-dev/passage/pkg/tunnel"
)

const (
	tunnelDialTimeout   = 10 * time.Second
	tunnelHandshakeWait = 15 * time.Second
	tunnelPingInterval  = 30 * time.Second
	tunnelPongWait      = 75 * time.Second
	tunnelWriteWait     = 10 * time.Second
	tunnelReconnectMax  = 30 * time.Second

	localRequestTimeout = 30 * time.Second

	// frameMargin leaves room for the JSON envelope around an encoded
	// body inside the frame cap.
	frameMargin = 64 * 1024
)

// The local call is made without origin encodings; Go's transport
// negotiates its own and the edge recomputes response encodings anyway.
var droppedRequestHeaders = map[string]bool{
	"accept-encoding":  true,
	"content-encoding": true,
}

// tunnelWorker maintains one project's tunnel to the edge, reconnecting
// with backoff while the project runs. Each incoming request frame is
// served from its own goroutine against the local process.
type tunnelWorker struct {
	cfg       *Config
	projectID string
	port      int
	local     *http.Client

	cancel context.CancelFunc
	done   chan struct{}
}

func newTunnelWorker(cfg *Config, projectID string, port int) *tunnelWorker {
	return &tunnelWorker{
		cfg:       cfg,
		projectID: projectID,
		port:      port,
		local: &http.Client{
			Timeout: localRequestTimeout,
			// Redirects pass through to the public client untouched.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		done: make(chan struct{}),
	}
}

func (w *tunnelWorker) run(ctx context.Context) {
	defer close(w.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = tunnelReconnectMax

	for {
		connected, err := w.connectAndServe(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Warn("Tunnel disconnected", "projectId", w.projectID, "error", err)
		}
		if connected {
			bo.Reset()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// connectAndServe dials the edge, completes the handshake, and serves
// request frames until the connection dies. The bool reports whether the
// handshake succeeded, so the caller can reset its backoff.
func (w *tunnelWorker) connectAndServe(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout:  tunnelDialTimeout,
		EnableCompression: true,
	}
	conn, resp, err := dialer.DialContext(ctx, w.cfg.TunnelURL(w.projectID), nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return false, fmt.Errorf("failed to dial tunnel (status %d): %w", resp.StatusCode, err)
		}
		return false, fmt.Errorf("failed to dial tunnel: %w", err)
	}
	defer conn.Close()

	conn.SetReadLimit(tunnel.MaxFrameSize)

	connected, err := awaitConnected(conn)
	if err != nil {
		return false, err
	}
	slog.Info("Tunnel active", "projectId", w.projectID, "subdomain", connected.Subdomain, "url", connected.URL)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		// Closing the socket is what unblocks the read loop on cancel.
		<-connCtx.Done()
		_ = conn.Close()
	}()
	go pingLoop(connCtx, conn)

	_ = conn.SetReadDeadline(time.Now().Add(tunnelPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(tunnelPongWait))
	})

	tc := &tunnelConn{ws: conn}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("tunnel read failed: %w", err)
		}

		frameType, err := tunnel.SniffType(data)
		if err != nil {
			slog.Warn("Dropping malformed tunnel frame", "projectId", w.projectID, "error", err)
			continue
		}

		switch frameType {
		case tunnel.MessageTypeRequest:
			var frame tunnel.RequestFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				slog.Warn("Dropping undecodable request frame", "projectId", w.projectID, "error", err)
				continue
			}
			go w.serveRequest(connCtx, tc, &frame)
		case tunnel.MessageTypeError:
			var frame tunnel.ErrorFrame
			_ = json.Unmarshal(data, &frame)
			return true, fmt.Errorf("edge closed tunnel: %s", frame.Message)
		case tunnel.MessageTypePong, tunnel.MessageTypeConnected:
			// Ignored at this layer.
		default:
			slog.Debug("Ignoring tunnel frame", "projectId", w.projectID, "type", frameType)
		}
	}
}

func awaitConnected(conn *websocket.Conn) (*tunnel.ConnectedFrame, error) {
	_ = conn.SetReadDeadline(time.Now().Add(tunnelHandshakeWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("failed to read handshake reply: %w", err)
	}

	frameType, err := tunnel.SniffType(data)
	if err != nil {
		return nil, err
	}

	switch frameType {
	case tunnel.MessageTypeConnected:
		var frame tunnel.ConnectedFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("failed to decode connected frame: %w", err)
		}
		return &frame, nil
	case tunnel.MessageTypeError:
		var frame tunnel.ErrorFrame
		_ = json.Unmarshal(data, &frame)
		return nil, fmt.Errorf("edge rejected tunnel: %s", frame.Message)
	default:
		return nil, fmt.Errorf("unexpected %s frame during handshake", frameType)
	}
}

func pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(tunnelPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(tunnelWriteWait)); err != nil {
				return
			}
		}
	}
}

func (w *tunnelWorker) serveRequest(ctx context.Context, tc *tunnelConn, frame *tunnel.RequestFrame) {
	reqCtx, cancel := context.WithTimeout(ctx, localRequestTimeout)
	defer cancel()

	resp, err := w.forward(reqCtx, frame)
	if err != nil {
		slog.Warn("Local forward failed", "projectId", w.projectID, "method", frame.Method, "path", frame.Path, "error", err)
		w.sendErrorResponse(tc, frame.RequestID, fmt.Sprintf("failed to reach local process: %v", err))
		return
	}

	if err := tc.send(resp); err != nil {
		slog.Debug("Failed to send response frame", "projectId", w.projectID, "requestId", frame.RequestID, "error", err)
	}
}

func (w *tunnelWorker) forward(ctx context.Context, frame *tunnel.RequestFrame) (*tunnel.ResponseFrame, error) {
	target := fmt.Sprintf("http://127.0.0.1:%d%s", w.port, frame.Path)
	if frame.QueryString != "" {
		target += "?" + frame.QueryString
	}

	var body io.Reader
	if frame.Body != "" {
		body = strings.NewReader(frame.Body)
	}
	req, err := http.NewRequestWithContext(ctx, frame.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build local request: %w", err)
	}
	for name, value := range frame.Headers {
		if tunnel.IsHopByHop(name) || droppedRequestHeaders[strings.ToLower(name)] {
			continue
		}
		req.Header.Set(name, value)
	}

	resp, err := w.local.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, tunnel.MaxFrameSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read local response: %w", err)
	}

	encoded, isBinary := tunnel.EncodeBody(raw)
	if len(encoded) > tunnel.MaxFrameSize-frameMargin {
		return nil, fmt.Errorf("local response is too large for the tunnel (%d bytes)", len(raw))
	}

	headers := make([][2]string, 0, len(resp.Header))
	for name, values := range resp.Header {
		if tunnel.IsStrippedResponseHeader(name) {
			continue
		}
		for _, v := range values {
			headers = append(headers, [2]string{name, v})
		}
	}

	return &tunnel.ResponseFrame{
		Type:      tunnel.MessageTypeResponse,
		RequestID: frame.RequestID,
		Status:    resp.StatusCode,
		Headers:   headers,
		Body:      encoded,
		IsBinary:  isBinary,
	}, nil
}

func (w *tunnelWorker) sendErrorResponse(tc *tunnelConn, requestID, message string) {
	frame := &tunnel.ResponseFrame{
		Type:      tunnel.MessageTypeResponse,
		RequestID: requestID,
		Status:    http.StatusBadGateway,
		Headers:   [][2]string{{"Content-Type", "text/plain; charset=utf-8"}},
		Body:      message,
	}
	if err := tc.send(frame); err != nil {
		slog.Debug("Failed to send error frame", "projectId", w.projectID, "requestId", requestID, "error", err)
	}
}

// tunnelConn serializes frame writes; request handlers respond from their
// own goroutines.
type tunnelConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *tunnelConn) send(frame any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(tunnelWriteWait))
	return c.ws.WriteJSON(frame)
}
