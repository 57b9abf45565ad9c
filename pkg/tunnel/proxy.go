package tunnel

import (
	"context"
)

// NewRequestFrame builds an http_request frame from parsed request parts.
// Headers should already have hop-by-hop entries stripped (see
// FlattenHeaders); a fresh request ID is assigned.
func NewRequestFrame(method, path, queryString string, headers map[string]string, body []byte) *RequestFrame {
	return &RequestFrame{
		Type:        MessageTypeRequest,
		RequestID:   NewRequestID(),
		Method:      method,
		Path:        path,
		QueryString: queryString,
		Headers:     headers,
		Body:        string(body),
	}
}

// Forward sends a request frame over t and blocks for the matching
// response. Callers translate the outcomes to HTTP: ErrSendTimeout means
// the channel is wedged (504), a ctx deadline means the agent is too slow
// (504), and a nil response with nil error means the tunnel died before
// answering (502).
func Forward(ctx context.Context, t *Tunnel, req *RequestFrame) (*ResponseFrame, error) {
	return t.Conn.SendRequest(ctx, req, &t.Pending)
}
