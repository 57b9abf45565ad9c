package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusRecorder struct {
	mu     sync.Mutex
	events []bool
}

func (r *statusRecorder) callback(_ context.Context, _ string, connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, connected)
}

func (r *statusRecorder) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bool, len(r.events))
	copy(out, r.events)
	return out
}

func okResolver(info *ConnectInfo) ConnectResolver {
	return func(_ context.Context, projectID, apiKey string) (*ConnectInfo, error) {
		if apiKey != "valid-key" {
			return nil, errors.New("invalid API key")
		}
		return info, nil
	}
}

func demoInfo() *ConnectInfo {
	return &ConnectInfo{
		ProjectID:   "proj-1",
		ProjectName: "demo",
		AgentID:     "agent-1",
		Subdomain:   "myapp",
		PublicURL:   "https://myapp.example.com",
	}
}

func newTestServer(t *testing.T, resolver ConnectResolver) (*Server, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	srv := NewServer(NewRegistry(), resolver, 5*time.Second, time.Minute)
	router := gin.New()
	router.GET("/_tunnel", srv.HandleConnect)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return srv, ts
}

func dialTunnel(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/_tunnel"
	if query != "" {
		wsURL += "?" + query
	}
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestHandleConnect_MissingCredentials(t *testing.T) {
	_, ts := newTestServer(t, okResolver(demoInfo()))

	ws := dialTunnel(t, ts, "")
	var refusal ErrorFrame
	require.NoError(t, ws.ReadJSON(&refusal))
	assert.Equal(t, MessageTypeError, refusal.Type)
	assert.Contains(t, refusal.Message, "required")
}

func TestHandleConnect_ResolverRejects(t *testing.T) {
	srv, ts := newTestServer(t, okResolver(demoInfo()))

	ws := dialTunnel(t, ts, "project_id=proj-1&api_key=wrong-key")
	var refusal ErrorFrame
	require.NoError(t, ws.ReadJSON(&refusal))
	assert.Equal(t, MessageTypeError, refusal.Type)
	assert.Equal(t, "invalid API key", refusal.Message)
	assert.Equal(t, 0, srv.Registry().Len())
}

func TestHandleConnect_Lifecycle(t *testing.T) {
	srv, ts := newTestServer(t, okResolver(demoInfo()))
	recorder := &statusRecorder{}
	srv.SetStatusCallback(recorder.callback)

	ws := dialTunnel(t, ts, "project_id=proj-1&api_key=valid-key")

	var connected ConnectedFrame
	require.NoError(t, ws.ReadJSON(&connected))
	assert.Equal(t, MessageTypeConnected, connected.Type)
	assert.Equal(t, "myapp", connected.Subdomain)
	assert.Equal(t, "https://myapp.example.com", connected.URL)
	assert.Equal(t, "proj-1", connected.ProjectID)
	assert.Equal(t, "demo", connected.ProjectName)

	require.Eventually(t, func() bool {
		_, ok := srv.Registry().Get("myapp")
		return ok
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true}, recorder.snapshot())

	// Stray application-level pongs from older agents are ignored.
	require.NoError(t, ws.WriteJSON(map[string]string{"type": "pong"}))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, srv.Registry().Len())

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool {
		return srv.Registry().Len() == 0
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		events := recorder.snapshot()
		return len(events) == 2 && !events[1]
	}, time.Second, 5*time.Millisecond)
}

func TestHandleConnect_RejectsDuplicateSubdomain(t *testing.T) {
	srv, ts := newTestServer(t, okResolver(demoInfo()))

	first := dialTunnel(t, ts, "project_id=proj-1&api_key=valid-key")
	var connected ConnectedFrame
	require.NoError(t, first.ReadJSON(&connected))
	require.Equal(t, MessageTypeConnected, connected.Type)

	second := dialTunnel(t, ts, "project_id=proj-1&api_key=valid-key")
	var refusal ErrorFrame
	require.NoError(t, second.ReadJSON(&refusal))
	assert.Equal(t, MessageTypeError, refusal.Type)
	assert.Contains(t, refusal.Message, "already in use")

	// The original tunnel must survive the refused attempt.
	assert.Equal(t, 1, srv.Registry().Len())
	got, ok := srv.Registry().Get("myapp")
	require.True(t, ok)
	assert.Equal(t, "proj-1", got.ProjectID)
}

func TestForward_EndToEnd(t *testing.T) {
	srv, ts := newTestServer(t, okResolver(demoInfo()))

	ws := dialTunnel(t, ts, "project_id=proj-1&api_key=valid-key")
	var connected ConnectedFrame
	require.NoError(t, ws.ReadJSON(&connected))

	// Agent side: answer every request with a canned response.
	go func() {
		for {
			var req RequestFrame
			if err := ws.ReadJSON(&req); err != nil {
				return
			}
			if req.Type != MessageTypeRequest {
				continue
			}
			_ = ws.WriteJSON(&ResponseFrame{
				Type:      MessageTypeResponse,
				RequestID: req.RequestID,
				Status:    200,
				Headers:   [][2]string{{"Content-Type", "text/plain"}},
				Body:      fmt.Sprintf("echo %s %s?%s accept=%s", req.Method, req.Path, req.QueryString, req.Headers["Accept"]),
			})
		}
	}()

	tun, ok := srv.Registry().Get("myapp")
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req := NewRequestFrame("GET", "/hello", "q=1", map[string]string{"Accept": "text/plain"}, nil)
	resp, err := Forward(ctx, tun, req)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "echo GET /hello?q=1 accept=text/plain", resp.Body)
	assert.Equal(t, "text/plain", resp.Header("Content-Type"))
}

func TestForward_TunnelDiesBeforeAnswering(t *testing.T) {
	srv, ts := newTestServer(t, okResolver(demoInfo()))

	ws := dialTunnel(t, ts, "project_id=proj-1&api_key=valid-key")
	var connected ConnectedFrame
	require.NoError(t, ws.ReadJSON(&connected))

	tun, ok := srv.Registry().Get("myapp")
	require.True(t, ok)

	received := make(chan struct{})
	go func() {
		var req RequestFrame
		if err := ws.ReadJSON(&req); err == nil && req.Type == MessageTypeRequest {
			close(received)
		}
	}()

	type result struct {
		resp *ResponseFrame
		err  error
	}
	results := make(chan result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := Forward(ctx, tun, NewRequestFrame("GET", "/never", "", nil, nil))
		results <- result{resp, err}
	}()

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("agent never received the request")
	}

	// Kill the tunnel instead of answering.
	require.NoError(t, ws.Close())

	select {
	case res := <-results:
		require.NoError(t, res.err)
		assert.Nil(t, res.resp)
	case <-time.After(2 * time.Second):
		t.Fatal("forward did not unblock when the tunnel died")
	}
}
