package tunnel

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var tunnelUpgrader = websocket.Upgrader{
	ReadBufferSize:    64 * 1024,
	WriteBufferSize:   64 * 1024,
	EnableCompression: true,
	// Agents authenticate with an API key, not cookies, so origin
	// checks add nothing here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ConnectInfo is what the resolver hands back for an authenticated
// connect attempt.
type ConnectInfo struct {
	ProjectID   string
	ProjectName string
	AgentID     string
	Subdomain   string
	PublicURL   string
}

// ConnectResolver authenticates a connect attempt and resolves the
// subdomain the tunnel will serve, allocating one if the project has
// none. Implemented by the project service. The returned error text is
// sent to the agent verbatim, so keep it user-facing.
type ConnectResolver func(ctx context.Context, projectID, apiKey string) (*ConnectInfo, error)

// StatusCallback observes tunnel lifecycle transitions, e.g. to flip the
// project's stored status between running and stopped.
type StatusCallback func(ctx context.Context, projectID string, connected bool)

// Server upgrades connect requests into registered tunnels and pumps
// their frames. Validation happens after the upgrade so failures reach
// the agent as an error frame instead of a bare HTTP status.
type Server struct {
	registry       *Registry
	resolver       ConnectResolver
	statusCallback StatusCallback
	writeTimeout   time.Duration
	pongWait       time.Duration
}

// NewServer creates a tunnel server. writeTimeout bounds frame writes;
// pongWait is how long the read side tolerates silence before declaring
// the tunnel dead, typically twice the agent's ping interval.
func NewServer(registry *Registry, resolver ConnectResolver, writeTimeout, pongWait time.Duration) *Server {
	return &Server{
		registry:     registry,
		resolver:     resolver,
		writeTimeout: writeTimeout,
		pongWait:     pongWait,
	}
}

// SetStatusCallback registers a lifecycle observer. Must be called before
// the server starts accepting connections.
func (s *Server) SetStatusCallback(cb StatusCallback) {
	s.statusCallback = cb
}

// Registry exposes the registry backing this server.
func (s *Server) Registry() *Registry {
	return s.registry
}

// HandleConnect serves GET /_tunnel?project_id=...&api_key=... It blocks
// for the lifetime of the tunnel.
func (s *Server) HandleConnect(c *gin.Context) {
	ws, err := tunnelUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		slog.Error("tunnel upgrade failed", "remote_addr", c.ClientIP(), "error", err)
		return
	}
	conn := NewConn(ws, s.writeTimeout)

	projectID := c.Query("project_id")
	apiKey := c.Query("api_key")
	if projectID == "" || apiKey == "" {
		s.refuse(conn, "", "project_id and api_key are required")
		return
	}

	info, err := s.resolver(c.Request.Context(), projectID, apiKey)
	if err != nil {
		slog.Warn("tunnel connect rejected",
			"project_id", projectID,
			"remote_addr", c.ClientIP(),
			"error", err)
		s.refuse(conn, projectID, err.Error())
		return
	}

	s.manageTunnel(c.Request.Context(), conn, info)
}

func (s *Server) refuse(conn *Conn, projectID, message string) {
	if err := conn.Send(NewErrorFrame(message)); err != nil {
		slog.Debug("failed to send tunnel refusal", "project_id", projectID, "error", err)
	}
	_ = conn.Close()
}

func (s *Server) manageTunnel(ctx context.Context, conn *Conn, info *ConnectInfo) {
	tun := NewTunnel(info.Subdomain, info.ProjectID, info.AgentID, conn)

	if err := s.registry.Register(tun); err != nil {
		slog.Warn("tunnel connect refused",
			"subdomain", info.Subdomain,
			"project_id", info.ProjectID,
			"error", err)
		s.refuse(conn, info.ProjectID, "Subdomain already in use by an active tunnel")
		return
	}

	// The request context dies with the handler, so lifecycle
	// notifications run detached from it.
	cbCtx := context.WithoutCancel(ctx)
	defer func() {
		s.registry.Unregister(tun)
		if s.statusCallback != nil {
			s.statusCallback(cbCtx, info.ProjectID, false)
		}
	}()
	if s.statusCallback != nil {
		s.statusCallback(cbCtx, info.ProjectID, true)
	}

	if err := conn.Send(&ConnectedFrame{
		Type:        MessageTypeConnected,
		Subdomain:   info.Subdomain,
		URL:         info.PublicURL,
		ProjectID:   info.ProjectID,
		ProjectName: info.ProjectName,
	}); err != nil {
		slog.Error("failed to confirm tunnel connect",
			"subdomain", info.Subdomain,
			"error", err)
		return
	}

	s.readLoop(tun, conn)
}

// readLoop pumps frames until the connection dies. Agent pings double as
// heartbeats: they stamp the tunnel and extend the read deadline, and any
// data frame extends the deadline too.
func (s *Server) readLoop(t *Tunnel, conn *Conn) {
	resetDeadline := func() {
		if s.pongWait > 0 {
			_ = conn.ws.SetReadDeadline(time.Now().Add(s.pongWait))
		}
	}
	resetDeadline()
	conn.ws.SetPingHandler(func(appData string) error {
		t.UpdateHeartbeat()
		resetDeadline()
		err := conn.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	conn.ws.SetPongHandler(func(string) error {
		t.UpdateHeartbeat()
		resetDeadline()
		return nil
	})

	for {
		msgType, data, err := t.Conn.Receive()
		if err != nil {
			if t.Conn.IsExpectedReceiveError(err) {
				slog.Debug("tunnel closed", "subdomain", t.Subdomain)
			} else {
				slog.Warn("tunnel read failed", "subdomain", t.Subdomain, "error", err)
			}
			return
		}
		resetDeadline()
		s.handleFrame(t, msgType, data)
	}
}

func (s *Server) handleFrame(t *Tunnel, msgType MessageType, data []byte) {
	switch msgType {
	case MessageTypeResponse:
		var resp ResponseFrame
		if err := json.Unmarshal(data, &resp); err != nil {
			slog.Warn("malformed response frame", "subdomain", t.Subdomain, "error", err)
			return
		}
		if !t.DeliverResponse(&resp) {
			slog.Warn("tunnel response for unknown request",
				"subdomain", t.Subdomain,
				"request_id", resp.RequestID)
		}
	case MessageTypePong:
		// Application-level heartbeat from older agents; transport
		// ping/pong covers liveness now.
	case MessageTypeError:
		var frame ErrorFrame
		if err := json.Unmarshal(data, &frame); err == nil {
			slog.Warn("tunnel reported error",
				"subdomain", t.Subdomain,
				"message", frame.Message)
		}
	default:
		slog.Warn("unknown tunnel frame type",
			"subdomain", t.Subdomain,
			"type", msgType)
	}
}
