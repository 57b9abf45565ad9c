package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/passage-dev/passage/internal/middleware"
	"github.com/passage-dev/passage/internal/models"
	"github.com/passage-dev/passage/internal/services"
)

const (
	logStreamWriteWait    = 10 * time.Second
	logStreamPongWait     = 60 * time.Second
	logStreamPingPeriod   = (logStreamPongWait * 9) / 10
	logStreamPollInterval = 2 * time.Second

	// logStreamSnapshot is how many lines a client gets on connect before
	// the incremental feed starts.
	logStreamSnapshot = 100

	maxLogStreamsPerIP = 5
)

var logStreamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type logStreamMessage struct {
	Type  string              `json:"type"`
	Lines []models.ProjectLog `json:"lines"`
}

// LogStreamHandler pushes project output to the UI over a WebSocket. The
// feed polls the log store; agents ship lines over REST, so there is no
// in-process fan-out to subscribe to.
type LogStreamHandler struct {
	projectService    *services.ProjectService
	projectLogService *services.ProjectLogService

	// conns tracks live streams per client IP so one browser cannot hold
	// the server's whole connection budget.
	conns sync.Map
}

func NewLogStreamHandler(
	group *gin.RouterGroup,
	projectService *services.ProjectService,
	projectLogService *services.ProjectLogService,
	authMiddleware *middleware.AuthMiddleware,
) {
	handler := &LogStreamHandler{
		projectService:    projectService,
		projectLogService: projectLogService,
	}

	apiGroup := group.Group("/projects")
	apiGroup.Use(authMiddleware.Add())
	{
		apiGroup.GET("/:id/logs/ws", handler.Stream)
	}
}

func (h *LogStreamHandler) acquire(ip string) bool {
	val, _ := h.conns.LoadOrStore(ip, new(atomic.Int32))
	counter := val.(*atomic.Int32)
	if counter.Add(1) > maxLogStreamsPerIP {
		counter.Add(-1)
		return false
	}
	return true
}

func (h *LogStreamHandler) release(ip string) {
	if val, ok := h.conns.Load(ip); ok {
		val.(*atomic.Int32).Add(-1)
	}
}

func (h *LogStreamHandler) Stream(c *gin.Context) {
	project, err := h.projectService.GetProjectByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	ip := c.ClientIP()
	if !h.acquire(ip) {
		c.JSON(http.StatusTooManyRequests, gin.H{"success": false, "error": "too many log streams from this address"})
		return
	}
	defer h.release(ip)

	conn, err := logStreamUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.WarnContext(c.Request.Context(), "Log stream upgrade failed", "project_id", project.ID, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// The client never sends application data; the read pump exists to
	// notice closes and answer the keepalive.
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(logStreamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(logStreamPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	lastSeen, err := h.sendSnapshot(ctx, conn, project.ID)
	if err != nil {
		return
	}

	poll := time.NewTicker(logStreamPollInterval)
	defer poll.Stop()
	ping := time.NewTicker(logStreamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			batch, err := h.projectLogService.LogsSince(ctx, project.ID, lastSeen, 0)
			if err != nil {
				slog.WarnContext(ctx, "Log stream poll failed", "project_id", project.ID, "error", err)
				continue
			}
			if len(batch) == 0 {
				continue
			}
			lastSeen = batch[len(batch)-1].ID
			if err := h.write(conn, logStreamMessage{Type: "append", Lines: batch}); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(logStreamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *LogStreamHandler) sendSnapshot(ctx context.Context, conn *websocket.Conn, projectID string) (int64, error) {
	logs, err := h.projectLogService.GetLogs(ctx, projectID, logStreamSnapshot, "")
	if err != nil {
		slog.WarnContext(ctx, "Log stream snapshot failed", "project_id", projectID, "error", err)
		return 0, err
	}

	var lastSeen int64
	if len(logs) > 0 {
		lastSeen = logs[len(logs)-1].ID
	}
	if err := h.write(conn, logStreamMessage{Type: "snapshot", Lines: logs}); err != nil {
		return 0, err
	}
	return lastSeen, nil
}

func (h *LogStreamHandler) write(conn *websocket.Conn, msg logStreamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(logStreamWriteWait))
	if msg.Lines == nil {
		msg.Lines = []models.ProjectLog{}
	}
	return conn.WriteJSON(msg)
}
