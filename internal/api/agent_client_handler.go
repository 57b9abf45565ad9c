package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/mod/semver"

	"github.com/passage-dev/passage/internal/config"
	"github.com/passage-dev/passage/internal/middleware"
	"github.com/passage-dev/passage/internal/models"
	"github.com/passage-dev/passage/internal/services"
)

// AgentClientHandler serves the agent daemons: heartbeat, command poll,
// completion reports and shipped process logs. All routes sit behind the
// agent API key middleware and use snake_case payloads, matching what the
// agents send on the tunnel control channel.
type AgentClientHandler struct {
	agentService      *services.AgentService
	commandService    *services.CommandService
	projectService    *services.ProjectService
	projectLogService *services.ProjectLogService
}

func NewAgentClientHandler(
	group *gin.RouterGroup,
	agentService *services.AgentService,
	commandService *services.CommandService,
	projectService *services.ProjectService,
	projectLogService *services.ProjectLogService,
	agentAuth *middleware.AgentAuthMiddleware,
) {
	handler := &AgentClientHandler{
		agentService:      agentService,
		commandService:    commandService,
		projectService:    projectService,
		projectLogService: projectLogService,
	}

	apiGroup := group.Group("/agent")
	apiGroup.Use(agentAuth.Add())
	{
		apiGroup.POST("/heartbeat", handler.Heartbeat)
		apiGroup.GET("/commands", handler.Commands)
		apiGroup.POST("/commands/:id/complete", handler.Complete)
		apiGroup.POST("/logs", handler.ShipLogs)
	}
}

type heartbeatRequest struct {
	Status     string      `json:"status"`
	SystemInfo models.JSON `json:"system_info"`
	Version    string      `json:"version"`
}

func (h *AgentClientHandler) Heartbeat(c *gin.Context) {
	agent, ok := middleware.RequireAgent(c)
	if !ok {
		return
	}

	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid heartbeat payload"})
		return
	}

	if err := h.agentService.Heartbeat(c.Request.Context(), agent.ID, req.SystemInfo, req.Version); err != nil {
		respondError(c, err)
		return
	}

	resp := gin.H{"success": true}
	if outdated, known := agentOutdated(req.Version); known {
		resp["outdated"] = outdated
	}
	c.JSON(http.StatusOK, resp)
}

// agentOutdated compares the agent's reported version against the server
// build. Dev builds and unparsable versions yield no verdict.
func agentOutdated(agentVersion string) (outdated, known bool) {
	server := canonicalVersion(config.Version)
	agent := canonicalVersion(agentVersion)
	if !semver.IsValid(server) || !semver.IsValid(agent) {
		return false, false
	}
	return semver.Compare(agent, server) < 0, true
}

func canonicalVersion(v string) string {
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

func (h *AgentClientHandler) Commands(c *gin.Context) {
	agent, ok := middleware.RequireAgent(c)
	if !ok {
		return
	}

	commands, err := h.commandService.PendingCommandsForAgent(c.Request.Context(), agent.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "commands": commands})
}

type completeCommandRequest struct {
	Success *bool  `json:"success" binding:"required"`
	Message string `json:"message"`
	PID     *int   `json:"pid"`
}

func (h *AgentClientHandler) Complete(c *gin.Context) {
	agent, ok := middleware.RequireAgent(c)
	if !ok {
		return
	}

	var req completeCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "success flag is required"})
		return
	}

	err := h.commandService.CompleteCommand(c.Request.Context(), c.Param("id"), agent.ID, *req.Success, req.Message, req.PID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type shipLogsRequest struct {
	ProjectID string              `json:"project_id" binding:"required"`
	Logs      []services.LogEntry `json:"logs" binding:"required"`
}

func (h *AgentClientHandler) ShipLogs(c *gin.Context) {
	agent, ok := middleware.RequireAgent(c)
	if !ok {
		return
	}

	var req shipLogsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "project_id and logs are required"})
		return
	}

	project, err := h.projectService.GetProjectByID(c.Request.Context(), req.ProjectID)
	if err != nil {
		respondError(c, err)
		return
	}
	if project.AgentID == nil || *project.AgentID != agent.ID {
		c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "project is not assigned to this agent"})
		return
	}

	if err := h.projectLogService.AppendLogs(c.Request.Context(), project.ID, req.Logs); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
