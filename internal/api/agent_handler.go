package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/passage-dev/passage/internal/middleware"
	"github.com/passage-dev/passage/internal/models"
	"github.com/passage-dev/passage/internal/services"
)

// AgentHandler exposes agent management to the admin UI. The agent-facing
// endpoints (heartbeat, command poll) live in AgentClientHandler.
type AgentHandler struct {
	agentService *services.AgentService
}

func NewAgentHandler(group *gin.RouterGroup, agentService *services.AgentService, authMiddleware *middleware.AuthMiddleware) {
	handler := &AgentHandler{agentService: agentService}

	apiGroup := group.Group("/agents")
	apiGroup.Use(authMiddleware.Add())
	{
		apiGroup.GET("", handler.List)
		apiGroup.POST("", handler.Create)
		apiGroup.GET("/:id", handler.Get)
		apiGroup.PUT("/:id", handler.Rename)
		apiGroup.POST("/:id/regenerate-key", handler.RegenerateKey)
		apiGroup.DELETE("/:id", handler.Delete)
	}
}

// agentView augments the stored record with the freshness-derived online
// flag; the status column alone can lag behind a silent agent.
type agentView struct {
	models.Agent
	Online bool `json:"online"`
}

func (h *AgentHandler) List(c *gin.Context) {
	agents, err := h.agentService.ListAgents(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	views := make([]agentView, 0, len(agents))
	for i := range agents {
		views = append(views, agentView{Agent: agents[i], Online: h.agentService.IsOnline(&agents[i])})
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": views})
}

type createAgentRequest struct {
	Name string `json:"name" binding:"required"`
}

func (h *AgentHandler) Create(c *gin.Context) {
	var req createAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "agent name is required"})
		return
	}

	agent, apiKey, err := h.agentService.CreateAgent(c.Request.Context(), req.Name)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"message": "store the API key now, it is shown only once",
		"data":    gin.H{"agent": agent, "apiKey": apiKey},
	})
}

func (h *AgentHandler) Get(c *gin.Context) {
	agent, err := h.agentService.GetAgentByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": agentView{Agent: *agent, Online: h.agentService.IsOnline(agent)}})
}

func (h *AgentHandler) Rename(c *gin.Context) {
	var req createAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "agent name is required"})
		return
	}

	agent, err := h.agentService.RenameAgent(c.Request.Context(), c.Param("id"), req.Name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": agent})
}

func (h *AgentHandler) RegenerateKey(c *gin.Context) {
	agent, apiKey, err := h.agentService.RegenerateAPIKey(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "the previous API key is no longer valid",
		"data":    gin.H{"agent": agent, "apiKey": apiKey},
	})
}

func (h *AgentHandler) Delete(c *gin.Context) {
	if err := h.agentService.DeleteAgent(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "agent deleted"})
}
