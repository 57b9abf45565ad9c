package middleware

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/passage-dev/passage/internal/models"
	"github.com/passage-dev/passage/internal/services"
)

// ContextKeyAgent is the gin context key holding the authenticated agent.
const ContextKeyAgent = "agent"

// AgentAuthMiddleware guards the agent-facing API with per-agent API keys.
type AgentAuthMiddleware struct {
	agentService *services.AgentService
}

func NewAgentAuthMiddleware(agentService *services.AgentService) *AgentAuthMiddleware {
	return &AgentAuthMiddleware{agentService: agentService}
}

func (m *AgentAuthMiddleware) Add() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("X-Agent-API-Key")
		if apiKey == "" {
			// Older agents send the key under X-API-Key.
			apiKey = c.GetHeader("X-API-Key")
		}
		if apiKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "agent API key required"})
			return
		}

		agent, err := m.agentService.GetAgentByAPIKey(c.Request.Context(), apiKey)
		if err != nil {
			slog.WarnContext(c.Request.Context(), "Rejected agent request", "remote", c.ClientIP(), "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid agent API key"})
			return
		}

		c.Set(ContextKeyAgent, agent)
		c.Next()
	}
}

// RequireAgent returns the authenticated agent, aborting with 401 if the
// middleware did not run.
func RequireAgent(c *gin.Context) (*models.Agent, bool) {
	val, ok := c.Get(ContextKeyAgent)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "agent authentication required"})
		return nil, false
	}
	agent, ok := val.(*models.Agent)
	if !ok || agent == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "agent authentication required"})
		return nil, false
	}
	return agent, true
}
