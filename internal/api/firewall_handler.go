package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/passage-dev/passage/internal/middleware"
	"github.com/passage-dev/passage/internal/services"
)

type FirewallHandler struct {
	firewallService *services.FirewallService
}

func NewFirewallHandler(group *gin.RouterGroup, firewallService *services.FirewallService, authMiddleware *middleware.AuthMiddleware) {
	handler := &FirewallHandler{firewallService: firewallService}

	apiGroup := group.Group("/projects/:id/firewall-rules")
	apiGroup.Use(authMiddleware.Add())
	{
		apiGroup.GET("", handler.List)
		apiGroup.POST("", handler.Create)
		apiGroup.PUT("/:ruleId", handler.Update)
		apiGroup.DELETE("/:ruleId", handler.Delete)
	}
}

func (h *FirewallHandler) List(c *gin.Context) {
	rules, err := h.firewallService.ListRules(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": rules})
}

func (h *FirewallHandler) Create(c *gin.Context) {
	var req services.CreateFirewallRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "rule type and value are required"})
		return
	}

	rule, err := h.firewallService.CreateRule(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": rule})
}

func (h *FirewallHandler) Update(c *gin.Context) {
	var req services.UpdateFirewallRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid rule payload"})
		return
	}

	rule, err := h.firewallService.UpdateRule(c.Request.Context(), c.Param("id"), c.Param("ruleId"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": rule})
}

func (h *FirewallHandler) Delete(c *gin.Context) {
	if err := h.firewallService.DeleteRule(c.Request.Context(), c.Param("id"), c.Param("ruleId")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "firewall rule deleted"})
}
