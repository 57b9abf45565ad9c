package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/passage-dev/passage/internal/middleware"
	"github.com/passage-dev/passage/internal/services"
)

// NotificationHandler reports whether outbound notifications are configured
// and lets the admin fire a test message. Delivery targets come from the
// NOTIFY_URLS environment variable, so there is no settings CRUD here.
type NotificationHandler struct {
	notificationService *services.NotificationService
}

func NewNotificationHandler(group *gin.RouterGroup, notificationService *services.NotificationService, authMiddleware *middleware.AuthMiddleware) {
	handler := &NotificationHandler{notificationService: notificationService}

	apiGroup := group.Group("/notifications")
	apiGroup.Use(authMiddleware.Add())
	{
		apiGroup.GET("", handler.Status)
		apiGroup.POST("/test", handler.Test)
	}
}

func (h *NotificationHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{
		"enabled": h.notificationService.Enabled(),
	}})
}

func (h *NotificationHandler) Test(c *gin.Context) {
	if !h.notificationService.Enabled() {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "notifications are not configured, set NOTIFY_URLS"})
		return
	}

	h.notificationService.Notify(c.Request.Context(), "Passage test notification", "Notification delivery is working.")
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "test notification sent"})
}
