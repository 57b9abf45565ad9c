package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/passage-dev/passage/internal/config"
	"github.com/passage-dev/passage/internal/middleware"
	"github.com/passage-dev/passage/internal/models"
	"github.com/passage-dev/passage/internal/services"
)

// AccessRequestHandler moderates firewall access requests: blocked visitors
// show up here and can be granted a bounded bypass window. Approvals are
// checked against the store on every evaluation, so they take effect
// without touching the rule cache.
type AccessRequestHandler struct {
	accessRequestService *services.AccessRequestService
	cfg                  *config.Config
}

func NewAccessRequestHandler(
	group *gin.RouterGroup,
	accessRequestService *services.AccessRequestService,
	authMiddleware *middleware.AuthMiddleware,
	cfg *config.Config,
) {
	handler := &AccessRequestHandler{
		accessRequestService: accessRequestService,
		cfg:                  cfg,
	}

	projectGroup := group.Group("/projects/:id/access-requests")
	projectGroup.Use(authMiddleware.Add())
	{
		projectGroup.GET("", handler.List)
		projectGroup.POST("/revoke", handler.RevokeApprovals)
	}

	apiGroup := group.Group("/access-requests")
	apiGroup.Use(authMiddleware.Add())
	{
		apiGroup.POST("/:id/approve", handler.Approve)
		apiGroup.POST("/:id/reject", handler.Reject)
		apiGroup.POST("/:id/revoke", handler.Revoke)
	}
}

func (h *AccessRequestHandler) List(c *gin.Context) {
	var status *models.AccessRequestStatus
	if raw := c.Query("status"); raw != "" {
		s := models.AccessRequestStatus(raw)
		switch s {
		case models.AccessRequestStatusPending, models.AccessRequestStatusApproved,
			models.AccessRequestStatusRejected, models.AccessRequestStatusRevoked:
			status = &s
		default:
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "unknown access request status"})
			return
		}
	}

	requests, err := h.accessRequestService.ListAccessRequests(c.Request.Context(), c.Param("id"), status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": requests})
}

type approveRequest struct {
	DurationMinutes int `json:"durationMinutes"`
}

func (h *AccessRequestHandler) Approve(c *gin.Context) {
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid approval payload"})
		return
	}
	if req.DurationMinutes == 0 {
		req.DurationMinutes = int(h.cfg.ApprovalDuration.Minutes())
	}

	request, err := h.accessRequestService.ApproveAccessRequest(c.Request.Context(), c.Param("id"), req.DurationMinutes)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": request})
}

func (h *AccessRequestHandler) Reject(c *gin.Context) {
	request, err := h.accessRequestService.RejectAccessRequest(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": request})
}

func (h *AccessRequestHandler) Revoke(c *gin.Context) {
	request, err := h.accessRequestService.RevokeAccessRequest(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": request})
}

type revokeApprovalsRequest struct {
	IP string `json:"ip"`
}

func (h *AccessRequestHandler) RevokeApprovals(c *gin.Context) {
	var req revokeApprovalsRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid revoke payload"})
		return
	}

	count, err := h.accessRequestService.RevokeApprovals(c.Request.Context(), c.Param("id"), req.IP)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"revoked": count}})
}
