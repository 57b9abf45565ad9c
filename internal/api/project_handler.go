package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/passage-dev/passage/internal/middleware"
	"github.com/passage-dev/passage/internal/models"
	"github.com/passage-dev/passage/internal/services"
)

type ProjectHandler struct {
	projectService    *services.ProjectService
	commandService    *services.CommandService
	projectLogService *services.ProjectLogService
}

func NewProjectHandler(
	group *gin.RouterGroup,
	projectService *services.ProjectService,
	commandService *services.CommandService,
	projectLogService *services.ProjectLogService,
	authMiddleware *middleware.AuthMiddleware,
) {
	handler := &ProjectHandler{
		projectService:    projectService,
		commandService:    commandService,
		projectLogService: projectLogService,
	}

	apiGroup := group.Group("/projects")
	apiGroup.Use(authMiddleware.Add())
	{
		apiGroup.GET("", handler.List)
		apiGroup.POST("", handler.Create)
		apiGroup.GET("/:id", handler.Get)
		apiGroup.PUT("/:id", handler.Update)
		apiGroup.DELETE("/:id", handler.Delete)

		apiGroup.POST("/:id/start", handler.Start)
		apiGroup.POST("/:id/stop", handler.Stop)
		apiGroup.POST("/:id/restart", handler.Restart)

		apiGroup.GET("/:id/commands", handler.Commands)
		apiGroup.GET("/:id/logs", handler.Logs)
		apiGroup.DELETE("/:id/logs", handler.ClearLogs)
	}
}

func (h *ProjectHandler) List(c *gin.Context) {
	projects, err := h.projectService.ListProjects(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": projects})
}

func (h *ProjectHandler) Create(c *gin.Context) {
	var req services.CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "name and path are required"})
		return
	}

	project, err := h.projectService.CreateProject(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": project})
}

func (h *ProjectHandler) Get(c *gin.Context) {
	project, err := h.projectService.GetProjectByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": project})
}

func (h *ProjectHandler) Update(c *gin.Context) {
	var req services.UpdateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid project payload"})
		return
	}

	project, err := h.projectService.UpdateProject(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": project})
}

func (h *ProjectHandler) Delete(c *gin.Context) {
	if err := h.projectService.DeleteProject(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "project deleted"})
}

func (h *ProjectHandler) Start(c *gin.Context) {
	h.queueCommand(c, models.CommandActionStart)
}

func (h *ProjectHandler) Stop(c *gin.Context) {
	h.queueCommand(c, models.CommandActionStop)
}

func (h *ProjectHandler) Restart(c *gin.Context) {
	h.queueCommand(c, models.CommandActionRestart)
}

func (h *ProjectHandler) queueCommand(c *gin.Context, action models.CommandAction) {
	command, err := h.commandService.CreateCommand(c.Request.Context(), c.Param("id"), action)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"message": string(action) + " command queued",
		"data":    command,
	})
}

func (h *ProjectHandler) Commands(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	commands, err := h.commandService.ListCommands(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": commands})
}

func (h *ProjectHandler) Logs(c *gin.Context) {
	var logType models.LogType
	switch c.Query("type") {
	case "":
	case "stdout":
		logType = models.LogTypeStdout
	case "stderr":
		logType = models.LogTypeStderr
	default:
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "log type must be stdout or stderr"})
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	logs, err := h.projectLogService.GetLogs(c.Request.Context(), c.Param("id"), limit, logType)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": logs})
}

func (h *ProjectHandler) ClearLogs(c *gin.Context) {
	if err := h.projectLogService.ClearLogs(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "logs cleared"})
}
