package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/passage-dev/passage/internal/config"
	"github.com/passage-dev/passage/internal/database"
	"github.com/passage-dev/passage/internal/middleware"
	"github.com/passage-dev/passage/internal/models"
	"github.com/passage-dev/passage/internal/services"
	"github.com/passage-dev/passage/pkg/tunnel"
)

var serverStarted = time.Now()

// SystemHandler serves health probes and the dashboard's info and stats
// panels.
type SystemHandler struct {
	db           *database.DB
	registry     *tunnel.Registry
	agentService *services.AgentService
	cfg          *config.Config
}

func NewSystemHandler(
	group *gin.RouterGroup,
	db *database.DB,
	registry *tunnel.Registry,
	agentService *services.AgentService,
	authMiddleware *middleware.AuthMiddleware,
	cfg *config.Config,
) {
	handler := &SystemHandler{
		db:           db,
		registry:     registry,
		agentService: agentService,
		cfg:          cfg,
	}

	// Health stays unauthenticated so load balancers can probe it.
	group.GET("/health", handler.Health)

	apiGroup := group.Group("/system")
	apiGroup.Use(authMiddleware.Add())
	{
		apiGroup.GET("/info", handler.Info)
		apiGroup.GET("/stats", handler.Stats)
	}
}

func (h *SystemHandler) Health(c *gin.Context) {
	if err := h.db.Ping(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "degraded",
			"version": config.Version,
			"error":   "database unreachable",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"version":       config.Version,
		"activeTunnels": h.registry.Len(),
	})
}

func (h *SystemHandler) Info(c *gin.Context) {
	ctx := c.Request.Context()

	var agentTotal, projectTotal, projectRunning int64
	if err := h.db.WithContext(ctx).Model(&models.Agent{}).Count(&agentTotal).Error; err != nil {
		respondError(c, err)
		return
	}
	if err := h.db.WithContext(ctx).Model(&models.Project{}).Count(&projectTotal).Error; err != nil {
		respondError(c, err)
		return
	}
	err := h.db.WithContext(ctx).Model(&models.Project{}).
		Where("status = ?", models.ProjectStatusRunning).
		Count(&projectRunning).Error
	if err != nil {
		respondError(c, err)
		return
	}

	agents, err := h.agentService.ListAgents(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	agentsOnline := 0
	for i := range agents {
		if h.agentService.IsOnline(&agents[i]) {
			agentsOnline++
		}
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{
		"version":   config.Version,
		"revision":  config.ShortRevision(),
		"goVersion": config.GoVersion(),
		"buildTime": config.BuildTime,
		"uptime":    time.Since(serverStarted).Round(time.Second).String(),
		"domain":    h.cfg.Domain,
		"tunnels": gin.H{
			"active":     h.registry.Len(),
			"subdomains": h.registry.Subdomains(),
		},
		"agents":   gin.H{"total": agentTotal, "online": agentsOnline},
		"projects": gin.H{"total": projectTotal, "running": projectRunning},
	}})
}

func (h *SystemHandler) Stats(c *gin.Context) {
	ctx := c.Request.Context()
	stats := gin.H{"goroutines": runtime.NumGoroutine()}

	// Interval 0 reports usage since the previous call, which suits a
	// periodically polled dashboard.
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		counts, _ := cpu.CountsWithContext(ctx, true)
		stats["cpu"] = gin.H{"percent": percents[0], "cores": counts}
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats["memory"] = gin.H{
			"total":       vm.Total,
			"used":        vm.Used,
			"usedPercent": vm.UsedPercent,
		}
	}

	if usage, err := disk.UsageWithContext(ctx, h.cfg.DataDir); err == nil {
		stats["disk"] = gin.H{
			"path":        h.cfg.DataDir,
			"total":       usage.Total,
			"used":        usage.Used,
			"usedPercent": usage.UsedPercent,
		}
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		stats["host"] = gin.H{
			"hostname": info.Hostname,
			"os":       info.OS,
			"platform": info.Platform,
			"arch":     info.KernelArch,
			"uptime":   info.Uptime,
		}
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": stats})
}
