package bootstrap

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	sloggin "github.com/samber/slog-gin"

	"github.com/passage-dev/passage/internal/api"
	"github.com/passage-dev/passage/internal/config"
	"github.com/passage-dev/passage/internal/database"
	"github.com/passage-dev/passage/internal/ingress"
	"github.com/passage-dev/passage/internal/middleware"
	"github.com/passage-dev/passage/pkg/tunnel"
)

const (
	// tunnelPongWait tolerates two missed agent pings (agents ping every
	// 30s) before the read side declares a tunnel dead.
	tunnelPongWait = 90 * time.Second

	registrySweepInterval = 5 * time.Minute
	limiterGCInterval     = time.Minute
)

// setupRouter builds the public entrypoint: ingress host dispatch in
// front, then the management API and the agent plane on the apex.
func setupRouter(appCtx context.Context, cfg *config.Config, db *database.DB, appServices *Services) (*gin.Engine, *tunnel.Server) {
	router := gin.New()
	router.Use(sloggin.New(slog.Default()), gin.Recovery())

	registry := tunnel.NewRegistry()
	registry.StartSweeper(appCtx, registrySweepInterval, 2*cfg.RequestTimeout)

	tunnelServer := tunnel.NewServer(registry, tunnelResolver(cfg, appServices), cfg.SendTimeout, tunnelPongWait)
	tunnelServer.SetStatusCallback(func(ctx context.Context, projectID string, connected bool) {
		if err := appServices.Project.SetTunnelStatus(ctx, projectID, connected); err != nil {
			slog.WarnContext(ctx, "Failed to update project status on tunnel transition",
				"project_id", projectID, "connected", connected, "error", err)
		}
	})

	limiter := ingress.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow)
	limiter.StartGC(appCtx, limiterGCInterval)
	ingressRouter := ingress.NewRouter(
		cfg.Domain,
		registry,
		projectResolver(appServices),
		firewallFunc(appServices),
		limiter,
		cfg.RequestTimeout,
	)
	router.Use(ingressRouter.Middleware())

	// CORS sits behind the ingress dispatch so proxied responses are
	// never decorated with management-API headers.
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization", "X-Agent-API-Key"},
		MaxAge:          12 * time.Hour,
	}))

	router.GET("/_tunnel", tunnelServer.HandleConnect)

	authMW := middleware.NewAuthMiddleware(cfg)
	agentMW := middleware.NewAgentAuthMiddleware(appServices.Agent)

	apiGroup := router.Group("/api")
	api.NewAuthHandler(apiGroup, authMW, cfg)
	api.NewAgentHandler(apiGroup, appServices.Agent, authMW)
	api.NewProjectHandler(apiGroup, appServices.Project, appServices.Command, appServices.ProjectLog, authMW)
	api.NewFirewallHandler(apiGroup, appServices.Firewall, authMW)
	api.NewAccessRequestHandler(apiGroup, appServices.AccessRequest, authMW, cfg)
	api.NewNotificationHandler(apiGroup, appServices.Notification, authMW)
	api.NewSystemHandler(apiGroup, db, registry, appServices.Agent, authMW, cfg)
	api.NewLogStreamHandler(apiGroup, appServices.Project, appServices.ProjectLog, authMW)
	api.NewAgentClientHandler(apiGroup, appServices.Agent, appServices.Command, appServices.Project, appServices.ProjectLog, agentMW)

	return router, tunnelServer
}

// tunnelResolver authenticates a tunnel connect attempt and resolves the
// subdomain it will serve.
func tunnelResolver(cfg *config.Config, appServices *Services) tunnel.ConnectResolver {
	return func(ctx context.Context, projectID, apiKey string) (*tunnel.ConnectInfo, error) {
		agent, err := appServices.Agent.GetAgentByAPIKey(ctx, apiKey)
		if err != nil {
			return nil, err
		}
		project, err := appServices.Project.AuthorizeTunnel(ctx, projectID, agent.ID)
		if err != nil {
			return nil, err
		}

		sub := ""
		if project.Subdomain != nil {
			sub = *project.Subdomain
		}
		return &tunnel.ConnectInfo{
			ProjectID:   project.ID,
			ProjectName: project.Name,
			AgentID:     agent.ID,
			Subdomain:   sub,
			PublicURL:   cfg.PublicURL(sub),
		}, nil
	}
}

func projectResolver(appServices *Services) ingress.ProjectResolver {
	return func(ctx context.Context, sub string) (*ingress.ProjectInfo, error) {
		project, err := appServices.Project.FindProjectBySubdomain(ctx, sub)
		if err != nil || project == nil {
			return nil, err
		}
		return &ingress.ProjectInfo{ID: project.ID, Name: project.Name}, nil
	}
}

func firewallFunc(appServices *Services) ingress.FirewallFunc {
	return func(ctx context.Context, projectID, method, path, clientIP string) ingress.FirewallDecision {
		verdict := appServices.Firewall.Evaluate(ctx, projectID, method, path, clientIP)
		return ingress.FirewallDecision{
			Blocked: verdict.Blocked,
			Reason:  verdict.Reason,
			Logged:  verdict.Logged,
		}
	}
}
