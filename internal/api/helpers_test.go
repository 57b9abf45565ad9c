package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	glsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/passage-dev/passage/internal/config"
	"github.com/passage-dev/passage/internal/database"
	"github.com/passage-dev/passage/internal/middleware"
	"github.com/passage-dev/passage/internal/models"
	"github.com/passage-dev/passage/internal/services"
	"github.com/passage-dev/passage/pkg/tunnel"
)

type apiTestEnv struct {
	router *gin.Engine
	db     *database.DB
	cfg    *config.Config

	agentService         *services.AgentService
	projectService       *services.ProjectService
	commandService       *services.CommandService
	projectLogService    *services.ProjectLogService
	firewallService      *services.FirewallService
	accessRequestService *services.AccessRequestService
	registry             *tunnel.Registry
}

func setupAPITest(t *testing.T) *apiTestEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(glsqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Agent{},
		&models.Project{},
		&models.Command{},
		&models.ProjectLog{},
		&models.FirewallRule{},
		&models.AccessRequest{},
	))
	wrapped := &database.DB{DB: db}

	cfg := &config.Config{
		Domain:            "tunnel.test",
		ExternalScheme:    "https",
		SecretKey:         "api-test-secret",
		AdminUsername:     "admin",
		AdminPassword:     "hunter2",
		HeartbeatInterval: 30 * time.Second,
		FirewallCacheTTL:  time.Minute,
		ApprovalDuration:  5 * time.Minute,
		DataDir:           t.TempDir(),
	}

	env := &apiTestEnv{
		db:                wrapped,
		cfg:               cfg,
		agentService:      services.NewAgentService(wrapped, cfg),
		projectService:    services.NewProjectService(wrapped, cfg),
		commandService:    services.NewCommandService(wrapped, cfg),
		projectLogService: services.NewProjectLogService(wrapped),
		registry:          tunnel.NewRegistry(),
	}
	notifier := services.NewNotificationService(cfg)
	env.accessRequestService = services.NewAccessRequestService(wrapped, notifier)
	env.firewallService = services.NewFirewallService(wrapped, cfg, env.accessRequestService)

	authMW := middleware.NewAuthMiddleware(cfg)
	agentMW := middleware.NewAgentAuthMiddleware(env.agentService)

	router := gin.New()
	apiGroup := router.Group("/api")
	NewAuthHandler(apiGroup, authMW, cfg)
	NewAgentHandler(apiGroup, env.agentService, authMW)
	NewAgentClientHandler(apiGroup, env.agentService, env.commandService, env.projectService, env.projectLogService, agentMW)
	NewProjectHandler(apiGroup, env.projectService, env.commandService, env.projectLogService, authMW)
	NewFirewallHandler(apiGroup, env.firewallService, authMW)
	NewAccessRequestHandler(apiGroup, env.accessRequestService, authMW, cfg)
	NewSystemHandler(apiGroup, wrapped, env.registry, env.agentService, authMW, cfg)
	NewNotificationHandler(apiGroup, notifier, authMW)
	NewLogStreamHandler(apiGroup, env.projectService, env.projectLogService, authMW)

	env.router = router
	return env
}

func (env *apiTestEnv) request(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func (env *apiTestEnv) login(t *testing.T) string {
	t.Helper()
	w := env.request(t, http.MethodPost, "/api/auth/login", gin.H{"username": "admin", "password": "hunter2"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Data.Token)
	return resp.Data.Token
}

func authHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
}
