package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/passage-dev/passage/internal/models"
	"github.com/passage-dev/passage/internal/services"
)

func TestAgentHandler_RequiresAuth(t *testing.T) {
	env := setupAPITest(t)

	w := env.request(t, http.MethodGet, "/api/agents", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAgentHandler_CreateAndList(t *testing.T) {
	env := setupAPITest(t)
	token := env.login(t)

	w := env.request(t, http.MethodPost, "/api/agents", gin.H{"name": "laptop"}, authHeader(token))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Data struct {
			Agent  models.Agent `json:"agent"`
			APIKey string       `json:"apiKey"`
		} `json:"data"`
	}
	decodeBody(t, w, &created)
	assert.Len(t, created.Data.APIKey, 64)
	assert.Equal(t, "laptop", created.Data.Agent.Name)

	// The key authenticates on the agent plane.
	hw := env.request(t, http.MethodPost, "/api/agent/heartbeat", gin.H{}, agentKeyHeader(created.Data.APIKey))
	require.Equal(t, http.StatusOK, hw.Code)

	w = env.request(t, http.MethodGet, "/api/agents", nil, authHeader(token))
	require.Equal(t, http.StatusOK, w.Code)

	var listed struct {
		Data []struct {
			models.Agent
			Online bool `json:"online"`
		} `json:"data"`
	}
	decodeBody(t, w, &listed)
	require.Len(t, listed.Data, 1)
	assert.True(t, listed.Data[0].Online)

	t.Run("missing name", func(t *testing.T) {
		w := env.request(t, http.MethodPost, "/api/agents", gin.H{}, authHeader(token))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestAgentHandler_RenameAndRegenerate(t *testing.T) {
	env := setupAPITest(t)
	ctx := context.Background()
	token := env.login(t)

	agent, oldKey, err := env.agentService.CreateAgent(ctx, "old-name")
	require.NoError(t, err)

	w := env.request(t, http.MethodPut, "/api/agents/"+agent.ID, gin.H{"name": "new-name"}, authHeader(token))
	require.Equal(t, http.StatusOK, w.Code)

	var renamed struct {
		Data models.Agent `json:"data"`
	}
	decodeBody(t, w, &renamed)
	assert.Equal(t, "new-name", renamed.Data.Name)

	w = env.request(t, http.MethodPost, "/api/agents/"+agent.ID+"/regenerate-key", nil, authHeader(token))
	require.Equal(t, http.StatusOK, w.Code)

	var regenerated struct {
		Data struct {
			APIKey string `json:"apiKey"`
		} `json:"data"`
	}
	decodeBody(t, w, &regenerated)
	require.NotEmpty(t, regenerated.Data.APIKey)
	assert.NotEqual(t, oldKey, regenerated.Data.APIKey)

	hw := env.request(t, http.MethodPost, "/api/agent/heartbeat", gin.H{}, agentKeyHeader(oldKey))
	assert.Equal(t, http.StatusUnauthorized, hw.Code)
	hw = env.request(t, http.MethodPost, "/api/agent/heartbeat", gin.H{}, agentKeyHeader(regenerated.Data.APIKey))
	assert.Equal(t, http.StatusOK, hw.Code)
}

func TestAgentHandler_Delete(t *testing.T) {
	env := setupAPITest(t)
	ctx := context.Background()
	token := env.login(t)

	agent, _, err := env.agentService.CreateAgent(ctx, "worker")
	require.NoError(t, err)
	project, err := env.projectService.CreateProject(ctx, services.CreateProjectRequest{
		Name:    "blog",
		Path:    "/srv/blog",
		AgentID: &agent.ID,
	})
	require.NoError(t, err)
	require.NoError(t, env.db.Model(&models.Project{}).Where("id = ?", project.ID).
		Update("status", models.ProjectStatusRunning).Error)

	w := env.request(t, http.MethodDelete, "/api/agents/"+agent.ID, nil, authHeader(token))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	require.NoError(t, env.db.Model(&models.Project{}).Where("id = ?", project.ID).
		Update("status", models.ProjectStatusStopped).Error)

	w = env.request(t, http.MethodDelete, "/api/agents/"+agent.ID, nil, authHeader(token))
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.request(t, http.MethodGet, "/api/agents/"+agent.ID, nil, authHeader(token))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
