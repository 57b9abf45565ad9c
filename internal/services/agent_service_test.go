package services

import (
	"context"
	"testing"
	"time"

	glsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/passage-dev/passage/internal/config"
	"github.com/passage-dev/passage/internal/database"
	"github.com/passage-dev/passage/internal/models"
)

func setupAgentTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := gorm.Open(glsqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Agent{}, &models.Project{}))
	return &database.DB{DB: db}
}

func agentTestConfig() *config.Config {
	return &config.Config{HeartbeatInterval: 30 * time.Second}
}

func TestAgentService_CreateAgent(t *testing.T) {
	db := setupAgentTestDB(t)
	ctx := context.Background()
	svc := NewAgentService(db, agentTestConfig())

	agent, key, err := svc.CreateAgent(ctx, "build-box")
	require.NoError(t, err)
	require.NotNil(t, agent)

	assert.Equal(t, "build-box", agent.Name)
	assert.Equal(t, models.AgentStatusOffline, agent.Status)
	assert.Len(t, key, 64)
	assert.NotEqual(t, key, agent.APIKeyHash)
	assert.Equal(t, HashAPIKey(key), agent.APIKeyHash)

	_, _, err = svc.CreateAgent(ctx, "")
	assert.ErrorContains(t, err, "name is required")
}

func TestAgentService_GetAgentByAPIKey(t *testing.T) {
	db := setupAgentTestDB(t)
	ctx := context.Background()
	svc := NewAgentService(db, agentTestConfig())

	created, key, err := svc.CreateAgent(ctx, "build-box")
	require.NoError(t, err)

	agent, err := svc.GetAgentByAPIKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, created.ID, agent.ID)

	_, err = svc.GetAgentByAPIKey(ctx, "not-a-real-key")
	assert.ErrorContains(t, err, "invalid API key")

	_, err = svc.GetAgentByAPIKey(ctx, "")
	assert.ErrorContains(t, err, "API key is required")
}

func TestAgentService_RegenerateAPIKey(t *testing.T) {
	db := setupAgentTestDB(t)
	ctx := context.Background()
	svc := NewAgentService(db, agentTestConfig())

	created, oldKey, err := svc.CreateAgent(ctx, "build-box")
	require.NoError(t, err)

	_, newKey, err := svc.RegenerateAPIKey(ctx, created.ID)
	require.NoError(t, err)
	assert.NotEqual(t, oldKey, newKey)

	_, err = svc.GetAgentByAPIKey(ctx, oldKey)
	assert.ErrorContains(t, err, "invalid API key")

	agent, err := svc.GetAgentByAPIKey(ctx, newKey)
	require.NoError(t, err)
	assert.Equal(t, created.ID, agent.ID)
}

func TestAgentService_Heartbeat(t *testing.T) {
	db := setupAgentTestDB(t)
	ctx := context.Background()
	svc := NewAgentService(db, agentTestConfig())

	created, _, err := svc.CreateAgent(ctx, "build-box")
	require.NoError(t, err)

	info := models.JSON{"hostname": "box1", "cpu_percent": 12.5}
	require.NoError(t, svc.Heartbeat(ctx, created.ID, info, "1.2.3"))

	agent, err := svc.GetAgentByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusOnline, agent.Status)
	require.NotNil(t, agent.LastHeartbeat)
	assert.WithinDuration(t, time.Now(), *agent.LastHeartbeat, 5*time.Second)
	assert.Equal(t, "box1", agent.SystemInfo["hostname"])
	assert.Equal(t, "1.2.3", agent.Version)

	assert.ErrorContains(t, svc.Heartbeat(ctx, "missing", nil, ""), "agent not found")
}

func TestAgentService_IsOnline(t *testing.T) {
	db := setupAgentTestDB(t)
	ctx := context.Background()
	svc := NewAgentService(db, agentTestConfig())

	created, _, err := svc.CreateAgent(ctx, "build-box")
	require.NoError(t, err)

	// Never sent a heartbeat.
	assert.False(t, svc.IsOnline(created))

	require.NoError(t, svc.Heartbeat(ctx, created.ID, nil, ""))
	agent, err := svc.GetAgentByID(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, svc.IsOnline(agent))

	// A stale heartbeat counts as offline even with status still online.
	stale := time.Now().Add(-5 * time.Minute)
	require.NoError(t, db.Model(&models.Agent{}).Where("id = ?", created.ID).Update("last_heartbeat", stale).Error)
	agent, err = svc.GetAgentByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusOnline, agent.Status)
	assert.False(t, svc.IsOnline(agent))
}

func TestAgentService_MarkStaleAgentsOffline(t *testing.T) {
	db := setupAgentTestDB(t)
	ctx := context.Background()
	svc := NewAgentService(db, agentTestConfig())

	fresh, _, err := svc.CreateAgent(ctx, "fresh")
	require.NoError(t, err)
	stale, _, err := svc.CreateAgent(ctx, "stale")
	require.NoError(t, err)

	require.NoError(t, svc.Heartbeat(ctx, fresh.ID, nil, ""))
	require.NoError(t, svc.Heartbeat(ctx, stale.ID, nil, ""))
	old := time.Now().Add(-10 * time.Minute)
	require.NoError(t, db.Model(&models.Agent{}).Where("id = ?", stale.ID).Update("last_heartbeat", old).Error)

	flipped, err := svc.MarkStaleAgentsOffline(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, flipped)

	agent, err := svc.GetAgentByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusOffline, agent.Status)

	agent, err = svc.GetAgentByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusOnline, agent.Status)
}

func TestAgentService_DeleteAgent(t *testing.T) {
	db := setupAgentTestDB(t)
	ctx := context.Background()
	svc := NewAgentService(db, agentTestConfig())

	agent, _, err := svc.CreateAgent(ctx, "build-box")
	require.NoError(t, err)

	project := &models.Project{
		Name:    "web",
		Path:    "/srv/web",
		AgentID: &agent.ID,
		Status:  models.ProjectStatusRunning,
	}
	require.NoError(t, db.Create(project).Error)

	err = svc.DeleteAgent(ctx, agent.ID)
	assert.ErrorContains(t, err, "running project")

	require.NoError(t, db.Model(project).Update("status", models.ProjectStatusStopped).Error)
	require.NoError(t, svc.DeleteAgent(ctx, agent.ID))

	// The project survives without an agent.
	var kept models.Project
	require.NoError(t, db.First(&kept, "id = ?", project.ID).Error)
	assert.Nil(t, kept.AgentID)

	assert.ErrorContains(t, svc.DeleteAgent(ctx, agent.ID), "agent not found")
}
