package job

import (
	"context"
	"testing"
	"time"

	glsqlite "github.com/glebarez/sqlite"
	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/passage-dev/passage/internal/config"
	"github.com/passage-dev/passage/internal/database"
	"github.com/passage-dev/passage/internal/models"
	"github.com/passage-dev/passage/internal/services"
)

func setupJobTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := gorm.Open(glsqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Agent{}, &models.Project{}, &models.ProjectLog{}))
	return &database.DB{DB: db}
}

func TestAgentOfflineJob_Run(t *testing.T) {
	db := setupJobTestDB(t)
	ctx := context.Background()
	cfg := &config.Config{HeartbeatInterval: 30 * time.Second}
	agentService := services.NewAgentService(db, cfg)

	stale, _, err := agentService.CreateAgent(ctx, "stale-box")
	require.NoError(t, err)
	fresh, _, err := agentService.CreateAgent(ctx, "fresh-box")
	require.NoError(t, err)

	past := time.Now().Add(-5 * time.Minute)
	now := time.Now()
	require.NoError(t, db.Model(&models.Agent{}).Where("id = ?", stale.ID).
		Updates(map[string]any{"status": models.AgentStatusOnline, "last_heartbeat": past}).Error)
	require.NoError(t, db.Model(&models.Agent{}).Where("id = ?", fresh.ID).
		Updates(map[string]any{"status": models.AgentStatusOnline, "last_heartbeat": now}).Error)

	j := NewAgentOfflineJob(agentService)
	assert.Equal(t, AgentOfflineJobName, j.Name())
	j.Run(ctx)

	got, err := agentService.GetAgentByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusOffline, got.Status)

	got, err = agentService.GetAgentByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusOnline, got.Status)
}

func TestLogRetentionJob_Run(t *testing.T) {
	db := setupJobTestDB(t)
	ctx := context.Background()
	cfg := &config.Config{LogRetention: 72 * time.Hour}
	logService := services.NewProjectLogService(db)

	rows := []models.ProjectLog{
		{ProjectID: "p1", LogType: models.LogTypeStdout, Content: "ancient"},
		{ProjectID: "p1", LogType: models.LogTypeStdout, Content: "recent"},
	}
	rows[0].CreatedAt = time.Now().Add(-100 * time.Hour)
	rows[1].CreatedAt = time.Now().Add(-time.Hour)
	for i := range rows {
		require.NoError(t, db.Create(&rows[i]).Error)
	}

	j := NewLogRetentionJob(logService, cfg)
	assert.Equal(t, LogRetentionJobName, j.Name())
	j.Run(ctx)

	var remaining []models.ProjectLog
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	assert.Equal(t, "recent", remaining[0].Content)
}

func TestLogRetentionJob_DisabledWhenZero(t *testing.T) {
	db := setupJobTestDB(t)
	ctx := context.Background()
	cfg := &config.Config{}
	logService := services.NewProjectLogService(db)

	row := models.ProjectLog{ProjectID: "p1", LogType: models.LogTypeStderr, Content: "kept"}
	row.CreatedAt = time.Now().Add(-1000 * time.Hour)
	require.NoError(t, db.Create(&row).Error)

	NewLogRetentionJob(logService, cfg).Run(ctx)

	var count int64
	require.NoError(t, db.Model(&models.ProjectLog{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestJobSchedulesParse(t *testing.T) {
	ctx := context.Background()
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

	jobs := []interface {
		Name() string
		Schedule(context.Context) string
	}{
		NewAgentOfflineJob(nil),
		NewLogRetentionJob(nil, &config.Config{}),
	}

	for _, j := range jobs {
		_, err := parser.Parse(j.Schedule(ctx))
		assert.NoError(t, err, "job %s has an invalid schedule", j.Name())
	}
}
