package job

import (
	"context"
	"log/slog"

	"github.com/passage-dev/passage/internal/config"
	"github.com/passage-dev/passage/internal/services"
)

const LogRetentionJobName = "ProjectLogRetention"

// LogRetentionJob prunes project logs older than the configured retention
// window. A zero or negative retention disables pruning.
type LogRetentionJob struct {
	projectLogService *services.ProjectLogService
	cfg               *config.Config
}

func NewLogRetentionJob(projectLogService *services.ProjectLogService, cfg *config.Config) *LogRetentionJob {
	return &LogRetentionJob{
		projectLogService: projectLogService,
		cfg:               cfg,
	}
}

func (j *LogRetentionJob) Name() string {
	return LogRetentionJobName
}

func (j *LogRetentionJob) Schedule(_ context.Context) string {
	return "0 0 * * * *"
}

func (j *LogRetentionJob) Run(ctx context.Context) {
	retention := j.cfg.LogRetention
	if retention <= 0 {
		return
	}

	deleted, err := j.projectLogService.DeleteOldLogs(ctx, retention)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to prune old project logs", "jobName", LogRetentionJobName, "error", err)
		return
	}

	if deleted > 0 {
		slog.InfoContext(ctx, "Pruned old project logs",
			"jobName", LogRetentionJobName,
			"deleted", deleted,
			"retention", retention.String())
	}
}
