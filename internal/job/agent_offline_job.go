package job

import (
	"context"
	"log/slog"

	"github.com/passage-dev/passage/internal/services"
)

const AgentOfflineJobName = "AgentOfflineSweep"

// AgentOfflineJob marks agents whose heartbeat has gone stale as offline so
// the dashboard and project lifecycle checks stop treating them as reachable.
type AgentOfflineJob struct {
	agentService *services.AgentService
}

func NewAgentOfflineJob(agentService *services.AgentService) *AgentOfflineJob {
	return &AgentOfflineJob{agentService: agentService}
}

func (j *AgentOfflineJob) Name() string {
	return AgentOfflineJobName
}

func (j *AgentOfflineJob) Schedule(_ context.Context) string {
	return "*/30 * * * * *"
}

func (j *AgentOfflineJob) Run(ctx context.Context) {
	count, err := j.agentService.MarkStaleAgentsOffline(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to sweep stale agents", "jobName", AgentOfflineJobName, "error", err)
		return
	}

	if count > 0 {
		slog.InfoContext(ctx, "Marked stale agents offline", "jobName", AgentOfflineJobName, "count", count)
	}
}
