package services

import (
	"context"
	"fmt"
	"time"

	"github.com/passage-dev/passage/internal/database"
	"github.com/passage-dev/passage/internal/models"
)

// ProjectLogService stores process output shipped by agents and serves it
// back to the UI, with a retention sweep for old lines.
type ProjectLogService struct {
	db *database.DB
}

func NewProjectLogService(db *database.DB) *ProjectLogService {
	return &ProjectLogService{db: db}
}

// LogEntry is one captured output line as shipped by an agent.
type LogEntry struct {
	LogType models.LogType `json:"log_type"`
	Content string         `json:"content"`
}

// AppendLogs stores a batch of captured output lines for a project.
func (s *ProjectLogService) AppendLogs(ctx context.Context, projectID string, entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]models.ProjectLog, 0, len(entries))
	for _, entry := range entries {
		if entry.Content == "" {
			continue
		}
		logType := entry.LogType
		if logType != models.LogTypeStderr {
			logType = models.LogTypeStdout
		}
		rows = append(rows, models.ProjectLog{
			ProjectID: projectID,
			LogType:   logType,
			Content:   entry.Content,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("failed to append logs: %w", err)
	}
	return nil
}

// GetLogs returns the newest lines for a project in chronological order.
// logType narrows the result to stdout or stderr when non-empty.
func (s *ProjectLogService) GetLogs(ctx context.Context, projectID string, limit int, logType models.LogType) ([]models.ProjectLog, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := s.db.WithContext(ctx).Where("project_id = ?", projectID)
	if logType != "" {
		query = query.Where("log_type = ?", logType)
	}
	var logs []models.ProjectLog
	err := query.
		Order("id DESC").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get logs: %w", err)
	}
	// Reverse so callers read oldest to newest.
	for i, j := 0, len(logs)-1; i < j; i, j = i+1, j-1 {
		logs[i], logs[j] = logs[j], logs[i]
	}
	return logs, nil
}

// LogsSince returns lines stored after the given line, oldest first. The
// log stream endpoint polls with the last ID it delivered.
func (s *ProjectLogService) LogsSince(ctx context.Context, projectID string, afterID int64, limit int) ([]models.ProjectLog, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	var logs []models.ProjectLog
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND id > ?", projectID, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get logs after line %d: %w", afterID, err)
	}
	return logs, nil
}

// ClearLogs drops all stored output for a project.
func (s *ProjectLogService) ClearLogs(ctx context.Context, projectID string) error {
	err := s.db.WithContext(ctx).Where("project_id = ?", projectID).Delete(&models.ProjectLog{}).Error
	if err != nil {
		return fmt.Errorf("failed to clear logs: %w", err)
	}
	return nil
}

// DeleteOldLogs removes lines older than the retention window and returns
// how many were dropped.
func (s *ProjectLogService) DeleteOldLogs(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	result := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.ProjectLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete old logs: %w", result.Error)
	}
	return result.RowsAffected, nil
}
