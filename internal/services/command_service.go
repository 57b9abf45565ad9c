package services

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/passage-dev/passage/internal/config"
	"github.com/passage-dev/passage/internal/database"
	"github.com/passage-dev/passage/internal/models"
)

// CommandService queues lifecycle actions for agents and applies the state
// transitions they report back. A project has at most one command in flight;
// creating a second one is rejected until the agent completes the first.
type CommandService struct {
	db  *database.DB
	cfg *config.Config
}

func NewCommandService(db *database.DB, cfg *config.Config) *CommandService {
	return &CommandService{db: db, cfg: cfg}
}

// transitionalStatus is the project status shown while a command is in flight.
var transitionalStatus = map[models.CommandAction]models.ProjectStatus{
	models.CommandActionStart:   models.ProjectStatusStarting,
	models.CommandActionStop:    models.ProjectStatusStopping,
	models.CommandActionRestart: models.ProjectStatusRestarting,
}

// CreateCommand queues an action for the project's agent. Start and restart
// require a fresh agent heartbeat; stop is allowed even for offline agents so
// stale state can be cleaned up.
func (s *CommandService) CreateCommand(ctx context.Context, projectID string, action models.CommandAction) (*models.Command, error) {
	status, ok := transitionalStatus[action]
	if !ok {
		return nil, fmt.Errorf("unknown command action '%s'", action)
	}

	var command *models.Command
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var project models.Project
		if err := tx.Preload("Agent").First(&project, "id = ?", projectID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return fmt.Errorf("project not found")
			}
			return fmt.Errorf("failed to get project: %w", err)
		}

		if project.AgentID == nil || project.Agent == nil {
			return fmt.Errorf("project has no agent assigned")
		}
		if project.PendingAction != nil {
			return fmt.Errorf("project already has a pending '%s' command", *project.PendingAction)
		}

		switch action {
		case models.CommandActionStart:
			if project.Status == models.ProjectStatusRunning {
				return fmt.Errorf("project is already running")
			}
		case models.CommandActionStop:
			if project.Status == models.ProjectStatusStopped {
				return fmt.Errorf("project is not running")
			}
		}
		if action != models.CommandActionStop && !agentOnline(project.Agent, s.cfg.AgentOfflineAfter()) {
			return fmt.Errorf("agent '%s' is offline", project.Agent.Name)
		}

		command = &models.Command{
			AgentID:   *project.AgentID,
			ProjectID: project.ID,
			Action:    action,
			Status:    models.CommandStatusPending,
		}
		if err := tx.Create(command).Error; err != nil {
			return fmt.Errorf("failed to create command: %w", err)
		}

		updates := map[string]any{
			"pending_action": action,
			"status":         status,
		}
		if err := tx.Model(&models.Project{}).Where("id = ?", project.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to mark project %s: %w", status, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return command, nil
}

// PendingCommandsForAgent returns the agent's queued commands oldest first,
// with the project attached so the agent knows what to run.
func (s *CommandService) PendingCommandsForAgent(ctx context.Context, agentID string) ([]models.Command, error) {
	var commands []models.Command
	err := s.db.WithContext(ctx).Preload("Project").
		Where("agent_id = ? AND status = ?", agentID, models.CommandStatusPending).
		Order("created_at ASC").
		Find(&commands).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending commands: %w", err)
	}
	return commands, nil
}

// CompleteCommand records an agent's result for a command it picked up. The
// pending check is a row-level guard, so a duplicate completion report is a
// no-op instead of clobbering the first one's project transition.
func (s *CommandService) CompleteCommand(ctx context.Context, commandID, agentID string, success bool, message string, pid *int) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var command models.Command
		err := tx.First(&command, "id = ? AND agent_id = ?", commandID, agentID).Error
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return fmt.Errorf("command not found")
			}
			return fmt.Errorf("failed to get command: %w", err)
		}

		now := time.Now()
		commandStatus := models.CommandStatusCompleted
		if !success {
			commandStatus = models.CommandStatusFailed
		}
		updates := map[string]any{
			"status":       commandStatus,
			"completed_at": now,
		}
		if message != "" {
			updates["result"] = message
		}
		claim := tx.Model(&models.Command{}).
			Where("id = ? AND status = ?", commandID, models.CommandStatusPending).
			Updates(updates)
		if claim.Error != nil {
			return fmt.Errorf("failed to complete command: %w", claim.Error)
		}
		if claim.RowsAffected == 0 {
			// Already completed by an earlier report.
			return nil
		}

		project := map[string]any{"pending_action": nil}
		if success {
			switch command.Action {
			case models.CommandActionStart, models.CommandActionRestart:
				project["status"] = models.ProjectStatusRunning
				project["last_started"] = now
				if pid != nil {
					project["pid"] = *pid
				}
			case models.CommandActionStop:
				project["status"] = models.ProjectStatusStopped
				project["pid"] = nil
			}
		} else {
			project["status"] = models.ProjectStatusError
		}

		err = tx.Model(&models.Project{}).Where("id = ?", command.ProjectID).Updates(project).Error
		if err != nil {
			return fmt.Errorf("failed to apply project transition: %w", err)
		}
		return nil
	})
}

// ListCommands returns a project's command history, newest first.
func (s *CommandService) ListCommands(ctx context.Context, projectID string, limit int) ([]models.Command, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var commands []models.Command
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at DESC").
		Limit(limit).
		Find(&commands).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list commands: %w", err)
	}
	return commands, nil
}
