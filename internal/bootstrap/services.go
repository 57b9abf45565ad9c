package bootstrap

import (
	"github.com/passage-dev/passage/internal/config"
	"github.com/passage-dev/passage/internal/database"
	"github.com/passage-dev/passage/internal/services"
)

// Services bundles the constructed service layer for wiring into routes
// and jobs.
type Services struct {
	Agent         *services.AgentService
	Project       *services.ProjectService
	Command       *services.CommandService
	ProjectLog    *services.ProjectLogService
	Firewall      *services.FirewallService
	AccessRequest *services.AccessRequestService
	Notification  *services.NotificationService
}

func buildServices(db *database.DB, cfg *config.Config) *Services {
	notification := services.NewNotificationService(cfg)
	accessRequest := services.NewAccessRequestService(db, notification)

	return &Services{
		Agent:         services.NewAgentService(db, cfg),
		Project:       services.NewProjectService(db, cfg),
		Command:       services.NewCommandService(db, cfg),
		ProjectLog:    services.NewProjectLogService(db),
		Firewall:      services.NewFirewallService(db, cfg, accessRequest),
		AccessRequest: accessRequest,
		Notification:  notification,
	}
}
