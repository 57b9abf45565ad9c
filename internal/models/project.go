package models

import "time"

type ProjectStatus string

const (
	ProjectStatusStopped    ProjectStatus = "stopped"
	ProjectStatusStarting   ProjectStatus = "starting"
	ProjectStatusRunning    ProjectStatus = "running"
	ProjectStatusStopping   ProjectStatus = "stopping"
	ProjectStatusRestarting ProjectStatus = "restarting"
	ProjectStatusError      ProjectStatus = "error"
)

// Project is a local process managed by an agent and exposed at a public
// subdomain while its tunnel is connected.
type Project struct {
	BaseModel
	AgentID     *string       `json:"agentId,omitempty" gorm:"column:agent_id;index"`
	Name        string        `json:"name" gorm:"uniqueIndex;not null"`
	Path        string        `json:"path" gorm:"not null"`
	Description string        `json:"description,omitempty"`
	Command     string        `json:"command" gorm:"default:npm run dev"`
	Port        *int          `json:"port,omitempty"`
	IsPublic    bool          `json:"isPublic" gorm:"column:is_public;default:false"`
	Status      ProjectStatus `json:"status" gorm:"default:stopped"`
	// PendingAction holds the one in-flight command action, cleared when
	// the agent reports completion.
	PendingAction *CommandAction `json:"pendingAction,omitempty" gorm:"column:pending_action"`
	PID           *int           `json:"pid,omitempty" gorm:"column:pid"`
	LastStarted   *time.Time     `json:"lastStarted,omitempty" gorm:"column:last_started"`
	Subdomain     *string        `json:"subdomain,omitempty" gorm:"uniqueIndex"`

	Agent *Agent `json:"agent,omitempty" gorm:"foreignKey:AgentID"`
}

func (Project) TableName() string {
	return "projects"
}
