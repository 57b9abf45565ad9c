package models

import "time"

type CommandAction string

const (
	CommandActionStart   CommandAction = "start"
	CommandActionStop    CommandAction = "stop"
	CommandActionRestart CommandAction = "restart"
)

type CommandStatus string

const (
	CommandStatusPending   CommandStatus = "pending"
	CommandStatusCompleted CommandStatus = "completed"
	CommandStatusFailed    CommandStatus = "failed"
)

// Command is a queued instruction for an agent, picked up on its next poll.
type Command struct {
	BaseModel
	AgentID     string        `json:"agentId" gorm:"column:agent_id;index;not null"`
	ProjectID   string        `json:"projectId" gorm:"column:project_id;index;not null"`
	Action      CommandAction `json:"action" gorm:"not null"`
	Status      CommandStatus `json:"status" gorm:"default:pending;index"`
	Result      *string       `json:"result,omitempty"`
	CompletedAt *time.Time    `json:"completedAt,omitempty" gorm:"column:completed_at"`

	Project *Project `json:"project,omitempty" gorm:"foreignKey:ProjectID"`
}

func (Command) TableName() string {
	return "commands"
}
