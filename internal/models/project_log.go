package models

import "time"

type LogType string

const (
	LogTypeStdout LogType = "stdout"
	LogTypeStderr LogType = "stderr"
)

// ProjectLog is a single captured output line from a managed process.
// Unlike the other models it keeps an integer key: lines arrive in batches
// with identical timestamps, so the key doubles as the insertion order.
type ProjectLog struct {
	ID        int64     `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"createdAt"`
	ProjectID string    `json:"projectId" gorm:"column:project_id;index;not null"`
	LogType   LogType   `json:"logType" gorm:"column:log_type;default:stdout"`
	Content   string    `json:"content" gorm:"not null"`
}

func (ProjectLog) TableName() string {
	return "project_logs"
}
