package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type AgentStatus string

const (
	AgentStatusOnline  AgentStatus = "online"
	AgentStatusOffline AgentStatus = "offline"
)

// Agent is a machine running the passage agent process. Agents authenticate
// with an API key; only the SHA-256 hash of the key is stored.
type Agent struct {
	BaseModel
	Name          string      `json:"name" gorm:"not null"`
	APIKeyHash    string      `json:"-" gorm:"column:api_key_hash;uniqueIndex;not null"`
	Status        AgentStatus `json:"status" gorm:"default:offline"`
	LastHeartbeat *time.Time  `json:"lastHeartbeat,omitempty" gorm:"column:last_heartbeat"`
	SystemInfo    JSON        `json:"systemInfo,omitempty" gorm:"column:system_info"`
	Version       string      `json:"version,omitempty"`

	Projects []Project `json:"projects,omitempty" gorm:"foreignKey:AgentID"`
}

func (Agent) TableName() string {
	return "agents"
}

// JSON stores the agent's last reported system snapshot as a serialized
// text column. The shape is whatever the agent sent; the server treats it
// as opaque and hands it back to the UI untouched.
//
// nolint:recvcheck
type JSON map[string]any

func (j JSON) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSON) Scan(value any) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	default:
		return fmt.Errorf("unsupported type for JSON column: %T", value)
	}
}
