package models

import "time"

type FirewallRuleType string

const (
	FirewallRuleTypeMethod  FirewallRuleType = "method"
	FirewallRuleTypePath    FirewallRuleType = "path"
	FirewallRuleTypePattern FirewallRuleType = "pattern"
)

// FirewallRule blocks ingress traffic to a project. Method rules match the
// HTTP method, path rules match exactly or as a path prefix, and pattern
// rules are regular expressions matched against the start of the path.
type FirewallRule struct {
	BaseModel
	ProjectID   string           `json:"projectId" gorm:"column:project_id;index;not null"`
	RuleType    FirewallRuleType `json:"ruleType" gorm:"column:rule_type;not null"`
	Value       string           `json:"value" gorm:"not null"`
	Description string           `json:"description,omitempty"`
}

func (FirewallRule) TableName() string {
	return "firewall_rules"
}

type AccessRequestStatus string

const (
	AccessRequestStatusPending  AccessRequestStatus = "pending"
	AccessRequestStatusApproved AccessRequestStatus = "approved"
	AccessRequestStatusRejected AccessRequestStatus = "rejected"
	AccessRequestStatusRevoked  AccessRequestStatus = "revoked"
)

// AccessRequest records a firewall block so an administrator can grant the
// caller temporary access. An approved row bypasses the firewall for the
// exact (project, ip, method, path) tuple until ApprovedUntil passes.
type AccessRequest struct {
	BaseModel
	ProjectID     string              `json:"projectId" gorm:"column:project_id;index;not null"`
	IPAddress     string              `json:"ipAddress" gorm:"column:ip_address;not null"`
	Method        string              `json:"method" gorm:"not null"`
	Path          string              `json:"path" gorm:"not null"`
	RuleID        *string             `json:"ruleId,omitempty" gorm:"column:rule_id"`
	BlockReason   string              `json:"blockReason" gorm:"column:block_reason"`
	Status        AccessRequestStatus `json:"status" gorm:"default:pending;index"`
	ApprovedUntil *time.Time          `json:"approvedUntil,omitempty" gorm:"column:approved_until"`
	LastSeenAt    time.Time           `json:"lastSeenAt" gorm:"column:last_seen_at"`
	HitCount      int                 `json:"hitCount" gorm:"column:hit_count;default:1"`
}

func (AccessRequest) TableName() string {
	return "access_requests"
}
