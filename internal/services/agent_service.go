package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	hashiuuid "github.com/hashicorp/go-uuid"
	"gorm.io/gorm"

	"github.com/passage-dev/passage/internal/config"
	"github.com/passage-dev/passage/internal/database"
	"github.com/passage-dev/passage/internal/models"
)

// AgentService manages agent identities and their heartbeat freshness.
// API keys are stored as SHA-256 hashes; the plaintext leaves the server
// exactly once, in the create and regenerate responses.
type AgentService struct {
	db  *database.DB
	cfg *config.Config
}

func NewAgentService(db *database.DB, cfg *config.Config) *AgentService {
	return &AgentService{db: db, cfg: cfg}
}

// GenerateAPIKey returns a fresh plaintext key and its storage hash.
func GenerateAPIKey() (plaintext, hash string, err error) {
	raw, err := hashiuuid.GenerateRandomBytes(32)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate API key: %w", err)
	}
	plaintext = hex.EncodeToString(raw)
	return plaintext, HashAPIKey(plaintext), nil
}

// HashAPIKey derives the storage form of an API key.
func HashAPIKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

func (s *AgentService) CreateAgent(ctx context.Context, name string) (*models.Agent, string, error) {
	if name == "" {
		return nil, "", fmt.Errorf("agent name is required")
	}

	plaintext, hash, err := GenerateAPIKey()
	if err != nil {
		return nil, "", err
	}

	agent := &models.Agent{
		Name:       name,
		APIKeyHash: hash,
		Status:     models.AgentStatusOffline,
	}
	if err := s.db.WithContext(ctx).Create(agent).Error; err != nil {
		return nil, "", fmt.Errorf("failed to create agent: %w", err)
	}
	return agent, plaintext, nil
}

func (s *AgentService) ListAgents(ctx context.Context) ([]models.Agent, error) {
	var agents []models.Agent
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return agents, nil
}

func (s *AgentService) GetAgentByID(ctx context.Context, id string) (*models.Agent, error) {
	var agent models.Agent
	if err := s.db.WithContext(ctx).First(&agent, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("agent not found")
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return &agent, nil
}

// GetAgentByAPIKey resolves the agent a presented key belongs to.
func (s *AgentService) GetAgentByAPIKey(ctx context.Context, apiKey string) (*models.Agent, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	var agent models.Agent
	err := s.db.WithContext(ctx).First(&agent, "api_key_hash = ?", HashAPIKey(apiKey)).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("invalid API key")
		}
		return nil, fmt.Errorf("failed to look up API key: %w", err)
	}
	return &agent, nil
}

func (s *AgentService) RenameAgent(ctx context.Context, id, name string) (*models.Agent, error) {
	if name == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	agent, err := s.GetAgentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	agent.Name = name
	if err := s.db.WithContext(ctx).Save(agent).Error; err != nil {
		return nil, fmt.Errorf("failed to rename agent: %w", err)
	}
	return agent, nil
}

// RegenerateAPIKey rotates an agent's key and returns the new plaintext.
// Running agents keep their tunnels but fail their next poll until
// reconfigured.
func (s *AgentService) RegenerateAPIKey(ctx context.Context, id string) (*models.Agent, string, error) {
	agent, err := s.GetAgentByID(ctx, id)
	if err != nil {
		return nil, "", err
	}
	plaintext, hash, err := GenerateAPIKey()
	if err != nil {
		return nil, "", err
	}
	agent.APIKeyHash = hash
	if err := s.db.WithContext(ctx).Save(agent).Error; err != nil {
		return nil, "", fmt.Errorf("failed to rotate API key: %w", err)
	}
	return agent, plaintext, nil
}

// DeleteAgent removes an agent unless it still owns running projects.
func (s *AgentService) DeleteAgent(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var running int64
		err := tx.Model(&models.Project{}).
			Where("agent_id = ? AND status = ?", id, models.ProjectStatusRunning).
			Count(&running).Error
		if err != nil {
			return fmt.Errorf("failed to count running projects: %w", err)
		}
		if running > 0 {
			return fmt.Errorf("agent still has %d running project(s)", running)
		}

		// Orphan the agent's projects rather than dropping them.
		if err := tx.Model(&models.Project{}).Where("agent_id = ?", id).
			Update("agent_id", nil).Error; err != nil {
			return fmt.Errorf("failed to detach projects: %w", err)
		}

		result := tx.Delete(&models.Agent{}, "id = ?", id)
		if result.Error != nil {
			return fmt.Errorf("failed to delete agent: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("agent not found")
		}
		return nil
	})
}

// Heartbeat stamps the agent as alive and stores its reported state.
func (s *AgentService) Heartbeat(ctx context.Context, agentID string, systemInfo models.JSON, version string) error {
	now := time.Now()
	updates := map[string]any{
		"status":         models.AgentStatusOnline,
		"last_heartbeat": now,
	}
	if systemInfo != nil {
		updates["system_info"] = systemInfo
	}
	if version != "" {
		updates["version"] = version
	}

	result := s.db.WithContext(ctx).Model(&models.Agent{}).Where("id = ?", agentID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to record heartbeat: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("agent not found")
	}
	return nil
}

// IsOnline applies the reader-side freshness rule: an agent counts as
// online only while its last heartbeat is newer than the offline
// threshold, whatever the stored status says.
func (s *AgentService) IsOnline(agent *models.Agent) bool {
	return agentOnline(agent, s.cfg.AgentOfflineAfter())
}

func agentOnline(agent *models.Agent, offlineAfter time.Duration) bool {
	if agent == nil || agent.Status != models.AgentStatusOnline || agent.LastHeartbeat == nil {
		return false
	}
	return time.Since(*agent.LastHeartbeat) <= offlineAfter
}

// MarkStaleAgentsOffline flips agents whose heartbeat aged out. Run
// periodically so list views match what IsOnline would say.
func (s *AgentService) MarkStaleAgentsOffline(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.cfg.AgentOfflineAfter())
	result := s.db.WithContext(ctx).Model(&models.Agent{}).
		Where("status = ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)", models.AgentStatusOnline, cutoff).
		Update("status", models.AgentStatusOffline)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to mark stale agents offline: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		slog.InfoContext(ctx, "marked stale agents offline", "count", result.RowsAffected)
	}
	return result.RowsAffected, nil
}
