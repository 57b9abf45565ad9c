package services

import (
	"context"
	"fmt"

	"github.com/jinzhu/copier"
	"gorm.io/gorm"

	"github.com/passage-dev/passage/internal/config"
	"github.com/passage-dev/passage/internal/database"
	"github.com/passage-dev/passage/internal/models"
	"github.com/passage-dev/passage/internal/utils/subdomain"
)

type ProjectService struct {
	db  *database.DB
	cfg *config.Config
}

func NewProjectService(db *database.DB, cfg *config.Config) *ProjectService {
	return &ProjectService{db: db, cfg: cfg}
}

type CreateProjectRequest struct {
	Name        string  `json:"name" binding:"required"`
	Path        string  `json:"path" binding:"required"`
	Description string  `json:"description"`
	Command     string  `json:"command"`
	Port        *int    `json:"port"`
	AgentID     *string `json:"agentId"`
	IsPublic    bool    `json:"isPublic"`
	Subdomain   *string `json:"subdomain"`
}

type UpdateProjectRequest struct {
	Name        *string `json:"name"`
	Path        *string `json:"path"`
	Description *string `json:"description"`
	Command     *string `json:"command"`
	Port        *int    `json:"port"`
	AgentID     *string `json:"agentId"`
	IsPublic    *bool   `json:"isPublic"`
	Subdomain   *string `json:"subdomain"`
}

func (s *ProjectService) CreateProject(ctx context.Context, req CreateProjectRequest) (*models.Project, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("project name is required")
	}
	if req.Path == "" {
		return nil, fmt.Errorf("project path is required")
	}
	if req.Command == "" {
		req.Command = "npm run dev"
	}

	project := &models.Project{
		Name:        req.Name,
		Path:        req.Path,
		Description: req.Description,
		Command:     req.Command,
		Port:        req.Port,
		AgentID:     req.AgentID,
		IsPublic:    req.IsPublic,
		Status:      models.ProjectStatusStopped,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Project{}).Where("name = ?", req.Name).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check project name: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("project name '%s' is already in use", req.Name)
		}

		if req.AgentID != nil {
			var agents int64
			if err := tx.Model(&models.Agent{}).Where("id = ?", *req.AgentID).Count(&agents).Error; err != nil {
				return fmt.Errorf("failed to check agent: %w", err)
			}
			if agents == 0 {
				return fmt.Errorf("agent not found")
			}
		}

		if req.Subdomain != nil && *req.Subdomain != "" {
			sub, err := s.claimSubdomain(tx, *req.Subdomain)
			if err != nil {
				return err
			}
			project.Subdomain = &sub
		}

		if err := tx.Create(project).Error; err != nil {
			return fmt.Errorf("failed to create project: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return project, nil
}

func (s *ProjectService) ListProjects(ctx context.Context) ([]models.Project, error) {
	var projects []models.Project
	err := s.db.WithContext(ctx).Preload("Agent").Order("created_at ASC").Find(&projects).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return projects, nil
}

func (s *ProjectService) GetProjectByID(ctx context.Context, id string) (*models.Project, error) {
	var project models.Project
	err := s.db.WithContext(ctx).Preload("Agent").First(&project, "id = ?", id).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("project not found")
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return &project, nil
}

// FindProjectBySubdomain returns (nil, nil) when no project owns the
// subdomain, so ingress can distinguish "unknown" from a store failure.
func (s *ProjectService) FindProjectBySubdomain(ctx context.Context, sub string) (*models.Project, error) {
	var project models.Project
	err := s.db.WithContext(ctx).First(&project, "subdomain = ?", sub).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up subdomain: %w", err)
	}
	return &project, nil
}

func (s *ProjectService) UpdateProject(ctx context.Context, id string, req UpdateProjectRequest) (*models.Project, error) {
	project, err := s.GetProjectByID(ctx, id)
	if err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if req.Name != nil && *req.Name != project.Name {
			var count int64
			if err := tx.Model(&models.Project{}).Where("name = ? AND id <> ?", *req.Name, id).Count(&count).Error; err != nil {
				return fmt.Errorf("failed to check project name: %w", err)
			}
			if count > 0 {
				return fmt.Errorf("project name '%s' is already in use", *req.Name)
			}
		}

		// Agent assignment and subdomain changes need validation, so
		// handle them outside the generic field copy. An empty agent id
		// detaches the project from its agent.
		if req.AgentID != nil {
			if *req.AgentID == "" {
				project.AgentID = nil
			} else {
				var agents int64
				if err := tx.Model(&models.Agent{}).Where("id = ?", *req.AgentID).Count(&agents).Error; err != nil {
					return fmt.Errorf("failed to check agent: %w", err)
				}
				if agents == 0 {
					return fmt.Errorf("agent not found")
				}
				project.AgentID = req.AgentID
			}
		}

		newSub := req.Subdomain
		req.Subdomain = nil
		req.AgentID = nil
		if err := copier.CopyWithOption(project, &req, copier.Option{IgnoreEmpty: true}); err != nil {
			return fmt.Errorf("failed to apply update: %w", err)
		}
		if newSub != nil && *newSub != "" && (project.Subdomain == nil || *project.Subdomain != *newSub) {
			sub, err := s.claimSubdomain(tx.Where("id <> ?", id), *newSub)
			if err != nil {
				return err
			}
			project.Subdomain = &sub
		}

		if err := tx.Save(project).Error; err != nil {
			return fmt.Errorf("failed to update project: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return project, nil
}

func (s *ProjectService) DeleteProject(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var project models.Project
		if err := tx.First(&project, "id = ?", id).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return fmt.Errorf("project not found")
			}
			return fmt.Errorf("failed to get project: %w", err)
		}
		if project.Status == models.ProjectStatusRunning {
			return fmt.Errorf("cannot delete a running project, stop it first")
		}

		for _, child := range []any{&models.Command{}, &models.ProjectLog{}, &models.FirewallRule{}, &models.AccessRequest{}} {
			if err := tx.Where("project_id = ?", id).Delete(child).Error; err != nil {
				return fmt.Errorf("failed to delete project data: %w", err)
			}
		}
		if err := tx.Delete(&models.Project{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("failed to delete project: %w", err)
		}
		return nil
	})
}

// claimSubdomain validates a requested label and checks it is free.
func (s *ProjectService) claimSubdomain(tx *gorm.DB, requested string) (string, error) {
	sub := subdomain.Normalize(requested)
	if !subdomain.Validate(sub) {
		return "", fmt.Errorf("invalid subdomain '%s'", requested)
	}
	var count int64
	if err := tx.Model(&models.Project{}).Where("subdomain = ?", sub).Count(&count).Error; err != nil {
		return "", fmt.Errorf("failed to check subdomain: %w", err)
	}
	if count > 0 {
		return "", fmt.Errorf("subdomain '%s' is already in use", sub)
	}
	return sub, nil
}

// EnsureSubdomain returns the project's subdomain, allocating one from the
// project and admin names on first use.
func (s *ProjectService) EnsureSubdomain(ctx context.Context, project *models.Project) (string, error) {
	if project.Subdomain != nil && *project.Subdomain != "" {
		return *project.Subdomain, nil
	}

	var lookupErr error
	taken := func(candidate string) bool {
		var count int64
		err := s.db.WithContext(ctx).Model(&models.Project{}).
			Where("subdomain = ?", candidate).Count(&count).Error
		if err != nil {
			lookupErr = err
			return false
		}
		return count > 0
	}

	sub := subdomain.Generate(project.Name, s.cfg.AdminUsername, taken)
	if lookupErr != nil {
		return "", fmt.Errorf("failed to allocate subdomain: %w", lookupErr)
	}

	err := s.db.WithContext(ctx).Model(&models.Project{}).
		Where("id = ?", project.ID).Update("subdomain", sub).Error
	if err != nil {
		return "", fmt.Errorf("failed to save subdomain: %w", err)
	}
	project.Subdomain = &sub
	return sub, nil
}

// AuthorizeTunnel checks that the agent presenting a tunnel handshake owns
// the project, and makes sure the project has a subdomain to serve on.
func (s *ProjectService) AuthorizeTunnel(ctx context.Context, projectID, agentID string) (*models.Project, error) {
	var project models.Project
	err := s.db.WithContext(ctx).First(&project, "id = ?", projectID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("project not found")
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	if project.AgentID == nil || *project.AgentID != agentID {
		return nil, fmt.Errorf("project is not assigned to this agent")
	}
	if _, err := s.EnsureSubdomain(ctx, &project); err != nil {
		return nil, err
	}
	return &project, nil
}

// SetTunnelStatus records tunnel connectivity transitions: a registered
// tunnel marks the project running, a closed one marks it stopped.
func (s *ProjectService) SetTunnelStatus(ctx context.Context, projectID string, connected bool) error {
	status := models.ProjectStatusStopped
	if connected {
		status = models.ProjectStatusRunning
	}
	result := s.db.WithContext(ctx).Model(&models.Project{}).
		Where("id = ?", projectID).Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("failed to update project status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("project not found")
	}
	return nil
}
