package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/passage-dev/passage/internal/database"
	"github.com/passage-dev/passage/internal/models"
)

// MaxApprovalMinutes caps how long a firewall bypass can be granted for.
const MaxApprovalMinutes = 60

// AccessRequestService tracks firewall blocks awaiting review and the
// temporary approvals granted from them. Repeated blocks of the same
// (project, ip, method, path) tuple coalesce into one pending row with a
// hit counter instead of piling up duplicates.
type AccessRequestService struct {
	db       *database.DB
	notifier *NotificationService
}

func NewAccessRequestService(db *database.DB, notifier *NotificationService) *AccessRequestService {
	return &AccessRequestService{db: db, notifier: notifier}
}

// RecordBlocked appends (or bumps) the pending access request for a blocked
// hit. New requests trigger an operator notification.
func (s *AccessRequestService) RecordBlocked(ctx context.Context, projectID, ip, method, path string, ruleID *string, reason string) error {
	var created *models.AccessRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.AccessRequest
		err := tx.Where(
			"project_id = ? AND ip_address = ? AND method = ? AND path = ? AND status = ?",
			projectID, ip, method, path, models.AccessRequestStatusPending,
		).First(&existing).Error
		if err == nil {
			updates := map[string]any{
				"hit_count":    gorm.Expr("hit_count + 1"),
				"last_seen_at": time.Now(),
			}
			if err := tx.Model(&existing).Updates(updates).Error; err != nil {
				return fmt.Errorf("failed to update access request: %w", err)
			}
			return nil
		}
		if err != gorm.ErrRecordNotFound {
			return fmt.Errorf("failed to look up access request: %w", err)
		}

		request := &models.AccessRequest{
			ProjectID:   projectID,
			IPAddress:   ip,
			Method:      method,
			Path:        path,
			RuleID:      ruleID,
			BlockReason: reason,
			Status:      models.AccessRequestStatusPending,
			LastSeenAt:  time.Now(),
			HitCount:    1,
		}
		if err := tx.Create(request).Error; err != nil {
			return fmt.Errorf("failed to create access request: %w", err)
		}
		created = request
		return nil
	})
	if err != nil {
		return err
	}

	if created != nil && s.notifier.Enabled() {
		s.notifyBlocked(ctx, created)
	}
	return nil
}

func (s *AccessRequestService) notifyBlocked(ctx context.Context, request *models.AccessRequest) {
	projectName := request.ProjectID
	var project models.Project
	if err := s.db.WithContext(ctx).First(&project, "id = ?", request.ProjectID).Error; err == nil {
		projectName = project.Name
	}

	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	go func() {
		defer cancel()
		s.notifier.NotifyAccessRequest(notifyCtx, projectName, request.Method, request.Path, request.IPAddress, request.BlockReason)
	}()
}

// HasApproval reports whether an unexpired approval covers the exact
// (project, ip, method, path) tuple.
func (s *AccessRequestService) HasApproval(ctx context.Context, projectID, ip, method, path string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.AccessRequest{}).
		Where(
			"project_id = ? AND ip_address = ? AND method = ? AND path = ? AND status = ? AND approved_until > ?",
			projectID, ip, method, path, models.AccessRequestStatusApproved, time.Now(),
		).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check approvals: %w", err)
	}
	return count > 0, nil
}

// ListAccessRequests returns a project's requests, optionally filtered by
// status, newest activity first.
func (s *AccessRequestService) ListAccessRequests(ctx context.Context, projectID string, status *models.AccessRequestStatus) ([]models.AccessRequest, error) {
	query := s.db.WithContext(ctx).Where("project_id = ?", projectID)
	if status != nil {
		query = query.Where("status = ?", *status)
	}
	var requests []models.AccessRequest
	if err := query.Order("last_seen_at DESC").Find(&requests).Error; err != nil {
		return nil, fmt.Errorf("failed to list access requests: %w", err)
	}
	return requests, nil
}

func (s *AccessRequestService) getAccessRequest(ctx context.Context, id string) (*models.AccessRequest, error) {
	var request models.AccessRequest
	if err := s.db.WithContext(ctx).First(&request, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("access request not found")
		}
		return nil, fmt.Errorf("failed to get access request: %w", err)
	}
	return &request, nil
}

// ApproveAccessRequest grants the requester a firewall bypass for the given
// number of minutes. Re-approving extends the window from now.
func (s *AccessRequestService) ApproveAccessRequest(ctx context.Context, id string, durationMinutes int) (*models.AccessRequest, error) {
	if durationMinutes < 1 || durationMinutes > MaxApprovalMinutes {
		return nil, fmt.Errorf("approval duration must be between 1 and %d minutes", MaxApprovalMinutes)
	}
	request, err := s.getAccessRequest(ctx, id)
	if err != nil {
		return nil, err
	}

	until := time.Now().Add(time.Duration(durationMinutes) * time.Minute)
	request.Status = models.AccessRequestStatusApproved
	request.ApprovedUntil = &until
	if err := s.db.WithContext(ctx).Save(request).Error; err != nil {
		return nil, fmt.Errorf("failed to approve access request: %w", err)
	}
	slog.InfoContext(ctx, "access request approved",
		"request_id", request.ID,
		"project_id", request.ProjectID,
		"ip", request.IPAddress,
		"until", until,
	)
	return request, nil
}

// RejectAccessRequest marks a request as rejected. Rejecting an already
// rejected request is a no-op.
func (s *AccessRequestService) RejectAccessRequest(ctx context.Context, id string) (*models.AccessRequest, error) {
	request, err := s.getAccessRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if request.Status == models.AccessRequestStatusRejected {
		return request, nil
	}

	request.Status = models.AccessRequestStatusRejected
	request.ApprovedUntil = nil
	if err := s.db.WithContext(ctx).Save(request).Error; err != nil {
		return nil, fmt.Errorf("failed to reject access request: %w", err)
	}
	return request, nil
}

// RevokeAccessRequest withdraws a granted approval immediately. Revoking an
// already revoked request is a no-op.
func (s *AccessRequestService) RevokeAccessRequest(ctx context.Context, id string) (*models.AccessRequest, error) {
	request, err := s.getAccessRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	switch request.Status {
	case models.AccessRequestStatusRevoked:
		return request, nil
	case models.AccessRequestStatusApproved:
	default:
		return nil, fmt.Errorf("access request is not approved")
	}

	now := time.Now()
	request.Status = models.AccessRequestStatusRevoked
	request.ApprovedUntil = &now
	if err := s.db.WithContext(ctx).Save(request).Error; err != nil {
		return nil, fmt.Errorf("failed to revoke access request: %w", err)
	}
	return request, nil
}

// RevokeApprovals withdraws every active approval on a project, optionally
// narrowed to one client IP, and returns how many were revoked.
func (s *AccessRequestService) RevokeApprovals(ctx context.Context, projectID, ip string) (int64, error) {
	query := s.db.WithContext(ctx).Model(&models.AccessRequest{}).
		Where("project_id = ? AND status = ?", projectID, models.AccessRequestStatusApproved)
	if ip != "" {
		query = query.Where("ip_address = ?", ip)
	}

	result := query.Updates(map[string]any{
		"status":         models.AccessRequestStatusRevoked,
		"approved_until": time.Now(),
	})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to revoke approvals: %w", result.Error)
	}
	return result.RowsAffected, nil
}
