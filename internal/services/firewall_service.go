package services

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"gorm.io/gorm"

	"github.com/passage-dev/passage/internal/config"
	"github.com/passage-dev/passage/internal/database"
	"github.com/passage-dev/passage/internal/models"
)

// FirewallService evaluates ingress requests against per-project block
// rules. Rule evaluation fails open: when the store is unreachable the
// request is allowed, because availability of the tunnel beats enforcement
// of a reverse proxy filter.
type FirewallService struct {
	db             *database.DB
	cfg            *config.Config
	cache          *ruleCache
	accessRequests *AccessRequestService
}

func NewFirewallService(db *database.DB, cfg *config.Config, accessRequests *AccessRequestService) *FirewallService {
	return &FirewallService{
		db:             db,
		cfg:            cfg,
		cache:          newRuleCache(cfg.FirewallCacheTTL),
		accessRequests: accessRequests,
	}
}

// FirewallVerdict is the outcome of evaluating one request.
type FirewallVerdict struct {
	Blocked bool
	Rule    *models.FirewallRule
	Reason  string
	// Logged reports whether the block was recorded as an access request.
	Logged bool
}

type CreateFirewallRuleRequest struct {
	RuleType    models.FirewallRuleType `json:"ruleType" binding:"required"`
	Value       string                  `json:"value" binding:"required"`
	Description string                  `json:"description"`
}

func (s *FirewallService) CreateRule(ctx context.Context, projectID string, req CreateFirewallRuleRequest) (*models.FirewallRule, error) {
	switch req.RuleType {
	case models.FirewallRuleTypeMethod, models.FirewallRuleTypePath, models.FirewallRuleTypePattern:
	default:
		return nil, fmt.Errorf("unknown rule type '%s'", req.RuleType)
	}
	if req.Value == "" {
		return nil, fmt.Errorf("rule value is required")
	}
	if req.RuleType == models.FirewallRuleTypePattern {
		if _, err := compilePattern(req.Value); err != nil {
			return nil, fmt.Errorf("invalid pattern: %w", err)
		}
	}

	rule := &models.FirewallRule{
		ProjectID:   projectID,
		RuleType:    req.RuleType,
		Value:       req.Value,
		Description: req.Description,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var projects int64
		if err := tx.Model(&models.Project{}).Where("id = ?", projectID).Count(&projects).Error; err != nil {
			return fmt.Errorf("failed to check project: %w", err)
		}
		if projects == 0 {
			return fmt.Errorf("project not found")
		}

		var count int64
		err := tx.Model(&models.FirewallRule{}).
			Where("project_id = ? AND rule_type = ? AND value = ?", projectID, req.RuleType, req.Value).
			Count(&count).Error
		if err != nil {
			return fmt.Errorf("failed to check rule: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("an identical rule already exists")
		}

		if err := tx.Create(rule).Error; err != nil {
			return fmt.Errorf("failed to create firewall rule: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.cache.invalidate(projectID)
	return rule, nil
}

type UpdateFirewallRuleRequest struct {
	Value       *string `json:"value"`
	Description *string `json:"description"`
}

// UpdateRule changes a rule's value or description. The rule type is
// immutable, delete and recreate to change it.
func (s *FirewallService) UpdateRule(ctx context.Context, projectID, ruleID string, req UpdateFirewallRuleRequest) (*models.FirewallRule, error) {
	var rule models.FirewallRule
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND project_id = ?", ruleID, projectID).First(&rule).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return fmt.Errorf("firewall rule not found")
			}
			return fmt.Errorf("failed to get firewall rule: %w", err)
		}

		if req.Value != nil && *req.Value != rule.Value {
			if *req.Value == "" {
				return fmt.Errorf("rule value is required")
			}
			if rule.RuleType == models.FirewallRuleTypePattern {
				if _, err := compilePattern(*req.Value); err != nil {
					return fmt.Errorf("invalid pattern: %w", err)
				}
			}
			var count int64
			err := tx.Model(&models.FirewallRule{}).
				Where("project_id = ? AND rule_type = ? AND value = ? AND id <> ?", projectID, rule.RuleType, *req.Value, rule.ID).
				Count(&count).Error
			if err != nil {
				return fmt.Errorf("failed to check rule: %w", err)
			}
			if count > 0 {
				return fmt.Errorf("an identical rule already exists")
			}
			rule.Value = *req.Value
		}
		if req.Description != nil {
			rule.Description = *req.Description
		}

		if err := tx.Save(&rule).Error; err != nil {
			return fmt.Errorf("failed to update firewall rule: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.cache.invalidate(projectID)
	return &rule, nil
}

func (s *FirewallService) ListRules(ctx context.Context, projectID string) ([]models.FirewallRule, error) {
	var rules []models.FirewallRule
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at ASC").
		Find(&rules).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list firewall rules: %w", err)
	}
	return rules, nil
}

func (s *FirewallService) DeleteRule(ctx context.Context, projectID, ruleID string) error {
	result := s.db.WithContext(ctx).
		Where("id = ? AND project_id = ?", ruleID, projectID).
		Delete(&models.FirewallRule{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete firewall rule: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("firewall rule not found")
	}
	s.cache.invalidate(projectID)
	return nil
}

// InvalidateCache drops cached rules so the next evaluation reloads them.
// An empty project id clears every project.
func (s *FirewallService) InvalidateCache(projectID string) {
	if projectID == "" {
		s.cache.invalidateAll()
		return
	}
	s.cache.invalidate(projectID)
}

// Evaluate decides whether a request may pass. Any store failure during
// evaluation allows the request and logs the error.
func (s *FirewallService) Evaluate(ctx context.Context, projectID, method, path, clientIP string) FirewallVerdict {
	verdict, err := s.evaluate(ctx, projectID, method, path, clientIP)
	if err != nil {
		slog.ErrorContext(ctx, "firewall evaluation failed, allowing request",
			"project_id", projectID,
			"method", method,
			"path", path,
			"error", err,
		)
		return FirewallVerdict{}
	}
	return verdict
}

func (s *FirewallService) evaluate(ctx context.Context, projectID, method, path, clientIP string) (FirewallVerdict, error) {
	if clientIP != "" {
		approved, err := s.accessRequests.HasApproval(ctx, projectID, clientIP, method, path)
		if err != nil {
			return FirewallVerdict{}, err
		}
		if approved {
			return FirewallVerdict{}, nil
		}
	}

	rules, err := s.rulesFor(ctx, projectID)
	if err != nil {
		return FirewallVerdict{}, err
	}
	rule, reason := matchRules(ctx, rules, method, path)
	if rule == nil {
		return FirewallVerdict{}, nil
	}

	verdict := FirewallVerdict{Blocked: true, Rule: rule, Reason: reason}
	if clientIP != "" {
		if err := s.accessRequests.RecordBlocked(ctx, projectID, clientIP, method, path, &rule.ID, reason); err != nil {
			return FirewallVerdict{}, err
		}
		verdict.Logged = true
	}
	return verdict, nil
}

func (s *FirewallService) rulesFor(ctx context.Context, projectID string) ([]models.FirewallRule, error) {
	if rules, ok := s.cache.get(projectID); ok {
		return rules, nil
	}
	rules, err := s.ListRules(ctx, projectID)
	if err != nil {
		return nil, err
	}
	s.cache.set(projectID, rules)
	return rules, nil
}

// matchRules finds the first rule blocking the request. Method rules are
// checked before path rules, path rules before patterns. Invalid patterns
// are skipped so one bad regex cannot disable the rest of the rule set.
func matchRules(ctx context.Context, rules []models.FirewallRule, method, path string) (*models.FirewallRule, string) {
	for i := range rules {
		if rules[i].RuleType != models.FirewallRuleTypeMethod {
			continue
		}
		if strings.EqualFold(rules[i].Value, method) {
			return &rules[i], fmt.Sprintf("HTTP method '%s' is blocked by firewall rule ID %s", method, rules[i].ID)
		}
	}

	for i := range rules {
		if rules[i].RuleType != models.FirewallRuleTypePath {
			continue
		}
		value := rules[i].Value
		if path == value || strings.HasPrefix(path, value+"/") {
			return &rules[i], fmt.Sprintf("Path '%s' matches blocked path '%s' (rule ID %s)", path, value, rules[i].ID)
		}
	}

	for i := range rules {
		if rules[i].RuleType != models.FirewallRuleTypePattern {
			continue
		}
		re, err := compilePattern(rules[i].Value)
		if err != nil {
			slog.WarnContext(ctx, "skipping invalid firewall pattern",
				"rule_id", rules[i].ID,
				"pattern", rules[i].Value,
				"error", err,
			)
			continue
		}
		if re.MatchString(path) {
			return &rules[i], fmt.Sprintf("Path '%s' matches blocked pattern '%s' (rule ID %s)", path, rules[i].Value, rules[i].ID)
		}
	}
	return nil, ""
}

// compilePattern anchors a rule pattern to the start of the path.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("^(?:" + pattern + ")")
}
