package services

import (
	"context"
	"testing"
	"time"

	glsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/passage-dev/passage/internal/config"
	"github.com/passage-dev/passage/internal/database"
	"github.com/passage-dev/passage/internal/models"
)

func setupFirewallTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := gorm.Open(glsqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Project{}, &models.FirewallRule{}, &models.AccessRequest{}))
	return &database.DB{DB: db}
}

func newFirewallService(db *database.DB) *FirewallService {
	cfg := &config.Config{FirewallCacheTTL: time.Minute}
	return NewFirewallService(db, cfg, NewAccessRequestService(db, nil))
}

func createFirewallTestProject(t *testing.T, db *database.DB, name string) *models.Project {
	t.Helper()
	project := &models.Project{Name: name, Path: "/srv/" + name}
	require.NoError(t, db.Create(project).Error)
	return project
}

func TestFirewallService_CreateRule(t *testing.T) {
	db := setupFirewallTestDB(t)
	ctx := context.Background()
	svc := newFirewallService(db)
	project := createFirewallTestProject(t, db, "web")

	rule, err := svc.CreateRule(ctx, project.ID, CreateFirewallRuleRequest{
		RuleType: models.FirewallRuleTypeMethod,
		Value:    "DELETE",
	})
	require.NoError(t, err)
	assert.Equal(t, models.FirewallRuleTypeMethod, rule.RuleType)

	_, err = svc.CreateRule(ctx, project.ID, CreateFirewallRuleRequest{
		RuleType: models.FirewallRuleTypeMethod,
		Value:    "DELETE",
	})
	assert.ErrorContains(t, err, "identical rule")

	_, err = svc.CreateRule(ctx, project.ID, CreateFirewallRuleRequest{RuleType: "ip", Value: "10.0.0.1"})
	assert.ErrorContains(t, err, "unknown rule type")

	_, err = svc.CreateRule(ctx, project.ID, CreateFirewallRuleRequest{RuleType: models.FirewallRuleTypePath})
	assert.ErrorContains(t, err, "value is required")

	_, err = svc.CreateRule(ctx, project.ID, CreateFirewallRuleRequest{
		RuleType: models.FirewallRuleTypePattern,
		Value:    "/api/(unclosed",
	})
	assert.ErrorContains(t, err, "invalid pattern")

	_, err = svc.CreateRule(ctx, "missing", CreateFirewallRuleRequest{
		RuleType: models.FirewallRuleTypeMethod,
		Value:    "POST",
	})
	assert.ErrorContains(t, err, "project not found")
}

func TestFirewallService_UpdateRule(t *testing.T) {
	db := setupFirewallTestDB(t)
	ctx := context.Background()
	svc := newFirewallService(db)
	project := createFirewallTestProject(t, db, "web")

	rule, err := svc.CreateRule(ctx, project.ID, CreateFirewallRuleRequest{
		RuleType: models.FirewallRuleTypePath,
		Value:    "/admin",
	})
	require.NoError(t, err)

	newValue := "/internal"
	desc := "ops only"
	updated, err := svc.UpdateRule(ctx, project.ID, rule.ID, UpdateFirewallRuleRequest{
		Value:       &newValue,
		Description: &desc,
	})
	require.NoError(t, err)
	assert.Equal(t, "/internal", updated.Value)
	assert.Equal(t, "ops only", updated.Description)

	// The new value takes effect immediately despite the cache TTL.
	verdict := svc.Evaluate(ctx, project.ID, "GET", "/internal/x", "")
	assert.True(t, verdict.Blocked)
	verdict = svc.Evaluate(ctx, project.ID, "GET", "/admin", "")
	assert.False(t, verdict.Blocked)

	t.Run("duplicate value", func(t *testing.T) {
		other, err := svc.CreateRule(ctx, project.ID, CreateFirewallRuleRequest{
			RuleType: models.FirewallRuleTypePath,
			Value:    "/secret",
		})
		require.NoError(t, err)
		clash := "/internal"
		_, err = svc.UpdateRule(ctx, project.ID, other.ID, UpdateFirewallRuleRequest{Value: &clash})
		assert.ErrorContains(t, err, "identical rule")
	})

	t.Run("invalid pattern value", func(t *testing.T) {
		pat, err := svc.CreateRule(ctx, project.ID, CreateFirewallRuleRequest{
			RuleType: models.FirewallRuleTypePattern,
			Value:    "/api/v[0-9]+",
		})
		require.NoError(t, err)
		bad := "/api/(unclosed"
		_, err = svc.UpdateRule(ctx, project.ID, pat.ID, UpdateFirewallRuleRequest{Value: &bad})
		assert.ErrorContains(t, err, "invalid pattern")
	})

	t.Run("missing rule", func(t *testing.T) {
		v := "/x"
		_, err := svc.UpdateRule(ctx, project.ID, "nope", UpdateFirewallRuleRequest{Value: &v})
		assert.ErrorContains(t, err, "firewall rule not found")
	})
}

func TestFirewallService_Evaluate_MethodRule(t *testing.T) {
	db := setupFirewallTestDB(t)
	ctx := context.Background()
	svc := newFirewallService(db)
	project := createFirewallTestProject(t, db, "web")

	_, err := svc.CreateRule(ctx, project.ID, CreateFirewallRuleRequest{
		RuleType: models.FirewallRuleTypeMethod,
		Value:    "post",
	})
	require.NoError(t, err)

	verdict := svc.Evaluate(ctx, project.ID, "POST", "/anything", "")
	assert.True(t, verdict.Blocked)
	assert.Contains(t, verdict.Reason, "HTTP method 'POST' is blocked")
	require.NotNil(t, verdict.Rule)
	assert.Contains(t, verdict.Reason, verdict.Rule.ID)

	verdict = svc.Evaluate(ctx, project.ID, "GET", "/anything", "")
	assert.False(t, verdict.Blocked)
}

func TestFirewallService_Evaluate_PathRule(t *testing.T) {
	db := setupFirewallTestDB(t)
	ctx := context.Background()
	svc := newFirewallService(db)
	project := createFirewallTestProject(t, db, "web")

	_, err := svc.CreateRule(ctx, project.ID, CreateFirewallRuleRequest{
		RuleType: models.FirewallRuleTypePath,
		Value:    "/admin",
	})
	require.NoError(t, err)

	assert.True(t, svc.Evaluate(ctx, project.ID, "GET", "/admin", "").Blocked)
	assert.True(t, svc.Evaluate(ctx, project.ID, "GET", "/admin/users", "").Blocked)
	// Prefix matching respects path boundaries.
	assert.False(t, svc.Evaluate(ctx, project.ID, "GET", "/administrator", "").Blocked)
	assert.False(t, svc.Evaluate(ctx, project.ID, "GET", "/", "").Blocked)
}

func TestFirewallService_Evaluate_PatternRule(t *testing.T) {
	db := setupFirewallTestDB(t)
	ctx := context.Background()
	svc := newFirewallService(db)
	project := createFirewallTestProject(t, db, "web")

	_, err := svc.CreateRule(ctx, project.ID, CreateFirewallRuleRequest{
		RuleType: models.FirewallRuleTypePattern,
		Value:    `/api/v[0-9]+/internal`,
	})
	require.NoError(t, err)

	verdict := svc.Evaluate(ctx, project.ID, "GET", "/api/v2/internal/debug", "")
	assert.True(t, verdict.Blocked)
	assert.Contains(t, verdict.Reason, "blocked pattern")

	// Patterns are anchored to the start of the path.
	assert.False(t, svc.Evaluate(ctx, project.ID, "GET", "/public/api/v2/internal", "").Blocked)
	assert.False(t, svc.Evaluate(ctx, project.ID, "GET", "/api/vx/internal", "").Blocked)
}

func TestFirewallService_Evaluate_SkipsInvalidPattern(t *testing.T) {
	db := setupFirewallTestDB(t)
	ctx := context.Background()
	svc := newFirewallService(db)
	project := createFirewallTestProject(t, db, "web")

	// Bypass creation-time validation; rules can predate it.
	require.NoError(t, db.Create(&models.FirewallRule{
		ProjectID: project.ID,
		RuleType:  models.FirewallRuleTypePattern,
		Value:     "/broken[",
	}).Error)
	require.NoError(t, db.Create(&models.FirewallRule{
		ProjectID: project.ID,
		RuleType:  models.FirewallRuleTypePattern,
		Value:     "/secret",
	}).Error)

	// The bad rule never matches, the good one still does.
	assert.False(t, svc.Evaluate(ctx, project.ID, "GET", "/broken[", "").Blocked)
	assert.True(t, svc.Evaluate(ctx, project.ID, "GET", "/secret/x", "").Blocked)
}

func TestFirewallService_Evaluate_MethodBeatsPath(t *testing.T) {
	db := setupFirewallTestDB(t)
	ctx := context.Background()
	svc := newFirewallService(db)
	project := createFirewallTestProject(t, db, "web")

	_, err := svc.CreateRule(ctx, project.ID, CreateFirewallRuleRequest{
		RuleType: models.FirewallRuleTypePath,
		Value:    "/x",
	})
	require.NoError(t, err)
	_, err = svc.CreateRule(ctx, project.ID, CreateFirewallRuleRequest{
		RuleType: models.FirewallRuleTypeMethod,
		Value:    "DELETE",
	})
	require.NoError(t, err)

	verdict := svc.Evaluate(ctx, project.ID, "DELETE", "/x", "")
	assert.True(t, verdict.Blocked)
	assert.Contains(t, verdict.Reason, "HTTP method 'DELETE'")
}

func TestFirewallService_Evaluate_ApprovalBypass(t *testing.T) {
	db := setupFirewallTestDB(t)
	ctx := context.Background()
	svc := newFirewallService(db)
	project := createFirewallTestProject(t, db, "web")

	_, err := svc.CreateRule(ctx, project.ID, CreateFirewallRuleRequest{
		RuleType: models.FirewallRuleTypePath,
		Value:    "/admin",
	})
	require.NoError(t, err)

	until := time.Now().Add(10 * time.Minute)
	require.NoError(t, db.Create(&models.AccessRequest{
		ProjectID:     project.ID,
		IPAddress:     "203.0.113.7",
		Method:        "GET",
		Path:          "/admin/panel",
		Status:        models.AccessRequestStatusApproved,
		ApprovedUntil: &until,
		LastSeenAt:    time.Now(),
	}).Error)

	assert.False(t, svc.Evaluate(ctx, project.ID, "GET", "/admin/panel", "203.0.113.7").Blocked)

	// The bypass covers the exact tuple only.
	assert.True(t, svc.Evaluate(ctx, project.ID, "POST", "/admin/panel", "203.0.113.7").Blocked)
	assert.True(t, svc.Evaluate(ctx, project.ID, "GET", "/admin/panel", "203.0.113.8").Blocked)
	assert.True(t, svc.Evaluate(ctx, project.ID, "GET", "/admin/other", "203.0.113.7").Blocked)
}

func TestFirewallService_Evaluate_ExpiredApproval(t *testing.T) {
	db := setupFirewallTestDB(t)
	ctx := context.Background()
	svc := newFirewallService(db)
	project := createFirewallTestProject(t, db, "web")

	_, err := svc.CreateRule(ctx, project.ID, CreateFirewallRuleRequest{
		RuleType: models.FirewallRuleTypePath,
		Value:    "/admin",
	})
	require.NoError(t, err)

	expired := time.Now().Add(-time.Minute)
	require.NoError(t, db.Create(&models.AccessRequest{
		ProjectID:     project.ID,
		IPAddress:     "203.0.113.7",
		Method:        "GET",
		Path:          "/admin",
		Status:        models.AccessRequestStatusApproved,
		ApprovedUntil: &expired,
		LastSeenAt:    time.Now(),
	}).Error)

	assert.True(t, svc.Evaluate(ctx, project.ID, "GET", "/admin", "203.0.113.7").Blocked)
}

func TestFirewallService_Evaluate_RecordsAccessRequest(t *testing.T) {
	db := setupFirewallTestDB(t)
	ctx := context.Background()
	svc := newFirewallService(db)
	project := createFirewallTestProject(t, db, "web")

	rule, err := svc.CreateRule(ctx, project.ID, CreateFirewallRuleRequest{
		RuleType: models.FirewallRuleTypePath,
		Value:    "/admin",
	})
	require.NoError(t, err)

	verdict := svc.Evaluate(ctx, project.ID, "GET", "/admin", "203.0.113.7")
	assert.True(t, verdict.Blocked)
	assert.True(t, verdict.Logged)

	var requests []models.AccessRequest
	require.NoError(t, db.Find(&requests).Error)
	require.Len(t, requests, 1)
	assert.Equal(t, models.AccessRequestStatusPending, requests[0].Status)
	assert.Equal(t, "203.0.113.7", requests[0].IPAddress)
	assert.Equal(t, 1, requests[0].HitCount)
	require.NotNil(t, requests[0].RuleID)
	assert.Equal(t, rule.ID, *requests[0].RuleID)

	// Repeated hits coalesce into the same pending request.
	svc.Evaluate(ctx, project.ID, "GET", "/admin", "203.0.113.7")
	require.NoError(t, db.Find(&requests).Error)
	require.Len(t, requests, 1)
	assert.Equal(t, 2, requests[0].HitCount)

	// Without a client IP the block is not recorded.
	verdict = svc.Evaluate(ctx, project.ID, "GET", "/admin", "")
	assert.True(t, verdict.Blocked)
	assert.False(t, verdict.Logged)
	require.NoError(t, db.Find(&requests).Error)
	assert.Len(t, requests, 1)
}

func TestFirewallService_CacheInvalidation(t *testing.T) {
	db := setupFirewallTestDB(t)
	ctx := context.Background()
	svc := newFirewallService(db)
	project := createFirewallTestProject(t, db, "web")

	rule, err := svc.CreateRule(ctx, project.ID, CreateFirewallRuleRequest{
		RuleType: models.FirewallRuleTypeMethod,
		Value:    "POST",
	})
	require.NoError(t, err)

	assert.True(t, svc.Evaluate(ctx, project.ID, "POST", "/", "").Blocked)

	// Deleting the rule must take effect before the TTL expires.
	require.NoError(t, svc.DeleteRule(ctx, project.ID, rule.ID))
	assert.False(t, svc.Evaluate(ctx, project.ID, "POST", "/", "").Blocked)
}

func TestFirewallService_Evaluate_NoRules(t *testing.T) {
	db := setupFirewallTestDB(t)
	ctx := context.Background()
	svc := newFirewallService(db)

	verdict := svc.Evaluate(ctx, "no-such-project", "GET", "/", "203.0.113.7")
	assert.False(t, verdict.Blocked)
}
