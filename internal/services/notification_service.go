package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/router"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/passage-dev/passage/internal/config"
)

// NotificationService pushes operator alerts through shoutrrr. With no
// NOTIFY_URLS configured every call is a silent no-op, so callers never
// need to guard their sends.
type NotificationService struct {
	sender *router.ServiceRouter
}

func NewNotificationService(cfg *config.Config) *NotificationService {
	var urls []string
	for _, raw := range strings.Split(cfg.NotifyURLs, ",") {
		if url := strings.TrimSpace(raw); url != "" {
			urls = append(urls, url)
		}
	}
	if len(urls) == 0 {
		return &NotificationService{}
	}

	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		slog.Error("failed to initialize notifications, alerts disabled", "error", err)
		return &NotificationService{}
	}
	slog.Info("notifications enabled", "targets", len(urls))
	return &NotificationService{sender: sender}
}

// Enabled reports whether at least one notification target is configured.
func (s *NotificationService) Enabled() bool {
	return s != nil && s.sender != nil
}

// Notify sends a message to every configured target, logging failures
// instead of returning them. Delivery is best effort.
func (s *NotificationService) Notify(ctx context.Context, title, message string) {
	if !s.Enabled() {
		return
	}
	params := types.Params{"title": title}
	for _, err := range s.sender.Send(message, &params) {
		if err != nil {
			slog.WarnContext(ctx, "failed to send notification", "title", title, "error", err)
		}
	}
}

// NotifyAccessRequest announces a fresh firewall block awaiting review.
func (s *NotificationService) NotifyAccessRequest(ctx context.Context, projectName, method, path, ip, reason string) {
	if !s.Enabled() {
		return
	}
	title := fmt.Sprintf("Access request for %s", projectName)
	message := fmt.Sprintf("%s %s from %s was blocked (%s) and is awaiting review.", method, path, ip, reason)
	s.Notify(ctx, title, message)
}
