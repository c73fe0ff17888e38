package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"reviewline/internal/config"
	"reviewline/internal/domain"
	"reviewline/internal/notify"
	"reviewline/internal/repo"
)

// ResolveConfig loads the config from an explicit path when given, otherwise
// from the workspace, falling back to defaults when no file exists.
func ResolveConfig(workspace, override string) (*config.Config, error) {
	if override != "" {
		return config.FromFile(override)
	}
	return config.LoadOptional(workspace)
}

// SeedRoster upserts every configured reviewer. Existing loads are kept.
func SeedRoster(ctx context.Context, r repo.Repo, cfg *config.Config) ([]domain.Reviewer, error) {
	roster, err := cfg.Roster()
	if err != nil {
		return nil, err
	}
	saved := make([]domain.Reviewer, 0, len(roster))
	for _, rv := range roster {
		out, err := r.UpsertReviewer(ctx, rv)
		if err != nil {
			return nil, fmt.Errorf("seed reviewer %s: %w", rv.ID, err)
		}
		saved = append(saved, out)
	}
	return saved, nil
}

// BuildNotifier assembles the outbound channel described by cfg.Notify. The
// returned Async must be closed by the caller; it is nil when nothing is
// configured, in which case the Notifier is a Nop.
func BuildNotifier(cfg *config.Config, logger *slog.Logger) (notify.Notifier, *notify.Async) {
	var targets notify.Multi
	if s := cfg.Notify.SMTP; s != nil {
		targets = append(targets, notify.Mailer{
			Host:     s.Host,
			Port:     s.Port,
			Username: s.Username,
			Password: s.Password,
			From:     s.From,
		})
	}
	for _, hook := range cfg.Notify.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		targets = append(targets, notify.Webhook{
			URL:     hook.URL,
			Secret:  hook.Secret,
			Timeout: time.Duration(hook.TimeoutSeconds) * time.Second,
		})
	}
	if len(targets) == 0 {
		return notify.Nop{}, nil
	}
	var next notify.Notifier = targets
	if len(targets) == 1 {
		next = targets[0]
	}
	async := notify.NewAsync(next, notify.WithQueueSize(cfg.Notify.QueueSize), notify.WithLogger(logger))
	return async, async
}
