package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewline/internal/config"
	"reviewline/internal/db"
	"reviewline/internal/domain"
	"reviewline/internal/migrate"
	"reviewline/internal/notify"
	"reviewline/internal/repo"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildNotifierNothingConfigured(t *testing.T) {
	n, async := BuildNotifier(config.Default(), quietLogger())
	assert.Nil(t, async)
	assert.IsType(t, notify.Nop{}, n)
}

func TestBuildNotifierSkipsDisabledWebhooks(t *testing.T) {
	off := false
	cfg := config.Default()
	cfg.Notify.Webhooks = []config.WebhookConfig{{URL: "http://127.0.0.1:1/hook", Enabled: &off}}
	n, async := BuildNotifier(cfg, quietLogger())
	assert.Nil(t, async)
	assert.IsType(t, notify.Nop{}, n)
}

func TestBuildNotifierWrapsTargetsInAsync(t *testing.T) {
	cfg := config.Default()
	cfg.Notify.Webhooks = []config.WebhookConfig{{URL: "http://127.0.0.1:1/hook"}}
	cfg.Notify.SMTP = &config.SMTPConfig{Host: "127.0.0.1", Port: 1, From: "r@example.com"}
	n, async := BuildNotifier(cfg, quietLogger())
	require.NotNil(t, async)
	assert.Same(t, async, n)
	require.NoError(t, async.Close(context.Background()))
}

func TestSeedRosterKeepsLoad(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(ctx, conn))
	r := repo.Repo{DB: conn}

	_, err = r.UpsertReviewer(ctx, domain.Reviewer{ID: "alice", Name: "Alice", Profiles: []domain.Profile{domain.ProfileData}, Quota: 2})
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `UPDATE reviewers SET load=1 WHERE id='alice'`)
	require.NoError(t, err)

	cfg, err := config.FromYAML([]byte("reviewers:\n  - id: alice\n    profiles: [backend]\n    quota: 5\n  - id: bob\n    quota: 1\n"))
	require.NoError(t, err)
	saved, err := SeedRoster(ctx, r, cfg)
	require.NoError(t, err)
	require.Len(t, saved, 2)

	alice, err := r.GetReviewer(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 5, alice.Quota)
	assert.Equal(t, 1, alice.Load)
	assert.Equal(t, []domain.Profile{domain.ProfileBackend}, alice.Profiles)

	bob, err := r.GetReviewer(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", bob.Name)
	assert.Zero(t, bob.Load)
}

func TestResolveConfig(t *testing.T) {
	dir := t.TempDir()
	cfg, err := ResolveConfig(dir, "")
	require.NoError(t, err)
	assert.Empty(t, cfg.Reviewers)

	override := filepath.Join(dir, "other.yml")
	require.NoError(t, os.WriteFile(override, []byte("reviewers:\n  - id: carol\n"), 0o644))
	cfg, err = ResolveConfig(dir, override)
	require.NoError(t, err)
	require.Len(t, cfg.Reviewers, 1)
	assert.Equal(t, "carol", cfg.Reviewers[0].ID)

	_, err = ResolveConfig(dir, filepath.Join(dir, "missing.yml"))
	assert.Error(t, err)
}
