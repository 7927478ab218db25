package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/app"
	"chatrelay/internal/config"
	"chatrelay/internal/identity"
	"chatrelay/pkg/types"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("CHATRELAY_AUTH_SECRET", "cli-test-secret")

	out, err := execute(t, "token", "owner-1", "--kind", "owner", "--name", "Bob")
	require.NoError(t, err)

	resolver, err := identity.NewJWTResolver("cli-test-secret", config.DefaultConfig().Auth.Issuer)
	require.NoError(t, err)

	got, err := resolver.Parse(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, types.KindOwner, got.Kind)
	assert.Equal(t, "owner-1", got.ID)
	assert.Equal(t, "Bob", got.DisplayName)
}

func TestTokenCommand_RejectsBadInput(t *testing.T) {
	_, err := execute(t, "token", "owner-1", "--kind", "admin")
	assert.Error(t, err)

	_, err = execute(t, "token", "has spaces")
	assert.Error(t, err)
}

func TestMigrateAndBusinessCommands(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "data", "chatrelay.db")
	t.Setenv("CHATRELAY_DATABASE_PATH", dbPath)

	out, err := execute(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "001")

	out, err = execute(t, "business", "add", "biz-1", "--owner", "owner-1", "--name", "Corner Cafe")
	require.NoError(t, err)
	assert.Contains(t, out, "biz-1")

	cfg := config.DefaultConfig()
	cfg.Database.Path = dbPath
	db, err := app.OpenDatabase(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	owned, err := db.IsOwnedBy(context.Background(), "biz-1", "owner-1")
	require.NoError(t, err)
	assert.True(t, owned)
}

func TestBusinessCommand_RequiresOwner(t *testing.T) {
	t.Setenv("CHATRELAY_DATABASE_PATH", filepath.Join(t.TempDir(), "chatrelay.db"))

	_, err := execute(t, "business", "add", "biz-1")
	assert.Error(t, err)
}

func TestInvalidConfigFile(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "migrate")
	assert.Error(t, err)
}
