package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silversage/guard/audit"
	"github.com/silversage/guard/config"
	"github.com/silversage/guard/gate"
)

func TestApplyFlags_OnlyChangedFlagsWin(t *testing.T) {
	c := &cobra.Command{Use: "test"}
	addStorageFlags(c)
	require.NoError(t, c.Flags().Parse([]string{"--storage", "memory"}))

	cfg := config.Default()
	cfg.Storage.DataDir = "/var/lib/guard"
	applyFlags(c, cfg)
	assert.Equal(t, config.BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, "/var/lib/guard", cfg.Storage.DataDir)
}

func TestOpenStack_Memory(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Backend = config.BackendMemory
	require.NoError(t, cfg.Validate())

	s, err := openStack(context.Background(), cfg, cfg.NewLogger())
	require.NoError(t, err)
	defer s.Close()
	require.NotNil(t, s.auditStore)
	assert.IsType(t, &gate.MemoryPendingStore{}, s.pending)

	ident, err := s.gate.Register(context.Background(), gate.RegisterRequest{
		Email:    "ops@example.com",
		Password: "Correct#Horse9",
		Source:   "cli",
	})
	require.NoError(t, err)
	require.NoError(t, s.gate.AdminUnlock(context.Background(), ident.ID, "cli"))

	events, err := s.auditStore.List(audit.Filter{IdentityRef: ident.ID})
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}

func TestOpenStack_PersistentPending(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Backend = config.BackendBolt
	cfg.Storage.DataDir = t.TempDir()
	cfg.Storage.PersistPending = true

	s, err := openStack(context.Background(), cfg, cfg.NewLogger())
	require.NoError(t, err)
	defer s.Close()
	assert.IsType(t, &gate.RepositoryPendingStore{}, s.pending)
}

func TestKeygen(t *testing.T) {
	var out bytes.Buffer
	keygenCmd.SetOut(&out)
	require.NoError(t, keygenCmd.RunE(keygenCmd, nil))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)

	cfg := config.Default()
	cfg.Storage.SealKey = strings.TrimPrefix(lines[0], "GUARD_SEAL_KEY=")
	cfg.Session.SigningKey = strings.TrimPrefix(lines[1], "GUARD_SESSION_KEY=")
	assert.NoError(t, cfg.Validate())
}
