package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"grimm.is/mimosa/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mimosa.hcl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRunCheckValidConfig(t *testing.T) {
	path := writeConfig(t, `
listen   = ":9443"
database = "/tmp/mimosa-test.db"

sync {
  interval = "2m"
}

api {
  require_auth  = true
  session_hours = 8
}
`)
	require.NoError(t, RunCheck(path, true))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9443", cfg.Listen)
	require.Equal(t, 2*time.Minute, cfg.SyncInterval())
	require.Equal(t, 8, cfg.API.SessionHours)
}

func TestRunCheckRejectsBrokenHCL(t *testing.T) {
	path := writeConfig(t, `listen = `)
	require.Error(t, RunCheck(path, false))
}

func TestRunCheckMissingFileUsesDefaults(t *testing.T) {
	// A missing file is valid on first boot; defaults apply.
	require.NoError(t, RunCheck(filepath.Join(t.TempDir(), "absent.hcl"), false))
}
