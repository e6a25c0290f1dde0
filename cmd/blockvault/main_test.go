package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockvault/blockvault/internal/config"
	"github.com/blockvault/blockvault/internal/rebuild"
	"github.com/blockvault/blockvault/internal/reconcile"
	"github.com/blockvault/blockvault/internal/repair"
	"github.com/blockvault/blockvault/internal/volume"
	"github.com/blockvault/blockvault/testutil"
)

// writeConfig writes a config using a local backend under dir.
func writeConfig(t *testing.T, dir string) (cfgPath, backendDir string) {
	t.Helper()
	backendDir = filepath.Join(dir, "remote")
	require.NoError(t, os.MkdirAll(backendDir, 0o750))
	content := fmt.Sprintf(`prefix: nightly
db_path: %s
backend:
  type: local
  path: %s
retention:
  keep_versions: 5
`, filepath.Join(dir, "state", "ledger.sqlite"), backendDir)
	return testutil.TempFile(t, dir, "blockvault.yaml", content), backendDir
}

func execute(args ...string) error {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	return cmd.Execute()
}

func TestLoadConfig_Overrides(t *testing.T) {
	cfgPath, _ := writeConfig(t, t.TempDir())

	tests := []struct {
		name  string
		args  []string
		check func(t *testing.T, cfg *config.Config)
	}{
		{
			name: "file values without flags",
			args: []string{"delete", "-c", cfgPath},
			check: func(t *testing.T, cfg *config.Config) {
				assert.Equal(t, 5, cfg.Retention.KeepVersions)
				assert.False(t, cfg.DryRun)
				assert.Empty(t, cfg.Retention.Versions)
			},
		},
		{
			name: "delete flags override retention",
			args: []string{"delete", "-c", cfgPath, "--keep-versions", "2", "--keep-time", "30D",
				"--allow-full-removal", "--version", "0,3", "--dry-run"},
			check: func(t *testing.T, cfg *config.Config) {
				assert.Equal(t, 2, cfg.Retention.KeepVersions)
				assert.Equal(t, "30D", cfg.Retention.KeepTime)
				assert.True(t, cfg.Retention.AllowFullRemoval)
				assert.Equal(t, []int{0, 3}, cfg.Retention.Versions)
				assert.True(t, cfg.DryRun)
			},
		},
		{
			name: "repair version filter does not touch retention",
			args: []string{"repair", "-c", cfgPath, "--version", "1", "--path", "/etc/*"},
			check: func(t *testing.T, cfg *config.Config) {
				assert.Empty(t, cfg.Retention.Versions)
				assert.Equal(t, []int{1}, rebuildFilter().Versions)
				assert.Equal(t, []string{"/etc/*"}, rebuildFilter().Paths)
			},
		},
		{
			name: "log level flag wins",
			args: []string{"verify", "-c", cfgPath, "-l", "debug"},
			check: func(t *testing.T, cfg *config.Config) {
				assert.Equal(t, "debug", cfg.LogLevel)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := newRootCmd()
			cmd, rest, err := root.Find(tt.args)
			require.NoError(t, err)
			require.NoError(t, cmd.ParseFlags(rest))
			cfg, err := loadConfig(cmd)
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	root := newRootCmd()
	cmd, _, err := root.Find([]string{"verify"})
	require.NoError(t, err)
	require.NoError(t, cmd.ParseFlags([]string{"-c", filepath.Join(t.TempDir(), "missing.yaml")}))
	_, err = loadConfig(cmd)
	assert.Error(t, err)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{
			name:     "verification error",
			err:      &reconcile.VerificationError{Reason: reconcile.MissingRemoteFiles, Names: []string{"a"}},
			expected: 2,
		},
		{
			name:     "wrapped verification error",
			err:      fmt.Errorf("cannot repair: %w", &reconcile.VerificationError{Reason: reconcile.ExtraRemoteFiles}),
			expected: 2,
		},
		{
			name:     "every fileset broken",
			err:      repair.ErrAllFilesetsBroken,
			expected: 3,
		},
		{
			name:     "anything else",
			err:      errors.New("disk full"),
			expected: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, exitCode(tt.err))
		})
	}
}

func TestCommands_EmptyStore(t *testing.T) {
	dir := t.TempDir()
	cfgPath, _ := writeConfig(t, dir)

	for _, op := range []string{"verify", "compact", "delete", "list-broken-files"} {
		t.Run(op, func(t *testing.T) {
			require.NoError(t, execute(op, "-c", cfgPath))
		})
	}
	assert.FileExists(t, filepath.Join(dir, "state", "ledger.sqlite"))

	// With no ledger rows repair falls back to rebuilding, which needs filesets.
	assert.ErrorIs(t, execute("repair", "-c", cfgPath), rebuild.ErrNoFilesets)
	assert.ErrorIs(t, execute("recreate", "-c", cfgPath), rebuild.ErrNoFilesets)
}

func TestVerify_ExtraRemoteFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath, backendDir := writeConfig(t, dir)

	name := volume.NewName("nightly", volume.TypeBlocks, time.Now().Add(-24*time.Hour), "zip", "")
	require.NoError(t, os.WriteFile(filepath.Join(backendDir, name), []byte("stray"), 0o600))

	err := execute("verify", "-c", cfgPath)
	var verr *reconcile.VerificationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, reconcile.ExtraRemoteFiles, verr.Reason)
	assert.Equal(t, 2, exitCode(err))

	// Without --strict the report is printed and the command succeeds.
	require.NoError(t, execute("verify", "-c", cfgPath, "--strict=false"))

	assert.FileExists(t, filepath.Join(backendDir, name))
}

func TestOpenEngine_InvalidConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath, _ := writeConfig(t, dir)
	err := execute("verify", "-c", cfgPath, "--log-level", "warn")
	require.NoError(t, err)

	bad := testutil.TempFile(t, dir, "bad.yaml", "backend:\n  type: ftp\n")
	err = execute("verify", "-c", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}
