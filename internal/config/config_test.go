package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "UTC", cfg.Timezone)
	assert.Equal(t, "*/15 * * * *", cfg.RefreshCron)
	assert.Equal(t, 1, cfg.WindowDaysBack)
	assert.Equal(t, 30, cfg.WindowDaysAhead)
	assert.Equal(t, DeletePolicyArchive, cfg.DeletePolicy)
	assert.Equal(t, 2, cfg.GraceCycles)
	assert.Equal(t, 6*time.Hour, cfg.TombstoneTTL)
	assert.True(t, cfg.IsLossPreventing())
	assert.True(t, cfg.IsIncludeCancelled())
	assert.Equal(t, "event_id", cfg.FieldKeys.EventID)
}

func TestNormalizeFillsZeroValues(t *testing.T) {
	cfg := &Config{}
	cfg.Normalize()

	assert.Equal(t, "./vault", cfg.VaultPath)
	assert.Equal(t, "UTC", cfg.Timezone)
	assert.Equal(t, 1, cfg.WindowDaysBack)
	assert.Equal(t, 30, cfg.WindowDaysAhead)
	assert.Equal(t, "cancelled", cfg.CancelledStatus)
	assert.Equal(t, 2, cfg.GraceCycles)
	assert.Equal(t, 90*time.Second, cfg.FetchTTL)
	assert.Equal(t, 15*time.Second, cfg.FetchTimeout)
	assert.Equal(t, DefaultFieldKeys(), cfg.FieldKeys)
	assert.NotNil(t, cfg.Sources)
	assert.NotNil(t, cfg.ExcludeGlobs)
	assert.NotNil(t, cfg.FilterTerms)
}

func TestNormalizeKeepsCustomValues(t *testing.T) {
	cfg := &Config{
		VaultPath:       "/data/vault",
		WindowDaysAhead: 90,
		GraceCycles:     5,
		FieldKeys:       FieldKeys{EventID: "ics_uid"},
	}
	cfg.Normalize()

	assert.Equal(t, "/data/vault", cfg.VaultPath)
	assert.Equal(t, 90, cfg.WindowDaysAhead)
	assert.Equal(t, 5, cfg.GraceCycles)
	assert.Equal(t, "ics_uid", cfg.FieldKeys.EventID)
	assert.Equal(t, "series_uid", cfg.FieldKeys.SeriesUID, "unset keys are filled from defaults")
}

func TestNormalizeRejectsUnknownDeletePolicy(t *testing.T) {
	cfg := &Config{DeletePolicy: "obliterate"}
	cfg.Normalize()
	assert.Equal(t, DeletePolicyArchive, cfg.DeletePolicy)
}

func TestSourceConfigFlags(t *testing.T) {
	src := SourceConfig{}
	assert.True(t, src.IsEnabled())
	assert.True(t, src.IsAutoCreate())

	off := false
	src.Enabled = &off
	src.AutoCreate = &off
	assert.False(t, src.IsEnabled())
	assert.False(t, src.IsAutoCreate())
}

func TestLoadCreatesDefaultWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "UTC", cfg.Timezone)

	info, err := os.Stat(path)
	require.NoError(t, err)
	if runtime.GOOS != "windows" {
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}
}

func TestLoadSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	want := DefaultConfig()
	want.VaultPath = "/data/vault"
	want.Sources = []SourceConfig{{
		URL:    "https://calendar.example.com/work.ics",
		ID:     "work",
		Name:   "Work",
		Folder: "Meetings",
		Tag:    "meeting",
	}}
	want.FilterTerms = []string{"focus time"}
	want.GraceCycles = 3
	require.NoError(t, Save(path, want))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, want.VaultPath, got.VaultPath)
	assert.Equal(t, want.Sources, got.Sources)
	assert.Equal(t, want.FilterTerms, got.FilterTerms)
	assert.Equal(t, want.GraceCycles, got.GraceCycles)
	assert.Equal(t, want.FieldKeys, got.FieldKeys)
}

func TestLoadNormalizesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	partial := "vault_path: /data/vault\nsources:\n  - url: https://example.com/a.ics\n    id: a\n"
	require.NoError(t, os.WriteFile(path, []byte(partial), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/vault", cfg.VaultPath)
	require.Len(t, cfg.Sources, 1)
	assert.True(t, cfg.Sources[0].IsEnabled())
	assert.Equal(t, "*/15 * * * *", cfg.RefreshCron)
	assert.Equal(t, "event_id", cfg.FieldKeys.EventID)
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("\tnot: yaml ["), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadEmptyPath(t *testing.T) {
	_, err := Load("")
	assert.Error(t, err)
	assert.Error(t, Save("", DefaultConfig()))
	assert.Error(t, Save(filepath.Join(t.TempDir(), "c.yaml"), nil))
}
