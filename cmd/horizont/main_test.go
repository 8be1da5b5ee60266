package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xonfour/horizont-sub000/config"
	"github.com/xonfour/horizont-sub000/output/eventlog"
)

func TestParseFlags(t *testing.T) {
	cfg, err := parseFlags([]string{"-debug", "-metrics-port", "0", "-shutdown-timeout", "3s"})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 0, cfg.MetricsPort)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
	require.NoError(t, validateFlags(cfg))

	_, err = parseFlags([]string{"-unknown"})
	assert.Error(t, err)
}

func TestValidateFlags(t *testing.T) {
	assert.Error(t, validateFlags(&CLIConfig{LogLevel: "loud", MetricsPort: -1}))
	assert.Error(t, validateFlags(&CLIConfig{LogFormat: "xml", MetricsPort: -1}))
	assert.Error(t, validateFlags(&CLIConfig{ConfigPath: filepath.Join(t.TempDir(), "missing.yaml")}))
	assert.Error(t, validateFlags(&CLIConfig{MetricsPort: 70000}))
	assert.NoError(t, validateFlags(&CLIConfig{ShowHelp: true, LogLevel: "loud"}))
}

func TestLoadSettingsAppliesOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\nmetrics:\n  port: 9191\n"), 0o600))

	settings, err := loadSettings(&CLIConfig{ConfigPath: path, MetricsPort: -1})
	require.NoError(t, err)
	assert.Equal(t, "warn", settings.Log.Level)
	assert.Equal(t, 9191, settings.Metrics.Port)

	settings, err = loadSettings(&CLIConfig{ConfigPath: path, LogLevel: "debug", MetricsPort: 0})
	require.NoError(t, err)
	assert.Equal(t, "debug", settings.Log.Level)
	assert.Equal(t, 0, settings.Metrics.Port)
}

func TestSeedDefaults(t *testing.T) {
	ctx := context.Background()
	_, logger := setupLogger("error", "text")
	store := config.NewMemoryStore()

	require.NoError(t, seedDefaults(ctx, store, logger))
	recs, err := store.Components(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, eventlog.Type, recs[0].Type)
	assert.Equal(t, config.KindControlInterface, recs[0].Kind)

	require.NoError(t, store.PutComponent(ctx, config.ComponentRecord{ID: "other", Kind: config.KindModule, Type: "storage"}))
	require.NoError(t, seedDefaults(ctx, store, logger))
	recs, err = store.Components(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 2, "a populated store is left alone")
}

func TestImportSnapshot(t *testing.T) {
	ctx := context.Background()
	_, logger := setupLogger("error", "text")
	store := config.NewMemoryStore()
	require.NoError(t, store.PutComponent(ctx, config.ComponentRecord{ID: "old", Kind: config.KindModule, Type: "storage"}))

	path := filepath.Join(t.TempDir(), "components.yaml")
	require.NoError(t, config.SaveSnapshot(path, config.Snapshot{
		Components: []config.ComponentRecord{{ID: "log", Kind: config.KindControlInterface, Type: eventlog.Type}},
	}))

	require.NoError(t, importSnapshot(ctx, store, path, logger))
	recs, err := store.Components(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "log", recs[0].ID)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("version: 1\nplugins: []\n"), 0o600))
	assert.Error(t, importSnapshot(ctx, store, bad, logger))
}
