package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xonfour/horizont-sub000/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoader_Defaults(t *testing.T) {
	settings, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultSettings(), settings)
}

func TestLoader_JSONLayer(t *testing.T) {
	path := writeFile(t, "horizont.json", `{
		"call_timeout": "2s",
		"log": {"level": "debug"},
		"metrics": {"port": 0}
	}`)

	loader := NewLoader()
	loader.AddLayer(path)
	settings, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, settings.CallTimeout)
	assert.Equal(t, "debug", settings.Log.Level)
	// untouched nested fields keep their defaults
	assert.Equal(t, "text", settings.Log.Format)
	assert.Equal(t, 0, settings.Metrics.Port)
	assert.Equal(t, "/metrics", settings.Metrics.Path)
}

func TestLoader_YAMLLayerOverridesJSON(t *testing.T) {
	base := writeFile(t, "base.json", `{"lifecycle_timeout": "3s", "store": {"kind": "memory"}}`)
	override := writeFile(t, "override.yaml", `
lifecycle_timeout: 7s
store:
  kind: nats
  url: nats://localhost:4222
`)

	loader := NewLoader()
	loader.AddLayer(base)
	loader.AddLayer(override)
	settings, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, 7*time.Second, settings.LifecycleTimeout)
	assert.Equal(t, StoreNATS, settings.Store.Kind)
	assert.Equal(t, "nats://localhost:4222", settings.Store.URL)
	assert.Equal(t, "horizont_config", settings.Store.Bucket)
}

func TestLoader_EnvOverrides(t *testing.T) {
	t.Setenv("HORIZONT_LOG_FORMAT", "json")
	t.Setenv("HORIZONT_DATA_CALL_TIMEOUT", "1m")
	t.Setenv("HORIZONT_METRICS_PORT", "9191")

	settings, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "json", settings.Log.Format)
	assert.Equal(t, time.Minute, settings.DataCallTimeout)
	assert.Equal(t, 9191, settings.Metrics.Port)
}

func TestLoader_BadEnvDuration(t *testing.T) {
	t.Setenv("HORIZONT_CALL_TIMEOUT", "soon")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLoader_RejectsUnknownExtension(t *testing.T) {
	path := writeFile(t, "horizont.toml", `call_timeout = "1s"`)

	loader := NewLoader()
	loader.AddLayer(path)
	_, err := loader.Load()
	require.Error(t, err)
}

func TestLoader_ValidationToggle(t *testing.T) {
	path := writeFile(t, "bad.json", `{"store": {"kind": "etcd"}}`)

	loader := NewLoader()
	loader.AddLayer(path)
	_, err := loader.Load()
	require.Error(t, err)

	loader.EnableValidation(false)
	settings, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "etcd", settings.Store.Kind)
}

func TestSettings_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"zero call timeout", func(s *Settings) { s.CallTimeout = 0 }},
		{"negative shutdown timeout", func(s *Settings) { s.ShutdownTimeout = -time.Second }},
		{"bad log level", func(s *Settings) { s.Log.Level = "trace" }},
		{"bad log format", func(s *Settings) { s.Log.Format = "xml" }},
		{"unknown store", func(s *Settings) { s.Store.Kind = "redis" }},
		{"nats without url", func(s *Settings) { s.Store.Kind = StoreNATS }},
		{"metrics port too high", func(s *Settings) { s.Metrics.Port = 70000 }},
	}

	require.NoError(t, DefaultSettings().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.mutate(s)
			err := s.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestValidateConfigPath(t *testing.T) {
	assert.Error(t, validateConfigPath(""))
	assert.Error(t, validateConfigPath("../etc/horizont.json"))
	assert.Error(t, validateConfigPath("horizont.ini"))
	assert.NoError(t, validateConfigPath("conf/horizont.yml"))
}
