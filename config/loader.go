package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xonfour/horizont-sub000/errors"
)

var durationKeys = []string{"call_timeout", "lifecycle_timeout", "data_call_timeout", "shutdown_timeout"}

// Loader handles settings loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new settings loader
func NewLoader() *Loader {
	return &Loader{
		layers:     []string{},
		validation: true,
		envPrefix:  "HORIZONT",
	}
}

// AddLayer adds a settings file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables settings validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// Load merges defaults, every layer and the environment, in that order
func (l *Loader) Load() (*Settings, error) {
	merged, err := toMap(DefaultSettings())
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "encode defaults")
	}

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("load %s", path))
		}
		merged = deepMergeMaps(merged, raw)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "encode merged settings")
	}
	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "decode merged settings")
	}

	if err := l.applyEnvOverrides(&settings); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "apply environment overrides")
	}

	if l.validation {
		if err := settings.Validate(); err != nil {
			return nil, err
		}
	}

	return &settings, nil
}

func toMap(s *Settings) (map[string]any, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// loadRaw loads a JSON or YAML file as a map
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch formatOf(path) {
	case formatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	}

	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// parseDurations converts duration strings to nanoseconds for json unmarshaling
func parseDurations(data map[string]any) error {
	for _, key := range durationKeys {
		s, ok := data[key].(string)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		data[key] = d.Nanoseconds()
	}
	return nil
}

func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		baseNested, baseIsMap := result[k].(map[string]any)
		overrideNested, overrideIsMap := v.(map[string]any)
		if baseIsMap && overrideIsMap {
			result[k] = deepMergeMaps(baseNested, overrideNested)
			continue
		}
		result[k] = v
	}

	return result
}

// applyEnvOverrides applies HORIZONT_* environment variable overrides
func (l *Loader) applyEnvOverrides(s *Settings) error {
	strs := map[string]*string{
		"_LOG_LEVEL":    &s.Log.Level,
		"_LOG_FORMAT":   &s.Log.Format,
		"_STORE_KIND":   &s.Store.Kind,
		"_STORE_URL":    &s.Store.URL,
		"_STORE_BUCKET": &s.Store.Bucket,
		"_METRICS_PATH": &s.Metrics.Path,
	}
	for suffix, target := range strs {
		key := l.envPrefix + suffix
		val := os.Getenv(key)
		if err := validateEnvVar(key, val); err != nil {
			return err
		}
		if val != "" {
			*target = val
		}
	}

	durations := map[string]*time.Duration{
		"_CALL_TIMEOUT":      &s.CallTimeout,
		"_LIFECYCLE_TIMEOUT": &s.LifecycleTimeout,
		"_DATA_CALL_TIMEOUT": &s.DataCallTimeout,
		"_SHUTDOWN_TIMEOUT":  &s.ShutdownTimeout,
	}
	for suffix, target := range durations {
		key := l.envPrefix + suffix
		val := os.Getenv(key)
		if val == "" {
			continue
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*target = d
	}

	if val := os.Getenv(l.envPrefix + "_METRICS_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%s_METRICS_PORT: %w", l.envPrefix, err)
		}
		s.Metrics.Port = port
	}

	return nil
}
