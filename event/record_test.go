package event_test

import (
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xonfour/horizont-sub000/component"
	"github.com/xonfour/horizont-sub000/event"
)

func TestRecord(t *testing.T) {
	ev := event.NewModuleUpdate(event.ModuleAdded, "m1", component.KindModule, "")
	r := event.NewRecord(ev)
	assert.Equal(t, ev.ID.String(), r.ID)
	assert.Equal(t, "module", r.Category)
	assert.Equal(t, "ModuleUpdate", r.Type)
	assert.Equal(t, ev.String(), r.Summary)

	data, err := json.Marshal(r)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "module", decoded["category"])
	payload, ok := decoded["event"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "m1", payload["component_id"])

	log := event.NewRecord(event.NewLogEntry(slog.LevelWarn, "disk full", nil))
	assert.Equal(t, "LogEntry", log.Type)
	assert.Equal(t, "disk full", log.Summary)
}
