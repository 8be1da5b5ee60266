package logging_test

import (
	"bytes"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xonfour/horizont-sub000/component"
	"github.com/xonfour/horizont-sub000/event"
	"github.com/xonfour/horizont-sub000/logging"
)

type recorder struct {
	mu     sync.Mutex
	events []component.Event
}

func (r *recorder) Publish(ev component.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) entries() []*event.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*event.LogEntry, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.(*event.LogEntry))
	}
	return out
}

func newHandler(level slog.Level) (*logging.Handler, *bytes.Buffer, *bytes.Buffer) {
	var stdout, stderr bytes.Buffer
	h := logging.NewHandler(logging.Options{Level: level, Stdout: &stdout, Stderr: &stderr})
	return h, &stdout, &stderr
}

func TestFallbackSplitsByLevel(t *testing.T) {
	h, stdout, stderr := newHandler(slog.LevelDebug)
	logger := slog.New(h)

	logger.Info("started", "module", "a")
	logger.Warn("slow")

	assert.Contains(t, stdout.String(), "started")
	assert.Contains(t, stdout.String(), "module=a")
	assert.NotContains(t, stdout.String(), "slow")
	assert.Contains(t, stderr.String(), "slow")
}

func TestLevelFilters(t *testing.T) {
	h, stdout, _ := newHandler(slog.LevelInfo)
	slog.New(h).Debug("hidden")
	assert.Empty(t, stdout.String())
}

func TestAttachPublishesLogEntries(t *testing.T) {
	h, stdout, stderr := newHandler(slog.LevelInfo)
	rec := &recorder{}

	logger := slog.New(h).With("component", "broker")
	h.Attach(rec)
	assert.True(t, h.Attached())

	logger.WithGroup("conn").Warn("preempted", "priority", 3)

	assert.Empty(t, stdout.String())
	assert.Empty(t, stderr.String())

	entries := rec.entries()
	require.Len(t, entries, 1)
	assert.Equal(t, slog.LevelWarn, entries[0].Level)
	assert.Equal(t, "preempted", entries[0].Message)
	assert.Equal(t, map[string]string{"component": "broker", "conn.priority": "3"}, entries[0].Attrs)

	h.Detach()
	logger.Info("back")
	assert.Contains(t, stdout.String(), "back")
	assert.Len(t, rec.entries(), 1)
}

func TestFallbackIgnoresAttach(t *testing.T) {
	h, stdout, _ := newHandler(slog.LevelInfo)
	rec := &recorder{}
	h.Attach(rec)

	slog.New(h.Fallback()).Info("local")
	assert.Contains(t, stdout.String(), "local")
	assert.Empty(t, rec.entries())
}

func TestContractHelpers(t *testing.T) {
	h, stdout, stderr := newHandler(slog.LevelInfo)
	l := logging.New(slog.New(h))

	l.Log(slog.LevelInfo, "hello")
	l.LogError(errors.New("boom"), "")
	l.LogError(nil, "ignored")

	assert.Contains(t, stdout.String(), "hello")
	assert.Contains(t, stderr.String(), "boom")
	assert.NotContains(t, stderr.String(), "ignored")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, logging.ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, logging.ParseLevel("warn"))
	assert.Equal(t, slog.LevelInfo, logging.ParseLevel("nonsense"))
}
