package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/xonfour/horizont-sub000/event"
)

// Options configures the fallback output of a Handler
type Options struct {
	Level  slog.Leveler
	Format string // "json" or "text"
	// Stdout and Stderr default to os.Stdout and os.Stderr
	Stdout io.Writer
	Stderr io.Writer
}

// ParseLevel maps a level name to a slog level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type sink struct {
	publisher event.Publisher
}

// Handler is the framework's slog.Handler. Until Attach is called it writes
// records below WARN to stdout and the rest to stderr. Once attached, every
// record is published as an event.LogEntry instead.
type Handler struct {
	level  slog.Leveler
	stdout slog.Handler
	stderr slog.Handler
	attrs  []slog.Attr
	groups []string
	target *atomic.Pointer[sink]
}

// NewHandler creates a detached handler
func NewHandler(opts Options) *Handler {
	if opts.Level == nil {
		opts.Level = slog.LevelInfo
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	ho := &slog.HandlerOptions{Level: opts.Level}

	newOut := func(w io.Writer) slog.Handler {
		if strings.EqualFold(opts.Format, "json") {
			return slog.NewJSONHandler(w, ho)
		}
		return slog.NewTextHandler(w, ho)
	}

	return &Handler{
		level:  opts.Level,
		stdout: newOut(opts.Stdout),
		stderr: newOut(opts.Stderr),
		target: &atomic.Pointer[sink]{},
	}
}

// Attach routes all records, including those of derived loggers, to p
func (h *Handler) Attach(p event.Publisher) {
	if p == nil {
		h.Detach()
		return
	}
	h.target.Store(&sink{publisher: p})
}

// Detach reverts to stdout/stderr output
func (h *Handler) Detach() {
	h.target.Store(nil)
}

// Attached reports whether records are published as events
func (h *Handler) Attached() bool {
	return h.target.Load() != nil
}

// Fallback returns a handler that always writes to stdout/stderr. Code that
// itself consumes log events logs through it.
func (h *Handler) Fallback() slog.Handler {
	return &Handler{
		level:  h.level,
		stdout: h.stdout,
		stderr: h.stderr,
		attrs:  h.attrs,
		groups: h.groups,
		target: &atomic.Pointer[sink]{},
	}
}

// Enabled implements slog.Handler
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle implements slog.Handler
func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if s := h.target.Load(); s != nil {
		s.publisher.Publish(event.NewLogEntry(r.Level, r.Message, h.flatten(r)))
		return nil
	}
	if r.Level >= slog.LevelWarn {
		return h.stderr.Handle(ctx, r)
	}
	return h.stdout.Handle(ctx, r)
}

// WithAttrs implements slog.Handler
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	c := h.clone()
	c.stdout = h.stdout.WithAttrs(attrs)
	c.stderr = h.stderr.WithAttrs(attrs)
	for _, a := range attrs {
		c.attrs = append(c.attrs, qualify(h.groups, a))
	}
	return c
}

// WithGroup implements slog.Handler
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := h.clone()
	c.stdout = h.stdout.WithGroup(name)
	c.stderr = h.stderr.WithGroup(name)
	c.groups = append(c.groups, name)
	return c
}

func (h *Handler) clone() *Handler {
	return &Handler{
		level:  h.level,
		stdout: h.stdout,
		stderr: h.stderr,
		attrs:  append([]slog.Attr(nil), h.attrs...),
		groups: append([]string(nil), h.groups...),
		target: h.target,
	}
}

func qualify(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 {
		return a
	}
	return slog.Attr{Key: strings.Join(groups, ".") + "." + a.Key, Value: a.Value}
}

func (h *Handler) flatten(r slog.Record) map[string]string {
	if len(h.attrs) == 0 && r.NumAttrs() == 0 {
		return nil
	}
	out := make(map[string]string, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		put(out, "", a)
	}
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	r.Attrs(func(a slog.Attr) bool {
		put(out, prefix, a)
		return true
	})
	return out
}

func put(out map[string]string, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p = prefix + a.Key + "."
		}
		for _, ga := range v.Group() {
			put(out, p, ga)
		}
		return
	}
	if a.Key == "" {
		return
	}
	out[prefix+a.Key] = v.String()
}
