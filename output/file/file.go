package file

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xonfour/horizont-sub000/component"
	"github.com/xonfour/horizont-sub000/errors"
	"github.com/xonfour/horizont-sub000/event"
	"github.com/xonfour/horizont-sub000/metric"
)

// Type is the registered type name of the file output
const Type = "file"

// Config holds configuration for the file output
type Config struct {
	Path          string
	Format        string
	Append        bool
	BufferSize    int
	FlushInterval time.Duration
	Categories    []component.Category
}

// DefaultConfig returns default configuration for the file output
func DefaultConfig() Config {
	return Config{
		Format:        "jsonl",
		Append:        true,
		BufferSize:    100,
		FlushInterval: time.Second,
		Categories:    component.Categories(),
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Path == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "path is required")
	}
	if c.Format != "jsonl" && c.Format != "json" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "format must be one of: json, jsonl")
	}
	if c.BufferSize < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "buffer_size must be positive")
	}
	if c.FlushInterval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "flush_interval must be positive")
	}
	return nil
}

// ParseConfig reads "path", "format", "append", "buffer_size",
// "flush_interval" and "categories" on top of the defaults
func ParseConfig(settings component.Properties) (Config, error) {
	cfg := DefaultConfig()
	cfg.Path = settings["path"]
	if raw, ok := settings["format"]; ok {
		cfg.Format = raw
	}
	if raw, ok := settings["append"]; ok {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return Config{}, errors.WrapInvalid(err, "Config", "Parse", "append")
		}
		cfg.Append = v
	}
	if raw, ok := settings["buffer_size"]; ok {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, errors.WrapInvalid(err, "Config", "Parse", "buffer_size")
		}
		cfg.BufferSize = v
	}
	if raw, ok := settings["flush_interval"]; ok {
		v, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, errors.WrapInvalid(err, "Config", "Parse", "flush_interval")
		}
		cfg.FlushInterval = v
	}
	cats, err := component.ParseCategories(settings["categories"])
	if err != nil {
		return Config{}, errors.WrapInvalid(err, "Config", "Parse", "categories")
	}
	cfg.Categories = cats
	return cfg, cfg.Validate()
}

// Output is a control interface appending framework events to a file
type Output struct {
	id      string
	config  Config
	logger  *slog.Logger
	metrics *metric.Metrics

	// File handling
	file   *os.File
	fileMu sync.Mutex

	// Buffer for batching writes
	buffer   [][]byte
	bufferMu sync.Mutex

	// Lifecycle management
	lifecycleMu sync.Mutex
	running     bool
	calls       component.ControlCalls
	shutdown    chan struct{}
	wg          sync.WaitGroup

	eventsWritten atomic.Int64
	bytesWritten  atomic.Int64
	errors        atomic.Int64
}

var _ component.ControlInterface = (*Output)(nil)

// New creates a file output
func New(id string, cfg Config, logger *slog.Logger, metrics *metric.Metrics) *Output {
	if logger == nil {
		logger = slog.Default()
	}
	return &Output{
		id:      id,
		config:  cfg,
		logger:  logger.With("component", "file-output", "interface", id),
		metrics: metrics,
		buffer:  make([][]byte, 0, cfg.BufferSize),
	}
}

// Startup opens the output file and registers the event listener
func (f *Output) Startup(_ context.Context, calls component.ControlCalls) error {
	f.lifecycleMu.Lock()
	defer f.lifecycleMu.Unlock()

	if f.running {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Output", "Startup", "check running state")
	}

	if err := os.MkdirAll(filepath.Dir(f.config.Path), 0o755); err != nil {
		return errors.WrapFatal(err, "Output", "Startup", "create output directory")
	}

	flags := os.O_CREATE | os.O_WRONLY
	if f.config.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(f.config.Path, flags, 0o644)
	if err != nil {
		return errors.WrapFatal(err, "Output", "Startup", "open output file")
	}

	f.fileMu.Lock()
	f.file = file
	f.fileMu.Unlock()

	if err := calls.AddListener(f, f.config.Categories...); err != nil {
		f.closeFile()
		return err
	}

	f.calls = calls
	f.shutdown = make(chan struct{})
	f.wg.Add(1)
	go f.flushLoop(f.shutdown)
	f.running = true

	f.logger.Info("File output started",
		"output_file", f.config.Path,
		"format", f.config.Format,
		"append", f.config.Append,
		"buffer_size", f.config.BufferSize)
	return nil
}

// Shutdown flushes the buffer and closes the file
func (f *Output) Shutdown(context.Context) error {
	f.lifecycleMu.Lock()
	defer f.lifecycleMu.Unlock()

	if !f.running {
		return nil
	}
	f.running = false
	// the session drops its listeners when it closes anyway
	_ = f.calls.RemoveListener(f)

	close(f.shutdown)
	f.wg.Wait()

	f.flush()
	f.closeFile()

	f.logger.Info("File output stopped",
		"events_written", f.eventsWritten.Load(),
		"bytes_written", f.bytesWritten.Load(),
		"errors", f.errors.Load())
	return nil
}

func (f *Output) closeFile() {
	f.fileMu.Lock()
	defer f.fileMu.Unlock()
	if f.file == nil {
		return
	}
	if err := f.file.Close(); err != nil {
		f.logger.Warn("Failed to close output file", "error", err, "path", f.file.Name())
	}
	f.file = nil
}

// OnGeneralEvent buffers ev and flushes when the buffer is full
func (f *Output) OnGeneralEvent(ev component.Event) {
	data, err := json.Marshal(event.NewRecord(ev))
	if err != nil {
		f.errors.Add(1)
		f.logger.Warn("Event not encodable", "event_id", ev.EventID(), "error", err)
		return
	}

	f.bufferMu.Lock()
	f.buffer = append(f.buffer, data)
	shouldFlush := len(f.buffer) >= f.config.BufferSize
	f.bufferMu.Unlock()

	if shouldFlush {
		f.flush()
	}
}

// flushLoop periodically flushes the buffer
func (f *Output) flushLoop(shutdown <-chan struct{}) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-shutdown:
			return
		case <-ticker.C:
			f.flush()
		}
	}
}

// flush writes buffered events to the file
func (f *Output) flush() {
	f.bufferMu.Lock()
	if len(f.buffer) == 0 {
		f.bufferMu.Unlock()
		return
	}
	records := f.buffer
	f.buffer = make([][]byte, 0, f.config.BufferSize)
	f.bufferMu.Unlock()

	f.fileMu.Lock()
	defer f.fileMu.Unlock()

	if f.file == nil {
		f.errors.Add(int64(len(records)))
		f.metrics.RecordOutput(Type, len(records), errors.ErrNotStarted)
		f.logger.Error("File handle is nil during flush", "events_lost", len(records))
		return
	}

	for _, rec := range records {
		data := rec
		if f.config.Format == "json" {
			var obj any
			if err := json.Unmarshal(rec, &obj); err == nil {
				if formatted, err := json.MarshalIndent(obj, "", "  "); err == nil {
					data = formatted
				}
			}
		}
		data = append(data, '\n')

		n, err := f.file.Write(data)
		if err != nil {
			f.errors.Add(1)
			f.logger.Error("Failed to write event to file", "error", err)
		} else {
			f.eventsWritten.Add(1)
			f.bytesWritten.Add(int64(n))
		}
		f.metrics.RecordOutput(Type, 1, err)
	}
}
