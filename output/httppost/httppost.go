package httppost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/xonfour/horizont-sub000/component"
	"github.com/xonfour/horizont-sub000/errors"
	"github.com/xonfour/horizont-sub000/event"
	"github.com/xonfour/horizont-sub000/metric"
	"github.com/xonfour/horizont-sub000/pkg/retry"
	"github.com/xonfour/horizont-sub000/pkg/tlsutil"
)

// Type is the registered type name of the HTTP POST output
const Type = "httppost"

// headerPrefix marks settings that become request headers
const headerPrefix = "header."

// Config holds configuration for the HTTP POST output
type Config struct {
	URL           string
	Headers       map[string]string
	Timeout       time.Duration
	RetryCount    int
	BatchSize     int
	FlushInterval time.Duration
	Categories    []component.Category
	// RateLimit caps requests per second, zero means unlimited
	RateLimit float64
	TLS       tlsutil.ClientConfig
}

// DefaultConfig returns default configuration for the HTTP POST output
func DefaultConfig() Config {
	return Config{
		Headers:       make(map[string]string),
		Timeout:       30 * time.Second,
		RetryCount:    3,
		BatchSize:     50,
		FlushInterval: time.Second,
		Categories:    component.Categories(),
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "url must be an http(s) URL")
	}
	if c.Timeout <= 0 || c.Timeout > 300*time.Second {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"timeout must be between 0 and 300 seconds")
	}
	if c.RetryCount < 0 || c.RetryCount > 10 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"retry_count must be between 0 and 10")
	}
	if c.BatchSize < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "batch_size must be positive")
	}
	if c.FlushInterval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "flush_interval must be positive")
	}
	if c.RateLimit < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "rate_limit must not be negative")
	}
	return nil
}

// ParseConfig reads "url", "timeout", "retry_count", "batch_size",
// "flush_interval", "rate_limit", "categories", "header.<Name>" and the
// tls.* client settings
func ParseConfig(settings component.Properties) (Config, error) {
	cfg := DefaultConfig()
	cfg.URL = settings["url"]

	durations := map[string]*time.Duration{"timeout": &cfg.Timeout, "flush_interval": &cfg.FlushInterval}
	for name, dst := range durations {
		if raw, ok := settings[name]; ok {
			v, err := time.ParseDuration(raw)
			if err != nil {
				return Config{}, errors.WrapInvalid(err, "Config", "Parse", name)
			}
			*dst = v
		}
	}
	ints := map[string]*int{"retry_count": &cfg.RetryCount, "batch_size": &cfg.BatchSize}
	for name, dst := range ints {
		if raw, ok := settings[name]; ok {
			v, err := strconv.Atoi(raw)
			if err != nil {
				return Config{}, errors.WrapInvalid(err, "Config", "Parse", name)
			}
			*dst = v
		}
	}
	for k, v := range settings {
		if name, ok := strings.CutPrefix(k, headerPrefix); ok && name != "" {
			cfg.Headers[name] = v
		}
	}
	if raw, ok := settings["rate_limit"]; ok {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Config{}, errors.WrapInvalid(err, "Config", "Parse", "rate_limit")
		}
		cfg.RateLimit = v
	}
	cats, err := component.ParseCategories(settings["categories"])
	if err != nil {
		return Config{}, errors.WrapInvalid(err, "Config", "Parse", "categories")
	}
	cfg.Categories = cats
	if cfg.TLS, err = tlsutil.ParseClientConfig(settings); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Output is a control interface POSTing batches of framework events to a
// webhook as a JSON array of event records
type Output struct {
	id         string
	config     Config
	logger     *slog.Logger
	metrics    *metric.Metrics
	httpClient *http.Client
	limiter    *rate.Limiter

	bufferMu sync.Mutex
	buffer   []event.Record

	// batches hands full batches to the sender without blocking the listener
	batches chan []event.Record

	lifecycleMu sync.Mutex
	running     bool
	calls       component.ControlCalls
	shutdown    chan struct{}
	wg          sync.WaitGroup

	eventsSent      atomic.Int64
	requestsRetried atomic.Int64
	errors          atomic.Int64
}

var _ component.ControlInterface = (*Output)(nil)

// New creates an HTTP POST output
func New(id string, cfg Config, logger *slog.Logger, metrics *metric.Metrics) *Output {
	if logger == nil {
		logger = slog.Default()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return &Output{
		id:      id,
		config:  cfg,
		logger:  logger.With("component", "httppost-output", "interface", id),
		metrics: metrics,
		limiter: limiter,
	}
}

// Startup starts the sender and registers the event listener
func (h *Output) Startup(_ context.Context, calls component.ControlCalls) error {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()

	if h.running {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Output", "Startup", "check running state")
	}

	tlsConfig, err := tlsutil.LoadClientTLSConfig(h.config.TLS)
	if err != nil {
		return err
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig
	h.httpClient = &http.Client{Timeout: h.config.Timeout, Transport: transport}

	h.batches = make(chan []event.Record, 16)
	h.shutdown = make(chan struct{})
	if err := calls.AddListener(h, h.config.Categories...); err != nil {
		return err
	}
	h.calls = calls

	h.wg.Add(1)
	go h.sendLoop(h.shutdown, h.batches)
	h.running = true

	h.logger.Info("HTTP POST output started", "url", h.config.URL, "batch_size", h.config.BatchSize)
	return nil
}

// Shutdown sends what is buffered and stops the sender
func (h *Output) Shutdown(ctx context.Context) error {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()

	if !h.running {
		return nil
	}
	h.running = false
	// the session drops its listeners when it closes anyway
	_ = h.calls.RemoveListener(h)

	close(h.shutdown)
	h.wg.Wait()

	// drain what the sender left behind
	for drained := false; !drained; {
		select {
		case batch := <-h.batches:
			h.send(ctx, batch)
		default:
			drained = true
		}
	}
	h.send(ctx, h.takeBuffer())

	h.logger.Info("HTTP POST output stopped",
		"events_sent", h.eventsSent.Load(),
		"requests_retried", h.requestsRetried.Load(),
		"errors", h.errors.Load())
	return nil
}

// OnGeneralEvent buffers ev and hands a full batch to the sender
func (h *Output) OnGeneralEvent(ev component.Event) {
	h.bufferMu.Lock()
	h.buffer = append(h.buffer, event.NewRecord(ev))
	var batch []event.Record
	if len(h.buffer) >= h.config.BatchSize {
		batch = h.buffer
		h.buffer = nil
	}
	h.bufferMu.Unlock()

	if batch == nil {
		return
	}
	select {
	case h.batches <- batch:
	default:
		h.errors.Add(int64(len(batch)))
		h.metrics.RecordOutput(Type, len(batch), errors.ErrTimeout)
		h.logger.Warn("Sender backlog full, batch dropped", "events", len(batch))
	}
}

func (h *Output) takeBuffer() []event.Record {
	h.bufferMu.Lock()
	defer h.bufferMu.Unlock()
	batch := h.buffer
	h.buffer = nil
	return batch
}

// sendLoop posts full batches and flushes partial ones on the interval
func (h *Output) sendLoop(shutdown <-chan struct{}, batches <-chan []event.Record) {
	defer h.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-shutdown:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(h.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-shutdown:
			return
		case batch := <-batches:
			h.send(ctx, batch)
		case <-ticker.C:
			h.send(ctx, h.takeBuffer())
		}
	}
}

// send posts one batch, retrying transient failures with backoff
func (h *Output) send(ctx context.Context, batch []event.Record) {
	if len(batch) == 0 {
		return
	}
	data, err := json.Marshal(batch)
	if err != nil {
		h.errors.Add(1)
		h.logger.Warn("Batch not encodable", "events", len(batch), "error", err)
		return
	}

	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = h.config.RetryCount + 1
	cfg.OnRetry = func(int, error) { h.requestsRetried.Add(1) }

	if err := retry.Do(ctx, cfg, func() error { return h.sendHTTPPost(ctx, data) }); err != nil {
		h.drop(batch, err)
		return
	}
	h.eventsSent.Add(int64(len(batch)))
	h.metrics.RecordOutput(Type, len(batch), nil)
}

func (h *Output) drop(batch []event.Record, err error) {
	h.errors.Add(1)
	h.metrics.RecordOutput(Type, len(batch), err)
	h.logger.Warn("Batch dropped", "url", h.config.URL, "events", len(batch), "error", err)
}

// sendHTTPPost sends a single HTTP POST request
func (h *Output) sendHTTPPost(ctx context.Context, data []byte) error {
	if err := h.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.config.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range h.config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests:
		// the receiver rejected the batch, sending it again would not help
		return errors.WrapInvalid(fmt.Errorf("%w: HTTP %s", errors.ErrInvalidData, resp.Status),
			"HTTPPost", "send", "post batch")
	default:
		return errors.WrapTransient(fmt.Errorf("HTTP %s", resp.Status), "HTTPPost", "send", "post batch")
	}
}
