package health

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/xonfour/horizont-sub000/component"
	"github.com/xonfour/horizont-sub000/errors"
	"github.com/xonfour/horizont-sub000/pkg/tlsutil"
)

// Type is the registered type name of the health endpoint
const Type = "health"

// Config configures the health endpoint
type Config struct {
	Port int    `json:"port"`
	Path string `json:"path"`
	TLS  tlsutil.ServerConfig
}

// DefaultConfig returns the default endpoint settings
func DefaultConfig() Config {
	return Config{Port: 8080, Path: "/health"}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: port %d out of range", errors.ErrInvalidConfig, c.Port),
			"Config", "Validate", "port")
	}
	if c.Path == "" || c.Path[0] != '/' {
		return errors.WrapInvalid(
			fmt.Errorf("%w: path must start with /", errors.ErrInvalidConfig),
			"Config", "Validate", "path")
	}
	return nil
}

// ParseConfig reads the "port" and "path" settings
func ParseConfig(settings component.Properties) (Config, error) {
	cfg := DefaultConfig()
	if v, ok := settings["port"]; ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return cfg, errors.WrapInvalid(
				fmt.Errorf("%w: port %q", errors.ErrInvalidConfig, v),
				"Config", "ParseConfig", "port")
		}
		cfg.Port = port
	}
	if v, ok := settings["path"]; ok {
		cfg.Path = v
	}
	tlsCfg, err := tlsutil.ParseServerConfig(settings)
	if err != nil {
		return cfg, err
	}
	cfg.TLS = tlsCfg
	return cfg, cfg.Validate()
}

// Interface is a control interface serving the aggregated health of the
// system and its components over HTTP. Unhealthy answers 503.
type Interface struct {
	id      string
	config  Config
	monitor *Monitor
	logger  *slog.Logger

	mu       sync.Mutex
	calls    component.ControlCalls
	server   *http.Server
	listener net.Listener
	done     chan struct{}
	stopTLS  func()
}

// New creates a health endpoint
func New(id string, cfg Config, logger *slog.Logger) *Interface {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interface{
		id:      id,
		config:  cfg,
		monitor: NewMonitor(),
		logger:  logger,
	}
}

// Monitor returns the monitor backing the endpoint
func (h *Interface) Monitor() *Monitor { return h.monitor }

// Startup implements component.ControlInterface
func (h *Interface) Startup(ctx context.Context, calls component.ControlCalls) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.server != nil {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Health", "Startup", "check running state")
	}

	tlsConfig, stopTLS, err := tlsutil.LoadServerTLSConfig(ctx, h.config.TLS, h.logger)
	if err != nil {
		return err
	}
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", h.config.Port))
	if err != nil {
		stopTLS()
		return errors.WrapTransient(err, "Health", "Startup", "listen")
	}
	if tlsConfig != nil {
		listener = tls.NewListener(listener, tlsConfig)
	}

	h.monitor.ObserveState(calls.State())
	if err := calls.AddListener(h, component.CategoryState, component.CategoryModule); err != nil {
		_ = listener.Close()
		stopTLS()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc(h.config.Path, h.serveHealth)
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			h.logger.Error("Health server failed", "error", err)
		}
	}()

	h.calls, h.server, h.listener, h.done, h.stopTLS = calls, server, listener, done, stopTLS
	h.logger.Info("Health endpoint started",
		"address", listener.Addr().String(), "path", h.config.Path, "tls", tlsConfig != nil)
	return nil
}

// Shutdown implements component.ControlInterface
func (h *Interface) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.server == nil {
		return nil
	}
	// the session drops its listeners when it closes anyway
	_ = h.calls.RemoveListener(h)

	err := h.server.Shutdown(ctx)
	<-h.done
	h.stopTLS()
	h.server, h.listener, h.calls = nil, nil, nil
	if err != nil {
		return errors.WrapTransient(err, "Health", "Shutdown", "stop HTTP server")
	}
	return nil
}

// Addr returns the listening address while started
func (h *Interface) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// OnGeneralEvent implements component.GeneralEventListener
func (h *Interface) OnGeneralEvent(ev component.Event) {
	h.monitor.Observe(ev)
}

func (h *Interface) serveHealth(w http.ResponseWriter, _ *http.Request) {
	status := h.monitor.Aggregate(h.id)
	w.Header().Set("Content-Type", "application/json")
	if status.IsUnhealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		h.logger.Debug("Health response not written", "error", err)
	}
}
