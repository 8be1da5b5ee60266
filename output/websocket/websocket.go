package websocket

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/xonfour/horizont-sub000/component"
	"github.com/xonfour/horizont-sub000/errors"
	"github.com/xonfour/horizont-sub000/event"
	"github.com/xonfour/horizont-sub000/metric"
	"github.com/xonfour/horizont-sub000/pkg/tlsutil"
)

// Type is the registered type name of the WebSocket output
const Type = "websocket"

// Message types
const (
	TypeEvent = "event"
	TypeState = "state"
	TypePing  = "ping"
	TypePong  = "pong"
	TypeError = "error"
)

// Config holds configuration for the WebSocket output
type Config struct {
	Port         int
	Path         string
	Categories   []component.Category
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	PingInterval time.Duration
	TLS          tlsutil.ServerConfig
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Port:         8081,
		Path:         "/events",
		Categories:   component.Categories(),
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  60 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// Validate checks the configuration for errors. Port 0 picks a free port.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "port must be between 0 and 65535")
	}
	if !strings.HasPrefix(c.Path, "/") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "path must start with /")
	}
	if c.WriteTimeout <= 0 || c.ReadTimeout <= 0 || c.PingInterval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "timeouts must be positive")
	}
	return nil
}

// ParseConfig reads "port", "path" and "categories" on top of the defaults
func ParseConfig(settings component.Properties) (Config, error) {
	cfg := DefaultConfig()
	if raw, ok := settings["port"]; ok {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, errors.WrapInvalid(err, "Config", "Parse", "port")
		}
		cfg.Port = port
	}
	if raw, ok := settings["path"]; ok {
		cfg.Path = raw
	}
	cats, err := component.ParseCategories(settings["categories"])
	if err != nil {
		return Config{}, errors.WrapInvalid(err, "Config", "Parse", "categories")
	}
	cfg.Categories = cats
	if cfg.TLS, err = tlsutil.ParseServerConfig(settings); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// MessageEnvelope wraps all WebSocket messages with type discrimination.
// Server to client: "event", "state", "pong", "error".
// Client to server: "state", "ping".
type MessageEnvelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// StatePayload answers a "state" request
type StatePayload struct {
	State string `json:"state"`
}

// clientInfo holds information about a connected WebSocket client
type clientInfo struct {
	conn        *websocket.Conn
	connectedAt time.Time
	closed      atomic.Bool
	closeOnce   sync.Once
	// gorilla/websocket does not allow concurrent writers
	writeMutex sync.Mutex
}

// Output is a control interface streaming framework events to WebSocket clients
type Output struct {
	id      string
	config  Config
	logger  *slog.Logger
	metrics *metric.Metrics

	upgrader websocket.Upgrader

	lifecycleMu sync.Mutex
	running     bool
	calls       component.ControlCalls
	server      *http.Server
	listener    net.Listener
	shutdown    chan struct{}
	stopTLS     func()
	wg          sync.WaitGroup

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]*clientInfo

	messagesSent atomic.Int64
	errors       atomic.Int64
}

var _ component.ControlInterface = (*Output)(nil)

// New creates a WebSocket output
func New(id string, cfg Config, logger *slog.Logger, metrics *metric.Metrics) *Output {
	if logger == nil {
		logger = slog.Default()
	}
	return &Output{
		id:      id,
		config:  cfg,
		logger:  logger.With("component", "websocket", "interface", id),
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]*clientInfo),
	}
}

// Startup starts the HTTP server and registers the event listener
func (w *Output) Startup(ctx context.Context, calls component.ControlCalls) error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Output", "Startup", "check running state")
	}

	var lc net.ListenConfig
	tlsConfig, stopTLS, err := tlsutil.LoadServerTLSConfig(ctx, w.config.TLS, w.logger)
	if err != nil {
		return err
	}
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", w.config.Port))
	if err != nil {
		stopTLS()
		return errors.WrapTransient(err, "Output", "Startup", "listen")
	}
	if tlsConfig != nil {
		listener = tls.NewListener(listener, tlsConfig)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(w.config.Path, func(wr http.ResponseWriter, r *http.Request) {
		w.handleWebSocket(wr, r, calls)
	})
	w.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	w.listener = listener
	w.calls = calls
	w.shutdown = make(chan struct{})

	if err := calls.AddListener(w, w.config.Categories...); err != nil {
		_ = listener.Close()
		stopTLS()
		return err
	}
	w.stopTLS = stopTLS

	w.wg.Add(2)
	go w.runServer(w.server, listener)
	go w.maintainClients(w.shutdown)
	w.running = true

	w.logger.Info("WebSocket output started",
		"address", listener.Addr().String(), "path", w.config.Path, "tls", tlsConfig != nil)
	return nil
}

// Shutdown stops the server and disconnects all clients
func (w *Output) Shutdown(ctx context.Context) error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running {
		return nil
	}
	w.running = false
	// the session drops its listeners when it closes anyway
	_ = w.calls.RemoveListener(w)

	close(w.shutdown)
	err := w.server.Shutdown(ctx)
	w.closeAllClients()
	w.wg.Wait()
	w.stopTLS()

	w.logger.Info("WebSocket output stopped", "messages_sent", w.messagesSent.Load(), "errors", w.errors.Load())
	if err != nil {
		return errors.WrapTransient(err, "Output", "Shutdown", "stop HTTP server")
	}
	return nil
}

// Addr returns the listening address while started
func (w *Output) Addr() string {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()
	if !w.running {
		return ""
	}
	return w.listener.Addr().String()
}

// ClientCount returns the number of connected clients
func (w *Output) ClientCount() int {
	w.clientsMu.RLock()
	defer w.clientsMu.RUnlock()
	return len(w.clients)
}

// OnGeneralEvent broadcasts ev to every connected client
func (w *Output) OnGeneralEvent(ev component.Event) {
	payload, err := json.Marshal(event.NewRecord(ev))
	if err != nil {
		w.errors.Add(1)
		w.logger.Warn("Event not encodable", "event_id", ev.EventID(), "error", err)
		return
	}
	data, err := json.Marshal(MessageEnvelope{
		Type:      TypeEvent,
		ID:        ev.EventID().String(),
		Timestamp: ev.Time().UnixMilli(),
		Payload:   payload,
	})
	if err != nil {
		w.errors.Add(1)
		return
	}
	w.broadcast(data)
}

func (w *Output) broadcast(data []byte) {
	w.clientsMu.RLock()
	targets := make(map[*websocket.Conn]*clientInfo, len(w.clients))
	for conn, info := range w.clients {
		targets[conn] = info
	}
	w.clientsMu.RUnlock()

	for conn, info := range targets {
		if info.closed.Load() {
			continue
		}
		err := w.sendToClient(conn, info, data)
		if err != nil {
			w.errors.Add(1)
			w.removeClient(conn, info)
		} else {
			w.messagesSent.Add(1)
		}
		w.metrics.RecordOutput(Type, 1, err)
	}
}

// runServer serves until the server is shut down
func (w *Output) runServer(server *http.Server, listener net.Listener) {
	defer w.wg.Done()
	if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
		w.errors.Add(1)
		w.logger.Error("WebSocket server failed", "error", err)
	}
}

// handleWebSocket handles new WebSocket connections
func (w *Output) handleWebSocket(wr http.ResponseWriter, r *http.Request, calls component.ControlCalls) {
	conn, err := w.upgrader.Upgrade(wr, r, nil)
	if err != nil {
		w.errors.Add(1)
		w.logger.Debug("Upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	info := &clientInfo{conn: conn, connectedAt: time.Now()}
	w.clientsMu.Lock()
	w.clients[conn] = info
	count := len(w.clients)
	w.clientsMu.Unlock()
	w.metrics.SetOutputClients(w.id, count)
	w.logger.Debug("Client connected", "remote", r.RemoteAddr, "clients", count)

	w.handleClient(conn, info, calls)
}

// handleClient reads client requests until the connection closes
func (w *Output) handleClient(conn *websocket.Conn, info *clientInfo, calls component.ControlCalls) {
	defer w.removeClient(conn, info)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(w.config.ReadTimeout))
	})

	for {
		_ = conn.SetReadDeadline(time.Now().Add(w.config.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var envelope MessageEnvelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			w.reply(conn, info, TypeError, "", map[string]string{"error": "invalid envelope"})
			continue
		}

		switch envelope.Type {
		case TypeState:
			w.reply(conn, info, TypeState, envelope.ID, StatePayload{State: calls.State().String()})
		case TypePing:
			w.reply(conn, info, TypePong, envelope.ID, nil)
		default:
			w.reply(conn, info, TypeError, envelope.ID, map[string]string{"error": "unknown type " + envelope.Type})
		}
	}
}

func (w *Output) reply(conn *websocket.Conn, info *clientInfo, typ, id string, payload any) {
	if id == "" {
		id = uuid.NewString()
	}
	envelope := MessageEnvelope{Type: typ, ID: id, Timestamp: time.Now().UnixMilli()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return
		}
		envelope.Payload = raw
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	if err := w.sendToClient(conn, info, data); err != nil {
		w.errors.Add(1)
		w.removeClient(conn, info)
	}
}

// removeClient closes and forgets a client exactly once
func (w *Output) removeClient(conn *websocket.Conn, info *clientInfo) {
	info.closeOnce.Do(func() {
		info.closed.Store(true)

		w.clientsMu.Lock()
		delete(w.clients, conn)
		count := len(w.clients)
		w.clientsMu.Unlock()
		w.metrics.SetOutputClients(w.id, count)

		_ = conn.Close()
		w.logger.Debug("Client disconnected", "connected_for", time.Since(info.connectedAt), "clients", count)
	})
}

func (w *Output) closeAllClients() {
	w.clientsMu.RLock()
	targets := make(map[*websocket.Conn]*clientInfo, len(w.clients))
	for conn, info := range w.clients {
		targets[conn] = info
	}
	w.clientsMu.RUnlock()

	for conn, info := range targets {
		info.writeMutex.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		info.writeMutex.Unlock()
		w.removeClient(conn, info)
	}
}

// sendToClient writes one text message with a deadline
func (w *Output) sendToClient(conn *websocket.Conn, info *clientInfo, data []byte) error {
	info.writeMutex.Lock()
	defer info.writeMutex.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(w.config.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// maintainClients pings all clients periodically
func (w *Output) maintainClients(shutdown <-chan struct{}) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-shutdown:
			return
		case <-ticker.C:
			w.pingClients()
		}
	}
}

func (w *Output) pingClients() {
	w.clientsMu.RLock()
	targets := make(map[*websocket.Conn]*clientInfo, len(w.clients))
	for conn, info := range w.clients {
		targets[conn] = info
	}
	w.clientsMu.RUnlock()

	for conn, info := range targets {
		if info.closed.Load() {
			continue
		}
		info.writeMutex.Lock()
		err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.config.WriteTimeout))
		info.writeMutex.Unlock()
		if err != nil {
			w.errors.Add(1)
			w.removeClient(conn, info)
		}
	}
}
