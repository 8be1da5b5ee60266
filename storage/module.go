package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xonfour/horizont-sub000/component"
	"github.com/xonfour/horizont-sub000/errors"
)

// Type is the registered type name of the storage module
const Type = "storage"

// PortName is the supplier port of the storage module
const PortName = "data"

const folderMarker = ".folder"

// ErrLocked is returned when a locked element is modified
var ErrLocked = errors.New("element is locked")

// Module serves a Store through a supplier port
type Module struct {
	id             string
	backend        string
	open           Opener
	maxConnections int
	logger         *slog.Logger

	mu      sync.RWMutex
	calls   component.ModuleCalls
	port    component.PortID
	store   Store
	closer  io.Closer
	locks   map[string]bool
	written int64
}

var _ component.Supplier = (*Module)(nil)

// NewModule creates a storage module. The setting "max_connections" bounds
// the number of connected consumers; it defaults to unbounded.
func NewModule(deps component.Dependencies, backend string, open Opener) (*Module, error) {
	if open == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Module", "NewModule", "opener validation")
	}
	maxConns := component.Unbounded
	if raw, ok := deps.Settings["max_connections"]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil || n < component.Unbounded {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: max_connections %q", errors.ErrInvalidConfig, raw),
				"Module", "NewModule", "settings validation")
		}
		maxConns = n
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Module{
		id:             deps.ID,
		backend:        backend,
		open:           open,
		maxConnections: maxConns,
		logger:         logger,
		locks:          make(map[string]bool),
	}, nil
}

// Initialize registers the supplier port
func (m *Module) Initialize(ctx context.Context, calls component.ModuleCalls) error {
	port, err := calls.RegisterPort(ctx, component.SupplierPort, PortName, m.maxConnections)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.calls = calls
	m.port = port
	m.mu.Unlock()
	return nil
}

// EnterStartup opens the backend
func (m *Module) EnterStartup(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store != nil {
		return nil
	}
	store, closer, err := m.open(ctx)
	if err != nil {
		return errors.WrapTransient(err, "Module", "EnterStartup", "open "+m.backend+" backend")
	}
	m.store, m.closer = store, closer
	m.logger.Info("Storage opened", "backend", m.backend)
	return nil
}

// ExitStartup tells connected consumers the storage is ready
func (m *Module) ExitStartup(ctx context.Context) error {
	m.sendState(ctx, true, "ready")
	return nil
}

// EnterShutdown tells connected consumers the storage goes away
func (m *Module) EnterShutdown(ctx context.Context) error {
	m.sendState(ctx, false, "shutting down")
	return nil
}

// ExitShutdown releases the backend
func (m *Module) ExitShutdown(context.Context) error {
	m.mu.Lock()
	closer := m.closer
	m.store, m.closer = nil, nil
	m.locks = make(map[string]bool)
	m.mu.Unlock()
	if closer != nil {
		if err := closer.Close(); err != nil {
			return errors.WrapTransient(err, "Module", "ExitShutdown", "close "+m.backend+" backend")
		}
	}
	return nil
}

// IsReady reports whether the backend is open
func (m *Module) IsReady() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.store != nil
}

// SupportedControlInterfaceCommands lists the control commands
func (m *Module) SupportedControlInterfaceCommands(context.Context) ([]string, error) {
	return []string{"stats"}, nil
}

// OnControlInterfaceCommand answers "stats" with object, lock and byte counts
func (m *Module) OnControlInterfaceCommand(
	ctx context.Context, command string, _ component.Properties,
) (component.Properties, error) {
	if command != "stats" {
		return nil, fmt.Errorf("unknown command %q", command)
	}
	store, err := m.backendStore()
	if err != nil {
		return nil, err
	}
	keys, err := store.List(ctx, "")
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	locks, written := len(m.locks), m.written
	m.mu.RUnlock()
	return component.Properties{
		"backend": m.backend,
		"objects": strconv.Itoa(len(keys)),
		"locks":   strconv.Itoa(locks),
		"written": strconv.FormatInt(written, 10),
	}, nil
}

func (m *Module) OnPortConnection(_ context.Context, port component.PortID) {
	m.logger.Debug("Consumer connected", "port", port)
}

func (m *Module) OnPortDisconnection(_ context.Context, port component.PortID) {
	m.logger.Debug("Consumer disconnected", "port", port)
}

// OnStateRequest answers with the current provider state
func (m *Module) OnStateRequest(ctx context.Context, _ component.PortID) {
	if m.IsReady() {
		m.sendState(ctx, true, "ready")
		return
	}
	m.sendState(ctx, false, "stopped")
}

func (m *Module) sendState(ctx context.Context, ready bool, msg string) {
	m.mu.RLock()
	calls, port := m.calls, m.port
	m.mu.RUnlock()
	if calls == nil {
		return
	}
	state := component.ProviderState{
		Ready:      ready,
		Message:    msg,
		Properties: component.Properties{"backend": m.backend},
	}
	if err := calls.SendState(ctx, port, state); err != nil {
		m.logger.Debug("Provider state not sent", "error", err)
	}
}

func (m *Module) notify(ctx context.Context, typ component.ElementEventType, path, oldPath string, el component.Element) {
	m.mu.RLock()
	calls, port := m.calls, m.port
	m.mu.RUnlock()
	if calls == nil {
		return
	}
	ev := component.ElementEvent{Type: typ, Path: path, OldPath: oldPath, Element: el}
	if err := calls.SendElementEvent(ctx, port, ev); err != nil {
		m.logger.Debug("Element event not sent", "path", path, "error", err)
	}
}

func (m *Module) backendStore() (Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.store == nil {
		return nil, errors.WrapTransient(errors.ErrStorageUnavailable, "Module", "backendStore", "storage is stopped")
	}
	return m.store, nil
}

// key maps an absolute path to a store key; "/" maps to ""
func key(path string) string {
	return strings.TrimPrefix(path, "/")
}

func folderPrefix(path string) string {
	if path == "/" {
		return ""
	}
	return key(path) + "/"
}

func (m *Module) checkUnlocked(paths ...string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range paths {
		for locked := range m.locks {
			if p == locked || strings.HasPrefix(p, folderPrefixPath(locked)) || strings.HasPrefix(locked, folderPrefixPath(p)) {
				return fmt.Errorf("%w: %s", ErrLocked, locked)
			}
		}
	}
	return nil
}

func folderPrefixPath(path string) string {
	if path == "/" {
		return "/"
	}
	return path + "/"
}

// Read returns the content of a file
func (m *Module) Read(ctx context.Context, _ component.PortID, path string) (io.ReadCloser, error) {
	store, err := m.backendStore()
	if err != nil {
		return nil, err
	}
	data, err := store.Get(ctx, key(path))
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Write returns a writer that stores the file when closed
func (m *Module) Write(ctx context.Context, _ component.PortID, path string) (io.WriteCloser, error) {
	if path == "/" {
		return nil, fmt.Errorf("cannot write the root folder")
	}
	store, err := m.backendStore()
	if err != nil {
		return nil, err
	}
	if err := m.checkUnlocked(path); err != nil {
		return nil, err
	}
	keys, err := store.List(ctx, folderPrefix(path))
	if err != nil {
		return nil, err
	}
	if len(keys) > 0 {
		return nil, fmt.Errorf("%s is a folder", path)
	}
	_, getErr := store.Get(ctx, key(path))
	existed := getErr == nil
	return &objectWriter{m: m, store: store, ctx: context.WithoutCancel(ctx), path: path, existed: existed}, nil
}

type objectWriter struct {
	m       *Module
	store   Store
	ctx     context.Context
	path    string
	existed bool
	buf     bytes.Buffer
	once    sync.Once
	err     error
}

func (w *objectWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *objectWriter) Close() error {
	w.once.Do(func() {
		if err := w.store.Put(w.ctx, key(w.path), w.buf.Bytes()); err != nil {
			w.err = err
			return
		}
		w.m.mu.Lock()
		w.m.written += int64(w.buf.Len())
		w.m.mu.Unlock()

		typ := component.ElementCreated
		if w.existed {
			typ = component.ElementUpdated
		}
		w.m.notify(w.ctx, typ, w.path, "", component.Element{
			Path: w.path, Type: component.ElementFile, Size: int64(w.buf.Len()), Modified: time.Now(),
		})
	})
	return w.err
}

// Move renames a file or a folder with everything below it
func (m *Module) Move(ctx context.Context, _ component.PortID, src, dst string) error {
	if src == "/" || dst == "/" {
		return fmt.Errorf("cannot move the root folder")
	}
	if src == dst {
		return nil
	}
	if strings.HasPrefix(dst, src+"/") {
		return fmt.Errorf("cannot move %s into itself", src)
	}
	store, err := m.backendStore()
	if err != nil {
		return err
	}
	if err := m.checkUnlocked(src, dst); err != nil {
		return err
	}
	el, err := m.element(ctx, store, src)
	if err != nil {
		return err
	}
	if _, err := m.element(ctx, store, dst); err == nil {
		return fmt.Errorf("%s already exists", dst)
	}

	moves := map[string]string{key(src): key(dst)}
	if el.Type == component.ElementFolder {
		moves = map[string]string{}
		keys, err := store.List(ctx, folderPrefix(src))
		if err != nil {
			return err
		}
		for _, k := range keys {
			moves[k] = folderPrefix(dst) + strings.TrimPrefix(k, folderPrefix(src))
		}
	}
	for from, to := range moves {
		data, err := store.Get(ctx, from)
		if err != nil {
			return err
		}
		if err := store.Put(ctx, to, data); err != nil {
			return err
		}
		if err := store.Delete(ctx, from); err != nil {
			return err
		}
	}

	el.Path = dst
	m.notify(ctx, component.ElementMoved, dst, src, el)
	return nil
}

// Delete removes a file or a folder with everything below it
func (m *Module) Delete(ctx context.Context, _ component.PortID, path string) error {
	if path == "/" {
		return fmt.Errorf("cannot delete the root folder")
	}
	store, err := m.backendStore()
	if err != nil {
		return err
	}
	if err := m.checkUnlocked(path); err != nil {
		return err
	}
	el, err := m.element(ctx, store, path)
	if err != nil {
		return err
	}

	keys := []string{key(path)}
	if el.Type == component.ElementFolder {
		if keys, err = store.List(ctx, folderPrefix(path)); err != nil {
			return err
		}
	}
	for _, k := range keys {
		if err := store.Delete(ctx, k); err != nil {
			return err
		}
	}
	m.notify(ctx, component.ElementDeleted, path, "", el)
	return nil
}

// CreateFolder creates an empty folder
func (m *Module) CreateFolder(ctx context.Context, _ component.PortID, path string) error {
	if path == "/" {
		return nil
	}
	store, err := m.backendStore()
	if err != nil {
		return err
	}
	if el, err := m.element(ctx, store, path); err == nil {
		if el.Type == component.ElementFolder {
			return nil
		}
		return fmt.Errorf("%s is a file", path)
	}
	if err := store.Put(ctx, folderPrefix(path)+folderMarker, nil); err != nil {
		return err
	}
	m.notify(ctx, component.ElementCreated, path, "", component.Element{Path: path, Type: component.ElementFolder})
	return nil
}

// Lock marks an existing element as locked
func (m *Module) Lock(ctx context.Context, _ component.PortID, path string) error {
	store, err := m.backendStore()
	if err != nil {
		return err
	}
	el, err := m.element(ctx, store, path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.locks[path] {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrLocked, path)
	}
	m.locks[path] = true
	m.mu.Unlock()

	el.Locked = true
	m.notify(ctx, component.ElementLocked, path, "", el)
	return nil
}

// Unlock releases a lock
func (m *Module) Unlock(ctx context.Context, _ component.PortID, path string) error {
	m.mu.Lock()
	if !m.locks[path] {
		m.mu.Unlock()
		return fmt.Errorf("%s is not locked", path)
	}
	delete(m.locks, path)
	m.mu.Unlock()

	m.notify(ctx, component.ElementUnlocked, path, "", component.Element{Path: path})
	return nil
}

// Element describes a file or folder
func (m *Module) Element(ctx context.Context, _ component.PortID, path string) (component.Element, error) {
	store, err := m.backendStore()
	if err != nil {
		return component.Element{}, err
	}
	return m.element(ctx, store, path)
}

// Children lists the direct children of a folder ordered by path
func (m *Module) Children(ctx context.Context, _ component.PortID, path string) ([]component.Element, error) {
	store, err := m.backendStore()
	if err != nil {
		return nil, err
	}
	el, err := m.element(ctx, store, path)
	if err != nil {
		return nil, err
	}
	if el.Type != component.ElementFolder {
		return nil, fmt.Errorf("%s is not a folder", path)
	}

	prefix := folderPrefix(path)
	keys, err := store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	base := strings.TrimSuffix(folderPrefixPath(path), "/")
	children := make(map[string]component.Element)
	for _, k := range keys {
		rest := strings.TrimPrefix(k, prefix)
		name, _, nested := strings.Cut(rest, "/")
		if name == folderMarker && !nested {
			continue
		}
		childPath := base + "/" + name
		if _, seen := children[childPath]; seen {
			continue
		}
		if nested {
			children[childPath] = m.decorate(component.Element{Path: childPath, Type: component.ElementFolder})
			continue
		}
		child, err := m.element(ctx, store, childPath)
		if err != nil {
			return nil, err
		}
		children[childPath] = child
	}

	out := make([]component.Element, 0, len(children))
	for _, c := range children {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// ElementType reports whether path is a file or a folder
func (m *Module) ElementType(ctx context.Context, port component.PortID, path string) (component.ElementType, error) {
	el, err := m.Element(ctx, port, path)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return component.ElementUnknown, nil
		}
		return component.ElementUnknown, err
	}
	return el.Type, nil
}

func (m *Module) element(ctx context.Context, store Store, path string) (component.Element, error) {
	if path == "/" {
		return component.Element{Path: "/", Type: component.ElementFolder}, nil
	}
	data, err := store.Get(ctx, key(path))
	if err == nil {
		return m.decorate(component.Element{Path: path, Type: component.ElementFile, Size: int64(len(data))}), nil
	}
	if !errors.Is(err, ErrNotFound) {
		return component.Element{}, err
	}
	keys, err := store.List(ctx, folderPrefix(path))
	if err != nil {
		return component.Element{}, err
	}
	if len(keys) == 0 {
		return component.Element{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return m.decorate(component.Element{Path: path, Type: component.ElementFolder}), nil
}

func (m *Module) decorate(el component.Element) component.Element {
	m.mu.RLock()
	el.Locked = m.locks[el.Path]
	m.mu.RUnlock()
	return el
}
