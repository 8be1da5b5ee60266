package dispatch

import (
	"context"
	"fmt"
	"io"

	"github.com/xonfour/horizont-sub000/component"
	"github.com/xonfour/horizont-sub000/errors"
	"github.com/xonfour/horizont-sub000/event"
	"github.com/xonfour/horizont-sub000/pkg/guard"
	"github.com/xonfour/horizont-sub000/rights"
)

// Session is the ModuleCalls implementation bound to one module
type Session struct {
	d  *Dispatcher
	id string
}

var _ component.ModuleCalls = (*Session)(nil)

// check covers the common steps of every call: the caller is approved,
// holds right, owns port with the expected kind and, when running is set,
// the broker is running.
func (s *Session) check(op string, port component.PortID, kind component.PortKind, right int, running bool) error {
	if !s.d.registry.IsApproved(s.id) {
		return errors.NewWrongState(errors.MachineModule, moduleState("unapproved"), op)
	}
	if right != rights.None {
		if err := s.d.rights.VerifyAll(s.id, right, op); err != nil {
			return err
		}
	}
	if running && !s.d.broker.IsRunning() {
		return errors.NewWrongState(errors.MachineBroker, moduleState("stopped"), op)
	}
	if port.Module != s.id {
		return errors.NewBroker("Session", op, fmt.Sprintf("port %s does not belong to %s", port, s.id))
	}
	if port.Kind != kind {
		return errors.NewBroker("Session", op, fmt.Sprintf("%s needs a %s port, got %s", op, kind, port))
	}
	return nil
}

type moduleState string

func (s moduleState) String() string { return string(s) }

// supplier resolves the supplier connected to the caller's consumer port
func (s *Session) supplier(op string, port component.PortID) (component.Supplier, component.ConnectionKey, error) {
	peer, ok := s.d.broker.ConnectedSupplier(port)
	if !ok {
		return nil, component.ConnectionKey{}, errors.NewBroker("Session", op, fmt.Sprintf("port %s is not connected", port))
	}
	m, ok := s.d.registry.Module(peer.Module)
	if !ok {
		return nil, component.ConnectionKey{}, errors.NewBroker("Session", op, fmt.Sprintf("module %s is gone", peer.Module))
	}
	sup, ok := m.(component.Supplier)
	if !ok {
		return nil, component.ConnectionKey{}, errors.NewBroker("Session", op, fmt.Sprintf("module %s is not a supplier", peer.Module))
	}
	return sup, component.ConnectionKey{Consumer: port, Supplier: peer}, nil
}

func (s *Session) activity(op string, port component.PortID, path string) {
	s.d.publish(event.NewModuleActivity(s.id, op, port, path))
}

// dataCall runs the common shape of a data-plane call against the connected supplier
func dataCall[T any](
	ctx context.Context, s *Session, op string, port component.PortID, right int, paths []string,
	fn func(ctx context.Context, sup component.Supplier, peer component.PortID) (T, error),
) (T, error) {
	var zero T
	if err := s.check(op, port, component.ConsumerPort, right, true); err != nil {
		return zero, err
	}
	for _, p := range paths {
		if err := component.ValidatePath(p); err != nil {
			return zero, err
		}
	}
	sup, key, err := s.supplier(op, port)
	if err != nil {
		return zero, err
	}
	path := ""
	if len(paths) > 0 {
		path = paths[0]
	}
	s.activity(op, port, path)

	v, err := guard.Call(ctx, s.d.dataTimeout, func(ctx context.Context) (T, error) {
		return fn(ctx, sup, key.Supplier)
	})
	s.d.record(op, err)
	if err != nil {
		if !errors.IsFramework(err) {
			s.d.logger.Debug("Supplier call failed", "caller", s.id, "supplier", key.Supplier.Module, "operation", op, "error", err)
		}
		return zero, errors.WrapModule(err, key.Supplier.Module, op)
	}
	return v, nil
}

// RegisterPort registers a port of the calling module
func (s *Session) RegisterPort(_ context.Context, kind component.PortKind, port string, maxConnections int) (component.PortID, error) {
	if !s.d.registry.IsApproved(s.id) {
		return component.PortID{}, errors.NewWrongState(errors.MachineModule, moduleState("unapproved"), "register port")
	}
	p, err := s.d.broker.RegisterPort(s.id, kind, port, maxConnections)
	if err != nil {
		return component.PortID{}, err
	}
	return p.ID, nil
}

// UnregisterPort removes a port of the calling module
func (s *Session) UnregisterPort(ctx context.Context, port component.PortID) error {
	if err := s.check("unregister port", port, port.Kind, rights.None, false); err != nil {
		return err
	}
	if err := s.d.broker.UnregisterPort(ctx, port); err != nil {
		return err
	}
	s.d.dropPort(port)
	return nil
}

// Read opens path on the connected supplier. The stream is tracked on the connection.
func (s *Session) Read(ctx context.Context, port component.PortID, path string) (io.ReadCloser, error) {
	if err := s.check("read", port, component.ConsumerPort, rights.Read, true); err != nil {
		return nil, err
	}
	if err := component.ValidatePath(path); err != nil {
		return nil, err
	}
	sup, key, err := s.supplier("read", port)
	if err != nil {
		return nil, err
	}
	s.activity("read", port, path)

	rc, err := guard.CallDiscard(ctx, s.d.dataTimeout, func(ctx context.Context) (io.ReadCloser, error) {
		return sup.Read(ctx, key.Supplier, path)
	}, closeLate[io.ReadCloser])
	s.d.record("read", err)
	if err != nil {
		return nil, errors.WrapModule(err, key.Supplier.Module, "read")
	}
	if rc == nil {
		return nil, errors.WrapModule(fmt.Errorf("no stream for %s", path), key.Supplier.Module, "read")
	}
	wrapped, err := s.d.broker.WrapReader(key, path, rc, s.d.notifyStreamClosed)
	if err != nil {
		_ = rc.Close()
		return nil, err
	}
	return wrapped, nil
}

// Write opens path for writing on the connected supplier
func (s *Session) Write(ctx context.Context, port component.PortID, path string) (io.WriteCloser, error) {
	if err := s.check("write", port, component.ConsumerPort, rights.Write, true); err != nil {
		return nil, err
	}
	if err := component.ValidatePath(path); err != nil {
		return nil, err
	}
	sup, key, err := s.supplier("write", port)
	if err != nil {
		return nil, err
	}
	s.activity("write", port, path)

	wc, err := guard.CallDiscard(ctx, s.d.dataTimeout, func(ctx context.Context) (io.WriteCloser, error) {
		return sup.Write(ctx, key.Supplier, path)
	}, closeLate[io.WriteCloser])
	s.d.record("write", err)
	if err != nil {
		return nil, errors.WrapModule(err, key.Supplier.Module, "write")
	}
	if wc == nil {
		return nil, errors.WrapModule(fmt.Errorf("no stream for %s", path), key.Supplier.Module, "write")
	}
	wrapped, err := s.d.broker.WrapWriter(key, path, wc, s.d.notifyStreamClosed)
	if err != nil {
		_ = wc.Close()
		return nil, err
	}
	return wrapped, nil
}

func closeLate[T io.Closer](c T) {
	if any(c) != nil {
		_ = c.Close()
	}
}

// Move moves src to dst on the connected supplier
func (s *Session) Move(ctx context.Context, port component.PortID, src, dst string) error {
	_, err := dataCall(ctx, s, "move", port, rights.Manage, []string{src, dst},
		func(ctx context.Context, sup component.Supplier, peer component.PortID) (struct{}, error) {
			return struct{}{}, sup.Move(ctx, peer, src, dst)
		})
	return err
}

// Delete deletes path on the connected supplier
func (s *Session) Delete(ctx context.Context, port component.PortID, path string) error {
	_, err := dataCall(ctx, s, "delete", port, rights.Manage, []string{path},
		func(ctx context.Context, sup component.Supplier, peer component.PortID) (struct{}, error) {
			return struct{}{}, sup.Delete(ctx, peer, path)
		})
	return err
}

// CreateFolder creates a folder on the connected supplier
func (s *Session) CreateFolder(ctx context.Context, port component.PortID, path string) error {
	_, err := dataCall(ctx, s, "create_folder", port, rights.Manage, []string{path},
		func(ctx context.Context, sup component.Supplier, peer component.PortID) (struct{}, error) {
			return struct{}{}, sup.CreateFolder(ctx, peer, path)
		})
	return err
}

// Lock locks path on the connected supplier
func (s *Session) Lock(ctx context.Context, port component.PortID, path string) error {
	_, err := dataCall(ctx, s, "lock", port, rights.Lock, []string{path},
		func(ctx context.Context, sup component.Supplier, peer component.PortID) (struct{}, error) {
			return struct{}{}, sup.Lock(ctx, peer, path)
		})
	return err
}

// Unlock unlocks path on the connected supplier
func (s *Session) Unlock(ctx context.Context, port component.PortID, path string) error {
	_, err := dataCall(ctx, s, "unlock", port, rights.Lock, []string{path},
		func(ctx context.Context, sup component.Supplier, peer component.PortID) (struct{}, error) {
			return struct{}{}, sup.Unlock(ctx, peer, path)
		})
	return err
}

// Element describes path on the connected supplier
func (s *Session) Element(ctx context.Context, port component.PortID, path string) (component.Element, error) {
	return dataCall(ctx, s, "element", port, rights.Read, []string{path},
		func(ctx context.Context, sup component.Supplier, peer component.PortID) (component.Element, error) {
			return sup.Element(ctx, peer, path)
		})
}

// Children lists the children of path on the connected supplier
func (s *Session) Children(ctx context.Context, port component.PortID, path string) ([]component.Element, error) {
	return dataCall(ctx, s, "children", port, rights.Read, []string{path},
		func(ctx context.Context, sup component.Supplier, peer component.PortID) ([]component.Element, error) {
			return sup.Children(ctx, peer, path)
		})
}

// ElementType returns the type of path on the connected supplier
func (s *Session) ElementType(ctx context.Context, port component.PortID, path string) (component.ElementType, error) {
	return dataCall(ctx, s, "element_type", port, rights.Read, []string{path},
		func(ctx context.Context, sup component.Supplier, peer component.PortID) (component.ElementType, error) {
			return sup.ElementType(ctx, peer, path)
		})
}
