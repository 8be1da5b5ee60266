package dispatch

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/xonfour/horizont-sub000/component"
	"github.com/xonfour/horizont-sub000/errors"
	"github.com/xonfour/horizont-sub000/pkg/guard"
	"github.com/xonfour/horizont-sub000/rights"
)

// consumer resolves a connected consumer module
func (s *Session) consumer(port component.PortID) (component.Consumer, bool) {
	m, ok := s.d.registry.Module(port.Module)
	if !ok {
		return nil, false
	}
	c, ok := m.(component.Consumer)
	return c, ok
}

// each enqueues fn for every consumer connected to the caller's supplier
// port. A failed enqueue does not stop the others; the first failure is
// returned.
func (s *Session) each(op string, port component.PortID, fn func(ctx context.Context, c component.Consumer, peer component.PortID)) error {
	var first error
	for _, peer := range s.d.broker.ConnectedConsumers(port) {
		c, ok := s.consumer(peer)
		if !ok {
			continue
		}
		err := s.d.enqueue(peer.Module, op, func(ctx context.Context) {
			fn(ctx, c, peer)
		})
		if err != nil {
			s.d.logger.Debug("Delivery to consumer rejected", "consumer", peer, "operation", op, "error", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// SupportedModuleCommands collects the commands the consumers connected to
// port support for path. Consumers that fail or time out contribute nothing.
func (s *Session) SupportedModuleCommands(ctx context.Context, port component.PortID, path string) ([]string, error) {
	if err := s.check("supported module commands", port, component.SupplierPort, rights.ModuleCommand, true); err != nil {
		return nil, err
	}
	if err := component.ValidatePath(path); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	for _, peer := range s.d.broker.ConnectedConsumers(port) {
		c, ok := s.consumer(peer)
		if !ok {
			continue
		}
		cmds, err := guard.Call(ctx, s.d.callTimeout, func(ctx context.Context) ([]string, error) {
			return c.SupportedModuleCommands(ctx, peer, path)
		})
		s.d.record("supported_module_commands", err)
		if err != nil {
			s.d.logger.Debug("Consumer did not report commands", "consumer", peer, "error", err)
			continue
		}
		for _, cmd := range cmds {
			seen[cmd] = true
		}
	}

	out := make([]string, 0, len(seen))
	for cmd := range seen {
		out = append(out, cmd)
	}
	sort.Strings(out)
	return out, nil
}

// SendModuleCommand delivers a command to every consumer connected to port
func (s *Session) SendModuleCommand(
	_ context.Context, port component.PortID, command, path string, props component.Properties,
) error {
	if err := s.check("send module command", port, component.SupplierPort, rights.ModuleCommand, true); err != nil {
		return err
	}
	if command == "" {
		return errors.NewBroker("Session", "SendModuleCommand", "command is empty")
	}
	if err := component.ValidatePath(path); err != nil {
		return err
	}
	s.activity("module_command", port, path)
	return s.each("on_module_command", port, func(ctx context.Context, c component.Consumer, peer component.PortID) {
		c.OnModuleCommand(ctx, peer, command, path, props)
	})
}

// Subscribe registers interest of a consumer port in element events under path
func (s *Session) Subscribe(_ context.Context, port component.PortID, path string, recursive bool,
) (component.Subscription, error) {
	if err := s.check("subscribe", port, component.ConsumerPort, rights.Subscribe, false); err != nil {
		return component.Subscription{}, err
	}
	if err := component.ValidatePath(path); err != nil {
		return component.Subscription{}, err
	}

	sub := component.Subscription{ID: uuid.NewString(), Port: port, Path: path, Recursive: recursive}

	s.d.subMu.Lock()
	defer s.d.subMu.Unlock()
	byPath, ok := s.d.subscriptions[port]
	if !ok {
		byPath = make(map[string]component.Subscription)
		s.d.subscriptions[port] = byPath
	}
	if existing, ok := byPath[path]; ok {
		sub.ID = existing.ID
	}
	byPath[path] = sub
	return sub, nil
}

// Unsubscribe drops the subscription of port for path
func (s *Session) Unsubscribe(_ context.Context, port component.PortID, path string) error {
	if err := s.check("unsubscribe", port, component.ConsumerPort, rights.Subscribe, false); err != nil {
		return err
	}
	s.d.subMu.Lock()
	defer s.d.subMu.Unlock()
	if _, ok := s.d.subscriptions[port][path]; !ok {
		return errors.NewBroker("Session", "Unsubscribe", fmt.Sprintf("%s is not subscribed to %s", port, path))
	}
	delete(s.d.subscriptions[port], path)
	if len(s.d.subscriptions[port]) == 0 {
		delete(s.d.subscriptions, port)
	}
	return nil
}

// UnsubscribeAll drops every subscription of port
func (s *Session) UnsubscribeAll(_ context.Context, port component.PortID) error {
	if err := s.check("unsubscribe all", port, component.ConsumerPort, rights.Subscribe, false); err != nil {
		return err
	}
	s.d.subMu.Lock()
	defer s.d.subMu.Unlock()
	delete(s.d.subscriptions, port)
	return nil
}

// IsSubscribed reports whether port holds a subscription for exactly path
func (s *Session) IsSubscribed(_ context.Context, port component.PortID, path string) (bool, error) {
	if err := s.check("is subscribed", port, component.ConsumerPort, rights.Subscribe, false); err != nil {
		return false, err
	}
	s.d.subMu.RLock()
	defer s.d.subMu.RUnlock()
	_, ok := s.d.subscriptions[port][path]
	return ok, nil
}

// Subscriptions returns the subscriptions of port ordered by path
func (s *Session) Subscriptions(_ context.Context, port component.PortID) ([]component.Subscription, error) {
	if err := s.check("subscriptions", port, component.ConsumerPort, rights.Subscribe, false); err != nil {
		return nil, err
	}
	s.d.subMu.RLock()
	out := make([]component.Subscription, 0, len(s.d.subscriptions[port]))
	for _, sub := range s.d.subscriptions[port] {
		out = append(out, sub)
	}
	s.d.subMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// AddStreamListener registers listener for streams closing on port
func (s *Session) AddStreamListener(_ context.Context, port component.PortID, listener component.StreamListener) error {
	if err := s.check("add stream listener", port, port.Kind, rights.StreamListener, false); err != nil {
		return err
	}
	if listener == nil {
		return errors.NewBroker("Session", "AddStreamListener", "listener is nil")
	}
	s.d.subMu.Lock()
	defer s.d.subMu.Unlock()
	for _, l := range s.d.listeners[port] {
		if l == listener {
			return nil
		}
	}
	s.d.listeners[port] = append(s.d.listeners[port], listener)
	return nil
}

// RemoveStreamListener unregisters listener from port
func (s *Session) RemoveStreamListener(_ context.Context, port component.PortID, listener component.StreamListener) error {
	if err := s.check("remove stream listener", port, port.Kind, rights.StreamListener, false); err != nil {
		return err
	}
	s.d.subMu.Lock()
	defer s.d.subMu.Unlock()
	ls := s.d.listeners[port]
	for i, l := range ls {
		if l == listener {
			s.d.listeners[port] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(s.d.listeners[port]) == 0 {
		delete(s.d.listeners, port)
	}
	return nil
}

// SendElementEvent delivers ev to the connected consumers subscribed to its path
func (s *Session) SendElementEvent(_ context.Context, port component.PortID, ev component.ElementEvent) error {
	if err := s.check("send element event", port, component.SupplierPort, rights.SendState, true); err != nil {
		return err
	}
	if err := component.ValidatePath(ev.Path); err != nil {
		return err
	}
	if ev.OldPath != "" {
		if err := component.ValidatePath(ev.OldPath); err != nil {
			return err
		}
	}
	s.activity("element_event", port, ev.Path)

	var first error
	for _, peer := range s.d.broker.ConnectedConsumers(port) {
		if !s.d.subscribed(peer, ev) {
			continue
		}
		c, ok := s.consumer(peer)
		if !ok {
			continue
		}
		err := s.d.enqueue(peer.Module, "on_element_event", func(ctx context.Context) {
			c.OnElementEvent(ctx, peer, ev)
		})
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (d *Dispatcher) subscribed(port component.PortID, ev component.ElementEvent) bool {
	d.subMu.RLock()
	defer d.subMu.RUnlock()
	for _, sub := range d.subscriptions[port] {
		if sub.Matches(ev.Path) || (ev.OldPath != "" && sub.Matches(ev.OldPath)) {
			return true
		}
	}
	return false
}

// SendState pushes the provider state of port to every connected consumer
func (s *Session) SendState(_ context.Context, port component.PortID, state component.ProviderState) error {
	if err := s.check("send state", port, component.SupplierPort, rights.SendState, true); err != nil {
		return err
	}
	s.activity("state", port, "")
	return s.each("on_provider_state_event", port, func(ctx context.Context, c component.Consumer, peer component.PortID) {
		c.OnProviderStateEvent(ctx, peer, state)
	})
}

// RequestConnectedProviderStatus asks the supplier connected to port to send its state
func (s *Session) RequestConnectedProviderStatus(_ context.Context, port component.PortID) error {
	if err := s.check("request provider status", port, component.ConsumerPort, rights.Read, true); err != nil {
		return err
	}
	sup, key, err := s.supplier("request provider status", port)
	if err != nil {
		return err
	}
	s.activity("state_request", port, "")
	return s.d.enqueue(key.Supplier.Module, "on_state_request", func(ctx context.Context) {
		sup.OnStateRequest(ctx, key.Supplier)
	})
}
