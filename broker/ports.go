package broker

import (
	"context"
	"fmt"
	"sort"

	"github.com/xonfour/horizont-sub000/component"
	"github.com/xonfour/horizont-sub000/errors"
	"github.com/xonfour/horizont-sub000/event"
)

// RegisterPort registers a port of module. Connections recorded for the
// port, including those from before an earlier unregistration, become
// eligible for admission again.
func (b *Broker) RegisterPort(module string, kind component.PortKind, port string, maxConnections int) (component.Port, error) {
	if module == "" || port == "" {
		return component.Port{}, errors.NewBroker("Broker", "RegisterPort", "module and port id are required")
	}
	if kind != component.ConsumerPort && kind != component.SupplierPort {
		return component.Port{}, errors.NewBroker("Broker", "RegisterPort", fmt.Sprintf("unknown port kind %d", kind))
	}
	if maxConnections < component.Unbounded {
		return component.Port{}, errors.NewBroker("Broker", "RegisterPort",
			fmt.Sprintf("invalid max connections %d", maxConnections))
	}

	p := component.Port{
		ID:             component.PortID{Module: module, Port: port, Kind: kind},
		MaxConnections: maxConnections,
	}

	b.dataMu.Lock()
	if _, exists := b.ports[p.ID]; exists {
		b.dataMu.Unlock()
		return component.Port{}, errors.NewBroker("Broker", "RegisterPort", fmt.Sprintf("port already registered: %s", p.ID))
	}
	b.ports[p.ID] = p
	b.dataMu.Unlock()

	b.publish(event.NewPortUpdate(event.PortAdded, p))
	b.scheduleReevaluation(p.ID, component.ConnectionKey{})
	b.logger.Debug("Port registered", "port", p.ID, "max_connections", maxConnections)
	return p, nil
}

// UnregisterPort removes a port. Its connections are disconnected and kept
// for a later registration of the same port.
func (b *Broker) UnregisterPort(ctx context.Context, id component.PortID) error {
	b.dataMu.Lock()
	p, ok := b.ports[id]
	if !ok {
		b.dataMu.Unlock()
		return errors.NewBroker("Broker", "UnregisterPort", fmt.Sprintf("unknown port %s", id))
	}
	var changes []change
	for _, t := range b.connectedOfLocked(id) {
		changes = append(changes, b.unwireLocked(t, false))
	}
	delete(b.ports, id)
	b.dataMu.Unlock()

	b.apply(ctx, changes, true)
	b.publish(event.NewPortUpdate(event.PortRemoved, p))
	b.logger.Debug("Port unregistered", "port", id)
	return nil
}

// RemoveModulePorts unregisters every port of module
func (b *Broker) RemoveModulePorts(ctx context.Context, module string) {
	for _, p := range b.Ports(module) {
		if err := b.UnregisterPort(ctx, p.ID); err != nil {
			b.logger.Debug("Port already gone", "port", p.ID, "error", err)
		}
	}
}

// RemoveModule unregisters the ports of module and drops every connection
// referencing it. Used when the module is removed from the configuration.
func (b *Broker) RemoveModule(ctx context.Context, module string) {
	b.RemoveModulePorts(ctx, module)

	b.dataMu.Lock()
	var changes []change
	for key, t := range b.disconnected {
		if key.Consumer.Module == module || key.Supplier.Module == module {
			delete(b.disconnected, key)
			changes = append(changes, change{tuple: t, view: t.view(false), removed: true})
		}
	}
	b.dataMu.Unlock()

	b.apply(ctx, changes, false)
}

// Ports returns the registered ports of module, or of all modules when
// module is empty
func (b *Broker) Ports(module string) []component.Port {
	b.dataMu.RLock()
	out := make([]component.Port, 0, len(b.ports))
	for id, p := range b.ports {
		if module == "" || id.Module == module {
			out = append(out, p)
		}
	}
	b.dataMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// Port returns a registered port
func (b *Broker) Port(id component.PortID) (component.Port, bool) {
	b.dataMu.RLock()
	defer b.dataMu.RUnlock()
	p, ok := b.ports[id]
	return p, ok
}

// connectedOfLocked returns the connected tuples holding id. dataMu must be held.
func (b *Broker) connectedOfLocked(id component.PortID) []*tuple {
	b.connMu.RLock()
	defer b.connMu.RUnlock()

	var out []*tuple
	switch id.Kind {
	case component.ConsumerPort:
		if s, ok := b.supplierOf[id]; ok {
			out = append(out, b.connected[component.ConnectionKey{Consumer: id, Supplier: s}])
		}
	case component.SupplierPort:
		for c := range b.consumersOf[id] {
			out = append(out, b.connected[component.ConnectionKey{Consumer: c, Supplier: id}])
		}
	}
	return out
}
