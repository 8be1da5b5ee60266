package broker

import (
	"context"
	"fmt"
	"sort"

	"github.com/xonfour/horizont-sub000/component"
	"github.com/xonfour/horizont-sub000/errors"
	"github.com/xonfour/horizont-sub000/event"
)

// change describes a tuple that left the connected set or was dropped.
// It is built under the write lock and applied after release.
type change struct {
	tuple *tuple
	view  component.Connection
	// wasConnected is false for tuples dropped straight from the disconnected set
	wasConnected    bool
	removed         bool
	supplierVacated bool
	streams         []*stream
}

type admission struct {
	tuple         *tuple
	view          component.Connection
	firstConsumer bool
	evicted       []change
}

func validKey(key component.ConnectionKey) error {
	if key.Consumer.Kind != component.ConsumerPort || key.Supplier.Kind != component.SupplierPort {
		return fmt.Errorf("connection %s must pair a consumer with a supplier port", key)
	}
	if key.Consumer.Module == "" || key.Consumer.Port == "" || key.Supplier.Module == "" || key.Supplier.Port == "" {
		return fmt.Errorf("connection %s has an empty module or port id", key)
	}
	return nil
}

// AddConnection persists the connection and tries to admit it. It returns
// false without error when admission is declined; the connection then
// waits in the disconnected set.
func (b *Broker) AddConnection(ctx context.Context, consumer, supplier component.PortID, priority int) (bool, error) {
	key := component.ConnectionKey{Consumer: consumer, Supplier: supplier}
	if err := validKey(key); err != nil {
		return false, errors.WrapBroker(err, "Broker", "AddConnection", "validate ports")
	}
	if priority < 0 {
		return false, errors.NewBroker("Broker", "AddConnection", fmt.Sprintf("negative priority %d", priority))
	}

	b.dataMu.RLock()
	_, isConnected := b.connected[key]
	b.dataMu.RUnlock()
	if isConnected {
		return false, nil
	}

	rec := (&tuple{key: key, priority: priority}).record()
	if err := b.store.PutConnection(ctx, rec); err != nil {
		return false, errors.WrapDatabase(err, "Broker", "AddConnection", "persist connection")
	}

	b.record(key, priority)
	return b.connect(ctx, key), nil
}

// Connect records the connection without persisting it and tries to admit it
func (b *Broker) Connect(ctx context.Context, consumer, supplier component.PortID, priority int) bool {
	key := component.ConnectionKey{Consumer: consumer, Supplier: supplier}
	if validKey(key) != nil || priority < 0 {
		return false
	}
	b.record(key, priority)
	return b.connect(ctx, key)
}

// record ensures a tuple exists for key with the given priority
func (b *Broker) record(key component.ConnectionKey, priority int) {
	b.dataMu.Lock()
	if t, ok := b.connected[key]; ok {
		t.priority = priority
		b.dataMu.Unlock()
		return
	}
	if t, ok := b.disconnected[key]; ok {
		t.priority = priority
		t.held = false
		b.dataMu.Unlock()
		return
	}
	t := &tuple{key: key, priority: priority}
	b.disconnected[key] = t
	view := t.view(false)
	b.dataMu.Unlock()

	b.publish(event.NewConnectionUpdate(event.ConnectionAdded, view))
	b.updateGauge()
}

// connect runs admission for the recorded tuple key
func (b *Broker) connect(ctx context.Context, key component.ConnectionKey) bool {
	b.dataMu.Lock()
	adm, ok := b.admitLocked(key)
	b.dataMu.Unlock()

	if !ok {
		b.metrics.RecordAdmission(false, 0)
		return false
	}

	b.apply(ctx, adm.evicted, true)

	b.notify(key.Consumer, true)
	if adm.firstConsumer {
		b.notify(key.Supplier, true)
	}
	b.publish(event.NewConnectionUpdate(event.ConnectionConnected, adm.view))
	b.metrics.RecordAdmission(true, len(adm.evicted))
	b.updateGauge()

	b.logger.Debug("Connection admitted", "connection", key, "priority", adm.view.Priority, "preempted", len(adm.evicted))
	return true
}

// admitLocked decides admission of a disconnected tuple and wires it,
// evicting lower-priority occupants. dataMu must be held for writing.
func (b *Broker) admitLocked(key component.ConnectionKey) (admission, bool) {
	t, ok := b.disconnected[key]
	if !ok {
		return admission{}, false
	}

	cp, cok := b.ports[key.Consumer]
	sp, sok := b.ports[key.Supplier]
	if !cok || !sok || !cp.Connectable() || !sp.Connectable() {
		return admission{}, false
	}
	if b.registry != nil && (!b.registry.IsApproved(key.Consumer.Module) || !b.registry.IsApproved(key.Supplier.Module)) {
		return admission{}, false
	}

	var victims []*tuple

	b.connMu.RLock()
	if s, taken := b.supplierOf[key.Consumer]; taken {
		incumbent := b.connected[component.ConnectionKey{Consumer: key.Consumer, Supplier: s}]
		if incumbent.priority >= t.priority {
			b.connMu.RUnlock()
			return admission{}, false
		}
		victims = append(victims, incumbent)
	}

	occupants := b.consumersOf[key.Supplier]
	if sp.MaxConnections != component.Unbounded && len(occupants) >= sp.MaxConnections {
		held := make([]*tuple, 0, len(occupants))
		for c := range occupants {
			held = append(held, b.connected[component.ConnectionKey{Consumer: c, Supplier: key.Supplier}])
		}
		sort.Slice(held, func(i, j int) bool {
			if held[i].priority != held[j].priority {
				return held[i].priority < held[j].priority
			}
			return held[i].key.String() < held[j].key.String()
		})
		need := len(held) - sp.MaxConnections + 1
		for _, h := range held[:need] {
			if h.priority >= t.priority {
				b.connMu.RUnlock()
				return admission{}, false
			}
			victims = append(victims, h)
		}
	}
	b.connMu.RUnlock()

	adm := admission{tuple: t}
	for _, v := range victims {
		adm.evicted = append(adm.evicted, b.unwireLocked(v, false))
	}

	b.connMu.Lock()
	b.supplierOf[key.Consumer] = key.Supplier
	consumers, exists := b.consumersOf[key.Supplier]
	if !exists {
		consumers = make(map[component.PortID]struct{})
		b.consumersOf[key.Supplier] = consumers
	}
	adm.firstConsumer = len(consumers) == 0
	consumers[key.Consumer] = struct{}{}
	b.connMu.Unlock()

	delete(b.disconnected, key)
	b.connected[key] = t
	adm.view = t.view(true)
	return adm, true
}

// unwireLocked removes a connected tuple from the connection maps and moves
// it to the disconnected set, or drops it when removed. dataMu must be held
// for writing.
func (b *Broker) unwireLocked(t *tuple, removed bool) change {
	b.connMu.Lock()
	delete(b.supplierOf, t.key.Consumer)
	vacated := false
	if consumers, ok := b.consumersOf[t.key.Supplier]; ok {
		delete(consumers, t.key.Consumer)
		if len(consumers) == 0 {
			delete(b.consumersOf, t.key.Supplier)
			vacated = true
		}
	}
	b.connMu.Unlock()

	delete(b.connected, t.key)
	if !removed {
		b.disconnected[t.key] = t
	}

	streams := make([]*stream, 0, len(t.streams))
	for s := range t.streams {
		streams = append(streams, s)
	}
	return change{
		tuple:           t,
		view:            t.view(false),
		wasConnected:    true,
		removed:         removed,
		supplierVacated: vacated,
		streams:         streams,
	}
}

// apply performs the off-lock side of disconnections: module notifications,
// stream teardown, events and, when reevaluate is set, reevaluation of the
// freed ports.
func (b *Broker) apply(_ context.Context, changes []change, reevaluate bool) {
	if len(changes) == 0 {
		return
	}
	for _, c := range changes {
		key := c.tuple.key
		if c.wasConnected {
			b.notify(key.Consumer, false)
			if c.supplierVacated {
				b.notify(key.Supplier, false)
			}
		}
		for _, s := range c.streams {
			if err := s.Close(); err != nil {
				b.logger.Debug("Stream close failed on disconnect", "connection", key, "error", err)
			}
		}

		action := event.ConnectionDisconnected
		if c.removed {
			action = event.ConnectionRemoved
		}
		b.publish(event.NewConnectionUpdate(action, c.view))
		b.observe(key, c.removed)

		if reevaluate {
			b.scheduleReevaluation(key.Consumer, key)
			b.scheduleReevaluation(key.Supplier, key)
		}
	}
	b.updateGauge()
}

// Disconnect disconnects the connected tuple of consumer. Unless
// removeCompletely is set the tuple stays recorded, but reevaluation leaves
// it alone until it is connected explicitly again. A complete removal also
// deletes the stored connection record. It is a no-op when the consumer is
// not connected.
func (b *Broker) Disconnect(ctx context.Context, consumer component.PortID, removeCompletely bool) error {
	if consumer.Kind != component.ConsumerPort {
		return errors.NewBroker("Broker", "Disconnect", fmt.Sprintf("%s is not a consumer port", consumer))
	}

	b.dataMu.RLock()
	_, known := b.ports[consumer]
	connected := b.connectedOfLocked(consumer)
	b.dataMu.RUnlock()
	if !known {
		return errors.NewBroker("Broker", "Disconnect", fmt.Sprintf("unknown port %s", consumer))
	}

	if removeCompletely {
		for _, t := range connected {
			err := b.store.DeleteConnection(ctx, t.key.Consumer.Endpoint(), t.key.Supplier.Endpoint())
			if err != nil && !errors.Is(err, errors.ErrConfigNotFound) {
				return errors.WrapDatabase(err, "Broker", "Disconnect", "delete connection record")
			}
		}
	}

	b.dataMu.Lock()
	var changes []change
	for _, t := range b.connectedOfLocked(consumer) {
		if !removeCompletely {
			t.held = true
		}
		changes = append(changes, b.unwireLocked(t, removeCompletely))
	}
	b.dataMu.Unlock()

	b.apply(ctx, changes, true)
	return nil
}

// RemoveConnection deletes a connection from the store and the broker,
// disconnecting it first when connected
func (b *Broker) RemoveConnection(ctx context.Context, consumer, supplier component.PortID) error {
	key := component.ConnectionKey{Consumer: consumer, Supplier: supplier}

	b.dataMu.RLock()
	_, isConnected := b.connected[key]
	_, isDisconnected := b.disconnected[key]
	b.dataMu.RUnlock()
	if !isConnected && !isDisconnected {
		return errors.NewBroker("Broker", "RemoveConnection", fmt.Sprintf("unknown connection %s", key))
	}

	if err := b.store.DeleteConnection(ctx, consumer.Endpoint(), supplier.Endpoint()); err != nil &&
		!errors.Is(err, errors.ErrConfigNotFound) {
		return errors.WrapDatabase(err, "Broker", "RemoveConnection", "delete connection record")
	}

	b.dataMu.Lock()
	var changes []change
	if t, ok := b.connected[key]; ok {
		changes = append(changes, b.unwireLocked(t, true))
	} else if t, ok := b.disconnected[key]; ok {
		delete(b.disconnected, key)
		changes = append(changes, change{tuple: t, view: t.view(false), removed: true})
	}
	b.dataMu.Unlock()

	b.apply(ctx, changes, true)
	return nil
}

// SetPriority changes the priority of a recorded connection in place. A
// disconnected tuple is offered admission again; lowering a connected one
// lets waiting tuples compete for its ports.
func (b *Broker) SetPriority(ctx context.Context, consumer, supplier component.PortID, priority int) error {
	key := component.ConnectionKey{Consumer: consumer, Supplier: supplier}
	if priority < 0 {
		return errors.NewBroker("Broker", "SetPriority", fmt.Sprintf("negative priority %d", priority))
	}

	b.dataMu.RLock()
	_, isConnected := b.connected[key]
	_, isDisconnected := b.disconnected[key]
	b.dataMu.RUnlock()
	if !isConnected && !isDisconnected {
		return errors.NewBroker("Broker", "SetPriority", fmt.Sprintf("unknown connection %s", key))
	}

	rec := (&tuple{key: key, priority: priority}).record()
	if err := b.store.PutConnection(ctx, rec); err != nil {
		return errors.WrapDatabase(err, "Broker", "SetPriority", "persist connection")
	}

	b.dataMu.Lock()
	var (
		view      component.Connection
		connected bool
		found     bool
	)
	if t, ok := b.connected[key]; ok {
		t.priority, view, connected, found = priority, t.view(true), true, true
	} else if t, ok := b.disconnected[key]; ok {
		t.priority, view, found = priority, t.view(false), true
		t.held = false
	}
	b.dataMu.Unlock()
	if !found {
		return errors.NewBroker("Broker", "SetPriority", fmt.Sprintf("connection %s removed concurrently", key))
	}

	b.publish(event.NewConnectionUpdate(event.ConnectionPriority, view))
	if connected {
		b.scheduleReevaluation(key.Consumer, key)
		b.scheduleReevaluation(key.Supplier, key)
		return nil
	}
	b.connect(ctx, key)
	return nil
}

// scheduleReevaluation queues admission attempts for the disconnected
// tuples of port, skipping exclude. Pending requests for the same port and
// exclusion collapse into one.
func (b *Broker) scheduleReevaluation(port component.PortID, exclude component.ConnectionKey) {
	_, err := b.background.SubmitKeyed(port.String()+"|"+exclude.String(), func() {
		b.reevaluate(context.Background(), port, exclude)
	})
	if err != nil {
		b.logger.Debug("Reevaluation not scheduled", "port", port, "error", err)
	}
}

// reevaluate tries the disconnected tuples of port from highest priority
// down. A consumer port stops at its first admission.
func (b *Broker) reevaluate(ctx context.Context, port component.PortID, exclude component.ConnectionKey) {
	b.dataMu.RLock()
	if _, ok := b.ports[port]; !ok {
		b.dataMu.RUnlock()
		return
	}
	var candidates []*tuple
	for key, t := range b.disconnected {
		if key == exclude || t.held {
			continue
		}
		if key.Consumer == port || key.Supplier == port {
			candidates = append(candidates, t)
		}
	}
	sortByPriority(candidates)
	keys := make([]component.ConnectionKey, len(candidates))
	for i, t := range candidates {
		keys[i] = t.key
	}
	b.dataMu.RUnlock()

	for _, key := range keys {
		if b.connect(ctx, key) && port.Kind == component.ConsumerPort {
			return
		}
	}
}

func sortByPriority(ts []*tuple) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].priority != ts[j].priority {
			return ts[i].priority > ts[j].priority
		}
		return ts[i].key.String() < ts[j].key.String()
	})
}

// ConnectedSupplier returns the supplier port connected to consumer
func (b *Broker) ConnectedSupplier(consumer component.PortID) (component.PortID, bool) {
	b.connMu.RLock()
	defer b.connMu.RUnlock()
	s, ok := b.supplierOf[consumer]
	return s, ok
}

// ConnectedConsumers returns the consumer ports connected to supplier
func (b *Broker) ConnectedConsumers(supplier component.PortID) []component.PortID {
	b.connMu.RLock()
	out := make([]component.PortID, 0, len(b.consumersOf[supplier]))
	for c := range b.consumersOf[supplier] {
		out = append(out, c)
	}
	b.connMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// IsConnected reports whether the two ports are connected to each other
func (b *Broker) IsConnected(consumer, supplier component.PortID) bool {
	s, ok := b.ConnectedSupplier(consumer)
	return ok && s == supplier
}

// ConnectionCount returns the number of connected tuples holding port
func (b *Broker) ConnectionCount(port component.PortID) int {
	b.connMu.RLock()
	defer b.connMu.RUnlock()
	if port.Kind == component.ConsumerPort {
		if _, ok := b.supplierOf[port]; ok {
			return 1
		}
		return 0
	}
	return len(b.consumersOf[port])
}

// Connections returns the connected tuples
func (b *Broker) Connections() []component.Connection {
	b.dataMu.RLock()
	out := make([]component.Connection, 0, len(b.connected))
	for _, t := range b.connected {
		out = append(out, t.view(true))
	}
	b.dataMu.RUnlock()
	sortViews(out)
	return out
}

// DisconnectedConnections returns the recorded tuples that are not connected
func (b *Broker) DisconnectedConnections() []component.Connection {
	b.dataMu.RLock()
	out := make([]component.Connection, 0, len(b.disconnected))
	for _, t := range b.disconnected {
		out = append(out, t.view(false))
	}
	b.dataMu.RUnlock()
	sortViews(out)
	return out
}

func sortViews(cs []component.Connection) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].ConnectionKey.String() < cs[j].ConnectionKey.String() })
}
