package component

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/xonfour/horizont-sub000/config"
	"github.com/xonfour/horizont-sub000/errors"
	"github.com/xonfour/horizont-sub000/metric"
	"github.com/xonfour/horizont-sub000/pkg/guard"
	"github.com/xonfour/horizont-sub000/pkg/worker"
	"github.com/xonfour/horizont-sub000/rights"
)

// Dependencies are handed to a factory when a component is constructed
type Dependencies struct {
	ID       string
	Name     string
	Settings Properties
	Logger   *slog.Logger
}

// Factory constructs a component. The result must implement Module or
// ControlInterface according to the registration kind. Factories must not
// call back into the framework.
type Factory func(deps Dependencies) (any, error)

// Registration holds a factory and metadata for a component type
type Registration struct {
	Type        string  `json:"type"`
	Kind        Kind    `json:"kind"`
	Description string  `json:"description"`
	Version     string  `json:"version"`
	Factory     Factory `json:"-"`
}

// Instance is a live component
type Instance struct {
	ID       string
	Kind     Kind
	Type     string
	Name     string
	Settings Properties

	Module           Module
	ControlInterface ControlInterface

	queue  *worker.Func
	logger *slog.Logger
}

// Logger returns the component's logger
func (i *Instance) Logger() *slog.Logger { return i.logger }

// QueueStats returns statistics of the component's serial queue
func (i *Instance) QueueStats() worker.QueueStats { return i.queue.Stats() }

// Registry manages component factories and live instances. Every instance
// owns a serial queue used for ordered delivery into that component.
type Registry struct {
	factories map[Kind]map[string]Registration
	instances map[string]*Instance
	approved  map[string]struct{}
	mu        sync.RWMutex

	rights           *rights.Registry
	logger           *slog.Logger
	metrics          *metric.Metrics
	constructTimeout time.Duration
	queueTimeout     time.Duration
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithMetrics records live component counts
func WithMetrics(m *metric.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithTimeouts sets the construction budget and the queue drain budget used by Destroy
func WithTimeouts(construct, drain time.Duration) RegistryOption {
	return func(r *Registry) {
		if construct > 0 {
			r.constructTimeout = construct
		}
		if drain > 0 {
			r.queueTimeout = drain
		}
	}
}

// NewRegistry creates an empty component registry. Rights of live
// components are kept in rightsRegistry.
func NewRegistry(rightsRegistry *rights.Registry, logger *slog.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		factories: map[Kind]map[string]Registration{
			KindModule:           {},
			KindControlInterface: {},
		},
		instances:        make(map[string]*Instance),
		approved:         make(map[string]struct{}),
		rights:           rightsRegistry,
		logger:           logger.With("component", "component-registry"),
		constructTimeout: 5 * time.Second,
		queueTimeout:     5 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterFactory registers a component type.
// Returns an error if the type is already registered for the kind.
func (r *Registry) RegisterFactory(reg Registration) error {
	if reg.Type == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterFactory", "type name validation")
	}
	if reg.Factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterFactory", "factory function validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byType, ok := r.factories[reg.Kind]
	if !ok {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterFactory", "kind validation")
	}
	if _, exists := byType[reg.Type]; exists {
		return errors.WrapInvalid(fmt.Errorf("%s type %q is already registered", reg.Kind, reg.Type),
			"Registry", "RegisterFactory", "duplicate factory check")
	}

	byType[reg.Type] = reg
	return nil
}

// Types returns the registered type names of a kind, sorted
func (r *Registry) Types(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.factories[kind]))
	for name := range r.factories[kind] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Registration returns the registration of a type
func (r *Registry) Registration(kind Kind, typeName string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.factories[kind][typeName]
	return reg, ok
}

// Create constructs the component declared by rec, starts its queue, applies
// its rights and approves it for framework calls.
func (r *Registry) Create(ctx context.Context, rec config.ComponentRecord) (*Instance, error) {
	kind, err := ParseKind(rec.Kind)
	if err != nil {
		return nil, err
	}
	if rec.ID == "" {
		return nil, errors.NewBroker("Registry", "Create", "component id is empty")
	}

	r.mu.RLock()
	reg, known := r.factories[kind][rec.Type]
	_, live := r.instances[rec.ID]
	r.mu.RUnlock()

	if !known {
		return nil, errors.NewBroker("Registry", "Create", fmt.Sprintf("unknown %s type %q", kind, rec.Type))
	}
	if live {
		return nil, errors.NewBroker("Registry", "Create", fmt.Sprintf("component %s already exists", rec.ID))
	}

	logger := r.logger.With("component_id", rec.ID, "type", rec.Type)
	deps := Dependencies{
		ID:       rec.ID,
		Name:     rec.Name,
		Settings: Properties(rec.Settings),
		Logger:   logger,
	}

	built, err := guard.Call(ctx, r.constructTimeout, func(context.Context) (any, error) {
		return reg.Factory(deps)
	})
	if err != nil {
		return nil, errors.WrapModule(err, rec.ID, "construct")
	}

	inst := &Instance{
		ID:       rec.ID,
		Kind:     kind,
		Type:     rec.Type,
		Name:     rec.Name,
		Settings: deps.Settings,
		logger:   logger,
	}
	switch kind {
	case KindModule:
		m, ok := built.(Module)
		if !ok {
			return nil, errors.WrapModule(fmt.Errorf("type %s does not implement Module", rec.Type), rec.ID, "construct")
		}
		inst.Module = m
	case KindControlInterface:
		ci, ok := built.(ControlInterface)
		if !ok {
			return nil, errors.WrapModule(
				fmt.Errorf("type %s does not implement ControlInterface", rec.Type), rec.ID, "construct")
		}
		inst.ControlInterface = ci
	}

	inst.queue = worker.NewFuncQueue(kind.String()+"."+rec.ID, worker.WithLogger[func()](logger))
	if err := inst.queue.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, errors.WrapBroker(err, "Registry", "Create", "start component queue")
	}

	r.mu.Lock()
	if _, exists := r.instances[rec.ID]; exists {
		r.mu.Unlock()
		_ = inst.queue.Stop(r.queueTimeout)
		return nil, errors.NewBroker("Registry", "Create", fmt.Sprintf("component %s already exists", rec.ID))
	}
	r.instances[rec.ID] = inst
	if err := r.rights.Set(rec.ID, rec.Rights); err != nil {
		delete(r.instances, rec.ID)
		r.mu.Unlock()
		_ = inst.queue.Stop(r.queueTimeout)
		return nil, err
	}
	r.approved[rec.ID] = struct{}{}
	count := r.countLocked(kind)
	r.mu.Unlock()

	r.metrics.SetComponents(kind.String(), count)
	logger.Debug("Component created", "kind", kind)
	return inst, nil
}

// Destroy unapproves a component, drains its queue and drops its rights
func (r *Registry) Destroy(id string) (*Instance, error) {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return nil, errors.NewBroker("Registry", "Destroy", fmt.Sprintf("unknown component %s", id))
	}
	delete(r.approved, id)
	delete(r.instances, id)
	r.rights.Remove(id)
	count := r.countLocked(inst.Kind)
	r.mu.Unlock()

	if err := inst.queue.Stop(r.queueTimeout); err != nil {
		inst.logger.Warn("Component queue did not drain", "error", err)
	}

	r.metrics.SetComponents(inst.Kind.String(), count)
	inst.logger.Debug("Component destroyed")
	return inst, nil
}

func (r *Registry) countLocked(kind Kind) int {
	n := 0
	for _, inst := range r.instances {
		if inst.Kind == kind {
			n++
		}
	}
	return n
}

// Instance returns a live component
func (r *Registry) Instance(id string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// Module returns a live module
func (r *Registry) Module(id string) (Module, bool) {
	inst, ok := r.Instance(id)
	if !ok || inst.Module == nil {
		return nil, false
	}
	return inst.Module, true
}

// ControlInterface returns a live control interface
func (r *Registry) ControlInterface(id string) (ControlInterface, bool) {
	inst, ok := r.Instance(id)
	if !ok || inst.ControlInterface == nil {
		return nil, false
	}
	return inst.ControlInterface, true
}

// IsApproved reports whether a component finished construction and is not torn down
func (r *Registry) IsApproved(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.approved[id]
	return ok
}

// Instances returns the live components of a kind ordered by id
func (r *Registry) Instances(kind Kind) []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		if inst.Kind == kind {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Submit runs task on the component's serial queue
func (r *Registry) Submit(id string, task func()) error {
	inst, ok := r.Instance(id)
	if !ok {
		return errors.NewBroker("Registry", "Submit", fmt.Sprintf("component %s has no queue", id))
	}
	if err := inst.queue.Submit(task); err != nil {
		return errors.WrapBroker(err, "Registry", "Submit", fmt.Sprintf("enqueue for %s", id))
	}
	return nil
}

// Reflect makes the live components of kind match the store: configured
// components that are not live are created, live components that are no
// longer configured are destroyed. A component that fails to construct is
// logged and skipped.
func (r *Registry) Reflect(ctx context.Context, store config.Store, kind Kind) (created, removed []*Instance, err error) {
	recs, err := store.Components(ctx)
	if err != nil {
		return nil, nil, errors.WrapDatabase(err, "Registry", "Reflect", "list components")
	}

	configured := make(map[string]bool, len(recs))
	for _, rec := range recs {
		if rec.Kind != kind.String() {
			continue
		}
		configured[rec.ID] = true
		if _, live := r.Instance(rec.ID); live {
			if err := r.rights.Set(rec.ID, rec.Rights); err != nil {
				return created, removed, err
			}
			continue
		}
		inst, err := r.Create(ctx, rec)
		if err != nil {
			r.logger.Error("Component not created", "component_id", rec.ID, "type", rec.Type, "error", err)
			continue
		}
		created = append(created, inst)
	}

	for _, inst := range r.Instances(kind) {
		if configured[inst.ID] {
			continue
		}
		if gone, err := r.Destroy(inst.ID); err == nil {
			removed = append(removed, gone)
		}
	}

	return created, removed, nil
}

// Close destroys every live component
func (r *Registry) Close() {
	for _, kind := range []Kind{KindModule, KindControlInterface} {
		for _, inst := range r.Instances(kind) {
			_, _ = r.Destroy(inst.ID)
		}
	}
}
