package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xonfour/horizont-sub000/component"
	"github.com/xonfour/horizont-sub000/errors"
	"github.com/xonfour/horizont-sub000/event"
	"github.com/xonfour/horizont-sub000/pkg/guard"
)

// Phase is one step of a module's two-phase start or stop
type Phase int

// Lifecycle phases
const (
	PhaseEnterStartup Phase = iota
	PhaseExitStartup
	PhaseEnterShutdown
	PhaseExitShutdown
)

func (p Phase) String() string {
	switch p {
	case PhaseEnterStartup:
		return "enter_startup"
	case PhaseExitStartup:
		return "exit_startup"
	case PhaseEnterShutdown:
		return "enter_shutdown"
	case PhaseExitShutdown:
		return "exit_shutdown"
	default:
		return "unknown"
	}
}

// failure is the module event published when the phase fails
func (p Phase) failure() event.ModuleAction {
	if p == PhaseEnterStartup || p == PhaseExitStartup {
		return event.ModuleFailStart
	}
	return event.ModuleFailStop
}

// PhaseRunner calls one lifecycle phase of a module within timeout
type PhaseRunner interface {
	Phase(ctx context.Context, moduleID string, phase Phase, timeout time.Duration) error
}

// Call invokes the lifecycle method of m matching p
func (p Phase) Call(ctx context.Context, m component.Module) error {
	switch p {
	case PhaseEnterStartup:
		return m.EnterStartup(ctx)
	case PhaseExitStartup:
		return m.ExitStartup(ctx)
	case PhaseEnterShutdown:
		return m.EnterShutdown(ctx)
	case PhaseExitShutdown:
		return m.ExitShutdown(ctx)
	default:
		return fmt.Errorf("unknown phase %d", p)
	}
}

type moduleRunner struct {
	registry *component.Registry
}

func (r *moduleRunner) Phase(ctx context.Context, moduleID string, phase Phase, timeout time.Duration) error {
	m, ok := r.registry.Module(moduleID)
	if !ok {
		return errors.NewBroker("Broker", "Phase", fmt.Sprintf("unknown module %s", moduleID))
	}
	err := guard.Run(ctx, timeout, func(ctx context.Context) error {
		return phase.Call(ctx, m)
	})
	return errors.WrapModule(err, moduleID, phase.String())
}

// runPhases calls phase on every module not in skip, level by level. The
// modules of a level run concurrently and the level completes before the
// next starts. Returns skip extended by the modules that failed.
func (b *Broker) runPhases(ctx context.Context, levels [][]string, phase Phase, skip map[string]bool) map[string]bool {
	failed := make(map[string]bool, len(skip))
	for id := range skip {
		failed[id] = true
	}
	var mu sync.Mutex

	for _, level := range levels {
		var g errgroup.Group
		for _, id := range level {
			if skip[id] {
				continue
			}
			g.Go(func() error {
				err := b.runner.Phase(ctx, id, phase, b.lifecycleTimeout)
				if err == nil {
					return nil
				}
				if guard.IsTimeout(err) {
					b.metrics.RecordTimeout(phase.String())
				}
				b.logger.Warn("Module lifecycle phase failed", "module", id, "phase", phase, "error", err)
				b.publish(event.NewModuleUpdate(phase.failure(), id, component.KindModule, err.Error()))

				mu.Lock()
				failed[id] = true
				mu.Unlock()
				return nil
			})
		}
		// the barrier; phase failures are recorded, not returned
		_ = g.Wait()
	}
	return failed
}

// notify tells the module owning port about a connection change on the
// module's serial queue
func (b *Broker) notify(port component.PortID, connected bool) {
	if b.registry == nil {
		return
	}
	m, ok := b.registry.Module(port.Module)
	if !ok {
		return
	}
	listener, ok := m.(component.PortListener)
	if !ok {
		return
	}

	op := "on_port_disconnection"
	if connected {
		op = "on_port_connection"
	}
	timeout := b.callTimeout
	err := b.registry.Submit(port.Module, func() {
		err := guard.Run(context.Background(), timeout, func(ctx context.Context) error {
			if connected {
				listener.OnPortConnection(ctx, port)
			} else {
				listener.OnPortDisconnection(ctx, port)
			}
			return nil
		})
		if err == nil {
			return
		}
		if guard.IsTimeout(err) {
			b.metrics.RecordTimeout(op)
		}
		b.logger.Warn("Port notification failed", "port", port, "operation", op, "error", err)
		b.publish(event.NewModuleUpdate(event.ModuleFailRespond, port.Module, component.KindModule, err.Error()))
	})
	if err != nil {
		b.logger.Debug("Port notification dropped", "port", port, "operation", op, "error", err)
	}
}

// StartOrder returns the live modules so that every supplier precedes the
// consumers connected or waiting to connect to it. Modules in a dependency
// cycle follow in id order.
func (b *Broker) StartOrder() []string {
	var out []string
	for _, level := range b.startLevels() {
		out = append(out, level...)
	}
	return out
}

// startLevels groups the live modules into Kahn levels: a module's
// suppliers all sit in earlier levels
func (b *Broker) startLevels() [][]string {
	var modules []string
	if b.registry != nil {
		for _, inst := range b.registry.Instances(component.KindModule) {
			modules = append(modules, inst.ID)
		}
	}

	live := make(map[string]bool, len(modules))
	for _, id := range modules {
		live[id] = true
	}

	// edges supplier -> consumer
	edges := make(map[string]map[string]bool)
	indegree := make(map[string]int, len(modules))
	b.dataMu.RLock()
	for _, set := range []map[component.ConnectionKey]*tuple{b.connected, b.disconnected} {
		for key := range set {
			s, c := key.Supplier.Module, key.Consumer.Module
			if s == c || !live[s] || !live[c] {
				continue
			}
			if edges[s] == nil {
				edges[s] = make(map[string]bool)
			}
			if !edges[s][c] {
				edges[s][c] = true
				indegree[c]++
			}
		}
	}
	b.dataMu.RUnlock()

	var levels [][]string
	placed := make(map[string]bool, len(modules))
	var current []string
	for _, id := range modules {
		if indegree[id] == 0 {
			current = append(current, id)
		}
	}
	for len(current) > 0 {
		sort.Strings(current)
		levels = append(levels, current)
		var next []string
		for _, s := range current {
			placed[s] = true
			for c := range edges[s] {
				indegree[c]--
				if indegree[c] == 0 {
					next = append(next, c)
				}
			}
		}
		current = next
	}

	var cyclic []string
	for _, id := range modules {
		if !placed[id] {
			cyclic = append(cyclic, id)
		}
	}
	if len(cyclic) > 0 {
		b.logger.Warn("Module dependency cycle, starting remaining modules by id", "modules", cyclic)
		for _, id := range cyclic {
			levels = append(levels, []string{id})
		}
	}
	return levels
}

func countLevels(levels [][]string) int {
	n := 0
	for _, l := range levels {
		n += len(l)
	}
	return n
}
