package testutil

import (
	"context"
	"sync"

	"github.com/xonfour/horizont-sub000/component"
)

// FakeControlInterface collects the events it subscribed to
type FakeControlInterface struct {
	Categories []component.Category

	mu        sync.Mutex
	framework component.ControlCalls
	events    []component.Event
	started   int
	stopped   int
	startErr  error
}

// NewFakeControlInterface creates a control interface listening to categories
func NewFakeControlInterface(categories ...component.Category) *FakeControlInterface {
	return &FakeControlInterface{Categories: categories}
}

// Factory returns a factory that hands out this instance
func (c *FakeControlInterface) Factory() component.Factory {
	return func(component.Dependencies) (any, error) { return c, nil }
}

// FailStartup makes Startup return err
func (c *FakeControlInterface) FailStartup(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startErr = err
}

// Startup registers the listener
func (c *FakeControlInterface) Startup(_ context.Context, calls component.ControlCalls) error {
	c.mu.Lock()
	c.framework = calls
	c.started++
	err := c.startErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if len(c.Categories) == 0 {
		return nil
	}
	return calls.AddListener(c, c.Categories...)
}

// Shutdown counts the call
func (c *FakeControlInterface) Shutdown(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped++
	return nil
}

// OnGeneralEvent records ev
func (c *FakeControlInterface) OnGeneralEvent(ev component.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

// Framework returns the ControlCalls handed to Startup
func (c *FakeControlInterface) Framework() component.ControlCalls {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.framework
}

// Events returns the events received so far
func (c *FakeControlInterface) Events() []component.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]component.Event(nil), c.events...)
}

// Lifecycle returns how often Startup and Shutdown ran
func (c *FakeControlInterface) Lifecycle() (started, stopped int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started, c.stopped
}
