package storage

import (
	"github.com/xonfour/horizont-sub000/component"
	"github.com/xonfour/horizont-sub000/errors"
)

// BackendMemory is the name of the in-process backend
const BackendMemory = "memory"

// OpenerFunc builds the backend opener of one module from its settings
type OpenerFunc func(deps component.Dependencies) (Opener, error)

// Registration describes the storage module for a component registry. The
// setting "backend" selects one of backends; the memory backend is always
// available and the default.
func Registration(backends map[string]OpenerFunc) component.Registration {
	return component.Registration{
		Type:        Type,
		Kind:        component.KindModule,
		Description: "Hierarchical file storage served through a supplier port",
		Version:     "0.1.0",
		Factory: func(deps component.Dependencies) (any, error) {
			name := deps.Settings["backend"]
			if name == "" {
				name = BackendMemory
			}
			var open Opener
			if name == BackendMemory {
				open = MemoryOpener()
			} else {
				build, ok := backends[name]
				if !ok {
					return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Module", "Registration", "unknown backend "+name)
				}
				var err error
				if open, err = build(deps); err != nil {
					return nil, err
				}
			}
			return NewModule(deps, name, open)
		},
	}
}
