package errors

import (
	"errors"
	"fmt"
)

// Framework error families. Every error produced by the broker, the
// dispatchers and the registries matches exactly one of these with errors.Is.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrWrongState   = errors.New("wrong state")
	ErrBroker       = errors.New("broker error")
	ErrModule       = errors.New("module error")
	ErrDatabase     = errors.New("database error")
)

// Machine names the state machine that rejected a call.
type Machine string

// State machines checked by the core
const (
	MachineSystem           Machine = "system"
	MachineBroker           Machine = "broker"
	MachineModule           Machine = "module"
	MachineControlInterface Machine = "control-interface"
)

// AuthorizationError reports a failed rights check.
type AuthorizationError struct {
	ComponentID string
	Operation   string
	// Missing holds the required bits the component does not have.
	Missing int
	// Names is a human readable rendering of Missing.
	Names []string
}

func (e *AuthorizationError) Error() string {
	if e.ComponentID == "" {
		return fmt.Sprintf("%s: unauthorized: unknown component", e.Operation)
	}
	return fmt.Sprintf("%s: component %q unauthorized, missing rights %v", e.Operation, e.ComponentID, e.Names)
}

// Is matches ErrUnauthorized.
func (e *AuthorizationError) Is(target error) bool { return target == ErrUnauthorized }

// WrongStateError reports that a state machine forbids the call.
type WrongStateError struct {
	Machine   Machine
	State     string
	Operation string
}

func (e *WrongStateError) Error() string {
	return fmt.Sprintf("%s: not allowed while %s is %s", e.Operation, e.Machine, e.State)
}

// Is matches ErrWrongState.
func (e *WrongStateError) Is(target error) bool { return target == ErrWrongState }

// NewWrongState returns a WrongStateError.
func NewWrongState(machine Machine, state fmt.Stringer, operation string) error {
	return &WrongStateError{Machine: machine, State: state.String(), Operation: operation}
}

// ModuleError wraps a failure raised by a peer module.
type ModuleError struct {
	ModuleID  string
	Operation string
	Err       error
}

func (e *ModuleError) Error() string {
	return fmt.Sprintf("module %q: %s failed: %v", e.ModuleID, e.Operation, e.Err)
}

// Unwrap returns the peer's error.
func (e *ModuleError) Unwrap() error { return e.Err }

// Is matches ErrModule.
func (e *ModuleError) Is(target error) bool { return target == ErrModule }

// WrapModule wraps a peer failure. Errors that already belong to a framework
// family are returned unchanged so callers see one error family.
func WrapModule(err error, moduleID, operation string) error {
	if err == nil {
		return nil
	}
	if IsFramework(err) {
		return err
	}
	return &ModuleError{ModuleID: moduleID, Operation: operation, Err: err}
}

// NewBroker returns an invalid-class error in the broker family.
func NewBroker(component, method, message string) error {
	return newClassified(ErrorInvalid, ErrBroker, component, method,
		fmt.Sprintf("%s.%s: %s", component, method, message))
}

// WrapBroker wraps err into the broker family.
func WrapBroker(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return WrapInvalid(fmt.Errorf("%w: %w", ErrBroker, err), component, method, action)
}

// WrapDatabase wraps a configuration store failure.
func WrapDatabase(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return WrapTransient(fmt.Errorf("%w: %w", ErrDatabase, err), component, method, action)
}

// IsFramework reports whether err belongs to one of the framework families.
func IsFramework(err error) bool {
	return errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrWrongState) ||
		errors.Is(err, ErrBroker) ||
		errors.Is(err, ErrModule) ||
		errors.Is(err, ErrDatabase)
}
