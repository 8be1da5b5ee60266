// Package errors provides standardized error handling for the Horizont core.
//
// # Classification
//
// Errors are classified as Transient (retry may succeed), Invalid (bad input,
// do not retry) or Fatal (stop processing). Classification survives wrapping
// and works with errors.Is / errors.As.
//
// # Framework families
//
// Everything crossing the broker or a dispatcher belongs to one family:
//
//   - ErrUnauthorized: a rights check failed (*AuthorizationError)
//   - ErrWrongState: a state machine forbids the call (*WrongStateError)
//   - ErrBroker: invalid arguments, unknown ids, internal inconsistency
//   - ErrModule: a peer module failed or misbehaved (*ModuleError)
//   - ErrDatabase: the configuration store failed
//
// Declined admissions are not errors; the broker reports them as false.
//
// # Wrapping Pattern
//
// All wrapping follows "Component.Method: action failed: cause":
//
//	if err := store.PutConnection(ctx, rec); err != nil {
//	    return errors.WrapDatabase(err, "Broker", "AddConnection", "persist connection")
//	}
package errors
