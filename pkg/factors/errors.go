package factors

import (
	"fmt"
)

// ErrorClass classifies core runtime errors for propagation policy: startup
// errors abort the process, per-event errors are surfaced to the trigger,
// and guest-visible errors are returned as structured codes.
type ErrorClass string

const (
	// ClassResolve indicates a bad manifest or content reference.
	ClassResolve ErrorClass = "resolve"

	// ClassConfig indicates bad or unused runtime configuration.
	ClassConfig ErrorClass = "config"

	// ClassAccessDenied indicates an allow-list violation. Returned to the
	// guest as a structured code, never as a trap.
	ClassAccessDenied ErrorClass = "access-denied"

	// ClassCapability indicates a backend failure inside a factor.
	ClassCapability ErrorClass = "capability"

	// ClassTrap indicates a guest trap (unreachable, OOB, fuel exhaustion).
	ClassTrap ErrorClass = "trap"

	// ClassTimeout indicates a deadline or cancellation.
	ClassTimeout ErrorClass = "timeout"
)

// Error is a classified runtime error with context.
type Error struct {
	// Class is the error classification.
	Class ErrorClass

	// Message is the human-readable error message.
	Message string

	// Factor is the owning factor's name, if applicable.
	Factor string

	// Component is the application component id, if applicable.
	Component string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var where string
	switch {
	case e.Factor != "" && e.Component != "":
		where = fmt.Sprintf(" (factor=%s, component=%s)", e.Factor, e.Component)
	case e.Factor != "":
		where = fmt.Sprintf(" (factor=%s)", e.Factor)
	case e.Component != "":
		where = fmt.Sprintf(" (component=%s)", e.Component)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s%s: %v", e.Class, e.Message, where, e.Err)
	}
	return fmt.Sprintf("[%s] %s%s", e.Class, e.Message, where)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Is matches errors by class.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// NewResolveError creates a manifest or content resolution error.
func NewResolveError(component string, err error) *Error {
	return &Error{Class: ClassResolve, Message: "component source unavailable", Component: component, Err: err}
}

// NewConfigError creates a configuration error.
func NewConfigError(message string, err error) *Error {
	return &Error{Class: ClassConfig, Message: message, Err: err}
}

// NewAccessDeniedError creates an allow-list violation error.
func NewAccessDeniedError(factor, component, message string) *Error {
	return &Error{Class: ClassAccessDenied, Message: message, Factor: factor, Component: component}
}

// NewCapabilityError creates a backend failure error.
func NewCapabilityError(factor, message string, err error) *Error {
	return &Error{Class: ClassCapability, Message: message, Factor: factor, Err: err}
}

// NewTrapError creates a guest trap error.
func NewTrapError(component string, err error) *Error {
	return &Error{Class: ClassTrap, Message: "guest trapped", Component: component, Err: err}
}

// NewTimeoutError creates a deadline/cancellation error.
func NewTimeoutError(component string, err error) *Error {
	return &Error{Class: ClassTimeout, Message: "deadline exceeded or cancelled", Component: component, Err: err}
}
