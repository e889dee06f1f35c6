package expressions

import "fmt"

// ErrorKind classifies variable resolution failures.
type ErrorKind string

const (
	// ErrInvalidTemplate indicates a malformed template or an expansion that
	// exceeded the recursion limit.
	ErrInvalidTemplate ErrorKind = "invalid-template"

	// ErrInvalidKey indicates a malformed variable name.
	ErrInvalidKey ErrorKind = "invalid-key"

	// ErrUndefined indicates a reference to a variable the application does
	// not declare.
	ErrUndefined ErrorKind = "undefined-variable"

	// ErrRequiredMissing indicates a required variable with no provider value.
	ErrRequiredMissing ErrorKind = "missing-required-variable"

	// ErrProvider indicates a provider backend failure.
	ErrProvider ErrorKind = "provider"
)

// Error is a classified variable resolution error.
type Error struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches errors by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}
