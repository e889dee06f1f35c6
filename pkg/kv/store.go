// Package kv implements the key-value capability: the store contract, the
// label-routing delegator, the read cache, and the concrete backends
// (in-memory, SQLite file, Redis).
package kv

import (
	"context"
	"fmt"
)

// ErrorKind classifies key-value failures with the codes guests observe.
type ErrorKind string

const (
	// ErrNoSuchStore indicates an unknown store label.
	ErrNoSuchStore ErrorKind = "no-such-store"

	// ErrAccessDenied indicates a label outside the component's allow-list.
	ErrAccessDenied ErrorKind = "access-denied"

	// ErrInvalidStore indicates a closed or never-opened store handle.
	ErrInvalidStore ErrorKind = "invalid-store"

	// ErrStoreTableFull indicates the per-instance store table is at capacity.
	ErrStoreTableFull ErrorKind = "store-table-full"

	// ErrNoSuchKey indicates a missing key (legacy interface only).
	ErrNoSuchKey ErrorKind = "no-such-key"

	// ErrIO indicates a backend failure.
	ErrIO ErrorKind = "io"
)

// StoreError is a classified key-value error.
type StoreError struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	return string(e.Kind)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is matches errors by kind.
func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// IOError wraps a backend failure.
func IOError(err error) *StoreError {
	return &StoreError{Kind: ErrIO, Detail: "backend failure", Err: err}
}

// Store is one open key-value store.
type Store interface {
	// Get returns the value for key. The second result is false when the key
	// is absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key, replacing any existing value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// GetKeys returns every key in the store.
	GetKeys(ctx context.Context) ([]string, error)
}

// StoreManager opens stores by label. Managers are application-scoped and
// safe for concurrent use; stores are cheap handles onto shared backends.
type StoreManager interface {
	// Get opens the store for label, or fails with no-such-store.
	Get(ctx context.Context, label string) (Store, error)

	// Summary describes the backend serving label, for startup logging.
	Summary(label string) string
}
