package expressions

import "context"

// Provider supplies values for application variables from an external source
// (process environment, static file, remote secret store). Implementations
// must be safe for concurrent use.
type Provider interface {
	// Get returns the value for key, or nil when this provider has no value.
	// Returning an error aborts resolution; returning nil falls through to
	// the next provider in the chain.
	Get(ctx context.Context, key string) (*string, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, key string) (*string, error)

// Get implements Provider.
func (f ProviderFunc) Get(ctx context.Context, key string) (*string, error) {
	return f(ctx, key)
}
