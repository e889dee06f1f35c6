package app

import (
	"encoding/json"
	"fmt"
)

// GetMetadata decodes a typed value from a component's metadata table.
// A missing key returns (nil, nil); a present but malformed value returns an
// error.
func GetMetadata[T any](c *Component, key string) (*T, error) {
	raw, ok := c.Metadata[key]
	if !ok || raw == nil {
		return nil, nil
	}
	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("component %q metadata %q is malformed: %w", c.ID, key, err)
	}
	return &value, nil
}

// GetAppMetadata decodes a typed value from the application metadata.
// A missing key returns (nil, nil).
func GetAppMetadata[T any](a *App, key string) (*T, error) {
	raw := a.Metadata(key)
	if raw == nil {
		return nil, nil
	}
	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("application metadata %q is malformed: %w", key, err)
	}
	return &value, nil
}
