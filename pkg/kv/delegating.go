package kv

import "context"

// DelegatingStoreManager routes store labels to backend-specific managers.
// Labels with an explicit runtime config entry get their configured manager;
// everything else falls through to the default factory, which may refuse the
// label.
type DelegatingStoreManager struct {
	managers       map[string]StoreManager
	defaultManager func(label string) StoreManager
}

// NewDelegatingStoreManager builds a router over per-label managers.
// defaultManager may be nil or return nil to make unconfigured labels fail
// with no-such-store.
func NewDelegatingStoreManager(managers map[string]StoreManager, defaultManager func(label string) StoreManager) *DelegatingStoreManager {
	if managers == nil {
		managers = make(map[string]StoreManager)
	}
	return &DelegatingStoreManager{managers: managers, defaultManager: defaultManager}
}

func (d *DelegatingStoreManager) manager(label string) StoreManager {
	if m, ok := d.managers[label]; ok {
		return m
	}
	if d.defaultManager != nil {
		return d.defaultManager(label)
	}
	return nil
}

// Get implements StoreManager.
func (d *DelegatingStoreManager) Get(ctx context.Context, label string) (Store, error) {
	m := d.manager(label)
	if m == nil {
		return nil, &StoreError{Kind: ErrNoSuchStore, Detail: label}
	}
	return m.Get(ctx, label)
}

// Summary implements StoreManager.
func (d *DelegatingStoreManager) Summary(label string) string {
	m := d.manager(label)
	if m == nil {
		return "unconfigured"
	}
	return m.Summary(label)
}
