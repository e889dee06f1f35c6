package kv

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	mgr := NewMemoryStoreManager()
	store, err := mgr.Get(ctx, "default")
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Set(ctx, "a", []byte("one")); err != nil {
		t.Fatal(err)
	}
	value, ok, err := store.Get(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("Get after Set: value=%q ok=%v err=%v", value, ok, err)
	}
	if !bytes.Equal(value, []byte("one")) {
		t.Errorf("got %q, want %q", value, "one")
	}

	// Replacing an existing key succeeds.
	if err := store.Set(ctx, "a", []byte("two")); err != nil {
		t.Fatal(err)
	}
	value, _, _ = store.Get(ctx, "a")
	if !bytes.Equal(value, []byte("two")) {
		t.Errorf("got %q after overwrite, want %q", value, "two")
	}

	exists, err := store.Exists(ctx, "a")
	if err != nil || !exists {
		t.Errorf("Exists(a) = %v, %v", exists, err)
	}

	if err := store.Delete(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := store.Get(ctx, "a"); ok {
		t.Error("key still present after Delete")
	}
	// Deleting an absent key is not an error.
	if err := store.Delete(ctx, "a"); err != nil {
		t.Errorf("Delete of absent key: %v", err)
	}
}

func TestMemoryStoreGetKeys(t *testing.T) {
	ctx := context.Background()
	mgr := NewMemoryStoreManager()
	store, _ := mgr.Get(ctx, "default")

	for _, k := range []string{"x", "y", "z"} {
		if err := store.Set(ctx, k, []byte(k)); err != nil {
			t.Fatal(err)
		}
	}
	keys, err := store.GetKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 3 {
		t.Errorf("GetKeys returned %d keys, want 3", len(keys))
	}
}

func TestMemoryStoresAreIsolatedByLabel(t *testing.T) {
	ctx := context.Background()
	mgr := NewMemoryStoreManager()
	a, _ := mgr.Get(ctx, "a")
	b, _ := mgr.Get(ctx, "b")

	if err := a.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := b.Get(ctx, "k"); ok {
		t.Error("label b observed a write made to label a")
	}
}

func TestDelegatingStoreManagerRouting(t *testing.T) {
	ctx := context.Background()
	configured := NewMemoryStoreManager()
	fallback := NewMemoryStoreManager()

	d := NewDelegatingStoreManager(
		map[string]StoreManager{"special": configured},
		func(label string) StoreManager {
			if label == "default" {
				return fallback
			}
			return nil
		},
	)

	if _, err := d.Get(ctx, "special"); err != nil {
		t.Errorf("configured label: %v", err)
	}
	if _, err := d.Get(ctx, "default"); err != nil {
		t.Errorf("default label: %v", err)
	}
	_, err := d.Get(ctx, "unknown")
	if !errors.Is(err, &StoreError{Kind: ErrNoSuchStore}) {
		t.Errorf("unknown label: got %v, want no-such-store", err)
	}
}

// countingStore records backend reads so the cache hit path is observable.
type countingStore struct {
	Store
	gets int
}

func (c *countingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.gets++
	return c.Store.Get(ctx, key)
}

type singleStoreManager struct{ store Store }

func (m *singleStoreManager) Get(context.Context, string) (Store, error) { return m.store, nil }
func (m *singleStoreManager) Summary(string) string                      { return "test store" }

func TestCachingStoreServesRepeatReadsFromCache(t *testing.T) {
	ctx := context.Background()
	backing, _ := NewMemoryStoreManager().Get(ctx, "default")
	counting := &countingStore{Store: backing}
	mgr := NewCachingStoreManager(&singleStoreManager{store: counting}, 8)

	store, err := mgr.Get(ctx, "default")
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		value, ok, err := store.Get(ctx, "k")
		if err != nil || !ok || !bytes.Equal(value, []byte("v")) {
			t.Fatalf("Get: value=%q ok=%v err=%v", value, ok, err)
		}
	}
	if counting.gets != 0 {
		t.Errorf("backend saw %d reads, want 0 (set populated the cache)", counting.gets)
	}
}

func TestCachingStoreCachesAbsence(t *testing.T) {
	ctx := context.Background()
	backing, _ := NewMemoryStoreManager().Get(ctx, "default")
	counting := &countingStore{Store: backing}
	mgr := NewCachingStoreManager(&singleStoreManager{store: counting}, 8)
	store, _ := mgr.Get(ctx, "default")

	for i := 0; i < 3; i++ {
		if _, ok, err := store.Get(ctx, "missing"); ok || err != nil {
			t.Fatalf("Get(missing): ok=%v err=%v", ok, err)
		}
	}
	if counting.gets != 1 {
		t.Errorf("backend saw %d reads, want 1 (absence is cached)", counting.gets)
	}

	if err := store.Delete(ctx, "k2"); err != nil {
		t.Fatal(err)
	}
	if exists, _ := store.Exists(ctx, "k2"); exists {
		t.Error("deleted key reported as existing")
	}
}

func TestCachingStoreWritesThrough(t *testing.T) {
	ctx := context.Background()
	backing, _ := NewMemoryStoreManager().Get(ctx, "default")
	mgr := NewCachingStoreManager(&singleStoreManager{store: backing}, 8)
	store, _ := mgr.Get(ctx, "default")

	if err := store.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	// The write must be visible on the backend, not only in the cache.
	value, ok, err := backing.Get(ctx, "k")
	if err != nil || !ok || !bytes.Equal(value, []byte("v")) {
		t.Fatalf("backend Get: value=%q ok=%v err=%v", value, ok, err)
	}

	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := backing.Get(ctx, "k"); ok {
		t.Error("delete did not reach the backend")
	}
}

func TestCachingStoreManagerConcurrentGetAndUse(t *testing.T) {
	ctx := context.Background()
	backing, _ := NewMemoryStoreManager().Get(ctx, "default")
	mgr := NewCachingStoreManager(&singleStoreManager{store: backing}, 8)

	store, err := mgr.Get(ctx, "default")
	if err != nil {
		t.Fatal(err)
	}
	if again, _ := mgr.Get(ctx, "default"); again != store {
		t.Fatal("repeat Get resolved the label to a different store")
	}

	// Resolving the label must not race with operations on the store.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			if _, err := mgr.Get(ctx, "default"); err != nil {
				t.Error(err)
				return
			}
		}
	}()
	for i := 0; i < 200; i++ {
		if err := store.Set(ctx, "k", []byte("v")); err != nil {
			t.Fatal(err)
		}
		if _, _, err := store.Get(ctx, "k"); err != nil {
			t.Fatal(err)
		}
	}
	<-done
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	mgr, err := NewSQLiteStoreManager(t.TempDir() + "/kv.db")
	if err != nil {
		t.Fatal(err)
	}
	defer mgr.Close()

	store, err := mgr.Get(ctx, "default")
	if err != nil {
		t.Fatal(err)
	}
	other, err := mgr.Get(ctx, "other")
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Set(ctx, "a", []byte{0x00, 0x01, 0xff}); err != nil {
		t.Fatal(err)
	}
	value, ok, err := store.Get(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(value, []byte{0x00, 0x01, 0xff}) {
		t.Errorf("got %v", value)
	}

	// Labels share the file but not the data.
	if _, ok, _ := other.Get(ctx, "a"); ok {
		t.Error("label isolation violated")
	}

	if err := store.Delete(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if exists, _ := store.Exists(ctx, "a"); exists {
		t.Error("key still exists after Delete")
	}
}

func TestStoreErrorMatching(t *testing.T) {
	err := &StoreError{Kind: ErrNoSuchStore, Detail: "nope"}
	if !errors.Is(err, &StoreError{Kind: ErrNoSuchStore}) {
		t.Error("errors.Is should match by kind")
	}
	if errors.Is(err, &StoreError{Kind: ErrAccessDenied}) {
		t.Error("errors.Is must not match across kinds")
	}
}
