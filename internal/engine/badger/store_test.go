package badger

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/10yihang/pwarelay/pkg/errors"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(t.TempDir(), DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_PutGet(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "static-v1", "http://x/index.html", []byte("<html>")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	val, err := store.Get(ctx, "static-v1", "http://x/index.html")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(val) != "<html>" {
		t.Errorf("Value mismatch: got %q, want <html>", val)
	}

	_, err = store.Get(ctx, "dynamic-v1", "http://x/index.html")
	if !stderrors.Is(err, errors.ErrKeyNotFound) {
		t.Errorf("Get from other partition: got %v, want ErrKeyNotFound", err)
	}
}

func TestStore_Delete(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	store.Put(ctx, "p", "key1", []byte("val"))

	if err := store.Delete(ctx, "p", "key1"); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, "p", "never-existed"); err != nil {
		t.Errorf("Delete of missing key: %v", err)
	}

	if _, err := store.Get(ctx, "p", "key1"); !stderrors.Is(err, errors.ErrKeyNotFound) {
		t.Error("key1 should be deleted")
	}
}

func TestStore_ScanPrefix(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		store.Put(ctx, "dyn", fmt.Sprintf("queue/%d", i), []byte("val"))
	}
	store.Put(ctx, "dyn", "http://x/api/items", []byte("val"))
	store.Put(ctx, "dynx", "queue/9", []byte("val"))

	var keys []string
	for k, err := range store.Scan(ctx, "dyn", "queue/") {
		if err != nil {
			t.Fatal(err)
		}
		keys = append(keys, k)
	}

	if len(keys) != 5 {
		t.Fatalf("Scan len mismatch: got %d (%v), want 5", len(keys), keys)
	}
	if keys[0] != "queue/0" {
		t.Errorf("first key = %q, want queue/0", keys[0])
	}
}

func TestStore_ScanDeleteWhileIterating(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		store.Put(ctx, "dyn", fmt.Sprintf("q/%d", i), []byte("v"))
	}

	for k, err := range store.Scan(ctx, "dyn", "q/") {
		if err != nil {
			t.Fatal(err)
		}
		if err := store.Delete(ctx, "dyn", k); err != nil {
			t.Fatalf("Delete %s: %v", k, err)
		}
	}

	count := 0
	for range store.Scan(ctx, "dyn", "q/") {
		count++
	}
	if count != 0 {
		t.Errorf("keys left after delete loop: %d, want 0", count)
	}
}

func TestStore_PartitionsAndDrop(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	store.Put(ctx, "app-static-v1", "a", []byte("1"))
	store.Put(ctx, "app-static-v1", "b", []byte("1"))
	store.Put(ctx, "app-dynamic-v1", "a", []byte("1"))
	store.Put(ctx, "app-static-v2", "a", []byte("1"))

	names, err := store.Partitions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"app-dynamic-v1", "app-static-v1", "app-static-v2"}
	if fmt.Sprint(names) != fmt.Sprint(want) {
		t.Errorf("Partitions = %v, want %v", names, want)
	}

	if err := store.DropPartition(ctx, "app-static-v1"); err != nil {
		t.Fatal(err)
	}
	names, _ = store.Partitions(ctx)
	want = []string{"app-dynamic-v1", "app-static-v2"}
	if fmt.Sprint(names) != fmt.Sprint(want) {
		t.Errorf("Partitions after drop = %v, want %v", names, want)
	}
}

func TestStore_Reopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewStore(dir, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	store.Put(ctx, "dyn", "q/a1", []byte("queued"))
	store.Close()

	store, err = NewStore(dir, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	val, err := store.Get(ctx, "dyn", "q/a1")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(val) != "queued" {
		t.Errorf("Value after reopen = %q, want queued", val)
	}
}
