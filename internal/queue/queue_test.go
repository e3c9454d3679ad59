package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/10yihang/pwarelay/internal/cache"
	"github.com/10yihang/pwarelay/internal/engine/memory"
	"github.com/10yihang/pwarelay/internal/envelope"
	"github.com/10yihang/pwarelay/pkg/errors"
)

func newTestQueue(t *testing.T) (*Queue, *cache.Store) {
	t.Helper()
	eng := memory.NewStore()
	t.Cleanup(func() { eng.Close() })

	origin, _ := url.Parse("http://app.test")
	store := cache.NewStore(eng, nil, cache.Config{Prefix: "pwa", Version: "v1", Origin: origin})
	q := New(store, origin)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var n int
	q.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
	return q, store
}

func queuedKeys(t *testing.T, q *Queue, store *cache.Store) []string {
	t.Helper()
	var keys []string
	for k, err := range store.ListKeys(context.Background(), store.Partitions().Dynamic, q.Prefix()) {
		if err != nil {
			t.Fatal(err)
		}
		keys = append(keys, k)
	}
	return keys
}

func TestEnqueueRejectsMissingID(t *testing.T) {
	q, store := newTestQueue(t)

	err := q.Enqueue(context.Background(), Action{Type: envelope.KindMessage})
	if !stderrors.Is(err, errors.ErrMissingID) {
		t.Fatalf("Enqueue = %v, want ErrMissingID", err)
	}
	if keys := queuedKeys(t, q, store); len(keys) != 0 {
		t.Errorf("queue has %v, want empty", keys)
	}
}

func TestEnqueueStoresUnderReservedPrefix(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, Action{ID: "a/1", Payload: json.RawMessage(`{"text":"hi"}`)}); err != nil {
		t.Fatal(err)
	}

	keys := queuedKeys(t, q, store)
	if len(keys) != 1 {
		t.Fatalf("keys = %v, want 1", keys)
	}
	if keys[0] != "http://app.test/__offline__/actions/a%2F1" {
		t.Errorf("key = %s", keys[0])
	}

	rec, err := store.Get(ctx, store.Partitions().Dynamic, keys[0])
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != 200 || rec.Header.Get("Content-Type") != "application/json" {
		t.Errorf("queued record looks like %d %v, want a JSON response", rec.Status, rec.Header)
	}

	actions, _ := q.List(ctx)
	if actions[0].Type != envelope.KindMessage {
		t.Errorf("default type = %v, want message", actions[0].Type)
	}
}

func TestEnqueuedActionStaysUntilReplayed(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, Action{ID: "a1", Type: envelope.KindMessage})

	for i := 0; i < 3; i++ {
		if _, err := q.Drain(ctx, func(context.Context, Action) error {
			return errors.ErrNotDelivered
		}); err != nil {
			t.Fatal(err)
		}
		n, _ := q.Len(ctx)
		if n != 1 {
			t.Fatalf("after failed drain %d: len = %d, want 1", i, n)
		}
	}
}

func TestDrainIsolatesFailures(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"a1", "a2", "a3", "a4"} {
		q.Enqueue(ctx, Action{ID: id, Type: envelope.KindMessage})
	}

	var order []string
	res, err := q.Drain(ctx, func(_ context.Context, a Action) error {
		order = append(order, a.ID)
		if a.ID == "a3" {
			return stderrors.New("backend rejected")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(order) != 4 {
		t.Errorf("consumed %v, want all four", order)
	}
	if len(res.Replayed) != 3 || len(res.Failed) != 1 || res.Failed[0] != "a3" {
		t.Errorf("result = %+v", res)
	}

	left, _ := q.List(ctx)
	if len(left) != 1 || left[0].ID != "a3" {
		t.Errorf("queue after drain = %v, want only a3", left)
	}
}

func TestDrainOrderIsChronological(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"zeta", "alpha", "mid"} {
		q.Enqueue(ctx, Action{ID: id})
	}

	var order []string
	q.Drain(ctx, func(_ context.Context, a Action) error {
		order = append(order, a.ID)
		return nil
	})

	want := []string{"zeta", "alpha", "mid"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestDrainTwiceHasNoDuplicates(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, Action{ID: "a1"})
	q.Enqueue(ctx, Action{ID: "a2"})

	calls := 0
	consume := func(context.Context, Action) error {
		calls++
		return nil
	}
	q.Drain(ctx, consume)
	q.Drain(ctx, consume)

	if calls != 2 {
		t.Errorf("consume called %d times, want 2", calls)
	}
}

func TestConcurrentDrainsDoNotDoubleReplay(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"a1", "a2", "a3"} {
		q.Enqueue(ctx, Action{ID: id})
	}

	var mu sync.Mutex
	seen := map[string]int{}
	consume := func(_ context.Context, a Action) error {
		mu.Lock()
		seen[a.ID]++
		mu.Unlock()
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Drain(ctx, consume)
		}()
	}
	wg.Wait()

	for id, n := range seen {
		if n != 1 {
			t.Errorf("%s replayed %d times, want 1", id, n)
		}
	}
}

func TestReplaySucceedsThenQueueEmpty(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, Action{ID: "a1"})
	q.Drain(ctx, func(context.Context, Action) error { return nil })

	if keys := queuedKeys(t, q, store); len(keys) != 0 {
		t.Errorf("ListKeys after drain = %v, want empty", keys)
	}
}

func TestMalformedRecordIsSkipped(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()

	store.Put(ctx, store.Partitions().Dynamic, q.KeyFor("junk"), &cache.Record{Status: 200, Body: []byte("not json")})
	q.Enqueue(ctx, Action{ID: "ok"})

	actions, err := q.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 1 || actions[0].ID != "ok" {
		t.Errorf("List = %v, want only ok", actions)
	}
}
