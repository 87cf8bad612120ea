package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rickgao/syncline/internal/connectivity"
	"github.com/rickgao/syncline/internal/store/memory"
)

// fakeOnline is a settable OnlineChecker.
type fakeOnline struct {
	v atomic.Bool
}

func newFakeOnline(online bool) *fakeOnline {
	f := &fakeOnline{}
	f.v.Store(online)
	return f
}

func (f *fakeOnline) IsOnline() bool   { return f.v.Load() }
func (f *fakeOnline) set(online bool) { f.v.Store(online) }

// newTestQueue builds a queue with deterministic ids and timestamps.
func newTestQueue(t *testing.T, cfg Config, online OnlineChecker) (*Queue, *memory.Store) {
	t.Helper()
	st := memory.NewStore()
	q, err := New(cfg, st, online, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	var seq int
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q.newID = func() string {
		seq++
		return fmt.Sprintf("req-%d", seq)
	}
	q.now = func() time.Time {
		return base.Add(time.Duration(seq) * time.Second)
	}
	return q, st
}

func post(path string, p Priority) Request {
	return Request{Method: http.MethodPost, Path: path, Body: []byte(`{}`), Priority: p}
}

func ids(items []QueuedRequest) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{Capacity: 0, MaxRetries: 3, StorageKey: "k"}, memory.NewStore(), newFakeOnline(true), nil, nil)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestEnqueue_RejectsGet(t *testing.T) {
	q, _ := newTestQueue(t, DefaultConfig(), newFakeOnline(false))

	_, err := q.Enqueue(context.Background(), Request{Method: http.MethodGet, Path: "/trips"})
	if !errors.Is(err, ErrNotQueueable) {
		t.Errorf("err = %v, want ErrNotQueueable", err)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
}

func TestEnqueue_StripsAuthorizationAndPersists(t *testing.T) {
	q, st := newTestQueue(t, DefaultConfig(), newFakeOnline(false))

	h := http.Header{}
	h.Set("Authorization", "Bearer old")
	h.Set("X-Idempotency-Key", "abc")

	id, err := q.Enqueue(context.Background(), Request{Method: "patch", Path: "/wallets/1", Header: h})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if id != "req-1" {
		t.Errorf("id = %q, want req-1", id)
	}

	items := q.List()
	if items[0].Method != http.MethodPatch {
		t.Errorf("Method = %q, want PATCH", items[0].Method)
	}
	if items[0].Header.Get("Authorization") != "" {
		t.Error("Authorization header was queued")
	}
	if items[0].Header.Get("X-Idempotency-Key") != "abc" {
		t.Error("non-credential header was lost")
	}
	if items[0].RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", items[0].RetryCount)
	}

	raw, ok, _ := st.Get(context.Background(), DefaultConfig().StorageKey)
	if !ok {
		t.Fatal("queue was not persisted")
	}
	var persisted []QueuedRequest
	if err := json.Unmarshal(raw, &persisted); err != nil {
		t.Fatalf("decode persisted: %v", err)
	}
	if len(persisted) != 1 || persisted[0].ID != "req-1" {
		t.Errorf("persisted = %+v", persisted)
	}
}

func TestEnqueue_HighPriorityFirst(t *testing.T) {
	q, _ := newTestQueue(t, DefaultConfig(), newFakeOnline(false))
	ctx := context.Background()

	q.Enqueue(ctx, post("/a", PriorityNormal)) // req-1
	q.Enqueue(ctx, post("/b", PriorityLow))    // req-2
	q.Enqueue(ctx, post("/c", PriorityHigh))   // req-3
	q.Enqueue(ctx, post("/d", PriorityNormal)) // req-4
	q.Enqueue(ctx, post("/e", PriorityHigh))   // req-5

	want := []string{"req-3", "req-5", "req-1", "req-2", "req-4"}
	if got := ids(q.List()); !equalStrings(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestEnqueue_CapacityEvictsOldestLow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capacity = 3
	q, _ := newTestQueue(t, cfg, newFakeOnline(false))
	ctx := context.Background()

	q.Enqueue(ctx, post("/1", PriorityNormal)) // req-1
	q.Enqueue(ctx, post("/2", PriorityLow))    // req-2
	q.Enqueue(ctx, post("/3", PriorityLow))    // req-3
	q.Enqueue(ctx, post("/4", PriorityHigh))   // req-4 evicts req-2

	want := []string{"req-4", "req-1", "req-3"}
	if got := ids(q.List()); !equalStrings(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestEnqueue_CapacityEvictsOldestWithoutLow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capacity = 3
	q, _ := newTestQueue(t, cfg, newFakeOnline(false))
	ctx := context.Background()

	q.Enqueue(ctx, post("/1", PriorityNormal)) // req-1
	q.Enqueue(ctx, post("/2", PriorityHigh))   // req-2
	q.Enqueue(ctx, post("/3", PriorityNormal)) // req-3
	q.Enqueue(ctx, post("/4", PriorityNormal)) // req-4 evicts req-1 (oldest)

	want := []string{"req-2", "req-3", "req-4"}
	if got := ids(q.List()); !equalStrings(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestEnqueue_NeverExceedsCapacity(t *testing.T) {
	q, _ := newTestQueue(t, DefaultConfig(), newFakeOnline(false))
	ctx := context.Background()

	priorities := []Priority{PriorityNormal, PriorityLow, PriorityHigh}
	for i := 0; i < 200; i++ {
		p := priorities[i%len(priorities)]
		beforeLow := countPriority(q.List(), PriorityLow)
		full := q.Len() == 50

		if _, err := q.Enqueue(ctx, post(fmt.Sprintf("/%d", i), p)); err != nil {
			t.Fatalf("Enqueue %d failed: %v", i, err)
		}
		if q.Len() > 50 {
			t.Fatalf("Len() = %d after %d enqueues, exceeds capacity", q.Len(), i+1)
		}

		// When full and a LOW item existed, a LOW item must be the victim.
		if full && beforeLow > 0 {
			afterLow := countPriority(q.List(), PriorityLow)
			wantLow := beforeLow - 1
			if p == PriorityLow {
				wantLow++
			}
			if afterLow != wantLow {
				t.Fatalf("enqueue %d: LOW count = %d, want %d", i, afterLow, wantLow)
			}
		}
	}
}

func countPriority(items []QueuedRequest, p Priority) int {
	n := 0
	for _, it := range items {
		if it.Priority == p {
			n++
		}
	}
	return n
}

func TestDrain_SkipConditions(t *testing.T) {
	online := newFakeOnline(false)
	q, _ := newTestQueue(t, DefaultConfig(), online)
	ctx := context.Background()
	q.Enqueue(ctx, post("/a", PriorityNormal))

	if res := q.Drain(ctx); res.Skipped != SkipNoExecutor {
		t.Errorf("Skipped = %q, want %q", res.Skipped, SkipNoExecutor)
	}

	q.SetExecutor(func(context.Context, QueuedRequest) error { return nil })
	if res := q.Drain(ctx); res.Skipped != SkipOffline {
		t.Errorf("Skipped = %q, want %q", res.Skipped, SkipOffline)
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}
}

func TestDrain_AlreadyDraining(t *testing.T) {
	q, _ := newTestQueue(t, DefaultConfig(), newFakeOnline(true))
	ctx := context.Background()
	q.Enqueue(ctx, post("/a", PriorityNormal))

	entered := make(chan struct{})
	release := make(chan struct{})
	q.SetExecutor(func(context.Context, QueuedRequest) error {
		close(entered)
		<-release
		return nil
	})

	done := make(chan DrainResult)
	go func() { done <- q.Drain(ctx) }()
	<-entered

	if res := q.Drain(ctx); res.Skipped != SkipDraining {
		t.Errorf("Skipped = %q, want %q", res.Skipped, SkipDraining)
	}

	close(release)
	if res := <-done; res.Replayed != 1 {
		t.Errorf("Replayed = %d, want 1", res.Replayed)
	}
}

func TestDrain_PartialFailureScenario(t *testing.T) {
	q, st := newTestQueue(t, DefaultConfig(), newFakeOnline(true))
	ctx := context.Background()

	q.Enqueue(ctx, post("/1", PriorityNormal))
	q.Enqueue(ctx, post("/2", PriorityNormal))
	q.Enqueue(ctx, post("/3", PriorityNormal))

	var calls []string
	q.SetExecutor(func(_ context.Context, r QueuedRequest) error {
		calls = append(calls, r.ID)
		if r.Path == "/2" {
			return errors.New("server unavailable")
		}
		return nil
	})

	res := q.Drain(ctx)

	if !equalStrings(calls, []string{"req-1", "req-2", "req-3"}) {
		t.Errorf("calls = %v, want in queue order", calls)
	}
	if res.Replayed != 2 || res.Retried != 1 || res.Remaining != 1 {
		t.Errorf("result = %+v", res)
	}

	items := q.List()
	if len(items) != 1 || items[0].ID != "req-2" {
		t.Fatalf("queue = %v, want [req-2]", ids(items))
	}
	if items[0].RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", items[0].RetryCount)
	}

	raw, _, _ := st.Get(ctx, DefaultConfig().StorageKey)
	var persisted []QueuedRequest
	json.Unmarshal(raw, &persisted)
	if len(persisted) != 1 || persisted[0].RetryCount != 1 {
		t.Errorf("persisted = %+v, want req-2 with retry 1", persisted)
	}
}

func TestDrain_SucceedsAfterMaxMinusOneFailures(t *testing.T) {
	q, _ := newTestQueue(t, DefaultConfig(), newFakeOnline(true))
	ctx := context.Background()
	q.Enqueue(ctx, post("/a", PriorityNormal))

	failures := 0
	q.SetExecutor(func(context.Context, QueuedRequest) error {
		if failures < 2 {
			failures++
			return errors.New("fail")
		}
		return nil
	})

	for i := 1; i <= 2; i++ {
		q.Drain(ctx)
		items := q.List()
		if len(items) != 1 {
			t.Fatalf("after failure %d: Len() = %d, want 1", i, len(items))
		}
		if items[0].RetryCount != i {
			t.Errorf("after failure %d: RetryCount = %d", i, items[0].RetryCount)
		}
	}

	res := q.Drain(ctx)
	if res.Replayed != 1 || q.Len() != 0 {
		t.Errorf("final drain = %+v, Len() = %d", res, q.Len())
	}
}

func TestDrain_DropsAtMaxRetries(t *testing.T) {
	q, _ := newTestQueue(t, DefaultConfig(), newFakeOnline(true))
	ctx := context.Background()
	q.Enqueue(ctx, post("/a", PriorityNormal))

	q.SetExecutor(func(context.Context, QueuedRequest) error { return errors.New("fail") })

	dropped := 0
	for i := 0; i < 5; i++ {
		dropped += q.Drain(ctx).Dropped
	}

	if dropped != 1 {
		t.Errorf("dropped = %d, want exactly 1", dropped)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
}

func TestDrain_PermanentFailureDropsImmediately(t *testing.T) {
	q, _ := newTestQueue(t, DefaultConfig(), newFakeOnline(true))
	ctx := context.Background()
	q.Enqueue(ctx, post("/a", PriorityNormal))

	q.SetExecutor(func(context.Context, QueuedRequest) error {
		return Permanent(errors.New("validation failed"))
	})

	res := q.Drain(ctx)
	if res.Dropped != 1 || q.Len() != 0 {
		t.Errorf("result = %+v, Len() = %d", res, q.Len())
	}
}

func TestDrain_StopsWhenConnectivityLost(t *testing.T) {
	online := newFakeOnline(true)
	q, _ := newTestQueue(t, DefaultConfig(), online)
	ctx := context.Background()

	q.Enqueue(ctx, post("/1", PriorityNormal))
	q.Enqueue(ctx, post("/2", PriorityNormal))
	q.Enqueue(ctx, post("/3", PriorityNormal))

	var calls int
	q.SetExecutor(func(_ context.Context, r QueuedRequest) error {
		calls++
		if r.Path == "/2" {
			online.set(false)
			return errors.New("network unreachable")
		}
		return nil
	})

	res := q.Drain(ctx)

	if !res.Interrupted {
		t.Error("expected drain to be interrupted")
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	items := q.List()
	if !equalStrings(ids(items), []string{"req-2", "req-3"}) {
		t.Fatalf("queue = %v, want [req-2 req-3]", ids(items))
	}
	for _, it := range items {
		if it.RetryCount != 0 {
			t.Errorf("%s RetryCount = %d, want untouched 0", it.ID, it.RetryCount)
		}
	}
}

func TestDrain_IgnoresItemsEnqueuedDuringDrain(t *testing.T) {
	q, _ := newTestQueue(t, DefaultConfig(), newFakeOnline(true))
	ctx := context.Background()
	q.Enqueue(ctx, post("/1", PriorityNormal))

	var calls []string
	q.SetExecutor(func(_ context.Context, r QueuedRequest) error {
		calls = append(calls, r.ID)
		if r.ID == "req-1" {
			q.Enqueue(ctx, post("/late", PriorityHigh))
		}
		return nil
	})

	q.Drain(ctx)

	if !equalStrings(calls, []string{"req-1"}) {
		t.Errorf("calls = %v, want only req-1", calls)
	}
	if got := ids(q.List()); !equalStrings(got, []string{"req-2"}) {
		t.Errorf("queue = %v, want [req-2]", got)
	}
}

func TestLoad_RestoresPersistedQueue(t *testing.T) {
	online := newFakeOnline(false)
	q, st := newTestQueue(t, DefaultConfig(), online)
	ctx := context.Background()
	q.Enqueue(ctx, post("/1", PriorityLow))
	q.Enqueue(ctx, post("/2", PriorityHigh))

	restored, err := New(DefaultConfig(), st, online, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	items := restored.List()
	if !equalStrings(ids(items), []string{"req-2", "req-1"}) {
		t.Fatalf("restored = %v, want [req-2 req-1]", ids(items))
	}
	if items[0].Priority != PriorityHigh || items[1].Priority != PriorityLow {
		t.Errorf("priorities = %v, %v", items[0].Priority, items[1].Priority)
	}
}

func TestLoad_Empty(t *testing.T) {
	q, _ := newTestQueue(t, DefaultConfig(), newFakeOnline(false))
	if err := q.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
}

func TestRemoveAndClear(t *testing.T) {
	q, st := newTestQueue(t, DefaultConfig(), newFakeOnline(false))
	ctx := context.Background()
	q.Enqueue(ctx, post("/1", PriorityNormal))
	q.Enqueue(ctx, post("/2", PriorityNormal))

	ok, err := q.Remove(ctx, "req-1")
	if err != nil || !ok {
		t.Fatalf("Remove = %v, %v", ok, err)
	}
	if ok, _ := q.Remove(ctx, "req-1"); ok {
		t.Error("second Remove reported success")
	}

	if err := q.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
	raw, _, _ := st.Get(ctx, DefaultConfig().StorageKey)
	if string(raw) != "[]" {
		t.Errorf("persisted = %s, want []", raw)
	}
}

func TestWatch_DrainsOnReconnect(t *testing.T) {
	mon := connectivity.NewMonitor(false, nil, nil)
	q, _ := newTestQueue(t, DefaultConfig(), mon)
	ctx := context.Background()
	q.Enqueue(ctx, post("/1", PriorityNormal))

	var mu sync.Mutex
	replayed := make(chan string, 1)
	q.SetExecutor(func(_ context.Context, r QueuedRequest) error {
		mu.Lock()
		defer mu.Unlock()
		replayed <- r.ID
		return nil
	})

	stop := q.Watch(ctx, mon)
	defer stop()

	mon.Set(true)

	select {
	case id := <-replayed:
		if id != "req-1" {
			t.Errorf("replayed %q, want req-1", id)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for drain after reconnect")
	}
}

func TestPriority_Text(t *testing.T) {
	for _, p := range []Priority{PriorityHigh, PriorityNormal, PriorityLow} {
		b, _ := p.MarshalText()
		var back Priority
		if err := back.UnmarshalText(b); err != nil || back != p {
			t.Errorf("round trip %v = %v, %v", p, back, err)
		}
	}
	var p Priority
	if err := p.UnmarshalText([]byte("urgent")); err == nil {
		t.Error("expected error for unknown priority")
	}
}
