package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis creates a test Redis client for testing.
// Tests using it are skipped when no local Redis is reachable; the
// integration suite runs the same paths against a testcontainers Redis.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use a separate DB for tests
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// failingStore fails every operation.
type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("backend down")
}

func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("backend down")
}

func (failingStore) Delete(context.Context, ...string) error {
	return errors.New("backend down")
}

type product struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func TestNewManager_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewManager should panic with nil store")
		}
	}()
	NewManager(nil)
}

func TestNewManager_Layer(t *testing.T) {
	tests := []struct {
		name  string
		store Store
		want  string
	}{
		{name: "memory", store: NewMemoryStore(), want: "memory"},
		{name: "redis", store: NewRedisStore(redis.NewClient(&redis.Options{Addr: "localhost:6379"})), want: "redis"},
		{name: "custom", store: failingStore{}, want: "custom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewManager(tt.store).layer; got != tt.want {
				t.Errorf("layer = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestManager_RoundTrip(t *testing.T) {
	manager := NewManager(NewMemoryStore())
	ctx := context.Background()
	key := Key{Resource: "product", ID: "1"}

	want := product{ID: 1, Name: "Shoes"}
	if _, err := manager.WriteCached(ctx, key, want); err != nil {
		t.Fatalf("WriteCached failed: %v", err)
	}

	rec, ok := manager.ReadCached(ctx, key)
	if !ok {
		t.Fatal("ReadCached returned miss after write")
	}

	var got product
	if err := rec.Decode(&got); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got != want {
		t.Errorf("payload = %+v, want %+v", got, want)
	}
}

func TestManager_RoundTrip_RawMessage(t *testing.T) {
	manager := NewManager(NewMemoryStore())
	ctx := context.Background()
	key := Key{Resource: "categories"}

	raw := json.RawMessage(`[{"id":1,"name":"Electronics"},{"id":2,"name":"Fashion"}]`)
	if _, err := manager.WriteCached(ctx, key, raw); err != nil {
		t.Fatalf("WriteCached failed: %v", err)
	}

	rec, ok := manager.ReadCached(ctx, key)
	if !ok {
		t.Fatal("ReadCached returned miss after write")
	}
	if string(rec.Payload) != string(raw) {
		t.Errorf("payload = %s, want %s", rec.Payload, raw)
	}
}

func TestManager_WriteCached_InvalidPayload(t *testing.T) {
	manager := NewManager(NewMemoryStore())
	ctx := context.Background()
	key := Key{Resource: "product", ID: "1"}

	if _, err := manager.WriteCached(ctx, key, nil); err == nil {
		t.Error("WriteCached with nil payload should fail")
	}
	if _, err := manager.WriteCached(ctx, key, json.RawMessage(`{"id":`)); err == nil {
		t.Error("WriteCached with invalid raw JSON should fail")
	}
	if _, err := manager.WriteCached(ctx, key, make(chan int)); err == nil {
		t.Error("WriteCached with unmarshalable payload should fail")
	}
}

func TestManager_ReadCached_Miss(t *testing.T) {
	manager := NewManager(NewMemoryStore())

	rec, ok := manager.ReadCached(context.Background(), Key{Resource: "nonexistent"})
	if ok || rec != nil {
		t.Errorf("ReadCached() = (%v, %v), want (nil, false)", rec, ok)
	}
}

func TestManager_ReadCached_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "truncated json", data: `{"payload":{"id":1`},
		{name: "not json", data: `shoes`},
		{name: "missing timestamp", data: `{"payload":{"id":1}}`},
		{name: "missing payload", data: `{"timestamp":"2024-05-01T12:00:00Z"}`},
		{name: "wrong types", data: `{"payload":{"id":1},"timestamp":42}`},
		{name: "empty", data: ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()
			manager := NewManager(store)
			ctx := context.Background()
			key := Key{Resource: "product", ID: "1"}

			if err := store.Set(ctx, key.String(), []byte(tt.data), 0); err != nil {
				t.Fatalf("Set failed: %v", err)
			}

			rec, ok := manager.ReadCached(ctx, key)
			if ok || rec != nil {
				t.Errorf("ReadCached() = (%v, %v), want (nil, false)", rec, ok)
			}
		})
	}
}

func TestManager_ReadCached_BackendError(t *testing.T) {
	manager := NewManager(failingStore{})

	rec, ok := manager.ReadCached(context.Background(), Key{Resource: "categories"})
	if ok || rec != nil {
		t.Errorf("ReadCached() = (%v, %v), want (nil, false)", rec, ok)
	}
}

// TestManager_TenMinuteScenario writes at t=0 with a 10 minute TTL and reads
// at t=300s (fresh) and t=700s (stale).
func TestManager_TenMinuteScenario(t *testing.T) {
	clock := newFakeClock()
	manager := NewManager(NewMemoryStore(), WithClock(clock.Now))
	ctx := context.Background()
	key := Key{Resource: "product", ID: "1"}
	ttl := 600000 * time.Millisecond

	if _, err := manager.WriteCached(ctx, key, product{ID: 1, Name: "Shoes"}); err != nil {
		t.Fatalf("WriteCached failed: %v", err)
	}

	clock.Advance(300000 * time.Millisecond)
	rec, fresh := manager.Lookup(ctx, key, ttl)
	if rec == nil || !fresh {
		t.Fatalf("Lookup at t=300s = (%v, %v), want fresh record", rec, fresh)
	}

	clock.Advance(400000 * time.Millisecond)
	rec, fresh = manager.Lookup(ctx, key, ttl)
	if rec == nil {
		t.Fatal("Lookup at t=700s should still return the stale record")
	}
	if fresh {
		t.Error("Lookup at t=700s reported fresh, want stale")
	}
}

func TestManager_IsFresh(t *testing.T) {
	clock := newFakeClock()
	manager := NewManager(NewMemoryStore(), WithClock(clock.Now))

	written := clock.Now()
	ttl := 5 * time.Minute

	clock.Advance(ttl - time.Millisecond)
	if !manager.IsFresh(written, ttl) {
		t.Error("IsFresh just before ttl = false, want true")
	}

	clock.Advance(time.Millisecond)
	if manager.IsFresh(written, ttl) {
		t.Error("IsFresh at ttl = true, want false")
	}
}

func TestManager_WriteCached_Overwrites(t *testing.T) {
	clock := newFakeClock()
	manager := NewManager(NewMemoryStore(), WithClock(clock.Now))
	ctx := context.Background()
	key := Key{Resource: "cart_items", Scope: "7"}

	first, err := manager.WriteCached(ctx, key, []int{1})
	if err != nil {
		t.Fatalf("WriteCached failed: %v", err)
	}

	clock.Advance(time.Minute)
	second, err := manager.WriteCached(ctx, key, []int{1, 2})
	if err != nil {
		t.Fatalf("WriteCached failed: %v", err)
	}

	rec, ok := manager.ReadCached(ctx, key)
	if !ok {
		t.Fatal("ReadCached returned miss")
	}
	if string(rec.Payload) != "[1,2]" {
		t.Errorf("payload = %s, want [1,2]", rec.Payload)
	}
	if !rec.Timestamp.Equal(second.Timestamp) || rec.Timestamp.Equal(first.Timestamp) {
		t.Errorf("timestamp = %v, want %v", rec.Timestamp, second.Timestamp)
	}
}

func TestManager_WrittenBytesCountsOverwrites(t *testing.T) {
	clock := newFakeClock()
	manager := NewManager(NewMemoryStore(), WithClock(clock.Now), WithLayer("written-bytes-test"))
	ctx := context.Background()
	key := Key{Resource: "categories"}
	counter := CacheWrittenBytes.WithLabelValues("written-bytes-test")

	first, err := manager.WriteCached(ctx, key, []int{1})
	if err != nil {
		t.Fatalf("WriteCached failed: %v", err)
	}
	data, _ := json.Marshal(first)
	if got := promtest.ToFloat64(counter); got != float64(len(data)) {
		t.Errorf("written bytes = %v, want %d", got, len(data))
	}

	if _, err := manager.WriteCached(ctx, key, []int{1}); err != nil {
		t.Fatalf("WriteCached failed: %v", err)
	}
	if got := promtest.ToFloat64(counter); got != float64(2*len(data)) {
		t.Errorf("written bytes after overwrite = %v, want %d", got, 2*len(data))
	}
}

func TestManager_Invalidate(t *testing.T) {
	manager := NewManager(NewMemoryStore())
	ctx := context.Background()

	cart := Key{Resource: "cart_items", Scope: "7"}
	orders := Key{Resource: "orders", Scope: "7"}
	categories := Key{Resource: "categories"}

	for _, k := range []Key{cart, orders, categories} {
		if _, err := manager.WriteCached(ctx, k, map[string]int{"n": 1}); err != nil {
			t.Fatalf("WriteCached(%s) failed: %v", k, err)
		}
	}

	if err := manager.Invalidate(ctx, cart, orders); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}

	if _, ok := manager.ReadCached(ctx, cart); ok {
		t.Error("cart still cached after Invalidate")
	}
	if _, ok := manager.ReadCached(ctx, orders); ok {
		t.Error("orders still cached after Invalidate")
	}
	if _, ok := manager.ReadCached(ctx, categories); !ok {
		t.Error("categories should survive an unrelated Invalidate")
	}

	if err := manager.Invalidate(ctx); err != nil {
		t.Errorf("Invalidate with no keys should be a no-op, got %v", err)
	}
}

func TestManager_Invalidate_BackendError(t *testing.T) {
	manager := NewManager(failingStore{})
	if err := manager.Invalidate(context.Background(), Key{Resource: "orders"}); err == nil {
		t.Error("Invalidate should surface backend errors")
	}
}

// TestManager_LastWriteWins starts two writes to the same key and lets the
// one that started first complete last. The final record is the last
// completed write, not the first started one.
func TestManager_LastWriteWins(t *testing.T) {
	manager := NewManager(NewMemoryStore())
	ctx := context.Background()
	key := Key{Resource: "cart_items", Scope: "1"}

	releaseA := make(chan struct{})
	releaseB := make(chan struct{})
	doneB := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-releaseA
		if _, err := manager.WriteCached(ctx, key, "tab-a"); err != nil {
			t.Errorf("WriteCached(tab-a) failed: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		defer close(doneB)
		<-releaseB
		if _, err := manager.WriteCached(ctx, key, "tab-b"); err != nil {
			t.Errorf("WriteCached(tab-b) failed: %v", err)
		}
	}()

	close(releaseB)
	<-doneB
	close(releaseA)
	wg.Wait()

	rec, ok := manager.ReadCached(ctx, key)
	if !ok {
		t.Fatal("ReadCached returned miss")
	}
	if string(rec.Payload) != `"tab-a"` {
		t.Errorf("payload = %s, want the last completed write \"tab-a\"", rec.Payload)
	}
}

func TestManager_Retention(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	store.now = clock.Now
	manager := NewManager(store, WithClock(clock.Now), WithRetention(time.Hour))
	ctx := context.Background()
	key := Key{Resource: "orders", Scope: "2"}

	if _, err := manager.WriteCached(ctx, key, []string{"o-1"}); err != nil {
		t.Fatalf("WriteCached failed: %v", err)
	}

	clock.Advance(30 * time.Minute)
	if _, fresh := manager.Lookup(ctx, key, 5*time.Minute); fresh {
		t.Error("record should be stale after 30m with a 5m TTL")
	}
	if _, ok := manager.ReadCached(ctx, key); !ok {
		t.Error("stale record should remain readable within retention")
	}

	clock.Advance(time.Hour)
	if _, ok := manager.ReadCached(ctx, key); ok {
		t.Error("record should be gone after retention")
	}
}

func TestManager_Redis_SetAndGet(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(NewRedisStore(client))
	ctx := context.Background()
	key := Key{Resource: "product", ID: "99"}

	if _, err := manager.WriteCached(ctx, key, product{ID: 99, Name: "Kitenge"}); err != nil {
		t.Fatalf("WriteCached failed: %v", err)
	}

	rec, fresh := manager.Lookup(ctx, key, 10*time.Minute)
	if rec == nil || !fresh {
		t.Fatalf("Lookup() = (%v, %v), want fresh record", rec, fresh)
	}

	ttl, err := client.TTL(ctx, key.String()).Result()
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if ttl <= 0 || ttl > DefaultRetention {
		t.Errorf("redis TTL = %v, want within (0, %v]", ttl, DefaultRetention)
	}

	if err := manager.Invalidate(ctx, key); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if _, ok := manager.ReadCached(ctx, key); ok {
		t.Error("record still present after Invalidate")
	}
}

func TestManager_Redis_Malformed(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(NewRedisStore(client))
	ctx := context.Background()
	key := Key{Resource: "categories"}

	if err := client.Set(ctx, key.String(), "{not json", 0).Err(); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if rec, ok := manager.ReadCached(ctx, key); ok || rec != nil {
		t.Errorf("ReadCached() = (%v, %v), want (nil, false)", rec, ok)
	}
}

func TestNewRedisStore_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewRedisStore should panic with nil redis client")
		}
	}()
	NewRedisStore(nil)
}
