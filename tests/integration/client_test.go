//go:build integration

package integration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Sternrassler/d2k-storefront-cache/internal/testutil"
	"github.com/Sternrassler/d2k-storefront-cache/pkg/cache"
	"github.com/Sternrassler/d2k-storefront-cache/pkg/client"
	"github.com/Sternrassler/d2k-storefront-cache/pkg/events"
	"github.com/Sternrassler/d2k-storefront-cache/pkg/ratelimit"
	"github.com/Sternrassler/d2k-storefront-cache/pkg/storefront"
	"github.com/Sternrassler/d2k-storefront-cache/pkg/swr"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) *redis.Client {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	t.Cleanup(func() {
		redisClient.Close()
		container.Terminate(ctx)
	})

	return redisClient
}

// instance is one edge process: its own client, revalidator and bus, sharing
// Redis with the other instances.
type instance struct {
	sf  *storefront.Storefront
	bus *events.RedisBus
}

func newInstance(t *testing.T, ctx context.Context, rdb *redis.Client, backendURL string) *instance {
	t.Helper()

	cfg := client.DefaultConfig(backendURL, "D2K-Integration/1.0")
	cfg.RateLimiter = ratelimit.NewTracker(rdb, zerolog.Nop())
	api, err := client.New(cfg)
	require.NoError(t, err)

	manager := cache.NewManager(cache.NewRedisStore(rdb))
	bus := events.NewRedisBus(rdb, events.NewLocalBus())
	go bus.Run(ctx)

	rv := swr.New(manager, bus, swr.DefaultConfig())
	t.Cleanup(rv.Close)

	sfCfg := storefront.DefaultConfig()
	sfCfg.RevalidateWhenFresh = false
	return &instance{sf: storefront.New(api, rv, bus, sfCfg), bus: bus}
}

func TestSharedCacheAcrossInstances(t *testing.T) {
	rdb := setupRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mock := testutil.NewMockBackend()
	defer mock.Close()
	mock.SetResponse("GET /categories", testutil.NewJSONResponse(`[{"id":1,"name":"Fashion"}]`))

	a := newInstance(t, ctx, rdb, mock.URL())
	b := newInstance(t, ctx, rdb, mock.URL())

	first, err := a.sf.Categories(ctx)
	require.NoError(t, err)
	assert.Equal(t, swr.SourceNetwork, first.Source)

	second, err := b.sf.Categories(ctx)
	require.NoError(t, err)
	assert.Equal(t, swr.SourceCache, second.Source)
	assert.JSONEq(t, string(first.Record.Payload), string(second.Record.Payload))
	assert.Equal(t, 1, mock.GetPathCount("GET /categories"))
}

func TestInvalidationAcrossInstances(t *testing.T) {
	rdb := setupRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mock := testutil.NewMockBackend()
	defer mock.Close()
	mock.SetResponse("GET /cart", testutil.NewJSONResponse(`{"items":[]}`))
	mock.SetResponse("POST /cart/items", testutil.NewJSONResponse(`{}`))

	a := newInstance(t, ctx, rdb, mock.URL())
	b := newInstance(t, ctx, rdb, mock.URL())

	user := storefront.WithSession(ctx, storefront.Session{UserID: "u1", Token: "tok"})
	_, err := b.sf.Cart(user)
	require.NoError(t, err)

	sub := b.bus.Subscribe(events.CartUpdated)
	defer sub.Close()

	// The relay subscribes asynchronously; retry until instance b hears a.
	var got events.Event
	require.Eventually(t, func() bool {
		if _, err := a.sf.AddToCart(user, storefront.CartItemRequest{ProductID: 7, Quantity: 1}); err != nil {
			return false
		}
		select {
		case got = <-sub.C:
			return true
		case <-time.After(200 * time.Millisecond):
			return false
		}
	}, 10*time.Second, 50*time.Millisecond)

	assert.Equal(t, events.CartUpdated, got.Name)
	assert.Equal(t, "u1", got.Scope)
	assert.Equal(t, a.bus.Origin(), got.Origin)

	result, err := b.sf.Cart(user)
	require.NoError(t, err)
	assert.Equal(t, swr.SourceCache, result.Source, "instance b reads the record a refreshed")
}

func TestRedisBusSkipsOwnEvents(t *testing.T) {
	rdb := setupRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewRedisBus(rdb, events.NewLocalBus())
	go bus.Run(ctx)
	time.Sleep(200 * time.Millisecond)

	sub := bus.Subscribe()
	defer sub.Close()

	require.NoError(t, bus.Publish(ctx, events.NewScoped(events.MessagesUpdated, "u1")))

	select {
	case ev := <-sub.C:
		assert.Equal(t, events.MessagesUpdated, ev.Name)
	case <-time.After(time.Second):
		t.Fatal("local delivery missing")
	}

	select {
	case ev := <-sub.C:
		t.Fatalf("event delivered twice: %+v", ev)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestRateLimitSharedAcrossInstances(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()

	mock := testutil.NewMockBackend()
	defer mock.Close()
	mock.SetResponse("GET /categories", testutil.NewRateLimitResponse(60))

	newClient := func() *client.Client {
		cfg := client.DefaultConfig(mock.URL(), "D2K-Integration/1.0")
		cfg.RateLimiter = ratelimit.NewTracker(rdb, zerolog.Nop())
		c, err := client.New(cfg)
		require.NoError(t, err)
		return c
	}
	a, b := newClient(), newClient()

	_, err := a.Get(ctx, "/categories", nil)
	require.Error(t, err)
	assert.Equal(t, client.ErrorClassRateLimit, client.ClassOf(err))

	_, err = b.Get(ctx, "/categories", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ratelimit.ErrBlocked), "second instance blocked from shared state")
	assert.Equal(t, 1, mock.GetRequestCount())
}

func TestConcurrentLoadsDeduplicated(t *testing.T) {
	rdb := setupRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mock := testutil.NewMockBackend()
	defer mock.Close()
	resp := testutil.NewJSONResponse(`{"id":9}`)
	resp.Delay = 200 * time.Millisecond
	mock.SetResponse("GET /products/9", resp)

	inst := newInstance(t, ctx, rdb, mock.URL())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := inst.sf.Product(ctx, "9")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, mock.GetPathCount("GET /products/9"))
}
