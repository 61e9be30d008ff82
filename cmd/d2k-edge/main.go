package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/d2k-storefront-cache/internal/config"
	"github.com/Sternrassler/d2k-storefront-cache/pkg/cache"
	"github.com/Sternrassler/d2k-storefront-cache/pkg/client"
	"github.com/Sternrassler/d2k-storefront-cache/pkg/events"
	"github.com/Sternrassler/d2k-storefront-cache/pkg/logging"
	"github.com/Sternrassler/d2k-storefront-cache/pkg/pagination"
	"github.com/Sternrassler/d2k-storefront-cache/pkg/ratelimit"
	"github.com/Sternrassler/d2k-storefront-cache/pkg/storefront"
	"github.com/Sternrassler/d2k-storefront-cache/pkg/swr"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "d2k-edge: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(logging.Config{
		Level:   logging.LogLevel(cfg.LogLevel),
		Pretty:  cfg.LogPretty,
		Output:  os.Stderr,
		Service: "d2k-edge",
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Edge service failed")
	}
}

// app holds the wired components.
type app struct {
	redis  *redis.Client
	bus    events.Bus
	relay  *events.RedisBus
	rv     *swr.Revalidator
	server *Server
}

func run(ctx context.Context, cfg config.Config) error {
	a, err := wire(ctx, cfg)
	if err != nil {
		return err
	}
	if a.redis != nil {
		defer a.redis.Close()
	}
	defer a.rv.Close()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.server.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.relay != nil {
		g.Go(func() error {
			return a.relay.Run(gctx)
		})
	}

	g.Go(func() error {
		log.Info().
			Str("addr", cfg.ListenAddr).
			Str("cache_backend", cfg.CacheBackend).
			Str("api_base_url", cfg.APIBaseURL).
			Bool("redis", cfg.RedisEnabled()).
			Msg("Starting storefront edge")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info().Msg("Shutting down storefront edge")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// wire builds every component from cfg.
func wire(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{}

	if cfg.RedisEnabled() {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")
	}

	store, err := newStore(ctx, cfg, a.redis)
	if err != nil {
		return nil, err
	}
	manager := cache.NewManager(store,
		cache.WithRetention(cfg.CacheRetention),
		cache.WithLogger(logging.NewLogger("cache")),
	)

	local := events.NewLocalBus()
	a.bus = local
	if a.redis != nil {
		a.relay = events.NewRedisBus(a.redis, local)
		a.bus = a.relay
	}

	api, err := client.New(client.Config{
		BaseURL:     cfg.APIBaseURL,
		UserAgent:   cfg.UserAgent,
		Timeout:     cfg.RequestTimeout,
		MaxRetries:  cfg.MaxRetries,
		RateLimiter: ratelimit.NewTracker(a.redis, logging.NewLogger("ratelimit")),
		OnUnauthorized: func(ctx context.Context, token string) {
			logging.FromContext(ctx).Info().Msg("Backend rejected bearer token")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create backend client: %w", err)
	}

	a.rv = swr.New(manager, a.bus, swr.Config{RefreshTimeout: cfg.RefreshTimeout})

	sf := storefront.New(api, a.rv, a.bus, storefront.Config{
		StorageBaseURL:      cfg.StorageBaseURL,
		RevalidateWhenFresh: cfg.RevalidateWhenFresh,
		Pages:               pagination.DefaultConfig(),
	})

	var ready Pinger
	if a.redis != nil {
		rdb := a.redis
		ready = PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}

	a.server = NewServer(ServerOptions{
		Store:          sf,
		Bus:            a.bus,
		Ready:          ready,
		Logger:         logging.NewLogger("http"),
		StorageBaseURL: cfg.StorageBaseURL,
		MapsKey:        cfg.MapsKey,
	})

	return a, nil
}

// newStore selects the cache backend.
func newStore(ctx context.Context, cfg config.Config, rdb *redis.Client) (cache.Store, error) {
	switch cfg.CacheBackend {
	case config.BackendRedis:
		if rdb == nil {
			return nil, fmt.Errorf("redis cache backend requires D2K_REDIS_ADDR")
		}
		return cache.NewRedisStore(rdb), nil
	case config.BackendS3:
		s3Client, err := newS3Client(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return cache.NewS3Store(cfg.S3.Bucket, cfg.S3.Prefix, s3Client), nil
	default:
		return cache.NewMemoryStore(), nil
	}
}

func newS3Client(ctx context.Context, cfg config.S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}
