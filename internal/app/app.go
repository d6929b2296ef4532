package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-settlement/internal/catalog"
	"github.com/xenking/kart-settlement/internal/domain/auth"
	"github.com/xenking/kart-settlement/internal/domain/cart"
	"github.com/xenking/kart-settlement/internal/domain/order"
	"github.com/xenking/kart-settlement/internal/domain/product"
	"github.com/xenking/kart-settlement/internal/handler"
	"github.com/xenking/kart-settlement/internal/outbox"
	"github.com/xenking/kart-settlement/internal/storage/memory"
	"github.com/xenking/kart-settlement/internal/storage/postgres"
	"github.com/xenking/kart-settlement/internal/storage/redis"
	"github.com/xenking/kart-settlement/pkg/health"
	"github.com/xenking/kart-settlement/pkg/httpmiddleware"
)

// stores bundles the repositories of one storage backend.
type stores struct {
	products interface {
		product.Repository
		catalog.Upserter
	}
	accounts auth.Repository
	carts    cart.Repository
	orders   order.Repository
	outbox   outbox.Store
	ping     health.CheckFunc
	close    func()
}

func openStores(ctx context.Context, lg *zap.Logger, cfg *Config) (*stores, error) {
	if cfg.Storage == StorageMemory {
		lg.Warn("Using in-memory storage, state is lost on restart")
		s := memory.New()
		if cfg.CatalogFile != "" {
			products, err := catalog.Load(cfg.CatalogFile)
			if err != nil {
				return nil, errors.Wrap(err, "load catalog")
			}
			if err := catalog.Seed(ctx, s.Products(), products); err != nil {
				return nil, errors.Wrap(err, "seed catalog")
			}
		}
		return &stores{
			products: s.Products(),
			accounts: s.Accounts(),
			carts:    s.Carts(),
			orders:   s.Orders(),
			outbox:   s.Outbox(),
			close:    func() {},
		}, nil
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create db pool")
	}
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "run migrations")
	}
	return &stores{
		products: postgres.NewProductRepository(pool),
		accounts: postgres.NewAccountRepository(pool),
		carts:    postgres.NewCartRepository(pool),
		orders:   postgres.NewOrderRepository(pool),
		outbox:   postgres.NewOutboxRepository(pool),
		ping:     health.PingCheck(pool),
		close:    pool.Close,
	}, nil
}

// Run creates all dependencies, starts the HTTP server and the outbox
// publisher, and handles graceful shutdown. It is the single wiring point
// for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr), zap.String("storage", cfg.Storage))
	ctx = zctx.Base(ctx, lg)

	st, err := openStores(ctx, lg, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	healthSvc := health.New()
	if st.ping != nil {
		healthSvc.AddReadinessCheck("postgres", 5*time.Second, st.ping)
	}
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.AddLivenessCheck("gc_pause", time.Second, health.GCMaxPauseCheck(time.Second))

	authSvc := auth.NewService(st.accounts, []byte(cfg.APIKeyPepper))
	if cfg.Storage == StorageMemory && cfg.Admin.Username != "" {
		if _, err := authSvc.EnsureAdmin(ctx, cfg.Admin.Username, cfg.Admin.APIKey); err != nil {
			return errors.Wrap(err, "ensure admin")
		}
	}

	var cache cart.Cache
	if cfg.Redis.URL != "" {
		opts, err := goredis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return errors.Wrap(err, "parse redis url")
		}
		client := goredis.NewClient(opts)
		defer func() { _ = client.Close() }()

		cache = redis.NewCartCache(client, cfg.Redis.TTL)
		healthSvc.AddReadinessCheck("redis", time.Second, func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
	}

	cartSvc, err := cart.NewService(st.carts, st.products, cache, m.MeterProvider())
	if err != nil {
		return errors.Wrap(err, "create cart service")
	}
	orderSvc, err := order.NewService(st.orders, m.MeterProvider(), m.TracerProvider())
	if err != nil {
		return errors.Wrap(err, "create order service")
	}

	g, gCtx := errgroup.WithContext(ctx)

	if len(cfg.Kafka.Brokers) > 0 {
		publisher := outbox.NewPublisher(st.outbox, outbox.NewKafkaWriter(cfg.Kafka.Brokers), lg.Named("outbox"), outbox.Options{
			Interval:  cfg.Kafka.Interval,
			BatchSize: cfg.Kafka.BatchSize,
		})
		healthSvc.AddReadinessCheck("outbox_backlog", 5*time.Second,
			health.BacklogCheck(st.outbox.Backlog, cfg.Kafka.MaxBacklog))
		g.Go(func() error {
			defer func() { _ = publisher.Close() }()
			return publisher.Run(gCtx)
		})
	} else {
		lg.Info("No Kafka brokers configured, settlement events stay in the outbox")
	}

	limiter := httpmiddleware.NewLimiter(httpmiddleware.RateLimitConfig{
		Max:     cfg.RateLimit.Max,
		Window:  cfg.RateLimit.Window,
		KeyFunc: httpmiddleware.HeaderOrIP(handler.APIKeyHeader),
	})
	g.Go(func() error {
		return limiter.Run(gCtx)
	})

	h := handler.NewHandler(authSvc, st.products, cartSvc, orderSvc, cfg.RequestTimeout)
	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(h.Router(healthSvc),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(lg),
			httpmiddleware.Recovery(),
			httpmiddleware.Instrument("settlement-api", m.TracerProvider(), m.MeterProvider()),
			limiter.Middleware(),
		),
	}

	healthSvc.Start(gCtx, 10*time.Second)
	healthSvc.SetReady(true)

	// Graceful shutdown: wait for cancellation, drain, then stop.
	g.Go(func() error {
		<-gCtx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		return nil
	})

	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	return g.Wait()
}
