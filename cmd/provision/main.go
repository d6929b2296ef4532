// Command provision prepares a settlement database for a deployment: it runs
// migrations, ensures the operator admin account exists and optionally loads
// a catalog fixture. It is safe to run on every deploy.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/cristalhq/aconfig"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-settlement/internal/catalog"
	"github.com/xenking/kart-settlement/internal/domain/auth"
	"github.com/xenking/kart-settlement/internal/storage/postgres"
)

type config struct {
	DatabaseURL  string `usage:"PostgreSQL connection URL (SETTLE_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing (SETTLE_API_KEY_PEPPER)" flag:"api-key-pepper"`
	CatalogFile  string `usage:"Catalog fixture to upsert, .json or .json.gz" flag:"catalog-file"`
	Admin        struct {
		Username string `usage:"Admin account username (SETTLE_ADMIN_USERNAME)"`
		APIKey   string `usage:"Admin account API key (SETTLE_ADMIN_API_KEY)"`
	}
}

func main() {
	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	var cfg config
	if err := aconfig.LoaderFor(&cfg, aconfig.Config{EnvPrefix: "SETTLE"}).Load(); err != nil {
		lg.Fatal("Load config", zap.Error(err))
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(zctx.Base(ctx, lg), cfg); err != nil {
		lg.Error("Provisioning failed", zap.Error(err))
		cancel()
		os.Exit(1)
	}
	lg.Info("Provisioning completed")
}

func run(ctx context.Context, cfg config) error {
	lg := zctx.From(ctx)
	if cfg.DatabaseURL == "" {
		return errors.New("database URL is required: set SETTLE_DATABASE_URL or DATABASE_URL")
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	lg.Info("Running migrations")
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if cfg.Admin.Username != "" {
		authSvc := auth.NewService(postgres.NewAccountRepository(pool), []byte(cfg.APIKeyPepper))
		acc, err := authSvc.EnsureAdmin(ctx, cfg.Admin.Username, cfg.Admin.APIKey)
		if err != nil {
			return errors.Wrap(err, "ensure admin")
		}
		lg.Info("Admin account ready", zap.String("username", acc.Username), zap.String("id", acc.ID))
	} else {
		lg.Warn("No admin configured, orders cannot be completed until one exists")
	}

	if cfg.CatalogFile != "" {
		lg.Info("Loading catalog", zap.String("path", cfg.CatalogFile))
		products, err := catalog.Load(cfg.CatalogFile)
		if err != nil {
			return err
		}
		if err := catalog.Seed(ctx, postgres.NewProductRepository(pool), products); err != nil {
			return errors.Wrap(err, "seed catalog")
		}
	}
	return nil
}
