package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Storage backends.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

const defaultAddr = "0.0.0.0:8080"

// Config holds the complete application configuration, loadable from
// environment variables (SETTLE_ prefix), flags, or YAML config files.
type Config struct {
	Addr           string        `default:"0.0.0.0:8080" usage:"API server listen address"`
	Storage        string        `default:"postgres" usage:"Storage backend: postgres or memory"`
	DatabaseURL    string        `usage:"PostgreSQL connection URL (SETTLE_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper   string        `usage:"HMAC pepper for API key hashing (SETTLE_API_KEY_PEPPER)" flag:"api-key-pepper"`
	RequestTimeout time.Duration `default:"10s" usage:"Per-request deadline for API calls" flag:"request-timeout"`
	// CatalogFile is loaded into the memory store at startup.
	CatalogFile string `usage:"Catalog fixture to seed the memory store with" flag:"catalog-file"`
	Admin       AdminConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	RateLimit   RateLimitConfig
	Graceful    GracefulConfig
}

// AdminConfig names the operator account provisioned at deployment time.
type AdminConfig struct {
	Username string `usage:"Admin account username (SETTLE_ADMIN_USERNAME)"`
	APIKey   string `usage:"Admin account API key (SETTLE_ADMIN_API_KEY)"`
}

// RedisConfig enables the cart cache when URL is set.
type RedisConfig struct {
	URL string        `usage:"Redis URL for the cart cache (SETTLE_REDIS_URL or REDIS_URL)" flag:"redis-url"`
	TTL time.Duration `default:"15m" usage:"Base TTL of cached carts"`
}

// KafkaConfig enables the outbox publisher when Brokers is set.
type KafkaConfig struct {
	Brokers    []string      `usage:"Kafka brokers for settlement events"`
	Interval   time.Duration `default:"1s" usage:"Outbox polling interval"`
	BatchSize  int           `default:"100" usage:"Events published per batch"`
	MaxBacklog int           `default:"10000" usage:"Pending events above which the service reports not ready"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "SETTLE",
		Files:     []string{"config.yaml", "/etc/settle/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports configuration that cannot start the server.
func (c *Config) Validate() error {
	switch c.Storage {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return errors.New("database URL is required: set SETTLE_DATABASE_URL or DATABASE_URL")
		}
	case StorageMemory:
	default:
		return errors.Errorf("unknown storage %q: want %s or %s", c.Storage, StoragePostgres, StorageMemory)
	}
	if (c.Admin.Username == "") != (c.Admin.APIKey == "") {
		return errors.New("admin username and API key must be set together")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's SETTLE_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.Redis.URL == "" {
		c.Redis.URL = os.Getenv("REDIS_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}
