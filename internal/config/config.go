package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	SQLitePath  string `mapstructure:"SQLITE_PATH"`

	LockBackend string `mapstructure:"LOCK_BACKEND"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	RequestTimeout      time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	WebhookTimeout      time.Duration `mapstructure:"WEBHOOK_TIMEOUT"`
	ReconcileMaxRetries int           `mapstructure:"RECONCILE_MAX_RETRIES"`
	OrderExpireAfter    time.Duration `mapstructure:"ORDER_EXPIRE_AFTER"`
	OrderSweepInterval  time.Duration `mapstructure:"ORDER_SWEEP_INTERVAL"`

	ReferenceRangesFile string `mapstructure:"REFERENCE_RANGES_FILE"`

	PaymentAPIURL             string        `mapstructure:"PAYMENT_API_URL"`
	PaymentAccessToken        string        `mapstructure:"PAYMENT_ACCESS_TOKEN"`
	PaymentWebhookSecret      string        `mapstructure:"PAYMENT_WEBHOOK_SECRET"`
	PaymentSignatureTolerance time.Duration `mapstructure:"PAYMENT_SIGNATURE_TOLERANCE"`
	BaseURL                   string        `mapstructure:"BASE_URL"`

	ArchiveDriver      string `mapstructure:"ARCHIVE_DRIVER"`
	ArchiveS3Bucket    string `mapstructure:"ARCHIVE_S3_BUCKET"`
	ArchiveS3Region    string `mapstructure:"ARCHIVE_S3_REGION"`
	ArchiveS3Endpoint  string `mapstructure:"ARCHIVE_S3_ENDPOINT"`
	ArchiveS3PathStyle bool   `mapstructure:"ARCHIVE_S3_PATH_STYLE"`
}

var keys = []string{
	"PORT", "ENV", "STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "SQLITE_PATH",
	"LOCK_BACKEND", "REDIS_URL",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"REQUEST_TIMEOUT", "WEBHOOK_TIMEOUT", "RECONCILE_MAX_RETRIES", "ORDER_EXPIRE_AFTER", "ORDER_SWEEP_INTERVAL",
	"REFERENCE_RANGES_FILE",
	"PAYMENT_API_URL", "PAYMENT_ACCESS_TOKEN", "PAYMENT_WEBHOOK_SECRET", "PAYMENT_SIGNATURE_TOLERANCE", "BASE_URL",
	"ARCHIVE_DRIVER", "ARCHIVE_S3_BUCKET", "ARCHIVE_S3_REGION", "ARCHIVE_S3_ENDPOINT", "ARCHIVE_S3_PATH_STYLE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_DRIVER", "postgres")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("SQLITE_PATH", "analisavet.db")
	v.SetDefault("LOCK_BACKEND", "memory")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("WEBHOOK_TIMEOUT", "10s")
	v.SetDefault("RECONCILE_MAX_RETRIES", 3)
	v.SetDefault("ORDER_EXPIRE_AFTER", "24h")
	v.SetDefault("ORDER_SWEEP_INTERVAL", "10m")
	v.SetDefault("PAYMENT_API_URL", "https://api.mercadopago.com")
	v.SetDefault("PAYMENT_SIGNATURE_TOLERANCE", "5m")
	v.SetDefault("BASE_URL", "http://localhost:8000")
	v.SetDefault("ARCHIVE_DRIVER", "none")
	v.SetDefault("ARCHIVE_S3_REGION", "us-east-1")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.StoreDriver == "postgres" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is postgres")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ENV=development, every request without a token is treated as dev-user with the admin role.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("STORE_DRIVER must be \"postgres\", \"sqlite\" or \"memory\", got %q", c.StoreDriver)
	}
	if c.StoreDriver == "memory" && c.IsProduction() {
		return fmt.Errorf("STORE_DRIVER=memory is not allowed in production")
	}

	switch c.LockBackend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when LOCK_BACKEND is redis")
		}
	default:
		return fmt.Errorf("LOCK_BACKEND must be \"memory\" or \"redis\", got %q", c.LockBackend)
	}

	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set outside development (ENV=%q)", c.Env)
	}
	if c.IsProduction() && c.PaymentWebhookSecret == "" {
		return fmt.Errorf("PAYMENT_WEBHOOK_SECRET is required in production")
	}

	if c.WebhookTimeout <= 0 {
		return fmt.Errorf("WEBHOOK_TIMEOUT must be positive")
	}
	if c.OrderSweepInterval < 0 {
		return fmt.Errorf("ORDER_SWEEP_INTERVAL must not be negative")
	}
	if c.ReconcileMaxRetries < 1 {
		return fmt.Errorf("RECONCILE_MAX_RETRIES must be at least 1, got %d", c.ReconcileMaxRetries)
	}

	switch c.ArchiveDriver {
	case "none", "memory":
	case "s3":
		if c.ArchiveS3Bucket == "" {
			return fmt.Errorf("ARCHIVE_S3_BUCKET is required when ARCHIVE_DRIVER is s3")
		}
	default:
		return fmt.Errorf("ARCHIVE_DRIVER must be \"none\", \"memory\" or \"s3\", got %q", c.ArchiveDriver)
	}
	return nil
}
