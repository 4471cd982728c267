package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig
	DB        DBConfig
	Redis     RedisConfig
	NATS      NATSConfig
	JWT       JWTConfig
	Credits   CreditsConfig
	Stripe    StripeConfig
	CORS      CORSConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type DBConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	Name           string
	SSLMode        string
	MaxConns       int32
	MigrationsPath string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NATSConfig is optional; an empty URL disables event publishing.
type NATSConfig struct {
	URL string
}

// JWTConfig holds the shared secret used by the identity provider to sign access tokens.
type JWTConfig struct {
	Secret   string
	Issuer   string
	Audience string
}

// Ledger backends accepted by CreditsConfig.Store.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// CreditsConfig tunes the credit ledger.
type CreditsConfig struct {
	DefaultLimit   int
	BurstPerMinute int
	// Store selects the ledger backend: "postgres" or "memory".
	Store string
}

type StripeConfig struct {
	WebhookSecret string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type RateLimitConfig struct {
	WebhookMaxRequests int
	WebhookWindowSec   int
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: k.String("server.host"),
			Port: k.Int("server.port"),
		},
		DB: DBConfig{
			Host:           k.String("db.host"),
			Port:           k.Int("db.port"),
			User:           k.String("db.user"),
			Password:       k.String("db.password"),
			Name:           k.String("db.name"),
			SSLMode:        k.String("db.sslmode"),
			MaxConns:       int32(k.Int("db.max.conns")),
			MigrationsPath: k.String("db.migrations.path"),
		},
		Redis: RedisConfig{
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
		},
		NATS: NATSConfig{
			URL: k.String("nats.url"),
		},
		JWT: JWTConfig{
			Secret:   k.String("jwt.secret"),
			Issuer:   k.String("jwt.issuer"),
			Audience: k.String("jwt.audience"),
		},
		Credits: CreditsConfig{
			DefaultLimit:   k.Int("credits.default.limit"),
			BurstPerMinute: k.Int("credits.burst.per.minute"),
			Store:          k.String("credits.store"),
		},
		Stripe: StripeConfig{
			WebhookSecret: k.String("stripe.webhook.secret"),
		},
		RateLimit: RateLimitConfig{
			WebhookMaxRequests: k.Int("ratelimit.webhook.max.requests"),
			WebhookWindowSec:   k.Int("ratelimit.webhook.window.sec"),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
	}

	if origins := k.String("cors.allowed.origins"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORS.AllowedOrigins = append(cfg.CORS.AllowedOrigins, o)
			}
		}
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "scentmatch"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "scentmatch"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 25
	}
	if cfg.DB.MigrationsPath == "" {
		cfg.DB.MigrationsPath = "migrations"
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.JWT.Audience == "" {
		cfg.JWT.Audience = "authenticated"
	}
	if cfg.Credits.DefaultLimit == 0 {
		cfg.Credits.DefaultLimit = 10
	}
	if cfg.Credits.BurstPerMinute == 0 {
		cfg.Credits.BurstPerMinute = 30
	}
	if cfg.Credits.Store == "" {
		cfg.Credits.Store = StorePostgres
	}
	if cfg.RateLimit.WebhookMaxRequests == 0 {
		cfg.RateLimit.WebhookMaxRequests = 120
	}
	if cfg.RateLimit.WebhookWindowSec == 0 {
		cfg.RateLimit.WebhookWindowSec = 60
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "debug"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
