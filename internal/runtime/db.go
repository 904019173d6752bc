package runtime

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/open-fiscus/fiscus/config"
	"github.com/open-fiscus/fiscus/internal/store"
)

// BuildPostgresDSN constructs a DSN from the application configuration.
func BuildPostgresDSN(cfg *config.Config) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("config is nil")
	}
	p := cfg.Storage.Postgres
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres configuration incomplete: host/dbname required")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// OpenStore connects to Postgres using the configured DSN and pings it.
func OpenStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	dsn, err := BuildPostgresDSN(cfg)
	if err != nil {
		return nil, err
	}
	return store.New(ctx, dsn)
}

// NewRedisClient builds a Redis client from storage configuration.
func NewRedisClient(cfg *config.Config) (*redis.Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	r := cfg.Storage.Redis
	if err := r.Validate(); err != nil {
		return nil, err
	}
	opts := &redis.Options{Addr: r.Addr(), Password: r.Password, DB: r.DB}
	if r.Timeout > 0 {
		opts.DialTimeout = r.Timeout
		opts.ReadTimeout = r.Timeout
		opts.WriteTimeout = r.Timeout
	}
	return redis.NewClient(opts), nil
}
