package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultPostgresMaxConns = 10
	postgresPingTimeout     = 2 * time.Second
)

// openPool is swapped in tests.
var openPool = pgxpool.NewWithConfig

type PostgresConfig struct {
	URL        string `yaml:"url"`
	RequireTLS bool   `yaml:"require_tls"`
	MaxConns   int32  `yaml:"max_conns"`
	MinConns   int32  `yaml:"min_conns"`
	// ConnectRetries bounds startup attempts; the database may still be
	// coming up alongside the service.
	ConnectRetries int           `yaml:"connect_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
}

// NewPostgresPool parses the DSN, applies pool limits and returns a pool
// that has answered a ping.
func NewPostgresPool(ctx context.Context, pc PostgresConfig) (*pgxpool.Pool, error) {
	dsn := strings.TrimSpace(pc.URL)
	if dsn == "" {
		return nil, fmt.Errorf("postgres url required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres url: %w", err)
	}
	if pc.RequireTLS {
		if err := requireTLS(cfg); err != nil {
			return nil, err
		}
	}
	cfg.MaxConns = defaultPostgresMaxConns
	if pc.MaxConns > 0 {
		cfg.MaxConns = pc.MaxConns
	}
	cfg.MinConns = min(max(pc.MinConns, 1), cfg.MaxConns)
	cfg.MaxConnIdleTime = 5 * time.Minute
	return connect(ctx, "postgres", pc.ConnectRetries, pc.RetryDelay, func(ctx context.Context) (*pgxpool.Pool, error) {
		pool, err := openPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, postgresPingTimeout)
		defer cancel()
		if err := pool.Ping(pingCtx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping: %w", err)
		}
		return pool, nil
	})
}

// requireTLS rejects configs that could connect in plaintext, which is
// what sslmode disable, allow and prefer (the libpq default) all permit.
func requireTLS(cfg *pgxpool.Config) error {
	plaintext := cfg.ConnConfig.TLSConfig == nil
	for _, fb := range cfg.ConnConfig.Fallbacks {
		plaintext = plaintext || fb.TLSConfig == nil
	}
	if plaintext {
		return fmt.Errorf("postgres require_tls is set but the dsn permits plaintext; use sslmode=require|verify-ca|verify-full")
	}
	return nil
}
