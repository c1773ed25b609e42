package store

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func TestRequireTLS(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		dsn     string
		wantErr string
	}{
		{name: "verify_full", dsn: "postgres://u:p@db:5432/x?sslmode=verify-full"},
		{name: "require", dsn: "postgres://u:p@db:5432/x?sslmode=require"},
		{name: "keyword_form", dsn: "host=db user=u dbname=x sslmode=require"},
		{name: "disable", dsn: "postgres://u:p@db:5432/x?sslmode=disable", wantErr: "permits plaintext"},
		{name: "allow", dsn: "postgres://u:p@db:5432/x?sslmode=allow", wantErr: "permits plaintext"},
		{name: "prefer", dsn: "postgres://u:p@db:5432/x?sslmode=prefer", wantErr: "permits plaintext"},
		{name: "default_is_prefer", dsn: "postgres://u:p@db:5432/x", wantErr: "permits plaintext"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := pgxpool.ParseConfig(tt.dsn)
			if err != nil {
				t.Fatalf("parse %q: %v", tt.dsn, err)
			}
			err = requireTLS(cfg)
			switch {
			case tt.wantErr == "" && err != nil:
				t.Fatalf("unexpected error for %q: %v", tt.dsn, err)
			case tt.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tt.wantErr)):
				t.Fatalf("expected %q for %q, got %v", tt.wantErr, tt.dsn, err)
			}
		})
	}
}

func TestNewPostgresPoolRejectsInvalidInputs(t *testing.T) {
	if _, err := NewPostgresPool(context.Background(), PostgresConfig{URL: "  "}); err == nil {
		t.Fatal("expected error for empty url")
	}
	if _, err := NewPostgresPool(context.Background(), PostgresConfig{URL: "://bad"}); err == nil {
		t.Fatal("expected parse error for invalid dsn")
	}
	_, err := NewPostgresPool(context.Background(), PostgresConfig{
		URL:        "postgres://u:p@db:5432/x?sslmode=disable",
		RequireTLS: true,
	})
	if err == nil || !strings.Contains(err.Error(), "require_tls") {
		t.Fatalf("expected tls requirement error, got %v", err)
	}
}

func stubOpenPool(t *testing.T, fn func(context.Context, *pgxpool.Config) (*pgxpool.Pool, error)) {
	t.Helper()
	orig := openPool
	t.Cleanup(func() { openPool = orig })
	openPool = fn
}

func TestNewPostgresPoolPingFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	_, err = NewPostgresPool(context.Background(), PostgresConfig{
		URL:            "postgres://u:p@" + addr + "/x?sslmode=disable",
		ConnectRetries: 2,
		RetryDelay:     time.Millisecond,
	})
	if err == nil || !strings.Contains(err.Error(), "postgres: 2 attempt(s) failed") || !strings.Contains(err.Error(), "ping") {
		t.Fatalf("expected exhausted ping error, got %v", err)
	}
}

func TestNewPostgresPoolRetriesAndAppliesLimits(t *testing.T) {
	var (
		attempts int
		stamps   []time.Time
		seen     *pgxpool.Config
	)
	stubOpenPool(t, func(_ context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error) {
		attempts++
		stamps = append(stamps, time.Now())
		seen = cfg
		return nil, errors.New("boom")
	})

	_, err := NewPostgresPool(context.Background(), PostgresConfig{
		URL:            "postgres://u:p@127.0.0.1:5432/x?sslmode=disable",
		MaxConns:       4,
		MinConns:       9,
		ConnectRetries: 3,
		RetryDelay:     5 * time.Millisecond,
	})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected wrapped retry error, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if gap := stamps[2].Sub(stamps[1]); gap < 10*time.Millisecond {
		t.Fatalf("expected doubled delay before third attempt, got %s", gap)
	}
	if seen.MaxConns != 4 || seen.MinConns != 4 || seen.MaxConnIdleTime != 5*time.Minute {
		t.Fatalf("unexpected pool limits max=%d min=%d idle=%s", seen.MaxConns, seen.MinConns, seen.MaxConnIdleTime)
	}
}

func TestNewPostgresPoolStopsWhenContextEnds(t *testing.T) {
	attempts := 0
	stubOpenPool(t, func(context.Context, *pgxpool.Config) (*pgxpool.Pool, error) {
		attempts++
		return nil, errors.New("db starting")
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewPostgresPool(ctx, PostgresConfig{
		URL:            "postgres://u:p@127.0.0.1:5432/x?sslmode=disable",
		ConnectRetries: 30,
		RetryDelay:     time.Hour,
	})
	if !errors.Is(err, context.DeadlineExceeded) || !strings.Contains(err.Error(), "db starting") {
		t.Fatalf("expected deadline joined with last error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected one attempt before the wait was cut short, got %d", attempts)
	}
}
