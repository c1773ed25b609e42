// Package store opens the shared Redis and Postgres clients used by the
// rate limiter and the audit sink.
package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisAddr  = "localhost:6379"
	redisPingTimeout  = 2 * time.Second
	redisDialTimeout  = 2 * time.Second
	redisCallDeadline = 500 * time.Millisecond
)

type RedisTLSConfig struct {
	Enabled bool `yaml:"enabled"`
	// Insecure skips verification and is honored only with AllowInsecure.
	Insecure      bool   `yaml:"insecure"`
	AllowInsecure bool   `yaml:"allow_insecure"`
	ServerName    string `yaml:"server_name"`
	CACertFile    string `yaml:"ca_cert_file"`
	CertFile      string `yaml:"cert_file"`
	KeyFile       string `yaml:"key_file"`
}

// RedisConfig accepts either host:port in Addr or a redis:// or rediss://
// URL, whose credentials and database fill in unset fields.
type RedisConfig struct {
	Addr           string         `yaml:"addr"`
	Password       string         `yaml:"password"`
	DB             int            `yaml:"db"`
	PoolSize       int            `yaml:"pool_size"`
	RequireTLS     bool           `yaml:"require_tls"`
	TLS            RedisTLSConfig `yaml:"tls"`
	ConnectRetries int            `yaml:"connect_retries"`
	RetryDelay     time.Duration  `yaml:"retry_delay"`
}

func (c RedisConfig) options() (*redis.Options, error) {
	addr := strings.TrimSpace(c.Addr)
	opts := &redis.Options{Addr: addr}
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("redis url: %w", err)
		}
		opts = parsed
	}
	if opts.Addr == "" {
		opts.Addr = defaultRedisAddr
	}
	if c.Password != "" {
		opts.Password = c.Password
	}
	if c.DB != 0 {
		opts.DB = c.DB
	}
	tlsConfig, err := c.TLS.Build()
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		opts.TLSConfig = tlsConfig
	}
	if c.RequireTLS && opts.TLSConfig == nil {
		return nil, fmt.Errorf("redis: require_tls is set but tls is not enabled")
	}
	if c.PoolSize > 0 {
		opts.PoolSize = c.PoolSize
	}
	opts.DialTimeout = redisDialTimeout
	opts.ReadTimeout = redisCallDeadline
	opts.WriteTimeout = redisCallDeadline
	return opts, nil
}

// NewRedis connects and pings, retrying per ConnectRetries. The caller
// owns the returned client.
func NewRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}
	return connect(ctx, "redis "+opts.Addr, cfg.ConnectRetries, cfg.RetryDelay, func(ctx context.Context) (*redis.Client, error) {
		client := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping: %w", err)
		}
		return client, nil
	})
}

// Build returns nil when TLS is disabled.
func (c RedisTLSConfig) Build() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if c.Insecure && !c.AllowInsecure {
		return nil, fmt.Errorf("redis tls: insecure requires allow_insecure")
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         strings.TrimSpace(c.ServerName),
		InsecureSkipVerify: c.Insecure,
	}
	if caFile := strings.TrimSpace(c.CACertFile); caFile != "" {
		pool, err := loadCertPool(caFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	certFile, keyFile := strings.TrimSpace(c.CertFile), strings.TrimSpace(c.KeyFile)
	switch {
	case certFile == "" && keyFile == "":
	case certFile == "" || keyFile == "":
		return nil, fmt.Errorf("redis tls: both cert_file and key_file must be set")
	default:
		cert, err := tls.LoadX509KeyPair(filepath.Clean(certFile), filepath.Clean(keyFile))
		if err != nil {
			return nil, fmt.Errorf("redis tls: load client keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("redis tls: read ca cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("redis tls: %s holds no valid certificates", path)
	}
	return pool, nil
}
