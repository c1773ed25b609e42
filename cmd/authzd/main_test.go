package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/apathy-ca/sark-sub005/pkg/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "authzd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunHelp(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), []string{"--help"}, &out); err != nil {
		t.Fatalf("help should not fail: %v", err)
	}
	if !strings.Contains(out.String(), "--config") {
		t.Fatalf("usage missing flags: %s", out.String())
	}
}

func TestRunCheckOnly(t *testing.T) {
	path := writeConfig(t, "listen_addr: 127.0.0.1:0\nlog_level: debug\n")
	var out bytes.Buffer
	if err := run(context.Background(), []string{"-c", path, "--check"}, &out); err != nil {
		t.Fatalf("check: %v", err)
	}
	if !strings.Contains(out.String(), "configuration ok") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestRunRejectsBadFlagsAndConfig(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), []string{"--no-such-flag"}, &out); err == nil {
		t.Fatal("expected unknown flag error")
	}
	path := writeConfig(t, "max_cache_entries: -1\n")
	err := run(context.Background(), []string{"--config", path, "--check"}, &out)
	if !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestLoadConfigPrecedence(t *testing.T) {
	path := writeConfig(t, "listen_addr: 127.0.0.1:7000\nlog_level: warn\nmax_cache_entries: 50\n")
	t.Setenv("SARK_LISTEN_ADDR", "127.0.0.1:7001")
	t.Setenv("SARK_MAX_CACHE_ENTRIES", "60")

	cfg, err := loadConfig(path, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != "127.0.0.1:7001" || cfg.MaxCacheEntries != 60 || cfg.LogLevel != "warn" {
		t.Fatalf("env should override file: %+v", cfg)
	}

	cfg, err = loadConfig(path, "127.0.0.1:7002", "error")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != "127.0.0.1:7002" || cfg.LogLevel != "error" {
		t.Fatalf("flags should override env: %+v", cfg)
	}

	if _, err := loadConfig("", "", "loud"); !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected invalid log level, got %v", err)
	}
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"), "", ""); err == nil {
		t.Fatal("expected missing file error")
	}
}

func TestLoadConfigProductionHardening(t *testing.T) {
	t.Setenv("SARK_ENVIRONMENT", "production")
	t.Setenv("SARK_POLICY_BACKEND", "opa")
	t.Setenv("SARK_OPA_URL", "http://opa.internal:8181")
	if _, err := loadConfig("", "", ""); err == nil {
		t.Fatal("plain http opa url must be rejected in production")
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	cfg.ShutdownTimeout = 5 * time.Second
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, quietLogger(), defaultDeps(), ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never became healthy: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestServeFailsOnBrokenDependency(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	cfg.Audit.Sinks = []string{"carrier-pigeon"}
	err = serve(context.Background(), cfg, quietLogger(), defaultDeps(), ln)
	if err == nil || !strings.Contains(err.Error(), "carrier-pigeon") {
		t.Fatalf("expected unknown sink error, got %v", err)
	}
	if _, err := ln.Accept(); err == nil {
		t.Fatal("listener should be closed")
	}
}
