package hardening

import (
	"errors"
	"strings"
	"testing"
)

func productionOptions() Options {
	return Options{
		Service:            "authzd",
		Environment:        "production",
		RedisAddr:          "redis:6379",
		RedisRequireTLS:    true,
		RedisTLSEnabled:    true,
		DatabaseURL:        "postgres://db/sark?sslmode=verify-full",
		DatabaseRequireTLS: true,
		PolicyBackend:      "opa",
		OPAURL:             "https://opa.internal:8181",
		JWKSURL:            "https://idp.internal/.well-known/jwks.json",
		RequiredSecrets:    []Requirement{{Name: "audit.hash_salt", Value: "salt"}},
	}
}

func TestValidateProductionPasses(t *testing.T) {
	if err := ValidateProduction(productionOptions()); err != nil {
		t.Fatalf("expected pass, got %v", err)
	}

	dev := productionOptions()
	dev.Environment = "development"
	dev.DatabaseRequireTLS = false
	dev.OPAURL = "http://localhost:8181"
	if err := ValidateProduction(dev); err != nil {
		t.Fatalf("expected skip in non-production, got %v", err)
	}

	relaxed := productionOptions()
	relaxed.DisableStrict = true
	relaxed.RedisRequireTLS = false
	if err := ValidateProduction(relaxed); err != nil {
		t.Fatalf("expected strict disable skip, got %v", err)
	}

	embedded := Options{Environment: "staging", PolicyBackend: "cel"}
	if err := ValidateProduction(embedded); err != nil {
		t.Fatalf("embedded-only deployment should pass, got %v", err)
	}
}

func TestValidateProductionFailures(t *testing.T) {
	failures := map[string]struct {
		mutate func(*Options)
		want   string
	}{
		"db tls":          {func(o *Options) { o.DatabaseRequireTLS = false }, "postgres.require_tls"},
		"redis required":  {func(o *Options) { o.RedisRequireTLS = false }, "redis tls must be enabled"},
		"redis enabled":   {func(o *Options) { o.RedisTLSEnabled = false }, "redis tls must be enabled"},
		"redis insecure":  {func(o *Options) { o.RedisTLSInsecure = true }, "verify the server"},
		"opa http":        {func(o *Options) { o.OPAURL = "http://opa.internal:8181" }, "must use https"},
		"opa localhost":   {func(o *Options) { o.OPAURL = "https://localhost:8181" }, "loopback"},
		"opa loopback ip": {func(o *Options) { o.OPAURL = "https://127.0.0.2:8181" }, "loopback"},
		"opa ipv6":        {func(o *Options) { o.OPAURL = "https://[::1]:8181" }, "loopback"},
		"opa missing":     {func(o *Options) { o.OPAURL = "" }, "policy.opa.url is required"},
		"opa invalid":     {func(o *Options) { o.OPAURL = "https://[::1" }, "policy.opa.url is invalid"},
		"secret missing":  {func(o *Options) { o.RequiredSecrets = []Requirement{{Name: "audit.hash_salt"}} }, "audit.hash_salt is required"},
		"jwks http":       {func(o *Options) { o.JWKSURL = "http://idp.internal/jwks" }, "auth.jwks_url must use https"},
		"jwks invalid":    {func(o *Options) { o.JWKSURL = "https://[::1" }, "auth.jwks_url is invalid"},
	}
	for name, tc := range failures {
		t.Run(name, func(t *testing.T) {
			o := productionOptions()
			tc.mutate(&o)
			err := ValidateProduction(o)
			if !errors.Is(err, ErrStrict) {
				t.Fatalf("expected ErrStrict, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.want) || !strings.HasPrefix(err.Error(), "authzd: ") {
				t.Fatalf("error %q should mention %q", err, tc.want)
			}
		})
	}
}

func TestValidateProductionReportsEveryProblem(t *testing.T) {
	o := productionOptions()
	o.Service = ""
	o.DatabaseRequireTLS = false
	o.JWKSURL = "http://idp.internal/jwks"
	err := ValidateProduction(o)
	if err == nil || !strings.HasPrefix(err.Error(), "service: ") {
		t.Fatalf("unexpected error %v", err)
	}
	if !strings.Contains(err.Error(), "postgres.require_tls") || !strings.Contains(err.Error(), "auth.jwks_url") {
		t.Fatalf("expected both problems, got %v", err)
	}
}

func TestIsProductionLike(t *testing.T) {
	for env, want := range map[string]bool{"prod": true, " Production ": true, "stage": true, "dev": false, "": false} {
		if got := IsProductionLike(env); got != want {
			t.Fatalf("IsProductionLike(%q) = %v", env, got)
		}
	}
}
