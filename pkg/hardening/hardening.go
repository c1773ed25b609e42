// Package hardening refuses to start production-like deployments whose
// transports would carry decisions, audit records or caller credentials in
// the clear.
package hardening

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

// ErrStrict wraps every hardening failure.
var ErrStrict = errors.New("strict production hardening")

type Requirement struct {
	Name  string
	Value string
}

type Options struct {
	Service     string
	Environment string
	// DisableStrict turns the checks off even in production-like
	// environments.
	DisableStrict bool

	RedisAddr        string
	RedisRequireTLS  bool
	RedisTLSEnabled  bool
	RedisTLSInsecure bool

	DatabaseURL        string
	DatabaseRequireTLS bool

	PolicyBackend string
	OPAURL        string

	// JWKSURL is set when callers are verified against remote signing keys.
	JWKSURL string

	RequiredSecrets []Requirement
}

// ValidateProduction reports every violation at once so an operator can
// fix a deployment in one pass.
func ValidateProduction(o Options) error {
	if !IsProductionLike(o.Environment) || o.DisableStrict {
		return nil
	}
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if strings.TrimSpace(o.DatabaseURL) != "" && !o.DatabaseRequireTLS {
		add("postgres.require_tls must be set")
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		switch {
		case !o.RedisRequireTLS || !o.RedisTLSEnabled:
			add("redis tls must be enabled and required")
		case o.RedisTLSInsecure:
			add("redis tls must verify the server")
		}
	}
	opaURL := strings.TrimSpace(o.OPAURL)
	if opaURL == "" && strings.EqualFold(strings.TrimSpace(o.PolicyBackend), "opa") {
		add("policy.opa.url is required")
	}
	if opaURL != "" {
		if msg := remoteHTTPS("policy.opa.url", opaURL); msg != "" {
			add("%s", msg)
		}
	}
	if jwks := strings.TrimSpace(o.JWKSURL); jwks != "" {
		if msg := remoteHTTPS("auth.jwks_url", jwks); msg != "" {
			add("%s", msg)
		}
	}
	for _, req := range o.RequiredSecrets {
		if strings.TrimSpace(req.Name) != "" && strings.TrimSpace(req.Value) == "" {
			add("%s is required", req.Name)
		}
	}
	if len(problems) == 0 {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	return fmt.Errorf("%s: %w: %s", service, ErrStrict, strings.Join(problems, "; "))
}

// remoteHTTPS returns a problem description unless raw is an https URL
// naming a non-loopback host.
func remoteHTTPS(field, raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Sprintf("%s is invalid: %v", field, err)
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return fmt.Sprintf("%s must use https, got %q", field, raw)
	}
	if isLoopback(u.Hostname()) {
		return fmt.Sprintf("%s must not point at loopback, got %q", field, raw)
	}
	return ""
}

func isLoopback(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	addr, err := netip.ParseAddr(host)
	return err == nil && addr.IsLoopback()
}

func IsProductionLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
