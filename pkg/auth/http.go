// Package auth authenticates callers of the decision API with bearer tokens.
// A caller is the service asking for a decision; the principal being
// authorized travels in the request body and is never taken from the token.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/apathy-ca/sark-sub005/pkg/httpx"
)

const (
	ModeOff   = "off"
	ModeHS256 = "hs256"
	ModeRS256 = "rs256"

	// ScopeAuthorize grants the decision endpoints.
	ScopeAuthorize = "authorize"
	// ScopeAdmin grants cache control, audit lookup and the event stream.
	ScopeAdmin = "admin"

	DefaultJWKSRefresh = 5 * time.Minute

	// unknownKidBackoff bounds refetches triggered by unrecognized key ids.
	unknownKidBackoff = 10 * time.Second
)

var ErrMissingToken = errors.New("missing bearer token")

type Config struct {
	Mode        string        `yaml:"mode"`
	Secret      string        `yaml:"secret"`
	JWKSURL     string        `yaml:"jwks_url"`
	Issuer      string        `yaml:"issuer"`
	Audience    string        `yaml:"audience"`
	Timeout     time.Duration `yaml:"timeout"`
	JWKSRefresh time.Duration `yaml:"jwks_refresh"`
}

func (c Config) normalizedMode() string {
	m := strings.ToLower(strings.TrimSpace(c.Mode))
	if m == "" {
		return ModeOff
	}
	return m
}

func (c Config) Validate() error {
	switch c.normalizedMode() {
	case ModeOff:
	case ModeHS256:
		if strings.TrimSpace(c.Secret) == "" {
			return errors.New("auth mode hs256 requires auth.secret")
		}
	case ModeRS256:
		if !IsValidURL(c.JWKSURL) {
			return fmt.Errorf("auth mode rs256 requires a valid auth.jwks_url, got %q", c.JWKSURL)
		}
	default:
		return fmt.Errorf("auth.mode must be off, hs256 or rs256, got %q", c.Mode)
	}
	return nil
}

type Caller struct {
	Subject string
	Scopes  []string
}

type contextKey string

const callerContextKey contextKey = "sark.caller"

func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerContextKey, c)
}

func CallerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerContextKey).(Caller)
	return c, ok
}

// HasAnyScope matches case-insensitively. No required scopes always matches.
func HasAnyScope(c Caller, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	set := map[string]struct{}{}
	for _, s := range c.Scopes {
		set[strings.ToLower(strings.TrimSpace(s))] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[strings.ToLower(strings.TrimSpace(r))]; ok {
			return true
		}
	}
	return false
}

type Authenticator struct {
	cfg    Config
	mode   string
	keys   *jwksCache
	logger *slog.Logger
	now    func() time.Time
}

// New validates cfg and builds an authenticator. client fetches the JWKS in
// rs256 mode; nil gets a client bounded by cfg.Timeout.
func New(cfg Config, client *http.Client, logger *slog.Logger) (*Authenticator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Authenticator{cfg: cfg, mode: cfg.normalizedMode(), logger: logger, now: func() time.Time { return time.Now().UTC() }}
	if a.mode == ModeRS256 {
		a.keys = newJWKSCache(cfg.JWKSURL, client, cfg.Timeout, cfg.JWKSRefresh)
	}
	return a, nil
}

func (a *Authenticator) Mode() string { return a.mode }

func (a *Authenticator) Enabled() bool { return a.mode != ModeOff }

// Verify checks token against the configured mode.
func (a *Authenticator) Verify(ctx context.Context, token string) (Claims, error) {
	switch a.mode {
	case ModeHS256:
		return VerifyHS256Token(token, a.cfg.Secret, a.now(), a.cfg.Issuer, a.cfg.Audience)
	case ModeRS256:
		return VerifyRS256Token(ctx, token, a.now(), a.keys, a.cfg.Issuer, a.cfg.Audience)
	default:
		return Claims{}, fmt.Errorf("auth mode %q does not verify tokens", a.mode)
	}
}

// Middleware attaches the authenticated caller to the request context and
// answers 401 when a token is missing or invalid. With auth off every
// request proceeds as an anonymous caller.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), Caller{Subject: "anonymous"})))
			return
		}
		token, err := bearerToken(r)
		if err == nil {
			var claims Claims
			claims, err = a.Verify(r.Context(), token)
			if err == nil {
				next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), Caller{Subject: claims.Sub, Scopes: claims.Scopes})))
				return
			}
		}
		a.logger.Debug("caller authentication failed", "path", r.URL.Path, "error", err)
		w.Header().Set("WWW-Authenticate", `Bearer realm="sark"`)
		if errors.Is(err, ErrMissingToken) {
			httpx.Error(w, http.StatusUnauthorized, ErrMissingToken.Error())
			return
		}
		httpx.Error(w, http.StatusUnauthorized, "invalid token")
	})
}

// RequireScope answers 403 unless the caller holds one of scopes. It is a
// no-op with auth off.
func (a *Authenticator) RequireScope(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			c, ok := CallerFromContext(r.Context())
			if !ok {
				httpx.Error(w, http.StatusUnauthorized, ErrMissingToken.Error())
				return
			}
			if !HasAnyScope(c, scopes...) {
				httpx.Error(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < len("bearer ") || !strings.EqualFold(header[:len("bearer ")], "bearer ") {
		return "", ErrMissingToken
	}
	token := strings.TrimSpace(header[len("bearer "):])
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

type Claims struct {
	Sub       string
	Issuer    string
	Scopes    []string
	ExpiresAt time.Time
}

// scopeClaim accepts a space separated string or a list of strings. Any
// other shape reads as no scopes rather than a malformed token.
type scopeClaim []string

func (s *scopeClaim) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = strings.Fields(str)
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		*s = list
	}
	return nil
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Scope  scopeClaim `json:"scope,omitempty"`
	Scp    scopeClaim `json:"scp,omitempty"`
	Scopes scopeClaim `json:"scopes,omitempty"`
}

// claims prefers the OAuth "scope" claim, then "scp", then "scopes".
func (t *tokenClaims) claims() Claims {
	c := Claims{Sub: t.Subject, Issuer: t.Issuer}
	if t.ExpiresAt != nil {
		c.ExpiresAt = t.ExpiresAt.Time
	}
	for _, s := range []scopeClaim{t.Scope, t.Scp, t.Scopes} {
		if len(s) > 0 {
			c.Scopes = s
			break
		}
	}
	return c
}

func parseClaims(payload []byte) (Claims, error) {
	var t tokenClaims
	if err := json.Unmarshal(payload, &t); err != nil {
		return Claims{}, err
	}
	return t.claims(), nil
}

func parserFor(method string, now time.Time, issuer, audience string) *jwt.Parser {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{method}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return jwt.NewParser(opts...)
}

func verify(token, method string, now time.Time, issuer, audience string, key jwt.Keyfunc) (Claims, error) {
	var tc tokenClaims
	if _, err := parserFor(method, now, issuer, audience).ParseWithClaims(token, &tc, key); err != nil {
		return Claims{}, err
	}
	if tc.Subject == "" {
		return Claims{}, errors.New("subject required")
	}
	return tc.claims(), nil
}

func VerifyHS256Token(token, secret string, now time.Time, issuer, audience string) (Claims, error) {
	if secret == "" {
		return Claims{}, errors.New("secret is required")
	}
	return verify(token, jwt.SigningMethodHS256.Alg(), now, issuer, audience, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	})
}

func VerifyRS256Token(ctx context.Context, token string, now time.Time, keys *jwksCache, issuer, audience string) (Claims, error) {
	return verify(token, jwt.SigningMethodRS256.Alg(), now, issuer, audience, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if strings.TrimSpace(kid) == "" {
			return nil, errors.New("kid required")
		}
		return keys.key(ctx, kid, now)
	})
}

type jwksCache struct {
	url       string
	refreshIn time.Duration
	client    *http.Client

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
	fetchedAt time.Time
}

func newJWKSCache(jwksURL string, client *http.Client, timeout, refresh time.Duration) *jwksCache {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if refresh <= 0 {
		refresh = DefaultJWKSRefresh
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &jwksCache{
		url:       jwksURL,
		refreshIn: refresh,
		client:    client,
		keys:      map[string]*rsa.PublicKey{},
	}
}

func (c *jwksCache) key(ctx context.Context, kid string, now time.Time) (*rsa.PublicKey, error) {
	if c == nil {
		return nil, errors.New("jwks cache is nil")
	}
	if c.url == "" {
		return nil, errors.New("jwks url is required")
	}
	c.mu.RLock()
	if key, ok := c.keys[kid]; ok && now.Before(c.expiresAt) {
		c.mu.RUnlock()
		return key, nil
	}
	c.mu.RUnlock()
	if err := c.refresh(ctx, now, kid); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.keys[kid]
	if !ok {
		return nil, errors.New("kid not found in jwks")
	}
	return key, nil
}

// refresh refetches when the set has expired or does not know kid, so a
// rotated signing key is picked up before the refresh interval. Unknown
// kids refetch at most once per unknownKidBackoff.
func (c *jwksCache) refresh(ctx context.Context, now time.Time, kid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Before(c.expiresAt) {
		if _, known := c.keys[kid]; known {
			return nil
		}
		if now.Sub(c.fetchedAt) < unknownKidBackoff {
			return nil
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks fetch failed: status %d", resp.StatusCode)
	}
	var payload struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return err
	}
	next := map[string]*rsa.PublicKey{}
	for _, k := range payload.Keys {
		if strings.ToUpper(k.Kty) != "RSA" || strings.TrimSpace(k.Kid) == "" {
			continue
		}
		pub, err := rsaFromJWK(k.N, k.E)
		if err != nil {
			continue
		}
		next[k.Kid] = pub
	}
	if len(next) == 0 {
		return errors.New("jwks has no valid rsa keys")
	}
	c.keys = next
	c.fetchedAt = now
	c.expiresAt = now.Add(c.refreshIn)
	return nil
}

func rsaFromJWK(nB64, eB64 string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, err
	}
	if len(eb) == 0 || len(eb) > 4 {
		return nil, errors.New("invalid exponent")
	}
	e := 0
	for _, b := range eb {
		e = e<<8 + int(b)
	}
	if e <= 1 {
		return nil, errors.New("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}

func IsValidURL(raw string) bool {
	if strings.TrimSpace(raw) == "" {
		return false
	}
	parsed, err := url.Parse(raw)
	return err == nil && parsed.Scheme != "" && parsed.Host != ""
}
