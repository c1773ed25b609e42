package policyeval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apathy-ca/sark-sub005/pkg/decision"
)

func opaServer(t *testing.T, status int, body string, seen *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != DefaultOPAPolicyPath {
			http.NotFound(w, r)
			return
		}
		if seen != nil {
			var req map[string]any
			_ = json.NewDecoder(r.Body).Decode(&req)
			*seen = req
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func opaInput() Input {
	return input(decision.RoleDeveloper, []string{"payments"}, "tool:invoke",
		decision.Resource{ID: "tool-9", OwnerTeam: "payments", Sensitivity: decision.Medium})
}

func TestOPABackendAllow(t *testing.T) {
	var seen map[string]any
	srv := opaServer(t, http.StatusOK, `{"result":{"allow":true,"reason":"team_member"}}`, &seen)
	b, err := NewOPABackend(OPAConfig{URL: srv.URL + "/", PolicyVersion: "2026.1"}, srv.Client())
	require.NoError(t, err)

	out, err := b.Evaluate(context.Background(), opaInput())
	require.NoError(t, err)
	require.True(t, out.Allow)
	require.Equal(t, "team_member", out.Reason)
	require.Equal(t, "opa:2026.1:"+DefaultOPAPolicyPath, out.PolicyRef)

	in := seen["input"].(map[string]any)
	require.Equal(t, "tool:invoke", in["action"])
	require.Equal(t, "medium", in["resource"].(map[string]any)["sensitivity"])
}

func TestOPABackendAuditReasonAndDefaults(t *testing.T) {
	srv := opaServer(t, http.StatusOK, `{"result":{"allow":false,"audit_reason":"outside hours"}}`, nil)
	b, err := NewOPABackend(OPAConfig{URL: srv.URL}, srv.Client())
	require.NoError(t, err)
	out, err := b.Evaluate(context.Background(), opaInput())
	require.NoError(t, err)
	require.False(t, out.Allow)
	require.Equal(t, "outside hours", out.Reason)

	srv = opaServer(t, http.StatusOK, `{"result":{}}`, nil)
	b, _ = NewOPABackend(OPAConfig{URL: srv.URL}, srv.Client())
	out, err = b.Evaluate(context.Background(), opaInput())
	require.NoError(t, err)
	require.False(t, out.Allow, "missing allow means deny")
	require.Equal(t, "policy_deny", out.Reason)
}

func TestOPABackendErrors(t *testing.T) {
	cases := map[string]struct {
		status int
		body   string
	}{
		"server error": {http.StatusInternalServerError, `{"error":"boom"}`},
		"not found":    {http.StatusNotFound, `{}`},
		"no result":    {http.StatusOK, `{}`},
		"not json":     {http.StatusOK, `<html>`},
		"wrong type":   {http.StatusOK, `{"result":{"allow":"yes"}}`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			srv := opaServer(t, tc.status, tc.body, nil)
			b, err := NewOPABackend(OPAConfig{URL: srv.URL}, srv.Client())
			require.NoError(t, err)
			_, err = b.Evaluate(context.Background(), opaInput())
			require.ErrorIs(t, err, ErrMalformedResponse)
		})
	}
}

func TestOPABackendUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	b, err := NewOPABackend(OPAConfig{URL: url, Timeout: 200 * time.Millisecond}, nil)
	require.NoError(t, err)
	_, err = b.Evaluate(context.Background(), opaInput())
	require.Error(t, err)
}

func TestOPABackendBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"result":{"allow":true}}`))
	}))
	defer srv.Close()
	b, err := NewOPABackend(OPAConfig{URL: srv.URL, PolicyPath: "v1/data/x", BearerToken: "s3cret"}, srv.Client())
	require.NoError(t, err)
	out, err := b.Evaluate(context.Background(), opaInput())
	require.NoError(t, err)
	require.True(t, out.Allow)
	require.Equal(t, "opa:/v1/data/x", out.PolicyRef)
}

func TestOPABackendRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"result":{"allow":true}}`))
	}))
	defer srv.Close()

	b, err := NewOPABackend(OPAConfig{URL: srv.URL, Retries: 1, RetryDelay: time.Millisecond}, srv.Client())
	require.NoError(t, err)
	out, err := b.Evaluate(context.Background(), opaInput())
	require.NoError(t, err)
	require.True(t, out.Allow)
	require.EqualValues(t, 2, calls.Load())

	calls.Store(0)
	b, err = NewOPABackend(OPAConfig{URL: srv.URL}, srv.Client())
	require.NoError(t, err)
	_, err = b.Evaluate(context.Background(), opaInput())
	require.ErrorIs(t, err, ErrMalformedResponse, "without retries the 503 is final")
	require.EqualValues(t, 1, calls.Load())
}

func TestNewOPABackendRequiresURL(t *testing.T) {
	_, err := NewOPABackend(OPAConfig{}, nil)
	require.Error(t, err)
	_, err = NewOPABackend(OPAConfig{URL: "http://opa:8181", Retries: -1}, nil)
	require.Error(t, err)
}
