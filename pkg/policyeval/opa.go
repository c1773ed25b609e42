package policyeval

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/apathy-ca/sark-sub005/pkg/httpx"
	"github.com/apathy-ca/sark-sub005/pkg/telemetry"
)

const (
	DefaultOPAPolicyPath = "/v1/data/sark/authz"
	defaultOPATimeout    = 5 * time.Second
)

type OPAConfig struct {
	URL           string        `yaml:"url"`
	PolicyPath    string        `yaml:"policy_path"`
	Timeout       time.Duration `yaml:"timeout"`
	PolicyVersion string        `yaml:"policy_version"`
	BearerToken   string        `yaml:"bearer_token"`
	Retries       int           `yaml:"retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// OPABackend queries an Open Policy Agent server over HTTP. Transport
// errors and 5xx replies are retried up to Retries times inside the
// caller's deadline. Whatever is left surfaces as an error so the evaluator
// denies and the breaker counts it.
type OPABackend struct {
	cfg    OPAConfig
	client *http.Client
}

func NewOPABackend(cfg OPAConfig, client *http.Client) (*OPABackend, error) {
	cfg.URL = strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if cfg.URL == "" {
		return nil, fmt.Errorf("opa backend: url required")
	}
	if cfg.PolicyPath == "" {
		cfg.PolicyPath = DefaultOPAPolicyPath
	}
	if !strings.HasPrefix(cfg.PolicyPath, "/") {
		cfg.PolicyPath = "/" + cfg.PolicyPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultOPATimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("opa backend: retries must be >= 0")
	}
	if client == nil {
		client = telemetry.InstrumentClient(nil, cfg.Timeout)
	}
	return &OPABackend{cfg: cfg, client: client}, nil
}

func (o *OPABackend) Name() string { return "opa" }

type opaRequest struct {
	Input map[string]any `json:"input"`
}

type opaResponse struct {
	Result *opaResult `json:"result"`
}

type opaResult struct {
	Allow       *bool  `json:"allow"`
	Reason      string `json:"reason"`
	AuditReason string `json:"audit_reason"`
	PolicyRef   string `json:"policy_ref"`
}

func (o *OPABackend) Evaluate(ctx context.Context, in Input) (Output, error) {
	payload, err := json.Marshal(opaRequest{Input: in.Document()})
	if err != nil {
		return Output{}, fmt.Errorf("opa: encode input: %w", err)
	}
	var headers map[string]string
	if o.cfg.BearerToken != "" {
		headers = map[string]string{"Authorization": "Bearer " + o.cfg.BearerToken}
	}
	res, err := httpx.DoJSON(ctx, o.client, httpx.JSONRequest{
		Method:     http.MethodPost,
		URL:        o.cfg.URL + o.cfg.PolicyPath,
		Body:       payload,
		Headers:    headers,
		Retries:    o.cfg.Retries,
		RetryDelay: o.cfg.RetryDelay,
	})
	if err != nil {
		return Output{}, fmt.Errorf("opa: request after %d attempt(s): %w", res.Attempts, err)
	}
	if res.Status != http.StatusOK {
		return Output{}, fmt.Errorf("opa: status %d: %w", res.Status, ErrMalformedResponse)
	}
	var resp opaResponse
	if err := json.Unmarshal(res.Body, &resp); err != nil {
		return Output{}, fmt.Errorf("opa: decode response: %v: %w", err, ErrMalformedResponse)
	}
	if resp.Result == nil {
		return Output{}, fmt.Errorf("opa: response has no result: %w", ErrMalformedResponse)
	}
	allow := resp.Result.Allow != nil && *resp.Result.Allow
	reason := resp.Result.Reason
	if reason == "" {
		reason = resp.Result.AuditReason
	}
	if reason == "" {
		reason = "policy_deny"
		if allow {
			reason = "policy_allow"
		}
	}
	ref := resp.Result.PolicyRef
	if ref == "" {
		ref = "opa:" + o.cfg.PolicyPath
		if o.cfg.PolicyVersion != "" {
			ref = "opa:" + o.cfg.PolicyVersion + ":" + o.cfg.PolicyPath
		}
	}
	return Output{Allow: allow, Reason: reason, PolicyRef: ref}, nil
}
