package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/apathy-ca/sark-sub005/pkg/decision"
)

// redactor pseudonymizes the identifying parts of an event with
// HMAC-SHA256 under the configured salt. Equal inputs under the same salt
// produce equal digests, so redacted records can still be joined.
type redactor struct {
	key []byte
}

func (r redactor) event(e Event) Event {
	e.Request.Principal.ID = r.text(e.Request.Principal.ID)
	if len(e.Request.Principal.Teams) > 0 {
		teams := make([]string, len(e.Request.Principal.Teams))
		for i, team := range e.Request.Principal.Teams {
			teams[i] = r.text(team)
		}
		e.Request.Principal.Teams = teams
	}
	e.Request.Context = r.context(e.Request.Context)
	return e
}

// context keeps attribute names and digests each value's canonical JSON,
// so nested maps hash the same regardless of key order.
func (r redactor) context(ctx map[string]any) map[string]any {
	if len(ctx) == 0 {
		return nil
	}
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		out[k] = r.value(v)
	}
	return out
}

func (r redactor) value(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	if canon, err := decision.CanonicalJSON(raw); err == nil {
		raw = canon
	}
	return r.sum(raw)
}

func (r redactor) text(s string) string {
	if s == "" {
		return ""
	}
	return r.sum([]byte(s))
}

func (r redactor) sum(b []byte) string {
	mac := hmac.New(sha256.New, r.key)
	_, _ = mac.Write(b)
	return hex.EncodeToString(mac.Sum(nil))
}
