package decision

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// Key is the decision fingerprint used as the cache key.
type Key [32]byte

func (k Key) String() string { return hex.EncodeToString(k[:]) }

func (k Key) IsZero() bool { return k == Key{} }

// KeyBuilder fingerprints requests. Only context fields named in
// ContextFields participate; everything else in the request context is
// ignored so per-request noise such as timestamps does not fragment the
// cache. An empty list excludes the context entirely.
type KeyBuilder struct {
	fields []string
}

func NewKeyBuilder(contextFields []string) KeyBuilder {
	seen := map[string]struct{}{}
	fields := make([]string, 0, len(contextFields))
	for _, f := range contextFields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return KeyBuilder{fields: fields}
}

func (b KeyBuilder) ContextFields() []string {
	return append([]string(nil), b.fields...)
}

type keyDocument struct {
	PrincipalID string         `json:"principal_id"`
	Action      string         `json:"action"`
	ResourceID  string         `json:"resource_id"`
	Context     map[string]any `json:"context"`
}

// Build returns the fingerprint of (principal id, action, resource id,
// allow-listed context). A context value that cannot be encoded as JSON is
// an error; callers must then skip the cache rather than guess a key.
func (b KeyBuilder) Build(req Request) (Key, error) {
	doc := keyDocument{
		PrincipalID: req.Principal.ID,
		Action:      req.Action,
		ResourceID:  req.ResourceID,
		Context:     b.normalizeContext(req.Context),
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return Key{}, fmt.Errorf("decision key: encode request: %w", err)
	}
	canon, err := CanonicalJSON(raw)
	if err != nil {
		return Key{}, fmt.Errorf("decision key: canonicalize: %w", err)
	}
	return Key(blake3.Sum256(canon)), nil
}

func (b KeyBuilder) normalizeContext(ctx map[string]any) map[string]any {
	out := map[string]any{}
	if len(ctx) == 0 || len(b.fields) == 0 {
		return out
	}
	for _, f := range b.fields {
		if v, ok := ctx[f]; ok {
			out[f] = v
		}
	}
	return out
}
