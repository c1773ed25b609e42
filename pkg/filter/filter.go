// Package filter strips sensitive fields from payloads returned under an
// allow decision. Apply is pure: the input payload is never modified and
// identical inputs give identical outputs.
package filter

import (
	"sort"
	"strconv"
	"strings"

	"github.com/apathy-ca/sark-sub005/pkg/decision"
)

// DefaultPatterns match key names case-insensitively by substring.
var DefaultPatterns = []string{"password", "secret", "token", "credential", "api_key", "private_key"}

// DefaultExtraPatterns apply to non-admin payloads of resources at or above
// the given sensitivity.
var DefaultExtraPatterns = map[decision.Sensitivity][]string{
	decision.High: {"ssn", "email"},
}

type tier struct {
	level    decision.Sensitivity
	patterns []string
}

type Filter struct {
	patterns []string
	tiers    []tier
}

// New builds a filter. A nil patterns slice selects DefaultPatterns and a
// nil extra map selects DefaultExtraPatterns; pass empty values to disable.
func New(patterns []string, extra map[decision.Sensitivity][]string) *Filter {
	if patterns == nil {
		patterns = DefaultPatterns
	}
	if extra == nil {
		extra = DefaultExtraPatterns
	}
	f := &Filter{patterns: normalize(patterns)}
	for level, ps := range extra {
		if n := normalize(ps); len(n) > 0 {
			f.tiers = append(f.tiers, tier{level: level, patterns: n})
		}
	}
	sort.Slice(f.tiers, func(i, j int) bool { return f.tiers[i].level < f.tiers[j].level })
	return f
}

func normalize(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Apply returns the payload the caller may see and the decision annotated
// with the removed field paths. Deny decisions release no payload. Admins
// receive the payload unchanged.
func (f *Filter) Apply(d decision.Decision, role decision.Role, sensitivity decision.Sensitivity, payload map[string]any) (map[string]any, decision.Decision) {
	if !d.Allow {
		return nil, d.WithFilteredFields(nil)
	}
	if payload == nil {
		return nil, d.WithFilteredFields(nil)
	}
	if role.IsAdmin() {
		return cloneMap(payload), d.WithFilteredFields(nil)
	}
	w := walker{patterns: f.patternsFor(sensitivity)}
	out := w.filterMap(payload, "")
	return out, d.WithFilteredFields(w.removed)
}

func (f *Filter) patternsFor(s decision.Sensitivity) []string {
	ps := f.patterns
	for _, t := range f.tiers {
		if s >= t.level {
			ps = append(append([]string(nil), ps...), t.patterns...)
		}
	}
	return ps
}

type walker struct {
	patterns []string
	removed  []string
}

func (w *walker) sensitive(key string) bool {
	k := strings.ToLower(key)
	for _, p := range w.patterns {
		if strings.Contains(k, p) {
			return true
		}
	}
	return false
}

func (w *walker) filterMap(in map[string]any, prefix string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if w.sensitive(k) {
			w.removed = append(w.removed, path)
			continue
		}
		out[k] = w.filterValue(v, path)
	}
	return out
}

func (w *walker) filterValue(v any, path string) any {
	switch t := v.(type) {
	case map[string]any:
		return w.filterMap(t, path)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = w.filterValue(item, path+"["+strconv.Itoa(i)+"]")
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(t))
		for i, item := range t {
			out[i] = w.filterMap(item, path+"["+strconv.Itoa(i)+"]")
		}
		return out
	default:
		return v
	}
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(t))
		for i, item := range t {
			out[i] = cloneMap(item)
		}
		return out
	default:
		return v
	}
}
