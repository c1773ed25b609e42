// Package decision holds the data model shared by every stage of the
// authorization pipeline: principals, resources, requests, decisions and
// the sensitivity ladder that drives caching.
package decision

import (
	"sort"
	"strings"
	"time"
)

type Role string

const (
	RoleAdmin     Role = "admin"
	RoleTeamLead  Role = "team-lead"
	RoleDeveloper Role = "developer"
	RoleViewer    Role = "viewer"
	RoleService   Role = "service"
)

// ParseRole normalizes a role name. Unknown names are kept verbatim so
// policies can still match on them.
func ParseRole(raw string) Role {
	r := strings.ToLower(strings.TrimSpace(raw))
	switch r {
	case "teamlead", "team_lead":
		return RoleTeamLead
	}
	return Role(r)
}

func (r Role) IsAdmin() bool { return r == RoleAdmin }

type Principal struct {
	ID    string   `json:"id" yaml:"id"`
	Role  Role     `json:"role" yaml:"role"`
	Teams []string `json:"teams,omitempty" yaml:"teams,omitempty"`
}

func (p Principal) HasTeam(team string) bool {
	if team == "" {
		return false
	}
	for _, t := range p.Teams {
		if t == team {
			return true
		}
	}
	return false
}

type Resource struct {
	ID          string      `json:"id" yaml:"id"`
	OwnerTeam   string      `json:"owner_team,omitempty" yaml:"owner_team,omitempty"`
	Sensitivity Sensitivity `json:"sensitivity" yaml:"sensitivity"`
}

// Request is the unit the pipeline authorizes. Context carries policy
// relevant attributes such as timestamp, time of day or client IP.
type Request struct {
	Principal  Principal      `json:"principal"`
	Action     string         `json:"action"`
	ResourceID string         `json:"resource_id"`
	Context    map[string]any `json:"context,omitempty"`
}

const (
	ReasonEvaluationError = "evaluation_error"
	ReasonRateLimited     = "rate_limited"
	ReasonLookupError     = "resource_lookup_error"
	ReasonPolicyAllow     = "policy_allow"
	ReasonPolicyDeny      = "policy_deny"
)

// Decision is produced once per evaluation and never mutated afterwards.
// Methods that change fields return a copy.
type Decision struct {
	Allow          bool      `json:"allow"`
	Reason         string    `json:"reason"`
	FilteredFields []string  `json:"filtered_fields,omitempty"`
	EvaluatedAt    time.Time `json:"evaluated_at"`
	PolicyRef      string    `json:"policy_ref,omitempty"`
}

func Deny(reason string, at time.Time) Decision {
	return Decision{Allow: false, Reason: reason, EvaluatedAt: at.UTC()}
}

// EvaluationError is the fail-closed decision used for every evaluator
// failure: errors, timeouts, open breakers and malformed responses.
func EvaluationError(at time.Time) Decision {
	return Deny(ReasonEvaluationError, at)
}

// WithFilteredFields returns a copy carrying the given field paths, sorted.
func (d Decision) WithFilteredFields(fields []string) Decision {
	out := d
	if len(fields) == 0 {
		out.FilteredFields = nil
		return out
	}
	cp := append([]string(nil), fields...)
	sort.Strings(cp)
	out.FilteredFields = cp
	return out
}

// Equal compares decisions field by field, treating nil and empty filtered
// field lists alike.
func (d Decision) Equal(o Decision) bool {
	if d.Allow != o.Allow || d.Reason != o.Reason || d.PolicyRef != o.PolicyRef {
		return false
	}
	if !d.EvaluatedAt.Equal(o.EvaluatedAt) {
		return false
	}
	if len(d.FilteredFields) != len(o.FilteredFields) {
		return false
	}
	for i := range d.FilteredFields {
		if d.FilteredFields[i] != o.FilteredFields[i] {
			return false
		}
	}
	return true
}
