// Package policyeval turns a request into an allow or deny decision by
// consulting a declarative policy backend. The evaluator is fail-closed:
// anything other than a well-formed answer from the backend is a deny.
package policyeval

import (
	"context"
	"errors"

	"github.com/apathy-ca/sark-sub005/pkg/decision"
)

var (
	// ErrMalformedResponse reports a backend answer that could not be
	// interpreted as a decision.
	ErrMalformedResponse = errors.New("policyeval: malformed backend response")
	ErrNoBackend         = errors.New("policyeval: no backend configured")
)

// Input is the structured document handed to the policy engine.
type Input struct {
	Principal decision.Principal
	Action    string
	Resource  decision.Resource
	Context   map[string]any
}

func NewInput(req decision.Request, res decision.Resource) Input {
	return Input{
		Principal: req.Principal,
		Action:    req.Action,
		Resource:  res,
		Context:   req.Context,
	}
}

// Document renders the input as plain maps and slices, the shape both
// embedded and remote engines consume.
func (in Input) Document() map[string]any {
	teams := make([]any, 0, len(in.Principal.Teams))
	for _, t := range in.Principal.Teams {
		teams = append(teams, t)
	}
	ctx := make(map[string]any, len(in.Context))
	for k, v := range in.Context {
		ctx[k] = v
	}
	return map[string]any{
		"principal": map[string]any{
			"id":    in.Principal.ID,
			"role":  string(in.Principal.Role),
			"teams": teams,
		},
		"action": in.Action,
		"resource": map[string]any{
			"id":                in.Resource.ID,
			"owner_team":        in.Resource.OwnerTeam,
			"sensitivity":       in.Resource.Sensitivity.String(),
			"sensitivity_level": int64(in.Resource.Sensitivity),
		},
		"context": ctx,
	}
}

type Output struct {
	Allow     bool
	Reason    string
	PolicyRef string
}

// Backend is a policy engine. Implementations must honor ctx and return an
// error rather than guess when they cannot reach a decision.
type Backend interface {
	Name() string
	Evaluate(ctx context.Context, in Input) (Output, error)
}
