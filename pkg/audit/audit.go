// Package audit records one event per terminal authorization decision and
// delivers it to pluggable sinks without ever blocking the request path.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/apathy-ca/sark-sub005/pkg/decision"
)

type Outcome string

const (
	OutcomeAllowed         Outcome = "allowed"
	OutcomeDeniedPolicy    Outcome = "denied_policy"
	OutcomeDeniedRateLimit Outcome = "denied_rate_limit"
	OutcomeDeniedError     Outcome = "denied_error"
)

// OutcomeFor classifies a decision by its reason.
func OutcomeFor(d decision.Decision) Outcome {
	if d.Allow {
		return OutcomeAllowed
	}
	switch d.Reason {
	case decision.ReasonRateLimited:
		return OutcomeDeniedRateLimit
	case decision.ReasonEvaluationError, decision.ReasonLookupError:
		return OutcomeDeniedError
	default:
		return OutcomeDeniedPolicy
	}
}

type Event struct {
	ID          string               `json:"id"`
	Request     decision.Request     `json:"request"`
	Decision    decision.Decision    `json:"decision"`
	Outcome     Outcome              `json:"outcome"`
	CacheHit    bool                 `json:"cache_hit"`
	Latency     time.Duration        `json:"latency_ns"`
	Sensitivity decision.Sensitivity `json:"sensitivity"`
	OccurredAt  time.Time            `json:"occurred_at"`
}

func NewEvent(req decision.Request, d decision.Decision, outcome Outcome, at time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Request:    req,
		Decision:   d,
		Outcome:    outcome,
		OccurredAt: at.UTC(),
	}
}

type Sink interface {
	Name() string
	Write(ctx context.Context, e Event) error
}

// Emitter accepts events without blocking. Implementations may drop.
type Emitter interface {
	Emit(e Event)
}

type Discard struct{}

func (Discard) Emit(Event) {}

// Fanout hands every event to each emitter in turn.
type Fanout []Emitter

func (f Fanout) Emit(e Event) {
	for _, em := range f {
		em.Emit(e)
	}
}

// MultiSink writes to every sink synchronously and joins their errors.
type MultiSink []Sink

func (m MultiSink) Name() string {
	names := make([]string, 0, len(m))
	for _, s := range m {
		names = append(names, s.Name())
	}
	return "multi(" + strings.Join(names, ",") + ")"
}

func (m MultiSink) Write(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

type LogSink struct {
	Logger *slog.Logger
	Level  slog.Level
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Write(ctx context.Context, e Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.LogAttrs(ctx, s.Level, "authorization decision",
		slog.String("event_id", e.ID),
		slog.String("principal", e.Request.Principal.ID),
		slog.String("role", string(e.Request.Principal.Role)),
		slog.String("action", e.Request.Action),
		slog.String("resource", e.Request.ResourceID),
		slog.String("sensitivity", e.Sensitivity.String()),
		slog.String("outcome", string(e.Outcome)),
		slog.Bool("allow", e.Decision.Allow),
		slog.String("reason", e.Decision.Reason),
		slog.String("policy_ref", e.Decision.PolicyRef),
		slog.Any("filtered_fields", e.Decision.FilteredFields),
		slog.Bool("cache_hit", e.CacheHit),
		slog.Duration("latency", e.Latency),
	)
	return nil
}
