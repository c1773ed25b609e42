package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/apathy-ca/sark-sub005/pkg/decision"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresSink appends events to decision_events. With Redact set the
// principal id and context values are stored as salted SHA-256 digests.
type PostgresSink struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

func (*PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) Write(ctx context.Context, e Event) error {
	if s == nil || s.DB == nil {
		return fmt.Errorf("postgres sink: db required")
	}
	if s.Redact {
		e = redactor{key: s.HashSalt}.event(e)
	}
	fields, err := json.Marshal(nonNil(e.Decision.FilteredFields))
	if err != nil {
		return fmt.Errorf("encode filtered fields: %w", err)
	}
	var reqContext []byte
	if len(e.Request.Context) > 0 {
		if reqContext, err = json.Marshal(e.Request.Context); err != nil {
			return fmt.Errorf("encode context: %w", err)
		}
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO decision_events
		(event_id, principal_id, principal_role, action, resource_id, sensitivity, outcome, allow, reason, policy_ref, filtered_fields, context, cache_hit, latency_us, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (event_id) DO NOTHING
	`, e.ID, e.Request.Principal.ID, string(e.Request.Principal.Role), e.Request.Action, e.Request.ResourceID,
		e.Sensitivity.String(), string(e.Outcome), e.Decision.Allow, e.Decision.Reason, e.Decision.PolicyRef,
		json.RawMessage(fields), json.RawMessage(reqContext), e.CacheHit, e.Latency.Microseconds(), e.OccurredAt)
	return err
}

// Get loads a stored event. Redacted events come back with hashed values.
func (s *PostgresSink) Get(ctx context.Context, eventID string) (Event, error) {
	var (
		e           Event
		role        string
		sensitivity string
		outcome     string
		fields      json.RawMessage
		reqContext  json.RawMessage
		latencyUS   int64
	)
	row := s.DB.QueryRow(ctx, `
		SELECT event_id, principal_id, principal_role, action, resource_id, sensitivity, outcome, allow, reason, policy_ref, filtered_fields, context, cache_hit, latency_us, occurred_at
		FROM decision_events WHERE event_id=$1
	`, eventID)
	if err := row.Scan(&e.ID, &e.Request.Principal.ID, &role, &e.Request.Action, &e.Request.ResourceID,
		&sensitivity, &outcome, &e.Decision.Allow, &e.Decision.Reason, &e.Decision.PolicyRef,
		&fields, &reqContext, &e.CacheHit, &latencyUS, &e.OccurredAt); err != nil {
		return Event{}, err
	}
	sens, err := decision.ParseSensitivity(sensitivity)
	if err != nil {
		return Event{}, fmt.Errorf("stored sensitivity: %w", err)
	}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &e.Decision.FilteredFields); err != nil {
			return Event{}, fmt.Errorf("stored filtered fields: %w", err)
		}
		if len(e.Decision.FilteredFields) == 0 {
			e.Decision.FilteredFields = nil
		}
	}
	if len(reqContext) > 0 {
		if err := json.Unmarshal(reqContext, &e.Request.Context); err != nil {
			return Event{}, fmt.Errorf("stored context: %w", err)
		}
	}
	e.Request.Principal.Role = decision.Role(role)
	e.Sensitivity = sens
	e.Outcome = Outcome(outcome)
	e.Latency = time.Duration(latencyUS) * time.Microsecond
	e.Decision.EvaluatedAt = e.OccurredAt
	return e, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
