package statebus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// RolloverMessage is the control message announcing the active policy
// version.
type RolloverMessage struct {
	PolicyVersion string `json:"policy_version"`
}

type RolloverOptions struct {
	// Initial is the version already in effect; a message repeating it is
	// not a rollover.
	Initial string
	// OnRollover runs synchronously for every version change.
	OnRollover func(previous, current string)
	Logger     *slog.Logger
	// RetryDelay is the pause after a read error.
	RetryDelay time.Duration
}

type Rollover struct {
	consumer   Consumer
	onRollover func(previous, current string)
	logger     *slog.Logger
	retryDelay time.Duration

	mu      sync.Mutex
	current string
}

func NewRollover(c Consumer, opts RolloverOptions) *Rollover {
	r := &Rollover{
		consumer:   c,
		onRollover: opts.OnRollover,
		logger:     opts.Logger,
		retryDelay: opts.RetryDelay,
		current:    strings.TrimSpace(opts.Initial),
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "statebus")
	if r.retryDelay <= 0 {
		r.retryDelay = time.Second
	}
	return r
}

func (r *Rollover) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Run consumes until ctx is done. Every message is committed once handled,
// malformed ones included, so a restart resumes after the last applied
// rollover.
func (r *Rollover) Run(ctx context.Context) error {
	for {
		msg, err := r.consumer.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			r.logger.Warn("policy control read failed", "error", err)
			if !r.pause(ctx) {
				return nil
			}
			continue
		}
		r.Handle(msg)
		if err := r.consumer.CommitMessage(ctx, msg); err != nil && ctx.Err() == nil {
			r.logger.Warn("policy control commit failed", "offset", msg.Offset, "error", err)
		}
	}
}

func (r *Rollover) pause(ctx context.Context) bool {
	t := time.NewTimer(r.retryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Handle applies one control message and reports whether it changed the
// active version.
func (r *Rollover) Handle(msg Message) bool {
	var m RolloverMessage
	if err := json.Unmarshal(msg.Value, &m); err != nil {
		r.logger.Warn("malformed policy control message", "error", err)
		return false
	}
	version := strings.TrimSpace(m.PolicyVersion)
	if version == "" {
		r.logger.Warn("policy control message without policy_version")
		return false
	}
	r.mu.Lock()
	previous := r.current
	if previous == version {
		r.mu.Unlock()
		return false
	}
	r.current = version
	r.mu.Unlock()

	r.logger.Info("policy version rollover", "previous", previous, "current", version, "offset", msg.Offset)
	if r.onRollover != nil {
		r.onRollover(previous, version)
	}
	return true
}
