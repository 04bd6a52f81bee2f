// Package moderation evaluates whether an active sanction bars a user from
// chatting in a stream. It runs before rate limiting and slow-mode so a
// banned user gets a sanction-specific rejection instead of a generic quota
// message, and never consumes quota doing so.
package moderation

import (
	"context"
	"fmt"
	"math"
	"time"

	"streamgate/internal/models"
	"streamgate/internal/observability"
	"streamgate/internal/repository"
)

// Decision is the outcome of a sanction check.
type Decision struct {
	Allowed bool
	// Action is the denying sanction, "ban" or "timeout". Empty when allowed.
	Action string
	// Reason is the user-facing denial message.
	Reason string
	// RemainingSeconds is how long a timed sanction still runs. Zero for
	// permanent bans.
	RemainingSeconds int
	ExpiresAt        *time.Time
}

var allowed = Decision{Allowed: true}

// Evaluator derives the current sanction state for (stream, user) pairs from
// the append-only moderation history.
type Evaluator struct {
	records repository.ModerationRepository
	now     func() time.Time
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithClock overrides the evaluator's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// NewEvaluator creates a sanction evaluator backed by the moderation store.
func NewEvaluator(records repository.ModerationRepository, opts ...Option) *Evaluator {
	e := &Evaluator{records: records, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CheckCanChat reports whether the user may send chat messages in the stream.
// Anonymous senders (userID 0) are never subject to moderation lookups. An
// error means the store could not be consulted; callers surface that as a
// generic failure, not as a sanction.
func (e *Evaluator) CheckCanChat(ctx context.Context, streamID string, userID uint) (Decision, error) {
	if userID == 0 {
		return allowed, nil
	}

	record, err := e.records.LatestRecord(ctx, streamID, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("looking up moderation state: %w", err)
	}
	if record == nil {
		return allowed, nil
	}

	now := e.now()
	if !record.Active(now) {
		return allowed, nil
	}

	observability.ModerationDenials.WithLabelValues(record.Action).Inc()

	d := Decision{
		Allowed:   false,
		Action:    record.Action,
		ExpiresAt: record.ExpiresAt,
	}
	if record.ExpiresAt == nil {
		d.Reason = "You are banned from this chat"
		return d, nil
	}

	d.RemainingSeconds = int(math.Ceil(record.ExpiresAt.Sub(now).Seconds()))
	switch record.Action {
	case models.ModerationActionTimeout:
		d.Reason = fmt.Sprintf("You are timed out for %d more seconds", d.RemainingSeconds)
	default:
		d.Reason = fmt.Sprintf("You are banned for %d more seconds", d.RemainingSeconds)
	}
	return d, nil
}
