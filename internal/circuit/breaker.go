// Package circuit implements the process-wide trading circuit breaker.
// State is kept in an external StateStore so every service instance sees the
// same record; nothing here caches the state between calls.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeeeWayyy/trading-platform-sub016/internal/metrics"
)

// State represents the circuit breaker state
type State string

const (
	StateOpen        State = "OPEN"         // Normal trading
	StateTripped     State = "TRIPPED"      // Risk-increasing actions halted
	StateQuietPeriod State = "QUIET_PERIOD" // Reset accepted, dwelling before OPEN
)

// Audit actions
const (
	ActionInit       = "init"
	ActionTrip       = "trip"
	ActionReset      = "reset"
	ActionQuietEnded = "quiet_period_elapsed"
)

// SystemActor is recorded for automatic transitions
const SystemActor = "system"

var (
	ErrNotTripped           = errors.New("circuit breaker is not tripped")
	ErrConditionsNotCleared = errors.New("trip conditions have not cleared")
	ErrActorRequired        = errors.New("reset requires an operator identity")
	ErrReasonRequired       = errors.New("trip requires a reason")
)

// Record is the singleton breaker state
type Record struct {
	State          State      `json:"state"`
	TrippedAt      *time.Time `json:"tripped_at,omitempty"`
	TripReason     *string    `json:"trip_reason,omitempty"`
	ResetAt        *time.Time `json:"reset_at,omitempty"`
	ResetBy        *string    `json:"reset_by,omitempty"`
	TripCountToday int        `json:"trip_count_today"`
	TripDate       string     `json:"trip_date,omitempty"` // day TripCountToday refers to
	UpdatedAt      time.Time  `json:"updated_at"`
}

// AllowsTrading reports whether risk-increasing orders may pass
func (r *Record) AllowsTrading() bool {
	return r.State != StateTripped
}

// AuditEntry is one trip or reset in the breaker history
type AuditEntry struct {
	Action string    `json:"action"`
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	Actor  string    `json:"actor"`
	At     time.Time `json:"at"`
}

// ConditionChecker re-evaluates trip conditions at reset time.
// It returns the conditions that are still breached.
type ConditionChecker interface {
	ActiveBreaches(ctx context.Context) ([]string, error)
}

// ConditionCheckerFunc adapts a function to ConditionChecker
type ConditionCheckerFunc func(ctx context.Context) ([]string, error)

func (f ConditionCheckerFunc) ActiveBreaches(ctx context.Context) ([]string, error) {
	return f(ctx)
}

// Options configures a Breaker
type Options struct {
	QuietPeriod time.Duration
	Location    *time.Location // trade-date timezone for the daily trip counter
}

// Breaker drives the OPEN -> TRIPPED -> QUIET_PERIOD -> OPEN state machine
type Breaker struct {
	store    StateStore
	opts     Options
	checker  ConditionChecker
	logger   zerolog.Logger
	now      func() time.Time
	listener func(rec Record, entry AuditEntry)
}

// NewBreaker creates a breaker backed by store
func NewBreaker(store StateStore, opts Options, logger zerolog.Logger) *Breaker {
	if opts.QuietPeriod <= 0 {
		opts.QuietPeriod = 5 * time.Minute
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Breaker{
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "CircuitBreaker").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetConditionChecker installs the reset-time condition check
func (b *Breaker) SetConditionChecker(c ConditionChecker) {
	b.checker = c
}

// OnTransition registers a callback for every audited transition
func (b *Breaker) OnTransition(fn func(rec Record, entry AuditEntry)) {
	b.listener = fn
}

// Init creates the record as OPEN if no state is persisted yet. An existing
// record (possibly TRIPPED by another instance) is left untouched.
func (b *Breaker) Init(ctx context.Context) (*Record, error) {
	now := b.now()
	rec := Record{State: StateOpen, UpdatedAt: now}
	created, err := b.store.Init(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("init breaker state: %w", err)
	}
	if created {
		b.audit(ctx, rec, AuditEntry{Action: ActionInit, To: StateOpen, Actor: SystemActor, At: now})
		return &rec, nil
	}
	return b.Status(ctx)
}

// Status returns the current record. A quiet period whose dwell has elapsed is
// promoted to OPEN here, so a read never reports a stale QUIET_PERIOD.
func (b *Breaker) Status(ctx context.Context) (*Record, error) {
	rec, err := b.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if rec.State != StateQuietPeriod || rec.ResetAt == nil || b.now().Before(rec.ResetAt.Add(b.opts.QuietPeriod)) {
		setGauge(rec.State)
		return rec, nil
	}

	var promoted bool
	now := b.now()
	next, err := b.store.Update(ctx, func(r *Record) error {
		// another instance may have tripped or promoted in between
		if r.State != StateQuietPeriod || r.ResetAt == nil || now.Before(r.ResetAt.Add(b.opts.QuietPeriod)) {
			return nil
		}
		r.State = StateOpen
		r.UpdatedAt = now
		promoted = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if promoted {
		b.logger.Info().Msg("Quiet period elapsed, circuit breaker OPEN")
		b.audit(ctx, *next, AuditEntry{Action: ActionQuietEnded, From: StateQuietPeriod, To: StateOpen, Actor: SystemActor, At: now})
	}
	setGauge(next.State)
	return next, nil
}

// IsTripped reports whether risk-increasing actions are blocked.
// An unreadable state store counts as tripped.
func (b *Breaker) IsTripped(ctx context.Context) (bool, error) {
	rec, err := b.Status(ctx)
	if err != nil {
		b.logger.Error().Err(err).Msg("Breaker state unavailable, failing closed")
		return true, err
	}
	return rec.State == StateTripped, nil
}

// Trip moves the breaker to TRIPPED. Tripping an already tripped breaker keeps
// the original reason and is not counted again.
func (b *Breaker) Trip(ctx context.Context, reason, actor string) (*Record, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}
	if actor == "" {
		actor = SystemActor
	}
	now := b.now()
	today := now.In(b.opts.Location).Format("2006-01-02")

	var from State
	var changed bool
	rec, err := b.store.Update(ctx, func(r *Record) error {
		from = r.State
		if r.State == StateTripped {
			return nil
		}
		if r.TripDate != today {
			r.TripDate = today
			r.TripCountToday = 0
		}
		r.State = StateTripped
		r.TrippedAt = &now
		r.TripReason = &reason
		r.ResetAt = nil
		r.ResetBy = nil
		r.TripCountToday++
		r.UpdatedAt = now
		changed = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("trip breaker: %w", err)
	}
	setGauge(rec.State)
	if !changed {
		b.logger.Debug().Str("reason", reason).Msg("Breaker already tripped")
		return rec, nil
	}

	b.logger.Warn().
		Str("reason", reason).
		Str("actor", actor).
		Int("trip_count_today", rec.TripCountToday).
		Msg("Circuit breaker TRIPPED")
	b.audit(ctx, *rec, AuditEntry{Action: ActionTrip, From: from, To: StateTripped, Reason: reason, Actor: actor, At: now})
	return rec, nil
}

// Reset moves a TRIPPED breaker to QUIET_PERIOD. The operator must be
// identified and every trip condition must have cleared.
func (b *Breaker) Reset(ctx context.Context, actor string) (*Record, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, ErrActorRequired
	}
	cur, err := b.Status(ctx)
	if err != nil {
		return nil, err
	}
	if cur.State != StateTripped {
		return nil, ErrNotTripped
	}

	if b.checker != nil {
		breaches, err := b.checker.ActiveBreaches(ctx)
		if err != nil {
			return nil, fmt.Errorf("re-evaluate trip conditions: %w", err)
		}
		if len(breaches) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrConditionsNotCleared, strings.Join(breaches, "; "))
		}
	}

	now := b.now()
	rec, err := b.store.Update(ctx, func(r *Record) error {
		if r.State != StateTripped {
			return ErrNotTripped
		}
		r.State = StateQuietPeriod
		r.ResetAt = &now
		r.ResetBy = &actor
		r.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	setGauge(rec.State)

	b.logger.Info().Str("actor", actor).Dur("quiet_period", b.opts.QuietPeriod).Msg("Circuit breaker reset, entering quiet period")
	b.audit(ctx, *rec, AuditEntry{Action: ActionReset, From: StateTripped, To: StateQuietPeriod, Actor: actor, At: now})
	return rec, nil
}

// History returns the most recent audit entries, newest first
func (b *Breaker) History(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return b.store.History(ctx, limit)
}

func (b *Breaker) audit(ctx context.Context, rec Record, e AuditEntry) {
	if err := b.store.AppendAudit(ctx, e); err != nil {
		b.logger.Error().Err(err).Str("action", e.Action).Msg("Failed to append breaker audit entry")
	}
	if b.listener != nil {
		b.listener(rec, e)
	}
}

func setGauge(s State) {
	switch s {
	case StateOpen:
		metrics.CircuitBreakerState.Set(0)
	case StateTripped:
		metrics.CircuitBreakerState.Set(1)
	case StateQuietPeriod:
		metrics.CircuitBreakerState.Set(2)
	}
}
