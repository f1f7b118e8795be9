// Package breaker isolates failing upstream sources behind a
// Closed/Open/HalfOpen state machine whose failure rate is measured over a
// rolling time window.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mandi-price-engine/internal/market"
)

// State of a breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is matched by every rejection from an open breaker.
var ErrOpen = errors.New("circuit breaker is open")

// OpenError is returned when a call is rejected without being attempted.
type OpenError struct {
	Source  market.SourceID
	RetryAt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker for %s is open until %s", e.Source, e.RetryAt.UTC().Format(time.RFC3339))
}

// Is lets errors.Is(err, ErrOpen) match.
func (e *OpenError) Is(target error) bool {
	return target == ErrOpen
}

// Options tune a breaker.
type Options struct {
	// FailureThreshold is the failure ratio in (0,1] that opens the breaker.
	FailureThreshold float64
	// MinRequests is the number of calls inside the window before the ratio is trusted.
	MinRequests int
	// Window is the rolling monitoring period.
	Window time.Duration
	// RecoveryTimeout is how long the breaker stays open before a probe.
	RecoveryTimeout time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.FailureThreshold <= 0 || o.FailureThreshold > 1 {
		o.FailureThreshold = 0.5
	}
	if o.MinRequests <= 0 {
		o.MinRequests = 3
	}
	if o.Window <= 0 {
		o.Window = 2 * time.Minute
	}
	if o.RecoveryTimeout <= 0 {
		o.RecoveryTimeout = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Record is a point-in-time view of a breaker.
type Record struct {
	SourceID      market.SourceID `json:"sourceId"`
	State         string          `json:"state"`
	FailureCount  int             `json:"failureCount"`
	SuccessCount  int             `json:"successCount"`
	LastFailureAt time.Time       `json:"lastFailureAt,omitempty"`
	NextRetryAt   time.Time       `json:"nextRetryAt,omitempty"`
}

type outcome struct {
	at     time.Time
	failed bool
}

// Breaker guards a single source. Safe for concurrent use.
type Breaker struct {
	id     market.SourceID
	opts   Options
	logger zerolog.Logger

	mu            sync.Mutex
	state         State
	outcomes      []outcome
	lastFailureAt time.Time
	nextRetryAt   time.Time
	probing       bool
}

// New builds a closed breaker for a source.
func New(id market.SourceID, opts Options, logger zerolog.Logger) *Breaker {
	return &Breaker{
		id:     id,
		opts:   opts.withDefaults(),
		logger: logger.With().Str("component", "breaker").Str("source", string(id)).Logger(),
		state:  StateClosed,
	}
}

// Execute runs op unless the breaker rejects it, and records the outcome.
// Cancellation of the caller's context is not counted against the source.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := op(ctx)
	switch {
	case err == nil:
		b.RecordSuccess()
	case errors.Is(err, context.Canceled):
		b.release()
	default:
		b.RecordFailure()
	}
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.opts.Now().Before(b.nextRetryAt) {
			return &OpenError{Source: b.id, RetryAt: b.nextRetryAt}
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return &OpenError{Source: b.id, RetryAt: b.nextRetryAt}
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

func (b *Breaker) release() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

// RecordSuccess counts a successful call. A success while half-open closes
// the breaker and starts a fresh window.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.opts.Now()
	switch b.state {
	case StateHalfOpen:
		b.probing = false
		b.outcomes = b.outcomes[:0]
		b.transition(StateClosed)
	case StateClosed:
		b.outcomes = append(b.outcomes, outcome{at: now})
		b.prune(now)
	}
}

// RecordFailure counts a failed call and opens the breaker when the failure
// rate inside the window reaches the threshold. A failure while half-open
// reopens it immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.opts.Now()
	b.lastFailureAt = now

	switch b.state {
	case StateHalfOpen:
		b.probing = false
		b.trip(now)
	case StateClosed:
		b.outcomes = append(b.outcomes, outcome{at: now, failed: true})
		b.prune(now)
		failures, total := b.counts()
		if total >= b.opts.MinRequests && float64(failures)/float64(total) >= b.opts.FailureThreshold {
			b.trip(now)
		}
	}
}

// IsOpen reports whether the breaker is currently open.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateOpen
}

// GetState returns the current state.
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the breaker's record.
func (b *Breaker) Stats() Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prune(b.opts.Now())
	failures, total := b.counts()
	return Record{
		SourceID:      b.id,
		State:         b.state.String(),
		FailureCount:  failures,
		SuccessCount:  total - failures,
		LastFailureAt: b.lastFailureAt,
		NextRetryAt:   b.nextRetryAt,
	}
}

// Reset returns the breaker to closed with an empty window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outcomes = b.outcomes[:0]
	b.probing = false
	b.nextRetryAt = time.Time{}
	b.transition(StateClosed)
}

func (b *Breaker) trip(now time.Time) {
	b.nextRetryAt = now.Add(b.opts.RecoveryTimeout)
	b.outcomes = b.outcomes[:0]
	b.transition(StateOpen)
}

func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.opts.Window)
	idx := 0
	for idx < len(b.outcomes) && !b.outcomes[idx].at.After(cutoff) {
		idx++
	}
	if idx > 0 {
		b.outcomes = append(b.outcomes[:0], b.outcomes[idx:]...)
	}
}

func (b *Breaker) counts() (failures, total int) {
	for _, o := range b.outcomes {
		if o.failed {
			failures++
		}
	}
	return failures, len(b.outcomes)
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to

	event := b.logger.Info()
	if to == StateOpen {
		event = b.logger.Warn().Time("next_retry_at", b.nextRetryAt)
	}
	event.Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
}
