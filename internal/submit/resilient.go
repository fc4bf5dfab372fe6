package submit

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/crafthaus/booksync/internal/config"
	ledgerdomain "github.com/crafthaus/booksync/internal/ledger/domain"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// AttemptFunc observes each failed attempt before the next retry. The
// orchestrator uses it to append retry entries to the audit trail.
type AttemptFunc func(ctx context.Context, entity *ledgerdomain.Entity, attempt int, err error)

// Resilient wraps a Submitter with bounded retries, exponential backoff
// with full jitter, a per-attempt timeout, and a circuit breaker that
// trips on consecutive failures.
type Resilient struct {
	inner         Submitter
	log           *zap.Logger
	breaker       *gobreaker.CircuitBreaker
	onAttempt     AttemptFunc
	onStateChange func(from, to string)

	maxAttempts int
	backoffBase time.Duration
	timeout     time.Duration
}

const maxBackoff = 30 * time.Second

type ResilientOption func(*Resilient)

// WithAttemptFunc registers the per-attempt observer.
func WithAttemptFunc(fn AttemptFunc) ResilientOption {
	return func(r *Resilient) { r.onAttempt = fn }
}

// WithStateChangeFunc registers an observer for breaker transitions.
func WithStateChangeFunc(fn func(from, to string)) ResilientOption {
	return func(r *Resilient) { r.onStateChange = fn }
}

func NewResilient(inner Submitter, cfg config.SyncConfig, log *zap.Logger, opts ...ResilientOption) *Resilient {
	r := &Resilient{
		inner:       inner,
		log:         log.Named("submit.resilient"),
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
		timeout:     cfg.SubmitTimeout,
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = 1
	}

	threshold := cfg.CircuitThreshold
	if threshold == 0 {
		threshold = 5
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "accounting-backend",
		MaxRequests: 1,
		Timeout:     cfg.CircuitCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.log.Warn("circuit state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if r.onStateChange != nil {
				r.onStateChange(from.String(), to.String())
			}
		},
	})

	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit runs the inner submitter through the breaker, retrying transient
// failures up to the attempt cap. Rejections and open-circuit refusals
// return immediately.
func (r *Resilient) Submit(ctx context.Context, entity *ledgerdomain.Entity) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		remoteID, err := r.attempt(ctx, entity)
		if err == nil {
			return remoteID, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", ErrCircuitOpen
		}
		if !IsRetryable(err) {
			return "", err
		}

		lastErr = err
		if r.onAttempt != nil {
			r.onAttempt(ctx, entity, attempt, err)
		}
		r.log.Warn("submission attempt failed",
			zap.String("source_id", entity.SourceID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt == r.maxAttempts {
			break
		}
		if err := r.sleep(ctx, attempt); err != nil {
			return "", err
		}
	}
	return "", lastErr
}

func (r *Resilient) attempt(ctx context.Context, entity *ledgerdomain.Entity) (string, error) {
	attemptCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	result, err := r.breaker.Execute(func() (any, error) {
		return r.inner.Submit(attemptCtx, entity)
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", &RetryableError{Err: err}
		}
		return "", err
	}
	return result.(string), nil
}

// sleep waits the backoff delay for the attempt: base * 2^(n-1) capped,
// with full jitter so simultaneous retries spread out.
func (r *Resilient) sleep(ctx context.Context, attempt int) error {
	delay := r.backoffBase << (attempt - 1)
	if delay > maxBackoff || delay <= 0 {
		delay = maxBackoff
	}
	delay = rand.N(delay + 1)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
