package hue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// RetryState is the state of a Retrier.
type RetryState int

// Retrier states. A run moves Idle -> Attempting -> (Waiting -> Attempting)* -> Done.
const (
	RetryIdle RetryState = iota
	RetryAttempting
	RetryWaiting
	RetryDone
)

func (s RetryState) String() string {
	switch s {
	case RetryIdle:
		return "idle"
	case RetryAttempting:
		return "attempting"
	case RetryWaiting:
		return "waiting"
	case RetryDone:
		return "done"
	}
	return "unknown"
}

// warnFailures is the number of failures after the first that are logged at warn.
// Later failures are logged at debug.
const warnFailures = 4

// RetrierOptions configures a Retrier.
type RetrierOptions struct {
	// Name identifies the retried operation in log entries.
	Name string

	// Delay is the fixed wait between attempts.
	Delay time.Duration

	// Clock drives the waits. Defaults to RealClock.
	Clock Clock

	// Retryable decides whether an error is retried. Nil retries every error.
	Retryable func(error) bool

	// Backoff may return a longer wait for specific errors. Zero keeps Delay.
	Backoff func(error) time.Duration

	// OnRetry is called before each wait with the attempt number (from 1),
	// the error and the wait.
	OnRetry func(attempt int, err error, wait time.Duration)

	// Logger is optional.
	Logger Logger
}

// Retrier repeats an operation with a fixed delay until it succeeds,
// fails with a non-retryable error or the context is cancelled.
//
// Thread Safety: State and Attempts may be read concurrently with Do.
// Do itself must not be called concurrently on one Retrier.
type Retrier struct {
	logHolder

	opts RetrierOptions

	mu       sync.Mutex
	state    RetryState
	attempts int
	lastErr  error
}

// NewRetrier creates a Retrier.
func NewRetrier(opts RetrierOptions) *Retrier {
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	r := &Retrier{opts: opts}
	r.logger = opts.Logger
	return r
}

// Do runs op until it returns nil or a non-retryable error.
//
// Returns:
//   - nil on success
//   - the last error when it is not retryable
//   - ctx.Err() when cancelled while waiting
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	r.mu.Lock()
	r.state = RetryIdle
	r.attempts = 0
	r.lastErr = nil
	r.mu.Unlock()

	for {
		r.setState(RetryAttempting)
		err := op(ctx)

		r.mu.Lock()
		r.attempts++
		attempt := r.attempts
		r.lastErr = err
		r.mu.Unlock()

		if err == nil {
			r.setState(RetryDone)
			return nil
		}
		if ctx.Err() != nil {
			r.setState(RetryDone)
			return ctx.Err()
		}
		if r.opts.Retryable != nil && !r.opts.Retryable(err) {
			r.setState(RetryDone)
			return err
		}

		wait := r.opts.Delay
		if r.opts.Backoff != nil {
			if d := r.opts.Backoff(err); d > 0 {
				wait = d
			}
		}

		r.logFailure(attempt, err, wait)
		if r.opts.OnRetry != nil {
			r.opts.OnRetry(attempt, err, wait)
		}

		r.setState(RetryWaiting)
		if serr := sleep(ctx, r.opts.Clock, wait); serr != nil {
			r.setState(RetryDone)
			return serr
		}
	}
}

// State returns the current state.
func (r *Retrier) State() RetryState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Attempts returns the number of attempts made by the current or last run.
func (r *Retrier) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// LastError returns the error of the most recent attempt.
func (r *Retrier) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

func (r *Retrier) setState(s RetryState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// logFailure logs at decreasing severity: first failure error, the next few
// warn, the rest debug. Pairing prompts are always warn.
func (r *Retrier) logFailure(attempt int, err error, wait time.Duration) {
	kv := []any{"operation", r.opts.Name, "attempt", attempt, "retry_in", wait.String()}
	switch {
	case errors.Is(err, ErrPairingRequired):
		r.logWarn("pairing required, press the link button or unlock the gateway", append(kv, "error", err)...)
	case attempt == 1:
		r.logError("operation failed, retrying", err, kv...)
	case attempt <= 1+warnFailures:
		r.logWarn("operation failed, retrying", append(kv, "error", err)...)
	default:
		r.logDebug("operation failed, retrying", append(kv, "error", err)...)
	}
}
