package api

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/dl-alexandre/gdmirror/internal/errors"
	"github.com/dl-alexandre/gdmirror/internal/logging"
	"github.com/dl-alexandre/gdmirror/internal/types"
	"github.com/dl-alexandre/gdmirror/internal/utils"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"
)

// RetryPolicy bounds how often and how patiently a call is retried.
//
// Rate-limit delays grow as BaseDelay*2^n and strictly increase from one
// retry to the next as long as CheckSchedule passes. A server Retry-After
// longer than the computed delay replaces it (still capped at MaxDelay), so
// a delay that follows one raised by Retry-After may be shorter.
type RetryPolicy struct {
	// RateLimitAttempts is the total number of attempts for rate-limited calls
	RateLimitAttempts int
	// TransientAttempts is the total number of attempts for network failures
	TransientAttempts int
	BaseDelay         time.Duration
	TransientDelay    time.Duration
	MaxDelay          time.Duration
	// Jitter is the +/- fraction applied to each rate-limit delay
	Jitter float64
}

// DefaultRetryPolicy returns the policy used when nothing is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		RateLimitAttempts: utils.DefaultRateLimitAttempts,
		TransientAttempts: utils.DefaultTransientAttempts,
		BaseDelay:         time.Duration(utils.DefaultRetryDelayMs) * time.Millisecond,
		TransientDelay:    time.Duration(utils.DefaultTransientDelayMs) * time.Millisecond,
		MaxDelay:          time.Duration(utils.MaxRetryDelayMs) * time.Millisecond,
		Jitter:            0.25,
	}
}

// CheckSchedule fails when MaxDelay or Jitter would flatten the rate-limit
// schedule before the last retry
func (p RetryPolicy) CheckSchedule() error {
	if p.Jitter < 0 || 3*p.Jitter >= 1 {
		return fmt.Errorf("retry jitter must be in [0, 1/3), got: %g", p.Jitter)
	}
	if p.RateLimitAttempts < 2 {
		return nil
	}
	last := p.BaseDelay << uint(p.RateLimitAttempts-2)
	peak := time.Duration(float64(last) * (1 + p.Jitter))
	if last <= 0 || peak > p.MaxDelay {
		return fmt.Errorf("max retry delay %v is reached before the last of %d rate-limit attempts (needs at least %v)",
			p.MaxDelay, p.RateLimitAttempts, peak)
	}
	return nil
}

func (p RetryPolicy) normalized() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.RateLimitAttempts <= 0 {
		p.RateLimitAttempts = d.RateLimitAttempts
	}
	if p.TransientAttempts <= 0 {
		p.TransientAttempts = d.TransientAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.TransientDelay <= 0 {
		p.TransientDelay = d.TransientDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Jitter < 0 || p.Jitter >= 0.5 {
		p.Jitter = d.Jitter
	}
	return p
}

// Refresher renews the credential behind outbound calls
type Refresher interface {
	Refresh(ctx context.Context) error
}

// RetryEvent describes one scheduled retry
type RetryEvent struct {
	TraceID string
	Kind    types.ErrorKind
	Attempt int
	Delay   time.Duration
}

// Governor owns the process-wide ceiling on in-flight calls and the retry
// policy applied to each of them. One Governor is shared by everything a
// single mirror run sends to the remote store.
type Governor struct {
	sem       *semaphore.Weighted
	limit     int
	policy    RetryPolicy
	clock     clockwork.Clock
	refresher Refresher
	logger    logging.Logger
	onRetry   func(RetryEvent)

	randMu sync.Mutex
	rand   *rand.Rand

	mu       sync.Mutex
	inFlight int
	peak     int

	refreshMu sync.Mutex
}

// GovernorOption customises a Governor
type GovernorOption func(*Governor)

func WithClock(clock clockwork.Clock) GovernorOption {
	return func(g *Governor) { g.clock = clock }
}

func WithRefresher(r Refresher) GovernorOption {
	return func(g *Governor) { g.refresher = r }
}

func WithLogger(logger logging.Logger) GovernorOption {
	return func(g *Governor) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithRetryHook registers fn to be called before every backoff sleep
func WithRetryHook(fn func(RetryEvent)) GovernorOption {
	return func(g *Governor) { g.onRetry = fn }
}

// WithSeed makes jitter deterministic
func WithSeed(seed int64) GovernorOption {
	return func(g *Governor) { g.rand = rand.New(rand.NewSource(seed)) }
}

// NewGovernor creates a Governor allowing at most concurrency calls in flight
func NewGovernor(concurrency int, policy RetryPolicy, opts ...GovernorOption) *Governor {
	if concurrency <= 0 {
		concurrency = utils.DefaultConcurrency
	}
	g := &Governor{
		sem:    semaphore.NewWeighted(int64(concurrency)),
		limit:  concurrency,
		policy: policy.normalized(),
		clock:  clockwork.NewRealClock(),
		logger: logging.NewNoOpLogger(),
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Limit returns the concurrency ceiling
func (g *Governor) Limit() int { return g.limit }

// InFlight returns the number of calls currently holding a slot
func (g *Governor) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

// Peak returns the highest number of simultaneous calls observed
func (g *Governor) Peak() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

// Policy returns the effective retry policy
func (g *Governor) Policy() RetryPolicy { return g.policy }

func (g *Governor) acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	g.mu.Lock()
	g.inFlight++
	if g.inFlight > g.peak {
		g.peak = g.inFlight
	}
	g.mu.Unlock()
	return nil
}

func (g *Governor) release() {
	g.mu.Lock()
	g.inFlight--
	g.mu.Unlock()
	g.sem.Release(1)
}

// attempt runs fn while holding one concurrency slot
func (g *Governor) attempt(ctx context.Context, fn func(context.Context) error) error {
	if err := g.acquire(ctx); err != nil {
		return err
	}
	defer g.release()
	return fn(ctx)
}

// Do runs fn under the concurrency ceiling, retrying according to the
// classified kind of each failure. The returned error is always nil or a
// classified *utils.AppError.
func (g *Governor) Do(ctx context.Context, reqCtx *types.RequestContext, fn func(context.Context) error) error {
	if reqCtx == nil {
		reqCtx = &types.RequestContext{}
	}
	logger := g.logger.WithTraceID(reqCtx.TraceID)

	var (
		rateLimited int
		transient   int
		refreshed   bool
		attempts    int
	)

	for {
		if err := ctx.Err(); err != nil {
			return g.classify(err, reqCtx)
		}

		attempts++
		err := g.attempt(ctx, fn)
		if err == nil {
			if attempts > 1 {
				logger.Debug("API operation recovered",
					logging.F("requestType", reqCtx.RequestType),
					logging.F("attempts", attempts),
				)
			}
			return nil
		}

		classified := g.classify(err, reqCtx)
		kind := utils.KindOf(classified)

		var delay time.Duration
		switch kind {
		case types.ErrKindRateLimit:
			rateLimited++
			if rateLimited >= g.policy.RateLimitAttempts {
				logger.Warn("Rate limit retries exhausted",
					logging.F("requestType", reqCtx.RequestType),
					logging.F("attempts", rateLimited),
				)
				return exhausted(classified, rateLimited)
			}
			delay = g.rateLimitDelay(rateLimited-1, utils.AsAppError(classified).RetryAfter)

		case types.ErrKindTransient:
			transient++
			if transient >= g.policy.TransientAttempts {
				return exhausted(classified, transient)
			}
			delay = g.transientDelay(transient - 1)

		case types.ErrKindAuth:
			if g.refresher == nil || refreshed {
				return classified
			}
			refreshed = true
			if rerr := g.refresh(ctx); rerr != nil {
				logger.Error("Credential refresh failed", logging.F("error", rerr.Error()))
				return g.classify(rerr, reqCtx)
			}
			logger.Info("Credential refreshed, retrying once", logging.F("requestType", reqCtx.RequestType))
			continue

		default:
			return classified
		}

		logger.Debug("API operation failed (retryable)",
			logging.F("requestType", reqCtx.RequestType),
			logging.F("kind", string(kind)),
			logging.F("attempt", attempts),
			logging.F("delay_ms", delay.Milliseconds()),
			logging.F("error", classified.Error()),
		)
		if g.onRetry != nil {
			g.onRetry(RetryEvent{TraceID: reqCtx.TraceID, Kind: kind, Attempt: attempts, Delay: delay})
		}
		if err := g.sleep(ctx, delay); err != nil {
			return g.classify(err, reqCtx)
		}
	}
}

// ExecuteWithRetry is the value-returning form of Governor.Do
func ExecuteWithRetry[T any](ctx context.Context, g *Governor, reqCtx *types.RequestContext, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := g.Do(ctx, reqCtx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

func (g *Governor) classify(err error, reqCtx *types.RequestContext) error {
	return errors.ClassifyGoogleAPIError("drive", err, reqCtx, g.logger)
}

// refresh serialises credential refreshes across concurrent callers
func (g *Governor) refresh(ctx context.Context) error {
	g.refreshMu.Lock()
	defer g.refreshMu.Unlock()
	return g.refresher.Refresh(ctx)
}

// rateLimitDelay is base*2^n with jitter, raised to Retry-After, capped at MaxDelay
func (g *Governor) rateLimitDelay(n int, retryAfter time.Duration) time.Duration {
	delay := g.policy.BaseDelay << uint(n)
	if delay <= 0 || delay > g.policy.MaxDelay {
		delay = g.policy.MaxDelay
	}

	g.randMu.Lock()
	f := g.rand.Float64()
	g.randMu.Unlock()
	delay += time.Duration((f*2 - 1) * g.policy.Jitter * float64(delay))

	if retryAfter > delay {
		delay = retryAfter
	}
	if delay > g.policy.MaxDelay {
		delay = g.policy.MaxDelay
	}
	if delay <= 0 {
		delay = g.policy.BaseDelay
	}
	return delay
}

func (g *Governor) transientDelay(n int) time.Duration {
	delay := g.policy.TransientDelay * time.Duration(n+1)
	if delay > g.policy.MaxDelay {
		delay = g.policy.MaxDelay
	}
	return delay
}

func (g *Governor) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-g.clock.After(d):
		return nil
	}
}

// exhausted copies err and marks it as having used up its retries
func exhausted(err error, attempts int) error {
	src := utils.AsAppError(err)
	cliErr := src.CLIError
	ctx := make(map[string]interface{}, len(cliErr.Context)+2)
	for k, v := range cliErr.Context {
		ctx[k] = v
	}
	ctx["exhausted"] = true
	ctx["attempts"] = attempts
	cliErr.Context = ctx
	cliErr.Retryable = false
	out := utils.WrapAppError(cliErr, src.Unwrap())
	out.RetryAfter = src.RetryAfter
	return out
}
