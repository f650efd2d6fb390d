package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/storefront-catalog/internal/progress"
)

// RetryConfig governs RetryFetcher behavior.
type RetryConfig struct {
	// MaxAttempts is the default attempt budget; requests may override it.
	MaxAttempts int
	Backoff     ExponentialBackoff
	FailureMode FailureMode
	// RequestTimeout bounds one in-flight attempt once the caller's context is canceled.
	RequestTimeout time.Duration
}

// RetryFetcher wraps a single-attempt Fetcher with the status policy:
// 200 returns, 403 and transport errors back off and retry, anything else is
// terminal. Cancellation is checked before every attempt.
type RetryFetcher struct {
	fetcher Fetcher
	cfg     RetryConfig
	limiter RequestLimiter
	sleeper Sleeper
	emitter progress.Emitter
	clock   Clock
	logger  *zap.Logger
}

// RetryOption customizes a RetryFetcher.
type RetryOption func(*RetryFetcher)

// WithLimiter gates each attempt through l.
func WithLimiter(l RequestLimiter) RetryOption {
	return func(f *RetryFetcher) { f.limiter = l }
}

// WithSleeper replaces the backoff sleeper.
func WithSleeper(s Sleeper) RetryOption {
	return func(f *RetryFetcher) { f.sleeper = s }
}

// WithEmitter routes attempt events to e.
func WithEmitter(e progress.Emitter) RetryOption {
	return func(f *RetryFetcher) { f.emitter = e }
}

// WithClock sets the clock used to stamp events.
func WithClock(c Clock) RetryOption {
	return func(f *RetryFetcher) { f.clock = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) RetryOption {
	return func(f *RetryFetcher) { f.logger = l }
}

// NewRetryFetcher builds a RetryFetcher around fetcher.
func NewRetryFetcher(fetcher Fetcher, cfg RetryConfig, opts ...RetryOption) *RetryFetcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.FailureMode == "" {
		cfg.FailureMode = FailureModeSkip
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	f := &RetryFetcher{
		fetcher: fetcher,
		cfg:     cfg,
		sleeper: TimerSleeper{},
		emitter: progress.Nop{},
		clock:   utcClock{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch runs the attempt loop for req.
//
// Under FailureModeSkip a terminal status returns a result with Skipped set and
// a nil error. Exhausting the budget returns an error matching ErrFetchExhausted
// and the last cause (ErrRateLimited or ErrTransientNetwork).
func (f *RetryFetcher) Fetch(ctx context.Context, req FetchRequest) (FetchResult, error) {
	attempts := req.MaxAttempts
	if attempts <= 0 {
		attempts = f.cfg.MaxAttempts
	}
	logger := f.logger.With(zap.String("url", req.URL), zap.String("component", req.Component))
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return FetchResult{Attempts: attempt}, fmt.Errorf("fetch %s canceled: %w", req.URL, err)
		}
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx, req.URL); err != nil {
				return FetchResult{Attempts: attempt}, fmt.Errorf("fetch %s: %w", req.URL, err)
			}
		}
		f.emit(req, progress.Event{Stage: progress.StageAttempt, Attempt: attempt})

		resp, err := f.attempt(ctx, req)
		switch {
		case err != nil:
			if ctx.Err() != nil && errors.Is(err, context.Canceled) {
				return FetchResult{Attempts: attempt + 1}, fmt.Errorf("fetch %s canceled: %w", req.URL, ctx.Err())
			}
			lastErr = fmt.Errorf("%w: %w", ErrTransientNetwork, err)
		case resp.StatusCode == http.StatusOK:
			f.emit(req, progress.Event{
				Stage:      progress.StageSuccess,
				Attempt:    attempt,
				StatusCode: resp.StatusCode,
				Count:      len(resp.Body),
				Dur:        resp.Duration,
			})
			return FetchResult{Body: resp.Body, StatusCode: resp.StatusCode, Attempts: attempt + 1}, nil
		case resp.StatusCode == http.StatusForbidden:
			lastErr = &HTTPStatusError{URL: req.URL, StatusCode: resp.StatusCode}
		default:
			statusErr := &HTTPStatusError{URL: req.URL, StatusCode: resp.StatusCode}
			f.emit(req, progress.Event{
				Stage:      progress.StageFailure,
				Attempt:    attempt,
				StatusCode: resp.StatusCode,
				Outcome:    terminalOutcome(f.cfg.FailureMode),
				Note:       statusErr.Error(),
			})
			logger.Warn("terminal status", zap.Int("status_code", resp.StatusCode), zap.Int("attempt", attempt))
			result := FetchResult{StatusCode: resp.StatusCode, Attempts: attempt + 1}
			if f.cfg.FailureMode == FailureModeRaise {
				return result, statusErr
			}
			result.Skipped = true
			return result, nil
		}

		if attempt == attempts-1 {
			break
		}
		delay := f.cfg.Backoff.Delay(attempt)
		f.emit(req, progress.Event{
			Stage:      progress.StageRetry,
			Attempt:    attempt,
			StatusCode: resp.StatusCode,
			Dur:        delay,
			Note:       lastErr.Error(),
		})
		logger.Debug("retrying after backoff",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(lastErr),
		)
		if err := f.sleeper.Sleep(ctx, delay); err != nil {
			return FetchResult{Attempts: attempt + 1}, fmt.Errorf("fetch %s canceled during backoff: %w", req.URL, err)
		}
	}
	f.emit(req, progress.Event{
		Stage:   progress.StageFailure,
		Attempt: attempts - 1,
		Outcome: progress.OutcomeFailed,
		Note:    lastErr.Error(),
	})
	logger.Warn("fetch attempts exhausted", zap.Int("attempts", attempts), zap.Error(lastErr))
	return FetchResult{Attempts: attempts}, fmt.Errorf("%w after %d attempts: %w", ErrFetchExhausted, attempts, lastErr)
}

// attempt issues one request. An attempt that already started keeps running
// after ctx is canceled, bounded by RequestTimeout.
func (f *RetryFetcher) attempt(ctx context.Context, req FetchRequest) (FetchResponse, error) {
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.cfg.RequestTimeout)
	defer cancel()
	resp, err := f.fetcher.Fetch(reqCtx, req)
	if err != nil {
		return FetchResponse{}, fmt.Errorf("attempt: %w", err)
	}
	return resp, nil
}

func (f *RetryFetcher) emit(req FetchRequest, evt progress.Event) {
	evt.RunID = req.RunID
	evt.TS = f.clock.Now()
	evt.URL = req.URL
	evt.ProductID = req.ProductID
	evt.Component = progress.Component(req.Component)
	evt.Page = -1
	f.emitter.Emit(evt)
}

func terminalOutcome(mode FailureMode) progress.Outcome {
	if mode == FailureModeRaise {
		return progress.OutcomeFailed
	}
	return progress.OutcomeSkipped
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
