package crawler

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/storefront-catalog/internal/progress"
)

const testURL = "https://shop.example.com/item"

var testRunID = [16]byte{1, 2, 3}

func newTestRetryFetcher(f Fetcher, cfg RetryConfig, sleeper Sleeper, rec *progress.Recorder) *RetryFetcher {
	return NewRetryFetcher(f, cfg, WithSleeper(sleeper), WithEmitter(rec))
}

func TestRetryFetcherSuccessFirstAttempt(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher(map[string][]step{testURL: {{status: http.StatusOK, body: "hello"}}})
	sleeper := &recordingSleeper{}
	rec := progress.NewRecorder()
	rf := newTestRetryFetcher(fetcher, RetryConfig{MaxAttempts: 3, Backoff: DefaultBackoff()}, sleeper, rec)

	res, err := rf.Fetch(context.Background(), FetchRequest{RunID: testRunID, URL: testURL, Component: "listing"})
	require.NoError(t, err)
	require.Equal(t, "hello", string(res.Body))
	require.Equal(t, 1, res.Attempts)
	require.Equal(t, 1, fetcher.Calls(testURL))
	require.Empty(t, sleeper.Delays())
	require.Equal(t, 1, rec.Count(progress.StageAttempt))
	require.Equal(t, 1, rec.Count(progress.StageSuccess))
	require.Zero(t, rec.Count(progress.StageRetry))
}

func TestRetryFetcherBacksOffOn403ThenSucceeds(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher(map[string][]step{testURL: {
		{status: http.StatusForbidden},
		{err: errors.New("connection reset by peer")},
		{status: http.StatusOK, body: "ok"},
	}})
	sleeper := &recordingSleeper{}
	rec := progress.NewRecorder()
	rf := newTestRetryFetcher(fetcher, RetryConfig{MaxAttempts: 4, Backoff: NewExponentialBackoff(2, time.Second, 0)}, sleeper, rec)

	res, err := rf.Fetch(context.Background(), FetchRequest{RunID: testRunID, URL: testURL, Component: "detail", ProductID: "HQ8718"})
	require.NoError(t, err)
	require.Equal(t, 3, res.Attempts)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.Delays())
	require.Equal(t, 2, rec.Count(progress.StageRetry))
	for _, evt := range rec.Events() {
		require.Equal(t, progress.ComponentDetail, evt.Component)
		require.Equal(t, testRunID, evt.RunID)
		require.Equal(t, "HQ8718", evt.ProductID)
	}
}

func TestRetryFetcherExhaustsOn403(t *testing.T) {
	t.Parallel()

	for _, maxAttempts := range []int{1, 2, 5} {
		fetcher := newScriptedFetcher(map[string][]step{testURL: {{status: http.StatusForbidden}}})
		sleeper := &recordingSleeper{}
		rec := progress.NewRecorder()
		rf := newTestRetryFetcher(fetcher, RetryConfig{MaxAttempts: maxAttempts, Backoff: DefaultBackoff()}, sleeper, rec)

		res, err := rf.Fetch(context.Background(), FetchRequest{RunID: testRunID, URL: testURL, Component: "detail"})
		require.ErrorIs(t, err, ErrFetchExhausted)
		require.ErrorIs(t, err, ErrRateLimited)
		require.Equal(t, maxAttempts, res.Attempts)
		require.Equal(t, maxAttempts, fetcher.Calls(testURL), "at most max attempts")

		delays := sleeper.Delays()
		require.Len(t, delays, maxAttempts-1, "no sleep after the final attempt")
		for k := 1; k < len(delays); k++ {
			require.GreaterOrEqual(t, delays[k], delays[k-1], "backoff must be non-decreasing")
		}
		require.Equal(t, 1, rec.Count(progress.StageFailure))
	}
}

func TestRetryFetcherTransientErrorsShareBudget(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher(map[string][]step{testURL: {
		{err: errors.New("i/o timeout")},
		{status: http.StatusForbidden},
	}})
	rf := newTestRetryFetcher(fetcher, RetryConfig{MaxAttempts: 2}, &recordingSleeper{}, progress.NewRecorder())

	_, err := rf.Fetch(context.Background(), FetchRequest{RunID: testRunID, URL: testURL, Component: "detail"})
	require.ErrorIs(t, err, ErrFetchExhausted)
	require.Equal(t, 2, fetcher.Calls(testURL))

	fetcher = newScriptedFetcher(map[string][]step{testURL: {{err: errors.New("i/o timeout")}}})
	rf = newTestRetryFetcher(fetcher, RetryConfig{MaxAttempts: 2}, &recordingSleeper{}, progress.NewRecorder())
	_, err = rf.Fetch(context.Background(), FetchRequest{RunID: testRunID, URL: testURL, Component: "detail"})
	require.ErrorIs(t, err, ErrTransientNetwork)
}

func TestRetryFetcherTerminalStatusFailureModes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mode    FailureMode
		wantErr bool
	}{
		{name: "skip", mode: FailureModeSkip},
		{name: "raise", mode: FailureModeRaise, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fetcher := newScriptedFetcher(map[string][]step{testURL: {{status: http.StatusInternalServerError}}})
			sleeper := &recordingSleeper{}
			rf := newTestRetryFetcher(fetcher, RetryConfig{MaxAttempts: 3, FailureMode: tt.mode}, sleeper, progress.NewRecorder())

			res, err := rf.Fetch(context.Background(), FetchRequest{RunID: testRunID, URL: testURL, Component: "listing"})
			require.Equal(t, 1, fetcher.Calls(testURL), "terminal status is never retried")
			require.Empty(t, sleeper.Delays())
			require.Equal(t, http.StatusInternalServerError, res.StatusCode)
			require.Nil(t, res.Body)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrTerminalHTTP)
				var statusErr *HTTPStatusError
				require.ErrorAs(t, err, &statusErr)
				require.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
				require.False(t, res.Skipped)
				return
			}
			require.NoError(t, err)
			require.True(t, res.Skipped)
		})
	}
}

func TestRetryFetcherStopsBeforeNextAttemptWhenCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	fetcher := newScriptedFetcher(map[string][]step{testURL: {{status: http.StatusForbidden}}})
	fetcher.onCall = func(string) { cancel() }
	rf := NewRetryFetcher(fetcher, RetryConfig{MaxAttempts: 5, Backoff: NewExponentialBackoff(2, time.Hour, 0)})

	start := time.Now()
	_, err := rf.Fetch(ctx, FetchRequest{RunID: testRunID, URL: testURL, Component: "detail"})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, fetcher.Calls(testURL))
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestRetryFetcherRequestOverridesBudget(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher(map[string][]step{testURL: {{status: http.StatusForbidden}}})
	rf := newTestRetryFetcher(fetcher, RetryConfig{MaxAttempts: 5}, &recordingSleeper{}, progress.NewRecorder())
	_, err := rf.Fetch(context.Background(), FetchRequest{RunID: testRunID, URL: testURL, MaxAttempts: 2, Component: "detail"})
	require.ErrorIs(t, err, ErrFetchExhausted)
	require.Equal(t, 2, fetcher.Calls(testURL))
}

type countingLimiter struct{ n int }

func (l *countingLimiter) Wait(context.Context, string) error {
	l.n++
	return nil
}

func TestRetryFetcherWaitsOnLimiterPerAttempt(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher(map[string][]step{testURL: {{status: http.StatusForbidden}, {status: http.StatusOK, body: "x"}}})
	limiter := &countingLimiter{}
	rf := NewRetryFetcher(fetcher, RetryConfig{MaxAttempts: 3}, WithSleeper(&recordingSleeper{}), WithLimiter(limiter))
	_, err := rf.Fetch(context.Background(), FetchRequest{RunID: testRunID, URL: testURL, Component: "detail"})
	require.NoError(t, err)
	require.Equal(t, 2, limiter.n)
}

func TestExponentialBackoffMonotone(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		backoff ExponentialBackoff
		want    []time.Duration
	}{
		{
			name:    "base two seconds",
			backoff: NewExponentialBackoff(2, time.Second, 0),
			want:    []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second},
		},
		{
			name:    "capped",
			backoff: NewExponentialBackoff(3, 100*time.Millisecond, 500*time.Millisecond),
			want:    []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 500 * time.Millisecond, 500 * time.Millisecond},
		},
		{
			name:    "base below one is flat",
			backoff: NewExponentialBackoff(0.5, time.Second, 0),
			want:    []time.Duration{time.Second, time.Second, time.Second, time.Second},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			for attempt, want := range tt.want {
				require.Equal(t, want, tt.backoff.Delay(attempt))
			}
			for attempt := 1; attempt < 64; attempt++ {
				require.GreaterOrEqual(t, tt.backoff.Delay(attempt), tt.backoff.Delay(attempt-1))
			}
		})
	}
}

func TestParseFailureMode(t *testing.T) {
	t.Parallel()

	mode, err := ParseFailureMode("")
	require.NoError(t, err)
	require.Equal(t, FailureModeSkip, mode)
	mode, err = ParseFailureMode("raise")
	require.NoError(t, err)
	require.Equal(t, FailureModeRaise, mode)
	_, err = ParseFailureMode("explode")
	require.Error(t, err)
}
