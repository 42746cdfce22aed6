// Package external contains the engine's outbound HTTP surface: the Stripe
// REST client, the webhook signature verifier, and the BaseClient resilience
// wrapper they share with the notification deliverer. Every outbound call
// goes through BaseClient, which handles circuit breaking, retries with
// exponential backoff, trace propagation, and error mapping.
package external

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"entitlements/internal/types"

	"github.com/sony/gobreaker/v2"
)

// RetryPolicy configures how a BaseClient retries transient failures.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy returns sensible defaults for external API calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		MinWait:    500 * time.Millisecond,
		MaxWait:    10 * time.Second,
	}
}

// BaseClient wraps an *http.Client with a circuit breaker, retry loop, and
// error mapping. The StripeClient and the notification deliverer each own
// one; each gets its own breaker so a Stripe outage does not trip webhook
// delivery and vice versa.
type BaseClient struct {
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker[*http.Response]
	retry     RetryPolicy
	userAgent string
	sleep     func(time.Duration)
}

// BaseClientOption is a functional option for configuring a BaseClient.
type BaseClientOption func(*BaseClient)

// WithSleepFunc overrides the sleep function used between retries.
// This is intended for testing to avoid real delays.
func WithSleepFunc(fn func(time.Duration)) BaseClientOption {
	return func(c *BaseClient) {
		c.sleep = fn
	}
}

// NewBaseClient creates a BaseClient around httpClient. breakerName labels
// the circuit breaker; the breaker opens after more than five consecutive
// failures and probes again after thirty seconds.
func NewBaseClient(
	httpClient *http.Client,
	breakerName string,
	retry RetryPolicy,
	userAgent string,
	opts ...BaseClientOption,
) *BaseClient {
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	bc := &BaseClient{
		client:    httpClient,
		breaker:   cb,
		retry:     retry,
		userAgent: userAgent,
		sleep:     time.Sleep,
	}

	for _, opt := range opts {
		opt(bc)
	}

	return bc
}

// Do executes the request with trace and User-Agent headers injected,
// retrying on 429 and 5xx up to the policy's MaxRetries. Responses Stripe
// answers with any other status, 4xx included, come back as-is with a nil
// error: a declined card or a bad parameter is the caller's to interpret,
// not a transport failure. The caller closes the response body.
//
// When retries are exhausted, or the breaker is open, Do returns nil and a
// *types.AppError carrying the matching upstream error code.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	if traceID := types.GetRequestID(req.Context()); traceID != "" {
		req.Header.Set("X-B3-TraceId", traceID)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	// Stripe calls carry form-encoded bodies; snapshot once so every
	// attempt replays the same payload.
	body, err := snapshotBody(req)
	if err != nil {
		return nil, err
	}

	var lastResp *http.Response
	var lastErr error

	attempts := 1 + c.retry.MaxRetries
	for attempt := 0; attempt < attempts; attempt++ {
		if body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
			req.ContentLength = int64(len(body))
		}

		resp, err := c.send(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		// An open breaker fails every remaining attempt; stop here.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}

		if attempt == attempts-1 {
			lastResp = resp
			break
		}
		if resp != nil {
			resp.Body.Close()
		}
		c.sleep(c.backoff(attempt, resp))
	}

	if lastResp != nil {
		lastResp.Body.Close()
	}
	return nil, c.mapError(lastResp, lastErr)
}

// send makes one attempt through the breaker. Only 429 and 5xx count as
// failures; everything else the upstream answers is a success as far as the
// breaker is concerned.
func (c *BaseClient) send(req *http.Request) (*http.Response, error) {
	return c.breaker.Execute(func() (*http.Response, error) {
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return resp, fmt.Errorf("upstream returned %d", resp.StatusCode)
		}
		return resp, nil
	})
}

// snapshotBody drains and closes the request body, returning its bytes.
// Bodiless requests return nil.
func snapshotBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to read request body for retry support",
			err,
		)
	}
	req.Body.Close()
	return body, nil
}

// backoff returns the wait before the next attempt. A Retry-After header
// wins when present; otherwise exponential backoff with full jitter,
// clamped to [MinWait, MaxWait].
func (c *BaseClient) backoff(attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if wait, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			if wait < c.retry.MinWait {
				return c.retry.MinWait
			}
			if wait > c.retry.MaxWait {
				return c.retry.MaxWait
			}
			return wait
		}
	}

	ceiling := float64(c.retry.MinWait) * math.Pow(2, float64(attempt))
	if ceiling > float64(c.retry.MaxWait) {
		ceiling = float64(c.retry.MaxWait)
	}
	floor := float64(c.retry.MinWait)
	if ceiling <= floor {
		return c.retry.MinWait
	}
	return time.Duration(floor + rand.Float64()*(ceiling-floor))
}

// parseRetryAfter handles both forms of the header: delay seconds and an
// HTTP-date.
func parseRetryAfter(value string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		return time.Until(at), true
	}
	return 0, false
}

// mapError translates an exhausted retry loop into a domain error.
func (c *BaseClient) mapError(resp *http.Response, err error) *types.AppError {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			"circuit breaker is open; upstream service unavailable",
			err,
		)
	}

	if resp != nil {
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return types.NewAppError(
				types.ErrCodeUpstreamRateLimited,
				"upstream rate limit exceeded",
				err,
			)
		case resp.StatusCode >= 500:
			return types.NewAppError(
				types.ErrCodeUpstreamUnavailable,
				fmt.Sprintf("upstream returned %d after retries", resp.StatusCode),
				err,
			)
		}
	}

	// Network error, DNS failure, timeout.
	return types.NewAppError(
		types.ErrCodeInternalUnexpected,
		"upstream request failed",
		err,
	)
}
