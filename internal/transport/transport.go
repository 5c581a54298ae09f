package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/roehann/cota/internal/logger"
)

const (
	// DefaultAttempts is the total number of tries for one request.
	DefaultAttempts = 3
	// DefaultDelay is the fixed wait between tries.
	DefaultDelay = 5 * time.Second
)

// ErrConnectionExhausted is returned once every retry attempt for a request
// has failed. Callers may legitimately retry the whole operation later.
var ErrConnectionExhausted = errors.New("connection attempts exhausted")

// StatusError reports a non-success HTTP response.
type StatusError struct {
	// Method and URL identify the failed request.
	Method string
	URL    string
	// Code is the HTTP status code, Status the full status line.
	Code   int
	Status string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Method, e.URL, e.Status)
}

// Temporary reports whether the response class is worth retrying.
func (e *StatusError) Temporary() bool {
	return e.Code >= http.StatusInternalServerError
}

// Retrying is an http.RoundTripper that repeats requests on transient
// failures: transport-level errors and 5xx responses. 4xx responses are
// surfaced immediately as a *StatusError. The same retry policy applies to
// every request of every protocol client sharing the transport.
type Retrying struct {
	// Base performs the actual round trips; nil means http.DefaultTransport.
	Base http.RoundTripper
	// Attempts is the total number of tries; zero means DefaultAttempts.
	Attempts int
	// Delay is the fixed wait between tries; zero means DefaultDelay.
	Delay time.Duration
}

// RoundTrip implements http.RoundTripper.
func (t *Retrying) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	attempts := t.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}

	delay := t.Delay
	if delay <= 0 {
		delay = DefaultDelay
	}

	ctx := req.Context()

	var (
		resp  *http.Response
		tries int
	)

	operation := func() error {
		// Replay the body on every try after the first.
		if tries > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return backoff.Permanent(fmt.Errorf("rewind request body: %w", err))
			}

			req.Body = body
		}

		tries++

		var err error

		resp, err = base.RoundTrip(req)
		if err != nil {
			return err
		}

		if resp.StatusCode >= http.StatusBadRequest {
			statusErr := &StatusError{
				Method: req.Method,
				URL:    req.URL.String(),
				Code:   resp.StatusCode,
				Status: resp.Status,
			}

			drain(resp)

			if !statusErr.Temporary() {
				return backoff.Permanent(statusErr)
			}

			return statusErr
		}

		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(attempts-1)),
		ctx,
	)

	notify := func(err error, wait time.Duration) {
		logger.Warnf(ctx, "%v - retrying in %s", err, wait)
	}

	err := backoff.RetryNotify(operation, policy, notify)
	if err == nil {
		return resp, nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// The caller gave up, not the network. Don't classify a deliberate
		// shutdown as a transient connectivity failure.
		return nil, err
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) && !statusErr.Temporary() {
		// Non-retryable response, not a connectivity problem.
		return nil, err
	}

	logger.Errorf(ctx, "Failed after %d attempts. Last error: %v", tries, err)

	return nil, fmt.Errorf("%w: %s %s after %d attempts: %w",
		ErrConnectionExhausted, req.Method, req.URL, tries, err)
}

// drain discards and closes a response body so the connection can be reused.
func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	_ = resp.Body.Close()
}

// Option configures the client returned by NewClient.
type Option func(*Retrying)

// WithAttempts sets the total number of tries per request.
func WithAttempts(n int) Option {
	return func(t *Retrying) {
		if n > 0 {
			t.Attempts = n
		}
	}
}

// WithDelay sets the fixed wait between tries.
func WithDelay(d time.Duration) Option {
	return func(t *Retrying) {
		if d > 0 {
			t.Delay = d
		}
	}
}

// WithBase sets the round tripper performing the actual requests.
func WithBase(rt http.RoundTripper) Option {
	return func(t *Retrying) {
		t.Base = rt
	}
}

// NewClient returns an *http.Client whose every request is subject to the
// bounded-retry policy. Both protocol clients share one such client.
func NewClient(opts ...Option) *http.Client {
	t := &Retrying{}
	for _, opt := range opts {
		opt(t)
	}

	return &http.Client{Transport: t}
}
