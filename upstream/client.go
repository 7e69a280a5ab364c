// Package upstream implements the client for the external statistics
// service, wrapping every call in a circuit breaker so a failing upstream is
// rejected fast instead of tying up workers.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/teamfinder/statcache/config"
	"github.com/teamfinder/statcache/logger"
	"github.com/teamfinder/statcache/resilience"
)

var (
	// ErrNotFound means the subject does not exist upstream. It is a benign
	// outcome, not a breaker failure; callers cache an explicit empty
	// result for it.
	ErrNotFound = errors.New("upstream: subject not found")

	// ErrUnauthorized means the API key was rejected. Permanent; retrying
	// cannot help.
	ErrUnauthorized = errors.New("upstream: invalid API key")

	// ErrMissingAPIKey is returned before any network attempt when no key
	// is configured.
	ErrMissingAPIKey = errors.New("upstream: no API key configured")
)

// TransientError covers rate limiting, server errors and timeouts: outcomes
// worth retrying after a backoff.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream: transient failure: %v", e.Err)
	}
	return fmt.Sprintf("upstream: transient failure: status %d", e.Status)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the background processor should retry a fetch
// that failed with err. Circuit-open rejections are not retryable; the next
// attempt would be rejected the same way until the breaker cools down.
func IsRetryable(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// endpointFor maps a dataset kind onto an upstream endpoint. The elo dataset
// is derived from the stats endpoint.
func endpointFor(dataset string) string {
	switch dataset {
	case "elo":
		return "stats"
	default:
		return dataset
	}
}

// Client fetches subject statistics over HTTP. All calls go through the
// circuit breaker; per-call durations feed a rolling latency window.
type Client struct {
	cfg     config.UpstreamConfig
	breaker *resilience.CircuitBreaker
	client  *http.Client
	log     logger.Logger

	mu        sync.Mutex
	calls     int
	failures  int
	durations []time.Duration
}

// New returns a Client wired to the given breaker. The breaker is shared
// with whoever reports on upstream health; the Client never constructs its
// own.
func New(cfg config.UpstreamConfig, breaker *resilience.CircuitBreaker, log logger.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		cfg:     cfg,
		breaker: breaker,
		client:  &http.Client{Timeout: timeout},
		log:     log.WithPrefix("upstream"),
	}
}

// Fetch retrieves one dataset for one subject and returns the decoded JSON
// document. The error classifies the outcome: ErrNotFound (benign),
// ErrUnauthorized (permanent), *TransientError (retryable), or
// resilience.ErrCircuitOpen when the breaker rejected the call outright.
func (c *Client) Fetch(ctx context.Context, dataset, subject string) (map[string]any, error) {
	if c.cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if err := c.breaker.Allow(); err != nil {
		return nil, err
	}

	start := time.Now()
	payload, err := c.do(ctx, endpointFor(dataset), subject)
	c.record(time.Since(start), err)

	switch {
	case err == nil, errors.Is(err, ErrNotFound):
		// Not-found is a valid answer from a healthy upstream.
		c.breaker.MarkSuccess()
	default:
		c.breaker.MarkFailure()
	}
	return payload, err
}

func (c *Client) do(ctx context.Context, endpoint, subject string) (map[string]any, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("upstream: invalid base url: %w", err)
	}
	u.Path = path.Join(u.Path, endpoint, subject)
	q := u.Query()
	q.Set("key", c.cfg.APIKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		// Timeouts and connection failures are transient.
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var payload map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return nil, &TransientError{Status: resp.StatusCode, Err: fmt.Errorf("decoding response: %w", err)}
		}
		c.log.Trace("fetched %s/%s", endpoint, subject)
		return payload, nil

	case resp.StatusCode == http.StatusNotFound:
		c.log.Debug("subject %s not found on %s", subject, endpoint)
		return nil, ErrNotFound

	case resp.StatusCode == http.StatusUnauthorized:
		c.log.Error("API key rejected by upstream")
		return nil, ErrUnauthorized

	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= http.StatusInternalServerError:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		c.log.Warn("upstream returned %d for %s/%s", resp.StatusCode, endpoint, subject)
		return nil, &TransientError{Status: resp.StatusCode}

	default:
		// Anything else unexpected is a permanent request problem.
		return nil, fmt.Errorf("upstream: unexpected status %d", resp.StatusCode)
	}
}

const userAgent = "statcache/1.0"

// Stats is a point-in-time view of client activity.
type Stats struct {
	Calls     int
	Failures  int
	AvgCallMs float64
	Breaker   resilience.BreakerStats
}

func (c *Client) record(d time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if err != nil && !errors.Is(err, ErrNotFound) {
		c.failures++
	}
	c.durations = append(c.durations, d)
	if len(c.durations) > 1000 {
		c.durations = c.durations[500:]
	}
}

// Stats returns call counters and the breaker view.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{Calls: c.calls, Failures: c.failures, Breaker: c.breaker.Stats()}
	if len(c.durations) > 0 {
		var sum time.Duration
		for _, d := range c.durations {
			sum += d
		}
		s.AvgCallMs = float64(sum.Microseconds()) / float64(len(c.durations)) / 1000.0
	}
	return s
}
