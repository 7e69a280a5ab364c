package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamfinder/statcache/config"
	"github.com/teamfinder/statcache/logger"
	"github.com/teamfinder/statcache/resilience"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *resilience.CircuitBreaker) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	breaker := resilience.NewCircuitBreaker(resilience.BreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     time.Minute,
	})
	client := New(config.UpstreamConfig{
		BaseURL:        srv.URL,
		APIKey:         "test-key",
		RequestTimeout: 2 * time.Second,
	}, breaker, logger.NewTestLogger())
	return client, breaker
}

func TestClientFetchSuccess(t *testing.T) {
	var gotPath, gotKey string
	client, breaker := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.URL.Query().Get("key")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"nickname":"p1","elo":1850}`))
	}))

	payload, err := client.Fetch(context.Background(), "stats", "player-1")
	require.NoError(t, err)
	assert.Equal(t, "/stats/player-1", gotPath)
	assert.Equal(t, "test-key", gotKey)
	assert.Equal(t, "p1", payload["nickname"])
	assert.Equal(t, resilience.StateClosed, breaker.State())
}

func TestClientEloUsesStatsEndpoint(t *testing.T) {
	var gotPath string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{}`))
	}))

	_, err := client.Fetch(context.Background(), "elo", "player-1")
	require.NoError(t, err)
	assert.Equal(t, "/stats/player-1", gotPath)
}

func TestClientNotFoundIsBenign(t *testing.T) {
	client, breaker := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	for i := 0; i < 5; i++ {
		_, err := client.Fetch(context.Background(), "stats", "ghost")
		require.ErrorIs(t, err, ErrNotFound)
		assert.False(t, IsRetryable(err))
	}
	// A healthy upstream saying "no such subject" never trips the breaker.
	assert.Equal(t, resilience.StateClosed, breaker.State())
	assert.Equal(t, 0, breaker.Failures())
}

func TestClientUnauthorizedIsPermanent(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := client.Fetch(context.Background(), "stats", "player-1")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.False(t, IsRetryable(err))
}

func TestClientTransientStatuses(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway} {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		_, err := client.Fetch(context.Background(), "stats", "player-1")
		require.Error(t, err)
		assert.True(t, IsRetryable(err), "status %d should be retryable", status)

		var te *TransientError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, status, te.Status)
	}
}

func TestClientTimeoutIsTransient(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := client.Fetch(ctx, "stats", "player-1")
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestClientFailuresOpenBreaker(t *testing.T) {
	var calls atomic.Int32
	client, breaker := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	for i := 0; i < 3; i++ {
		_, err := client.Fetch(context.Background(), "stats", "player-1")
		require.Error(t, err)
	}
	require.Equal(t, resilience.StateOpen, breaker.State())

	// Further fetches are rejected without hitting the server.
	_, err := client.Fetch(context.Background(), "stats", "player-1")
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientRequiresAPIKey(t *testing.T) {
	breaker := resilience.NewCircuitBreaker(resilience.DefaultBreakerConfig())
	client := New(config.UpstreamConfig{BaseURL: "http://localhost:0"}, breaker, logger.NewTestLogger())

	_, err := client.Fetch(context.Background(), "stats", "player-1")
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestClientMalformedBodyIsTransient(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"truncated":`))
	}))

	_, err := client.Fetch(context.Background(), "stats", "player-1")
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestClientStats(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/stats/bad" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{}`))
	}))

	ctx := context.Background()
	_, _ = client.Fetch(ctx, "stats", "good")
	_, _ = client.Fetch(ctx, "stats", "bad")

	stats := client.Stats()
	assert.Equal(t, 2, stats.Calls)
	assert.Equal(t, 1, stats.Failures)
	assert.Greater(t, stats.AvgCallMs, 0.0)
}
