package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostJSONSucceedsOnFirstTry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New()
	data, err := c.PostJSON(context.Background(), srv.URL, map[string]string{"Authorization": "Bearer secret"},
		map[string]any{"hello": "world"}, NoRetry)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))
}

func TestPostJSONRetriesOn429ThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(WithMaxRetries(3), WithBaseDelay(time.Millisecond), WithMaxDelay(10*time.Millisecond))
	data, err := c.PostJSON(context.Background(), srv.URL, nil, map[string]any{}, SmartRetry)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))
	assert.Equal(t, int32(2), attempts.Load())
}

func TestPostJSONNoRetryFailsImmediatelyOn429(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New()
	_, err := c.PostJSON(context.Background(), srv.URL, nil, map[string]any{}, NoRetry)
	require.Error(t, err)
	assert.True(t, IsRateLimit(err))
	assert.Equal(t, int32(1), attempts.Load())
}

func TestPostJSONNonRetryableClientErrorIsNotRetried(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer srv.Close()

	c := New()
	_, err := c.PostJSON(context.Background(), srv.URL, nil, map[string]any{}, SmartRetry)
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.Code)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestPostJSONExhaustsRetriesOnPersistent500(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(WithMaxRetries(2), WithBaseDelay(time.Millisecond), WithMaxDelay(5*time.Millisecond))
	_, err := c.PostJSON(context.Background(), srv.URL, nil, map[string]any{}, SmartRetry)
	require.Error(t, err)
	assert.Equal(t, int32(3), attempts.Load()) // initial attempt + 2 retries
}

func TestParseRateLimitHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "7")
	h.Set("x-ratelimit-remaining-requests", "42")
	h.Set("x-ratelimit-remaining-tokens", "1000")

	info := parseRateLimitHeaders(h)
	assert.Equal(t, 7*time.Second, info.RetryAfter)
	assert.Equal(t, 42, info.RequestsRemain)
	assert.Equal(t, 1000, info.TokensRemaining)
}

func TestParseRateLimitHeadersIgnoresUnparseableValues(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "soon")
	info := parseRateLimitHeaders(h)
	assert.Equal(t, time.Duration(0), info.RetryAfter)
}

func TestClampNeverExceedsMax(t *testing.T) {
	assert.Equal(t, 5*time.Second, clamp(10*time.Second, 5*time.Second))
	assert.Equal(t, 3*time.Second, clamp(3*time.Second, 5*time.Second))
}
