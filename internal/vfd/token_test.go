package vfd

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestTokenStaticPriority(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	cfg := Config{
		TokenURL:       srv.URL,
		AccessToken:    "static-token-value-long-enough-to-use",
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
	}
	ts := NewTokenSource(cfg, srv.Client(), nil, testLogger())

	token := ts.Token(context.Background(), false)
	assert.Equal(t, "static-token-value-long-enough-to-use", token)
	assert.Zero(t, calls.Load(), "static token must not hit the token endpoint")
}

func TestTokenIgnoresPlaceholderStatic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "exchanged-token", "expires_in": 900})
	}))
	defer srv.Close()

	cfg := Config{
		TokenURL:       srv.URL,
		AccessToken:    "YOUR_VFD_ACCESS_TOKEN_PLACEHOLDER_HERE",
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
	}
	ts := NewTokenSource(cfg, srv.Client(), nil, testLogger())

	assert.Equal(t, "exchanged-token", ts.Token(context.Background(), false))
}

func TestTokenCacheAndRefreshBuffer(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		token := "token-1"
		if n > 1 {
			token = "token-2"
		}
		json.NewEncoder(w).Encode(map[string]any{"access_token": token, "expires_in": 600})
	}))
	defer srv.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	cfg := Config{TokenURL: srv.URL, ConsumerKey: "key", ConsumerSecret: "secret"}
	ts := NewTokenSource(cfg, srv.Client(), clock, testLogger())

	require.Equal(t, "token-1", ts.Token(context.Background(), false))
	require.Equal(t, "token-1", ts.Token(context.Background(), false))
	assert.EqualValues(t, 1, calls.Load())

	// Inside the 60s refresh buffer the cached token is no longer served.
	now = now.Add(600*time.Second - 30*time.Second)
	require.Equal(t, "token-2", ts.Token(context.Background(), false))
	assert.EqualValues(t, 2, calls.Load())
}

func TestTokenExtractionShapes(t *testing.T) {
	cases := []struct {
		name string
		body map[string]any
	}{
		{"nested data", map[string]any{"data": map[string]any{"access_token": "the-token"}}},
		{"snake case", map[string]any{"access_token": "the-token"}},
		{"pascal case", map[string]any{"AccessToken": "the-token"}},
		{"bare token", map[string]any{"token": "the-token"}},
		{"camel case", map[string]any{"accessToken": "the-token"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(tc.body)
			}))
			defer srv.Close()

			cfg := Config{TokenURL: srv.URL, ConsumerKey: "key", ConsumerSecret: "secret"}
			ts := NewTokenSource(cfg, srv.Client(), nil, testLogger())
			assert.Equal(t, "the-token", ts.Token(context.Background(), false))
		})
	}
}

func TestTokenAcceptedShortCircuits(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cfg := Config{TokenURL: srv.URL, ConsumerKey: "key", ConsumerSecret: "secret"}
	ts := NewTokenSource(cfg, srv.Client(), nil, testLogger())

	assert.Empty(t, ts.Token(context.Background(), false))
	assert.Empty(t, ts.Token(context.Background(), false))
	assert.EqualValues(t, 1, calls.Load(), "failed exchange must not be retried on the hot path")

	// forceRefresh clears the failure flag and tries again.
	assert.Empty(t, ts.Token(context.Background(), true))
	assert.EqualValues(t, 2, calls.Load())
}

func TestTokenLifetimeClamp(t *testing.T) {
	assert.Equal(t, defaultTokenLifetime, extractLifetime(map[string]any{}))
	assert.Equal(t, defaultTokenLifetime, extractLifetime(map[string]any{"expires_in": float64(-1)}))
	assert.Equal(t, 10*time.Minute, extractLifetime(map[string]any{"expires_in": float64(600)}))
	assert.Equal(t, maxTokenLifetime, extractLifetime(map[string]any{"expires_in": float64(999999999)}))
	assert.Equal(t, 5*time.Minute, extractLifetime(map[string]any{"data": map[string]any{"expires_in": float64(300)}}))
}

func TestAwaitTokenUsesLocation(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/pending/abc")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/pending/abc", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "late-token", "expires_in": 600})
	})

	cfg := Config{TokenURL: srv.URL + "/token", ConsumerKey: "key", ConsumerSecret: "secret"}
	ts := NewTokenSource(cfg, srv.Client(), nil, testLogger())

	require.Empty(t, ts.Token(context.Background(), false))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Equal(t, "late-token", ts.AwaitToken(ctx))

	// Cached by the await, so the hot path now serves it.
	assert.Equal(t, "late-token", ts.Token(context.Background(), false))
}
