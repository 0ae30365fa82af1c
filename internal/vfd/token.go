package vfd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// refreshBuffer is how long before expiry a cached token stops being served.
const refreshBuffer = 60 * time.Second

const (
	defaultTokenLifetime = 14 * time.Minute
	maxTokenLifetime     = 24 * time.Hour
)

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// TokenSource acquires and caches VFD access tokens. It holds a single cached
// token slot; a refresh overwrites it. All failures are swallowed into an
// empty return so callers fall back to basic-credential auth.
type TokenSource struct {
	cfg        Config
	httpClient *http.Client
	clock      func() time.Time
	logger     *slog.Logger

	mu             sync.Mutex
	cached         *cachedToken
	exchangeFailed bool
	pollLocation   string
}

// NewTokenSource creates a token source. A nil clock defaults to time.Now.
func NewTokenSource(cfg Config, httpClient *http.Client, clock func() time.Time, logger *slog.Logger) *TokenSource {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if clock == nil {
		clock = time.Now
	}
	return &TokenSource{
		cfg:        cfg,
		httpClient: httpClient,
		clock:      clock,
		logger:     logger,
	}
}

// Token returns an access token, or "" when none is available and the caller
// should use basic-credential auth instead.
//
// Priority: explicit static token from config, then a cached exchanged token
// that is not within the refresh buffer of its expiry, then a fresh
// client-credentials exchange. A prior failed exchange short-circuits to ""
// until forceRefresh is set, so a known-broken token endpoint is not hammered
// on every payment call.
func (ts *TokenSource) Token(ctx context.Context, forceRefresh bool) string {
	if static := ts.staticToken(); static != "" {
		return static
	}

	ts.mu.Lock()
	if !forceRefresh {
		if ts.cached != nil && ts.clock().Before(ts.cached.expiresAt.Add(-refreshBuffer)) {
			token := ts.cached.token
			ts.mu.Unlock()
			return token
		}
		if ts.exchangeFailed {
			ts.mu.Unlock()
			return ""
		}
	} else {
		ts.cached = nil
		ts.exchangeFailed = false
	}
	ts.mu.Unlock()

	token, expiresAt, err := ts.exchange(ctx)
	if err != nil {
		ts.logger.Warn("token exchange failed", "error", err)
		return ""
	}
	if token == "" {
		// 202 or empty body: token issuance is pending. Do not poll on the
		// hot path; AwaitToken does bounded polling when explicitly asked.
		ts.mu.Lock()
		ts.exchangeFailed = true
		ts.mu.Unlock()
		return ""
	}

	ts.mu.Lock()
	ts.cached = &cachedToken{token: token, expiresAt: expiresAt}
	ts.exchangeFailed = false
	ts.mu.Unlock()

	ts.logger.Info("access token obtained", "expires_at", expiresAt)
	return token
}

// Invalidate drops the cached token. Called after a 401/403 from a
// downstream VFD call.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	ts.cached = nil
	ts.mu.Unlock()
}

// staticToken returns a well-formed token configured via VFD_ACCESS_TOKEN,
// or "". Short values and obvious placeholders are ignored.
func (ts *TokenSource) staticToken() string {
	token := strings.TrimSpace(ts.cfg.AccessToken)
	if len(token) <= 20 {
		return ""
	}
	lower := strings.ToLower(token)
	for _, placeholder := range []string{"placeholder", "your_", "your-", "changeme", "xxxx"} {
		if strings.Contains(lower, placeholder) {
			return ""
		}
	}
	return token
}

// exchange performs a client-credentials token exchange. An empty token with
// a nil error means the endpoint accepted the request but issued nothing
// (HTTP 202 or empty body).
func (ts *TokenSource) exchange(ctx context.Context) (token string, expiresAt time.Time, err error) {
	if ts.cfg.ConsumerKey == "" || ts.cfg.ConsumerSecret == "" {
		ts.logger.Error("missing VFD consumer credentials")
		return "", time.Time{}, nil
	}

	payload, _ := json.Marshal(map[string]string{
		"consumerKey":    ts.cfg.ConsumerKey,
		"consumerSecret": ts.cfg.ConsumerSecret,
		"validityTime":   "-1",
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.cfg.TokenURL, bytes.NewReader(payload))
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusAccepted {
		ts.mu.Lock()
		ts.pollLocation = resp.Header.Get("Location")
		ts.mu.Unlock()
		return "", time.Time{}, nil
	}

	fields := decodeLoose(body)
	token = extractToken(fields)
	if token == "" {
		return "", time.Time{}, nil
	}

	return token, ts.clock().Add(extractLifetime(fields)), nil
}

// AwaitToken performs the bounded polling fallback for asynchronous token
// issuance: up to maxAttempts polls roughly a second apart, trying the
// Location from the 202 response first and the token endpoint itself after.
// It must never be called on the payment hot path.
func (ts *TokenSource) AwaitToken(ctx context.Context) string {
	const maxAttempts = 8
	const pollDelay = time.Second

	ts.mu.Lock()
	location := ts.pollLocation
	ts.mu.Unlock()

	targets := make([]string, 0, 2)
	if location != "" {
		targets = append(targets, ts.resolvePollURL(location))
	}
	targets = append(targets, ts.cfg.TokenURL)

	for _, target := range targets {
		for attempt := 0; attempt < maxAttempts; attempt++ {
			select {
			case <-ctx.Done():
				return ""
			case <-time.After(pollDelay):
			}

			token, expiresAt, err := ts.pollOnce(ctx, target)
			if err != nil || token == "" {
				continue
			}

			ts.mu.Lock()
			ts.cached = &cachedToken{token: token, expiresAt: expiresAt}
			ts.exchangeFailed = false
			ts.mu.Unlock()
			return token
		}
	}

	return ""
}

func (ts *TokenSource) pollOnce(ctx context.Context, target string) (string, time.Time, error) {
	method := http.MethodGet
	var body io.Reader
	if target == ts.cfg.TokenURL {
		method = http.MethodPost
		payload, _ := json.Marshal(map[string]string{
			"consumerKey":    ts.cfg.ConsumerKey,
			"consumerSecret": ts.cfg.ConsumerSecret,
			"validityTime":   "-1",
		})
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return "", time.Time{}, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	fields := decodeLoose(raw)
	token := extractToken(fields)
	if token == "" {
		return "", time.Time{}, nil
	}
	return token, ts.clock().Add(extractLifetime(fields)), nil
}

func (ts *TokenSource) resolvePollURL(location string) string {
	base, err := url.Parse(ts.cfg.TokenURL)
	if err != nil {
		return location
	}
	ref, err := url.Parse(location)
	if err != nil {
		return strings.TrimSuffix(ts.cfg.TokenURL, "/") + "/" + strings.TrimPrefix(location, "/")
	}
	return base.ResolveReference(ref).String()
}

// decodeLoose parses a response body that may be JSON, empty, or garbage.
func decodeLoose(body []byte) map[string]any {
	fields := map[string]any{}
	if len(body) == 0 {
		return fields
	}
	if err := json.Unmarshal(body, &fields); err != nil {
		return map[string]any{}
	}
	return fields
}

// tokenExtractors is the ordered list of response shapes the token endpoint
// has been observed returning, tried in sequence until one yields a value.
var tokenExtractors = []func(map[string]any) (string, bool){
	func(m map[string]any) (string, bool) { return nestedString(m, "data", "access_token") },
	func(m map[string]any) (string, bool) { return topString(m, "access_token") },
	func(m map[string]any) (string, bool) { return topString(m, "AccessToken") },
	func(m map[string]any) (string, bool) { return topString(m, "token") },
	func(m map[string]any) (string, bool) { return topString(m, "accessToken") },
	func(m map[string]any) (string, bool) { return nestedString(m, "data", "accessToken") },
}

func extractToken(fields map[string]any) string {
	for _, extract := range tokenExtractors {
		if token, ok := extract(fields); ok && token != "" {
			return token
		}
	}
	return ""
}

var expiryExtractors = []func(map[string]any) (float64, bool){
	func(m map[string]any) (float64, bool) { return nestedNumber(m, "data", "expires_in") },
	func(m map[string]any) (float64, bool) { return topNumber(m, "expires_in") },
	func(m map[string]any) (float64, bool) { return topNumber(m, "expires") },
}

// extractLifetime returns the advertised token lifetime clamped to a
// 24-hour ceiling; a missing or non-positive value defaults to 14 minutes.
// Some environments advertise non-expiring tokens, which are not trusted.
func extractLifetime(fields map[string]any) time.Duration {
	for _, extract := range expiryExtractors {
		if seconds, ok := extract(fields); ok && seconds > 0 {
			lifetime := time.Duration(seconds) * time.Second
			if lifetime > maxTokenLifetime {
				return maxTokenLifetime
			}
			return lifetime
		}
	}
	return defaultTokenLifetime
}

func topString(m map[string]any, key string) (string, bool) {
	s, ok := m[key].(string)
	return s, ok
}

func nestedString(m map[string]any, outer, key string) (string, bool) {
	inner, ok := m[outer].(map[string]any)
	if !ok {
		return "", false
	}
	return topString(inner, key)
}

func topNumber(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func nestedNumber(m map[string]any, outer, key string) (float64, bool) {
	inner, ok := m[outer].(map[string]any)
	if !ok {
		return 0, false
	}
	return topNumber(inner, key)
}
