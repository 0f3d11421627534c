// Package credential owns the platform access token: cached issuance,
// proactive refresh ahead of expiry, and single-flight coalescing so
// concurrent callers never stampede the issuing endpoint.
package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"oabot/internal/metrics"
)

const (
	minRefreshMargin = 300 * time.Second
	refreshAttempts  = 3
)

// Token is an immutable access-token snapshot. Refreshes replace the whole
// value, they never mutate it.
type Token struct {
	Value     string
	ExpiresAt time.Time
	TTL       time.Duration
}

// Remaining reports the token lifetime left at now.
func (t *Token) Remaining(now time.Time) time.Duration {
	if t == nil {
		return 0
	}
	return t.ExpiresAt.Sub(now)
}

// CredentialRefreshError wraps an issuing-endpoint failure. Retryable means
// the caller may try again later (network trouble, 5xx); terminal failures
// (bad appid/secret, invalid grant) need operator attention.
type CredentialRefreshError struct {
	Retryable bool
	ErrCode   int
	Err       error
}

func (e *CredentialRefreshError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	if e.ErrCode != 0 {
		return fmt.Sprintf("credential refresh failed (%s, errcode %d): %v", kind, e.ErrCode, e.Err)
	}
	return fmt.Sprintf("credential refresh failed (%s): %v", kind, e.Err)
}

func (e *CredentialRefreshError) Unwrap() error { return e.Err }

// terminalErrCodes are platform responses that a retry cannot fix.
var terminalErrCodes = map[int]bool{
	40001: true, // invalid credential
	40013: true, // invalid appid
	40125: true, // invalid secret
}

// Config wires a Manager.
type Config struct {
	AppID      string
	Secret     string
	BaseURL    string // issuing endpoint base, default https://api.weixin.qq.com
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Manager serves the single shared access token. Safe for concurrent use.
type Manager struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger

	mu    sync.RWMutex
	token *Token

	group singleflight.Group

	now     func() time.Time
	backoff func(attempt int) time.Duration
}

func NewManager(cfg Config) *Manager {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.weixin.qq.com"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "credential"),
		now:    time.Now,
		backoff: func(attempt int) time.Duration {
			base := time.Duration(attempt*attempt) * time.Second
			return base + time.Duration(rand.Int64N(int64(base/2+1)))
		},
	}
}

// Token returns a currently valid access token, refreshing it when the
// remaining lifetime drops below the margin (max of 300s and 5% of the TTL).
// Concurrent callers on a stale token share a single refresh.
func (m *Manager) Token(ctx context.Context) (string, error) {
	if tok := m.current(); m.fresh(tok) {
		return tok.Value, nil
	}

	v, err, _ := m.group.Do("token", func() (interface{}, error) {
		// Re-check under the flight: a racing caller may have refreshed.
		if tok := m.current(); m.fresh(tok) {
			return tok.Value, nil
		}
		tok, err := m.refresh(ctx)
		if err != nil {
			// A still-valid previous token keeps being served.
			if prev := m.current(); prev != nil && prev.Remaining(m.now()) > 0 {
				m.logger.Warn("refresh failed, serving previous token",
					"error", err, "remaining", prev.Remaining(m.now()))
				return prev.Value, nil
			}
			return nil, err
		}
		m.mu.Lock()
		m.token = tok
		m.mu.Unlock()
		return tok.Value, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token so the next Token call refreshes.
// Used when an API call reports errcode 40001.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.token = nil
	m.mu.Unlock()
	m.logger.Warn("access token invalidated")
}

func (m *Manager) current() *Token {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

func (m *Manager) fresh(tok *Token) bool {
	if tok == nil {
		return false
	}
	margin := minRefreshMargin
	if pct := tok.TTL / 20; pct > margin {
		margin = pct
	}
	return tok.Remaining(m.now()) >= margin
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	ErrCode     int    `json:"errcode"`
	ErrMsg      string `json:"errmsg"`
}

// refresh calls the issuing endpoint with bounded retries on retryable
// failures. Terminal platform errors abort immediately.
func (m *Manager) refresh(ctx context.Context) (*Token, error) {
	endpoint := fmt.Sprintf("%s/cgi-bin/token?grant_type=client_credential&appid=%s&secret=%s",
		m.cfg.BaseURL, url.QueryEscape(m.cfg.AppID), url.QueryEscape(m.cfg.Secret))

	var lastErr *CredentialRefreshError
	for attempt := 0; attempt < refreshAttempts; attempt++ {
		if attempt > 0 {
			wait := m.backoff(attempt)
			m.logger.Warn("retrying token refresh", "attempt", attempt+1, "backoff", wait)
			select {
			case <-ctx.Done():
				return nil, &CredentialRefreshError{Retryable: true, Err: ctx.Err()}
			case <-time.After(wait):
			}
		}

		tok, cerr := m.issue(ctx, endpoint)
		if cerr == nil {
			metrics.TokenRefreshes.Inc()
			m.logger.Info("access token refreshed", "ttl", tok.TTL)
			return tok, nil
		}
		if !cerr.Retryable {
			return nil, cerr
		}
		lastErr = cerr
	}
	return nil, lastErr
}

func (m *Manager) issue(ctx context.Context, endpoint string) (*Token, *CredentialRefreshError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &CredentialRefreshError{Err: fmt.Errorf("build request: %w", err)}
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, &CredentialRefreshError{Retryable: true, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &CredentialRefreshError{Retryable: true, Err: err}
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, &CredentialRefreshError{Retryable: true,
			Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)}
	}
	if resp.StatusCode >= 400 {
		return nil, &CredentialRefreshError{
			Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, &CredentialRefreshError{Err: fmt.Errorf("decode response: %w", err)}
	}
	if tr.ErrCode != 0 {
		return nil, &CredentialRefreshError{
			Retryable: !terminalErrCodes[tr.ErrCode],
			ErrCode:   tr.ErrCode,
			Err:       fmt.Errorf("platform error %d: %s", tr.ErrCode, tr.ErrMsg),
		}
	}
	if tr.AccessToken == "" || tr.ExpiresIn <= 0 {
		return nil, &CredentialRefreshError{Err: fmt.Errorf("malformed token response: %s", body)}
	}

	ttl := time.Duration(tr.ExpiresIn) * time.Second
	return &Token{
		Value:     tr.AccessToken,
		ExpiresAt: m.now().Add(ttl),
		TTL:       ttl,
	}, nil
}
