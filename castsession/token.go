package castsession

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ErrNoToken is returned when no authorization token can be obtained. The
// client never connects unauthenticated.
var ErrNoToken = errors.New("castsession: no authorization token available")

// TokenSource supplies the token sent on socket init.
type TokenSource interface {
	// SyncAnonymousTokens refreshes the cached token from the auth backend.
	SyncAnonymousTokens(ctx context.Context) error
	// TokenFromStorage returns the cached token, or "" when none is held.
	TokenFromStorage() string
}

// StaticToken is a TokenSource for a fixed, caller-provided token.
type StaticToken string

func (s StaticToken) SyncAnonymousTokens(ctx context.Context) error { return nil }
func (s StaticToken) TokenFromStorage() string                      { return string(s) }

const (
	tokenHTTPClientTimeout         = 20 * time.Second
	tokenHTTPDialTimeout           = 5 * time.Second
	tokenHTTPKeepAlive             = 30 * time.Second
	tokenHTTPTLSHandshakeTimeout   = 5 * time.Second
	tokenHTTPResponseHeaderTimeout = 10 * time.Second
	tokenHTTPExpectContinueTimeout = 1 * time.Second
	tokenHTTPIdleConnTimeout       = 90 * time.Second

	tokenRetryMax = 3
)

var tokenHTTPTransport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   tokenHTTPDialTimeout,
		KeepAlive: tokenHTTPKeepAlive,
	}).DialContext,
	TLSHandshakeTimeout:   tokenHTTPTLSHandshakeTimeout,
	ResponseHeaderTimeout: tokenHTTPResponseHeaderTimeout,
	ExpectContinueTimeout: tokenHTTPExpectContinueTimeout,
	IdleConnTimeout:       tokenHTTPIdleConnTimeout,
}

func newTokenHTTPClient() *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = tokenRetryMax
	retryClient.Logger = nil
	retryClient.HTTPClient = &http.Client{
		Timeout:   tokenHTTPClientTimeout,
		Transport: tokenHTTPTransport,
	}

	return retryClient.StandardClient()
}

// TokenClient fetches anonymous access tokens over HTTPS and caches the
// latest one in memory.
type TokenClient struct {
	mu      sync.Mutex
	authURL string
	client  *http.Client
	token   string

	LogOutput   io.Writer
	Logger      zerolog.Logger
	initLogOnce sync.Once
}

// NewTokenClient returns a client for the given auth endpoint. An empty
// authURL resolves through ResolveAuthURL.
func NewTokenClient(authURL string) *TokenClient {
	return &TokenClient{
		authURL: ResolveAuthURL(authURL),
		client:  newTokenHTTPClient(),
	}
}

// Log returns the zerolog logger, initializing it lazily if LogOutput is set.
func (t *TokenClient) Log() *zerolog.Logger {
	if t.LogOutput != nil {
		t.initLogOnce.Do(func() {
			t.Logger = zerolog.New(t.LogOutput).With().Timestamp().Logger()
		})
	}
	return &t.Logger
}

// SyncAnonymousTokens requests a fresh anonymous token and caches it.
func (t *TokenClient) SyncAnonymousTokens(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.authURL, nil)
	if err != nil {
		return fmt.Errorf("SyncAnonymousTokens build request error: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("SyncAnonymousTokens request error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("SyncAnonymousTokens unexpected status: %s", resp.Status)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("SyncAnonymousTokens decode error: %w", err)
	}
	if body.Token == "" {
		return ErrNoToken
	}

	t.mu.Lock()
	t.token = body.Token
	t.mu.Unlock()

	t.Log().Debug().Str("Method", "SyncAnonymousTokens").Msg("token refreshed")
	return nil
}

// TokenFromStorage returns the cached token, or "" if none has been synced.
func (t *TokenClient) TokenFromStorage() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.token
}
