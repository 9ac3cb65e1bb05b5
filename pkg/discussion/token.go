package discussion

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// DefaultTokenURL is Reddit's OAuth token endpoint.
const DefaultTokenURL = "https://www.reddit.com/api/v1/access_token"

// TokenSource issues and caches Reddit OAuth access tokens. With a refresh
// token it uses the refresh_token grant, otherwise client_credentials.
type TokenSource struct {
	client       *http.Client
	tokenURL     string
	clientID     string
	clientSecret string
	refreshToken string
	userAgent    string
	now          func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewTokenSource creates a token source. tokenURL may be empty.
func NewTokenSource(client *http.Client, tokenURL, clientID, clientSecret, refreshToken, userAgent string) *TokenSource {
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	return &TokenSource{
		client:       client,
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		refreshToken: refreshToken,
		userAgent:    userAgent,
		now:          time.Now,
	}
}

// Token returns a valid access token, requesting a new one when the cached
// token is missing or about to expire.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token != "" && ts.now().Before(ts.expiry) {
		return ts.token, nil
	}

	data := url.Values{"grant_type": {"client_credentials"}}
	if ts.refreshToken != "" {
		data = url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {ts.refreshToken},
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.SetBasicAuth(ts.clientID, ts.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", ts.userAgent)

	resp, err := ts.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("reddit token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("reddit auth status %d", resp.StatusCode)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		Error       string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("decode reddit token: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", fmt.Errorf("reddit token: %s", orDefault(tokenResp.Error, "empty access token"))
	}

	ts.token = tokenResp.AccessToken
	ts.expiry = ts.now().Add(tokenLifetime(tokenResp.ExpiresIn))
	return ts.token, nil
}

// tokenLifetime is how long a token is reused: a minute short of its
// expiry, or half its lifetime when that is under two minutes. Tokens
// without an expiry are kept for an hour.
func tokenLifetime(expiresIn int) time.Duration {
	switch {
	case expiresIn <= 0:
		return time.Hour
	case expiresIn < 120:
		return time.Duration(expiresIn) * time.Second / 2
	}
	return time.Duration(expiresIn-60) * time.Second
}

// Invalidate drops the cached token so the next call requests a new one.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	ts.token = ""
	ts.mu.Unlock()
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
