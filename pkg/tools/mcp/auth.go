package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// AuthProvider supplies headers for MCP requests.
type AuthProvider interface {
	GetHeaders(ctx context.Context) (map[string]string, error)
}

// OAuthClientCredentials obtains bearer tokens with the OAuth 2.0
// client_credentials grant. A token is reused until 80% of its lifetime has
// passed; if the refresh fails while the old token is still valid, the old
// token is used.
type OAuthClientCredentials struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string

	httpClient *http.Client
	now        func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	refreshAt time.Time
}

func NewOAuthClientCredentials(tokenURL, clientID, clientSecret string, scopes []string) *OAuthClientCredentials {
	return &OAuthClientCredentials{
		TokenURL:     tokenURL,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       scopes,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		now:          time.Now,
	}
}

func (a *OAuthClientCredentials) GetHeaders(ctx context.Context) (map[string]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if a.token != "" && now.Before(a.refreshAt) {
		return bearer(a.token), nil
	}

	token, lifetime, err := a.fetch(ctx)
	if err != nil {
		if a.token != "" && now.Before(a.expiresAt) {
			return bearer(a.token), nil
		}
		return nil, fmt.Errorf("acquiring OAuth token: %w", err)
	}

	a.token = token
	a.expiresAt = now.Add(lifetime)
	a.refreshAt = now.Add(lifetime * 4 / 5)
	return bearer(token), nil
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func (a *OAuthClientCredentials) fetch(ctx context.Context) (string, time.Duration, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {a.ClientID},
		"client_secret": {a.ClientSecret},
	}
	if len(a.Scopes) > 0 {
		form.Set("scope", strings.Join(a.Scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("reading token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, body)
	}

	var tr struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", 0, fmt.Errorf("parsing token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", 0, errors.New("token response missing access_token")
	}
	return tr.AccessToken, time.Duration(tr.ExpiresIn) * time.Second, nil
}

// headerTransport adds static headers and then provider headers, which
// win on conflicts.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
	auth    AuthProvider
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	if t.auth != nil {
		h, err := t.auth.GetHeaders(req.Context())
		if err != nil {
			return nil, fmt.Errorf("getting auth headers: %w", err)
		}
		for k, v := range h {
			req.Header.Set(k, v)
		}
	}
	return t.base.RoundTrip(req)
}
