package fedi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// Client is a minimal OAuth2 + REST client for a federated server instance.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a Client for the given instance base URL.
func NewClient(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log,
	}
}

// WaitReady polls the instance health endpoint with capped exponential
// backoff until it answers 200 or the bounded timeout elapses. The proxy
// terminates TLS and obtains its certificate asynchronously, so the first
// dials can fail at the handshake even after every container reports
// healthy.
func (c *Client) WaitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	interval := 500 * time.Millisecond

	var lastErr error
	for {
		lastErr = c.checkHealth(ctx)
		if lastErr == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("instance not ready within %s: %w", timeout, lastErr)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for instance: %w", ctx.Err())
		case <-time.After(interval):
		}
		if interval < 5*time.Second {
			interval *= 2
			if interval > 5*time.Second {
				interval = 5 * time.Second
			}
		}
	}
}

func (c *Client) checkHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// App holds OAuth2 application credentials minted by the instance.
type App struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// RegisterApp registers an OAuth2 application and fails unless the response
// carries both client_id and client_secret.
func (c *Client) RegisterApp(ctx context.Context, name, redirectURI, scopes string) (*App, error) {
	body, err := c.postJSON(ctx, "/api/v1/apps", map[string]string{
		"client_name":   name,
		"redirect_uris": redirectURI,
		"scopes":        scopes,
	}, "")
	if err != nil {
		return nil, fmt.Errorf("register app: %w", err)
	}

	var app App
	if err := json.Unmarshal(body, &app); err != nil {
		return nil, fmt.Errorf("register app: decode response: %w", err)
	}
	if app.ClientID == "" || app.ClientSecret == "" {
		return nil, fmt.Errorf("register app: response missing client_id or client_secret")
	}
	return &app, nil
}

// Token exchanges the admin credentials for an access token via the OAuth2
// password grant. An absent or null access_token is a fatal error.
func (c *Client) Token(ctx context.Context, app *App, username, password, scopes string) (string, error) {
	body, err := c.postJSON(ctx, "/oauth/token", map[string]string{
		"client_id":     app.ClientID,
		"client_secret": app.ClientSecret,
		"grant_type":    "password",
		"username":      username,
		"password":      password,
		"scope":         scopes,
	}, "")
	if err != nil {
		return "", fmt.Errorf("obtain token: %w", err)
	}

	var resp struct {
		AccessToken *string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("obtain token: decode response: %w", err)
	}
	if resp.AccessToken == nil || *resp.AccessToken == "" {
		return "", fmt.Errorf("obtain token: response has no access_token")
	}
	return *resp.AccessToken, nil
}

// Outcome classifies one follow attempt.
type Outcome string

const (
	OutcomeFollowed Outcome = "followed"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeFailed   Outcome = "failed"
)

// FollowResult reports one follow attempt. Err is set only for failed
// outcomes and never aborts a batch.
type FollowResult struct {
	Handle    string
	AccountID string
	Outcome   Outcome
	Err       error
}

// Follow resolves a remote handle through federated search and follows the
// first matching account. A handle that resolves to nothing is skipped, not
// an error.
func (c *Client) Follow(ctx context.Context, token, handle string) FollowResult {
	res := FollowResult{Handle: handle}

	q := url.Values{}
	q.Set("q", handle)
	q.Set("resolve", "true")
	q.Set("type", "accounts")
	q.Set("limit", "1")

	body, err := c.get(ctx, "/api/v2/search?"+q.Encode(), token)
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = fmt.Errorf("search %s: %w", handle, err)
		return res
	}

	var search struct {
		Accounts []struct {
			ID string `json:"id"`
		} `json:"accounts"`
	}
	if err := json.Unmarshal(body, &search); err != nil {
		res.Outcome = OutcomeFailed
		res.Err = fmt.Errorf("search %s: decode response: %w", handle, err)
		return res
	}
	if len(search.Accounts) == 0 {
		res.Outcome = OutcomeSkipped
		return res
	}

	res.AccountID = search.Accounts[0].ID
	followBody, err := c.postJSON(ctx, "/api/v1/accounts/"+res.AccountID+"/follow", struct{}{}, token)
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = fmt.Errorf("follow %s: %w", handle, err)
		return res
	}

	var followResp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(followBody, &followResp); err == nil && followResp.Error != "" {
		res.Outcome = OutcomeFailed
		res.Err = fmt.Errorf("follow %s: %s", handle, followResp.Error)
		return res
	}

	res.Outcome = OutcomeFollowed
	return res
}

// FollowAll follows every handle in order with a fixed delay between
// attempts to reduce the risk of remote rate-limiting. Per-item failures are
// logged and the batch continues.
func (c *Client) FollowAll(ctx context.Context, token string, handles []string, delay time.Duration) []FollowResult {
	results := make([]FollowResult, 0, len(handles))
	for i, handle := range handles {
		if i > 0 && delay > 0 {
			select {
			case <-ctx.Done():
				return results
			case <-time.After(delay):
			}
		}

		res := c.Follow(ctx, token, handle)
		results = append(results, res)

		switch res.Outcome {
		case OutcomeFollowed:
			c.log.Info().Str("handle", handle).Str("account_id", res.AccountID).Msg("followed")
		case OutcomeSkipped:
			c.log.Warn().Str("handle", handle).Msg("no account found, skipping")
		case OutcomeFailed:
			c.log.Error().Str("handle", handle).Err(res.Err).Msg("follow failed")
		}
	}
	return results
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, token string) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req)
}

func (c *Client) get(ctx context.Context, path, token string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}
	return body, nil
}
