// Package billing talks to the NuxBill billing API: customer lookup,
// plan search and the recharge/deactivate/sync mutations.
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/opsbot/pkg/backend"
)

const backendName = "billing"

// tokenValidity is how long a NuxBill admin token stays usable, per the
// server's own session policy (90 days).
const tokenValidity = 90 * 24 * time.Hour

// ClientConfig holds NuxBill API connection settings.
type ClientConfig struct {
	APIURL   string
	Username string
	Password string
	Retry    backend.Policy
}

// Client is a NuxBill API client. The API is a single endpoint routed by
// the "r" query parameter; authenticated calls carry an admin token
// obtained from admin/post and cached until expiry.
type Client struct {
	apiURL   string
	username string
	password string
	retry    backend.Policy
	http     *http.Client
	logger   *zap.Logger

	mu          sync.Mutex
	token       string
	tokenIssued time.Time
}

// NewClient creates a NuxBill client.
func NewClient(cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("billing API URL required")
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("billing credentials required")
	}
	return &Client{
		apiURL:   strings.TrimRight(cfg.APIURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		retry:    cfg.Retry,
		http:     &http.Client{},
		logger:   logger,
	}, nil
}

// apiResponse is the envelope every NuxBill route returns.
type apiResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// Get issues an authenticated GET for the given route.
func (c *Client) Get(ctx context.Context, route string, params url.Values) (json.RawMessage, error) {
	return c.call(ctx, http.MethodGet, route, params, nil)
}

// PostForm issues an authenticated form POST for the given route.
func (c *Client) PostForm(ctx context.Context, route string, form url.Values) (json.RawMessage, error) {
	return c.call(ctx, http.MethodPost, route, nil, form)
}

func (c *Client) call(ctx context.Context, method, route string, params, form url.Values) (json.RawMessage, error) {
	token, err := c.getToken(ctx)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("r", route)
	q.Set("token", token)
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}

	resp, err := c.roundTrip(ctx, method, route, q, form)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, classifyFailure(route, resp.Message)
	}
	return resp.Result, nil
}

// getToken returns a cached admin token, logging in when absent or
// expired.
func (c *Client) getToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && time.Since(c.tokenIssued) < tokenValidity {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	q := url.Values{}
	q.Set("r", "admin/post")
	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)

	resp, err := c.roundTrip(ctx, http.MethodPost, "admin/post", q, form)
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", backend.Unauthorized(backendName, "admin/post", fmt.Errorf("login rejected: %s", resp.Message))
	}

	var result struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil || result.Token == "" {
		return "", backend.Permanent(backendName, "admin/post", fmt.Errorf("token missing from login response"))
	}

	c.mu.Lock()
	c.token = result.Token
	c.tokenIssued = tokenIssueTime(result.Token)
	c.mu.Unlock()

	return result.Token, nil
}

// roundTrip performs one logical API call under the retry policy.
func (c *Client) roundTrip(ctx context.Context, method, route string, q, form url.Values) (*apiResponse, error) {
	var out apiResponse

	err := c.retry.Do(ctx, c.logger, backendName+"/"+route, func(ctx context.Context) error {
		var body *strings.Reader
		if form != nil {
			body = strings.NewReader(form.Encode())
		} else {
			body = strings.NewReader("")
		}

		req, err := http.NewRequestWithContext(ctx, method, c.apiURL+"?"+q.Encode(), body)
		if err != nil {
			return backend.Permanent(backendName, route, err)
		}
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return backend.ClassifyTransport(backendName, route, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return &backend.Error{
				Backend: backendName,
				Op:      route,
				Kind:    backend.ClassifyHTTP(resp.StatusCode),
				Err:     fmt.Errorf("status %d", resp.StatusCode),
			}
		}

		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return backend.Permanent(backendName, route, fmt.Errorf("decode response: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// classifyFailure maps a success:false payload to a backend error.
// NuxBill reports missing entities through the message text rather than
// HTTP status, so "not found" phrasing becomes KindNotFound.
func classifyFailure(route, message string) error {
	m := strings.ToLower(message)
	if strings.Contains(m, "not found") || strings.Contains(m, "tidak ditemukan") {
		return backend.NotFound(backendName, route, fmt.Errorf("%s", message))
	}
	if message == "" {
		message = "request rejected"
	}
	return backend.Permanent(backendName, route, fmt.Errorf("%s", message))
}

// tokenIssueTime extracts the issue timestamp embedded in the token's
// third dot-separated field. Unparseable tokens are treated as freshly
// issued.
func tokenIssueTime(token string) time.Time {
	parts := strings.Split(token, ".")
	if len(parts) == 4 {
		if sec, err := strconv.ParseInt(parts[2], 10, 64); err == nil {
			return time.Unix(sec, 0)
		}
	}
	return time.Now()
}
