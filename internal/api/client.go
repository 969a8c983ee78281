// Package api provides a client for the GitHub Copilot quota endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Custom errors for different failure modes.
var (
	ErrUnauthorized       = errors.New("api: unauthorized - invalid GitHub token")
	ErrCopilotUnavailable = errors.New("api: copilot access not available for this account")
	ErrRateLimited        = errors.New("api: rate limit exceeded")
	ErrServerError        = errors.New("api: server error")
	ErrNetworkError       = errors.New("api: network error")
	ErrInvalidResponse    = errors.New("api: invalid response")
)

const (
	defaultBaseURL   = "https://api.github.com"
	copilotUserPath  = "/copilot_internal/user"
	githubUserPath   = "/user"
	maxResponseBytes = 1 << 18
)

// Client is an HTTP client for the GitHub REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets a custom base URL (GitHub Enterprise or tests).
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

// WithTimeout sets a custom timeout (for testing).
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// NewClient creates a new API client. Tokens are passed per call because one
// process checks many users.
func NewClient(logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	client := &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:          4,
				MaxIdleConnsPerHost:   4,
				ResponseHeaderTimeout: 30 * time.Second,
				IdleConnTimeout:       30 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ForceAttemptHTTP2:     true,
			},
		},
		baseURL:   defaultBaseURL,
		userAgent: "onpace/1.0",
		logger:    logger,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// ValidateToken checks a token against GET /user and returns the login it
// belongs to.
func (c *Client) ValidateToken(ctx context.Context, token string) (string, error) {
	body, err := c.get(ctx, githubUserPath, token)
	if err != nil {
		return "", err
	}

	login := gjson.GetBytes(body, "login").String()
	if login == "" {
		return "", fmt.Errorf("%w: missing login", ErrInvalidResponse)
	}
	return login, nil
}

// FetchUsage retrieves the premium-request quota for the token's account.
func (c *Client) FetchUsage(ctx context.Context, token string) (*CopilotUsage, error) {
	body, err := c.get(ctx, copilotUserPath, token)
	if err != nil {
		return nil, err
	}

	usage, err := ParseCopilotUsage(body)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("copilot usage fetched",
		"login", usage.Login,
		"plan", usage.Plan,
		"remaining", usage.Remaining,
		"entitlement", usage.QuotaLimit,
		"reset_date", usage.ResetDate,
	)
	return usage, nil
}

// get performs an authenticated GET and maps failure statuses to the
// package's sentinel errors.
func (c *Client) get(ctx context.Context, path, token string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("api: creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	c.logger.Debug("github request", "url", url, "token", RedactToken(token))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrNetworkError, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("github response received", "url", url, "status", resp.StatusCode)

	if err := statusError(resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrInvalidResponse, err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty response body", ErrInvalidResponse)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: malformed JSON", ErrInvalidResponse)
	}
	return body, nil
}

func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode == http.StatusForbidden:
		// GitHub reports primary rate limits as 403 with an exhausted budget.
		if resp.Header.Get("X-RateLimit-Remaining") == "0" || resp.Header.Get("Retry-After") != "" {
			return ErrRateLimited
		}
		return ErrCopilotUnavailable
	case resp.StatusCode == http.StatusNotFound:
		return ErrCopilotUnavailable
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrServerError, resp.StatusCode)
	default:
		return fmt.Errorf("api: unexpected status code %d", resp.StatusCode)
	}
}

// RedactToken masks a GitHub token for logging.
func RedactToken(token string) string {
	if token == "" {
		return "(empty)"
	}
	if len(token) < 12 {
		return "***...***"
	}
	return token[:4] + "***...***" + token[len(token)-3:]
}
