package autosave

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codefionn/wsrelay/internal/logger"
)

const (
	defaultUserAgent = "wsrelay-autosave/1.0"
	maxBodyBytes     = 64 * 1024
)

// HTTPClient is the subset of *http.Client used by Client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError reports a non-2xx answer from the persistence service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("autosave request failed with status %d: %s", e.StatusCode, e.Body)
}

// ClientConfig holds configuration for Client.
type ClientConfig struct {
	// BaseURL is the autosave endpoint, e.g. http://localhost:3002/api/autosave.
	BaseURL    string
	Timeout    time.Duration
	UserAgent  string
	HTTPClient HTTPClient
}

// Client calls GET {BaseURL}/{username}/{reason} on the persistence service.
type Client struct {
	base      *url.URL
	client    HTTPClient
	userAgent string
}

// NewClient validates cfg and creates a client.
func NewClient(cfg ClientConfig) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid autosave url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid autosave url %q: scheme must be http or https", cfg.BaseURL)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("invalid autosave url %q: missing host", cfg.BaseURL)
	}

	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}

	return &Client{base: base, client: cfg.HTTPClient, userAgent: cfg.UserAgent}, nil
}

// segmentEscaper turns url.QueryEscape output into the percent-encoding of
// encodeURIComponent: spaces become %20 and !'()* stay literal.
var segmentEscaper = strings.NewReplacer(
	"+", "%20",
	"%21", "!",
	"%27", "'",
	"%28", "(",
	"%29", ")",
	"%2A", "*",
)

// escapeSegment percent-encodes s as a single path segment. Everything but
// A-Z a-z 0-9 and -_.!~*'() is escaped, including +&=:@$, and /.
func escapeSegment(s string) string {
	return segmentEscaper.Replace(url.QueryEscape(s))
}

// RequestURL returns the URL Notify would call. Both segments are
// percent-encoded.
func (c *Client) RequestURL(username, reason string) string {
	return c.base.String() + "/" + escapeSegment(username) + "/" + escapeSegment(reason)
}

// Notify performs one request and returns the response body.
func (c *Client) Notify(ctx context.Context, username, reason string) (string, error) {
	target := c.RequestURL(username, reason)
	logger.Debug("Autosave: GET %s", target)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("autosave request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read autosave response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return string(body), nil
}
