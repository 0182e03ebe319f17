package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jpalmerr/simrunner/internal/work"
)

const maxResponseBodySize = 1 << 20 // 1MB

// error bodies are truncated to keep log lines readable
const maxErrorBodyExcerpt = 256

// connection pooling limits; the control plane is a single host
const (
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 32
	defaultMaxConnsPerHost     = 64
	defaultIdleConnTimeout     = 60 * time.Second
)

// DefaultTimeout is the per-request timeout when [Config.Timeout] is zero.
const DefaultTimeout = 30 * time.Second

const apiKeyHeader = "x-api-key"

// Config configures a [Client].
type Config struct {
	// BaseURL is the control plane root, e.g. "https://api.example.com".
	BaseURL string

	// APIKey is sent in the x-api-key header.
	APIKey string

	// ApplicationID is sent as the appId query parameter.
	ApplicationID string

	// Timeout bounds each request. Defaults to [DefaultTimeout].
	Timeout time.Duration

	// HTTPClient overrides the pooled default client. Mostly for tests.
	HTTPClient *http.Client

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Client talks to the control plane REST API.
//
// Client is safe for concurrent use. Timeouts are applied per request via
// context rather than on the underlying http.Client.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	appID      string
	timeout    time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewClient creates a [Client]. BaseURL must be an absolute http(s) URL.
func NewClient(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid control plane url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("control plane url scheme must be http or https, got %q", u.Scheme)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{
			// no client timeout - per-request timeouts via context
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        defaultMaxIdleConns,
				MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
				MaxConnsPerHost:     defaultMaxConnsPerHost,
				IdleConnTimeout:     defaultIdleConnTimeout,
			},
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		httpClient: hc,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		appID:      cfg.ApplicationID,
		timeout:    timeout,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// ApplicationID returns the application id the client reports as.
func (c *Client) ApplicationID() string {
	return c.appID
}

// Close releases idle connections. The client remains usable afterwards.
func (c *Client) Close() {
	if c == nil || c.httpClient == nil {
		return
	}
	c.httpClient.CloseIdleConnections()
}

// do performs a request and returns the body of a successful response.
//
// A response whose status is not in want is classified: 401 and 403 are
// fatal, everything else is transient.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, payload any, want ...int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if query == nil {
		query = url.Values{}
	}
	query.Set("appId", c.appID)
	target := c.baseURL + path + "?" + query.Encode()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &work.TransientError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, &work.TransientError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	if len(want) == 0 {
		want = []int{http.StatusOK}
	}
	for _, code := range want {
		if resp.StatusCode == code {
			return data, nil
		}
	}

	return nil, classify(op, resp.StatusCode, data)
}

// getJSON issues a GET and decodes the JSON body into v.
func (c *Client) getJSON(ctx context.Context, op, path string, query url.Values, v any) error {
	data, err := c.do(ctx, op, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &work.TransientError{Op: op, StatusCode: http.StatusOK, Err: fmt.Errorf("decode body: %w", err)}
	}
	return nil
}

// classify maps an unexpected status to the error taxonomy.
func classify(op string, status int, body []byte) error {
	excerpt := strings.TrimSpace(string(body))
	if len(excerpt) > maxErrorBodyExcerpt {
		excerpt = excerpt[:maxErrorBodyExcerpt] + "..."
	}
	cause := errors.New(http.StatusText(status))
	if excerpt != "" {
		cause = fmt.Errorf("%s: %s", http.StatusText(status), excerpt)
	}

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &work.FatalError{Op: op, Err: fmt.Errorf("status %d: %w", status, cause)}
	default:
		return &work.TransientError{Op: op, StatusCode: status, Err: cause}
	}
}
