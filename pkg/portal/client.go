package portal

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/breeze-rmm/devportal/internal/httputil"
	"github.com/breeze-rmm/devportal/internal/logging"
)

var log = logging.L("portal")

const (
	// OSInfoAPI returns basic device identity. It is also used to obtain the
	// CSRF cookie before the first mutating request.
	OSInfoAPI = "api/os/info"

	csrfCookieName = "CSRF-Token"
	csrfHeaderName = "X-CSRF-Token"

	maxResponseBytes = 16 << 20
)

// Options configures a Client. Only BaseURL is required.
type Options struct {
	// BaseURL is the device address, e.g. https://10.0.0.5:11443. A bare
	// host is treated as https.
	BaseURL  string
	Username string
	Password string

	TLSConfig *tls.Config
	Timeout   time.Duration

	// Retry applies to GET requests only. POST and DELETE are always sent
	// exactly once.
	Retry httputil.RetryConfig

	// HTTPClient replaces the default transport. A cookie jar is attached
	// to a copy of it when it has none.
	HTTPClient *http.Client
}

// Client talks to a single device portal. It is safe for concurrent use.
type Client struct {
	baseURL    *url.URL
	authHeader string
	httpClient *http.Client
	tlsConfig  *tls.Config
	retry      httputil.RetryConfig
}

type OSInfo struct {
	ComputerName string `json:"ComputerName"`
	OsEdition    string `json:"OsEdition"`
	OsVersion    string `json:"OsVersion"`
	Platform     string `json:"Platform"`
}

func NewClient(opts Options) (*Client, error) {
	base, err := parseBaseURL(opts.BaseURL)
	if err != nil {
		return nil, err
	}

	var hc http.Client
	if opts.HTTPClient != nil {
		hc = *opts.HTTPClient
	} else {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if opts.TLSConfig != nil {
			transport.TLSClientConfig = opts.TLSConfig
		}
		hc.Transport = transport
	}
	if opts.Timeout > 0 {
		hc.Timeout = opts.Timeout
	} else if hc.Timeout == 0 {
		hc.Timeout = 30 * time.Second
	}
	if hc.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		hc.Jar = jar
	}

	c := &Client{
		baseURL:    base,
		httpClient: &hc,
		tlsConfig:  opts.TLSConfig,
		retry:      opts.Retry,
	}
	if opts.Username != "" || opts.Password != "" {
		c.authHeader = "Basic " + base64.StdEncoding.EncodeToString([]byte(opts.Username+":"+opts.Password))
	}
	return c, nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("device address: %w", ErrEmptyArgument)
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid device address %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("device address scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("device address %q has no host", raw)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

// BaseURL returns the normalized device address.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// TaskManager returns an application lifecycle controller backed by c.
func (c *Client) TaskManager() *TaskManager {
	return NewTaskManager(c, c)
}

// Get issues a GET for path and returns the response body.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, "")
}

// Post sends payload as a form-encoded body.
func (c *Client) Post(ctx context.Context, path, payload string) error {
	_, err := c.do(ctx, http.MethodPost, path, payload)
	return err
}

// Delete sends payload as a form-encoded body.
func (c *Client) Delete(ctx context.Context, path, payload string) error {
	_, err := c.do(ctx, http.MethodDelete, path, payload)
	return err
}

func (c *Client) OSInfo(ctx context.Context) (*OSInfo, error) {
	var info OSInfo
	if err := c.getJSON(ctx, OSInfoAPI, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	body, err := c.Get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) endpoint(path string) *url.URL {
	return c.baseURL.ResolveReference(&url.URL{Path: strings.TrimPrefix(path, "/")})
}

func (c *Client) csrfToken() string {
	for _, ck := range c.httpClient.Jar.Cookies(c.baseURL) {
		if ck.Name == csrfCookieName {
			return ck.Value
		}
	}
	return ""
}

// ensureCSRF fetches the CSRF cookie when none is held yet. A failed fetch
// is only logged: the mutating request that follows reports the real outcome.
func (c *Client) ensureCSRF(ctx context.Context) {
	if c.csrfToken() != "" {
		return
	}
	if _, err := c.do(ctx, http.MethodGet, OSInfoAPI, ""); err != nil {
		log.Debug("could not obtain CSRF token", logging.KeyError, err)
	}
}

func (c *Client) do(ctx context.Context, method, path, payload string) ([]byte, error) {
	mutating := method != http.MethodGet
	if mutating {
		c.ensureCSRF(ctx)
	}

	headers := http.Header{}
	headers.Set("Accept", "application/json")
	if c.authHeader != "" {
		headers.Set("Authorization", c.authHeader)
	}

	var body []byte
	retry := c.retry
	if mutating {
		retry = httputil.NoRetry()
		if token := c.csrfToken(); token != "" {
			headers.Set(csrfHeaderName, token)
		}
		if payload != "" {
			body = []byte(payload)
			headers.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}

	u := c.endpoint(path)
	if !mutating && payload != "" {
		u.RawQuery = payload
	}

	start := time.Now()
	resp, err := httputil.Do(ctx, c.httpClient, method, u.String(), body, headers, retry)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s %s: failed to read response: %w", method, path, err)
	}

	durationMs := time.Since(start).Milliseconds()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		reqErr := newRequestError(method, path, resp.StatusCode, respBody)
		log.Warn("device request failed",
			logging.KeyMethod, method,
			logging.KeyPath, path,
			logging.KeyStatus, resp.StatusCode,
			logging.KeyDurationMs, durationMs,
			logging.KeyError, reqErr.Reason,
		)
		return nil, reqErr
	}

	log.Debug("device request completed",
		logging.KeyMethod, method,
		logging.KeyPath, path,
		logging.KeyStatus, resp.StatusCode,
		logging.KeyDurationMs, durationMs,
	)
	return respBody, nil
}
