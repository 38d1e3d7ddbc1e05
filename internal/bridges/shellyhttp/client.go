package shellyhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultTimeout bounds every device request.
const DefaultTimeout = 5 * time.Second

// maxBodySize caps a response body; status documents are a few kilobytes.
const maxBodySize = 1 << 20

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Config configures a Client.
type Config struct {
	Timeout  time.Duration
	Username string
	Password string

	// OnResult observes every request outcome.
	OnResult func(ok bool)
}

// Client performs device GET requests.
//
// Thread Safety: safe for concurrent use.
type Client struct {
	http     *http.Client
	username string
	password string
	onResult func(ok bool)

	logger   Logger
	loggerMu sync.RWMutex
}

// New creates a client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DisableKeepAlives: true,
				Proxy:             nil,
			},
		},
		username: cfg.Username,
		password: cfg.Password,
		onResult: cfg.OnResult,
	}
}

// SetLogger sets the logger for the client.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	defer c.loggerMu.Unlock()
	c.logger = logger
}

func (c *Client) logDebug(msg string, kv ...any) {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	if c.logger != nil {
		c.logger.Debug(msg, kv...)
	}
}

// Get fetches http://host/path and decodes the JSON answer. Any failure
// (network, status, decoding) is reported as ok=false.
func (c *Client) Get(ctx context.Context, host, path string) (ok bool, doc any) {
	doc, err := c.Fetch(ctx, host, path)
	if err != nil {
		c.logDebug("device request failed", "host", host, "path", path, "error", err)
		return false, nil
	}
	return true, doc
}

// Fetch is Get with the error kept.
func (c *Client) Fetch(ctx context.Context, host, path string) (any, error) {
	doc, err := c.fetch(ctx, host, path)
	if c.onResult != nil {
		c.onResult(err == nil)
	}
	return doc, err
}

func (c *Client) fetch(ctx context.Context, host, path string) (any, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	url := "http://" + host + path

	resp, err := c.do(ctx, url, false)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized && c.username != "" {
		drain(resp)
		resp, err = c.do(ctx, url, true)
		if err != nil {
			return nil, err
		}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, host)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("%w: %s%s: %d", ErrBadStatus, host, path, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("reading %s%s: %w", host, path, err)
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decoding %s%s: %w", host, path, err)
	}
	return doc, nil
}

func (c *Client) do(ctx context.Context, url string, auth bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Close = true
	req.Header.Set("Connection", "close")
	req.Header.Set("Accept", "application/json")
	if auth {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", url, err)
	}
	return resp, nil
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize)) //nolint:errcheck // best effort before retry
	resp.Body.Close()                                            //nolint:errcheck // retrying anyway
}
