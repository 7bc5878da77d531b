// Package fetch is the HTTP layer shared by the registry resolver, the manifest
// overlay and the self-updater. Every request runs with its own timeout and is
// retried with exponential backoff on transport errors, 429 and 5xx responses.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"

	"github.com/schaermu/modsync/internal/errdefs"
)

const (
	// DefaultTimeout bounds a single API request attempt.
	DefaultTimeout = 30 * time.Second

	// DefaultDownloadTimeout bounds a single download attempt, body included.
	DefaultDownloadTimeout = 10 * time.Minute

	// DefaultRetries is the total number of attempts per request.
	DefaultRetries = 3

	// DefaultInitialBackoff is the wait before the second attempt.
	DefaultInitialBackoff = 500 * time.Millisecond

	// maxJSONResponseBytes caps decoded API responses (10 MB).
	maxJSONResponseBytes = 10 << 20
)

// StatusError reports a non-success HTTP status. It unwraps to errdefs.ErrNetwork.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.Code)
}

// Unwrap classifies every status failure as a network failure.
func (e *StatusError) Unwrap() error { return errdefs.ErrNetwork }

// IsNotFound reports whether err carries a 404 status.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// Options configures a Client. Zero values fall back to the package defaults.
type Options struct {
	HTTPClient      *http.Client
	Timeout         time.Duration
	DownloadTimeout time.Duration
	Retries         int
	InitialBackoff  time.Duration
	UserAgent       string
	Logger          *slog.Logger
}

// Client performs GET requests with per-attempt timeouts and retries.
type Client struct {
	http            *http.Client
	timeout         time.Duration
	downloadTimeout time.Duration
	retries         int
	initialBackoff  time.Duration
	userAgent       string
	logger          *slog.Logger
}

// New creates a Client from opts.
func New(opts Options) *Client {
	c := &Client{
		http:            opts.HTTPClient,
		timeout:         opts.Timeout,
		downloadTimeout: opts.DownloadTimeout,
		retries:         opts.Retries,
		initialBackoff:  opts.InitialBackoff,
		userAgent:       opts.UserAgent,
		logger:          opts.Logger,
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.downloadTimeout <= 0 {
		c.downloadTimeout = DefaultDownloadTimeout
	}
	if c.retries <= 0 {
		c.retries = DefaultRetries
	}
	if c.initialBackoff <= 0 {
		c.initialBackoff = DefaultInitialBackoff
	}
	if c.userAgent == "" {
		c.userAgent = "modsync/dev"
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// Header is an extra request header.
type Header struct {
	Key   string
	Value string
}

// GetJSON fetches rawURL and decodes the JSON body into v.
// Undecodable bodies fail with errdefs.ErrMalformedResponse and are not retried.
func (c *Client) GetJSON(ctx context.Context, rawURL string, v any, headers ...Header) error {
	return c.retry(ctx, rawURL, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		resp, err := c.get(ctx, rawURL, headers)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }() // read-only response body

		if err := json.NewDecoder(io.LimitReader(resp.Body, maxJSONResponseBytes)).Decode(v); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("reading %s: %w: %w", redactURL(rawURL), errdefs.ErrNetwork, err)
			}
			return backoff.Permanent(fmt.Errorf("decoding %s: %w: %w", redactURL(rawURL), errdefs.ErrMalformedResponse, err))
		}
		return nil
	})
}

// GetBytes fetches rawURL and returns the body, capped at 10 MB.
func (c *Client) GetBytes(ctx context.Context, rawURL string, headers ...Header) ([]byte, error) {
	var body []byte
	err := c.retry(ctx, rawURL, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		resp, err := c.get(ctx, rawURL, headers)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }() // read-only response body

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxJSONResponseBytes))
		if err != nil {
			return fmt.Errorf("reading %s: %w: %w", redactURL(rawURL), errdefs.ErrNetwork, err)
		}
		body = data
		return nil
	})
	return body, err
}

// Download streams rawURL into a new temp file in dir and returns its path and
// size. The caller owns the file. A failed or cancelled attempt removes its
// partial file, so nothing is left behind on error.
func (c *Client) Download(ctx context.Context, rawURL, dir, pattern string, headers ...Header) (string, int64, error) {
	var (
		path string
		size int64
	)
	err := c.retry(ctx, rawURL, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.downloadTimeout)
		defer cancel()

		resp, err := c.get(ctx, rawURL, headers)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }() // read-only response body

		p, n, err := writeTemp(dir, pattern, resp.Body)
		if err != nil {
			if ctx.Err() != nil || !errors.Is(err, errdefs.ErrFilesystem) {
				return err
			}
			return backoff.Permanent(err)
		}
		path, size = p, n
		return nil
	})
	if err != nil {
		return "", 0, err
	}

	c.logger.Debug("downloaded", "url", redactURL(rawURL), "size", humanize.Bytes(uint64(size)))
	return path, size, nil
}

// writeTemp copies r into a fresh temp file in dir.
func writeTemp(dir, pattern string, r io.Reader) (_ string, _ int64, err error) {
	tmp, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", 0, fmt.Errorf("creating temp file: %w: %w", errdefs.ErrFilesystem, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		_ = tmp.Close()
		return "", 0, fmt.Errorf("streaming body: %w: %w", errdefs.ErrNetwork, err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("closing temp file: %w: %w", errdefs.ErrFilesystem, err)
	}
	return tmpPath, n, nil
}

// get issues one GET request and converts non-2xx statuses into errors.
// Statuses worth retrying come back as plain errors, the rest as permanent.
func (c *Client) get(ctx context.Context, rawURL string, headers []Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("creating request: %w: %w", errdefs.ErrNetwork, err))
	}
	req.Header.Set("User-Agent", c.userAgent)
	for _, h := range headers {
		req.Header.Set(h.Key, h.Value)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w: %w", redactURL(rawURL), errdefs.ErrNetwork, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	_ = resp.Body.Close()

	statusErr := &StatusError{URL: redactURL(rawURL), Code: resp.StatusCode}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, statusErr
	}
	return nil, backoff.Permanent(statusErr)
}

// retry runs op until it succeeds, returns a permanent error, the attempt
// budget is spent or ctx is done.
func (c *Client) retry(ctx context.Context, rawURL string, op func(context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initialBackoff
	policy.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.retries-1)), ctx)

	err := backoff.RetryNotify(func() error {
		return op(ctx)
	}, b, func(err error, wait time.Duration) {
		c.logger.Warn("request failed, retrying", "url", redactURL(rawURL), "wait", wait, "error", err)
	})
	// backoff returns the bare context error when ctx ends during a wait.
	if err != nil && ctx.Err() != nil && !errors.Is(err, errdefs.ErrNetwork) {
		return fmt.Errorf("GET %s: %w: %w", redactURL(rawURL), errdefs.ErrNetwork, err)
	}
	return err
}

// redactURL strips query parameters and fragments so tokens never reach logs.
func redactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid-url>"
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
