// Package download fetches files by URI and gates non-interactive
// downloads behind a metered-network scheduler.
package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"codeberg.org/depot-center/depot/internal/plugin"
)

const defaultTimeout = 60 * time.Second

// Client downloads files over HTTP. Failures are classified into the
// shared error taxonomy: unreachable or timed-out hosts are NoNetwork so
// batch operations can treat them as partial degradation, everything else
// on the wire is DownloadFailed.
type Client struct {
	httpClient *http.Client
	userAgent  string
}

// NewClient creates a download client with a bounded request timeout.
func NewClient(userAgent string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		userAgent:  userAgent,
	}
}

// Fetch downloads uri and returns the body.
func (c *Client) Fetch(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, plugin.WrapError(plugin.CodeDownloadFailed, err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyNetErr(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, plugin.Errorf(plugin.CodeDownloadFailed,
			"fetching %s: status %d", uri, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyNetErr(err)
	}
	return data, nil
}

// DownloadFile downloads uri to dest, writing to a temporary file and
// renaming into place.
func (c *Client) DownloadFile(ctx context.Context, uri, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return plugin.WrapError(plugin.CodeDownloadFailed, err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyNetErr(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return plugin.Errorf(plugin.CodeDownloadFailed,
			"downloading %s: status %d", uri, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return plugin.WrapError(plugin.CodeWriteFailed, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".part-*")
	if err != nil {
		return plugin.WrapError(plugin.CodeWriteFailed, err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return classifyNetErr(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return plugin.WrapError(plugin.CodeWriteFailed, err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return plugin.WrapError(plugin.CodeWriteFailed, err)
	}
	return nil
}

// PostJSON sends a JSON body and returns the raw response body. Non-200
// responses still return the body so callers can extract server messages.
func (c *Client) PostJSON(ctx context.Context, uri string, body []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
	if err != nil {
		return nil, 0, plugin.WrapError(plugin.CodeDownloadFailed, err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, classifyNetErr(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, classifyNetErr(err)
	}
	return data, resp.StatusCode, nil
}

// classifyNetErr converts transport-level failures into the taxonomy.
func classifyNetErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return plugin.WrapError(plugin.CodeCancelled, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return plugin.WrapError(plugin.CodeNoNetwork, fmt.Errorf("request timed out: %w", err))
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return plugin.WrapError(plugin.CodeNoNetwork, fmt.Errorf("request timed out: %w", err))
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return plugin.WrapError(plugin.CodeNoNetwork, err)
	}
	return plugin.WrapError(plugin.CodeDownloadFailed, err)
}
