// Package devtools locates and activates browser tabs through the Chrome
// DevTools HTTP endpoints (/json/list, /json/activate, /json/new).
package devtools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fentz26/cadence/internal/session"
)

// Target is one entry of /json/list.
type Target struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Client talks to one browser's DevTools endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for baseURL (e.g. http://127.0.0.1:9222).
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Targets lists every open page target.
func (c *Client) Targets(ctx context.Context) ([]Target, error) {
	body, err := c.do(ctx, http.MethodGet, "/json/list")
	if err != nil {
		return nil, err
	}
	var all []Target
	if err := json.Unmarshal(body, &all); err != nil {
		return nil, fmt.Errorf("decode target list: %w", err)
	}
	pages := all[:0]
	for _, t := range all {
		if t.Type == "page" {
			pages = append(pages, t)
		}
	}
	return pages, nil
}

// Locate returns the first page whose URL matches pattern.
func (c *Client) Locate(ctx context.Context, pattern string) (string, error) {
	targets, err := c.Targets(ctx)
	if err != nil {
		return "", err
	}
	for _, t := range targets {
		if session.MatchAddress(t.URL, pattern) {
			return t.ID, nil
		}
	}
	return "", session.ErrNotFound
}

// Probe reports whether the target is still open on a matching URL.
func (c *Client) Probe(ctx context.Context, locator, pattern string) (bool, error) {
	targets, err := c.Targets(ctx)
	if err != nil {
		return false, err
	}
	for _, t := range targets {
		if t.ID == locator {
			return session.MatchAddress(t.URL, pattern), nil
		}
	}
	return false, nil
}

// Bind brings the target to the foreground.
func (c *Client) Bind(ctx context.Context, locator string) error {
	_, err := c.do(ctx, http.MethodGet, "/json/activate/"+url.PathEscape(locator))
	return err
}

// Open creates a new tab at address.
func (c *Client) Open(ctx context.Context, address string) error {
	_, err := c.do(ctx, http.MethodPut, "/json/new?"+url.QueryEscape(address))
	return err
}

func (c *Client) do(ctx context.Context, method, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("devtools request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("devtools error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

var _ session.Locator = (*Client)(nil)
