// Package upstream talks to the catalog's public JSON endpoints: the daily
// recent-changes feeds and per-record documents.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/santarrsgrotto/readarr-server/internal/catalog"
)

// DefaultBaseURL is the public Open Library endpoint.
const DefaultBaseURL = "https://openlibrary.org"

// Response is the raw result of one GET.
type Response struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// Fetcher performs a single GET. Non-2xx statuses are returned, not errored.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Response, error)
}

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s returned status %d", e.URL, e.StatusCode)
}

// StatusCode extracts the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// Client builds upstream URLs and decodes their payloads.
type Client struct {
	base    string
	fetcher Fetcher
}

// New returns a Client rooted at baseURL.
func New(baseURL string, fetcher Fetcher) (*Client, error) {
	if fetcher == nil {
		return nil, errors.New("upstream fetcher is required")
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid upstream base url %q", baseURL)
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), fetcher: fetcher}, nil
}

// ChangesURL returns the feed page URL for one day and change kind.
func (c *Client) ChangesURL(day time.Time, kind catalog.ChangeKind, offset, limit int) string {
	day = day.UTC()
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	return fmt.Sprintf("%s/recentchanges/%04d/%02d/%02d/%s.json?%s",
		c.base, day.Year(), int(day.Month()), day.Day(), kind, q.Encode())
}

// RecordURL returns the document URL of key.
func (c *Client) RecordURL(key catalog.Key) string {
	return c.base + key.String() + ".json"
}

// RecentChanges fetches one feed page. The second return value is the URL
// requested so callers can report it.
func (c *Client) RecentChanges(
	ctx context.Context,
	day time.Time,
	kind catalog.ChangeKind,
	offset, limit int,
) ([]catalog.ChangeEntry, string, error) {
	target := c.ChangesURL(day, kind, offset, limit)
	resp, err := c.get(ctx, target)
	if err != nil {
		return nil, target, err
	}
	body := bytes.TrimSpace(resp.Body)
	if len(body) == 0 || body[0] != '[' {
		return nil, target, fmt.Errorf("%w: changes feed %s is not an array", catalog.ErrMalformed, target)
	}
	var entries []catalog.ChangeEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, target, fmt.Errorf("decode changes feed %s: %w", target, err)
	}
	return entries, target, nil
}

// Record fetches and parses the document of key. Redirected records come back
// under the key the upstream reports.
func (c *Client) Record(ctx context.Context, key catalog.Key) (catalog.Envelope, error) {
	target := c.RecordURL(key)
	resp, err := c.get(ctx, target)
	if err != nil {
		return catalog.Envelope{}, err
	}
	env, err := catalog.ParseEnvelope(resp.Body)
	if err != nil {
		return catalog.Envelope{}, fmt.Errorf("record %s: %w", key, err)
	}
	return env, nil
}

func (c *Client) get(ctx context.Context, target string) (Response, error) {
	resp, err := c.fetcher.Fetch(ctx, target)
	if err != nil {
		return Response{}, fmt.Errorf("fetch %s: %w", target, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Response{}, &StatusError{URL: target, StatusCode: resp.StatusCode}
	}
	return resp, nil
}
