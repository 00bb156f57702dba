package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Client struct {
	baseURL string
	http    *http.Client
	headers http.Header
	auth    func(r *http.Request) // injects auth headers
}

// SetAuth allows setting the auth function after client creation
func (c *Client) SetAuth(authFunc func(r *http.Request)) {
	c.auth = authFunc
}

type Option func(*Client)

// WithHeader adds a static header to every request.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.headers.Set(key, value)
	}
}

// WithTimeout overrides the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.Timeout = d
	}
}

func New(base string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(base, "/"),
		http:    &http.Client{Timeout: 30 * time.Second}, // always set timeouts
		headers: http.Header{},
		auth:    func(*http.Request) {},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends a JSON request and decodes the JSON response into out.
// path may be relative to the base URL or an absolute URL starting with it.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, in any, out any) error {
	u := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		u = c.baseURL + path
	}
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.ReadWriter
	if in != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(in); err != nil {
			return fmt.Errorf("encode: %w", err)
		}
		body = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}

	c.auth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return &APIError{Status: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		dec := json.NewDecoder(resp.Body)
		// ObjectIDs exceed float64 precision in places
		dec.UseNumber()
		return dec.Decode(out)
	}
	return nil
}

type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string { return fmt.Sprintf("api %d: %s", e.Status, e.Body) }
