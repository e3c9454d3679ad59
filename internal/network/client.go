// Package network performs origin fetches for the router and the cache.
package network

import (
	"context"
	"net/http"
	"time"
)

// Client fetches requests from the network without following redirects,
// so 3xx responses reach the page unchanged.
type Client struct {
	http *http.Client
}

// NewClient creates a Client. A nil transport uses http.DefaultTransport.
func NewClient(timeout time.Duration, transport http.RoundTripper) *Client {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Client{
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Fetch sends req with ctx attached.
func (c *Client) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return c.http.Do(req.WithContext(ctx))
}
