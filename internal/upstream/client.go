// Package upstream is the HTTP client for the documentation backend. It
// attaches credentials, applies request timeouts, and turns every failure
// into an error the services classifier understands.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"carenote/internal/services"
)

const userAgent = "carenote-agent/0.1.0"

// Client talks to the documentation backend.
type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

// New creates a client for baseURL. The timeout bounds whole requests; zero
// leaves them bounded only by the caller's context. Redirects are never
// followed: a 3xx is reported as a transient *services.HTTPError, so a captive
// portal answering for the backend is never taken as an acknowledgement.
func New(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   strings.TrimSpace(token),
		http:    &http.Client{Timeout: timeout, CheckRedirect: noRedirects},
	}
}

func noRedirects(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// WithHTTPClient returns a copy that sends through hc. Redirects stay
// disabled whatever hc's policy.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	copied := *hc
	copied.CheckRedirect = noRedirects
	return &Client{baseURL: c.baseURL, http: &copied, token: c.Token()}
}

// BaseURL returns the backend root URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken replaces the bearer token. An empty token ends the session.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = strings.TrimSpace(token)
	c.mu.Unlock()
}

// NewRequest builds a request for path relative to the base URL.
func (c *Client) NewRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, services.Wrap(services.ErrPermanent, "upstream", "build request", method+" "+path, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// Do sends req. Transport failures come back tagged transient; non-2xx
// answers come back as *services.HTTPError with the body drained. On success
// the caller owns resp.Body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, services.Wrap(services.ErrTransient, "upstream", req.Method, req.URL.Path, err)
	}
	if err := services.CheckResponse(resp); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

// Send builds and sends a request, discarding the response body.
func (c *Client) Send(ctx context.Context, method, path string, body io.Reader, header http.Header) error {
	req, err := c.NewRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// Logout ends the server-side session.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.Send(ctx, http.MethodPost, "/auth/logout", nil, nil); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}
