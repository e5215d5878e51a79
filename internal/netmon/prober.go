package netmon

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Prober answers whether the upstream server is reachable right now.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) bool

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

// HTTPProber checks reachability with a lightweight HEAD request.
type HTTPProber struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
	// ExpectStatus, when non-zero, is the only status that counts as online.
	ExpectStatus int
}

// NewHTTPProber creates a prober for url.
func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{URL: url, Timeout: timeout, Client: &http.Client{CheckRedirect: noRedirects}}
}

func noRedirects(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// Probe sends HEAD (falling back to GET when the endpoint answers 405). Any
// 2xx or 4xx answer means the server is reachable. Redirects are not followed
// and count as offline, as do transport errors, timeouts and 5xx answers from
// intercepting proxies.
func (p *HTTPProber) Probe(ctx context.Context) bool {
	if p == nil || p.URL == "" {
		return false
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	status, err := p.do(ctx, http.MethodHead)
	if err == nil && status == http.StatusMethodNotAllowed {
		status, err = p.do(ctx, http.MethodGet)
	}
	if err != nil {
		return false
	}
	if p.ExpectStatus != 0 {
		return status == p.ExpectStatus
	}
	return (status >= 200 && status < 300) || (status >= 400 && status < 500)
}

func (p *HTTPProber) do(ctx context.Context, method string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, p.URL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Cache-Control", "no-store")
	client := &http.Client{CheckRedirect: noRedirects}
	if p.Client != nil {
		copied := *p.Client
		copied.CheckRedirect = noRedirects
		client = &copied
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}
