package gateway_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"carenote/internal/gateway"
	"carenote/internal/logging"
)

// flakyTransport fails every request while down is set.
type flakyTransport struct {
	down atomic.Bool
	hits atomic.Int32
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if f.down.Load() {
		return nil, errors.New("dial tcp: connection refused")
	}
	f.hits.Add(1)
	return http.DefaultTransport.RoundTrip(req)
}

type fixture struct {
	gw        *gateway.Gateway
	cache     *gateway.Cache
	transport *flakyTransport
	upstream  *httptest.Server
}

func newFixture(t *testing.T, version string, handler http.Handler) fixture {
	t.Helper()
	upstream := httptest.NewServer(handler)
	t.Cleanup(upstream.Close)

	cache, err := gateway.OpenCache(filepath.Join(t.TempDir(), "gateway-cache.db"))
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	t.Cleanup(func() { _ = cache.Close() })

	transport := &flakyTransport{}
	gw, err := gateway.New(cache, gateway.Options{
		Upstream:     upstream.URL,
		CacheVersion: version,
		Manifest:     []string{"/", "/offline.html", "/static/app.js"},
		Client:       &http.Client{Transport: transport, Timeout: 5 * time.Second},
		Logger:       logging.NewNop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = gw.Close() })
	return fixture{gw: gw, cache: cache, transport: transport, upstream: upstream}
}

func (fx fixture) do(method, target string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	fx.gw.ServeHTTP(rec, req)
	return rec
}

func TestClassify(t *testing.T) {
	cases := []struct {
		method string
		target string
		header map[string]string
		want   gateway.Class
	}{
		{http.MethodGet, "/api/residents", nil, gateway.ClassAPI},
		{http.MethodPost, "/auth/login", nil, gateway.ClassAPI},
		{http.MethodGet, "/api/report.css", nil, gateway.ClassAPI},
		{http.MethodGet, "/static/app.js", nil, gateway.ClassStatic},
		{http.MethodGet, "/icons/icon-192.png", nil, gateway.ClassStatic},
		{http.MethodGet, "/fonts/inter.woff2", nil, gateway.ClassStatic},
		{http.MethodGet, "/residents/42", map[string]string{"Accept": "text/html,application/xhtml+xml"}, gateway.ClassDocument},
		{http.MethodGet, "/residents/42", map[string]string{"Sec-Fetch-Mode": "navigate"}, gateway.ClassDocument},
		{http.MethodPost, "/residents/42", map[string]string{"Accept": "text/html"}, gateway.ClassOther},
		{http.MethodGet, "/manifest.webmanifest", nil, gateway.ClassOther},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.target, nil)
		for k, v := range tc.header {
			req.Header.Set(k, v)
		}
		if got := gateway.Classify(req); got != tc.want {
			t.Errorf("%s %s = %s, want %s", tc.method, tc.target, got, tc.want)
		}
	}
	if gateway.StrategyFor(gateway.ClassDocument) != gateway.StrategyStaleWhileRevalidate {
		t.Fatal("documents should use stale-while-revalidate")
	}
}

func TestCacheFirstServesIdenticalBytesOffline(t *testing.T) {
	asset := []byte("console.log('carenote');\x00\xff")
	fx := newFixture(t, "v1", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("ETag", `"abc"`)
		_, _ = w.Write(asset)
	}))

	first := fx.do(http.MethodGet, "/static/app.js", nil)
	if first.Code != http.StatusOK || first.Header().Get("X-Carenote-Cache") != "network" {
		t.Fatalf("first request: %d %q", first.Code, first.Header().Get("X-Carenote-Cache"))
	}

	fx.transport.down.Store(true)
	second := fx.do(http.MethodGet, "/static/app.js", nil)
	if second.Code != http.StatusOK || second.Header().Get("X-Carenote-Cache") != "cache" {
		t.Fatalf("offline request: %d %q", second.Code, second.Header().Get("X-Carenote-Cache"))
	}
	if second.Body.String() != string(asset) {
		t.Fatalf("cached body differs: %q", second.Body.Bytes())
	}
	if second.Header().Get("ETag") != `"abc"` || second.Header().Get("Content-Type") != "application/javascript" {
		t.Fatalf("cached headers lost: %v", second.Header())
	}
	if fx.transport.hits.Load() != 1 {
		t.Fatalf("cache-first should not refetch, hits=%d", fx.transport.hits.Load())
	}
}

func TestAPIOfflineResponse(t *testing.T) {
	fx := newFixture(t, "v1", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"residents":[]}`)
	}))

	fx.transport.down.Store(true)
	rec := fx.do(http.MethodGet, "/api/residents", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if rec.Body.String() != `{"error":"offline","offline":true}` {
		t.Fatalf("unexpected offline body %q", rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected content type %q", rec.Header().Get("Content-Type"))
	}

	post := fx.do(http.MethodPost, "/api/entries", nil)
	if post.Code != http.StatusServiceUnavailable || !strings.Contains(post.Body.String(), `"offline":true`) {
		t.Fatalf("non-GET api request offline: %d %q", post.Code, post.Body.String())
	}
}

func TestAPINetworkFirstFallsBackToCache(t *testing.T) {
	var version atomic.Int32
	fx := newFixture(t, "v1", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if version.Add(1) == 1 {
			_, _ = io.WriteString(w, `{"v":1}`)
			return
		}
		_, _ = io.WriteString(w, `{"v":2}`)
	}))

	if rec := fx.do(http.MethodGet, "/api/residents", nil); rec.Body.String() != `{"v":1}` {
		t.Fatalf("first: %q", rec.Body.String())
	}
	if rec := fx.do(http.MethodGet, "/api/residents", nil); rec.Body.String() != `{"v":2}` {
		t.Fatalf("network-first should prefer the network: %q", rec.Body.String())
	}
	fx.transport.down.Store(true)
	rec := fx.do(http.MethodGet, "/api/residents", nil)
	if rec.Body.String() != `{"v":2}` || rec.Header().Get("X-Carenote-Cache") != "cache" {
		t.Fatalf("offline should serve last response: %q", rec.Body.String())
	}
}

func TestOnlySuccessfulGetsAreCached(t *testing.T) {
	fx := newFixture(t, "v1", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, "ok")
	}))

	fx.do(http.MethodGet, "/api/missing", nil)
	fx.do(http.MethodPost, "/api/entries", nil)
	fx.do(http.MethodGet, "/api/ok?page=2", nil)

	n, err := fx.cache.Count(context.Background(), fx.gw.CacheName())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected only the successful GET cached, got %d", n)
	}
	if _, ok, _ := fx.cache.Get(context.Background(), fx.gw.CacheName(), http.MethodGet, "/api/ok?page=2"); !ok {
		t.Fatal("query string should be part of the cache key")
	}
}

func TestDocumentStaleWhileRevalidate(t *testing.T) {
	var version atomic.Int32
	fx := newFixture(t, "v1", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if version.Add(1) == 1 {
			_, _ = io.WriteString(w, "<p>old</p>")
			return
		}
		_, _ = io.WriteString(w, "<p>new</p>")
	}))
	nav := map[string]string{"Accept": "text/html"}

	if rec := fx.do(http.MethodGet, "/residents", nav); rec.Body.String() != "<p>old</p>" {
		t.Fatalf("first: %q", rec.Body.String())
	}
	rec := fx.do(http.MethodGet, "/residents", nav)
	if rec.Body.String() != "<p>old</p>" || rec.Header().Get("X-Carenote-Cache") != "cache" {
		t.Fatalf("stale copy should be served immediately: %q", rec.Body.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		entry, ok, err := fx.cache.Get(context.Background(), fx.gw.CacheName(), http.MethodGet, "/residents")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if ok && string(entry.Body) == "<p>new</p>" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("cache was not revalidated in the background")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDocumentMissOfflineServesEmbeddedPage(t *testing.T) {
	fx := newFixture(t, "v1", http.NotFoundHandler())
	fx.transport.down.Store(true)

	rec := fx.do(http.MethodGet, "/residents/7", map[string]string{"Sec-Fetch-Mode": "navigate"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "You are offline") {
		t.Fatalf("expected embedded offline page, got %q", rec.Body.String())
	}
}

func TestInstallAndActivate(t *testing.T) {
	fx := newFixture(t, "v2", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/offline.html":
			_, _ = io.WriteString(w, "<h1>custom offline</h1>")
		default:
			_, _ = io.WriteString(w, "asset "+r.URL.Path)
		}
	}))
	ctx := context.Background()
	if err := fx.cache.Put(ctx, "carenote-v1", http.MethodGet, "/static/app.js", gateway.Entry{Status: 200, Body: []byte("old")}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := fx.gw.Install(ctx); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if n, _ := fx.cache.Count(ctx, "carenote-v2"); n != 3 {
		t.Fatalf("expected 3 precached entries, got %d", n)
	}
	removed, err := fx.gw.Activate(ctx)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if len(removed) != 1 || removed[0] != "carenote-v1" {
		t.Fatalf("unexpected removed caches %v", removed)
	}
	names, _ := fx.cache.Names(ctx)
	if len(names) != 1 || names[0] != "carenote-v2" {
		t.Fatalf("unexpected cache names %v", names)
	}

	fx.transport.down.Store(true)
	rec := fx.do(http.MethodGet, "/residents", map[string]string{"Accept": "text/html"})
	if rec.Body.String() != "<h1>custom offline</h1>" {
		t.Fatalf("precached offline page should win over the embedded one: %q", rec.Body.String())
	}
}

func TestInstallReportsUnreachableUpstream(t *testing.T) {
	fx := newFixture(t, "v1", http.NotFoundHandler())
	fx.transport.down.Store(true)
	if err := fx.gw.Install(context.Background()); err == nil {
		t.Fatal("expected install error while offline")
	}
}

func TestRecoveryBroadcastsSyncToPorts(t *testing.T) {
	fx := newFixture(t, "v1", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "{}")
	}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fx.gw.Start(ctx)

	port := fx.gw.Connect()
	defer port.Close()
	port.Post(gateway.Message{Type: gateway.MessageRegisterSync, Tag: "actions-flush"})

	deadline := time.Now().Add(2 * time.Second)
	for len(fx.gw.Tags()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("tag was not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	fx.do(http.MethodGet, "/api/residents", nil)
	select {
	case msg := <-port.Messages():
		t.Fatalf("no broadcast expected without a prior failure, got %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}

	fx.transport.down.Store(true)
	fx.do(http.MethodGet, "/api/residents", nil)
	fx.transport.down.Store(false)
	fx.do(http.MethodGet, "/api/residents", nil)

	select {
	case msg := <-port.Messages():
		if msg.Type != gateway.MessageSync || msg.Tag != "actions-flush" {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected sync broadcast after recovery")
	}
}

func TestRedirectsPassThroughUncached(t *testing.T) {
	var upstreamURL string
	fx := newFixture(t, "v1", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login":
			http.SetCookie(w, &http.Cookie{Name: "sid", Value: "s3cret", Path: "/"})
			http.Redirect(w, r, upstreamURL+"/wards?tab=today", http.StatusSeeOther)
		case "/private":
			http.Redirect(w, r, "/login", http.StatusFound)
		default:
			_, _ = io.WriteString(w, "<html>login form</html>")
		}
	}))
	upstreamURL = fx.upstream.URL

	login := fx.do(http.MethodPost, "/auth/login", nil)
	if login.Code != http.StatusSeeOther {
		t.Fatalf("login status = %d, want 303", login.Code)
	}
	if !strings.Contains(login.Header().Get("Set-Cookie"), "sid=s3cret") {
		t.Fatalf("session cookie dropped: %v", login.Header())
	}
	if got := login.Header().Get("Location"); got != "/wards?tab=today" {
		t.Fatalf("Location = %q, want the gateway-relative path", got)
	}

	navigate := map[string]string{"Accept": "text/html"}
	private := fx.do(http.MethodGet, "/private", navigate)
	if private.Code != http.StatusFound || private.Header().Get("Location") != "/login" {
		t.Fatalf("protected page: %d %q", private.Code, private.Header().Get("Location"))
	}
	if n, err := fx.cache.Count(context.Background(), fx.gw.CacheName()); err != nil || n != 0 {
		t.Fatalf("redirects must not be cached: n=%d err=%v", n, err)
	}

	fx.transport.down.Store(true)
	offline := fx.do(http.MethodGet, "/private", navigate)
	if offline.Code != http.StatusServiceUnavailable || offline.Header().Get("X-Carenote-Cache") != "offline" {
		t.Fatalf("offline protected page: %d %q", offline.Code, offline.Header().Get("X-Carenote-Cache"))
	}
	if strings.Contains(offline.Body.String(), "login form") {
		t.Fatal("the login page was cached under the protected URL")
	}
}

func TestOtherRequestsFallBackToCacheThenOfflinePage(t *testing.T) {
	manifest := `{"name":"carenote","start_url":"/"}`
	fx := newFixture(t, "v1", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/manifest+json")
		_, _ = io.WriteString(w, manifest)
	}))

	req := httptest.NewRequest(http.MethodGet, "/manifest.webmanifest", nil)
	if got := gateway.StrategyFor(gateway.Classify(req)); got != gateway.StrategyNetworkThenCache {
		t.Fatalf("strategy = %s", got)
	}

	online := fx.do(http.MethodGet, "/manifest.webmanifest", nil)
	if online.Code != http.StatusOK || online.Header().Get("X-Carenote-Cache") != "network" {
		t.Fatalf("online: %d %q", online.Code, online.Header().Get("X-Carenote-Cache"))
	}

	fx.transport.down.Store(true)
	cached := fx.do(http.MethodGet, "/manifest.webmanifest", nil)
	if cached.Code != http.StatusOK || cached.Header().Get("X-Carenote-Cache") != "cache" {
		t.Fatalf("offline cached: %d %q", cached.Code, cached.Header().Get("X-Carenote-Cache"))
	}
	if cached.Body.String() != manifest {
		t.Fatalf("cached body = %q", cached.Body.String())
	}

	miss := fx.do(http.MethodGet, "/robots.txt", nil)
	if miss.Code != http.StatusServiceUnavailable || miss.Header().Get("X-Carenote-Cache") != "offline" {
		t.Fatalf("offline miss: %d %q", miss.Code, miss.Header().Get("X-Carenote-Cache"))
	}
	if !strings.HasPrefix(miss.Header().Get("Content-Type"), "text/html") || miss.Body.Len() == 0 {
		t.Fatalf("offline miss should serve the offline page: %q", miss.Header().Get("Content-Type"))
	}
}
