package gateway

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"carenote/internal/logging"
	"carenote/internal/services"
)

//go:embed offline.html
var offlinePage []byte

const (
	offlinePath    = "/offline.html"
	cachePrefix    = "carenote-"
	maxCachedBody  = 32 << 20
	inboxBuffer    = 64
	headerCache    = "X-Carenote-Cache"
	sourceNetwork  = "network"
	sourceCache    = "cache"
	sourceOffline  = "offline"
	offlineAPIBody = `{"error":"offline","offline":true}`
)

var hopHeaders = []string{
	"Connection", "Proxy-Connection", "Keep-Alive", "Proxy-Authenticate",
	"Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Observer receives one call per answered request.
type Observer interface {
	ObserveGateway(class, source string)
}

// Options configures a Gateway.
type Options struct {
	Upstream     string
	CacheVersion string
	Manifest     []string
	Client       *http.Client
	Logger       *slog.Logger
	Observer     Observer
}

// Gateway is the caching proxy.
type Gateway struct {
	upstream  *url.URL
	cache     *Cache
	cacheName string
	manifest  []string
	client    *http.Client
	logger    *slog.Logger
	observer  Observer

	upstreamDown atomic.Bool

	inbox     chan Message
	recovered chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	ports map[*Port]struct{}
	tags  map[string]struct{}

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a gateway over cache.
func New(cache *Cache, opts Options) (*Gateway, error) {
	if cache == nil {
		return nil, errors.New("gateway cache is required")
	}
	upstream, err := url.Parse(strings.TrimSpace(opts.Upstream))
	if err != nil || upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("invalid upstream url %q", opts.Upstream)
	}
	version := strings.TrimSpace(opts.CacheVersion)
	if version == "" {
		version = "v1"
	}
	client := &http.Client{Timeout: 30 * time.Second}
	if opts.Client != nil {
		copied := *opts.Client
		client = &copied
	}
	// Redirects go back to the caller with their cookies; only 2xx is cached.
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		upstream:  upstream,
		cache:     cache,
		cacheName: cachePrefix + version,
		manifest:  append([]string(nil), opts.Manifest...),
		client:    client,
		logger:    logging.NewComponentLogger(opts.Logger, "gateway"),
		observer:  opts.Observer,
		inbox:     make(chan Message, inboxBuffer),
		recovered: make(chan struct{}, 1),
		done:      make(chan struct{}),
		ports:     make(map[*Port]struct{}),
		tags:      make(map[string]struct{}),
		baseCtx:   ctx,
		cancel:    cancel,
	}, nil
}

// CacheName returns the versioned cache this gateway writes to.
func (g *Gateway) CacheName() string {
	return g.cacheName
}

// Connect opens a port for a client.
func (g *Gateway) Connect() *Port {
	p := &Port{gw: g, messages: make(chan Message, portBuffer), closed: make(chan struct{})}
	g.mu.Lock()
	g.ports[p] = struct{}{}
	g.mu.Unlock()
	return p
}

func (g *Gateway) detach(p *Port) {
	g.mu.Lock()
	delete(g.ports, p)
	g.mu.Unlock()
}

// Tags returns the registered sync tags.
func (g *Gateway) Tags() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.tags))
	for tag := range g.tags {
		out = append(out, tag)
	}
	return out
}

// Start runs the message loop.
func (g *Gateway) Start(ctx context.Context) {
	g.wg.Add(1)
	go g.loop(ctx)
}

func (g *Gateway) loop(ctx context.Context) {
	defer g.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.baseCtx.Done():
			return
		case msg := <-g.inbox:
			g.handleMessage(msg)
		case <-g.recovered:
			g.broadcastSync()
		}
	}
}

func (g *Gateway) handleMessage(msg Message) {
	switch msg.Type {
	case MessageRegisterSync:
		tag := strings.TrimSpace(msg.Tag)
		if tag == "" {
			return
		}
		g.mu.Lock()
		g.tags[tag] = struct{}{}
		g.mu.Unlock()
		g.logger.Debug("sync tag registered", logging.String("tag", tag))
	default:
		g.logger.Debug("ignoring port message", logging.String("type", string(msg.Type)))
	}
}

func (g *Gateway) broadcastSync() {
	g.mu.Lock()
	tags := make([]string, 0, len(g.tags))
	for tag := range g.tags {
		tags = append(tags, tag)
	}
	ports := make([]*Port, 0, len(g.ports))
	for p := range g.ports {
		ports = append(ports, p)
	}
	g.mu.Unlock()

	g.logger.Info("upstream recovered; broadcasting sync",
		logging.String(logging.FieldEventType, "gateway_sync_broadcast"),
		logging.Int("tags", len(tags)),
		logging.Int("ports", len(ports)),
	)
	for _, tag := range tags {
		for _, p := range ports {
			if !p.deliver(Message{Type: MessageSync, Tag: tag}) {
				g.logger.Warn("port mailbox full; sync message dropped",
					logging.String(logging.FieldEventType, "gateway_port_full"),
					logging.String("tag", tag),
					logging.String(logging.FieldErrorHint, "the client is not draining its port"),
					logging.String(logging.FieldImpact, "client relies on its polling fallback"),
				)
			}
		}
	}
}

// Close stops the message loop and background revalidations.
func (g *Gateway) Close() error {
	g.closeOnce.Do(func() {
		g.cancel()
		close(g.done)
	})
	g.wg.Wait()
	return nil
}

// noteNetwork tracks upstream health and signals recovery after a failure.
func (g *Gateway) noteNetwork(err error) {
	if err != nil {
		if !g.upstreamDown.Swap(true) {
			g.logger.Warn("upstream unreachable; serving from cache",
				logging.String(logging.FieldEventType, "gateway_upstream_down"),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check gateway.upstream_url and network connectivity"),
				logging.String(logging.FieldImpact, "responses served from cache or offline fallbacks"),
			)
		}
		return
	}
	if g.upstreamDown.CompareAndSwap(true, false) {
		select {
		case g.recovered <- struct{}{}:
		default:
		}
	}
}

// Install precaches the manifest into the current cache.
func (g *Gateway) Install(ctx context.Context) error {
	var errs []error
	stored := 0
	for _, path := range g.manifest {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		entry, err := g.fetch(req)
		g.noteNetwork(err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		if entry.Status < 200 || entry.Status > 299 {
			errs = append(errs, fmt.Errorf("%s: upstream status %d", path, entry.Status))
			continue
		}
		if err := g.cache.Put(ctx, g.cacheName, http.MethodGet, req.URL.RequestURI(), entry); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		stored++
	}
	g.logger.Info("precache finished",
		logging.String(logging.FieldEventType, "gateway_install"),
		logging.String("cache", g.cacheName),
		logging.Int("stored", stored),
		logging.Int("failed", len(errs)),
	)
	if len(errs) > 0 {
		return services.Wrap(services.ErrTransient, "gateway", "install", fmt.Sprintf("%d of %d manifest entries not cached", len(errs), len(g.manifest)), errors.Join(errs...))
	}
	return nil
}

// Activate removes every cache generation except the current one.
func (g *Gateway) Activate(ctx context.Context) ([]string, error) {
	names, err := g.cache.Names(ctx)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, name := range names {
		if name == g.cacheName {
			continue
		}
		if _, err := g.cache.Delete(ctx, name); err != nil {
			return removed, fmt.Errorf("delete cache %s: %w", name, err)
		}
		removed = append(removed, name)
	}
	if len(removed) > 0 {
		g.logger.Info("stale caches removed",
			logging.String(logging.FieldEventType, "gateway_activate"),
			logging.String("removed", strings.Join(removed, ",")),
		)
	}
	return removed, nil
}

// ServeHTTP answers r according to its policy class.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	class := Classify(r)
	var source string
	if r.Method != http.MethodGet {
		source = g.passThrough(w, r, class)
	} else {
		switch StrategyFor(class) {
		case StrategyNetworkFirst:
			source = g.networkFirst(w, r)
		case StrategyCacheFirst:
			source = g.cacheFirst(w, r)
		case StrategyStaleWhileRevalidate:
			source = g.staleWhileRevalidate(w, r)
		default:
			source = g.networkThenCache(w, r)
		}
	}
	if g.observer != nil {
		g.observer.ObserveGateway(string(class), source)
	}
}

func (g *Gateway) passThrough(w http.ResponseWriter, r *http.Request, class Class) string {
	entry, err := g.fetch(r)
	g.noteNetwork(err)
	if err == nil {
		writeEntry(w, entry, sourceNetwork)
		return sourceNetwork
	}
	if class == ClassAPI {
		writeOfflineAPI(w)
	} else {
		g.writeOfflinePage(w, r)
	}
	return sourceOffline
}

func (g *Gateway) networkFirst(w http.ResponseWriter, r *http.Request) string {
	entry, err := g.fetch(r)
	g.noteNetwork(err)
	if err == nil {
		g.store(r, entry)
		writeEntry(w, entry, sourceNetwork)
		return sourceNetwork
	}
	if cached, ok := g.lookup(r); ok {
		writeEntry(w, cached, sourceCache)
		return sourceCache
	}
	writeOfflineAPI(w)
	return sourceOffline
}

func (g *Gateway) cacheFirst(w http.ResponseWriter, r *http.Request) string {
	if cached, ok := g.lookup(r); ok {
		writeEntry(w, cached, sourceCache)
		return sourceCache
	}
	entry, err := g.fetch(r)
	g.noteNetwork(err)
	if err != nil {
		w.Header().Set(headerCache, sourceOffline)
		http.Error(w, "offline", http.StatusServiceUnavailable)
		return sourceOffline
	}
	g.store(r, entry)
	writeEntry(w, entry, sourceNetwork)
	return sourceNetwork
}

func (g *Gateway) staleWhileRevalidate(w http.ResponseWriter, r *http.Request) string {
	if cached, ok := g.lookup(r); ok {
		writeEntry(w, cached, sourceCache)
		g.revalidate(r)
		return sourceCache
	}
	entry, err := g.fetch(r)
	g.noteNetwork(err)
	if err == nil {
		g.store(r, entry)
		writeEntry(w, entry, sourceNetwork)
		return sourceNetwork
	}
	g.writeOfflinePage(w, r)
	return sourceOffline
}

func (g *Gateway) networkThenCache(w http.ResponseWriter, r *http.Request) string {
	entry, err := g.fetch(r)
	g.noteNetwork(err)
	if err == nil {
		g.store(r, entry)
		writeEntry(w, entry, sourceNetwork)
		return sourceNetwork
	}
	if cached, ok := g.lookup(r); ok {
		writeEntry(w, cached, sourceCache)
		return sourceCache
	}
	g.writeOfflinePage(w, r)
	return sourceOffline
}

// revalidate refreshes a cached document in the background.
func (g *Gateway) revalidate(r *http.Request) {
	req := r.Clone(g.baseCtx)
	req.Body = nil
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		entry, err := g.fetch(req)
		g.noteNetwork(err)
		if err != nil {
			return
		}
		g.store(req, entry)
	}()
}

func (g *Gateway) lookup(r *http.Request) (Entry, bool) {
	entry, ok, err := g.cache.Get(r.Context(), g.cacheName, http.MethodGet, r.URL.RequestURI())
	if err != nil {
		g.logger.Warn("cache read failed",
			logging.String(logging.FieldEventType, "gateway_cache_read_failed"),
			logging.String("url", r.URL.RequestURI()),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "the cache database may be corrupt; delete it to rebuild"),
			logging.String(logging.FieldImpact, "request treated as a cache miss"),
		)
		return Entry{}, false
	}
	return entry, ok
}

func (g *Gateway) store(r *http.Request, entry Entry) {
	if r.Method != http.MethodGet || entry.Status < 200 || entry.Status > 299 {
		return
	}
	if err := g.cache.Put(context.WithoutCancel(r.Context()), g.cacheName, http.MethodGet, r.URL.RequestURI(), entry); err != nil {
		g.logger.Warn("cache write failed",
			logging.String(logging.FieldEventType, "gateway_cache_write_failed"),
			logging.String("url", r.URL.RequestURI()),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check free space under paths.state_dir"),
			logging.String(logging.FieldImpact, "response not available offline"),
		)
	}
}

// fetch forwards r to the upstream and buffers the response.
func (g *Gateway) fetch(r *http.Request) (Entry, error) {
	target := g.upstream.ResolveReference(&url.URL{Path: r.URL.Path, RawQuery: r.URL.RawQuery})
	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		return Entry{}, err
	}
	out.Header = r.Header.Clone()
	if out.Header == nil {
		out.Header = http.Header{}
	}
	stripHopHeaders(out.Header)
	out.ContentLength = r.ContentLength

	resp, err := g.client.Do(out)
	if err != nil {
		return Entry{}, services.Wrap(services.ErrTransient, "gateway", "fetch", target.Path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCachedBody+1))
	if err != nil {
		return Entry{}, services.Wrap(services.ErrTransient, "gateway", "read upstream body", target.Path, err)
	}
	if len(body) > maxCachedBody {
		return Entry{}, services.Wrap(services.ErrResource, "gateway", "read upstream body", "response too large", nil)
	}
	header := resp.Header.Clone()
	stripHopHeaders(header)
	header.Del("Content-Length")
	g.localizeLocation(header)
	return Entry{Status: resp.StatusCode, Header: header, Body: body, StoredAt: time.Now()}, nil
}

// localizeLocation rewrites an absolute redirect into the upstream so the
// browser stays on the gateway.
func (g *Gateway) localizeLocation(h http.Header) {
	loc, err := url.Parse(h.Get("Location"))
	if err != nil || !loc.IsAbs() {
		return
	}
	if !strings.EqualFold(loc.Scheme, g.upstream.Scheme) || !strings.EqualFold(loc.Host, g.upstream.Host) {
		return
	}
	h.Set("Location", (&url.URL{Path: loc.Path, RawQuery: loc.RawQuery, Fragment: loc.Fragment}).String())
}

func stripHopHeaders(h http.Header) {
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func writeEntry(w http.ResponseWriter, entry Entry, source string) {
	for name, values := range entry.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.Header().Set(headerCache, source)
	status := entry.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = io.Copy(w, bytes.NewReader(entry.Body))
}

func writeOfflineAPI(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(headerCache, sourceOffline)
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = io.WriteString(w, offlineAPIBody)
}

// writeOfflinePage serves the precached offline page, or the embedded copy
// when install never reached the network.
func (g *Gateway) writeOfflinePage(w http.ResponseWriter, r *http.Request) {
	body := offlinePage
	if cached, ok, err := g.cache.Get(r.Context(), g.cacheName, http.MethodGet, offlinePath); err == nil && ok && len(cached.Body) > 0 {
		body = cached.Body
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set(headerCache, sourceOffline)
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write(body)
}
