// Package router intercepts page requests and serves them from the cache
// or the network according to their class.
package router

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/10yihang/pwarelay/internal/cache"
	"github.com/10yihang/pwarelay/internal/metrics"
	"github.com/10yihang/pwarelay/internal/queue"
	"github.com/10yihang/pwarelay/pkg/errors"
)

// SourceHeader tells the page where a response came from.
const SourceHeader = "X-Pwarelay-Source"

const (
	sourceCache       = "cache"
	sourceNetwork     = "network"
	sourceOffline     = "offline"
	sourcePassthrough = "passthrough"
)

// Gate reports whether interception is enabled.
type Gate interface {
	Active() bool
}

type alwaysActive struct{}

func (alwaysActive) Active() bool { return true }

// Config configures a Router.
type Config struct {
	// Origin is the upstream server. Required.
	Origin *url.URL

	// APIPrefix selects network-first requests. Default "/api/".
	APIPrefix string

	// WorkerPath is the relay's own control prefix; never intercepted.
	WorkerPath string

	// OfflinePage is served for failed navigations, e.g. "/offline.html".
	OfflinePage string
}

// Router is the request interceptor.
type Router struct {
	store        *cache.Store
	fetcher      cache.Fetcher
	gate         Gate
	origin       *url.URL
	apiPrefix    string
	workerPath   string
	reservedPath string
	offlineKey   string
	proxy        *httputil.ReverseProxy
}

// New creates a Router. A nil gate intercepts from the start.
func New(store *cache.Store, fetcher cache.Fetcher, gate Gate, cfg Config) *Router {
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api/"
	}
	if cfg.WorkerPath == "" {
		cfg.WorkerPath = "/__worker"
	}
	if gate == nil {
		gate = alwaysActive{}
	}

	rt := &Router{
		store:        store,
		fetcher:      fetcher,
		gate:         gate,
		origin:       cfg.Origin,
		apiPrefix:    cfg.APIPrefix,
		workerPath:   cfg.WorkerPath,
		reservedPath: queue.ReservedPath,
	}
	if cfg.OfflinePage != "" {
		if ref, err := url.Parse(cfg.OfflinePage); err == nil {
			rt.offlineKey = cache.Key(cfg.Origin.ResolveReference(ref))
		}
	}
	rt.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(rt.origin)
			pr.SetXForwarded()
		},
		ModifyResponse: func(resp *http.Response) error {
			resp.Header.Set(SourceHeader, sourceNetwork)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Warn().Err(err).Str("url", r.URL.String()).Msg("passthrough failed")
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	return rt
}

// ServeHTTP implements http.Handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	class := rt.Classify(r)
	if class == ClassIgnored || !rt.gate.Active() {
		metrics.RecordRequest(class.String(), sourcePassthrough)
		rt.proxy.ServeHTTP(w, r)
		return
	}

	switch class {
	case ClassAPI:
		rt.serveAPI(w, r)
	case ClassAsset:
		rt.serveAsset(w, r)
	}
}

// target returns the upstream URL for r. Absolute request URIs keep their
// own host and may therefore be cross-origin.
func (rt *Router) target(r *http.Request) *url.URL {
	if r.URL.IsAbs() {
		u := *r.URL
		u.Fragment = ""
		return &u
	}
	u := *rt.origin
	u.Path = r.URL.Path
	u.RawPath = r.URL.RawPath
	u.RawQuery = r.URL.RawQuery
	return &u
}

func (rt *Router) sameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, rt.origin.Scheme) && strings.EqualFold(u.Host, rt.origin.Host)
}

func (rt *Router) fetch(ctx context.Context, r *http.Request, target *url.URL) (*http.Response, error) {
	out, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	for k, vv := range r.Header {
		if isHopHeader(k) {
			continue
		}
		out.Header[k] = append([]string(nil), vv...)
	}
	return rt.fetcher.Fetch(ctx, out)
}

// serveAPI is network-first. A fresh response is stored before it is
// written, so the cache holds it as soon as the page sees it.
func (rt *Router) serveAPI(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	target := rt.target(r)
	key := cache.Key(target)

	resp, err := rt.fetch(ctx, r, target)
	if err == nil {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			rt.serveStored(ctx, w, resp, rt.store.Partitions().Dynamic, key, ClassAPI)
			return
		}
		metrics.RecordRequest(ClassAPI.String(), sourceNetwork)
		writeResponse(w, resp)
		return
	}
	log.Debug().Err(err).Str("key", key).Msg("api fetch failed, trying cache")

	rec, _, merr := rt.store.Match(ctx, key)
	if merr == nil {
		metrics.RecordRequest(ClassAPI.String(), sourceCache)
		w.Header().Set(SourceHeader, sourceCache)
		rec.Serve(w, 0)
		return
	}
	if !stderrors.Is(merr, errors.ErrKeyNotFound) {
		log.Warn().Err(merr).Str("key", key).Msg("cache lookup failed")
	}

	metrics.RecordRequest(ClassAPI.String(), sourceOffline)
	h := w.Header()
	h.Set(SourceHeader, sourceOffline)
	h.Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(offlineBody{Error: "offline", Message: "No cached data available"})
}

type offlineBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// serveAsset is cache-first.
func (rt *Router) serveAsset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	target := rt.target(r)
	key := cache.Key(target)

	rec, _, err := rt.store.Match(ctx, key)
	if err == nil {
		metrics.RecordRequest(ClassAsset.String(), sourceCache)
		w.Header().Set(SourceHeader, sourceCache)
		rec.Serve(w, 0)
		return
	}
	if !stderrors.Is(err, errors.ErrKeyNotFound) {
		log.Warn().Err(err).Str("key", key).Msg("cache lookup failed")
	}

	resp, err := rt.fetch(ctx, r, target)
	if err != nil {
		rt.assetOffline(w, r, key, err)
		return
	}
	if resp.StatusCode == http.StatusOK && rt.sameOrigin(target) {
		rt.serveStored(ctx, w, resp, rt.store.Partitions().Dynamic, key, ClassAsset)
		return
	}
	metrics.RecordRequest(ClassAsset.String(), sourceNetwork)
	writeResponse(w, resp)
}

func (rt *Router) assetOffline(w http.ResponseWriter, r *http.Request, key string, cause error) {
	if !isNavigation(r) {
		log.Debug().Err(cause).Str("key", key).Msg("asset fetch failed, aborting response")
		metrics.RecordRequest(ClassAsset.String(), sourceOffline)
		panic(http.ErrAbortHandler)
	}

	metrics.RecordRequest(ClassAsset.String(), sourceOffline)
	w.Header().Set(SourceHeader, sourceOffline)
	if rt.offlineKey != "" {
		rec, _, err := rt.store.Match(r.Context(), rt.offlineKey)
		if err == nil {
			rec.Serve(w, http.StatusServiceUnavailable)
			return
		}
		log.Warn().Err(err).Str("key", rt.offlineKey).Msg("offline page not cached")
	}
	http.Error(w, "offline", http.StatusServiceUnavailable)
}

// serveStored buffers resp, stores it under key and then writes it. A
// failed write to the cache still serves the response.
func (rt *Router) serveStored(ctx context.Context, w http.ResponseWriter, resp *http.Response, partition, key string, class Class) {
	metrics.RecordRequest(class.String(), sourceNetwork)

	rec, err := cache.NewRecord(resp)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("reading network response failed")
		panic(http.ErrAbortHandler)
	}
	if err := rt.store.Put(ctx, partition, key, rec); err != nil {
		log.Warn().Err(err).Str("partition", partition).Str("key", key).Msg("cache write failed")
	}
	w.Header().Set(SourceHeader, sourceNetwork)
	rec.Serve(w, 0)
}

func writeResponse(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()
	h := w.Header()
	for k, vv := range resp.Header {
		if isHopHeader(k) {
			continue
		}
		h[k] = append([]string(nil), vv...)
	}
	h.Set(SourceHeader, sourceNetwork)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Connection":    true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func isHopHeader(k string) bool {
	return hopHeaders[http.CanonicalHeaderKey(k)]
}
