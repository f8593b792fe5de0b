package offlinecache

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/eyojana/offline-cache/cache"
	"github.com/eyojana/offline-cache/notify"
	cachekey "github.com/eyojana/offline-cache/pkg/cache-key"
	recorder "github.com/eyojana/offline-cache/pkg/response-recorder"
	serializer "github.com/eyojana/offline-cache/pkg/response-serializer"
	"github.com/eyojana/offline-cache/rfc9111"
	"github.com/eyojana/offline-cache/rfc9211"

	"github.com/rs/zerolog"
)

const (
	DefaultGeneration       = "v1"
	DefaultStaticCacheName  = "eyojana-static"
	DefaultDynamicCacheName = "eyojana-dynamic"
	DefaultOfflinePage      = "/offline.html"
	DefaultSyncTag          = "yojana-sync"
	DefaultSyncEndpoint     = "https://jsonplaceholder.typicode.com/posts"
)

// DefaultManifest is the set of resources stored at install time.
var DefaultManifest = []string{
	"/",
	"/index.html",
	"/styles.css",
	"/app.js",
	DefaultOfflinePage,
}

// ErrOfflinePageMissing means neither cache nor network could answer and the
// offline page is not in the static cache. Install guarantees it is there.
var ErrOfflinePageMissing = errors.New("offline page not cached")

type Config struct {
	// Registry of named cache stores.
	Storage *cache.Storage
	// URL of the origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Network to use for cache misses and installation.
	// Defaults to a client for the origin.
	Network Fetcher
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Generation tag appended to the cache names.
	Generation string
	// Cache name prefixes.
	StaticCacheName  string
	DynamicCacheName string
	// Resources stored at install time. Must include the offline page.
	Manifest    []string
	OfflinePage string
	// Store non-2xx responses in the dynamic cache as well.
	StoreErrorResponses bool
	// Notifications shown for push messages.
	Notifier notify.Notifier
	// Opens windows for clicked notifications.
	Windows notify.WindowOpener
	// Allow notification clicks to open URLs outside the origin.
	AllowCrossOriginNavigation bool
	// Tag of the replayed sync task and where it is sent.
	SyncTag      string
	SyncEndpoint string
	// Client for the sync request. http.DefaultClient is used if nil.
	SyncClient *http.Client
}

// Worker answers the events of one cache generation:
// install, activate, fetch, push, notification click and sync.
type Worker struct {
	storage             *cache.Storage
	keyer               cachekey.CacheKeyer
	network             Fetcher
	log                 zerolog.Logger
	generation          string
	staticName          string
	dynamicName         string
	manifest            []string
	offlinePage         string
	storeErrorResponses bool
	notifier            notify.Notifier
	windows             notify.WindowOpener
	allowCrossOrigin    bool
	syncTag             string
	syncEndpoint        string
	syncClient          *http.Client

	state atomic.Value
}

// CreateWorker initializes a worker from the config, filling in defaults.
func CreateWorker(config Config) *Worker {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	generation := orDefault(config.Generation, DefaultGeneration)

	// create a child logger and add defaults
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Str("generation", generation).
		Logger()

	w := &Worker{
		storage:             config.Storage,
		keyer:               cachekey.NewCacheKeyer(config.OriginURL),
		network:             config.Network,
		log:                 logger,
		generation:          generation,
		staticName:          orDefault(config.StaticCacheName, DefaultStaticCacheName) + "-" + generation,
		dynamicName:         orDefault(config.DynamicCacheName, DefaultDynamicCacheName) + "-" + generation,
		manifest:            config.Manifest,
		offlinePage:         orDefault(config.OfflinePage, DefaultOfflinePage),
		storeErrorResponses: config.StoreErrorResponses,
		notifier:            config.Notifier,
		windows:             config.Windows,
		allowCrossOrigin:    config.AllowCrossOriginNavigation,
		syncTag:             orDefault(config.SyncTag, DefaultSyncTag),
		syncEndpoint:        orDefault(config.SyncEndpoint, DefaultSyncEndpoint),
		syncClient:          config.SyncClient,
	}
	if w.storage == nil {
		w.storage = cache.NewStorage(cache.NewMemCache())
	}
	if w.network == nil {
		w.network = NewOriginFetcher(config.OriginURL, config.OriginHost)
	}
	if len(w.manifest) == 0 {
		w.manifest = DefaultManifest
	}
	if w.syncClient == nil {
		w.syncClient = http.DefaultClient
	}
	w.state.Store(StateParsed)
	return w
}

func orDefault(value, def string) string {
	if value == "" {
		return def
	}
	return value
}

// CacheNames returns the names of the static and dynamic stores of this generation.
func (w *Worker) CacheNames() (static, dynamic string) {
	return w.staticName, w.dynamicName
}

// Fetch answers a request: from the caches, from the network, or with the
// offline page when the network fails.
func (w *Worker) Fetch(r *http.Request) (*http.Response, error) {
	res, _, err := w.fetch(r)
	return res, err
}

// ServeHTTP implements the http.Handler interface.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	defer w.recover(rw, r)
	res, cacheStatus, err := w.fetch(r)
	if err != nil {
		w.log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not answer request")
		http.Error(rw, "Offline and no offline page available", http.StatusServiceUnavailable)
		return
	}
	send(rw, res, cacheStatus, w.log)
}

// recover recovers from panics and sends the offline page if possible.
func (w *Worker) recover(rw http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		w.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in fetch handler")
		res, oerr := w.offlineResponse(r)
		if oerr != nil {
			http.Error(rw, "Could not answer request", http.StatusBadGateway)
			return
		}
		send(rw, res, rfc9211.CacheStatus{Detail: rfc9211.DetailOffline}, w.log)
	}
}

func (w *Worker) fetch(r *http.Request) (*http.Response, rfc9211.CacheStatus, error) {
	var cacheStatus rfc9211.CacheStatus
	key := w.keyer.GetKey(r)
	log := w.log.With().Str("key", key).Logger()
	cacheable := r.Method == http.MethodGet

	if cacheable {
		if res, ok := w.match(r, key, log); ok {
			log.Trace().Str("url", r.URL.String()).Msg("Serving from cache")
			cacheStatus.Hit()
			return res, cacheStatus, nil
		}
		cacheStatus.Forward(rfc9211.FwdReasonUriMiss)
	} else {
		cacheStatus.Forward(rfc9211.FwdReasonMethod)
	}

	log.Trace().Msg("Forwarding to network")
	res, err := w.network.Fetch(rfc9111.GetForwardRequest(r))
	if err == nil && cacheable && w.mayStore(res) {
		// the snapshot is complete before the response is handed back
		var stored bool
		if stored, err = w.save(key, res); stored {
			cacheStatus.Stored = true
			log.Trace().Str("url", r.URL.String()).Msg("Fetched & cached")
		} else if err == nil {
			cacheStatus.Detail = rfc9211.DetailStoreFailed
		}
	}
	if err != nil {
		log.Warn().Err(err).Msg("Network failed, serving offline page")
		cacheStatus.Detail = rfc9211.DetailOffline
		offline, oerr := w.offlineResponse(r)
		if oerr != nil {
			return nil, cacheStatus, oerr
		}
		return offline, cacheStatus, nil
	}
	return res, cacheStatus, nil
}

// match looks the request up in all stores.
func (w *Worker) match(r *http.Request, key string, log zerolog.Logger) (*http.Response, bool) {
	ce, ok, err := w.storage.Match(key)
	if err != nil {
		log.Error().Err(err).Msg("Could not read from cache")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	sRes, err := serializer.BytesToStoredResponse(ce.Bytes, r)
	if err != nil {
		// a corrupted entry is treated as a miss and overwritten by the next network response
		log.Error().Err(err).Str("cache", ce.Store).Msg("Could not read cached response")
		return nil, false
	}
	return sRes.Response, true
}

func (w *Worker) mayStore(res *http.Response) bool {
	// partial content and Vary: * can never be matched later
	if res.StatusCode == http.StatusPartialContent || res.Header.Get("Vary") == "*" {
		return false
	}
	if w.storeErrorResponses {
		return true
	}
	return isSuccess(res.StatusCode)
}

// save stores a snapshot of the response in the dynamic cache.
// The response body stays readable for the caller. A failed cache write is
// logged and reported as not stored, without an error.
func (w *Worker) save(key string, res *http.Response) (bool, error) {
	bytes, err := serializer.StoredResponseToBytes(serializer.StoredResponse{
		Response: res,
		StoredAt: time.Now(),
	})
	if err != nil {
		// reading the body failed, so the network failed half way
		return false, fmt.Errorf("read response: %w", err)
	}
	if err := w.storage.Handle(w.dynamicName).Put(key, bytes); err != nil {
		// the response itself is fine, only the write-through failed
		w.log.Error().Err(err).Str("key", key).Msg("Could not write to cache")
		return false, nil
	}
	return true, nil
}

// offlineResponse returns the offline page from the static cache.
func (w *Worker) offlineResponse(r *http.Request) (*http.Response, error) {
	key, err := w.keyer.KeyForPath(http.MethodGet, w.offlinePage)
	if err != nil {
		return nil, err
	}
	ce, ok, err := w.storage.Handle(w.staticName).Match(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOfflinePageMissing, err)
	}
	if !ok {
		return nil, ErrOfflinePageMissing
	}
	sRes, err := serializer.BytesToStoredResponse(ce.Bytes, r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOfflinePageMissing, err)
	}
	return sRes.Response, nil
}

func isSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

func send(w http.ResponseWriter, r *http.Response, status rfc9211.CacheStatus, log zerolog.Logger) error {
	evt := log.Debug()
	if r.Request == nil {
		log.Warn().Msg("Could not get request for response to client")
	} else {
		evt = evt.Str("method", r.Request.Method).Str("url", r.Request.URL.String())
	}
	isHit := 0
	if status.Status == rfc9211.StatusHit {
		isHit = 1
	}
	evt.
		Int("code", r.StatusCode).
		Str("status", string(status.Status)).
		Str("fwd", string(status.FwdReason)).
		Str("detail", status.Detail).
		Bool("stored", status.Stored).
		Int("hit", isHit).
		Msg("Sending response to client")

	if r.Body != nil {
		defer r.Body.Close()
	}
	copyHeader(w.Header(), r.Header)
	w.Header().Add("Cache-Status", status.String())
	w.WriteHeader(r.StatusCode)
	if r.Body == nil {
		return nil
	}
	bytesWritten, err := io.Copy(w, r.Body)
	log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
	return err
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a workaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}

// Fetcher is the network: it sends a request and returns the response.
// An error means no response could be obtained at all.
type Fetcher interface {
	Fetch(r *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(r *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(r *http.Request) (*http.Response, error) {
	return f(r)
}

type originFetcher struct {
	originURL  url.URL
	originHost string
	httpClient http.Client
}

// NewOriginFetcher returns a Fetcher sending requests to the origin.
// Redirects are not followed; they are returned to the client.
func NewOriginFetcher(originURL url.URL, originHost string) Fetcher {
	f := &originFetcher{
		originURL:  originURL,
		originHost: originHost,
		httpClient: http.Client{
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	// use provided hostname for origin if configured
	if originHost != "" {
		f.httpClient.Transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: originHost,
			},
		}
	}
	return f
}

// Fetch the resource specified in the request from the origin.
func (f *originFetcher) Fetch(r *http.Request) (*http.Response, error) {
	uri := f.originURL.Scheme + "://" + f.originURL.Host + r.URL.RequestURI()
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, uri, body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = r.ContentLength
	copyHeader(req.Header, r.Header)
	if f.originHost != "" {
		req.Host = f.originHost
	}
	return f.httpClient.Do(req)
}

type handlerFetcher struct {
	next http.Handler
}

// NewHandlerFetcher returns a Fetcher that answers requests with an
// in-process handler, for using the worker as middleware.
func NewHandlerFetcher(next http.Handler) Fetcher {
	return handlerFetcher{next: next}
}

func (f handlerFetcher) Fetch(r *http.Request) (*http.Response, error) {
	rw := recorder.NewResponseSaver()
	f.next.ServeHTTP(rw, r)
	return rw.Result(r)
}
