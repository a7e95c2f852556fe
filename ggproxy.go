package ggproxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ggst-tools/ggproxy/cache"
	cachekey "github.com/ggst-tools/ggproxy/pkg/cache-key"
	cachestatus "github.com/ggst-tools/ggproxy/pkg/cache-status"
	"github.com/ggst-tools/ggproxy/pkg/forwarder"
	"github.com/ggst-tools/ggproxy/pkg/metrics"
	responsewriter "github.com/ggst-tools/ggproxy/pkg/response-writer"
	ttlpolicy "github.com/ggst-tools/ggproxy/pkg/ttl-policy"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

// Forwarder sends a request to the upstream and returns the buffered response.
type Forwarder interface {
	Forward(ctx context.Context, req forwarder.Request) (*forwarder.Response, error)
}

type Config struct {
	// Storage for cache entries. An in-memory provider is used if nil.
	Cache cache.CacheProvider
	// Retention table. The default rules are used if nil.
	Policy *ttlpolicy.Table
	// Forwarder to the upstream.
	Forwarder Forwarder
	// How often a failed background refresh is retried, and the pause between attempts.
	// Requests from clients are never retried.
	RefreshRetries    int
	RefreshRetryDelay time.Duration
	// Largest accepted request body in bytes. Defaults to DefaultMaxBodyBytes.
	MaxBodyBytes int64
	// Metrics to record to. Created if nil.
	Metrics *metrics.Metrics
	// Clock used for staleness decisions. Defaults to time.Now.
	Now func() time.Time
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// DefaultMaxBodyBytes bounds request bodies, they are buffered and kept as part of the key.
const DefaultMaxBodyBytes = 1 << 20

type Proxy struct {
	store      *cache.Store
	policy     *ttlpolicy.Table
	forwarder  Forwarder
	metrics    *metrics.Metrics
	retries    int
	retryDelay time.Duration
	maxBody    int64
	now        func() time.Time
	log        zerolog.Logger

	// background refreshes, closed is set and done closed once shutdown has started
	mu        sync.Mutex
	closed    bool
	done      chan struct{}
	refreshes sync.WaitGroup
}

// CreateProxy initializes the proxy.
func CreateProxy(config Config) *Proxy {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	logger = logger.With().Str("component", "proxy").Logger()

	provider := config.Cache
	if provider == nil {
		provider = cache.NewMemCache()
	}
	policy := config.Policy
	if policy == nil {
		policy = ttlpolicy.MustNew(ttlpolicy.DefaultRules())
	}
	maxBody := config.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}

	p := &Proxy{
		store:      cache.NewStore(provider, &logger),
		policy:     policy,
		forwarder:  config.Forwarder,
		metrics:    config.Metrics,
		retries:    config.RefreshRetries,
		retryDelay: config.RefreshRetryDelay,
		maxBody:    maxBody,
		now:        now,
		log:        logger,
		done:       make(chan struct{}),
	}
	if p.metrics == nil {
		p.metrics = metrics.New(p.store.Len)
	}

	for _, overlap := range policy.Overlaps() {
		logger.Warn().Str("overlap", overlap.String()).Msg("Overlapping policy prefixes, the longer one wins")
	}

	return p
}

// Handler returns the proxy wrapped in the request logging middleware.
func (p *Proxy) Handler() http.Handler {
	var h http.Handler = p
	h = hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("url", r.URL.String()).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Sending response to client")
	})(h)
	// no header name, responses are relayed verbatim
	h = hlog.RequestIDHandler("req_id", "")(h)
	h = hlog.RemoteAddrHandler("ip")(h)
	h = hlog.NewHandler(p.log)(h)
	return h
}

// ServeHTTP implements the http.Handler interface.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := p.requestLogger(r)
	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logger.Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("Recovered from panic while handling request")
			responsewriter.WriteError(w, http.StatusBadGateway)
		}
	}()

	if r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, p.maxBody)
	}
	body, err := cachekey.ReadBody(r)
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		logger.Warn().Int64("limit", tooLarge.Limit).Msg("Request body too large")
		responsewriter.WriteError(w, http.StatusRequestEntityTooLarge)
		return
	} else if err != nil {
		logger.Warn().Err(err).Msg("Could not read request body")
		responsewriter.WriteError(w, http.StatusBadRequest)
		return
	}
	key := cachekey.New(r.Method, r.URL.RequestURI(), body)
	req := forwarder.Request{
		Method: r.Method,
		URI:    key.URI,
		Header: r.Header.Clone(),
		Body:   body,
		Host:   r.Host,
	}
	logger.Trace().Str("key", key.String()).Bytes("body", body).Msg("Received request")

	// fetches are not tied to the client connection
	ctx := context.WithoutCancel(r.Context())
	cs := cachestatus.CacheStatus{}

	rule, ok := p.policy.Match(key.Path())
	if !ok {
		cs.Forward(cachestatus.FwdReasonBypass)
		entry, err := p.fetch(ctx, req)
		if err != nil {
			p.sendFetchError(w, err, key, cs, logger)
			return
		}
		p.send(w, r, key, entry, cs, logger)
		return
	}

	result, err := p.store.GetOrFetch(ctx, key, func(ctx context.Context) (cache.Entry, error) {
		return p.fetchCacheable(ctx, req)
	})
	if err != nil {
		cs.Forward(cachestatus.FwdReasonUriMiss)
		p.sendFetchError(w, err, key, cs, logger)
		return
	}

	entry := result.Entry
	now := p.now()
	stale := ttlpolicy.IsStale(rule, entry.CreatedAt, now)
	switch {
	case !result.Hit:
		cs.Forward(cachestatus.FwdReasonUriMiss)
		cs.Stored = true
		cs.Collapsed = result.Shared
	case stale:
		cs.Forward(cachestatus.FwdReasonStale)
	default:
		cs.Hit()
	}
	cs.TimeToLive = int(ttlpolicy.Expires(rule, entry.CreatedAt).Sub(now) / time.Second)

	p.send(w, r, key, entry, cs, logger)

	if stale {
		p.refreshInBackground(key, req)
	}
}

// fetch forwards the request and turns the response into an entry.
// Responses failing the length check are returned as errors so they are never stored.
func (p *Proxy) fetch(ctx context.Context, req forwarder.Request) (cache.Entry, error) {
	start := time.Now()
	res, err := p.forwarder.Forward(ctx, req)
	p.metrics.ObserveFetch(start, err)
	if err != nil {
		return cache.Entry{}, err
	}
	err = responsewriter.Check(req.Method, responsewriter.Response{
		Status: res.Status,
		Header: res.Header,
		Body:   res.Body,
	})
	if err != nil {
		p.metrics.IntegrityErrors.Inc()
		return cache.Entry{}, err
	}
	createdAt := res.FetchedAt
	if createdAt.IsZero() {
		createdAt = p.now()
	}
	return cache.Entry{
		Status:        res.Status,
		Header:        res.Header,
		Body:          res.Body,
		CreatedAt:     createdAt,
		RequestHeader: req.Header,
		Host:          req.Host,
	}, nil
}

// fetchCacheable is fetch for responses that will be stored.
// Error statuses count as failed fetches, so they are never stored and never replace an entry.
func (p *Proxy) fetchCacheable(ctx context.Context, req forwarder.Request) (cache.Entry, error) {
	entry, err := p.fetch(ctx, req)
	if err != nil {
		return cache.Entry{}, err
	}
	if entry.Status >= http.StatusBadRequest {
		return cache.Entry{}, fmt.Errorf("%w: upstream answered with status %d", forwarder.ErrUpstreamUnavailable, entry.Status)
	}
	return entry, nil
}

func (p *Proxy) send(w http.ResponseWriter, r *http.Request, key cachekey.Key, entry cache.Entry, cs cachestatus.CacheStatus, logger *zerolog.Logger) {
	n, err := responsewriter.Write(w, r.Method, responsewriter.Response{
		Status: entry.Status,
		Header: entry.Header,
		Body:   entry.Body,
	})
	var integrityErr *responsewriter.IntegrityError
	if errors.As(err, &integrityErr) {
		p.metrics.IntegrityErrors.Inc()
		cs.Detail = "integrity"
		logger.Error().Err(err).Str("key", key.String()).Msg("Refusing to send response")
		responsewriter.WriteError(w, http.StatusBadGateway)
	} else if err != nil {
		logger.Warn().Err(err).Str("key", key.String()).Msg("Could not send response")
	}
	p.logDecision(key, cs, logger)
	logger.Trace().Int("status", entry.Status).Int("bytes", n).Bytes("body", entry.Body).Msg("Wrote response")
}

func (p *Proxy) sendFetchError(w http.ResponseWriter, err error, key cachekey.Key, cs cachestatus.CacheStatus, logger *zerolog.Logger) {
	var integrityErr *responsewriter.IntegrityError
	if errors.As(err, &integrityErr) {
		cs.Detail = "integrity"
	} else {
		cs.Detail = "upstream-unavailable"
	}
	logger.Error().Err(err).Str("key", key.String()).Msg("Could not fetch response from upstream")
	responsewriter.WriteError(w, http.StatusBadGateway)
	p.logDecision(key, cs, logger)
}

func (p *Proxy) logDecision(key cachekey.Key, cs cachestatus.CacheStatus, logger *zerolog.Logger) {
	p.metrics.Requests.WithLabelValues(cs.Outcome()).Inc()
	logger.Debug().
		Str("key", key.String()).
		Str("status", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Bool("stored", cs.Stored).
		Bool("collapsed", cs.Collapsed).
		Int("ttl", cs.TimeToLive).
		Str("cache", cs.String()).
		Msg("Cache decision")
}

// requestLogger returns the logger set up by the logging middleware,
// or the proxy logger if the proxy is used without it.
func (p *Proxy) requestLogger(r *http.Request) *zerolog.Logger {
	if l := hlog.FromRequest(r); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &p.log
}

// Store returns the store backing the proxy.
func (p *Proxy) Store() *cache.Store {
	return p.store
}

// Policy returns the retention table.
func (p *Proxy) Policy() *ttlpolicy.Table {
	return p.policy
}

// Metrics returns the metrics the proxy records to.
func (p *Proxy) Metrics() *metrics.Metrics {
	return p.metrics
}

// Wait blocks until all background refreshes have finished.
func (p *Proxy) Wait() {
	p.refreshes.Wait()
}

// Shutdown stops new background refreshes from starting and waits for the running ones,
// or until ctx is done.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.refreshes.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
