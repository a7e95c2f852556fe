package ggproxy

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggst-tools/ggproxy/cache"
	cachekey "github.com/ggst-tools/ggproxy/pkg/cache-key"
	"github.com/ggst-tools/ggproxy/pkg/forwarder"
	"github.com/ggst-tools/ggproxy/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// fakeForwarder answers with respond, or with the call count as body if respond is nil.
type fakeForwarder struct {
	mu       sync.Mutex
	calls    int
	requests []forwarder.Request
	respond  func(call int, req forwarder.Request) (*forwarder.Response, error)
}

func (f *fakeForwarder) Forward(ctx context.Context, req forwarder.Request) (*forwarder.Response, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.requests = append(f.requests, req)
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		return respond(call, req)
	}
	return okResponse(fmt.Sprintf("response %d", call)), nil
}

func (f *fakeForwarder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func okResponse(body string) *forwarder.Response {
	header := http.Header{}
	header.Set("Content-Type", "application/x-msgpack")
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &forwarder.Response{Status: http.StatusOK, Header: header, Body: []byte(body)}
}

func newTestProxy(t *testing.T, fwd Forwarder, clock *fakeClock) *Proxy {
	p := CreateProxy(Config{
		Forwarder:         fwd,
		RefreshRetries:    1,
		RefreshRetryDelay: time.Millisecond,
		Now:               clock.Now,
	})
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return p
}

func do(p *Proxy, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, bytes.NewBufferString(body))
	}
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, req)
	return rr
}

func TestStatisticsHitStaleRefresh(t *testing.T) {
	fwd := &fakeForwarder{}
	clock := newFakeClock()
	t0 := clock.Now()
	p := newTestProxy(t, fwd, clock)
	body := "\x92\x98\xad210611080203\x00"

	rr := do(p, "POST", "/api/statistics/get", body)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "response 1", rr.Body.String())
	assert.Equal(t, "10", rr.Header().Get("Content-Length"))
	assert.Equal(t, 1, fwd.Calls())

	clock.Set(t0.Add(time.Hour))
	rr = do(p, "POST", "/api/statistics/get", body)
	assert.Equal(t, "response 1", rr.Body.String())
	assert.Equal(t, 1, fwd.Calls(), "fresh entries are served from the cache")

	// stale: the stored response is served and replaced in the background
	clock.Set(t0.Add(5 * time.Hour))
	rr = do(p, "POST", "/api/statistics/get", body)
	assert.Equal(t, "response 1", rr.Body.String())
	p.Wait()
	assert.Equal(t, 2, fwd.Calls())

	entry, ok := p.Store().Peek(cachekey.New("POST", "/api/statistics/get", []byte(body)))
	require.True(t, ok)
	assert.Equal(t, "response 2", string(entry.Body))
	assert.Equal(t, t0.Add(5*time.Hour), entry.CreatedAt)

	clock.Set(t0.Add(5*time.Hour + time.Minute))
	rr = do(p, "POST", "/api/statistics/get", body)
	assert.Equal(t, "response 2", rr.Body.String())
	p.Wait()
	assert.Equal(t, 2, fwd.Calls())

	m := p.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("uri-miss")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Requests.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("stale")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Refreshes.WithLabelValues(metrics.ResultSuccess)))
}

func TestSysStaleAfterFiveMinutes(t *testing.T) {
	fwd := &fakeForwarder{}
	clock := newFakeClock()
	t0 := clock.Now()
	p := newTestProxy(t, fwd, clock)

	do(p, "GET", "/api/sys", "")
	clock.Set(t0.Add(5*time.Minute - time.Nanosecond))
	do(p, "GET", "/api/sys", "")
	p.Wait()
	assert.Equal(t, 1, fwd.Calls())

	clock.Set(t0.Add(5 * time.Minute))
	rr := do(p, "GET", "/api/sys", "")
	p.Wait()
	assert.Equal(t, "response 1", rr.Body.String())
	assert.Equal(t, 2, fwd.Calls())
}

func TestBypassIsNeverStored(t *testing.T) {
	fwd := &fakeForwarder{}
	p := newTestProxy(t, fwd, newFakeClock())

	rr := do(p, "POST", "/api/catalog/get", "x")
	assert.Equal(t, "response 1", rr.Body.String())
	rr = do(p, "POST", "/api/catalog/get", "x")
	assert.Equal(t, "response 2", rr.Body.String())

	assert.Equal(t, 2, fwd.Calls())
	assert.Equal(t, 0, p.Store().Len())
	assert.Equal(t, 2.0, testutil.ToFloat64(p.Metrics().Requests.WithLabelValues("bypass")))
}

func TestHeadersAreNotPartOfTheKey(t *testing.T) {
	fwd := &fakeForwarder{}
	p := newTestProxy(t, fwd, newFakeClock())

	for _, agent := range []string{"Steam", "curl"} {
		req := httptest.NewRequest("POST", "/api/statistics/get", bytes.NewBufferString("same"))
		req.Header.Set("User-Agent", agent)
		rr := httptest.NewRecorder()
		p.ServeHTTP(rr, req)
		assert.Equal(t, "response 1", rr.Body.String())
	}
	assert.Equal(t, 1, fwd.Calls())
	assert.Equal(t, "Steam", fwd.requests[0].Header.Get("User-Agent"))

	rr := do(p, "POST", "/api/statistics/get", "different")
	assert.Equal(t, "response 2", rr.Body.String())
}

func TestConcurrentMissesFetchOnce(t *testing.T) {
	release := make(chan struct{})
	fwd := &fakeForwarder{respond: func(call int, req forwarder.Request) (*forwarder.Response, error) {
		<-release
		return okResponse("shared"), nil
	}}
	p := newTestProxy(t, fwd, newFakeClock())

	const n = 10
	var wg sync.WaitGroup
	bodies := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bodies[i] = do(p, "GET", "/api/get_vip_status?id=1", "").Body.String()
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, fwd.Calls())
	for _, body := range bodies {
		assert.Equal(t, "shared", body)
	}
}

func TestColdFailure(t *testing.T) {
	fail := true
	fwd := &fakeForwarder{respond: func(call int, req forwarder.Request) (*forwarder.Response, error) {
		if fail {
			return nil, fmt.Errorf("%w: connection refused", forwarder.ErrUpstreamUnavailable)
		}
		return okResponse("recovered"), nil
	}}
	p := newTestProxy(t, fwd, newFakeClock())

	rr := do(p, "GET", "/api/sys", "")
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Empty(t, rr.Body.String())
	assert.Equal(t, 0, p.Store().Len())

	fail = false
	rr = do(p, "GET", "/api/sys", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "recovered", rr.Body.String())
	assert.Equal(t, 1, p.Store().Len())
}

func TestFailedRefreshKeepsEntry(t *testing.T) {
	fwd := &fakeForwarder{respond: func(call int, req forwarder.Request) (*forwarder.Response, error) {
		if call > 1 {
			return nil, forwarder.ErrUpstreamUnavailable
		}
		return okResponse("original"), nil
	}}
	clock := newFakeClock()
	t0 := clock.Now()
	p := newTestProxy(t, fwd, clock)

	do(p, "GET", "/api/sys", "")
	clock.Set(t0.Add(time.Hour))
	rr := do(p, "GET", "/api/sys", "")
	p.Wait()

	assert.Equal(t, "original", rr.Body.String())
	// one fetch, then one refresh and one retry
	assert.Equal(t, 3, fwd.Calls())
	entry, ok := p.Store().Peek(cachekey.New("GET", "/api/sys", nil))
	require.True(t, ok)
	assert.Equal(t, "original", string(entry.Body))
	assert.Equal(t, t0, entry.CreatedAt)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.Metrics().Refreshes.WithLabelValues(metrics.ResultFailure)))

	rr = do(p, "GET", "/api/sys", "")
	assert.Equal(t, "original", rr.Body.String())
}

func TestIntegrityError(t *testing.T) {
	fwd := &fakeForwarder{respond: func(call int, req forwarder.Request) (*forwarder.Response, error) {
		res := okResponse("short")
		res.Header.Set("Content-Length", "10")
		return res, nil
	}}
	p := newTestProxy(t, fwd, newFakeClock())

	rr := do(p, "GET", "/api/sys", "")
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Empty(t, rr.Body.String())
	assert.Equal(t, 0, p.Store().Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(p.Metrics().IntegrityErrors))
}

func TestPanicIsAnsweredWithBadGateway(t *testing.T) {
	fwd := &fakeForwarder{respond: func(call int, req forwarder.Request) (*forwarder.Response, error) {
		panic("boom")
	}}
	p := newTestProxy(t, fwd, newFakeClock())

	rr := do(p, "GET", "/not/cached", "")
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestShutdownWaitsForRefreshes(t *testing.T) {
	release := make(chan struct{})
	fwd := &fakeForwarder{respond: func(call int, req forwarder.Request) (*forwarder.Response, error) {
		if call > 1 {
			<-release
		}
		return okResponse("body"), nil
	}}
	clock := newFakeClock()
	p := newTestProxy(t, fwd, clock)

	do(p, "GET", "/api/sys", "")
	clock.Set(clock.Now().Add(time.Hour))
	do(p, "GET", "/api/sys", "")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Shutdown(ctx), context.DeadlineExceeded)

	// no new refreshes are started once shutting down
	do(p, "GET", "/api/sys", "")
	close(release)
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, 2, fwd.Calls())
}

func TestRefreshAllReplaysStoredRequests(t *testing.T) {
	fwd := &fakeForwarder{}
	p := newTestProxy(t, fwd, newFakeClock())

	req := httptest.NewRequest("POST", "/api/statistics/get", bytes.NewBufferString("body"))
	req.Header.Set("X-Token", "secret")
	req.Host = "ggst-game.guiltygear.com"
	p.ServeHTTP(httptest.NewRecorder(), req)
	do(p, "GET", "/api/sys", "")

	assert.Equal(t, 2, p.RefreshAll())
	p.Wait()
	assert.Equal(t, 4, fwd.Calls())

	var replayed []forwarder.Request
	for _, r := range fwd.requests[2:] {
		if r.URI == "/api/statistics/get" {
			replayed = append(replayed, r)
		}
	}
	require.Len(t, replayed, 1)
	assert.Equal(t, "secret", replayed[0].Header.Get("X-Token"))
	assert.Equal(t, "ggst-game.guiltygear.com", replayed[0].Host)
	assert.Equal(t, "body", string(replayed[0].Body))
}

func TestSQLiteBackedProxy(t *testing.T) {
	provider, err := cache.NewSQLiteCache("")
	require.NoError(t, err)
	defer provider.Close()
	fwd := &fakeForwarder{}
	p := CreateProxy(Config{Cache: provider, Forwarder: fwd, Now: newFakeClock().Now})

	do(p, "POST", "/api/statistics/get", "\x00\x01")
	rr := do(p, "POST", "/api/statistics/get", "\x00\x01")
	assert.Equal(t, "response 1", rr.Body.String())
	assert.Equal(t, "application/x-msgpack", rr.Header().Get("Content-Type"))
	assert.Equal(t, 1, fwd.Calls())
}

func statusResponse(status int, body string) *forwarder.Response {
	res := okResponse(body)
	res.Status = status
	return res
}

func TestColdErrorStatusIsNotStored(t *testing.T) {
	fwd := &fakeForwarder{respond: func(call int, req forwarder.Request) (*forwarder.Response, error) {
		if call == 1 {
			return statusResponse(http.StatusInternalServerError, "oops"), nil
		}
		return okResponse("recovered"), nil
	}}
	clock := newFakeClock()
	t0 := clock.Now()
	p := newTestProxy(t, fwd, clock)

	rr := do(p, "POST", "/api/statistics/get", "body")
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Empty(t, rr.Body.String())
	assert.Equal(t, 0, p.Store().Len())

	clock.Set(t0.Add(4 * time.Hour))
	rr = do(p, "POST", "/api/statistics/get", "body")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "recovered", rr.Body.String())
	assert.Equal(t, 2, fwd.Calls())
}

func TestErrorStatusDuringRefreshKeepsEntry(t *testing.T) {
	fwd := &fakeForwarder{respond: func(call int, req forwarder.Request) (*forwarder.Response, error) {
		if call == 1 {
			return okResponse("original"), nil
		}
		return statusResponse(http.StatusServiceUnavailable, "maintenance"), nil
	}}
	clock := newFakeClock()
	t0 := clock.Now()
	p := newTestProxy(t, fwd, clock)

	do(p, "GET", "/api/sys", "")
	clock.Set(t0.Add(time.Hour))
	rr := do(p, "GET", "/api/sys", "")
	p.Wait()
	assert.Equal(t, "original", rr.Body.String())
	assert.Equal(t, 3, fwd.Calls())

	entry, ok := p.Store().Peek(cachekey.New("GET", "/api/sys", nil))
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, entry.Status)
	assert.Equal(t, "original", string(entry.Body))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.Metrics().Refreshes.WithLabelValues(metrics.ResultFailure)))

	rr = do(p, "GET", "/api/sys", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "original", rr.Body.String())
}

func TestBypassRelaysErrorStatus(t *testing.T) {
	fwd := &fakeForwarder{respond: func(call int, req forwarder.Request) (*forwarder.Response, error) {
		return statusResponse(http.StatusNotFound, "missing"), nil
	}}
	p := newTestProxy(t, fwd, newFakeClock())

	rr := do(p, "GET", "/api/unknown", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "missing", rr.Body.String())
	assert.Equal(t, 0, p.Store().Len())
}

func TestShutdownInterruptsRetryDelay(t *testing.T) {
	fwd := &fakeForwarder{respond: func(call int, req forwarder.Request) (*forwarder.Response, error) {
		if call == 1 {
			return okResponse("original"), nil
		}
		return nil, forwarder.ErrUpstreamUnavailable
	}}
	clock := newFakeClock()
	p := CreateProxy(Config{
		Forwarder:         fwd,
		RefreshRetries:    3,
		RefreshRetryDelay: time.Hour,
		Now:               clock.Now,
	})

	do(p, "GET", "/api/sys", "")
	clock.Set(clock.Now().Add(time.Hour))
	do(p, "GET", "/api/sys", "")
	require.Eventually(t, func() bool { return fwd.Calls() == 2 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	assert.Equal(t, 2, fwd.Calls(), "no retries after shutdown")
	entry, ok := p.Store().Peek(cachekey.New("GET", "/api/sys", nil))
	require.True(t, ok)
	assert.Equal(t, "original", string(entry.Body))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.Metrics().Refreshes.WithLabelValues(metrics.ResultFailure)))
}

func TestRequestBodyLimit(t *testing.T) {
	fwd := &fakeForwarder{}
	p := CreateProxy(Config{Forwarder: fwd, MaxBodyBytes: 16, Now: newFakeClock().Now})

	rr := do(p, "POST", "/api/statistics/get", strings.Repeat("x", 17))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	assert.Empty(t, rr.Body.String())
	assert.Equal(t, 0, fwd.Calls())
	assert.Equal(t, 0, p.Store().Len())

	rr = do(p, "POST", "/api/statistics/get", strings.Repeat("x", 16))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, fwd.Calls())
}
