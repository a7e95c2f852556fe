package ggproxy

import (
	"context"
	"time"

	"github.com/ggst-tools/ggproxy/cache"
	cachekey "github.com/ggst-tools/ggproxy/pkg/cache-key"
	"github.com/ggst-tools/ggproxy/pkg/forwarder"
)

// goBackground runs fn on its own goroutine, tracked for shutdown.
// It returns false if the proxy is shutting down and fn was not started.
func (p *Proxy) goBackground(fn func(ctx context.Context)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.refreshes.Add(1)
	go func() {
		defer p.refreshes.Done()
		fn(context.Background())
	}()
	return true
}

// refreshInBackground replaces the stored response for key without blocking the caller.
func (p *Proxy) refreshInBackground(key cachekey.Key, req forwarder.Request) {
	started := p.goBackground(func(ctx context.Context) {
		p.refresh(ctx, key, req)
	})
	if !started {
		p.log.Debug().Str("key", key.String()).Msg("Shutting down, not refreshing stale entry")
	}
}

// refresh fetches a new response for key and stores it.
// If there is an error, it sleeps and retries up to the configured number of times.
// The stored entry is kept if all attempts fail.
func (p *Proxy) refresh(ctx context.Context, key cachekey.Key, req forwarder.Request) error {
	var err error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 && !p.sleep(p.retryDelay) {
			p.metrics.ObserveRefresh(err)
			p.log.Warn().Err(err).Str("key", key.String()).Msg("Shutting down, giving up refresh and keeping stored response")
			return err
		}
		p.log.Debug().Str("key", key.String()).Int("attempt", attempt).Msg("Refreshing cache entry")
		_, err = p.store.ForceRefresh(ctx, key, func(ctx context.Context) (cache.Entry, error) {
			return p.fetchCacheable(ctx, req)
		})
		if err == nil {
			p.metrics.ObserveRefresh(nil)
			return nil
		}
		p.log.Warn().Err(err).Str("key", key.String()).Int("attempt", attempt).Msg("Refresh attempt failed")
	}
	p.metrics.ObserveRefresh(err)
	p.log.Error().Err(err).Str("key", key.String()).Msg("Could not refresh cache entry, keeping stored response")
	return err
}

// sleep pauses for d. It returns false if shutdown started before d passed.
func (p *Proxy) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-p.done:
		return false
	}
}

// RefreshAll refreshes every stored entry in the background, one at a time.
// Stored requests are replayed with the headers they were first fetched with.
// It returns the number of keys scheduled.
func (p *Proxy) RefreshAll() int {
	keys := p.store.Keys()
	started := p.goBackground(func(ctx context.Context) {
		for i, key := range keys {
			select {
			case <-p.done:
				p.log.Info().Int("skipped", len(keys)-i).Msg("Shutting down, not refreshing remaining entries")
				return
			default:
			}
			entry, ok := p.store.Peek(key)
			if !ok {
				continue
			}
			p.refresh(ctx, key, requestFor(key, entry))
		}
		p.log.Info().Int("keys", len(keys)).Msg("Refreshed all cache entries")
	})
	if !started {
		return 0
	}
	return len(keys)
}

// requestFor rebuilds the upstream request a stored entry was fetched with.
func requestFor(key cachekey.Key, entry cache.Entry) forwarder.Request {
	return forwarder.Request{
		Method: key.Method,
		URI:    key.URI,
		Header: entry.RequestHeader.Clone(),
		Body:   []byte(key.Body),
		Host:   entry.Host,
	}
}
