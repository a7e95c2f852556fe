package cache

import (
	"context"

	cachekey "github.com/ggst-tools/ggproxy/pkg/cache-key"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// FetchFunc produces a fresh entry from the upstream.
type FetchFunc func(ctx context.Context) (Entry, error)

// Result of a lookup.
type Result struct {
	Entry Entry
	// Hit is set if the entry was already stored and no fetch happened.
	Hit bool
	// Shared is set if the fetch result was shared with other waiting callers.
	Shared bool
}

// Store maps cache keys to entries and makes sure there is at most one
// fetch in flight per key.
type Store struct {
	provider  CacheProvider
	fetches   singleflight.Group
	refreshes singleflight.Group
	log       zerolog.Logger
}

// NewStore creates a store on top of the provider.
// The global zerolog logger is used if logger is nil.
func NewStore(provider CacheProvider, logger *zerolog.Logger) *Store {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &Store{
		provider: provider,
		log:      l.With().Str("component", "store").Logger(),
	}
}

// GetOrFetch returns the stored entry for key, or runs fetch and stores its result.
//
// Concurrent callers for the same key that all miss share one fetch and all
// receive its outcome. Failed fetches are not stored, so the next caller fetches again.
// The ctx of the caller that starts the fetch is the one passed to fetch.
func (s *Store) GetOrFetch(ctx context.Context, key cachekey.Key, fetch FetchFunc) (Result, error) {
	ck := key.Canonical()
	if entry, ok := s.get(ck); ok {
		return Result{Entry: entry, Hit: true}, nil
	}
	v, err, shared := s.fetches.Do(ck, func() (interface{}, error) {
		// the entry may have been stored between our lookup and joining the flight
		if entry, ok := s.get(ck); ok {
			return Result{Entry: entry, Hit: true}, nil
		}
		entry, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.provider.Put(ck, entry); err != nil {
			s.log.Error().Err(err).Str("key", key.String()).Msg("Could not store entry")
		}
		return Result{Entry: entry}, nil
	})
	if err != nil {
		return Result{}, err
	}
	res := v.(Result)
	res.Shared = shared
	return res, nil
}

// ForceRefresh runs fetch and replaces the stored entry with its result.
// The stored entry is left untouched if the fetch fails.
// Concurrent refreshes of the same key are collapsed into one.
func (s *Store) ForceRefresh(ctx context.Context, key cachekey.Key, fetch FetchFunc) (Entry, error) {
	ck := key.Canonical()
	v, err, _ := s.refreshes.Do(ck, func() (interface{}, error) {
		entry, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.provider.Put(ck, entry); err != nil {
			return nil, err
		}
		return entry, nil
	})
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

// Peek returns the stored entry for key without fetching.
func (s *Store) Peek(key cachekey.Key) (Entry, bool) {
	return s.get(key.Canonical())
}

// Keys returns all stored keys.
func (s *Store) Keys() []cachekey.Key {
	var keys []cachekey.Key
	err := s.provider.Keys(func(ck string) {
		key, err := cachekey.Parse(ck)
		if err != nil {
			s.log.Warn().Err(err).Msg("Skipping malformed stored key")
			return
		}
		keys = append(keys, key)
	})
	if err != nil {
		s.log.Error().Err(err).Msg("Could not list stored keys")
	}
	return keys
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	n, err := s.provider.Len()
	if err != nil {
		s.log.Error().Err(err).Msg("Could not count stored entries")
		return 0
	}
	return n
}

// Close closes the underlying provider.
func (s *Store) Close() error {
	return s.provider.Close()
}

// get treats provider read errors as a miss.
func (s *Store) get(ck string) (Entry, bool) {
	entry, ok, err := s.provider.Get(ck)
	if err != nil {
		s.log.Error().Err(err).Msg("Could not read entry, treating as miss")
		return Entry{}, false
	}
	return entry, ok
}
