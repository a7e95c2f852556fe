package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Entry is a stored upstream response.
type Entry struct {
	Status int
	Header http.Header
	Body   []byte
	// CreatedAt is the time the response was fetched from the upstream.
	CreatedAt time.Time
	// RequestHeader and Host are those of the request the response was fetched for.
	// They are replayed when the entry is refreshed without a client request.
	RequestHeader http.Header
	Host          string
}

// Age returns how old the entry is at now.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

func (e Entry) clone() Entry {
	e.Header = e.Header.Clone()
	e.RequestHeader = e.RequestHeader.Clone()
	return e
}

// CacheProvider is an interface for a cache provider.
// It stores and retrieves entries by their canonical cache key.
// Entries are never expired or purged by the provider, they are only replaced.
//
// Implementations must be thread-safe!
type CacheProvider interface {
	// Get returns the entry stored for the key, if it exists.
	Get(key string) (Entry, bool, error)
	// Put stores the entry under the key, replacing any previous entry.
	Put(key string, entry Entry) error
	// Keys calls the given callback for each stored key.
	Keys(cb func(string)) error
	// Len returns the number of stored entries.
	Len() (int, error)
	// Close releases the resources held by the provider.
	Close() error
}

type MemCache struct {
	mutex *sync.RWMutex
	db    map[string]Entry
}

func NewMemCache() MemCache {
	return MemCache{
		mutex: &sync.RWMutex{},
		db:    make(map[string]Entry),
	}
}

func (m MemCache) Get(key string) (Entry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entry, ok := m.db[key]
	return entry, ok, nil
}

func (m MemCache) Put(key string, entry Entry) error {
	entry = entry.clone()
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[key] = entry
	return nil
}

func (m MemCache) Keys(cb func(string)) error {
	m.mutex.RLock()
	keys := make([]string, 0, len(m.db))
	for key := range m.db {
		keys = append(keys, key)
	}
	m.mutex.RUnlock()
	// callbacks run without the lock so they may use the cache
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (m MemCache) Len() (int, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.db), nil
}

func (m MemCache) Close() error {
	return nil
}

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache creates a new cache with the given filename as the db.
// If file name is empty, a private in-memory db is opened.
func NewSQLiteCache(filename string) (SQLiteCache, error) {
	inMemory := filename == ""
	if inMemory {
		filename = ":memory:"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCache{}, fmt.Errorf("could not open sqlite db: %w", err)
	}
	if inMemory {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS cache (
			key BLOB PRIMARY KEY,
			status INTEGER NOT NULL,
			header TEXT NOT NULL,
			request_header TEXT NOT NULL,
			host TEXT NOT NULL,
			body BLOB NOT NULL,
			created_at INTEGER NOT NULL
		)`,
	}
	if !inMemory {
		statements = append(statements, "PRAGMA journal_mode=WAL")
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteCache{}, fmt.Errorf("could not initialise sqlite db: %w", err)
		}
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteCache) Get(key string) (Entry, bool, error) {
	var (
		entry         Entry
		header        string
		requestHeader string
		createdAt     int64
	)
	err := s.db.QueryRow(`SELECT
		status, header, request_header, host, body, created_at
		FROM cache WHERE key = ?`, []byte(key)).
		Scan(&entry.Status, &header, &requestHeader, &entry.Host, &entry.Body, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	} else if err != nil {
		return Entry{}, false, err
	}
	if err := json.Unmarshal([]byte(header), &entry.Header); err != nil {
		return Entry{}, false, fmt.Errorf("corrupt header for stored entry: %w", err)
	}
	if err := json.Unmarshal([]byte(requestHeader), &entry.RequestHeader); err != nil {
		return Entry{}, false, fmt.Errorf("corrupt request header for stored entry: %w", err)
	}
	if entry.Body == nil {
		entry.Body = []byte{}
	}
	entry.CreatedAt = time.UnixMilli(createdAt)
	return entry, true, nil
}

func (s SQLiteCache) Put(key string, entry Entry) error {
	header, err := json.Marshal(entry.Header)
	if err != nil {
		return err
	}
	requestHeader, err := json.Marshal(entry.RequestHeader)
	if err != nil {
		return err
	}
	body := entry.Body
	if body == nil {
		body = []byte{}
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err = s.db.Exec(`INSERT OR REPLACE INTO cache
		(key, status, header, request_header, host, body, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		[]byte(key), entry.Status, string(header), string(requestHeader), entry.Host, body, entry.CreatedAt.UnixMilli())
	return err
}

func (s SQLiteCache) Keys(cb func(string)) error {
	rows, err := s.db.Query("SELECT key FROM cache")
	if err != nil {
		return err
	}
	// collect first, the in-memory db only has a single connection
	var keys []string
	for rows.Next() {
		var key []byte
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return err
		}
		keys = append(keys, string(key))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (s SQLiteCache) Len() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM cache").Scan(&n)
	return n, err
}

func (s SQLiteCache) Close() error {
	return s.db.Close()
}
