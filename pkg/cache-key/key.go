package cachekey

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

var ErrMalformedKey = errors.New("malformed cache key")

const fieldSeparator = ":"

// Key identifies a request for caching purposes.
// Two requests share a key iff method, request URI and body are byte-identical.
// Headers are never part of the key.
type Key struct {
	Method string
	URI    string
	// Body holds the raw request body bytes.
	// A string is used so that Key stays comparable and map equality is byte-wise.
	Body string
}

// New creates a key from the individual request parts.
// A nil body is treated as an empty body.
func New(method, uri string, body []byte) Key {
	return Key{
		Method: method,
		URI:    uri,
		Body:   string(body),
	}
}

// FromRequest reads the request body and returns the key for the request.
// When it returns, the request body will be rewound to the beginning.
func FromRequest(r *http.Request) (Key, error) {
	body, err := ReadBody(r)
	if err != nil {
		return Key{}, err
	}
	return New(r.Method, r.URL.RequestURI(), body), nil
}

// ReadBody fully buffers the request body and replaces it with a rewound copy.
// Callers bound the body size, e.g. with http.MaxBytesReader.
func ReadBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return []byte{}, nil
	}
	body, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("could not read request body: %w", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// String returns a short human readable form of the key, suitable for logging.
func (k Key) String() string {
	if len(k.Body) == 0 {
		return k.Method + " " + k.URI
	}
	return k.Method + " " + k.URI + " body=" + k.BodyDigest()[:12]
}

// BodyDigest returns the hex encoded sha256 of the body.
func (k Key) BodyDigest() string {
	sum := sha256.Sum256([]byte(k.Body))
	return hex.EncodeToString(sum[:])
}

// Canonical returns the storage form of the key.
// Every part is length prefixed so the encoding is unambiguous and keeps the exact body bytes.
// E.g. a GET of /api/sys with an empty body gives `3:GET8:/api/sys0:`.
func (k Key) Canonical() string {
	var b strings.Builder
	for _, part := range []string{k.Method, k.URI, k.Body} {
		b.WriteString(strconv.Itoa(len(part)))
		b.WriteString(fieldSeparator)
		b.WriteString(part)
	}
	return b.String()
}

// Parse is the inverse of Canonical.
func Parse(canonical string) (Key, error) {
	parts := make([]string, 0, 3)
	rest := canonical
	for i := 0; i < 3; i++ {
		lenStr, tail, found := strings.Cut(rest, fieldSeparator)
		if !found {
			return Key{}, fmt.Errorf("%w: %q", ErrMalformedKey, canonical)
		}
		n, err := strconv.Atoi(lenStr)
		if err != nil || n < 0 || n > len(tail) {
			return Key{}, fmt.Errorf("%w: %q", ErrMalformedKey, canonical)
		}
		parts = append(parts, tail[:n])
		rest = tail[n:]
	}
	if rest != "" {
		return Key{}, fmt.Errorf("%w: trailing data in %q", ErrMalformedKey, canonical)
	}
	return Key{Method: parts[0], URI: parts[1], Body: parts[2]}, nil
}

// Path returns the path part of the request URI (without the query).
func (k Key) Path() string {
	path, _, _ := strings.Cut(k.URI, "?")
	return path
}
