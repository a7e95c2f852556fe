package responsewriter

import (
	"fmt"
	"net/http"
	"strconv"
)

// Response is what gets written back to the client.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// IntegrityError is returned when the declared Content-Length does not match the body.
type IntegrityError struct {
	Declared string
	Actual   int
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("content-length mismatch: declared %q, body has %d bytes", e.Declared, e.Actual)
}

// Check verifies that a declared Content-Length matches the body length.
// Responses without a declared length always pass.
func Check(method string, res Response) error {
	if !bodyAllowed(method, res.Status) {
		return nil
	}
	declared := res.Header.Get("Content-Length")
	if declared == "" {
		return nil
	}
	n, err := strconv.ParseInt(declared, 10, 64)
	if err != nil || n != int64(len(res.Body)) {
		return &IntegrityError{Declared: declared, Actual: len(res.Body)}
	}
	return nil
}

// Write sends the response to the client.
// Headers are copied verbatim (all values), then the status, then exactly len(Body) bytes.
// If the response fails Check nothing is written and the *IntegrityError is returned.
// Without a declared Content-Length the server frames the body itself.
func Write(w http.ResponseWriter, method string, res Response) (int, error) {
	if err := Check(method, res); err != nil {
		return 0, err
	}
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.Status)
	if !bodyAllowed(method, res.Status) {
		return 0, nil
	}
	n, err := w.Write(res.Body)
	if err != nil {
		return n, fmt.Errorf("could not write response body to client: %w", err)
	}
	return n, nil
}

// WriteError sends a bodyless response with the given status.
func WriteError(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(status)
}

// copyHeader copies all values of every header.
// Stored responses come from the forwarder, which already removed the upstream hop-by-hop headers.
func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		if k == "" {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func bodyAllowed(method string, status int) bool {
	if method == http.MethodHead {
		return false
	}
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}
