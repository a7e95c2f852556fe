package forwarder

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/ggst-tools/ggproxy/pkg/resolver"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrUpstreamUnavailable wraps every connection, timeout and protocol failure talking to the upstream.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

const DefaultTimeout = 30 * time.Second

// Request is a buffered inbound request to be replayed against the upstream.
type Request struct {
	Method string
	// URI is the path and query, e.g. /api/sys?x=1
	URI    string
	Header http.Header
	Body   []byte
	// Host header to send. The configured upstream host is used if empty.
	Host string
}

// Response is a fully buffered upstream response.
type Response struct {
	Status    int
	Header    http.Header
	Body      []byte
	FetchedAt time.Time
}

type Config struct {
	// Resolver for the upstream address.
	Resolver resolver.Resolver
	// Host name of the upstream, used for the Host header and TLS SNI.
	Host string
	// Timeout for a complete upstream exchange. Defaults to DefaultTimeout.
	Timeout time.Duration
	// Roots used to verify the upstream certificate chain. System roots are used if nil.
	RootCAs *x509.CertPool
	// Clock used for fetch timestamps. Defaults to time.Now.
	Now func() time.Time
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

type Forwarder struct {
	resolver resolver.Resolver
	host     string
	client   *http.Client
	now      func() time.Time
	log      zerolog.Logger
}

func New(config Config) *Forwarder {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}

	transport := &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:     trustResolvedAddress(config.Host, config.RootCAs),
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		// relay encoded bodies verbatim, Content-Length must keep matching the bytes
		DisableCompression: true,
	}

	return &Forwarder{
		resolver: config.Resolver,
		host:     config.Host,
		now:      now,
		log:      logger.With().Str("component", "forwarder").Logger(),
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
			// do not follow redirects, the client gets to see them
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// trustResolvedAddress returns the TLS config for upstream connections.
//
// The upstream is dialled by the IP address the resolver returned, and its certificate does
// not name that IP. The proxy trusts the peer because it dialled the address it resolved
// itself, so the host name check is skipped here and nowhere else. The certificate chain is
// still verified against roots in VerifyConnection.
func trustResolvedAddress(serverName string, roots *x509.CertPool) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true,
		VerifyConnection: func(cs tls.ConnectionState) error {
			if len(cs.PeerCertificates) == 0 {
				return errors.New("upstream presented no certificate")
			}
			opts := x509.VerifyOptions{
				Roots:         roots,
				Intermediates: x509.NewCertPool(),
			}
			for _, cert := range cs.PeerCertificates[1:] {
				opts.Intermediates.AddCert(cert)
			}
			_, err := cs.PeerCertificates[0].Verify(opts)
			return err
		},
	}
}

// Forward replays the request against the upstream and buffers the complete response.
// It never retries.
func (f *Forwarder) Forward(ctx context.Context, req Request) (*Response, error) {
	addr, err := f.resolver.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	uri := "https://" + addr + req.URI

	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	upReq, err := http.NewRequestWithContext(ctx, req.Method, uri, body)
	if err != nil {
		return nil, fmt.Errorf("%w: could not create request: %w", ErrUpstreamUnavailable, err)
	}
	copyFirstValues(upReq.Header, req.Header)
	upReq.Host = req.Host
	if upReq.Host == "" {
		upReq.Host = f.host
	}

	f.log.Trace().
		Str("method", req.Method).
		Str("url", uri).
		Str("host", upReq.Host).
		Bytes("body", req.Body).
		Msg("Forwarding request to upstream")

	res, err := f.client.Do(upReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	defer res.Body.Close()

	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: could not read response body: %w", ErrUpstreamUnavailable, err)
	}

	f.log.Trace().
		Int("status", res.StatusCode).
		Bytes("body", resBody).
		Msg("Got response from upstream")

	// the response is stored and replayed to other clients on other connections
	removeHopByHopHeaders(res.Header)

	return &Response{
		Status:    res.StatusCode,
		Header:    res.Header,
		Body:      resBody,
		FetchedAt: f.now(),
	}, nil
}

// hopByHopHeaders only apply to a single connection.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(header http.Header) {
	for _, key := range hopByHopHeaders {
		header.Del(key)
	}
}

// copyFirstValues copies the first value of every header.
// Only the connection header is dropped, the game client's other headers are relayed as sent.
// Hop-by-hop headers of the upstream response are removed in Forward.
func copyFirstValues(dst, src http.Header) {
	for k, vv := range src {
		if k == "" || len(vv) == 0 || k == "Connection" {
			continue
		}
		dst.Set(k, vv[0])
	}
}
