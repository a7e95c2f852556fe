package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrResolution is returned when the upstream address cannot be determined.
var ErrResolution = errors.New("could not resolve upstream address")

const (
	DefaultServer  = "8.8.8.8:53"
	DefaultPort    = "443"
	defaultTimeout = 5 * time.Second
)

// Resolver returns the network address (host:port) of the upstream.
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
}

// Static always resolves to the same address.
type Static string

func (s Static) Resolve(context.Context) (string, error) {
	if s == "" {
		return "", fmt.Errorf("%w: empty static address", ErrResolution)
	}
	return string(s), nil
}

// DNS resolves the A record of a host name against a specific DNS server.
// The first successful answer is kept for the lifetime of the resolver.
type DNS struct {
	name   string
	server string
	port   string
	client *dns.Client
	log    zerolog.Logger

	mu   sync.Mutex
	addr string
}

type Config struct {
	// Host name to look up.
	Name string
	// DNS server to ask, host:port. Defaults to DefaultServer.
	Server string
	// Port appended to the resolved IP. Defaults to DefaultPort.
	Port string
	// Timeout of a single DNS exchange.
	Timeout time.Duration
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

func NewDNS(config Config) *DNS {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	d := &DNS{
		name:   config.Name,
		server: config.Server,
		port:   config.Port,
		client: &dns.Client{Net: "udp", Timeout: config.Timeout},
		log:    logger.With().Str("component", "resolver").Str("name", config.Name).Logger(),
	}
	if d.server == "" {
		d.server = DefaultServer
	}
	if d.port == "" {
		d.port = DefaultPort
	}
	if d.client.Timeout == 0 {
		d.client.Timeout = defaultTimeout
	}
	return d
}

// Resolve returns the memoised address, querying the DNS server on first use.
// Failed lookups are not memoised.
func (d *DNS) Resolve(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.addr != "" {
		return d.addr, nil
	}

	ip, err := d.lookup(ctx)
	if err != nil {
		return "", err
	}
	d.addr = net.JoinHostPort(ip, d.port)
	d.log.Info().Str("addr", d.addr).Str("server", d.server).Msg("Resolved upstream address")
	return d.addr, nil
}

func (d *DNS) lookup(ctx context.Context) (string, error) {
	if d.name == "" {
		return "", fmt.Errorf("%w: no host name configured", ErrResolution)
	}
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(d.name), dns.TypeA)
	m.RecursionDesired = true

	d.log.Trace().Str("server", d.server).Msg("Querying A record")
	in, rtt, err := d.client.ExchangeContext(ctx, m, d.server)
	if err != nil {
		return "", fmt.Errorf("%w: query %s at %s: %v", ErrResolution, d.name, d.server, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return "", fmt.Errorf("%w: %s at %s: %s", ErrResolution, d.name, d.server, dns.RcodeToString[in.Rcode])
	}
	// the answer may start with CNAME records, the first A record is used
	for _, rr := range in.Answer {
		if a, ok := rr.(*dns.A); ok {
			d.log.Trace().Dur("rtt", rtt).Str("ip", a.A.String()).Msg("Got A record")
			return a.A.String(), nil
		}
	}
	return "", fmt.Errorf("%w: no A record for %s at %s", ErrResolution, d.name, d.server)
}
