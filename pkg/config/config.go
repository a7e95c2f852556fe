package config

import (
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	ttlpolicy "github.com/ggst-tools/ggproxy/pkg/ttl-policy"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	ProviderMemory = "memory"
	ProviderSQLite = "sqlite"
)

type Config struct {
	// Listen is the address of the HTTPS listener clients connect to.
	Listen string `yaml:"listen" toml:"listen"`
	// AdminListen is the address of the admin listener. Empty disables it.
	AdminListen string           `yaml:"admin_listen" toml:"admin_listen"`
	TLS         TLS              `yaml:"tls" toml:"tls"`
	Upstream    Upstream         `yaml:"upstream" toml:"upstream"`
	Cache       Cache            `yaml:"cache" toml:"cache"`
	Refresh     Refresh          `yaml:"refresh" toml:"refresh"`
	Policy      []ttlpolicy.Rule `yaml:"policy" toml:"policy"`
	// MaxBodyBytes is the largest accepted request body, larger ones get 413.
	MaxBodyBytes int64 `yaml:"max_body_bytes" toml:"max_body_bytes"`
}

type TLS struct {
	CertFile string `yaml:"cert_file" toml:"cert_file"`
	KeyFile  string `yaml:"key_file" toml:"key_file"`
}

type Upstream struct {
	// Host is the upstream host name, used for DNS, the Host header and SNI.
	Host string `yaml:"host" toml:"host"`
	// Address is a static host:port that skips DNS resolution.
	Address   string        `yaml:"address" toml:"address"`
	Port      string        `yaml:"port" toml:"port"`
	DNSServer string        `yaml:"dns_server" toml:"dns_server"`
	Timeout   time.Duration `yaml:"timeout" toml:"timeout"`
	// CAFile is a PEM bundle used instead of the system roots.
	CAFile string `yaml:"ca_file" toml:"ca_file"`
}

type Cache struct {
	Provider string `yaml:"provider" toml:"provider"`
	// SQLitePath is the db file of the sqlite provider. Empty means in-memory.
	SQLitePath string `yaml:"sqlite_path" toml:"sqlite_path"`
}

type Refresh struct {
	// Retries is how often a failed background refresh is retried.
	Retries    int           `yaml:"retries" toml:"retries"`
	RetryDelay time.Duration `yaml:"retry_delay" toml:"retry_delay"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen:      ":443",
		AdminListen: "127.0.0.1:8081",
		TLS: TLS{
			CertFile: "cert.pem",
			KeyFile:  "key.pem",
		},
		Upstream: Upstream{
			Host:      "ggst-game.guiltygear.com",
			Port:      "443",
			DNSServer: "8.8.8.8:53",
			Timeout:   30 * time.Second,
		},
		Cache: Cache{
			Provider: ProviderMemory,
		},
		Refresh: Refresh{
			Retries:    1,
			RetryDelay: time.Second,
		},
		Policy:       ttlpolicy.DefaultRules(),
		MaxBodyBytes: 1 << 20,
	}
}

// Load reads the file on top of the defaults.
// The format is chosen by extension: .yaml, .yml or .toml.
// An empty filename returns the defaults.
func Load(filename string) (Config, error) {
	config := Default()
	if filename == "" {
		return config, nil
	}
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(configBytes, &config)
	case ".toml":
		_, err = toml.Decode(string(configBytes), &config)
	default:
		return config, fmt.Errorf("unsupported config format %q", ext)
	}
	if err != nil {
		return config, fmt.Errorf("could not parse config %s: %w", filename, err)
	}
	return config, nil
}

// Validate checks the configuration for errors that would only show at runtime.
func (c Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is empty"))
	}
	if err := fileExists("tls cert_file", c.TLS.CertFile); err != nil {
		errs = append(errs, err)
	}
	if err := fileExists("tls key_file", c.TLS.KeyFile); err != nil {
		errs = append(errs, err)
	}
	if c.Upstream.Host == "" && c.Upstream.Address == "" {
		errs = append(errs, errors.New("upstream host or address must be set"))
	}
	if c.Upstream.Timeout < 0 {
		errs = append(errs, errors.New("upstream timeout must not be negative"))
	}
	if c.Upstream.CAFile != "" {
		if err := fileExists("upstream ca_file", c.Upstream.CAFile); err != nil {
			errs = append(errs, err)
		}
	}
	switch c.Cache.Provider {
	case ProviderMemory, ProviderSQLite:
	default:
		errs = append(errs, fmt.Errorf("unknown cache provider %q", c.Cache.Provider))
	}
	if c.Refresh.Retries < 0 {
		errs = append(errs, errors.New("refresh retries must not be negative"))
	}
	if c.Refresh.RetryDelay < 0 {
		errs = append(errs, errors.New("refresh retry_delay must not be negative"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("max_body_bytes must be > 0"))
	}
	if _, err := ttlpolicy.New(c.Policy); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// PolicyTable builds the TTL table from the configured rules.
func (c Config) PolicyTable() (*ttlpolicy.Table, error) {
	return ttlpolicy.New(c.Policy)
}

// RootCAs returns the pool of the configured CA file, or nil for the system roots.
func (c Config) RootCAs() (*x509.CertPool, error) {
	if c.Upstream.CAFile == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(c.Upstream.CAFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", c.Upstream.CAFile)
	}
	return pool, nil
}

func fileExists(what, filename string) error {
	if filename == "" {
		return fmt.Errorf("%s is not set", what)
	}
	if _, err := os.Stat(filename); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}
