package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggst-tools/ggproxy"
	"github.com/ggst-tools/ggproxy/cache"
	"github.com/ggst-tools/ggproxy/pkg/config"
	"github.com/ggst-tools/ggproxy/pkg/forwarder"
	"github.com/ggst-tools/ggproxy/pkg/resolver"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	listenFlag         string
	adminFlag          string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set at build time
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file (.yaml or .toml)")
	flag.StringVar(&listenFlag, "listen", "", "Address to listen on (overrides config)")
	flag.StringVar(&adminFlag, "admin", "", "Admin address to listen on (overrides config)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	cfg, err := config.Load(configFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	if listenFlag != "" {
		cfg.Listen = listenFlag
	}
	if adminFlag != "" {
		cfg.AdminListen = adminFlag
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}
	policy, err := cfg.PolicyTable()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid policy")
	}
	roots, err := cfg.RootCAs()
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load upstream CA file")
	}

	// resolve the upstream once, the proxy cannot work without it
	var res resolver.Resolver
	if cfg.Upstream.Address != "" {
		res = resolver.Static(cfg.Upstream.Address)
	} else {
		res = resolver.NewDNS(resolver.Config{
			Name:   cfg.Upstream.Host,
			Server: cfg.Upstream.DNSServer,
			Port:   cfg.Upstream.Port,
		})
	}
	addr, err := res.Resolve(context.Background())
	if err != nil {
		log.Fatal().Err(err).Str("host", cfg.Upstream.Host).Msg("Could not resolve upstream")
	}

	provider, err := newProvider(cfg.Cache)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not set up cache provider")
	}

	proxy := ggproxy.CreateProxy(ggproxy.Config{
		Cache:  provider,
		Policy: policy,
		Forwarder: forwarder.New(forwarder.Config{
			Resolver: res,
			Host:     cfg.Upstream.Host,
			Timeout:  cfg.Upstream.Timeout,
			RootCAs:  roots,
		}),
		RefreshRetries:    cfg.Refresh.Retries,
		RefreshRetryDelay: cfg.Refresh.RetryDelay,
		MaxBodyBytes:      cfg.MaxBodyBytes,
	})

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           proxy.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	var admin *http.Server
	if cfg.AdminListen != "" {
		admin = &http.Server{
			Addr:              cfg.AdminListen,
			Handler:           proxy.AdminHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Msgf("Admin listening on %s", cfg.AdminListen)
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal().Err(err).Msg("Admin server failed")
			}
		}()
	}

	go func() {
		log.Info().Msgf("Proxying %s to %s (with hostname '%s')", cfg.Listen, addr, cfg.Upstream.Host)
		if err := server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// wait for a signal, then stop accepting requests and let refreshes finish
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Could not shut down server")
	}
	if admin != nil {
		if err := admin.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Could not shut down admin server")
		}
	}
	if err := proxy.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Background refreshes did not finish")
	}
	if err := proxy.Store().Close(); err != nil {
		log.Error().Err(err).Msg("Could not close cache provider")
	}
}

func newProvider(cfg config.Cache) (cache.CacheProvider, error) {
	switch cfg.Provider {
	case config.ProviderSQLite:
		return cache.NewSQLiteCache(cfg.SQLitePath)
	default:
		return cache.NewMemCache(), nil
	}
}
