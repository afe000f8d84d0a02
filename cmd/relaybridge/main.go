package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaybridge/relaybridge/internal/config"
	"github.com/relaybridge/relaybridge/pkg/cache"
	"github.com/relaybridge/relaybridge/pkg/cert"
	"github.com/relaybridge/relaybridge/pkg/dnshijack"
	"github.com/relaybridge/relaybridge/pkg/exchange"
	"github.com/relaybridge/relaybridge/pkg/fetcher"
	"github.com/relaybridge/relaybridge/pkg/front"
	"github.com/relaybridge/relaybridge/pkg/logger"
	"github.com/relaybridge/relaybridge/pkg/session"
	"github.com/relaybridge/relaybridge/pkg/tunnel"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "relaybridge",
		Short: "RelayBridge - file-exchange HTTP relay for split networks",
		Long: `RelayBridge bridges a browser and the open internet across two machines
that share no direct network path, only a file exchange (local directory
or SSH). The front proxy serves the browser and writes request
descriptors; the fetcher picks them up on the connected machine, performs
the real HTTP(S) requests, and ships the responses back as files.

Examples:
  # Fetcher on the connected machine, exchanging over SSH
  relaybridge fetcher --exchange-dir /tmp/relay \
    --peer-host front.example --peer-user relay --peer-key ~/.ssh/id_ed25519 \
    --peer-base /tmp/relay

  # Front proxy on the isolated machine, browser pointed at :8080
  relaybridge front --exchange-dir /tmp/relay --listen-port 8080 \
    --relay-domain example.com --ignore-domain doubleclick.net

  # Same-machine smoke test over a shared directory
  relaybridge fetcher --exchange-dir /tmp/relay --peer-base /tmp/relay`,
		Version:      version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newFrontCmd(), newFetcherCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func frontDefaults() config.Front {
	return config.Front{
		ListenPort:   8080,
		PollTimeout:  45 * time.Second,
		CacheEnabled: true,
		CacheEntries: 200,
		CacheMaxAge:  time.Hour,
		DNSPort:      53,
		PeerPort:     22,
		LogLevel:     "info",
	}
}

func newFrontCmd() *cobra.Command {
	cfg := frontDefaults()
	var (
		configFile     string
		pollTimeoutSec int
	)

	cmd := &cobra.Command{
		Use:   "front",
		Short: "Run the browser-facing proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.PollTimeout = time.Duration(pollTimeoutSec) * time.Second
			if configFile != "" {
				fc, err := config.LoadFile(configFile)
				if err != nil {
					return err
				}
				cfg.MergeFront(fc, frontDefaults())
			}
			if err := validateFront(&cfg); err != nil {
				return err
			}
			return runFront(cfg)
		},
	}

	f := cmd.Flags()
	f.IntVar(&cfg.ListenPort, "listen-port", cfg.ListenPort, "Proxy listen port (binds 127.0.0.1)")
	f.StringVar(&cfg.ExchangeDir, "exchange-dir", "", "Exchange directory root (required)")
	f.StringSliceVar(&cfg.Rules.RelayDomains, "relay-domain", nil, "Domain relayed through the file exchange (can be repeated)")
	f.StringSliceVar(&cfg.Rules.IgnoreDomains, "ignore-domain", nil, "Domain answered with an empty success (can be repeated)")
	f.StringSliceVar(&cfg.Rules.SecureDomains, "secure-domain", nil, "Domain always upgraded to https (can be repeated)")
	f.IntVar(&pollTimeoutSec, "poll-timeout", 45, "Seconds to wait for a relayed response")
	f.BoolVar(&cfg.CacheEnabled, "cache", cfg.CacheEnabled, "Serve static assets from the local cache")
	f.IntVar(&cfg.CacheEntries, "cache-entries", cfg.CacheEntries, "Static asset cache capacity")
	f.DurationVar(&cfg.CacheMaxAge, "cache-max-age", cfg.CacheMaxAge, "Static asset cache entry lifetime")
	f.StringVar(&cfg.CADir, "ca-dir", "", "Certificate authority directory (default: <exchange-dir>/ca)")
	f.BoolVar(&cfg.DNSEnabled, "dns", false, "Run the DNS steering server for proxy-less clients")
	f.IntVar(&cfg.DNSPort, "dns-port", cfg.DNSPort, "DNS steering server port")
	f.StringVar(&cfg.DNSAnswer, "dns-answer", "", "IP answered for relay domains (required with --dns)")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	f.StringVar(&configFile, "config", "", "JSON config file (flags take precedence)")

	return cmd
}

func validateFront(cfg *config.Front) error {
	if cfg.ExchangeDir == "" {
		return fmt.Errorf("--exchange-dir is required")
	}
	if cfg.ListenPort <= 0 || cfg.ListenPort > 65535 {
		return fmt.Errorf("invalid listen port %d", cfg.ListenPort)
	}
	if cfg.DNSEnabled && cfg.DNSAnswer == "" {
		return fmt.Errorf("--dns requires --dns-answer")
	}
	if cfg.CADir == "" {
		cfg.CADir = filepath.Join(cfg.ExchangeDir, "ca")
	}
	return nil
}

func runFront(cfg config.Front) error {
	log := logger.New(cfg.LogLevel)
	log.Info("relaybridge front v%s starting", version)

	dirs, err := exchange.NewDirs(cfg.ExchangeDir)
	if err != nil {
		return fmt.Errorf("prepare exchange directories: %w", err)
	}

	ca, err := cert.New(cfg.CADir)
	if err != nil {
		return fmt.Errorf("initialize CA: %w", err)
	}
	log.Info("CA certificate at %s (import it into the browser for https relay)", ca.CertPath())

	pipeline := front.NewPipeline(cfg, dirs, log)
	static := cache.NewStaticAssetCache(cfg.CacheEntries, cfg.CacheMaxAge)
	adapter := tunnel.NewAdapter(ca, pipeline, log)
	server := front.NewServer(cfg, pipeline, static, adapter, log)

	if err := server.Start(); err != nil {
		return err
	}

	var dnsSrv *dnshijack.Server
	if cfg.DNSEnabled {
		dnsSrv, err = dnshijack.NewServer("0.0.0.0", cfg.DNSPort, cfg.DNSAnswer, cfg.Rules, log)
		if err != nil {
			server.Stop()
			return fmt.Errorf("dns steering: %w", err)
		}
		if err := dnsSrv.Start(); err != nil {
			server.Stop()
			return fmt.Errorf("dns steering: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	go exchange.NewSweeper(dirs, 0, log).Run(ctx)

	waitForSignal(log)
	cancel()
	if dnsSrv != nil {
		dnsSrv.Stop()
	}
	server.Stop()
	log.Info("front proxy stopped")
	return nil
}

func fetcherDefaults() config.Fetcher {
	return config.Fetcher{
		PollInterval:    time.Second,
		Workers:         6,
		InlineThreshold: 1024,
		RequestTimeout:  30 * time.Second,
		CacheEnabled:    true,
		CacheEntries:    128,
		CacheMaxAge:     10 * time.Minute,
		PeerPort:        22,
		LogLevel:        "info",
	}
}

func newFetcherCmd() *cobra.Command {
	cfg := fetcherDefaults()
	var (
		configFile     string
		pollIntervalMS int
	)

	cmd := &cobra.Command{
		Use:   "fetcher",
		Short: "Run the upstream-facing fetcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.PollInterval = time.Duration(pollIntervalMS) * time.Millisecond
			if configFile != "" {
				fc, err := config.LoadFile(configFile)
				if err != nil {
					return err
				}
				cfg.MergeFetcher(fc, fetcherDefaults())
			}
			if err := validateFetcher(&cfg); err != nil {
				return err
			}
			return runFetcher(cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.ExchangeDir, "exchange-dir", "", "Local exchange directory root (required)")
	f.StringVar(&cfg.PeerHost, "peer-host", "", "Front proxy host for the ssh channel (empty: shared directory)")
	f.IntVar(&cfg.PeerPort, "peer-port", cfg.PeerPort, "SSH port on the front proxy host")
	f.StringVar(&cfg.PeerUser, "peer-user", "", "SSH user on the front proxy host")
	f.StringVar(&cfg.PeerKeyFile, "peer-key", "", "SSH private key file (default: ssh-agent)")
	f.StringVar(&cfg.PeerBaseDir, "peer-base", "", "Exchange directory root on the peer (required)")
	f.IntVar(&pollIntervalMS, "poll-interval", 1000, "Milliseconds between request sweeps")
	f.IntVar(&cfg.Workers, "workers", cfg.Workers, "Parallel upstream fetches per priority tier")
	f.IntVar(&cfg.InlineThreshold, "inline-threshold", cfg.InlineThreshold, "Largest body embedded in the response descriptor (bytes)")
	f.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "Upstream request timeout")
	f.BoolVar(&cfg.InsecureUpstream, "insecure-upstream", false, "Skip upstream certificate verification (dangerous)")
	f.BoolVar(&cfg.CacheEnabled, "cache", cfg.CacheEnabled, "Answer repeat GETs from the response cache")
	f.IntVar(&cfg.CacheEntries, "cache-entries", cfg.CacheEntries, "Response cache capacity")
	f.DurationVar(&cfg.CacheMaxAge, "cache-max-age", cfg.CacheMaxAge, "Response cache entry lifetime")
	f.StringVar(&cfg.AuthDomainSuffix, "auth-domain", "", "Domain suffix whose auth headers are persisted across runs")
	f.BoolVar(&cfg.ResetCookies, "reset-cookies", false, "Discard the persisted cookie jar at startup")
	f.BoolVar(&cfg.NoCookies, "no-cookies", false, "Disable cookie handling entirely")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	f.StringVar(&configFile, "config", "", "JSON config file (flags take precedence)")

	return cmd
}

func validateFetcher(cfg *config.Fetcher) error {
	if cfg.ExchangeDir == "" {
		return fmt.Errorf("--exchange-dir is required")
	}
	if cfg.PeerBaseDir == "" {
		return fmt.Errorf("--peer-base is required")
	}
	if cfg.PeerHost != "" && cfg.PeerUser == "" {
		return fmt.Errorf("--peer-host requires --peer-user")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("--workers must be positive")
	}
	return nil
}

func runFetcher(cfg config.Fetcher) error {
	log := logger.New(cfg.LogLevel)
	log.Info("relaybridge fetcher v%s starting", version)
	if cfg.InsecureUpstream {
		log.Warn("upstream certificate verification DISABLED")
	}

	dirs, err := exchange.NewDirs(cfg.ExchangeDir)
	if err != nil {
		return fmt.Errorf("prepare exchange directories: %w", err)
	}

	ch, err := openChannel(cfg)
	if err != nil {
		return err
	}
	defer ch.Close()
	if err := exchange.Test(ch); err != nil {
		return fmt.Errorf("channel connectivity test failed: %w", err)
	}
	log.Info("exchange channel ready")

	jar, err := session.NewCookieJar(filepath.Join(dirs.Cache, "cookies.json"), log)
	if err != nil {
		return fmt.Errorf("open cookie jar: %w", err)
	}
	if cfg.ResetCookies {
		if err := jar.Reset(); err != nil {
			return fmt.Errorf("reset cookie jar: %w", err)
		}
		log.Info("cookie jar reset")
	}

	var auth session.AuthStore = session.NopAuthStore{}
	if cfg.AuthDomainSuffix != "" {
		auth, err = session.NewFileAuthStore(filepath.Join(dirs.Cache, "auth_state.json"), cfg.AuthDomainSuffix, log)
		if err != nil {
			return fmt.Errorf("open auth store: %w", err)
		}
	}

	f := fetcher.New(cfg, dirs, ch, jar, auth, log)

	ctx, cancel := context.WithCancel(context.Background())
	go exchange.NewSweeper(dirs, 0, log).Run(ctx)
	go func() {
		waitForSignal(log)
		cancel()
	}()

	if err := f.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	log.Info("fetcher stopped")
	return nil
}

func openChannel(cfg config.Fetcher) (exchange.Channel, error) {
	if cfg.PeerHost == "" {
		return exchange.NewLocalChannel(cfg.PeerBaseDir), nil
	}
	return exchange.DialSSH(exchange.SSHConfig{
		Host:     cfg.PeerHost,
		Port:     cfg.PeerPort,
		User:     cfg.PeerUser,
		KeyFile:  cfg.PeerKeyFile,
		PeerBase: cfg.PeerBaseDir,
	})
}

func waitForSignal(log logger.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received %s, shutting down", sig)
}
