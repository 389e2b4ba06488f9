// Command kiro-proxy starts the Anthropic-to-Kiro translating HTTP proxy:
// it loads the JSON config and credentials files, wires the credential pool,
// token manager, retry engine, and executor together, and serves the HTTP
// API until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/huazz233/kiro-proxy/internal/api"
	"github.com/huazz233/kiro-proxy/internal/config"
	"github.com/huazz233/kiro-proxy/internal/converter"
	"github.com/huazz233/kiro-proxy/internal/executor"
	"github.com/huazz233/kiro-proxy/internal/logging"
	"github.com/huazz233/kiro-proxy/internal/pool"
	"github.com/huazz233/kiro-proxy/internal/token"
	"github.com/sirupsen/logrus"
)

// balanceCheckInterval is how often the background refresher looks for
// credentials whose cached balance has outlived its TTL. The TTL itself is
// per-credential and usage-derived (10 min / 30 min / 24 h tiers); this
// interval only bounds how promptly an expiry is noticed.
const balanceCheckInterval = time.Minute

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	var credentialsPath string
	flag.StringVar(&configPath, "config", "config.json", "path to the JSON config file")
	flag.StringVar(&credentialsPath, "credentials", "credentials.json", "path to the JSON credentials file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	log := logging.New(logging.Options{LogFile: cfg.LogFile, SensitiveLogs: cfg.SensitiveLogs})

	records, err := config.LoadCredentialsFile(credentialsPath)
	if err != nil {
		log.WithError(err).Error("failed to load credentials file")
		return 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer := pool.NewWriter(ctx, credentialsPath, log)
	defer writer.Close()

	p := pool.New(pool.ModePriority, writer, log)
	if err := p.LoadRecords(records); err != nil {
		log.WithError(err).Error("failed to load credential records")
		return 2
	}
	if cfg.CredentialRPM > 0 {
		p.SetDefaultRPM(cfg.CredentialRPM)
	}

	engine := pool.NewEngine(p, log)
	tokens := token.New(p, &http.Client{Timeout: 15 * time.Second}, log)
	ex := executor.New(engine, tokens, upstreamClient(cfg), log, compressionOptionsFrom(cfg))

	p.RunAutoHeal(ctx)
	p.RunInitialBalanceSweep(ctx, ex.QueryBalance)
	runPeriodicBalanceRefresh(ctx, p, ex, log)

	server := api.NewServer(cfg, p, ex, log)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			log.WithError(err).Error("server exited with error")
			return 1
		}
		return 0
	case <-sigCh:
		log.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Stop(shutdownCtx); err != nil {
			log.WithError(err).Error("graceful shutdown failed")
			return 1
		}
		return 0
	}
}

// runPeriodicBalanceRefresh starts a background goroutine that refreshes
// each credential's balance as its cache entry expires, keeping the
// selection algorithm's balance tie-break fresh without re-querying
// credentials whose TTL has not elapsed.
func runPeriodicBalanceRefresh(ctx context.Context, p *pool.Pool, ex *executor.Executor, log *logrus.Logger) {
	ticker := time.NewTicker(balanceCheckInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.RunDueBalanceSweep(ctx, ex.QueryBalance)
			}
		}
	}()
}

// upstreamClient builds the Kiro-facing HTTP client: connect and
// response-header timeouts are bounded, but there is no whole-request
// timeout — a streaming response may legitimately run for minutes.
func upstreamClient(cfg *config.Config) *http.Client {
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       120 * time.Second,
	}
	if cfg.Proxy != nil && cfg.Proxy.URL != "" {
		if proxyURL, err := url.Parse(cfg.Proxy.URL); err == nil {
			if cfg.Proxy.Username != "" {
				proxyURL.User = url.UserPassword(cfg.Proxy.Username, cfg.Proxy.Password)
			}
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	return &http.Client{Transport: transport}
}

func compressionOptionsFrom(cfg *config.Config) converter.CompressionOptions {
	opts := converter.DefaultCompressionOptions()
	opts.Enabled = cfg.Compression.IsEnabled()
	opts.ThinkingStrategy = cfg.Compression.ThinkingStrategy()
	opts.ThinkingMaxChars = cfg.Compression.GetThinkingMaxChars()
	return opts
}
