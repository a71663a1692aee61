package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/can-relay/internal/link"
	"github.com/kstaniek/can-relay/internal/metrics"
)

func main() {
	cfg, showVersion, err := parseFlags(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if showVersion {
		fmt.Printf("can-relay %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel, os.Stderr)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, l); err != nil {
		l.Error("relay_exit", "error", err)
		os.Exit(1)
	}
	l.Info("shutdown_complete")
}

// run opens the bus and link, starts the optional tap, metrics and mDNS
// services, and drives the relay until ctx is done.
func run(ctx context.Context, cfg *appConfig, l *slog.Logger) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	drv, err := initCAN(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer func() { _ = drv.Close() }()
	lnk, err := initLink(ctx, cfg, l)
	if err != nil {
		return fmt.Errorf("link init: %w", err)
	}
	defer func() { _ = lnk.Close() }()

	h, tapSrv := initTap(cfg, l)
	n, err := newNode(cfg, drv, lnk, h, l)
	if err != nil {
		return err
	}
	if tapSrv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tapSrv.Serve(ctx); err != nil {
				l.Error("tap_server_error", "error", err)
			}
		}()
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), time.Second)
			defer scancel()
			_ = tapSrv.Shutdown(sctx)
		}()
	}

	if cfg.mdnsEnable {
		if u, ok := lnk.(*link.UDP); ok {
			port := u.LocalAddr().Port
			cleanup, err := startMDNS(ctx, cfg, port)
			if err != nil {
				l.Warn("mdns_start_failed", "error", err)
			} else {
				l.Info("mdns_started", "service", mdnsServiceType, "name", mdnsInstance(cfg), "port", port)
				defer cleanup()
			}
		} else {
			l.Warn("mdns_skipped", "reason", "link is not udp", "link", cfg.link)
		}
	}

	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil && n.ready() })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}
	return n.run(ctx)
}
