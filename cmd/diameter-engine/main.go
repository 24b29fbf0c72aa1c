package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hsdfat/diam-engine/internal/config"
	"github.com/hsdfat/diam-engine/pkg/admin"
	"github.com/hsdfat/diam-engine/pkg/capture"
	"github.com/hsdfat/diam-engine/pkg/connection"
	"github.com/hsdfat/diam-engine/pkg/dict"
	"github.com/hsdfat/diam-engine/pkg/logger"
	"github.com/hsdfat/diam-engine/pkg/manager"
	"github.com/hsdfat/diam-engine/pkg/metrics"
	"github.com/hsdfat/diam-engine/pkg/router"
	"github.com/hsdfat/diam-engine/pkg/transaction"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: search config.yaml)")
	logLevel := flag.String("log-level", "", "Override log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	log := logger.NewWithOptions(cfg.LoggerOptions("diam-engine"))
	if err := run(cfg, log); err != nil {
		log.Errorw("Engine stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log logger.Logger) error {
	log.Infow("Starting Diameter engine",
		"origin_host", cfg.Node.OriginHost,
		"origin_realm", cfg.Node.OriginRealm,
		"listen", cfg.Listen.Address,
		"peers", len(cfg.Peers))

	d := dict.Default()
	collector := metrics.New(cfg.Metrics.Namespace)
	tracker := transaction.New(d, log)

	taps := []connection.Tap{collector}
	if cfg.Capture.Enabled {
		pcap, err := capture.Create(cfg.Capture.File, log)
		if err != nil {
			return fmt.Errorf("open capture file: %w", err)
		}
		defer func() {
			if err := pcap.Close(); err != nil {
				log.Warnw("Failed to close capture file", "error", err)
			}
		}()
		taps = append(taps, pcap)
		log.Infow("Capturing frames", "file", cfg.Capture.File)
	}

	mc := cfg.ToManager(log)
	mc.Peer.Transport.Dictionary = d
	mc.Peer.Transport.Tap = connection.TapFunc(func(f connection.Frame) {
		for _, t := range taps {
			t.Frame(f)
		}
	})
	mc.OnStateChange = collector.PeerStateChanged

	mgr, err := manager.New(mc)
	if err != nil {
		return fmt.Errorf("create peer manager: %w", err)
	}

	rt := router.New(mgr, cfg.ToRouter(log))
	rt.Use(router.RecoveryMiddleware(log), router.LoggingMiddleware(log), router.MetricsMiddleware(collector))
	if cfg.Router.RateLimit > 0 {
		rt.Use(router.RateLimitMiddleware(cfg.Router.RateLimit, cfg.Router.RateBurst, log))
	}
	if cfg.Router.HandlerTimeout > 0 {
		rt.Use(router.TimeoutMiddleware(cfg.Router.HandlerTimeout, log))
	}
	if cfg.Router.ValidateRequests {
		rt.Use(router.ValidationMiddleware(d, log))
	}
	rt.Observe(collector)
	rt.Observe(tracker)
	collector.WatchRouter(cfg.Metrics.Namespace, rt.Stats)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := mgr.Start(ctx, rt); err != nil {
		return fmt.Errorf("start peer manager: %w", err)
	}
	if addr := mgr.Addr(); addr != nil {
		log.Infow("Accepting peer connections", "address", addr.String())
	}

	var srv *http.Server
	if cfg.Metrics.Enabled {
		srv = &http.Server{
			Addr: cfg.Metrics.Address,
			Handler: admin.New(admin.Config{
				Peers:        mgr,
				Router:       rt.Stats,
				Transactions: tracker.Summary,
				Metrics:      collector.Handler(),
				Logger:       log,
			}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Infow("Admin server listening", "address", cfg.Metrics.Address)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorw("Admin server failed", "error", err)
			}
		}()
	}

	<-ctx.Done()
	log.Infow("Shutdown signal received, disconnecting peers...")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Timers.Disconnect+5*time.Second)
	defer stopCancel()
	if srv != nil {
		if err := srv.Shutdown(stopCtx); err != nil {
			log.Warnw("Admin server shutdown", "error", err)
		}
	}
	stopErr := mgr.Stop(stopCtx)
	rt.Close()

	fmt.Print(metrics.FormatMetrics("Inbound", collector.In))
	fmt.Print(metrics.FormatMetrics("Outbound", collector.Out))
	if err := tracker.Report(os.Stdout); err != nil {
		log.Warnw("Failed to write transaction report", "error", err)
	}

	if stopErr != nil {
		return fmt.Errorf("stop peer manager: %w", stopErr)
	}
	log.Infow("Diameter engine stopped")
	return nil
}
