package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hsdfat/diam-engine/pkg/connection"
	"github.com/hsdfat/diam-engine/pkg/dict"
	"github.com/hsdfat/diam-engine/pkg/loadgen"
	"github.com/hsdfat/diam-engine/pkg/logger"
	"github.com/hsdfat/diam-engine/pkg/manager"
	"github.com/hsdfat/diam-engine/pkg/message"
	"github.com/hsdfat/diam-engine/pkg/peer"
	"github.com/hsdfat/diam-engine/pkg/router"
)

var (
	listen      = flag.String("listen", "", "Address to accept peers on (empty disables)")
	peers       = flag.String("peers", "", "Comma-separated peers to connect to (host:port)")
	originHost  = flag.String("origin-host", "sim.example.com", "Origin-Host")
	originRealm = flag.String("origin-realm", "example.com", "Origin-Realm")
	destRealm   = flag.String("dest-realm", "example.com", "Destination-Realm of generated requests")
	destHost    = flag.String("dest-host", "", "Destination-Host of generated requests (optional)")
	respond     = flag.Bool("respond", true, "Answer S6a AIR and ULR with DIAMETER_SUCCESS")
	airRate     = flag.Float64("air-rate", 0, "AIR requests per second")
	ulrRate     = flag.Float64("ulr-rate", 0, "ULR requests per second")
	duration    = flag.Duration("duration", time.Minute, "Load duration")
	rampUp      = flag.Duration("ramp-up", 0, "Linear ramp-up time")
	inFlight    = flag.Int("in-flight", 100, "Maximum outstanding requests per stream")
	timeout     = flag.Duration("timeout", 5*time.Second, "Request timeout")
	dwrInterval = flag.Duration("dwr-interval", 30*time.Second, "Device Watchdog Request interval")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	log := logger.New("diam-sim", *logLevel)
	if err := run(log); err != nil {
		log.Errorw("Simulator failed", "error", err)
		os.Exit(1)
	}
}

func run(log logger.Logger) error {
	d := dict.Default()

	pc := peer.DefaultConfig()
	pc.OriginHost = *originHost
	pc.OriginRealm = *originRealm
	pc.ProductName = "diam-sim"
	pc.AuthApplicationIDs = []uint32{message.AppS6a}
	pc.WatchdogInterval = *dwrInterval
	pc.Logger = log
	pc.Transport = &connection.Config{Dictionary: d, Logger: log}

	mc := manager.DefaultConfig()
	mc.Peer = pc
	mc.Logger = log
	mc.ListenAddress = *listen
	for _, addr := range strings.Split(*peers, ",") {
		if addr = strings.TrimSpace(addr); addr == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("invalid peer address %q: %w", addr, err)
		}
		mc.Peers = append(mc.Peers, manager.PeerConfig{Address: addr})
	}

	mgr, err := manager.New(mc)
	if err != nil {
		return err
	}
	rt := router.New(mgr, &router.Config{
		OriginHost:     *originHost,
		OriginRealm:    *originRealm,
		RequestTimeout: *timeout,
		Logger:         log,
	})
	rt.Use(router.RecoveryMiddleware(log), router.ValidationMiddleware(d, log))
	if *respond {
		loadgen.Register(rt)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := mgr.Start(ctx, rt); err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := mgr.Stop(stopCtx); err != nil {
			log.Warnw("Peer manager stop", "error", err)
		}
		rt.Close()
	}()
	if addr := mgr.Addr(); addr != nil {
		log.Infow("Simulator listening", "address", addr.String())
	}

	id := loadgen.Identity{
		OriginHost:       *originHost,
		OriginRealm:      *originRealm,
		DestinationRealm: *destRealm,
		DestinationHost:  *destHost,
	}
	streams := []loadgen.Stream{
		{Name: "s6a-air", Rate: *airRate, Build: loadgen.AuthenticationInformation(d, id)},
		{Name: "s6a-ulr", Rate: *ulrRate, Build: loadgen.UpdateLocation(d, id)},
	}
	if *airRate <= 0 && *ulrRate <= 0 {
		<-ctx.Done()
		log.Infow("Shutdown signal received")
		return nil
	}

	if err := waitOpen(ctx, mgr, log); err != nil {
		return err
	}
	gen := loadgen.New(rt, loadgen.Config{
		Duration:       *duration,
		RampUp:         *rampUp,
		MaxInFlight:    *inFlight,
		ReportInterval: 10 * time.Second,
		Logger:         log,
	})
	report, err := gen.Run(ctx, streams...)
	if err != nil {
		return err
	}
	fmt.Print(report.Format())
	return nil
}

func waitOpen(ctx context.Context, mgr *manager.Manager, log logger.Logger) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for len(mgr.OpenPeers()) == 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	log.Infow("Peer open, starting load", "peers", len(mgr.OpenPeers()))
	return nil
}
