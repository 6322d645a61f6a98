package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/udp-fanout-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/udp-fanout-relay/internal/discovery"
	"github.com/wilsonzlin/aero/proxy/udp-fanout-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/udp-fanout-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/udp-fanout-relay/internal/relay"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

// run returns the process exit code: 0 after a clean shutdown (or -h), 2 for
// invalid configuration, 1 when the relay cannot bind or fails while running.
func run(ctx context.Context, args []string, stderr io.Writer) int {
	cfg, err := config.Load(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 2
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-udp-fanout-relay",
		"bind_addr", cfg.BindAddr(),
		"http_listen_addr", cfg.HTTPListenAddr,
		"mode", cfg.Mode,
		"max_datagram_bytes", cfg.MaxDatagramBytes,
		"max_consecutive_receive_errors", cfg.MaxConsecutiveReceiveErrors,
		"max_pps_per_peer", cfg.MaxPacketsPerSecondPerPeer,
		"ws_enabled", cfg.WSEnabled,
		"mdns_enabled", cfg.MDNSEnabled,
	)
	logStartupSecurityWarnings(logger, cfg)

	m := metrics.New()
	m.Registry().MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	r, err := relay.New(relayConfig(cfg), nil, m, logger)
	if err != nil {
		logger.Error("failed to bind relay", "err", err)
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer r.Close()
	logger.Info("relay started", "addr", r.LocalAddr().String())

	var ws *relay.WebSocketEndpoint
	if cfg.WSEnabled {
		ws = relay.NewWebSocketEndpoint(webSocketConfig(cfg), m, logger)
		if err := r.AddEndpoint(relay.EndpointWebSocket, ws); err != nil {
			logger.Error("failed to attach /ws endpoint", "err", err)
			return 1
		}
	}

	var (
		srv *httpserver.Server
		ln  net.Listener
	)
	if cfg.HTTPListenAddr != "" {
		ln, err = net.Listen("tcp", cfg.HTTPListenAddr)
		if err != nil {
			logger.Error("failed to listen", "err", err)
			return 1
		}
		commit, built := resolveBuildInfo(buildCommit, buildTime)
		srv = httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, r)
		srv.Mux().Handle("GET /metrics", m.Handler())
		if ws != nil {
			srv.Mux().Handle("GET /ws", ws)
		}
	}

	if cfg.MDNSEnabled {
		adv, err := advertise(cfg.MDNSInstance, r.LocalAddr())
		if err != nil {
			logger.Warn("mdns advertisement failed", "err", err)
		} else {
			defer adv.Close()
			svc := adv.Service()
			logger.Info("mdns advertising", "service", svc.Type.Name, "instance", svc.Name, "port", svc.Port)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := r.Run(gctx); err != nil {
			return err
		}
		if ctx.Err() == nil && gctx.Err() == nil {
			return errors.New("relay stopped unexpectedly")
		}
		return nil
	})
	if srv != nil {
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("http server shutdown failed", "err", err)
			}
			return nil
		})
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
	}()

	if err := g.Wait(); err != nil {
		logger.Error("relay exited", "err", err)
		return 1
	}
	logger.Info("shutdown complete", "peers", len(r.Peers()))
	return 0
}

func relayConfig(cfg config.Config) relay.Config {
	return relay.Config{
		BindHost:                    cfg.BindHost,
		BindPort:                    cfg.BindPort,
		MaxDatagramBytes:            cfg.MaxDatagramBytes,
		MaxConsecutiveReceiveErrors: cfg.MaxConsecutiveReceiveErrors,
		MaxPacketsPerSecondPerPeer:  cfg.MaxPacketsPerSecondPerPeer,
	}
}

func webSocketConfig(cfg config.Config) relay.WebSocketConfig {
	return relay.WebSocketConfig{
		MaxDatagramBytes: cfg.MaxDatagramBytes,
		SendQueueBytes:   cfg.WSSendQueueBytes,
		IdleTimeout:      cfg.WSIdleTimeout,
		PingInterval:     cfg.WSPingInterval,
		AllowedOrigins:   cfg.AllowedOrigins,
	}
}

func advertise(instance string, addr net.Addr) (*discovery.Advertiser, error) {
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	return discovery.Advertise(instance, port)
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
