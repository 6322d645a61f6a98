// Command relay-server-go runs a fan-out relay on loopback for end-to-end
// tests. It prints "READY <udp-port> <http-port>" once both listeners are up.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/udp-fanout-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/udp-fanout-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/udp-fanout-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/udp-fanout-relay/internal/relay"
)

func main() {
	bindHost := envOrDefault("BIND_HOST", "127.0.0.1")
	udpPort := envIntOrDefault("PORT", 0)
	httpPort := envIntOrDefault("HTTP_PORT", 0)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	m := metrics.New()

	r, err := relay.New(relay.Config{
		BindHost:                    bindHost,
		BindPort:                    udpPort,
		MaxConsecutiveReceiveErrors: relay.DefaultMaxConsecutiveReceiveErrors,
	}, nil, m, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Accept all origins for E2E.
	ws := relay.NewWebSocketEndpoint(relay.WebSocketConfig{AllowedOrigins: []string{"*"}}, m, logger)
	if err := r.AddEndpoint(relay.EndpointWebSocket, ws); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	listenAddr := net.JoinHostPort(bindHost, strconv.Itoa(httpPort))
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen %s: %v\n", listenAddr, err)
		os.Exit(1)
	}

	cfg := config.Config{HTTPListenAddr: listenAddr, AllowedOrigins: []string{"*"}}
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: "e2e"}, r)
	srv.Mux().Handle("GET /ws", ws)
	srv.Mux().Handle("GET /metrics", m.Handler())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Run(gctx) })
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	actualUDP := r.LocalAddr().(*net.UDPAddr).Port
	actualHTTP := ln.Addr().(*net.TCPAddr).Port
	fmt.Printf("READY %d %d\n", actualUDP, actualHTTP)

	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "relay error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return fallback
}
