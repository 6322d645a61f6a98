package main

import (
	"log/slog"
	"net"
	"slices"
	"strings"

	"github.com/wilsonzlin/aero/proxy/udp-fanout-relay/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if !isLoopbackHost(cfg.BindHost) {
		logger.Warn("startup security warning: relay forwards datagrams from any unauthenticated sender reachable on the bind address",
			"warning_code", "open_relay_non_loopback_bind",
			"bind_host", cfg.BindHost,
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxConsecutiveReceiveErrors == 0 {
		logger.Warn("startup warning: MAX_CONSECUTIVE_RECEIVE_ERRORS=0 keeps receiving on a failing socket forever",
			"warning_code", "receive_errors_never_fatal",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxPacketsPerSecondPerPeer <= 0 {
		logger.Warn("startup security warning: MAX_PPS_PER_PEER is unset/0 (unlimited) while --mode=prod; every datagram is amplified to all peers",
			"warning_code", "peer_rate_unlimited_in_prod",
			"max_pps_per_peer", cfg.MaxPacketsPerSecondPerPeer,
			"mode", cfg.Mode,
		)
	}

	if cfg.WSEnabled {
		host, _, err := net.SplitHostPort(cfg.HTTPListenAddr)
		if err != nil || !isLoopbackHost(host) {
			logger.Warn("startup security warning: /ws accepts unauthenticated browser peers on a non-loopback listener",
				"warning_code", "ws_non_loopback_listener",
				"http_listen_addr", cfg.HTTPListenAddr,
				"mode", cfg.Mode,
			)
		}
	}
}

func isLoopbackHost(host string) bool {
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
