package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/udp-fanout-relay/internal/origin"
)

const (
	envVarBindHost        = "AERO_UDP_FANOUT_RELAY_BIND_HOST"
	envVarBindPort        = "AERO_UDP_FANOUT_RELAY_BIND_PORT"
	envVarHTTPListenAddr  = "AERO_UDP_FANOUT_RELAY_HTTP_LISTEN_ADDR"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "AERO_UDP_FANOUT_RELAY_LOG_FORMAT"
	envVarLogLevel        = "AERO_UDP_FANOUT_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "AERO_UDP_FANOUT_RELAY_SHUTDOWN_TIMEOUT"
	envVarMode            = "AERO_UDP_FANOUT_RELAY_MODE"

	// Relay loop knobs.
	envVarMaxDatagramBytes            = "MAX_DATAGRAM_BYTES"
	envVarMaxConsecutiveReceiveErrors = "MAX_CONSECUTIVE_RECEIVE_ERRORS"
	envVarMaxPacketsPerSecondPerPeer  = "MAX_PPS_PER_PEER"

	// WebSocket peers (/ws).
	envVarWSEnabled        = "WS_ENABLED"
	envVarWSSendQueueBytes = "WS_SEND_QUEUE_BYTES"
	envVarWSIdleTimeout    = "WS_IDLE_TIMEOUT"
	envVarWSPingInterval   = "WS_PING_INTERVAL"

	// mDNS advertisement.
	envVarMDNSEnabled  = "MDNS_ENABLED"
	envVarMDNSInstance = "MDNS_INSTANCE"

	DefaultBindHost                         = "0.0.0.0"
	DefaultBindPort                         = 3030
	DefaultHTTPListenAddr                   = "127.0.0.1:8080"
	DefaultShutdown                         = 15 * time.Second
	DefaultMode                        Mode = ModeDev
	DefaultMaxDatagramBytes                 = 2048
	DefaultMaxConsecutiveReceiveErrors      = 64
	DefaultWSSendQueueBytes                 = 256 << 10
	DefaultWSIdleTimeout                    = 60 * time.Second
	DefaultWSPingInterval                   = 20 * time.Second

	// maxUDPPayloadBytes is the largest payload an IPv4/IPv6 UDP datagram can
	// carry without jumbograms.
	maxUDPPayloadBytes = 65507
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	BindHost string
	BindPort int

	// HTTPListenAddr is the admin HTTP listen address. Empty disables the
	// admin server (and with it /ws and /metrics).
	HTTPListenAddr  string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	// MaxDatagramBytes is the largest payload the relay accepts per receive.
	// Larger datagrams are dropped rather than forwarded truncated.
	MaxDatagramBytes int
	// MaxConsecutiveReceiveErrors stops the relay after this many back-to-back
	// receive failures. 0 keeps receiving forever.
	MaxConsecutiveReceiveErrors int
	// MaxPacketsPerSecondPerPeer bounds inbound datagrams per sender.
	// 0 means unlimited.
	MaxPacketsPerSecondPerPeer int

	WSEnabled        bool
	WSSendQueueBytes int
	WSIdleTimeout    time.Duration
	WSPingInterval   time.Duration

	MDNSEnabled  bool
	MDNSInstance string
}

// BindAddr returns the UDP bind address in host:port form.
func (c Config) BindAddr() string {
	return net.JoinHostPort(c.BindHost, strconv.Itoa(c.BindPort))
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	bindHost := envOrDefault(lookup, envVarBindHost, DefaultBindHost)
	bindPort, err := envIntOrDefault(lookup, envVarBindPort, DefaultBindPort)
	if err != nil {
		return Config{}, err
	}
	httpListenAddr := DefaultHTTPListenAddr
	if raw, ok := lookup(envVarHTTPListenAddr); ok {
		// An explicitly empty value disables the admin server.
		httpListenAddr = strings.TrimSpace(raw)
	}
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")

	maxDatagramBytes, err := envIntOrDefault(lookup, envVarMaxDatagramBytes, DefaultMaxDatagramBytes)
	if err != nil {
		return Config{}, err
	}
	maxConsecutiveReceiveErrors, err := envIntOrDefault(lookup, envVarMaxConsecutiveReceiveErrors, DefaultMaxConsecutiveReceiveErrors)
	if err != nil {
		return Config{}, err
	}
	maxPacketsPerSecondPerPeer, err := envIntOrDefault(lookup, envVarMaxPacketsPerSecondPerPeer, 0)
	if err != nil {
		return Config{}, err
	}

	wsEnabled, err := envBoolOrDefault(lookup, envVarWSEnabled, false)
	if err != nil {
		return Config{}, err
	}
	wsSendQueueBytes, err := envIntOrDefault(lookup, envVarWSSendQueueBytes, DefaultWSSendQueueBytes)
	if err != nil {
		return Config{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}

	mdnsEnabled, err := envBoolOrDefault(lookup, envVarMDNSEnabled, false)
	if err != nil {
		return Config{}, err
	}
	mdnsInstance := envOrDefault(lookup, envVarMDNSInstance, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("aero-udp-fanout-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&bindHost, "bind-host", bindHost, "UDP bind host (env "+envVarBindHost+")")
	fs.IntVar(&bindPort, "bind-port", bindPort, "UDP bind port (env "+envVarBindPort+")")
	fs.StringVar(&httpListenAddr, "http-listen-addr", httpListenAddr, "Admin HTTP listen address; empty disables (env "+envVarHTTPListenAddr+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins for /ws and /peers (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.IntVar(&maxDatagramBytes, "max-datagram-bytes", maxDatagramBytes, "Max accepted datagram payload bytes; larger datagrams are dropped (env "+envVarMaxDatagramBytes+")")
	fs.IntVar(&maxConsecutiveReceiveErrors, "max-consecutive-receive-errors", maxConsecutiveReceiveErrors, "Stop after this many consecutive receive errors (0 = never; env "+envVarMaxConsecutiveReceiveErrors+")")
	fs.IntVar(&maxPacketsPerSecondPerPeer, "max-pps-per-peer", maxPacketsPerSecondPerPeer, "Inbound datagrams/sec per peer (0 = unlimited; env "+envVarMaxPacketsPerSecondPerPeer+")")

	fs.BoolVar(&wsEnabled, "ws-enabled", wsEnabled, "Accept WebSocket peers on GET /ws (env "+envVarWSEnabled+")")
	fs.IntVar(&wsSendQueueBytes, "ws-send-queue-bytes", wsSendQueueBytes, "Max queued outbound bytes per WebSocket peer before dropping (env "+envVarWSSendQueueBytes+")")
	fs.DurationVar(&wsIdleTimeout, "ws-idle-timeout", wsIdleTimeout, "Close idle WebSocket peers after this duration (env "+envVarWSIdleTimeout+")")
	fs.DurationVar(&wsPingInterval, "ws-ping-interval", wsPingInterval, "Ping WebSocket peers at this interval (must be < --ws-idle-timeout; env "+envVarWSPingInterval+")")

	fs.BoolVar(&mdnsEnabled, "mdns", mdnsEnabled, "Advertise the UDP endpoint over mDNS (env "+envVarMDNSEnabled+")")
	fs.StringVar(&mdnsInstance, "mdns-instance", mdnsInstance, "mDNS instance name (default: host name; env "+envVarMDNSInstance+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}

	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--allowed-origins: %w", envVarAllowedOrigins, err)
	}

	bindHost = strings.TrimSpace(bindHost)
	if bindHost == "" {
		return Config{}, fmt.Errorf("%s/--bind-host must not be empty", envVarBindHost)
	}
	if bindPort < 0 || bindPort > 65535 {
		return Config{}, fmt.Errorf("%s/--bind-port must be within 0-65535; got %d", envVarBindPort, bindPort)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if maxDatagramBytes <= 0 || maxDatagramBytes > maxUDPPayloadBytes {
		return Config{}, fmt.Errorf("%s/--max-datagram-bytes must be within 1-%d; got %d", envVarMaxDatagramBytes, maxUDPPayloadBytes, maxDatagramBytes)
	}
	if maxConsecutiveReceiveErrors < 0 {
		return Config{}, fmt.Errorf("%s/--max-consecutive-receive-errors must be >= 0 (0 = never)", envVarMaxConsecutiveReceiveErrors)
	}
	if maxPacketsPerSecondPerPeer < 0 {
		return Config{}, fmt.Errorf("%s/--max-pps-per-peer must be >= 0 (0 = unlimited)", envVarMaxPacketsPerSecondPerPeer)
	}
	if wsEnabled && httpListenAddr == "" {
		return Config{}, fmt.Errorf("%s/--ws-enabled requires %s/--http-listen-addr", envVarWSEnabled, envVarHTTPListenAddr)
	}
	if wsSendQueueBytes < maxDatagramBytes {
		return Config{}, fmt.Errorf("%s/--ws-send-queue-bytes must be >= %s (%d); got %d",
			envVarWSSendQueueBytes,
			envVarMaxDatagramBytes,
			maxDatagramBytes,
			wsSendQueueBytes,
		)
	}
	if wsIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-idle-timeout must be > 0", envVarWSIdleTimeout)
	}
	if wsPingInterval <= 0 || wsPingInterval >= wsIdleTimeout {
		return Config{}, fmt.Errorf("%s/--ws-ping-interval must be > 0 and < %s/--ws-idle-timeout", envVarWSPingInterval, envVarWSIdleTimeout)
	}

	mdnsInstance = strings.TrimSpace(mdnsInstance)
	if mdnsEnabled && mdnsInstance == "" {
		host, err := os.Hostname()
		if err != nil || strings.TrimSpace(host) == "" {
			host = "aero-udp-fanout-relay"
		}
		mdnsInstance = host
	}

	return Config{
		BindHost:        bindHost,
		BindPort:        bindPort,
		HTTPListenAddr:  strings.TrimSpace(httpListenAddr),
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		MaxDatagramBytes:            maxDatagramBytes,
		MaxConsecutiveReceiveErrors: maxConsecutiveReceiveErrors,
		MaxPacketsPerSecondPerPeer:  maxPacketsPerSecondPerPeer,

		WSEnabled:        wsEnabled,
		WSSendQueueBytes: wsSendQueueBytes,
		WSIdleTimeout:    wsIdleTimeout,
		WSPingInterval:   wsPingInterval,

		MDNSEnabled:  mdnsEnabled,
		MDNSInstance: mdnsInstance,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

// parseAllowedOrigins accepts "*" or scheme://host[:port] entries.
func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		entry := strings.TrimSpace(part)
		if entry == "" {
			continue
		}
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		normalized, _, ok := origin.Normalize(entry)
		if !ok || normalized == "null" {
			return nil, fmt.Errorf("invalid origin %q (expected http(s)://host[:port] or *)", entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}
