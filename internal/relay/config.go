package relay

import (
	"net"
	"strconv"
	"time"
)

const (
	DefaultBindHost                    = "0.0.0.0"
	DefaultBindPort                    = 3030
	DefaultMaxDatagramBytes            = 2048
	DefaultMaxConsecutiveReceiveErrors = 64
)

type Config struct {
	BindHost string
	BindPort int

	// MaxDatagramBytes bounds a single received payload. The read buffer is one
	// byte larger so oversized datagrams are detected and dropped instead of
	// being forwarded truncated.
	MaxDatagramBytes int

	// MaxConsecutiveReceiveErrors turns a run of receive failures into a fatal
	// ErrReceiveFailed. Zero disables the limit (log and keep receiving).
	MaxConsecutiveReceiveErrors int

	// MaxPacketsPerSecondPerPeer limits inbound datagrams per sender. Zero
	// disables limiting.
	MaxPacketsPerSecondPerPeer int
}

func DefaultConfig() Config {
	return Config{
		BindHost:                    DefaultBindHost,
		BindPort:                    DefaultBindPort,
		MaxDatagramBytes:            DefaultMaxDatagramBytes,
		MaxConsecutiveReceiveErrors: DefaultMaxConsecutiveReceiveErrors,
	}
}

// WithDefaults returns c with empty size fields replaced by defaults. Zero
// limits keep their "disabled" meaning.
func (c Config) WithDefaults() Config {
	if c.BindHost == "" {
		c.BindHost = DefaultBindHost
	}
	if c.MaxDatagramBytes <= 0 {
		c.MaxDatagramBytes = DefaultMaxDatagramBytes
	}
	if c.MaxConsecutiveReceiveErrors < 0 {
		c.MaxConsecutiveReceiveErrors = 0
	}
	if c.MaxPacketsPerSecondPerPeer < 0 {
		c.MaxPacketsPerSecondPerPeer = 0
	}
	return c
}

func (c Config) bindAddr() string {
	return net.JoinHostPort(c.BindHost, strconv.Itoa(c.BindPort))
}

// WebSocketConfig configures the /ws peer endpoint.
type WebSocketConfig struct {
	MaxDatagramBytes int
	SendQueueBytes   int
	IdleTimeout      time.Duration
	PingInterval     time.Duration
	AllowedOrigins   []string
}

func (c WebSocketConfig) WithDefaults() WebSocketConfig {
	if c.MaxDatagramBytes <= 0 {
		c.MaxDatagramBytes = DefaultMaxDatagramBytes
	}
	if c.SendQueueBytes < c.MaxDatagramBytes {
		c.SendQueueBytes = 256 << 10
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.IdleTimeout {
		c.PingInterval = c.IdleTimeout / 3
	}
	return c
}
