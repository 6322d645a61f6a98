package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrReceiveFailed is returned by Run when the receive loop gives up after
	// MaxConsecutiveReceiveErrors consecutive failures.
	ErrReceiveFailed = errors.New("relay: receive failed")
	ErrRelayStopped  = errors.New("relay: stopped")
	ErrUnknownPeer   = errors.New("unknown peer")
	ErrPeerGone      = errors.New("peer connection closed")
	ErrQueueFull     = errors.New("send queue full")
	ErrQueueClosed   = errors.New("send queue closed")
)

// BindError reports that the relay endpoint could not be bound. It is the
// only error New returns and is always fatal.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("relay: bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// ReceiveError is a failed read on an endpoint. It is logged and counted;
// only a run of them ends the relay.
type ReceiveError struct {
	Endpoint string
	Err      error
}

func (e *ReceiveError) Error() string {
	return fmt.Sprintf("relay: receive on %s: %v", e.Endpoint, e.Err)
}

func (e *ReceiveError) Unwrap() error { return e.Err }

// ForwardError is a failed send to a single destination peer. It never
// affects other destinations or the receive loop.
type ForwardError struct {
	Peer PeerAddr
	Err  error
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("relay: forward to %s: %v", e.Peer, e.Err)
}

func (e *ForwardError) Unwrap() error { return e.Err }
