package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/transport/v3"
	"github.com/pion/transport/v3/stdnet"
	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/udp-fanout-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/udp-fanout-relay/internal/ratelimit"
)

// EndpointUDP is the network name of the relay's bound UDP endpoint.
const EndpointUDP = "udp"

// Endpoint is a datagram transport the relay receives from and forwards
// over. Any net.PacketConn satisfies it.
type Endpoint interface {
	ReadFrom(p []byte) (n int, addr net.Addr, err error)
	WriteTo(p []byte, addr net.Addr) (n int, err error)
	LocalAddr() net.Addr
	Close() error
}

type State int32

const (
	StateBound State = iota
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateBound:
		return "bound"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type endpoint struct {
	name   string
	conn   Endpoint
	closed atomic.Bool
}

func (e *endpoint) close() error {
	if e.closed.Swap(true) {
		return nil
	}
	return e.conn.Close()
}

// Relay forwards every datagram it receives to every other peer it has
// received from.
type Relay struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	limiter *ratelimit.PeerLimiter

	udp   *endpoint
	peers *PeerSet

	mu        sync.Mutex
	endpoints []*endpoint
	running   bool

	state     atomic.Int32
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New binds the relay's UDP endpoint on cfg.BindHost:cfg.BindPort through nw
// (the host network stack when nil). Any failure is a *BindError and no
// Relay is returned.
func New(cfg Config, nw transport.Net, m *metrics.Metrics, logger *slog.Logger) (*Relay, error) {
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if m == nil {
		m = metrics.New()
	}

	addr := cfg.bindAddr()
	if cfg.BindPort < 0 || cfg.BindPort > 65535 {
		return nil, &BindError{Addr: addr, Err: fmt.Errorf("port %d out of range", cfg.BindPort)}
	}
	if nw == nil {
		std, err := stdnet.NewNet()
		if err != nil {
			return nil, &BindError{Addr: addr, Err: err}
		}
		nw = std
	}
	conn, err := nw.ListenPacket("udp", addr)
	if err != nil {
		return nil, &BindError{Addr: addr, Err: err}
	}

	r := &Relay{
		cfg:     cfg,
		log:     logger,
		metrics: m,
		limiter: ratelimit.NewPeerLimiter(nil, cfg.MaxPacketsPerSecondPerPeer),
		udp:     &endpoint{name: EndpointUDP, conn: conn},
		peers:   NewPeerSet(),
		done:    make(chan struct{}),
	}
	r.endpoints = []*endpoint{r.udp}
	r.state.Store(int32(StateBound))
	m.SetPeers(0)
	return r, nil
}

// AddEndpoint attaches another datagram transport. Peers heard on it share
// the relay's peer set. It must be called before Run.
func (r *Relay) AddEndpoint(name string, ep Endpoint) error {
	name = strings.TrimSpace(name)
	if name == "" || ep == nil {
		return errors.New("relay: endpoint name and transport are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running || r.State() == StateStopped {
		return ErrRelayStopped
	}
	for _, e := range r.endpoints {
		if e.name == name {
			return fmt.Errorf("relay: duplicate endpoint %q", name)
		}
	}
	r.endpoints = append(r.endpoints, &endpoint{name: name, conn: ep})
	return nil
}

func (r *Relay) LocalAddr() net.Addr {
	return r.udp.conn.LocalAddr()
}

func (r *Relay) State() State {
	return State(r.state.Load())
}

// Peers returns the discovered peers ordered by address.
func (r *Relay) Peers() []PeerAddr {
	addrs := r.peers.Addrs()
	slices.SortFunc(addrs, func(a, b PeerAddr) int {
		return strings.Compare(a.String(), b.String())
	})
	return addrs
}

// Run receives and forwards datagrams until ctx is done, Close is called, or
// an endpoint fails fatally. Cancellation returns nil; a fatal receive
// failure returns an error wrapping ErrReceiveFailed. Endpoints are closed
// before Run returns. Run may only be called once; once Close has run,
// including a Close racing ahead of Run's start, Run returns ErrRelayStopped.
func (r *Relay) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.running || r.State() == StateStopped {
		r.mu.Unlock()
		return ErrRelayStopped
	}
	r.running = true
	eps := slices.Clone(r.endpoints)
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	var loops sync.WaitGroup
	loopsDone := make(chan struct{})
	for _, ep := range eps {
		loops.Add(1)
		g.Go(func() error {
			defer loops.Done()
			return r.receiveLoop(ep)
		})
	}
	go func() {
		loops.Wait()
		close(loopsDone)
	}()

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-r.done:
		case <-loopsDone:
		}
		r.shutdown()
		return nil
	})

	err := g.Wait()
	r.shutdown()
	return err
}

// Close stops the relay and releases its endpoints. It is safe to call more
// than once and from any goroutine.
func (r *Relay) Close() error {
	r.shutdown()
	return r.closeErr
}

func (r *Relay) shutdown() {
	r.closeOnce.Do(func() {
		r.state.Store(int32(StateStopped))
		close(r.done)

		r.mu.Lock()
		eps := slices.Clone(r.endpoints)
		r.mu.Unlock()

		var errs []error
		for _, ep := range eps {
			if err := ep.close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", ep.name, err))
			}
		}
		r.closeErr = errors.Join(errs...)
		r.log.Info("relay stopped", "peers", r.peers.Len())
	})
}

func (r *Relay) receiveLoop(ep *endpoint) error {
	// One spare byte so an oversized datagram is observable instead of being
	// silently truncated to MaxDatagramBytes.
	buf := make([]byte, r.cfg.MaxDatagramBytes+1)
	consecutive := 0
	for {
		n, from, err := ep.conn.ReadFrom(buf)
		if err != nil {
			if ep.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			consecutive++
			r.metrics.Inc(metrics.ReceiveErrors)
			rerr := &ReceiveError{Endpoint: ep.name, Err: err}
			r.log.Warn("receive failed", "endpoint", ep.name, "consecutive", consecutive, "err", rerr)
			if limit := r.cfg.MaxConsecutiveReceiveErrors; limit > 0 && consecutive >= limit {
				r.log.Error("giving up after consecutive receive errors", "endpoint", ep.name, "consecutive", consecutive)
				return fmt.Errorf("%w: %d consecutive errors: %w", ErrReceiveFailed, consecutive, rerr)
			}
			continue
		}
		consecutive = 0

		if n > r.cfg.MaxDatagramBytes {
			r.metrics.Inc(metrics.DatagramsDroppedOversize)
			r.log.Debug("dropped oversized datagram", "endpoint", ep.name, "from", from, "max_bytes", r.cfg.MaxDatagramBytes)
			continue
		}
		r.handleDatagram(ep, buf[:n], from)
	}
}

// handleDatagram records the sender and forwards payload to every other
// peer. payload is only valid for the duration of the call.
func (r *Relay) handleDatagram(ep *endpoint, payload []byte, from net.Addr) {
	r.metrics.Inc(metrics.DatagramsIn)

	src, ok := peerAddrOf(ep.name, from)
	if !ok {
		r.log.Debug("dropped datagram without usable source address", "endpoint", ep.name, "from", from)
		return
	}

	if r.peers.add(peer{addr: src, via: ep, dst: from}) {
		n := r.peers.Len()
		r.metrics.Inc(metrics.PeersDiscovered)
		r.metrics.SetPeers(n)
		r.log.Info("peer discovered", "peer", src.String(), "peers", n)
	}

	if !r.limiter.Allow(src.String()) {
		r.metrics.Inc(metrics.DatagramsDroppedLimited)
		r.log.Debug("dropped rate limited datagram", "peer", src.String())
		return
	}

	r.forward(payload, src)
}

func (r *Relay) forward(payload []byte, from PeerAddr) {
	for _, p := range r.peers.snapshot() {
		if p.addr == from {
			continue
		}
		if _, err := p.via.conn.WriteTo(payload, p.dst); err != nil {
			r.metrics.Inc(metrics.ForwardErrors)
			ferr := &ForwardError{Peer: p.addr, Err: err}
			level := slog.LevelWarn
			if errors.Is(err, ErrPeerGone) {
				level = slog.LevelDebug
			}
			r.log.Log(context.Background(), level, "forward failed", "from", from.String(), "to", p.addr.String(), "err", ferr)
			continue
		}
		r.metrics.Inc(metrics.DatagramsForwarded)
		r.log.Debug("datagram forwarded", "from", from.String(), "to", p.addr.String(), "bytes", len(payload))
	}
}
