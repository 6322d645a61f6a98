package relay

import (
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v3/vnet"

	"github.com/wilsonzlin/aero/proxy/udp-fanout-relay/internal/metrics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

type fakeRead struct {
	payload []byte
	from    net.Addr
	err     error
}

type fakeWrite struct {
	payload []byte
	to      string
}

// fakeEndpoint feeds scripted reads to the relay and records every write.
type fakeEndpoint struct {
	in     chan fakeRead
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes []fakeWrite
	failTo map[string]error
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{
		in:     make(chan fakeRead),
		closed: make(chan struct{}),
		failTo: make(map[string]error),
	}
}

func (f *fakeEndpoint) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case r := <-f.in:
		if r.err != nil {
			return 0, nil, r.err
		}
		return copy(p, r.payload), r.from, nil
	case <-f.closed:
		return 0, nil, net.ErrClosed
	}
}

func (f *fakeEndpoint) WriteTo(p []byte, addr net.Addr) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, fakeWrite{payload: append([]byte(nil), p...), to: addr.String()})
	if err := f.failTo[addr.String()]; err != nil {
		return 0, err
	}
	return len(p), nil
}

func (f *fakeEndpoint) LocalAddr() net.Addr { return fakeAddr("fake-local") }

func (f *fakeEndpoint) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeEndpoint) failWritesTo(addr string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failTo[addr] = err
}

func (f *fakeEndpoint) sentTo(addr string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, w := range f.writes {
		if w.to == addr {
			out = append(out, string(w.payload))
		}
	}
	return out
}

func (f *fakeEndpoint) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

// send hands one datagram to the relay's receive loop. It returns once the
// loop has taken it.
func (f *fakeEndpoint) send(t *testing.T, from string, payload string) {
	t.Helper()
	select {
	case f.in <- fakeRead{payload: []byte(payload), from: fakeAddr(from)}:
	case <-time.After(2 * time.Second):
		t.Fatalf("relay did not read datagram from %s", from)
	}
}

func (f *fakeEndpoint) fail(t *testing.T, err error) {
	t.Helper()
	select {
	case f.in <- fakeRead{err: err}:
	case <-time.After(2 * time.Second):
		t.Fatalf("relay did not read")
	}
}

// newVNet starts a virtual network with one interface per ip.
func newVNet(t *testing.T, ips ...string) []*vnet.Net {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	nets := make([]*vnet.Net, 0, len(ips))
	for _, ip := range ips {
		n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		if err != nil {
			t.Fatalf("NewNet(%s): %v", ip, err)
		}
		if err := router.AddNet(n); err != nil {
			t.Fatalf("AddNet(%s): %v", ip, err)
		}
		nets = append(nets, n)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("router start: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })
	return nets
}

// newFakeRelay returns a relay bound on a private virtual network with a
// fake endpoint attached under the name "fake".
func newFakeRelay(t *testing.T, cfg Config) (*Relay, *fakeEndpoint, *endpoint, *metrics.Metrics) {
	t.Helper()

	nets := newVNet(t, "10.0.0.1")
	cfg.BindHost = "10.0.0.1"
	m := metrics.New()
	r, err := New(cfg, nets[0], m, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })

	fake := newFakeEndpoint()
	if err := r.AddEndpoint("fake", fake); err != nil {
		t.Fatalf("AddEndpoint: %v", err)
	}
	return r, fake, r.endpoints[len(r.endpoints)-1], m
}

func runRelay(t *testing.T, r *Relay) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(t.Context()) }()
	return errCh
}

func waitRun(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readDatagram(t *testing.T, conn net.PacketConn) string {
	t.Helper()
	buf := make([]byte, 4096)
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read on %s: %v", conn.LocalAddr(), err)
	}
	return string(buf[:n])
}

func expectNoDatagram(t *testing.T, conn net.PacketConn) {
	t.Helper()
	buf := make([]byte, 4096)
	_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if n, _, err := conn.ReadFrom(buf); err == nil {
		t.Fatalf("unexpected datagram on %s: %q", conn.LocalAddr(), buf[:n])
	}
}
