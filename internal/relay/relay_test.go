package relay

import (
	"bytes"
	"context"
	"errors"
	"net"
	"slices"
	"strings"
	"testing"

	"github.com/wilsonzlin/aero/proxy/udp-fanout-relay/internal/metrics"
)

func fakePeer(addr string) PeerAddr {
	return PeerAddr{Network: "fake", Addr: addr}
}

func TestRelay_FirstDatagramHasNoDestinations(t *testing.T) {
	r, fake, ep, m := newFakeRelay(t, DefaultConfig())

	r.handleDatagram(ep, []byte("hello"), fakeAddr("A"))

	if got := fake.writeCount(); got != 0 {
		t.Fatalf("writes=%d, want 0", got)
	}
	if !r.peers.Contains(fakePeer("A")) || r.peers.Len() != 1 {
		t.Fatalf("peers=%v, want [A]", r.Peers())
	}
	if got := m.Get(metrics.PeersDiscovered); got != 1 {
		t.Fatalf("peers_discovered=%d, want 1", got)
	}
}

func TestRelay_FanOutExcludesSender(t *testing.T) {
	r, fake, ep, m := newFakeRelay(t, DefaultConfig())

	for _, p := range []string{"A", "B", "C", "D"} {
		r.handleDatagram(ep, []byte("join-"+p), fakeAddr(p))
	}
	before := fake.writeCount()

	r.handleDatagram(ep, []byte("x"), fakeAddr("B"))

	if got := fake.writeCount() - before; got != 3 {
		t.Fatalf("forwards=%d, want 3 (|peers|-1)", got)
	}
	for _, dst := range []string{"A", "C", "D"} {
		got := fake.sentTo(dst)
		if len(got) == 0 || got[len(got)-1] != "x" {
			t.Fatalf("%s did not receive x: %v", dst, got)
		}
	}
	for _, got := range fake.sentTo("B") {
		if got == "x" || got == "join-B" {
			t.Fatalf("B received its own datagram %q", got)
		}
	}
	if got := m.Get(metrics.DatagramsIn); got != 5 {
		t.Fatalf("datagrams_in=%d, want 5", got)
	}
}

func TestRelay_DiscoveryIsIdempotent(t *testing.T) {
	r, fake, ep, _ := newFakeRelay(t, DefaultConfig())

	r.handleDatagram(ep, []byte("a"), fakeAddr("A"))
	r.handleDatagram(ep, []byte("b"), fakeAddr("B"))
	for i := 0; i < 5; i++ {
		r.handleDatagram(ep, []byte("dup"), fakeAddr("A"))
	}

	if got := r.peers.Len(); got != 2 {
		t.Fatalf("peers=%d, want 2", got)
	}
	// No dedup: every duplicate is forwarded.
	if got := fake.sentTo("B"); len(got) != 5 {
		t.Fatalf("B received %v, want 5 copies of dup", got)
	}
}

func TestRelay_PayloadForwardedUnmodified(t *testing.T) {
	r, fake, ep, _ := newFakeRelay(t, DefaultConfig())

	payload := []byte{0x00, 0xff, 0x80, 0x01, 0x00}
	r.handleDatagram(ep, []byte("a"), fakeAddr("A"))
	r.handleDatagram(ep, payload, fakeAddr("B"))

	got := fake.sentTo("A")
	if len(got) != 1 || !bytes.Equal([]byte(got[0]), payload) {
		t.Fatalf("A received %q, want %q", got, payload)
	}
}

func TestRelay_ForwardFailureIsIsolated(t *testing.T) {
	r, fake, ep, m := newFakeRelay(t, DefaultConfig())

	for _, p := range []string{"A", "B", "C"} {
		r.handleDatagram(ep, []byte("join"), fakeAddr(p))
	}
	fake.failWritesTo("B", errors.New("network unreachable"))

	r.handleDatagram(ep, []byte("x"), fakeAddr("A"))

	if got := fake.sentTo("C"); got[len(got)-1] != "x" {
		t.Fatalf("C did not receive x after B failed: %v", got)
	}
	if !r.peers.Contains(fakePeer("B")) {
		t.Fatalf("failed destination must stay in the peer set")
	}
	if got := m.Get(metrics.ForwardErrors); got != 1 {
		t.Fatalf("forward_errors=%d, want 1", got)
	}

	// Later datagrams still reach B's neighbours.
	r.handleDatagram(ep, []byte("y"), fakeAddr("C"))
	if got := fake.sentTo("A"); got[len(got)-1] != "y" {
		t.Fatalf("A did not receive y: %v", got)
	}
}

func TestRelay_SinglePeerStaysQuiet(t *testing.T) {
	r, fake, ep, _ := newFakeRelay(t, DefaultConfig())

	for i := 0; i < 10; i++ {
		r.handleDatagram(ep, []byte("alone"), fakeAddr("A"))
	}
	if got := fake.writeCount(); got != 0 {
		t.Fatalf("writes=%d, want 0", got)
	}
	if got := r.peers.Len(); got != 1 {
		t.Fatalf("peers=%d, want 1", got)
	}
}

func TestRelay_RateLimitDropsExcessPerPeer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPacketsPerSecondPerPeer = 1
	r, fake, ep, m := newFakeRelay(t, cfg)

	r.handleDatagram(ep, []byte("a1"), fakeAddr("A"))
	r.handleDatagram(ep, []byte("b1"), fakeAddr("B"))
	r.handleDatagram(ep, []byte("b2"), fakeAddr("B"))

	if got := fake.sentTo("A"); !slices.Equal(got, []string{"b1"}) {
		t.Fatalf("A received %v, want [b1]", got)
	}
	if got := m.Get(metrics.DatagramsDroppedLimited); got != 1 {
		t.Fatalf("dropped_rate_limited=%d, want 1", got)
	}
	if got := r.peers.Len(); got != 2 {
		t.Fatalf("peers=%d, want 2", got)
	}
}

func TestRelay_OversizedDatagramDropped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDatagramBytes = 8
	r, fake, _, m := newFakeRelay(t, cfg)
	errCh := runRelay(t, r)

	fake.send(t, "A", "a")
	fake.send(t, "B", strings.Repeat("x", 9))
	fake.send(t, "B", strings.Repeat("y", 8))

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := fake.sentTo("A"); !slices.Equal(got, []string{"yyyyyyyy"}) {
		t.Fatalf("A received %v, want only the 8-byte datagram", got)
	}
	if got := m.Get(metrics.DatagramsDroppedOversize); got != 1 {
		t.Fatalf("dropped_oversized=%d, want 1", got)
	}
}

func TestRelay_ReceiveErrorsBecomeFatalAfterLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConsecutiveReceiveErrors = 3
	r, fake, _, m := newFakeRelay(t, cfg)
	errCh := runRelay(t, r)

	boom := errors.New("boom")
	fake.fail(t, boom)
	fake.fail(t, boom)
	fake.send(t, "A", "resets the run")
	fake.fail(t, boom)
	fake.fail(t, boom)
	fake.fail(t, boom)

	err := waitRun(t, errCh)
	if !errors.Is(err, ErrReceiveFailed) {
		t.Fatalf("Run err=%v, want ErrReceiveFailed", err)
	}
	var rerr *ReceiveError
	if !errors.As(err, &rerr) || rerr.Endpoint != "fake" || !errors.Is(err, boom) {
		t.Fatalf("Run err=%v, want wrapped ReceiveError on fake", err)
	}
	if got := m.Get(metrics.ReceiveErrors); got != 5 {
		t.Fatalf("receive_errors=%d, want 5", got)
	}
	if r.State() != StateStopped {
		t.Fatalf("state=%v, want stopped", r.State())
	}
}

func TestRelay_ReceiveErrorsToleratedWhenUnlimited(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConsecutiveReceiveErrors = 0
	r, fake, _, _ := newFakeRelay(t, cfg)
	errCh := runRelay(t, r)

	for i := 0; i < 100; i++ {
		fake.fail(t, errors.New("transient"))
	}
	fake.send(t, "A", "still alive")
	waitFor(t, "peer discovery", func() bool { return r.peers.Len() == 1 })

	_ = r.Close()
	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRelay_RunStopsOnContextCancel(t *testing.T) {
	r, fake, _, _ := newFakeRelay(t, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	fake.send(t, "A", "a")
	cancel()

	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r.State() != StateStopped {
		t.Fatalf("state=%v, want stopped", r.State())
	}
	select {
	case <-fake.closed:
	default:
		t.Fatalf("endpoint not closed after Run returned")
	}
}

func TestRelay_CloseIsIdempotentAndFinal(t *testing.T) {
	r, fake, _, _ := newFakeRelay(t, DefaultConfig())
	if r.State() != StateBound {
		t.Fatalf("state=%v, want bound", r.State())
	}
	errCh := runRelay(t, r)
	// Close only once Run is receiving.
	fake.send(t, "A", "a")
	waitFor(t, "peer discovery", func() bool { return r.peers.Len() == 1 })

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if err := r.Run(context.Background()); !errors.Is(err, ErrRelayStopped) {
		t.Fatalf("Run after Close err=%v, want ErrRelayStopped", err)
	}
	if err := r.AddEndpoint("late", newFakeEndpoint()); !errors.Is(err, ErrRelayStopped) {
		t.Fatalf("AddEndpoint after Close err=%v, want ErrRelayStopped", err)
	}
}

func TestRelay_CloseBeforeRunStartsReportsStopped(t *testing.T) {
	r, _, _, _ := newFakeRelay(t, DefaultConfig())
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.Run(t.Context()); !errors.Is(err, ErrRelayStopped) {
		t.Fatalf("Run after early Close err=%v, want ErrRelayStopped", err)
	}
}

func TestRelay_AddEndpointRejectsDuplicates(t *testing.T) {
	r, _, _, _ := newFakeRelay(t, DefaultConfig())
	if err := r.AddEndpoint("fake", newFakeEndpoint()); err == nil {
		t.Fatalf("expected duplicate endpoint error")
	}
	if err := r.AddEndpoint(EndpointUDP, newFakeEndpoint()); err == nil {
		t.Fatalf("expected udp name to be reserved")
	}
	if err := r.AddEndpoint("", newFakeEndpoint()); err == nil {
		t.Fatalf("expected empty name error")
	}
}

func TestNew_BindErrors(t *testing.T) {
	first, err := New(Config{BindHost: "127.0.0.1", BindPort: 0}, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer first.Close()
	port := first.LocalAddr().(*net.UDPAddr).Port
	if port == 0 {
		t.Fatalf("port 0 was not resolved")
	}

	cases := []struct {
		name string
		cfg  Config
	}{
		{name: "in use", cfg: Config{BindHost: "127.0.0.1", BindPort: port}},
		{name: "port out of range", cfg: Config{BindHost: "127.0.0.1", BindPort: 70000}},
		{name: "bad host", cfg: Config{BindHost: "not a host", BindPort: 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := New(tc.cfg, nil, nil, nil)
			if r != nil {
				_ = r.Close()
				t.Fatalf("expected no relay on bind failure")
			}
			var be *BindError
			if !errors.As(err, &be) {
				t.Fatalf("err=%v (%T), want *BindError", err, err)
			}
			if be.Addr == "" || be.Unwrap() == nil {
				t.Fatalf("BindError missing context: %+v", be)
			}
		})
	}
}

func TestRelay_PeersSortedSnapshot(t *testing.T) {
	r, _, ep, _ := newFakeRelay(t, DefaultConfig())
	for _, p := range []string{"C", "A", "B"} {
		r.handleDatagram(ep, []byte("x"), fakeAddr(p))
	}
	want := []PeerAddr{fakePeer("A"), fakePeer("B"), fakePeer("C")}
	if got := r.Peers(); !slices.Equal(got, want) {
		t.Fatalf("Peers()=%v, want %v", got, want)
	}
}
