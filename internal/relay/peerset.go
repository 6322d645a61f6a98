package relay

import (
	"net"
	"net/netip"
	"sync"
)

// PeerAddr identifies a peer by the endpoint it was heard on and its address
// there. UDP addresses are canonical ip:port strings with IPv4-mapped IPv6
// unmapped, so one sender is never recorded twice.
type PeerAddr struct {
	Network string `json:"network"`
	Addr    string `json:"addr"`
}

func (a PeerAddr) String() string {
	return a.Network + "/" + a.Addr
}

func peerAddrOf(network string, addr net.Addr) (PeerAddr, bool) {
	if addr == nil {
		return PeerAddr{}, false
	}
	if u, ok := addr.(*net.UDPAddr); ok {
		ap := u.AddrPort()
		if !ap.Addr().IsValid() {
			return PeerAddr{}, false
		}
		ap = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
		return PeerAddr{Network: network, Addr: ap.String()}, true
	}
	s := addr.String()
	if s == "" {
		return PeerAddr{}, false
	}
	return PeerAddr{Network: network, Addr: s}, true
}

// peer is a Peer Set entry: where to send datagrams for a PeerAddr.
type peer struct {
	addr PeerAddr
	via  *endpoint
	dst  net.Addr
}

// PeerSet is the relay's membership: unique by PeerAddr, grows
// monotonically, never shrinks.
type PeerSet struct {
	mu    sync.Mutex
	peers map[PeerAddr]peer
}

func NewPeerSet() *PeerSet {
	return &PeerSet{peers: make(map[PeerAddr]peer)}
}

// add inserts p if its address is absent and reports whether it was new.
func (s *PeerSet) add(p peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[p.addr]; ok {
		return false
	}
	s.peers[p.addr] = p
	return true
}

// snapshot copies the current membership. Peers added afterwards are not
// part of it.
func (s *PeerSet) snapshot() []peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

func (s *PeerSet) Contains(addr PeerAddr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.peers[addr]
	return ok
}

func (s *PeerSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *PeerSet) Addrs() []PeerAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PeerAddr, 0, len(s.peers))
	for a := range s.peers {
		out = append(out, a)
	}
	return out
}
