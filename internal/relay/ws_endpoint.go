package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/udp-fanout-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/udp-fanout-relay/internal/origin"
)

// EndpointWebSocket is the network name peers on the /ws endpoint carry.
const EndpointWebSocket = "ws"

const (
	wsWriteWait      = 1 * time.Second
	wsInboundBacklog = 64
)

// WSAddr is the address of one WebSocket peer. Connection IDs are never
// reused, so a reconnecting browser is a new peer.
type WSAddr struct {
	ID     uint64
	Remote string
}

func (a WSAddr) Network() string { return EndpointWebSocket }

func (a WSAddr) String() string {
	if a.ID == 0 {
		return a.Remote
	}
	return fmt.Sprintf("%s#%d", a.Remote, a.ID)
}

type wsDatagram struct {
	payload []byte
	from    WSAddr
}

// WebSocketEndpoint lets browsers join the fan-out. It is an http.Handler
// for GET /ws and a relay Endpoint: every binary message a connection sends
// is one datagram, and datagrams written to a connection's WSAddr are sent
// to it as binary messages.
type WebSocketEndpoint struct {
	cfg      WebSocketConfig
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	inbound chan wsDatagram
	done    chan struct{}
	nextID  atomic.Uint64

	mu     sync.Mutex
	closed bool
	conns  map[uint64]*wsConn
}

func NewWebSocketEndpoint(cfg WebSocketConfig, m *metrics.Metrics, logger *slog.Logger) *WebSocketEndpoint {
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if m == nil {
		m = metrics.New()
	}
	e := &WebSocketEndpoint{
		cfg:     cfg,
		log:     logger,
		metrics: m,
		inbound: make(chan wsDatagram, wsInboundBacklog),
		done:    make(chan struct{}),
		conns:   make(map[uint64]*wsConn),
	}
	e.upgrader.CheckOrigin = func(r *http.Request) bool {
		return origin.CheckRequest(r, e.cfg.AllowedOrigins)
	}
	return e
}

// ReadFrom blocks until a connection delivers a datagram or the endpoint is
// closed.
func (e *WebSocketEndpoint) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case d := <-e.inbound:
		return copy(p, d.payload), d.from, nil
	case <-e.done:
		return 0, nil, net.ErrClosed
	}
}

// WriteTo queues p for the connection addressed by addr. It never blocks.
func (e *WebSocketEndpoint) WriteTo(p []byte, addr net.Addr) (int, error) {
	a, ok := addr.(WSAddr)
	if !ok {
		return 0, ErrUnknownPeer
	}
	e.mu.Lock()
	c := e.conns[a.ID]
	e.mu.Unlock()
	if c == nil {
		return 0, ErrPeerGone
	}

	// The caller's buffer is reused for the next read.
	frame := append([]byte(nil), p...)
	if err := c.queue.Enqueue(frame); err != nil {
		switch {
		case errors.Is(err, ErrQueueClosed):
			return 0, ErrPeerGone
		case errors.Is(err, ErrQueueFull):
			e.metrics.Inc(metrics.WSDroppedBackpressure)
		}
		return 0, err
	}
	return len(p), nil
}

func (e *WebSocketEndpoint) LocalAddr() net.Addr {
	return WSAddr{Remote: "/ws"}
}

// Close disconnects every connection and rejects new ones.
func (e *WebSocketEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.done)
	conns := make([]*wsConn, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "relay shutting down")
	}
	return nil
}

// Conns returns the number of open connections.
func (e *WebSocketEndpoint) Conns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

func (e *WebSocketEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-e.done:
		http.Error(w, "relay stopped", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		return
	}

	id := e.nextID.Add(1)
	c := &wsConn{
		addr:  WSAddr{ID: id, Remote: r.RemoteAddr},
		conn:  conn,
		queue: newSendQueue(e.cfg.SendQueueBytes),
		stop:  make(chan struct{}),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		c.closeWith(websocket.CloseGoingAway, "relay shutting down")
		return
	}
	e.conns[id] = c
	e.mu.Unlock()

	e.metrics.Inc(metrics.WSConnections)
	e.log.Info("ws peer connected", "peer", c.addr.String())
	defer func() {
		e.mu.Lock()
		delete(e.conns, id)
		e.mu.Unlock()
		c.shutdown()
		e.log.Info("ws peer disconnected", "peer", c.addr.String())
	}()

	go c.writeLoop()
	go c.pingLoop(e.cfg.PingInterval)
	e.readLoop(c)
}

func (e *WebSocketEndpoint) readLoop(c *wsConn) {
	idle := e.cfg.IdleTimeout
	c.conn.SetReadLimit(int64(e.cfg.MaxDatagramBytes))
	_ = c.conn.SetReadDeadline(time.Now().Add(idle))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		msgType, msg, err := c.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				e.metrics.Inc(metrics.WSDroppedOversized)
				c.closeWith(websocket.CloseMessageTooBig, "datagram too large")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(idle))

		if msgType != websocket.BinaryMessage {
			e.metrics.Inc(metrics.WSDroppedUnsupportedType)
			c.closeWith(websocket.CloseUnsupportedData, "expected binary message")
			return
		}

		select {
		case e.inbound <- wsDatagram{payload: msg, from: c.addr}:
		case <-e.done:
			return
		}
	}
}

type wsConn struct {
	addr  WSAddr
	conn  *websocket.Conn
	queue *sendQueue

	stop     chan struct{}
	stopOnce sync.Once
}

func (c *wsConn) writeLoop() {
	for {
		frame, ok := c.queue.Dequeue()
		if !ok {
			return
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			// Unblocks the reader, which tears the connection down.
			_ = c.conn.Close()
			return
		}
	}
}

func (c *wsConn) pingLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

// closeWith sends a close frame and closes the connection. WriteControl is
// safe alongside the writer goroutine.
func (c *wsConn) closeWith(code int, reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	c.shutdown()
}

func (c *wsConn) shutdown() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.queue.Close()
		_ = c.conn.Close()
	})
}
