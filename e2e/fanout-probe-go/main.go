// Command fanout-probe-go joins a running relay with several simulated voice
// clients and checks that every frame reaches every other client and never
// its sender. With WS_URL set, one extra client joins over /ws.
//
// Frames imitate 20ms of 16kHz mono PCM (640 bytes) behind a small header:
// client id (2 bytes), sequence (4 bytes), send time in unix nanos (8 bytes).
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	headerBytes = 2 + 4 + 8
	pcmBytes    = 640
	frameBytes  = headerBytes + pcmBytes
)

type frame struct {
	client uint16
	seq    uint32
	sent   time.Time
}

func encodeFrame(f frame) []byte {
	buf := make([]byte, frameBytes)
	binary.BigEndian.PutUint16(buf[0:2], f.client)
	binary.BigEndian.PutUint32(buf[2:6], f.seq)
	binary.BigEndian.PutUint64(buf[6:14], uint64(f.sent.UnixNano()))
	return buf
}

func decodeFrame(b []byte) (frame, bool) {
	if len(b) < headerBytes {
		return frame{}, false
	}
	return frame{
		client: binary.BigEndian.Uint16(b[0:2]),
		seq:    binary.BigEndian.Uint32(b[2:6]),
		sent:   time.Unix(0, int64(binary.BigEndian.Uint64(b[6:14]))),
	}, true
}

// conn is one simulated client's transport.
type conn interface {
	send(b []byte) error
	recv(buf []byte) (int, error)
	close() error
}

type udpConn struct {
	pc    net.PacketConn
	relay net.Addr
}

func (c *udpConn) send(b []byte) error {
	_, err := c.pc.WriteTo(b, c.relay)
	return err
}

func (c *udpConn) recv(buf []byte) (int, error) {
	n, _, err := c.pc.ReadFrom(buf)
	return n, err
}

func (c *udpConn) close() error { return c.pc.Close() }

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) send(b []byte) error {
	return websocket.Message.Send(c.ws, b)
}

func (c *wsConn) recv(buf []byte) (int, error) {
	var msg []byte
	if err := websocket.Message.Receive(c.ws, &msg); err != nil {
		return 0, err
	}
	return copy(buf, msg), nil
}

func (c *wsConn) close() error { return c.ws.Close() }

type client struct {
	id   uint16
	conn conn

	mu       sync.Mutex
	received map[uint16]int
	ownEcho  int
	latency  time.Duration
}

func (c *client) receive(ctx context.Context) error {
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.recv(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		f, ok := decodeFrame(buf[:n])
		if !ok {
			continue
		}
		c.mu.Lock()
		if f.client == c.id {
			c.ownEcho++
		} else {
			c.received[f.client]++
			c.latency += time.Since(f.sent)
		}
		c.mu.Unlock()
	}
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	relayAddr := envOrDefault("RELAY_ADDR", "127.0.0.1:3030")
	wsURL := os.Getenv("WS_URL")
	numClients := envIntOrDefault("CLIENTS", 3)
	numFrames := envIntOrDefault("FRAMES", 50)
	interval := envDurationOrDefault("INTERVAL", 20*time.Millisecond)

	if err := run(logger, relayAddr, wsURL, numClients, numFrames, interval); err != nil {
		logger.Error("probe failed", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, relayAddr, wsURL string, numClients, numFrames int, interval time.Duration) error {
	raddr, err := net.ResolveUDPAddr("udp", relayAddr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", relayAddr, err)
	}

	var clients []*client
	defer func() {
		for _, c := range clients {
			_ = c.conn.close()
		}
	}()
	for i := 0; i < numClients; i++ {
		pc, err := net.ListenPacket("udp", ":0")
		if err != nil {
			return err
		}
		clients = append(clients, &client{id: uint16(i + 1), conn: &udpConn{pc: pc, relay: raddr}, received: map[uint16]int{}})
	}
	if wsURL != "" {
		ws, err := websocket.Dial(wsURL, "", "http://localhost/")
		if err != nil {
			return fmt.Errorf("dial %s: %w", wsURL, err)
		}
		clients = append(clients, &client{id: uint16(len(clients) + 1), conn: &wsConn{ws: ws}, received: map[uint16]int{}})
	}
	if len(clients) < 2 {
		return errors.New("need at least two clients")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var receivers errgroup.Group
	for _, c := range clients {
		receivers.Go(func() error { return c.receive(ctx) })
	}

	// Join one at a time so the relay knows every client before the run.
	for _, c := range clients {
		if err := c.conn.send(encodeFrame(frame{client: c.id, sent: time.Now()})); err != nil {
			return fmt.Errorf("join client %d: %w", c.id, err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	for _, c := range clients {
		c.mu.Lock()
		c.received = map[uint16]int{}
		c.latency = 0
		c.mu.Unlock()
	}

	var senders errgroup.Group
	for _, c := range clients {
		senders.Go(func() error {
			t := time.NewTicker(interval)
			defer t.Stop()
			for seq := 1; seq <= numFrames; seq++ {
				<-t.C
				if err := c.conn.send(encodeFrame(frame{client: c.id, seq: uint32(seq), sent: time.Now()})); err != nil {
					return fmt.Errorf("client %d send: %w", c.id, err)
				}
			}
			return nil
		})
	}
	if err := senders.Wait(); err != nil {
		return err
	}
	time.Sleep(500 * time.Millisecond)
	cancel()
	for _, c := range clients {
		_ = c.conn.close()
	}
	_ = receivers.Wait()

	want := numFrames * (len(clients) - 1)
	var failed bool
	for _, c := range clients {
		c.mu.Lock()
		total := 0
		for _, n := range c.received {
			total += n
		}
		var avg time.Duration
		if total > 0 {
			avg = c.latency / time.Duration(total)
		}
		logger.Info("client result",
			"client", c.id,
			"received", total,
			"expected", want,
			"senders", len(c.received),
			"own_echo", c.ownEcho,
			"avg_latency", avg,
		)
		if c.ownEcho > 0 || len(c.received) != len(clients)-1 {
			failed = true
		}
		c.mu.Unlock()
	}
	if failed {
		return errors.New("fan-out mismatch: a client heard itself or missed a sender entirely")
	}
	fmt.Println("OK")
	return nil
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

func envDurationOrDefault(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return fallback
}
