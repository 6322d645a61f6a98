package httpserver

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/wilsonzlin/aero/proxy/udp-fanout-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/udp-fanout-relay/internal/relay"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// RelayStatus is the part of the relay the admin endpoints report on.
type RelayStatus interface {
	Peers() []relay.PeerAddr
	State() relay.State
}

type peersResponse struct {
	Count int              `json:"count"`
	Peers []relay.PeerAddr `json:"peers"`
}

type Server struct {
	log    *slog.Logger
	cfg    config.Config
	build  BuildInfo
	status RelayStatus

	ready atomic.Bool

	mux *http.ServeMux
	srv *http.Server
}

// New builds the admin server. status may be nil, in which case /readyz only
// reflects whether the server is serving and /peers is not registered.
func New(cfg config.Config, logger *slog.Logger, build BuildInfo, status RelayStatus) *Server {
	s := &Server{
		log:    logger,
		cfg:    cfg,
		build:  build,
		status: status,
		mux:    http.NewServeMux(),
	}

	s.registerRoutes()

	handler := chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		s.accessLog(),
	)

	s.srv = &http.Server{
		Addr:              cfg.HTTPListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// No read/write timeouts: /ws connections are long-lived.
	}

	return s
}

// Mux returns the underlying ServeMux for registering additional routes
// (/metrics, /ws). It must only be used during startup before Serve is called.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		if s.status != nil {
			if st := s.status.State(); st != relay.StateBound {
				WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "relay": st.String()})
				return
			}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	if s.status != nil {
		s.mux.HandleFunc("GET /peers", s.withOriginPolicy(s.handlePeers))
		// Registered separately so CORS preflights reach the origin policy
		// instead of the mux's 405.
		s.mux.HandleFunc("OPTIONS /peers", s.withOriginPolicy(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Allow", "GET, OPTIONS")
			w.WriteHeader(http.StatusNoContent)
		}))
	}
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers := s.status.Peers()
	if peers == nil {
		peers = []relay.PeerAddr{}
	}
	if sw, ok := w.(*statusWriter); ok {
		sw.peers = len(peers)
	}
	WriteJSON(w, http.StatusOK, peersResponse{Count: len(peers), Peers: peers})
}

type Middleware func(http.Handler) http.Handler

func chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	h := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func recoverMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				var buf [16]byte
				if _, err := rand.Read(buf[:]); err == nil {
					reqID = hex.EncodeToString(buf[:])
				}
			}
			if reqID != "" {
				r.Header.Set("X-Request-ID", reqID)
				w.Header().Set("X-Request-ID", reqID)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// statusWriter records what the handler sent for the access log. peers is
// -1 unless the handler reported a peer count.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
	peers  int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

// Hijack lets /ws upgrade through the access log.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("httpserver: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// accessLog logs one line per request. Health checks and scrapes are logged
// at debug so a polling orchestrator does not drown out relay events.
func (s *Server) accessLog() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK, peers: -1}
			start := time.Now()

			next.ServeHTTP(sw, r)

			level := slog.LevelInfo
			switch r.URL.Path {
			case "/healthz", "/readyz", "/metrics":
				level = slog.LevelDebug
			}
			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", sw.status),
				slog.Int("bytes", sw.bytes),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("remote", r.RemoteAddr),
				slog.String("request_id", r.Header.Get("X-Request-ID")),
			}
			if s.status != nil {
				attrs = append(attrs, slog.String("relay", s.status.State().String()))
			}
			if sw.peers >= 0 {
				attrs = append(attrs, slog.Int("peers", sw.peers))
			}
			s.log.LogAttrs(r.Context(), level, "http request", attrs...)
		})
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}
