// Package relayserver is the HTTP + WebSocket front door: it assembles the
// handler chain the way this codebase's server package assembles its App,
// parses subdomains, dispatches tunneled HTTP traffic, and routes
// WebSocket upgrades to the desktop-registration or client-attach flow.
package relayserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fernrelay/relay/internal/config"
	"github.com/fernrelay/relay/internal/idgen"
	"github.com/fernrelay/relay/internal/middleware"
	"github.com/fernrelay/relay/internal/relayerr"
	"github.com/fernrelay/relay/internal/sessionstore"
	"github.com/fernrelay/relay/internal/token"
	"github.com/fernrelay/relay/internal/tunnel"
	"github.com/fernrelay/relay/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server holds every dependency needed to build the relay's HTTP handler,
// following this codebase's pattern of a single struct with a Handler()
// method rather than package-level globals.
type Server struct {
	Config      *config.Config
	Store       sessionstore.Store
	Issuer      *token.Issuer
	RateLimiter *middleware.RateLimiter
	Logger      *slog.Logger

	reg     *registry
	tun     *tunnel.Tunnel
	started time.Time

	clientCount   int64
	bridgeReqs    int64
	tunnelReqs    int64
	tunnelTimeout int64
}

// New wires a Server's internal state. Call Handler to obtain the
// http.Handler to serve.
func New(cfg *config.Config, store sessionstore.Store, issuer *token.Issuer, rl *middleware.RateLimiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Config:      cfg,
		Store:       store,
		Issuer:      issuer,
		RateLimiter: rl,
		Logger:      logger,
		reg:         newRegistry(),
		started:     time.Now(),
	}
	dispatch := &socketDispatcher{reg: s.reg}
	s.tun = tunnel.New(
		dispatch,
		tunnel.DefaultTimeoutFunc(cfg.HTTPTimeoutPage, cfg.HTTPTimeoutAsset),
		cfg.PendingPerDesktopMax,
		func() string { return uuid.New().String() },
		logger,
	)
	return s
}

// socketDispatcher adapts the registry to tunnel.Dispatcher.
type socketDispatcher struct{ reg *registry }

func (d *socketDispatcher) Send(desktopID string, f wire.Frame) error {
	dt, ok := d.reg.get(desktopID)
	if !ok {
		return &relayerr.DesktopOfflineError{SessionID: desktopID}
	}
	return dt.socket.Send(f)
}

// Handler builds the complete HTTP handler. Control endpoints (/health,
// /api/session/:id, /api/load, /metrics, /ws) are wrapped with RequestID
// and SecurityHeaders; tunneled subdomain traffic is dispatched before
// those wrappers run; it carries the desktop's own response headers
// verbatim and must not be mutated by relay-side security middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/session/", s.handleSessionLookup)
	mux.HandleFunc("/api/load", s.handleLoad)
	mux.HandleFunc("/metrics", s.handleMetrics)

	wsHandler := http.HandlerFunc(s.handleWebSocket)
	if s.RateLimiter != nil {
		mux.Handle("/ws", s.RateLimiter.Wrap(wsHandler))
	} else {
		mux.Handle("/ws", wsHandler)
	}

	control := middleware.SecurityHeaders(middleware.RequestID(mux))

	return s.loadHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sessionID, ok := sessionIDFromRequest(r, s.Config.BaseDomain); ok {
			s.handleTunnel(w, r, sessionID)
			return
		}
		control.ServeHTTP(w, r)
	}))
}

func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request, sessionID string) {
	atomic.AddInt64(&s.tunnelReqs, 1)
	dt, ok := s.reg.get(sessionID)
	if !ok {
		if _, err := s.Store.Get(r.Context(), sessionID); err != nil {
			http.Error(w, `{"error":"Session not found"}`, http.StatusNotFound)
			return
		}
		// Registered, but not live on this replica: direct the client to
		// retry rather than attempting a second-hop relay.
		http.Error(w, "Session is active on another instance, please retry", http.StatusServiceUnavailable)
		return
	}
	s.tun.Handle(r.Context(), w, r, dt.socketID)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"desktops": s.reg.count(),
		"clients":  atomic.LoadInt64(&s.clientCount),
		"uptime":   int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleSessionLookup(w http.ResponseWriter, r *http.Request) {
	id := idgen.Canonical(r.URL.Path[len("/api/session/"):])
	reg, err := s.Store.Get(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Session not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":  true,
		"created": reg.CreatedAt.UnixMilli(),
		"url":     reg.URL,
	})
}

// LoadStatus is the process-wide load snapshot exposed at /api/load.
type LoadStatus struct {
	Desktops int `json:"desktops"`
	Clients  int `json:"clients"`
	Uptime   int `json:"uptimeSeconds"`
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LoadStatus{
		Desktops: s.reg.count(),
		Clients:  int(atomic.LoadInt64(&s.clientCount)),
		Uptime:   int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"relay.desktops":        s.reg.count(),
		"relay.clients":         atomic.LoadInt64(&s.clientCount),
		"relay.tunnel.requests": atomic.LoadInt64(&s.tunnelReqs),
		"relay.bridge.requests": atomic.LoadInt64(&s.bridgeReqs),
		"relay.start_time":      s.started.UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Shutdown stops background loops owned directly by the server.
func (s *Server) Shutdown(_ context.Context) error {
	s.tun.Stop()
	return nil
}
