// Package tunnel multiplexes inbound HTTP requests for a session onto the
// desktop's control WebSocket and matches the eventual response envelope
// back to the waiting HTTP responder.
package tunnel

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fernrelay/relay/internal/wire"
)

// Dispatcher sends a Frame to a desktop's live control socket. The tunnel
// never holds the socket itself — it only knows how to send to it and is
// told by RelayServer when a desktop disconnects.
type Dispatcher interface {
	Send(desktopID string, f wire.Frame) error
}

// TimeoutFunc returns the timeout to apply to a request, based on whether
// its path matches the configured asset heuristic. Kept as a function
// rather than promoted into a type per the asset-heuristic design note:
// it is a latency/availability trade-off, not a semantic property.
type TimeoutFunc func(path string) time.Duration

// DefaultTimeoutFunc applies assetTimeout to paths under /_nuxt/ or
// /node_modules/ and pageTimeout to everything else.
func DefaultTimeoutFunc(pageTimeout, assetTimeout time.Duration) TimeoutFunc {
	return func(path string) time.Duration {
		if strings.Contains(path, "/_nuxt/") || strings.Contains(path, "/node_modules/") {
			return assetTimeout
		}
		return pageTimeout
	}
}

type pendingRequest struct {
	deadline time.Time
	done     chan wire.HTTPResponseEnvelope
	once     sync.Once
}

func (p *pendingRequest) complete(resp wire.HTTPResponseEnvelope) {
	p.once.Do(func() { p.done <- resp })
}

// Tunnel owns, per desktop, the table of in-flight HTTP requests awaiting
// a matching response envelope.
type Tunnel struct {
	dispatch Dispatcher
	timeout  TimeoutFunc
	maxPend  int
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]map[string]*pendingRequest // desktopID -> requestID -> entry

	nextID   func() string
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New constructs a Tunnel. nextID generates unique request ids (callers
// typically pass google/uuid's New().String).
func New(dispatch Dispatcher, timeout TimeoutFunc, maxPendingPerDesktop int, nextID func() string, logger *slog.Logger) *Tunnel {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tunnel{
		dispatch: dispatch,
		timeout:  timeout,
		maxPend:  maxPendingPerDesktop,
		logger:   logger,
		pending:  make(map[string]map[string]*pendingRequest),
		nextID:   nextID,
		stopCh:   make(chan struct{}),
	}
	go t.sweepLoop()
	return t
}

// Handle builds a request envelope, dispatches it to the desktop, and
// writes exactly one of {matched response, 504, 503} to w before
// returning.
func (t *Tunnel) Handle(ctx context.Context, w http.ResponseWriter, r *http.Request, desktopID string) {
	id := t.nextID()
	timeout := t.timeout(r.URL.Path)

	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadGateway)
		return
	}

	headers := make(map[string][]string, len(r.Header))
	for k, v := range r.Header {
		if strings.EqualFold(k, "Host") || strings.EqualFold(k, "Connection") {
			continue
		}
		headers[k] = v
	}

	entry := &pendingRequest{
		deadline: time.Now().Add(timeout),
		done:     make(chan wire.HTTPResponseEnvelope, 1),
	}

	if !t.install(desktopID, id, entry) {
		http.Error(w, "Desktop has too many in-flight requests", http.StatusServiceUnavailable)
		return
	}
	defer t.remove(desktopID, id)

	env := wire.HTTPRequestEnvelope{
		ID:      id,
		Method:  r.Method,
		URL:     r.URL.RequestURI(),
		Headers: headers,
		Body:    body,
	}
	f, err := wire.Encode("http:request", env)
	if err != nil {
		http.Error(w, "failed to encode request", http.StatusInternalServerError)
		return
	}
	if err := t.dispatch.Send(desktopID, f); err != nil {
		t.logger.Warn("tunnel: dispatch failed", "desktop_id", desktopID, "request_id", id, "error", err)
		http.Error(w, "Desktop disconnected", http.StatusServiceUnavailable)
		return
	}

	// The sources of completion are a matched response (via Complete),
	// the shared sweeper evicting this entry past its deadline (via
	// sweep), and a desktop disconnect (via DesktopDisconnected) — all
	// funnel through entry.complete's sync.Once, so exactly one write
	// ever reaches the responder.
	select {
	case resp := <-entry.done:
		writeResponse(w, resp)
	case <-ctx.Done():
	case <-t.stopCh:
		http.Error(w, "Desktop disconnected", http.StatusServiceUnavailable)
	}
}

func writeResponse(w http.ResponseWriter, resp wire.HTTPResponseEnvelope) {
	for k, vs := range resp.Headers {
		if strings.EqualFold(k, "Content-Encoding") || strings.EqualFold(k, "Transfer-Encoding") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// Complete matches a response envelope to its pending request. If no
// pending entry exists (already timed out, already completed, or unknown
// id), it is logged and dropped per the relay's failure semantics.
func (t *Tunnel) Complete(desktopID string, env wire.HTTPResponseEnvelope) {
	t.mu.Lock()
	table, ok := t.pending[desktopID]
	var entry *pendingRequest
	if ok {
		entry, ok = table[env.ID]
	}
	t.mu.Unlock()
	if !ok {
		t.logger.Debug("tunnel: response for unknown or completed request", "desktop_id", desktopID, "request_id", env.ID)
		return
	}
	entry.complete(env)
}

// DesktopDisconnected completes every pending request for desktopID with
// 503 and clears its table, per the relay's disconnect failure semantics.
func (t *Tunnel) DesktopDisconnected(desktopID string) {
	t.mu.Lock()
	table := t.pending[desktopID]
	delete(t.pending, desktopID)
	t.mu.Unlock()

	for _, entry := range table {
		entry.complete(wire.HTTPResponseEnvelope{
			Status:  http.StatusServiceUnavailable,
			Headers: map[string][]string{"Content-Type": {"text/plain"}},
			Body:    []byte("Desktop disconnected"),
		})
	}
}

func (t *Tunnel) install(desktopID, requestID string, entry *pendingRequest) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	table, ok := t.pending[desktopID]
	if !ok {
		table = make(map[string]*pendingRequest)
		t.pending[desktopID] = table
	}
	if t.maxPend > 0 && len(table) >= t.maxPend {
		return false
	}
	table[requestID] = entry
	return true
}

func (t *Tunnel) remove(desktopID, requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if table, ok := t.pending[desktopID]; ok {
		delete(table, requestID)
		if len(table) == 0 {
			delete(t.pending, desktopID)
		}
	}
}

// PendingCount reports the number of in-flight requests for a desktop;
// used by tests and the backpressure snapshot.
func (t *Tunnel) PendingCount(desktopID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending[desktopID])
}

// TotalPending reports the number of in-flight requests across every
// desktop, for the process-wide load snapshot.
func (t *Tunnel) TotalPending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, table := range t.pending {
		n += len(table)
	}
	return n
}

// Stop halts the sweep loop.
func (t *Tunnel) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// sweepLoop evicts entries whose deadline has passed without action, as
// defense in depth against a missed completion/timeout race — it runs on
// one shared ticker rather than a timer per request.
func (t *Tunnel) sweepLoop() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case now := <-ticker.C:
			t.sweep(now)
		}
	}
}

func (t *Tunnel) sweep(now time.Time) {
	t.mu.Lock()
	var expired []*pendingRequest
	for _, table := range t.pending {
		for id, entry := range table {
			if now.After(entry.deadline) {
				expired = append(expired, entry)
				delete(table, id)
			}
		}
	}
	t.mu.Unlock()

	for _, entry := range expired {
		entry.complete(wire.HTTPResponseEnvelope{
			Status:  http.StatusGatewayTimeout,
			Headers: map[string][]string{"Content-Type": {"text/plain"}},
			Body:    []byte("Gateway Timeout"),
		})
	}
}
