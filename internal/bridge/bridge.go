// Package bridge forwards named events between a client socket and its
// session's desktop socket in both directions, preserving acknowledgment
// (ack-callback) semantics across the hop via an explicit request/response
// sub-protocol.
package bridge

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/fernrelay/relay/internal/wire"
)

// DefaultTimeout is how long a bridge request waits for bridge:response
// before its ack is invoked with a timeout error, used when a caller does
// not supply its own timeout.
const DefaultTimeout = 30 * time.Second

// ClientFrame is what a client sends when forwarding an event: the event
// name, its argument list, and — when the caller expects an acknowledgment
// — an AckID the relay should resolve asynchronously via an "$ack" frame.
type ClientFrame struct {
	Event string            `json:"event"`
	Args  []json.RawMessage `json:"args"`
	AckID string            `json:"ackId,omitempty"`
}

type pendingAck struct {
	ackID    string
	deadline time.Time
	once     sync.Once
	resolve  func(response json.RawMessage, errMsg string)
}

// Attachment is one client's independent bridge onto a session's desktop
// socket. Per the relay's broadcast-coexistence design, every attachment
// owns its own pending-ack table so multiple clients on one session never
// share bridge state.
type Attachment struct {
	sessionID string
	client    *wire.Socket
	desktop   *wire.Socket
	logger    *slog.Logger
	nextID    func() string
	timeout   time.Duration

	mu      sync.Mutex
	pending map[string]*pendingAck
	closed  bool
}

// NewAttachment wires client and desktop sockets together. Feed it frames
// through HandleClientFrame and HandleDesktopFrame; call Close on
// disconnect of either side. timeout is
// how long a bridge request waits for bridge:response; a zero value falls
// back to DefaultTimeout.
func NewAttachment(sessionID string, client, desktop *wire.Socket, nextID func() string, timeout time.Duration, logger *slog.Logger) *Attachment {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Attachment{
		sessionID: sessionID,
		client:    client,
		desktop:   desktop,
		logger:    logger,
		nextID:    nextID,
		timeout:   timeout,
		pending:   make(map[string]*pendingAck),
	}
}

// HandleClientFrame is the client-to-desktop forward path. Events whose
// name carries a reserved prefix are dropped per the opacity invariant.
// An event with an AckID uses the bridge-request sub-protocol instead of
// forwarding directly.
func (a *Attachment) HandleClientFrame(f wire.Frame) error {
	if wire.HasReservedPrefix(f.Event) {
		return nil
	}

	var cf ClientFrame
	if err := json.Unmarshal(f.Data, &cf); err != nil {
		cf = ClientFrame{Event: f.Event}
	}
	if cf.Event == "" {
		cf.Event = f.Event
	}

	if f.AckID == "" && cf.AckID == "" {
		return a.forward(a.desktop, cf.Event, cf.Args)
	}

	ackID := f.AckID
	if ackID == "" {
		ackID = cf.AckID
	}
	return a.startBridgeRequest(ackID, cf.Event, cf.Args)
}

// HandleDesktopFrame is the desktop-to-client forward path, plus the
// bridge:response listener that resolves pending acks.
func (a *Attachment) HandleDesktopFrame(f wire.Frame) error {
	switch f.Event {
	case "bridge:response":
		var env wire.BridgeResponseEnvelope
		if err := json.Unmarshal(f.Data, &env); err != nil {
			a.logger.Warn("bridge: malformed bridge:response", "session_id", a.sessionID, "error", err)
			return nil
		}
		a.resolve(env.RequestID, env.Response, "")
		return nil
	default:
		if wire.HasReservedPrefix(f.Event) {
			return nil
		}
		var cf ClientFrame
		if err := json.Unmarshal(f.Data, &cf); err == nil && len(cf.Args) > 0 {
			return a.forward(a.client, f.Event, cf.Args)
		}
		return a.client.Send(f)
	}
}

func (a *Attachment) forward(dst *wire.Socket, event string, args []json.RawMessage) error {
	payload := ClientFrame{Event: event, Args: args}
	f, err := wire.Encode(event, payload)
	if err != nil {
		return err
	}
	return dst.Send(f)
}

func (a *Attachment) startBridgeRequest(ackID, event string, args []json.RawMessage) error {
	requestID := a.nextID()
	entry := &pendingAck{ackID: ackID, deadline: time.Now().Add(a.timeout)}
	entry.resolve = func(response json.RawMessage, errMsg string) {
		entry.once.Do(func() {
			ack := wire.AckEnvelope{AckID: ackID, Response: response, Error: errMsg}
			if err := a.client.SendEvent("$ack", ack); err != nil {
				a.logger.Debug("bridge: failed to deliver ack", "session_id", a.sessionID, "error", err)
			}
		})
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		entry.resolve(nil, "Connection closed")
		return nil
	}
	a.pending[requestID] = entry
	a.mu.Unlock()

	env := wire.BridgeRequestEnvelope{RequestID: requestID, Event: event, Args: args}
	f, err := wire.Encode("bridge:request", env)
	if err != nil {
		a.removePending(requestID)
		return err
	}
	if err := a.desktop.Send(f); err != nil {
		a.removePending(requestID)
		entry.resolve(nil, "Connection closed")
		return nil
	}
	return nil
}

// resolve matches a bridge:response requestId to its pending ack. Per the
// double-response rule, the first call wins and subsequent calls for the
// same id are no-ops because the entry has already been removed.
func (a *Attachment) resolve(requestID string, response json.RawMessage, errMsg string) {
	entry := a.removePending(requestID)
	if entry == nil {
		return
	}
	entry.resolve(response, errMsg)
}

func (a *Attachment) removePending(requestID string) *pendingAck {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry := a.pending[requestID]
	delete(a.pending, requestID)
	return entry
}

// SweepTimeouts resolves every pending ack whose deadline has passed with
// a timeout error. Intended to be driven by a periodic ticker (relayserver
// runs one per attachment), not a timer per request.
func (a *Attachment) SweepTimeouts(now time.Time) {
	a.mu.Lock()
	var expired []*pendingAck
	for id, entry := range a.pending {
		if now.After(entry.deadline) {
			expired = append(expired, entry)
			delete(a.pending, id)
		}
	}
	a.mu.Unlock()

	for _, entry := range expired {
		entry.resolve(nil, "Request timeout")
	}
}

// Close tears down the attachment: every still-pending ack is resolved
// with a connection-closed error and the table is cleared. Safe to call
// more than once.
func (a *Attachment) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	pending := a.pending
	a.pending = make(map[string]*pendingAck)
	a.mu.Unlock()

	for _, entry := range pending {
		entry.resolve(nil, "Connection closed")
	}
}
