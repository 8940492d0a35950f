package relayserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fernrelay/relay/internal/bridge"
	"github.com/fernrelay/relay/internal/idgen"
	"github.com/fernrelay/relay/internal/relayerr"
	"github.com/fernrelay/relay/internal/sessionstore"
	"github.com/fernrelay/relay/internal/wire"
)

// handshakeAuth is the connect-time auth object clients present.
type handshakeAuth struct {
	Role      string `json:"role"`
	DeviceID  string `json:"deviceId"`
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
}

const refreshInterval = 5 * time.Minute

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	auth := parseHandshake(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Warn("relayserver: websocket upgrade failed", "error", err)
		return
	}
	sock := wire.NewSocket(conn)

	role := auth.Role
	if role == "" && auth.SessionID != "" {
		role = "client" // legacy: sessionId with no role is treated as client
	}

	switch role {
	case "desktop":
		s.handleDesktopSocket(sock, auth)
	case "client":
		s.handleClientSocket(sock, auth)
	default:
		_ = sock.SendEvent("error", wire.ErrorEnvelope{Message: "Invalid connection parameters"})
		_ = sock.Close()
	}
}

func parseHandshake(r *http.Request) handshakeAuth {
	q := r.URL.Query()
	return handshakeAuth{
		Role:      q.Get("role"),
		DeviceID:  q.Get("deviceId"),
		SessionID: idgen.Canonical(q.Get("sessionId")),
		Token:     q.Get("token"),
	}
}

func (s *Server) handleDesktopSocket(sock *wire.Socket, auth handshakeAuth) {
	ctx := context.Background()

	sessionID, err := idgen.Generate(ctx, func(ctx context.Context, id string) (bool, error) {
		if _, ok := s.reg.get(id); ok {
			return true, nil
		}
		_, err := s.Store.Get(ctx, id)
		return err == nil, nil
	})
	if err != nil {
		s.Logger.Warn("relayserver: id generation failed", "error", err)
		_ = sock.SendEvent("error", wire.ErrorEnvelope{Message: "Could not allocate a session id"})
		_ = sock.Close()
		return
	}

	socketID := uuid.New().String()
	url := "https://" + toLower(sessionID) + "." + s.Config.BaseDomain

	reg := sessionstore.DesktopRegistration{
		SessionID: sessionID,
		SocketID:  socketID,
		DeviceID:  auth.DeviceID,
		URL:       url,
		CreatedAt: time.Now(),
	}
	if err := s.Store.Put(ctx, reg, s.Config.SessionTTL); err != nil {
		s.Logger.Error("relayserver: session store put failed", "session_id", sessionID, "error", err)
		_ = sock.SendEvent("error", wire.ErrorEnvelope{Message: "Registration failed"})
		_ = sock.Close()
		return
	}

	tok, err := s.Issuer.Issue(sessionID, s.Config.SessionTTL)
	if err != nil {
		s.Logger.Error("relayserver: token issue failed", "session_id", sessionID, "error", err)
		_ = sock.SendEvent("error", wire.ErrorEnvelope{Message: "Registration failed"})
		_ = sock.Close()
		return
	}

	dt := newLocalDesktop(sessionID, socketID, sock)
	s.reg.add(dt)

	if err := sock.SendEvent("registered", wire.RegisteredEnvelope{
		SessionID:  sessionID,
		URL:        url,
		Token:      tok,
		ConnectURL: url + "?token=" + tok,
	}); err != nil {
		s.teardownDesktop(dt)
		return
	}

	s.Logger.Info("relayserver: desktop registered", "session_id", sessionID, "device_id", auth.DeviceID)

	refreshStop := make(chan struct{})
	var refreshOnce atomicOnce
	go s.refreshLoop(sessionID, refreshStop, &refreshOnce)

	defer func() {
		refreshOnce.do(func() { close(refreshStop) })
		s.teardownDesktop(dt)
	}()

	_ = sock.ReadLoop(func(f wire.Frame) error {
		return s.dispatchDesktopFrame(dt, f)
	})
}

// atomicOnce guards the close of refreshStop so it happens exactly once.
// The disconnect handler closes it before tearing the session down, which
// stops the refresh loop's ticker; a Refresh already in flight at that
// moment is not waited for.
type atomicOnce struct{ flag int32 }

func (o *atomicOnce) do(fn func()) {
	if atomic.CompareAndSwapInt32(&o.flag, 0, 1) {
		fn()
	}
}

func (s *Server) refreshLoop(sessionID string, stop chan struct{}, once *atomicOnce) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.Store.Refresh(context.Background(), sessionID, s.Config.SessionTTL); err != nil {
				s.Logger.Warn("relayserver: session refresh failed", "session_id", sessionID, "error", err)
			}
		}
	}
}

func (s *Server) dispatchDesktopFrame(dt *localDesktop, f wire.Frame) error {
	switch f.Event {
	case "http:response":
		var env wire.HTTPResponseEnvelope
		if err := json.Unmarshal(f.Data, &env); err != nil {
			s.Logger.Debug("relayserver: malformed http:response", "session_id", dt.sessionID, "error", err)
			return nil
		}
		s.tun.Complete(dt.socketID, env)
		return nil
	default:
		atomic.AddInt64(&s.bridgeReqs, 1)
		dt.broadcast(func(a *bridge.Attachment) {
			_ = a.HandleDesktopFrame(f)
		})
		return nil
	}
}

func (s *Server) teardownDesktop(dt *localDesktop) {
	s.reg.remove(dt.sessionID)
	s.tun.DesktopDisconnected(dt.socketID)
	dt.broadcast(func(a *bridge.Attachment) { a.Close() })
	_ = s.Store.Delete(context.Background(), dt.sessionID)
	s.Logger.Info("relayserver: desktop disconnected", "session_id", dt.sessionID)
}

func (s *Server) handleClientSocket(sock *wire.Socket, auth handshakeAuth) {
	sessionID := auth.SessionID
	if sessionID == "" || !idgen.Valid(sessionID) {
		_ = sock.SendEvent("error", wire.ErrorEnvelope{Message: "Invalid connection parameters"})
		_ = sock.Close()
		return
	}

	if auth.Token != "" {
		if err := s.Issuer.Verify(auth.Token, sessionID); err != nil {
			_ = sock.SendEvent("error", wire.ErrorEnvelope{Message: "Invalid or expired token"})
			_ = sock.Close()
			return
		}
	}

	dt, ok := s.reg.get(sessionID)
	if !ok {
		if _, err := s.Store.Get(context.Background(), sessionID); err != nil {
			_ = sock.SendEvent("error", wire.ErrorEnvelope{Message: relayErrMsg(&relayerr.SessionNotFoundError{SessionID: sessionID})})
		} else {
			_ = sock.SendEvent("error", wire.ErrorEnvelope{Message: relayErrMsg(&relayerr.DesktopOfflineError{SessionID: sessionID})})
		}
		_ = sock.Close()
		return
	}

	atomic.AddInt64(&s.clientCount, 1)
	defer atomic.AddInt64(&s.clientCount, -1)

	attachment := bridge.NewAttachment(sessionID, sock, dt.socket, func() string { return uuid.New().String() }, s.Config.BridgeTimeout, s.Logger)
	dt.addAttachment(attachment)
	defer func() {
		dt.removeAttachment(attachment)
		attachment.Close()
	}()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				attachment.SweepTimeouts(now)
			}
		}
	}()

	_ = sock.ReadLoop(attachment.HandleClientFrame)
}

func relayErrMsg(err error) string { return err.Error() }

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
