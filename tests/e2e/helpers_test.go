package e2e

import (
	"encoding/json"
	"net/http/httptest"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fernrelay/relay/internal/config"
	"github.com/fernrelay/relay/internal/relayserver"
	"github.com/fernrelay/relay/internal/sessionstore"
	"github.com/fernrelay/relay/internal/token"
	"github.com/fernrelay/relay/internal/wire"
)

const testJWTSecret = "01234567890123456789012345678901"

type harness struct {
	server *relayserver.Server
	http   *httptest.Server
	store  *sessionstore.InMemory
	wsURL  string
}

func newHarness(pageTimeout, bridgeTimeout time.Duration) *harness {
	cfg := &config.Config{
		ListenPort:           8080,
		BaseDomain:           "relay.local",
		JWTSecret:            testJWTSecret,
		StoreBackend:         "memory",
		SessionTTL:           time.Hour,
		HTTPTimeoutPage:      pageTimeout,
		HTTPTimeoutAsset:     pageTimeout,
		BridgeTimeout:        bridgeTimeout,
		PendingPerDesktopMax: 100,
	}
	store := sessionstore.NewInMemory()
	issuer := token.NewIssuer(testJWTSecret)
	srv := relayserver.New(cfg, store, issuer, nil, nil)
	httpSrv := httptest.NewServer(srv.Handler())
	return &harness{
		server: srv,
		http:   httpSrv,
		store:  store,
		wsURL:  "ws" + strings.TrimPrefix(httpSrv.URL, "http"),
	}
}

func (h *harness) close() {
	h.http.Close()
	h.store.Stop()
}

func (h *harness) dialDesktop() (*websocket.Conn, wire.RegisteredEnvelope) {
	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL+"/ws?role=desktop&deviceId=dev-1", nil)
	if err != nil {
		panic(err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		panic(err)
	}
	var f wire.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		panic(err)
	}
	var reg wire.RegisteredEnvelope
	if err := json.Unmarshal(f.Data, &reg); err != nil {
		panic(err)
	}
	return conn, reg
}

func (h *harness) dialClient(sessionID, tok string) *websocket.Conn {
	u := h.wsURL + "/ws?role=client&sessionId=" + strings.ToLower(sessionID) + "&token=" + url.QueryEscape(tok)
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		panic(err)
	}
	return conn
}

func readFrame(conn *websocket.Conn) wire.Frame {
	_, data, err := conn.ReadMessage()
	if err != nil {
		panic(err)
	}
	var f wire.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		panic(err)
	}
	return f
}

func writeFrame(conn *websocket.Conn, f wire.Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		panic(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		panic(err)
	}
}
