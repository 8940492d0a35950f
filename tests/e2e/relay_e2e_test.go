package e2e

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gorilla/websocket"

	"github.com/fernrelay/relay/internal/wire"
)

func tunneledRequest(h *harness, sessionID, method, path string, body io.Reader) *http.Request {
	req, err := http.NewRequest(method, h.http.URL+path, body)
	Expect(err).NotTo(HaveOccurred())
	req.Host = strings.ToLower(sessionID) + ".relay.local"
	return req
}

var _ = Describe("Desktop registration", func() {
	It("issues a session id, connect URL, and token", func() {
		h := newHarness(time.Second, time.Second)
		defer h.close()

		conn, reg := h.dialDesktop()
		defer conn.Close()

		Expect(reg.SessionID).NotTo(BeEmpty())
		Expect(reg.Token).NotTo(BeEmpty())
		Expect(reg.URL).To(ContainSubstring(strings.ToLower(reg.SessionID)))
		Expect(reg.ConnectURL).To(ContainSubstring(reg.Token))
	})
})

var _ = Describe("HTTP tunneling", func() {
	It("round-trips a request through the desktop's control socket", func() {
		h := newHarness(2*time.Second, 2*time.Second)
		defer h.close()

		desktopConn, reg := h.dialDesktop()
		defer desktopConn.Close()

		done := make(chan struct{})
		go func() {
			defer close(done)
			f := readFrame(desktopConn)
			Expect(f.Event).To(Equal("http:request"))
			var reqEnv wire.HTTPRequestEnvelope
			Expect(json.Unmarshal(f.Data, &reqEnv)).To(Succeed())
			Expect(reqEnv.Method).To(Equal("GET"))

			respEnv := wire.HTTPResponseEnvelope{
				ID:      reqEnv.ID,
				Status:  200,
				Headers: map[string][]string{"Content-Type": {"text/html"}},
				Body:    []byte("<h1>hello</h1>"),
			}
			respFrame, err := wire.Encode("http:response", respEnv)
			Expect(err).NotTo(HaveOccurred())
			writeFrame(desktopConn, respFrame)
		}()

		req := tunneledRequest(h, reg.SessionID, "GET", "/index.html", nil)
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		Expect(resp.StatusCode).To(Equal(200))
		Expect(string(body)).To(Equal("<h1>hello</h1>"))

		Eventually(done).Should(BeClosed())
	})
})

var _ = Describe("Tunnel timeout", func() {
	It("returns 504 when the desktop never answers", func() {
		h := newHarness(100*time.Millisecond, 100*time.Millisecond)
		defer h.close()

		desktopConn, reg := h.dialDesktop()
		defer desktopConn.Close()

		go func() {
			for {
				if _, _, err := desktopConn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		req := tunneledRequest(h, reg.SessionID, "GET", "/slow.html", nil)
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		Expect(resp.StatusCode).To(Equal(http.StatusGatewayTimeout))
	})
})

var _ = Describe("Desktop disconnect", func() {
	It("fails in-flight requests with 503 instead of hanging", func() {
		h := newHarness(5*time.Second, 5*time.Second)
		defer h.close()

		desktopConn, reg := h.dialDesktop()

		received := make(chan struct{})
		go func() {
			readFrame(desktopConn) // http:request, never answered
			close(received)
			desktopConn.Close()
		}()

		req := tunneledRequest(h, reg.SessionID, "GET", "/will-fail.html", nil)
		done := make(chan *http.Response)
		go func() {
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			done <- resp
		}()

		Eventually(received).Should(BeClosed())

		var resp *http.Response
		Eventually(done).Should(Receive(&resp))
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
	})
})

var _ = Describe("Bridge ack", func() {
	It("delivers a desktop's bridge:response back to the client as an $ack", func() {
		h := newHarness(time.Second, 2*time.Second)
		defer h.close()

		desktopConn, reg := h.dialDesktop()
		defer desktopConn.Close()
		clientConn := h.dialClient(reg.SessionID, reg.Token)
		defer clientConn.Close()

		go func() {
			f := readFrame(desktopConn)
			Expect(f.Event).To(Equal("bridge:request"))
			var reqEnv wire.BridgeRequestEnvelope
			Expect(json.Unmarshal(f.Data, &reqEnv)).To(Succeed())

			resp := wire.BridgeResponseEnvelope{RequestID: reqEnv.RequestID, Response: json.RawMessage(`{"ok":true}`)}
			respFrame, err := wire.Encode("bridge:response", resp)
			Expect(err).NotTo(HaveOccurred())
			writeFrame(desktopConn, respFrame)
		}()

		args, _ := json.Marshal(struct {
			Event string            `json:"event"`
			Args  []json.RawMessage `json:"args"`
		}{Event: "run-command", Args: nil})
		writeFrame(clientConn, wire.Frame{Event: "run-command", Data: args, AckID: "ack-1"})

		ack := readFrame(clientConn)
		Expect(ack.Event).To(Equal("$ack"))
		var ackEnv wire.AckEnvelope
		Expect(json.Unmarshal(ack.Data, &ackEnv)).To(Succeed())
		Expect(ackEnv.AckID).To(Equal("ack-1"))
		Expect(string(ackEnv.Response)).To(Equal(`{"ok":true}`))
	})
})

var _ = Describe("Double bridge:response", func() {
	It("resolves the ack once and ignores the second response", func() {
		h := newHarness(time.Second, 2*time.Second)
		defer h.close()

		desktopConn, reg := h.dialDesktop()
		defer desktopConn.Close()
		clientConn := h.dialClient(reg.SessionID, reg.Token)
		defer clientConn.Close()

		go func() {
			f := readFrame(desktopConn)
			var reqEnv wire.BridgeRequestEnvelope
			Expect(json.Unmarshal(f.Data, &reqEnv)).To(Succeed())

			resp := wire.BridgeResponseEnvelope{RequestID: reqEnv.RequestID, Response: json.RawMessage(`"first"`)}
			respFrame, _ := wire.Encode("bridge:response", resp)
			writeFrame(desktopConn, respFrame)

			// A second, late response for the same requestId must be a no-op.
			resp2 := wire.BridgeResponseEnvelope{RequestID: reqEnv.RequestID, Response: json.RawMessage(`"second"`)}
			respFrame2, _ := wire.Encode("bridge:response", resp2)
			writeFrame(desktopConn, respFrame2)
		}()

		args, _ := json.Marshal(struct {
			Event string            `json:"event"`
			Args  []json.RawMessage `json:"args"`
		}{Event: "run-command", Args: nil})
		writeFrame(clientConn, wire.Frame{Event: "run-command", Data: args, AckID: "ack-1"})

		ack := readFrame(clientConn)
		var ackEnv wire.AckEnvelope
		Expect(json.Unmarshal(ack.Data, &ackEnv)).To(Succeed())
		Expect(string(ackEnv.Response)).To(Equal(`"first"`))

		// No second $ack should ever arrive for the same ackId.
		_ = clientConn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		_, _, err := clientConn.ReadMessage()
		Expect(err).To(HaveOccurred())
		timeoutErr, ok := err.(interface{ Timeout() bool })
		Expect(ok).To(BeTrue())
		Expect(timeoutErr.Timeout()).To(BeTrue())
	})
})

var _ = Describe("Plain event forwarding", func() {
	It("forwards non-ack events from the client straight to the desktop", func() {
		h := newHarness(time.Second, time.Second)
		defer h.close()

		desktopConn, reg := h.dialDesktop()
		defer desktopConn.Close()
		clientConn := h.dialClient(reg.SessionID, reg.Token)
		defer clientConn.Close()

		args, _ := json.Marshal(struct {
			Event string            `json:"event"`
			Args  []json.RawMessage `json:"args"`
		}{Event: "mouse-move", Args: []json.RawMessage{[]byte(`{"x":10,"y":20}`)}})
		writeFrame(clientConn, wire.Frame{Event: "mouse-move", Data: args})

		f := readFrame(desktopConn)
		Expect(f.Event).To(Equal("mouse-move"))
	})
})

var _ = Describe("Unregistered session", func() {
	It("returns 404 for a tunnel request to a session that was never registered", func() {
		h := newHarness(time.Second, time.Second)
		defer h.close()

		req := tunneledRequest(h, "ZZZZZZ", "GET", "/", nil)
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
	})
})

var _ = Describe("Request body passthrough", func() {
	It("forwards the request body to the desktop unmodified", func() {
		h := newHarness(2*time.Second, time.Second)
		defer h.close()

		desktopConn, reg := h.dialDesktop()
		defer desktopConn.Close()

		go func() {
			f := readFrame(desktopConn)
			var reqEnv wire.HTTPRequestEnvelope
			Expect(json.Unmarshal(f.Data, &reqEnv)).To(Succeed())
			Expect(string(reqEnv.Body)).To(Equal(`{"form":"data"}`))

			respEnv := wire.HTTPResponseEnvelope{ID: reqEnv.ID, Status: 201}
			respFrame, _ := wire.Encode("http:response", respEnv)
			writeFrame(desktopConn, respFrame)
		}()

		req := tunneledRequest(h, reg.SessionID, "POST", "/submit", bytes.NewBufferString(`{"form":"data"}`))
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(201))
	})
})

var _ = Describe("Invalid client handshake", func() {
	It("rejects a connection with neither a role nor a session id", func() {
		h := newHarness(time.Second, time.Second)
		defer h.close()

		conn, _, err := websocket.DefaultDialer.Dial(h.wsURL+"/ws", nil)
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close()

		f := readFrame(conn)
		Expect(f.Event).To(Equal("error"))
	})
})
