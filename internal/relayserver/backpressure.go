package relayserver

import (
	"net/http"
	"strconv"
	"sync/atomic"
)

// loadHeaders stamps every response — tunneled or control — with the
// process's current load signal. An operator's load balancer can read
// X-Load-Factor to stop routing new desktop registrations to a replica
// that is already saturated, without this process ever running its own
// autoscaler.
func (s *Server) loadHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		desktops := s.reg.count()
		clients := int(atomic.LoadInt64(&s.clientCount))
		queueDepth := s.tun.TotalPending()
		loadFactor := desktops + clients

		w.Header().Set("X-Load-Factor", strconv.Itoa(loadFactor))
		w.Header().Set("X-Queue-Depth", strconv.Itoa(queueDepth))
		next.ServeHTTP(w, r)
	})
}
