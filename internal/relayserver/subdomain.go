package relayserver

import (
	"net/http"
	"strings"

	"github.com/fernrelay/relay/internal/idgen"
)

// sessionIDFromHost parses the Host header's left-most DNS label and
// returns the uppercased session id if it matches the id grammar and the
// remainder of the host equals baseDomain. Ports are stripped first.
func sessionIDFromHost(host, baseDomain string) (string, bool) {
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	suffix := "." + baseDomain
	if !strings.HasSuffix(host, suffix) {
		return "", false
	}
	label := strings.TrimSuffix(host, suffix)
	if strings.Contains(label, ".") {
		return "", false
	}
	if !idgen.Valid(label) {
		return "", false
	}
	return idgen.Canonical(label), true
}

// bypassPaths are served directly regardless of subdomain.
func isBypassPath(path string) bool {
	return path == "/health" || strings.HasPrefix(path, "/api/session/") || path == "/api/load" || path == "/metrics"
}

// sessionIDFromRequest is the SubdomainRouter entry point used by the HTTP
// handler chain.
func sessionIDFromRequest(r *http.Request, baseDomain string) (string, bool) {
	if isBypassPath(r.URL.Path) {
		return "", false
	}
	return sessionIDFromHost(r.Host, baseDomain)
}
