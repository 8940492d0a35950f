package relayserver

import (
	"sync"

	"github.com/fernrelay/relay/internal/bridge"
	"github.com/fernrelay/relay/internal/wire"
)

// localDesktop is a desktop whose control socket is live in this process.
// SessionStore may know about desktops registered on other replicas too;
// only entries in this registry can actually be dispatched to from here.
type localDesktop struct {
	sessionID string
	socketID  string
	socket    *wire.Socket

	mu          sync.Mutex
	attachments map[*bridge.Attachment]struct{}
}

func newLocalDesktop(sessionID, socketID string, socket *wire.Socket) *localDesktop {
	return &localDesktop{
		sessionID:   sessionID,
		socketID:    socketID,
		socket:      socket,
		attachments: make(map[*bridge.Attachment]struct{}),
	}
}

func (d *localDesktop) addAttachment(a *bridge.Attachment) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attachments[a] = struct{}{}
}

func (d *localDesktop) removeAttachment(a *bridge.Attachment) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.attachments, a)
}

// broadcast calls fn for every attachment currently on this desktop — the
// broadcast coexistence model: every client attached to a session sees the
// same desktop-originated traffic, each through its own attachment state.
func (d *localDesktop) broadcast(fn func(*bridge.Attachment)) {
	d.mu.Lock()
	snapshot := make([]*bridge.Attachment, 0, len(d.attachments))
	for a := range d.attachments {
		snapshot = append(snapshot, a)
	}
	d.mu.Unlock()
	for _, a := range snapshot {
		fn(a)
	}
}

// registry tracks every desktop connected to this process, keyed by
// session id.
type registry struct {
	mu       sync.RWMutex
	desktops map[string]*localDesktop
}

func newRegistry() *registry {
	return &registry{desktops: make(map[string]*localDesktop)}
}

func (r *registry) add(d *localDesktop) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.desktops[d.sessionID] = d
}

func (r *registry) get(sessionID string) (*localDesktop, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.desktops[sessionID]
	return d, ok
}

func (r *registry) remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.desktops, sessionID)
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.desktops)
}
