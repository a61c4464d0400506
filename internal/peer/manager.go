// ABOUTME: Registry of peers keyed by stable uuid
// ABOUTME: Owns the local peer and enforces singleton-per-uuid
package peer

import (
	"log"
	"sync"
	"time"

	"github.com/Soundmesh-Protocol/soundmesh-go/internal/protocol"
	"github.com/Soundmesh-Protocol/soundmesh-go/internal/transport"
)

// Manager is the arena of peers. Sinks and bindings look peers up by
// stable uuid instead of holding owning references, so peer teardown
// only has to clear the slot here. The local peer exists from startup
// and is always Connected.
type Manager struct {
	mu    sync.RWMutex
	local *Peer
	peers map[string]*Peer
	seen  map[string]bool

	noResponseTimeout time.Duration

	nextListener     int
	changeListeners  map[int]func(*Peer)
	connectListeners map[int]func(*Peer)
	newConnListeners map[int]func(*Peer)
	ctrlListeners    map[protocol.MessageType]map[int]func(*Peer, protocol.Envelope)
}

// NewManager creates a manager whose local peer carries the given
// descriptor.
func NewManager(local protocol.PeerDescriptor) *Manager {
	m := &Manager{
		peers:             make(map[string]*Peer),
		seen:              make(map[string]bool),
		noResponseTimeout: DefaultNoResponseTimeout,
		changeListeners:   make(map[int]func(*Peer)),
		connectListeners:  make(map[int]func(*Peer)),
		newConnListeners:  make(map[int]func(*Peer)),
		ctrlListeners:     make(map[protocol.MessageType]map[int]func(*Peer, protocol.Envelope)),
	}

	lp := newPeer(m, nil, m.noResponseTimeout)
	lp.isLocal = true
	lp.descriptor = local
	lp.state = Connected
	go lp.dispatchLoop()

	m.local = lp
	m.peers[local.UUID] = lp
	m.seen[local.UUID] = true
	return m
}

// SetNoResponseTimeout overrides the heartbeat timeout applied to
// links added after the call.
func (m *Manager) SetNoResponseTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.noResponseTimeout = d
}

// LocalPeer returns the peer representing this process.
func (m *Manager) LocalPeer() *Peer {
	return m.local
}

// AddLink wraps a fresh transport in a Connecting peer, sends our
// peerInfo handshake and starts the link loops. The peer joins the
// registry once its own peerInfo arrives.
func (m *Manager) AddLink(tr transport.Transport) *Peer {
	m.mu.RLock()
	timeout := m.noResponseTimeout
	m.mu.RUnlock()

	p := newPeer(m, tr, timeout)
	p.start()

	if err := p.SendPeerInfo(m.local.Descriptor()); err != nil {
		log.Printf("Manager: handshake send failed: %v", err)
	}

	m.attachControlListeners(p)
	return p
}

// attachControlListeners forwards every control message type that has
// manager-level subscribers.
func (m *Manager) attachControlListeners(p *Peer) {
	m.mu.RLock()
	types := make([]protocol.MessageType, 0, len(m.ctrlListeners))
	for t := range m.ctrlListeners {
		types = append(types, t)
	}
	m.mu.RUnlock()

	for _, t := range types {
		t := t
		p.OnMessage(t, func(env protocol.Envelope) {
			m.dispatchControl(p, env)
		})
	}
}

func (m *Manager) dispatchControl(p *Peer, env protocol.Envelope) {
	m.mu.RLock()
	listeners := make([]func(*Peer, protocol.Envelope), 0, len(m.ctrlListeners[env.Type]))
	for _, fn := range m.ctrlListeners[env.Type] {
		listeners = append(listeners, fn)
	}
	m.mu.RUnlock()
	for _, fn := range listeners {
		fn(p, env)
	}
}

// adoptLink applies the duplicate-resolution rule when a link learns
// its identity. Returns false when the newcomer was destroyed as a
// duplicate of an identical live instance.
func (m *Manager) adoptLink(p *Peer) bool {
	desc := p.Descriptor()
	if desc.UUID == "" {
		log.Printf("Manager: dropping link with empty peer uuid")
		p.Destroy(DestroyOptions{})
		return false
	}

	m.mu.Lock()
	existing, ok := m.peers[desc.UUID]
	if ok && existing != p && existing.State() != Deleted {
		if existing.InstanceUUID() == desc.InstanceUUID {
			// Same process connected twice: the newcomer loses.
			m.mu.Unlock()
			log.Printf("Manager: duplicate link for peer %s, destroying newcomer", desc.UUID)
			p.Destroy(DestroyOptions{})
			return false
		}
		// Same stable identity from a new process: the incumbent is
		// stale and is told so.
		m.mu.Unlock()
		log.Printf("Manager: peer %s restarted (instance %s -> %s), replacing incumbent",
			desc.UUID, existing.InstanceUUID(), desc.InstanceUUID)
		existing.Destroy(DestroyOptions{AdvertiseDestroy: true})
		m.mu.Lock()
	}

	m.peers[desc.UUID] = p
	isNew := !m.seen[desc.UUID]
	m.seen[desc.UUID] = true

	change := collect(m.changeListeners)
	connect := collect(m.connectListeners)
	var newConn []func(*Peer)
	if isNew {
		newConn = collect(m.newConnListeners)
	}
	m.mu.Unlock()

	for _, fn := range change {
		fn(p)
	}
	for _, fn := range connect {
		fn(p)
	}
	for _, fn := range newConn {
		fn(p)
	}
	return true
}

// dropLink clears a destroyed peer's registry slot if it still owns it.
func (m *Manager) dropLink(p *Peer) {
	id := p.UUID()
	if id == "" {
		return
	}

	m.mu.Lock()
	if m.peers[id] != p {
		m.mu.Unlock()
		return
	}
	delete(m.peers, id)
	change := collect(m.changeListeners)
	m.mu.Unlock()

	for _, fn := range change {
		fn(p)
	}
}

// Peer looks up a live peer by stable uuid.
func (m *Manager) Peer(uuid string) (*Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[uuid]
	return p, ok
}

// Peers returns all registered peers, local included.
func (m *Manager) Peers() []*Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out
}

// OnPeerChange registers a listener fired when a peer joins or leaves
// the registry.
func (m *Manager) OnPeerChange(fn func(*Peer)) func() {
	return m.addListener(&m.changeListeners, fn)
}

// OnConnectedPeer fires for every peer reaching the registry.
func (m *Manager) OnConnectedPeer(fn func(*Peer)) func() {
	return m.addListener(&m.connectListeners, fn)
}

// OnNewConnectedPeer fires only the first time a stable uuid is seen.
func (m *Manager) OnNewConnectedPeer(fn func(*Peer)) func() {
	return m.addListener(&m.newConnListeners, fn)
}

// OnControllerMessage subscribes to a control message type across all
// peers, current and future.
func (m *Manager) OnControllerMessage(t protocol.MessageType, fn func(*Peer, protocol.Envelope)) func() {
	m.mu.Lock()
	id := m.nextListener
	m.nextListener++
	firstForType := len(m.ctrlListeners[t]) == 0
	if m.ctrlListeners[t] == nil {
		m.ctrlListeners[t] = make(map[int]func(*Peer, protocol.Envelope))
	}
	m.ctrlListeners[t][id] = fn
	peers := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		if !p.isLocal {
			peers = append(peers, p)
		}
	}
	m.mu.Unlock()

	// Already-connected peers need the forwarding hook. One forwarder
	// per type per peer: it fans out to whatever listeners exist at
	// fire time.
	if firstForType {
		for _, p := range peers {
			p.OnMessage(t, func(env protocol.Envelope) {
				m.dispatchControl(p, env)
			})
		}
	}

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.ctrlListeners[t], id)
	}
}

func (m *Manager) addListener(reg *map[int]func(*Peer), fn func(*Peer)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextListener
	m.nextListener++
	(*reg)[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(*reg, id)
	}
}

func collect(reg map[int]func(*Peer)) []func(*Peer) {
	out := make([]func(*Peer), 0, len(reg))
	for _, fn := range reg {
		out = append(out, fn)
	}
	return out
}
