// ABOUTME: Per-peer control link with state machine, RPC and watchdog
// ABOUTME: Serializes all message handling and event emission per peer
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Soundmesh-Protocol/soundmesh-go/internal/clock"
	"github.com/Soundmesh-Protocol/soundmesh-go/internal/protocol"
	"github.com/Soundmesh-Protocol/soundmesh-go/internal/stats"
	"github.com/Soundmesh-Protocol/soundmesh-go/internal/transport"
	"github.com/google/uuid"
)

const (
	// DefaultNoResponseTimeout destroys a link that has gone silent.
	DefaultNoResponseTimeout = 30 * time.Second

	// DeltaWindowSize bounds the ring of recent time-delta samples.
	DeltaWindowSize = 100
)

// ErrDestroyed is returned by operations on a deleted peer.
var ErrDestroyed = errors.New("peer destroyed")

// State is the peer lifecycle. Transitions are forward-only:
// Connecting -> Connected -> Deleted. Deleted is terminal; a
// reconnecting peer gets a fresh Peer value.
type State int

const (
	Connecting State = iota
	Connected
	Deleted
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Deleted:
		return "deleted"
	}
	return "unknown"
}

// RPCHandler serves one rpc_type. The returned value is marshalled
// into the response body; a non-nil error produces an is_error
// response carrying the error text.
type RPCHandler func(body json.RawMessage) (interface{}, error)

type rpcOutcome struct {
	body  json.RawMessage
	isErr bool
}

// Peer is one participant in the mesh: either the distinguished local
// peer (no transport, always Connected, delta 0 by construction) or a
// remote peer reached over a Transport. All inbound messages for a
// peer are handled on its single read goroutine; listener callbacks
// are emitted on a dedicated dispatch goroutine so notification order
// is identical whether the peer connected synchronously or later.
type Peer struct {
	mgr     *Manager
	tr      transport.Transport
	isLocal bool

	mu         sync.Mutex
	descriptor protocol.PeerDescriptor
	state      State
	deltaRing  *stats.Window
	timeDelta  float64

	pending     map[string]chan rpcOutcome
	rpcHandlers map[string]RPCHandler

	nextListener   int
	stateListeners map[int]func(State)
	deltaListeners map[int]func(float64)
	syncListeners  map[int]func()
	msgListeners   map[protocol.MessageType]map[int]func(protocol.Envelope)

	watchdog          *time.Timer
	noResponseTimeout time.Duration

	canTryReconnect bool

	events    chan func()
	done      chan struct{}
	destroyed bool
}

func newPeer(mgr *Manager, tr transport.Transport, timeout time.Duration) *Peer {
	if timeout <= 0 {
		timeout = DefaultNoResponseTimeout
	}

	p := &Peer{
		mgr:               mgr,
		tr:                tr,
		state:             Connecting,
		deltaRing:         stats.NewWindow(DeltaWindowSize),
		pending:           make(map[string]chan rpcOutcome),
		rpcHandlers:       make(map[string]RPCHandler),
		stateListeners:    make(map[int]func(State)),
		deltaListeners:    make(map[int]func(float64)),
		syncListeners:     make(map[int]func()),
		msgListeners:      make(map[protocol.MessageType]map[int]func(protocol.Envelope)),
		noResponseTimeout: timeout,
		events:            make(chan func(), 256),
		done:              make(chan struct{}),
	}
	return p
}

// start spins up the dispatch and read loops for a remote peer.
func (p *Peer) start() {
	go p.dispatchLoop()
	go p.readLoop()
	p.armWatchdog()
	p.startTimekeeper()
}

// UUID returns the stable identity, empty until peerInfo arrives.
func (p *Peer) UUID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.descriptor.UUID
}

// InstanceUUID returns the per-process identity.
func (p *Peer) InstanceUUID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.descriptor.InstanceUUID
}

// Name returns the human-readable peer name.
func (p *Peer) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.descriptor.Name
}

// Descriptor returns a copy of the current descriptor.
func (p *Peer) Descriptor() protocol.PeerDescriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.descriptor
}

// HasCapacity reports whether the peer advertises the capacity tag.
func (p *Peer) HasCapacity(c protocol.Capacity) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, have := range p.descriptor.Capacities {
		if have == c {
			return true
		}
	}
	return false
}

// IsLocal reports whether this is the process's own peer.
func (p *Peer) IsLocal() bool {
	return p.isLocal
}

// State returns the current lifecycle state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// CanTryReconnect reports whether the destroy reason permits a
// reconnect attempt (heartbeat expiry, transport loss).
func (p *Peer) CanTryReconnect() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canTryReconnect
}

// setState applies a forward-only transition and schedules listener
// notification on the dispatch goroutine (the "next tick").
func (p *Peer) setState(s State) {
	p.mu.Lock()
	if p.state == Deleted || s <= p.state {
		p.mu.Unlock()
		return
	}
	p.state = s
	if s != Connected {
		// Ring only survives while Connected.
		p.deltaRing.Flush()
	}
	listeners := make([]func(State), 0, len(p.stateListeners))
	for _, fn := range p.stateListeners {
		listeners = append(listeners, fn)
	}
	p.mu.Unlock()

	p.emit(func() {
		for _, fn := range listeners {
			fn(s)
		}
	})
}

// OnStateChange registers a listener for lifecycle transitions and
// returns its removal function.
func (p *Peer) OnStateChange(fn func(State)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextListener
	p.nextListener++
	p.stateListeners[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.stateListeners, id)
	}
}

// OnMessage registers a listener for a control message type.
func (p *Peer) OnMessage(t protocol.MessageType, fn func(protocol.Envelope)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextListener
	p.nextListener++
	if p.msgListeners[t] == nil {
		p.msgListeners[t] = make(map[int]func(protocol.Envelope))
	}
	p.msgListeners[t][id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.msgListeners[t], id)
	}
}

// WaitForConnected blocks until the peer reaches Connected, the peer
// is destroyed, or the context ends.
func (p *Peer) WaitForConnected(ctx context.Context) error {
	ready := make(chan struct{}, 1)
	remove := p.OnStateChange(func(s State) {
		if s == Connected {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
	})
	defer remove()

	if p.State() == Connected {
		return nil
	}

	select {
	case <-ready:
		return nil
	case <-p.done:
		return ErrDestroyed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// emit schedules a callback batch on the dispatch goroutine. The
// destroyed check and the send share the lock so a concurrent Destroy
// cannot close the channel in between.
func (p *Peer) emit(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return
	}
	select {
	case p.events <- fn:
	default:
		log.Printf("Peer: event queue full, dropping notification")
	}
}

func (p *Peer) dispatchLoop() {
	for fn := range p.events {
		fn()
	}
}

func (p *Peer) readLoop() {
	for {
		data, err := p.tr.Receive()
		if err != nil {
			if p.State() != Deleted {
				log.Printf("Peer %s: link lost: %v", p.logName(), err)
				p.Destroy(DestroyOptions{CanTryReconnect: true})
			}
			return
		}
		p.armWatchdog()

		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			log.Printf("Peer %s: dropping malformed message: %v", p.logName(), err)
			continue
		}
		p.handleMessage(env)
	}
}

// handleMessage dispatches one inbound control message. It runs on
// the read goroutine, so no two handlers for the same peer overlap.
func (p *Peer) handleMessage(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeTimekeepRequest:
		var req protocol.TimekeepRequest
		if err := protocol.DecodePayload(env, &req); err != nil {
			log.Printf("Peer %s: %v", p.logName(), err)
			return
		}
		resp := protocol.TimekeepResponse{SentAt: req.SentAt, RespondedAt: clock.Now()}
		if err := p.send(protocol.TypeTimekeepResponse, resp); err != nil {
			log.Printf("Peer %s: timekeep reflect failed: %v", p.logName(), err)
		}

	case protocol.TypeTimekeepResponse:
		var resp protocol.TimekeepResponse
		if err := protocol.DecodePayload(env, &resp); err != nil {
			log.Printf("Peer %s: %v", p.logName(), err)
			return
		}
		p.handleTimekeepResponse(resp, clock.Now())

	case protocol.TypePeerInfo:
		var info protocol.PeerInfo
		if err := protocol.DecodePayload(env, &info); err != nil {
			log.Printf("Peer %s: %v", p.logName(), err)
			return
		}
		p.handlePeerInfo(info)

	case protocol.TypeDisconnect:
		log.Printf("Peer %s: graceful disconnect", p.logName())
		p.Destroy(DestroyOptions{})

	case protocol.TypeRPC:
		var call protocol.RPC
		if err := protocol.DecodePayload(env, &call); err != nil {
			log.Printf("Peer %s: %v", p.logName(), err)
			return
		}
		p.handleRPC(call)

	default:
		// Extension message types are fine as long as someone listens.
	}

	p.mu.Lock()
	listeners := make([]func(protocol.Envelope), 0, len(p.msgListeners[env.Type]))
	for _, fn := range p.msgListeners[env.Type] {
		listeners = append(listeners, fn)
	}
	known := env.Type == protocol.TypeTimekeepRequest || env.Type == protocol.TypeTimekeepResponse ||
		env.Type == protocol.TypePeerInfo || env.Type == protocol.TypeDisconnect || env.Type == protocol.TypeRPC
	p.mu.Unlock()

	if !known && len(listeners) == 0 {
		log.Printf("Peer %s: unknown message type %q", p.logName(), env.Type)
		return
	}
	if len(listeners) > 0 {
		p.emit(func() {
			for _, fn := range listeners {
				fn(env)
			}
		})
	}
}

func (p *Peer) handlePeerInfo(info protocol.PeerInfo) {
	p.mu.Lock()
	p.descriptor = info.Peer
	p.mu.Unlock()

	if p.mgr != nil && !p.mgr.adoptLink(p) {
		// Rejected as a duplicate of an identical live instance.
		return
	}

	if p.State() == Connecting {
		p.setState(Connected)
		p.timekeepBurst(TimesyncInitRequestCount)
	}
}

func (p *Peer) handleRPC(call protocol.RPC) {
	if call.IsResponse {
		p.mu.Lock()
		ch, ok := p.pending[call.UUID]
		if ok {
			delete(p.pending, call.UUID)
		}
		p.mu.Unlock()
		if !ok {
			// Response to an RPC we no longer track.
			return
		}
		ch <- rpcOutcome{body: call.Body, isErr: call.IsError}
		return
	}

	p.mu.Lock()
	handler := p.rpcHandlers[call.RPCType]
	p.mu.Unlock()

	reply := protocol.RPC{UUID: call.UUID, RPCType: call.RPCType, IsResponse: true}
	if handler == nil {
		reply.IsError = true
		reply.Body, _ = json.Marshal(fmt.Sprintf("no handler for rpc type %q", call.RPCType))
	} else if result, err := handler(call.Body); err != nil {
		reply.IsError = true
		reply.Body, _ = json.Marshal(err.Error())
	} else if result != nil {
		body, err := json.Marshal(result)
		if err != nil {
			reply.IsError = true
			reply.Body, _ = json.Marshal(err.Error())
		} else {
			reply.Body = body
		}
	}

	if err := p.send(protocol.TypeRPC, reply); err != nil {
		log.Printf("Peer %s: rpc reply failed: %v", p.logName(), err)
	}
}

// HandleRPC registers the handler for an rpc_type, replacing any
// previous one.
func (p *Peer) HandleRPC(rpcType string, h RPCHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rpcHandlers[rpcType] = h
}

// SendRPC sends a correlated request and blocks for its response.
// There is no built-in timeout: callers bound it with the context.
// If the peer is destroyed mid-flight the call fails with
// ErrDestroyed rather than hanging.
func (p *Peer) SendRPC(ctx context.Context, rpcType string, body interface{}) (json.RawMessage, error) {
	if p.isLocal {
		return nil, errors.New("cannot rpc the local peer")
	}

	var raw json.RawMessage
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal rpc body: %w", err)
		}
		raw = data
	}

	id := uuid.NewString()
	ch := make(chan rpcOutcome, 1)

	p.mu.Lock()
	if p.state == Deleted {
		p.mu.Unlock()
		return nil, ErrDestroyed
	}
	p.pending[id] = ch
	p.mu.Unlock()

	call := protocol.RPC{UUID: id, RPCType: rpcType, Body: raw}
	if err := p.send(protocol.TypeRPC, call); err != nil {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
		return nil, err
	}

	select {
	case out := <-ch:
		if out.isErr {
			var text string
			if err := json.Unmarshal(out.body, &text); err != nil {
				text = string(out.body)
			}
			return nil, fmt.Errorf("remote rpc %s: %s", rpcType, text)
		}
		return out.body, nil
	case <-p.done:
		return nil, ErrDestroyed
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// send marshals and writes one control message.
func (p *Peer) send(t protocol.MessageType, payload interface{}) error {
	if p.tr == nil {
		return errors.New("local peer has no transport")
	}
	data, err := protocol.Encode(t, payload)
	if err != nil {
		return err
	}
	return p.tr.Send(data)
}

// SendMessage writes one typed control message to the peer.
func (p *Peer) SendMessage(t protocol.MessageType, payload interface{}) error {
	return p.send(t, payload)
}

// SendPeerInfo sends our own descriptor, used for the handshake and
// identity refreshes.
func (p *Peer) SendPeerInfo(desc protocol.PeerDescriptor) error {
	return p.send(protocol.TypePeerInfo, protocol.PeerInfo{Peer: desc})
}

func (p *Peer) armWatchdog() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return
	}
	if p.watchdog == nil {
		p.watchdog = time.AfterFunc(p.noResponseTimeout, func() {
			log.Printf("Peer %s: no response for %v, destroying", p.logName(), p.noResponseTimeout)
			p.Destroy(DestroyOptions{CanTryReconnect: true})
		})
		return
	}
	p.watchdog.Reset(p.noResponseTimeout)
}

// DestroyOptions qualifies a peer teardown.
type DestroyOptions struct {
	// CanTryReconnect marks transient losses where a reconnect hook
	// may re-dial the peer.
	CanTryReconnect bool
	// AdvertiseDestroy sends a disconnect notice before closing, used
	// when an incumbent is replaced by a restarted process.
	AdvertiseDestroy bool
}

// Destroy tears the peer down: terminal state, timers cancelled,
// listeners dropped, transport closed, manager slot cleared. In-flight
// RPCs fail with ErrDestroyed. Idempotent.
func (p *Peer) Destroy(opts DestroyOptions) {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	p.canTryReconnect = opts.CanTryReconnect
	if p.watchdog != nil {
		p.watchdog.Stop()
	}
	alreadyDeleted := p.state == Deleted
	p.state = Deleted
	p.deltaRing.Flush()
	listeners := make([]func(State), 0, len(p.stateListeners))
	for _, fn := range p.stateListeners {
		listeners = append(listeners, fn)
	}
	p.stateListeners = make(map[int]func(State))
	p.deltaListeners = make(map[int]func(float64))
	p.syncListeners = make(map[int]func())
	p.msgListeners = make(map[protocol.MessageType]map[int]func(protocol.Envelope))
	p.pending = make(map[string]chan rpcOutcome)

	if !alreadyDeleted && !p.isLocal {
		// Final notification, then the dispatch loop drains and exits.
		select {
		case p.events <- func() {
			for _, fn := range listeners {
				fn(Deleted)
			}
		}:
		default:
		}
	}
	close(p.events)
	close(p.done)
	p.mu.Unlock()

	if opts.AdvertiseDestroy && p.tr != nil {
		if err := p.send(protocol.TypeDisconnect, nil); err != nil {
			log.Printf("Peer %s: disconnect notice failed: %v", p.logName(), err)
		}
	}
	if p.tr != nil {
		p.tr.Close()
	}

	if p.mgr != nil {
		p.mgr.dropLink(p)
	}
}

func (p *Peer) logName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isLocal {
		return "local"
	}
	if p.descriptor.Name != "" {
		return p.descriptor.Name
	}
	if p.descriptor.UUID != "" {
		return p.descriptor.UUID
	}
	return "unidentified"
}
