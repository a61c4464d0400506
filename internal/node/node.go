// ABOUTME: Node runtime wiring transport, peers, discovery and relay
// ABOUTME: The explicit context that owns the local peer and registry
package node

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Soundmesh-Protocol/soundmesh-go/internal/discovery"
	"github.com/Soundmesh-Protocol/soundmesh-go/internal/peer"
	"github.com/Soundmesh-Protocol/soundmesh-go/internal/protocol"
	"github.com/Soundmesh-Protocol/soundmesh-go/internal/rendezvous"
	"github.com/Soundmesh-Protocol/soundmesh-go/internal/transport"
	"github.com/Soundmesh-Protocol/soundmesh-go/internal/version"
	"github.com/google/uuid"
)

// Config holds node configuration.
type Config struct {
	Name string
	// UUID is the stable identity surviving restarts; generated when
	// empty (the identity then lasts one process).
	UUID            string
	Port            int
	Capacities      []protocol.Capacity
	EnableMDNS      bool
	RelayExpire     time.Duration
	ResponseTimeout time.Duration
}

// Node is the running mesh participant. It owns the peer manager (and
// through it the local peer), the websocket listener, LAN discovery
// and the rendezvous relay endpoints.
type Node struct {
	config  Config
	manager *peer.Manager
	disc    *discovery.Manager
	relay   *rendezvous.Store

	httpServer *http.Server

	mu      sync.Mutex
	dialing map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a node and its local peer.
func New(config Config) *Node {
	if config.UUID == "" {
		config.UUID = uuid.NewString()
	}
	if config.Name == "" {
		config.Name = "soundmesh-node"
	}

	desc := protocol.PeerDescriptor{
		UUID:         config.UUID,
		InstanceUUID: uuid.NewString(),
		Name:         config.Name,
		Version:      version.Version,
		Capacities:   config.Capacities,
	}

	manager := peer.NewManager(desc)
	if config.ResponseTimeout > 0 {
		manager.SetNoResponseTimeout(config.ResponseTimeout)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		config:  config,
		manager: manager,
		relay:   rendezvous.NewStore(config.RelayExpire),
		dialing: make(map[string]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Manager returns the peer registry.
func (n *Node) Manager() *peer.Manager {
	return n.manager
}

// Relay returns the rendezvous store served by this node.
func (n *Node) Relay() *rendezvous.Store {
	return n.relay
}

// Start brings up the listener and, when enabled, LAN discovery.
func (n *Node) Start() error {
	mux := http.NewServeMux()
	mux.Handle("/soundmesh", transport.Handler(func(ws *transport.WebSocket) {
		n.manager.AddLink(ws)
	}))
	mux.Handle("/api/", n.relay.Handler())
	n.relay.StartSweeper(n.ctx)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", n.config.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", n.config.Port, err)
	}

	n.httpServer = &http.Server{Handler: mux}
	go func() {
		if err := n.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("Node: http server failed: %v", err)
		}
	}()
	log.Printf("Node %s listening on %s", n.config.Name, listener.Addr())

	if n.config.EnableMDNS {
		n.disc = discovery.NewManager(discovery.Config{
			NodeName: n.config.Name,
			NodeUUID: n.config.UUID,
			Port:     n.config.Port,
		})
		if err := n.disc.Advertise(); err != nil {
			log.Printf("Node: mdns advertise failed: %v", err)
		}
		n.disc.Browse()
		go n.dialDiscovered()
	}

	return nil
}

// dialDiscovered connects to nodes surfacing from mDNS. The uuid
// ordering tiebreak keeps two nodes from dialing each other at once;
// the duplicate-resolution rule cleans up when they do anyway.
func (n *Node) dialDiscovered() {
	for {
		select {
		case <-n.ctx.Done():
			return
		case found := <-n.disc.Nodes():
			if found.UUID != "" && found.UUID < n.config.UUID {
				continue
			}
			if _, ok := n.manager.Peer(found.UUID); ok {
				continue
			}

			n.mu.Lock()
			if n.dialing[found.UUID] {
				n.mu.Unlock()
				continue
			}
			n.dialing[found.UUID] = true
			n.mu.Unlock()

			addr := fmt.Sprintf("%s:%d", found.Host, found.Port)
			go func(uuid, addr string) {
				defer func() {
					n.mu.Lock()
					delete(n.dialing, uuid)
					n.mu.Unlock()
				}()
				if err := n.ConnectTo(addr); err != nil {
					log.Printf("Node: dial %s failed: %v", addr, err)
				}
			}(found.UUID, addr)
		}
	}
}

// ConnectTo dials a peer's websocket endpoint and adds the link.
func (n *Node) ConnectTo(addr string) error {
	ws, err := transport.Dial(addr)
	if err != nil {
		return err
	}
	n.manager.AddLink(ws)
	return nil
}

// Stop shuts the node down.
func (n *Node) Stop() {
	n.cancel()
	if n.disc != nil {
		n.disc.Stop()
	}
	if n.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n.httpServer.Shutdown(shutdownCtx)
	}
	for _, p := range n.manager.Peers() {
		if !p.IsLocal() {
			p.Destroy(peer.DestroyOptions{AdvertiseDestroy: true})
		}
	}
}
