// ABOUTME: Diagnostic tool measuring clock offset against a mesh node
// ABOUTME: Dials a peer, completes time sync and reports the delta
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/Soundmesh-Protocol/soundmesh-go/internal/clock"
	"github.com/Soundmesh-Protocol/soundmesh-go/internal/node"
	"github.com/Soundmesh-Protocol/soundmesh-go/internal/peer"
)

var (
	peerAddr = flag.String("peer", "localhost:8937", "Peer node address")
	name     = flag.String("name", "sync-probe", "Probe node name")
	port     = flag.Int("port", 8938, "Local listener port")
	watch    = flag.Bool("watch", false, "Keep printing delta updates")
)

func main() {
	flag.Parse()

	log.SetFlags(log.Ltime | log.Lmicroseconds)

	n := node.New(node.Config{Name: *name, Port: *port, EnableMDNS: false})
	if err := n.Start(); err != nil {
		log.Fatalf("start probe node: %v", err)
	}
	defer n.Stop()

	if err := n.ConnectTo(*peerAddr); err != nil {
		log.Fatalf("dial %s: %v", *peerAddr, err)
	}

	// The peer registers itself once the handshake lands.
	target := waitForPeer(n)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := target.WaitForFirstTimeSync(ctx); err != nil {
		log.Fatalf("time sync never completed: %v", err)
	}

	fmt.Printf("peer %s (%s)\n", target.Name(), target.UUID())
	fmt.Printf("committed delta: %+.2f ms\n", target.TimeDelta())
	fmt.Printf("precise delta:   %+.2f ms\n", target.CurrentTime(true)-clock.Now())

	if !*watch {
		return
	}

	updates := make(chan float64, 4)
	remove := target.OnTimedeltaUpdated(func(d float64) { updates <- d })
	defer remove()

	for d := range updates {
		fmt.Printf("delta updated: %+.2f ms\n", d)
	}
}

func waitForPeer(n *node.Node) *peer.Peer {
	deadline := time.After(10 * time.Second)
	for {
		for _, p := range n.Manager().Peers() {
			if !p.IsLocal() {
				return p
			}
		}
		select {
		case <-deadline:
			log.Fatalf("peer never registered")
		case <-time.After(50 * time.Millisecond):
		}
	}
}
