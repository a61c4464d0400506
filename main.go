// ABOUTME: Entry point for the soundmesh node
// ABOUTME: Parses CLI flags and runs the mesh runtime
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Soundmesh-Protocol/soundmesh-go/internal/audio"
	"github.com/Soundmesh-Protocol/soundmesh-go/internal/node"
	"github.com/Soundmesh-Protocol/soundmesh-go/internal/protocol"
	"github.com/Soundmesh-Protocol/soundmesh-go/internal/sink"
	"github.com/Soundmesh-Protocol/soundmesh-go/internal/source"
)

var (
	name       = flag.String("name", "", "Node friendly name (default: hostname-soundmesh)")
	port       = flag.Int("port", 8937, "Port for the websocket listener and mDNS advertisement")
	stableUUID = flag.String("uuid", "", "Stable node identity (generated per process when empty)")
	connectTo  = flag.String("connect", "", "Manual peer address to dial (skip mDNS)")
	noMDNS     = flag.Bool("no-mdns", false, "Disable LAN discovery")
	playTone   = flag.Bool("tone", false, "Stream a local 440Hz test tone to the local sink")
	playFile   = flag.String("file", "", "Stream a local MP3/FLAC file to the local sink")
	relayTTL   = flag.Int("conversation-expire", 300, "Rendezvous conversation TTL in seconds")
	logFile    = flag.String("log-file", "", "Log file path (default: stdout only)")
)

func main() {
	flag.Parse()

	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Fatalf("error opening log file: %v", err)
		}
		defer func() { _ = f.Close() }()
		log.SetOutput(io.MultiWriter(os.Stdout, f))
	}

	nodeName := *name
	if nodeName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		nodeName = fmt.Sprintf("%s-soundmesh", hostname)
	}

	capacities := []protocol.Capacity{protocol.CapacityHTTPServerAccessible}
	if *playTone || *playFile != "" {
		capacities = append(capacities, protocol.CapacitySharedStateKeeper)
	}

	n := node.New(node.Config{
		Name:        nodeName,
		UUID:        *stableUUID,
		Port:        *port,
		Capacities:  capacities,
		EnableMDNS:  !*noMDNS,
		RelayExpire: time.Duration(*relayTTL) * time.Second,
	})

	if err := n.Start(); err != nil {
		log.Fatalf("Failed to start node: %v", err)
	}
	log.Printf("Starting soundmesh node: %s", nodeName)

	if *connectTo != "" {
		if err := n.ConnectTo(*connectTo); err != nil {
			log.Fatalf("Connection to %s failed: %v", *connectTo, err)
		}
		log.Printf("Connected to peer at %s", *connectTo)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A local source piped to the local sink exercises the whole sync
	// chain on one machine.
	if *playTone || *playFile != "" {
		local := n.Manager().LocalPeer()

		var src *source.Source
		if *playFile != "" {
			s, err := source.StartFile(ctx, local, *playFile)
			if err != nil {
				log.Fatalf("Failed to open %s: %v", *playFile, err)
			}
			src = s
		} else {
			src = source.StartTestTone(ctx, local, audio.Format{})
		}

		out := sink.NewSink(local.UUID(), nodeName)
		if err := out.BindSource(ctx, src); err != nil {
			log.Fatalf("Failed to bind local sink: %v", err)
		}
		defer out.UnbindSource()

		log.Printf("Playing %s on local sink", src.Name())
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Printf("Shutdown signal received")

	n.Stop()
	log.Printf("Node stopped")
}
