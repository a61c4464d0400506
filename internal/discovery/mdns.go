// ABOUTME: mDNS peer discovery for the soundmesh LAN mesh
// ABOUTME: Every node advertises itself and browses for other nodes
package discovery

import (
	"context"
	"fmt"
	"log"
	"net"

	"github.com/hashicorp/mdns"
)

// serviceType is the mDNS service every mesh node advertises.
const serviceType = "_soundmesh._tcp"

// Config holds discovery configuration.
type Config struct {
	NodeName string
	NodeUUID string
	Port     int
}

// PeerAddr describes a discovered mesh node.
type PeerAddr struct {
	Name string
	UUID string
	Host string
	Port int
}

// Manager handles mDNS advertisement and browsing. In a mesh there is
// no client/server split: every node does both.
type Manager struct {
	config Config
	ctx    context.Context
	cancel context.CancelFunc
	found  chan *PeerAddr
}

// NewManager creates a discovery manager.
func NewManager(config Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config: config,
		ctx:    ctx,
		cancel: cancel,
		found:  make(chan *PeerAddr, 10),
	}
}

// Advertise announces this node on the LAN.
func (m *Manager) Advertise() error {
	ips, err := getLocalIPs()
	if err != nil {
		return fmt.Errorf("get local ips: %w", err)
	}

	service, err := mdns.NewMDNSService(
		m.config.NodeName,
		serviceType,
		"",
		"",
		m.config.Port,
		ips,
		[]string{"uuid=" + m.config.NodeUUID},
	)
	if err != nil {
		return fmt.Errorf("create mdns service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("create mdns server: %w", err)
	}

	log.Printf("Advertising %s on port %d (%s)", m.config.NodeName, m.config.Port, serviceType)

	go func() {
		<-m.ctx.Done()
		server.Shutdown()
	}()

	return nil
}

// Browse starts the background query loop.
func (m *Manager) Browse() {
	go m.browseLoop()
}

func (m *Manager) browseLoop() {
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		entries := make(chan *mdns.ServiceEntry, 10)

		go func() {
			for entry := range entries {
				if entry.AddrV4 == nil {
					continue
				}
				found := &PeerAddr{
					Name: entry.Name,
					UUID: txtValue(entry.InfoFields, "uuid"),
					Host: entry.AddrV4.String(),
					Port: entry.Port,
				}
				if found.UUID == m.config.NodeUUID {
					// Our own advertisement echoing back.
					continue
				}

				log.Printf("Discovered node: %s at %s:%d", found.Name, found.Host, found.Port)

				select {
				case m.found <- found:
				case <-m.ctx.Done():
					return
				}
			}
		}()

		params := &mdns.QueryParam{
			Service: serviceType,
			Domain:  "local",
			Timeout: 3,
			Entries: entries,
		}

		mdns.Query(params)
		close(entries)
	}
}

// txtValue extracts a key=value TXT field.
func txtValue(fields []string, key string) string {
	prefix := key + "="
	for _, f := range fields {
		if len(f) > len(prefix) && f[:len(prefix)] == prefix {
			return f[len(prefix):]
		}
	}
	return ""
}

// Nodes returns the channel of discovered nodes.
func (m *Manager) Nodes() <-chan *PeerAddr {
	return m.found
}

// Stop stops advertisement and browsing.
func (m *Manager) Stop() {
	m.cancel()
}

// getLocalIPs returns the non-loopback IPv4 addresses of this host.
func getLocalIPs() ([]net.IP, error) {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ipnet.IP.To4() != nil {
					ips = append(ips, ipnet.IP)
				}
			}
		}
	}

	return ips, nil
}
