// ABOUTME: mDNS discovery for HiveMind sessions
// ABOUTME: The host advertises _hivemind._tcp; nodes browse for it
package discovery

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/rs/zerolog/log"
)

const (
	serviceType  = "_hivemind._tcp"
	queryTimeout = 3 * time.Second
)

// Config holds discovery configuration.
type Config struct {
	ServiceName string
	Port        int
}

// Manager handles mDNS advertisement and browsing.
type Manager struct {
	config Config
	ctx    context.Context
	cancel context.CancelFunc
	hosts  chan *HostInfo
}

// HostInfo describes a discovered host.
type HostInfo struct {
	Name string
	Host string
	Port int
}

// NewManager creates a discovery manager.
func NewManager(config Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config: config,
		ctx:    ctx,
		cancel: cancel,
		hosts:  make(chan *HostInfo, 10),
	}
}

// Advertise publishes this host's session endpoint via mDNS.
func (m *Manager) Advertise() error {
	ips, err := localIPs()
	if err != nil {
		return fmt.Errorf("get local IPs: %w", err)
	}

	service, err := mdns.NewMDNSService(
		m.config.ServiceName,
		serviceType,
		"",
		"",
		m.config.Port,
		ips,
		[]string{"path=/ws"},
	)
	if err != nil {
		return fmt.Errorf("create mdns service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("create mdns server: %w", err)
	}

	log.Info().Str("service", m.config.ServiceName).Int("port", m.config.Port).Msg("advertising via mDNS")

	go func() {
		<-m.ctx.Done()
		server.Shutdown()
	}()

	return nil
}

// Browse searches for hosts and delivers them on Hosts until Stop.
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
				info := &HostInfo{
					Name: entry.Name,
					Host: entry.AddrV4.String(),
					Port: entry.Port,
				}
				log.Info().Str("name", info.Name).Str("host", info.Host).Int("port", info.Port).Msg("discovered host")

				select {
				case m.hosts <- info:
				case <-m.ctx.Done():
					return
				}
			}
		}()

		mdns.Query(queryParams(entries))
		close(entries)
	}
}

// queryParams builds one browse query. The timeout bounds how long each
// query collects responses before the loop issues the next one.
func queryParams(entries chan *mdns.ServiceEntry) *mdns.QueryParam {
	return &mdns.QueryParam{
		Service: serviceType,
		Domain:  "local",
		Timeout: queryTimeout,
		Entries: entries,
	}
}

// Hosts returns the channel of discovered hosts.
func (m *Manager) Hosts() <-chan *HostInfo {
	return m.hosts
}

// Stop shuts down advertisement and browsing.
func (m *Manager) Stop() {
	m.cancel()
}

func localIPs() ([]net.IP, error) {
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
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
				ips = append(ips, ipnet.IP)
			}
		}
	}

	return ips, nil
}
