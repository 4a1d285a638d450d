// ABOUTME: mDNS discovery of the home-automation hub and advertisement of the announcer
// ABOUTME: Browses _home-assistant._tcp for a hub URL and advertises the local control surface
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/mdns"
)

// Service types
const (
	HubService       = "_home-assistant._tcp"
	AnnouncerService = "_sendspin-announcer._tcp"
)

// ErrNoHub is returned when no hub answers before the timeout
var ErrNoHub = errors.New("no hub found on the local network")

// Config holds advertisement configuration
type Config struct {
	ServiceName string
	Port        int
}

// Manager advertises the announcer until stopped
type Manager struct {
	config Config
	ctx    context.Context
	cancel context.CancelFunc
}

// HubInfo describes a discovered hub
type HubInfo struct {
	Name string
	Host string
	Port int

	// BaseURL is the URL the hub publishes in its TXT record, if any
	BaseURL string
}

// URL returns the hub's base URL, preferring the published one
func (h HubInfo) URL() string {
	if h.BaseURL != "" {
		return strings.TrimRight(h.BaseURL, "/")
	}
	return "http://" + net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

// NewManager creates a discovery manager
func NewManager(config Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		config: config,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Advertise publishes the announcer's control surface via mDNS
func (m *Manager) Advertise() error {
	ips, err := getLocalIPs()
	if err != nil {
		return fmt.Errorf("failed to get local IPs: %w", err)
	}

	service, err := mdns.NewMDNSService(
		m.config.ServiceName,
		AnnouncerService,
		"",
		"",
		m.config.Port,
		ips,
		[]string{"inputs=/inputs", "outputs=/outputs"},
	)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to create mdns server: %w", err)
	}

	log.Info("Advertising mDNS service", "name", m.config.ServiceName, "port", m.config.Port, "type", AnnouncerService)

	go func() {
		<-m.ctx.Done()
		server.Shutdown()
	}()

	return nil
}

// Stop withdraws the advertisement
func (m *Manager) Stop() {
	m.cancel()
}

// FindHub browses for a hub and returns the first one that answers
func FindHub(ctx context.Context, timeout time.Duration) (HubInfo, error) {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	entries := make(chan *mdns.ServiceEntry, 10)
	found := make(chan HubInfo, 1)

	go func() {
		for entry := range entries {
			hub, ok := hubFromEntry(entry)
			if !ok {
				continue
			}
			select {
			case found <- hub:
			default:
			}
		}
	}()

	params := &mdns.QueryParam{
		Service:     HubService,
		Domain:      "local",
		Timeout:     timeout,
		Entries:     entries,
		DisableIPv6: true,
	}

	queryDone := make(chan error, 1)
	go func() {
		queryDone <- mdns.Query(params)
		close(entries)
	}()

	select {
	case hub := <-found:
		log.Info("Discovered hub", "name", hub.Name, "url", hub.URL())
		return hub, nil
	case err := <-queryDone:
		select {
		case hub := <-found:
			return hub, nil
		default:
		}
		if err != nil {
			return HubInfo{}, fmt.Errorf("mdns query: %w", err)
		}
		return HubInfo{}, ErrNoHub
	case <-ctx.Done():
		return HubInfo{}, ctx.Err()
	}
}

// hubFromEntry converts a browse result, skipping entries without an address
func hubFromEntry(entry *mdns.ServiceEntry) (HubInfo, bool) {
	if entry == nil || entry.Port == 0 {
		return HubInfo{}, false
	}

	hub := HubInfo{Name: entry.Name, Port: entry.Port}
	switch {
	case entry.AddrV4 != nil:
		hub.Host = entry.AddrV4.String()
	case entry.AddrV6 != nil:
		hub.Host = entry.AddrV6.String()
	default:
		hub.Host = strings.TrimSuffix(entry.Host, ".")
	}

	txt := parseTXT(entry.InfoFields)
	switch {
	case txt["internal_url"] != "":
		hub.BaseURL = txt["internal_url"]
	case txt["base_url"] != "":
		hub.BaseURL = txt["base_url"]
	}

	return hub, hub.Host != "" || hub.BaseURL != ""
}

// parseTXT splits key=value TXT fields
func parseTXT(fields []string) map[string]string {
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return out
}

// getLocalIPs returns local IP addresses
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
