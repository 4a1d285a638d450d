// ABOUTME: Tests for mDNS discovery
// ABOUTME: Tests hub entry conversion and manager setup
package discovery

import (
	"net"
	"testing"

	"github.com/hashicorp/mdns"
)

func TestNewManager(t *testing.T) {
	config := Config{
		ServiceName: "Test Announcer",
		Port:        8097,
	}

	mgr := NewManager(config)
	if mgr == nil {
		t.Fatal("expected manager to be created")
	}
	mgr.Stop()
}

func TestHubFromEntry(t *testing.T) {
	tests := []struct {
		name  string
		entry *mdns.ServiceEntry
		want  string
		ok    bool
	}{
		{
			name:  "address only",
			entry: &mdns.ServiceEntry{Name: "Home", AddrV4: net.ParseIP("192.168.1.10"), Port: 8123},
			want:  "http://192.168.1.10:8123",
			ok:    true,
		},
		{
			name: "internal url wins",
			entry: &mdns.ServiceEntry{
				Name:       "Home",
				AddrV4:     net.ParseIP("192.168.1.10"),
				Port:       8123,
				InfoFields: []string{"base_url=http://ha.example:8123", "internal_url=http://homeassistant.local:8123/"},
			},
			want: "http://homeassistant.local:8123",
			ok:   true,
		},
		{
			name:  "host name fallback",
			entry: &mdns.ServiceEntry{Name: "Home", Host: "homeassistant.local.", Port: 8123},
			want:  "http://homeassistant.local:8123",
			ok:    true,
		},
		{
			name:  "no port",
			entry: &mdns.ServiceEntry{Name: "Home", AddrV4: net.ParseIP("192.168.1.10")},
			ok:    false,
		},
		{
			name: "nil",
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub, ok := hubFromEntry(tt.entry)
			if ok != tt.ok {
				t.Fatalf("expected ok=%v, got %v", tt.ok, ok)
			}
			if ok && hub.URL() != tt.want {
				t.Errorf("expected %s, got %s", tt.want, hub.URL())
			}
		})
	}
}

func TestParseTXT(t *testing.T) {
	got := parseTXT([]string{"Base_URL = http://a", "flag", "version=2024.1"})
	if got["base_url"] != "http://a" || got["version"] != "2024.1" {
		t.Errorf("unexpected txt map %v", got)
	}
	if _, ok := got["flag"]; ok {
		t.Error("expected bare flag skipped")
	}
}
