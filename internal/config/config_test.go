// ABOUTME: Tests for configuration loading
// ABOUTME: Checks file parsing, env overrides, path defaults and validation
package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Sendspin/sendspin-announcer/internal/speaker"
	"github.com/charmbracelet/log"
	"github.com/spf13/viper"
)

const sampleYAML = `
hub:
  url: http://homeassistant.local:8123
  token: from-file
listen: ":9000"
tick: 100ms
state:
  path: /tmp/announcer/state.json
tts:
  protocol: bulk
  resume_delay: 3s
  message: Dinner is ready
stations:
  - name: Jazz
    url: http://jazz.example/stream
  - name: News
    url: http://news.example/stream
`

func loadFrom(t *testing.T, yaml string) (Config, error) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "sendspin-announcer.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	v := viper.New()
	SetDefaults(v)
	if err := ReadInConfig(v, path); err != nil {
		t.Fatalf("read config: %v", err)
	}
	return Load(v)
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv("HUB_URL", "")
	t.Setenv("HUB_TOKEN", "")

	cfg, err := loadFrom(t, sampleYAML)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.HubURL != "http://homeassistant.local:8123" || cfg.HubToken != "from-file" {
		t.Errorf("unexpected hub settings %q %q", cfg.HubURL, cfg.HubToken)
	}
	if cfg.Listen != ":9000" || cfg.TickInterval != 100*time.Millisecond {
		t.Errorf("unexpected listen/tick %q %v", cfg.Listen, cfg.TickInterval)
	}
	if cfg.TTSProtocol != "bulk" || cfg.ResumeDelay != 3*time.Second || cfg.DefaultMessage != "Dinner is ready" {
		t.Errorf("unexpected tts settings %+v", cfg)
	}
	if len(cfg.Stations) != 2 || cfg.Stations[1].Name != "News" || cfg.Stations[1].URL != "http://news.example/stream" {
		t.Errorf("unexpected stations %+v", cfg.Stations)
	}
	if cfg.StatePath != "/tmp/announcer/state.json" {
		t.Errorf("unexpected state path %s", cfg.StatePath)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("HUB_URL", "https://hub.example")
	t.Setenv("HUB_TOKEN", "from-env")
	t.Setenv("ANNOUNCER_LISTEN", ":7000")

	cfg, err := loadFrom(t, sampleYAML)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.HubURL != "https://hub.example" || cfg.HubToken != "from-env" {
		t.Errorf("expected env secrets, got %q %q", cfg.HubURL, cfg.HubToken)
	}
	if cfg.Listen != ":7000" {
		t.Errorf("expected ANNOUNCER_LISTEN override, got %q", cfg.Listen)
	}
}

func TestDefaults(t *testing.T) {
	t.Setenv("HUB_URL", "")
	t.Setenv("HUB_TOKEN", "")

	v := viper.New()
	SetDefaults(v)
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if !cfg.Discover || cfg.Listen != ":8097" || cfg.TTSProtocol != "per-device" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if !strings.HasSuffix(cfg.StatePath, filepath.Join(AppName, "state.json")) {
		t.Errorf("expected default state path under the app data dir, got %s", cfg.StatePath)
	}
}

func TestMissingConfigFileIsFine(t *testing.T) {
	t.Setenv("ANNOUNCER_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	v := viper.New()
	SetDefaults(v)
	if err := ReadInConfig(v, ""); err != nil {
		t.Errorf("expected no error without a config file, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := Config{TickInterval: time.Second, Listen: ":8097", HubURL: "http://hub:8123"}

	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(*Config) {}, true},
		{"zero tick", func(c *Config) { c.TickInterval = 0 }, false},
		{"negative resume", func(c *Config) { c.ResumeDelay = -time.Second }, false},
		{"no listen", func(c *Config) { c.Listen = "" }, false},
		{"bad url", func(c *Config) { c.HubURL = "not a url" }, false},
		{"no hub no discovery", func(c *Config) { c.HubURL = ""; c.Discover = false }, false},
		{"discovery only", func(c *Config) { c.HubURL = ""; c.Discover = true }, true},
		{"station without url", func(c *Config) { c.Stations = append(c.Stations, speaker.Station{Name: "x"}) }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err == nil) != tt.ok {
				t.Errorf("expected ok=%v, got %v", tt.ok, err)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug") != log.DebugLevel {
		t.Error("expected debug level")
	}
	if ParseLevel("nonsense") != log.InfoLevel {
		t.Error("expected info fallback")
	}
}
