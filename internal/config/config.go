// ABOUTME: Runtime configuration from config file, environment and flags
// ABOUTME: Layers viper defaults, a YAML file, ANNOUNCER_* variables and HUB_* secrets from .env
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Sendspin/sendspin-announcer/internal/speaker"
	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/viper"
)

// AppName names config dirs, files and the env prefix
const AppName = "sendspin-announcer"

// Keys used with viper
const (
	KeyHubURL          = "hub.url"
	KeyHubToken        = "hub.token"
	KeyHubRate         = "hub.rate"
	KeyDiscover        = "hub.discover"
	KeyDiscoverTimeout = "hub.discover_timeout"
	KeyListen          = "listen"
	KeyStatePath       = "state.path"
	KeyStateWatch      = "state.watch"
	KeyTickInterval    = "tick"
	KeyLogFile         = "log.file"
	KeyLogLevel        = "log.level"
	KeyStations        = "stations"
	KeyTTSProtocol     = "tts.protocol"
	KeyResumeDelay     = "tts.resume_delay"
	KeyDefaultMessage  = "tts.message"
	KeyTTSServiceName  = "tts.service"
	KeyTTSEngineID     = "tts.engine"
	KeyVoiceID         = "tts.voice"
	KeyName            = "name"
	KeyAdvertise       = "advertise"
)

// Secrets are read from the environment only, optionally via .env
type Secrets struct {
	HubURL   string `env:"HUB_URL"`
	HubToken string `env:"HUB_TOKEN"`
}

// Config is the resolved runtime configuration
type Config struct {
	HubURL          string
	HubToken        string
	HubRate         float64
	Discover        bool
	DiscoverTimeout time.Duration
	Listen          string
	StatePath       string
	StateWatch      bool
	TickInterval    time.Duration
	LogFile         string
	LogLevel        string
	Stations        []speaker.Station
	TTSProtocol     string
	ResumeDelay     time.Duration
	DefaultMessage  string
	TTSServiceName  string
	TTSEngineID     string
	VoiceID         string
	Name            string
	Advertise       bool
}

// SetDefaults registers default values on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyHubURL, "")
	v.SetDefault(KeyHubToken, "")
	v.SetDefault(KeyHubRate, 10.0)
	v.SetDefault(KeyDiscover, true)
	v.SetDefault(KeyDiscoverTimeout, 3*time.Second)
	v.SetDefault(KeyListen, ":8097")
	v.SetDefault(KeyStatePath, "")
	v.SetDefault(KeyStateWatch, true)
	v.SetDefault(KeyTickInterval, 250*time.Millisecond)
	v.SetDefault(KeyLogFile, "")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyTTSProtocol, "per-device")
	v.SetDefault(KeyResumeDelay, 2*time.Second)
	v.SetDefault(KeyDefaultMessage, "")
	v.SetDefault(KeyName, "")
	v.SetDefault(KeyAdvertise, true)
}

// ConfigDirs returns the directories searched for the config file
func ConfigDirs() ([]string, error) {
	scope := gap.NewScope(gap.User, AppName)
	dirs, err := scope.ConfigDirs()
	if err != nil {
		return nil, fmt.Errorf("find config dirs: %w", err)
	}

	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, AppName)}, dirs...)
	}
	if c := os.Getenv("ANNOUNCER_CONFIG_HOME"); c != "" {
		dirs = append([]string{c}, dirs...)
	}
	return dirs, nil
}

// ReadInConfig points v at file, or searches the default places when file is empty.
// A missing config file is not an error.
func ReadInConfig(v *viper.Viper, file string) error {
	if file != "" {
		expanded, err := homedir.Expand(file)
		if err != nil {
			return fmt.Errorf("expand config path: %w", err)
		}
		v.SetConfigFile(expanded)
	} else {
		dirs, err := ConfigDirs()
		if err != nil {
			return err
		}
		for _, d := range dirs {
			v.AddConfigPath(d)
		}
		v.SetConfigName(AppName)
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("announcer")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	log.Debug("Using configuration file", "path", v.ConfigFileUsed())
	return nil
}

// Load resolves the configuration from v and the environment
func Load(v *viper.Viper) (Config, error) {
	// .env is optional
	_ = godotenv.Load()

	secrets, err := env.ParseAs[Secrets]()
	if err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	cfg := Config{
		HubURL:          v.GetString(KeyHubURL),
		HubToken:        v.GetString(KeyHubToken),
		HubRate:         v.GetFloat64(KeyHubRate),
		Discover:        v.GetBool(KeyDiscover),
		DiscoverTimeout: v.GetDuration(KeyDiscoverTimeout),
		Listen:          v.GetString(KeyListen),
		StatePath:       v.GetString(KeyStatePath),
		StateWatch:      v.GetBool(KeyStateWatch),
		TickInterval:    v.GetDuration(KeyTickInterval),
		LogFile:         v.GetString(KeyLogFile),
		LogLevel:        v.GetString(KeyLogLevel),
		TTSProtocol:     v.GetString(KeyTTSProtocol),
		ResumeDelay:     v.GetDuration(KeyResumeDelay),
		DefaultMessage:  v.GetString(KeyDefaultMessage),
		TTSServiceName:  v.GetString(KeyTTSServiceName),
		TTSEngineID:     v.GetString(KeyTTSEngineID),
		VoiceID:         v.GetString(KeyVoiceID),
		Name:            v.GetString(KeyName),
		Advertise:       v.GetBool(KeyAdvertise),
	}

	if err := v.UnmarshalKey(KeyStations, &cfg.Stations); err != nil {
		return Config{}, fmt.Errorf("parse stations: %w", err)
	}

	if secrets.HubURL != "" {
		cfg.HubURL = secrets.HubURL
	}
	if secrets.HubToken != "" {
		cfg.HubToken = secrets.HubToken
	}

	if cfg.StatePath == "" {
		cfg.StatePath, err = gap.NewScope(gap.User, AppName).DataPath("state.json")
		if err != nil {
			return Config{}, fmt.Errorf("find data dir: %w", err)
		}
	}
	if cfg.StatePath, err = homedir.Expand(cfg.StatePath); err != nil {
		return Config{}, fmt.Errorf("expand state path: %w", err)
	}
	if cfg.LogFile != "" {
		if cfg.LogFile, err = homedir.Expand(cfg.LogFile); err != nil {
			return Config{}, fmt.Errorf("expand log path: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later at runtime
func (c Config) Validate() error {
	if c.TickInterval <= 0 {
		return fmt.Errorf("%s must be positive, got %v", KeyTickInterval, c.TickInterval)
	}
	if c.ResumeDelay < 0 {
		return fmt.Errorf("%s must not be negative, got %v", KeyResumeDelay, c.ResumeDelay)
	}
	if c.Listen == "" {
		return fmt.Errorf("%s must be set", KeyListen)
	}
	if c.HubURL != "" {
		u, err := url.Parse(c.HubURL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("%s %q is not a valid URL", KeyHubURL, c.HubURL)
		}
	}
	if c.HubURL == "" && !c.Discover {
		return fmt.Errorf("%s is empty and discovery is disabled", KeyHubURL)
	}
	for i, st := range c.Stations {
		if st.URL == "" {
			return fmt.Errorf("station %d (%q) has no url", i, st.Name)
		}
	}
	return nil
}

// ParseLevel maps a level name to a log level, defaulting to info
func ParseLevel(s string) log.Level {
	level, err := log.ParseLevel(s)
	if err != nil {
		return log.InfoLevel
	}
	return level
}
