// ABOUTME: The run subcommand
// ABOUTME: Resolves the hub, restores state and runs the announcer node until interrupted
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/Sendspin/sendspin-announcer/internal/app"
	"github.com/Sendspin/sendspin-announcer/internal/config"
	"github.com/Sendspin/sendspin-announcer/internal/discovery"
	"github.com/Sendspin/sendspin-announcer/internal/state"
	"github.com/Sendspin/sendspin-announcer/pkg/protocol"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the announcer node",
	Args:  cobra.NoArgs,
	RunE:  runAnnouncer,
}

func init() {
	runCmd.Flags().String("hub", "", "hub base URL (default: discover over mDNS)")
	runCmd.Flags().String("listen", ":8097", "control surface address")
	runCmd.Flags().Duration("tick", 0, "input evaluation interval")
	runCmd.Flags().String("log-file", "", "also write logs to this file")
	runCmd.Flags().String("name", "", "name advertised over mDNS (default: hostname-announcer)")
	runCmd.Flags().Bool("advertise", true, "advertise the control surface over mDNS")
	runCmd.Flags().Bool("watch", true, "reload the state file when it changes on disk")

	_ = viper.BindPFlag(config.KeyHubURL, runCmd.Flags().Lookup("hub"))
	_ = viper.BindPFlag(config.KeyListen, runCmd.Flags().Lookup("listen"))
	_ = viper.BindPFlag(config.KeyTickInterval, runCmd.Flags().Lookup("tick"))
	_ = viper.BindPFlag(config.KeyLogFile, runCmd.Flags().Lookup("log-file"))
	_ = viper.BindPFlag(config.KeyName, runCmd.Flags().Lookup("name"))
	_ = viper.BindPFlag(config.KeyAdvertise, runCmd.Flags().Lookup("advertise"))
	_ = viper.BindPFlag(config.KeyStateWatch, runCmd.Flags().Lookup("watch"))
}

func runAnnouncer(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	closer, err := setupLog(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closer() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hubURL := cfg.HubURL
	if hubURL == "" {
		log.Info("No hub configured, browsing mDNS", "service", discovery.HubService, "timeout", cfg.DiscoverTimeout)
		found, err := discovery.FindHub(ctx, cfg.DiscoverTimeout)
		if err != nil {
			return fmt.Errorf("find hub: %w", err)
		}
		hubURL = found.URL()
	}

	name := cfg.Name
	if name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		name = fmt.Sprintf("%s-announcer", hostname)
	}

	timings := app.DefaultTimings()
	timings.Announce.ResumeBuffer = cfg.ResumeDelay

	node, err := app.New(app.Config{
		HubURL:       hubURL,
		HubToken:     cfg.HubToken,
		HubRate:      cfg.HubRate,
		Listen:       cfg.Listen,
		TickInterval: cfg.TickInterval,
		StatePath:    cfg.StatePath,
		StateWatch:   cfg.StateWatch,
		Stations:     cfg.Stations,
		Defaults: state.Settings{
			TTSProtocol:    cfg.TTSProtocol,
			ResumeDelay:    cfg.ResumeDelay,
			Message:        cfg.DefaultMessage,
			TTSServiceName: cfg.TTSServiceName,
			TTSEngineID:    cfg.TTSEngineID,
			VoiceID:        cfg.VoiceID,
		},
		Advertise: cfg.Advertise,
		Name:      name,
		Timings:   timings,
	})
	if err != nil {
		return err
	}

	if err := node.Restore(); err != nil {
		return err
	}

	if err := node.Connect(); err != nil {
		if errors.Is(err, protocol.ErrAuthRejected) {
			return fmt.Errorf("connect to hub: %w", err)
		}
		log.Warn("Hub event channel unavailable, retrying in the background", "err", err)
	}

	log.Info("Announcer running", "hub", hubURL, "listen", cfg.Listen, "state", cfg.StatePath)
	return node.Run(ctx)
}

// setupLog applies the level and, with a log file, mirrors output into it
func setupLog(cfg config.Config) (func() error, error) {
	log.SetLevel(config.ParseLevel(cfg.LogLevel))

	if cfg.LogFile == "" {
		return func() error { return nil }, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(cfg.LogFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return f.Close, nil
}
