// ABOUTME: The status subcommand
// ABOUTME: Summarises the persisted state file without contacting the hub
package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"text/tabwriter"

	"github.com/Sendspin/sendspin-announcer/internal/config"
	"github.com/Sendspin/sendspin-announcer/internal/speaker"
	"github.com/Sendspin/sendspin-announcer/internal/state"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the saved speakers and settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			return err
		}
		return printStatus(cmd.OutOrStdout(), state.NewStore(cfg.StatePath, nil), cfg.Stations)
	},
}

func printStatus(w io.Writer, store *state.Store, stations []speaker.Station) error {
	doc, err := store.Load()
	if errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(w, "No state saved yet at %s\n", store.Path())
		return nil
	}
	if err != nil {
		return err
	}

	info, err := os.Stat(store.Path())
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "State:    %s (%s, saved %s)\n", store.Path(), humanize.Bytes(uint64(info.Size())), humanize.Time(info.ModTime()))

	snap := doc.Snapshot()
	if len(snap.Stations) == 0 {
		snap.Stations = stations
	}
	registry := speaker.NewRegistry(nil)
	registry.Restore(snap)

	settings := doc.Settings()
	stream := "off"
	if settings.StreamEnabled {
		stream = "on"
	}
	protocol := settings.TTSProtocol
	if protocol == "" {
		protocol = "per-device"
	}
	fmt.Fprintf(w, "Stream:   %s\n", stream)
	fmt.Fprintf(w, "TTS:      %s, resume %s after completion\n", protocol, settings.ResumeDelay)
	if settings.Message != "" {
		fmt.Fprintf(w, "Message:  %q\n", settings.Message)
	}
	fmt.Fprintf(w, "Stations: %s\n", humanize.Comma(int64(len(registry.Stations()))))

	ids := registry.Selected()
	fmt.Fprintf(w, "Speakers: %s selected, %s announcing\n",
		humanize.Comma(int64(len(ids))), humanize.Comma(int64(len(registry.TTSSpeakers()))))
	if len(ids) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  SPEAKER\tTTS\tVOLUME\tSTREAM")
	for _, id := range ids {
		s, _ := registry.Speaker(id)
		tts := "off"
		if s.TTSEnabled {
			tts = "on"
		}
		vol := "-"
		if v, ok := registry.Volume(id); ok {
			vol = fmt.Sprintf("%d%%", v)
		}
		url := registry.ResolveStreamURL(id)
		if url == "" {
			url = "-"
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", id, tts, vol, url)
	}
	return tw.Flush()
}
