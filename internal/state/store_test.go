// ABOUTME: Tests for the state store
// ABOUTME: Covers schema validation, legacy migration, round trips and file watching
package state

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/Sendspin/sendspin-announcer/internal/speaker"
)

func TestParseMigratesLegacySpeaker(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"legacy only", `{"speakerId":"media_player.kitchen"}`, []string{"media_player.kitchen"}},
		{"list wins", `{"speakerId":"media_player.kitchen","speakerIds":["media_player.den"]}`, []string{"media_player.den"}},
		{"empty list", `{"speakerId":"media_player.kitchen","speakerIds":[]}`, []string{"media_player.kitchen"}},
		{"nothing", `{}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Parse([]byte(tt.raw))
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if !reflect.DeepEqual(doc.SpeakerIDs, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, doc.SpeakerIDs)
			}
			if doc.SpeakerID != "" {
				t.Error("expected legacy field cleared")
			}
		})
	}
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{speakerIds`},
		{"wrong list type", `{"speakerIds":"a"}`},
		{"fractional volume", `{"speakerVolumes":{"a":40.5}}`},
		{"unknown protocol", `{"ttsProtocol":"smoke-signals"}`},
		{"station without url", `{"stations":[{"name":"Jazz"}]}`},
		{"negative resume delay", `{"resumeDelayMs":-1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.raw)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestCaptureSnapshotRoundTrip(t *testing.T) {
	reg := speaker.NewRegistry([]speaker.Station{{Name: "Jazz", URL: "http://jazz"}, {Name: "News", URL: "http://news"}})
	reg.Select("a", "b")
	reg.SetStation("a", 1)
	reg.SetCustomURL("b", "http://custom")
	reg.SetTTSEnabled("b", false)
	reg.SetVolume("a", 65)
	reg.SetGlobalStation(1)
	reg.SetNodeURL("http://node")
	reg.SetLegacyVolume(30)

	settings := Settings{
		TTSProtocol:   "bulk",
		ResumeDelay:   3500 * time.Millisecond,
		StreamEnabled: true,
		Message:       "hello",
		VoiceID:       "voice",
	}

	doc := Capture(reg.Snapshot(), settings)

	restored := speaker.NewRegistry(nil)
	restored.Restore(doc.Snapshot())
	if !reflect.DeepEqual(restored.Snapshot(), reg.Snapshot()) {
		t.Errorf("registry mismatch:\n%+v\n%+v", restored.Snapshot(), reg.Snapshot())
	}
	if got := doc.Settings(); got != settings {
		t.Errorf("settings mismatch: %+v vs %+v", got, settings)
	}
}

func TestSettingsDefaultResumeDelay(t *testing.T) {
	if got := (Document{}).Settings().ResumeDelay; got != DefaultResumeDelay {
		t.Errorf("expected %v, got %v", DefaultResumeDelay, got)
	}
}

func TestStoreSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	store := NewStore(path, nil)

	if _, err := store.Load(); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
		t.Fatal("expected no state file yet")
	}

	vol := 40
	doc := Document{
		SpeakerIDs:    []string{"a"},
		Volumes:       map[string]int{"a": 70},
		Stations:      []speaker.Station{{Name: "Jazz", URL: "http://jazz"}},
		StreamEnabled: true,
		Volume:        &vol,
	}
	if err := store.Save(doc); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := NewStore(path, nil).Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !reflect.DeepEqual(loaded.SpeakerIDs, doc.SpeakerIDs) || loaded.Volumes["a"] != 70 || !loaded.StreamEnabled || *loaded.Volume != 40 {
		t.Errorf("unexpected document %+v", loaded)
	}

	if _, err := store.ModTime(); err != nil {
		t.Errorf("expected mod time, got %v", err)
	}
}

func TestWatchDeliversExternalEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewStore(path, nil)
	if err := store.Save(Document{SpeakerIDs: []string{"a"}}); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, err := store.Watch(ctx)
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}

	// Our own save must not come back as a change
	if err := store.Save(Document{SpeakerIDs: []string{"a", "b"}}); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	if err := os.WriteFile(path, []byte(`{"speakerIds":["c"]}`), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	select {
	case doc := <-changes:
		if !reflect.DeepEqual(doc.SpeakerIDs, []string{"c"}) {
			t.Errorf("expected external edit [c], got %v", doc.SpeakerIDs)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for change")
	}

	cancel()
	for range changes {
	}
}
