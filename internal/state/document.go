// ABOUTME: Persisted node state document
// ABOUTME: Converts between the flat on-disk form and the speaker registry
package state

import (
	"time"

	"github.com/Sendspin/sendspin-announcer/internal/speaker"
)

// DefaultResumeDelay is used when the document carries no resume delay
const DefaultResumeDelay = 2 * time.Second

// Document is the flat, versionless state file
type Document struct {
	SpeakerIDs []string `json:"speakerIds"`

	// SpeakerID is the pre-multi-speaker single speaker, folded in by Migrate
	SpeakerID string `json:"speakerId,omitempty"`

	TTSEnabled      map[string]bool   `json:"ttsEnabled,omitempty"`
	SpeakerStations map[string]int    `json:"speakerStations,omitempty"`
	CustomURLs      map[string]string `json:"speakerCustomUrls,omitempty"`
	Volumes         map[string]int    `json:"speakerVolumes,omitempty"`

	Stations      []speaker.Station `json:"stations,omitempty"`
	GlobalStation int               `json:"globalStation"`
	NodeURL       string            `json:"customStreamUrl,omitempty"`

	TTSProtocol    string `json:"ttsProtocol,omitempty"`
	ResumeDelayMs  *int   `json:"resumeDelayMs,omitempty"`
	StreamEnabled  bool   `json:"streamEnabled"`
	Message        string `json:"message,omitempty"`
	TTSServiceName string `json:"ttsServiceName,omitempty"`
	TTSEngineID    string `json:"ttsEngineId,omitempty"`
	VoiceID        string `json:"voiceId,omitempty"`

	// Volume is the pre-multi-speaker global volume
	Volume *int `json:"volume,omitempty"`
}

// Settings are the non-speaker values carried by the document
type Settings struct {
	TTSProtocol    string
	ResumeDelay    time.Duration
	StreamEnabled  bool
	Message        string
	TTSServiceName string
	TTSEngineID    string
	VoiceID        string
}

// Migrate folds the legacy single speaker into an empty speaker list
func Migrate(doc Document) Document {
	if len(doc.SpeakerIDs) == 0 && doc.SpeakerID != "" {
		doc.SpeakerIDs = []string{doc.SpeakerID}
	}
	doc.SpeakerID = ""
	return doc
}

// Snapshot converts the document into a registry snapshot
func (d Document) Snapshot() speaker.Snapshot {
	snap := speaker.Snapshot{
		Stations:      d.Stations,
		GlobalStation: d.GlobalStation,
		NodeURL:       d.NodeURL,
		LegacyVolume:  d.Volume,
	}

	for _, id := range d.SpeakerIDs {
		s := speaker.Speaker{ID: id, TTSEnabled: true, CustomURL: d.CustomURLs[id]}
		if enabled, ok := d.TTSEnabled[id]; ok {
			s.TTSEnabled = enabled
		}
		if idx, ok := d.SpeakerStations[id]; ok {
			s.StationIndex = &idx
		}
		if v, ok := d.Volumes[id]; ok {
			s.Volume = &v
		}
		snap.Speakers = append(snap.Speakers, s)
	}
	return snap
}

// Settings returns the document's settings, defaulting the resume delay
func (d Document) Settings() Settings {
	delay := DefaultResumeDelay
	if d.ResumeDelayMs != nil {
		delay = time.Duration(*d.ResumeDelayMs) * time.Millisecond
	}
	return Settings{
		TTSProtocol:    d.TTSProtocol,
		ResumeDelay:    delay,
		StreamEnabled:  d.StreamEnabled,
		Message:        d.Message,
		TTSServiceName: d.TTSServiceName,
		TTSEngineID:    d.TTSEngineID,
		VoiceID:        d.VoiceID,
	}
}

// Capture builds a document from a registry snapshot and settings
func Capture(snap speaker.Snapshot, settings Settings) Document {
	delay := int(settings.ResumeDelay / time.Millisecond)
	doc := Document{
		SpeakerIDs:      []string{},
		TTSEnabled:      make(map[string]bool),
		SpeakerStations: make(map[string]int),
		CustomURLs:      make(map[string]string),
		Volumes:         make(map[string]int),
		Stations:        snap.Stations,
		GlobalStation:   snap.GlobalStation,
		NodeURL:         snap.NodeURL,
		TTSProtocol:     settings.TTSProtocol,
		ResumeDelayMs:   &delay,
		StreamEnabled:   settings.StreamEnabled,
		Message:         settings.Message,
		TTSServiceName:  settings.TTSServiceName,
		TTSEngineID:     settings.TTSEngineID,
		VoiceID:         settings.VoiceID,
		Volume:          snap.LegacyVolume,
	}

	for _, s := range snap.Speakers {
		doc.SpeakerIDs = append(doc.SpeakerIDs, s.ID)
		doc.TTSEnabled[s.ID] = s.TTSEnabled
		if s.StationIndex != nil {
			doc.SpeakerStations[s.ID] = *s.StationIndex
		}
		if s.CustomURL != "" {
			doc.CustomURLs[s.ID] = s.CustomURL
		}
		if s.Volume != nil {
			doc.Volumes[s.ID] = *s.Volume
		}
	}
	return doc
}
