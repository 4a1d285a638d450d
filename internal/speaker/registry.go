// ABOUTME: In-memory registry of selected speakers and their settings
// ABOUTME: Resolves each speaker's stream URL through the fixed priority chain
package speaker

import (
	"strings"
	"sync"
)

// DefaultVolume is used when neither a per-speaker nor a legacy volume is known
const DefaultVolume = 50

// Station is one entry of the station list
type Station struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Speaker holds per-speaker settings
type Speaker struct {
	ID              string
	TTSEnabled      bool
	StationIndex    *int
	CustomURL       string
	Volume          *int
	LastKnownActive bool
}

// Snapshot is a copy of everything the registry holds
type Snapshot struct {
	Speakers      []Speaker
	Stations      []Station
	GlobalStation int
	NodeURL       string
	LegacyVolume  *int
}

// Registry is the owned store of selected speakers.
// Reads are safe from any goroutine; the tick goroutine is the only writer.
type Registry struct {
	mu            sync.RWMutex
	order         []string
	speakers      map[string]*Speaker
	stations      []Station
	globalStation int
	nodeURL       string
	nodeOverride  string
	legacyVolume  *int
}

// NewRegistry creates an empty registry with the given station list
func NewRegistry(stations []Station) *Registry {
	return &Registry{
		speakers: make(map[string]*Speaker),
		stations: append([]Station(nil), stations...),
	}
}

// ClampVolume limits v to 0-100
func ClampVolume(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func clampIndex(idx, n int) int {
	if idx < 0 {
		return 0
	}
	if idx >= n {
		return n - 1
	}
	return idx
}

// Select adds speakers to the selection, keeping existing settings
func (r *Registry) Select(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := r.speakers[id]; ok {
			continue
		}
		r.speakers[id] = &Speaker{ID: id, TTSEnabled: true}
		r.order = append(r.order, id)
	}
}

// SetSelection replaces the selection; speakers not in ids are removed
func (r *Registry) SetSelection(ids []string) {
	keep := make(map[string]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
	}

	r.mu.Lock()
	for _, id := range append([]string(nil), r.order...) {
		if !keep[id] {
			r.removeLocked(id)
		}
	}
	r.mu.Unlock()

	r.Select(ids...)
}

// Deselect removes a speaker and its settings
func (r *Registry) Deselect(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(id)
}

func (r *Registry) removeLocked(id string) {
	if _, ok := r.speakers[id]; !ok {
		return
	}
	delete(r.speakers, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Selected returns the selected speaker ids in selection order
func (r *Registry) Selected() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// TTSSpeakers returns the selected speakers with TTS enabled
func (r *Registry) TTSSpeakers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for _, id := range r.order {
		if r.speakers[id].TTSEnabled {
			ids = append(ids, id)
		}
	}
	return ids
}

// Speaker returns a copy of one speaker's settings
func (r *Registry) Speaker(id string) (Speaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.speakers[id]
	if !ok {
		return Speaker{}, false
	}
	return copySpeaker(s), true
}

// SetTTSEnabled toggles whether a speaker takes part in announcements
func (r *Registry) SetTTSEnabled(id string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.speakers[id]; ok {
		s.TTSEnabled = enabled
	}
}

// Stations returns the station list
func (r *Registry) Stations() []Station {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Station(nil), r.stations...)
}

// StationByName finds a station by case-insensitive name
func (r *Registry) StationByName(name string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name = strings.TrimSpace(name)
	for i, st := range r.stations {
		if strings.EqualFold(st.Name, name) {
			return i, true
		}
	}
	return 0, false
}

// SetStation selects a station for one speaker, clamping idx
func (r *Registry) SetStation(id string, idx int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.speakers[id]
	if !ok || len(r.stations) == 0 {
		return
	}
	idx = clampIndex(idx, len(r.stations))
	s.StationIndex = &idx
}

// SetGlobalStation selects the fallback station, clamping idx
func (r *Registry) SetGlobalStation(idx int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.stations) == 0 {
		r.globalStation = 0
		return
	}
	r.globalStation = clampIndex(idx, len(r.stations))
}

// SetCustomURL sets a per-speaker stream URL
func (r *Registry) SetCustomURL(id, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.speakers[id]; ok {
		s.CustomURL = strings.TrimSpace(url)
	}
}

// ClearCustomURL removes a per-speaker stream URL
func (r *Registry) ClearCustomURL(id string) {
	r.SetCustomURL(id, "")
}

// SetNodeURL sets the saved node-level stream URL
func (r *Registry) SetNodeURL(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodeURL = strings.TrimSpace(url)
}

// SetNodeURLOverride sets the per-tick node-level URL; empty falls back to the saved one
func (r *Registry) SetNodeURLOverride(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodeOverride = strings.TrimSpace(url)
}

// ResolveStreamURL returns the URL a speaker should play, or "" when nothing resolves.
// Priority: node URL, per-speaker custom URL, per-speaker station, global station.
func (r *Registry) ResolveStreamURL(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.nodeOverride != "" {
		return r.nodeOverride
	}
	if r.nodeURL != "" {
		return r.nodeURL
	}

	if s, ok := r.speakers[id]; ok {
		if s.CustomURL != "" {
			return s.CustomURL
		}
		if s.StationIndex != nil && len(r.stations) > 0 {
			return r.stations[clampIndex(*s.StationIndex, len(r.stations))].URL
		}
	}

	if len(r.stations) == 0 {
		return ""
	}
	return r.stations[clampIndex(r.globalStation, len(r.stations))].URL
}

// SetVolume stores a speaker's volume, clamped to 0-100
func (r *Registry) SetVolume(id string, v int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.speakers[id]; ok {
		v = ClampVolume(v)
		s.Volume = &v
	}
}

// Volume returns a speaker's stored volume
func (r *Registry) Volume(id string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.speakers[id]; ok && s.Volume != nil {
		return *s.Volume, true
	}
	return 0, false
}

// SetLegacyVolume stores the pre-multi-speaker global volume
func (r *Registry) SetLegacyVolume(v int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v = ClampVolume(v)
	r.legacyVolume = &v
}

// LegacyVolume returns the pre-multi-speaker global volume
func (r *Registry) LegacyVolume() (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.legacyVolume == nil {
		return 0, false
	}
	return *r.legacyVolume, true
}

// SetLastKnownActive records the last value of a speaker's active input
func (r *Registry) SetLastKnownActive(id string, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.speakers[id]; ok {
		s.LastKnownActive = active
	}
}

// Snapshot copies the registry contents
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		Stations:      append([]Station(nil), r.stations...),
		GlobalStation: r.globalStation,
		NodeURL:       r.nodeURL,
	}
	if r.legacyVolume != nil {
		v := *r.legacyVolume
		snap.LegacyVolume = &v
	}
	for _, id := range r.order {
		snap.Speakers = append(snap.Speakers, copySpeaker(r.speakers[id]))
	}
	return snap
}

// Restore replaces the registry contents with snap, clamping indexes and volumes
func (r *Registry) Restore(snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stations = append([]Station(nil), snap.Stations...)
	r.nodeURL = strings.TrimSpace(snap.NodeURL)
	r.globalStation = 0
	if len(r.stations) > 0 {
		r.globalStation = clampIndex(snap.GlobalStation, len(r.stations))
	}
	r.legacyVolume = nil
	if snap.LegacyVolume != nil {
		v := ClampVolume(*snap.LegacyVolume)
		r.legacyVolume = &v
	}

	r.order = nil
	r.speakers = make(map[string]*Speaker, len(snap.Speakers))
	for _, s := range snap.Speakers {
		if s.ID == "" || r.speakers[s.ID] != nil {
			continue
		}
		c := copySpeaker(&s)
		if c.StationIndex != nil {
			if len(r.stations) == 0 {
				c.StationIndex = nil
			} else {
				idx := clampIndex(*c.StationIndex, len(r.stations))
				c.StationIndex = &idx
			}
		}
		if c.Volume != nil {
			v := ClampVolume(*c.Volume)
			c.Volume = &v
		}
		r.speakers[c.ID] = &c
		r.order = append(r.order, c.ID)
	}
}

func copySpeaker(s *Speaker) Speaker {
	c := *s
	if s.StationIndex != nil {
		idx := *s.StationIndex
		c.StationIndex = &idx
	}
	if s.Volume != nil {
		v := *s.Volume
		c.Volume = &v
	}
	return c
}
